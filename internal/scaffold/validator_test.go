package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckExisting(t *testing.T) {
	tests := []struct {
		name      string
		setupFunc func(t *testing.T, dir string)
		errMsgs   []string
	}{
		{
			name: "no existing files",
		},
		{
			name: "existing warren.yml only",
			setupFunc: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("version: '1.0'"), 0644))
			},
			errMsgs: []string{"Found existing: warren.yml"},
		},
		{
			name: "existing producers directory only",
			setupFunc: func(t *testing.T, dir string) {
				require.NoError(t, os.MkdirAll(filepath.Join(dir, ProducersDir), 0755))
			},
			errMsgs: []string{"Found existing: producers/"},
		},
		{
			name: "both",
			setupFunc: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), nil, 0644))
				require.NoError(t, os.MkdirAll(filepath.Join(dir, ProducersDir), 0755))
			},
			errMsgs: []string{"  - warren.yml\n", "  - producers/\n", "warren init --force"},
		},
		{
			name: "producers as a plain file is ignored",
			setupFunc: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, ProducersDir), nil, 0644))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.setupFunc != nil {
				tt.setupFunc(t, dir)
			}

			err := CheckExisting(dir)
			if len(tt.errMsgs) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, msg := range tt.errMsgs {
				assert.Contains(t, err.Error(), msg)
			}
		})
	}
}
