package scaffold

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/dyluth/warren/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the configuration file created by Initialize.
const ConfigFile = "warren.yml"

// Generated directories, relative to the project root.
const (
	ProducersDir = "producers"
	DataDir      = "data"
)

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Options control what Initialize writes.
type Options struct {
	Portfolio string // default "main"
	Force     bool   // remove an existing warren.yml and producers/ first
	Now       time.Time
}

type templateData struct {
	Portfolio string
	Now       string
}

var templates = []struct {
	name string
	path string
	perm os.FileMode
}{
	{"warren.yml.tmpl", ConfigFile, 0644},
	{"regime.sh.tmpl", filepath.Join(ProducersDir, "regime.sh"), 0755},
	{"momentum.sh.tmpl", filepath.Join(ProducersDir, "momentum.sh"), 0755},
	{"market.json.tmpl", filepath.Join(DataDir, "market.json"), 0644},
	{"portfolio.json.tmpl", filepath.Join(DataDir, "portfolio.json"), 0644},
}

// Initialize creates a runnable warren project in dir: configuration, two
// example producers and file feeds dated opts.Now. Returns the created paths,
// relative to dir.
func Initialize(dir string, opts Options) ([]string, error) {
	if opts.Portfolio == "" {
		opts.Portfolio = "main"
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	if opts.Force {
		if err := handleForce(dir); err != nil {
			return nil, err
		}
	} else if err := CheckExisting(dir); err != nil {
		return nil, err
	}

	files, err := renderTemplates(templateData{
		Portfolio: opts.Portfolio,
		Now:       opts.Now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	if err := writeFiles(dir, files); err != nil {
		return nil, err
	}

	if err := validateCreatedFiles(dir); err != nil {
		return nil, err
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths, nil
}

// handleForce removes files a previous init created. The data directory is
// kept so existing signal logs survive.
func handleForce(dir string) error {
	if err := os.Remove(filepath.Join(dir, ConfigFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
	}
	if err := os.RemoveAll(filepath.Join(dir, ProducersDir)); err != nil {
		return fmt.Errorf("failed to remove %s/ directory: %w", ProducersDir, err)
	}
	return nil
}

func renderTemplates(data templateData) ([]FileInfo, error) {
	files := make([]FileInfo, 0, len(templates))
	for _, t := range templates {
		raw, err := templatesFS.ReadFile("templates/" + t.name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", t.name, err)
		}
		tmpl, err := template.New(t.name).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", t.name, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render %s template: %w", t.name, err)
		}
		files = append(files, FileInfo{Path: t.path, Content: buf.Bytes(), Permissions: t.perm})
	}
	return files, nil
}

func writeFiles(dir string, files []FileInfo) error {
	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", file.Path, err)
		}
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}
	return nil
}

// validateCreatedFiles loads the generated configuration through the same path
// the commands use.
func validateCreatedFiles(dir string) error {
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("generated %s is invalid: %w", ConfigFile, err)
	}
	return nil
}
