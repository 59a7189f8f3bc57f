package feed

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dyluth/warren/pkg/trading"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMarketFile_Quotes(t *testing.T) {
	path := writeFile(t, "market.json", `[
  {"symbol": "AAPL", "price": "200.10", "atr_fraction": "0.025", "as_of": "2025-03-03T21:00:00Z",
   "indicators": {"rsi": "61.5"}},
  {"symbol": "XOM", "price": "101", "atr_fraction": "0.03", "as_of": "2025-03-03T21:00:00Z"}
]`)

	quotes, err := NewMarketFile(path).Quotes(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)

	require.Len(t, quotes, 1, "unknown symbols are absent, unrequested ones skipped")
	aapl := quotes["AAPL"]
	assert.True(t, decimal.RequireFromString("200.10").Equal(aapl.Price))
	assert.True(t, decimal.RequireFromString("61.5").Equal(aapl.Indicators["rsi"]))
	assert.Equal(t, time.Date(2025, 3, 3, 21, 0, 0, 0, time.UTC), aapl.AsOf.UTC())
}

func TestMarketFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"not json", `{`, "invalid JSON"},
		{"missing symbol", `[{"price": "1"}]`, "has no symbol"},
		{"duplicate", `[{"symbol": "A"}, {"symbol": "A"}]`, "duplicate quote"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMarketFile(writeFile(t, "m.json", tt.content)).Quotes(context.Background(), []string{"A"})
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := NewMarketFile(filepath.Join(t.TempDir(), "none.json")).Quotes(context.Background(), nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewMarketFile(writeFile(t, "m.json", `[]`)).Quotes(ctx, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPortfolioFile_Snapshot(t *testing.T) {
	path := writeFile(t, "portfolio.json", `{
  "portfolio_id": "main",
  "as_of": "2025-03-03T21:00:00Z",
  "cash": "50000.00",
  "peak_equity": "80000",
  "drawdown": "0.0625",
  "positions": [{"symbol": "XOM", "quantity": "100", "avg_price": "98.5"}]
}`)

	snapshot, err := NewPortfolioFile(path).Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main", snapshot.PortfolioID)
	assert.True(t, decimal.RequireFromString("0.0625").Equal(snapshot.Drawdown))
	assert.True(t, decimal.NewFromInt(100).Equal(snapshot.Holding("XOM")))
	require.NoError(t, snapshot.Validate())
}

func TestSignalLog_Execute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "signals.jsonl")
	core, logs := observer.New(zap.InfoLevel)
	log := NewSignalLog(path, zap.New(core))
	log.now = func() time.Time { return time.Date(2025, 3, 3, 21, 30, 0, 0, time.UTC) }

	ctx := context.Background()
	require.NoError(t, log.Execute(ctx, "cycle-1", []trading.SizedSignal{{
		Symbol:    "AAPL",
		Direction: trading.DirectionBuy,
		Quantity:  decimal.NewFromInt(50),
		Price:     decimal.NewFromInt(200),
	}}))
	require.NoError(t, log.Execute(ctx, "cycle-2", nil))

	batches, err := ReadBatches(path)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	assert.Equal(t, "cycle-1", batches[0].CycleID)
	require.Len(t, batches[0].Signals, 1)
	assert.True(t, decimal.NewFromInt(50).Equal(batches[0].Signals[0].Quantity))

	assert.Equal(t, "cycle-2", batches[1].CycleID)
	assert.NotNil(t, batches[1].Signals, "empty batches encode as []")
	assert.Empty(t, batches[1].Signals)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"signals":[]`)

	assert.Equal(t, 2, logs.FilterMessage("signals_written").Len())
}

func TestReadBatches_Invalid(t *testing.T) {
	_, err := ReadBatches(writeFile(t, "bad.jsonl", "{\"cycle_id\":\"a\",\"signals\":[]}\nnope\n"))
	assert.ErrorContains(t, err, "invalid batch 2")
}
