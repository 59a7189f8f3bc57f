// Package feed provides file-backed collaborators for the orchestrator: market
// quotes and the portfolio snapshot are read from JSON files on every call, and
// finalized signals are appended to a JSONL file. Real data and broker
// adapters implement the same interfaces.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/pkg/trading"
)

// MarketFile serves quotes from a JSON array of trading.Quote.
type MarketFile struct {
	path string
}

// NewMarketFile creates a market provider reading path.
func NewMarketFile(path string) *MarketFile {
	return &MarketFile{path: path}
}

// Quotes returns the quotes for symbols found in the file. Symbols without a
// quote are absent from the result.
func (m *MarketFile) Quotes(ctx context.Context, symbols []string) (map[string]trading.Quote, error) {
	var quotes []trading.Quote
	if err := readJSON(ctx, m.path, &quotes); err != nil {
		return nil, fmt.Errorf("failed to read market file: %w", err)
	}

	bySymbol := make(map[string]trading.Quote, len(quotes))
	for i, q := range quotes {
		if q.Symbol == "" {
			return nil, fmt.Errorf("market file %s: quote at index %d has no symbol", m.path, i)
		}
		if _, dup := bySymbol[q.Symbol]; dup {
			return nil, fmt.Errorf("market file %s: duplicate quote for %s", m.path, q.Symbol)
		}
		bySymbol[q.Symbol] = q
	}

	out := make(map[string]trading.Quote, len(symbols))
	for _, s := range symbols {
		if q, ok := bySymbol[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

// PortfolioFile serves the portfolio snapshot from a JSON file.
type PortfolioFile struct {
	path string
}

// NewPortfolioFile creates a portfolio provider reading path.
func NewPortfolioFile(path string) *PortfolioFile {
	return &PortfolioFile{path: path}
}

// Snapshot reads the current snapshot.
func (p *PortfolioFile) Snapshot(ctx context.Context) (trading.PortfolioSnapshot, error) {
	var snapshot trading.PortfolioSnapshot
	if err := readJSON(ctx, p.path, &snapshot); err != nil {
		return trading.PortfolioSnapshot{}, fmt.Errorf("failed to read portfolio file: %w", err)
	}
	return snapshot, nil
}

func readJSON(ctx context.Context, path string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return nil
}

// Batch is one line of the signals file.
type Batch struct {
	CycleID string                `json:"cycle_id"`
	At      time.Time             `json:"at"`
	Signals []trading.SizedSignal `json:"signals"`
}

// SignalLog is an Executor that appends each finalized cycle's signals to a
// JSONL file. An empty batch is still written so every finalized cycle is
// visible downstream.
type SignalLog struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewSignalLog creates an executor appending to path. The parent directory is
// created on first write.
func NewSignalLog(path string, logger *zap.Logger) *SignalLog {
	return &SignalLog{path: path, logger: logging.OrNop(logger), now: time.Now}
}

// Execute appends one batch.
func (s *SignalLog) Execute(ctx context.Context, cycleID string, signals []trading.SizedSignal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if signals == nil {
		signals = []trading.SizedSignal{}
	}
	line, err := json.Marshal(Batch{CycleID: cycleID, At: s.now().UTC(), Signals: signals})
	if err != nil {
		return fmt.Errorf("failed to encode signals: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create signals directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open signals file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append signals: %w", err)
	}

	s.logger.Info("signals_written",
		zap.String("cycle_id", cycleID),
		zap.Int("signals", len(signals)),
		zap.String("path", s.path))
	return nil
}

// ReadBatches reads every batch in a signals file, oldest first.
func ReadBatches(path string) ([]Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var batches []Batch
	dec := json.NewDecoder(f)
	for dec.More() {
		var b Batch
		if err := dec.Decode(&b); err != nil {
			return nil, fmt.Errorf("invalid batch %d in %s: %w", len(batches)+1, path, err)
		}
		batches = append(batches, b)
	}
	return batches, nil
}
