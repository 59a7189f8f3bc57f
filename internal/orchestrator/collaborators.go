package orchestrator

import (
	"context"

	"github.com/dyluth/warren/pkg/trading"
)

// MarketProvider supplies current quotes. Symbols it cannot price are simply
// absent from the result; an error means the provider itself failed.
type MarketProvider interface {
	Quotes(ctx context.Context, symbols []string) (map[string]trading.Quote, error)
}

// PortfolioProvider supplies the portfolio snapshot as of cycle start.
type PortfolioProvider interface {
	Snapshot(ctx context.Context) (trading.PortfolioSnapshot, error)
}

// Executor receives the ordered signals of a finalized cycle. It is never
// called for aborted cycles; an empty list means no action.
type Executor interface {
	Execute(ctx context.Context, cycleID string, signals []trading.SizedSignal) error
}
