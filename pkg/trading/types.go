// Package trading defines the domain records that flow through a decision cycle:
// producer outputs (regime assessments and proposals), portfolio and market inputs,
// risk decisions and the final sized signals handed to execution.
//
// All monetary amounts, share counts and fractions are shopspring decimals. Binary
// floating point never appears in these types.
package trading

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a proposal or signal.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// Validate checks if the Direction is a valid enum value.
func (d Direction) Validate() error {
	switch d {
	case DirectionBuy, DirectionSell, DirectionHold:
		return nil
	default:
		return fmt.Errorf("unknown direction: %q", d)
	}
}

// Outcome is the Risk Gate's verdict on a proposal.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeModify  Outcome = "modify"
	OutcomeReject  Outcome = "reject"
)

// Validate checks if the Outcome is a valid enum value.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeApprove, OutcomeModify, OutcomeReject:
		return nil
	default:
		return fmt.Errorf("unknown outcome: %q", o)
	}
}

// Proposal is an unsized trading recommendation from a producer.
// Proposals are read-only once committed to the blackboard; the Risk Gate answers
// with a Decision instead of editing them.
type Proposal struct {
	ID         string           `json:"id"`          // <producer_id>#<index>, assigned by the adapter
	Symbol     string           `json:"symbol"`
	Direction  Direction        `json:"direction"`
	Conviction decimal.Decimal  `json:"conviction"`  // 0.0 - 1.0 inclusive
	ProducerID string           `json:"producer_id"`
	Rationale  string           `json:"rationale"`
	Entry      *decimal.Decimal `json:"entry,omitempty"`
	Stop       *decimal.Decimal `json:"stop,omitempty"`
	Target     *decimal.Decimal `json:"target,omitempty"`
}

// Validate checks structural and range constraints on a proposal.
func (p *Proposal) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("symbol cannot be empty")
	}

	if err := p.Direction.Validate(); err != nil {
		return fmt.Errorf("invalid direction: %w", err)
	}

	if !InUnitInterval(p.Conviction) {
		return fmt.Errorf("conviction must be within [0,1], got %s", p.Conviction)
	}

	if p.ProducerID == "" {
		return fmt.Errorf("producer_id cannot be empty")
	}

	for name, level := range map[string]*decimal.Decimal{"entry": p.Entry, "stop": p.Stop, "target": p.Target} {
		if level != nil && !level.IsPositive() {
			return fmt.Errorf("%s price must be positive, got %s", name, level)
		}
	}

	// A long entry with its stop above the entry (or a short with the stop below) is inverted.
	if p.Entry != nil && p.Stop != nil {
		switch p.Direction {
		case DirectionBuy:
			if p.Stop.GreaterThanOrEqual(*p.Entry) {
				return fmt.Errorf("buy stop %s must be below entry %s", p.Stop, p.Entry)
			}
		case DirectionSell:
			if p.Stop.LessThanOrEqual(*p.Entry) {
				return fmt.Errorf("sell stop %s must be above entry %s", p.Stop, p.Entry)
			}
		}
	}

	return nil
}

// Regime is a market-condition classification produced by the regime stage.
type Regime struct {
	Label      string                     `json:"label"`
	Confidence decimal.Decimal            `json:"confidence"`
	Rationale  string                     `json:"rationale"`
	Indicators map[string]decimal.Decimal `json:"indicators,omitempty"`
}

// Validate checks that the regime carries a label and a confidence in [0,1].
func (r *Regime) Validate() error {
	if strings.TrimSpace(r.Label) == "" {
		return fmt.Errorf("regime label cannot be empty")
	}
	if !InUnitInterval(r.Confidence) {
		return fmt.Errorf("regime confidence must be within [0,1], got %s", r.Confidence)
	}
	return nil
}

// Quote is the per-symbol market state supplied by the market provider.
// ATRFraction is the average true range expressed as a fraction of Price.
type Quote struct {
	Symbol      string                     `json:"symbol"`
	Price       decimal.Decimal            `json:"price"`
	ATRFraction decimal.Decimal            `json:"atr_fraction"`
	Indicators  map[string]decimal.Decimal `json:"indicators,omitempty"`
	AsOf        time.Time                  `json:"as_of"`
}

// Position is a single holding in the portfolio. The portfolio is long-only.
type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity decimal.Decimal `json:"quantity"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// PortfolioSnapshot is the read-only portfolio state as of cycle start.
type PortfolioSnapshot struct {
	PortfolioID string          `json:"portfolio_id"`
	AsOf        time.Time       `json:"as_of"`
	Cash        decimal.Decimal `json:"cash"`
	PeakEquity  decimal.Decimal `json:"peak_equity"`
	Drawdown    decimal.Decimal `json:"drawdown"` // fraction below peak equity, 0.0 - 1.0
	Positions   []Position      `json:"positions"`
}

// Validate checks the snapshot for values the core cannot safely act on.
func (s *PortfolioSnapshot) Validate() error {
	if s.Cash.IsNegative() {
		return fmt.Errorf("cash cannot be negative, got %s", s.Cash)
	}
	if !InUnitInterval(s.Drawdown) {
		return fmt.Errorf("drawdown must be within [0,1], got %s", s.Drawdown)
	}

	seen := make(map[string]bool, len(s.Positions))
	for i, p := range s.Positions {
		if p.Symbol == "" {
			return fmt.Errorf("position at index %d has no symbol", i)
		}
		if seen[p.Symbol] {
			return fmt.Errorf("duplicate position for symbol %s", p.Symbol)
		}
		seen[p.Symbol] = true
		if p.Quantity.IsNegative() {
			return fmt.Errorf("position %s has negative quantity %s", p.Symbol, p.Quantity)
		}
	}

	return nil
}

// Holding returns the quantity held for symbol, zero if none.
func (s *PortfolioSnapshot) Holding(symbol string) decimal.Decimal {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p.Quantity
		}
	}
	return decimal.Zero
}

// Symbols returns the symbols of all non-empty positions.
func (s *PortfolioSnapshot) Symbols() []string {
	symbols := make([]string, 0, len(s.Positions))
	for _, p := range s.Positions {
		if p.Quantity.IsPositive() {
			symbols = append(symbols, p.Symbol)
		}
	}
	return symbols
}

// Value marks the portfolio to market: cash plus quantity x price of every holding.
// Returns an error if a held symbol has no quote.
func (s *PortfolioSnapshot) Value(quotes map[string]Quote) (decimal.Decimal, error) {
	total := s.Cash
	for _, p := range s.Positions {
		if p.Quantity.IsZero() {
			continue
		}
		q, ok := quotes[p.Symbol]
		if !ok {
			return decimal.Zero, fmt.Errorf("no quote for held symbol %s", p.Symbol)
		}
		total = total.Add(p.Quantity.Mul(q.Price))
	}
	return total, nil
}

// Decision is the Risk Gate's verdict on one proposal.
type Decision struct {
	ID           string           `json:"id"`
	ProposalID   string           `json:"proposal_id"`
	Proposal     Proposal         `json:"proposal"`
	Outcome      Outcome          `json:"outcome"`
	SizeFraction decimal.Decimal  `json:"size_fraction"`       // 1 for approve, 0 for reject
	MaxValue     *decimal.Decimal `json:"max_value,omitempty"` // monetary cap when modified
	Violations   []string         `json:"violations,omitempty"`
	Rationale    string           `json:"rationale"`
	Sequence     int              `json:"sequence"` // position in the gate's processing order
}

// Tradable reports whether the decision should be passed to sizing.
func (d *Decision) Tradable() bool {
	return d.Outcome != OutcomeReject && d.Proposal.Direction != DirectionHold
}

// SizedSignal is the terminal, quantity-bearing trade instruction of a cycle.
type SizedSignal struct {
	Symbol     string           `json:"symbol"`
	Direction  Direction        `json:"direction"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	Entry      *decimal.Decimal `json:"entry,omitempty"`
	Stop       *decimal.Decimal `json:"stop,omitempty"`
	Target     *decimal.Decimal `json:"target,omitempty"`
	DecisionID string           `json:"decision_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Validate checks that a signal is executable.
func (s *SizedSignal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if s.Direction != DirectionBuy && s.Direction != DirectionSell {
		return fmt.Errorf("signal direction must be buy or sell, got %q", s.Direction)
	}
	if !s.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", s.Quantity)
	}
	if !s.Quantity.Equal(s.Quantity.Floor()) {
		return fmt.Errorf("quantity must be a whole number of shares, got %s", s.Quantity)
	}
	return nil
}

// InUnitInterval reports whether d lies within [0,1].
func InUnitInterval(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
}
