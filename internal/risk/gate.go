// Package risk implements the Risk Gate: every proposal of a cycle receives
// exactly one Decision (approve, modify or reject) against portfolio-level
// hard limits. Limit breaches are outcomes, never errors.
package risk

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dyluth/warren/internal/sizing"
	"github.com/dyluth/warren/pkg/trading"
)

// Violation identifiers carried on decisions.
const (
	ViolationPosition      = "position_limit"
	ViolationSector        = "sector_limit"
	ViolationCorrelation   = "correlation_limit"
	ViolationTailRisk      = "tail_risk_limit"
	ViolationCashReserve   = "cash_reserve"
	ViolationDrawdownHalt  = "drawdown_halt"
	ViolationNoPosition    = "no_position"
	ViolationConflict      = "conflicting_direction"
	ViolationMissingData   = "missing_market_data"
	ViolationUnknownSymbol = "unknown_instrument"
	ViolationSizingInput   = "invalid_sizing_input"
)

// fractionPlaces bounds SizeFraction precision. Fractions are truncated so a
// scaled position never overshoots the tightest limit.
const fractionPlaces = 8

// Limits are the hard constraints the gate checks itself. Position, sector and
// cash reserve limits belong to the Sizer, which clamps the default size to them
// against the same cumulative book.
type Limits struct {
	MaxCorrelatedFraction decimal.Decimal
	MaxTailRiskFraction   decimal.Decimal
	TailATRMultiple       decimal.Decimal
	MaxScalableViolations int
}

// Sizer supplies the default sizing of a proposal: the sizing engine's
// quantity with its hard caps applied.
type Sizer interface {
	Size(in sizing.Input) (sizing.Calculation, error)
}

// Context is the cycle state a gate run is evaluated against.
type Context struct {
	Portfolio          *trading.PortfolioSnapshot
	Quotes             map[string]trading.Quote
	PortfolioValue     decimal.Decimal
	RegimeMultiplier   decimal.Decimal
	DrawdownMultiplier decimal.Decimal
	Halted             bool // drawdown breaker in halt: no new positions
}

// Gate evaluates proposals. It holds no per-cycle state and is safe to reuse.
type Gate struct {
	limits      Limits
	instruments Instruments
	sizer       Sizer
}

// NewGate creates a gate for the given universe.
func NewGate(limits Limits, instruments Instruments, sizer Sizer) (*Gate, error) {
	if sizer == nil {
		return nil, fmt.Errorf("sizer is required")
	}
	if limits.MaxScalableViolations < 1 {
		return nil, fmt.Errorf("max scalable violations must be >= 1, got %d", limits.MaxScalableViolations)
	}
	if !limits.TailATRMultiple.IsPositive() {
		return nil, fmt.Errorf("tail ATR multiple must be positive")
	}
	return &Gate{limits: limits, instruments: instruments, sizer: sizer}, nil
}

// Order returns proposals in gate processing order: conviction descending,
// then symbol, producer and proposal ID ascending. The order depends only on
// the proposals themselves, never on the order producers completed in.
func Order(proposals []trading.Proposal) []trading.Proposal {
	ordered := make([]trading.Proposal, len(proposals))
	copy(ordered, proposals)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if c := a.Conviction.Cmp(b.Conviction); c != 0 {
			return c > 0
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.ProducerID != b.ProducerID {
			return a.ProducerID < b.ProducerID
		}
		return a.ID < b.ID
	})
	return ordered
}

// Evaluate returns one decision per proposal, in processing order. Each proposal
// sees the cumulative exposure of the proposals admitted before it.
func (g *Gate) Evaluate(proposals []trading.Proposal, ctx Context) ([]trading.Decision, error) {
	book, err := NewBook(ctx.Portfolio, ctx.Quotes, g.instruments)
	if err != nil {
		return nil, err
	}

	claimed := make(map[string]trading.Direction)
	ordered := Order(proposals)
	decisions := make([]trading.Decision, 0, len(ordered))

	for i, p := range ordered {
		d := g.evaluate(p, ctx, book, claimed)
		d.ID = "decision:" + p.ID
		d.ProposalID = p.ID
		d.Proposal = p
		d.Sequence = i
		if d.Outcome != trading.OutcomeReject && p.Direction != trading.DirectionHold {
			claimed[p.Symbol] = p.Direction
		}
		decisions = append(decisions, d)
	}

	return decisions, nil
}

func (g *Gate) evaluate(p trading.Proposal, ctx Context, book *Book, claimed map[string]trading.Direction) trading.Decision {
	if p.Direction == trading.DirectionHold {
		return approve("hold: no trade required")
	}

	if prior, ok := claimed[p.Symbol]; ok && prior != p.Direction {
		return reject(fmt.Sprintf("%s already admitted for %s earlier in this cycle", prior, p.Symbol), ViolationConflict)
	}

	quote, ok := ctx.Quotes[p.Symbol]
	if !ok || !quote.Price.IsPositive() {
		return reject("no usable quote for "+p.Symbol, ViolationMissingData)
	}

	if p.Direction == trading.DirectionSell {
		if !book.Held(p.Symbol).IsPositive() {
			return reject("sell of "+p.Symbol+" without a holding", ViolationNoPosition)
		}
		return approve("sell reduces exposure")
	}

	if _, ok := g.instruments.Lookup(p.Symbol); !ok {
		return reject(p.Symbol+" is not in the configured universe", ViolationUnknownSymbol)
	}

	if ctx.Halted {
		return reject("drawdown breaker halted new positions", ViolationDrawdownHalt)
	}

	calc, err := g.sizer.Size(sizing.Input{
		Symbol:             p.Symbol,
		Direction:          p.Direction,
		Conviction:         p.Conviction,
		Price:              quote.Price,
		ATRFraction:        quote.ATRFraction,
		PortfolioValue:     ctx.PortfolioValue,
		RegimeMultiplier:   ctx.RegimeMultiplier,
		DrawdownMultiplier: ctx.DrawdownMultiplier,
		SymbolExposure:     book.SymbolExposure(p.Symbol),
		SectorExposure:     book.SectorExposure(p.Symbol),
		AvailableCash:      book.Cash(),
	})
	if err != nil {
		if errors.Is(err, sizing.ErrInvalidVolatilityInput) {
			// Sizing drops the signal with its own audit note
			return approve("limits not evaluated: " + err.Error())
		}
		return reject(err.Error(), ViolationSizingInput)
	}
	if calc.RawQuantity.IsZero() {
		return approve("default size is zero")
	}
	if calc.Quantity.IsZero() {
		exhausted := exhaustedCaps(calc)
		return reject("no remaining room under "+strings.Join(exhausted, ", "), exhausted...)
	}
	// The capped default already fits the position, sector and cash limits
	increment := calc.Quantity.Mul(quote.Price)

	checks := g.rooms(p.Symbol, quote.ATRFraction, ctx.PortfolioValue, book)

	var failing []string
	nonScalable := false
	maxValue := increment
	for _, c := range checks {
		if c.room.LessThan(maxValue) {
			maxValue = c.room
		}
		if increment.GreaterThan(c.room) {
			failing = append(failing, c.name)
			if !c.room.IsPositive() {
				nonScalable = true
			}
		}
	}

	switch {
	case len(failing) == 0:
		book.Reserve(p.Symbol, increment, quote.ATRFraction)
		if capped := cappedViolations(calc); len(capped) > 0 {
			return approve("within all limits after sizing caps: " + strings.Join(capped, ", "))
		}
		return approve("within all limits")

	case nonScalable:
		return reject("no remaining room under "+strings.Join(failing, ", "), failing...)

	case len(failing) > g.limits.MaxScalableViolations:
		return reject(fmt.Sprintf("%d limits breached simultaneously (max %d scalable)", len(failing), g.limits.MaxScalableViolations), failing...)
	}

	fraction := maxValue.Div(increment).Truncate(fractionPlaces)
	book.Reserve(p.Symbol, maxValue, quote.ATRFraction)
	return trading.Decision{
		Outcome:      trading.OutcomeModify,
		SizeFraction: fraction,
		MaxValue:     &maxValue,
		Violations:   failing,
		Rationale: fmt.Sprintf("scaled to %s of default value %s to satisfy %s",
			fraction, increment.StringFixed(2), strings.Join(failing, ", ")),
	}
}

// capViolation maps sizing caps onto the gate's violation identifiers.
var capViolation = map[string]string{
	sizing.CapPosition:    ViolationPosition,
	sizing.CapSector:      ViolationSector,
	sizing.CapCashReserve: ViolationCashReserve,
}

func cappedViolations(calc sizing.Calculation) []string {
	var out []string
	for _, c := range calc.Caps {
		if v, ok := capViolation[c.Name]; ok && c.Applied {
			out = append(out, v)
		}
	}
	return out
}

// exhaustedCaps lists the caps with no room left for even one share.
func exhaustedCaps(calc sizing.Calculation) []string {
	var out []string
	for _, c := range calc.Caps {
		if v, ok := capViolation[c.Name]; ok && c.MaxQuantity.IsZero() {
			out = append(out, v)
		}
	}
	return out
}

type limitRoom struct {
	name string
	room decimal.Decimal
}

// rooms returns, for each gate-only limit, the additional market value symbol
// can take on.
func (g *Gate) rooms(symbol string, atrFraction, portfolioValue decimal.Decimal, book *Book) []limitRoom {
	// Tail contribution of a position is value × atr × multiple
	tailBudget := g.limits.MaxTailRiskFraction.Mul(portfolioValue).Sub(book.TailExposure().Mul(g.limits.TailATRMultiple))

	return []limitRoom{
		{ViolationCorrelation, g.limits.MaxCorrelatedFraction.Mul(portfolioValue).Sub(book.GroupExposure(symbol))},
		{ViolationTailRisk, tailBudget.Div(atrFraction.Mul(g.limits.TailATRMultiple))},
	}
}

func approve(rationale string) trading.Decision {
	return trading.Decision{
		Outcome:      trading.OutcomeApprove,
		SizeFraction: decimal.NewFromInt(1),
		Rationale:    rationale,
	}
}

func reject(rationale string, violations ...string) trading.Decision {
	return trading.Decision{
		Outcome:      trading.OutcomeReject,
		SizeFraction: decimal.Zero,
		Violations:   violations,
		Rationale:    rationale,
	}
}
