// Package sizing converts an approved decision into a whole-share quantity.
//
// The engine is pure: the same Input always yields the same Calculation, and
// every step uses exact decimal arithmetic. Hard caps are applied after the
// risk formula and only ever reduce the quantity.
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dyluth/warren/pkg/trading"
)

// InputErrorKind classifies a sizing input that cannot be sized.
type InputErrorKind string

const (
	KindInvalidVolatilityInput InputErrorKind = "InvalidVolatilityInput"
	KindInvalidInput           InputErrorKind = "InvalidInput"
)

// Sentinels for errors.Is.
var (
	ErrInvalidVolatilityInput = &InputError{Kind: KindInvalidVolatilityInput}
	ErrInvalidInput           = &InputError{Kind: KindInvalidInput}
)

// InputError drops one signal from a cycle. It never aborts the cycle.
type InputError struct {
	Kind   InputErrorKind
	Field  string
	Detail string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Field, e.Detail)
}

// Is matches any InputError of the same kind.
func (e *InputError) Is(target error) bool {
	var t *InputError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Cap names
const (
	CapDecision    = "decision_max_value"
	CapPosition    = "max_position_fraction"
	CapSector      = "max_sector_fraction"
	CapCashReserve = "min_cash_reserve_fraction"
	CapHolding     = "held_quantity"
)

// Limits are the configured sizing parameters.
type Limits struct {
	BaseRiskPerTrade       decimal.Decimal
	MaxPositionFraction    decimal.Decimal
	MaxSectorFraction      decimal.Decimal
	MinCashReserveFraction decimal.Decimal
}

// Input is everything the engine needs to size one decision.
// Exposures and cash reflect signals already sized earlier in the cycle.
type Input struct {
	Symbol             string            `json:"symbol"`
	Direction          trading.Direction `json:"direction"`
	Conviction         decimal.Decimal   `json:"conviction"`
	Price              decimal.Decimal   `json:"price"`
	ATRFraction        decimal.Decimal   `json:"atr_fraction"`
	PortfolioValue     decimal.Decimal   `json:"portfolio_value"`
	RegimeMultiplier   decimal.Decimal   `json:"regime_multiplier"`
	DrawdownMultiplier decimal.Decimal   `json:"drawdown_multiplier"`
	MaxValue           *decimal.Decimal  `json:"max_value,omitempty"`
	SymbolExposure     decimal.Decimal   `json:"symbol_exposure"`
	SectorExposure     decimal.Decimal   `json:"sector_exposure"`
	AvailableCash      decimal.Decimal   `json:"available_cash"`
	HeldQuantity       decimal.Decimal   `json:"held_quantity"`
}

// CapCheck records one hard cap evaluated against the formula output.
type CapCheck struct {
	Name        string          `json:"name"`
	MaxQuantity decimal.Decimal `json:"max_quantity"`
	Applied     bool            `json:"applied"`
}

// Calculation is the full, auditable result of sizing one decision.
type Calculation struct {
	Input         Input           `json:"input"`
	EffectiveRisk decimal.Decimal `json:"effective_risk"`
	PositionValue decimal.Decimal `json:"position_value"`
	RawQuantity   decimal.Decimal `json:"raw_quantity"`
	Caps          []CapCheck      `json:"caps,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// Engine sizes decisions against fixed limits.
type Engine struct {
	limits Limits
}

// New validates limits and returns an engine.
func New(limits Limits) (*Engine, error) {
	if !limits.BaseRiskPerTrade.IsPositive() || limits.BaseRiskPerTrade.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("base risk per trade must be within (0,1], got %s", limits.BaseRiskPerTrade)
	}
	if !limits.MaxPositionFraction.IsPositive() || !limits.MaxSectorFraction.IsPositive() {
		return nil, fmt.Errorf("position and sector caps must be positive")
	}
	if limits.MinCashReserveFraction.IsNegative() {
		return nil, fmt.Errorf("cash reserve fraction cannot be negative")
	}
	return &Engine{limits: limits}, nil
}

// Limits returns the engine's configured limits.
func (e *Engine) Limits() Limits {
	return e.limits
}

// PositionValue applies the risk formula without any cap:
//
//	effectiveRisk = baseRisk × regime × drawdown × conviction
//	positionValue = effectiveRisk × portfolioValue / atrFraction
func (e *Engine) PositionValue(conviction, atrFraction, portfolioValue, regime, drawdown decimal.Decimal) (effectiveRisk, positionValue decimal.Decimal, err error) {
	if !atrFraction.IsPositive() {
		return decimal.Zero, decimal.Zero, &InputError{Kind: KindInvalidVolatilityInput, Field: "atr_fraction",
			Detail: fmt.Sprintf("must be positive, got %s", atrFraction)}
	}
	fractions := []struct {
		field string
		value decimal.Decimal
	}{{"conviction", conviction}, {"regime_multiplier", regime}, {"drawdown_multiplier", drawdown}}
	for _, f := range fractions {
		if !trading.InUnitInterval(f.value) {
			return decimal.Zero, decimal.Zero, &InputError{Kind: KindInvalidInput, Field: f.field,
				Detail: fmt.Sprintf("must be within [0,1], got %s", f.value)}
		}
	}
	if !portfolioValue.IsPositive() {
		return decimal.Zero, decimal.Zero, &InputError{Kind: KindInvalidInput, Field: "portfolio_value",
			Detail: fmt.Sprintf("must be positive, got %s", portfolioValue)}
	}

	effectiveRisk = e.limits.BaseRiskPerTrade.Mul(regime).Mul(drawdown).Mul(conviction)
	positionValue = effectiveRisk.Mul(portfolioValue).Div(atrFraction)
	return effectiveRisk, positionValue, nil
}

// Size computes the quantity for one decision. Buys are clamped by the decision's
// max value and every hard cap; sells are clamped to the quantity held.
// A zero quantity is a valid result.
func (e *Engine) Size(in Input) (Calculation, error) {
	calc := Calculation{Input: in}

	if in.Direction != trading.DirectionBuy && in.Direction != trading.DirectionSell {
		return calc, &InputError{Kind: KindInvalidInput, Field: "direction", Detail: fmt.Sprintf("cannot size %q", in.Direction)}
	}
	if !in.Price.IsPositive() {
		return calc, &InputError{Kind: KindInvalidInput, Field: "price", Detail: fmt.Sprintf("must be positive, got %s", in.Price)}
	}
	if in.MaxValue != nil && in.MaxValue.IsNegative() {
		return calc, &InputError{Kind: KindInvalidInput, Field: "max_value", Detail: fmt.Sprintf("cannot be negative, got %s", in.MaxValue)}
	}

	effectiveRisk, positionValue, err := e.PositionValue(in.Conviction, in.ATRFraction, in.PortfolioValue,
		in.RegimeMultiplier, in.DrawdownMultiplier)
	if err != nil {
		return calc, err
	}
	calc.EffectiveRisk = effectiveRisk
	calc.PositionValue = positionValue

	if in.MaxValue != nil && positionValue.GreaterThan(*in.MaxValue) {
		calc.PositionValue = *in.MaxValue
	}

	calc.RawQuantity = wholeShares(calc.PositionValue, in.Price)
	calc.Quantity = calc.RawQuantity

	if in.MaxValue != nil {
		// Recorded for audit; the clamp happened on value above
		calc.Caps = append(calc.Caps, CapCheck{
			Name:        CapDecision,
			MaxQuantity: wholeShares(*in.MaxValue, in.Price),
			Applied:     positionValue.GreaterThan(*in.MaxValue),
		})
	}

	if in.Direction == trading.DirectionSell {
		calc.clamp(CapHolding, nonNegative(in.HeldQuantity.Floor()))
		return calc, nil
	}

	positionRoom := e.limits.MaxPositionFraction.Mul(in.PortfolioValue).Sub(in.SymbolExposure)
	sectorRoom := e.limits.MaxSectorFraction.Mul(in.PortfolioValue).Sub(in.SectorExposure)
	cashRoom := in.AvailableCash.Sub(e.limits.MinCashReserveFraction.Mul(in.PortfolioValue))

	calc.clamp(CapPosition, wholeShares(positionRoom, in.Price))
	calc.clamp(CapSector, wholeShares(sectorRoom, in.Price))
	calc.clamp(CapCashReserve, wholeShares(cashRoom, in.Price))

	return calc, nil
}

func (c *Calculation) clamp(name string, maxQty decimal.Decimal) {
	applied := c.Quantity.GreaterThan(maxQty)
	if applied {
		c.Quantity = maxQty
	}
	c.Caps = append(c.Caps, CapCheck{Name: name, MaxQuantity: maxQty, Applied: applied})
}

// wholeShares returns floor(value / price), never negative. QuoRem with
// precision 0 yields the exact integer quotient.
func wholeShares(value, price decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() {
		return decimal.Zero
	}
	q, _ := value.QuoRem(price, 0)
	return q
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
