package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/logging"
)

// Mode is the drawdown breaker's current band.
type Mode string

const (
	ModeNormal  Mode = "normal"
	ModeCaution Mode = "caution"
	ModeReduce  Mode = "reduce"
	ModeHalt    Mode = "halt"
)

// DrawdownLimits configure the portfolio drawdown breaker.
type DrawdownLimits struct {
	Caution           decimal.Decimal
	CautionMultiplier decimal.Decimal
	Reduce            decimal.Decimal
	ReduceMultiplier  decimal.Decimal
	Halt              decimal.Decimal
	UnwindWindow      time.Duration
	CycleInterval     time.Duration
}

// HaltStore remembers when the portfolio entered halt, so the unwind schedule
// survives restarts. *blackboard.Client satisfies it.
type HaltStore interface {
	LoadHaltStart(ctx context.Context) (time.Time, bool, error)
	SaveHaltStart(ctx context.Context, since time.Time) error
	ClearHaltStart(ctx context.Context) error
}

// Assessment is the drawdown breaker's output for one cycle.
type Assessment struct {
	Drawdown   decimal.Decimal `json:"drawdown"`
	Mode       Mode            `json:"mode"`
	Multiplier decimal.Decimal `json:"multiplier"`
	HaltedAt   *time.Time      `json:"halted_at,omitempty"`
	// UnwindFraction is the share of each remaining holding to sell this cycle.
	UnwindFraction decimal.Decimal `json:"unwind_fraction"`
}

// Halted reports whether new positions are forbidden.
func (a Assessment) Halted() bool {
	return a.Mode == ModeHalt
}

// UnwindQuantity returns how many of held shares to sell this cycle:
// ceil(held × fraction), never more than held.
func (a Assessment) UnwindQuantity(held decimal.Decimal) decimal.Decimal {
	if !a.Halted() || !held.IsPositive() {
		return decimal.Zero
	}
	q := held.Mul(a.UnwindFraction).Ceil()
	if q.GreaterThan(held) {
		return held.Floor()
	}
	return q
}

// Drawdown is the portfolio-level breaker.
type Drawdown struct {
	limits DrawdownLimits
	store  HaltStore
	logger *zap.Logger
	now    func() time.Time
}

// NewDrawdown creates the breaker. store may be nil, in which case every halted
// cycle is treated as the first of the unwind window.
func NewDrawdown(limits DrawdownLimits, store HaltStore, logger *zap.Logger) (*Drawdown, error) {
	if !limits.Caution.LessThan(limits.Reduce) || !limits.Reduce.LessThan(limits.Halt) {
		return nil, fmt.Errorf("drawdown thresholds must be strictly increasing")
	}
	if limits.UnwindWindow <= 0 || limits.CycleInterval <= 0 {
		return nil, fmt.Errorf("unwind window and cycle interval must be positive")
	}
	return &Drawdown{
		limits: limits,
		store:  store,
		logger: logging.OrNop(logger).With(zap.String("component", "drawdown")),
		now:    time.Now,
	}, nil
}

// SetClock replaces the breaker clock.
func (d *Drawdown) SetClock(now func() time.Time) {
	d.now = now
}

// Band maps a drawdown fraction to its mode and risk multiplier. Each threshold
// is inclusive: a drawdown equal to a threshold is in the higher band.
func (d *Drawdown) Band(drawdown decimal.Decimal) (Mode, decimal.Decimal) {
	switch {
	case drawdown.GreaterThanOrEqual(d.limits.Halt):
		return ModeHalt, decimal.Zero
	case drawdown.GreaterThanOrEqual(d.limits.Reduce):
		return ModeReduce, d.limits.ReduceMultiplier
	case drawdown.GreaterThanOrEqual(d.limits.Caution):
		return ModeCaution, d.limits.CautionMultiplier
	default:
		return ModeNormal, decimal.NewFromInt(1)
	}
}

// Assess evaluates drawdown for the current cycle. In halt the unwind fraction is
// cycle_interval / remaining window, so holdings reach zero by the end of the
// window; once the window has passed the fraction is 1.
func (d *Drawdown) Assess(ctx context.Context, drawdown decimal.Decimal) (Assessment, error) {
	mode, multiplier := d.Band(drawdown)
	a := Assessment{Drawdown: drawdown, Mode: mode, Multiplier: multiplier, UnwindFraction: decimal.Zero}
	now := d.now()

	if mode != ModeHalt {
		if d.store != nil {
			if err := d.store.ClearHaltStart(ctx); err != nil {
				return a, err
			}
		}
		return a, nil
	}

	since := now
	if d.store != nil {
		stored, ok, err := d.store.LoadHaltStart(ctx)
		if err != nil {
			return a, err
		}
		if ok {
			since = stored
		} else {
			if err := d.store.SaveHaltStart(ctx, now); err != nil {
				return a, err
			}
			d.logger.Warn("drawdown_halt_entered", zap.String("drawdown", drawdown.String()))
		}
	}
	a.HaltedAt = &since

	remaining := d.limits.UnwindWindow - now.Sub(since)
	if remaining <= d.limits.CycleInterval {
		a.UnwindFraction = decimal.NewFromInt(1)
	} else {
		a.UnwindFraction = decimal.NewFromInt(int64(d.limits.CycleInterval)).
			Div(decimal.NewFromInt(int64(remaining)))
	}
	return a, nil
}
