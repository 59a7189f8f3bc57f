// Package breaker holds the two circuit breakers of the decision core: a
// per-provider breaker that decides whether a producer may run, and the
// portfolio drawdown breaker that scales the risk budget.
package breaker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is a provider circuit state.
type State string

const (
	StateHealthy    State = "healthy"
	StateDegraded   State = "degraded"
	StateOpen       State = "open"
	StateRecovering State = "recovering"
)

// Outcome is what happened on one producer invocation, as seen by the breaker.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeUnavailable   Outcome = "unavailable"
	OutcomeSchemaInvalid Outcome = "schema_invalid"
)

// Thresholds configure one provider breaker.
type Thresholds struct {
	LatencyThreshold      time.Duration
	DegradeAfter          int // consecutive slow responses before degrading
	OpenAfter             int // consecutive hard failures before opening
	RecoverAfter          int // consecutive fast successes to leave degraded
	Cooldown              time.Duration
	DegradedTimeoutFactor decimal.Decimal
}

// Validate checks thresholds for values the state machine cannot work with.
func (t Thresholds) Validate() error {
	if t.LatencyThreshold <= 0 || t.Cooldown <= 0 {
		return fmt.Errorf("latency threshold and cooldown must be positive")
	}
	if t.DegradeAfter < 1 || t.OpenAfter < 1 || t.RecoverAfter < 1 {
		return fmt.Errorf("breaker counts must be >= 1")
	}
	if !t.DegradedTimeoutFactor.IsPositive() || t.DegradedTimeoutFactor.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("degraded timeout factor must be within (0,1], got %s", t.DegradedTimeoutFactor)
	}
	return nil
}

// Health is the persisted breaker state of one provider.
type Health struct {
	ProviderID          string    `json:"provider_id"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ConsecutiveSlow     int       `json:"consecutive_slow"`
	ConsecutiveFast     int       `json:"consecutive_fast"`
	LastTransition      time.Time `json:"last_transition"`
	LastOutcome         Outcome   `json:"last_outcome,omitempty"`
}

// Transition describes a state change.
type Transition struct {
	ProviderID string    `json:"provider_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	At         time.Time `json:"at"`
	Reason     string    `json:"reason"`
}

func newHealth(providerID string, now time.Time) *Health {
	return &Health{ProviderID: providerID, State: StateHealthy, LastTransition: now}
}

// admit decides whether an invocation may proceed. An open circuit whose
// cooldown has elapsed moves to recovering and lets the attempt through.
func (h *Health) admit(t Thresholds, now time.Time) (bool, *Transition) {
	if h.State != StateOpen {
		return true, nil
	}
	if now.Sub(h.LastTransition) < t.Cooldown {
		return false, nil
	}
	return true, h.transition(StateRecovering, now, "cooldown elapsed")
}

// record applies one outcome and returns the transition it caused, if any.
func (h *Health) record(t Thresholds, outcome Outcome, latency time.Duration, now time.Time) *Transition {
	h.LastOutcome = outcome
	slow := latency > t.LatencyThreshold

	switch outcome {
	case OutcomeSuccess:
		h.ConsecutiveFailures = 0
		if slow {
			h.ConsecutiveSlow++
			h.ConsecutiveFast = 0
		} else {
			h.ConsecutiveSlow = 0
			h.ConsecutiveFast++
		}

		switch h.State {
		case StateRecovering:
			if slow {
				return h.transition(StateOpen, now, "recovery attempt exceeded latency threshold")
			}
			return h.transition(StateHealthy, now, "recovery attempt succeeded")
		case StateDegraded:
			if h.ConsecutiveFast >= t.RecoverAfter {
				return h.transition(StateHealthy, now, fmt.Sprintf("%d consecutive fast responses", h.ConsecutiveFast))
			}
		case StateHealthy:
			if h.ConsecutiveSlow >= t.DegradeAfter {
				return h.transition(StateDegraded, now, fmt.Sprintf("%d consecutive slow responses", h.ConsecutiveSlow))
			}
		}
		return nil

	case OutcomeTimeout, OutcomeUnavailable:
		h.ConsecutiveFailures++
		h.ConsecutiveFast = 0
		if outcome == OutcomeTimeout {
			h.ConsecutiveSlow++
		}

		if h.State == StateRecovering {
			return h.transition(StateOpen, now, "recovery attempt failed: "+string(outcome))
		}
		if h.State != StateOpen && h.ConsecutiveFailures >= t.OpenAfter {
			return h.transition(StateOpen, now, fmt.Sprintf("%d consecutive hard failures", h.ConsecutiveFailures))
		}
		if h.State == StateHealthy && h.ConsecutiveSlow >= t.DegradeAfter {
			return h.transition(StateDegraded, now, fmt.Sprintf("%d consecutive slow responses", h.ConsecutiveSlow))
		}
		return nil

	case OutcomeSchemaInvalid:
		// Reachable but wrong: neither slow nor a hard failure, except that it
		// still fails a recovery attempt.
		if h.State == StateRecovering {
			return h.transition(StateOpen, now, "recovery attempt returned invalid output")
		}
		return nil
	}

	return nil
}

func (h *Health) transition(to State, now time.Time, reason string) *Transition {
	tr := &Transition{ProviderID: h.ProviderID, From: h.State, To: to, At: now, Reason: reason}
	h.State = to
	h.LastTransition = now
	switch to {
	case StateHealthy:
		h.ConsecutiveFailures = 0
		h.ConsecutiveSlow = 0
		h.ConsecutiveFast = 0
	case StateDegraded:
		h.ConsecutiveFast = 0
	}
	return tr
}
