package orchestrator

import (
	"errors"
	"fmt"
)

// AbortReason explains why a cycle was aborted. An aborted cycle emits no
// signals: execution must hold all existing positions and place no orders.
type AbortReason string

const (
	ReasonRegimeUnavailable     AbortReason = "RegimeUnavailable"
	ReasonDataStale             AbortReason = "DataStale"
	ReasonPriorCycleActive      AbortReason = "PriorCycleActive"
	ReasonPortfolioUnavailable  AbortReason = "PortfolioUnavailable"
	ReasonMarketDataUnavailable AbortReason = "MarketDataUnavailable"
	ReasonBlackboardFault       AbortReason = "BlackboardFault"
)

// Sentinels for errors.Is.
var (
	ErrRegimeUnavailable     = &AbortError{Reason: ReasonRegimeUnavailable}
	ErrDataStale             = &AbortError{Reason: ReasonDataStale}
	ErrPriorCycleActive      = &AbortError{Reason: ReasonPriorCycleActive}
	ErrPortfolioUnavailable  = &AbortError{Reason: ReasonPortfolioUnavailable}
	ErrMarketDataUnavailable = &AbortError{Reason: ReasonMarketDataUnavailable}
	ErrBlackboardFault       = &AbortError{Reason: ReasonBlackboardFault}
)

// AbortError is returned by RunCycle for an aborted cycle.
type AbortError struct {
	Reason  AbortReason
	Stage   string
	CycleID string
	Err     error
}

func (e *AbortError) Error() string {
	msg := fmt.Sprintf("cycle aborted: %s", e.Reason)
	if e.Stage != "" {
		msg += fmt.Sprintf(" in %s stage", e.Stage)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// Is matches any *AbortError with the same reason.
func (e *AbortError) Is(target error) bool {
	var t *AbortError
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

func abort(reason AbortReason, stage string, err error) *AbortError {
	return &AbortError{Reason: reason, Stage: stage, Err: err}
}

func abortf(reason AbortReason, stage, format string, args ...any) *AbortError {
	return abort(reason, stage, fmt.Errorf(format, args...))
}
