// Package producer wraps analysis and proposal producers behind one contract:
// a bounded time budget, strict output validation, one retry for invalid
// output, and a classified failure for everything else.
package producer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/warren/pkg/blackboard"
	"github.com/dyluth/warren/pkg/trading"
)

// Kind distinguishes the regime producer from trading producers.
type Kind string

const (
	KindRegime  Kind = "regime"
	KindTrading Kind = "trading"
)

// Errors a producer may return to steer classification. Anything else that is
// not a deadline is treated as Unavailable.
var (
	ErrSchemaInvalid = errors.New("output does not match the producer contract")
	ErrUnavailable   = errors.New("producer dependency unavailable")
)

// Request is the read-only input of one invocation. Producers must not modify it.
type Request struct {
	CycleID      string
	ProducerID   string
	Kind         Kind
	Regime       *trading.Regime // nil for the regime producer
	Portfolio    trading.PortfolioSnapshot
	Quotes       map[string]trading.Quote
	Universe     []string
	RegimeLabels []string
	Board        blackboard.Reader // snapshot of the board when the stage began

	// Attempt is 1 on the first call and 2 on the schema retry, which also sets
	// Strict to ask the producer to restate its output contract.
	Attempt int
	Strict  bool
}

// Output is what a producer returns: a regime for the regime producer,
// proposals for trading producers.
type Output struct {
	Regime    *trading.Regime    `json:"regime,omitempty"`
	Proposals []trading.Proposal `json:"proposals,omitempty"`
}

// Producer generates a regime assessment or trading proposals.
type Producer interface {
	ID() string
	Kind() Kind
	Produce(ctx context.Context, req Request) (Output, error)
}

// Func adapts a function to the Producer interface.
type Func struct {
	ProducerID   string
	ProducerKind Kind
	Fn           func(ctx context.Context, req Request) (Output, error)
}

func (f *Func) ID() string { return f.ProducerID }

func (f *Func) Kind() Kind { return f.ProducerKind }

func (f *Func) Produce(ctx context.Context, req Request) (Output, error) {
	return f.Fn(ctx, req)
}

// FailureKind classifies a failed invocation.
type FailureKind string

const (
	FailureTimeout       FailureKind = "Timeout"
	FailureSchemaInvalid FailureKind = "SchemaInvalid"
	FailureUnavailable   FailureKind = "Unavailable"
)

// Failure is the classified outcome of an invocation that produced no usable output.
type Failure struct {
	Kind       FailureKind
	ProducerID string
	Attempts   int
	Err        error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("producer %s: %s", f.ProducerID, f.Kind)
	}
	return fmt.Sprintf("producer %s: %s: %v", f.ProducerID, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches any Failure of the same kind, so &Failure{Kind: FailureTimeout}
// works as a target for errors.Is.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind
}
