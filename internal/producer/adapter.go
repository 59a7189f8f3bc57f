package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/breaker"
	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/pkg/trading"
)

// maxAttempts is the first call plus the single retry allowed for invalid output.
const maxAttempts = 2

// Invocation is the audit entry emitted for every Run, successful or not.
type Invocation struct {
	ProducerID string    `json:"producer_id"`
	Kind       Kind      `json:"kind"`
	CycleID    string    `json:"cycle_id"`
	StartedAt  time.Time `json:"started_at"`
	LatencyMs  int64     `json:"latency_ms"`
	Budget     string    `json:"budget"`
	Attempts   int       `json:"attempts"`
	Outcome    string    `json:"outcome"` // "success" or a FailureKind
	Error      string    `json:"error,omitempty"`
	Proposals  int       `json:"proposals,omitempty"`
}

// Recorder receives invocation audit entries.
type Recorder interface {
	RecordInvocation(inv Invocation)
}

// BreakerNotifier is told the outcome of every invocation.
type BreakerNotifier interface {
	Record(ctx context.Context, providerID string, outcome breaker.Outcome, latency time.Duration) (*breaker.Transition, error)
}

// AdapterConfig wires an adapter to its validation rules and observers.
type AdapterConfig struct {
	Universe     []string
	RegimeLabels []string
	Breaker      BreakerNotifier // optional
	Recorder     Recorder        // optional
	Logger       *zap.Logger
}

// Adapter runs one producer under the uniform contract.
type Adapter struct {
	producer Producer
	universe map[string]bool
	labels   map[string]bool
	breaker  BreakerNotifier
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewAdapter wraps p.
func NewAdapter(p Producer, cfg AdapterConfig) *Adapter {
	a := &Adapter{
		producer: p,
		universe: make(map[string]bool, len(cfg.Universe)),
		labels:   make(map[string]bool, len(cfg.RegimeLabels)),
		breaker:  cfg.Breaker,
		recorder: cfg.Recorder,
		logger:   logging.OrNop(cfg.Logger).With(zap.String("component", "producer"), zap.String("producer", p.ID())),
		now:      time.Now,
	}
	for _, s := range cfg.Universe {
		a.universe[s] = true
	}
	for _, l := range cfg.RegimeLabels {
		a.labels[l] = true
	}
	return a
}

// ID returns the wrapped producer's ID.
func (a *Adapter) ID() string {
	return a.producer.ID()
}

// Kind returns the wrapped producer's kind.
func (a *Adapter) Kind() Kind {
	return a.producer.Kind()
}

// Run invokes the producer within budget. Output that fails validation is
// retried exactly once with Strict set; both attempts share the budget.
// Timeouts and unavailability are never retried. Every Run records one
// Invocation and notifies the breaker.
func (a *Adapter) Run(ctx context.Context, req Request, budget time.Duration) (Output, *Failure) {
	start := a.now()
	req.ProducerID = a.producer.ID()
	req.Kind = a.producer.Kind()

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var (
		out     Output
		failure *Failure
		attempt int
	)
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		req.Attempt = attempt
		req.Strict = attempt > 1

		raw, err := a.produce(runCtx, req)
		out, failure = a.classify(runCtx, req, raw, err)
		if failure == nil || failure.Kind != FailureSchemaInvalid || attempt == maxAttempts {
			break
		}
		a.logger.Warn("producer output invalid, retrying with strict contract",
			zap.String("cycle_id", req.CycleID), zap.Error(failure.Err))
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}

	latency := a.now().Sub(start)
	if failure != nil {
		failure.Attempts = attempt
		out = Output{}
	}

	a.observe(ctx, req, budget, start, latency, attempt, out, failure)
	return out, failure
}

type result struct {
	out Output
	err error
}

// produce calls the producer but returns as soon as runCtx ends, whether or
// not the producer honours cancellation. A producer that ignores ctx keeps
// running in the background; its late result is discarded.
func (a *Adapter) produce(runCtx context.Context, req Request) (Output, error) {
	done := make(chan result, 1)
	go func() {
		out, err := a.producer.Produce(runCtx, req)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-runCtx.Done():
		return Output{}, runCtx.Err()
	}
}

func (a *Adapter) classify(runCtx context.Context, req Request, out Output, err error) (Output, *Failure) {
	id := a.producer.ID()
	// Output that arrives after the budget is a timeout, not a success
	if runCtx.Err() != nil {
		return Output{}, &Failure{Kind: FailureTimeout, ProducerID: id, Err: runCtx.Err()}
	}
	if err != nil {
		switch {
		case runCtx.Err() != nil:
			return Output{}, &Failure{Kind: FailureTimeout, ProducerID: id, Err: runCtx.Err()}
		case errors.Is(err, ErrSchemaInvalid):
			return Output{}, &Failure{Kind: FailureSchemaInvalid, ProducerID: id, Err: err}
		default:
			return Output{}, &Failure{Kind: FailureUnavailable, ProducerID: id, Err: err}
		}
	}

	normalized, err := a.validate(req, out)
	if err != nil {
		return Output{}, &Failure{Kind: FailureSchemaInvalid, ProducerID: id, Err: fmt.Errorf("%w: %v", ErrSchemaInvalid, err)}
	}
	return normalized, nil
}

// validate checks the output against the contract for the producer's kind and
// stamps proposal identity. The producer's own IDs are ignored.
func (a *Adapter) validate(req Request, out Output) (Output, error) {
	switch a.producer.Kind() {
	case KindRegime:
		if out.Regime == nil {
			return Output{}, fmt.Errorf("regime producer returned no regime")
		}
		if err := out.Regime.Validate(); err != nil {
			return Output{}, err
		}
		if !a.labels[out.Regime.Label] {
			return Output{}, fmt.Errorf("unknown regime label %q", out.Regime.Label)
		}
		regime := *out.Regime
		return Output{Regime: &regime}, nil

	case KindTrading:
		held := make(map[string]bool)
		for _, s := range req.Portfolio.Symbols() {
			held[s] = true
		}

		proposals := make([]trading.Proposal, len(out.Proposals))
		for i, p := range out.Proposals {
			p.ID = fmt.Sprintf("%s#%d", a.producer.ID(), i)
			p.ProducerID = a.producer.ID()
			if err := p.Validate(); err != nil {
				return Output{}, fmt.Errorf("proposal %d: %w", i, err)
			}
			if !a.universe[p.Symbol] && !held[p.Symbol] {
				return Output{}, fmt.Errorf("proposal %d: symbol %s is outside the universe", i, p.Symbol)
			}
			proposals[i] = p
		}
		return Output{Proposals: proposals}, nil
	}

	return Output{}, fmt.Errorf("unknown producer kind %q", a.producer.Kind())
}

func (a *Adapter) observe(ctx context.Context, req Request, budget time.Duration, start time.Time, latency time.Duration, attempts int, out Output, failure *Failure) {
	inv := Invocation{
		ProducerID: a.producer.ID(),
		Kind:       a.producer.Kind(),
		CycleID:    req.CycleID,
		StartedAt:  start,
		LatencyMs:  latency.Milliseconds(),
		Budget:     budget.String(),
		Attempts:   attempts,
		Outcome:    string(breaker.OutcomeSuccess),
		Proposals:  len(out.Proposals),
	}
	outcome := breaker.OutcomeSuccess
	if failure != nil {
		inv.Outcome = string(failure.Kind)
		inv.Error = failure.Error()
		outcome = breakerOutcome(failure.Kind)
	}

	fields := []zap.Field{
		zap.String("cycle_id", req.CycleID),
		zap.Duration("latency", latency),
		zap.Int("attempts", attempts),
		zap.String("outcome", inv.Outcome),
	}
	if failure != nil {
		a.logger.Warn("producer_invoked", append(fields, zap.Error(failure))...)
	} else {
		a.logger.Info("producer_invoked", append(fields, zap.Int("proposals", inv.Proposals))...)
	}

	if a.recorder != nil {
		a.recorder.RecordInvocation(inv)
	}

	if a.breaker != nil {
		// The run context may already be past its deadline; the breaker update must still land
		if _, err := a.breaker.Record(context.WithoutCancel(ctx), a.producer.ID(), outcome, latency); err != nil {
			a.logger.Error("failed to record breaker outcome", zap.Error(err))
		}
	}
}

func breakerOutcome(kind FailureKind) breaker.Outcome {
	switch kind {
	case FailureTimeout:
		return breaker.OutcomeTimeout
	case FailureSchemaInvalid:
		return breaker.OutcomeSchemaInvalid
	default:
		return breaker.OutcomeUnavailable
	}
}
