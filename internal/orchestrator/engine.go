// Package orchestrator drives the decision cycle: Init, then the regime,
// proposal, risk and sizing stages, ending Finalized or Aborted. Every cycle,
// aborted or not, leaves exactly one audit record.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/breaker"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/internal/producer"
	"github.com/dyluth/warren/internal/risk"
	"github.com/dyluth/warren/internal/sizing"
	"github.com/dyluth/warren/pkg/blackboard"
	"github.com/dyluth/warren/pkg/trading"
)

// Dependencies are the collaborators an Engine is wired to.
type Dependencies struct {
	Client    *blackboard.Client // required
	Market    MarketProvider     // required
	Portfolio PortfolioProvider  // required
	Executor  Executor           // optional
	Sink      audit.Sink         // default: Redis + log sinks

	// Producers overrides the command producers built from config. Their IDs and
	// kinds must match the configured producers.
	Producers []producer.Producer

	Logger *zap.Logger
	Clock  func() time.Time
}

// Result is the outcome of one cycle.
type Result struct {
	CycleID string
	Status  audit.Status
	Signals []trading.SizedSignal
	Record  *audit.CycleRecord
}

// Engine runs decision cycles for one portfolio. Cycles are serialized through
// the portfolio's cycle lock, so several engines may share a portfolio safely.
type Engine struct {
	cfg       *config.Config
	client    *blackboard.Client
	market    MarketProvider
	portfolio PortfolioProvider
	executor  Executor
	sink      audit.Sink
	logger    *zap.Logger
	now       func() time.Time

	breakers *breaker.Registry
	drawdown *breaker.Drawdown
	gate     *risk.Gate
	sizer    *sizing.Engine
	registry *blackboard.Registry

	instruments risk.Instruments

	regime       producer.Producer
	traders      []producer.Producer // sorted by ID
	budgets      map[string]time.Duration
	regimeLabels []string
}

// NewEngine wires an engine from validated configuration.
func NewEngine(cfg *config.Config, deps Dependencies) (*Engine, error) {
	if deps.Client == nil || deps.Market == nil || deps.Portfolio == nil {
		return nil, fmt.Errorf("client, market and portfolio providers are required")
	}

	logger := logging.OrNop(deps.Logger).With(zap.String("component", "orchestrator"), zap.String("portfolio", cfg.Portfolio))
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	sizer, err := sizing.New(sizing.Limits{
		BaseRiskPerTrade:       cfg.Sizing.BaseRiskPerTrade,
		MaxPositionFraction:    cfg.Sizing.MaxPositionFraction,
		MaxSectorFraction:      cfg.Sizing.MaxSectorFraction,
		MinCashReserveFraction: cfg.Sizing.MinCashReserveFraction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sizing engine: %w", err)
	}

	instruments := make(risk.Instruments, len(cfg.Universe))
	for _, inst := range cfg.Universe {
		instruments[inst.Symbol] = risk.Instrument{Symbol: inst.Symbol, Sector: inst.Sector, CorrelationGroup: inst.CorrelationGroup}
	}
	gate, err := risk.NewGate(risk.Limits{
		MaxCorrelatedFraction: cfg.Risk.MaxCorrelatedFraction,
		MaxTailRiskFraction:   cfg.Risk.MaxTailRiskFraction,
		TailATRMultiple:       cfg.Risk.TailATRMultiple,
		MaxScalableViolations: *cfg.Risk.MaxScalableViolations,
	}, instruments, sizer)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk gate: %w", err)
	}

	breakers, err := NewBreakerRegistry(cfg, deps.Client, deps.Logger)
	if err != nil {
		return nil, err
	}
	breakers.SetClock(now)

	drawdown, err := breaker.NewDrawdown(breaker.DrawdownLimits{
		Caution:           cfg.Drawdown.Caution,
		CautionMultiplier: cfg.Drawdown.CautionMultiplier,
		Reduce:            cfg.Drawdown.Reduce,
		ReduceMultiplier:  cfg.Drawdown.ReduceMultiplier,
		Halt:              cfg.Drawdown.Halt,
		UnwindWindow:      cfg.Drawdown.UnwindWindow,
		CycleInterval:     cfg.Drawdown.CycleInterval,
	}, deps.Client, deps.Logger)
	if err != nil {
		return nil, err
	}
	drawdown.SetClock(now)

	producers := deps.Producers
	if producers == nil {
		if producers, err = commandProducers(cfg, deps.Logger); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:       cfg,
		client:    deps.Client,
		market:    deps.Market,
		portfolio: deps.Portfolio,
		executor:  deps.Executor,
		sink:      deps.Sink,
		logger:    logger,
		now:       now,
		breakers:  breakers,
		drawdown:  drawdown,
		gate:      gate,
		sizer:     sizer,
		budgets:   make(map[string]time.Duration),
	}
	e.instruments = instruments
	if e.sink == nil {
		e.sink = audit.Multi{audit.NewRedisSink(deps.Client), audit.NewLogSink(deps.Logger)}
	}

	if err := e.bindProducers(producers); err != nil {
		return nil, err
	}

	for label := range cfg.Regime.Multipliers {
		e.regimeLabels = append(e.regimeLabels, label)
	}
	sort.Strings(e.regimeLabels)

	traderIDs := make([]string, len(e.traders))
	for i, p := range e.traders {
		traderIDs[i] = p.ID()
	}
	e.registry = blackboard.StandardRegistry(e.regime.ID(), traderIDs)

	return e, nil
}

// NewBreakerRegistry builds the provider breaker registry from configuration,
// including per-producer latency thresholds. State is not loaded.
func NewBreakerRegistry(cfg *config.Config, client *blackboard.Client, logger *zap.Logger) (*breaker.Registry, error) {
	registry, err := breaker.NewRegistry(client, breaker.Thresholds{
		LatencyThreshold:      cfg.Breakers.LatencyThreshold,
		DegradeAfter:          *cfg.Breakers.DegradeAfter,
		OpenAfter:             *cfg.Breakers.OpenAfter,
		RecoverAfter:          *cfg.Breakers.RecoverAfter,
		Cooldown:              cfg.Breakers.Cooldown,
		DegradedTimeoutFactor: *cfg.Breakers.DegradedTimeoutFactor,
	}, logger)
	if err != nil {
		return nil, err
	}
	for name := range cfg.Producers {
		registry.SetLatencyThreshold(name, cfg.LatencyThreshold(name))
	}
	return registry, nil
}

// commandProducers builds a subprocess producer for every enabled configured producer.
func commandProducers(cfg *config.Config, logger *zap.Logger) ([]producer.Producer, error) {
	names := make([]string, 0, len(cfg.Producers))
	for name := range cfg.Producers {
		names = append(names, name)
	}
	sort.Strings(names)

	var producers []producer.Producer
	for _, name := range names {
		pc := cfg.Producers[name]
		if !pc.IsEnabled() {
			continue
		}
		p, err := producer.NewCommandProducer(producer.CommandConfig{
			ID:          name,
			Kind:        producer.Kind(pc.Kind),
			Command:     pc.Command,
			Dir:         pc.Dir,
			Environment: pc.Environment,
		}, logger)
		if err != nil {
			return nil, err
		}
		producers = append(producers, p)
	}
	return producers, nil
}

// bindProducers matches producers to configuration and records their budgets
// and latency thresholds.
func (e *Engine) bindProducers(producers []producer.Producer) error {
	for _, p := range producers {
		pc, ok := e.cfg.Producers[p.ID()]
		if !ok {
			return fmt.Errorf("producer %s is not configured", p.ID())
		}
		if string(p.Kind()) != pc.Kind {
			return fmt.Errorf("producer %s has kind %s, configured as %s", p.ID(), p.Kind(), pc.Kind)
		}
		if !pc.IsEnabled() {
			continue
		}

		e.budgets[p.ID()] = pc.Timeout

		if p.Kind() == producer.KindRegime {
			e.regime = p
		} else {
			e.traders = append(e.traders, p)
		}
	}

	if e.regime == nil || e.regime.ID() != e.cfg.Regime.Producer {
		return fmt.Errorf("regime producer %s is not available", e.cfg.Regime.Producer)
	}
	sort.Slice(e.traders, func(i, j int) bool { return e.traders[i].ID() < e.traders[j].ID() })
	return nil
}

// Breakers returns the provider breaker registry.
func (e *Engine) Breakers() *breaker.Registry {
	return e.breakers
}

// Start restores persisted breaker state. Call once before the first cycle.
func (e *Engine) Start(ctx context.Context) error {
	return e.breakers.Load(ctx)
}

// RunCycle executes one full decision cycle.
//
// On success it returns the finalized result with a possibly empty signal list.
// An aborted cycle returns the result (status aborted, no signals) together with
// an *AbortError. Both carry the audit record, which has already been written
// to the sink.
func (e *Engine) RunCycle(ctx context.Context) (*Result, error) {
	c := e.newCycle()
	e.logger.Info("cycle_started", zap.String("cycle_id", c.id))

	acquired, err := e.client.AcquireCycleLock(ctx, c.id, e.cfg.Stages.LockTTL)
	switch {
	case err != nil:
		return e.finishAborted(ctx, c, abort(ReasonBlackboardFault, audit.StageInit, err))
	case !acquired:
		return e.finishAborted(ctx, c, abortf(ReasonPriorCycleActive, audit.StageInit, "portfolio %s has a cycle in progress", e.cfg.Portfolio))
	}
	defer e.releaseLock(ctx, c.id)

	stages := []struct {
		name string
		run  func(context.Context, *cycle) *AbortError
	}{
		{audit.StageInit, e.initStage},
		{audit.StageRegime, e.regimeStage},
		{audit.StageProposal, e.proposalStage},
		{audit.StageRisk, e.riskStage},
		{audit.StageSizing, e.sizingStage},
	}
	for _, s := range stages {
		if ab := s.run(ctx, c); ab != nil {
			return e.finishAborted(ctx, c, ab)
		}
	}

	return e.finish(ctx, c)
}

func (e *Engine) releaseLock(ctx context.Context, token string) {
	released, err := e.client.ReleaseCycleLock(context.WithoutCancel(ctx), token)
	if err != nil {
		e.logger.Error("failed to release cycle lock", zap.String("cycle_id", token), zap.Error(err))
		return
	}
	if !released {
		e.logger.Warn("cycle lock expired before release", zap.String("cycle_id", token))
	}
}

// cycle is the mutable state of one running cycle. It is owned by RunCycle;
// producers only ever see copies.
type cycle struct {
	id        string
	board     *blackboard.Board
	record    *audit.CycleRecord
	collector *audit.Collector
	partial   bool

	portfolio trading.PortfolioSnapshot
	quotes    map[string]trading.Quote
	value     decimal.Decimal
	drawdown  breaker.Assessment
	regime    trading.Regime
	regimeMul decimal.Decimal

	proposals []trading.Proposal
	decisions []trading.Decision
	signals   []trading.SizedSignal
}

func (e *Engine) newCycle() *cycle {
	id := uuid.NewString()
	return &cycle{
		id:        id,
		board:     blackboard.NewBoard(e.client, e.registry, id),
		collector: &audit.Collector{},
		record: &audit.CycleRecord{
			CycleID:   id,
			Portfolio: e.cfg.Portfolio,
			StartedAt: e.now(),
		},
	}
}

// stage starts timing a stage and returns the function that records its end.
func (e *Engine) stage(c *cycle, name string) func(status audit.StageStatus, detail string) {
	started := e.now()
	return func(status audit.StageStatus, detail string) {
		finished := e.now()
		c.record.Stages = append(c.record.Stages, audit.StageRecord{
			Stage:      name,
			StartedAt:  started,
			FinishedAt: finished,
			Status:     status,
			Detail:     detail,
		})
		e.logger.Info("stage_completed",
			zap.String("cycle_id", c.id),
			zap.String("stage", name),
			zap.String("status", string(status)),
			zap.Duration("duration", finished.Sub(started)),
			zap.String("detail", detail))
	}
}

func (e *Engine) finish(ctx context.Context, c *cycle) (*Result, error) {
	done := e.stage(c, audit.StageFinalize)
	c.board.Close()

	status := audit.StatusCompleted
	if c.partial {
		status = audit.StatusPartial
	}

	detail := fmt.Sprintf("%d signals", len(c.signals))
	stageStatus := audit.StageOK
	if e.executor != nil {
		if err := e.executor.Execute(ctx, c.id, c.signals); err != nil {
			e.logger.Error("failed to hand signals to executor", zap.String("cycle_id", c.id), zap.Error(err))
			stageStatus = audit.StageFailed
			detail += ": executor: " + err.Error()
		}
	}
	done(stageStatus, detail)

	c.record.Status = status
	e.seal(ctx, c)

	e.logger.Info("cycle_finalized",
		zap.String("cycle_id", c.id),
		zap.String("status", string(status)),
		zap.Int("proposals", len(c.proposals)),
		zap.Int("signals", len(c.signals)))

	return &Result{CycleID: c.id, Status: status, Signals: c.signals, Record: c.record}, nil
}

func (e *Engine) finishAborted(ctx context.Context, c *cycle, ab *AbortError) (*Result, error) {
	c.board.Close()
	ab.CycleID = c.id
	c.signals = nil

	c.record.Status = audit.StatusAborted
	c.record.AbortReason = string(ab.Reason)
	if ab.Err != nil {
		c.record.AbortDetail = ab.Err.Error()
	}
	c.record.Stages = append(c.record.Stages, audit.StageRecord{
		Stage:      ab.Stage,
		StartedAt:  e.now(),
		FinishedAt: e.now(),
		Status:     audit.StageFailed,
		Detail:     c.record.AbortDetail,
	})
	e.seal(ctx, c)

	e.logger.Warn("cycle_aborted",
		zap.String("cycle_id", c.id),
		zap.String("reason", string(ab.Reason)),
		zap.String("stage", ab.Stage),
		zap.Error(ab.Err))

	return &Result{CycleID: c.id, Status: audit.StatusAborted, Record: c.record}, ab
}

// seal completes the audit record and writes it. The record is written even if
// ctx has been cancelled.
func (e *Engine) seal(ctx context.Context, c *cycle) {
	r := c.record
	r.FinishedAt = e.now()
	r.Invocations = c.collector.Invocations()
	r.Decisions = c.decisions
	r.Signals = c.signals
	r.Breakers = e.breakers.Snapshot()
	if r.Status != audit.StatusAborted || c.drawdown.Mode != "" {
		dd := c.drawdown
		r.Drawdown = &dd
	}

	if err := e.sink.Write(context.WithoutCancel(ctx), r); err != nil {
		e.logger.Error("failed to write audit record", zap.String("cycle_id", c.id), zap.Error(err))
	}
}
