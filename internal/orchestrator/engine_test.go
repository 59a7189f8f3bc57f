package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/breaker"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/producer"
	"github.com/dyluth/warren/pkg/blackboard"
	"github.com/dyluth/warren/pkg/trading"
)

const engineConfig = `version: "1.0"
portfolio: "test"
data:
  staleness: 36h
universe:
  - symbol: AAPL
    sector: tech
  - symbol: MSFT
    sector: tech
  - symbol: XOM
    sector: energy
regime:
  producer: regime
  multipliers:
    bull: 1.0
    sideways: 0.7
    bear: 0.4
sizing:
  base_risk_per_trade: 0.02
  max_position_fraction: 0.10
  max_sector_fraction: 0.30
  min_cash_reserve_fraction: 0.05
risk:
  max_correlated_fraction: 0.40
  max_tail_risk_fraction: 0.05
  tail_atr_multiple: 3
drawdown:
  caution: 0.05
  caution_multiplier: 0.9
  reduce: 0.10
  reduce_multiplier: 0.5
  halt: 0.20
  unwind_window: 120h
  cycle_interval: 24h
stages:
  regime_deadline: 2s
  proposal_deadline: 2s
producers:
  regime:
    kind: regime
    command: ["regime"]
    timeout: 1s
  momentum:
    kind: trading
    command: ["momentum"]
    timeout: 1s
  value:
    kind: trading
    command: ["value"]
    timeout: 1s
`

var testNow = time.Date(2025, 3, 3, 21, 30, 0, 0, time.UTC)

type fakeMarket struct {
	mu     sync.Mutex
	quotes map[string]trading.Quote
	err    error
}

func (m *fakeMarket) Quotes(_ context.Context, symbols []string) (map[string]trading.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]trading.Quote)
	for _, s := range symbols {
		if q, ok := m.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (m *fakeMarket) set(q trading.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Symbol] = q
}

type fakePortfolio struct {
	snapshot trading.PortfolioSnapshot
	err      error
}

func (p *fakePortfolio) Snapshot(context.Context) (trading.PortfolioSnapshot, error) {
	return p.snapshot, p.err
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string][]trading.SizedSignal
	err   error
}

func (x *fakeExecutor) Execute(_ context.Context, cycleID string, signals []trading.SizedSignal) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.calls == nil {
		x.calls = make(map[string][]trading.SizedSignal)
	}
	x.calls[cycleID] = signals
	return x.err
}

func quote(symbol string, price, atr string) trading.Quote {
	return trading.Quote{
		Symbol:      symbol,
		Price:       decimal.RequireFromString(price),
		ATRFraction: decimal.RequireFromString(atr),
		AsOf:        testNow.Add(-time.Hour),
	}
}

func buy(symbol, conviction string) trading.Proposal {
	return trading.Proposal{
		Symbol:     symbol,
		Direction:  trading.DirectionBuy,
		Conviction: decimal.RequireFromString(conviction),
		Rationale:  "test",
	}
}

// countingProducer wraps fn and counts invocations.
type countingProducer struct {
	producer.Func
	calls atomic.Int32
}

func (c *countingProducer) Produce(ctx context.Context, req producer.Request) (producer.Output, error) {
	c.calls.Add(1)
	return c.Fn(ctx, req)
}

func newProducer(id string, kind producer.Kind, fn func(context.Context, producer.Request) (producer.Output, error)) *countingProducer {
	return &countingProducer{Func: producer.Func{ProducerID: id, ProducerKind: kind, Fn: fn}}
}

func regimeProducer(label string) *countingProducer {
	return newProducer("regime", producer.KindRegime, func(context.Context, producer.Request) (producer.Output, error) {
		return producer.Output{Regime: &trading.Regime{Label: label, Confidence: decimal.RequireFromString("0.8"), Rationale: "test"}}, nil
	})
}

func proposing(id string, proposals ...trading.Proposal) *countingProducer {
	return newProducer(id, producer.KindTrading, func(context.Context, producer.Request) (producer.Output, error) {
		return producer.Output{Proposals: append([]trading.Proposal(nil), proposals...)}, nil
	})
}

type harness struct {
	t         *testing.T
	cfg       *config.Config
	client    *blackboard.Client
	market    *fakeMarket
	portfolio *fakePortfolio
	executor  *fakeExecutor
	engine    *Engine

	regime   *countingProducer
	momentum *countingProducer
	value    *countingProducer
}

type harnessOption func(*harness)

func withConfig(mutate func(*config.Config)) harnessOption {
	return func(h *harness) { mutate(h.cfg) }
}

func newHarness(t *testing.T, regime, momentum, value *countingProducer, opts ...harnessOption) *harness {
	t.Helper()
	cfg, err := config.Parse([]byte(engineConfig))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	h := &harness{
		t:      t,
		cfg:    cfg,
		client: client,
		market: &fakeMarket{quotes: map[string]trading.Quote{
			"AAPL": quote("AAPL", "200", "0.025"),
			"MSFT": quote("MSFT", "400", "0.02"),
			"XOM":  quote("XOM", "100", "0.03"),
		}},
		portfolio: &fakePortfolio{snapshot: trading.PortfolioSnapshot{
			PortfolioID: "test",
			AsOf:        testNow,
			Cash:        decimal.NewFromInt(100000),
			PeakEquity:  decimal.NewFromInt(106383),
			Drawdown:    decimal.RequireFromString("0.06"),
		}},
		executor: &fakeExecutor{},
		regime:   regime,
		momentum: momentum,
		value:    value,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.engine, err = NewEngine(cfg, Dependencies{
		Client:    client,
		Market:    h.market,
		Portfolio: h.portfolio,
		Executor:  h.executor,
		Producers: []producer.Producer{regime, momentum, value},
		Logger:    zaptest.NewLogger(t),
		Clock:     func() time.Time { return testNow },
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.Start(context.Background()))
	return h
}

func (h *harness) run() (*Result, error) {
	h.t.Helper()
	res, err := h.engine.RunCycle(context.Background())
	require.NotNil(h.t, res)
	return res, err
}

func (h *harness) records() []*audit.CycleRecord {
	h.t.Helper()
	records, err := audit.NewStore(h.client, nil).List(context.Background(), audit.Filter{})
	require.NoError(h.t, err)
	return records
}

func (h *harness) openCircuit(producerID string) {
	h.t.Helper()
	for i := 0; i < 5; i++ {
		_, err := h.engine.Breakers().Record(context.Background(), producerID, breaker.OutcomeUnavailable, 0)
		require.NoError(h.t, err)
	}
	require.Equal(h.t, breaker.StateOpen, h.engine.Breakers().State(producerID))
}

func stageNames(r *audit.CycleRecord) []string {
	names := make([]string, len(r.Stages))
	for i, s := range r.Stages {
		names[i] = s.Stage
	}
	return names
}

func TestRunCycle_WorkedExample(t *testing.T) {
	var seenRegime atomic.Value
	momentum := newProducer("momentum", producer.KindTrading, func(_ context.Context, req producer.Request) (producer.Output, error) {
		regime, err := blackboard.ReadAs[trading.Regime](req.Board, blackboard.SlotMarketAnalysis)
		if err != nil {
			return producer.Output{}, err
		}
		seenRegime.Store(regime.Label)
		return producer.Output{Proposals: []trading.Proposal{buy("AAPL", "0.8")}}, nil
	})
	value := newProducer("value", producer.KindTrading, func(_ context.Context, req producer.Request) (producer.Output, error) {
		// Producers work on copies.
		req.Quotes["AAPL"] = trading.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(1)}
		return producer.Output{}, nil
	})
	h := newHarness(t, regimeProducer("sideways"), momentum, value)

	res, err := h.run()
	require.NoError(t, err)

	assert.Equal(t, audit.StatusCompleted, res.Status)
	assert.Equal(t, "sideways", seenRegime.Load())

	// 0.02 × 0.7 × 0.9 × 0.8 × 100,000 / 0.025 = 40,320 → 201 shares, clamped to
	// the 10% position cap of 10,000 / 200 = 50.
	require.Len(t, res.Signals, 1)
	sig := res.Signals[0]
	assert.Equal(t, "AAPL", sig.Symbol)
	assert.Equal(t, trading.DirectionBuy, sig.Direction)
	assert.True(t, decimal.NewFromInt(50).Equal(sig.Quantity), "quantity %s", sig.Quantity)
	assert.True(t, decimal.NewFromInt(200).Equal(sig.Price))
	assert.Equal(t, "decision:momentum#0", sig.DecisionID)

	t.Run("signals handed to executor", func(t *testing.T) {
		assert.Equal(t, res.Signals, h.executor.calls[res.CycleID])
	})

	t.Run("audit record persisted", func(t *testing.T) {
		got, err := audit.NewStore(h.client, nil).Get(context.Background(), res.CycleID)
		require.NoError(t, err)
		assert.Equal(t, audit.StatusCompleted, got.Status)
		assert.Equal(t, []string{"init", "regime", "proposal", "risk", "sizing", "finalize"}, stageNames(got))
		require.Len(t, got.Invocations, 3)
		assert.Equal(t, "regime", got.Invocations[0].ProducerID)
		require.Len(t, got.Decisions, 1)
		assert.Equal(t, trading.OutcomeApprove, got.Decisions[0].Outcome)
		require.Len(t, got.Sizing, 1)
		assert.True(t, decimal.NewFromInt(201).Equal(got.Sizing[0].Calculation.RawQuantity))
		require.NotNil(t, got.Drawdown)
		assert.Equal(t, breaker.ModeCaution, got.Drawdown.Mode)
	})

	t.Run("board slots committed", func(t *testing.T) {
		entry, err := h.client.GetEntry(context.Background(), res.CycleID, blackboard.SlotSizedSignals)
		require.NoError(t, err)
		assert.Equal(t, blackboard.RoleSizing, entry.Writer)

		entry, err = h.client.GetEntry(context.Background(), res.CycleID, blackboard.ProposalSlot("momentum"))
		require.NoError(t, err)
		assert.Equal(t, blackboard.ProducerRole("momentum"), entry.Writer)
	})

	t.Run("lock released", func(t *testing.T) {
		res, err := h.run()
		require.NoError(t, err)
		assert.Equal(t, audit.StatusCompleted, res.Status)
	})
}

func TestRunCycle_PartialWhenProducerFails(t *testing.T) {
	value := newProducer("value", producer.KindTrading, func(context.Context, producer.Request) (producer.Output, error) {
		return producer.Output{}, errors.New("model endpoint down")
	})
	h := newHarness(t, regimeProducer("sideways"), proposing("momentum", buy("AAPL", "0.8")), value)

	res, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, audit.StatusPartial, res.Status)
	require.Len(t, res.Signals, 1)

	var proposal audit.StageRecord
	for _, s := range res.Record.Stages {
		if s.Stage == audit.StageProposal {
			proposal = s
		}
	}
	assert.Equal(t, audit.StagePartial, proposal.Status)
	assert.Contains(t, proposal.Detail, "value (Unavailable)")
}

func TestRunCycle_Aborts(t *testing.T) {
	t.Run("regime producer fails", func(t *testing.T) {
		regime := newProducer("regime", producer.KindRegime, func(context.Context, producer.Request) (producer.Output, error) {
			return producer.Output{}, errors.New("no model")
		})
		momentum := proposing("momentum", buy("AAPL", "0.8"))
		h := newHarness(t, regime, momentum, proposing("value"))

		res, err := h.run()
		require.ErrorIs(t, err, ErrRegimeUnavailable)

		var ab *AbortError
		require.True(t, errors.As(err, &ab))
		assert.Equal(t, audit.StageRegime, ab.Stage)
		assert.Equal(t, res.CycleID, ab.CycleID)

		assert.Equal(t, audit.StatusAborted, res.Status)
		assert.Empty(t, res.Signals)
		assert.Zero(t, momentum.calls.Load())
		assert.Empty(t, h.executor.calls)

		records := h.records()
		require.Len(t, records, 1)
		assert.Equal(t, "RegimeUnavailable", records[0].AbortReason)
	})

	t.Run("regime label without multiplier", func(t *testing.T) {
		h := newHarness(t, regimeProducer("crash"), proposing("momentum"), proposing("value"))
		_, err := h.run()
		require.ErrorIs(t, err, ErrRegimeUnavailable)
	})

	t.Run("prior cycle active", func(t *testing.T) {
		regime := regimeProducer("bull")
		h := newHarness(t, regime, proposing("momentum"), proposing("value"))

		ok, err := h.client.AcquireCycleLock(context.Background(), uuid.NewString(), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		res, err := h.run()
		require.ErrorIs(t, err, ErrPriorCycleActive)
		assert.Zero(t, regime.calls.Load())

		records := h.records()
		require.Len(t, records, 1)
		assert.Equal(t, res.CycleID, records[0].CycleID)
		assert.Equal(t, "PriorCycleActive", records[0].AbortReason)
	})

	t.Run("stale market data", func(t *testing.T) {
		regime := regimeProducer("bull")
		h := newHarness(t, regime, proposing("momentum"), proposing("value"))
		stale := quote("MSFT", "400", "0.02")
		stale.AsOf = testNow.Add(-48 * time.Hour)
		h.market.set(stale)

		_, err := h.run()
		require.ErrorIs(t, err, ErrDataStale)
		assert.ErrorContains(t, err, "MSFT")
		assert.Zero(t, regime.calls.Load())
	})

	t.Run("held symbol without quote", func(t *testing.T) {
		h := newHarness(t, regimeProducer("bull"), proposing("momentum"), proposing("value"))
		h.portfolio.snapshot.Positions = []trading.Position{{Symbol: "TSLA", Quantity: decimal.NewFromInt(10)}}

		_, err := h.run()
		require.ErrorIs(t, err, ErrMarketDataUnavailable)
	})

	t.Run("market provider error", func(t *testing.T) {
		h := newHarness(t, regimeProducer("bull"), proposing("momentum"), proposing("value"))
		h.market.err = errors.New("feed offline")

		_, err := h.run()
		require.ErrorIs(t, err, ErrMarketDataUnavailable)
	})

	t.Run("portfolio invalid", func(t *testing.T) {
		h := newHarness(t, regimeProducer("bull"), proposing("momentum"), proposing("value"))
		h.portfolio.snapshot.Cash = decimal.NewFromInt(-1)

		_, err := h.run()
		require.ErrorIs(t, err, ErrPortfolioUnavailable)
	})
}

func TestRunCycle_OpenCircuitFallback(t *testing.T) {
	t.Run("trading producer reuses last committed proposals", func(t *testing.T) {
		momentum := proposing("momentum", buy("AAPL", "0.8"))
		h := newHarness(t, regimeProducer("sideways"), momentum, proposing("value"))

		first, err := h.run()
		require.NoError(t, err)

		h.openCircuit("momentum")

		res, err := h.run()
		require.NoError(t, err)
		assert.Equal(t, audit.StatusPartial, res.Status)
		assert.Equal(t, int32(1), momentum.calls.Load())

		require.Len(t, res.Record.Skips, 1)
		skip := res.Record.Skips[0]
		assert.Equal(t, "momentum", skip.ProducerID)
		assert.Equal(t, string(breaker.StateOpen), skip.State)
		assert.True(t, skip.Fallback)
		assert.Equal(t, first.CycleID, skip.SourceCycleID)

		require.Len(t, res.Signals, 1)
		assert.Equal(t, "AAPL", res.Signals[0].Symbol)

		entry, err := h.client.GetEntry(context.Background(), res.CycleID, blackboard.ProposalSlot("momentum"))
		require.NoError(t, err)
		assert.True(t, entry.Fallback)
	})

	t.Run("trading producer with nothing committed", func(t *testing.T) {
		momentum := proposing("momentum", buy("AAPL", "0.8"))
		h := newHarness(t, regimeProducer("sideways"), momentum, proposing("value"))
		h.openCircuit("momentum")

		res, err := h.run()
		require.NoError(t, err)
		assert.Equal(t, audit.StatusPartial, res.Status)
		assert.Empty(t, res.Signals)
		require.Len(t, res.Record.Skips, 1)
		assert.False(t, res.Record.Skips[0].Fallback)
	})

	t.Run("regime carried over", func(t *testing.T) {
		regime := regimeProducer("bear")
		h := newHarness(t, regime, proposing("momentum", buy("AAPL", "0.8")), proposing("value"))

		_, err := h.run()
		require.NoError(t, err)
		h.openCircuit("regime")

		res, err := h.run()
		require.NoError(t, err)
		assert.Equal(t, int32(1), regime.calls.Load())
		assert.Equal(t, audit.StatusPartial, res.Status)
		assert.True(t, res.Record.RegimeFallback)
		require.NotNil(t, res.Record.Regime)
		assert.Equal(t, "bear", res.Record.Regime.Label)
	})

	t.Run("regime open without history aborts", func(t *testing.T) {
		h := newHarness(t, regimeProducer("bull"), proposing("momentum"), proposing("value"))
		h.openCircuit("regime")

		_, err := h.run()
		require.ErrorIs(t, err, ErrRegimeUnavailable)
	})
}

func TestRunCycle_TimeoutsOpenBreaker(t *testing.T) {
	momentum := newProducer("momentum", producer.KindTrading, func(ctx context.Context, _ producer.Request) (producer.Output, error) {
		<-ctx.Done()
		return producer.Output{}, ctx.Err()
	})
	h := newHarness(t, regimeProducer("bull"), momentum, proposing("value", buy("XOM", "0.5")),
		withConfig(func(cfg *config.Config) {
			pc := cfg.Producers["momentum"]
			pc.Timeout = 50 * time.Millisecond
			cfg.Producers["momentum"] = pc
		}))

	for i := 0; i < 5; i++ {
		res, err := h.run()
		require.NoError(t, err)
		assert.Equal(t, audit.StatusPartial, res.Status, "cycle %d", i)
		require.NotEmpty(t, res.Record.Invocations)
	}
	assert.Equal(t, breaker.StateOpen, h.engine.Breakers().State("momentum"))
	assert.Equal(t, int32(5), momentum.calls.Load())

	res, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, int32(5), momentum.calls.Load(), "open circuit is never invoked")
	require.Len(t, res.Record.Skips, 1)
	assert.Equal(t, "momentum", res.Record.Skips[0].ProducerID)

	require.Len(t, res.Signals, 1, "healthy producers are unaffected")
	assert.Equal(t, "XOM", res.Signals[0].Symbol)
}

func TestRunCycle_ProposalDeadlineBoundsStage(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Both stay inside their own 5s budget; only the stage deadline stops them
	momentum := newProducer("momentum", producer.KindTrading, func(ctx context.Context, _ producer.Request) (producer.Output, error) {
		<-ctx.Done()
		return producer.Output{}, ctx.Err()
	})
	value := newProducer("value", producer.KindTrading, func(context.Context, producer.Request) (producer.Output, error) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return producer.Output{Proposals: []trading.Proposal{buy("XOM", "0.5")}}, nil
	})
	h := newHarness(t, regimeProducer("bull"), momentum, value,
		withConfig(func(cfg *config.Config) {
			cfg.Stages.ProposalDeadline = 100 * time.Millisecond
			for _, id := range []string{"momentum", "value"} {
				pc := cfg.Producers[id]
				pc.Timeout = 5 * time.Second
				cfg.Producers[id] = pc
			}
		}))

	start := time.Now()
	res, err := h.run()
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Less(t, elapsed, time.Second, "stage returns at its deadline")
	assert.Equal(t, audit.StatusPartial, res.Status)
	assert.Empty(t, res.Signals, "late output is discarded")
	assert.Empty(t, res.Record.Decisions)

	outcomes := make(map[string]string)
	for _, inv := range res.Record.Invocations {
		outcomes[inv.ProducerID] = inv.Outcome
	}
	assert.Equal(t, string(producer.FailureTimeout), outcomes["momentum"])
	assert.Equal(t, string(producer.FailureTimeout), outcomes["value"])

	var stage *audit.StageRecord
	for i := range res.Record.Stages {
		if res.Record.Stages[i].Stage == audit.StageProposal {
			stage = &res.Record.Stages[i]
		}
	}
	require.NotNil(t, stage)
	assert.Equal(t, audit.StagePartial, stage.Status)
	assert.Contains(t, stage.Detail, "momentum (Timeout)")
	assert.Contains(t, stage.Detail, "value (Timeout)")

	lastOutcome := make(map[string]breaker.Outcome)
	for _, health := range h.engine.Breakers().Snapshot() {
		lastOutcome[health.ProviderID] = health.LastOutcome
	}
	assert.Equal(t, breaker.OutcomeTimeout, lastOutcome["momentum"])
	assert.Equal(t, breaker.OutcomeTimeout, lastOutcome["value"])
}

func TestRunCycle_InvalidVolatilityDropsSignal(t *testing.T) {
	h := newHarness(t, regimeProducer("sideways"),
		proposing("momentum", buy("AAPL", "0.8"), buy("MSFT", "0.5")),
		proposing("value"))
	h.market.set(quote("MSFT", "400", "0"))

	res, err := h.run()
	require.NoError(t, err)

	require.Len(t, res.Signals, 1)
	assert.Equal(t, "AAPL", res.Signals[0].Symbol)
	assert.True(t, decimal.NewFromInt(50).Equal(res.Signals[0].Quantity))

	require.Len(t, res.Record.Drops, 1)
	assert.Equal(t, "MSFT", res.Record.Drops[0].Symbol)
	assert.Contains(t, res.Record.Drops[0].Reason, "InvalidVolatilityInput")
}

func TestRunCycle_DrawdownHaltUnwinds(t *testing.T) {
	h := newHarness(t, regimeProducer("bull"), proposing("momentum", buy("AAPL", "0.9")), proposing("value"))
	h.portfolio.snapshot = trading.PortfolioSnapshot{
		PortfolioID: "test",
		AsOf:        testNow,
		Cash:        decimal.NewFromInt(50000),
		PeakEquity:  decimal.NewFromInt(80000),
		Drawdown:    decimal.RequireFromString("0.25"),
		Positions: []trading.Position{
			{Symbol: "XOM", Quantity: decimal.NewFromInt(100), AvgPrice: decimal.NewFromInt(120)},
			{Symbol: "MSFT", Quantity: decimal.NewFromInt(3), AvgPrice: decimal.NewFromInt(380)},
		},
	}

	res, err := h.run()
	require.NoError(t, err)

	require.Len(t, res.Record.Decisions, 1)
	assert.Equal(t, trading.OutcomeReject, res.Record.Decisions[0].Outcome)
	assert.Contains(t, res.Record.Decisions[0].Violations, "drawdown_halt")

	// 24h of a 120h window: a fifth of each holding, rounded up.
	signals := append([]trading.SizedSignal(nil), res.Signals...)
	sort.Slice(signals, func(i, j int) bool { return signals[i].Symbol < signals[j].Symbol })
	require.Len(t, signals, 2)
	for _, s := range signals {
		assert.Equal(t, trading.DirectionSell, s.Direction)
		assert.Equal(t, ReasonDrawdownUnwind, s.Reason)
	}
	assert.Equal(t, "MSFT", signals[0].Symbol)
	assert.True(t, decimal.NewFromInt(1).Equal(signals[0].Quantity))
	assert.True(t, decimal.NewFromInt(20).Equal(signals[1].Quantity))

	require.NotNil(t, res.Record.Drawdown)
	assert.Equal(t, breaker.ModeHalt, res.Record.Drawdown.Mode)

	t.Run("unwind sells are in the sizing audit", func(t *testing.T) {
		require.Len(t, res.Record.Sizing, 2)
		for i, want := range []struct {
			symbol   string
			held     int64
			quantity int64
		}{{"MSFT", 3, 1}, {"XOM", 100, 20}} {
			rec := res.Record.Sizing[i]
			assert.Empty(t, rec.DecisionID)
			assert.Equal(t, want.symbol, rec.Calculation.Input.Symbol)
			assert.Equal(t, trading.DirectionSell, rec.Calculation.Input.Direction)
			assert.True(t, decimal.NewFromInt(want.quantity).Equal(rec.Calculation.Quantity))

			require.NotNil(t, rec.Unwind, want.symbol)
			assert.True(t, decimal.NewFromInt(want.held).Equal(rec.Unwind.Held), want.symbol)
			assert.True(t, decimal.RequireFromString("0.2").Equal(rec.Unwind.Fraction), rec.Unwind.Fraction.String())
			assert.True(t, decimal.NewFromInt(want.quantity).Equal(rec.Unwind.Quantity), want.symbol)
			assert.True(t, rec.Unwind.AlreadySold.IsZero())
		}
	})
}

func TestRunCycle_ExecutorFailureIsRecorded(t *testing.T) {
	h := newHarness(t, regimeProducer("bull"), proposing("momentum", buy("AAPL", "0.8")), proposing("value"))
	h.executor.err = errors.New("broker rejected batch")

	res, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, audit.StatusCompleted, res.Status)

	last := res.Record.Stages[len(res.Record.Stages)-1]
	assert.Equal(t, audit.StageFinalize, last.Stage)
	assert.Equal(t, audit.StageFailed, last.Status)
	assert.Contains(t, last.Detail, "broker rejected batch")
}

func TestNewEngine_Validation(t *testing.T) {
	cfg, err := config.Parse([]byte(engineConfig))
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	client, err := blackboard.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	defer client.Close()

	deps := func(producers ...producer.Producer) Dependencies {
		return Dependencies{Client: client, Market: &fakeMarket{}, Portfolio: &fakePortfolio{}, Producers: producers}
	}

	t.Run("missing collaborators", func(t *testing.T) {
		_, err := NewEngine(cfg, Dependencies{Client: client})
		assert.Error(t, err)
	})

	t.Run("unconfigured producer", func(t *testing.T) {
		_, err := NewEngine(cfg, deps(regimeProducer("bull"), proposing("breakout")))
		assert.ErrorContains(t, err, "breakout is not configured")
	})

	t.Run("kind mismatch", func(t *testing.T) {
		wrong := newProducer("momentum", producer.KindRegime, nil)
		_, err := NewEngine(cfg, deps(regimeProducer("bull"), wrong))
		assert.ErrorContains(t, err, "has kind regime")
	})

	t.Run("no regime producer", func(t *testing.T) {
		_, err := NewEngine(cfg, deps(proposing("momentum")))
		assert.ErrorContains(t, err, "regime producer regime is not available")
	})
}
