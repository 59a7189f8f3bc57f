package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/breaker"
	"github.com/dyluth/warren/internal/producer"
	"github.com/dyluth/warren/internal/risk"
	"github.com/dyluth/warren/internal/sizing"
	"github.com/dyluth/warren/pkg/blackboard"
	"github.com/dyluth/warren/pkg/trading"
)

// ReasonDrawdownUnwind marks signals generated by the drawdown halt unwind.
const ReasonDrawdownUnwind = "drawdown_unwind"

// initStage loads the portfolio and market data, assesses drawdown and commits
// the cycle inputs to the board.
func (e *Engine) initStage(ctx context.Context, c *cycle) *AbortError {
	done := e.stage(c, audit.StageInit)

	snapshot, err := e.portfolio.Snapshot(ctx)
	if err != nil {
		return abort(ReasonPortfolioUnavailable, audit.StageInit, err)
	}
	if err := snapshot.Validate(); err != nil {
		return abortf(ReasonPortfolioUnavailable, audit.StageInit, "invalid portfolio snapshot: %v", err)
	}
	c.portfolio = snapshot

	symbols := e.cycleSymbols(&snapshot)
	quotes, err := e.market.Quotes(ctx, symbols)
	if err != nil {
		return abort(ReasonMarketDataUnavailable, audit.StageInit, err)
	}

	now := e.now()
	for _, symbol := range symbols {
		q, ok := quotes[symbol]
		if !ok {
			if snapshot.Holding(symbol).IsPositive() {
				return abortf(ReasonMarketDataUnavailable, audit.StageInit, "no quote for held symbol %s", symbol)
			}
			continue
		}
		if age := now.Sub(q.AsOf); age > e.cfg.Data.Staleness {
			return abortf(ReasonDataStale, audit.StageInit, "quote for %s is %s old (limit %s)", symbol, age.Round(time.Second), e.cfg.Data.Staleness)
		}
	}
	c.quotes = quotes

	value, err := snapshot.Value(quotes)
	if err != nil {
		return abort(ReasonMarketDataUnavailable, audit.StageInit, err)
	}
	c.value = value

	assessment, err := e.drawdown.Assess(ctx, snapshot.Drawdown)
	if err != nil {
		return abortf(ReasonBlackboardFault, audit.StageInit, "failed to assess drawdown: %v", err)
	}
	c.drawdown = assessment

	if _, err := c.board.Write(ctx, blackboard.SlotPortfolio, snapshot, blackboard.RoleOrchestrator); err != nil {
		return abort(ReasonBlackboardFault, audit.StageInit, err)
	}
	if _, err := c.board.Write(ctx, blackboard.SlotMarketData, quotes, blackboard.RoleOrchestrator); err != nil {
		return abort(ReasonBlackboardFault, audit.StageInit, err)
	}

	done(audit.StageOK, fmt.Sprintf("portfolio value %s, %d quotes, drawdown mode %s", value, len(quotes), assessment.Mode))
	return nil
}

// cycleSymbols returns the universe plus every held symbol, sorted.
func (e *Engine) cycleSymbols(snapshot *trading.PortfolioSnapshot) []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, s := range append(e.cfg.Symbols(), snapshot.Symbols()...) {
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// regimeStage runs the single regime producer. With its circuit open the last
// committed regime is carried over; without one the cycle aborts.
func (e *Engine) regimeStage(ctx context.Context, c *cycle) *AbortError {
	done := e.stage(c, audit.StageRegime)
	id := e.regime.ID()

	permit, err := e.breakers.Allow(ctx, id, e.budgets[id])
	if err != nil {
		return abort(ReasonBlackboardFault, audit.StageRegime, err)
	}

	if !permit.Allowed {
		entry, ab := e.fallback(ctx, c, blackboard.SlotMarketAnalysis, blackboard.RegimeRole(id), permit.State)
		if ab != nil {
			return ab
		}
		if entry == nil {
			return abortf(ReasonRegimeUnavailable, audit.StageRegime, "circuit for %s is %s and no prior regime exists", id, permit.State)
		}
		regime, err := blackboard.Decode[trading.Regime](entry)
		if err != nil {
			return abort(ReasonBlackboardFault, audit.StageRegime, err)
		}
		c.record.RegimeFallback = true
		if ab := e.setRegime(c, regime); ab != nil {
			return ab
		}
		done(audit.StagePartial, fmt.Sprintf("circuit %s: using regime %q from cycle %s", permit.State, regime.Label, entry.SourceCycleID))
		return nil
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.Stages.RegimeDeadline)
	defer cancel()

	adapter := e.adapter(c, e.regime)
	out, failure := adapter.Run(stageCtx, producer.Request{
		CycleID:      c.id,
		Portfolio:    clonePortfolio(c.portfolio),
		Quotes:       cloneQuotes(c.quotes),
		Universe:     e.cfg.Symbols(),
		RegimeLabels: e.regimeLabels,
		Board:        c.board.Snapshot(),
	}, permit.Budget)
	if failure != nil {
		return abort(ReasonRegimeUnavailable, audit.StageRegime, failure)
	}

	if _, err := c.board.Write(ctx, blackboard.SlotMarketAnalysis, out.Regime, blackboard.RegimeRole(id)); err != nil {
		return abort(ReasonBlackboardFault, audit.StageRegime, err)
	}
	if ab := e.setRegime(c, *out.Regime); ab != nil {
		return ab
	}
	done(audit.StageOK, fmt.Sprintf("regime %q (confidence %s)", out.Regime.Label, out.Regime.Confidence))
	return nil
}

func (e *Engine) setRegime(c *cycle, regime trading.Regime) *AbortError {
	multiplier, ok := e.cfg.Regime.Multipliers[regime.Label]
	if !ok {
		return abortf(ReasonRegimeUnavailable, audit.StageRegime, "regime label %q has no configured multiplier", regime.Label)
	}
	c.regime = regime
	c.regimeMul = multiplier
	c.record.Regime = &regime
	return nil
}

// fallback substitutes the last committed value of slot from an earlier cycle.
// Returns a nil entry if the slot was never committed.
func (e *Engine) fallback(ctx context.Context, c *cycle, slot string, owner blackboard.Role, state breaker.State) (*blackboard.Entry, *AbortError) {
	stage := audit.StageProposal
	if slot == blackboard.SlotMarketAnalysis {
		stage = audit.StageRegime
	}
	producerID := strings.SplitN(string(owner), ":", 2)[1]

	c.partial = true
	skip := audit.Skip{ProducerID: producerID, State: string(state)}
	defer func() { c.record.Skips = append(c.record.Skips, skip) }()

	prior, err := e.client.LatestCommitted(ctx, slot, c.id)
	if err != nil {
		if blackboard.IsNotFound(err) {
			e.logger.Warn("producer_skipped", zap.String("cycle_id", c.id), zap.String("producer", producerID),
				zap.String("state", string(state)), zap.Bool("fallback", false))
			return nil, nil
		}
		return nil, abort(ReasonBlackboardFault, stage, err)
	}

	entry, err := c.board.WriteFallback(ctx, slot, prior, owner)
	if err != nil {
		return nil, abort(ReasonBlackboardFault, stage, err)
	}
	skip.Fallback = true
	skip.SourceCycleID = entry.SourceCycleID

	e.logger.Warn("producer_skipped", zap.String("cycle_id", c.id), zap.String("producer", producerID),
		zap.String("state", string(state)), zap.Bool("fallback", true), zap.String("source_cycle_id", entry.SourceCycleID))
	return entry, nil
}

func (e *Engine) adapter(c *cycle, p producer.Producer) *producer.Adapter {
	return producer.NewAdapter(p, producer.AdapterConfig{
		Universe:     e.cfg.Symbols(),
		RegimeLabels: e.regimeLabels,
		Breaker:      e.breakers,
		Recorder:     c.collector,
		Logger:       e.logger,
	})
}

type producerResult struct {
	proposals []trading.Proposal
	failure   *producer.Failure
	err       error // board fault
}

// proposalStage invokes every trading producer concurrently against the same
// board snapshot. Producers with an open circuit are skipped and their last
// committed proposals substituted.
func (e *Engine) proposalStage(ctx context.Context, c *cycle) *AbortError {
	done := e.stage(c, audit.StageProposal)
	view := c.board.Snapshot()

	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.Stages.ProposalDeadline)
	defer cancel()

	results := make([]producerResult, len(e.traders))
	var skipped, failed []string

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Stages.MaxParallel)

	for i, p := range e.traders {
		id := p.ID()
		permit, err := e.breakers.Allow(ctx, id, e.budgets[id])
		if err != nil {
			return abort(ReasonBlackboardFault, audit.StageProposal, err)
		}

		if !permit.Allowed {
			skipped = append(skipped, id)
			entry, ab := e.fallback(ctx, c, blackboard.ProposalSlot(id), blackboard.ProducerRole(id), permit.State)
			if ab != nil {
				return ab
			}
			if entry != nil {
				proposals, err := blackboard.Decode[[]trading.Proposal](entry)
				if err != nil {
					return abort(ReasonBlackboardFault, audit.StageProposal, err)
				}
				results[i].proposals = proposals
			}
			continue
		}

		budget := permit.Budget
		req := producer.Request{
			CycleID:      c.id,
			Regime:       cloneRegime(c.regime),
			Portfolio:    clonePortfolio(c.portfolio),
			Quotes:       cloneQuotes(c.quotes),
			Universe:     e.cfg.Symbols(),
			RegimeLabels: e.regimeLabels,
			Board:        view,
		}
		adapter := e.adapter(c, p)
		g.Go(func() error {
			out, failure := adapter.Run(stageCtx, req, budget)
			if failure != nil {
				results[i].failure = failure
				return nil
			}
			if _, err := c.board.Write(ctx, blackboard.ProposalSlot(p.ID()), out.Proposals, blackboard.ProducerRole(p.ID())); err != nil {
				results[i].err = err
				return nil
			}
			results[i].proposals = out.Proposals
			return nil
		})
	}
	_ = g.Wait() // goroutines report through results

	var boardErrs []error
	for i, r := range results {
		switch {
		case r.err != nil:
			boardErrs = append(boardErrs, r.err)
		case r.failure != nil:
			failed = append(failed, fmt.Sprintf("%s (%s)", e.traders[i].ID(), r.failure.Kind))
		}
		c.proposals = append(c.proposals, r.proposals...)
	}
	if len(boardErrs) > 0 {
		return abort(ReasonBlackboardFault, audit.StageProposal, errors.Join(boardErrs...))
	}

	status := audit.StageOK
	detail := fmt.Sprintf("%d proposals from %d producers", len(c.proposals), len(e.traders))
	if len(failed) > 0 || len(skipped) > 0 {
		c.partial = true
		status = audit.StagePartial
		if len(failed) > 0 {
			detail += "; failed: " + strings.Join(failed, ", ")
		}
		if len(skipped) > 0 {
			detail += "; circuit open: " + strings.Join(skipped, ", ")
		}
	}
	done(status, detail)
	return nil
}

// riskStage evaluates every proposal sequentially through the gate.
func (e *Engine) riskStage(ctx context.Context, c *cycle) *AbortError {
	done := e.stage(c, audit.StageRisk)

	decisions, err := e.gate.Evaluate(c.proposals, risk.Context{
		Portfolio:          &c.portfolio,
		Quotes:             c.quotes,
		PortfolioValue:     c.value,
		RegimeMultiplier:   c.regimeMul,
		DrawdownMultiplier: c.drawdown.Multiplier,
		Halted:             c.drawdown.Halted(),
	})
	if err != nil {
		return abort(ReasonMarketDataUnavailable, audit.StageRisk, err)
	}
	c.decisions = decisions

	if _, err := c.board.Write(ctx, blackboard.SlotRiskDecisions, decisions, blackboard.RoleRiskGate); err != nil {
		return abort(ReasonBlackboardFault, audit.StageRisk, err)
	}

	counts := map[trading.Outcome]int{}
	for _, d := range decisions {
		counts[d.Outcome]++
	}
	done(audit.StageOK, fmt.Sprintf("%d approved, %d modified, %d rejected",
		counts[trading.OutcomeApprove], counts[trading.OutcomeModify], counts[trading.OutcomeReject]))
	return nil
}

// sizingStage sizes tradable decisions in gate order against a running book,
// then appends unwind sells while the drawdown breaker is in halt. A decision
// that cannot be sized is dropped with an audit note; the cycle continues.
func (e *Engine) sizingStage(ctx context.Context, c *cycle) *AbortError {
	done := e.stage(c, audit.StageSizing)

	book, err := risk.NewBook(&c.portfolio, c.quotes, e.instruments)
	if err != nil {
		return abort(ReasonMarketDataUnavailable, audit.StageSizing, err)
	}

	drop := func(d trading.Decision, reason string) {
		c.record.Drops = append(c.record.Drops, audit.Drop{DecisionID: d.ID, Symbol: d.Proposal.Symbol, Reason: reason})
		e.logger.Warn("signal_dropped", zap.String("cycle_id", c.id), zap.String("decision_id", d.ID),
			zap.String("symbol", d.Proposal.Symbol), zap.String("reason", reason))
	}

	for _, d := range c.decisions {
		if !d.Tradable() {
			continue
		}
		p := d.Proposal
		quote, ok := c.quotes[p.Symbol]
		if !ok {
			drop(d, "no market data")
			continue
		}

		calc, err := e.sizer.Size(sizing.Input{
			Symbol:             p.Symbol,
			Direction:          p.Direction,
			Conviction:         p.Conviction,
			Price:              quote.Price,
			ATRFraction:        quote.ATRFraction,
			PortfolioValue:     c.value,
			RegimeMultiplier:   c.regimeMul,
			DrawdownMultiplier: c.drawdown.Multiplier,
			MaxValue:           d.MaxValue,
			SymbolExposure:     book.SymbolExposure(p.Symbol),
			SectorExposure:     book.SectorExposure(p.Symbol),
			AvailableCash:      book.Cash(),
			HeldQuantity:       book.Held(p.Symbol),
		})
		if err != nil {
			drop(d, err.Error())
			continue
		}
		c.record.Sizing = append(c.record.Sizing, audit.SizingRecord{DecisionID: d.ID, Calculation: calc})

		if !calc.Quantity.IsPositive() {
			drop(d, "sized to zero shares")
			continue
		}

		c.signals = append(c.signals, trading.SizedSignal{
			Symbol:     p.Symbol,
			Direction:  p.Direction,
			Quantity:   calc.Quantity,
			Price:      quote.Price,
			Entry:      p.Entry,
			Stop:       p.Stop,
			Target:     p.Target,
			DecisionID: d.ID,
		})
		book.Fill(p.Symbol, p.Direction, calc.Quantity, quote.Price, quote.ATRFraction)
	}

	if c.drawdown.Halted() {
		c.signals = append(c.signals, e.unwindSignals(c, book)...)
	}

	if _, err := c.board.Write(ctx, blackboard.SlotSizedSignals, c.signals, blackboard.RoleSizing); err != nil {
		return abort(ReasonBlackboardFault, audit.StageSizing, err)
	}

	status := audit.StageOK
	if len(c.record.Drops) > 0 {
		status = audit.StagePartial
	}
	done(status, fmt.Sprintf("%d signals, %d dropped", len(c.signals), len(c.record.Drops)))
	return nil
}

// unwindSignals sells this cycle's share of every holding, net of sells
// already generated from proposals.
func (e *Engine) unwindSignals(c *cycle, book *risk.Book) []trading.SizedSignal {
	var signals []trading.SizedSignal
	for _, symbol := range sortedHoldings(&c.portfolio) {
		start := c.portfolio.Holding(symbol)
		target := c.drawdown.UnwindQuantity(start)
		alreadySold := start.Sub(book.Held(symbol))
		qty := decimal.Min(target.Sub(alreadySold), book.Held(symbol).Floor())
		if !qty.IsPositive() {
			continue
		}

		quote := c.quotes[symbol]
		c.record.Sizing = append(c.record.Sizing, audit.SizingRecord{
			Calculation: sizing.Calculation{
				Input: sizing.Input{
					Symbol:             symbol,
					Direction:          trading.DirectionSell,
					Price:              quote.Price,
					ATRFraction:        quote.ATRFraction,
					PortfolioValue:     c.value,
					DrawdownMultiplier: c.drawdown.Multiplier,
					HeldQuantity:       book.Held(symbol),
				},
				RawQuantity: target,
				Quantity:    qty,
			},
			Unwind: &audit.Unwind{
				Held:        start,
				Fraction:    c.drawdown.UnwindFraction,
				Target:      target,
				AlreadySold: alreadySold,
				Quantity:    qty,
			},
		})
		signals = append(signals, trading.SizedSignal{
			Symbol:    symbol,
			Direction: trading.DirectionSell,
			Quantity:  qty,
			Price:     quote.Price,
			Reason:    ReasonDrawdownUnwind,
		})
		book.Fill(symbol, trading.DirectionSell, qty, quote.Price, quote.ATRFraction)
	}
	return signals
}

func sortedHoldings(p *trading.PortfolioSnapshot) []string {
	symbols := p.Symbols()
	sort.Strings(symbols)
	return symbols
}

func cloneRegime(r trading.Regime) *trading.Regime {
	c := r
	if r.Indicators != nil {
		c.Indicators = make(map[string]decimal.Decimal, len(r.Indicators))
		for k, v := range r.Indicators {
			c.Indicators[k] = v
		}
	}
	return &c
}

func clonePortfolio(p trading.PortfolioSnapshot) trading.PortfolioSnapshot {
	c := p
	c.Positions = append([]trading.Position(nil), p.Positions...)
	return c
}

func cloneQuotes(quotes map[string]trading.Quote) map[string]trading.Quote {
	c := make(map[string]trading.Quote, len(quotes))
	for k, v := range quotes {
		c[k] = v
	}
	return c
}
