// Package audit builds, persists and presents the per-cycle audit record: the
// explainability artifact documenting what every stage, producer and breaker did.
package audit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dyluth/warren/internal/breaker"
	"github.com/dyluth/warren/internal/producer"
	"github.com/dyluth/warren/internal/sizing"
	"github.com/dyluth/warren/pkg/trading"
)

// Status is a cycle's terminal status.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial" // at least one fallback, skip or producer failure
	StatusAborted   Status = "aborted"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusCompleted, StatusPartial, StatusAborted:
		return nil
	default:
		return fmt.Errorf("unknown cycle status: %q", s)
	}
}

// Stage names, in pipeline order.
const (
	StageInit     = "init"
	StageRegime   = "regime"
	StageProposal = "proposal"
	StageRisk     = "risk"
	StageSizing   = "sizing"
	StageFinalize = "finalize"
)

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StagePartial StageStatus = "partial"
	StageFailed  StageStatus = "failed"
)

// StageRecord documents one stage of a cycle.
type StageRecord struct {
	Stage      string      `json:"stage"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Status     StageStatus `json:"status"`
	Detail     string      `json:"detail,omitempty"`
}

// Skip records a producer that was not invoked because its circuit was open.
type Skip struct {
	ProducerID    string `json:"producer_id"`
	State         string `json:"state"`
	Fallback      bool   `json:"fallback"` // last committed value substituted
	SourceCycleID string `json:"source_cycle_id,omitempty"`
}

// SizingRecord is one sizing calculation, with the decision it sized. Drawdown
// unwind sells have no decision; they carry the unwind arithmetic instead.
type SizingRecord struct {
	DecisionID  string             `json:"decision_id,omitempty"`
	Calculation sizing.Calculation `json:"calculation"`
	Unwind      *Unwind            `json:"unwind,omitempty"`
}

// Unwind records how a drawdown halt sell was sized.
type Unwind struct {
	Held        decimal.Decimal `json:"held"` // at cycle start
	Fraction    decimal.Decimal `json:"fraction"`
	Target      decimal.Decimal `json:"target"` // ceil(held × fraction)
	AlreadySold decimal.Decimal `json:"already_sold"`
	Quantity    decimal.Decimal `json:"quantity"`
}

// Drop records a tradable decision that produced no signal.
type Drop struct {
	DecisionID string `json:"decision_id"`
	Symbol     string `json:"symbol"`
	Reason     string `json:"reason"`
}

// CycleRecord is the complete audit record of one cycle. It is written for every
// cycle, including aborted ones.
type CycleRecord struct {
	CycleID     string    `json:"cycle_id"`
	Portfolio   string    `json:"portfolio"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      Status    `json:"status"`
	AbortReason string    `json:"abort_reason,omitempty"`
	AbortDetail string    `json:"abort_detail,omitempty"`

	Regime         *trading.Regime `json:"regime,omitempty"`
	RegimeFallback bool            `json:"regime_fallback,omitempty"`

	Stages      []StageRecord         `json:"stages"`
	Invocations []producer.Invocation `json:"invocations"`
	Skips       []Skip                `json:"skips,omitempty"`
	Decisions   []trading.Decision    `json:"decisions"`
	Sizing      []SizingRecord        `json:"sizing"`
	Drops       []Drop                `json:"drops,omitempty"`
	Signals     []trading.SizedSignal `json:"signals"`

	Breakers []breaker.Health    `json:"breakers"`
	Drawdown *breaker.Assessment `json:"drawdown,omitempty"`
}

// StartedAtMs returns the start time in Unix milliseconds, the audit index score.
func (r *CycleRecord) StartedAtMs() int64 {
	return r.StartedAt.UnixMilli()
}

// Counts summarises the record for listings.
func (r *CycleRecord) Counts() (proposals, decisions, signals int) {
	for _, inv := range r.Invocations {
		proposals += inv.Proposals
	}
	return proposals, len(r.Decisions), len(r.Signals)
}

// Collector gathers producer invocations from concurrently running adapters.
// It implements producer.Recorder.
type Collector struct {
	mu          sync.Mutex
	invocations []producer.Invocation
}

// RecordInvocation appends inv.
func (c *Collector) RecordInvocation(inv producer.Invocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invocations = append(c.invocations, inv)
}

// Invocations returns the collected entries, regime producer first and then by
// producer ID, so records do not depend on completion order.
func (c *Collector) Invocations() []producer.Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]producer.Invocation, len(c.invocations))
	copy(out, c.invocations)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == producer.KindRegime
		}
		return out[i].ProducerID < out[j].ProducerID
	})
	return out
}
