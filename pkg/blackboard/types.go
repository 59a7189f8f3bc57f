package blackboard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Role identifies a logical writer on the blackboard.
type Role string

const (
	// RoleOrchestrator writes the cycle inputs (portfolio and market data)
	RoleOrchestrator Role = "orchestrator"

	// RoleRiskGate writes the Risk Gate decisions
	RoleRiskGate Role = "risk_gate"

	// RoleSizing writes the final sized signals
	RoleSizing Role = "sizing"
)

// Standard slot names.
const (
	SlotPortfolio      = "portfolio"
	SlotMarketData     = "market_data"
	SlotMarketAnalysis = "market_analysis"
	SlotRiskDecisions  = "risk_decisions"
	SlotSizedSignals   = "sized_signals"

	proposalSlotPrefix = "proposals/"
)

// RegimeRole returns the writer role of a regime producer.
func RegimeRole(producerID string) Role {
	return Role("regime:" + producerID)
}

// ProducerRole returns the writer role of a trading producer.
func ProducerRole(producerID string) Role {
	return Role("producer:" + producerID)
}

// ProposalSlot returns the slot a trading producer commits its proposals to.
// Each producer owns its own slot so that parallel producers never share a writer.
func ProposalSlot(producerID string) string {
	return proposalSlotPrefix + producerID
}

// IsProposalSlot reports whether slot holds a producer's proposals.
func IsProposalSlot(slot string) bool {
	return strings.HasPrefix(slot, proposalSlotPrefix)
}

// SlotSpec declares a slot and its single owning writer role.
type SlotSpec struct {
	Name  string `json:"name"`
	Owner Role   `json:"owner"`
}

// Registry maps slot names to their owners. It is immutable after construction.
type Registry struct {
	slots map[string]SlotSpec
}

// NewRegistry builds a registry from slot specs.
// Returns an error on duplicate slot names or empty names/owners.
func NewRegistry(specs ...SlotSpec) (*Registry, error) {
	slots := make(map[string]SlotSpec, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("slot name cannot be empty")
		}
		if s.Owner == "" {
			return nil, fmt.Errorf("slot %q has no owner", s.Name)
		}
		if _, exists := slots[s.Name]; exists {
			return nil, fmt.Errorf("duplicate slot %q", s.Name)
		}
		slots[s.Name] = s
	}
	return &Registry{slots: slots}, nil
}

// StandardRegistry declares the slots used by a decision cycle with one regime
// producer and the given trading producers. Producer IDs are assumed unique
// (config validation guarantees it), so construction cannot fail.
func StandardRegistry(regimeProducer string, tradingProducers []string) *Registry {
	specs := []SlotSpec{
		{Name: SlotPortfolio, Owner: RoleOrchestrator},
		{Name: SlotMarketData, Owner: RoleOrchestrator},
		{Name: SlotMarketAnalysis, Owner: RegimeRole(regimeProducer)},
		{Name: SlotRiskDecisions, Owner: RoleRiskGate},
		{Name: SlotSizedSignals, Owner: RoleSizing},
	}
	for _, id := range tradingProducers {
		specs = append(specs, SlotSpec{Name: ProposalSlot(id), Owner: ProducerRole(id)})
	}

	reg, err := NewRegistry(specs...)
	if err != nil {
		panic(fmt.Sprintf("blackboard: invalid standard registry: %v", err))
	}
	return reg
}

// Owner returns the owning role for slot.
func (r *Registry) Owner(slot string) (Role, bool) {
	s, ok := r.slots[slot]
	return s.Owner, ok
}

// Slots returns all registered slot names in lexical order.
func (r *Registry) Slots() []string {
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entry is one committed version of a slot. Entries are never mutated after commit.
type Entry struct {
	Slot          string          `json:"slot"`
	CycleID       string          `json:"cycle_id"`
	Version       int64           `json:"version"`  // monotonic per slot across cycles
	Writer        Role            `json:"writer"`   // role that committed (always the slot owner)
	Value         json.RawMessage `json:"value"`    // JSON-encoded typed value
	CommittedAtMs int64           `json:"committed_at_ms"`

	// Fallback marks a value carried over from an earlier cycle (circuit-open substitution)
	Fallback      bool   `json:"fallback,omitempty"`
	SourceCycleID string `json:"source_cycle_id,omitempty"`
}

// Validate checks if the Entry has valid field values.
func (e *Entry) Validate() error {
	if e.Slot == "" {
		return fmt.Errorf("slot cannot be empty")
	}
	if !isValidUUID(e.CycleID) {
		return fmt.Errorf("invalid cycle ID: not a valid UUID")
	}
	if e.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", e.Version)
	}
	if e.Writer == "" {
		return fmt.Errorf("writer cannot be empty")
	}
	if len(e.Value) == 0 || !json.Valid(e.Value) {
		return fmt.Errorf("value must be valid JSON")
	}
	if e.Fallback && !isValidUUID(e.SourceCycleID) {
		return fmt.Errorf("fallback entry must reference its source cycle")
	}
	return nil
}

// Decode unmarshals an entry's value into T.
func Decode[T any](e *Entry) (T, error) {
	var v T
	if e == nil {
		return v, fmt.Errorf("nil entry")
	}
	if err := json.Unmarshal(e.Value, &v); err != nil {
		return v, fmt.Errorf("failed to decode slot %s: %w", e.Slot, err)
	}
	return v, nil
}
