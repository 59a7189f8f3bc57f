package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/logging"
)

// Store persists provider health across process restarts.
// *blackboard.Client satisfies it.
type Store interface {
	SaveProviderHealth(ctx context.Context, providerID string, data []byte) error
	LoadProviderHealth(ctx context.Context) (map[string]string, error)
	DeleteProviderHealth(ctx context.Context, providerID string) error
}

// Permit is the registry's answer to "may this provider run now?".
type Permit struct {
	Allowed bool
	State   State
	Budget  time.Duration // time budget to use, shortened while degraded
}

// Registry is the process-wide set of provider breakers. It is created once at
// startup, mutated only through Allow, Record and Reset, and is safe for
// concurrent use by the producers of a cycle.
type Registry struct {
	mu         sync.Mutex
	store      Store
	defaults   Thresholds
	thresholds map[string]Thresholds
	providers  map[string]*Health
	logger     *zap.Logger
	now        func() time.Time
}

// NewRegistry creates a registry. store may be nil for an in-memory registry.
func NewRegistry(store Store, defaults Thresholds, logger *zap.Logger) (*Registry, error) {
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker thresholds: %w", err)
	}
	return &Registry{
		store:      store,
		defaults:   defaults,
		thresholds: make(map[string]Thresholds),
		providers:  make(map[string]*Health),
		logger:     logging.OrNop(logger).With(zap.String("component", "breaker")),
		now:        time.Now,
	}, nil
}

// SetClock replaces the registry clock. Used by tests and simulations.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetLatencyThreshold overrides the latency threshold for one provider.
func (r *Registry) SetLatencyThreshold(providerID string, threshold time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.defaults
	t.LatencyThreshold = threshold
	r.thresholds[providerID] = t
}

// Load restores persisted provider health. Unparseable entries are logged and
// reset to healthy rather than failing startup.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.LoadProviderHealth(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, raw := range states {
		var h Health
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			r.logger.Warn("discarding unreadable provider health", zap.String("provider", id), zap.Error(err))
			continue
		}
		h.ProviderID = id
		r.providers[id] = &h
	}
	r.logger.Info("provider health loaded", zap.Int("providers", len(r.providers)))
	return nil
}

// Allow decides whether providerID may be invoked now and with what budget.
func (r *Registry) Allow(ctx context.Context, providerID string, budget time.Duration) (Permit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.health(providerID)
	t := r.thresholdsFor(providerID)
	allowed, tr := h.admit(t, r.now())

	permit := Permit{Allowed: allowed, State: h.State, Budget: budget}
	if h.State == StateDegraded {
		permit.Budget = scale(budget, t.DegradedTimeoutFactor)
	}

	if tr != nil {
		r.logTransition(tr)
		if err := r.persist(ctx, h); err != nil {
			return permit, err
		}
	}
	return permit, nil
}

// Record applies the outcome of one invocation. It returns the transition the
// outcome caused, or nil.
func (r *Registry) Record(ctx context.Context, providerID string, outcome Outcome, latency time.Duration) (*Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.health(providerID)
	tr := h.record(r.thresholdsFor(providerID), outcome, latency, r.now())
	if tr != nil {
		r.logTransition(tr)
	}
	return tr, r.persist(ctx, h)
}

// Reset returns a provider to healthy. This is the operator override.
func (r *Registry) Reset(ctx context.Context, providerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := StateHealthy
	if h, ok := r.providers[providerID]; ok {
		prev = h.State
	}
	r.providers[providerID] = newHealth(providerID, r.now())

	if r.store != nil {
		if err := r.store.DeleteProviderHealth(ctx, providerID); err != nil {
			return err
		}
	}
	r.logger.Info("breaker_reset", zap.String("provider", providerID), zap.String("from", string(prev)))
	return nil
}

// State returns the current state of a provider, healthy if never seen.
func (r *Registry) State(providerID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.providers[providerID]; ok {
		return h.State
	}
	return StateHealthy
}

// Snapshot returns a copy of every known provider's health, ordered by ID.
func (r *Registry) Snapshot() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Health, 0, len(r.providers))
	for _, h := range r.providers {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func (r *Registry) health(providerID string) *Health {
	h, ok := r.providers[providerID]
	if !ok {
		h = newHealth(providerID, r.now())
		r.providers[providerID] = h
	}
	return h
}

func (r *Registry) thresholdsFor(providerID string) Thresholds {
	if t, ok := r.thresholds[providerID]; ok {
		return t
	}
	return r.defaults
}

func (r *Registry) persist(ctx context.Context, h *Health) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal provider health: %w", err)
	}
	return r.store.SaveProviderHealth(ctx, h.ProviderID, data)
}

func (r *Registry) logTransition(tr *Transition) {
	r.logger.Info("breaker_transition",
		zap.String("provider", tr.ProviderID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("reason", tr.Reason),
	)
}

func scale(d time.Duration, factor decimal.Decimal) time.Duration {
	return time.Duration(decimal.NewFromInt(int64(d)).Mul(factor).IntPart())
}
