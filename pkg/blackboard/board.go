package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Reader is implemented by anything that can serve committed slot values.
type Reader interface {
	Read(slot string) (*Entry, error)
}

// Board is the blackboard scoped to a single cycle. It enforces single-writer-per-slot
// and commit-once-per-cycle, and persists every commit through the Client.
// A Board is safe for concurrent use by the producers of one cycle.
type Board struct {
	client   *Client
	registry *Registry
	cycleID  string
	now      func() time.Time

	mu        sync.RWMutex
	committed map[string]*Entry
	pending   map[string]bool
	closed    bool
}

// NewBoard creates the board for cycleID. Nothing from earlier cycles is visible
// through Read; use Client.LatestCommitted for explicit carry-over.
func NewBoard(client *Client, registry *Registry, cycleID string) *Board {
	return &Board{
		client:    client,
		registry:  registry,
		cycleID:   cycleID,
		now:       time.Now,
		committed: make(map[string]*Entry),
		pending:   make(map[string]bool),
	}
}

// CycleID returns the cycle this board belongs to.
func (b *Board) CycleID() string {
	return b.cycleID
}

// Write commits value to slot on behalf of writer.
//
// Fails with UnauthorizedWriter if writer does not own the slot (or the slot is not
// registered), and with VersionConflict if the slot was already committed in this
// cycle or the board has been closed.
func (b *Board) Write(ctx context.Context, slot string, value any, writer Role) (*Entry, error) {
	raw, err := encodeValue(value)
	if err != nil {
		return nil, fmt.Errorf("slot %s: %w", slot, err)
	}
	return b.commit(ctx, &Entry{Slot: slot, Writer: writer, Value: raw})
}

// WriteFallback commits a value carried over from an earlier cycle, on behalf of the
// slot owner. The new entry is flagged as a fallback and references the cycle that
// originally produced the value.
func (b *Board) WriteFallback(ctx context.Context, slot string, prior *Entry, writer Role) (*Entry, error) {
	if prior == nil {
		return nil, fmt.Errorf("slot %s: no prior entry to fall back to", slot)
	}
	source := prior.CycleID
	if prior.Fallback {
		source = prior.SourceCycleID
	}

	value := make(json.RawMessage, len(prior.Value))
	copy(value, prior.Value)

	return b.commit(ctx, &Entry{
		Slot:          slot,
		Writer:        writer,
		Value:         value,
		Fallback:      true,
		SourceCycleID: source,
	})
}

func (b *Board) commit(ctx context.Context, e *Entry) (*Entry, error) {
	owner, ok := b.registry.Owner(e.Slot)
	if !ok {
		return nil, &Error{Kind: KindUnauthorizedWriter, Slot: e.Slot, CycleID: b.cycleID, Detail: "slot is not registered"}
	}
	if owner != e.Writer {
		return nil, &Error{Kind: KindUnauthorizedWriter, Slot: e.Slot, CycleID: b.cycleID,
			Detail: fmt.Sprintf("writer %q is not the owner %q", e.Writer, owner)}
	}

	// Reserve the slot so concurrent writers cannot race past the commit-once check
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, &Error{Kind: KindVersionConflict, Slot: e.Slot, CycleID: b.cycleID, Detail: "cycle is finalized"}
	}
	if _, done := b.committed[e.Slot]; done || b.pending[e.Slot] {
		b.mu.Unlock()
		return nil, &Error{Kind: KindVersionConflict, Slot: e.Slot, CycleID: b.cycleID, Detail: "slot already committed in this cycle"}
	}
	b.pending[e.Slot] = true
	b.mu.Unlock()

	entry, err := b.persist(ctx, e)

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, e.Slot)
	if err != nil {
		return nil, err
	}
	b.committed[e.Slot] = entry
	return entry, nil
}

func (b *Board) persist(ctx context.Context, e *Entry) (*Entry, error) {
	version, err := b.client.NextVersion(ctx, e.Slot)
	if err != nil {
		return nil, err
	}

	entry := *e
	entry.CycleID = b.cycleID
	entry.Version = version
	entry.CommittedAtMs = b.now().UnixMilli()

	committed, err := b.client.CommitEntry(ctx, &entry)
	if err != nil {
		return nil, err
	}
	if !committed {
		// Another process committed this slot for the same cycle
		return nil, &Error{Kind: KindVersionConflict, Slot: e.Slot, CycleID: b.cycleID, Detail: "slot already committed in store"}
	}
	return &entry, nil
}

// Read returns the value committed to slot in this cycle, or SlotNotReady.
func (b *Board) Read(slot string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.committed[slot]
	if !ok {
		return nil, &Error{Kind: KindSlotNotReady, Slot: slot, CycleID: b.cycleID}
	}
	return e.clone(), nil
}

// Snapshot returns an immutable view of everything committed so far.
// Later commits to the board are not visible through the view.
func (b *Board) Snapshot() View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := make(map[string]*Entry, len(b.committed))
	for slot, e := range b.committed {
		entries[slot] = e.clone()
	}
	return View{cycleID: b.cycleID, entries: entries}
}

// Close finalizes the board. Any later write fails with VersionConflict.
func (b *Board) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// View is a read-only snapshot of a board at a point in time.
type View struct {
	cycleID string
	entries map[string]*Entry
}

// CycleID returns the cycle the view was taken from.
func (v View) CycleID() string {
	return v.cycleID
}

// Read returns a copy of the entry for slot, or SlotNotReady.
func (v View) Read(slot string) (*Entry, error) {
	e, ok := v.entries[slot]
	if !ok {
		return nil, &Error{Kind: KindSlotNotReady, Slot: slot, CycleID: v.cycleID}
	}
	return e.clone(), nil
}

// Slots returns the committed slot names in lexical order.
func (v View) Slots() []string {
	names := make([]string, 0, len(v.entries))
	for name := range v.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadAs reads slot from r and decodes it into T.
func ReadAs[T any](r Reader, slot string) (T, error) {
	e, err := r.Read(slot)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](e)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Value = make(json.RawMessage, len(e.Value))
	copy(c.Value, e.Value)
	return &c
}
