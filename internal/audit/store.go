package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/pkg/blackboard"
)

// MinShortIDLength is the minimum required length for short cycle ID prefixes.
const MinShortIDLength = 6

// Filter narrows a record listing. All criteria are ANDed; zero values are open.
type Filter struct {
	SinceMs int64
	UntilMs int64
	Status  Status
}

func (f *Filter) matches(r *CycleRecord) bool {
	return f.Status == "" || r.Status == f.Status
}

// Store reads audit records back from Redis.
type Store struct {
	client *blackboard.Client
	logger *zap.Logger
}

// NewStore creates a store over client.
func NewStore(client *blackboard.Client, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logging.OrNop(logger)}
}

// Get returns the record for cycleID, or a *NotFoundError.
func (s *Store) Get(ctx context.Context, cycleID string) (*CycleRecord, error) {
	raw, err := s.client.GetCycleRecord(ctx, cycleID)
	if err != nil {
		if blackboard.IsNotFound(err) {
			return nil, &NotFoundError{ID: cycleID}
		}
		return nil, err
	}

	var record CycleRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode cycle record %s: %w", cycleID, err)
	}
	return &record, nil
}

// List returns records matching filter, oldest first. Malformed records are
// skipped with a warning.
func (s *Store) List(ctx context.Context, filter Filter) ([]*CycleRecord, error) {
	ids, err := s.client.ListCycleIDs(ctx, filter.SinceMs, filter.UntilMs)
	if err != nil {
		return nil, err
	}

	records := make([]*CycleRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable cycle record", zap.String("cycle_id", id), zap.Error(err))
			continue
		}
		if !filter.matches(record) {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Resolve expands a short cycle ID prefix to the full ID.
//
// A full UUID is checked for existence and returned as-is. Shorter input must be
// at least MinShortIDLength characters and match exactly one record.
func (s *Store) Resolve(ctx context.Context, shortID string) (string, error) {
	if _, err := uuid.Parse(shortID); err == nil && len(shortID) == 36 {
		if _, err := s.client.GetCycleRecord(ctx, shortID); err != nil {
			if blackboard.IsNotFound(err) {
				return "", &NotFoundError{ID: shortID}
			}
			return "", fmt.Errorf("failed to verify cycle record: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := s.client.ScanCycleIDs(ctx, strings.ToLower(shortID))
	if err != nil {
		return "", fmt.Errorf("failed to search for cycle record: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no cycle record matched.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no cycle record found matching '%s'", e.ID)
}

// AmbiguousError indicates several cycle records matched a short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d cycles", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists the matching IDs (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous short ID '%s' matches %d cycles:\n", err.ShortID, len(err.Matches))

	displayCount := len(err.Matches)
	if displayCount > 10 {
		displayCount = 10
	}
	for i := 0; i < displayCount; i++ {
		fmt.Fprintf(&b, "  %s\n", err.Matches[i])
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the cycle.")
	return b.String()
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguous reports whether err is an AmbiguousError.
func IsAmbiguous(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
