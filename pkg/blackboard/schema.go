package blackboard

import (
	"fmt"

	"github.com/google/uuid"
)

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by portfolio so that
// independent portfolios can run concurrent cycles against a single Redis server.
//
// Key pattern: warren:{portfolio}:{entity}[:{id}]

// CycleSlotKey returns the Redis key holding a slot's committed entry for one cycle.
// Pattern: warren:{portfolio}:cycle:{cycle_id}:slot:{slot}
func CycleSlotKey(portfolio, cycleID, slot string) string {
	return fmt.Sprintf("warren:%s:cycle:%s:slot:%s", portfolio, cycleID, slot)
}

// SlotVersionKey returns the Redis key of a slot's monotonic version counter.
// Pattern: warren:{portfolio}:slot:{slot}:version
func SlotVersionKey(portfolio, slot string) string {
	return fmt.Sprintf("warren:%s:slot:%s:version", portfolio, slot)
}

// SlotThreadKey returns the Redis key of the ZSET tracking every committed version of a slot.
// Members are cycle IDs, scores are versions.
// Pattern: warren:{portfolio}:slot:{slot}:thread
func SlotThreadKey(portfolio, slot string) string {
	return fmt.Sprintf("warren:%s:slot:%s:thread", portfolio, slot)
}

// CycleLockKey returns the Redis key of the per-portfolio cycle lock.
// Pattern: warren:{portfolio}:cycle_lock
func CycleLockKey(portfolio string) string {
	return fmt.Sprintf("warren:%s:cycle_lock", portfolio)
}

// ProviderHealthKey returns the Redis hash of persisted circuit-breaker states.
// Pattern: warren:{portfolio}:provider_health
func ProviderHealthKey(portfolio string) string {
	return fmt.Sprintf("warren:%s:provider_health", portfolio)
}

// DrawdownHaltKey returns the Redis key recording when the drawdown breaker entered halt.
// Pattern: warren:{portfolio}:drawdown_halt_since
func DrawdownHaltKey(portfolio string) string {
	return fmt.Sprintf("warren:%s:drawdown_halt_since", portfolio)
}

// AuditRecordKey returns the Redis key of a cycle's audit record.
// Pattern: warren:{portfolio}:audit:{cycle_id}
func AuditRecordKey(portfolio, cycleID string) string {
	return fmt.Sprintf("warren:%s:audit:%s", portfolio, cycleID)
}

// AuditIndexKey returns the ZSET indexing audit records by cycle start time (ms).
// Pattern: warren:{portfolio}:audit_index
func AuditIndexKey(portfolio string) string {
	return fmt.Sprintf("warren:%s:audit_index", portfolio)
}

// CycleEventsChannel returns the Pub/Sub channel carrying finalized cycle records.
// Pattern: warren:{portfolio}:cycle_events
func CycleEventsChannel(portfolio string) string {
	return fmt.Sprintf("warren:%s:cycle_events", portfolio)
}

// VersionScore converts a slot version to a Redis ZSET score.
func VersionScore(version int64) float64 {
	return float64(version)
}

// VersionFromScore converts a Redis ZSET score back to a slot version.
func VersionFromScore(score float64) int64 {
	return int64(score)
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
