// Package blackboard provides the versioned shared-state store for a decision cycle.
//
// # Overview
//
// The blackboard is where every stage of a cycle publishes its result: the
// orchestrator's market and portfolio inputs, the regime assessment, each producer's
// proposals, the Risk Gate's decisions and the final sized signals. Stages never call
// each other directly; they read what earlier stages committed.
//
// # Slots and writers
//
// A slot is a named value with exactly one owning writer role. A Board scopes all
// reads and writes to a single cycle: a slot may be committed once per cycle, later
// commits fail with VersionConflict, and reads before the first commit fail with
// SlotNotReady. Versions are monotonic per slot across cycles, so the last committed
// value of any slot is always recoverable (used for circuit-open fallbacks).
//
// # Persistence
//
// Committed entries are persisted to Redis through Client. Keys and channels are
// namespaced by portfolio so independent portfolios can share one Redis server.
//
//	warren:{portfolio}:cycle:{cycle_id}:slot:{slot}   entry JSON (SETNX)
//	warren:{portfolio}:slot:{slot}:version            INCR counter
//	warren:{portfolio}:slot:{slot}:thread             ZSET cycle_id scored by version
//	warren:{portfolio}:cycle_lock                     per-portfolio cycle lock
//	warren:{portfolio}:provider_health                HASH provider_id -> JSON
//	warren:{portfolio}:drawdown_halt_since            halt start (unix ms)
//	warren:{portfolio}:audit:{cycle_id}               cycle audit record JSON
//	warren:{portfolio}:audit_index                    ZSET cycle_id scored by start time
//	warren:{portfolio}:cycle_events                   Pub/Sub channel
//
// # Usage Example
//
//	board := blackboard.NewBoard(client, blackboard.StandardRegistry("regime", []string{"momentum"}), cycleID)
//	if _, err := board.Write(ctx, blackboard.SlotMarketAnalysis, regime, blackboard.RegimeRole("regime")); err != nil {
//		return err
//	}
//	regime, err := blackboard.ReadAs[trading.Regime](board, blackboard.SlotMarketAnalysis)
package blackboard
