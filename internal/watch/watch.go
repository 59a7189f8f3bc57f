// Package watch streams finalized cycle records as they are published.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/breaker"
	"github.com/dyluth/warren/pkg/blackboard"
)

// OutputFormat specifies how cycle events are written.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// Options control a stream.
type Options struct {
	Format OutputFormat
	// Count stops the stream after this many cycles. Zero streams until ctx ends.
	Count int
}

// Stream writes each cycle record published for the client's portfolio to w.
// It returns nil when ctx is cancelled or Count records have been written.
func Stream(ctx context.Context, client *blackboard.Client, w io.Writer, opts Options) error {
	sub, err := client.SubscribeCycleEvents(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer sub.Close()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(w, payload, opts.Format); err != nil {
				return err
			}
			seen++
			if opts.Count > 0 && seen >= opts.Count {
				return nil
			}
		}
	}
}

func writeEvent(w io.Writer, payload json.RawMessage, format OutputFormat) error {
	if format == OutputFormatJSON {
		_, err := fmt.Fprintf(w, "%s\n", payload)
		return err
	}

	var record audit.CycleRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return fmt.Errorf("failed to decode cycle event: %w", err)
	}
	_, err := fmt.Fprintln(w, FormatRecord(&record))
	return err
}

// FormatRecord renders a one-line summary of a finalized cycle.
func FormatRecord(r *audit.CycleRecord) string {
	ts := r.FinishedAt.Local().Format(time.TimeOnly)
	id := r.CycleID
	if len(id) > 8 {
		id = id[:8]
	}

	switch r.Status {
	case audit.StatusAborted:
		line := fmt.Sprintf("[%s] ⛔ cycle %s aborted: %s", ts, id, r.AbortReason)
		if r.AbortDetail != "" {
			line += " (" + r.AbortDetail + ")"
		}
		return line
	case audit.StatusPartial:
		return fmt.Sprintf("[%s] ⚠️  cycle %s partial: %s", ts, id, summary(r))
	default:
		return fmt.Sprintf("[%s] ✅ cycle %s completed: %s", ts, id, summary(r))
	}
}

func summary(r *audit.CycleRecord) string {
	regime := "-"
	if r.Regime != nil {
		regime = r.Regime.Label
		if r.RegimeFallback {
			regime += "*"
		}
	}
	proposals, decisions, signals := r.Counts()
	s := fmt.Sprintf("regime=%s proposals=%d decisions=%d signals=%d", regime, proposals, decisions, signals)
	if r.Drawdown != nil && r.Drawdown.Mode != "" && r.Drawdown.Mode != breaker.ModeNormal {
		s += fmt.Sprintf(" drawdown=%s", r.Drawdown.Mode)
	}
	if len(r.Skips) > 0 {
		s += fmt.Sprintf(" skipped=%d", len(r.Skips))
	}
	if len(r.Drops) > 0 {
		s += fmt.Sprintf(" dropped=%d", len(r.Drops))
	}
	return s
}
