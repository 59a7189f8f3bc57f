package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// OutputFormat specifies how a record listing is written.
type OutputFormat string

const (
	// OutputFormatDefault is a table with one row per cycle
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL writes complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Write renders records in format.
func Write(w io.Writer, records []*CycleRecord, portfolio string, format OutputFormat) error {
	switch format {
	case OutputFormatDefault, "":
		FormatTable(w, records, portfolio)
		return nil
	case OutputFormatJSONL:
		return FormatJSONL(w, records)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// FormatTable writes records as a table with columns ID, STARTED, STATUS, DURATION,
// PROPOSALS, DECISIONS, SIGNALS and NOTE. Returns the number of rows written.
func FormatTable(w io.Writer, records []*CycleRecord, portfolio string) int {
	if len(records) == 0 {
		fmt.Fprintf(w, "No cycles found for portfolio '%s'\n", portfolio)
		return 0
	}

	fmt.Fprintf(w, "Cycles for portfolio '%s':\n\n", portfolio)

	fmt.Fprintf(w, "%-10s %-20s %-10s %-9s %-5s %-5s %-5s %s\n",
		"ID", "STARTED", "STATUS", "DURATION", "PROP", "DEC", "SIG", "NOTE")
	fmt.Fprintf(w, "%-10s %-20s %-10s %-9s %-5s %-5s %-5s %s\n",
		"----------", "--------------------", "----------", "---------", "-----", "-----", "-----", "------------------------------")

	for _, r := range records {
		proposals, decisions, signals := r.Counts()
		fmt.Fprintf(w, "%-10s %-20s %-10s %-9s %-5d %-5d %-5d %s\n",
			formatID(r.CycleID),
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			r.Status,
			formatDuration(r.FinishedAt.Sub(r.StartedAt)),
			proposals,
			decisions,
			signals,
			formatNote(r),
		)
	}

	countMsg := "cycle"
	if len(records) != 1 {
		countMsg = "cycles"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(records), countMsg)

	return len(records)
}

// FormatJSONL writes each record as a single JSON line, for jq and friends.
func FormatJSONL(w io.Writer, records []*CycleRecord) error {
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal cycle record to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one record as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, record *CycleRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cycle record to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// formatID truncates a cycle ID to its first 8 characters.
func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

// formatNote shows the abort reason, or the skipped and dropped counts.
func formatNote(r *CycleRecord) string {
	if r.AbortReason != "" {
		return truncate(r.AbortReason, 30)
	}
	if len(r.Skips) == 0 && len(r.Drops) == 0 {
		return "-"
	}
	return fmt.Sprintf("%d skipped, %d dropped", len(r.Skips), len(r.Drops))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
