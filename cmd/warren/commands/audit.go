package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/timespec"
)

var (
	auditOutputFormat string
	auditSince        string
	auditUntil        string
	auditStatus       string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect cycle audit records",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cycles with filtering",
	Long: `List the portfolio's cycles, oldest first.

Output Formats:
  default - table with ID, start time, status, duration and counts
  jsonl   - complete records, one per line

Filters:
  --since, --until - duration ("36h", "7d"), date ("2025-03-03") or RFC3339
  --status         - completed, partial or aborted

Examples:
  # Last week's aborted cycles
  warren audit list --since=7d --status=aborted

  # Signals of every cycle today, for jq
  warren audit list --since=24h -o jsonl | jq '.signals'`,
	Args: cobra.NoArgs,
	RunE: runAuditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show CYCLE_ID",
	Short: "Show one cycle's complete record",
	Long: `Print a cycle's audit record as pretty JSON.

CYCLE_ID may be shortened to any unique prefix of at least 6 characters.`,
	Args: cobra.ExactArgs(1),
	RunE: runAuditShow,
}

func init() {
	auditListCmd.Flags().StringVarP(&auditOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show cycles started after this time")
	auditListCmd.Flags().StringVar(&auditUntil, "until", "", "Show cycles started before this time")
	auditListCmd.Flags().StringVar(&auditStatus, "status", "", "Filter by status")

	auditCmd.AddCommand(auditListCmd, auditShowCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditList(cmd *cobra.Command, args []string) error {
	format := audit.OutputFormat(auditOutputFormat)
	if format != audit.OutputFormatDefault && format != audit.OutputFormatJSONL {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", auditOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	filter := audit.Filter{Status: audit.Status(auditStatus)}
	if auditStatus != "" {
		if err := filter.Status.Validate(); err != nil {
			return printer.Error("invalid status filter", err.Error(), []string{"Valid statuses: completed, partial, aborted"})
		}
	}

	var err error
	filter.SinceMs, filter.UntilMs, err = timespec.ParseRange(auditSince, auditUntil, time.Now())
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use a duration like '36h' or '7d', a date like '2025-03-03', or RFC3339"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	records, err := audit.NewStore(client, nil).List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list cycles: %w", err)
	}
	return audit.Write(cmd.OutOrStdout(), records, cfg.Portfolio, format)
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	store := audit.NewStore(client, nil)
	prefix := args[0]

	fullID, err := store.Resolve(ctx, prefix)
	if err != nil {
		if audit.IsNotFound(err) {
			return printer.Error(
				fmt.Sprintf("cycle with ID '%s' not found", prefix),
				fmt.Sprintf("No audit record exists for portfolio '%s'.", cfg.Portfolio),
				[]string{"List cycles:\n  warren audit list"},
			)
		}
		if audit.IsAmbiguous(err) {
			fmt.Fprintln(os.Stderr, audit.FormatAmbiguousError(err.(*audit.AmbiguousError)))
			return fmt.Errorf("ambiguous short ID")
		}
		return printer.Error("invalid cycle ID", err.Error(), nil)
	}

	record, err := store.Get(ctx, fullID)
	if err != nil {
		return fmt.Errorf("failed to get cycle: %w", err)
	}
	return audit.FormatSingleJSON(cmd.OutOrStdout(), record)
}
