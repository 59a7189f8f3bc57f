package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/audit"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
)

var runOutput string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one decision cycle now",
	Long: `Run a single decision cycle for the configured portfolio and print its outcome.

The cycle's signals are appended to feed.signals_file when one is configured.
An aborted cycle exits non-zero; its audit record is still written.

Output Formats:
  default - summary with the sized signals
  json    - the complete audit record`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runOutput != "default" && runOutput != "json" {
		return printer.Error("invalid output format", fmt.Sprintf("Unknown format: %s", runOutput), []string{"Valid formats: default, json"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	engine, err := newEngine(cfg, client, logger)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to load breaker state: %w", err)
	}

	res, err := engine.RunCycle(ctx)
	if res != nil && runOutput == "json" {
		if ferr := audit.FormatSingleJSON(cmd.OutOrStdout(), res.Record); ferr != nil {
			return ferr
		}
	}

	var ab *orchestrator.AbortError
	if errors.As(err, &ab) {
		return printer.ErrorWithContext(
			"cycle aborted",
			"No signals were emitted; existing positions are held.",
			map[string]string{"Cycle": ab.CycleID, "Reason": string(ab.Reason), "Stage": ab.Stage, "Detail": res.Record.AbortDetail},
			[]string{fmt.Sprintf("Inspect the record:\n  warren audit show %s", shortID(ab.CycleID))},
		)
	}
	if err != nil {
		return err
	}

	if runOutput == "default" {
		printResult(cmd.OutOrStdout(), res)
	}
	return nil
}

func printResult(w io.Writer, res *orchestrator.Result) {
	r := res.Record
	proposals, decisions, signals := r.Counts()
	fmt.Fprintf(w, "Cycle %s %s in %s\n", res.CycleID, printer.State(string(res.Status)), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Regime != nil {
		note := ""
		if r.RegimeFallback {
			note = " (carried over)"
		}
		fmt.Fprintf(w, "Regime: %s%s\n", r.Regime.Label, note)
	}
	if r.Drawdown != nil {
		fmt.Fprintf(w, "Drawdown: %s (%s)\n", r.Drawdown.Drawdown, printer.State(string(r.Drawdown.Mode)))
	}
	fmt.Fprintf(w, "Proposals: %d  Decisions: %d  Signals: %d\n", proposals, decisions, signals)

	for _, s := range r.Skips {
		fmt.Fprintf(w, "  skipped %s (circuit %s, fallback %t)\n", s.ProducerID, printer.State(s.State), s.Fallback)
	}
	for _, d := range r.Drops {
		fmt.Fprintf(w, "  dropped %s: %s\n", d.Symbol, d.Reason)
	}
	if len(res.Signals) > 0 {
		fmt.Fprintln(w)
		for _, s := range res.Signals {
			fmt.Fprintf(w, "  %-4s %-8s %s @ %s", s.Direction, s.Symbol, s.Quantity, s.Price)
			if s.Reason != "" {
				fmt.Fprintf(w, "  %s", printer.Muted(s.Reason))
			}
			fmt.Fprintln(w)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
