package commands

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/breaker"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
)

var breakerCmd = &cobra.Command{
	Use:   "breaker",
	Short: "Inspect and reset producer circuit breakers",
}

var breakerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the circuit state of every producer",
	Args:  cobra.NoArgs,
	RunE:  runBreakerStatus,
}

var breakerResetCmd = &cobra.Command{
	Use:   "reset PRODUCER",
	Short: "Return a producer's circuit to healthy",
	Long: `Return a producer's circuit to healthy and clear its failure counters.

Use after fixing a producer whose circuit opened, instead of waiting for the
cooldown and a successful recovery attempt.`,
	Args: cobra.ExactArgs(1),
	RunE: runBreakerReset,
}

func init() {
	breakerCmd.AddCommand(breakerStatusCmd, breakerResetCmd)
	rootCmd.AddCommand(breakerCmd)
}

func runBreakerStatus(cmd *cobra.Command, args []string) error {
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

	registry, err := orchestrator.NewBreakerRegistry(cfg, client, nil)
	if err != nil {
		return err
	}
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load breaker state: %w", err)
	}

	// Producers never invoked have no persisted state yet
	states := make(map[string]breaker.Health)
	for _, h := range registry.Snapshot() {
		states[h.ProviderID] = h
	}
	var rows []breaker.Health
	for _, name := range producerNames(cfg.Producers) {
		h, ok := states[name]
		if !ok {
			h = breaker.Health{ProviderID: name, State: breaker.StateHealthy}
		}
		rows = append(rows, h)
	}

	formatBreakers(cmd.OutOrStdout(), rows)
	return nil
}

func runBreakerReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := args[0]
	if _, ok := cfg.Producers[name]; !ok {
		return printer.Error(
			fmt.Sprintf("unknown producer '%s'", name),
			fmt.Sprintf("No producer named '%s' is configured in %s.", name, configPath),
			[]string{"List producers:\n  warren breaker status"},
		)
	}

	ctx := context.Background()
	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	registry, err := orchestrator.NewBreakerRegistry(cfg, client, nil)
	if err != nil {
		return err
	}
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("failed to load breaker state: %w", err)
	}
	previous := registry.State(name)
	if err := registry.Reset(ctx, name); err != nil {
		return fmt.Errorf("failed to reset breaker: %w", err)
	}

	printer.Success("Circuit for '%s' reset (%s → %s)\n", name, previous, breaker.StateHealthy)
	return nil
}

func producerNames(producers map[string]config.Producer) []string {
	names := make([]string, 0, len(producers))
	for name := range producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatBreakers(w io.Writer, rows []breaker.Health) {
	fmt.Fprintf(w, "%-16s %-11s %-9s %-5s %-14s %s\n",
		"PRODUCER", "STATE", "FAILURES", "SLOW", "LAST OUTCOME", "SINCE")
	fmt.Fprintf(w, "%-16s %-11s %-9s %-5s %-14s %s\n",
		"----------------", "-----------", "---------", "-----", "--------------", "--------------------")
	for _, h := range rows {
		since := "-"
		if !h.LastTransition.IsZero() {
			since = h.LastTransition.UTC().Format("2006-01-02 15:04:05")
		}
		outcome := string(h.LastOutcome)
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(w, "%-16s %-11s %-9d %-5d %-14s %s\n",
			h.ProviderID, h.State, h.ConsecutiveFailures, h.ConsecutiveSlow, outcome, since)
	}
}
