package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/scheduler"
)

var serveSchedule string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run decision cycles on a schedule",
	Long: `Run decision cycles on the configured cron schedule until interrupted.

The schedule has six fields with seconds first (e.g. "0 30 21 * * 1-5") or a
descriptor such as @daily. A tick that fires while a cycle is still running is
skipped. When health.addr is configured, GET /healthz reports Redis
connectivity and producer circuit states.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveSchedule, "schedule", "", "Override the configured schedule")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	schedule := cfg.Schedule
	if serveSchedule != "" {
		schedule = serveSchedule
	}
	if schedule == "" {
		return printer.Error(
			"no schedule configured",
			"warren serve needs a cron schedule.",
			[]string{fmt.Sprintf("Set schedule in %s", configPath), "Pass one:\n  warren serve --schedule @daily"},
		)
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

	runner := scheduler.New(logger, ctx)
	id, err := runner.Add(schedule, func(ctx context.Context) {
		res, err := engine.RunCycle(ctx)
		var ab *orchestrator.AbortError
		switch {
		case errors.As(err, &ab):
			// Already logged and audited by the engine
		case err != nil:
			logger.Error("cycle failed", zap.Error(err))
		default:
			logger.Debug("cycle done", zap.String("cycle_id", res.CycleID), zap.String("status", string(res.Status)))
		}
	})
	if err != nil {
		return printer.Error("invalid schedule", err.Error(), nil)
	}

	var health *orchestrator.HealthServer
	if cfg.Health != nil {
		health = orchestrator.NewHealthServer(cfg.Health.Addr, client, engine.Breakers(), logger)
		if err := health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	runner.Start()
	printer.Success("Serving portfolio '%s' on schedule %q (next cycle %s)\n", cfg.Portfolio, schedule, runner.Next(id))

	<-ctx.Done()
	printer.Info("Shutting down, waiting for any running cycle...\n")
	runner.Stop()

	if health != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := health.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown", zap.Error(err))
		}
	}
	printer.Info("Stopped\n")
	return nil
}
