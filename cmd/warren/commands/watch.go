package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/watch"
)

var (
	watchOutputFormat string
	watchCount        int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream cycle outcomes as they finish",
	Long: `Stream every cycle record of the portfolio as soon as it is finalized,
whether the cycle ran under 'warren serve' or 'warren run'.

Output Formats:
  default - one summary line per cycle
  json    - complete records, one per line

Examples:
  # Follow a scheduled portfolio
  warren watch

  # Wait for the next cycle and pipe its record to jq
  warren watch --count=1 -o json | jq '.signals'`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().IntVar(&watchCount, "count", 0, "Exit after this many cycles (0 streams until interrupted)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	format := watch.OutputFormat(watchOutputFormat)
	if format != watch.OutputFormatDefault && format != watch.OutputFormatJSON {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if format == watch.OutputFormatDefault {
		printer.Info("Watching portfolio '%s'...\n", cfg.Portfolio)
	}
	if err := watch.Stream(ctx, client, cmd.OutOrStdout(), watch.Options{Format: format, Count: watchCount}); err != nil {
		return fmt.Errorf("failed to stream cycle events: %w", err)
	}
	return nil
}
