package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - multi-agent trading decision orchestrator",
	Long: `Warren runs decision cycles for a portfolio: a regime producer classifies
the market, trading producers propose trades in parallel, a deterministic risk
gate and position sizer turn proposals into sized signals, and every cycle
leaves an audit record on a Redis-backed blackboard.

Producers are external commands speaking JSON on stdin/stdout. Their health is
tracked by circuit breakers; a portfolio drawdown breaker scales risk down and
halts new positions when losses mount.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Cobra's own error printing is silenced; the
// printer package reports errors.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil && !printer.Reported(err) {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "warren.yml", "Path to the configuration file")
}
