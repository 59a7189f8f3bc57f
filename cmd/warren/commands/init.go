package commands

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/scaffold"
)

var (
	forceInit     bool
	initPortfolio string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new warren project",
	Long: `Initialize a new warren project in the current directory.

Creates:
  • warren.yml - portfolio configuration
  • producers/regime.sh, producers/momentum.sh - example producers showing the JSON contract
  • data/market.json, data/portfolio.json - file feeds dated now

Use --force to reinitialize an existing project (replaces warren.yml and producers/).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Force reinitialization (replaces warren.yml and producers/)")
	initCmd.Flags().StringVar(&initPortfolio, "portfolio", "main", "Portfolio name")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	if !forceInit {
		if err := scaffold.CheckExisting(dir); err != nil {
			return printer.Error("project already initialized", strings.TrimPrefix(err.Error(), "project already initialized\n\n"), nil)
		}
	}

	created, err := scaffold.Initialize(dir, scaffold.Options{Portfolio: initPortfolio, Force: forceInit})
	if err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("Initialized warren project for portfolio '%s'\n", initPortfolio)
	printer.Info("\nCreated:\n")
	for _, path := range created {
		printer.Info("  %s\n", path)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Replace the example producers with your own models\n")
	printer.Info("  2. Run one cycle:  warren run\n")
	printer.Info("  3. Schedule cycles: warren serve\n")
	return nil
}
