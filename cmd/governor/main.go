package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xela07ax/spaceai-governance/internal/infra"
	"go.uber.org/zap"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *infra.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "governor",
	Short: "Governance & token budget core: checkpoints, ledger, rules, audit",
	Long: `governor runs the governance core of the agent platform.

Sensitive agent actions pass through Checkpoints (human approval), every
token movement is recorded in the Token Ledger, Governance Rules gate
actions and consumption, and everything lands in the append-only Audit Trail.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = infra.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logger.Level = "debug"
		}
		logger, err = infra.NewLogger(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rulesCmd.AddCommand(rulesValidateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, rulesCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
