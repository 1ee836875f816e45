package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/config"
)

var rootCmd = &cobra.Command{
	Use:   "autotrader",
	Short: "An unattended trading execution engine",
	Long: `Autotrader is an unattended, periodically-triggered trading engine.

It runs scheduled analysis and order cycles against a brokerage API,
tracks open positions and pending orders in durable state, enforces
risk exits, reconciles its local ledger against the external account
of record, and survives partial failures without silent drift or
permanent hangs.

Subcommands:
  run        - Run the engine
  watchdog   - Supervise the engine process, restarting on crash or hang
  reconcile  - Run one reconciliation pass against the venue account
  journal    - Query the transaction journal
  status     - Show the engine's durable state
  version    - Print the version number`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

var (
	cfgPath string
	debug   bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "f", "", "path to config file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "verbose development logging")
}

// loadConfig reads the configured file, or returns defaults when no
// file was given.
func loadConfig() (*config.Config, error) {
	if cfgPath == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
