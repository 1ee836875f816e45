package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/autotrader/watchdog"
)

var watchdogCmd = &cobra.Command{
	Use:   "watchdog",
	Short: "Supervise the engine process",
	Long: `Run the external supervisor: starts the engine as a child
process, restarts it on any exit, and kills a hung engine whose
heartbeat file has gone stale. The only exit it honors is an operator
stop recorded in the engine's state file.

Example:
  autotrader watchdog -f autotrader.yaml`,
	RunE: runWatchdog,
}

func init() {
	rootCmd.AddCommand(watchdogCmd)
}

func runWatchdog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate engine binary: %w", err)
	}
	childArgs := []string{"run"}
	if cfgPath != "" {
		childArgs = append(childArgs, "--config", cfgPath)
	}
	if runStrategy != "" {
		childArgs = append(childArgs, "--strategy", runStrategy)
	}

	sup := watchdog.NewSupervisor(self, childArgs, watchdog.Config{
		HeartbeatFile: cfg.Watchdog.HeartbeatFile,
		StateFile:     cfg.Storage.StateFile,
		HangTimeout:   cfg.Watchdog.HangTimeout.Std(),
		GracePeriod:   cfg.Watchdog.GracePeriod.Std(),
		RestartDelay:  cfg.Watchdog.RestartDelay.Std(),
	}, log)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
