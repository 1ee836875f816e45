package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/reconcile"
	"github.com/rustyeddy/autotrader/state"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass",
	Long: `Fetch the venue's authoritative account snapshot, compare it
against local state, correct or alert per the configured thresholds,
and print the resulting record.

Example:
  autotrader reconcile -f autotrader.yaml`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := state.Open(cfg.Storage.StateFile, log)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}

	bk, _ := buildBroker(cfg)
	bus := notify.NewBus()
	notify.AttachLogger(bus, log)

	var recLog *reconcile.RecordLog
	if cfg.Storage.ReconcileFile != "" {
		recLog, err = reconcile.OpenRecordLog(cfg.Storage.ReconcileFile)
		if err != nil {
			return fmt.Errorf("open reconcile log: %w", err)
		}
		defer recLog.Close()
	}

	svc := reconcile.New(bk, store, bus, recLog, reconcile.Config{
		DeviationPct: cfg.Reconcile.DeviationPct,
		AlertOnlyPct: cfg.Reconcile.AlertOnlyPct,
	}, log)

	rec, err := svc.Run(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Reconciliation %s\n", rec.Outcome)
	fmt.Printf("  Local NAV:  %.2f\n", rec.LocalNAV)
	fmt.Printf("  Venue NAV:  %.2f\n", rec.VenueNAV)
	fmt.Printf("  Deviation:  %.2f%%\n", rec.DeviationPct*100)
	if len(rec.Corrections) > 0 {
		fmt.Printf("  Corrected:  %v\n", rec.Corrections)
	}
	return nil
}
