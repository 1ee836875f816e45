package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the engine's durable state",
	Long: `Print the engine's persisted run mode, positions and pending
orders. Reads the state file directly; the engine does not need to be
running.

Example:
  autotrader status -f autotrader.yaml`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.Storage.StateFile, zap.NewNop())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	st := store.Snapshot()

	fmt.Printf("Run mode:     %s\n", st.RunMode)
	fmt.Printf("Dry run:      %v\n", st.DryRun)
	fmt.Printf("Live account: %v\n", st.LiveAccount)
	fmt.Printf("Cash:         %.2f\n", st.Cash)
	if st.OperatorStopped {
		fmt.Println("Stopped by operator; the watchdog will not restart the engine.")
	}

	fmt.Printf("\nPositions (%d):\n", len(st.Positions))
	syms := make([]string, 0, len(st.Positions))
	for sym := range st.Positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		p := st.Positions[sym]
		fmt.Printf("  %-10s qty %.4f @ %.4f  stop %.4f  targets %d/%d  stage %d\n",
			sym, p.Quantity, p.EntryPrice, p.StopLoss, p.TargetsHit, len(p.TakeProfits), p.Stage)
	}

	fmt.Printf("\nPending orders (%d):\n", len(st.PendingOrders))
	for _, po := range st.PendingOrders {
		fmt.Printf("  %s %s %.4f %s limit %.4f  %s since %s\n",
			po.OrderID, po.Side, po.Quantity, po.Symbol, po.LimitPrice,
			po.Status, po.SubmitTime.Format("2006-01-02 15:04"))
	}

	if !st.LastRebalance.IsZero() {
		fmt.Printf("\nLast rebalance:        %s\n", st.LastRebalance.Format("2006-01-02 15:04"))
	}
	if !st.LastUrgentRebalance.IsZero() {
		fmt.Printf("Last urgent rebalance: %s\n", st.LastUrgentRebalance.Format("2006-01-02 15:04"))
	}
	return nil
}
