package cmd

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/autotrader/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the transaction journal",
	Long: `Query and display transaction journal records.

Subcommands:
  export     - Export entries for a date range as JSON or CSV
  snapshots  - List recorded daily snapshots

Examples:
  autotrader journal export --from 2026-08-01 --to 2026-08-28
  autotrader journal export --from 2026-08-01 --format csv
  autotrader journal snapshots`,
}

var journalExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export journal entries for a date range",
	Args:  cobra.NoArgs,
	RunE:  runJournalExport,
}

var journalSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List recorded daily snapshots",
	Args:  cobra.NoArgs,
	RunE:  runJournalSnapshots,
}

var (
	journalFrom   string
	journalTo     string
	journalFormat string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalExportCmd)
	journalCmd.AddCommand(journalSnapshotsCmd)

	journalExportCmd.Flags().StringVar(&journalFrom, "from", "", "start date YYYY-MM-DD (required)")
	journalExportCmd.Flags().StringVar(&journalTo, "to", "", "end date YYYY-MM-DD, exclusive (default: tomorrow)")
	journalExportCmd.Flags().StringVar(&journalFormat, "format", "json", "output format: json or csv")
	journalExportCmd.MarkFlagRequired("from")
}

func runJournalExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	from, err := time.ParseInLocation("2006-01-02", journalFrom, time.Local)
	if err != nil {
		return fmt.Errorf("bad --from date: %w", err)
	}
	to := time.Now().AddDate(0, 0, 1)
	if journalTo != "" {
		to, err = time.ParseInLocation("2006-01-02", journalTo, time.Local)
		if err != nil {
			return fmt.Errorf("bad --to date: %w", err)
		}
	}

	jr, err := openJournal(cfg)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jr.Close()

	entries, err := jr.EntriesBetween(from, to)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	switch journalFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "csv":
		return writeEntriesCSV(os.Stdout, entries)
	}
	return fmt.Errorf("unknown format %q", journalFormat)
}

func writeEntriesCSV(f *os.File, entries []journal.Entry) error {
	w := csv.NewWriter(f)
	w.Write([]string{"id", "time", "symbol", "action", "quantity", "price", "fee", "order_id", "realized_pl"})
	for _, e := range entries {
		w.Write([]string{
			e.ID,
			e.Time.Format(time.RFC3339),
			e.Symbol,
			e.Action,
			strconv.FormatFloat(e.Quantity, 'f', -1, 64),
			strconv.FormatFloat(e.Price, 'f', -1, 64),
			strconv.FormatFloat(e.Fee, 'f', -1, 64),
			e.OrderID,
			strconv.FormatFloat(e.RealizedPL, 'f', -1, 64),
		})
	}
	w.Flush()
	return w.Error()
}

func runJournalSnapshots(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	jr, err := openJournal(cfg)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jr.Close()

	snaps, err := jr.Snapshots()
	if err != nil {
		return fmt.Errorf("read snapshots: %w", err)
	}

	fmt.Printf("%-12s %12s %12s %12s %10s %10s %5s\n",
		"DATE", "TOTAL", "CASH", "INVESTED", "REAL P/L", "UNRL P/L", "POS")
	for _, s := range snaps {
		fmt.Printf("%-12s %12.2f %12.2f %12.2f %10.2f %10.2f %5d\n",
			s.Date, s.TotalAssets, s.Cash, s.Invested, s.RealizedPL, s.UnrealizedPL, s.Positions)
	}
	return nil
}
