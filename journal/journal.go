// Package journal is the append-only transaction ledger and the daily
// snapshot record. Entries are immutable once written; snapshots are
// produced once per trading day and never revised. Two backends ship:
// JSON-lines files (the default; plain data, greppable) and SQLite.
package journal

import (
	"time"

	"github.com/rustyeddy/autotrader/broker"
)

// Entry is one executed transaction. RealizedPL is set only on exits.
type Entry struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"` // BUY, SELL, STOP_LOSS, TAKE_PROFIT, TRAILING_STOP
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Fee        float64   `json:"fee"`
	OrderID    string    `json:"order_id"`
	RealizedPL float64   `json:"realized_pl,omitempty"`
}

// DailySnapshot is one trading day's account summary, built from the
// journal plus live valuation.
type DailySnapshot struct {
	Date         string  `json:"date"` // 2006-01-02
	TotalAssets  float64 `json:"total_assets"`
	Cash         float64 `json:"cash"`
	Invested     float64 `json:"invested"`
	RealizedPL   float64 `json:"realized_pl"`
	UnrealizedPL float64 `json:"unrealized_pl"`
	Positions    int     `json:"positions"`
}

type Journal interface {
	Append(Entry) error
	// EntriesBetween returns entries with Time in [start, end), oldest first.
	EntriesBetween(start, end time.Time) ([]Entry, error)
	RecordSnapshot(DailySnapshot) error
	Snapshots() ([]DailySnapshot, error)
	Close() error
}

// BuildDailySnapshot summarizes one day: account valuation comes from
// the authoritative snapshot, realized P&L from that day's journal
// entries, unrealized from the caller's open-position valuation.
func BuildDailySnapshot(day time.Time, acct broker.Account, unrealizedPL float64, entries []Entry) DailySnapshot {
	var realized float64
	for _, e := range entries {
		realized += e.RealizedPL
	}
	return DailySnapshot{
		Date:         day.Format("2006-01-02"),
		TotalAssets:  acct.NetAssetValue,
		Cash:         acct.Cash(),
		Invested:     acct.Invested(),
		RealizedPL:   realized,
		UnrealizedPL: unrealizedPL,
		Positions:    len(acct.Holdings),
	}
}
