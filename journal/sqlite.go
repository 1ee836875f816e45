package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite keeps the journal in a single database file. Useful when the
// ledger gets large enough that scanning JSONL for a date range hurts.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (j *SQLite) Append(e Entry) error {
	_, err := j.db.Exec(`
		INSERT INTO transactions
		(id, time, symbol, action, quantity, price, fee, order_id, realized_pl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time, e.Symbol, e.Action, e.Quantity, e.Price, e.Fee, e.OrderID, e.RealizedPL,
	)
	return err
}

func (j *SQLite) EntriesBetween(start, end time.Time) ([]Entry, error) {
	rows, err := j.db.Query(`
		SELECT id, time, symbol, action, quantity, price, fee, order_id, realized_pl
		FROM transactions
		WHERE time >= ? AND time < ?
		ORDER BY time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.Time, &e.Symbol, &e.Action,
			&e.Quantity, &e.Price, &e.Fee, &e.OrderID, &e.RealizedPL,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *SQLite) RecordSnapshot(s DailySnapshot) error {
	res, err := j.db.Exec(`
		INSERT OR IGNORE INTO daily_snapshots
		(date, total_assets, cash, invested, realized_pl, unrealized_pl, positions)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Date, s.TotalAssets, s.Cash, s.Invested, s.RealizedPL, s.UnrealizedPL, s.Positions,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("snapshot for %s already recorded", s.Date)
	}
	return nil
}

func (j *SQLite) Snapshots() ([]DailySnapshot, error) {
	rows, err := j.db.Query(`
		SELECT date, total_assets, cash, invested, realized_pl, unrealized_pl, positions
		FROM daily_snapshots
		ORDER BY date ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailySnapshot
	for rows.Next() {
		var s DailySnapshot
		if err := rows.Scan(
			&s.Date, &s.TotalAssets, &s.Cash, &s.Invested,
			&s.RealizedPL, &s.UnrealizedPL, &s.Positions,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
