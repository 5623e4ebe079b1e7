package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	order_id INTEGER NOT NULL,
	symbol TEXT NOT NULL,
	expiry TEXT NOT NULL,
	strike REAL NOT NULL,
	opt_right TEXT NOT NULL,
	action TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	limit_price REAL NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL,
	time DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_run ON orders(run_id);
`

const selectEntries = `
	SELECT id, run_id, order_id, symbol, expiry, strike, opt_right, action, quantity, limit_price, status, reason, time
	FROM orders`

// SQLiteStorage keeps the journal in a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One connection: keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Record implements Interface.
func (j *SQLiteStorage) Record(entry Entry) (Entry, error) {
	entry, err := prepare(entry)
	if err != nil {
		return entry, err
	}

	_, err = j.db.Exec(`
		INSERT INTO orders
		(id, run_id, order_id, symbol, expiry, strike, opt_right, action, quantity, limit_price, status, reason, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, int64(entry.OrderID), entry.Symbol, entry.Expiry, entry.Strike,
		string(entry.Right), string(entry.Action), entry.Quantity, entry.LimitPrice,
		string(entry.Status), entry.Reason, entry.Time,
	)
	if err != nil {
		return entry, fmt.Errorf("recording journal entry: %w", err)
	}
	return entry, nil
}

// Entries implements Interface.
func (j *SQLiteStorage) Entries() ([]Entry, error) {
	return j.query(selectEntries + ` ORDER BY id ASC`)
}

// EntriesForRun implements Interface.
func (j *SQLiteStorage) EntriesForRun(runID string) ([]Entry, error) {
	return j.query(selectEntries+` WHERE run_id = ? ORDER BY id ASC`, runID)
}

func (j *SQLiteStorage) query(q string, args ...any) ([]Entry, error) {
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                     Entry
			orderID               int64
			right, action, status string
			ts                    time.Time
		)
		if err := rows.Scan(
			&e.ID,
			&e.RunID,
			&orderID,
			&e.Symbol,
			&e.Expiry,
			&e.Strike,
			&right,
			&action,
			&e.Quantity,
			&e.LimitPrice,
			&status,
			&e.Reason,
			&ts,
		); err != nil {
			return nil, err
		}
		e.OrderID = models.OrderID(orderID)
		e.Right = models.Right(right)
		e.Action = models.Action(action)
		e.Status = EntryStatus(status)
		e.Time = ts.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements Interface.
func (j *SQLiteStorage) Close() error {
	return j.db.Close()
}
