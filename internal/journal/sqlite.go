package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	action TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	price REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	commission REAL NOT NULL,
	reason TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	ts DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
`

// SQLiteJournal is the durable trade ledger. IDs are ULIDs so rows sort in
// insertion order even across restarts.
type SQLiteJournal struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Append(rec TradeRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	_, err := j.db.Exec(`
		INSERT INTO trades
		(id, symbol, action, side, quantity, price, realized_pnl, commission, reason, correlation_id, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, string(rec.Action), rec.Side, rec.Quantity, rec.Price,
		rec.RealizedPnL, rec.Commission, rec.Reason, rec.CorrelationID, rec.Timestamp.UTC(),
	)
	return err
}

func (j *SQLiteJournal) ListSince(t time.Time) ([]TradeRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, symbol, action, side, quantity, price, realized_pnl, commission, reason, correlation_id, ts
		FROM trades WHERE ts >= ? ORDER BY ts ASC`, t.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		var action string
		if err := rows.Scan(&rec.ID, &rec.Symbol, &action, &rec.Side, &rec.Quantity,
			&rec.Price, &rec.RealizedPnL, &rec.Commission, &rec.Reason,
			&rec.CorrelationID, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Action = Action(action)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
