package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS datasets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	candle_count INTEGER NOT NULL DEFAULT 0,
	first_timestamp INTEGER NOT NULL DEFAULT 0,
	last_timestamp INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_datasets_symbol_timeframe ON datasets (symbol, timeframe);
CREATE TABLE IF NOT EXISTS dataset_candles (
	dataset_id INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	open REAL NOT NULL,
	high REAL NOT NULL,
	low REAL NOT NULL,
	close REAL NOT NULL,
	volume REAL NOT NULL,
	PRIMARY KEY (dataset_id, timestamp)
);`

// SQLite is an embedded dataset store.
type SQLite struct {
	*sqlStore
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at path and applies the schema.
func NewSQLite(path string) (*SQLite, error) {
	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("NewSQLite | open %s: %w", path, err)
	}
	// One connection keeps ":memory:" databases alive and avoids SQLITE_BUSY.
	handle.SetMaxOpenConns(1)

	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("NewSQLite | ping %s: %w", path, err)
	}
	if _, err := handle.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		handle.Close()
		return nil, fmt.Errorf("NewSQLite | set WAL mode: %w", err)
	}
	if _, err := handle.Exec(sqliteSchema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("NewSQLite | apply schema: %w", err)
	}

	return &SQLite{sqlStore: &sqlStore{
		db:                handle,
		dialect:           dialectSQLite,
		insertCandles:     insertCandlesPrepared,
		isUniqueViolation: isSQLiteUniqueViolation,
	}}, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqErr *sqlite.Error
	return errors.As(err, &sqErr) && sqErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func insertCandlesPrepared(ctx context.Context, tx *sql.Tx, datasetID int64, candles []Candle) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dataset_candles (dataset_id, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset_id, timestamp) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for i, c := range candles {
		if _, err := stmt.ExecContext(ctx, datasetID, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to insert candle at index %d (ts %d): %w", i, c.Timestamp, err)
		}
	}
	return nil
}
