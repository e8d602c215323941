package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/amirphl/simple-backtester/internal/db/conf"
	"github.com/lib/pq"
)

// pgUniqueViolation is the postgres SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Postgres stores datasets in postgres. The schema lives in
// scripts/schema.sql.
type Postgres struct {
	*sqlStore
}

var _ Storage = (*Postgres)(nil)

func New(c conf.Config) (*Postgres, error) {
	if c.DB == nil {
		return nil, errors.New("db.New | nil database handle")
	}
	return &Postgres{sqlStore: &sqlStore{
		db:                c.DB,
		dialect:           dialectPostgres,
		insertCandles:     copyCandles,
		isUniqueViolation: isPgUniqueViolation,
	}}, nil
}

func isPgUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// copyCandles bulk-loads rows with COPY FROM STDIN.
func copyCandles(ctx context.Context, tx *sql.Tx, datasetID int64, candles []Candle) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("dataset_candles",
		"dataset_id", "timestamp", "open", "high", "low", "close", "volume"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy statement: %w", err)
	}
	defer stmt.Close()

	for i, c := range candles {
		if _, err := stmt.ExecContext(ctx, datasetID, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to copy candle at index %d (ts %d): %w", i, c.Timestamp, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	return nil
}
