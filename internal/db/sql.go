package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// rebind turns ? placeholders into $n for postgres.
func rebind(d dialect, query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// sqlStore holds the queries shared by the postgres and sqlite backends.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	// insertCandles bulk-loads the candle rows of a dataset inside tx.
	insertCandles func(ctx context.Context, tx *sql.Tx, datasetID int64, candles []Candle) error
	// isUniqueViolation reports driver specific unique constraint errors.
	isUniqueViolation func(err error) bool
}

func (s *sqlStore) q(query string) string { return rebind(s.dialect, query) }

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (s *sqlStore) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (s *sqlStore) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) SaveDataset(ctx context.Context, ds Dataset, candles []Candle) error {
	if err := validateDataset(ds); err != nil {
		return err
	}
	ds = describe(ds, candles)

	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM datasets WHERE name = ?`), ds.Name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check dataset %s: %w", ds.Name, err)
		}
		if exists > 0 {
			return fmt.Errorf("%w: %s", ErrDatasetExists, ds.Name)
		}

		var id int64
		insert := `
			INSERT INTO datasets (name, symbol, timeframe, source, candle_count, first_timestamp, last_timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		args := []any{ds.Name, ds.Symbol, ds.Timeframe, ds.Source, ds.Count, ds.FirstTimestamp, ds.LastTimestamp, ds.CreatedAt}
		if s.dialect == dialectPostgres {
			err = tx.QueryRowContext(ctx, s.q(insert+" RETURNING id"), args...).Scan(&id)
		} else {
			var res sql.Result
			res, err = tx.ExecContext(ctx, insert, args...)
			if err == nil {
				id, err = res.LastInsertId()
			}
		}
		if err != nil {
			if s.isUniqueViolation != nil && s.isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDatasetExists, ds.Name)
			}
			return fmt.Errorf("failed to insert dataset %s: %w", ds.Name, err)
		}

		if len(candles) == 0 {
			return nil
		}
		if err := s.insertCandles(ctx, tx, id, candles); err != nil {
			return fmt.Errorf("failed to save candles of dataset %s: %w", ds.Name, err)
		}
		return nil
	})
}

const datasetColumns = `name, symbol, timeframe, source, candle_count, first_timestamp, last_timestamp, created_at`

func scanDataset(row interface{ Scan(...any) error }) (Dataset, error) {
	var ds Dataset
	err := row.Scan(&ds.Name, &ds.Symbol, &ds.Timeframe, &ds.Source, &ds.Count, &ds.FirstTimestamp, &ds.LastTimestamp, &ds.CreatedAt)
	ds.CreatedAt = ds.CreatedAt.UTC()
	return ds, err
}

func (s *sqlStore) queryDataset(ctx context.Context, query string, args ...any) (*Dataset, error) {
	rows, err := s.queryWithTransaction(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dataset: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating dataset rows: %w", err)
		}
		return nil, ErrDatasetNotFound
	}
	ds, err := scanDataset(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan dataset: %w", err)
	}
	return &ds, nil
}

func (s *sqlStore) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	return s.queryDataset(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE name = ?`, name)
}

func (s *sqlStore) FindDataset(ctx context.Context, symbol, timeframe string) (*Dataset, error) {
	return s.queryDataset(ctx, `
		SELECT `+datasetColumns+` FROM datasets
		WHERE symbol = ? AND timeframe = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, symbol, timeframe)
}

func (s *sqlStore) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.queryWithTransaction(ctx, `SELECT `+datasetColumns+` FROM datasets ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dataset rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) LoadDataset(ctx context.Context, name string) ([]Candle, error) {
	ds, err := s.GetDataset(ctx, name)
	if err != nil {
		return nil, err
	}

	rows, err := s.queryWithTransaction(ctx, s.q(`
		SELECT c.timestamp, c.open, c.high, c.low, c.close, c.volume
		FROM dataset_candles c
		JOIN datasets d ON d.id = c.dataset_id
		WHERE d.name = ?
		ORDER BY c.timestamp ASC`), name)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles of dataset %s: %w", name, err)
	}
	defer rows.Close()

	candles := make([]Candle, 0, ds.Count)
	for rows.Next() {
		c := Candle{Symbol: ds.Symbol, Timeframe: ds.Timeframe, Source: ds.Source}
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candle rows: %w", err)
	}
	return candles, nil
}

func (s *sqlStore) DeleteDataset(ctx context.Context, name string) error {
	return s.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			DELETE FROM dataset_candles
			WHERE dataset_id IN (SELECT id FROM datasets WHERE name = ?)`), name); err != nil {
			return fmt.Errorf("failed to delete candles of dataset %s: %w", name, err)
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM datasets WHERE name = ?`), name)
		if err != nil {
			return fmt.Errorf("failed to delete dataset %s: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected for dataset %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
		}
		return nil
	})
}
