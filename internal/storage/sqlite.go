package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"rate-cache/internal/rates"
)

const (
	sqliteCreateRatesSQL = `CREATE TABLE IF NOT EXISTS cached_rates (
        bucket_ts INTEGER PRIMARY KEY,
        open      TEXT NOT NULL,
        high      TEXT NOT NULL,
        low       TEXT NOT NULL,
        close     TEXT NOT NULL,
        volume    TEXT NOT NULL
    );`

	sqliteCreateStateSQL = `CREATE TABLE IF NOT EXISTS cache_state (
        id        INTEGER PRIMARY KEY,
        heartbeat INTEGER NOT NULL,
        saved_at  TEXT NOT NULL
    );`

	sqliteInsertRateSQL = `INSERT OR IGNORE INTO cached_rates (
        bucket_ts, open, high, low, close, volume
    ) VALUES (?, ?, ?, ?, ?, ?);`

	sqliteUpsertStateSQL = `INSERT INTO cache_state (id, heartbeat, saved_at)
    VALUES (1, ?, ?)
    ON CONFLICT (id) DO UPDATE
    SET heartbeat = excluded.heartbeat,
        saved_at  = excluded.saved_at;`
)

// SQLiteStore keeps snapshots in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA synchronous = NORMAL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	for _, stmt := range []string{sqliteCreateRatesSQL, sqliteCreateStateSQL} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// SaveSnapshot inserts rates not yet stored and records the heartbeat, in one
// transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap rates.Snapshot) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertRateSQL)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range snap.Rates {
		row := toRow(p)
		if _, err := stmt.ExecContext(ctx, row.Bucket, row.Open, row.High, row.Low, row.Close, row.Volume); err != nil {
			return fmt.Errorf("insert rate %d: %w", row.Bucket, err)
		}
	}

	if _, err := tx.ExecContext(ctx, sqliteUpsertStateSQL, int64(snap.Heartbeat), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("save cache state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads every stored rate. found is false when nothing was ever saved.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (rates.Snapshot, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return rates.Snapshot{}, false, err
	}

	var snap rates.Snapshot
	found := true

	var heartbeat int64
	if err := db.QueryRowContext(ctx, selectStateSQL).Scan(&heartbeat); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return rates.Snapshot{}, false, fmt.Errorf("load cache state: %w", err)
		}
		found = false
	}
	snap.Heartbeat = uint64(heartbeat)

	points, err := s.queryRates(ctx, db, listRatesSQL)
	if err != nil {
		return rates.Snapshot{}, false, err
	}
	snap.Rates = points

	return snap, found || len(points) > 0, nil
}

// ListRecentRates lists the most recent rates ordered by descending bucket.
func (s *SQLiteStore) ListRecentRates(ctx context.Context, limit int) ([]rates.RatePoint, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return s.queryRates(ctx, db, `SELECT bucket_ts, open, high, low, close, volume
    FROM cached_rates
    ORDER BY bucket_ts DESC
    LIMIT ?;`, limit)
}

// CountRates counts stored rates.
func (s *SQLiteStore) CountRates(ctx context.Context) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.QueryRowContext(ctx, countRatesSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rates: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) queryRates(ctx context.Context, db *sql.DB, query string, args ...any) ([]rates.RatePoint, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rates: %w", err)
	}
	defer rows.Close()

	points := make([]rates.RatePoint, 0)
	for rows.Next() {
		var row rateRow
		if err := rows.Scan(&row.Bucket, &row.Open, &row.High, &row.Low, &row.Close, &row.Volume); err != nil {
			return nil, err
		}
		point, err := row.point()
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

var _ SnapshotStore = (*SQLiteStore)(nil)
