package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rate-cache/internal/rates"
)

const (
	createRatesTableSQL = `CREATE TABLE IF NOT EXISTS cached_rates (
        bucket_ts BIGINT PRIMARY KEY,
        open      TEXT NOT NULL,
        high      TEXT NOT NULL,
        low       TEXT NOT NULL,
        close     TEXT NOT NULL,
        volume    TEXT NOT NULL
    );`

	createStateTableSQL = `CREATE TABLE IF NOT EXISTS cache_state (
        id        SMALLINT PRIMARY KEY,
        heartbeat BIGINT NOT NULL,
        saved_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	insertRateSQL = `INSERT INTO cached_rates (
        bucket_ts, open, high, low, close, volume
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (bucket_ts) DO NOTHING;`

	upsertStateSQL = `INSERT INTO cache_state (id, heartbeat, saved_at)
    VALUES (1, $1, $2)
    ON CONFLICT (id) DO UPDATE
    SET heartbeat = EXCLUDED.heartbeat,
        saved_at  = EXCLUDED.saved_at;`

	selectStateSQL = `SELECT heartbeat FROM cache_state WHERE id = 1;`

	listRatesSQL = `SELECT bucket_ts, open, high, low, close, volume
    FROM cached_rates
    ORDER BY bucket_ts;`

	listRecentRatesSQL = `SELECT bucket_ts, open, high, low, close, volume
    FROM cached_rates
    ORDER BY bucket_ts DESC
    LIMIT $1;`

	countRatesSQL = `SELECT COUNT(*) FROM cached_rates;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PostgresStore keeps snapshots in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the snapshot tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createRatesTableSQL, createStateTableSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also ends when the connection does
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// SaveSnapshot inserts rates not yet stored and records the heartbeat, in one
// transaction.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap rates.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, p := range snap.Rates {
		row := toRow(p)
		batch.Queue(insertRateSQL, row.Bucket, row.Open, row.High, row.Low, row.Close, row.Volume)
	}
	batch.Queue(upsertStateSQL, int64(snap.Heartbeat), time.Now().UTC())

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads every stored rate. found is false when nothing was ever saved.
func (s *PostgresStore) LoadSnapshot(ctx context.Context) (rates.Snapshot, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return rates.Snapshot{}, false, err
	}

	var snap rates.Snapshot
	found := true

	var heartbeat int64
	if err := pool.QueryRow(ctx, selectStateSQL).Scan(&heartbeat); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return rates.Snapshot{}, false, fmt.Errorf("load cache state: %w", err)
		}
		found = false
	}
	snap.Heartbeat = uint64(heartbeat)

	points, err := s.queryRates(ctx, pool, listRatesSQL)
	if err != nil {
		return rates.Snapshot{}, false, err
	}
	snap.Rates = points

	return snap, found || len(points) > 0, nil
}

// ListRecentRates lists the most recent rates ordered by descending bucket.
func (s *PostgresStore) ListRecentRates(ctx context.Context, limit int) ([]rates.RatePoint, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return s.queryRates(ctx, pool, listRecentRatesSQL, limit)
}

// CountRates counts stored rates.
func (s *PostgresStore) CountRates(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRatesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count rates: %w", scanErr)
	}
	return count, nil
}

func (s *PostgresStore) queryRates(ctx context.Context, pool *pgxpool.Pool, query string, args ...any) ([]rates.RatePoint, error) {
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list rates: %w", queryErr)
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
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

var (
	_ SnapshotStore  = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
