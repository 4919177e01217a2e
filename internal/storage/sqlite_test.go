package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"rate-cache/internal/config"
	"rate-cache/internal/rates"
)

func point(ts rates.Timestamp, close string) rates.RatePoint {
	c := decimal.RequireFromString(close)
	return rates.RatePoint{
		Timestamp: ts,
		Rate: rates.Rate{
			Open:   c,
			High:   c,
			Low:    c,
			Close:  c,
			Volume: decimal.RequireFromString("12.5"),
		},
	}
}

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestSQLiteLoadEmpty(t *testing.T) {
	store := openTestSQLite(t)

	snap, found, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Fatalf("空库不应返回快照: %+v", snap)
	}
}

func TestSQLiteSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)

	snap := rates.Snapshot{
		Heartbeat: 42,
		Rates:     []rates.RatePoint{point(60, "9.54"), point(120, "9.5")},
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, found, err := store.LoadSnapshot(ctx)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.Heartbeat != 42 {
		t.Fatalf("heartbeat = %d, want 42", got.Heartbeat)
	}
	if len(got.Rates) != 2 || got.Rates[0].Timestamp != 60 {
		t.Fatalf("unexpected rates %+v", got.Rates)
	}
	if !got.Rates[0].Rate.Equal(snap.Rates[0].Rate) {
		t.Fatalf("rate changed through storage: %+v", got.Rates[0].Rate)
	}
	if got.Rates[0].Rate.Close.String() != "9.54" {
		t.Fatalf("precision lost: %s", got.Rates[0].Rate.Close)
	}
}

func TestSQLiteSaveNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)

	if err := store.SaveSnapshot(ctx, rates.Snapshot{Heartbeat: 1, Rates: []rates.RatePoint{point(60, "1")}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveSnapshot(ctx, rates.Snapshot{Heartbeat: 7, Rates: []rates.RatePoint{point(60, "2"), point(120, "3")}}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, _, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Heartbeat != 7 {
		t.Fatalf("heartbeat should follow the latest save, got %d", got.Heartbeat)
	}
	if len(got.Rates) != 2 || got.Rates[0].Rate.Close.String() != "1" {
		t.Fatalf("stored rate must not be overwritten: %+v", got.Rates)
	}

	count, err := store.CountRates(ctx)
	if err != nil || count != 2 {
		t.Fatalf("count = %d err=%v", count, err)
	}

	recent, err := store.ListRecentRates(ctx, 1)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Timestamp != 120 {
		t.Fatalf("recent rates should be newest first: %+v", recent)
	}
}

func TestOpenWithoutDSNDisablesPersistence(t *testing.T) {
	store, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite"})
	if err != nil || store != nil {
		t.Fatalf("empty dsn should yield no store: %v %v", store, err)
	}
}

func TestOpenSQLiteDriver(t *testing.T) {
	store, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*SQLiteStore); !ok {
		t.Fatalf("expected SQLiteStore, got %T", store)
	}
}
