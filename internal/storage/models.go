package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"rate-cache/internal/rates"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
)

// SnapshotStore persists the cache across process restarts. Saving never
// overwrites a stored rate, mirroring the cache's own write-once rule.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap rates.Snapshot) error
	LoadSnapshot(ctx context.Context) (rates.Snapshot, bool, error)
	ListRecentRates(ctx context.Context, limit int) ([]rates.RatePoint, error)
	CountRates(ctx context.Context) (int64, error)
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// rateRow is the column form of a cached rate.
type rateRow struct {
	Bucket int64
	Open   string
	High   string
	Low    string
	Close  string
	Volume string
}

func toRow(p rates.RatePoint) rateRow {
	return rateRow{
		Bucket: int64(p.Timestamp),
		Open:   p.Rate.Open.String(),
		High:   p.Rate.High.String(),
		Low:    p.Rate.Low.String(),
		Close:  p.Rate.Close.String(),
		Volume: p.Rate.Volume.String(),
	}
}

func (r rateRow) point() (rates.RatePoint, error) {
	if r.Bucket < 0 {
		return rates.RatePoint{}, fmt.Errorf("negative bucket %d", r.Bucket)
	}

	open, err := decimal.NewFromString(r.Open)
	if err != nil {
		return rates.RatePoint{}, fmt.Errorf("parse open: %w", err)
	}
	high, err := decimal.NewFromString(r.High)
	if err != nil {
		return rates.RatePoint{}, fmt.Errorf("parse high: %w", err)
	}
	low, err := decimal.NewFromString(r.Low)
	if err != nil {
		return rates.RatePoint{}, fmt.Errorf("parse low: %w", err)
	}
	closePrice, err := decimal.NewFromString(r.Close)
	if err != nil {
		return rates.RatePoint{}, fmt.Errorf("parse close: %w", err)
	}
	volume, err := decimal.NewFromString(r.Volume)
	if err != nil {
		return rates.RatePoint{}, fmt.Errorf("parse volume: %w", err)
	}

	return rates.RatePoint{
		Timestamp: rates.Timestamp(r.Bucket),
		Rate: rates.Rate{
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		},
	}, nil
}
