// Package rates holds the exchange rate cache model: the cache store, the
// in-flight set, the heartbeat counter and the range resolver built on them.
package rates

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultGranularity is the remote fetch interval in seconds. Only the
	// interval returned by queries widens; fetches always use this one.
	DefaultGranularity uint64 = 60

	// DefaultRateLimitFactor is how many heartbeats pass per fetch opportunity.
	DefaultRateLimitFactor uint64 = 5

	// DefaultPointsPerCall is the number of candles requested per Coinbase call.
	// Coinbase allows at most MaxPointsPerCall.
	DefaultPointsPerCall uint64 = 200
	MaxPointsPerCall     uint64 = 300

	// DefaultMaxQueryPoints bounds a query response: 2MB / 20B per pair.
	DefaultMaxQueryPoints uint64 = 100000

	// Each candle tuple is [time, low, high, open, close, volume] and every
	// field fits in 10 bytes.
	bytesPerField   uint64 = 10
	fieldsPerCandle uint64 = 6
)

// MaxTimestamp is the largest representable bucket. Storage keeps buckets as
// signed 64-bit integers and candle times are decoded into the same bound.
const MaxTimestamp = Timestamp(math.MaxInt64)

// ErrInvalidRange is returned for a range whose start is after its end or
// whose end lies beyond MaxTimestamp.
var ErrInvalidRange = errors.New("rates: invalid range")

// MaxResponseBytes returns the largest raw response expected for a call of
// the given number of points.
func MaxResponseBytes(pointsPerCall uint64) uint64 {
	return bytesPerField * fieldsPerCandle * pointsPerCall
}

// Timestamp is seconds since epoch, aligned to the fetch granularity when
// used as a cache key.
type Timestamp uint64

// Align floors t to a multiple of granularity.
func Align(t Timestamp, granularity uint64) Timestamp {
	return t - t%Timestamp(granularity)
}

// AlignUp rounds t up to the next multiple of granularity. When that multiple
// is not representable it saturates at math.MaxUint64, which no range reaches.
func AlignUp(t Timestamp, granularity uint64) Timestamp {
	aligned := Align(t, granularity)
	if aligned < t {
		if uint64(aligned) > math.MaxUint64-granularity {
			return Timestamp(math.MaxUint64)
		}
		aligned += Timestamp(granularity)
	}
	return aligned
}

// FromTime converts a wall clock time to a Timestamp.
func FromTime(t time.Time) Timestamp {
	unix := t.Unix()
	if unix < 0 {
		return 0
	}
	return Timestamp(unix)
}

// Time returns t as a UTC time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// Rate is one candle of the external price API. Close is the reported rate;
// the decimal exponents keep the source precision, so values reproduce exactly.
type Rate struct {
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Value is the exchange rate for the bucket.
func (r Rate) Value() decimal.Decimal {
	return r.Close
}

// Equal reports whether two rates carry the same numbers.
func (r Rate) Equal(other Rate) bool {
	return r.Open.Equal(other.Open) &&
		r.High.Equal(other.High) &&
		r.Low.Equal(other.Low) &&
		r.Close.Equal(other.Close) &&
		r.Volume.Equal(other.Volume)
}

// RatePoint pairs a bucket with its rate.
type RatePoint struct {
	Timestamp Timestamp
	Rate      Rate
}

// TimeRange is the half-open interval [Start, End).
type TimeRange struct {
	Start Timestamp
	End   Timestamp
}

// Validate rejects inverted ranges and ranges ending past MaxTimestamp.
func (r TimeRange) Validate() error {
	if r.Start > r.End || r.End > MaxTimestamp {
		return ErrInvalidRange
	}
	return nil
}

// RatesWithInterval is a query result. Interval may be coarser than the
// fetch granularity when the range had to be widened to fit the response.
type RatesWithInterval struct {
	Interval uint64
	Rates    []RatePoint
}
