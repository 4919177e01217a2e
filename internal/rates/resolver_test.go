package rates

import (
	"errors"
	"math"
	"testing"
)

func TestResolveNativeGranularity(t *testing.T) {
	s := NewState()
	for i, ts := range buckets(0, 100, 60) {
		s.Commit(ts, rateOf(int64(i)))
	}

	got, err := Resolve(s, TimeRange{Start: 0, End: 6000}, 60, DefaultMaxQueryPoints)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Interval != 60 {
		t.Fatalf("interval = %d, want 60", got.Interval)
	}
	if len(got.Rates) != 100 {
		t.Fatalf("expected 100 points, got %d", len(got.Rates))
	}
	for i, p := range got.Rates {
		if p.Timestamp != Timestamp(i*60) {
			t.Fatalf("point %d at %d, want %d", i, p.Timestamp, i*60)
		}
	}
}

func TestResolveOmitsGaps(t *testing.T) {
	s := NewState()
	s.Commit(0, rateOf(1))
	s.Commit(180, rateOf(2))

	got, err := Resolve(s, TimeRange{Start: 0, End: 300}, 60, 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got.Rates) != 2 || got.Rates[1].Timestamp != 180 {
		t.Fatalf("uncached buckets should be omitted: %+v", got.Rates)
	}
}

func TestResolveWidensInterval(t *testing.T) {
	const maxPoints = 50
	s := NewState()
	for i, ts := range buckets(0, 2*maxPoints, 60) {
		s.Commit(ts, rateOf(int64(i)))
	}

	got, err := Resolve(s, TimeRange{Start: 0, End: Timestamp(2 * maxPoints * 60)}, 60, maxPoints)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Interval != 120 {
		t.Fatalf("interval = %d, want 120", got.Interval)
	}
	if len(got.Rates) > maxPoints {
		t.Fatalf("point count %d exceeds %d", len(got.Rates), maxPoints)
	}
	if len(got.Rates) != maxPoints {
		t.Fatalf("fully cached range should fill every widened bucket, got %d", len(got.Rates))
	}
	for i, p := range got.Rates {
		if p.Timestamp != Timestamp(i*120) {
			t.Fatalf("widened point %d at %d, want %d", i, p.Timestamp, i*120)
		}
		if !p.Rate.Equal(rateOf(int64(2 * i))) {
			t.Fatalf("widened bucket %d should sample its earliest rate", i)
		}
	}
}

func TestResolveWidensWithSmallestFactor(t *testing.T) {
	s := NewState()
	for _, ts := range buckets(0, 31, 60) {
		s.Commit(ts, rateOf(1))
	}

	// 31 buckets with room for 10: factor 4 gives 8 buckets, factor 3 gives 11.
	got, err := Resolve(s, TimeRange{Start: 0, End: 31 * 60}, 60, 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Interval != 240 {
		t.Fatalf("interval = %d, want 240", got.Interval)
	}
	if len(got.Rates) != 8 {
		t.Fatalf("expected 8 sampled points, got %d", len(got.Rates))
	}
}

func TestResolveSamplesEarliestCachedPoint(t *testing.T) {
	s := NewState()
	s.Commit(180, rateOf(7))
	s.Commit(240, rateOf(8))

	got, err := Resolve(s, TimeRange{Start: 0, End: 480}, 60, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Interval != 240 {
		t.Fatalf("interval = %d, want 240", got.Interval)
	}
	if len(got.Rates) != 2 {
		t.Fatalf("expected 2 points, got %+v", got.Rates)
	}
	if got.Rates[0].Timestamp != 0 || !got.Rates[0].Rate.Equal(rateOf(7)) {
		t.Fatalf("first widened bucket should carry rate at 180: %+v", got.Rates[0])
	}
	if got.Rates[1].Timestamp != 240 || !got.Rates[1].Rate.Equal(rateOf(8)) {
		t.Fatalf("second widened bucket mismatch: %+v", got.Rates[1])
	}
}

func TestResolveHugeRangeSparseCache(t *testing.T) {
	s := NewState()
	s.Commit(600, rateOf(1))
	s.Commit(6_000_000, rateOf(2))

	got, err := Resolve(s, TimeRange{Start: 0, End: 600_000_000}, 60, DefaultMaxQueryPoints)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Interval != 6000 {
		t.Fatalf("interval = %d, want 6000", got.Interval)
	}
	if len(got.Rates) != 2 || got.Rates[0].Timestamp != 0 || got.Rates[1].Timestamp != 6_000_000 {
		t.Fatalf("unexpected sampled points %+v", got.Rates)
	}
}

func TestResolveRejectsInvertedRange(t *testing.T) {
	_, err := Resolve(NewState(), TimeRange{Start: 120, End: 60}, 60, 10)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}

func TestResolveEmptyRange(t *testing.T) {
	got, err := Resolve(NewState(), TimeRange{Start: 60, End: 60}, 60, 10)
	if err != nil {
		t.Fatalf("empty range should not fail: %v", err)
	}
	if got.Interval != 60 || len(got.Rates) != 0 {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestResolveDoesNotMutate(t *testing.T) {
	s := NewState()
	s.Commit(0, rateOf(1))
	if _, err := Resolve(s, TimeRange{Start: 0, End: 600}, 60, 10); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.CachedCount() != 1 || s.InFlightCount() != 0 || s.HeartbeatCount() != 0 {
		t.Fatal("resolve must not touch state")
	}
}

func TestSplitRuns(t *testing.T) {
	ts := append(buckets(0, 5, 60), buckets(600, 3, 60)...)
	runs := SplitRuns(ts, 60, 2)

	want := [][]Timestamp{{0, 60}, {120, 180}, {240}, {600, 660}, {720}}
	if len(runs) != len(want) {
		t.Fatalf("got %d runs, want %d: %v", len(runs), len(want), runs)
	}
	for i := range want {
		if len(runs[i]) != len(want[i]) {
			t.Fatalf("run %d = %v, want %v", i, runs[i], want[i])
		}
		for j := range want[i] {
			if runs[i][j] != want[i][j] {
				t.Fatalf("run %d = %v, want %v", i, runs[i], want[i])
			}
		}
	}

	if SplitRuns(nil, 60, 200) != nil {
		t.Fatal("no missing buckets should yield no runs")
	}
}

// MaxTimestamp is 7 past a multiple of 60, so [MaxTimestamp-100, MaxTimestamp)
// holds the buckets MaxTimestamp-67 and MaxTimestamp-7.
func TestResolveNearMaxTimestamp(t *testing.T) {
	s := NewState()
	first, second := MaxTimestamp-67, MaxTimestamp-7
	s.Commit(first, rateOf(1))
	s.Commit(second, rateOf(2))

	got, err := Resolve(s, TimeRange{Start: MaxTimestamp - 100, End: MaxTimestamp}, 60, DefaultMaxQueryPoints)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Interval != 60 || len(got.Rates) != 2 || got.Rates[0].Timestamp != first || got.Rates[1].Timestamp != second {
		t.Fatalf("unexpected result %+v", got)
	}

	widened, err := Resolve(s, TimeRange{Start: MaxTimestamp - 100, End: MaxTimestamp}, 60, 1)
	if err != nil {
		t.Fatalf("resolve widened: %v", err)
	}
	if widened.Interval != 120 || len(widened.Rates) != 1 || widened.Rates[0].Timestamp != first {
		t.Fatalf("unexpected widened result %+v", widened)
	}

	empty, err := Resolve(s, TimeRange{Start: MaxTimestamp - 6, End: MaxTimestamp}, 60, DefaultMaxQueryPoints)
	if err != nil {
		t.Fatalf("resolve empty: %v", err)
	}
	if empty.Interval != 60 || len(empty.Rates) != 0 {
		t.Fatalf("range without a bucket start should be empty at native interval, got %+v", empty)
	}
}

func TestResolveRejectsRangePastMaxTimestamp(t *testing.T) {
	for _, r := range []TimeRange{
		{Start: math.MaxUint64 - 100, End: math.MaxUint64},
		{Start: math.MaxUint64 - 10, End: math.MaxUint64},
		{Start: 0, End: MaxTimestamp + 1},
	} {
		if _, err := Resolve(NewState(), r, 60, DefaultMaxQueryPoints); !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("%+v: expected ErrInvalidRange, got %v", r, err)
		}
	}
}

func TestResolveWholeDomain(t *testing.T) {
	s := NewState()
	s.Commit(60, rateOf(1))
	s.Commit(MaxTimestamp-7, rateOf(2))

	got, err := Resolve(s, TimeRange{Start: 0, End: MaxTimestamp}, 60, DefaultMaxQueryPoints)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got.Rates) != 2 || got.Rates[0].Timestamp != 0 {
		t.Fatalf("unexpected result interval=%d rates=%+v", got.Interval, got.Rates)
	}
	if uint64(len(got.Rates)) > DefaultMaxQueryPoints || got.Interval%60 != 0 {
		t.Fatalf("interval %d must be a multiple of the granularity", got.Interval)
	}
}
