package rates

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func rateOf(v int64) Rate {
	d := decimal.NewFromInt(v)
	return Rate{Open: d, High: d, Low: d, Close: d, Volume: decimal.NewFromInt(1)}
}

func buckets(start Timestamp, n int, granularity uint64) []Timestamp {
	ts := make([]Timestamp, n)
	for i := range ts {
		ts[i] = start + Timestamp(uint64(i)*granularity)
	}
	return ts
}

func TestCommitIsMonotonic(t *testing.T) {
	s := NewState()
	if !s.Commit(60, rateOf(1)) {
		t.Fatal("首次 commit 应插入")
	}
	if s.Commit(60, rateOf(2)) {
		t.Fatal("重复 commit 不应覆盖")
	}
	for i := 0; i < 3; i++ {
		got, ok := s.Lookup(60)
		if !ok || !got.Equal(rateOf(1)) {
			t.Fatalf("lookup 应始终返回首次写入的值, 实际 %v %v", got, ok)
		}
	}
}

func TestCommitClearsInFlight(t *testing.T) {
	s := NewState()
	s.MarkInFlight([]Timestamp{60, 120})
	s.Commit(60, rateOf(1))
	if s.IsInFlight(60) {
		t.Fatal("commit 后时间戳应移出 in-flight")
	}
	if !s.IsInFlight(120) {
		t.Fatal("未提交的时间戳应保持 in-flight")
	}
}

func TestMarkInFlightPanicsOnDuplicate(t *testing.T) {
	s := NewState()
	s.MarkInFlight([]Timestamp{60})

	defer func() {
		if recover() == nil {
			t.Fatal("重复标记应 panic")
		}
		if s.IsInFlight(120) {
			t.Fatal("panic 时不应部分标记")
		}
	}()
	s.MarkInFlight([]Timestamp{120, 60})
}

func TestMarkInFlightPanicsOnCached(t *testing.T) {
	s := NewState()
	s.Commit(60, rateOf(1))

	defer func() {
		if recover() == nil {
			t.Fatal("标记已缓存时间戳应 panic")
		}
	}()
	s.MarkInFlight([]Timestamp{60})
}

func TestFailedFetchReleasesWholeRun(t *testing.T) {
	s := NewState()
	window := TimeRange{Start: 960, End: 2160}
	run := buckets(960, 20, 60)

	s.MarkInFlight(run)
	if got := s.MissingInRange(window, 60); len(got) != 0 {
		t.Fatalf("in-flight buckets must not be reported missing, got %v", got)
	}

	s.ReleaseInFlight(run)
	missing := s.MissingInRange(window, 60)
	if len(missing) != 20 {
		t.Fatalf("expected all 20 buckets missing after release, got %d", len(missing))
	}
	for i, ts := range missing {
		if ts != run[i] {
			t.Fatalf("missing[%d] = %d, want %d", i, ts, run[i])
		}
	}
	if s.InFlightCount() != 0 {
		t.Fatalf("no bucket should stay in flight, got %d", s.InFlightCount())
	}
}

func TestMissingInRangeSkipsCachedAndInFlight(t *testing.T) {
	s := NewState()
	s.Commit(0, rateOf(1))
	s.MarkInFlight([]Timestamp{60})

	got := s.MissingInRange(TimeRange{Start: 0, End: 240}, 60)
	if len(got) != 2 || got[0] != 120 || got[1] != 180 {
		t.Fatalf("unexpected missing set %v", got)
	}

	if got := s.MissingInRange(TimeRange{Start: 240, End: 0}, 60); got != nil {
		t.Fatalf("inverted range should yield nothing, got %v", got)
	}
}

func TestHeartbeat(t *testing.T) {
	s := NewState()
	for i := uint64(1); i <= 3; i++ {
		if got := s.Heartbeat(); got != i {
			t.Fatalf("heartbeat = %d, want %d", got, i)
		}
	}
	if s.HeartbeatCount() != 3 {
		t.Fatalf("heartbeat count = %d", s.HeartbeatCount())
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := NewState()
	s.Commit(120, rateOf(2))
	s.Commit(60, rateOf(1))
	s.MarkInFlight([]Timestamp{180})
	s.Heartbeat()
	s.Heartbeat()

	snap := s.Snapshot()
	if len(snap.Rates) != 2 || snap.Rates[0].Timestamp != 60 || snap.Rates[1].Timestamp != 120 {
		t.Fatalf("snapshot should be ordered and exclude in-flight buckets: %+v", snap.Rates)
	}

	restored := NewState()
	restored.Restore(snap)
	if restored.HeartbeatCount() != 2 {
		t.Fatalf("heartbeat should survive restore, got %d", restored.HeartbeatCount())
	}
	if restored.InFlightCount() != 0 {
		t.Fatal("in-flight set must be empty after restore")
	}
	if got, ok := restored.Lookup(120); !ok || !got.Equal(rateOf(2)) {
		t.Fatalf("restored lookup mismatch: %v %v", got, ok)
	}
	if got := restored.MissingInRange(TimeRange{Start: 60, End: 240}, 60); len(got) != 1 || got[0] != 180 {
		t.Fatalf("formerly in-flight bucket should be missing again, got %v", got)
	}
}

func TestAlign(t *testing.T) {
	if Align(119, 60) != 60 || Align(120, 60) != 120 {
		t.Fatal("Align should floor to the granularity")
	}
	if AlignUp(61, 60) != 120 || AlignUp(120, 60) != 120 {
		t.Fatal("AlignUp should round up to the granularity")
	}
}

func TestMaxResponseBytes(t *testing.T) {
	if got := MaxResponseBytes(DefaultPointsPerCall); got != 12000 {
		t.Fatalf("MaxResponseBytes(200) = %d, want 12000", got)
	}
}

func TestMissingInRangeNearMaxTimestamp(t *testing.T) {
	s := NewState()
	s.Commit(MaxTimestamp-67, rateOf(1))

	missing := s.MissingInRange(TimeRange{Start: MaxTimestamp - 100, End: MaxTimestamp}, 60)
	if len(missing) != 1 || missing[0] != MaxTimestamp-7 {
		t.Fatalf("unexpected missing buckets %v", missing)
	}

	if got := s.MissingInRange(TimeRange{Start: math.MaxUint64 - 100, End: math.MaxUint64}, 60); len(got) != 0 {
		t.Fatalf("range past MaxTimestamp should yield nothing, got %v", got)
	}
}

func TestAlignUpSaturates(t *testing.T) {
	if got := AlignUp(math.MaxUint64-10, 60); got != math.MaxUint64 {
		t.Fatalf("AlignUp should saturate, got %d", got)
	}
	if got := AlignUp(MaxTimestamp-6, 60); got != MaxTimestamp+53 {
		t.Fatalf("AlignUp(MaxTimestamp-6) = %d", got)
	}
	if got := next(math.MaxUint64-5, 60); got != math.MaxUint64 {
		t.Fatalf("next should saturate, got %d", got)
	}
}
