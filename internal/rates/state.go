package rates

import (
	"fmt"
	"math"
	"sort"
)

// State is the process-wide cache: fetched rates, buckets with an outstanding
// fetch, and the heartbeat counter. It is not safe for concurrent use; the
// owner serializes every transition.
type State struct {
	fetched   map[Timestamp]Rate
	inFlight  map[Timestamp]struct{}
	heartbeat uint64
}

// NewState returns an empty cache.
func NewState() *State {
	return &State{
		fetched:  make(map[Timestamp]Rate),
		inFlight: make(map[Timestamp]struct{}),
	}
}

// Heartbeat advances the counter and returns its new value.
func (s *State) Heartbeat() uint64 {
	s.heartbeat++
	return s.heartbeat
}

// HeartbeatCount returns the counter without advancing it.
func (s *State) HeartbeatCount() uint64 {
	return s.heartbeat
}

// MarkInFlight records that a fetch for every timestamp is about to be
// dispatched. The scheduler only marks buckets it found missing, so a timestamp
// that is already in flight or cached is a scheduling bug and panics. Nothing
// is marked in that case.
func (s *State) MarkInFlight(ts []Timestamp) {
	for _, t := range ts {
		if _, ok := s.inFlight[t]; ok {
			panic(fmt.Sprintf("rates: timestamp %d already in flight", t))
		}
		if _, ok := s.fetched[t]; ok {
			panic(fmt.Sprintf("rates: timestamp %d already cached", t))
		}
	}
	for _, t := range ts {
		s.inFlight[t] = struct{}{}
	}
}

// Commit stores rate for t unless t is already cached, and clears t from the
// in-flight set either way. It reports whether the rate was inserted.
func (s *State) Commit(t Timestamp, rate Rate) bool {
	delete(s.inFlight, t)
	if _, ok := s.fetched[t]; ok {
		return false
	}
	s.fetched[t] = rate
	return true
}

// ReleaseInFlight clears timestamps from the in-flight set without caching
// anything, making them eligible for the next fetch.
func (s *State) ReleaseInFlight(ts []Timestamp) {
	for _, t := range ts {
		delete(s.inFlight, t)
	}
}

// Lookup returns the cached rate for t.
func (s *State) Lookup(t Timestamp) (Rate, bool) {
	rate, ok := s.fetched[t]
	return rate, ok
}

// IsInFlight reports whether a fetch for t is outstanding.
func (s *State) IsInFlight(t Timestamp) bool {
	_, ok := s.inFlight[t]
	return ok
}

// CachedCount returns the number of cached buckets.
func (s *State) CachedCount() int {
	return len(s.fetched)
}

// InFlightCount returns the number of buckets with an outstanding fetch.
func (s *State) InFlightCount() int {
	return len(s.inFlight)
}

// MissingInRange lists, in ascending order, the aligned buckets in r that are
// neither cached nor in flight.
func (s *State) MissingInRange(r TimeRange, granularity uint64) []Timestamp {
	if r.Validate() != nil || granularity == 0 {
		return nil
	}
	step := Timestamp(granularity)
	missing := make([]Timestamp, 0)
	for t := AlignUp(r.Start, granularity); t < r.End; t = next(t, step) {
		if _, ok := s.fetched[t]; ok {
			continue
		}
		if _, ok := s.inFlight[t]; ok {
			continue
		}
		missing = append(missing, t)
	}
	return missing
}

// next advances t by step, saturating instead of wrapping past the top.
func next(t, step Timestamp) Timestamp {
	if t > Timestamp(math.MaxUint64)-step {
		return Timestamp(math.MaxUint64)
	}
	return t + step
}

// pointsInRange returns the cached points with aligned timestamps in
// [start, end), ascending.
func (s *State) pointsInRange(start, end Timestamp, granularity uint64) []RatePoint {
	step := Timestamp(granularity)
	points := make([]RatePoint, 0)
	if bucketCount(start, end, granularity) <= uint64(len(s.fetched)) {
		for t := start; t < end; t = next(t, step) {
			if rate, ok := s.fetched[t]; ok {
				points = append(points, RatePoint{Timestamp: t, Rate: rate})
			}
		}
		return points
	}

	for t, rate := range s.fetched {
		if t >= start && t < end {
			points = append(points, RatePoint{Timestamp: t, Rate: rate})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	return points
}

// Snapshot is the durable part of the state. In-flight marks are left out:
// the fetches behind them do not survive a restart.
type Snapshot struct {
	Heartbeat uint64
	Rates     []RatePoint
}

// Snapshot copies the cached rates, ascending by timestamp.
func (s *State) Snapshot() Snapshot {
	points := make([]RatePoint, 0, len(s.fetched))
	for t, rate := range s.fetched {
		points = append(points, RatePoint{Timestamp: t, Rate: rate})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	return Snapshot{Heartbeat: s.heartbeat, Rates: points}
}

// Restore replaces the state with snap and clears the in-flight set.
func (s *State) Restore(snap Snapshot) {
	s.fetched = make(map[Timestamp]Rate, len(snap.Rates))
	for _, p := range snap.Rates {
		if _, ok := s.fetched[p.Timestamp]; !ok {
			s.fetched[p.Timestamp] = p.Rate
		}
	}
	s.inFlight = make(map[Timestamp]struct{})
	s.heartbeat = snap.Heartbeat
}
