package rates

import "fmt"

// Resolve answers a range query from the cache alone. When the range spans
// more buckets than maxPoints, the interval is widened by the smallest integer
// factor that fits and each widened bucket is sampled: it reports the earliest
// cached rate inside it at the widened bucket's start. Buckets without a cached
// rate are omitted at either granularity.
func Resolve(s *State, r TimeRange, granularity, maxPoints uint64) (RatesWithInterval, error) {
	if err := r.Validate(); err != nil {
		return RatesWithInterval{}, err
	}
	if granularity == 0 || maxPoints == 0 {
		return RatesWithInterval{}, fmt.Errorf("rates: granularity and max points must be positive")
	}

	start := AlignUp(r.Start, granularity)
	if start >= r.End {
		return RatesWithInterval{Interval: granularity, Rates: []RatePoint{}}, nil
	}

	buckets := bucketCount(start, r.End, granularity)
	points := s.pointsInRange(start, r.End, granularity)
	if buckets <= maxPoints {
		return RatesWithInterval{Interval: granularity, Rates: points}, nil
	}

	factor := (buckets + maxPoints - 1) / maxPoints
	interval := granularity * factor

	sampled := make([]RatePoint, 0, min(uint64(len(points)), maxPoints))
	var last Timestamp
	for i, p := range points {
		bucket := start + Timestamp(uint64(p.Timestamp-start)/interval*interval)
		if i > 0 && bucket == last {
			continue
		}
		sampled = append(sampled, RatePoint{Timestamp: bucket, Rate: p.Rate})
		last = bucket
	}

	return RatesWithInterval{Interval: interval, Rates: sampled}, nil
}

// bucketCount is the number of granularity-sized buckets needed to cover
// [start, end).
func bucketCount(start, end Timestamp, granularity uint64) uint64 {
	if end <= start {
		return 0
	}
	span := uint64(end - start)
	count := span / granularity
	if span%granularity != 0 {
		count++
	}
	return count
}

// SplitRuns partitions ascending timestamps into runs of consecutive buckets,
// each at most maxPerRun long.
func SplitRuns(ts []Timestamp, granularity, maxPerRun uint64) [][]Timestamp {
	if len(ts) == 0 || maxPerRun == 0 {
		return nil
	}
	step := Timestamp(granularity)
	runs := make([][]Timestamp, 0)
	current := []Timestamp{ts[0]}
	for _, t := range ts[1:] {
		prev := current[len(current)-1]
		if t == prev+step && uint64(len(current)) < maxPerRun {
			current = append(current, t)
			continue
		}
		runs = append(runs, current)
		current = []Timestamp{t}
	}
	return append(runs, current)
}
