package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rate-cache/internal/config"
	"rate-cache/internal/fetcher"
	"rate-cache/internal/rates"
	"rate-cache/internal/scheduler"
	"rate-cache/internal/storage"
)

// Options tune fetch scheduling and query bounds.
type Options struct {
	Granularity     uint64
	RateLimitFactor uint64
	PointsPerCall   uint64
	History         time.Duration
	MaxQueryPoints  uint64
	AdvisoryLockKey int64
	SaveTimeout     time.Duration
	// Dispatch starts an outcall. Defaults to a new goroutine.
	Dispatch func(func())
}

// OptionsFromConfig maps configuration onto service options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Granularity:     cfg.GranularitySeconds(),
		RateLimitFactor: cfg.Fetch.RateLimitFactor,
		PointsPerCall:   cfg.Fetch.PointsPerCall,
		History:         cfg.Fetch.History,
		MaxQueryPoints:  cfg.Query.MaxPoints,
		AdvisoryLockKey: cfg.Scheduler.AdvisoryLockKey,
		SaveTimeout:     cfg.Database.SaveTimeout,
	}
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Cached    int    `json:"cached"`
	InFlight  int    `json:"in_flight"`
	Heartbeat uint64 `json:"heartbeat"`
}

// Service owns the rate cache. Every state change (heartbeat, fetch planning,
// query, outcall resolution, save, restore) holds mu for its whole duration.
// Outcalls and advisory lock round trips run outside it.
type Service struct {
	mu       sync.Mutex
	state    *rates.State
	restored bool

	opts      Options
	scheduler *scheduler.Scheduler
	source    fetcher.RateSource
	store     storage.SnapshotStore
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	outcalls sync.WaitGroup
}

// New constructs the cache service.
func New(opts Options, sched *scheduler.Scheduler, source fetcher.RateSource, store storage.SnapshotStore, logger zerolog.Logger) *Service {
	if opts.Granularity == 0 {
		opts.Granularity = rates.DefaultGranularity
	}
	if opts.RateLimitFactor == 0 {
		opts.RateLimitFactor = rates.DefaultRateLimitFactor
	}
	if opts.PointsPerCall == 0 {
		opts.PointsPerCall = rates.DefaultPointsPerCall
	}
	if opts.MaxQueryPoints == 0 {
		opts.MaxQueryPoints = rates.DefaultMaxQueryPoints
	}
	if opts.History <= 0 {
		opts.History = 24 * time.Hour
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(f func()) { go f() }
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		state:     rates.NewState(),
		opts:      opts,
		scheduler: sched,
		source:    source,
		store:     store,
		locker:    locker,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run restores the cache unless Restore already ran, drives heartbeats until
// ctx is cancelled, waits for outstanding outcalls and saves the cache.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	if err := s.Restore(ctx); err != nil {
		return err
	}

	runErr := s.scheduler.Run(ctx, s.Tick)

	s.outcalls.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), s.opts.SaveTimeout)
	defer cancel()
	if err := s.Save(saveCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Tick handles one heartbeat. Every RateLimitFactor-th heartbeat it fetches
// the buckets of the history window that are neither cached nor in flight.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	count := s.state.Heartbeat()
	s.mu.Unlock()

	if count%s.opts.RateLimitFactor != 0 {
		return nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Uint64("heartbeat", count).Msg("skip fetch because advisory lock held elsewhere")
		return nil
	}

	runs := s.planFetches(s.window(now))
	if len(runs) == 0 {
		if unlock != nil {
			unlock()
		}
		return nil
	}

	s.logger.Info().Uint64("heartbeat", count).Int("calls", len(runs)).Msg("dispatching fetches")

	var pending sync.WaitGroup
	for _, run := range runs {
		pending.Add(1)
		s.dispatch(ctx, run, pending.Done)
	}
	if unlock != nil {
		s.opts.Dispatch(func() {
			pending.Wait()
			unlock()
		})
	}
	return nil
}

// window is the range of closed buckets the cache keeps filled. The bucket
// containing now is still open and excluded.
func (s *Service) window(now time.Time) rates.TimeRange {
	end := rates.Align(rates.FromTime(now), s.opts.Granularity)
	history := rates.Timestamp(s.opts.History / time.Second)
	start := rates.Timestamp(0)
	if end > history {
		start = rates.Align(end-history, s.opts.Granularity)
	}
	return rates.TimeRange{Start: start, End: end}
}

// planFetches marks every missing bucket in r as in flight and returns them
// as call-sized runs.
func (s *Service) planFetches(r rates.TimeRange) [][]rates.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	missing := s.state.MissingInRange(r, s.opts.Granularity)
	runs := rates.SplitRuns(missing, s.opts.Granularity, s.opts.PointsPerCall)
	for _, run := range runs {
		s.state.MarkInFlight(run)
	}
	return runs
}

func (s *Service) dispatch(ctx context.Context, run []rates.Timestamp, done func()) {
	s.outcalls.Add(1)
	s.opts.Dispatch(func() {
		defer s.outcalls.Done()
		defer done()

		points, err := s.source.FetchRun(ctx, run)
		s.resolve(run, points, err)
	})
}

// resolve applies an outcall result. Buckets the response did not cover are
// released so the next fetch opportunity retries them.
func (s *Service) resolve(run []rates.Timestamp, points []rates.RatePoint, fetchErr error) (committed int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fetchErr != nil {
		s.state.ReleaseInFlight(run)
		s.logger.Warn().Err(fetchErr).
			Uint64("start", uint64(run[0])).
			Int("buckets", len(run)).
			Msg("fetch failed; buckets released for retry")
		return 0
	}

	for _, p := range points {
		if s.state.IsInFlight(p.Timestamp) {
			if s.state.Commit(p.Timestamp, p.Rate) {
				committed++
			}
		}
	}

	unreturned := make([]rates.Timestamp, 0)
	for _, t := range run {
		if s.state.IsInFlight(t) {
			unreturned = append(unreturned, t)
		}
	}
	s.state.ReleaseInFlight(unreturned)

	s.logger.Info().
		Uint64("start", uint64(run[0])).
		Int("requested", len(run)).
		Int("committed", committed).
		Int("released", len(unreturned)).
		Msg("fetch resolved")
	return committed
}

// GetRates answers a range query from the cache. It never fetches.
func (s *Service) GetRates(r rates.TimeRange) (rates.RatesWithInterval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rates.Resolve(s.state, r, s.opts.Granularity, s.opts.MaxQueryPoints)
}

// Stats reports cache counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Cached:    s.state.CachedCount(),
		InFlight:  s.state.InFlightCount(),
		Heartbeat: s.state.HeartbeatCount(),
	}
}

// Granularity is the native bucket width in seconds.
func (s *Service) Granularity() uint64 {
	return s.opts.Granularity
}

// Restore loads the saved cache. It must run before any other transition.
// Only the first successful call loads; later calls return nil.
func (s *Service) Restore(ctx context.Context) error {
	s.mu.Lock()
	restored := s.restored
	s.mu.Unlock()
	if restored || s.store == nil {
		return nil
	}

	snap, found, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if !found {
		s.mu.Lock()
		s.restored = true
		s.mu.Unlock()
		s.logger.Info().Msg("no saved snapshot; starting with an empty cache")
		return nil
	}

	s.mu.Lock()
	s.state.Restore(snap)
	s.restored = true
	s.mu.Unlock()

	s.logger.Info().Int("rates", len(snap.Rates)).Uint64("heartbeat", snap.Heartbeat).Msg("snapshot restored")
	return nil
}

// Save persists the cache and heartbeat. In-flight buckets are not saved.
func (s *Service) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	snap := s.state.Snapshot()
	s.mu.Unlock()

	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Info().Int("rates", len(snap.Rates)).Uint64("heartbeat", snap.Heartbeat).Msg("snapshot saved")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// BackfillResult summarises a synchronous backfill.
type BackfillResult struct {
	Calls     int
	Committed int
	Failed    int
}

// Backfill fetches every missing bucket of r synchronously, one call at a
// time. It shares the in-flight discipline of Tick and ignores the heartbeat.
func (s *Service) Backfill(ctx context.Context, r rates.TimeRange) (BackfillResult, error) {
	var result BackfillResult
	if err := r.Validate(); err != nil {
		return result, err
	}

	s.mu.Lock()
	missing := s.state.MissingInRange(r, s.opts.Granularity)
	s.mu.Unlock()

	for _, run := range rates.SplitRuns(missing, s.opts.Granularity, s.opts.PointsPerCall) {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		// A concurrent tick may have taken some buckets, so the claimed set
		// is split again to keep one call per contiguous run.
		parts := rates.SplitRuns(s.claim(run), s.opts.Granularity, s.opts.PointsPerCall)
		for i, part := range parts {
			if err := ctx.Err(); err != nil {
				s.release(parts[i:])
				return result, err
			}

			result.Calls++
			points, err := s.source.FetchRun(ctx, part)
			if err != nil {
				result.Failed++
			}
			result.Committed += s.resolve(part, points, err)
		}
	}
	return result, nil
}

func (s *Service) release(runs [][]rates.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range runs {
		s.state.ReleaseInFlight(run)
	}
}

// claim marks the buckets of run that are still missing and returns them.
func (s *Service) claim(run []rates.Timestamp) []rates.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := make([]rates.Timestamp, 0, len(run))
	for _, t := range run {
		if _, cached := s.state.Lookup(t); cached || s.state.IsInFlight(t) {
			continue
		}
		free = append(free, t)
	}
	if len(free) > 0 {
		s.state.MarkInFlight(free)
	}
	return free
}
