// Package scheduler drives the periodic heartbeat that gives the cache its
// fetch opportunities.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatFunc is invoked once per heartbeat with the time it fired.
type HeartbeatFunc func(ctx context.Context, now time.Time) error

// Options tune heartbeat cadence.
type Options struct {
	Interval        time.Duration
	AlignToInterval bool
	StartupDelay    time.Duration
	// Now overrides the wall clock.
	Now func() time.Time
}

// Scheduler invokes a HeartbeatFunc at a fixed cadence.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking beat on every heartbeat until ctx is cancelled. A
// heartbeat that returns an error is logged and the cadence continues. A slow
// heartbeat delays the next one rather than queueing missed beats.
func (s *Scheduler) Run(ctx context.Context, beat HeartbeatFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextBeat(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextBeat(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		now := s.now()
		s.logger.Debug().Time("now", now).Msg("heartbeat")
		if err := beat(ctx, now); err != nil {
			s.logger.Error().Err(err).Time("now", now).Msg("heartbeat failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Scheduler) nextBeat(now time.Time) time.Time {
	if !s.opts.AlignToInterval {
		return now.Add(s.opts.Interval)
	}
	beat := now.Truncate(s.opts.Interval)
	if !beat.After(now) {
		beat = beat.Add(s.opts.Interval)
	}
	return beat
}
