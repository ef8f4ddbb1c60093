package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per poll interval. Ticks never overlap.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval       time.Duration
	AlignToBucket  bool
	StartupDelay   time.Duration
	RunImmediately bool
}

// Scheduler drives the poll loop.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the poll interval.
func (s *Scheduler) Interval() time.Duration {
	return s.opts.Interval
}

// Run blocks, invoking tick at every interval until ctx is cancelled. A tick
// that overruns the interval delays the next one instead of overlapping it.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := wait(ctx, s.opts.StartupDelay); err != nil {
		return err
	}
	if s.opts.RunImmediately {
		s.execute(ctx, tick, time.Now().UTC())
	}

	due := s.nextTick(time.Now().UTC())
	for {
		if now := time.Now().UTC(); now.After(due) {
			missed := due
			due = s.nextTick(now)
			s.logger.Warn().Time("missed", missed).Time("next", due).Msg("cycle overran interval")
		}

		s.logger.Debug().Time("next_tick", due).Msg("waiting for next tick")
		if err := wait(ctx, time.Until(due)); err != nil {
			return err
		}

		s.execute(ctx, tick, s.bucketStart(due))
		due = due.Add(s.opts.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time) {
	started := time.Now()
	err := tick(ctx, at)
	elapsed := time.Since(started)
	if err != nil {
		s.logger.Error().Err(err).Time("tick", at).Dur("took", elapsed).Msg("tick execution failed")
		return
	}
	s.logger.Debug().Time("tick", at).Dur("took", elapsed).Msg("tick finished")
}

// wait sleeps for d or until ctx is done. Non-positive durations only check ctx.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	next := now.Truncate(s.opts.Interval)
	if !next.After(now) {
		next = next.Add(s.opts.Interval)
	}
	return next
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if s.opts.AlignToBucket {
		return t.Truncate(s.opts.Interval)
	}
	return t
}
