// Package scheduler runs named periodic jobs: the stats log line and
// the quote snapshot sampler. Jobs are best effort; a failing tick is
// logged and the cadence continues.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, now time.Time) error

// Job pairs a periodic function with its cadence.
type Job struct {
	Name     string
	Interval time.Duration
	Tick     TickFunc
}

// Scheduler drives periodic jobs until its context is cancelled.
type Scheduler struct {
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the job at each interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if job.Interval <= 0 {
		panic("scheduler interval must be positive")
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.logger.Debug().Str("job", job.Name).Dur("interval", job.Interval).Msg("job started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := job.Tick(ctx, now.UTC()); err != nil {
				s.logger.Error().Err(err).Str("job", job.Name).Msg("tick execution failed")
			}
		}
	}
}
