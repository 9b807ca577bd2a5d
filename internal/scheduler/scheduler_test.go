package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerRunsJobPeriodically(t *testing.T) {
	var ticks atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- New(zerolog.Nop()).Run(ctx, Job{
			Name:     "test",
			Interval: 10 * time.Millisecond,
			Tick: func(ctx context.Context, now time.Time) error {
				if ticks.Add(1) >= 3 {
					cancel()
				}
				return nil
			},
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run 应以取消结束: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	if ticks.Load() < 3 {
		t.Fatalf("ticks = %d, want at least 3", ticks.Load())
	}
}

func TestSchedulerSurvivesFailingTick(t *testing.T) {
	var ticks atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- New(zerolog.Nop()).Run(ctx, Job{
			Name:     "flaky",
			Interval: 5 * time.Millisecond,
			Tick: func(ctx context.Context, now time.Time) error {
				if ticks.Add(1) >= 2 {
					cancel()
				}
				return errors.New("boom")
			},
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failing tick must not stop the job")
	}

	if ticks.Load() < 2 {
		t.Fatalf("ticks = %d, want at least 2", ticks.Load())
	}
}
