package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToBucket: true}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)

	if got := s.nextTick(now); !got.Equal(time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)) {
		t.Fatalf("next tick = %s", got)
	}
	onBoundary := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(time.Minute)) {
		t.Fatalf("boundary tick = %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("bucket start = %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 45 * time.Second}, zerolog.Nop())
	now := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(45 * time.Second)) {
		t.Fatalf("next tick = %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("bucket start should be identity, got %s", got)
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("zero interval should panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}

func TestRunTicksSequentially(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var running, overlaps, ticks int32
	err := s.Run(ctx, func(ctx context.Context, at time.Time) error {
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(15 * time.Millisecond)
		atomic.StoreInt32(&running, 0)
		if atomic.AddInt32(&ticks, 1) == 3 {
			cancel()
		}
		return errors.New("tick errors are logged, not fatal")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run should stop with context.Canceled, got %v", err)
	}
	if atomic.LoadInt32(&ticks) < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", ticks)
	}
	if overlaps != 0 {
		t.Fatalf("ticks overlapped %d times", overlaps)
	}
}

func TestRunHonoursStartupDelayCancellation(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	called := false
	err := s.Run(ctx, func(context.Context, time.Time) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if called {
		t.Fatal("tick must not run during the startup delay")
	}
}
