package main

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerRunsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int64
	s := &Scheduler{}
	s.Add("tick", func() time.Duration { return 10 * time.Millisecond }, func(ctx context.Context) {
		atomic.AddInt64(&runs, 1)
	})
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&runs) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 runs, got %d", atomic.LoadInt64(&runs))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var runs int64
	s := &Scheduler{}
	s.Add("tick", func() time.Duration { return 5 * time.Millisecond }, func(ctx context.Context) {
		atomic.AddInt64(&runs, 1)
	})
	s.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	after := atomic.LoadInt64(&runs)
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt64(&runs); got != after {
		t.Errorf("task kept running after cancel: %d -> %d", after, got)
	}
}

func TestSchedulerSurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs int64
	s := &Scheduler{}
	s.Add("panicky", func() time.Duration { return 5 * time.Millisecond }, func(ctx context.Context) {
		atomic.AddInt64(&runs, 1)
		panic("task blew up")
	})
	s.Start(ctx)

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt64(&runs) < 2 {
		select {
		case <-deadline:
			t.Fatalf("panicking task was not rescheduled, runs=%d", atomic.LoadInt64(&runs))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSchedulerDelaysNextRunUntilPreviousFinishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type span struct{ start, end time.Time }
	var mu sync.Mutex
	var runs []span

	// A run takes 30ms on a 5ms interval. Runs must serialize: each start
	// comes after the previous run's end, never inside it.
	s := &Scheduler{}
	s.Add("slow", func() time.Duration { return 5 * time.Millisecond }, func(ctx context.Context) {
		start := time.Now()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		runs = append(runs, span{start, time.Now()})
		mu.Unlock()
	})
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(runs) < 2 {
		t.Fatalf("expected at least 2 runs, got %d", len(runs))
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].start.Before(runs[i-1].end) {
			t.Fatalf("run %d started at %v, before run %d ended at %v", i, runs[i].start, i-1, runs[i-1].end)
		}
	}
}

func TestEventRingWraps(t *testing.T) {
	r := newEventRing(3)
	for i := 0; i < 5; i++ {
		r.Add(RequestEvent{Status: 200 + i})
	}

	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, want := range []int{202, 203, 204} {
		if got[i].Status != want {
			t.Errorf("event %d: expected status %d, got %d", i, want, got[i].Status)
		}
	}
}

func TestEventRingPartialFill(t *testing.T) {
	r := newEventRing(5)
	r.Add(RequestEvent{Status: 200})
	r.Add(RequestEvent{Status: 201})

	got := r.Snapshot()
	if len(got) != 2 || got[0].Status != 200 || got[1].Status != 201 {
		t.Fatalf("expected [200 201], got %v", got)
	}
}
