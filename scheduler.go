package main

import (
	"context"
	"log"
	"time"
)

// scheduledTask is one named recurring job.
type scheduledTask struct {
	name     string
	interval func() time.Duration
	fn       func(ctx context.Context)
}

// Scheduler runs each registered task on its own ticker. A panicking task
// is logged and does not take down the agent or the other tasks.
type Scheduler struct {
	tasks []*scheduledTask
}

// Add registers a task. The interval is re-read on every tick cycle so
// config merges that change an interval take effect at the next rollover.
func (s *Scheduler) Add(name string, interval func() time.Duration, fn func(ctx context.Context)) {
	s.tasks = append(s.tasks, &scheduledTask{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per task and returns. Tasks stop when ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		go s.runTask(ctx, t)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t *scheduledTask) {
	interval := t.interval()
	if interval <= 0 {
		log.Printf("WARNING: task %s has non-positive interval, not scheduling", t.name)
		return
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// The task runs to completion before the timer is rearmed, so a
		// slow run delays the next one instead of overlapping it.
		s.invoke(ctx, t)
		timer.Reset(t.interval())
	}
}

func (s *Scheduler) invoke(ctx context.Context, t *scheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("WARNING: task %s panicked: %v", t.name, r)
		}
	}()
	t.fn(ctx)
}
