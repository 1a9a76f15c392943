package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsEachTaskOnItsPeriod(t *testing.T) {
	var fastRuns, slowRuns atomic.Int32
	fast := &Task{Name: "fast", Period: 5 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		fastRuns.Add(1)
	}}
	slow := &Task{Name: "slow", Period: 40 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		slowRuns.Add(1)
	}}

	s := New(fast, slow)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if fastRuns.Load() < 10 {
		t.Fatalf("expected fast task to have run at least 10 times, got %d", fastRuns.Load())
	}
	if slowRuns.Load() < 1 || slowRuns.Load() > 3 {
		t.Fatalf("expected slow task to have run 1-3 times in 90ms/40ms period, got %d", slowRuns.Load())
	}
}

func TestScheduler_NoCatchUpBurstAfterLongStall(t *testing.T) {
	var runs []time.Time
	t1 := &Task{Name: "t", Period: 10 * time.Millisecond, Run: func(ctx context.Context, now time.Time) {
		runs = append(runs, now)
	}}
	s := New(t1)

	// Simulate a scheduler loop that stalled well past several periods:
	// nextDue is 100ms (ten periods) in the past. Exactly one
	// run should happen, re-aligned to a fresh period from now, not ten.
	t1.nextDue = time.Now().Add(-100 * time.Millisecond)
	s.runDue(context.Background(), time.Now())

	if len(runs) != 1 {
		t.Fatalf("expected exactly one run after a long stall (no catch-up burst), got %d", len(runs))
	}
}
