package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newSchedulerUnderTest(t *testing.T, period time.Duration, clk clock.Clock) (*Scheduler, *capturePublisher) {
	t.Helper()
	pub := &capturePublisher{}
	core := NewCore(
		testWeightConfig(),
		newTestAggregator(),
		NewParamRegistry(),
		NewInputBuffer(5000, 1000),
		NewOverrideTable(),
		clk,
		pub,
		nil,
	)
	if err := core.RegisterParameter(ParameterSpec{Name: "mood", Min: 0, Max: 1, Default: 0.5, Smoothing: 0.3}); err != nil {
		t.Fatal(err)
	}
	return NewScheduler(period, core, clk, nil), pub
}

func TestScheduler_ProducesTicks(t *testing.T) {
	sched, _ := newSchedulerUnderTest(t, 5*time.Millisecond, clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for sched.Ticks() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sched.Stop()

	if got := sched.Ticks(); got < 5 {
		t.Fatalf("expected at least 5 ticks, got %d", got)
	}
	if sched.State() != SchedStopped {
		t.Errorf("state = %v, want stopped", sched.State())
	}
}

func TestScheduler_OnTickReportsDurations(t *testing.T) {
	sched, _ := newSchedulerUnderTest(t, 5*time.Millisecond, clock.New())

	var observed atomic.Int64
	sched.OnTick = func(elapsed time.Duration) {
		if elapsed < 0 {
			t.Errorf("negative tick duration %v", elapsed)
		}
		observed.Add(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for sched.Ticks() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sched.Stop()

	if got, ticks := observed.Load(), sched.Ticks(); got != int64(ticks) {
		t.Fatalf("OnTick fired %d times for %d ticks", got, ticks)
	}
}

func TestScheduler_StateMachine(t *testing.T) {
	sched, _ := newSchedulerUnderTest(t, time.Hour, clock.New())

	if sched.State() != SchedIdle {
		t.Fatalf("initial state = %v, want idle", sched.State())
	}

	// Stop before start is a no-op.
	sched.Stop()
	if sched.State() != SchedIdle {
		t.Errorf("stop on idle moved state to %v", sched.State())
	}

	ctx := context.Background()
	sched.Start(ctx)
	if sched.State() != SchedRunning {
		t.Fatalf("state after start = %v, want running", sched.State())
	}

	// Start is idempotent while running.
	sched.Start(ctx)
	if sched.State() != SchedRunning {
		t.Errorf("second start moved state to %v", sched.State())
	}

	sched.Stop()
	if sched.State() != SchedStopped {
		t.Fatalf("state after stop = %v, want stopped", sched.State())
	}

	// Stop is idempotent once stopped.
	sched.Stop()
	if sched.State() != SchedStopped {
		t.Errorf("second stop moved state to %v", sched.State())
	}

	// A stopped scheduler restarts cleanly.
	sched.Start(ctx)
	if sched.State() != SchedRunning {
		t.Errorf("restart state = %v, want running", sched.State())
	}
	sched.Stop()
}

func TestScheduler_StopWithoutTicksPublishesNothing(t *testing.T) {
	sched, pub := newSchedulerUnderTest(t, time.Hour, clock.New())

	sched.Start(context.Background())
	sched.Stop()

	if len(pub.snapshots) != 0 {
		t.Errorf("stopped before first boundary but published %d snapshots", len(pub.snapshots))
	}
}

func TestScheduler_ContextCancelStops(t *testing.T) {
	sched, _ := newSchedulerUnderTest(t, 5*time.Millisecond, clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for sched.State() != SchedStopped && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sched.State() != SchedStopped {
		t.Fatalf("state = %v, want stopped after context cancel", sched.State())
	}
}
