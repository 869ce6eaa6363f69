package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// SchedulerState is the scheduler's lifecycle state machine:
// idle -> running -> stopping -> stopped. Only running produces ticks.
type SchedulerState int

const (
	SchedIdle SchedulerState = iota
	SchedRunning
	SchedStopping
	SchedStopped
)

func (s SchedulerState) String() string {
	switch s {
	case SchedIdle:
		return "idle"
	case SchedRunning:
		return "running"
	case SchedStopping:
		return "stopping"
	case SchedStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Scheduler drives the core at a fixed cadence. Ticks land on aligned
// period boundaries; an overrun skips straight to the next boundary
// rather than queueing catch-up ticks, which would feed the overload
// back into itself.
type Scheduler struct {
	Period time.Duration

	core  *Core
	clock clock.Clock
	log   *zap.SugaredLogger

	// OnOverrun is invoked once per tick that ran longer than the
	// period. Optional metric hook.
	OnOverrun func()

	// OnTick receives every tick's wall time. Optional metric hook.
	OnTick func(elapsed time.Duration)

	mu     sync.Mutex
	state  SchedulerState
	stopCh chan struct{}
	doneCh chan struct{}

	overruns uint64
	ticks    uint64
}

func NewScheduler(period time.Duration, core *Core, clk clock.Clock, log *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		Period: period,
		core:   core,
		clock:  clk,
		log:    log,
		state:  SchedIdle,
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ticks returns how many ticks have completed.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Overruns returns the tickOverrun counter.
func (s *Scheduler) Overruns() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overruns
}

// Start transitions to running and launches the tick loop. Starting a
// running scheduler is a no-op; starting after stop restarts cleanly.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SchedRunning || s.state == SchedStopping {
		return
	}
	s.state = SchedRunning
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	if s.log != nil {
		s.log.Infow("scheduler_start", "period", s.Period)
	}
	go s.run(ctx, s.stopCh, s.doneCh)
}

// Stop requests a stop. The request is processed before the next tick;
// an in-flight tick always completes. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != SchedRunning {
		s.mu.Unlock()
		return
	}
	s.state = SchedStopping
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.state = SchedStopped
	s.mu.Unlock()
	if s.log != nil {
		s.log.Infow("scheduler_stopped", "ticks", s.ticks, "overruns", s.overruns)
	}
}

func (s *Scheduler) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	next := s.clock.Now().Add(s.Period)
	for {
		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			wait = 0
		}
		timer := s.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mu.Lock()
			s.state = SchedStopped
			s.mu.Unlock()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		started := s.clock.Now()
		s.core.Tick()
		elapsed := s.clock.Now().Sub(started)

		if s.OnTick != nil {
			s.OnTick(elapsed)
		}

		s.mu.Lock()
		s.ticks++
		if elapsed > s.Period {
			s.overruns++
			if s.OnOverrun != nil {
				s.OnOverrun()
			}
			if s.log != nil {
				s.log.Debugw("tick_overrun", "elapsed", elapsed, "period", s.Period)
			}
		}
		s.mu.Unlock()

		// Next aligned boundary strictly after now; overruns skip the
		// boundaries they blew through.
		next = next.Add(s.Period)
		for !next.After(s.clock.Now()) {
			next = next.Add(s.Period)
		}
	}
}
