// Package scheduler implements the open-loop Poisson request generator:
// a single spin-timed goroutine that fans SEND_REQUEST events out to
// worker queues in round-robin order at exponentially-distributed
// intervals, plus the RUNNING/PAUSED/STOPPING run-state machine that
// remote control operates.
package scheduler

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lightstep/treadmill/internal/clock"
	"github.com/lightstep/treadmill/internal/event"
	"github.com/lightstep/treadmill/internal/randgen"
)

// Config configures a Scheduler.
type Config struct {
	// RequestsPerSecond is the aggregate target rate across every
	// worker queue.
	RequestsPerSecond float64
	// OverloadThreshold (T) scales the per-worker queue-depth at which
	// an overload warning is logged.
	OverloadThreshold int64
	// WaitForExternalResume starts the scheduler PAUSED instead of
	// RUNNING, and requires PAUSED as a precondition for SetPhase.
	WaitForExternalResume bool
	// Seed configures the scheduler's exponential-interval PRNG;
	// randgen.UseWallClockSeed selects a wall-clock seed.
	Seed uint64
	// MaxOutstanding is the initial aggregate outstanding-request cap,
	// reported back over getRate and updated by SetMaxOutstanding.
	MaxOutstanding int32
}

// Scheduler owns the worker queues and runs exactly one generator
// goroutine.
type Scheduler struct {
	workers []*event.Queue
	logger  *zap.Logger
	rng     *randgen.Shared

	state                 *runState
	rpsBits               atomic.Uint64
	maxOutstanding        atomic.Int32
	overloadThreshold     int64
	requireExternalResume bool

	done chan struct{}
}

// New builds a Scheduler over the given worker queues. It does not
// start the generator goroutine; call Run for that.
func New(workers []*event.Queue, cfg Config, logger *zap.Logger) *Scheduler {
	initial := Running
	if cfg.WaitForExternalResume {
		initial = Paused
	}
	s := &Scheduler{
		workers:               workers,
		logger:                logger,
		rng:                   randgen.NewShared(cfg.Seed),
		state:                 newRunState(initial),
		overloadThreshold:     cfg.OverloadThreshold,
		requireExternalResume: cfg.WaitForExternalResume,
		done:                  make(chan struct{}),
	}
	s.rpsBits.Store(math.Float64bits(cfg.RequestsPerSecond))
	s.maxOutstanding.Store(cfg.MaxOutstanding)
	return s
}

func (s *Scheduler) rps() float64 { return math.Float64frombits(s.rpsBits.Load()) }

// Rps returns the currently configured target aggregate rate, for
// observation by the remote-control surface.
func (s *Scheduler) Rps() float64 { return s.rps() }

// State returns the current run state.
func (s *Scheduler) State() RunState { return s.state.load() }

// Pause transitions RUNNING -> PAUSED; no-op otherwise.
func (s *Scheduler) Pause() { s.state.pause() }

// Resume transitions PAUSED -> RUNNING and reports whether the state
// is RUNNING after the attempt.
func (s *Scheduler) Resume() bool { return s.state.resume() }

// SetPhase fans a SET_PHASE(name) event out to every worker queue. In
// external-resume mode this requires the scheduler to currently be
// PAUSED.
func (s *Scheduler) SetPhase(name string) error {
	if s.requireExternalResume && s.state.load() != Paused {
		return fmt.Errorf("scheduler: SetPhase requires PAUSED state, got %s", s.state.load())
	}
	s.fanOut(event.NewSetPhase(name))
	return nil
}

// SetRps changes the target aggregate rate; the generator loop picks
// it up at the start of its next interval.
func (s *Scheduler) SetRps(n float64) { s.rpsBits.Store(math.Float64bits(n)) }

// SetMaxOutstanding fans a SET_MAX_OUTSTANDING(n) event out to every
// worker queue and records n as the aggregate outstanding cap.
func (s *Scheduler) SetMaxOutstanding(n int32) {
	s.maxOutstanding.Store(n)
	s.fanOut(event.NewSetMaxOutstanding(n))
}

// MaxOutstanding returns the currently configured aggregate outstanding
// cap, for observation by the remote-control surface.
func (s *Scheduler) MaxOutstanding() int32 { return s.maxOutstanding.Load() }

// Stop stores STOPPING. Idempotent.
func (s *Scheduler) Stop() { s.state.stop() }

// Join blocks until the generator goroutine has exited. Precondition:
// Stop must have been called; calling Join before Stop is a
// programming error.
func (s *Scheduler) Join() {
	if s.state.load() != Stopping {
		panic("scheduler: Join called before Stop")
	}
	<-s.done
}

func (s *Scheduler) fanOut(e event.Event) {
	for _, w := range s.workers {
		w.Enqueue(e)
	}
}

// Run executes the generator loop on the calling goroutine; callers
// invoke it via `go scheduler.Run()`.
func (s *Scheduler) Run() {
	defer close(s.done)

	for {
		s.fanOut(event.ResetEvent)

		nextWorker := 0
		logged := make([]int64, len(s.workers))
		for i := range logged {
			logged[i] = 1
		}

		rpsSnapshot := s.rps()
		meanIntervalNs := 1e9 / rpsSnapshot

		var a, b int64
		budget := s.rng.ExponentialInterval(meanIntervalNs)

		for s.state.load() == Running {
			b = clock.NowNs()
			if a != 0 {
				budget -= float64(b - a)
			}
			if budget > 0 {
				clock.WaitNs(int64(budget))
			}
			a = clock.NowNs()
			budget += s.rng.ExponentialInterval(meanIntervalNs) - float64(a-b)

			s.workers[nextWorker].Enqueue(event.SendRequestEvent)

			if depth := int64(s.workers[nextWorker].Len()); s.overloadThreshold > 0 && depth > s.overloadThreshold*logged[nextWorker] {
				s.logger.Warn("worker queue overload",
					zap.Int("worker", nextWorker),
					zap.Int64("depth", depth),
					zap.Int64("threshold", s.overloadThreshold*logged[nextWorker]),
				)
				logged[nextWorker] *= 2
			}

			nextWorker = (nextWorker + 1) % len(s.workers)

			if newRps := s.rps(); newRps != rpsSnapshot {
				rpsSnapshot = newRps
				meanIntervalNs = 1e9 / rpsSnapshot
			}
		}

		for s.state.load() == Paused {
			clock.WaitNs(1000)
		}

		if s.state.load() == Stopping {
			break
		}
	}

	s.fanOut(event.StopEvent)
}
