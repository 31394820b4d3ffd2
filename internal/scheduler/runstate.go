package scheduler

import "sync/atomic"

// RunState is the scheduler's atomic lifecycle enum.
type RunState int32

const (
	Running RunState = iota
	Paused
	Stopping
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// runState wraps an atomic.Int32 with the compare-and-set transitions
// the scheduler needs.
type runState struct {
	v atomic.Int32
}

func newRunState(initial RunState) *runState {
	r := &runState{}
	r.v.Store(int32(initial))
	return r
}

func (r *runState) load() RunState { return RunState(r.v.Load()) }

// pause performs RUNNING -> PAUSED; no-op otherwise.
func (r *runState) pause() {
	r.v.CompareAndSwap(int32(Running), int32(Paused))
}

// resume performs PAUSED -> RUNNING and reports whether the state is
// RUNNING after the attempt.
func (r *runState) resume() bool {
	r.v.CompareAndSwap(int32(Paused), int32(Running))
	return r.load() == Running
}

// stop stores STOPPING unconditionally. Idempotent.
func (r *runState) stop() { r.v.Store(int32(Stopping)) }
