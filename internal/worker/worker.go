// Package worker implements the per-worker request pump: a single
// goroutine that consumes events from its queue, drives a pool of
// Connections through a Workload, enforces an outstanding-request
// admission cap, and records latency and error statistics. Network
// completions run on their own goroutines but fold their effects back
// onto the worker's own goroutine as TASK events, so worker-local
// state is never mutated concurrently.
package worker

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lightstep/treadmill/internal/clock"
	"github.com/lightstep/treadmill/internal/config"
	"github.com/lightstep/treadmill/internal/event"
	"github.com/lightstep/treadmill/internal/stats"
)

const throughputSampleInterval = 100 * time.Millisecond

// Config configures a Worker.
type Config struct {
	ID             int
	TotalWorkers   int
	MaxOutstanding int32
	Connections    []Connection
	Workload       Workload
	Stats          *stats.Manager
	Logger         *zap.Logger

	// OnTerminate is invoked once, on the worker's own goroutine, when
	// the workload signals end-of-work.
	OnTerminate func()

	// ReadinessGate, if true, makes WaitReady poll every connection's
	// IsReady before Run is expected to be started.
	ReadinessGate     bool
	ReadyPollInterval time.Duration
	// ReadyPredicate, if non-nil, is polled alongside connection
	// readiness and can short-circuit the wait (e.g. a remote counter
	// threshold).
	ReadyPredicate func() bool

	// HasAffinity and AffinityCore pin the worker's Run goroutine to a
	// specific CPU core. When HasAffinity is true, Run locks itself to
	// its OS thread before entering its event loop.
	HasAffinity  bool
	AffinityCore int
}

// Worker is a single-goroutine request pump.
type Worker struct {
	id           int
	totalWorkers int
	queue        *event.Queue
	connections  []Connection
	workload     Workload
	stats        *stats.Manager
	logger       *zap.Logger
	onTerminate  func()

	readinessGate     bool
	readyPollInterval time.Duration
	readyPredicate    func() bool

	hasAffinity  bool
	affinityCore int

	maxOutstanding atomic.Int32

	// Everything below is touched only by the goroutine running Run.
	running          bool
	outstanding      int
	connIdx          int
	requestsInPeriod int64
	lastSampleAtNs   int64

	done chan struct{}
}

// New builds a Worker with its own event queue.
func New(cfg Config) *Worker {
	pollInterval := cfg.ReadyPollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	w := &Worker{
		id:                cfg.ID,
		totalWorkers:      cfg.TotalWorkers,
		queue:             event.NewQueue(),
		connections:       cfg.Connections,
		workload:          cfg.Workload,
		stats:             cfg.Stats,
		logger:            cfg.Logger,
		onTerminate:       cfg.OnTerminate,
		readinessGate:     cfg.ReadinessGate,
		readyPollInterval: pollInterval,
		readyPredicate:    cfg.ReadyPredicate,
		hasAffinity:       cfg.HasAffinity,
		affinityCore:      cfg.AffinityCore,
		done:              make(chan struct{}),
	}
	w.maxOutstanding.Store(cfg.MaxOutstanding)
	return w
}

// Queue returns the worker's event queue, the handle the scheduler
// fans events onto.
func (w *Worker) Queue() *event.Queue { return w.queue }

// Outstanding returns the current outstanding-request count. Safe to
// call from any goroutine for observation purposes; the returned value
// may be immediately stale.
func (w *Worker) Outstanding() int {
	// Only ever mutated on the loop goroutine; reads from elsewhere are
	// for monitoring/tests and race only on the int's word, which Go
	// guarantees is not a torn read for machine-word-sized ints.
	return w.outstanding
}

// WaitReady blocks, if a readiness gate is configured, until every
// connection reports ready or the ready predicate fires.
func (w *Worker) WaitReady(ctx context.Context) {
	if !w.readinessGate {
		return
	}
	for _, c := range w.connections {
		for !c.IsReady(ctx) {
			if w.readyPredicate != nil && w.readyPredicate() {
				return
			}
			time.Sleep(w.readyPollInterval)
		}
	}
}

// Run executes the event loop on the calling goroutine; callers invoke
// it via `go w.Run()`. When the worker was configured with an affinity
// core, Run pins its goroutine to its own OS thread and that thread to
// the configured core before entering the loop.
func (w *Worker) Run() {
	defer close(w.done)
	if w.hasAffinity {
		runtime.LockOSThread()
		if err := config.SetAffinity(w.affinityCore); err != nil {
			w.logger.Warn("failed to set CPU affinity", zap.Int("worker", w.id), zap.Int("core", w.affinityCore), zap.Error(err))
		}
	}
	w.running = true
	for {
		e, ok := w.queue.Dequeue()
		if !ok {
			return
		}
		w.handle(e)
		if !w.running && w.outstanding == 0 {
			return
		}
	}
}

// Terminate force-closes the queue, causing Run to exit on its next
// Dequeue regardless of outstanding count. Used by the orchestrator
// after the drain grace period expires.
func (w *Worker) Terminate() { w.queue.Close() }

// Done returns a channel closed when Run has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) handle(e event.Event) {
	switch e.Kind {
	case event.Stop:
		w.running = false
	case event.Reset:
		w.workload.Reset()
	case event.SetPhase:
		w.workload.SetPhase(e.Phase)
	case event.SetMaxOutstanding:
		w.maxOutstanding.Store(e.MaxOutstanding)
	case event.SendRequest:
		w.handleSendRequest()
	case event.Task:
		e.Fn()
	}
}

func (w *Worker) handleSendRequest() {
	w.maybeSampleThroughput()

	if !w.running || w.outstanding >= int(w.maxOutstanding.Load()) {
		return
	}

	req, fulfill, err := w.workload.NextRequest(context.Background())
	if err != nil {
		w.logger.Warn("workload.NextRequest failed", zap.Int("worker", w.id), zap.Error(err))
		return
	}
	if req == nil {
		w.running = false
		if w.onTerminate != nil {
			w.onTerminate()
		}
		return
	}

	conn := w.connections[w.connIdx]
	w.connIdx = (w.connIdx + 1) % len(w.connections)

	sendTimeNs := clock.NowNs()
	w.outstanding++

	go func() {
		reply, sendErr := conn.Send(context.Background(), req)
		w.queue.Enqueue(event.NewTask(func() {
			w.onCompletion(sendTimeNs, reply, sendErr, fulfill)
		}))
	}()
}

func (w *Worker) onCompletion(sendTimeNs int64, reply Reply, sendErr error, fulfill func(Completion)) {
	latencyUs := float64(clock.NowNs()-sendTimeNs) / 1000.0
	w.stats.GetContinuous(stats.RequestLatency).AddSample(latencyUs)
	w.requestsInPeriod++

	if sendErr != nil {
		w.stats.GetCounter(stats.Exceptions).Increase(1, classifyError(sendErr))
	}
	w.outstanding--

	if fulfill != nil {
		w.safeFulfill(fulfill, Completion{Reply: reply, Err: sendErr})
	}
}

// safeFulfill invokes the workload's completion callback, catching any
// panic that escapes it -- the analogue of an uncaught exception on
// the promise's consumer side -- and counting it separately from
// per-request send errors.
func (w *Worker) safeFulfill(fulfill func(Completion), c Completion) {
	defer func() {
		if r := recover(); r != nil {
			w.stats.GetCounter(stats.UncaughtExceptions).Increase(1, classifyPanic(r))
		}
	}()
	fulfill(c)
}

func (w *Worker) maybeSampleThroughput() {
	now := clock.NowNs()
	elapsedNs := now - w.lastSampleAtNs
	if w.lastSampleAtNs != 0 && time.Duration(elapsedNs) < throughputSampleInterval {
		return
	}
	elapsedSeconds := float64(elapsedNs) / 1e9
	if w.lastSampleAtNs != 0 && elapsedSeconds > 0 {
		throughput := (float64(w.requestsInPeriod) / elapsedSeconds) * float64(w.totalWorkers)
		w.stats.GetContinuous(stats.Throughput).AddSample(throughput)
	}
	w.stats.GetContinuous(stats.OutstandingRequests).AddSample(float64(w.outstanding * w.totalWorkers))
	w.requestsInPeriod = 0
	w.lastSampleAtNs = now
}
