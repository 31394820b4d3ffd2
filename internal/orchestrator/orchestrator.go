// Package orchestrator builds the scheduler and worker pool, drives
// their run/stop lifecycle against a wall-clock runtime budget, and
// folds every worker's statistics into a combined report at shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lightstep/treadmill/internal/event"
	"github.com/lightstep/treadmill/internal/scheduler"
	"github.com/lightstep/treadmill/internal/stats"
	"github.com/lightstep/treadmill/internal/worker"
)

// Config configures an Orchestrator. NumWorkers, NumConnections, and
// the two factories describe how each worker's Connection pool and
// Workload are constructed; WorkloadFactory receives the worker ID so
// each worker's Workload can depend on its own identity (e.g. a
// distinct key-space shard).
type Config struct {
	NumWorkers        int
	NumConnections    int
	ConnectionFactory func(workerID, connIdx int) worker.Connection
	WorkloadFactory   func(workerID int) worker.Workload

	RequestsPerSecond     float64
	MaxOutstandingTotal   int32
	OverloadThreshold     int64
	WaitForExternalResume bool
	Seed                  uint64

	ReadinessGate     bool
	ReadyPollInterval time.Duration
	ReadyPredicate    func() bool

	// CPUAffinity, if non-empty, must have one entry per worker; worker
	// i is pinned to CPUAffinity[i].
	CPUAffinity []int

	WorkerShutdownDelay time.Duration

	Budgets stats.Budgets
	Logger  *zap.Logger
}

// Orchestrator owns the scheduler and every worker it fans events to.
type Orchestrator struct {
	scheduler           *scheduler.Scheduler
	workers             []*worker.Worker
	logger              *zap.Logger
	workerShutdownDelay time.Duration
}

// New validates cfg and builds the scheduler and worker pool. It does
// not start any goroutines; call Run for that.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("orchestrator: NumWorkers must be positive, got %d", cfg.NumWorkers)
	}
	if cfg.NumConnections <= 0 {
		return nil, fmt.Errorf("orchestrator: NumConnections must be positive, got %d", cfg.NumConnections)
	}

	perWorkerMax := cfg.MaxOutstandingTotal / int32(cfg.NumWorkers)
	if perWorkerMax <= 0 {
		perWorkerMax = 1
	}

	workers := make([]*worker.Worker, cfg.NumWorkers)
	queues := make([]*event.Queue, cfg.NumWorkers)

	for i := 0; i < cfg.NumWorkers; i++ {
		conns := make([]worker.Connection, cfg.NumConnections)
		for j := range conns {
			conns[j] = cfg.ConnectionFactory(i, j)
		}

		m := stats.NewManager(fmt.Sprintf("worker-%d", i), cfg.Budgets)
		workerCfg := worker.Config{
			ID:                i,
			TotalWorkers:      cfg.NumWorkers,
			MaxOutstanding:    perWorkerMax,
			Connections:       conns,
			Workload:          cfg.WorkloadFactory(i),
			Stats:             m,
			Logger:            cfg.Logger,
			ReadinessGate:     cfg.ReadinessGate,
			ReadyPollInterval: cfg.ReadyPollInterval,
			ReadyPredicate:    cfg.ReadyPredicate,
		}
		if len(cfg.CPUAffinity) == cfg.NumWorkers {
			workerCfg.HasAffinity = true
			workerCfg.AffinityCore = cfg.CPUAffinity[i]
		}
		w := worker.New(workerCfg)
		workers[i] = w
		queues[i] = w.Queue()
	}

	sched := scheduler.New(queues, scheduler.Config{
		RequestsPerSecond:     cfg.RequestsPerSecond,
		OverloadThreshold:     cfg.OverloadThreshold,
		WaitForExternalResume: cfg.WaitForExternalResume,
		Seed:                  cfg.Seed,
		MaxOutstanding:        cfg.MaxOutstandingTotal,
	}, cfg.Logger)

	return &Orchestrator{
		scheduler:           sched,
		workers:             workers,
		logger:              cfg.Logger,
		workerShutdownDelay: cfg.WorkerShutdownDelay,
	}, nil
}

// Scheduler returns the underlying scheduler, for the remote-control
// surface to drive pause/resume/setRps/etc against.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.scheduler }

// Workers returns the worker pool, for observation (e.g. outstanding
// samples) or a readiness-gate predicate.
func (o *Orchestrator) Workers() []*worker.Worker { return o.workers }

// Run blocks the calling goroutine for up to runtime (or until ctx is
// canceled, whichever comes first), then stops the scheduler, gives
// workers their configured grace period to drain outstanding requests,
// and force-terminates any that haven't finished by then.
func (o *Orchestrator) Run(ctx context.Context, runtime time.Duration) {
	for _, w := range o.workers {
		w.WaitReady(ctx)
	}
	for _, w := range o.workers {
		go w.Run()
	}
	go o.scheduler.Run()

	timer := time.NewTimer(runtime)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	o.scheduler.Stop()
	o.scheduler.Join()

	o.drainWorkers()
}

func (o *Orchestrator) drainWorkers() {
	deadline := time.Now().Add(o.workerShutdownDelay)
	for _, w := range o.workers {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-w.Done():
		case <-time.After(remaining):
			o.logger.Warn("forcing worker termination after shutdown grace period")
			w.Terminate()
			<-w.Done()
		}
	}
}

// Report folds every worker's statistics into a single combined
// manager.
func (o *Orchestrator) Report() *stats.Manager { return stats.Combined() }
