package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lightstep/treadmill/internal/stats"
	"github.com/lightstep/treadmill/internal/worker"
)

type countingWorkload struct{ sent atomic.Int64 }

func (c *countingWorkload) NextRequest(ctx context.Context) (worker.Request, func(worker.Completion), error) {
	c.sent.Add(1)
	return "req", func(worker.Completion) {}, nil
}
func (c *countingWorkload) Reset()          {}
func (c *countingWorkload) SetPhase(string) {}

type instantConnection struct{}

func (instantConnection) IsReady(ctx context.Context) bool { return true }

func (instantConnection) Send(ctx context.Context, req worker.Request) (worker.Reply, error) {
	return "ok", nil
}

func TestOrchestratorNewValidatesConfig(t *testing.T) {
	_, err := New(Config{NumWorkers: 0, NumConnections: 1})
	if err == nil {
		t.Fatalf("expected error for NumWorkers=0")
	}
	_, err = New(Config{NumWorkers: 1, NumConnections: 0})
	if err == nil {
		t.Fatalf("expected error for NumConnections=0")
	}
}

func TestOrchestratorRunDrivesRequestsAndStopsOnRuntime(t *testing.T) {
	workloads := make([]*countingWorkload, 2)
	cfg := Config{
		NumWorkers:     2,
		NumConnections: 2,
		ConnectionFactory: func(workerID, connIdx int) worker.Connection {
			return instantConnection{}
		},
		WorkloadFactory: func(workerID int) worker.Workload {
			wl := &countingWorkload{}
			workloads[workerID] = wl
			return wl
		},
		RequestsPerSecond:   2000,
		MaxOutstandingTotal: 40,
		WorkerShutdownDelay: time.Second,
		Budgets:             stats.Budgets{},
		Logger:              zap.NewNop(),
		Seed:                1,
	}

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	o.Run(context.Background(), 30*time.Millisecond)

	total := int64(0)
	for _, wl := range workloads {
		total += wl.sent.Load()
	}
	if total == 0 {
		t.Fatalf("expected some requests to have been sent, got 0")
	}

	report := o.Report()
	if report.GetContinuous(stats.RequestLatency).N() == 0 {
		t.Fatalf("expected combined report to include recorded latencies")
	}
}

func TestOrchestratorRunRespectsContextCancellation(t *testing.T) {
	cfg := Config{
		NumWorkers:     1,
		NumConnections: 1,
		ConnectionFactory: func(workerID, connIdx int) worker.Connection {
			return instantConnection{}
		},
		WorkloadFactory: func(workerID int) worker.Workload {
			return &countingWorkload{}
		},
		RequestsPerSecond:   1000,
		MaxOutstandingTotal: 10,
		WorkerShutdownDelay: 200 * time.Millisecond,
		Budgets:             stats.Budgets{},
		Logger:              zap.NewNop(),
		Seed:                1,
	}
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	o.Run(ctx, time.Hour) // would never return on its own without cancellation
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Run() took %v, expected early return via context cancellation", elapsed)
	}
}
