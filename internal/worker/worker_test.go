package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lightstep/treadmill/internal/event"
	"github.com/lightstep/treadmill/internal/stats"
)

// zeroBudgets makes every ContinuousStatistic record from its first
// sample, so tests don't need thousands of iterations to see a value.
func zeroBudgets() stats.Budgets {
	return stats.Budgets{}
}

type fakeWorkload struct {
	mu         sync.Mutex
	reqs       []Request
	idx        int
	resetCount int
	phases     []string
	terminated bool
}

func (f *fakeWorkload) NextRequest(ctx context.Context) (Request, func(Completion), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.reqs) {
		return nil, nil, nil
	}
	r := f.reqs[f.idx]
	f.idx++
	return r, func(Completion) {}, nil
}

func (f *fakeWorkload) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCount++
}

func (f *fakeWorkload) SetPhase(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, name)
}

type fakeConnection struct {
	ready bool
	delay chan struct{} // if non-nil, Send blocks until this is closed
	err   error
	reply Reply
}

func (c *fakeConnection) IsReady(ctx context.Context) bool { return c.ready }

func (c *fakeConnection) Send(ctx context.Context, req Request) (Reply, error) {
	if c.delay != nil {
		<-c.delay
	}
	return c.reply, c.err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestWorkerRecordsLatencyOnCompletion(t *testing.T) {
	wl := &fakeWorkload{reqs: []Request{"req1"}}
	conn := &fakeConnection{ready: true, reply: "ok"}
	m := stats.NewManager("test-latency", zeroBudgets())
	w := New(Config{
		ID: 0, TotalWorkers: 1, MaxOutstanding: 10,
		Connections: []Connection{conn}, Workload: wl,
		Stats: m, Logger: zap.NewNop(),
	})

	go w.Run()
	w.Queue().Enqueue(event.SendRequestEvent)

	waitFor(t, time.Second, func() bool { return m.GetContinuous(stats.RequestLatency).N() > 0 })

	w.Queue().Enqueue(event.StopEvent)
	<-w.Done()
}

func TestWorkerAdmissionControlDropsOverCap(t *testing.T) {
	block := make(chan struct{})
	wl := &fakeWorkload{reqs: []Request{"a", "b", "c"}}
	conn := &fakeConnection{ready: true, delay: block, reply: "ok"}
	m := stats.NewManager("test-admission", zeroBudgets())
	w := New(Config{
		ID: 0, TotalWorkers: 1, MaxOutstanding: 1,
		Connections: []Connection{conn}, Workload: wl,
		Stats: m, Logger: zap.NewNop(),
	})

	go w.Run()
	w.Queue().Enqueue(event.SendRequestEvent) // admitted, now blocked in flight
	waitFor(t, time.Second, func() bool { return w.Outstanding() == 1 })

	w.Queue().Enqueue(event.SendRequestEvent) // dropped: at cap
	w.Queue().Enqueue(event.SendRequestEvent) // dropped: at cap
	time.Sleep(20 * time.Millisecond)
	if got := w.Outstanding(); got != 1 {
		t.Fatalf("Outstanding() = %d, want 1 (extra sends should be dropped)", got)
	}

	close(block)
	waitFor(t, time.Second, func() bool { return w.Outstanding() == 0 })

	w.Queue().Enqueue(event.StopEvent)
	<-w.Done()
}

func TestWorkerEndOfWorkStopsAcceptingRequests(t *testing.T) {
	wl := &fakeWorkload{reqs: []Request{"only-one"}}
	conn := &fakeConnection{ready: true, reply: "ok"}
	m := stats.NewManager("test-eow", zeroBudgets())
	terminated := make(chan struct{})
	w := New(Config{
		ID: 0, TotalWorkers: 1, MaxOutstanding: 10,
		Connections: []Connection{conn}, Workload: wl,
		Stats: m, Logger: zap.NewNop(),
		OnTerminate: func() { close(terminated) },
	})

	go w.Run()
	w.Queue().Enqueue(event.SendRequestEvent) // consumes the only request
	waitFor(t, time.Second, func() bool { return m.GetContinuous(stats.RequestLatency).N() > 0 })
	w.Queue().Enqueue(event.SendRequestEvent) // workload now returns nil -> terminate

	select {
	case <-terminated:
	case <-time.After(time.Second):
		t.Fatalf("OnTerminate never called")
	}

	// Run should now exit on its own since running=false and outstanding=0.
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("worker did not exit after end-of-work")
	}
}

func TestWorkerCountsExceptionsOnSendError(t *testing.T) {
	wl := &fakeWorkload{reqs: []Request{"req"}}
	conn := &fakeConnection{ready: true, err: errors.New("boom")}
	m := stats.NewManager("test-exceptions", zeroBudgets())
	w := New(Config{
		ID: 0, TotalWorkers: 1, MaxOutstanding: 10,
		Connections: []Connection{conn}, Workload: wl,
		Stats: m, Logger: zap.NewNop(),
	})

	go w.Run()
	w.Queue().Enqueue(event.SendRequestEvent)

	waitFor(t, time.Second, func() bool { return m.GetCounter(stats.Exceptions).Count() > 0 })

	w.Queue().Enqueue(event.StopEvent)
	<-w.Done()
}

func TestWorkerUncaughtExceptionCountedOnFulfillPanic(t *testing.T) {
	wl := &panicWorkload{}
	conn := &fakeConnection{ready: true, reply: "ok"}
	m := stats.NewManager("test-uncaught", zeroBudgets())
	w := New(Config{
		ID: 0, TotalWorkers: 1, MaxOutstanding: 10,
		Connections: []Connection{conn}, Workload: wl,
		Stats: m, Logger: zap.NewNop(),
	})

	go w.Run()
	w.Queue().Enqueue(event.SendRequestEvent)

	waitFor(t, time.Second, func() bool { return m.GetCounter(stats.UncaughtExceptions).Count() > 0 })

	w.Queue().Enqueue(event.StopEvent)
	<-w.Done()
}

type panicWorkload struct{ sent bool }

func (p *panicWorkload) NextRequest(ctx context.Context) (Request, func(Completion), error) {
	if p.sent {
		return nil, nil, nil
	}
	p.sent = true
	return "req", func(Completion) { panic("consumer did not handle completion") }, nil
}
func (p *panicWorkload) Reset()             {}
func (p *panicWorkload) SetPhase(name string) {}

func TestWorkerStopWaitsForOutstandingDrain(t *testing.T) {
	block := make(chan struct{})
	wl := &fakeWorkload{reqs: []Request{"req"}}
	conn := &fakeConnection{ready: true, delay: block, reply: "ok"}
	m := stats.NewManager("test-drain", zeroBudgets())
	w := New(Config{
		ID: 0, TotalWorkers: 1, MaxOutstanding: 10,
		Connections: []Connection{conn}, Workload: wl,
		Stats: m, Logger: zap.NewNop(),
	})

	go w.Run()
	w.Queue().Enqueue(event.SendRequestEvent)
	waitFor(t, time.Second, func() bool { return w.Outstanding() == 1 })

	w.Queue().Enqueue(event.StopEvent)

	select {
	case <-w.Done():
		t.Fatalf("worker exited before outstanding request drained")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("worker never exited after drain completed")
	}
}

func TestWorkerTerminateForcesExitRegardlessOfOutstanding(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	wl := &fakeWorkload{reqs: []Request{"req"}}
	conn := &fakeConnection{ready: true, delay: block, reply: "ok"}
	m := stats.NewManager("test-terminate", zeroBudgets())
	w := New(Config{
		ID: 0, TotalWorkers: 1, MaxOutstanding: 10,
		Connections: []Connection{conn}, Workload: wl,
		Stats: m, Logger: zap.NewNop(),
	})

	go w.Run()
	w.Queue().Enqueue(event.SendRequestEvent)
	waitFor(t, time.Second, func() bool { return w.Outstanding() == 1 })

	w.Terminate()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatalf("Terminate did not force the loop to exit")
	}
}

func TestWorkerResetAndSetPhaseForwardToWorkload(t *testing.T) {
	wl := &fakeWorkload{}
	conn := &fakeConnection{ready: true}
	m := stats.NewManager("test-reset-phase", zeroBudgets())
	w := New(Config{
		ID: 0, TotalWorkers: 1, MaxOutstanding: 10,
		Connections: []Connection{conn}, Workload: wl,
		Stats: m, Logger: zap.NewNop(),
	})

	go w.Run()
	w.Queue().Enqueue(event.ResetEvent)
	w.Queue().Enqueue(event.NewSetPhase("steady"))
	w.Queue().Enqueue(event.StopEvent)
	<-w.Done()

	wl.mu.Lock()
	defer wl.mu.Unlock()
	if wl.resetCount != 1 {
		t.Fatalf("resetCount = %d, want 1", wl.resetCount)
	}
	if len(wl.phases) != 1 || wl.phases[0] != "steady" {
		t.Fatalf("phases = %v, want [steady]", wl.phases)
	}
}
