package worker

import "context"

// Request is an opaque payload handed from a Workload to a Connection.
// Concrete workloads and connections agree privately on its dynamic
// type; the worker never inspects it.
type Request interface{}

// Reply is an opaque response payload returned by a Connection.
type Reply interface{}

// Completion is fulfilled by the worker's send path once the
// connection's future resolves, and observed by the workload if it
// cares about the outcome (e.g. to drive a follow-up request).
type Completion struct {
	Reply Reply
	Err   error
}

// Workload is the external "what to send" capability. NextRequest
// returns the request to send plus a fulfill callback the worker
// invokes once the request's completion (success or failure) is
// known -- standing in for the promise/future pair a workload would
// otherwise hold directly. A nil request signals end-of-work; the
// worker then stops accepting further SEND_REQUEST events and fulfill
// is not called.
type Workload interface {
	NextRequest(ctx context.Context) (req Request, fulfill func(Completion), err error)
	Reset()
	SetPhase(name string)
}

// Connection is the external "how to send it" capability. The worker
// owns a fixed pool of these per worker and round-robins across them.
type Connection interface {
	IsReady(ctx context.Context) bool
	Send(ctx context.Context, req Request) (Reply, error)
}
