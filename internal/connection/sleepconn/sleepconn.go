// Package sleepconn provides a synthetic worker.Connection with a
// configurable fixed or jittered latency, used for local testing and
// demos where no real backend is available.
package sleepconn

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/lightstep/treadmill/internal/worker"
)

// Config configures a Connection's simulated latency and error rate.
type Config struct {
	// Latency is the base delay before a Send completes.
	Latency time.Duration
	// Jitter, if positive, adds a uniform random delay in [0, Jitter)
	// on top of Latency.
	Jitter time.Duration
	// ErrorRate is the fraction (0..1) of Sends that fail instead of
	// succeeding.
	ErrorRate float64
	// Ready gates IsReady; defaults to always-ready when nil.
	Ready func(ctx context.Context) bool
}

// Connection completes every Send after a fixed or jittered delay,
// optionally failing a configurable fraction of requests.
type Connection struct {
	cfg Config
	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Connection from cfg.
func New(cfg Config) *Connection {
	return &Connection{cfg: cfg, rng: rand.New(rand.NewSource(1))}
}

// IsReady defers to Config.Ready, defaulting to always ready.
func (c *Connection) IsReady(ctx context.Context) bool {
	if c.cfg.Ready == nil {
		return true
	}
	return c.cfg.Ready(ctx)
}

// Send sleeps for the configured latency (plus jitter) and then
// returns either the request itself as the reply or a synthetic error, respecting
// context cancellation while sleeping.
func (c *Connection) Send(ctx context.Context, req worker.Request) (worker.Reply, error) {
	delay := c.cfg.Latency
	if c.cfg.Jitter > 0 {
		c.mu.Lock()
		delay += time.Duration(c.rng.Int63n(int64(c.cfg.Jitter)))
		c.mu.Unlock()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if c.cfg.ErrorRate > 0 {
		c.mu.Lock()
		fail := c.rng.Float64() < c.cfg.ErrorRate
		c.mu.Unlock()
		if fail {
			return nil, errSimulated
		}
	}
	return req, nil
}

var errSimulated = simulatedError{}

type simulatedError struct{}

func (simulatedError) Error() string { return "sleepconn: simulated failure" }
