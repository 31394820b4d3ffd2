package workload

import (
	"context"
	"strconv"
	"sync"

	"github.com/lightstep/treadmill/internal/worker"
)

// Op names the two operations a KeySpace workload issues.
type Op int

const (
	Set Op = iota
	Get
)

func (o Op) String() string {
	if o == Set {
		return "SET"
	}
	return "GET"
}

// Request is the request type produced by a KeySpace workload.
type Request struct {
	Op    Op
	Key   string
	Value string
}

type keySpaceState int

const (
	warmup keySpaceState = iota
	steady
)

// KeySpace cycles SET/GET requests over a fixed range of numeric keys:
// it writes every key once during warmup, then issues GETs against the
// same range forever, wrapping the index back to zero. Reset rewinds
// to the start of warmup.
type KeySpace struct {
	numberOfKeys int

	mu    sync.Mutex
	state keySpaceState
	index int
	phase string
}

// NewKeySpace builds a KeySpace workload over [0, numberOfKeys).
func NewKeySpace(numberOfKeys int) *KeySpace {
	if numberOfKeys <= 0 {
		numberOfKeys = 1
	}
	return &KeySpace{numberOfKeys: numberOfKeys, state: warmup}
}

// NextRequest returns the next SET (during warmup) or GET (after) for
// the current key index, then advances the index, wrapping at the end
// of the key space. It never signals end-of-work; a KeySpace workload
// runs until the caller stops sending SEND_REQUEST events.
func (k *KeySpace) NextRequest(ctx context.Context) (worker.Request, func(worker.Completion), error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key := strconv.Itoa(k.index)
	var req Request
	if k.state == warmup {
		req = Request{Op: Set, Key: key, Value: key}
		if k.index == k.numberOfKeys-1 {
			k.state = steady
		}
	} else {
		req = Request{Op: Get, Key: key}
	}

	k.index++
	if k.index == k.numberOfKeys {
		k.index = 0
	}

	return req, func(worker.Completion) {}, nil
}

// Reset rewinds the key space to the start of warmup, as when a
// scheduler pause/resume cycle re-synchronizes worker state.
func (k *KeySpace) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.state = warmup
	k.index = 0
}

// SetPhase records the current named phase for ExportConfig.
func (k *KeySpace) SetPhase(name string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.phase = name
}

// ExportConfig implements ConfigExporter.
func (k *KeySpace) ExportConfig() map[string]interface{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	return map[string]interface{}{
		"number_of_keys": k.numberOfKeys,
		"phase":          k.phase,
	}
}
