package workload

import (
	"context"
	"sync"

	"github.com/lightstep/treadmill/internal/worker"
)

// Constant always returns the same request, grounded on the original
// sleep-service workload that issues one fixed request shape forever.
type Constant struct {
	mu      sync.Mutex
	request worker.Request
	phase   string
}

// NewConstant builds a Constant workload issuing req on every call.
func NewConstant(req worker.Request) *Constant {
	return &Constant{request: req}
}

// NextRequest always returns the configured request.
func (c *Constant) NextRequest(ctx context.Context) (worker.Request, func(worker.Completion), error) {
	c.mu.Lock()
	req := c.request
	c.mu.Unlock()
	return req, func(worker.Completion) {}, nil
}

// Reset is a no-op; Constant carries no state to rewind.
func (c *Constant) Reset() {}

// SetPhase records the current named phase for ExportConfig.
func (c *Constant) SetPhase(name string) {
	c.mu.Lock()
	c.phase = name
	c.mu.Unlock()
}

// ExportConfig implements ConfigExporter.
func (c *Constant) ExportConfig() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{"phase": c.phase}
}
