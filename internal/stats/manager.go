package stats

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// LatencyWarmupSamples and LatencyCalibrationSamples are the
	// larger-than-default budgets used for the reserved
	// "request_latency" statistic.
	LatencyWarmupSamples      = 1000
	LatencyCalibrationSamples = 1000
)

// Budgets configures the warm-up/calibration sample counts a Manager
// hands to newly created continuous statistics.
type Budgets struct {
	DefaultWarmupSamples      int
	DefaultCalibrationSamples int
	LatencyWarmupSamples      int
	LatencyCalibrationSamples int
}

// DefaultBudgets returns the built-in defaults (10/10 general,
// 1000/1000 for request_latency).
func DefaultBudgets() Budgets {
	return Budgets{
		DefaultWarmupSamples:      DefaultWarmupSamples,
		DefaultCalibrationSamples: DefaultCalibrationSamples,
		LatencyWarmupSamples:      LatencyWarmupSamples,
		LatencyCalibrationSamples: LatencyCalibrationSamples,
	}
}

// Manager is a get-or-create registry of named statistics, one owned
// per goroutine (scheduler, each worker). A process-wide list of every
// live Manager lets the orchestrator fold them all together at
// shutdown.
type Manager struct {
	label   string
	budgets Budgets

	mu         sync.Mutex
	continuous map[string]*ContinuousStatistic
	counters   map[string]*CounterStatistic
}

var (
	registryMu sync.Mutex
	registry   []*Manager
)

// NewManager builds a Manager and registers it in the process-wide
// list. label identifies the owning goroutine in printed output (e.g.
// "scheduler", "worker-3").
func NewManager(label string, budgets Budgets) *Manager {
	m := &Manager{
		label:      label,
		budgets:    budgets,
		continuous: make(map[string]*ContinuousStatistic),
		counters:   make(map[string]*CounterStatistic),
	}
	registryMu.Lock()
	registry = append(registry, m)
	registryMu.Unlock()
	return m
}

// GetContinuous returns the named continuous statistic, creating it on
// first use. The reserved name "request_latency" gets the manager's
// latency-specific warm-up/calibration budgets; every other name gets
// the default budgets.
func (m *Manager) GetContinuous(name string) *ContinuousStatistic {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.continuous[name]; ok {
		return s
	}
	warmup, calibration := m.budgets.DefaultWarmupSamples, m.budgets.DefaultCalibrationSamples
	if name == RequestLatency {
		warmup, calibration = m.budgets.LatencyWarmupSamples, m.budgets.LatencyCalibrationSamples
	}
	s := NewContinuous(name, warmup, calibration)
	m.continuous[name] = s
	return s
}

// GetCounter returns the named counter statistic, creating it on first
// use.
func (m *Manager) GetCounter(name string) *CounterStatistic {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.counters[name]; ok {
		return s
	}
	s := NewCounter(name)
	m.counters[name] = s
	return s
}

// Combined folds every process-registered Manager into a fresh,
// unregistered one, used by the orchestrator at shutdown to produce
// the final report.
func Combined() *Manager {
	registryMu.Lock()
	snapshot := make([]*Manager, len(registry))
	copy(snapshot, registry)
	registryMu.Unlock()

	out := &Manager{
		label:      "combined",
		budgets:    DefaultBudgets(),
		continuous: make(map[string]*ContinuousStatistic),
		counters:   make(map[string]*CounterStatistic),
	}

	for _, m := range snapshot {
		m.mu.Lock()
		for name, s := range m.continuous {
			if existing, ok := out.continuous[name]; ok {
				existing.Combine(s)
			} else {
				out.continuous[name] = s.Clone().(*ContinuousStatistic)
			}
		}
		for name, s := range m.counters {
			if existing, ok := out.counters[name]; ok {
				existing.Combine(s)
			} else {
				out.counters[name] = s.Clone().(*CounterStatistic)
			}
		}
		m.mu.Unlock()
	}
	return out
}

// Print logs one line per statistic with its textual summary.
func (m *Manager) Print(logger *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.continuous {
		logger.Info("statistic",
			zap.String("name", name),
			zap.Int64("n", s.N()),
			zap.Float64("avg", s.Average()),
			zap.Float64("p50", s.Quantile(0.5)),
			zap.Float64("p95", s.Quantile(0.95)),
			zap.Float64("p99", s.Quantile(0.99)),
		)
	}
	for name, s := range m.counters {
		logger.Info("counter", zap.String("name", name), zap.Int64("count", s.Count()))
	}
}

// ToJSON serializes every statistic keyed by name.
func (m *Manager) ToJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]interface{}, len(m.continuous)+len(m.counters))
	for name, s := range m.continuous {
		out[name] = s.ToDynamic()
	}
	for name, s := range m.counters {
		out[name] = s.ToDynamic()
	}
	return json.Marshal(out)
}

// ExportCounters flattens every statistic into named int64 scalars,
// for an external counters endpoint (fb303's getCounters, or a
// Prometheus gauge sweep).
func (m *Manager) ExportCounters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for _, s := range m.continuous {
		for k, v := range s.Counters() {
			out[k] = v
		}
	}
	for _, s := range m.counters {
		for k, v := range s.Counters() {
			out[k] = v
		}
	}
	return out
}
