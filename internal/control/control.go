// Package control exposes the run's remote-control RPC surface over
// HTTP/JSON: a ServeMux with one handler per operation, JSON in and
// out, run on its own goroutine. It additionally serves a Prometheus
// /metrics page over StatisticsManager.ExportCounters(), a
// counters/status surface in the spirit of fb303's getCounters().
package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lightstep/treadmill/internal/scheduler"
	"github.com/lightstep/treadmill/internal/stats"
)

// Scheduler is the subset of *scheduler.Scheduler the control surface
// drives.
type Scheduler interface {
	Pause()
	Resume() bool
	SetPhase(name string) error
	SetRps(n float64)
	SetMaxOutstanding(n int32)
	State() scheduler.RunState
	Rps() float64
	MaxOutstanding() int32
}

// Server hosts the remote-control RPC surface and the counters/metrics
// endpoint.
type Server struct {
	sched   Scheduler
	stats   *stats.Manager
	logger  *zap.Logger
	started time.Time

	mu     sync.Mutex
	config map[string]string

	watchdogWindow time.Duration
	lastCallAt     time.Time
	onWatchdog     func() // overridable for tests; defaults to os.Exit-based abort

	requireConfigurationOnResume bool

	registry *prometheus.Registry
}

// New builds a Server. watchdogWindow of zero disables the watchdog.
// requireConfigurationOnResume mirrors the require_configuration_on_resume
// flag: when true, resume/resume2 refuse to run until setConfiguration
// has populated at least one key.
func New(sched Scheduler, m *stats.Manager, logger *zap.Logger, watchdogWindow time.Duration, requireConfigurationOnResume bool) *Server {
	s := &Server{
		sched:                        sched,
		stats:                        m,
		logger:                       logger,
		started:                      time.Now(),
		config:                       map[string]string{},
		watchdogWindow:               watchdogWindow,
		lastCallAt:                   time.Now(),
		requireConfigurationOnResume: requireConfigurationOnResume,
	}
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "treadmill_uptime_seconds",
		Help: "Seconds since the control server started.",
	}, func() float64 { return time.Since(s.started).Seconds() }))
	s.registry.MustRegister(newCounterCollector(m))
	return s
}

// Handler returns the composed control + metrics HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control/pause", s.wrap(s.handlePause))
	mux.HandleFunc("/control/resume", s.wrap(s.handleResume))
	mux.HandleFunc("/control/resume2", s.wrap(s.handleResume2))
	mux.HandleFunc("/control/getRate", s.wrap(s.handleGetRate))
	mux.HandleFunc("/control/setRps", s.wrap(s.handleSetRps))
	mux.HandleFunc("/control/setMaxOutstanding", s.wrap(s.handleSetMaxOutstanding))
	mux.HandleFunc("/control/getConfiguration", s.wrap(s.handleGetConfiguration))
	mux.HandleFunc("/control/setConfiguration", s.wrap(s.handleSetConfiguration))
	mux.HandleFunc("/control/clearConfiguration", s.wrap(s.handleClearConfiguration))
	mux.HandleFunc("/control/getStatus", s.wrap(s.handleGetStatus))
	mux.HandleFunc("/control/aliveSince", s.wrap(s.handleAliveSince))
	mux.HandleFunc("/control/getCounters", s.wrap(s.handleGetCounters))
	mux.HandleFunc("/control/getStatusDetails", s.wrap(s.handleGetStatusDetails))
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// wrap records the watchdog timestamp on every control call, so
// RunWatchdog can measure how long the server has gone silent.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastCallAt = time.Now()
		s.mu.Unlock()
		h(w, r)
	}
}

// RunWatchdog blocks until stop is closed, aborting the process (via
// onWatchdog, or a fatal log by default) if no control call arrives
// within watchdogWindow. A zero watchdogWindow disables the check.
func (s *Server) RunWatchdog(stop <-chan struct{}) {
	if s.watchdogWindow <= 0 {
		return
	}
	ticker := time.NewTicker(s.watchdogWindow / 4)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			silent := time.Since(s.lastCallAt)
			s.mu.Unlock()
			if silent > s.watchdogWindow {
				if s.onWatchdog != nil {
					s.onWatchdog()
					return
				}
				s.logger.Fatal("control watchdog timeout, aborting", zap.Duration("silent_for", silent))
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.sched.Pause()
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.requireConfigurationOnResume && !s.hasConfiguration() {
		s.logger.Warn("refusing resume without configuration")
		writeJSON(w, map[string]bool{"success": false})
		return
	}
	writeJSON(w, map[string]bool{"success": s.sched.Resume()})
}

func (s *Server) handleResume2(w http.ResponseWriter, r *http.Request) {
	if s.requireConfigurationOnResume && !s.hasConfiguration() {
		s.logger.Warn("refusing resume without configuration")
		writeJSON(w, map[string]bool{"success": false})
		return
	}
	var req struct {
		PhaseName string `json:"phaseName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sched.SetPhase(req.PhaseName); err != nil {
		writeJSON(w, map[string]bool{"success": false})
		return
	}
	writeJSON(w, map[string]bool{"success": s.sched.Resume()})
}

// hasConfiguration reports whether setConfiguration has ever populated the
// run's configuration. When requireConfigurationOnResume is set, resume and
// resume2 refuse to run a workload that hasn't been configured yet.
func (s *Server) hasConfiguration() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.config) > 0
}

func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"scheduler_running": s.sched.State() == scheduler.Running,
		"rps":               int32(s.sched.Rps()),
		"max_outstanding":   s.sched.MaxOutstanding(),
	})
}

func (s *Server) handleSetRps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rps float64 `json:"rps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.sched.SetRps(req.Rps)
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleSetMaxOutstanding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxOutstanding int32 `json:"maxOutstanding"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.sched.SetMaxOutstanding(req.MaxOutstanding)
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	s.mu.Lock()
	value := s.config[key]
	s.mu.Unlock()
	writeJSON(w, map[string]string{"value": value})
}

func (s *Server) handleSetConfiguration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.config[req.Key] = req.Value
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleClearConfiguration(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.config = map[string]string{}
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"success": true})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": s.sched.State().String()})
}

func (s *Server) handleAliveSince(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int64{"aliveSince": s.started.Unix()})
}

func (s *Server) handleGetCounters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats.ExportCounters())
}

func (s *Server) handleGetStatusDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":     s.sched.State().String(),
		"aliveSince": s.started.Unix(),
		"uptime":     time.Since(s.started).String(),
		"rps":        s.sched.Rps(),
		"counters":   s.stats.ExportCounters(),
	})
}

// counterCollector adapts stats.Manager.ExportCounters into a
// prometheus.Collector, publishing every scalar the server's own
// Manager exports as a counter metric named treadmill_<statistic>.
type counterCollector struct {
	m *stats.Manager
}

func newCounterCollector(m *stats.Manager) *counterCollector { return &counterCollector{m: m} }

func (c *counterCollector) Describe(ch chan<- *prometheus.Desc) {}

func (c *counterCollector) Collect(ch chan<- prometheus.Metric) {
	for name, value := range c.m.ExportCounters() {
		desc := prometheus.NewDesc(fmt.Sprintf("treadmill_%s", sanitizeMetricName(name)), "Treadmill counter, exported via ExportCounters.", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
	}
}

func sanitizeMetricName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}
