// Package config defines Treadmill's CLI surface (bound with cobra),
// its workload-configuration file/JSON merge semantics, and CPU
// affinity parsing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Config holds every value the CLI surface can set. Field names mirror
// the flag names in spirit; where a field has a JSON tag, it matches the
// flag name exactly. Merge does not decode files into Config: merged
// workload configuration lands in WorkloadJSON only.
type Config struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`

	NumberOfWorkers     int `json:"number_of_workers"`
	NumberOfConnections int `json:"number_of_connections"`

	RequestPerSecond       float64 `json:"request_per_second"`
	MaxOutstandingRequests int32   `json:"max_outstanding_requests"`

	RuntimeSeconds float64 `json:"runtime"`
	NumberOfKeys   int     `json:"number_of_keys"`

	ConfigFile     string `json:"-"`
	ConfigInFile   string `json:"-"`
	ConfigInJSON   string `json:"-"`
	ConfigOutFile  string `json:"-"`

	CPUAffinity string `json:"cpu_affinity"`

	ControlPort int `json:"control_port"`
	ServerPort  int `json:"server_port"`

	WaitForRunnerReady bool `json:"wait_for_runner_ready"`
	WaitForTargetReady bool `json:"wait_for_target_ready"`

	// RequireConfigurationOnResume, if true, makes resume/resume2 refuse
	// to run until setConfiguration has populated at least one key.
	RequireConfigurationOnResume bool `json:"require_configuration_on_resume"`

	CounterName      string `json:"counter_name"`
	CounterThreshold int64  `json:"counter_threshold"`

	OutputFile string `json:"output_file"`

	WorkerShutdownDelaySeconds float64 `json:"worker_shutdown_delay"`

	DefaultWarmupSamples      int `json:"default_warmup_samples"`
	DefaultCalibrationSamples int `json:"default_calibration_samples"`
	LatencyWarmupSamples      int `json:"latency_warmup_samples"`
	LatencyCalibrationSamples int `json:"latency_calibration_samples"`

	TreadmillRandomSeed int64 `json:"treadmill_random_seed"`

	ResultBucket string `json:"-"`

	// ConnectionKind selects which example Connection implementation
	// cmd/treadmill wires up: "sleep", "lightstep", or "otel".
	ConnectionKind string `json:"connection_kind"`

	// WorkloadJSON is the merged workload configuration, produced by
	// Merge from ConfigFile/ConfigInFile/ConfigInJSON. Not itself a
	// flag.
	WorkloadJSON []byte `json:"-"`
}

// RandomSeedSentinel means "use wall-clock time as the PRNG seed".
const RandomSeedSentinel = -1

// Default returns a Config populated with the same defaults the
// generator loop and worker pool otherwise fall back to.
func Default() Config {
	return Config{
		Hostname:                   "localhost",
		Port:                       8080,
		NumberOfWorkers:            4,
		NumberOfConnections:        2,
		RequestPerSecond:           1000,
		MaxOutstandingRequests:     40,
		RuntimeSeconds:             10,
		NumberOfKeys:               1000,
		ControlPort:                8090,
		ServerPort:                 8091,
		OutputFile:                 "",
		WorkerShutdownDelaySeconds: 5,
		DefaultWarmupSamples:       10,
		DefaultCalibrationSamples:  10,
		LatencyWarmupSamples:       1000,
		LatencyCalibrationSamples:  1000,
		TreadmillRandomSeed:        RandomSeedSentinel,
		ConnectionKind:             "sleep",
	}
}

// NewCommand builds the cobra root command. run is invoked with the
// fully assembled and merged Config once flags are parsed.
func NewCommand(run func(cfg Config) error) *cobra.Command {
	cfg := Default()

	cmd := &cobra.Command{
		Use:   "treadmill",
		Short: "Treadmill drives a target service at a controlled request rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			merged, err := Merge(cfg)
			if err != nil {
				return err
			}
			return run(merged)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Hostname, "hostname", cfg.Hostname, "target service hostname")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "target service port")
	flags.IntVar(&cfg.NumberOfWorkers, "number_of_workers", cfg.NumberOfWorkers, "number of worker goroutines")
	flags.IntVar(&cfg.NumberOfConnections, "number_of_connections", cfg.NumberOfConnections, "connections per worker")
	flags.Float64Var(&cfg.RequestPerSecond, "request_per_second", cfg.RequestPerSecond, "aggregate target request rate")
	var maxOutstanding int32
	flags.Int32Var(&maxOutstanding, "max_outstanding_requests", cfg.MaxOutstandingRequests, "aggregate outstanding-request cap")
	flags.Float64Var(&cfg.RuntimeSeconds, "runtime", cfg.RuntimeSeconds, "seconds to run before stopping")
	flags.IntVar(&cfg.NumberOfKeys, "number_of_keys", cfg.NumberOfKeys, "workload key space size")
	flags.StringVar(&cfg.ConfigFile, "config_file", cfg.ConfigFile, "workload configuration file (read if present; never written)")
	flags.StringVar(&cfg.ConfigInFile, "config_in_file", cfg.ConfigInFile, "workload configuration input file")
	flags.StringVar(&cfg.ConfigInJSON, "config_in_json", cfg.ConfigInJSON, "workload configuration as inline JSON, merges onto config_in_file")
	flags.StringVar(&cfg.ConfigOutFile, "config_out_file", cfg.ConfigOutFile, "where to write the final merged workload configuration")
	flags.StringVar(&cfg.CPUAffinity, "cpu_affinity", cfg.CPUAffinity, "comma-separated CPU cores, one per worker")
	flags.IntVar(&cfg.ControlPort, "control_port", cfg.ControlPort, "remote-control RPC port")
	flags.IntVar(&cfg.ServerPort, "server_port", cfg.ServerPort, "counters/metrics endpoint port")
	flags.BoolVar(&cfg.WaitForRunnerReady, "wait_for_runner_ready", cfg.WaitForRunnerReady, "start the scheduler paused, waiting for an external resume")
	flags.BoolVar(&cfg.WaitForTargetReady, "wait_for_target_ready", cfg.WaitForTargetReady, "gate worker startup on connection readiness")
	flags.BoolVar(&cfg.RequireConfigurationOnResume, "require_configuration_on_resume", cfg.RequireConfigurationOnResume, "if true, resume only when configuration is available")
	flags.StringVar(&cfg.CounterName, "counter_name", cfg.CounterName, "remote counter name gating readiness")
	flags.Int64Var(&cfg.CounterThreshold, "counter_threshold", cfg.CounterThreshold, "remote counter threshold gating readiness")
	flags.StringVar(&cfg.OutputFile, "output_file", cfg.OutputFile, "path to write the final combined statistics JSON")
	flags.Float64Var(&cfg.WorkerShutdownDelaySeconds, "worker_shutdown_delay", cfg.WorkerShutdownDelaySeconds, "seconds given to workers to drain after the scheduler stops")
	flags.IntVar(&cfg.DefaultWarmupSamples, "default_warmup_samples", cfg.DefaultWarmupSamples, "warmup sample count for non-latency statistics")
	flags.IntVar(&cfg.DefaultCalibrationSamples, "default_calibration_samples", cfg.DefaultCalibrationSamples, "calibration sample count for non-latency statistics")
	flags.IntVar(&cfg.LatencyWarmupSamples, "latency_warmup_samples", cfg.LatencyWarmupSamples, "warmup sample count for request_latency")
	flags.IntVar(&cfg.LatencyCalibrationSamples, "latency_calibration_samples", cfg.LatencyCalibrationSamples, "calibration sample count for request_latency")
	flags.Int64Var(&cfg.TreadmillRandomSeed, "treadmill_random_seed", cfg.TreadmillRandomSeed, "PRNG seed; -1 means use wall-clock time")
	flags.StringVar(&cfg.ResultBucket, "result_bucket", cfg.ResultBucket, "optional GCS bucket to upload the final report to")
	flags.StringVar(&cfg.ConnectionKind, "connection_kind", cfg.ConnectionKind, "example Connection implementation to use: sleep, lightstep, otel")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cfg.MaxOutstandingRequests = maxOutstanding
		return nil
	}

	return cmd
}

// Validate checks flag combinations that must fail fast at startup
// rather than mid-run.
func (c Config) Validate() error {
	if c.NumberOfWorkers <= 0 {
		return fmt.Errorf("config: number_of_workers must be positive, got %d", c.NumberOfWorkers)
	}
	if c.NumberOfConnections <= 0 {
		return fmt.Errorf("config: number_of_connections must be positive, got %d", c.NumberOfConnections)
	}
	if c.CounterName != "" && !c.WaitForTargetReady {
		return fmt.Errorf("config: counter_name requires wait_for_target_ready")
	}
	if c.CPUAffinity != "" {
		cores, err := ParseCPUAffinity(c.CPUAffinity)
		if err != nil {
			return err
		}
		if len(cores) != c.NumberOfWorkers {
			return fmt.Errorf("config: cpu_affinity lists %d cores, want %d (one per worker)", len(cores), c.NumberOfWorkers)
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	return nil
}

// ParseCPUAffinity parses a comma-separated list of CPU core indices.
func ParseCPUAffinity(s string) ([]int, error) {
	fields := strings.Split(s, ",")
	cores := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("config: invalid cpu_affinity entry %q: %w", f, err)
		}
		cores = append(cores, n)
	}
	return cores, nil
}

// Merge applies the workload-configuration source chain: config_file
// (read if it exists; a missing file is skipped), then config_in_file merged
// on top, then config_in_json merged on top of that — each layer's
// keys overwrite the previous layer's, a "JSON merges onto file"
// scheme. Unknown-to-Config keys are
// preserved in WorkloadJSON for the Workload capability to consume.
func Merge(cfg Config) (Config, error) {
	merged := map[string]interface{}{}

	if cfg.ConfigFile != "" {
		if err := mergeFile(merged, cfg.ConfigFile); err != nil && !os.IsNotExist(err) {
			return cfg, err
		}
	}
	if cfg.ConfigInFile != "" {
		if err := mergeFile(merged, cfg.ConfigInFile); err != nil {
			return cfg, err
		}
	}
	if cfg.ConfigInJSON != "" {
		var layer map[string]interface{}
		if err := json.Unmarshal([]byte(cfg.ConfigInJSON), &layer); err != nil {
			return cfg, fmt.Errorf("config: parsing config_in_json: %w", err)
		}
		for k, v := range layer {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return cfg, fmt.Errorf("config: re-marshaling merged workload config: %w", err)
	}
	cfg.WorkloadJSON = out
	return cfg, nil
}

// WriteJSON marshals v as indented JSON and writes it to path,
// creating or truncating the file. cmd/treadmill uses it for
// config_out_file; output_file is written directly from the report's
// compact JSON.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

func mergeFile(dst map[string]interface{}, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var layer map[string]interface{}
	if err := json.Unmarshal(data, &layer); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for k, v := range layer {
		dst[k] = v
	}
	return nil
}
