// Package workload provides example worker.Workload implementations:
// a key-space workload that warms up a fixed key range with writes
// before cycling reads over it, and a constant workload that always
// issues the same request (useful against a synthetic Connection).
package workload

// ConfigExporter is an optional capability a Workload may implement.
// cmd/treadmill collects every worker's exported config at shutdown
// and writes them, keyed "worker-<id>", to config_out_file, so a
// workload can describe the shape of the run it drove.
type ConfigExporter interface {
	ExportConfig() map[string]interface{}
}
