// Command treadmill drives a target service at a controlled request
// rate, following the CLI surface, remote-control RPC, and reporting
// behavior described by the treadmill packages under internal/.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/lightstep/treadmill/internal/config"
	"github.com/lightstep/treadmill/internal/connection/lightstep"
	"github.com/lightstep/treadmill/internal/connection/otelconn"
	"github.com/lightstep/treadmill/internal/connection/sleepconn"
	"github.com/lightstep/treadmill/internal/control"
	"github.com/lightstep/treadmill/internal/hostmetrics"
	"github.com/lightstep/treadmill/internal/orchestrator"
	"github.com/lightstep/treadmill/internal/resultstore"
	"github.com/lightstep/treadmill/internal/stats"
	"github.com/lightstep/treadmill/internal/worker"
	"github.com/lightstep/treadmill/internal/workload"
)

func main() {
	cmd := config.NewCommand(run)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	budgets := stats.Budgets{
		DefaultWarmupSamples:      cfg.DefaultWarmupSamples,
		DefaultCalibrationSamples: cfg.DefaultCalibrationSamples,
		LatencyWarmupSamples:      cfg.LatencyWarmupSamples,
		LatencyCalibrationSamples: cfg.LatencyCalibrationSamples,
	}

	seed := uint64(cfg.TreadmillRandomSeed)
	if cfg.TreadmillRandomSeed == config.RandomSeedSentinel {
		seed = uint64(time.Now().UnixNano())
	}

	connFactory, closeConns, err := buildConnectionFactory(cfg, logger)
	if err != nil {
		return err
	}
	defer closeConns()

	workloads := make([]*workload.KeySpace, cfg.NumberOfWorkers)

	var cpuAffinity []int
	if cfg.CPUAffinity != "" {
		cpuAffinity, err = config.ParseCPUAffinity(cfg.CPUAffinity)
		if err != nil {
			return err
		}
	}

	controlManager := stats.NewManager("control", budgets)

	var readyPredicate func() bool
	if cfg.CounterName != "" {
		readyPredicate = func() bool {
			return controlManager.GetCounter(cfg.CounterName).Count() >= cfg.CounterThreshold
		}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		NumWorkers:        cfg.NumberOfWorkers,
		NumConnections:    cfg.NumberOfConnections,
		ConnectionFactory: connFactory,
		WorkloadFactory: func(workerID int) worker.Workload {
			wl := workload.NewKeySpace(cfg.NumberOfKeys)
			workloads[workerID] = wl
			return wl
		},
		RequestsPerSecond:     cfg.RequestPerSecond,
		MaxOutstandingTotal:   cfg.MaxOutstandingRequests,
		OverloadThreshold:     100,
		WaitForExternalResume: cfg.WaitForRunnerReady,
		Seed:                  seed,
		ReadinessGate:         cfg.WaitForTargetReady,
		ReadyPredicate:        readyPredicate,
		CPUAffinity:           cpuAffinity,
		WorkerShutdownDelay:   time.Duration(cfg.WorkerShutdownDelaySeconds * float64(time.Second)),
		Budgets:               budgets,
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	controlStop := make(chan struct{})
	ctrl := control.New(orch.Scheduler(), controlManager, logger, 0, cfg.RequireConfigurationOnResume)
	controlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ControlPort))
	if err != nil {
		return fmt.Errorf("listening on control_port: %w", err)
	}
	go func() {
		if err := http.Serve(controlLn, ctrl.Handler()); err != nil {
			logger.Warn("control server stopped", zap.Error(err))
		}
	}()
	defer close(controlStop)
	defer controlLn.Close()

	serverLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ServerPort))
	if err != nil {
		return fmt.Errorf("listening on server_port: %w", err)
	}
	go func() {
		if err := http.Serve(serverLn, ctrl.Handler()); err != nil {
			logger.Warn("counters server stopped", zap.Error(err))
		}
	}()
	defer serverLn.Close()

	hostSampler, err := hostmetrics.NewSampler(controlManager)
	if err != nil {
		logger.Warn("hostmetrics unavailable", zap.Error(err))
	} else {
		hostCtx, hostCancel := context.WithCancel(context.Background())
		defer hostCancel()
		go hostSampler.Run(hostCtx, time.Second)
	}

	ctx := context.Background()
	orch.Run(ctx, time.Duration(cfg.RuntimeSeconds*float64(time.Second)))

	report := orch.Report()
	report.Print(logger)

	if cfg.OutputFile != "" {
		blob, err := report.ToJSON()
		if err != nil {
			return fmt.Errorf("marshaling report: %w", err)
		}
		if err := os.WriteFile(cfg.OutputFile, blob, 0o644); err != nil {
			return fmt.Errorf("writing output_file: %w", err)
		}
	}

	if cfg.ConfigOutFile != "" {
		merged := map[string]interface{}{}
		for i, wl := range workloads {
			if wl == nil {
				continue
			}
			merged[fmt.Sprintf("worker-%d", i)] = wl.ExportConfig()
		}
		if err := config.WriteJSON(cfg.ConfigOutFile, merged); err != nil {
			return err
		}
	}

	if cfg.ResultBucket != "" {
		store := resultstore.New(context.Background(), cfg.ResultBucket, logger)
		defer store.Close()
		blob, err := report.ToJSON()
		if err != nil {
			return fmt.Errorf("marshaling report for upload: %w", err)
		}
		if err := store.Save(context.Background(), "treadmill-report.json", blob); err != nil {
			logger.Warn("failed to upload report", zap.Error(err))
		}
	}

	return nil
}

func buildConnectionFactory(cfg config.Config, logger *zap.Logger) (func(workerID, connIdx int) worker.Connection, func(), error) {
	target := fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)

	send := func(ctx context.Context, req worker.Request) (worker.Reply, error) {
		return req, nil
	}

	switch cfg.ConnectionKind {
	case "lightstep":
		return func(workerID, connIdx int) worker.Connection {
			return lightstep.New(lightstep.Config{Enabled: false, ComponentName: "treadmill"}, send)
		}, func() {}, nil

	case "otel":
		conns := make([]*otelconn.Connection, 0, cfg.NumberOfWorkers*cfg.NumberOfConnections)
		factory := func(workerID, connIdx int) worker.Connection {
			c, err := otelconn.New(context.Background(), otelconn.Config{Enabled: false, Endpoint: target}, send)
			if err != nil {
				logger.Warn("otelconn: falling back to a no-op tracer", zap.Error(err))
				c, _ = otelconn.New(context.Background(), otelconn.Config{Enabled: false}, send)
			}
			conns = append(conns, c)
			return c
		}
		closeFn := func() {
			for _, c := range conns {
				if c != nil {
					c.Shutdown(context.Background())
				}
			}
		}
		return factory, closeFn, nil

	default:
		return func(workerID, connIdx int) worker.Connection {
			return sleepconn.New(sleepconn.Config{Latency: time.Millisecond})
		}, func() {}, nil
	}
}
