// Command uploader is the fleet log uploader binary. It loads a YAML
// configuration file, starts the file Monitor, Queue, Registry, Uploader,
// Custodian, and Orchestrator, and shuts down gracefully on SIGTERM or
// SIGINT, reloading its configuration on SIGHUP. It is structured as
// `uploader start|validate|version`; `uploader --config x` is sugar for
// `uploader start --config x` so existing unit files keep working.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetlog/uploader/internal/config"
	"github.com/fleetlog/uploader/internal/custodian"
	"github.com/fleetlog/uploader/internal/metrics"
	"github.com/fleetlog/uploader/internal/monitor"
	"github.com/fleetlog/uploader/internal/objectstore"
	"github.com/fleetlog/uploader/internal/orchestrator"
	"github.com/fleetlog/uploader/internal/queue"
	"github.com/fleetlog/uploader/internal/registry"
	"github.com/fleetlog/uploader/internal/uploader"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "start":
			return runStart(args[1:])
		case "validate":
			return runValidate(args[1:])
		case "version":
			fmt.Println("fleetlog-uploader " + version)
			return 0
		}
	}
	// Flat-flag sugar: `uploader --config x` behaves as `uploader start --config x`.
	return runStart(args)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/fleetlog-uploader/config.yaml", "path to the YAML configuration file")
	logLevel := fs.String("log-level", "", "override the configured log level: DEBUG, INFO, WARNING, ERROR")
	testConfig := fs.Bool("test-config", false, "validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *testConfig {
		return runValidate([]string{"-config", *configPath})
	}

	bootstrapLogger := newLogger("INFO")

	cfgWatcher, err := config.NewWatcher(*configPath, bootstrapLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetlog-uploader: %v\n", err)
		return 1
	}
	cfg := cfgWatcher.Get()

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("vehicle_id", cfg.VehicleID),
		slog.Int("log_directories", len(cfg.LogDirectories)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch, err := buildOrchestrator(ctx, cfgWatcher, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.Any("error", err))
		return 1
	}

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start", slog.Any("error", err))
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("received reload signal")
			orch.Reload()
			continue
		}
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		break
	}

	orch.Stop()
	logger.Info("fleetlog-uploader exited cleanly")
	return 0
}

// buildOrchestrator wires the Registry, Queue, ObjectStore, Uploader,
// Custodian, MetricsSink, and Monitor from the active config snapshot and
// returns a ready-to-Start Orchestrator.
func buildOrchestrator(ctx context.Context, cfgWatcher *config.Watcher, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	cfg := cfgWatcher.Get()

	q, err := queue.Load(cfg.Upload.QueueFile, logger)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	reg, err := registry.Load(cfg.Upload.ProcessedFilesRegistry.RegistryFile, logger)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	accessKeyID, secretAccessKey, sessionToken, err := objectstore.LoadCredentials(cfg.S3.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:        endpointOrDefault(cfg),
		Bucket:          cfg.S3.Bucket,
		Region:          cfg.S3.Region,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		SessionToken:    sessionToken,
		UseTLS:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}

	// Every transient attempt the uploader retries internally is counted on
	// the queue entry, so the attempt counter reflects attempts, not batches.
	up := uploader.New(store, cfg.VehicleID, cfg.Upload.MaxRetries, logger,
		uploader.WithRetryHook(func(path string) {
			if err := q.MarkFailed(path); err != nil {
				logger.Warn("failed to record upload attempt", slog.String("path", path), slog.Any("error", err))
			}
		}))

	var dirPolicies []custodian.DirectoryPolicy
	var monitorDirs []monitor.Directory
	for _, d := range cfg.LogDirectories {
		dirPolicies = append(dirPolicies, custodian.DirectoryPolicy{Path: d.Path, Pattern: d.Pattern})
		monitorDirs = append(monitorDirs, monitor.Directory{Path: d.Path, Recursive: d.Recursive, Pattern: d.Pattern})
	}

	metricsSink, err := buildMetricsSink(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	// orch is assigned below; the Monitor's callback closes over it so the
	// Monitor can be constructed before the Orchestrator exists, and the
	// Orchestrator can be constructed with the already-built Monitor.
	var orch *orchestrator.Orchestrator
	onStable := func(path string) bool { return orch.OnFileStable(path) }

	var monOpts []monitor.Option
	if cfg.Upload.ScanExistingFiles.Enabled {
		monOpts = append(monOpts, monitor.WithScanExistingFiles(time.Duration(cfg.Upload.ScanExistingFiles.MaxAgeDays)*24*time.Hour))
	}

	mon, err := monitor.New(
		monitorDirs,
		time.Duration(cfg.Upload.FileStableSeconds)*time.Second,
		reg,
		onStable,
		logger,
		monOpts...,
	)
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}

	cust := custodian.New(dirPolicies, cfg.Disk.ReservedGB, cfg.Disk.WarningThreshold, cfg.Disk.CriticalThreshold,
		func(path string) {
			if err := q.MarkUploaded(path); err != nil {
				logger.Warn("failed to remove deleted file's queue entry", slog.String("path", path), slog.Any("error", err))
			}
		},
		logger,
	)

	orch = orchestrator.New(cfgWatcher, mon, q, reg, up, cust, logger, orchestrator.WithMetrics(metricsSink))
	return orch, nil
}

func endpointOrDefault(cfg *config.Config) string {
	if cfg.S3.Endpoint != "" {
		return cfg.S3.Endpoint
	}
	return fmt.Sprintf("s3.%s.amazonaws.com", cfg.S3.Region)
}

func buildMetricsSink(cfg *config.Config, logger *slog.Logger) (metrics.Sink, error) {
	if !cfg.Monitoring.CloudWatchEnabled {
		return metrics.NoopSink{}, nil
	}

	sink, err := metrics.NewCloudWatchSink(cfg.S3.Region, cfg.VehicleID, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Monitoring.LowUploadAlarm.Enabled {
		if err := sink.CreateLowUploadAlarm(cfg.Monitoring.LowUploadAlarm.ThresholdMB); err != nil {
			logger.Warn("failed to register low-upload alarm", slog.Any("error", err))
		}
	}
	return sink, nil
}

// resolvedConfig is the JSON shape printed by `validate --dry-run`: the
// fully-resolved configuration after defaults are applied, for fleet
// rollout tooling to diff against what is on disk.
type resolvedConfig struct {
	*config.Config
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/fleetlog-uploader/config.yaml", "path to the YAML configuration file")
	dryRun := fs.Bool("dry-run", false, "print the fully-resolved configuration as JSON instead of a plain OK message")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetlog-uploader: configuration invalid: %v\n", err)
		return 1
	}

	if *dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resolvedConfig{cfg}); err != nil {
			fmt.Fprintf(os.Stderr, "fleetlog-uploader: failed to encode resolved configuration: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Println("configuration OK")
	return 0
}

// newLogger constructs a *slog.Logger that writes JSON-structured records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARNING":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
