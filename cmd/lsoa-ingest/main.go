package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/lsoa-ingest/internal/cache"
	"github.com/ethpandaops/lsoa-ingest/internal/config"
	"github.com/ethpandaops/lsoa-ingest/internal/handlers"
	"github.com/ethpandaops/lsoa-ingest/internal/ingest"
	"github.com/ethpandaops/lsoa-ingest/internal/lock"
	"github.com/ethpandaops/lsoa-ingest/internal/metrics"
	"github.com/ethpandaops/lsoa-ingest/internal/onsgeo"
	"github.com/ethpandaops/lsoa-ingest/internal/redis"
	"github.com/ethpandaops/lsoa-ingest/internal/server"
	"github.com/ethpandaops/lsoa-ingest/internal/version"
)

// infrastructure holds optional infrastructure components.
type infrastructure struct {
	redisClient redis.Client
	manifests   cache.ManifestStore
	locker      lock.Locker
}

// telemetry holds the metrics registry and the optional server exposing it.
type telemetry struct {
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	status   *handlers.RunStatus
	server   *server.Server
	done     chan error
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full()) //nolint:forbidigo // CLI output.

		return
	}

	// Setup logger
	logger := setupLogger()

	// Cancel the run on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, logger, *configPath)

	stop()

	if err != nil {
		logger.WithError(err).Fatal("Ingestion failed")
	}
}

// run loads configuration, wires every component and performs one
// ingestion.
func run(ctx context.Context, logger *logrus.Logger, configPath string) error {
	cfg, err := loadAndValidateConfig(logger, configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	infra, err := setupInfrastructure(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("infrastructure setup failed: %w", err)
	}

	defer infra.stop(logger)

	tel, err := setupTelemetry(logger, cfg)
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}

	defer tel.stop(logger, cfg)

	driver, err := setupDriver(logger, cfg, infra, tel)
	if err != nil {
		return err
	}

	result, err := driver.Run(ctx)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"run_id":     result.RunID,
		"path":       result.Path,
		"rows":       result.Table.Len(),
		"from_cache": result.FromCache,
		"pages":      result.Pages,
		"duration":   result.Duration,
	}).Info("Ingestion complete")

	return nil
}

// setupLogger creates and configures the application logger.
func setupLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.WithFields(logrus.Fields{
		"version":    version.Short(),
		"git_commit": version.GitCommit,
		"build_date": version.BuildDate,
	}).Info("Starting...")

	return logger
}

// loadAndValidateConfig loads the configuration, settings and secrets files
// and validates the result.
func loadAndValidateConfig(logger *logrus.Logger, configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// Set log level from config
	if cfg.LogLevel != "" {
		level, parseErr := logrus.ParseLevel(cfg.LogLevel)
		if parseErr != nil {
			logger.WithError(parseErr).Warn("Invalid log level, using info")

			level = logrus.InfoLevel
		}

		logger.SetLevel(level)
	}

	if err := cfg.LoadSettings(); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"cache_path":   cfg.Ingest.CachePath,
		"page_size":    cfg.Ingest.PageSize,
		"verify_cache": cfg.Ingest.VerifyCache,
		"redis":        cfg.Redis.Enabled(),
		"log_level":    cfg.LogLevel,
	}).Info("Configuration loaded")

	return cfg, nil
}

// setupInfrastructure initializes Redis, the manifest store and the run
// lock. Without Redis, manifests are sidecar files and runs are unlocked.
func setupInfrastructure(
	ctx context.Context,
	logger *logrus.Logger,
	cfg *config.Config,
) (*infrastructure, error) {
	if !cfg.Redis.Enabled() {
		return &infrastructure{manifests: cache.NewFileManifestStore()}, nil
	}

	redisClient := redis.NewClient(logger, cfg.Redis)

	if err := redisClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start Redis client: %w", err)
	}

	return &infrastructure{
		redisClient: redisClient,
		manifests:   cache.NewRedisManifestStore(redisClient, cfg.Redis.ManifestTTL),
		locker:      lock.NewLocker(logger, cfg.Lock, redisClient),
	}, nil
}

func (i *infrastructure) stop(logger logrus.FieldLogger) {
	if i.redisClient == nil {
		return
	}

	if err := i.redisClient.Stop(); err != nil {
		logger.WithError(err).Error("Error stopping Redis client")
	}
}

// setupTelemetry creates the metrics registry and starts the metrics
// server when one is configured.
func setupTelemetry(logger *logrus.Logger, cfg *config.Config) (*telemetry, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	tel := &telemetry{
		registry: registry,
		metrics:  m,
		status:   handlers.NewRunStatus(),
	}

	if !cfg.Metrics.Enabled() {
		return tel, nil
	}

	tel.server = server.New(logger, cfg.Metrics.ListenAddr, registry, tel.status)

	// Bind before the run starts so a bad address fails fast
	if err := tel.server.Listen(); err != nil {
		return nil, err
	}

	tel.done = make(chan error, 1)

	go func() {
		tel.done <- tel.server.Serve()
	}()

	return tel, nil
}

func (t *telemetry) stop(logger logrus.FieldLogger, cfg *config.Config) {
	if t.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Metrics.ShutdownTimeout)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Error during server shutdown")
	}

	if err := <-t.done; err != nil {
		logger.WithError(err).Error("Metrics server error")
	}
}

// setupDriver builds the fetch client, artifact store and driver.
func setupDriver(
	logger *logrus.Logger,
	cfg *config.Config,
	infra *infrastructure,
	tel *telemetry,
) (*ingest.Driver, error) {
	svc, err := onsgeo.New(cfg.HTTP, logger, onsgeo.WithRetryHook(tel.metrics.RetryHook()))
	if err != nil {
		return nil, fmt.Errorf("failed to create geoportal client: %w", err)
	}

	store, err := cache.NewStore(logger, cfg.Ingest.CachePath, infra.manifests)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}

	opts := []ingest.Option{
		ingest.WithObserver(ingest.Observers{
			ingest.NewLogObserver(logger),
			tel.metrics,
			tel.status,
		}),
	}

	if infra.locker != nil {
		opts = append(opts, ingest.WithLocker(infra.locker))
	}

	driver, err := ingest.New(logger, cfg.Ingest, svc, store, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}

	return driver, nil
}
