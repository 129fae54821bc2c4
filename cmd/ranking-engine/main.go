package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/provider-ranking/internal/broadcast"
	"github.com/tributary-ai/provider-ranking/internal/config"
	"github.com/tributary-ai/provider-ranking/internal/ranking"
	"github.com/tributary-ai/provider-ranking/internal/security"
	"github.com/tributary-ai/provider-ranking/internal/server"
	"github.com/tributary-ai/provider-ranking/internal/simulate"
	"github.com/tributary-ai/provider-ranking/internal/sink"
	"github.com/tributary-ai/provider-ranking/internal/telemetry"
	"github.com/tributary-ai/provider-ranking/internal/types"
)

const version = "1.0.0"

// replayFactor bounds startup replay to this many windows' worth of outcomes
const replayFactor = 5

// Application represents the main application
type Application struct {
	config     *config.Config
	configPath string
	engine     *ranking.Engine
	hub        *broadcast.Hub
	backend    sink.Backend
	writer     *sink.Writer
	server     *server.Server
	logger     *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	app := &Application{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
	}

	metrics := telemetry.New()
	app.hub = broadcast.NewHub(cfg.ToHubConfig(), logger)

	// Storage sink is optional; the none driver yields a nil backend.
	ctx := context.Background()
	app.backend, err = sink.Open(ctx, cfg.Sink, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s sink: %w", cfg.Sink.Driver, err)
	}

	opts := []ranking.Option{ranking.WithTelemetry(metrics)}
	if app.backend != nil {
		app.writer = sink.NewWriter(app.backend, sink.WriterConfig{
			BufferSize:    cfg.Sink.BufferSize,
			BatchSize:     cfg.Sink.BatchSize,
			FlushInterval: cfg.Sink.FlushInterval,
			WriteTimeout:  cfg.Sink.WriteTimeout,
		}, logger, metrics)
		opts = append(opts, ranking.WithPersister(app.writer))
	}

	app.engine, err = ranking.NewEngine(cfg.ToEngineConfig(), app.hub, logger, opts...)
	if err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to create ranking engine: %w", err)
	}

	if err := registerProviders(app.engine, cfg, logger); err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	if app.backend != nil && cfg.Sink.LoadHistory {
		n, err := app.engine.LoadHistory(ctx, app.backend, cfg.Ranking.WindowCapacity*replayFactor)
		if err != nil {
			logger.WithError(err).Warn("Failed to replay stored outcomes, starting empty")
		} else {
			logger.WithField("outcomes", n).Info("Replayed stored outcomes")
		}
	}

	app.server, err = server.NewServer(app.engine, metrics, cfg.ToServerConfig(), logger)
	if err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return app, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting provider ranking engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	workers, workerCtx := errgroup.WithContext(ctx)
	workers.Go(func() error {
		return app.engine.Run(workerCtx)
	})

	if app.config.Simulation.Enabled {
		sim := simulate.New(app.engine, app.simulationConfig(), app.logger)
		workers.Go(func() error {
			return sim.Run(workerCtx)
		})
	}

	if app.configPath != "" {
		workers.Go(func() error {
			return config.Watch(workerCtx, app.configPath, app.logger, app.reload)
		})
	}

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
	case <-workerCtx.Done():
		app.logger.Error("Background worker stopped unexpectedly")
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		if runErr == nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	}

	cancel()
	if err := workers.Wait(); err != nil {
		app.logger.WithError(err).Error("Background worker failed")
		if runErr == nil {
			runErr = err
		}
	}

	app.hub.Close()
	app.closeStorage()

	app.logger.Info("Graceful shutdown completed")
	return runErr
}

// reload applies the hot-reloadable part of a changed config file
func (app *Application) reload(cfg *config.Config) {
	if err := app.engine.ApplySettings(cfg.ToSettings()); err != nil {
		app.logger.WithError(err).Warn("Rejected configuration reload")
		return
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		app.logger.SetLevel(level)
	}
	app.logger.Info("Configuration reloaded")
}

func (app *Application) simulationConfig() simulate.Config {
	sc := app.config.Simulation
	providers := make([]types.ProviderID, 0, len(sc.Providers))
	for _, p := range sc.Providers {
		providers = append(providers, types.ProviderID(p))
	}
	return simulate.Config{
		Providers:             providers,
		Interval:              sc.Interval,
		Seed:                  sc.Seed,
		StatusFlipProbability: sc.StatusFlipProbability,
	}
}

// closeStorage flushes and closes the storage backend. A writer owns the
// backend it wraps and closes it on Stop.
func (app *Application) closeStorage() {
	if app.writer != nil {
		if err := app.writer.Stop(); err != nil {
			app.logger.WithError(err).Warn("Sink writer stop error")
		}
		app.writer = nil
		app.backend = nil
		return
	}
	if app.backend != nil {
		if err := app.backend.Close(); err != nil {
			app.logger.WithError(err).Warn("Sink close error")
		}
		app.backend = nil
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "", "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerProviders registers the configured startup providers
func registerProviders(engine *ranking.Engine, cfg *config.Config, logger *logrus.Logger) error {
	registered := 0
	for _, id := range cfg.Ranking.Providers {
		created, err := engine.RegisterProvider(types.ProviderID(id), types.StatusActive)
		if err != nil {
			return fmt.Errorf("provider %q: %w", id, err)
		}
		if created {
			registered++
		}
	}

	if registered == 0 && !cfg.Ranking.AutoRegister && !cfg.Simulation.Enabled {
		logger.Warn("No providers configured and auto-registration is off; outcomes will be rejected until providers are registered")
	}

	logger.WithField("count", registered).Info("Provider registration completed")
	return nil
}

// issueToken prints a write-scoped JWT signed with the configured secret
func issueToken(configPath, subject string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	auth := security.NewAuthenticator(cfg.ToSecurityMiddlewareConfig().Auth, logger)
	token, err := auth.GenerateJWT(subject, []string{security.PermissionWrite})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  RANKING_PORT                Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  RANKING_LOG_LEVEL           Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  RANKING_LOG_FORMAT          Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  RANKING_MIN_REQUESTS        Outcomes required before a provider is ranked\n")
	fmt.Fprintf(os.Stderr, "  RANKING_RECOMPUTE_INTERVAL  Periodic recompute interval (e.g. 30s)\n")
	fmt.Fprintf(os.Stderr, "  RANKING_AUTO_REGISTER       Register unknown providers on first outcome\n")
	fmt.Fprintf(os.Stderr, "  RANKING_API_KEYS            Comma-separated API keys for write endpoints\n")
	fmt.Fprintf(os.Stderr, "  RANKING_JWT_SECRET          HMAC secret for bearer tokens\n")
	fmt.Fprintf(os.Stderr, "  RANKING_SINK_DRIVER         Storage sink (none,memory,influx,postgres)\n")
	fmt.Fprintf(os.Stderr, "  RANKING_SIMULATE            Generate demo provider activity\n")
	fmt.Fprintf(os.Stderr, "  INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG, INFLUX_BUCKET  InfluxDB sink\n")
	fmt.Fprintf(os.Stderr, "  DATABASE_URL                PostgreSQL sink connection string\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  RANKING_SIMULATE=true %s\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  RANKING_JWT_SECRET=s3cret %s --issue-token ingest-service\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		tokenFor    = flag.String("issue-token", "", "Print a write-scoped JWT for the given subject and exit")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("Provider Ranking Engine v%s\n", version)
		os.Exit(0)
	}

	if *tokenFor != "" {
		if err := issueToken(*configPath, *tokenFor); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
