package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aimux-ai/aimux/internal/config"
	"github.com/aimux-ai/aimux/internal/middleware"
	"github.com/aimux-ai/aimux/internal/providers"
	"github.com/aimux-ai/aimux/internal/providers/anthropic"
	"github.com/aimux-ai/aimux/internal/providers/openai"
	"github.com/aimux-ai/aimux/internal/routing"
	"github.com/aimux-ai/aimux/internal/security"
	"github.com/aimux-ai/aimux/internal/server"
	"github.com/aimux-ai/aimux/internal/types"
)

const version = "1.0.0"

// Application wires config, routing core, provider adapters, and the HTTP
// server together.
type Application struct {
	config *config.Config
	router *routing.Router
	server *server.Server
	logger *logrus.Logger

	healthStop chan struct{}
}

// NewApplication builds the full gateway from a config file.
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	catalog := cfg.EnabledProviders()
	router := routing.NewRouter(cfg.ToRoutingConfig(), catalog, logger)

	if err := registerDispatchers(router, catalog, logger); err != nil {
		return nil, err
	}

	stack, err := middleware.NewSecurityStack(&middleware.SecurityConfig{
		Auth: &security.AuthConfig{
			APIKeys:     cfg.Security.APIKeys,
			JWTSecret:   cfg.Security.JWTSecret,
			RequireAuth: len(cfg.Security.APIKeys) > 0 || cfg.Security.JWTSecret != "",
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           cfg.Security.RateLimiting.Enabled,
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMin,
			BurstSize:         cfg.Security.RateLimiting.BurstSize,
			WindowDuration:    cfg.Security.RateLimiting.WindowDuration,
		},
		Validation: &security.ValidationConfig{
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			ContentTypes:   []string{"application/json"},
		},
		Schema: &middleware.SchemaValidatorConfig{Enabled: true},
	}, server.OpenAPISpec(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build security stack: %w", err)
	}

	srv := server.New(router, server.Config{
		Port:           cfg.Server.Port,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}, stack, logger)

	return &Application{
		config:     cfg,
		router:     router,
		server:     srv,
		logger:     logger,
		healthStop: make(chan struct{}),
	}, nil
}

// Run starts the gateway and blocks until a shutdown signal arrives.
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting aimux gateway")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go app.healthCheckLoop(time.Minute)

	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	close(app.healthStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// healthCheckLoop probes each dispatcher periodically and feeds the router's
// health map.
func (app *Application) healthCheckLoop(interval time.Duration) {
	app.runHealthChecks()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			app.runHealthChecks()
		case <-app.healthStop:
			return
		}
	}
}

func (app *Application) runHealthChecks() {
	for _, p := range app.router.Catalog() {
		dispatcher, ok := app.router.Dispatcher(p.ID)
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		status, err := dispatcher.HealthCheck(ctx)
		cancel()

		state := types.HealthUnknown
		if status != nil {
			state = status.State
		} else if err != nil {
			state = types.HealthUnhealthy
		}
		app.router.SetHealthState(p.ID, state)

		fields := logrus.Fields{"provider": p.ID, "state": state}
		if status != nil {
			fields["response_time_ms"] = status.ResponseTime
		}
		if err != nil {
			app.logger.WithError(err).WithFields(fields).Warn("Provider health check failed")
		} else {
			app.logger.WithFields(fields).Debug("Provider health check")
		}
	}
}

func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	switch cfg.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// registerDispatchers builds one SDK adapter per enabled catalog entry.
func registerDispatchers(router *routing.Router, catalog []types.Provider, logger *logrus.Logger) error {
	registered := 0
	for _, p := range catalog {
		var d providers.Dispatcher
		switch p.Kind {
		case "openai":
			d = openai.New(p, logger)
		case "anthropic":
			d = anthropic.New(p, logger)
		default:
			return fmt.Errorf("provider %s: unsupported kind %q", p.ID, p.Kind)
		}

		router.RegisterDispatcher(p.ID, d)
		logger.WithFields(logrus.Fields{
			"provider": p.ID,
			"kind":     p.Kind,
			"priority": p.Priority,
		}).Info("Provider dispatcher registered")
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("no providers were registered - check your configuration and API keys")
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY      OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY   Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  AIMUX_PORT          Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  AIMUX_LOG_LEVEL     Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  AIMUX_LOG_FORMAT    Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  AIMUX_STRATEGY      Routing strategy\n")
	fmt.Fprintf(os.Stderr, "  AIMUX_JWT_SECRET    JWT signing secret\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx %s --config configs/config.yaml\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("aimux v%s\n", version)
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
