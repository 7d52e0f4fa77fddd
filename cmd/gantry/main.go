// Package main is the entry point for the gantry reference server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/avenir-labs/gantry/internal/config"
	"github.com/avenir-labs/gantry/internal/observability"
	"github.com/avenir-labs/gantry/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GANTRY_CONFIG_PATH", "configs/gantry.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("GANTRY_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("GANTRY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("gantry version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting gantry",
		observability.String("version", version),
		observability.String("config", configPath))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.String("addr", cfg.Server.Addr),
		observability.Int("cache_adapters", len(cfg.CacheAdapters)),
		observability.Int("ratelimit_adapters", len(cfg.RateLimitAdapters)),
		observability.Int("endpoints", len(cfg.Endpoints)))

	return cfg
}

// initApplication builds every component and wires the server.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	caches, err := buildCacheRegistry(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build cache adapters", observability.Error(err))
	}

	limiters, err := buildLimiterRegistry(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build rate limit adapters", observability.Error(err))
	}

	authn, err := buildAuthProvider(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build auth provider", observability.Error(err))
	}

	checker := buildHealthChecker(cfg, caches, logger)

	p, err := buildPipeline(cfg, caches, limiters, authn, checker, logger)
	if err != nil {
		logger.Fatal("failed to build pipeline", observability.Error(err))
	}

	cfg.Server.Version = version

	srv := server.New(cfg.Server, p,
		server.WithServerLogger(logger),
		server.WithCacheAdapters(caches),
		server.WithRateLimitAdapters(limiters),
	)

	return &application{
		server:          srv,
		caches:          caches,
		limiters:        limiters,
		authn:           authn,
		checker:         checker,
		logger:          logger,
		shutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	}
}

// run starts the server and blocks until a shutdown signal.
func run(app *application, configPath string, logger observability.Logger) {
	ctx := context.Background()

	if err := app.server.Start(ctx); err != nil {
		logger.Fatal("failed to start server", observability.Error(err))
	}

	watcher := startConfigWatcher(app, configPath, logger)

	waitForShutdown(app, watcher, logger)
}

// startConfigWatcher rebuilds the pipeline when the configuration file
// changes. Adapter and server settings need a restart; endpoint policies
// reload live.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		p, buildErr := buildPipeline(newCfg, app.caches, app.limiters, app.authn, app.checker, logger)
		if buildErr != nil {
			logger.Error("failed to rebuild pipeline", observability.Error(buildErr))
			return
		}
		app.server.Swap(p)
		logger.Info("pipeline reloaded",
			observability.Int("endpoints", len(newCfg.Endpoints)))
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown blocks on SIGINT/SIGTERM and shuts everything down.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.shutdownTimeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	logger.Info("gantry stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
