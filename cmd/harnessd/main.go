// Harnessd is the feature orchestration daemon.
//
// It loads the feature graph, schedules ready features onto agent runs,
// gates them through acceptance checks and serves the HTTP API.
//
// Configuration is loaded from ~/.config/harnessd/config.yaml and
// HARNESSD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	harnessd
//
//	# Use another config file
//	harnessd -config /etc/harnessd/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/harnessd/internal/config"
	apihttp "github.com/fyrsmithlabs/harnessd/internal/http"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/orchestrator"
	"github.com/fyrsmithlabs/harnessd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  harnessd [-config path]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  harnessd version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("harnessd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled, then shuts
// down in order: stop accepting HTTP requests, stop scheduling and drain
// runs, flush telemetry.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting harnessd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_concurrency", cfg.Scheduler.MaxConcurrency),
		zap.String("engine", cfg.Engine.Provider),
	)

	rt, err := orchestrator.NewRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn(context.Background(), "runtime close failed", zap.Error(err))
		}
	}()

	srv, err := apihttp.NewServer(rt, logger, &apihttp.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
		Telemetry: tel,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+cfg.Scheduler.ShutdownGrace)
		defer cancel()

		var errList []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errList = append(errList, fmt.Errorf("http shutdown: %w", err))
		}
		if err := rt.Shutdown(shutdownCtx); err != nil {
			errList = append(errList, fmt.Errorf("scheduler shutdown: %w", err))
		}
		if err := tel.Shutdown(shutdownCtx); err != nil {
			errList = append(errList, fmt.Errorf("telemetry shutdown: %w", err))
		}
		return errors.Join(errList...)
	})

	return g.Wait()
}

// initLogger builds the structured logger, bridged to OTEL when
// telemetry is enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	obs := cfg.Observability
	lcfg, err := logging.FromSettings(obs.LogLevel, obs.LogFormat, obs.LogSampling)
	if err != nil {
		return nil, err
	}
	lcfg.Service = obs.ServiceName
	lcfg.OTEL = obs.EnableTelemetry
	return logging.NewLogger(lcfg, tel.LoggerProvider())
}
