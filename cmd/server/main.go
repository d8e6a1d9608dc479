package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/platformbuilds/querygate-core/internal/api"
	"github.com/platformbuilds/querygate-core/internal/config"
	"github.com/platformbuilds/querygate-core/internal/core"
	"github.com/platformbuilds/querygate-core/internal/tracing"
	"github.com/platformbuilds/querygate-core/pkg/logger"
)

const version = "v0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logger.New(cfg.LogLevel)
	logger.Info("starting querygate-core", "version", version, "environment", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		tp, err := tracing.NewTracerProvider(ctx, cfg.Tracing, "querygate-core", version)
		if err != nil {
			logger.Fatal("failed to initialize tracing", "error", err)
		}
		defer func() {
			shutdownCtx, cancelTrace := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelTrace()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", "error", err)
			}
		}()
	}

	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize core", "error", err)
	}
	c.Start()

	// Hot-reload of the tunable subset: rate limits, breaker
	// thresholds, dispatch knobs.
	if path := configPath(); path != "" {
		go func() {
			if err := config.Watch(ctx, path, logger, c.SetTunables); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	apiServer := api.NewServer(cfg, logger, c)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := apiServer.Start(ctx); err != nil {
		logger.Fatal("server failed", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	c.Stop(shutdownCtx)

	logger.Info("querygate-core shutdown complete")
}

// configPath returns the config file to watch, empty when running on
// env vars and defaults alone.
func configPath() string {
	for _, p := range []string{"./configs/config.yaml", "./config.yaml", "/etc/querygate/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
