// Command coedit runs one instance of the collaborative document server.
// Instances are stateless apart from in-memory replicas; any number of them
// converge through the shared message bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs" // container-aware GOMAXPROCS

	"github.com/coedit-dev/coedit/internal/bus"
	"github.com/coedit-dev/coedit/internal/config"
	"github.com/coedit-dev/coedit/internal/doc"
	"github.com/coedit-dev/coedit/internal/memory"
	"github.com/coedit-dev/coedit/internal/monitoring"
	"github.com/coedit-dev/coedit/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}).With().Str("instance_id", cfg.InstanceID).Logger()
	cfg.LogConfig(logger)

	b, err := buildBus(cfg, logger)
	if err != nil {
		return err
	}

	registry := doc.NewRegistry(doc.RegistryConfig{
		InstanceID:   cfg.InstanceID,
		IdleEvictTTL: cfg.IdleEvictTTL,
		MaxDocuments: cfg.DocumentCacheSize,
		Document: doc.Options{
			DebounceDelay:    cfg.DebounceDelay,
			DebounceMaxDelay: cfg.DebounceMaxDelay,
			HistoryLimit:     cfg.HistoryLimit,
		},
	}, b, logger)

	memMgr := memory.NewManager(memory.Config{
		Limit:        cfg.MemoryLimit,
		GCThreshold:  cfg.GCThreshold,
		Interval:     cfg.MemoryInterval,
		HistoryLimit: cfg.HistoryLimit,
	}, memory.ProcessSampler(), registry, logger)
	memMgr.Start()

	srv := server.New(cfg, b, registry, memMgr, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listener: %w", err)
		}
		return nil
	}

	// Teardown in dependency order: stop accepting and drain connections,
	// flush documents, then drop the bus.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	registry.Shutdown()
	memMgr.Stop()
	if err := b.Close(); err != nil {
		logger.Warn().Err(err).Msg("Bus close failed")
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}

// buildBus picks NATS when configured, otherwise the in-process bus for a
// single-instance deployment.
func buildBus(cfg *config.Config, logger zerolog.Logger) (bus.Bus, error) {
	if cfg.NATSUrl == "" {
		logger.Info().Msg("No NATS URL configured, using in-process bus")
		return bus.NewMemoryBus(), nil
	}
	b, err := bus.NewNATSBus(bus.DefaultNATSConfig(cfg.NATSUrl), logger)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	return b, nil
}
