// Command core is the entry point for the ingest + rule-engine
// process: broker connection, time-series writer, command dispatcher,
// device-config cache, rule store, rule engine, message router, and a
// Prometheus metrics endpoint, wired together and run until a shutdown
// signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tf-iot/core/internal/broker"
	"github.com/tf-iot/core/internal/buildinfo"
	"github.com/tf-iot/core/internal/config"
	"github.com/tf-iot/core/internal/devicecache"
	"github.com/tf-iot/core/internal/dispatcher"
	"github.com/tf-iot/core/internal/engine"
	"github.com/tf-iot/core/internal/events"
	"github.com/tf-iot/core/internal/metrics"
	"github.com/tf-iot/core/internal/router"
	"github.com/tf-iot/core/internal/rulestore"
	"github.com/tf-iot/core/internal/tsdb"
)

// shutdownGrace bounds how long we wait, on signal, for in-flight
// dispatcher commands and the broker's clean disconnect.
const shutdownGrace = 10 * time.Second

func main() {
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %s: %s\n", k, v)
		}
		return
	}

	logger.Info("starting tf-iot-core", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid LOG_LEVEL", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"broker", cfg.Broker.URL(),
		"tsdb_url", cfg.TSDB.URL,
		"api_base", cfg.APIBase,
		"rules_file", cfg.RulesFile,
	)

	bus := events.New()
	reg := metrics.New()

	writer := tsdb.New(cfg.TSDB, logger, reg)
	defer writer.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := writer.Ping(pingCtx); err != nil {
		cancelPing()
		logger.Error("tsdb ping failed", "error", err)
		os.Exit(1)
	}
	cancelPing()
	logger.Info("tsdb connection verified")

	cache := devicecache.New()
	store := rulestore.New(cfg.RulesFile, logger, bus, nil)
	disp := dispatcher.New(cfg.APIBase, cache, logger, bus, reg)
	eng := engine.New(store, disp, logger, bus, nil, reg)
	brokerClient := broker.New(cfg.Broker, logger, bus)
	msgRouter := router.New(store, cache, writer, eng, brokerClient, logger, bus, nil, reg)
	brokerClient.SetHandler(msgRouter.Handle)

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: reg.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", *metricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()

		if err := disp.Stop(shutdownCtx); err != nil {
			logger.Warn("dispatcher shutdown did not complete cleanly", "error", err)
		}
		if err := brokerClient.Stop(shutdownCtx); err != nil {
			logger.Warn("broker disconnect did not complete cleanly", "error", err)
		}
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Start blocks until ctx is cancelled, so run it in the background
	// and watch for either a fatal startup error or a successful first
	// connect within the startup deadline.
	startErr := make(chan error, 1)
	go func() { startErr <- brokerClient.Start(ctx) }()

	if err := awaitFirstConnect(ctx, brokerClient, 30*time.Second, startErr); err != nil {
		logger.Error("broker failed to connect within startup deadline", "error", err)
		cancel()
		os.Exit(1)
	}
	logger.Info("broker connected, serving")

	if err := <-startErr; err != nil && ctx.Err() == nil {
		logger.Error("broker stopped unexpectedly", "error", err)
		os.Exit(1)
	}

	logger.Info("tf-iot-core stopped")
}

// connChecker is the subset of *broker.Client awaitFirstConnect needs.
type connChecker interface {
	Connected() bool
}

// awaitFirstConnect polls client.Connected until it reports true, the
// deadline elapses, or Start itself returns an error — whichever comes
// first.
func awaitFirstConnect(ctx context.Context, client connChecker, deadline time.Duration, startErr <-chan error) error {
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if client.Connected() {
			return nil
		}
		select {
		case <-ticker.C:
		case err := <-startErr:
			return fmt.Errorf("broker start failed: %w", err)
		case <-timeout.C:
			return fmt.Errorf("no connection after %s", deadline)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
