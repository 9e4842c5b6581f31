package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pyramid/internal/api"
	"pyramid/internal/config"
	"pyramid/internal/metrics"
	"pyramid/internal/session"
	"pyramid/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "config/pyramid.yaml"
	if p := os.Getenv("PYRAMID_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid config %s: %v", cfgPath, err)
		return 1
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	shared, closeShared, err := session.NewShared(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer closeShared()

	coord := session.NewCoordinator(shared, session.DefaultConnector(cfg, logger))
	n, err := coord.Start(ctx)
	if err != nil {
		logger.Error("no session started", "error", err)
		return 1
	}
	logger.Info("pyramid-trader running", "sessions", n, "backend", cfg.Orders.Backend)

	srv := api.NewServer(cfg, coord, shared.Store, registry, logger)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		err = <-srvErr
	case err = <-srvErr:
		stop()
	}
	code := 0
	if err != nil {
		logger.Error("ops server failed", "error", err)
		code = 1
	}

	logger.Info("shutting down", "grace", cfg.Orders.ShutdownGrace)
	coord.Wait()
	logger.Info("pyramid-trader stopped")
	return code
}
