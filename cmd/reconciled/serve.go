package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sornon/member-sub002/internal/metrics"
	"github.com/sornon/member-sub002/internal/scheduler"
	"github.com/sornon/member-sub002/internal/server"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	listenAddr := fs.String("listen", "", "Override admin listen address (e.g., :8080)")
	metricsAddr := fs.String("metrics-addr", "", "Serve /metrics on a separate address (e.g., :9090)")
	noSweep := fs.Bool("no-sweep", false, "Disable the background profile sweep")

	fs.Usage = func() {
		fmt.Println(`Usage: reconciled serve [options]

Run the admin HTTP API. When sweep.enabled is set, a background worker
also steps the profile sweep from its stored checkpoint.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, logger, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *noSweep {
		cfg.Sweep.Enabled = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := NewService(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Errorf("failed to start service", map[string]any{"error": err.Error()})
		return 1
	}
	defer svc.Close(context.Background())

	if svc.Publisher != nil {
		if err := svc.Publisher.EnsureTopic(ctx); err != nil {
			logger.Warnf("could not ensure counter event topic", map[string]any{
				"topic": svc.Publisher.Topic(),
				"error": err.Error(),
			})
		}
	}

	health := server.NewHealth()
	for _, check := range svc.ReadinessChecks() {
		health.RegisterReadinessCheck(check)
	}

	var worker *scheduler.Worker
	if cfg.Sweep.Enabled {
		worker = scheduler.NewWorker(svc.Checkpoints, svc.Engine, scheduler.Config{
			Name:          cfg.Sweep.Name,
			IntervalMs:    cfg.Sweep.IntervalMs,
			StepPauseMs:   cfg.Sweep.StepPauseMs,
			BatchSize:     cfg.Sweep.BatchSize,
			MaxDurationMs: cfg.Sweep.MaxDurationMs,
		}, logger)
		worker.Start()
		health.RegisterReadinessCheck(server.NewFuncChecker("sweep_worker", func(context.Context) error {
			if !worker.Running() {
				return errors.New("sweep worker is not running")
			}
			return nil
		}))
		logger.Infof("sweep worker started", map[string]any{"sweep": cfg.Sweep.Name})
	}

	apiOpts := []server.APIOption{
		server.WithCollections(func(name string) bool {
			_, ok := svc.Registry.Lookup(name)
			return ok
		}),
		server.WithCheckpoints(svc.Checkpoints),
	}
	if svc.Archiver != nil {
		apiOpts = append(apiOpts, server.WithReports(svc.Archiver))
	}
	routes := server.Routes{
		API:            server.NewAPI(svc.Engine, logger, apiOpts...),
		Health:         health,
		RequestMetrics: metrics.NewHTTPMetrics(),
	}

	var metricsServer *metrics.Server
	if cfg.Observability.MetricsAddr != "" {
		metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr)
		if err := metricsServer.Start(); err != nil {
			logger.Errorf("failed to start metrics server", map[string]any{"error": err.Error()})
			return 1
		}
	} else {
		routes.Metrics = metrics.Handler(prometheus.DefaultGatherer)
	}

	srvCfg := server.DefaultConfig()
	srvCfg.ListenAddr = cfg.Server.ListenAddr
	srvCfg.ShutdownTimeout = time.Duration(cfg.Server.ShutdownTimeoutMs) * time.Millisecond
	srvCfg.TLS = server.TLSConfig{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile}
	srv := server.New(srvCfg, server.NewRouter(srvCfg, routes, logger), logger)
	if err := srv.Start(); err != nil {
		logger.Errorf("failed to start admin server", map[string]any{"error": err.Error()})
		return 1
	}

	logger.Infof("reconciled started", map[string]any{
		"version": version,
		"commit":  gitCommit,
		"addr":    srv.Addr().String(),
	})

	code := 0
	select {
	case <-ctx.Done():
		logger.Infof("received shutdown signal", nil)
	case err := <-srv.Err():
		logger.Errorf("admin server error", map[string]any{"error": err.Error()})
		code = 1
	}

	logger.Infof("initiating graceful shutdown", nil)
	health.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, server.ErrServerClosed) {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		code = 1
	}
	if worker != nil {
		worker.Stop()
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
	logger.Infof("shutdown complete", nil)
	return code
}
