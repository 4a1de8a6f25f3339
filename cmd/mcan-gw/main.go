package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/romixlab/mcan/internal/metrics"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("mcan-gw %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	be, err := initBackend(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		os.Exit(1)
	}
	gw, err := newGateway(cfg, be, l)
	if err != nil {
		l.Error("gateway_init_error", "error", err)
		be.cleanup()
		os.Exit(1)
	}
	gw.run(ctx, &wg)
	l.Info("gateway_started", "backend", cfg.backend, "can_if", cfg.canIf)

	metrics.SetReadinessFunc(func() bool {
		return gw.ready.Load() && ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()

		// The gateway has no client-facing listener; advertise the metrics
		// endpoint when mDNS is enabled.
		if cfg.mdnsEnable {
			if _, p, err := net.SplitHostPort(cfg.metricsAddr); err == nil {
				if port, perr := strconv.Atoi(p); perr == nil && port > 0 {
					if cleanupMDNS, merr := startMDNS(ctx, cfg, port); merr != nil {
						l.Warn("mdns_start_failed", "error", merr)
					} else {
						l.Info("mdns_started", "service", mdnsServiceType, "port", port)
						defer cleanupMDNS()
					}
				}
			}
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
	gw.close()
	wg.Wait()
}
