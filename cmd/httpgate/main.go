// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zijiren233/httpgate"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func main() {
	configPath := flag.String("config", "", "path to the yaml configuration file")
	listenAddr := flag.String("listen", "", "listen address, overrides config and LISTEN_ADDR")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	flag.Parse()

	cfg, err := httpgate.LoadConfig(*configPath)
	if err != nil {
		// mandatory configuration failures are fatal at startup
		os.Stderr.WriteString("httpgate: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen = *listenAddr
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("httpgate: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	var sink httpgate.EventSink = httpgate.NopSink{}
	if *metricsAddr != "" {
		sink = httpgate.NewMetricsSink(prometheus.DefaultRegisterer)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	registry := httpgate.NewRegistry()
	routes := httpgate.NewRouteTable(cfg.BuildTable(registry))
	pools := &httpgate.PoolManager{
		MaxPerTarget: cfg.Pool.MaxPerTarget,
		IdleExpiry:   cfg.Pool.IdleExpiry.Std(),
		DialTimeout:  cfg.Pool.DialTimeout.Std(),
	}
	tracker := &httpgate.Tracker{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow.Std(),
		CoolDown:         cfg.Breaker.CoolDown.Std(),
		MaxCoolDown:      cfg.Breaker.MaxCoolDown.Std(),
		Events:           sink,
	}
	fw := &httpgate.Forwarder{
		Routes:    routes,
		Pools:     pools,
		Admission: &httpgate.AdmissionController{MaxInFlight: cfg.Admission.MaxInFlight},
		Health:    tracker,
		Events:    sink,
		Logger:    logger,
	}
	srv := &httpgate.Server{
		Addr:          cfg.Listen,
		Handler:       fw,
		ShutdownGrace: cfg.ShutdownGrace.Std(),
		Logger:        logger,
	}

	logger.Info("starting httpgate",
		zap.String("listen", cfg.Listen),
		zap.String("domain_suffix", cfg.DomainSuffix),
		zap.Int("routes", len(cfg.Routes)))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err = <-errCh:
		logger.Error("listener failed", zap.Error(err))
		pools.Close()
		os.Exit(1)
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
		if err = srv.Shutdown(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
		pools.Close()
	}
}
