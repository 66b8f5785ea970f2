// Package main is the entry point for admissiond, the admission-control
// reverse proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"admissionctl/internal/admin"
	"admissionctl/internal/audit"
	"admissionctl/internal/config"
	"admissionctl/internal/proxy"
	"admissionctl/internal/telemetry"
	"admissionctl/internal/upstream"
)

func main() {
	configPath := flag.String("config", "admissionctl.toml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := parseLogLevel(cfg.Telemetry.LogLevel)
	var handler slog.Handler
	if cfg.Telemetry.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	telemetryLogger := telemetry.NewSlogLogger(logger)

	slog.Info("starting admissiond", "http_port", cfg.Server.HTTPPort, "upstreams", len(cfg.Upstreams))

	metrics := telemetry.NewMetrics(nil)

	var sinks []upstream.EventSink
	sinks = append(sinks, telemetry.NewSink(metrics))

	var auditSvc *audit.Service
	if cfg.Audit.Enabled {
		auditSvc, err = audit.NewService(cfg.Audit.DSN)
		if err != nil {
			slog.Error("failed to initialize audit sink, continuing without it", "error", err)
		} else {
			sinks = append(sinks, auditSvc)
			defer auditSvc.Close()
		}
	}
	sink := upstream.TeeSink(sinks...)

	groups := make(map[string]*upstream.Group, len(cfg.Upstreams))
	mux := http.NewServeMux()
	for name, u := range cfg.Upstreams {
		conn := proxy.NewConnector()
		g := upstream.NewGroup(name, u.ToUpstreamConfig(), u.ToSpecs(), conn, sink)
		groups[name] = g

		h := proxy.NewHandler(g, conn, telemetryLogger)
		prefix := "/" + name + "/"
		mux.Handle(prefix, http.StripPrefix(strings.TrimSuffix(prefix, "/"), h))
		slog.Info("registered upstream", "name", name, "path", prefix, "backends", len(u.Backends))
	}

	go pollStats(groups, metrics)

	if cfg.Admin.Enabled {
		adminHandler := admin.NewHandler(groups, cfg.Admin.TokenHash)
		adminMux := http.NewServeMux()
		adminMux.Handle("/stats", adminHandler)
		adminAddr := cfg.Admin.Address
		if adminAddr == "" {
			adminAddr = "127.0.0.1:9091"
		}
		go func() {
			slog.Info("starting admin endpoint", "addr", adminAddr)
			if err := http.ListenAndServe(adminAddr, adminMux); err != nil {
				slog.Error("admin endpoint stopped", "error", err)
			}
		}()
	}

	if cfg.Telemetry.PrometheusEnabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.PrometheusPort)
		go func() {
			slog.Info("starting metrics endpoint", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, telemetry.Handler()); err != nil {
				slog.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
		cancel()
	}()

	slog.Info("admissiond ready", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("admissiond stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pollStats periodically pushes each group's backend/queue snapshot into
// the Prometheus gauges, since Stats() is pull-based but the gauges need
// to be set rather than recomputed on every scrape.
func pollStats(groups map[string]*upstream.Group, metrics *telemetry.Metrics) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for name, g := range groups {
			backends, queueLen := g.Stats()
			metrics.SetQueueDepth(name, queueLen)
			for _, b := range backends {
				metrics.SetBackendStats(name, b.Name, b.InFlight, b.Fails)
			}
		}
	}
}
