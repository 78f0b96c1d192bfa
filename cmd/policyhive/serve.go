package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fractal-lba/policyhive/internal/brain"
	"github.com/fractal-lba/policyhive/internal/config"
	"github.com/fractal-lba/policyhive/internal/metrics"
	"github.com/fractal-lba/policyhive/pkg/otel"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the decision node with its ops endpoints",
		Long: `Starts every decision component, the event dispatcher, the maintenance
scheduler and the route watcher. /metrics, /health and /stats are served on
server.port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	if cfg.Telemetry.Enabled {
		tp, err := otel.InitTracer(ctx, &otel.Config{
			ServiceName:          cfg.Telemetry.ServiceName,
			ServiceVersion:       version,
			Environment:          cfg.Telemetry.Environment,
			CollectorEndpoint:    cfg.Telemetry.CollectorEndpoint,
			CollectorInsecure:    cfg.Telemetry.CollectorInsecure,
			SamplingRate:         cfg.Telemetry.SamplingRate,
			MaxEventsPerSpan:     128,
			MaxAttributesPerSpan: 128,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				logger.WithError(err).Warn("tracer shutdown failed")
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	b, err := brain.New(ctx, brain.Options{Config: cfg, Metrics: m, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()
	if err := b.Start(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      opsHandler(cfg.Server, reg, b),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("starting ops server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("ops server shutdown error")
	}
	return nil
}

func opsHandler(cfg config.ServerConfig, reg *prometheus.Registry, b *brain.Brain) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", basicAuth(cfg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/stats", basicAuth(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b.Stats())
	})))
	return mux
}

func basicAuth(cfg config.ServerConfig, next http.Handler) http.Handler {
	if cfg.MetricsUser == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != cfg.MetricsUser || pass != cfg.MetricsPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
