// Package daemon composes the two backplane services from configuration:
// the deploy daemon (build orchestration and CDN deployment) and the observe
// daemon (telemetry ingest, SLO alerting, session metrics). Each daemon owns
// its HTTP server and shuts down cleanly on context cancellation.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilocode/backplane/internal/config"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// newRecorder returns the Prometheus recorder and its scrape handler when
// metrics are enabled, otherwise a noop recorder and no handler.
func newRecorder(cfg config.MetricsConfig) (metrics.Recorder, http.Handler) {
	if !cfg.Enabled {
		return metrics.NoopRecorder{}, nil
	}
	reg := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	return rec, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// connectStream dials NATS when enabled. A nil publisher disables fan-out.
func connectStream(cfg config.NATSConfig, logger *slog.Logger) (*stream.Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return stream.Connect(cfg.URL, cfg.SubjectPrefix, logger)
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.String("listen", srv.Addr))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
