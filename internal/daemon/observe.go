package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kilocode/backplane/internal/alerting"
	"github.com/kilocode/backplane/internal/analytics"
	"github.com/kilocode/backplane/internal/config"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/server"
	"github.com/kilocode/backplane/internal/session"
	"github.com/kilocode/backplane/internal/storage"
	"github.com/kilocode/backplane/internal/stream"
)

// ObserveDaemon is the fully wired observability service.
type ObserveDaemon struct {
	logger       *slog.Logger
	store        analytics.Store
	sessionStore *storage.SQLiteStore
	sessions     *session.Registry
	evaluator    *alerting.Evaluator
	scheduler    *alerting.Scheduler
	watcher      *config.Watcher
	publisher    *stream.Publisher
	srv          *http.Server
}

// NewObserveDaemon wires the analytics store, the session aggregator, the
// alert evaluator, and the HTTP ingress from configuration. configPath is
// watched so alert rules hot-reload without a restart.
func NewObserveDaemon(cfg *config.Config, configPath string, logger *slog.Logger) (*ObserveDaemon, error) {
	o := cfg.Observe
	clock := clockwork.NewRealClock()

	var store analytics.Store
	var err error
	if o.Analytics.Driver == "clickhouse" {
		store, err = analytics.NewClickHouseStore(o.Analytics.DSN, clock)
	} else {
		store, err = analytics.NewSQLiteStore(o.Analytics.DSN, clock)
	}
	if err != nil {
		return nil, err
	}

	recorder, metricsHandler := newRecorder(cfg.Metrics)

	publisher, err := connectStream(cfg.NATS, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	sessionStore, err := storage.NewSQLiteStore(o.Session.StorePath)
	if err != nil {
		store.Close()
		if publisher != nil {
			publisher.Close()
		}
		return nil, err
	}

	sessions := session.NewRegistry(session.Deps{
		Store:             sessionStore,
		Sink:              &sessionSink{store: store, publisher: publisher, recorder: recorder, logger: logger},
		PostCloseDrain:    o.Session.PostCloseDrain,
		InactivityTimeout: o.Session.InactivityTimeout,
		Clock:             clock,
		Logger:            logger,
		Recorder:          recorder,
	})

	d := &ObserveDaemon{
		logger:       logger,
		store:        store,
		sessionStore: sessionStore,
		sessions:     sessions,
		publisher:    publisher,
	}

	if o.Alerting.Enabled {
		var cooldowns alerting.Cooldowns
		if o.Alerting.RedisAddr != "" {
			cooldowns = alerting.NewRedisCooldowns(o.Alerting.RedisAddr)
		} else {
			cooldowns = alerting.NewMemoryCooldowns(clock)
		}
		d.evaluator = alerting.NewEvaluator(alerting.EvaluatorOptions{
			Store:          store,
			Cooldowns:      cooldowns,
			Notifier:       alerting.NewSlackNotifier(o.Alerting.PageWebhook, o.Alerting.TicketWebhook),
			PageCooldown:   o.Alerting.PageCooldown,
			TicketCooldown: o.Alerting.TicketCooldown,
			Clock:          clock,
			Logger:         logger,
			Recorder:       recorder,
		})
		d.evaluator.UpdateRules(alertRules(o.Alerting))

		d.scheduler, err = alerting.NewScheduler(d.evaluator, o.Alerting.TickInterval, logger)
		if err != nil {
			d.close()
			return nil, err
		}

		d.watcher, err = config.NewWatcher(configPath, d.applyReload)
		if err != nil {
			d.close()
			return nil, err
		}
	}

	api := server.NewObserveAPI(server.ObserveOptions{
		Store:         store,
		Sessions:      sessions,
		Publisher:     telemetryPublisher(publisher),
		AuthToken:     o.AdminToken,
		MaxItemBytes:  o.Session.MaxIngestItemBytes,
		MaxBatchBytes: o.Session.MaxIngestBatchBytes,
		Logger:        logger,
		Recorder:      recorder,
	})
	api.MetricsHandler = metricsHandler

	d.srv = &http.Server{
		Addr:              o.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return d, nil
}

// telemetryPublisher avoids handing the API a non-nil interface wrapping a
// nil *stream.Publisher.
func telemetryPublisher(p *stream.Publisher) server.TelemetryPublisher {
	if p == nil {
		return nil
	}
	return p
}

// alertRules converts the config sections into evaluator rules.
func alertRules(cfg config.AlertingConfig) ([]alerting.ErrorRateRule, []alerting.TTFBRule) {
	er := make([]alerting.ErrorRateRule, 0, len(cfg.ErrorRate))
	for _, r := range cfg.ErrorRate {
		er = append(er, alerting.ErrorRateRule{
			Model:       r.Model,
			Enabled:     r.Enabled,
			SLO:         r.ErrorRateSLO,
			MinRequests: r.MinRequestsPerWindow,
		})
	}
	tt := make([]alerting.TTFBRule, 0, len(cfg.TTFB))
	for _, r := range cfg.TTFB {
		tt = append(tt, alerting.TTFBRule{
			Model:       r.Model,
			Enabled:     r.Enabled,
			ThresholdMs: r.TTFBThresholdMs,
			SLO:         r.TTFBSLO,
			MinRequests: r.MinRequestsPerWindow,
		})
	}
	return er, tt
}

// applyReload swaps in the hot-reload-safe parts of a fresh config.
func (d *ObserveDaemon) applyReload(cfg *config.Config) {
	if d.evaluator == nil {
		return
	}
	d.evaluator.UpdateRules(alertRules(cfg.Observe.Alerting))
}

// Run serves the ingress and the alert scheduler until ctx is cancelled.
func (d *ObserveDaemon) Run(ctx context.Context) error {
	if d.scheduler != nil {
		d.scheduler.Start()
	}
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			d.logger.Warn("config watcher not started", slog.Any("error", err))
		}
	}

	d.logger.Info("observe service listening", slog.String("addr", d.srv.Addr))
	err := serve(ctx, d.srv, d.logger)
	d.close()
	return err
}

func (d *ObserveDaemon) close() {
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil {
			d.logger.Warn("stop alert scheduler", slog.Any("error", err))
		}
	}
	if d.sessions != nil {
		d.sessions.Close()
	}
	if d.publisher != nil {
		d.publisher.Close()
	}
	if d.sessionStore != nil {
		if err := d.sessionStore.Close(); err != nil {
			d.logger.Warn("close session store", slog.Any("error", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close analytics store", slog.Any("error", err))
		}
	}
}

// sessionSink writes the one metrics record per session into analytics and
// forwards it to the event stream.
type sessionSink struct {
	store     analytics.Store
	publisher *stream.Publisher
	recorder  metrics.Recorder
	logger    *slog.Logger
}

func (s *sessionSink) IngestSessionMetrics(ctx context.Context, m session.Metrics) error {
	p := analytics.SessionPoint{
		Platform:              m.Platform,
		TerminationReason:     m.TerminationReason,
		OrganizationID:        m.OrganizationID,
		KiloUserID:            m.KiloUserID,
		Model:                 m.Model,
		SessionDurationMs:     m.SessionDurationMs,
		TimeToFirstResponseMs: -1,
		TotalTurns:            float64(m.TotalTurns),
		TotalSteps:            float64(m.TotalSteps),
		TotalErrors:           float64(m.TotalErrors),
		TotalTokens:           m.TotalTokens(),
		TotalCost:             m.TotalCost,
		CompactionCount:       float64(m.CompactionCount),
		StuckToolCallCount:    float64(m.StuckToolCallCount),
		AutoCompactionCount:   float64(m.AutoCompactionCount),
		IngestVersion:         float64(m.IngestVersion),
	}
	if m.TimeToFirstResponseMs != nil {
		p.TimeToFirstResponseMs = *m.TimeToFirstResponseMs
	}

	if err := s.store.WriteSessionPoint(ctx, p); err != nil {
		s.recorder.IncAnalyticsWrite("session", false)
		return err
	}
	s.recorder.IncAnalyticsWrite("session", true)

	if s.publisher != nil {
		if err := s.publisher.PublishTelemetry(ctx, "sessions", m); err != nil {
			s.logger.Warn("forward session metrics to stream", slog.Any("error", err))
		}
	}
	return nil
}
