package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	stepDuration     *prom.HistogramVec
	buildDuration    prom.Histogram
	stepResults      *prom.CounterVec
	buildOutcome     *prom.CounterVec
	activeBuilds     prom.Gauge
	eventsAppended   *prom.CounterVec
	webhookBatch     prom.Histogram
	webhookDelivery  *prom.CounterVec
	providerRetries  *prom.CounterVec
	ingestRequests   *prom.CounterVec
	analyticsWrites  *prom.CounterVec
	alertEvaluation  prom.Histogram
	alertsFired      *prom.CounterVec
	alertsSuppressed *prom.CounterVec
	sessionsEmitted  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stepDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "backplane",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual build pipeline steps",
			Buckets:   prom.DefBuckets,
		}, []string{"step"})
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "backplane",
			Name:      "build_duration_seconds",
			Help:      "Total build duration from accept to terminal state",
			Buckets:   prom.DefBuckets,
		})
		pr.stepResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "step_results_total",
			Help:      "Step result counts by outcome",
		}, []string{"step", "result"})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.activeBuilds = prom.NewGauge(prom.GaugeOpts{
			Namespace: "backplane",
			Name:      "active_builds",
			Help:      "Builds currently in a non-terminal state",
		})
		pr.eventsAppended = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "events_appended_total",
			Help:      "Build events appended to per-build stores",
		}, []string{"type"})
		pr.webhookBatch = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "backplane",
			Name:      "webhook_batch_size",
			Help:      "Events per delivered webhook batch",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		})
		pr.webhookDelivery = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by result",
		}, []string{"result"})
		pr.providerRetries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "provider_retries_total",
			Help:      "Deployment provider request retries by operation",
		}, []string{"op"})
		pr.ingestRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "ingest_requests_total",
			Help:      "Telemetry ingest requests by kind",
		}, []string{"kind"})
		pr.analyticsWrites = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "analytics_writes_total",
			Help:      "Analytics datapoint writes by dataset and result",
		}, []string{"dataset", "result"})
		pr.alertEvaluation = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "backplane",
			Name:      "alert_evaluation_seconds",
			Help:      "Duration of one alert evaluation pass",
			Buckets:   prom.DefBuckets,
		})
		pr.alertsFired = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "alerts_fired_total",
			Help:      "Alerts sent to the notification channel by severity",
		}, []string{"severity"})
		pr.alertsSuppressed = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "alerts_suppressed_total",
			Help:      "Alert candidates suppressed before notification",
		}, []string{"reason"})
		pr.sessionsEmitted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "backplane",
			Name:      "sessions_emitted_total",
			Help:      "Session metric emissions by trigger",
		}, []string{"trigger"})
		reg.MustRegister(
			pr.stepDuration, pr.buildDuration, pr.stepResults, pr.buildOutcome,
			pr.activeBuilds, pr.eventsAppended, pr.webhookBatch, pr.webhookDelivery,
			pr.providerRetries, pr.ingestRequests, pr.analyticsWrites,
			pr.alertEvaluation, pr.alertsFired, pr.alertsSuppressed, pr.sessionsEmitted,
		)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStepDuration(step string, d time.Duration) {
	if p == nil || p.stepDuration == nil {
		return
	}
	p.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStepResult(step string, result ResultLabel) {
	if p == nil || p.stepResults == nil {
		return
	}
	p.stepResults.WithLabelValues(step, string(result)).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) SetActiveBuilds(n int) {
	if p == nil || p.activeBuilds == nil {
		return
	}
	p.activeBuilds.Set(float64(n))
}

func (p *PrometheusRecorder) IncEventAppended(eventType string) {
	if p == nil || p.eventsAppended == nil {
		return
	}
	p.eventsAppended.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) ObserveWebhookBatch(size int) {
	if p == nil || p.webhookBatch == nil {
		return
	}
	p.webhookBatch.Observe(float64(size))
}

func (p *PrometheusRecorder) IncWebhookDelivery(result string) {
	if p == nil || p.webhookDelivery == nil {
		return
	}
	p.webhookDelivery.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncProviderRetry(op string) {
	if p == nil || p.providerRetries == nil {
		return
	}
	p.providerRetries.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) IncIngest(kind string) {
	if p == nil || p.ingestRequests == nil {
		return
	}
	p.ingestRequests.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncAnalyticsWrite(dataset string, success bool) {
	if p == nil || p.analyticsWrites == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.analyticsWrites.WithLabelValues(dataset, res).Inc()
}

func (p *PrometheusRecorder) ObserveAlertEvaluation(d time.Duration) {
	if p == nil || p.alertEvaluation == nil {
		return
	}
	p.alertEvaluation.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncAlertFired(severity string) {
	if p == nil || p.alertsFired == nil {
		return
	}
	p.alertsFired.WithLabelValues(severity).Inc()
}

func (p *PrometheusRecorder) IncAlertSuppressed(reason string) {
	if p == nil || p.alertsSuppressed == nil {
		return
	}
	p.alertsSuppressed.WithLabelValues(reason).Inc()
}

func (p *PrometheusRecorder) IncSessionEmitted(trigger string) {
	if p == nil || p.sessionsEmitted == nil {
		return
	}
	p.sessionsEmitted.WithLabelValues(trigger).Inc()
}
