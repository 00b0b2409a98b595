package metrics

import "time"

// ResultLabel enumerates step result categories for counters.
type ResultLabel string

const (
	ResultSuccess   ResultLabel = "success"
	ResultWarning   ResultLabel = "warning"
	ResultFatal     ResultLabel = "fatal"
	ResultCancelled ResultLabel = "cancelled"
)

// Recorder defines observability hooks for the deploy and observe services.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe for nil receivers when using the NoopRecorder (allowing
// optional injection).
type Recorder interface {
	// Deploy service
	ObserveStepDuration(step string, d time.Duration)
	ObserveBuildDuration(d time.Duration)
	IncStepResult(step string, result ResultLabel)
	IncBuildOutcome(outcome string) // outcome: deployed|failed|cancelled
	SetActiveBuilds(n int)
	IncEventAppended(eventType string)
	ObserveWebhookBatch(size int)
	IncWebhookDelivery(result string) // result: delivered|retried|dropped
	IncProviderRetry(op string)

	// Observe service
	IncIngest(kind string) // kind: api|session
	IncAnalyticsWrite(dataset string, success bool)
	ObserveAlertEvaluation(d time.Duration)
	IncAlertFired(severity string)
	IncAlertSuppressed(reason string) // reason: cooldown|min_requests|page_active
	IncSessionEmitted(trigger string) // trigger: close|inactivity
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStepDuration(string, time.Duration) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration)        {}
func (NoopRecorder) IncStepResult(string, ResultLabel)         {}
func (NoopRecorder) IncBuildOutcome(string)                    {}
func (NoopRecorder) SetActiveBuilds(int)                       {}
func (NoopRecorder) IncEventAppended(string)                   {}
func (NoopRecorder) ObserveWebhookBatch(int)                   {}
func (NoopRecorder) IncWebhookDelivery(string)                 {}
func (NoopRecorder) IncProviderRetry(string)                   {}
func (NoopRecorder) IncIngest(string)                          {}
func (NoopRecorder) IncAnalyticsWrite(string, bool)            {}
func (NoopRecorder) ObserveAlertEvaluation(time.Duration)      {}
func (NoopRecorder) IncAlertFired(string)                      {}
func (NoopRecorder) IncAlertSuppressed(string)                 {}
func (NoopRecorder) IncSessionEmitted(string)                  {}
