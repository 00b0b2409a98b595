package metrics

import "time"

type testRecorder struct {
	stepDurations  map[string]int
	stepResults    map[string]map[ResultLabel]int
	buildDurations int
	buildOutcomes  map[string]int
	alertsFired    map[string]int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		stepDurations: map[string]int{},
		stepResults:   map[string]map[ResultLabel]int{},
		buildOutcomes: map[string]int{},
		alertsFired:   map[string]int{},
	}
}

func (t *testRecorder) ObserveStepDuration(step string, _ time.Duration) {
	t.stepDurations[step]++
}
func (t *testRecorder) ObserveBuildDuration(_ time.Duration) { t.buildDurations++ }
func (t *testRecorder) IncStepResult(step string, result ResultLabel) {
	m, ok := t.stepResults[step]
	if !ok {
		m = map[ResultLabel]int{}
		t.stepResults[step] = m
	}
	m[result]++
}
func (t *testRecorder) IncBuildOutcome(outcome string)       { t.buildOutcomes[outcome]++ }
func (t *testRecorder) SetActiveBuilds(int)                  {}
func (t *testRecorder) IncEventAppended(string)              {}
func (t *testRecorder) ObserveWebhookBatch(int)              {}
func (t *testRecorder) IncWebhookDelivery(string)            {}
func (t *testRecorder) IncProviderRetry(string)              {}
func (t *testRecorder) IncIngest(string)                     {}
func (t *testRecorder) IncAnalyticsWrite(string, bool)       {}
func (t *testRecorder) ObserveAlertEvaluation(time.Duration) {}
func (t *testRecorder) IncAlertFired(severity string)        { t.alertsFired[severity]++ }
func (t *testRecorder) IncAlertSuppressed(string)            {}
func (t *testRecorder) IncSessionEmitted(string)             {}
