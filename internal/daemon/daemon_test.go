package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilocode/backplane/internal/analytics"
	"github.com/kilocode/backplane/internal/config"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/session"
)

type capturingStore struct {
	analytics.Store
	points []analytics.SessionPoint
	err    error
}

func (s *capturingStore) WriteSessionPoint(_ context.Context, p analytics.SessionPoint) error {
	if s.err != nil {
		return s.err
	}
	s.points = append(s.points, p)
	return nil
}

func TestSessionSinkMapsMetricsToPoint(t *testing.T) {
	store := &capturingStore{}
	sink := &sessionSink{store: store, recorder: metrics.NoopRecorder{}}

	ttfr := 420.0
	m := session.Metrics{
		SessionID:             "s1",
		KiloUserID:            "u1",
		Platform:              "vscode",
		OrganizationID:        "org1",
		Model:                 "m1",
		TerminationReason:     "completed",
		IngestVersion:         1,
		SessionDurationMs:     60000,
		TimeToFirstResponseMs: &ttfr,
		TotalTurns:            3,
		TotalSteps:            7,
		InputTokens:           100,
		OutputTokens:          50,
		TotalCost:             0.25,
	}
	require.NoError(t, sink.IngestSessionMetrics(context.Background(), m))

	require.Len(t, store.points, 1)
	p := store.points[0]
	assert.Equal(t, "vscode", p.Platform)
	assert.Equal(t, "completed", p.TerminationReason)
	assert.Equal(t, 420.0, p.TimeToFirstResponseMs)
	assert.Equal(t, 3.0, p.TotalTurns)
	assert.Equal(t, 150.0, p.TotalTokens)
	assert.Equal(t, 1.0, p.IngestVersion)
}

func TestSessionSinkUsesMinusOneWithoutFirstResponse(t *testing.T) {
	store := &capturingStore{}
	sink := &sessionSink{store: store, recorder: metrics.NoopRecorder{}}

	require.NoError(t, sink.IngestSessionMetrics(context.Background(), session.Metrics{
		SessionID: "s1", Platform: "unknown", TerminationReason: "abandoned",
	}))
	require.Len(t, store.points, 1)
	assert.Equal(t, -1.0, store.points[0].TimeToFirstResponseMs)
}

func TestAlertRulesConversion(t *testing.T) {
	er, tt := alertRules(config.AlertingConfig{
		ErrorRate: []config.ErrorRateAlertConfig{
			{Model: "m1", Enabled: true, ErrorRateSLO: 0.999, MinRequestsPerWindow: 10},
		},
		TTFB: []config.TTFBAlertConfig{
			{Model: "m1", Enabled: true, TTFBThresholdMs: 2000, TTFBSLO: 0.95, MinRequestsPerWindow: 25},
		},
	})

	require.Len(t, er, 1)
	assert.Equal(t, 0.999, er[0].SLO)
	assert.Equal(t, 10.0, er[0].MinRequests)

	require.Len(t, tt, 1)
	assert.Equal(t, 2000.0, tt[0].ThresholdMs)
	assert.Equal(t, 0.95, tt[0].SLO)
}

func TestTelemetryPublisherNilSafety(t *testing.T) {
	assert.Nil(t, telemetryPublisher(nil))
}
