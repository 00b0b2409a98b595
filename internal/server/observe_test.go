package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilocode/backplane/internal/analytics"
	"github.com/kilocode/backplane/internal/session"
	"github.com/kilocode/backplane/internal/storage"
)

const observeToken = "observe-token"

type fakeAnalytics struct {
	mu        sync.Mutex
	apiPoints []analytics.APIPoint
	apiErr    error
}

func (s *fakeAnalytics) WriteAPIPoint(_ context.Context, p analytics.APIPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.apiErr != nil {
		return s.apiErr
	}
	s.apiPoints = append(s.apiPoints, p)
	return nil
}

func (s *fakeAnalytics) WriteSessionPoint(context.Context, analytics.SessionPoint) error {
	return nil
}

func (s *fakeAnalytics) ErrorRateByDimension(context.Context, time.Duration) ([]analytics.DimensionRow, error) {
	return nil, nil
}

func (s *fakeAnalytics) TTFBExceedanceByDimension(context.Context, float64, time.Duration) ([]analytics.DimensionRow, error) {
	return nil, nil
}

func (s *fakeAnalytics) Close() error { return nil }

type publishedRecord struct {
	dataset string
	record  any
}

type fakePublisher struct {
	mu      sync.Mutex
	records []publishedRecord
}

func (p *fakePublisher) PublishTelemetry(_ context.Context, dataset string, record any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, publishedRecord{dataset: dataset, record: record})
	return nil
}

type metricsSink struct {
	mu      sync.Mutex
	metrics []session.Metrics
}

func (s *metricsSink) IngestSessionMetrics(_ context.Context, m session.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

type observeFixture struct {
	srv       *httptest.Server
	store     *fakeAnalytics
	publisher *fakePublisher
	sessions  *session.Registry
}

func newObserveFixture(t *testing.T, maxItemBytes, maxBatchBytes int) *observeFixture {
	t.Helper()
	store := &fakeAnalytics{}
	publisher := &fakePublisher{}
	sessions := session.NewRegistry(session.Deps{
		Store:  storage.NewMemoryStore(),
		Sink:   &metricsSink{},
		Clock:  clockwork.NewFakeClock(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(sessions.Close)

	api := NewObserveAPI(ObserveOptions{
		Store:         store,
		Sessions:      sessions,
		Publisher:     publisher,
		AuthToken:     observeToken,
		MaxItemBytes:  maxItemBytes,
		MaxBatchBytes: maxBatchBytes,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &observeFixture{srv: srv, store: store, publisher: publisher, sessions: sessions}
}

func (f *observeFixture) post(t *testing.T, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+observeToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(bytes.TrimSpace(body)) > 0 {
		require.NoError(t, json.Unmarshal(body, &decoded), "body: %s", body)
	}
	return resp, decoded
}

func TestObserveRequiresAuth(t *testing.T) {
	f := newObserveFixture(t, 0, 0)

	resp, err := http.Post(f.srv.URL+"/ingest/api-metrics", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestAPIMetricsWritesAndForwards(t *testing.T) {
	f := newObserveFixture(t, 0, 0)

	resp, _ := f.post(t, "/ingest/api-metrics", analytics.APIPoint{
		Provider:          "anthropic",
		ResolvedModel:     "m1",
		ClientName:        "cli",
		StatusCode:        200,
		TTFBMs:            350,
		CompleteRequestMs: 1200,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Len(t, f.store.apiPoints, 1)
	assert.Equal(t, "anthropic", f.store.apiPoints[0].Provider)
	assert.Equal(t, float64(350), f.store.apiPoints[0].TTFBMs)

	require.Len(t, f.publisher.records, 1)
	assert.Equal(t, "api", f.publisher.records[0].dataset)
}

func TestIngestAPIMetricsValidation(t *testing.T) {
	f := newObserveFixture(t, 0, 0)

	resp, body := f.post(t, "/ingest/api-metrics", map[string]any{"ttfbMs": 100})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "provider")
	assert.Empty(t, f.store.apiPoints)
}

func TestIngestSessionItemsReachTheActor(t *testing.T) {
	f := newObserveFixture(t, 0, 0)

	resp, body := f.post(t, "/ingest/sessions/s1", map[string]any{
		"ingestVersion": 1,
		"kiloUserId":    "u1",
		"items": []map[string]any{
			{"type": "session_open"},
			{"type": "kilo_meta", "kilo_meta": map[string]any{"platform": "vscode"}},
			{"type": "message", "message": map[string]any{"role": "user", "time": map[string]any{"created": 1000}}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(3), body["accepted"])
	assert.Equal(t, float64(0), body["dropped"])

	// The actor now holds the buffered items; a manual emit proves they
	// arrived intact.
	emitted, err := f.sessions.Get("s1").Emit(context.Background(), "close")
	require.NoError(t, err)
	assert.True(t, emitted)
}

func TestIngestSessionDropsOversizeItems(t *testing.T) {
	f := newObserveFixture(t, 64, 0)

	big := strings.Repeat("x", 128)
	resp, body := f.post(t, "/ingest/sessions/s1", map[string]any{
		"ingestVersion": 1,
		"items": []map[string]any{
			{"type": "session_open"},
			{"type": "kilo_meta", "kilo_meta": map[string]any{"platform": big}},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), body["accepted"])
	assert.Equal(t, float64(1), body["dropped"])
}

func TestIngestSessionMalformedBody(t *testing.T) {
	f := newObserveFixture(t, 0, 0)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/ingest/sessions/s1",
		strings.NewReader("{nope"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+observeToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
