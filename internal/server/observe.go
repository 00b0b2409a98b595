package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kilocode/backplane/internal/analytics"
	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/session"
)

// TelemetryPublisher forwards structured telemetry records to the event
// stream. Optional; a nil publisher disables fan-out.
type TelemetryPublisher interface {
	PublishTelemetry(ctx context.Context, dataset string, record any) error
}

// ObserveAPI serves the telemetry ingress for the observability service.
type ObserveAPI struct {
	store     analytics.Store
	sessions  *session.Registry
	publisher TelemetryPublisher
	authToken string
	logger    *slog.Logger
	adapter   *errors.HTTPErrorAdapter
	recorder  metrics.Recorder

	maxItemBytes  int
	maxBatchBytes int

	// MetricsHandler, when set, is mounted unauthenticated at /metrics.
	MetricsHandler http.Handler
}

// ObserveOptions configures the observe ingress.
type ObserveOptions struct {
	Store         analytics.Store
	Sessions      *session.Registry
	Publisher     TelemetryPublisher
	AuthToken     string
	MaxItemBytes  int
	MaxBatchBytes int
	Logger        *slog.Logger
	Recorder      metrics.Recorder
}

// NewObserveAPI wires the observe ingress.
func NewObserveAPI(opts ObserveOptions) *ObserveAPI {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	return &ObserveAPI{
		store:         opts.Store,
		sessions:      opts.Sessions,
		publisher:     opts.Publisher,
		authToken:     opts.AuthToken,
		logger:        opts.Logger,
		adapter:       errors.NewHTTPErrorAdapter(opts.Logger),
		recorder:      opts.Recorder,
		maxItemBytes:  opts.MaxItemBytes,
		maxBatchBytes: opts.MaxBatchBytes,
	}
}

// Handler builds the full route table.
func (a *ObserveAPI) Handler() http.Handler {
	authed := http.NewServeMux()
	authed.HandleFunc("POST /ingest/api-metrics", a.handleAPIMetrics)
	authed.HandleFunc("POST /ingest/sessions/{sessionID}", a.handleSessionIngest)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	if a.MetricsHandler != nil {
		mux.Handle("GET /metrics", a.MetricsHandler)
	}
	mux.Handle("/", bearerAuth(a.authToken, authed))

	return Chain(a.logger, a.adapter)(mux)
}

func (a *ObserveAPI) handleAPIMetrics(w http.ResponseWriter, r *http.Request) {
	var p analytics.APIPoint
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Provider == "" || p.ResolvedModel == "" {
		writeError(w, http.StatusBadRequest, "provider and resolvedModel are required")
		return
	}

	if err := a.store.WriteAPIPoint(r.Context(), p); err != nil {
		a.recorder.IncAnalyticsWrite("api", false)
		a.adapter.WriteErrorResponse(w, r, err)
		return
	}
	a.recorder.IncAnalyticsWrite("api", true)
	a.recorder.IncIngest("api")

	if a.publisher != nil {
		if err := a.publisher.PublishTelemetry(r.Context(), "api", p); err != nil {
			a.logger.Warn("forward api metric to stream", logfields.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionIngestRequest is the POST /ingest/sessions/{id} body. Items stay raw
// until after size-based splitting so oversize entries are dropped before any
// decoding work.
type sessionIngestRequest struct {
	IngestVersion int               `json:"ingestVersion"`
	KiloUserID    string            `json:"kiloUserId"`
	Items         []json.RawMessage `json:"items"`
}

func (a *ObserveAPI) handleSessionIngest(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")
	var req sessionIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	split := session.SplitIngestBatch(req.Items, a.maxItemBytes, a.maxBatchBytes)
	actor := a.sessions.Get(sessionID)

	accepted := 0
	for _, chunk := range split.Chunks {
		items := make([]session.Item, 0, len(chunk))
		for _, raw := range chunk {
			var it session.Item
			if err := json.Unmarshal(raw, &it); err != nil {
				// Malformed entries are counted with the oversize drops.
				split.Dropped++
				continue
			}
			items = append(items, it)
		}
		if len(items) == 0 {
			continue
		}
		if err := actor.Ingest(r.Context(), req.KiloUserID, req.IngestVersion, items); err != nil {
			a.adapter.WriteErrorResponse(w, r, err)
			return
		}
		accepted += len(items)
	}
	a.recorder.IncIngest("session")

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"dropped":  split.Dropped,
	})
}
