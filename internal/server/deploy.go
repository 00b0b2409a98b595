package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kilocode/backplane/internal/config"
	"github.com/kilocode/backplane/internal/events"
	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/orchestrator"
	"github.com/kilocode/backplane/internal/secrets"
)

// maxArchiveBytes caps uploaded archive bodies.
const maxArchiveBytes = 256 << 20

// WorkerDeleter removes a deployed worker from the provider.
type WorkerDeleter interface {
	DeleteWorker(ctx context.Context, namespace, name string) error
}

// DeployAPI serves the build ingress for the deploy service.
type DeployAPI struct {
	registry  *orchestrator.Registry
	deleter   WorkerDeleter
	namespace string
	authToken string
	logger    *slog.Logger
	adapter   *errors.HTTPErrorAdapter

	// MetricsHandler, when set, is mounted unauthenticated at /metrics.
	MetricsHandler http.Handler
}

// NewDeployAPI wires the deploy ingress.
func NewDeployAPI(registry *orchestrator.Registry, deleter WorkerDeleter, namespace, authToken string, logger *slog.Logger) *DeployAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeployAPI{
		registry:  registry,
		deleter:   deleter,
		namespace: namespace,
		authToken: authToken,
		logger:    logger,
		adapter:   errors.NewHTTPErrorAdapter(logger),
	}
}

// Handler builds the full route table.
func (a *DeployAPI) Handler() http.Handler {
	authed := http.NewServeMux()
	authed.HandleFunc("POST /deploy", a.handleDeploy)
	authed.HandleFunc("POST /deploy-archive", a.handleDeployArchive)
	authed.HandleFunc("GET /deploy/{buildID}/status", a.handleStatus)
	authed.HandleFunc("GET /deploy/{buildID}/events", a.handleEvents)
	authed.HandleFunc("DELETE /deploy/{buildID}", a.handleCancel)
	authed.HandleFunc("DELETE /worker/{slug}", a.handleDeleteWorker)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	if a.MetricsHandler != nil {
		mux.Handle("GET /metrics", a.MetricsHandler)
	}
	mux.Handle("/", bearerAuth(a.authToken, authed))

	return Chain(a.logger, a.adapter)(mux)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// deployRequest is the POST /deploy body.
type deployRequest struct {
	Slug           string                 `json:"slug"`
	Provider       string                 `json:"provider"`
	RepoSource     string                 `json:"repoSource"`
	AccessToken    string                 `json:"accessToken,omitempty"`
	Branch         string                 `json:"branch,omitempty"`
	CancelBuildIDs []string               `json:"cancelBuildIds,omitempty"`
	EnvVars        []secrets.SealedEnvVar `json:"envVars,omitempty"`
}

type deployResponse struct {
	BuildID string `json:"buildId"`
	Slug    string `json:"slug"`
	Status  string `json:"status"`
}

func (a *DeployAPI) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !config.ValidSlug(req.Slug) {
		writeError(w, http.StatusBadRequest, "invalid slug")
		return
	}
	if req.RepoSource == "" {
		writeError(w, http.StatusBadRequest, "repoSource is required")
		return
	}

	a.cancelPriorBuilds(r.Context(), req.CancelBuildIDs)

	buildID := uuid.NewString()
	o := a.registry.Create(buildID)
	status, err := o.Start(r.Context(), orchestrator.StartInput{
		Slug: req.Slug,
		Source: orchestrator.Source{
			Kind: orchestrator.SourceGit,
			Git: &orchestrator.GitSource{
				Provider:    req.Provider,
				RepoSource:  req.RepoSource,
				Branch:      req.Branch,
				AccessToken: req.AccessToken,
			},
		},
		EnvVars: req.EnvVars,
	})
	if err != nil {
		a.adapter.WriteErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployResponse{BuildID: buildID, Slug: req.Slug, Status: string(status)})
}

func (a *DeployAPI) handleDeployArchive(w http.ResponseWriter, r *http.Request) {
	slug := r.Header.Get("X-Slug")
	if !config.ValidSlug(slug) {
		writeError(w, http.StatusBadRequest, "missing or invalid X-Slug header")
		return
	}
	var envVars []secrets.SealedEnvVar
	if raw := r.Header.Get("X-Env-Vars"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &envVars); err != nil {
			writeError(w, http.StatusBadRequest, "invalid X-Env-Vars header")
			return
		}
	}

	archive, err := io.ReadAll(io.LimitReader(r.Body, maxArchiveBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read archive body")
		return
	}
	if len(archive) == 0 {
		writeError(w, http.StatusBadRequest, "empty archive body")
		return
	}

	buildID := uuid.NewString()
	o := a.registry.Create(buildID)
	status, err := o.StartFromArchive(r.Context(), orchestrator.StartInput{Slug: slug, EnvVars: envVars}, archive)
	if err != nil {
		a.adapter.WriteErrorResponse(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployResponse{BuildID: buildID, Slug: slug, Status: string(status)})
}

// cancelPriorBuilds cancels superseded builds, ignoring per-build failures.
func (a *DeployAPI) cancelPriorBuilds(ctx context.Context, buildIDs []string) {
	for _, id := range buildIDs {
		o, found, err := a.registry.Get(ctx, id)
		if err != nil || !found {
			continue
		}
		res := o.Cancel(ctx, "superseded by a newer deploy")
		if !res.Cancelled {
			a.logger.Debug("prior build not cancelled",
				logfields.BuildID(id), slog.String("reason", res.Reason))
		}
	}
}

func (a *DeployAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	o, found, err := a.lookup(w, r)
	if err != nil || !found {
		return
	}
	info, ok := o.Status()
	if !ok {
		writeError(w, http.StatusNotFound, "build not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *DeployAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	o, found, err := a.lookup(w, r)
	if err != nil || !found {
		return
	}
	buffered := o.Events()
	if buffered == nil {
		buffered = []events.Event{}
	}
	writeJSON(w, http.StatusOK, buffered)
}

// lookup resolves the path build id, writing the error response itself when
// the build is missing or the load fails.
func (a *DeployAPI) lookup(w http.ResponseWriter, r *http.Request) (*orchestrator.Orchestrator, bool, error) {
	buildID := r.PathValue("buildID")
	o, found, err := a.registry.Get(r.Context(), buildID)
	if err != nil {
		a.adapter.WriteErrorResponse(w, r, err)
		return nil, false, err
	}
	if !found {
		writeError(w, http.StatusNotFound, "build not found")
		return nil, false, nil
	}
	return o, true, nil
}

func (a *DeployAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	o, found, err := a.lookup(w, r)
	if err != nil || !found {
		return
	}
	res := o.Cancel(r.Context(), "cancelled via API")
	switch {
	case res.Cancelled:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case res.Reason == orchestrator.CancelReasonNotFound:
		writeError(w, http.StatusNotFound, "build not found")
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "build already finished",
			"status": res.Status,
		})
	}
}

func (a *DeployAPI) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if !config.ValidSlug(slug) {
		writeError(w, http.StatusBadRequest, "invalid slug")
		return
	}
	if err := a.deleter.DeleteWorker(r.Context(), a.namespace, slug); err != nil {
		a.logger.Error("delete worker", logfields.Slug(slug), logfields.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "failed to delete worker",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "worker deleted",
	})
}
