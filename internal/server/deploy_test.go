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

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilocode/backplane/internal/orchestrator"
	"github.com/kilocode/backplane/internal/storage"
)

const testToken = "deploy-token"

type deleteCall struct{ namespace, name string }

type fakeDeleter struct {
	mu    sync.Mutex
	calls []deleteCall
	err   error
}

func (d *fakeDeleter) DeleteWorker(_ context.Context, namespace, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, deleteCall{namespace: namespace, name: name})
	return d.err
}

// newDeployServer builds the ingress over a memory store. The fake clock
// keeps the kickoff alarm from firing, so builds stay queued.
func newDeployServer(t *testing.T, deleter *fakeDeleter) *httptest.Server {
	t.Helper()
	registry := orchestrator.NewRegistry(orchestrator.Deps{
		Store:  storage.NewMemoryStore(),
		Clock:  clockwork.NewFakeClock(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(registry.Close)

	api := NewDeployAPI(registry, deleter, "prod", testToken,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string, body io.Reader, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func postDeploy(t *testing.T, srv *httptest.Server, payload map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return doRequest(t, http.MethodPost, srv.URL+"/deploy", bytes.NewReader(raw), nil)
}

func TestDeployRejectsMissingOrWrongToken(t *testing.T) {
	srv := newDeployServer(t, &fakeDeleter{})

	resp, err := http.Get(srv.URL + "/deploy/b1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/deploy/b1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	srv := newDeployServer(t, &fakeDeleter{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeployCreatesQueuedBuild(t *testing.T) {
	srv := newDeployServer(t, &fakeDeleter{})

	resp, body := postDeploy(t, srv, map[string]any{
		"slug":       "my-site",
		"provider":   "github",
		"repoSource": "me/site",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "my-site", body["slug"])
	buildID, _ := body["buildId"].(string)
	require.NotEmpty(t, buildID)

	resp, status := doRequest(t, http.MethodGet, srv.URL+"/deploy/"+buildID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", status["status"])

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/deploy/"+buildID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	evResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer evResp.Body.Close()
	require.Equal(t, http.StatusOK, evResp.StatusCode)
	raw, _ := io.ReadAll(evResp.Body)
	assert.Contains(t, string(raw), "Build created and queued")
}

func TestDeployValidatesInput(t *testing.T) {
	srv := newDeployServer(t, &fakeDeleter{})

	resp, body := postDeploy(t, srv, map[string]any{"slug": "bad slug!", "repoSource": "me/site"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid slug", body["error"])

	resp, body = postDeploy(t, srv, map[string]any{"slug": "ok"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "repoSource is required", body["error"])

	resp, _ = doRequest(t, http.MethodPost, srv.URL+"/deploy", strings.NewReader("{nope"), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeployCancelsSupersededBuilds(t *testing.T) {
	srv := newDeployServer(t, &fakeDeleter{})

	_, first := postDeploy(t, srv, map[string]any{
		"slug": "site", "provider": "github", "repoSource": "me/site",
	})
	firstID := first["buildId"].(string)

	resp, _ := postDeploy(t, srv, map[string]any{
		"slug": "site", "provider": "github", "repoSource": "me/site",
		"cancelBuildIds": []string{firstID, "does-not-exist"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, status := doRequest(t, http.MethodGet, srv.URL+"/deploy/"+firstID+"/status", nil, nil)
	assert.Equal(t, "cancelled", status["status"])
}

func TestStatusUnknownBuildIs404(t *testing.T) {
	srv := newDeployServer(t, &fakeDeleter{})

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/deploy/nope/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "build not found", body["error"])
}

func TestCancelSemanticsOverHTTP(t *testing.T) {
	srv := newDeployServer(t, &fakeDeleter{})

	_, created := postDeploy(t, srv, map[string]any{
		"slug": "site", "provider": "github", "repoSource": "me/site",
	})
	buildID := created["buildId"].(string)

	resp, body := doRequest(t, http.MethodDelete, srv.URL+"/deploy/"+buildID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	// A second cancel hits a terminal build.
	resp, body = doRequest(t, http.MethodDelete, srv.URL+"/deploy/"+buildID, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "build already finished", body["error"])
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = doRequest(t, http.MethodDelete, srv.URL+"/deploy/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeployArchive(t *testing.T) {
	srv := newDeployServer(t, &fakeDeleter{})

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/deploy-archive",
		bytes.NewReader([]byte("tar-bytes")), map[string]string{"X-Slug": "my-site"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "my-site", body["slug"])

	resp, body = doRequest(t, http.MethodPost, srv.URL+"/deploy-archive",
		bytes.NewReader([]byte("tar-bytes")), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "X-Slug")

	resp, body = doRequest(t, http.MethodPost, srv.URL+"/deploy-archive",
		bytes.NewReader(nil), map[string]string{"X-Slug": "my-site"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "empty archive body", body["error"])
}

func TestDeleteWorker(t *testing.T) {
	deleter := &fakeDeleter{}
	srv := newDeployServer(t, deleter)

	resp, body := doRequest(t, http.MethodDelete, srv.URL+"/worker/my-site", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	require.Len(t, deleter.calls, 1)
	assert.Equal(t, deleteCall{namespace: "prod", name: "my-site"}, deleter.calls[0])

	resp, body = doRequest(t, http.MethodDelete, srv.URL+"/worker/bad%20slug", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid slug", body["error"])
}

func TestDeleteWorkerProviderFailure(t *testing.T) {
	deleter := &fakeDeleter{err: context.DeadlineExceeded}
	srv := newDeployServer(t, deleter)

	resp, body := doRequest(t, http.MethodDelete, srv.URL+"/worker/my-site", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}
