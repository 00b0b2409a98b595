package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kilocode/backplane/internal/foundation/errors"
)

// RemoteExecutor drives one sandbox on the isolated executor service.
// Commands stream back as server-sent events; file transfers go through the
// files endpoint, which enforces a per-call size limit.
type RemoteExecutor struct {
	baseURL string
	token   string
	id      string
	client  *http.Client
}

// RemoteProvisioner creates sandboxes on the executor service.
type RemoteProvisioner struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// Acquire creates (or reattaches to) the sandbox keyed by buildID.
func (p *RemoteProvisioner) Acquire(ctx context.Context, buildID string) (Executor, error) {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	e := &RemoteExecutor{baseURL: p.BaseURL, token: p.Token, id: buildID, client: client}

	body, _ := json.Marshal(map[string]string{"id": buildID})
	resp, err := e.do(ctx, http.MethodPost, "/sandboxes", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	// 409 means the sandbox already exists; reattach.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict && resp.StatusCode != http.StatusOK {
		return nil, errors.SandboxError(fmt.Sprintf("create sandbox: executor returned %d", resp.StatusCode)).
			WithContext("build_id", buildID).Build()
	}
	return e, nil
}

func (e *RemoteExecutor) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "build executor request").Build()
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "executor request failed").Build()
	}
	return resp, nil
}

type execRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// execFrame is the JSON body of each SSE data field.
type execFrame struct {
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Exec starts command and decodes the SSE stream into ExecEvents. Commands
// have no client-side timeout; cancellation comes from ctx.
func (e *RemoteExecutor) Exec(ctx context.Context, command string, opts ExecOptions) (<-chan ExecEvent, error) {
	body, err := json.Marshal(execRequest{Command: command, Cwd: opts.Cwd, Env: opts.Env})
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "encode exec request").Build()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/sandboxes/"+e.id+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "build exec request").Build()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	// Streaming request: no overall timeout.
	streamClient := &http.Client{Transport: e.client.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "exec request failed").Build()
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.SandboxError(fmt.Sprintf("exec: executor returned %d", resp.StatusCode)).Build()
	}

	events := make(chan ExecEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		parseSSE(resp.Body, func(event, data string) bool {
			var frame execFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				// Plain-text data frames are treated as log output.
				frame = execFrame{Data: data}
			}
			switch EventType(event) {
			case EventError:
				events <- ExecEvent{Type: EventError, Message: frame.Message}
				return false
			case EventComplete:
				events <- ExecEvent{Type: EventComplete, ExitCode: frame.ExitCode}
				return false
			default:
				events <- ExecEvent{Type: EventLog, Data: frame.Data}
				return true
			}
		})
	}()
	return events, nil
}

// Run executes command to completion, returning combined output.
func (e *RemoteExecutor) Run(ctx context.Context, command string, opts ExecOptions) (string, error) {
	events, err := e.Exec(ctx, command, opts)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	for ev := range events {
		switch ev.Type {
		case EventLog:
			out.WriteString(ev.Data)
			out.WriteByte('\n')
		case EventError:
			return out.String(), errors.SandboxError("command failed: " + ev.Message).Build()
		case EventComplete:
			if ev.ExitCode != 0 {
				return out.String(), errors.SandboxError(fmt.Sprintf("command exited with code %d", ev.ExitCode)).
					WithContext("exit_code", ev.ExitCode).Build()
			}
		}
	}
	return out.String(), nil
}

func (e *RemoteExecutor) filesPath(path string) string {
	return "/sandboxes/" + e.id + "/files?path=" + url.QueryEscape(path)
}

func (e *RemoteExecutor) WriteFile(ctx context.Context, path string, content []byte) error {
	resp, err := e.do(ctx, http.MethodPut, e.filesPath(path), bytes.NewReader(content), "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return errors.SandboxError(fmt.Sprintf("write file: executor returned %d", resp.StatusCode)).
			WithContext("path", path).Build()
	}
	return nil
}

func (e *RemoteExecutor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	resp, err := e.do(ctx, http.MethodGet, e.filesPath(path), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NotFoundError("file not found in sandbox").
			WithContext("path", path).Build()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.SandboxError(fmt.Sprintf("read file: executor returned %d", resp.StatusCode)).
			WithContext("path", path).Build()
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "read file body").Build()
	}
	return data, nil
}

// GitCheckout shells out to git inside the sandbox. LFS handling is the
// orchestrator's concern; this only produces the checkout.
func (e *RemoteExecutor) GitCheckout(ctx context.Context, cloneURL, branch, dir string) error {
	cmd := "git clone --depth 1"
	if branch != "" {
		cmd += " --branch " + shellQuote(branch)
	}
	cmd += " " + shellQuote(cloneURL) + " " + shellQuote(dir)
	if _, err := e.Run(ctx, cmd, ExecOptions{}); err != nil {
		return errors.WrapError(err, errors.CategoryGit, "clone repository").Build()
	}
	return nil
}

// Destroy deletes the sandbox. A missing sandbox is success.
func (e *RemoteExecutor) Destroy(ctx context.Context) error {
	resp, err := e.do(ctx, http.MethodDelete, "/sandboxes/"+e.id, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return errors.SandboxError(fmt.Sprintf("destroy sandbox: executor returned %d", resp.StatusCode)).
			WithContext("build_id", e.id).Build()
	}
	return nil
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
