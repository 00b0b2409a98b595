package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kilocode/backplane/internal/foundation/errors"
	"github.com/kilocode/backplane/internal/logfields"
	"github.com/kilocode/backplane/internal/metrics"
	"github.com/kilocode/backplane/internal/retry"
)

// Provider error codes with dedicated handling.
const (
	codeScriptNotFound = 10007 // secrets PUT against a missing worker
	codeClassExists    = 10074 // Durable Object migration collision
)

// Client calls the provider API. BaseURL includes the account prefix, e.g.
// https://api.cloudflare.com/client/v4/accounts/<account>.
type Client struct {
	baseURL   string
	apiToken  string
	namespace string
	client    *http.Client
	logger    *slog.Logger
	recorder  metrics.Recorder
	policy    retry.Policy
}

// NewClient builds a provider client for the given dispatch namespace.
func NewClient(baseURL, apiToken, namespace string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   baseURL,
		apiToken:  apiToken,
		namespace: namespace,
		client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger,
		recorder:  metrics.NoopRecorder{},
		// 5xx-only exponential backoff: 1s doubling, capped at 30s, 3 attempts total.
		policy: retry.Policy{Mode: retry.BackoffExponential, Initial: time.Second, Max: 30 * time.Second, MaxRetries: 2},
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(client *http.Client) *Client {
	if client != nil {
		c.client = client
	}
	return c
}

// WithRecorder attaches a metrics recorder.
func (c *Client) WithRecorder(r metrics.Recorder) *Client {
	if r != nil {
		c.recorder = r
	}
	return c
}

// APIError is a provider error envelope entry, annotated with the HTTP status.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d (code %d): %s", e.Status, e.Code, e.Message)
}

// isServerError reports whether err should be retried (HTTP 5xx only).
func isServerError(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Status >= 500
	}
	return false
}

// envelope is the provider's standard response wrapper.
type envelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

// doJSON performs one call with a JSON body under the retry policy,
// decoding the result envelope into out when non-nil.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.WrapError(err, errors.CategoryProvider, "encode request").Build()
		}
	}
	return c.withRetry(ctx, op, func(ctx context.Context) error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return errors.WrapError(err, errors.CategoryProvider, "build request").Build()
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
		return c.execute(req, out, nil)
	})
}

// doMultipart performs a multipart call under the retry policy. build is
// invoked per attempt since multipart bodies are single-use.
func (c *Client) doMultipart(ctx context.Context, op, method, path string, build func() (contentType string, body []byte, err error), out any, status *int) error {
	return c.withRetry(ctx, op, func(ctx context.Context) error {
		contentType, body, err := build()
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return errors.WrapError(err, errors.CategoryProvider, "build request").Build()
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
		return c.execute(req, out, status)
	})
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, c.policy, isServerError, func(ctx context.Context) error {
		if attempt > 0 {
			c.recorder.IncProviderRetry(op)
			c.logger.Warn("retrying provider call", logfields.Endpoint(op), logfields.Attempt(attempt))
		}
		attempt++
		return fn(ctx)
	})
}

// execute sends the request and decodes the envelope. A successful response
// stores its HTTP status in status (when non-nil) and unmarshals the result
// into out (when non-nil).
func (c *Client) execute(req *http.Request, out any, status *int) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "provider request failed").Build()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WrapError(err, errors.CategoryProvider, "read response").Build()
	}

	var env envelope
	if len(raw) > 0 {
		// A non-envelope body on an error status still yields a usable APIError.
		_ = json.Unmarshal(raw, &env)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (len(raw) > 0 && !env.Success && len(env.Errors) > 0) {
		apiErr := &APIError{Status: resp.StatusCode}
		if len(env.Errors) > 0 {
			apiErr.Code = env.Errors[0].Code
			apiErr.Message = env.Errors[0].Message
		} else {
			apiErr.Message = string(raw)
		}
		return apiErr
	}

	if status != nil {
		*status = resp.StatusCode
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return errors.WrapError(err, errors.CategoryProvider, "decode result").Build()
		}
	}
	return nil
}

func (c *Client) scriptPath(namespace, name string) string {
	ns := namespace
	if ns == "" {
		ns = c.namespace
	}
	return "/workers/dispatch/namespaces/" + ns + "/scripts/" + name
}

// DeleteWorker removes a worker script. "Not found" responses count as
// success: the desired end state holds.
func (c *Client) DeleteWorker(ctx context.Context, namespace, name string) error {
	err := c.doJSON(ctx, "delete_worker", http.MethodDelete, c.scriptPath(namespace, name), nil, nil)
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok {
		if apiErr.Code == codeScriptNotFound || apiErr.Status == http.StatusNotFound ||
			bytes.Contains([]byte(apiErr.Message), []byte("not found")) {
			return nil
		}
	}
	return errors.WrapError(err, errors.CategoryProvider, "delete worker").
		WithContext("worker", name).Build()
}
