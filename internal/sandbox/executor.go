// Package sandbox abstracts the isolated build executor. Build commands, git
// checkouts, and file transfers all go through the Executor interface; the
// remote implementation talks to the executor service over HTTP/SSE while the
// local one runs commands directly for development.
package sandbox

import (
	"context"
	"io"
)

// EventType discriminates streamed exec events.
type EventType string

const (
	EventLog      EventType = "log"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// ExecEvent is one streamed record from a running command.
type ExecEvent struct {
	Type     EventType
	Data     string // log output chunk
	ExitCode int    // set on complete
	Message  string // set on error
}

// ExecOptions adjust command execution.
type ExecOptions struct {
	Cwd string
	Env map[string]string
}

// Executor is one isolated build environment, owned by a single build.
type Executor interface {
	// Exec starts command and streams its events. The channel closes after
	// the terminal event (complete or error).
	Exec(ctx context.Context, command string, opts ExecOptions) (<-chan ExecEvent, error)

	// Run executes command to completion and returns combined stdout.
	// A non-zero exit code is an error.
	Run(ctx context.Context, command string, opts ExecOptions) (string, error)

	// WriteFile stores content at path inside the sandbox.
	WriteFile(ctx context.Context, path string, content []byte) error

	// ReadFile retrieves a file. Subject to the per-call size limit on
	// remote executors; use ReadFileChunked for large files.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// GitCheckout clones cloneURL (credentials may be embedded) into dir,
	// optionally at branch.
	GitCheckout(ctx context.Context, cloneURL, branch, dir string) error

	// Destroy tears the sandbox down. Idempotent.
	Destroy(ctx context.Context) error
}

// FileStreamer is implemented by executors that support direct streaming
// reads. Preferred over the chunked base64 fallback when available.
type FileStreamer interface {
	StreamFile(ctx context.Context, path string) (io.ReadCloser, error)
}

// Provisioner hands out one executor per build.
type Provisioner interface {
	Acquire(ctx context.Context, buildID string) (Executor, error)
}
