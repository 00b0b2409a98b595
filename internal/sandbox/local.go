package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kilocode/backplane/internal/foundation/errors"
)

// sandboxRoot is the virtual filesystem root commands see. The local executor
// maps it onto a per-build scratch directory.
const sandboxRoot = "/workspace"

// LocalExecutor runs build commands directly on the host inside a per-build
// scratch directory. Development only; production builds use RemoteExecutor.
type LocalExecutor struct {
	buildID string
	root    string // scratch directory standing in for /workspace
}

// LocalProvisioner creates LocalExecutors under a shared scratch root.
type LocalProvisioner struct {
	Root string
}

// Acquire creates (or reuses) the build's scratch directory.
func (p *LocalProvisioner) Acquire(_ context.Context, buildID string) (Executor, error) {
	root := filepath.Join(p.Root, buildID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "create build workspace").
			WithContext("build_id", buildID).Build()
	}
	return &LocalExecutor{buildID: buildID, root: root}, nil
}

// resolve maps a sandbox path onto the scratch directory.
func (e *LocalExecutor) resolve(path string) string {
	if path == sandboxRoot {
		return e.root
	}
	if rest, ok := strings.CutPrefix(path, sandboxRoot+"/"); ok {
		return filepath.Join(e.root, filepath.FromSlash(rest))
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.root, filepath.FromSlash(path))
}

// Exec runs command via the shell, streaming merged output lines as events.
func (e *LocalExecutor) Exec(ctx context.Context, command string, opts ExecOptions) (<-chan ExecEvent, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.root
	if opts.Cwd != "" {
		cmd.Dir = e.resolve(opts.Cwd)
	}
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "open stdout pipe").Build()
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "start command").
			WithContext("build_id", e.buildID).Build()
	}

	events := make(chan ExecEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			events <- ExecEvent{Type: EventLog, Data: scanner.Text()}
		}
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			events <- ExecEvent{Type: EventError, Message: err.Error()}
			return
		}
		events <- ExecEvent{Type: EventComplete, ExitCode: code}
	}()
	return events, nil
}

// Run executes command to completion, returning combined output.
func (e *LocalExecutor) Run(ctx context.Context, command string, opts ExecOptions) (string, error) {
	events, err := e.Exec(ctx, command, opts)
	if err != nil {
		return "", err
	}
	var out strings.Builder
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

func (e *LocalExecutor) WriteFile(_ context.Context, path string, content []byte) error {
	target := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.WrapError(err, errors.CategorySandbox, "create parent directory").Build()
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return errors.WrapError(err, errors.CategorySandbox, "write file").
			WithContext("path", path).Build()
	}
	return nil
}

func (e *LocalExecutor) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "read file").
			WithContext("path", path).Build()
	}
	return data, nil
}

// StreamFile opens the file for direct streaming; the local filesystem has no
// per-call size limit.
func (e *LocalExecutor) StreamFile(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(e.resolve(path))
	if err != nil {
		return nil, errors.WrapError(err, errors.CategorySandbox, "open file").
			WithContext("path", path).Build()
	}
	return f, nil
}

// GitCheckout clones cloneURL into dir using go-git. Credentials, when
// present, are embedded in the URL by the caller.
func (e *LocalExecutor) GitCheckout(ctx context.Context, cloneURL, branch, dir string) error {
	target := e.resolve(dir)
	if err := os.RemoveAll(target); err != nil {
		return errors.WrapError(err, errors.CategoryGit, "clear clone target").Build()
	}

	opts := &gogit.CloneOptions{URL: cloneURL, Depth: 1}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	if _, err := gogit.PlainCloneContext(ctx, target, false, opts); err != nil {
		return errors.WrapError(err, errors.CategoryGit, "clone repository").Build()
	}
	return nil
}

// Destroy removes the scratch directory.
func (e *LocalExecutor) Destroy(_ context.Context) error {
	if err := os.RemoveAll(e.root); err != nil {
		return errors.WrapError(err, errors.CategorySandbox, "remove build workspace").
			WithContext("build_id", e.buildID).Build()
	}
	return nil
}
