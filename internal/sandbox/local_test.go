package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) Executor {
	t.Helper()
	p := &LocalProvisioner{Root: t.TempDir()}
	exec, err := p.Acquire(context.Background(), "build-1")
	require.NoError(t, err)
	return exec
}

func TestLocalExecStreamsOutput(t *testing.T) {
	exec := newLocal(t)
	events, err := exec.Exec(context.Background(), `printf 'one\ntwo\n'`, ExecOptions{})
	require.NoError(t, err)

	var lines []string
	var exitCode = -1
	for ev := range events {
		switch ev.Type {
		case EventLog:
			lines = append(lines, ev.Data)
		case EventComplete:
			exitCode = ev.ExitCode
		}
	}
	assert.Equal(t, []string{"one", "two"}, lines)
	assert.Equal(t, 0, exitCode)
}

func TestLocalExecNonZeroExit(t *testing.T) {
	exec := newLocal(t)
	_, err := exec.Run(context.Background(), "exit 3", ExecOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
}

func TestLocalFileRoundTrip(t *testing.T) {
	exec := newLocal(t)
	ctx := context.Background()

	require.NoError(t, exec.WriteFile(ctx, "/workspace/project/a/b.txt", []byte("payload")))
	data, err := exec.ReadFile(ctx, "/workspace/project/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestLocalExecEnvAndCwd(t *testing.T) {
	exec := newLocal(t)
	ctx := context.Background()
	require.NoError(t, exec.WriteFile(ctx, "/workspace/project/marker", nil))

	out, err := exec.Run(ctx, "ls && printf '%s' \"$MY_VAR\"", ExecOptions{
		Cwd: "/workspace/project",
		Env: map[string]string{"MY_VAR": "set-by-test"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "marker")
	assert.Contains(t, out, "set-by-test")
}

func TestLocalDestroyRemovesWorkspace(t *testing.T) {
	root := t.TempDir()
	p := &LocalProvisioner{Root: root}
	exec, err := p.Acquire(context.Background(), "gone")
	require.NoError(t, err)

	require.NoError(t, exec.WriteFile(context.Background(), "/workspace/x", []byte("1")))
	require.NoError(t, exec.Destroy(context.Background()))

	_, statErr := os.Stat(filepath.Join(root, "gone"))
	assert.True(t, os.IsNotExist(statErr))
}
