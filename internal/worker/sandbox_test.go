package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/execdag"
)

func TestProcessSandbox_SuccessfulRun(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "in.txt"), []byte("42"), 0o644))

	e := execdag.NewExecution(execdag.RunCommand, "cp", "in.txt", "out.txt")
	out := execdag.NewFile("out")
	e.Output("out.txt", out)

	sb := NewProcessSandbox()
	result := sb.Run(context.Background(), e, workDir)

	require.True(t, result.Status.Succeeded(), result.Error)
	content, err := os.ReadFile(filepath.Join(workDir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "42", string(content))
}

func TestProcessSandbox_NonZeroExit(t *testing.T) {
	workDir := t.TempDir()
	e := execdag.NewExecution(execdag.RunCommand, "sh", "-c", "exit 3")

	sb := NewProcessSandbox()
	result := sb.Run(context.Background(), e, workDir)

	require.False(t, result.Status.Succeeded())
	require.Equal(t, int32(3), result.ExitCode)
	require.Equal(t, execdag.StatusExitCode, result.Status)
}

func TestProcessSandbox_StdinStdoutRedirect(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, stdinFileName), []byte("hello\n"), 0o644))

	e := execdag.NewExecution(execdag.RunCommand, "cat")
	e.Stdin = execdag.NewFile("stdin")
	e.Stdout = execdag.NewFile("stdout")

	sb := NewProcessSandbox()
	result := sb.Run(context.Background(), e, workDir)

	require.True(t, result.Status.Succeeded(), result.Error)
	content, err := os.ReadFile(filepath.Join(workDir, stdoutFileName))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(content))
}

func TestProcessSandbox_WallTimeLimitKills(t *testing.T) {
	workDir := t.TempDir()
	e := execdag.NewExecution(execdag.RunCommand, "sleep", "30")
	e.Limits.WallTimeLimitMillis = 50

	sb := NewProcessSandbox()
	result := sb.Run(context.Background(), e, workDir)

	require.False(t, result.Status.Succeeded())
	require.Equal(t, execdag.StatusTimeout, result.Status)
}

func TestProcessSandbox_MemoryLimitExceeded(t *testing.T) {
	workDir := t.TempDir()
	e := execdag.NewExecution(execdag.RunCommand, "sh", "-c", "exit 0")
	e.Limits.MemoryLimitKB = 1

	sb := NewProcessSandbox()
	result := sb.Run(context.Background(), e, workDir)

	require.Equal(t, execdag.StatusMemoryLimitExceeded, result.Status)
}

func TestProcessSandbox_EnvPassedThrough(t *testing.T) {
	workDir := t.TempDir()
	e := execdag.NewExecution(execdag.RunCommand, "sh", "-c", "printf %s \"$GREETING\" > out.txt")
	e.Env = map[string]string{"GREETING": "hi"}
	out := execdag.NewFile("out")
	e.Output("out.txt", out)

	sb := NewProcessSandbox()
	result := sb.Run(context.Background(), e, workDir)

	require.True(t, result.Status.Succeeded(), result.Error)
	content, err := os.ReadFile(filepath.Join(workDir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(content))
}
