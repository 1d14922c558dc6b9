package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/taskexec/evaluator/internal/execdag"
)

// stdinFileName, stdoutFileName, stderrFileName are the fixed on-disk
// names a Session materializes a redirected stream under inside an
// execution's work directory — exec.Inputs/Outputs name every other
// file, but stdin/stdout/stderr are redirected rather than named.
const (
	stdinFileName  = ".worker-stdin"
	stdoutFileName = ".worker-stdout"
	stderrFileName = ".worker-stderr"
)

// These mirror the sentinel keys internal/scheduler's evaluation.go uses
// for stdin/stdout/stderr in WorkOn.InputKeys / WorkerResultMsg.OutputKeys
// — duplicated here rather than imported since scheduler does not export
// them and the two packages otherwise share no dependency.
const (
	stdinKey  = "__stdin__"
	stdoutKey = "__stdout__"
	stderrKey = "__stderr__"
)

// defaultWallTime bounds an execution that declares no wall time limit,
// so a runaway process can never wedge a worker indefinitely.
const defaultWallTime = 60 * time.Second

// Sandbox runs one Execution's command inside workDir, which a Session
// has already populated with every declared input (and the redirected
// stdin, if any) under their sandbox-relative names. The execution
// environment is treated as a black box behind this interface:
// ProcessSandbox below is one concrete, unprivileged realization —
// process-group isolation and a wall-time kill, no namespace/cgroup
// isolation — not a claim that this is
// sufficient for untrusted code.
type Sandbox interface {
	Run(ctx context.Context, exec *execdag.Execution, workDir string) *execdag.WorkerResult
}

// ProcessSandbox executes a command directly via os/exec, confining it to
// its own process group so a wall-time timeout can kill the whole
// subtree, not just the immediate child.
type ProcessSandbox struct{}

// NewProcessSandbox returns the default Sandbox implementation.
func NewProcessSandbox() *ProcessSandbox { return &ProcessSandbox{} }

func (s *ProcessSandbox) Run(ctx context.Context, e *execdag.Execution, workDir string) *execdag.WorkerResult {
	limit := time.Duration(e.Limits.WallTimeLimitMillis) * time.Millisecond
	if limit <= 0 {
		limit = defaultWallTime
	}
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	result := &execdag.WorkerResult{ExecutionUUID: e.UUID}

	cmd := exec.CommandContext(runCtx, e.Command, e.Args...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if len(e.Env) > 0 {
		env := os.Environ()
		for k, v := range e.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if e.Stdin != nil {
		f, err := os.Open(filepath.Join(workDir, stdinFileName))
		if err != nil {
			result.Error = fmt.Sprintf("open stdin: %v", err)
			return result
		}
		defer f.Close()
		cmd.Stdin = f
	}

	var stdoutFile, stderrFile *os.File
	if e.Stdout != nil {
		f, err := os.Create(filepath.Join(workDir, stdoutFileName))
		if err != nil {
			result.Error = fmt.Sprintf("create stdout capture: %v", err)
			return result
		}
		defer f.Close()
		stdoutFile = f
		cmd.Stdout = f
	}
	if e.Stderr != nil {
		f, err := os.Create(filepath.Join(workDir, stderrFileName))
		if err != nil {
			result.Error = fmt.Sprintf("create stderr capture: %v", err)
			return result
		}
		defer f.Close()
		stderrFile = f
		cmd.Stderr = f
	}
	if stdoutFile == nil {
		cmd.Stdout = &bytes.Buffer{}
	}
	if stderrFile == nil {
		cmd.Stderr = &bytes.Buffer{}
	}

	start := time.Now()
	runErr := cmd.Run()
	result.WallTimeMillis = time.Since(start).Milliseconds()
	if cmd.ProcessState != nil {
		if usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok {
			result.CPUTimeMillis = (usage.Utime.Sec + usage.Stime.Sec) * 1000
			result.MemoryKB = usage.Maxrss
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Status = execdag.StatusTimeout
		result.Error = fmt.Sprintf("wall time limit of %s exceeded", limit)
		return result
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = int32(exitErr.ExitCode())
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				result.Signal = int32(ws.Signal())
				result.Status = execdag.StatusSignal
				result.Error = fmt.Sprintf("killed by signal %d", ws.Signal())
			} else {
				result.Status = execdag.StatusExitCode
				result.Error = fmt.Sprintf("exited with status %d", exitErr.ExitCode())
			}
			checkMemoryLimit(result, e.Limits.MemoryLimitKB)
			return result
		}
		result.Error = runErr.Error()
		return result
	}

	result.Status = execdag.StatusSuccess
	checkMemoryLimit(result, e.Limits.MemoryLimitKB)
	return result
}

// checkMemoryLimit overrides result.Status with StatusMemoryLimitExceeded
// if limitKB is set and the process's peak RSS exceeded it. Takes
// precedence over whatever status the exit path already assigned, since a
// process that got OOM-killed or crashed after exhausting its budget can
// otherwise look like an ordinary signal death or exit code.
func checkMemoryLimit(result *execdag.WorkerResult, limitKB int64) {
	if limitKB <= 0 || result.MemoryKB <= limitKB {
		return
	}
	result.Status = execdag.StatusMemoryLimitExceeded
	result.Error = fmt.Sprintf("peak memory %dKB exceeded limit of %dKB", result.MemoryKB, limitKB)
}
