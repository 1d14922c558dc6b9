package execdag

import (
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/store"
)

// File is a handle to a blob flowing through the DAG. It carries no bytes
// itself: the bytes live in the content store, addressed by Key once the
// producing execution has run (or immediately, for a ProvidedFile). A File
// is produced by exactly one thing — a ProvidedFile or an execution output
// — and may be consumed by any number of executions.
type File struct {
	UUID execid.FileUuid
	// Description is a free-form human-readable label, surfaced in
	// Status/logging only; never interpreted by the core.
	Description string
	// Executable marks whether the consumer side should set the exec bit
	// when it materializes this file on disk.
	Executable bool
}

// NewFile allocates a fresh File handle with a random UUID.
func NewFile(description string) *File {
	return &File{UUID: execid.NewFileUuid(), Description: description}
}

// ProvidedFile is a File whose content is supplied by the client up front,
// rather than produced by an execution. LocalPath, when non-empty, is the
// client-local path the bytes were read from (used only for diagnostics
// and lazy re-read on AskFile; the core never reads it itself).
type ProvidedFile struct {
	File      *File
	Key       store.FileStoreKey
	LocalPath string
}

// ExecutionLimits bounds the resources a sandboxed execution may consume.
// The sandbox implementation is treated as an external black box: these
// fields are opaque pass-through values the core never inspects beyond
// carrying them across the wire.
type ExecutionLimits struct {
	WallTimeLimitMillis int64
	CPUTimeLimitMillis  int64
	MemoryLimitKB       int64
	ProcessLimit        int32
}

// ExecutionStatus discriminates the ways a sandboxed process can end, so a
// consumer never has to reverse-engineer which one happened by parsing
// Error or by checking Signal/ExitCode against a wall-clock timestamp.
type ExecutionStatus int

const (
	// StatusInternalError is the zero value: the sandbox failed before or
	// without ever starting the process (e.g. couldn't open a redirected
	// stdin file). Error holds the reason.
	StatusInternalError ExecutionStatus = iota
	// StatusSuccess is a clean exit with status 0.
	StatusSuccess
	// StatusExitCode is a clean exit with a non-zero status. ExitCode
	// holds the value.
	StatusExitCode
	// StatusSignal is termination by an unhandled signal other than the
	// sandbox's own wall-time kill. Signal holds the signal number.
	StatusSignal
	// StatusTimeout is the sandbox's own wall-time kill: the process
	// exceeded ExecutionLimits.WallTimeLimitMillis and was SIGKILLed.
	StatusTimeout
	// StatusMemoryLimitExceeded is a clean or signalled exit whose peak
	// RSS (MemoryKB) exceeded ExecutionLimits.MemoryLimitKB. Takes
	// precedence over StatusExitCode/StatusSignal since a process killed
	// by its own allocator after blowing its budget often exits in a way
	// indistinguishable from an ordinary crash.
	StatusMemoryLimitExceeded
)

// Succeeded reports whether the execution completed exactly as the DAG
// author intended: no signal, no timeout, no memory violation, exit 0.
func (s ExecutionStatus) Succeeded() bool { return s == StatusSuccess }

func (s ExecutionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusExitCode:
		return "exit_code"
	case StatusSignal:
		return "signal"
	case StatusTimeout:
		return "timeout"
	case StatusMemoryLimitExceeded:
		return "memory_limit_exceeded"
	default:
		return "internal_error"
	}
}

// WorkerResult is what a worker reports back for one execution: how the
// sandboxed process ended, its exit status, and resource usage. The
// scheduler interprets only Status.Succeeded() for skip-propagation
// decisions; everything else is opaque reporting detail.
type WorkerResult struct {
	ExecutionUUID  execid.ExecutionUuid
	Status         ExecutionStatus
	Signal         int32
	ExitCode       int32
	WallTimeMillis int64
	CPUTimeMillis  int64
	MemoryKB       int64
	Error          string
}
