package execdag

import "github.com/taskexec/evaluator/internal/execid"

// ExecutionKind distinguishes the three execution shapes the sandbox knows
// how to run. The core treats all three identically for scheduling; the
// distinction only affects the command line the worker hands the sandbox.
type ExecutionKind int

const (
	// RunCommand executes an argv directly.
	RunCommand ExecutionKind = iota
	// CompileSource invokes a language-specific compiler over a source
	// File, producing an executable output File.
	CompileSource
	// RunBuiltin invokes a built-in checker/generator/validator shipped
	// with the sandbox rather than a user-supplied binary.
	RunBuiltin
)

// Execution is one node of execution-kind in the DAG: a sandboxed process
// invocation that consumes some Files as input and produces others as
// output. An Execution becomes ready to dispatch once every File it
// depends on has been produced (or supplied) and every Execution it
// depends on (via a dependency input File) has finished successfully.
type Execution struct {
	UUID execid.ExecutionUuid
	Kind ExecutionKind

	// Command is the argv0 for RunCommand/CompileSource, or the builtin
	// name for RunBuiltin.
	Command string
	Args    []string

	// Inputs maps the sandbox-relative filename an execution expects to
	// find to the File handle that must be materialized there before
	// dispatch.
	Inputs map[string]*File
	// Outputs maps the sandbox-relative filename an execution is
	// expected to produce to the File handle representing it.
	Outputs map[string]*File
	// Stdin/Stdout/Stderr, when non-nil, redirect the corresponding
	// stream to/from a File instead of leaving it disconnected.
	Stdin  *File
	Stdout *File
	Stderr *File

	// Description is a free-form human-readable label surfaced in status
	// reports and logs — e.g. "compile solution.cpp" or "run test 07" —
	// never interpreted by the core.
	Description string
	// Env lists extra environment variables the sandbox process starts
	// with, on top of the worker process's own full environment, which the
	// process otherwise inherits unchanged. A key here overrides the base
	// environment's value for that key.
	Env map[string]string

	Limits ExecutionLimits
	// Tag is an optional free-form label for UI/report grouping, never
	// interpreted by the core.
	Tag string
}

// Dependencies returns the set of File UUIDs this execution must wait on
// before it can be dispatched: every input plus stdin, if redirected.
func (e *Execution) Dependencies() []execid.FileUuid {
	deps := make([]execid.FileUuid, 0, len(e.Inputs)+1)
	for _, f := range e.Inputs {
		deps = append(deps, f.UUID)
	}
	if e.Stdin != nil {
		deps = append(deps, e.Stdin.UUID)
	}
	return deps
}

// OutputFiles returns the Files this execution produces: every output
// plus stdout/stderr, where redirected.
func (e *Execution) OutputFiles() []*File {
	out := make([]*File, 0, len(e.Outputs)+2)
	for _, f := range e.Outputs {
		out = append(out, f)
	}
	if e.Stdout != nil {
		out = append(out, e.Stdout)
	}
	if e.Stderr != nil {
		out = append(out, e.Stderr)
	}
	return out
}

// NewExecution allocates a fresh Execution with a random UUID and
// initialized input/output maps.
func NewExecution(kind ExecutionKind, command string, args ...string) *Execution {
	return &Execution{
		UUID:    execid.NewExecutionUuid(),
		Kind:    kind,
		Command: command,
		Args:    args,
		Inputs:  make(map[string]*File),
		Outputs: make(map[string]*File),
	}
}

// Input declares that this execution expects File f to be present at
// sandboxName when it starts. Returns the execution for chaining.
func (e *Execution) Input(sandboxName string, f *File) *Execution {
	e.Inputs[sandboxName] = f
	return e
}

// Output declares that this execution produces File f at sandboxName.
// Returns the execution for chaining.
func (e *Execution) Output(sandboxName string, f *File) *Execution {
	e.Outputs[sandboxName] = f
	return e
}
