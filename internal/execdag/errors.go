package execdag

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/taskexec/evaluator/internal/execid"
)

// ErrorKind distinguishes the fixed vocabulary of DAG construction/
// validation failures, mirrored from the original DAGError enum.
type ErrorKind int

const (
	_ ErrorKind = iota
	// MissingFile means an execution depends on, or a callback subscribes
	// to, a FileUuid that no execution or provided file produces.
	MissingFile
	// MissingExecution means a callback subscribes to an ExecutionUuid
	// that was never added to the DAG.
	MissingExecution
	// CycleDetected means the execution/file dependency graph is not a
	// DAG: Kahn's algorithm terminated with unvisited nodes remaining.
	CycleDetected
	// DuplicateExecutionUuid means AddExecution was called twice with the
	// same ExecutionUuid.
	DuplicateExecutionUuid
	// DuplicateFileUuid means two ProvidedFile/output File handles share
	// a FileUuid.
	DuplicateFileUuid
)

func (k ErrorKind) String() string {
	switch k {
	case MissingFile:
		return "MissingFile"
	case MissingExecution:
		return "MissingExecution"
	case CycleDetected:
		return "CycleDetected"
	case DuplicateExecutionUuid:
		return "DuplicateExecutionUuid"
	case DuplicateFileUuid:
		return "DuplicateFileUuid"
	default:
		return "Unknown"
	}
}

// DAGError is returned by Validate; it carries the offending identifier
// (stringified, since the two UUID namespaces don't share a type) and a
// captured stack frame via xerrors for operators reading production logs.
type DAGError struct {
	Kind ErrorKind
	ID   string
	// Remaining holds the stringified identifiers of nodes still unresolved
	// when CycleDetected is raised, i.e. the set Kahn's algorithm never
	// reached zero in-degree for.
	Remaining []string
	frame     xerrors.Frame
}

func newDAGError(kind ErrorKind, id fmt.Stringer) *DAGError {
	return &DAGError{Kind: kind, ID: id.String(), frame: xerrors.Caller(1)}
}

func (e *DAGError) Error() string {
	if e.Kind == CycleDetected {
		return fmt.Sprintf("execdag: CycleDetected: %d node(s) unresolved: %v", len(e.Remaining), e.Remaining)
	}
	return fmt.Sprintf("execdag: %s: %s", e.Kind, e.ID)
}

func (e *DAGError) Format(s fmt.State, v rune) { xerrors.FormatError(e, s, v) }

func (e *DAGError) FormatError(p xerrors.Printer) error {
	p.Print(e.Error())
	e.frame.Format(p)
	return nil
}

func missingFileErr(id execid.FileUuid) error { return newDAGError(MissingFile, id) }
func missingExecutionErr(id execid.ExecutionUuid) error {
	return newDAGError(MissingExecution, id)
}
func cycleDetectedErr(remaining []string) error {
	return &DAGError{Kind: CycleDetected, Remaining: remaining, frame: xerrors.Caller(1)}
}
func duplicateExecutionErr(id execid.ExecutionUuid) error {
	return newDAGError(DuplicateExecutionUuid, id)
}
func duplicateFileErr(id execid.FileUuid) error { return newDAGError(DuplicateFileUuid, id) }
