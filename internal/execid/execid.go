// Package execid defines the two identifier namespaces used across the
// evaluator: FileUuid and ExecutionUuid. Both are 128-bit values drawn
// randomly at construction time; the type distinction exists purely to
// keep the two namespaces from being mixed up at compile time.
package execid

import (
	"fmt"

	"github.com/google/uuid"
)

// FileUuid identifies a File handle within a DAG.
type FileUuid uuid.UUID

// ExecutionUuid identifies an Execution within a DAG.
type ExecutionUuid uuid.UUID

// NewFileUuid draws a fresh random file identifier.
func NewFileUuid() FileUuid {
	return FileUuid(uuid.New())
}

// NewExecutionUuid draws a fresh random execution identifier.
func NewExecutionUuid() ExecutionUuid {
	return ExecutionUuid(uuid.New())
}

func (f FileUuid) String() string      { return uuid.UUID(f).String() }
func (e ExecutionUuid) String() string { return uuid.UUID(e).String() }

func (f FileUuid) IsZero() bool      { return f == FileUuid{} }
func (e ExecutionUuid) IsZero() bool { return e == ExecutionUuid{} }

// ParseFileUuid parses s (as produced by FileUuid.String) back into a
// FileUuid, for correlating a stringified identifier (e.g. an
// IOTask.ID) back to its typed form.
func ParseFileUuid(s string) (FileUuid, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return FileUuid{}, fmt.Errorf("execid: invalid FileUuid %q: %w", s, err)
	}
	return FileUuid(u), nil
}

// ParseExecutionUuid is ParseFileUuid's ExecutionUuid counterpart.
func ParseExecutionUuid(s string) (ExecutionUuid, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ExecutionUuid{}, fmt.Errorf("execid: invalid ExecutionUuid %q: %w", s, err)
	}
	return ExecutionUuid(u), nil
}

// MarshalBinary/UnmarshalBinary let both ID types ride through the CBOR
// codec as plain 16-byte strings rather than as nested UUID structs.
func (f FileUuid) MarshalBinary() ([]byte, error) {
	return uuid.UUID(f).MarshalBinary()
}

func (f *FileUuid) UnmarshalBinary(data []byte) error {
	u, err := uuid.FromBytes(data)
	if err != nil {
		return fmt.Errorf("execid: invalid FileUuid: %w", err)
	}
	*f = FileUuid(u)
	return nil
}

func (e ExecutionUuid) MarshalBinary() ([]byte, error) {
	return uuid.UUID(e).MarshalBinary()
}

func (e *ExecutionUuid) UnmarshalBinary(data []byte) error {
	u, err := uuid.FromBytes(data)
	if err != nil {
		return fmt.Errorf("execid: invalid ExecutionUuid: %w", err)
	}
	*e = ExecutionUuid(u)
	return nil
}
