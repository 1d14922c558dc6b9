package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/store"
)

// linearFixture builds A(provided) -> E1 -> B -> E2 -> C, returning the
// DAG data plus the two execution IDs for assertions.
func linearFixture(t *testing.T) (execdag.ExecutionDAGData, execid.ExecutionUuid, execid.ExecutionUuid) {
	t.Helper()

	a := execdag.NewFile("a")
	b := execdag.NewFile("b")
	c := execdag.NewFile("c")

	e1 := execdag.NewExecution(execdag.RunCommand, "step1")
	e1.Input("in", a)
	e1.Output("out", b)

	e2 := execdag.NewExecution(execdag.RunCommand, "step2")
	e2.Input("in", b)
	e2.Output("out", c)

	data := execdag.ExecutionDAGData{
		ProvidedFiles: map[execid.FileUuid]*execdag.ProvidedFile{
			a.UUID: {File: a, Key: store.HashBytes([]byte("a-content"))},
		},
		Executions: map[execid.ExecutionUuid]*execdag.Execution{
			e1.UUID: e1,
			e2.UUID: e2,
		},
	}
	return data, e1.UUID, e2.UUID
}

func TestNewState_OnlyRootIsReady(t *testing.T) {
	data, e1, e2 := linearFixture(t)
	s := newState(data)

	require.Equal(t, []execid.ExecutionUuid{e1}, s.ready)
	require.Equal(t, 0, s.pendingDeps[e1])
	require.Equal(t, 1, s.pendingDeps[e2])
}

func TestState_ResolveOutputUnblocksConsumer(t *testing.T) {
	data, e1, e2 := linearFixture(t)
	s := newState(data)

	id, ok := s.popReady()
	require.True(t, ok)
	require.Equal(t, e1, id)
	require.Empty(t, s.ready)

	bKey := store.HashBytes([]byte("b-content"))
	newlyReady := s.resolveOutput(data.Executions[e1].Outputs["out"].UUID, bKey)

	require.Equal(t, []execid.ExecutionUuid{e2}, newlyReady)
	require.Equal(t, 0, s.pendingDeps[e2])
}

func TestState_InputKeysResolvesProvidedFile(t *testing.T) {
	data, e1, _ := linearFixture(t)
	s := newState(data)

	keys, err := s.inputKeys(e1)
	require.NoError(t, err)
	require.Contains(t, keys, "in")
}

func TestState_InputKeysErrorsWhenUnresolved(t *testing.T) {
	data, _, e2 := linearFixture(t)
	s := newState(data)

	_, err := s.inputKeys(e2)
	require.Error(t, err)
}

func TestState_Complete(t *testing.T) {
	data, e1, e2 := linearFixture(t)
	s := newState(data)
	require.False(t, s.complete())

	s.done[e1] = true
	require.False(t, s.complete())
	s.done[e2] = true
	require.True(t, s.complete())
}
