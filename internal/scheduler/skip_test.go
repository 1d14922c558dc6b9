package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/store"
)

func TestSkipPropagate_Linear(t *testing.T) {
	data, e1, e2 := linearFixture(t)
	s := newState(data)

	skipped := s.skipPropagate(e1)
	require.ElementsMatch(t, []execid.ExecutionUuid{e1, e2}, skipped)
	require.True(t, s.skipped[e1])
	require.True(t, s.skipped[e2])
	require.Empty(t, s.ready)
}

func TestSkipPropagate_DoesNotRevisitDone(t *testing.T) {
	data, e1, e2 := linearFixture(t)
	s := newState(data)
	s.done[e2] = true

	skipped := s.skipPropagate(e1)
	require.ElementsMatch(t, []execid.ExecutionUuid{e1}, skipped)
	require.False(t, s.skipped[e2])
}

func TestSkipPropagate_Diamond(t *testing.T) {
	// root -> e1 -> mid-in-1, root -> e2 -> mid-in-2, and e3 joins both
	// into out. Failing e1 should skip e3 but leave e2 alone.
	root := execdag.NewFile("root")
	midIn1 := execdag.NewFile("mid-in-1")
	midIn2 := execdag.NewFile("mid-in-2")
	out := execdag.NewFile("out")

	e1 := execdag.NewExecution(execdag.RunCommand, "left")
	e1.Input("in", root)
	e1.Output("out", midIn1)

	e2 := execdag.NewExecution(execdag.RunCommand, "right")
	e2.Input("in", root)
	e2.Output("out", midIn2)

	e3 := execdag.NewExecution(execdag.RunCommand, "join")
	e3.Input("a", midIn1)
	e3.Input("b", midIn2)
	e3.Output("out", out)

	data := execdag.ExecutionDAGData{
		ProvidedFiles: map[execid.FileUuid]*execdag.ProvidedFile{
			root.UUID: {File: root, Key: store.HashBytes([]byte("root"))},
		},
		Executions: map[execid.ExecutionUuid]*execdag.Execution{
			e1.UUID: e1,
			e2.UUID: e2,
			e3.UUID: e3,
		},
	}
	s := newState(data)

	skipped := s.skipPropagate(e1.UUID)
	require.ElementsMatch(t, []execid.ExecutionUuid{e1.UUID, e3.UUID}, skipped)
	require.False(t, s.skipped[e2.UUID])
}
