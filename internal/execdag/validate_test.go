package execdag_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/store"
)

func newProvided(t *testing.T, d *execdag.ExecutionDAG, desc string) *execdag.File {
	t.Helper()
	f := execdag.NewFile(desc)
	require.NoError(t, d.AddProvidedFile(f, store.HashBytes([]byte(desc)), ""))
	return f
}

func TestValidate_LinearChainOK(t *testing.T) {
	d := execdag.NewExecutionDAG()
	in := newProvided(t, d, "input.txt")

	e1 := execdag.NewExecution(execdag.RunCommand, "/bin/cat")
	e1.Input("in", in)
	out1 := execdag.NewFile("stage1.out")
	e1.Output("out", out1)
	_, err := d.AddExecution(e1)
	require.NoError(t, err)

	e2 := execdag.NewExecution(execdag.RunCommand, "/bin/cat")
	e2.Input("in", out1)
	out2 := execdag.NewFile("stage2.out")
	e2.Output("out", out2)
	_, err = d.AddExecution(e2)
	require.NoError(t, err)

	assert.NoError(t, d.Validate())
}

func TestValidate_MissingFile(t *testing.T) {
	d := execdag.NewExecutionDAG()
	dangling := execdag.NewFile("ghost")

	e1 := execdag.NewExecution(execdag.RunCommand, "/bin/cat")
	e1.Input("in", dangling)
	_, err := d.AddExecution(e1)
	require.NoError(t, err)

	err = d.Validate()
	require.Error(t, err)
	var dagErr *execdag.DAGError
	require.True(t, errors.As(err, &dagErr))
	assert.Equal(t, execdag.MissingFile, dagErr.Kind)
}

func TestValidate_CycleDetected(t *testing.T) {
	d := execdag.NewExecutionDAG()

	fa := execdag.NewFile("a")
	fb := execdag.NewFile("b")

	e1 := execdag.NewExecution(execdag.RunCommand, "/bin/cat")
	e1.Input("in", fb)
	e1.Output("out", fa)
	_, err := d.AddExecution(e1)
	require.NoError(t, err)

	e2 := execdag.NewExecution(execdag.RunCommand, "/bin/cat")
	e2.Input("in", fa)
	e2.Output("out", fb)
	_, err = d.AddExecution(e2)
	require.NoError(t, err)

	err = d.Validate()
	require.Error(t, err)
	var dagErr *execdag.DAGError
	require.True(t, errors.As(err, &dagErr))
	assert.Equal(t, execdag.CycleDetected, dagErr.Kind)
	assert.Len(t, dagErr.Remaining, 2)
}

func TestValidate_DuplicateFileProducer(t *testing.T) {
	d := execdag.NewExecutionDAG()
	f := execdag.NewFile("shared")
	require.NoError(t, d.AddProvidedFile(f, store.HashBytes([]byte("x")), ""))

	e1 := execdag.NewExecution(execdag.RunCommand, "/bin/true")
	e1.Output("out", f)
	_, err := d.AddExecution(e1)
	require.Error(t, err)
	var dagErr *execdag.DAGError
	require.True(t, errors.As(err, &dagErr))
	assert.Equal(t, execdag.DuplicateFileUuid, dagErr.Kind)
}

func TestValidate_DuplicateExecutionUUID(t *testing.T) {
	d := execdag.NewExecutionDAG()
	e1 := execdag.NewExecution(execdag.RunCommand, "/bin/true")
	_, err := d.AddExecution(e1)
	require.NoError(t, err)

	e2 := &execdag.Execution{UUID: e1.UUID, Kind: execdag.RunCommand, Command: "/bin/false",
		Inputs: map[string]*execdag.File{}, Outputs: map[string]*execdag.File{}}
	_, err = d.AddExecution(e2)
	require.Error(t, err)
	var dagErr *execdag.DAGError
	require.True(t, errors.As(err, &dagErr))
	assert.Equal(t, execdag.DuplicateExecutionUuid, dagErr.Kind)
}

func TestValidate_MissingFileCallback(t *testing.T) {
	d := execdag.NewExecutionDAG()
	d.GetFileContent(execdag.NewFile("dangling"), 64, func([]byte) {})

	err := d.Validate()
	require.Error(t, err)
	var dagErr *execdag.DAGError
	require.True(t, errors.As(err, &dagErr))
	assert.Equal(t, execdag.MissingFile, dagErr.Kind)
}

func TestValidate_DiamondDependencyOK(t *testing.T) {
	d := execdag.NewExecutionDAG()
	in := newProvided(t, d, "seed")

	top := execdag.NewExecution(execdag.RunCommand, "/bin/split")
	top.Input("in", in)
	left := execdag.NewFile("left")
	right := execdag.NewFile("right")
	top.Output("left", left)
	top.Output("right", right)
	_, err := d.AddExecution(top)
	require.NoError(t, err)

	join := execdag.NewExecution(execdag.RunCommand, "/bin/join")
	join.Input("left", left)
	join.Input("right", right)
	out := execdag.NewFile("joined")
	join.Output("out", out)
	_, err = d.AddExecution(join)
	require.NoError(t, err)

	assert.NoError(t, d.Validate())
}
