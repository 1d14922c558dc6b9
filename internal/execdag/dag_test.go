package execdag_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/store"
)

func TestAddExecutionWrapper_CallbacksDispatch(t *testing.T) {
	d := execdag.NewExecutionDAG()
	in := execdag.NewFile("in")
	require.NoError(t, d.AddProvidedFile(in, store.HashBytes([]byte("in")), ""))

	e := execdag.NewExecution(execdag.RunCommand, "/bin/true")
	e.Input("in", in)
	wrapper, err := d.AddExecution(e)
	require.NoError(t, err)

	var started, done, skipped bool
	wrapper.OnStart(func(worker string) { started = true }).
		OnDone(func(result *execdag.WorkerResult) { done = true }).
		OnSkip(func() { skipped = true })

	d.DispatchStart(e.UUID, "worker-1")
	d.DispatchDone(e.UUID, &execdag.WorkerResult{ExecutionUUID: e.UUID, Status: execdag.StatusSuccess})
	d.DispatchSkip(e.UUID)

	assert.True(t, started)
	assert.True(t, done)
	assert.True(t, skipped)
	_, subscribed := d.Callbacks().Executions[e.UUID]
	assert.True(t, subscribed)
}

func TestGetFileContent_TruncatesToLimit(t *testing.T) {
	d := execdag.NewExecutionDAG()
	out := execdag.NewFile("out")

	var got []byte
	d.GetFileContent(out, 4, func(content []byte) { got = content })

	d.DispatchContent(out.UUID, []byte("hello world"))
	assert.Equal(t, []byte("hell"), got)
}

func TestGetFileContent_ShorterThanLimit(t *testing.T) {
	d := execdag.NewExecutionDAG()
	out := execdag.NewFile("out")

	var got []byte
	d.GetFileContent(out, 64, func(content []byte) { got = content })

	d.DispatchContent(out.UUID, []byte("hi"))
	assert.Equal(t, []byte("hi"), got)
}

func TestWriteFileTo_Dispatch(t *testing.T) {
	d := execdag.NewExecutionDAG()
	out := execdag.NewFile("out")
	key := store.HashBytes([]byte("content"))

	var got store.FileStoreKey
	d.WriteFileTo(out, "/tmp/out.txt", func(k store.FileStoreKey) { got = k })
	d.DispatchWriteTo(out.UUID, key)

	assert.Equal(t, key, got)
}
