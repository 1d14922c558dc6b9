package execdag

import (
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/store"
)

// StartCallback fires once, when the coordinator dispatches the execution
// to a worker.
type StartCallback func(worker string)

// DoneCallback fires once, when a WorkerResult for the execution arrives.
type DoneCallback func(result *WorkerResult)

// SkipCallback fires once, if the execution is skip-propagated because a
// dependency failed or was itself skipped, instead of DoneCallback.
type SkipCallback func()

// WriteCallback fires once the named output File's bytes are fully
// available in the store, with the store key for later retrieval.
type WriteCallback func(key store.FileStoreKey)

// ContentCallback fires once the named File's bytes have fully arrived,
// delivering at most limit bytes from the front of the file — the real
// semantics for the original's get_content stub.
type ContentCallback func(content []byte)

// executionCallbacks is the one-shot registry for a single Execution.
type executionCallbacks struct {
	onStart []StartCallback
	onDone  []DoneCallback
	onSkip  []SkipCallback
}

// fileCallbacks is the one-shot registry for a single File.
type fileCallbacks struct {
	writeTo    []writeToSub
	getContent []getContentSub
}

type writeToSub struct {
	localPath string
	cb        WriteCallback
}

type getContentSub struct {
	limit int
	cb    ContentCallback
}

// ExecutionDAGCallbacks is the subscription set accompanying an Evaluate
// request on the wire: the coordinator only needs to know WHICH
// identifiers have subscribers, not the callback closures themselves
// (those never leave the client process).
type ExecutionDAGCallbacks struct {
	Executions map[execid.ExecutionUuid]struct{}
	Files      map[execid.FileUuid]struct{}
}

func newExecutionDAGCallbacks() *ExecutionDAGCallbacks {
	return &ExecutionDAGCallbacks{
		Executions: make(map[execid.ExecutionUuid]struct{}),
		Files:      make(map[execid.FileUuid]struct{}),
	}
}

// AddExecutionWrapper is the fluent builder returned by
// ExecutionDAG.AddExecution, mirroring the original's method-chaining
// callback registration (on_start/on_done/on_skip).
type AddExecutionWrapper struct {
	dag *ExecutionDAG
	exe *Execution
}

// OnStart registers a StartCallback, fired when the execution is
// dispatched to a worker.
func (w *AddExecutionWrapper) OnStart(cb StartCallback) *AddExecutionWrapper {
	w.dag.execCallbacks[w.exe.UUID].onStart = append(w.dag.execCallbacks[w.exe.UUID].onStart, cb)
	w.dag.callbacks.Executions[w.exe.UUID] = struct{}{}
	return w
}

// OnDone registers a DoneCallback, fired when a WorkerResult arrives.
func (w *AddExecutionWrapper) OnDone(cb DoneCallback) *AddExecutionWrapper {
	w.dag.execCallbacks[w.exe.UUID].onDone = append(w.dag.execCallbacks[w.exe.UUID].onDone, cb)
	w.dag.callbacks.Executions[w.exe.UUID] = struct{}{}
	return w
}

// OnSkip registers a SkipCallback, fired if the execution is skipped.
func (w *AddExecutionWrapper) OnSkip(cb SkipCallback) *AddExecutionWrapper {
	w.dag.execCallbacks[w.exe.UUID].onSkip = append(w.dag.execCallbacks[w.exe.UUID].onSkip, cb)
	w.dag.callbacks.Executions[w.exe.UUID] = struct{}{}
	return w
}

// Execution returns the wrapped Execution, for callers that need to read
// back its UUID or other fields after construction.
func (w *AddExecutionWrapper) Execution() *Execution {
	return w.exe
}
