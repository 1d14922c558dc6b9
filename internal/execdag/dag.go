// Package execdag implements the DAG data model and its structural
// validator: File/ProvidedFile/Execution handles, the one-shot
// callback registries a client subscribes with, and the Kahn-style
// traversal that proves a DAG well-formed (or names exactly why it isn't)
// before a coordinator ever dispatches a single execution.
package execdag

import (
	"fmt"

	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/store"
)

// ExecutionDAGData is the wire-level payload of an Evaluate request: the
// provided files and executions, stripped of any local client-side
// callback closures. This is what actually crosses the transport.
type ExecutionDAGData struct {
	ProvidedFiles map[execid.FileUuid]*ProvidedFile
	Executions    map[execid.ExecutionUuid]*Execution
}

// ExecutionDAG is the client-side builder: it accumulates provided files
// and executions, lets the caller attach callbacks via AddExecutionWrapper
// and AddFile-style registration, and can validate itself before it is
// ever sent to a coordinator.
type ExecutionDAG struct {
	data          ExecutionDAGData
	execCallbacks map[execid.ExecutionUuid]*executionCallbacks
	fileCallbacks map[execid.FileUuid]*fileCallbacks
	callbacks     *ExecutionDAGCallbacks
}

// NewExecutionDAG returns an empty builder ready for AddProvidedFile and
// AddExecution calls.
func NewExecutionDAG() *ExecutionDAG {
	return &ExecutionDAG{
		data: ExecutionDAGData{
			ProvidedFiles: make(map[execid.FileUuid]*ProvidedFile),
			Executions:    make(map[execid.ExecutionUuid]*Execution),
		},
		execCallbacks: make(map[execid.ExecutionUuid]*executionCallbacks),
		fileCallbacks: make(map[execid.FileUuid]*fileCallbacks),
		callbacks:     newExecutionDAGCallbacks(),
	}
}

// AddProvidedFile registers a client-supplied input file. key is the
// content digest computed ahead of time by the caller (via
// store.HashFile/HashBytes); the coordinator only asks for the bytes
// themselves on a cache miss.
func (d *ExecutionDAG) AddProvidedFile(f *File, key store.FileStoreKey, localPath string) error {
	if _, dup := d.data.ProvidedFiles[f.UUID]; dup {
		return duplicateFileErr(f.UUID)
	}
	if _, dup := d.fileProducer(f.UUID); dup {
		return duplicateFileErr(f.UUID)
	}
	d.data.ProvidedFiles[f.UUID] = &ProvidedFile{File: f, Key: key, LocalPath: localPath}
	return nil
}

// AddExecution registers a new Execution node and returns a fluent
// wrapper for attaching on_start/on_done/on_skip callbacks. Returns an
// error immediately if the execution's UUID or any of its declared output
// files collide with ones already present.
func (d *ExecutionDAG) AddExecution(e *Execution) (*AddExecutionWrapper, error) {
	if _, dup := d.data.Executions[e.UUID]; dup {
		return nil, duplicateExecutionErr(e.UUID)
	}
	for _, out := range e.OutputFiles() {
		if _, dup := d.fileProducer(out.UUID); dup {
			return nil, duplicateFileErr(out.UUID)
		}
	}
	d.data.Executions[e.UUID] = e
	d.execCallbacks[e.UUID] = &executionCallbacks{}
	return &AddExecutionWrapper{dag: d, exe: e}, nil
}

// fileProducer reports whether fileID already has a producer (a provided
// file or an execution output) registered in the DAG.
func (d *ExecutionDAG) fileProducer(id execid.FileUuid) (producer fmt.Stringer, found bool) {
	if _, ok := d.data.ProvidedFiles[id]; ok {
		return id, true
	}
	for _, e := range d.data.Executions {
		for _, out := range e.OutputFiles() {
			if out.UUID == id {
				return id, true
			}
		}
	}
	return nil, false
}

// WriteFileTo subscribes to an output File's bytes being written to a
// local path once they are available, mirroring the original's write_to.
func (d *ExecutionDAG) WriteFileTo(f *File, localPath string, cb WriteCallback) {
	fc := d.fileCallbacksFor(f.UUID)
	fc.writeTo = append(fc.writeTo, writeToSub{localPath: localPath, cb: cb})
	d.callbacks.Files[f.UUID] = struct{}{}
}

// GetFileContent subscribes to the first limit bytes of an output File
// once they are available, mirroring the original's get_content.
func (d *ExecutionDAG) GetFileContent(f *File, limit int, cb ContentCallback) {
	fc := d.fileCallbacksFor(f.UUID)
	fc.getContent = append(fc.getContent, getContentSub{limit: limit, cb: cb})
	d.callbacks.Files[f.UUID] = struct{}{}
}

func (d *ExecutionDAG) fileCallbacksFor(id execid.FileUuid) *fileCallbacks {
	fc, ok := d.fileCallbacks[id]
	if !ok {
		fc = &fileCallbacks{}
		d.fileCallbacks[id] = fc
	}
	return fc
}

// Data returns the wire-level payload to send as part of Evaluate.
func (d *ExecutionDAG) Data() ExecutionDAGData { return d.data }

// Callbacks returns the subscription set to send alongside Data.
func (d *ExecutionDAG) Callbacks() *ExecutionDAGCallbacks { return d.callbacks }

// Validate checks structural well-formedness: no duplicate identifiers
// (enforced incrementally above, re-checked here for data arriving
// pre-built off the wire), no dangling file/execution references, and no
// cycle. See validate.go for the algorithm.
func (d *ExecutionDAG) Validate() error {
	if err := Validate(&d.data); err != nil {
		return err
	}
	return ValidateCallbacks(&d.data, d.callbacks)
}

// DispatchStart, DispatchDone and DispatchSkip are invoked by the client
// driver (internal/client) when a NotifyStart/NotifyDone/NotifySkip
// message, respectively, arrives for id.
func (d *ExecutionDAG) DispatchStart(id execid.ExecutionUuid, worker string) {
	for _, cb := range d.execCallbacks[id].onStart {
		cb(worker)
	}
}

func (d *ExecutionDAG) DispatchDone(id execid.ExecutionUuid, result *WorkerResult) {
	for _, cb := range d.execCallbacks[id].onDone {
		cb(result)
	}
}

func (d *ExecutionDAG) DispatchSkip(id execid.ExecutionUuid) {
	for _, cb := range d.execCallbacks[id].onSkip {
		cb()
	}
}

// DispatchWriteTo is invoked by the client driver when an output File's
// bytes become fully available.
func (d *ExecutionDAG) DispatchWriteTo(id execid.FileUuid, key store.FileStoreKey) {
	fc, ok := d.fileCallbacks[id]
	if !ok {
		return
	}
	for _, sub := range fc.writeTo {
		sub.cb(key)
	}
}

// DispatchContent is invoked by the client driver with an output File's
// content once the whole file has landed in the local store; it slices
// each subscriber's view down to its own limit.
func (d *ExecutionDAG) DispatchContent(id execid.FileUuid, streamed []byte) {
	fc, ok := d.fileCallbacks[id]
	if !ok {
		return
	}
	for _, sub := range fc.getContent {
		n := sub.limit
		if n > len(streamed) {
			n = len(streamed)
		}
		buf := make([]byte, n)
		copy(buf, streamed[:n])
		sub.cb(buf)
	}
}
