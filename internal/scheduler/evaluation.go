// Package scheduler implements the coordinator's per-evaluation dispatch
// loop: readiness tracking, worker assignment, file-artifact routing,
// and failure/skip propagation. The loop itself is single-threaded and
// cooperative: every state mutation happens inside Evaluation.Run's select
// loop. Ensuring an input's bytes are in the store and dispatching the
// execution is delegated to internal/concurrency.IOTaskPool helper tasks
// that report back through a channel rather than blocking the loop;
// streaming a subscribed output to the client runs on the loop itself
// (see Actions.StreamFileToClient).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskexec/evaluator/internal/concurrency"
	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/metrics"
	"github.com/taskexec/evaluator/internal/retry"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

// Actions is how the dispatch loop reaches outside itself. Every method
// except StreamFileToClient must return without blocking the loop on
// network or sandbox I/O; EnsureFileAvailable and DispatchExecution in
// particular are called from a helper goroutine the loop never waits on
// directly.
type Actions interface {
	// DispatchExecution sends WorkOn to workerID. Outcomes arrive later as
	// a WorkerResult event, never as a return value from this call.
	DispatchExecution(workerID WorkerID, exec *execdag.Execution, inputKeys map[string]store.FileStoreKey)
	// EnsureFileAvailable blocks the calling helper goroutine (never the
	// dispatch loop) until key's bytes are present in the coordinator's
	// store, demanding them from the client via AskFile if they are not.
	EnsureFileAvailable(ctx context.Context, file execid.FileUuid, key store.FileStoreKey) error
	// StreamFileToClient delivers a subscribed output file's bytes to the
	// client. Called from the dispatch loop, and blocks it until the
	// bytes are fully written: this is what guarantees a file's bytes
	// reach the client before the NotifyDone of any execution that
	// consumes it, since nothing else in the loop — including recording
	// a consumer's own outcome — can run until this call returns.
	StreamFileToClient(file execid.FileUuid, key store.FileStoreKey)
	// NotifyClient emits one client-bound protocol message.
	NotifyClient(kind transport.Kind, payload any)
}

// EventKind discriminates the events fed into Evaluation.Run from the
// outside: worker lifecycle and worker completions. File-availability
// events are not part of this set — EnsureFileAvailable's blocking
// contract means the dispatch loop learns about resolved inputs only
// through the helper-task result channel, not a separate event kind.
type EventKind int

const (
	EventWorkerJoined EventKind = iota
	EventWorkerGone
	EventWorkerResult
)

// Event is one occurrence the dispatch loop reacts to.
type Event struct {
	Kind       EventKind
	WorkerID   WorkerID
	Result     *execdag.WorkerResult
	OutputKeys map[string]store.FileStoreKey // sandbox filename -> key, for EventWorkerResult
}

// Evaluation drives one DAG through to completion: every execution
// reaches done or skipped, then a Done message is sent to the client and
// Run returns.
type Evaluation struct {
	state     *state
	callbacks execdag.ExecutionDAGCallbacks
	workers   *workerTable
	actions   Actions
	store     *store.Store
	breakers  *retry.PerWorkerBreakers
	helpers   *concurrency.IOTaskPool
	log       *logger.Logger

	events chan Event

	// inflight maps an execution carried by a helper task back to the
	// worker it was assigned to, so a failed ensure-then-dispatch task can
	// free that worker and fail the execution without a second lookup.
	inflight map[execid.ExecutionUuid]WorkerID

	// keyMu guards state.fileKey against the one external reader this
	// package has: a coordinator's ResolvedKey call, made from whatever
	// goroutine is answering a worker's AskFile for a file produced by a
	// different worker. Every other state field is touched only from
	// Run's own goroutine and needs no lock.
	keyMu sync.Mutex
}

// New builds an Evaluation from an already-validated DAG. Callers must
// run execdag.Validate and execdag.ValidateCallbacks first; New does not
// re-check structural well-formedness.
func New(data execdag.ExecutionDAGData, callbacks execdag.ExecutionDAGCallbacks, actions Actions, st *store.Store, log *logger.Logger) *Evaluation {
	helpers := concurrency.NewIOTaskPool(8)
	helpers.Start()

	return &Evaluation{
		state:     newState(data),
		callbacks: callbacks,
		workers:   newWorkerTable(),
		actions:   actions,
		store:     st,
		breakers:  retry.NewPerWorkerBreakers(),
		helpers:   helpers,
		log:       log,
		events:    make(chan Event, 64),
		inflight:  make(map[execid.ExecutionUuid]WorkerID),
	}
}

// PushEvent feeds one event into the dispatch loop. Safe to call from any
// goroutine (the connection-handling code that owns worker/client reads).
func (ev *Evaluation) PushEvent(e Event) {
	ev.events <- e
}

// Run executes the dispatch loop until every execution is done or
// skipped, then emits Done and returns. Cancelling ctx (e.g. on client
// disconnect) stops the loop early without emitting Done.
func (ev *Evaluation) Run(ctx context.Context) error {
	defer ev.helpers.Shutdown()

	metrics.IncrementActiveEvaluations()
	defer metrics.DecrementActiveEvaluations()

	start := time.Now()
	status := "success"

	ev.tryDispatch(ctx)
	if ev.state.complete() {
		ev.finish(start, status)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			metrics.RecordEvaluation(time.Since(start).Seconds(), "cancelled")
			return ctx.Err()

		case e := <-ev.events:
			ev.handleEvent(ctx, e)

		case result := <-ev.helpers.Results():
			ev.handleHelperResult(result)
		}

		if ev.state.complete() {
			ev.finish(start, status)
			return nil
		}
	}
}

func (ev *Evaluation) finish(start time.Time, status string) {
	metrics.RecordEvaluation(time.Since(start).Seconds(), status)
	ev.actions.NotifyClient(transport.KindDone, transport.Done{})
}

func (ev *Evaluation) handleEvent(ctx context.Context, e Event) {
	switch e.Kind {
	case EventWorkerJoined:
		ev.workers.join(e.WorkerID)
		metrics.SetConnectedWorkers(ev.workers.count())
		ev.tryDispatch(ctx)

	case EventWorkerGone:
		if exec, busy := ev.workers.currentExecution(e.WorkerID); busy {
			ev.failExecution(ctx, exec, fmt.Sprintf("worker %s disconnected", e.WorkerID))
		}
		ev.workers.leave(e.WorkerID)
		ev.breakers.Forget(string(e.WorkerID))
		metrics.SetConnectedWorkers(ev.workers.count())
		ev.tryDispatch(ctx)

	case EventWorkerResult:
		ev.handleWorkerResult(ctx, e)
		ev.tryDispatch(ctx)
	}
}

// tryDispatch assigns as many ready executions to idle, non-tripped
// workers as it can in one pass.
func (ev *Evaluation) tryDispatch(ctx context.Context) {
	for {
		workerID, ok := ev.workers.pickIdleAllowed(func(id WorkerID) bool {
			return ev.breakers.ShouldAllow(string(id))
		})
		if !ok {
			return
		}
		execID, ok := ev.state.popReady()
		if !ok {
			return
		}

		inputKeys, err := ev.state.inputKeys(execID)
		if err != nil {
			ev.failExecution(ctx, execID, err.Error())
			continue
		}

		ev.workers.markBusy(workerID, execID)
		ev.inflight[execID] = workerID
		exec := ev.state.data.Executions[execID]
		dispatchStart := time.Now()

		ev.helpers.Submit(concurrency.IOTask{
			ID: execID.String(),
			Execute: func(taskCtx context.Context) error {
				for name, key := range inputKeys {
					if ok, _ := ev.store.Contains(key); ok {
						continue
					}
					file := fileUUIDForInput(exec, name)
					if err := ev.actions.EnsureFileAvailable(taskCtx, file, key); err != nil {
						return err
					}
				}
				ev.notifyExecution(transport.KindNotifyStart, execID, transport.NotifyStart{
					ExecutionUUID: execID,
					Worker:        string(workerID),
				})
				metrics.RecordDispatchLatency(string(workerID), time.Since(dispatchStart).Seconds())
				ev.actions.DispatchExecution(workerID, exec, inputKeys)
				return nil
			},
		})
	}
}

// fileUUIDForInput resolves which File a WorkOn input slot named name
// corresponds to, including the synthetic "__stdin__" slot inputKeys
// uses for a redirected stdin.
func fileUUIDForInput(exec *execdag.Execution, name string) execid.FileUuid {
	if name == "__stdin__" && exec.Stdin != nil {
		return exec.Stdin.UUID
	}
	if f, ok := exec.Inputs[name]; ok {
		return f.UUID
	}
	return execid.FileUuid{}
}

// handleHelperResult processes the outcome of an ensure-then-dispatch
// task. A nil error means DispatchExecution already ran inside the task;
// a non-nil error means the execution never reached the worker and must
// be failed (and skip-propagated) directly.
func (ev *Evaluation) handleHelperResult(result concurrency.IOTaskResult) {
	if result.Error == nil {
		return
	}
	execID, err := execid.ParseExecutionUuid(result.TaskID)
	if err != nil {
		ev.log.Error(context.Background(), "scheduler: cannot parse failed task id", err, "task_id", result.TaskID)
		return
	}
	ev.failExecution(context.Background(), execID, result.Error.Error())
}

// failExecution marks execID idle-again on its worker (if still
// assigned), records a synthetic failure result, and skip-propagates.
func (ev *Evaluation) failExecution(ctx context.Context, execID execid.ExecutionUuid, reason string) {
	if workerID, ok := ev.inflight[execID]; ok {
		ev.workers.markIdle(workerID)
		ev.breakers.RecordFailure(string(workerID))
		delete(ev.inflight, execID)
	}
	ev.recordOutcome(ctx, execID, execdag.WorkerResult{
		ExecutionUUID: execID,
		Status:        execdag.StatusInternalError,
		Error:         reason,
	}, nil)
}

func (ev *Evaluation) handleWorkerResult(ctx context.Context, e Event) {
	execID := e.Result.ExecutionUUID
	workerID, hadInflight := ev.inflight[execID]
	if hadInflight {
		ev.workers.markIdle(workerID)
		delete(ev.inflight, execID)
	} else if e.WorkerID != "" {
		workerID = e.WorkerID
		ev.workers.markIdle(e.WorkerID)
	}
	if workerID != "" {
		if e.Result.Status.Succeeded() {
			ev.breakers.RecordSuccess(string(workerID))
		} else {
			ev.breakers.RecordFailure(string(workerID))
		}
	}
	ev.recordOutcome(ctx, execID, *e.Result, e.OutputKeys)
}

// recordOutcome is the common tail of both a real WorkerResult and a
// synthetic ensure-failure: record the terminal state, resolve output
// keys for a success (unblocking consumers, streaming subscribed
// outputs), emit the client notification, and skip-propagate a failure.
func (ev *Evaluation) recordOutcome(ctx context.Context, execID execid.ExecutionUuid, result execdag.WorkerResult, outputKeys map[string]store.FileStoreKey) {
	if result.Status.Succeeded() {
		ev.state.done[execID] = true
		metrics.RecordExecutionResult("success")
		exec := ev.state.data.Executions[execID]
		for name, out := range exec.Outputs {
			if key, ok := outputKeys[name]; ok {
				ev.resolveAndStream(out.UUID, key)
			}
		}
		if exec.Stdout != nil {
			if key, ok := outputKeys["__stdout__"]; ok {
				ev.resolveAndStream(exec.Stdout.UUID, key)
			}
		}
		if exec.Stderr != nil {
			if key, ok := outputKeys["__stderr__"]; ok {
				ev.resolveAndStream(exec.Stderr.UUID, key)
			}
		}
		ev.notifyExecution(transport.KindNotifyDone, execID, transport.NotifyDone{ExecutionUUID: execID, Result: result})
		return
	}

	metrics.RecordExecutionResult("failure")
	ev.notifyExecution(transport.KindNotifyDone, execID, transport.NotifyDone{ExecutionUUID: execID, Result: result})

	for _, skippedID := range ev.state.skipPropagate(execID) {
		if skippedID == execID {
			continue
		}
		ev.notifyExecution(transport.KindNotifySkip, skippedID, transport.NotifySkip{ExecutionUUID: skippedID})
	}
}

// notifyExecution emits kind/payload only if execID has a client
// subscriber, per ExecutionDAGCallbacks' subscription model.
func (ev *Evaluation) notifyExecution(kind transport.Kind, execID execid.ExecutionUuid, payload any) {
	if _, subscribed := ev.callbacks.Executions[execID]; subscribed {
		ev.actions.NotifyClient(kind, payload)
	}
}

func (ev *Evaluation) resolveAndStream(file execid.FileUuid, key store.FileStoreKey) {
	ev.keyMu.Lock()
	ev.state.resolveOutput(file, key)
	ev.keyMu.Unlock()
	if _, subscribed := ev.callbacks.Files[file]; subscribed {
		ev.actions.StreamFileToClient(file, key)
	}
}

// ResolvedKey reports file's content key, if the dispatch loop has
// already resolved it. Safe to call from any goroutine, unlike every
// other accessor in this package: it exists for a coordinator to look up
// an execution output's key when bridging a worker-to-worker file
// transfer outside the dispatch loop itself.
func (ev *Evaluation) ResolvedKey(file execid.FileUuid) (store.FileStoreKey, bool) {
	ev.keyMu.Lock()
	defer ev.keyMu.Unlock()
	key, ok := ev.state.fileKey[file]
	return key, ok
}
