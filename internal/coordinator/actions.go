package coordinator

import (
	"context"
	"fmt"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/scheduler"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

// boundActions implements scheduler.Actions against one Server/
// activeEvaluation pair, translating every dispatch-loop callback into
// real transport/store I/O.
type boundActions struct {
	server *Server
	active *activeEvaluation
}

func (a *boundActions) DispatchExecution(workerID scheduler.WorkerID, exec *execdag.Execution, inputKeys map[string]store.FileStoreKey) {
	wh, ok := a.server.workerByID(workerID)
	if !ok {
		return
	}
	if err := wh.dispatch(exec, inputKeys); err != nil {
		a.server.log.Warn(context.Background(), "coordinator: dispatch failed", "worker", string(workerID), "error", err.Error())
	}
}

// EnsureFileAvailable blocks until file's bytes are present in the
// coordinator's store: a demand-fetch from the client if file is a
// ProvidedFile, or a demand-fetch from whichever worker produced it
// otherwise. The dispatch loop only calls this when its own Contains
// check already found the key missing.
func (a *boundActions) EnsureFileAvailable(ctx context.Context, file execid.FileUuid, key store.FileStoreKey) error {
	if a.active.isProvidedFile(file) {
		return a.active.askClientForFile(ctx, file)
	}
	workerID, ok := a.active.producer(file)
	if !ok {
		return fmt.Errorf("coordinator: no known producer for file %s", file)
	}
	wh, ok := a.server.workerByID(workerID)
	if !ok {
		return fmt.Errorf("coordinator: producer worker %s for file %s is no longer connected", workerID, file)
	}
	return wh.askForFile(ctx, file)
}

// StreamFileToClient runs synchronously on the dispatch loop's own
// goroutine, per the Actions contract: the loop must not resume
// processing further events — in particular, recording a consumer
// execution's outcome and emitting its NotifyDone — until this file's
// bytes have actually reached the client.
func (a *boundActions) StreamFileToClient(file execid.FileUuid, key store.FileStoreKey) {
	// A worker's output is only in the coordinator's store once something
	// has fetched it; fetch it from its producer first if it is missing.
	if ok, _ := a.server.store.Contains(key); !ok {
		if err := a.EnsureFileAvailable(a.active.ctx, file, key); err != nil {
			a.server.log.Warn(a.active.ctx, "coordinator: fetch output for client failed", "file", file.String(), "error", err.Error())
			return
		}
	}
	if err := a.active.streamToClient(a.active.ctx, a.server.store, a.server.limiters, file, key); err != nil {
		a.server.log.Warn(a.active.ctx, "coordinator: stream to client failed", "file", file.String(), "error", err.Error())
	}
}

func (a *boundActions) NotifyClient(kind transport.Kind, payload any) {
	encoded, err := transport.Encode(kind, payload)
	if err != nil {
		return
	}
	if err := a.active.writeToClient(encoded); err != nil {
		a.server.log.Warn(context.Background(), "coordinator: notify client failed", "kind", kind.String(), "error", err.Error())
	}
}

func (s *Server) workerByID(id scheduler.WorkerID) (*workerHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wh, ok := s.workers[id]
	return wh, ok
}

// handleWorkerResult processes a WorkerResult from wh: it records which
// worker produced each output file (so a later EnsureFileAvailable for
// one of them knows where to demand-fetch it from) and feeds the
// scheduler dispatch loop the corresponding event. It fetches no bytes
// itself: outputs the coordinator's store lacks are fetched on demand by
// EnsureFileAvailable, called for a consumer's inputs and before
// StreamFileToClient pushes a subscribed output.
func (s *Server) handleWorkerResult(wh *workerHandle, msg transport.WorkerResultMsg) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}

	exec, ok := active.data.Executions[msg.Result.ExecutionUUID]
	if ok {
		for name, f := range exec.Outputs {
			if _, ok := msg.OutputKeys[name]; ok {
				active.recordProducer(f.UUID, wh.id)
			}
		}
		if exec.Stdout != nil {
			if _, ok := msg.OutputKeys["__stdout__"]; ok {
				active.recordProducer(exec.Stdout.UUID, wh.id)
			}
		}
		if exec.Stderr != nil {
			if _, ok := msg.OutputKeys["__stderr__"]; ok {
				active.recordProducer(exec.Stderr.UUID, wh.id)
			}
		}
	}

	active.ev.PushEvent(scheduler.Event{
		Kind:       scheduler.EventWorkerResult,
		WorkerID:   wh.id,
		Result:     &msg.Result,
		OutputKeys: msg.OutputKeys,
	})
}
