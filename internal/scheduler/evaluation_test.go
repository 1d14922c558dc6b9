package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

// fakeActions records dispatches and lets the test script worker
// completions back into the evaluation under test.
type fakeActions struct {
	mu         sync.Mutex
	dispatched []execid.ExecutionUuid
	notified   []transport.Kind
	onDispatch func(workerID WorkerID, exec *execdag.Execution)
}

func (f *fakeActions) DispatchExecution(workerID WorkerID, exec *execdag.Execution, inputKeys map[string]store.FileStoreKey) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, exec.UUID)
	cb := f.onDispatch
	f.mu.Unlock()
	if cb != nil {
		cb(workerID, exec)
	}
}

func (f *fakeActions) EnsureFileAvailable(ctx context.Context, file execid.FileUuid, key store.FileStoreKey) error {
	return nil
}

func (f *fakeActions) StreamFileToClient(file execid.FileUuid, key store.FileStoreKey) {}

func (f *fakeActions) NotifyClient(kind transport.Kind, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, kind)
}

func (f *fakeActions) dispatchedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

func newTestEvaluation(t *testing.T, data execdag.ExecutionDAGData, callbacks execdag.ExecutionDAGCallbacks, actions Actions) *Evaluation {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	log := logger.New(io.Discard, logger.ComponentCoordinator)
	return New(data, callbacks, actions, st, log)
}

func TestEvaluation_LinearChainCompletesSuccessfully(t *testing.T) {
	data, e1, e2 := linearFixture(t)
	callbacks := execdag.ExecutionDAGCallbacks{
		Executions: map[execid.ExecutionUuid]struct{}{e1: {}, e2: {}},
		Files:      map[execid.FileUuid]struct{}{},
	}

	actions := &fakeActions{}
	ev := newTestEvaluation(t, data, callbacks, actions)

	actions.onDispatch = func(workerID WorkerID, exec *execdag.Execution) {
		go func() {
			ev.PushEvent(Event{
				Kind:     EventWorkerResult,
				WorkerID: workerID,
				Result: &execdag.WorkerResult{
					ExecutionUUID: exec.UUID,
					Status:        execdag.StatusSuccess,
				},
				OutputKeys: map[string]store.FileStoreKey{
					"out": store.HashBytes([]byte(exec.UUID.String())),
				},
			})
		}()
	}

	ev.PushEvent(Event{Kind: EventWorkerJoined, WorkerID: "worker-a"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ev.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, actions.dispatchedCount())
	require.Contains(t, actions.notified, transport.KindDone)
}

func TestEvaluation_FailurePropagatesSkip(t *testing.T) {
	data, e1, e2 := linearFixture(t)
	callbacks := execdag.ExecutionDAGCallbacks{
		Executions: map[execid.ExecutionUuid]struct{}{e1: {}, e2: {}},
		Files:      map[execid.FileUuid]struct{}{},
	}

	actions := &fakeActions{}
	ev := newTestEvaluation(t, data, callbacks, actions)

	actions.onDispatch = func(workerID WorkerID, exec *execdag.Execution) {
		go func() {
			ev.PushEvent(Event{
				Kind:     EventWorkerResult,
				WorkerID: workerID,
				Result: &execdag.WorkerResult{
					ExecutionUUID: exec.UUID,
					Status:        execdag.StatusExitCode,
					Error:         "nonzero exit",
				},
			})
		}()
	}

	ev.PushEvent(Event{Kind: EventWorkerJoined, WorkerID: "worker-a"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ev.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, actions.dispatchedCount(), "e2 should never dispatch once e1 fails")
	require.Contains(t, actions.notified, transport.KindNotifySkip)
}
