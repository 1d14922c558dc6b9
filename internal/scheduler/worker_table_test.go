package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/execid"
)

func TestWorkerTable_PickIdleLexicographic(t *testing.T) {
	wt := newWorkerTable()
	wt.join("worker-b")
	wt.join("worker-a")
	wt.join("worker-c")

	id, ok := wt.pickIdle()
	require.True(t, ok)
	require.Equal(t, WorkerID("worker-a"), id)
}

func TestWorkerTable_BusyWorkerExcluded(t *testing.T) {
	wt := newWorkerTable()
	wt.join("worker-a")
	wt.join("worker-b")
	wt.markBusy("worker-a", execid.NewExecutionUuid())

	id, ok := wt.pickIdle()
	require.True(t, ok)
	require.Equal(t, WorkerID("worker-b"), id)
}

func TestWorkerTable_NoneIdle(t *testing.T) {
	wt := newWorkerTable()
	wt.join("worker-a")
	wt.markBusy("worker-a", execid.NewExecutionUuid())

	_, ok := wt.pickIdle()
	require.False(t, ok)
}

func TestWorkerTable_PickIdleAllowedFiltersBreaker(t *testing.T) {
	wt := newWorkerTable()
	wt.join("worker-a")
	wt.join("worker-b")

	id, ok := wt.pickIdleAllowed(func(w WorkerID) bool { return w != "worker-a" })
	require.True(t, ok)
	require.Equal(t, WorkerID("worker-b"), id)
}

func TestWorkerTable_LeaveRemoves(t *testing.T) {
	wt := newWorkerTable()
	wt.join("worker-a")
	wt.leave("worker-a")
	require.Equal(t, 0, wt.count())
}

func TestWorkerTable_CurrentExecution(t *testing.T) {
	wt := newWorkerTable()
	wt.join("worker-a")
	exec := execid.NewExecutionUuid()
	wt.markBusy("worker-a", exec)

	got, busy := wt.currentExecution("worker-a")
	require.True(t, busy)
	require.Equal(t, exec, got)

	wt.markIdle("worker-a")
	_, busy = wt.currentExecution("worker-a")
	require.False(t, busy)
}
