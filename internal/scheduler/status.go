package scheduler

import (
	"sort"

	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/transport"
)

// Snapshot reports a point-in-time view of the evaluation's progress. It
// must only be called from the dispatch loop goroutine — there is no
// internal locking, matching every other state accessor in this package.
func (ev *Evaluation) Snapshot() transport.StatusSnapshot {
	snap := transport.StatusSnapshot{
		Ready:   len(ev.state.ready),
		Skipped: len(ev.state.skipped),
	}
	for id := range ev.state.data.Executions {
		switch {
		case ev.state.done[id]:
			snap.Done++
		case ev.state.skipped[id]:
			// already counted above
		default:
			if _, busy := ev.inflightWorker(id); busy {
				snap.Running++
			}
		}
	}

	ids := make([]WorkerID, 0, ev.workers.count())
	for id := range ev.workers.slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		slot := ev.workers.slots[id]
		snap.Workers = append(snap.Workers, transport.WorkerStatus{
			ID:      string(id),
			Busy:    slot.busy,
			Current: slot.current,
		})
	}
	return snap
}

func (ev *Evaluation) inflightWorker(execID execid.ExecutionUuid) (WorkerID, bool) {
	for id, slot := range ev.workers.slots {
		if slot.busy && slot.current == execID {
			return id, true
		}
	}
	return "", false
}
