package scheduler

import (
	"sort"

	"github.com/taskexec/evaluator/internal/execid"
)

// skipPropagate marks failed as skipped (if not already terminal) and
// walks outward breadth-first through its consumers' consumers, marking
// every transitively dependent execution skipped too. It returns the
// full set of newly-skipped execution UUIDs in deterministic order, for
// the caller to emit NotifySkip against.
//
// A skipped execution's outputs never resolve, so downstream consumers
// of *those* outputs are visited in turn — the breadth-first walk is
// over the bipartite execution/file dependency graph, not just direct
// execution-to-execution edges.
func (s *state) skipPropagate(failed execid.ExecutionUuid) []execid.ExecutionUuid {
	if s.skipped[failed] || s.done[failed] {
		return nil
	}

	var newlySkipped []execid.ExecutionUuid
	queue := []execid.ExecutionUuid{failed}
	s.skipped[failed] = true
	newlySkipped = append(newlySkipped, failed)
	s.removeFromReady(failed)

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		exec := s.data.Executions[cur]
		for _, out := range exec.OutputFiles() {
			for _, consumer := range s.consumers[out.UUID] {
				if s.skipped[consumer] || s.done[consumer] {
					continue
				}
				s.skipped[consumer] = true
				newlySkipped = append(newlySkipped, consumer)
				s.removeFromReady(consumer)
				queue = append(queue, consumer)
			}
		}
	}

	sort.Slice(newlySkipped, func(i, j int) bool { return newlySkipped[i].String() < newlySkipped[j].String() })
	return newlySkipped
}

func (s *state) removeFromReady(id execid.ExecutionUuid) {
	for i, r := range s.ready {
		if r == id {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}
