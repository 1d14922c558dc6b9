package scheduler

import (
	"fmt"
	"sort"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/store"
)

// producerRef names whichever thing resolves a FileUuid's content: an
// execution's output, or a client-provided file.
type producerRef struct {
	isExecution bool
	execution   execid.ExecutionUuid
}

// state is the per-evaluation bookkeeping the dispatch loop mutates:
// the ready queue, each execution's remaining unresolved dependency
// count, who produces each file, each file's resolved
// content key once known, which executions consume each file, and the
// set of executions skip propagation has marked dead.
type state struct {
	data execdag.ExecutionDAGData

	ready       []execid.ExecutionUuid
	pendingDeps map[execid.ExecutionUuid]int
	producer    map[execid.FileUuid]producerRef
	fileKey     map[execid.FileUuid]store.FileStoreKey
	consumers   map[execid.FileUuid][]execid.ExecutionUuid

	skipped map[execid.ExecutionUuid]bool
	done    map[execid.ExecutionUuid]bool
	running map[execid.ExecutionUuid]bool
}

// newState builds the readiness index from an already-validated DAG. The
// caller must run execdag.Validate first; newState does not re-detect
// cycles or duplicate UUIDs.
func newState(data execdag.ExecutionDAGData) *state {
	s := &state{
		data:        data,
		pendingDeps: make(map[execid.ExecutionUuid]int, len(data.Executions)),
		producer:    make(map[execid.FileUuid]producerRef),
		fileKey:     make(map[execid.FileUuid]store.FileStoreKey),
		consumers:   make(map[execid.FileUuid][]execid.ExecutionUuid),
		skipped:     make(map[execid.ExecutionUuid]bool),
		done:        make(map[execid.ExecutionUuid]bool),
		running:     make(map[execid.ExecutionUuid]bool),
	}

	for id, pf := range data.ProvidedFiles {
		s.producer[id] = producerRef{isExecution: false}
		s.fileKey[id] = pf.Key
	}
	for id, e := range data.Executions {
		for _, out := range e.OutputFiles() {
			s.producer[out.UUID] = producerRef{isExecution: true, execution: id}
		}
	}

	for id, e := range data.Executions {
		unresolved := 0
		for _, dep := range e.Dependencies() {
			prod := s.producer[dep]
			if !prod.isExecution {
				continue // provided files resolve immediately
			}
			unresolved++
			s.consumers[dep] = append(s.consumers[dep], id)
		}
		s.pendingDeps[id] = unresolved
		if unresolved == 0 {
			s.ready = append(s.ready, id)
		}
	}
	sort.Slice(s.ready, func(i, j int) bool { return s.ready[i].String() < s.ready[j].String() })

	return s
}

// popReady removes and returns the FIFO head of the ready queue.
func (s *state) popReady() (execid.ExecutionUuid, bool) {
	if len(s.ready) == 0 {
		return execid.ExecutionUuid{}, false
	}
	id := s.ready[0]
	s.ready = s.ready[1:]
	return id, true
}

// inputKeys resolves exec's dependency files to their sandbox filename
// and content key, as WorkOn needs. It errors if any dependency's key is
// not yet known, which should never happen for a popped-ready execution.
func (s *state) inputKeys(exec execid.ExecutionUuid) (map[string]store.FileStoreKey, error) {
	e := s.data.Executions[exec]
	keys := make(map[string]store.FileStoreKey, len(e.Inputs))
	for name, f := range e.Inputs {
		key, ok := s.fileKey[f.UUID]
		if !ok {
			return nil, fmt.Errorf("scheduler: input %s of execution %s has no resolved key", f.UUID, exec)
		}
		keys[name] = key
	}
	if e.Stdin != nil {
		key, ok := s.fileKey[e.Stdin.UUID]
		if !ok {
			return nil, fmt.Errorf("scheduler: stdin %s of execution %s has no resolved key", e.Stdin.UUID, exec)
		}
		keys["__stdin__"] = key
	}
	return keys, nil
}

// resolveOutput records key as the content of file, decrementing every
// consumer's pending dependency count and enqueuing any that reach zero.
// Returns the executions newly made ready.
func (s *state) resolveOutput(file execid.FileUuid, key store.FileStoreKey) []execid.ExecutionUuid {
	s.fileKey[file] = key
	var newlyReady []execid.ExecutionUuid
	for _, consumer := range s.consumers[file] {
		if s.skipped[consumer] {
			continue
		}
		s.pendingDeps[consumer]--
		if s.pendingDeps[consumer] == 0 {
			newlyReady = append(newlyReady, consumer)
		}
	}
	sort.Slice(newlyReady, func(i, j int) bool { return newlyReady[i].String() < newlyReady[j].String() })
	s.ready = append(s.ready, newlyReady...)
	return newlyReady
}

// complete reports whether every execution has reached done or skipped.
func (s *state) complete() bool {
	return len(s.done)+len(s.skipped) == len(s.data.Executions)
}
