package execdag

import (
	"sort"

	"github.com/taskexec/evaluator/internal/execid"
)

// Validate proves an ExecutionDAGData well-formed in a single O(V+E) pass,
// fusing three checks together: every file has exactly one producer
// (or none, for a provided file), every execution's dependencies resolve
// to a real producer, and the whole graph is acyclic.
func Validate(data *ExecutionDAGData) error {
	producer, err := buildFileProducers(data)
	if err != nil {
		return err
	}

	// inDegree counts, for every execution, how many of its dependency
	// files are not yet "resolved" (produced by a provided file or an
	// already-resolved execution). A provided file starts resolved; an
	// execution-produced file resolves only once its producing execution
	// is popped off the ready queue.
	inDegree := make(map[execid.ExecutionUuid]int, len(data.Executions))
	// consumers maps a file to the executions waiting on it.
	consumers := make(map[execid.FileUuid][]execid.ExecutionUuid)

	for id, e := range data.Executions {
		deps := e.Dependencies()
		unresolved := 0
		for _, dep := range deps {
			prod, ok := producer[dep]
			if !ok {
				return missingFileErr(dep)
			}
			if prod.isProvided {
				continue
			}
			unresolved++
			consumers[dep] = append(consumers[dep], id)
		}
		inDegree[id] = unresolved
	}

	ready := make([]execid.ExecutionUuid, 0, len(data.Executions))
	for id, n := range inDegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	visited := make(map[execid.ExecutionUuid]struct{}, len(data.Executions))
	for len(ready) > 0 {
		// Deterministic pop order keeps Validate's error messages (and
		// any future instrumentation) stable across runs.
		sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })
		id := ready[0]
		ready = ready[1:]
		visited[id] = struct{}{}

		for _, out := range data.Executions[id].OutputFiles() {
			for _, consumerID := range consumers[out.UUID] {
				inDegree[consumerID]--
				if inDegree[consumerID] == 0 {
					ready = append(ready, consumerID)
				}
			}
		}
	}

	if len(visited) != len(data.Executions) {
		remaining := make([]string, 0, len(data.Executions)-len(visited))
		for id := range data.Executions {
			if _, ok := visited[id]; !ok {
				remaining = append(remaining, id.String())
			}
		}
		sort.Strings(remaining)
		return cycleDetectedErr(remaining)
	}
	return nil
}

type fileProducerInfo struct {
	isProvided bool
}

// buildFileProducers indexes every file's producer and reports
// DuplicateFileUuid if a provided file and an execution output (or two
// execution outputs) both claim the same FileUuid.
func buildFileProducers(data *ExecutionDAGData) (map[execid.FileUuid]fileProducerInfo, error) {
	producer := make(map[execid.FileUuid]fileProducerInfo, len(data.ProvidedFiles))
	for id := range data.ProvidedFiles {
		if _, dup := producer[id]; dup {
			return nil, duplicateFileErr(id)
		}
		producer[id] = fileProducerInfo{isProvided: true}
	}
	for _, e := range data.Executions {
		for _, out := range e.OutputFiles() {
			if _, dup := producer[out.UUID]; dup {
				return nil, duplicateFileErr(out.UUID)
			}
			producer[out.UUID] = fileProducerInfo{isProvided: false}
		}
	}
	return producer, nil
}

// ValidateCallbacks checks that every identifier a client subscribed
// callbacks to actually exists in data, raising MissingExecution or
// MissingFile for anything dangling. It is a separate pass from Validate
// because the wire-level ExecutionDAGData and the subscription set travel
// as distinct fields of Evaluate.
func ValidateCallbacks(data *ExecutionDAGData, callbacks *ExecutionDAGCallbacks) error {
	for id := range callbacks.Executions {
		if _, ok := data.Executions[id]; !ok {
			return missingExecutionErr(id)
		}
	}
	producer, err := buildFileProducers(data)
	if err != nil {
		return err
	}
	for id := range callbacks.Files {
		if _, ok := producer[id]; !ok {
			return missingFileErr(id)
		}
	}
	return nil
}
