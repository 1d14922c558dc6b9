package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/taskexec/evaluator/internal/concurrency"
	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/scheduler"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

// workerHandle is one connected worker, long-lived across evaluations
// (registered once at Authenticate, not reopened per evaluation).
type workerHandle struct {
	id   scheduler.WorkerID
	conn *transport.EncryptedConn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[execid.FileUuid]chan error
}

// readLoop is the only goroutine that ever calls conn.ReadMessage for
// this worker. It runs for the lifetime of the connection, independent
// of which evaluation (if any) is currently active, since a worker may
// sit idle between evaluations.
func (wh *workerHandle) readLoop(ctx context.Context, s *Server) error {
	for {
		raw, err := wh.conn.ReadMessage()
		if err != nil {
			wh.failAllPending(fmt.Errorf("worker connection closed: %w", err))
			return err
		}
		env, err := transport.DecodeEnvelope(raw)
		if err != nil {
			return err
		}

		switch env.Kind {
		case transport.KindWorkerResult:
			var msg transport.WorkerResultMsg
			if err := transport.DecodePayload(env, &msg); err != nil {
				return err
			}
			s.handleWorkerResult(wh, msg)

		case transport.KindAskFile:
			var ask transport.AskFile
			if err := transport.DecodePayload(env, &ask); err != nil {
				return err
			}
			if err := s.serveAskFileFromStore(wh, ask.FileUUID); err != nil {
				s.log.Warn(ctx, "coordinator: failed to serve worker AskFile", "worker", string(wh.id), "error", err.Error())
			}

		case transport.KindProvideFileBegin:
			var begin transport.ProvideFileBegin
			if err := transport.DecodePayload(env, &begin); err != nil {
				return err
			}
			limiter := s.limiters.GetLimiter(concurrency.StreamClassWorkerTransfer)
			if err := limiter.Acquire(ctx); err != nil {
				wh.resolvePending(begin.FileUUID, err)
				continue
			}
			recvErr := transport.ReceiveBlobBody(ctx, wh.conn, s.store, begin)
			limiter.Release()
			wh.resolvePending(begin.FileUUID, recvErr)

		default:
			s.log.Warn(ctx, "coordinator: unexpected message from worker", "worker", string(wh.id), "kind", env.Kind.String())
		}
	}
}

func (wh *workerHandle) write(payload []byte) error {
	wh.writeMu.Lock()
	defer wh.writeMu.Unlock()
	return wh.conn.WriteMessage(payload)
}

// askForFile sends AskFile to this worker and blocks until the matching
// blob has landed in st, or ctx is cancelled. Used when an execution's
// input was produced by a different worker and the coordinator's own
// store does not have it yet.
func (wh *workerHandle) askForFile(ctx context.Context, fileUUID execid.FileUuid) error {
	ch := make(chan error, 1)
	wh.pendingMu.Lock()
	wh.pending[fileUUID] = ch
	wh.pendingMu.Unlock()

	payload, err := transport.Encode(transport.KindAskFile, transport.AskFile{FileUUID: fileUUID})
	if err != nil {
		wh.clearPending(fileUUID)
		return err
	}
	if err := wh.write(payload); err != nil {
		wh.clearPending(fileUUID)
		return fmt.Errorf("coordinator: ask worker %s for %s: %w", wh.id, fileUUID, err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		wh.clearPending(fileUUID)
		return ctx.Err()
	}
}

func (wh *workerHandle) resolvePending(fileUUID execid.FileUuid, err error) {
	wh.pendingMu.Lock()
	ch, ok := wh.pending[fileUUID]
	if ok {
		delete(wh.pending, fileUUID)
	}
	wh.pendingMu.Unlock()
	if ok {
		ch <- err
	}
}

func (wh *workerHandle) clearPending(fileUUID execid.FileUuid) {
	wh.pendingMu.Lock()
	delete(wh.pending, fileUUID)
	wh.pendingMu.Unlock()
}

func (wh *workerHandle) failAllPending(err error) {
	wh.pendingMu.Lock()
	defer wh.pendingMu.Unlock()
	for id, ch := range wh.pending {
		ch <- err
		delete(wh.pending, id)
	}
}

// dispatch sends WorkOn to wh.
func (wh *workerHandle) dispatch(exec *execdag.Execution, inputKeys map[string]store.FileStoreKey) error {
	payload, err := transport.Encode(transport.KindWorkOn, transport.WorkOn{Execution: *exec, InputKeys: inputKeys})
	if err != nil {
		return err
	}
	return wh.write(payload)
}

// serveAskFileFromStore answers a worker's own demand-fetch (it is
// missing an input) directly from the coordinator's store.
func (s *Server) serveAskFileFromStore(wh *workerHandle, fileUUID execid.FileUuid) error {
	key, ok := s.lookupKeyForFile(fileUUID)
	if !ok {
		return fmt.Errorf("coordinator: worker asked for %s, which has no resolved key", fileUUID)
	}

	limiter := s.limiters.GetLimiter(concurrency.StreamClassStoreRead)
	if err := limiter.Acquire(context.Background()); err != nil {
		return err
	}
	defer limiter.Release()

	rc, err := s.store.Get(key)
	if err != nil {
		return err
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	wh.writeMu.Lock()
	defer wh.writeMu.Unlock()
	return transport.SendBlob(wh.conn, fileUUID, key, int64(len(content)), bytes.NewReader(content))
}

// lookupKeyForFile finds fileUUID's resolved content key for the active
// evaluation: a ProvidedFile's key from the DAG data, otherwise the key
// the scheduler recorded for the output (Evaluation.ResolvedKey, a
// locked read of internal/scheduler/state.go's fileKey bookkeeping).
func (s *Server) lookupKeyForFile(fileUUID execid.FileUuid) (store.FileStoreKey, bool) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return store.FileStoreKey{}, false
	}
	if pf, ok := active.data.ProvidedFiles[fileUUID]; ok {
		return pf.Key, true
	}
	return active.ev.ResolvedKey(fileUUID)
}
