package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/taskexec/evaluator/internal/concurrency"
	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/scheduler"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

// activeEvaluation is the one evaluation a Server is currently running:
// its dispatch loop, the client connection it reports progress to and
// demand-fetches provided files from, and the index of which worker
// produced which not-yet-locally-stored output file.
type activeEvaluation struct {
	ev     *scheduler.Evaluation
	data   execdag.ExecutionDAGData
	client *transport.EncryptedConn

	// ctx is this evaluation's context, cancelled the moment the client
	// connection drops. Set once, before Run starts feeding the dispatch
	// loop, so boundActions.StreamFileToClient's synchronous blob write
	// has something to bound its blocking on.
	ctx context.Context

	clientWriteMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[execid.FileUuid]chan error

	producedByMu sync.Mutex
	producedBy   map[execid.FileUuid]scheduler.WorkerID
}

// clientReadLoop is the only goroutine that ever calls client.ReadMessage:
// the dispatch loop (via boundActions) only ever writes to the client
// connection, so every inbound message — the blob body following an
// AskFile the coordinator itself sent — is handled here and fanned out
// through the pending map.
func (a *activeEvaluation) clientReadLoop(ctx context.Context, st *store.Store, limiters *concurrency.RateLimiterManager, log *logger.Logger) {
	for {
		raw, err := a.client.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn(ctx, "coordinator: client read failed", "error", err.Error())
			}
			a.failAllPending(fmt.Errorf("client connection closed: %w", err))
			return
		}
		env, err := transport.DecodeEnvelope(raw)
		if err != nil {
			log.Warn(ctx, "coordinator: decode client message failed", "error", err.Error())
			continue
		}

		switch env.Kind {
		case transport.KindProvideFileBegin:
			var begin transport.ProvideFileBegin
			if err := transport.DecodePayload(env, &begin); err != nil {
				continue
			}
			limiter := limiters.GetLimiter(concurrency.StreamClassStoreWrite)
			if err := limiter.Acquire(ctx); err != nil {
				a.resolvePending(begin.FileUUID, err)
				continue
			}
			recvErr := transport.ReceiveBlobBody(ctx, a.client, st, begin)
			limiter.Release()
			a.resolvePending(begin.FileUUID, recvErr)

		default:
			log.Warn(ctx, "coordinator: unexpected message from client", "kind", env.Kind.String())
		}
	}
}

// askClientForFile sends AskFile and blocks until the matching
// ProvideFileBegin body has landed in st, or ctx is cancelled.
func (a *activeEvaluation) askClientForFile(ctx context.Context, fileUUID execid.FileUuid) error {
	ch := make(chan error, 1)
	a.pendingMu.Lock()
	a.pending[fileUUID] = ch
	a.pendingMu.Unlock()

	payload, err := transport.Encode(transport.KindAskFile, transport.AskFile{FileUUID: fileUUID})
	if err != nil {
		a.clearPending(fileUUID)
		return err
	}
	if err := a.writeToClient(payload); err != nil {
		a.clearPending(fileUUID)
		return fmt.Errorf("coordinator: ask client for %s: %w", fileUUID, err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		a.clearPending(fileUUID)
		return ctx.Err()
	}
}

func (a *activeEvaluation) resolvePending(fileUUID execid.FileUuid, err error) {
	a.pendingMu.Lock()
	ch, ok := a.pending[fileUUID]
	if ok {
		delete(a.pending, fileUUID)
	}
	a.pendingMu.Unlock()
	if ok {
		ch <- err
	}
}

func (a *activeEvaluation) clearPending(fileUUID execid.FileUuid) {
	a.pendingMu.Lock()
	delete(a.pending, fileUUID)
	a.pendingMu.Unlock()
}

func (a *activeEvaluation) failAllPending(err error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for id, ch := range a.pending {
		ch <- err
		delete(a.pending, id)
	}
}

func (a *activeEvaluation) writeToClient(payload []byte) error {
	a.clientWriteMu.Lock()
	defer a.clientWriteMu.Unlock()
	return a.client.WriteMessage(payload)
}

// streamToClient pushes file's bytes to the client unsolicited, matching
// internal/client's receiveOutput, which accepts a ProvideFileBegin it
// never asked for.
func (a *activeEvaluation) streamToClient(ctx context.Context, st *store.Store, limiters *concurrency.RateLimiterManager, fileUUID execid.FileUuid, key store.FileStoreKey) error {
	limiter := limiters.GetLimiter(concurrency.StreamClassStoreRead)
	if err := limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("coordinator: stream %s to client: %w", fileUUID, err)
	}
	defer limiter.Release()

	rc, err := st.Get(key)
	if err != nil {
		return fmt.Errorf("coordinator: stream %s to client: %w", fileUUID, err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("coordinator: stream %s to client: %w", fileUUID, err)
	}

	a.clientWriteMu.Lock()
	defer a.clientWriteMu.Unlock()
	return transport.SendBlob(a.client, fileUUID, key, int64(len(content)), bytes.NewReader(content))
}

func (a *activeEvaluation) recordProducer(fileUUID execid.FileUuid, worker scheduler.WorkerID) {
	a.producedByMu.Lock()
	a.producedBy[fileUUID] = worker
	a.producedByMu.Unlock()
}

func (a *activeEvaluation) producer(fileUUID execid.FileUuid) (scheduler.WorkerID, bool) {
	a.producedByMu.Lock()
	defer a.producedByMu.Unlock()
	id, ok := a.producedBy[fileUUID]
	return id, ok
}

// isProvidedFile reports whether fileUUID names a client-provided input,
// as opposed to an execution output.
func (a *activeEvaluation) isProvidedFile(fileUUID execid.FileUuid) bool {
	_, ok := a.data.ProvidedFiles[fileUUID]
	return ok
}
