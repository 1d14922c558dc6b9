// Package coordinator implements the server side of the client/worker
// protocol: it accepts both client and worker connections on one
// listener, demultiplexing by the role each peer announces in its
// Authenticate message, and wires internal/scheduler's Actions interface
// to real internal/transport I/O and an internal/store.Store shared by
// every evaluation this process runs.
//
// Multi-client fairness beyond FIFO is out of scope: a Server drives one
// evaluation at a time, and a second client's Evaluate while one is
// already running is rejected with an Error, not queued.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/taskexec/evaluator/internal/concurrency"
	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/metrics"
	"github.com/taskexec/evaluator/internal/scheduler"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

// Server binds scheduler.Actions to real network and store operations
// for every evaluation it runs.
type Server struct {
	store    *store.Store
	log      *logger.Logger
	password string
	limiters *concurrency.RateLimiterManager

	mu      sync.Mutex
	workers map[scheduler.WorkerID]*workerHandle
	active  *activeEvaluation
}

// New builds a Server backed by st, which every evaluation the server
// runs shares as its coordinator-side content-addressed store. limits
// bounds how many blob transfers of each class (store read, store write,
// worker transfer) may run concurrently; a nil map falls back to a
// generous per-class default.
func New(st *store.Store, log *logger.Logger, password string, limits map[concurrency.StreamClass]int) *Server {
	return &Server{
		store:    st,
		log:      log,
		password: password,
		limiters: concurrency.NewRateLimiterManager(limits),
		workers:  make(map[scheduler.WorkerID]*workerHandle),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("coordinator: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	ec, err := transport.Accept(raw, s.password)
	if err != nil {
		s.log.Warn(ctx, "coordinator: reject connection", "error", err.Error())
		raw.Close()
		return
	}

	env, err := readEnvelope(ec)
	if err != nil {
		s.log.Warn(ctx, "coordinator: connection closed before authenticate", "error", err.Error())
		ec.Close()
		return
	}
	if env.Kind != transport.KindAuthenticate {
		s.log.Warn(ctx, "coordinator: first message was not Authenticate", "kind", env.Kind.String())
		ec.Close()
		return
	}
	var auth transport.Authenticate
	if err := transport.DecodePayload(env, &auth); err != nil {
		ec.Close()
		return
	}

	switch auth.Role {
	case "worker":
		s.serveWorker(ctx, ec, scheduler.WorkerID(auth.ID))
	case "client":
		s.serveClient(ctx, ec, auth.ID)
	default:
		s.log.Warn(ctx, "coordinator: unknown role", "role", auth.Role)
		ec.Close()
	}
}

func readEnvelope(ec *transport.EncryptedConn) (transport.Envelope, error) {
	raw, err := ec.ReadMessage()
	if err != nil {
		return transport.Envelope{}, err
	}
	return transport.DecodeEnvelope(raw)
}

// serveClient reads the single Evaluate message a client connection ever
// carries, validates it, runs it to completion (or rejects it if another
// evaluation is already active), and closes the connection once the
// evaluation reaches Done.
func (s *Server) serveClient(ctx context.Context, ec *transport.EncryptedConn, clientID string) {
	defer ec.Close()
	log := s.log.WithEvaluation(clientID)

	env, err := readEnvelope(ec)
	if err != nil {
		log.Warn(ctx, "coordinator: client closed before Evaluate", "error", err.Error())
		return
	}
	if env.Kind != transport.KindEvaluate {
		s.sendError(ec, fmt.Sprintf("expected Evaluate, got %s", env.Kind))
		return
	}
	var msg transport.Evaluate
	if err := transport.DecodePayload(env, &msg); err != nil {
		s.sendError(ec, err.Error())
		return
	}

	if err := execdag.Validate(&msg.Data); err != nil {
		metrics.RecordError("coordinator", "validation")
		s.sendError(ec, err.Error())
		return
	}
	if err := execdag.ValidateCallbacks(&msg.Data, &msg.Callbacks); err != nil {
		metrics.RecordError("coordinator", "validation")
		s.sendError(ec, err.Error())
		return
	}

	active := &activeEvaluation{
		data:       msg.Data,
		client:     ec,
		pending:    make(map[execid.FileUuid]chan error),
		producedBy: make(map[execid.FileUuid]scheduler.WorkerID),
	}
	actions := &boundActions{server: s, active: active}
	ev := scheduler.New(msg.Data, msg.Callbacks, actions, s.store, log)
	active.ev = ev

	// active (with ev already set) is published and every already-joined
	// worker is announced atomically, so no worker goroutine can ever
	// observe an active evaluation whose ev field is still nil.
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.sendError(ec, "another evaluation is already running")
		return
	}
	s.active = active
	for id := range s.workers {
		ev.PushEvent(scheduler.Event{Kind: scheduler.EventWorkerJoined, WorkerID: id})
	}
	s.mu.Unlock()
	defer s.endEvaluation()

	// evalCtx is cancelled the moment the client connection drops, so
	// Run (and any in-flight askClientForFile) stops waiting on a peer
	// that is never coming back rather than blocking until process
	// shutdown.
	evalCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	active.ctx = evalCtx

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		active.clientReadLoop(evalCtx, s.store, s.limiters, log)
		cancel()
	}()

	spanCtx, span := metrics.StartSpan(evalCtx, "coordinator.evaluation", attribute.String("client_id", clientID))
	if err := ev.Run(spanCtx); err != nil {
		metrics.RecordSpanError(spanCtx, err)
		log.Error(ctx, "coordinator: evaluation ended with error", err)
	}
	span.End()
	ec.Close()
	<-readDone
}

func (s *Server) sendError(ec *transport.EncryptedConn, message string) {
	payload, err := transport.Encode(transport.KindError, transport.Error{Message: message})
	if err != nil {
		return
	}
	ec.WriteMessage(payload)
}

func (s *Server) endEvaluation() {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}

// serveWorker registers a long-lived worker connection and runs its read
// loop until disconnect, forwarding results and demand-fetch requests to
// whichever evaluation is currently active.
func (s *Server) serveWorker(ctx context.Context, ec *transport.EncryptedConn, id scheduler.WorkerID) {
	defer ec.Close()
	wh := &workerHandle{id: id, conn: ec, pending: make(map[execid.FileUuid]chan error)}

	s.mu.Lock()
	s.workers[id] = wh
	if s.active != nil {
		s.active.ev.PushEvent(scheduler.Event{Kind: scheduler.EventWorkerJoined, WorkerID: id})
	}
	s.mu.Unlock()

	s.log.Event(ctx, "worker_connected", "worker", string(id))

	err := wh.readLoop(ctx, s)
	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Warn(ctx, "coordinator: worker connection ended", "worker", string(id), "error", err.Error())
	}

	s.mu.Lock()
	delete(s.workers, id)
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.ev.PushEvent(scheduler.Event{Kind: scheduler.EventWorkerGone, WorkerID: id})
	}
	s.log.Event(ctx, "worker_disconnected", "worker", string(id))
}
