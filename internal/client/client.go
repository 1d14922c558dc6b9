// Package client implements the client-side driver: the half of the
// client/server protocol that submits an ExecutionDAG, answers AskFile
// demand-fetches for provided files, and dispatches server->client
// messages back onto the DAG's callback registries.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/metrics"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

// Client drives one evaluation over one connection. It is single-threaded
// with respect to user callbacks: every DispatchStart/DispatchDone/
// DispatchSkip/DispatchWriteTo/DispatchContent call happens inline on
// Run's receive loop, so a slow callback delays the next message — a
// documented contract, not a bug: the reader goroutine owns dispatch.
type Client struct {
	conn  *transport.EncryptedConn
	dag   *execdag.ExecutionDAG
	store *store.Store
	log   *logger.Logger

	onStatus func(transport.StatusSnapshot)
}

// Connect dials url, authenticates as a client, and returns a Client
// ready to Run dag. st is the client's local content store, used both to
// answer AskFile for a ProvidedFile that has no LocalPath (one with a
// LocalPath is always re-read from disk) and to land subscribed output
// bytes.
func Connect(ctx context.Context, url string, defaultPort uint16, dag *execdag.ExecutionDAG, st *store.Store, log *logger.Logger) (*Client, error) {
	conn, err := transport.Dial(ctx, url, defaultPort)
	if err != nil {
		return nil, err
	}
	auth, err := transport.Encode(transport.KindAuthenticate, transport.Authenticate{Role: "client", ID: logger.NewEvaluationID()})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: send authenticate: %w", err)
	}
	return &Client{conn: conn, dag: dag, store: st, log: log}, nil
}

// OnStatus registers a callback invoked whenever a periodic Status
// message arrives. Status is opaque to the core, so there is no
// registry for it on ExecutionDAG itself.
func (c *Client) OnStatus(cb func(transport.StatusSnapshot)) {
	c.onStatus = cb
}

// Run validates dag, sends Evaluate, and processes server messages until
// Done, Error, or ctx is cancelled. It returns nil only on a clean Done.
func (c *Client) Run(ctx context.Context) error {
	if err := c.dag.Validate(); err != nil {
		return fmt.Errorf("client: dag failed validation before submission: %w", err)
	}

	payload, err := transport.Encode(transport.KindEvaluate, transport.Evaluate{
		Data:      c.dag.Data(),
		Callbacks: *c.dag.Callbacks(),
	})
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(payload); err != nil {
		return fmt.Errorf("client: send evaluate: %w", err)
	}
	c.log.Event(ctx, "evaluate_sent")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := c.conn.ReadMessage()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("client: connection closed before Done")
			}
			return fmt.Errorf("client: read message: %w", err)
		}
		env, err := transport.DecodeEnvelope(raw)
		if err != nil {
			return err
		}

		done, err := c.handle(ctx, env)
		if err != nil {
			metrics.RecordError("client", "protocol")
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *Client) handle(ctx context.Context, env transport.Envelope) (done bool, err error) {
	switch env.Kind {
	case transport.KindAskFile:
		var msg transport.AskFile
		if err := transport.DecodePayload(env, &msg); err != nil {
			return false, err
		}
		return false, c.serveAskFile(ctx, msg.FileUUID)

	case transport.KindProvideFileBegin:
		var begin transport.ProvideFileBegin
		if err := transport.DecodePayload(env, &begin); err != nil {
			return false, err
		}
		return false, c.receiveOutput(ctx, begin)

	case transport.KindNotifyStart:
		var msg transport.NotifyStart
		if err := transport.DecodePayload(env, &msg); err != nil {
			return false, err
		}
		c.dag.DispatchStart(msg.ExecutionUUID, msg.Worker)
		return false, nil

	case transport.KindNotifyDone:
		var msg transport.NotifyDone
		if err := transport.DecodePayload(env, &msg); err != nil {
			return false, err
		}
		c.dag.DispatchDone(msg.ExecutionUUID, &msg.Result)
		return false, nil

	case transport.KindNotifySkip:
		var msg transport.NotifySkip
		if err := transport.DecodePayload(env, &msg); err != nil {
			return false, err
		}
		c.dag.DispatchSkip(msg.ExecutionUUID)
		return false, nil

	case transport.KindStatus:
		var msg transport.Status
		if err := transport.DecodePayload(env, &msg); err != nil {
			return false, err
		}
		if c.onStatus != nil {
			c.onStatus(msg.Snapshot)
		}
		return false, nil

	case transport.KindError:
		var msg transport.Error
		if err := transport.DecodePayload(env, &msg); err != nil {
			return false, err
		}
		return false, fmt.Errorf("client: server reported error: %s", msg.Message)

	case transport.KindDone:
		c.log.Event(ctx, "evaluation_done")
		return true, nil

	default:
		return false, fmt.Errorf("client: unexpected message kind %s", env.Kind)
	}
}

// serveAskFile responds to a coordinator demand-fetch: it looks up the
// ProvidedFile by UUID, opens its LocalPath (or falls back to the local
// store if already cached there), and streams it as a blob.
func (c *Client) serveAskFile(ctx context.Context, fileUUID execid.FileUuid) error {
	pf, ok := c.dag.Data().ProvidedFiles[fileUUID]
	if !ok {
		return fmt.Errorf("client: coordinator asked for unknown provided file %s", fileUUID)
	}

	var r io.ReadCloser
	if pf.LocalPath != "" {
		f, err := os.Open(pf.LocalPath)
		if err != nil {
			return fmt.Errorf("client: provided file %s unavailable at %s: %w", fileUUID, pf.LocalPath, err)
		}
		r = f
	} else {
		rc, err := c.store.Get(pf.Key)
		if err != nil {
			return fmt.Errorf("client: provided file %s unavailable locally: %w", fileUUID, err)
		}
		r = rc
	}
	defer r.Close()

	size, body, err := sizeOf(pf.LocalPath, r)
	if err != nil {
		return err
	}
	return transport.SendBlob(c.conn, fileUUID, pf.Key, size, body)
}

// sizeOf returns the size of the provided file's bytes and the reader to
// stream them from: r itself for a LocalPath, or the buffered copy for
// store content, since buffering drains r.
func sizeOf(localPath string, r io.Reader) (int64, io.Reader, error) {
	if localPath != "" {
		st, err := os.Stat(localPath)
		if err != nil {
			return 0, nil, err
		}
		return st.Size(), r, nil
	}
	// Already-stored content has no cheap stat; buffer it to learn its
	// size (provided files are client inputs, expected to be modest).
	buf, err := io.ReadAll(r)
	if err != nil {
		return 0, nil, err
	}
	return int64(len(buf)), bytes.NewReader(buf), nil
}

// receiveOutput lands a subscribed output's bytes in the local store and
// dispatches WriteTo/GetContent callbacks, in that order, so a file's
// bytes always arrive before any dependent notification.
func (c *Client) receiveOutput(ctx context.Context, begin transport.ProvideFileBegin) error {
	if err := transport.ReceiveBlobBody(ctx, c.conn, c.store, begin); err != nil {
		return fmt.Errorf("client: receive output %s: %w", begin.FileUUID, err)
	}
	c.dag.DispatchWriteTo(begin.FileUUID, begin.Key)

	rc, err := c.store.Get(begin.Key)
	if err != nil {
		return fmt.Errorf("client: re-read output %s after landing: %w", begin.FileUUID, err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("client: re-read output %s after landing: %w", begin.FileUUID, err)
	}
	c.dag.DispatchContent(begin.FileUUID, content)
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
