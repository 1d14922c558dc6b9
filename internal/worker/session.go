// Package worker implements the worker session: a persistent,
// authenticated connection to the coordinator that receives one
// Execution at a time, materializes its inputs from a local content
// store (asking the coordinator for any input not already stored there),
// hands it to a Sandbox, and reports a WorkerResult with the keys of
// every output it produced.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/metrics"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/transport"
)

// Session is one worker's connection to the coordinator. A worker is
// assigned at most one execution at a time; Session's Run loop enforces
// this simply by being single-threaded — it never reads
// the next message until the current WorkOn has been fully answered.
type Session struct {
	conn    *transport.EncryptedConn
	store   *store.Store
	sandbox Sandbox
	log     *logger.Logger
	id      string
	baseDir string

	// served indexes every output File this session has reported in a
	// WorkerResult by its FileUuid, so a subsequent AskFile from the
	// coordinator (asking for bytes it turned out to still be missing)
	// can be answered without re-running anything.
	served map[execid.FileUuid]store.FileStoreKey
}

// Connect dials the coordinator and authenticates as a worker identified
// by id (the value the coordinator's worker table will key dispatch
// decisions by).
func Connect(ctx context.Context, url string, defaultPort uint16, id string, st *store.Store, sandbox Sandbox, baseDir string, log *logger.Logger) (*Session, error) {
	conn, err := transport.Dial(ctx, url, defaultPort)
	if err != nil {
		return nil, err
	}
	auth, err := transport.Encode(transport.KindAuthenticate, transport.Authenticate{Role: "worker", ID: id})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(auth); err != nil {
		conn.Close()
		return nil, fmt.Errorf("worker: send authenticate: %w", err)
	}
	return &Session{
		conn:    conn,
		store:   st,
		sandbox: sandbox,
		log:     log,
		id:      id,
		baseDir: baseDir,
		served:  make(map[execid.FileUuid]store.FileStoreKey),
	}, nil
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run processes coordinator messages until the connection closes or ctx
// is cancelled. Cancelling ctx closes the connection and is propagated
// into whatever execution is in flight. A coordinator disconnect does not
// cancel ctx: it is noticed at the next read, which happens only after
// the in-flight execution has finished.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: read message: %w", err)
		}
		env, err := transport.DecodeEnvelope(raw)
		if err != nil {
			return err
		}

		switch env.Kind {
		case transport.KindWorkOn:
			if err := s.handleWorkOn(ctx, env); err != nil {
				metrics.RecordError("worker", "execution")
				s.log.Error(ctx, "worker: execution handling failed", err)
			}

		case transport.KindAskFile:
			var ask transport.AskFile
			if err := transport.DecodePayload(env, &ask); err != nil {
				return err
			}
			if err := s.serveAskFile(ask.FileUUID); err != nil {
				return err
			}

		case transport.KindProvideFileBegin:
			var begin transport.ProvideFileBegin
			if err := transport.DecodePayload(env, &begin); err != nil {
				return err
			}
			if err := transport.ReceiveBlobBody(ctx, s.conn, s.store, begin); err != nil {
				return err
			}

		case transport.KindError:
			var msg transport.Error
			if err := transport.DecodePayload(env, &msg); err != nil {
				return err
			}
			return fmt.Errorf("worker: coordinator reported error: %s", msg.Message)

		case transport.KindDone:
			return nil

		default:
			return fmt.Errorf("worker: unexpected message kind %s", env.Kind)
		}
	}
}

func (s *Session) handleWorkOn(ctx context.Context, env transport.Envelope) error {
	var wo transport.WorkOn
	if err := transport.DecodePayload(env, &wo); err != nil {
		return err
	}
	exec := &wo.Execution

	result, outputKeys, err := s.runOne(ctx, exec, wo.InputKeys)
	if err != nil {
		result = &execdag.WorkerResult{ExecutionUUID: exec.UUID, Status: execdag.StatusInternalError, Error: err.Error()}
		outputKeys = nil
	} else {
		s.recordServedOutputs(exec, outputKeys)
	}

	payload, err := transport.Encode(transport.KindWorkerResult, transport.WorkerResultMsg{Result: *result, OutputKeys: outputKeys})
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(payload)
}

// runOne materializes exec's inputs, hands it to the sandbox, and collects
// the store keys of whatever it produced. A returned error means the
// execution never ran (e.g. an input could not be fetched); the caller
// turns that into a failed WorkerResult rather than propagating it as a
// connection-level error, since a missing provided file should fail the
// evaluation, not tear down the connection.
func (s *Session) runOne(ctx context.Context, exec *execdag.Execution, inputKeys map[string]store.FileStoreKey) (*execdag.WorkerResult, map[string]store.FileStoreKey, error) {
	workDir, err := os.MkdirTemp(s.baseDir, "evaluator-exec-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := s.materializeInputs(ctx, exec, inputKeys, workDir); err != nil {
		return nil, nil, err
	}

	result := s.sandbox.Run(ctx, exec, workDir)

	outputKeys, err := s.collectOutputs(ctx, exec, workDir)
	if err != nil {
		return nil, nil, fmt.Errorf("collect outputs: %w", err)
	}
	return result, outputKeys, nil
}

func (s *Session) materializeInputs(ctx context.Context, exec *execdag.Execution, inputKeys map[string]store.FileStoreKey, workDir string) error {
	for name, f := range exec.Inputs {
		key, ok := inputKeys[name]
		if !ok {
			return fmt.Errorf("no input key announced for %q", name)
		}
		if err := s.ensureLocal(ctx, f.UUID, key); err != nil {
			return err
		}
		if err := s.writeFromStore(key, filepath.Join(workDir, name), f.Executable); err != nil {
			return err
		}
	}
	if exec.Stdin != nil {
		key, ok := inputKeys[stdinKey]
		if !ok {
			return fmt.Errorf("no input key announced for stdin")
		}
		if err := s.ensureLocal(ctx, exec.Stdin.UUID, key); err != nil {
			return err
		}
		if err := s.writeFromStore(key, filepath.Join(workDir, stdinFileName), false); err != nil {
			return err
		}
	}
	return nil
}

// ensureLocal demand-fetches key from the coordinator if it isn't already
// in the local store. The coordinator does not push inputs ahead of
// WorkOn (its EnsureFileAvailable only fills the coordinator's own
// store), so this is how every input missing locally reaches the worker.
func (s *Session) ensureLocal(ctx context.Context, fileUUID execid.FileUuid, key store.FileStoreKey) error {
	if ok, _ := s.store.Contains(key); ok {
		return nil
	}

	ask, err := transport.Encode(transport.KindAskFile, transport.AskFile{FileUUID: fileUUID})
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(ask); err != nil {
		return fmt.Errorf("worker: ask coordinator for %s: %w", fileUUID, err)
	}

	raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("worker: read response to AskFile: %w", err)
	}
	env, err := transport.DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	if env.Kind != transport.KindProvideFileBegin {
		return fmt.Errorf("worker: expected ProvideFileBegin for %s, got %s", fileUUID, env.Kind)
	}
	var begin transport.ProvideFileBegin
	if err := transport.DecodePayload(env, &begin); err != nil {
		return err
	}
	return transport.ReceiveBlobBody(ctx, s.conn, s.store, begin)
}

func (s *Session) writeFromStore(key store.FileStoreKey, dest string, executable bool) error {
	rc, err := s.store.Get(key)
	if err != nil {
		return fmt.Errorf("read %s from local store: %w", key, err)
	}
	defer rc.Close()

	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, rc)
	return err
}

// collectOutputs stores every output file the execution actually
// produced. A declared output that never materialized (the common shape
// of a failed execution) is skipped rather than treated as an error —
// the WorkerResult's Status/Error fields already carry that signal.
func (s *Session) collectOutputs(ctx context.Context, exec *execdag.Execution, workDir string) (map[string]store.FileStoreKey, error) {
	keys := make(map[string]store.FileStoreKey)
	for name := range exec.Outputs {
		key, err := s.store.PutPath(ctx, filepath.Join(workDir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys[name] = key
	}
	if exec.Stdout != nil {
		key, err := s.store.PutPath(ctx, filepath.Join(workDir, stdoutFileName))
		switch {
		case err == nil:
			keys[stdoutKey] = key
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}
	if exec.Stderr != nil {
		key, err := s.store.PutPath(ctx, filepath.Join(workDir, stderrFileName))
		switch {
		case err == nil:
			keys[stderrKey] = key
		case !errors.Is(err, fs.ErrNotExist):
			return nil, err
		}
	}
	return keys, nil
}

// recordServedOutputs indexes exec's produced outputs by FileUuid so a
// later AskFile for one of them (the coordinator turned out to still
// lack it) can be served from serveAskFile.
func (s *Session) recordServedOutputs(exec *execdag.Execution, outputKeys map[string]store.FileStoreKey) {
	for name, f := range exec.Outputs {
		if key, ok := outputKeys[name]; ok {
			s.served[f.UUID] = key
		}
	}
	if exec.Stdout != nil {
		if key, ok := outputKeys[stdoutKey]; ok {
			s.served[exec.Stdout.UUID] = key
		}
	}
	if exec.Stderr != nil {
		if key, ok := outputKeys[stderrKey]; ok {
			s.served[exec.Stderr.UUID] = key
		}
	}
}

// serveAskFile answers a coordinator demand-fetch for an output this
// worker produced and is known to still have in its local store.
func (s *Session) serveAskFile(fileUUID execid.FileUuid) error {
	key, ok := s.served[fileUUID]
	if !ok {
		return fmt.Errorf("worker: coordinator asked for unknown output %s", fileUUID)
	}
	rc, err := s.store.Get(key)
	if err != nil {
		return fmt.Errorf("worker: serve %s: %w", fileUUID, err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("worker: serve %s: %w", fileUUID, err)
	}
	return transport.SendBlob(s.conn, fileUUID, key, int64(len(content)), bytes.NewReader(content))
}
