package coordinator_test

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskexec/evaluator/internal/client"
	"github.com/taskexec/evaluator/internal/coordinator"
	"github.com/taskexec/evaluator/internal/execdag"
	"github.com/taskexec/evaluator/internal/logger"
	"github.com/taskexec/evaluator/internal/store"
	"github.com/taskexec/evaluator/internal/worker"
)

const testPassword = "integration-test-password"

func startServer(t *testing.T) (addr string, st *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := coordinator.New(st, logger.New(io.Discard, logger.ComponentCoordinator), testPassword, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); ln.Close() })

	go srv.Serve(ctx, ln)

	return ln.Addr().String(), st
}

func startWorker(t *testing.T, ctx context.Context, addr, id string) *worker.Session {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sess, err := worker.Connect(ctx, "tcp://"+testPassword+"@"+addr, 0, id, st, worker.NewProcessSandbox(), t.TempDir(), logger.New(io.Discard, logger.ComponentWorker))
	require.NoError(t, err)
	return sess
}

// TestServer_SingleExecutionEndToEnd wires one client and one worker
// through a real Server over a real TCP loopback listener: a one-file
// DAG (cp in.txt out.txt) should run to completion and the client's
// subscribed output content callback should observe the copied bytes.
func TestServer_SingleExecutionEndToEnd(t *testing.T) {
	addr, clientStore := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := startWorker(t, ctx, addr, "worker-1")
	workerDone := make(chan error, 1)
	go func() { workerDone <- sess.Run(ctx) }()

	tmpDir := t.TempDir()
	inPath := filepath.Join(tmpDir, "in.txt")
	require.NoError(t, os.WriteFile(inPath, []byte("payload"), 0o644))
	inKey := store.HashBytes([]byte("payload"))

	dag := execdag.NewExecutionDAG()
	inFile := execdag.NewFile("in")
	require.NoError(t, dag.AddProvidedFile(inFile, inKey, inPath))

	outFile := execdag.NewFile("out")
	e := execdag.NewExecution(execdag.RunCommand, "cp", "in.txt", "out.txt")
	e.Input("in.txt", inFile)
	e.Output("out.txt", outFile)

	var mu sync.Mutex
	var doneResult *execdag.WorkerResult
	wrapper, err := dag.AddExecution(e)
	require.NoError(t, err)
	wrapper.OnDone(func(result *execdag.WorkerResult) {
		mu.Lock()
		doneResult = result
		mu.Unlock()
	})

	var content []byte
	dag.GetFileContent(outFile, 64, func(b []byte) {
		mu.Lock()
		content = append([]byte(nil), b...)
		mu.Unlock()
	})

	c, err := client.Connect(ctx, "tcp://"+testPassword+"@"+addr, 0, dag, clientStore, logger.New(io.Discard, logger.ComponentClient))
	require.NoError(t, err)

	require.NoError(t, c.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, doneResult)
	require.True(t, doneResult.Status.Succeeded(), doneResult.Error)
	require.Equal(t, "payload", string(content))

	cancel()
	<-workerDone
}
