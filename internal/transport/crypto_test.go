package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// loopback pairs two in-memory pipes so writes on one side are readable
// on the other, modeling the two ends of a net.Conn.
type loopback struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (l loopback) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l loopback) Write(p []byte) (int, error) { return l.w.Write(p) }

func newLoopbackPair() (io.ReadWriter, io.ReadWriter) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return loopback{r: ar, w: aw}, loopback{r: br, w: bw}
}

func TestEncryptedConn_RoundTrip(t *testing.T) {
	key, err := DeriveKey("correct horse battery staple")
	require.NoError(t, err)

	sideA, sideB := newLoopbackPair()
	initiator, err := NewEncryptedConn(sideA, key, true)
	require.NoError(t, err)
	acceptor, err := NewEncryptedConn(sideB, key, false)
	require.NoError(t, err)

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		require.NoError(t, initiator.WriteMessage([]byte("ping")))
	}()
	msg, err := acceptor.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), msg)
	<-pingDone

	pongDone := make(chan struct{})
	go func() {
		defer close(pongDone)
		require.NoError(t, acceptor.WriteMessage([]byte("pong")))
	}()
	msg, err = initiator.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), msg)
	<-pongDone
}

func TestEncryptedConn_WrongPasswordFailsToDecrypt(t *testing.T) {
	keyA, err := DeriveKey("password-one")
	require.NoError(t, err)
	keyB, err := DeriveKey("password-two")
	require.NoError(t, err)

	sideA, sideB := newLoopbackPair()
	initiator, err := NewEncryptedConn(sideA, keyA, true)
	require.NoError(t, err)
	acceptor, err := NewEncryptedConn(sideB, keyB, false)
	require.NoError(t, err)

	go func() { _ = initiator.WriteMessage([]byte("secret")) }()
	_, err = acceptor.ReadMessage()
	require.Error(t, err)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	k1, err := DeriveKey("same password")
	require.NoError(t, err)
	k2, err := DeriveKey("same password")
	require.NoError(t, err)
	require.True(t, bytes.Equal(k1, k2))
}
