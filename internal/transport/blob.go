package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/taskexec/evaluator/internal/execid"
	"github.com/taskexec/evaluator/internal/metrics"
	"github.com/taskexec/evaluator/internal/store"
)

// blobChunkBytes is the size of each raw chunk in a blob stream. It is
// independent of maxFrameBytes, which only bounds a single frame.
const blobChunkBytes = 1 << 20 // 1 MiB

// SendBlob announces fileUUID/key/size via a ProvideFileBegin control
// message, then streams r as a sequence of raw (unencrypted-at-this-layer,
// since EncryptedConn already seals every frame) chunks terminated by a
// zero-length frame.
func SendBlob(ec *EncryptedConn, fileUUID execid.FileUuid, key store.FileStoreKey, size int64, r io.Reader) error {
	begin, err := Encode(KindProvideFileBegin, ProvideFileBegin{FileUUID: fileUUID, Key: key, Size: size})
	if err != nil {
		return err
	}
	if err := ec.WriteMessage(begin); err != nil {
		return fmt.Errorf("transport: send blob header: %w", err)
	}

	buf := make([]byte, blobChunkBytes)
	var sent int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := ec.WriteMessage(buf[:n]); err != nil {
				return fmt.Errorf("transport: send blob chunk: %w", err)
			}
			sent += int64(n)
			metrics.RecordBytesTransferred("send", "blob", int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("transport: read blob body: %w", readErr)
		}
	}
	if sent != size {
		return fmt.Errorf("transport: blob body was %d bytes, announced size was %d", sent, size)
	}
	return ec.WriteMessage(nil)
}

// ReceiveBlobInto reads a raw chunk stream (as written by SendBlob) and
// writes it to w, stopping at the zero-length terminator frame. The
// caller has already decoded the preceding ProvideFileBegin header.
func ReceiveBlobInto(ec *EncryptedConn, w io.Writer) (int64, error) {
	var received int64
	for {
		chunk, err := ec.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("transport: read blob chunk: %w", err)
		}
		if chunk == nil {
			return received, nil
		}
		n, err := w.Write(chunk)
		if err != nil {
			return received, fmt.Errorf("transport: write blob chunk: %w", err)
		}
		received += int64(n)
		metrics.RecordBytesTransferred("receive", "blob", int64(n))
	}
}

// ReceiveBlobToStore reads a ProvideFileBegin header off ec followed by
// its chunk stream, storing the bytes and verifying the computed key
// matches the one the header announced.
func ReceiveBlobToStore(ctx context.Context, ec *EncryptedConn, st *store.Store) (ProvideFileBegin, error) {
	raw, err := ec.ReadMessage()
	if err != nil {
		return ProvideFileBegin{}, fmt.Errorf("transport: read blob header: %w", err)
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return ProvideFileBegin{}, err
	}
	if env.Kind != KindProvideFileBegin {
		return ProvideFileBegin{}, fmt.Errorf("transport: expected ProvideFileBegin, got %s", env.Kind)
	}
	var begin ProvideFileBegin
	if err := DecodePayload(env, &begin); err != nil {
		return ProvideFileBegin{}, err
	}

	if err := ReceiveBlobBody(ctx, ec, st, begin); err != nil {
		return begin, err
	}
	return begin, nil
}

// ReceiveBlobBody streams and stores the chunk body following a
// ProvideFileBegin the caller has already read and decoded off ec (e.g.
// because a generic dispatch loop decoded the envelope to learn its Kind
// before routing to the blob-specific handler). It verifies the computed
// key matches begin.Key.
func ReceiveBlobBody(ctx context.Context, ec *EncryptedConn, st *store.Store, begin ProvideFileBegin) error {
	pr, pw := io.Pipe()
	putErrCh := make(chan error, 1)
	var gotKey store.FileStoreKey
	go func() {
		k, err := st.Put(ctx, pr)
		gotKey = k
		putErrCh <- err
	}()

	_, recvErr := ReceiveBlobInto(ec, pw)
	pw.CloseWithError(recvErr)
	if putErr := <-putErrCh; putErr != nil {
		return putErr
	}
	if recvErr != nil {
		return recvErr
	}
	if gotKey != begin.Key {
		return fmt.Errorf("transport: received blob key %s does not match announced key %s", gotKey, begin.Key)
	}
	return nil
}
