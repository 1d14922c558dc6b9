// Package transport implements the authenticated, encrypted, framed
// duplex channel the coordinator, client, and workers speak over:
// length-prefixed CBOR messages for control traffic, and length-prefixed
// raw chunks (terminated by a zero-length frame) for blob transfer.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const maxFrameBytes = 256 * 1024 * 1024

// WriteFrame writes a uint32-little-endian length prefix followed by
// payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. A zero-length frame
// returns (nil, nil), used as the blob-stream end marker.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	if n > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit %d", n, maxFrameBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: read frame payload: %w", err)
	}
	return payload, nil
}
