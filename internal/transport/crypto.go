package transport

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// kdfSalt is fixed rather than random: both peers derive the same key
// from the shared password with no prior handshake to exchange a salt
// over, mirroring remote.rs's derive_key_from_password (a password-only
// scheme, not a full key-exchange protocol — the concrete crypto
// primitive is treated as swappable, beyond pinning one that satisfies
// the channel's authenticated/encrypted requirement).
var kdfSalt = []byte("evaluator-transport-channel-v1")

// DeriveKey stretches password into a 32-byte AEAD key via HKDF-SHA256.
func DeriveKey(password string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(password), kdfSalt, []byte("evaluator-transport"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("transport: derive key: %w", err)
	}
	return key, nil
}

// nonceCounter issues AEAD nonces from a private, monotonically
// incrementing counter rather than random generation: a framed stream has
// a natural total order, so a counter is both simpler and exhaustion-free
// compared to drawing fresh randomness per message.
type nonceCounter struct {
	value uint64
	step  uint64
	size  int
}

func (c *nonceCounter) next() []byte {
	nonce := make([]byte, c.size)
	binary.LittleEndian.PutUint64(nonce, c.value)
	c.value += c.step
	return nonce
}

// EncryptedConn wraps an io.ReadWriter (typically a net.Conn) with
// per-frame ChaCha20-Poly1305 AEAD sealing. The two peers' nonce counters
// are offset (0/2/4/... vs 1/3/5/...) by isInitiator so a write on one
// side and a read on the other always consume matching nonces without
// any out-of-band coordination.
type EncryptedConn struct {
	rw       io.ReadWriter
	aead     cipher.AEAD
	writeCtr nonceCounter
	readCtr  nonceCounter
}

// NewEncryptedConn builds a channel wrapper from a shared key.
func NewEncryptedConn(rw io.ReadWriter, key []byte, isInitiator bool) (*EncryptedConn, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("transport: init aead: %w", err)
	}
	writeStart, readStart := uint64(0), uint64(1)
	if !isInitiator {
		writeStart, readStart = 1, 0
	}
	size := aead.NonceSize()
	return &EncryptedConn{
		rw:       rw,
		aead:     aead,
		writeCtr: nonceCounter{value: writeStart, step: 2, size: size},
		readCtr:  nonceCounter{value: readStart, step: 2, size: size},
	}, nil
}

// WriteMessage seals payload and writes it as one length-prefixed frame.
func (e *EncryptedConn) WriteMessage(payload []byte) error {
	nonce := e.writeCtr.next()
	sealed := e.aead.Seal(nil, nonce, payload, nil)
	return WriteFrame(e.rw, sealed)
}

// Close closes the underlying connection, if it implements io.Closer
// (every real caller wraps a net.Conn; tests may wrap a plain pipe).
func (e *EncryptedConn) Close() error {
	if c, ok := e.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReadMessage reads one frame and opens it. A nil, nil return is the
// stream-end marker (a zero-length frame).
func (e *EncryptedConn) ReadMessage() ([]byte, error) {
	sealed, err := ReadFrame(e.rw)
	if err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, nil
	}
	nonce := e.readCtr.next()
	plain, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: decrypt frame: %w", err)
	}
	return plain, nil
}
