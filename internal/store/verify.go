package store

import (
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/taskexec/evaluator/internal/metrics"
)

// verifyingReader rehashes a blob's bytes as a Get caller streams them and
// compares the digest against the key the caller asked for, so corruption
// that lands between writes (disk bitrot, an out-of-band edit fsnotify
// hasn't caught yet) surfaces to the reader rather than silently handing
// back wrong bytes. Verification only happens once the stream has been
// read to EOF — a caller that Closes early without consuming everything
// gets no corruption check, the same way a partial read of any stream
// can't validate bytes it never saw.
type verifyingReader struct {
	f    *os.File
	tee  io.Reader
	h    hash.Hash
	key  FileStoreKey
	path string
	s    *Store

	verified bool
}

func newVerifyingReader(s *Store, f *os.File, path string, key FileStoreKey) (*verifyingReader, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &verifyingReader{
		f:    f,
		h:    h,
		tee:  io.TeeReader(f, h),
		key:  key,
		path: path,
		s:    s,
	}, nil
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.tee.Read(p)
	if err == io.EOF {
		if verr := v.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

// verify compares the accumulated digest against v.key the first time EOF
// is reached, evicting the entry on mismatch so a later Get doesn't hand
// the same corrupt bytes out again.
func (v *verifyingReader) verify() error {
	if v.verified {
		return nil
	}
	v.verified = true

	var actual FileStoreKey
	copy(actual[:], v.h.Sum(nil))
	if actual == v.key {
		return nil
	}

	err := corruptionErr(v.key, actual)
	v.s.log.Error("store detected content corruption on read", "error", err)
	if ferr := v.s.ledger.forget(v.key); ferr != nil {
		v.s.log.Error("store forget after corruption failed", "key", v.key.String(), "error", ferr)
	}
	os.Remove(v.path)
	metrics.RecordStoreCacheMiss()
	return err
}

func (v *verifyingReader) Close() error {
	return v.f.Close()
}
