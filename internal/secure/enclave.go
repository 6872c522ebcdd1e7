package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a destroyed buffer is opened.
var ErrDestroyed = errors.New("secure buffer destroyed")

// Buffer stores one secret inside a memguard enclave. The plaintext is only
// materialized inside Open/WithBytes windows.
type Buffer struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	size      int
	destroyed bool
}

// NewBuffer copies data into a protected enclave. The caller should zero its
// own copy afterwards.
func NewBuffer(data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, errors.New("secure buffer requires non-empty data")
	}
	return &Buffer{
		enclave: memguard.NewEnclave(data),
		size:    len(data),
	}, nil
}

// Size returns the secret length in bytes without decrypting it.
func (b *Buffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Open decrypts the secret into a locked buffer. The caller must call
// Destroy on the returned buffer when done; prefer WithBytes which handles
// that.
func (b *Buffer) Open() (*memguard.LockedBuffer, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return nil, ErrDestroyed
	}
	locked, err := b.enclave.Open()
	if err != nil {
		return nil, err
	}
	return locked, nil
}

// WithBytes runs fn over the decrypted secret and wipes the plaintext
// before returning. fn must not retain the slice.
func (b *Buffer) WithBytes(fn func([]byte) error) error {
	locked, err := b.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()
	return fn(locked.Bytes())
}

// Destroy drops the enclave. Idempotent; subsequent opens fail with
// ErrDestroyed.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}
	b.enclave = nil
	b.destroyed = true
}
