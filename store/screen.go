package store

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// Domain prefix keeps the screen hashes distinct from any other use of
// SHA-256 over record keys.
const (
	screenDomain     = 0xA2
	screenBitsPerKey = 10
	screenHashes     = 7
)

// Screen is a bloom filter over record keys. It answers "definitely not
// seen" without a database round trip; a positive answer is only a maybe
// and the caller confirms against the records. Safe for concurrent use.
type Screen struct {
	mu    sync.RWMutex
	bits  []byte
	mBits uint64
	n     uint64
}

// NewScreen sizes the filter for the expected number of keys. At ten bits
// per key with seven probes the false positive rate stays below one
// percent until the capacity is exceeded.
func NewScreen(capacity int) *Screen {
	if capacity < 1 {
		capacity = 1
	}
	mBits := uint64(capacity) * screenBitsPerKey
	return &Screen{
		bits:  make([]byte, (mBits+7)/8),
		mBits: mBits,
	}
}

// Add records a key.
func (s *Screen) Add(key string) {
	h1, h2 := screenHashPair(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint64(0); i < screenHashes; i++ {
		j := (h1 + i*h2) % s.mBits
		s.bits[j>>3] |= 1 << (j & 7)
	}
	s.n++
}

// MaybeContains reports false when the key has definitely never been
// added, true when it may have been.
func (s *Screen) MaybeContains(key string) bool {
	h1, h2 := screenHashPair(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := uint64(0); i < screenHashes; i++ {
		j := (h1 + i*h2) % s.mBits
		if s.bits[j>>3]&(1<<(j&7)) == 0 {
			return false
		}
	}
	return true
}

// Len returns the number of keys added.
func (s *Screen) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.n
}

func screenHashPair(key string) (h1, h2 uint64) {
	// SHA-256( 0xA2 || key ), split into two independent probes.
	h := sha256.New()
	h.Write([]byte{screenDomain})
	h.Write([]byte(key))
	sum := h.Sum(nil)

	h1 = binary.BigEndian.Uint64(sum[0:8])
	h2 = binary.BigEndian.Uint64(sum[8:16])
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}
