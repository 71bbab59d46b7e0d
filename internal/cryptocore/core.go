package cryptocore

import (
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"sync"
)

var (
	randMu        sync.RWMutex
	randomnessSrc io.Reader = randReader{}
)

// randReader wraps crypto/rand.Reader but keeps the type unexported so tests can
// substitute deterministic sources.
type randReader struct{}

func (randReader) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// UseDeterministicRandom swaps the randomness source for deterministic testing
// and returns a restore function that must be called when the test completes.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randomnessSrc
	randomnessSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randomnessSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randomnessSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// Curve is the named curve every key pair lives on.
func Curve() ecdh.Curve { return ecdh.P256() }

// maxScalarAttempts bounds rejection sampling; a P-256 scalar drawn from 32
// random bytes is rejected with probability below 2^-32.
const maxScalarAttempts = 16

// GenerateKeyPair produces a fresh P-256 key pair usable only for key
// agreement. The scalar is read from the package randomness source so tests
// can pin it.
func GenerateKeyPair() (*KeyPair, error) {
	scalar := make([]byte, 32)
	for i := 0; i < maxScalarAttempts; i++ {
		if err := readRandom(scalar); err != nil {
			return nil, err
		}
		priv, err := Curve().NewPrivateKey(scalar)
		if err != nil {
			continue
		}
		return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
	}
	return nil, ErrKeyGeneration
}

var _ io.Reader = randReader{}
