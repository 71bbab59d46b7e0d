package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealingNone = "none"
	sealingXC20 = "argon2id+xchacha20poly1305"

	metaSealing = "sealing"
	metaSalt    = "kek_salt"
	metaCheck   = "kek_check"

	saltSize     = 16
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4

	checkContext = "keystore-check"
)

var errOpen = errors.New("keystore: sealed value did not verify")

// sealer protects record values at rest. A nil sealer stores values as is.
type sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

func newSealer(passphrase string, salt []byte) (*sealer, error) {
	kek := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead, rand: rand.Reader}, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// additionalData binds a sealed value to the chat and kind it was written
// for, so rows cannot be swapped.
func additionalData(chatID string, kind Kind) []byte {
	return []byte(chatID + "|" + string(kind))
}

func (s *sealer) seal(plaintext, ad []byte) ([]byte, error) {
	if s == nil {
		return append([]byte(nil), plaintext...), nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

func (s *sealer) open(sealed, ad []byte) ([]byte, error) {
	if s == nil {
		return sealed, nil
	}
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, errOpen
	}
	out, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], ad)
	if err != nil {
		return nil, errOpen
	}
	return out, nil
}
