package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const hkdfInfoChannel = "securechat/channel/v1"

// DeriveSecret runs ECDH between priv and peer and expands the result with
// HKDF-SHA256 into an AES-256-GCM key. DeriveSecret(a, B) == DeriveSecret(b, A).
func DeriveSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (SymmetricKey, error) {
	var key SymmetricKey
	if priv == nil || peer == nil {
		return key, ErrMalformedKey
	}
	if priv.Curve() != Curve() || peer.Curve() != Curve() {
		return key, ErrMalformedKey
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return key, ErrMalformedKey
	}
	kdf := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoChannel))
	if _, err := io.ReadFull(kdf, key.b[:]); err != nil {
		return SymmetricKey{}, err
	}
	return key, nil
}

// Encrypt seals plaintext under key with a fresh random 96-bit nonce.
func Encrypt(key SymmetricKey, plaintext []byte) (Sealed, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, NonceSize)
	if err := readRandom(nonce); err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens ciphertext. Any failure, including a wrong-sized nonce,
// is reported as ErrAuthenticationFailure.
func Decrypt(key SymmetricKey, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrAuthenticationFailure
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

func newAEAD(key SymmetricKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.b[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
