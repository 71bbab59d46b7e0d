package cryptocore

import (
	"crypto/ecdh"
	"crypto/subtle"
)

// KeyForm selects a transportable key encoding.
type KeyForm int

const (
	// FormPublic is a PKIX (SubjectPublicKeyInfo) DER public key.
	FormPublic KeyForm = iota + 1
	// FormPrivate is a PKCS#8 DER private key.
	FormPrivate
	// FormRaw is the raw bytes of a symmetric key.
	FormRaw
)

func (f KeyForm) String() string {
	switch f {
	case FormPublic:
		return "spki"
	case FormPrivate:
		return "pkcs8"
	case FormRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// KeyPair is a single-use key agreement pair.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// SymmetricKeySize is the length of a derived channel key (AES-256).
const SymmetricKeySize = 32

// NonceSize is the AES-GCM nonce length in bytes.
const NonceSize = 12

// SymmetricKey is the shared secret of an established chat.
type SymmetricKey struct {
	b [SymmetricKeySize]byte
}

// Bytes returns a copy of the raw key.
func (k SymmetricKey) Bytes() []byte {
	out := make([]byte, SymmetricKeySize)
	copy(out, k.b[:])
	return out
}

// Equal compares keys in constant time.
func (k SymmetricKey) Equal(other SymmetricKey) bool {
	return subtle.ConstantTimeCompare(k.b[:], other.b[:]) == 1
}

// IsZero reports whether the key was never set.
func (k SymmetricKey) IsZero() bool {
	return k.Equal(SymmetricKey{})
}

// Sealed is the output of Encrypt.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}
