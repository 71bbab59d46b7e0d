package cryptocore

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// Export serializes a key. Public keys accept FormPublic, private keys
// FormPrivate and symmetric keys FormRaw.
func Export(key any, form KeyForm) ([]byte, error) {
	switch form {
	case FormPublic:
		pub, ok := key.(*ecdh.PublicKey)
		if !ok || pub == nil {
			return nil, fmt.Errorf("%w: %s needs a public key, got %T", ErrUnsupportedForm, form, key)
		}
		return x509.MarshalPKIXPublicKey(pub)
	case FormPrivate:
		priv, ok := key.(*ecdh.PrivateKey)
		if !ok || priv == nil {
			return nil, fmt.Errorf("%w: %s needs a private key, got %T", ErrUnsupportedForm, form, key)
		}
		return x509.MarshalPKCS8PrivateKey(priv)
	case FormRaw:
		switch k := key.(type) {
		case SymmetricKey:
			return k.Bytes(), nil
		case *SymmetricKey:
			if k == nil {
				break
			}
			return k.Bytes(), nil
		}
		return nil, fmt.Errorf("%w: %s needs a symmetric key, got %T", ErrUnsupportedForm, form, key)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedForm, form)
	}
}

// Import is the inverse of Export. It returns *ecdh.PublicKey,
// *ecdh.PrivateKey or SymmetricKey depending on form.
func Import(b []byte, form KeyForm) (any, error) {
	switch form {
	case FormPublic:
		return ImportPublicKey(b)
	case FormPrivate:
		return ImportPrivateKey(b)
	case FormRaw:
		return ImportSymmetricKey(b)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedForm, form)
	}
}

// ExportPublicKey returns the PKIX DER encoding of pub.
func ExportPublicKey(pub *ecdh.PublicKey) ([]byte, error) {
	return Export(pub, FormPublic)
}

// ExportPrivateKey returns the PKCS#8 DER encoding of priv.
func ExportPrivateKey(priv *ecdh.PrivateKey) ([]byte, error) {
	return Export(priv, FormPrivate)
}

// ImportPublicKey parses a PKIX DER public key on the channel curve.
func ImportPublicKey(b []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(b)
	if err != nil {
		return nil, ErrMalformedKey
	}
	var pub *ecdh.PublicKey
	switch k := parsed.(type) {
	case *ecdsa.PublicKey:
		pub, err = k.ECDH()
		if err != nil {
			return nil, ErrMalformedKey
		}
	case *ecdh.PublicKey:
		pub = k
	default:
		return nil, ErrMalformedKey
	}
	if pub.Curve() != Curve() {
		return nil, ErrMalformedKey
	}
	return pub, nil
}

// ImportPrivateKey parses a PKCS#8 DER private key on the channel curve.
func ImportPrivateKey(b []byte) (*ecdh.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(b)
	if err != nil {
		return nil, ErrMalformedKey
	}
	var priv *ecdh.PrivateKey
	switch k := parsed.(type) {
	case *ecdsa.PrivateKey:
		priv, err = k.ECDH()
		if err != nil {
			return nil, ErrMalformedKey
		}
	case *ecdh.PrivateKey:
		priv = k
	default:
		return nil, ErrMalformedKey
	}
	if priv.Curve() != Curve() {
		return nil, ErrMalformedKey
	}
	return priv, nil
}

// ImportSymmetricKey wraps raw key bytes.
func ImportSymmetricKey(b []byte) (SymmetricKey, error) {
	var k SymmetricKey
	if len(b) != SymmetricKeySize {
		return k, ErrMalformedKey
	}
	copy(k.b[:], b)
	return k, nil
}

// EncodePublicKey exports pub for the signaling channel.
func EncodePublicKey(pub *ecdh.PublicKey) (string, error) {
	der, err := ExportPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// DecodePublicKey parses a base64 PKIX public key received from a peer.
func DecodePublicKey(s string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrMalformedKey
	}
	return ImportPublicKey(der)
}
