package cryptocore

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"testing"
)

func deterministicReader(size int) *bytes.Reader {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i%251) + 1
	}
	return bytes.NewReader(buf)
}

func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

func mustDerive(t *testing.T, priv *ecdh.PrivateKey, pub *ecdh.PublicKey) SymmetricKey {
	t.Helper()
	k, err := DeriveSecret(priv, pub)
	if err != nil {
		t.Fatalf("DeriveSecret: %v", err)
	}
	return k
}

func TestDeriveSecretIsCommutative(t *testing.T) {
	for i := 0; i < 8; i++ {
		a := mustKeyPair(t)
		b := mustKeyPair(t)
		ab := mustDerive(t, a.Private, b.Public)
		ba := mustDerive(t, b.Private, a.Public)
		if !ab.Equal(ba) {
			t.Fatalf("derived secrets differ on iteration %d", i)
		}
		if ab.IsZero() {
			t.Fatalf("derived secret is zero")
		}
	}
}

func TestDeriveSecretDiffersPerPeer(t *testing.T) {
	a, b, c := mustKeyPair(t), mustKeyPair(t), mustKeyPair(t)
	if mustDerive(t, a.Private, b.Public).Equal(mustDerive(t, a.Private, c.Public)) {
		t.Fatalf("secrets with distinct peers must differ")
	}
}

func TestGenerateKeyPairUsesRandomSource(t *testing.T) {
	restore := UseDeterministicRandom(deterministicReader(64))
	first, err := GenerateKeyPair()
	restore()
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	restore = UseDeterministicRandom(deterministicReader(64))
	second, err := GenerateKeyPair()
	restore()
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !first.Public.Equal(second.Public) {
		t.Fatalf("same randomness should yield the same key pair")
	}
}

func TestGenerateKeyPairRandomSourceExhausted(t *testing.T) {
	restore := UseDeterministicRandom(bytes.NewReader(make([]byte, 8)))
	defer restore()
	if _, err := GenerateKeyPair(); err == nil {
		t.Fatalf("expected error from short randomness source")
	}
}

func TestGenerateKeyPairRejectsInvalidScalars(t *testing.T) {
	// An all-zero scalar is invalid on P-256; the next 32 bytes are valid.
	src := append(make([]byte, 32), bytes.Repeat([]byte{0x07}, 32)...)
	restore := UseDeterministicRandom(bytes.NewReader(src))
	defer restore()
	if _, err := GenerateKeyPair(); err != nil {
		t.Fatalf("expected retry past zero scalar, got %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := mustKeyPair(t), mustKeyPair(t)
	key := mustDerive(t, a.Private, b.Public)
	for _, msg := range [][]byte{[]byte("hello"), {}, bytes.Repeat([]byte("x"), 4096)} {
		sealed, err := Encrypt(key, msg)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if len(sealed.Nonce) != NonceSize {
			t.Fatalf("nonce length %d", len(sealed.Nonce))
		}
		got, err := Decrypt(key, sealed.Ciphertext, sealed.Nonce)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("round trip mismatch: got %q want %q", got, msg)
		}
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	key := mustDerive(t, mustKeyPair(t).Private, mustKeyPair(t).Public)
	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		sealed, err := Encrypt(key, []byte("same"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if _, dup := seen[string(sealed.Nonce)]; dup {
			t.Fatalf("nonce reused at iteration %d", i)
		}
		seen[string(sealed.Nonce)] = struct{}{}
	}
}

func TestDecryptTamperSensitivity(t *testing.T) {
	key := mustDerive(t, mustKeyPair(t).Private, mustKeyPair(t).Public)
	sealed, err := Encrypt(key, []byte("attack at dawn"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	for i := 0; i < len(sealed.Ciphertext)*8; i++ {
		ct := append([]byte(nil), sealed.Ciphertext...)
		ct[i/8] ^= 1 << (i % 8)
		if _, err := Decrypt(key, ct, sealed.Nonce); !errors.Is(err, ErrAuthenticationFailure) {
			t.Fatalf("ciphertext bit %d: expected ErrAuthenticationFailure, got %v", i, err)
		}
	}
	for i := 0; i < len(sealed.Nonce)*8; i++ {
		nonce := append([]byte(nil), sealed.Nonce...)
		nonce[i/8] ^= 1 << (i % 8)
		if _, err := Decrypt(key, sealed.Ciphertext, nonce); !errors.Is(err, ErrAuthenticationFailure) {
			t.Fatalf("nonce bit %d: expected ErrAuthenticationFailure, got %v", i, err)
		}
	}
}

func TestDecryptFailuresShareOneError(t *testing.T) {
	key := mustDerive(t, mustKeyPair(t).Private, mustKeyPair(t).Public)
	other := mustDerive(t, mustKeyPair(t).Private, mustKeyPair(t).Public)
	sealed, err := Encrypt(key, []byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	cases := map[string]func() error{
		"wrong key": func() error {
			_, err := Decrypt(other, sealed.Ciphertext, sealed.Nonce)
			return err
		},
		"short nonce": func() error {
			_, err := Decrypt(key, sealed.Ciphertext, sealed.Nonce[:4])
			return err
		},
		"empty ciphertext": func() error {
			_, err := Decrypt(key, nil, sealed.Nonce)
			return err
		},
		"truncated tag": func() error {
			_, err := Decrypt(key, sealed.Ciphertext[:len(sealed.Ciphertext)-1], sealed.Nonce)
			return err
		},
	}
	for name, fn := range cases {
		if err := fn(); err != ErrAuthenticationFailure {
			t.Fatalf("%s: expected exactly ErrAuthenticationFailure, got %v", name, err)
		}
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)

	pubDER, err := Export(kp.Public, FormPublic)
	if err != nil {
		t.Fatalf("Export public: %v", err)
	}
	pub, err := Import(pubDER, FormPublic)
	if err != nil {
		t.Fatalf("Import public: %v", err)
	}
	if !pub.(*ecdh.PublicKey).Equal(kp.Public) {
		t.Fatalf("public key mismatch after round trip")
	}

	privDER, err := Export(kp.Private, FormPrivate)
	if err != nil {
		t.Fatalf("Export private: %v", err)
	}
	priv, err := ImportPrivateKey(privDER)
	if err != nil {
		t.Fatalf("Import private: %v", err)
	}
	if !priv.Equal(kp.Private) {
		t.Fatalf("private key mismatch after round trip")
	}

	peer := mustKeyPair(t)
	secret := mustDerive(t, kp.Private, peer.Public)
	raw, err := Export(secret, FormRaw)
	if err != nil {
		t.Fatalf("Export raw: %v", err)
	}
	back, err := Import(raw, FormRaw)
	if err != nil {
		t.Fatalf("Import raw: %v", err)
	}
	if !back.(SymmetricKey).Equal(secret) {
		t.Fatalf("symmetric key mismatch after round trip")
	}

	again, err := Export(kp.Public, FormPublic)
	if err != nil || !bytes.Equal(again, pubDER) {
		t.Fatalf("export is not deterministic")
	}
}

func TestExportRejectsFormMismatch(t *testing.T) {
	kp := mustKeyPair(t)
	if _, err := Export(kp.Private, FormPublic); !errors.Is(err, ErrUnsupportedForm) {
		t.Fatalf("expected ErrUnsupportedForm, got %v", err)
	}
	if _, err := Export(kp.Public, FormRaw); !errors.Is(err, ErrUnsupportedForm) {
		t.Fatalf("expected ErrUnsupportedForm, got %v", err)
	}
	if _, err := Export(kp.Public, KeyForm(99)); !errors.Is(err, ErrUnsupportedForm) {
		t.Fatalf("expected ErrUnsupportedForm, got %v", err)
	}
}

func TestImportRejectsMalformedKeys(t *testing.T) {
	kp := mustKeyPair(t)
	pubDER, _ := ExportPublicKey(kp.Public)
	privDER, _ := ExportPrivateKey(kp.Private)

	x25519, err := ecdh.X25519().GenerateKey(randReader{})
	if err != nil {
		t.Fatalf("x25519: %v", err)
	}
	x25519DER, err := x509.MarshalPKIXPublicKey(x25519.PublicKey())
	if err != nil {
		t.Fatalf("marshal x25519: %v", err)
	}
	_, edPriv, err := ed25519.GenerateKey(randReader{})
	if err != nil {
		t.Fatalf("ed25519: %v", err)
	}
	edDER, err := x509.MarshalPKCS8PrivateKey(edPriv)
	if err != nil {
		t.Fatalf("marshal ed25519: %v", err)
	}

	cases := []struct {
		name string
		in   []byte
		form KeyForm
	}{
		{"garbage public", []byte("not a key"), FormPublic},
		{"truncated public", pubDER[:len(pubDER)-3], FormPublic},
		{"private as public", privDER, FormPublic},
		{"other curve public", x25519DER, FormPublic},
		{"garbage private", []byte{0x30, 0x01}, FormPrivate},
		{"public as private", pubDER, FormPrivate},
		{"other algorithm private", edDER, FormPrivate},
		{"short raw", []byte{1, 2, 3}, FormRaw},
		{"long raw", make([]byte, 33), FormRaw},
	}
	for _, tc := range cases {
		if _, err := Import(tc.in, tc.form); !errors.Is(err, ErrMalformedKey) {
			t.Fatalf("%s: expected ErrMalformedKey, got %v", tc.name, err)
		}
	}
}

func TestDecodePublicKey(t *testing.T) {
	kp := mustKeyPair(t)
	enc, err := EncodePublicKey(kp.Public)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	pub, err := DecodePublicKey(enc)
	if err != nil {
		t.Fatalf("DecodePublicKey: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Fatalf("decoded key mismatch")
	}
	if _, err := DecodePublicKey("%%%"); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey for bad base64, got %v", err)
	}
}
