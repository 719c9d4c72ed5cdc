package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrUnseal is returned when a stored value cannot be opened with the
// configured secret.
var ErrUnseal = errors.New("cannot unseal stored credential")

const sealedPrefix = "sealed:v1:"

// Sealer protects credential values at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// NewSealer returns an XChaCha20-Poly1305 sealer keyed from secret, or a
// pass-through sealer when secret is empty.
func NewSealer(secret string) (Sealer, error) {
	if secret == "" {
		return plainSealer{}, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("lessonsync credentials v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &aeadSealer{aead: aead}, nil
}

type plainSealer struct{}

func (plainSealer) Seal(s string) (string, error) { return s, nil }

func (plainSealer) Open(s string) (string, error) {
	if strings.HasPrefix(s, sealedPrefix) {
		return "", fmt.Errorf("%w: value is sealed but no secret is configured", ErrUnseal)
	}
	return s, nil
}

type aeadSealer struct {
	aead cipher.AEAD
}

func (a *aeadSealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (a *aeadSealer) Open(stored string) (string, error) {
	raw, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("%w: value is not sealed", ErrUnseal)
	}
	b, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	if len(b) < a.aead.NonceSize() {
		return "", fmt.Errorf("%w: value too short", ErrUnseal)
	}
	nonce, ciphertext := b[:a.aead.NonceSize()], b[a.aead.NonceSize():]
	plain, err := a.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnseal, err)
	}
	return string(plain), nil
}
