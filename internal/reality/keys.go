// Package reality handles the x25519 key material carried by reality
// tunnel parameters.  Keys are exchanged as unpadded base64url strings.
package reality

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an x25519 private key and the public key derived from it.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

var encoding = base64.RawURLEncoding

// GenerateKeyPair creates a new key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(r io.Reader) (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(r, priv); err != nil {
		return KeyPair{}, fmt.Errorf("read private key: %w", err)
	}
	// Clamp as required for x25519 scalars.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	return keyPairFromScalar(priv)
}

// PublicKeyFromPrivate derives the public key for an encoded private key.
func PublicKeyFromPrivate(privateKey string) (string, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("private key: %w", err)
	}
	kp, err := keyPairFromScalar(priv)
	if err != nil {
		return "", err
	}
	return kp.PublicKey, nil
}

// ValidatePublicKey checks that key decodes to a 32-byte x25519 point.
func ValidatePublicKey(key string) error {
	if _, err := decodeKey(key); err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	return nil
}

func keyPairFromScalar(priv []byte) (KeyPair, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{
		PrivateKey: encoding.EncodeToString(priv),
		PublicKey:  encoding.EncodeToString(pub),
	}, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, errors.New("empty key")
	}
	b, err := encoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != curve25519.PointSize {
		return nil, fmt.Errorf("expected %d bytes, got %d", curve25519.PointSize, len(b))
	}
	return b, nil
}
