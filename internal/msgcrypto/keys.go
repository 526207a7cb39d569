// Package msgcrypto implements the cryptographic core of cipherlink:
// long-term P-256 key pairs, per-conversation session key derivation,
// the AES-GCM field cipher, and password-based key backup.
package msgcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrNoPrivateKey is returned when an operation needs the local long-term
// private key and the device never completed registration.
var ErrNoPrivateKey = errors.New("msgcrypto: no local private key")

// KeyPair is a long-term P-256 key-agreement key pair. The private key is
// generated once per device at registration and never leaves the device
// unencrypted; only the public key goes to the relay.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair generates a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: generate key pair: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// MarshalPublicKey returns the uncompressed X9.63 encoding (65 bytes).
func MarshalPublicKey(pub *ecdh.PublicKey) []byte {
	return pub.Bytes()
}

// ParsePublicKey parses an uncompressed X9.63 P-256 public key.
func ParsePublicKey(data []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: parse public key: %w", err)
	}
	return pub, nil
}

// PublicKeyBase64 returns the wire form of a public key.
func PublicKeyBase64(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

// ParsePublicKeyBase64 parses the wire form of a public key.
func ParsePublicKeyBase64(s string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: decode public key: %w", err)
	}
	return ParsePublicKey(raw)
}

// MarshalPrivateKey returns the raw scalar bytes of a private key.
func MarshalPrivateKey(priv *ecdh.PrivateKey) []byte {
	return priv.Bytes()
}

// ParsePrivateKey parses raw P-256 private key scalar bytes.
func ParsePrivateKey(data []byte) (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: parse private key: %w", err)
	}
	return priv, nil
}
