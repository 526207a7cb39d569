package msgcrypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sessionKeyInfo is the protocol-constant HKDF context string for
// conversation session keys.
const sessionKeyInfo = "Message"

// SessionKeySize is the size of a derived conversation key in bytes.
const SessionKeySize = 32

// DeriveSessionKey derives the symmetric conversation key for a user pair.
// It computes the ECDH shared secret between the local private key and the
// peer's public key, then expands it with HKDF-SHA256 using the pair's salt.
// Both participants derive the identical key from their own private key and
// the other's public key.
func DeriveSessionKey(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey, salt []byte) ([]byte, error) {
	if priv == nil {
		return nil, ErrNoPrivateKey
	}
	if peerPub == nil {
		return nil, fmt.Errorf("msgcrypto: derive session key: nil peer public key")
	}

	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: ECDH: %w", err)
	}

	key := make([]byte, SessionKeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("msgcrypto: HKDF expand: %w", err)
	}
	return key, nil
}
