package msgcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidCredentials is returned when a key backup fails to open because
// the supplied password is wrong. The AEAD tag failure is the only feedback
// the user gets that they mistyped their password.
var ErrInvalidCredentials = errors.New("msgcrypto: invalid credentials")

const backupSaltSize = 32

// KeyBackup is the cloud-stored wrapping of a long-term private key.
type KeyBackup struct {
	Salt         string `json:"salt"`         // base64
	EncryptedKey string `json:"encryptedKey"` // base64, Seal output
}

// BackupKey wraps priv under a key derived from password and a fresh random
// salt, for upload to the relay. The wrapping key is
// HKDF-SHA256(password, salt, info="") truncated to 32 bytes.
func BackupKey(priv *ecdh.PrivateKey, password string) (*KeyBackup, error) {
	if priv == nil {
		return nil, ErrNoPrivateKey
	}

	salt := make([]byte, backupSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("msgcrypto: generate backup salt: %w", err)
	}

	wrapKey, err := passwordKey(password, salt)
	if err != nil {
		return nil, err
	}

	sealed, err := Seal(wrapKey, priv.Bytes())
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: wrap private key: %w", err)
	}

	return &KeyBackup{
		Salt:         base64.StdEncoding.EncodeToString(salt),
		EncryptedKey: sealed,
	}, nil
}

// RestoreKey unwraps a key backup with the supplied password. A wrong
// password manifests as an authentication-tag failure and is surfaced as
// ErrInvalidCredentials.
func RestoreKey(backup *KeyBackup, password string) (*ecdh.PrivateKey, error) {
	salt, err := base64.StdEncoding.DecodeString(backup.Salt)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: decode backup salt: %w", err)
	}

	wrapKey, err := passwordKey(password, salt)
	if err != nil {
		return nil, err
	}

	raw, err := Open(wrapKey, backup.EncryptedKey)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	return ParsePrivateKey(raw)
}

// passwordKey derives a 32-byte wrapping key from a login password and salt.
func passwordKey(password string, salt []byte) ([]byte, error) {
	key := make([]byte, SessionKeySize)
	r := hkdf.New(sha256.New, []byte(password), salt, nil)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("msgcrypto: derive wrapping key: %w", err)
	}
	return key, nil
}
