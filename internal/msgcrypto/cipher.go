package msgcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const nonceLength = 12 // AES-GCM nonce length

// Seal encrypts plaintext with AES-256-GCM under key and returns base64 of
// nonce || ciphertext || tag. A fresh random nonce is generated per call and
// carried inside the output; callers never supply one.
func Seal(key, plaintext []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("msgcrypto: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64 blob produced by Seal.
// Format: 12-byte nonce || ciphertext || 16-byte auth tag.
func Open(key []byte, blob string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: decode ciphertext: %w", err)
	}
	if len(data) < nonceLength {
		return nil, fmt.Errorf("msgcrypto: ciphertext too short: %d bytes", len(data))
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, data[:nonceLength], data[nonceLength:], nil)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("msgcrypto: create GCM: %w", err)
	}
	return gcm, nil
}
