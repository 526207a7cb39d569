// Package relayclient implements the resilient HTTP stack between a device
// and the relay: certificate-pinned transport, bearer token lifecycle,
// retry/re-auth decorators, resumable transfers, and typed wrappers over the
// relay's REST contract.
package relayclient

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrPinMismatch is returned when the server's TLS leaf certificate does not
// match the pinned public key allow-list. This is a hard trust failure and
// is never retried.
var ErrPinMismatch = errors.New("relayclient: certificate pin mismatch")

// PinnedHashes is the compiled-in allow-list of base64(SHA-256(SPKI)) values
// for the relay's TLS certificate: the active pin plus one rotation
// candidate.
var PinnedHashes = []string{
	"5C8kvU039KouVrl52D0eZSGf4Onjo4Khs8tmyTLV3nV=",
	"2pGTkCr4kk7XQGqlQ2oHxt4sM0LsjUGwkaNNvFPBvoo=",
}

// PinnedTLSConfig returns a tls.Config that accepts a connection only when
// the leaf certificate's SubjectPublicKeyInfo hash is in pins. Verification
// against the system trust store is replaced entirely; any condition other
// than an exact pin match fails closed.
func PinnedTLSConfig(pins []string) *tls.Config {
	return &tls.Config{
		// Chain validation is replaced by the pin check below, which runs
		// on every handshake before any request proceeds.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrPinMismatch
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return ErrPinMismatch
			}
			fp, err := SPKIFingerprint(leaf)
			if err != nil {
				return ErrPinMismatch
			}
			for _, pin := range pins {
				if fp == pin {
					return nil
				}
			}
			return ErrPinMismatch
		},
	}
}

// SPKIFingerprint computes base64(SHA-256(SubjectPublicKeyInfo)) for a
// certificate. Only EC keys are accepted; anything else is rejected so the
// pin can never silently match a downgraded key type.
func SPKIFingerprint(cert *x509.Certificate) (string, error) {
	if _, ok := cert.PublicKey.(*ecdsa.PublicKey); !ok {
		return "", fmt.Errorf("relayclient: pinned key must be EC, got %T", cert.PublicKey)
	}
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
