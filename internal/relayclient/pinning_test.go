package relayclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newPinnedServer starts an HTTPS server with a fresh self-signed EC
// certificate and returns it together with the certificate's pin.
func newPinnedServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pin, err := SPKIFingerprint(cert)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return srv, pin
}

func TestPinnedConnectionAccepted(t *testing.T) {
	srv, pin := newPinnedServer(t)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: PinnedTLSConfig([]string{pin, "cm90YXRpb24tY2FuZGlkYXRlLXBsYWNlaG9sZGVyLXBpbg=="}),
	}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("pinned request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

func TestPinMismatchRejected(t *testing.T) {
	srv, _ := newPinnedServer(t)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: PinnedTLSConfig([]string{"d3JvbmctcGluLXdyb25nLXBpbi13cm9uZy1waW4tISE="}),
	}}
	_, err := client.Get(srv.URL)
	if err == nil {
		t.Fatal("request with wrong pin should fail")
	}
	if !errors.Is(err, ErrPinMismatch) && !strings.Contains(err.Error(), ErrPinMismatch.Error()) {
		t.Errorf("got %v, want pin mismatch", err)
	}
}

func TestNonECKeyRejected(t *testing.T) {
	// httptest's default certificate is RSA; a non-EC key must fail closed
	// even if someone pinned its hash.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	leaf := srv.Certificate()
	if _, ok := leaf.PublicKey.(*ecdsa.PublicKey); ok {
		t.Skip("httptest certificate is EC on this toolchain")
	}
	if _, err := SPKIFingerprint(leaf); err == nil {
		t.Fatal("SPKIFingerprint should reject non-EC keys")
	}

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: PinnedTLSConfig(PinnedHashes),
	}}
	if _, err := client.Get(srv.URL); err == nil {
		t.Error("connection with non-EC server key should be rejected")
	}
}

func TestSPKIFingerprintStable(t *testing.T) {
	_, pin := newPinnedServer(t)
	if pin == "" {
		t.Fatal("empty fingerprint")
	}
	// base64(SHA-256) is 44 characters.
	if len(pin) != 44 {
		t.Errorf("fingerprint length: got %d, want 44", len(pin))
	}
}
