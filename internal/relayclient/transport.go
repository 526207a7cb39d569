package relayclient

import (
	"crypto/tls"
	"log"
	"net/http"
)

// Doer executes one HTTP request. The transport, every decorator, and the
// composed pipeline all satisfy it, so capabilities stack by wrapping one
// Doer in another.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Transport is the raw request executor at the bottom of the pipeline.
// When a pinned TLS config is supplied, every connection is gated by the
// pin check before any request proceeds.
type Transport struct {
	client *http.Client
	logger *log.Logger
}

// NewTransport creates the raw transport. tlsConf may be nil for plain HTTP
// (tests).
func NewTransport(tlsConf *tls.Config, logger *log.Logger) *Transport {
	client := &http.Client{}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	return &Transport{client: client, logger: logger}
}

// Do executes the request.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	logf(t.logger, "http %s %s: %d", req.Method, req.URL.Path, resp.StatusCode)
	return resp, nil
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
