package relayclient

import (
	"fmt"
	"io"
	"net/http"
)

// retryAttempts is the total attempt budget of the transient-retry layer:
// the original request plus two retries.
const retryAttempts = 3

// NewPipeline composes the standard decorator stack around a raw transport:
// transient retry outermost, then re-auth-on-403, then bearer injection.
// The ordering means an exhausted retry budget still reflects the final
// authenticated attempt.
func NewPipeline(transport Doer, tokens *TokenManager) Doer {
	return &RetryDoer{Next: &ReauthDoer{Next: &AuthDoer{Next: transport, Tokens: tokens}, Tokens: tokens}}
}

// AuthDoer injects the current bearer token before every attempt.
type AuthDoer struct {
	Next   Doer
	Tokens *TokenManager
}

func (d *AuthDoer) Do(req *http.Request) (*http.Response, error) {
	token, err := d.Tokens.FetchToken(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return d.Next.Do(req)
}

// ReauthDoer handles a 403 response by forcing exactly one token refresh and
// retrying the request exactly once. A second 403 is surfaced to the caller.
type ReauthDoer struct {
	Next   Doer
	Tokens *TokenManager
}

func (d *ReauthDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.Next.Do(req)
	if err != nil || resp.StatusCode != http.StatusForbidden {
		return resp, err
	}

	// Token rejected. One forced refresh, one retry with the new token
	// (the inner auth layer injects it).
	drain(resp)
	if _, err := d.Tokens.RefreshToken(req.Context()); err != nil {
		return nil, fmt.Errorf("relayclient: re-auth: %w", err)
	}

	retryReq, err := rewind(req)
	if err != nil {
		return nil, err
	}
	return d.Next.Do(retryReq)
}

// RetryDoer retries transport errors and non-2xx responses up to two extra
// attempts, then surfaces the last outcome. Auth statuses (401/403) are
// owned by the re-auth layer and are never retried here.
type RetryDoer struct {
	Next Doer
}

func (d *RetryDoer) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			if req, err = rewind(req); err != nil {
				return nil, err
			}
			if resp != nil {
				drain(resp)
			}
		}
		resp, err = d.Next.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
	}
	return resp, err
}

// retryableStatus reports whether a status should consume retry budget.
// The source contract retries any non-2xx; 401/403 are excluded because the
// re-auth layer already resolved them (a surfaced 403 means re-auth was
// exhausted and retrying cannot help).
func retryableStatus(status int) bool {
	if status >= 200 && status < 300 {
		return false
	}
	return status != http.StatusUnauthorized && status != http.StatusForbidden
}

// rewind restores a request body for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("relayclient: rewind request body: %w", err)
	}
	req.Body = body
	return req, nil
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
