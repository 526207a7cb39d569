package relayclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrReauthRequired is returned when no valid refresh token is available:
// the stored refresh token is missing, expired, or was rejected by the
// relay. Callers are expected to route this to a logout/re-login flow, not
// to retry.
var ErrReauthRequired = errors.New("relayclient: re-authentication required")

// TokenStore persists the long-lived refresh token across restarts.
// The access token lives only in memory.
type TokenStore interface {
	LoadRefreshToken() (string, error)
	SaveRefreshToken(token string) error
}

// RefreshFunc exchanges a refresh token for a new token pair over the
// network (POST /auth/token).
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, err error)

// TokenManager owns the current bearer token and coordinates refresh.
// Concurrent refresh requests are coalesced: while one refresh is in flight,
// further callers wait for its outcome instead of issuing duplicates.
type TokenManager struct {
	mu       sync.Mutex
	access   string       // cached access token, empty when NoToken
	inflight *refreshCall // non-nil while Refreshing
	store    TokenStore
	refresh  RefreshFunc
	logger   *log.Logger
}

// refreshCall is the shared outcome of one in-flight refresh.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// NewTokenManager creates a token manager backed by store, using refresh for
// the network round-trip.
func NewTokenManager(store TokenStore, refresh RefreshFunc, logger *log.Logger) *TokenManager {
	return &TokenManager{store: store, refresh: refresh, logger: logger}
}

// FetchToken returns the cached access token, triggering a refresh if none
// is cached.
func (m *TokenManager) FetchToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.access != "" {
		token := m.access
		m.mu.Unlock()
		return token, nil
	}
	call := m.startOrJoinLocked(ctx)
	m.mu.Unlock()

	return m.await(ctx, call)
}

// RefreshToken forces a refresh, replacing any cached access token. If a
// refresh is already in flight, the caller joins it instead of starting a
// second one.
func (m *TokenManager) RefreshToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.access = ""
	call := m.startOrJoinLocked(ctx)
	m.mu.Unlock()

	return m.await(ctx, call)
}

// SetTokens seeds the manager after login or registration and persists the
// refresh token.
func (m *TokenManager) SetTokens(access, refresh string) error {
	if err := m.store.SaveRefreshToken(refresh); err != nil {
		return fmt.Errorf("relayclient: persist refresh token: %w", err)
	}
	m.mu.Lock()
	m.access = access
	m.mu.Unlock()
	return nil
}

// Clear drops all token state, e.g. on logout.
func (m *TokenManager) Clear() error {
	m.mu.Lock()
	m.access = ""
	m.mu.Unlock()
	return m.store.SaveRefreshToken("")
}

// startOrJoinLocked returns the in-flight refresh, starting one if needed.
// Caller must hold m.mu.
func (m *TokenManager) startOrJoinLocked(ctx context.Context) *refreshCall {
	if m.inflight != nil {
		return m.inflight
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call
	go m.doRefresh(ctx, call)
	return call
}

// doRefresh performs the network refresh and publishes the outcome to every
// waiter of call.
func (m *TokenManager) doRefresh(ctx context.Context, call *refreshCall) {
	call.token, call.err = m.refreshOnce(ctx)

	m.mu.Lock()
	if call.err == nil {
		m.access = call.token
	} else {
		m.access = ""
	}
	m.inflight = nil
	m.mu.Unlock()

	close(call.done)
}

func (m *TokenManager) refreshOnce(ctx context.Context) (string, error) {
	stored, err := m.store.LoadRefreshToken()
	if err != nil {
		return "", fmt.Errorf("relayclient: load refresh token: %w", err)
	}
	if stored == "" {
		return "", ErrReauthRequired
	}

	access, refresh, err := m.refresh(ctx, stored)
	if err != nil {
		logf(m.logger, "token refresh failed: %v", err)
		return "", err
	}

	if err := m.store.SaveRefreshToken(refresh); err != nil {
		return "", fmt.Errorf("relayclient: persist refresh token: %w", err)
	}
	return access, nil
}

func (m *TokenManager) await(ctx context.Context, call *refreshCall) (string, error) {
	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
