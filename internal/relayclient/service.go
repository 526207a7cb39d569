package relayclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"cipherlink/internal/msgcrypto"
)

// ErrPeerNotReady is returned when a peer's public key or the pair salt is
// not available on the relay yet: the peer has not completed registration.
// Callers surface it instead of retrying indefinitely.
var ErrPeerNotReady = errors.New("relayclient: peer not ready")

// Service provides typed access to the relay's REST contract. Authenticated
// calls go through the decorated pipeline (bearer injection, one re-auth
// retry on 403, transient retry); the auth endpoints themselves use the raw
// transport.
type Service struct {
	baseURL string
	doer    Doer // decorated pipeline for bearer-authenticated endpoints
	raw     Doer // undecorated transport for /auth/*
	tokens  *TokenManager
	logger  *log.Logger
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	BaseURL    string
	TLSConfig  *tls.Config
	TokenStore TokenStore
	Logger     *log.Logger
}

// NewService wires the transport, token manager, and decorator pipeline.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		baseURL: cfg.BaseURL,
		logger:  cfg.Logger,
	}
	transport := NewTransport(cfg.TLSConfig, cfg.Logger)
	s.raw = transport
	s.tokens = NewTokenManager(cfg.TokenStore, s.refreshCall, cfg.Logger)
	s.doer = NewPipeline(transport, s.tokens)
	return s
}

// Tokens exposes the token manager, e.g. to seed it after login.
func (s *Service) Tokens() *TokenManager { return s.tokens }

// Pipeline exposes the decorated Doer so transfers share the same stack.
func (s *Service) Pipeline() Doer { return s.doer }

// BaseURL returns the relay's base URL.
func (s *Service) BaseURL() string { return s.baseURL }

// --- Auth API ---

// Register creates an account and seeds the token manager with the returned
// pair.
func (s *Service) Register(ctx context.Context, username, password string) (*TokenPair, error) {
	return s.authenticate(ctx, "/auth/register", username, password)
}

// Login authenticates an existing account and seeds the token manager.
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	return s.authenticate(ctx, "/auth/login", username, password)
}

func (s *Service) authenticate(ctx context.Context, path, username, password string) (*TokenPair, error) {
	var pair TokenPair
	status, err := s.postJSON(ctx, s.raw, path, credentialsRequest{Username: username, Password: password}, &pair)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("relayclient: %s: status %d", path, status)
	}
	if err := s.tokens.SetTokens(pair.AccessToken, pair.RefreshToken); err != nil {
		return nil, err
	}
	return &pair, nil
}

// refreshCall exchanges a refresh token for a new pair. A rejected token is
// reported as ErrReauthRequired so the failure propagates to a logout flow.
func (s *Service) refreshCall(ctx context.Context, refreshToken string) (string, string, error) {
	var pair TokenPair
	status, err := s.postJSON(ctx, s.raw, "/auth/token", refreshRequest{Token: refreshToken}, &pair)
	if err != nil {
		return "", "", err
	}
	switch {
	case status == http.StatusOK:
		return pair.AccessToken, pair.RefreshToken, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusBadRequest:
		return "", "", ErrReauthRequired
	default:
		return "", "", fmt.Errorf("relayclient: refresh: status %d", status)
	}
}

// --- Keys API ---

// UpsertPublicKey uploads the local long-term public key.
func (s *Service) UpsertPublicKey(ctx context.Context, username, publicKeyB64 string) error {
	status, err := s.postJSON(ctx, s.doer, "/keys", keyUpload{Username: username, PublicKey: publicKeyB64}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("relayclient: upsert public key: status %d", status)
	}
	return nil
}

// GetPublicKey fetches a peer's public key. A missing key means the peer has
// not registered yet.
func (s *Service) GetPublicKey(ctx context.Context, username string) (string, error) {
	var resp keyResponse
	status, err := s.getJSON(ctx, "/keys/"+url.PathEscape(username), &resp)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		return resp.PublicKey, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("relayclient: public key for %q: %w", username, ErrPeerNotReady)
	default:
		return "", fmt.Errorf("relayclient: get public key: status %d", status)
	}
}

// --- Session API ---

// EnsurePairSalt creates (idempotently) and returns the conversation salt
// for the unordered {sender, receiver} pair. Both orderings yield the same
// salt.
func (s *Service) EnsurePairSalt(ctx context.Context, sender, receiver string) ([]byte, error) {
	var resp saltResponse
	status, err := s.postJSON(ctx, s.doer, "/session", sessionRequest{SenderUsername: sender, ReceiverUsername: receiver}, &resp)
	if err != nil {
		return nil, err
	}
	return decodeSalt(resp.Salt, status)
}

// GetPairSalt fetches an existing conversation salt without creating one.
func (s *Service) GetPairSalt(ctx context.Context, sender, receiver string) ([]byte, error) {
	var resp saltResponse
	q := url.Values{"sender": {sender}, "receiver": {receiver}}
	status, err := s.getJSON(ctx, "/session?"+q.Encode(), &resp)
	if err != nil {
		return nil, err
	}
	return decodeSalt(resp.Salt, status)
}

func decodeSalt(b64 string, status int) ([]byte, error) {
	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		return nil, fmt.Errorf("relayclient: pair salt: %w", ErrPeerNotReady)
	default:
		return nil, fmt.Errorf("relayclient: pair salt: status %d", status)
	}
	salt, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("relayclient: decode salt: %w", err)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("relayclient: pair salt: %w", ErrPeerNotReady)
	}
	return salt, nil
}

// --- Key backup API ---

// UpsertKeyBackup uploads the password-wrapped private key.
func (s *Service) UpsertKeyBackup(ctx context.Context, username string, backup *msgcrypto.KeyBackup) error {
	body := backupUpload{Username: username, Salt: backup.Salt, EncryptedKey: backup.EncryptedKey}
	status, err := s.postJSON(ctx, s.doer, "/key-backup", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("relayclient: upsert key backup: status %d", status)
	}
	return nil
}

// GetKeyBackup fetches the stored key backup for an account.
func (s *Service) GetKeyBackup(ctx context.Context, username string) (*msgcrypto.KeyBackup, error) {
	var resp msgcrypto.KeyBackup
	status, err := s.getJSON(ctx, "/key-backup/"+url.PathEscape(username), &resp)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return &resp, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("relayclient: key backup for %q: %w", username, ErrPeerNotReady)
	default:
		return nil, fmt.Errorf("relayclient: get key backup: status %d", status)
	}
}

// --- Messages API ---

// SendMessage pushes a sealed envelope over REST. Used when the push channel
// is down or the receiver is offline.
func (s *Service) SendMessage(ctx context.Context, env *msgcrypto.Envelope) error {
	status, err := s.postJSON(ctx, s.doer, "/messages", env, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("relayclient: send message: status %d", status)
	}
	return nil
}

// GetMessages fetches one reverse-chronological page of envelopes between
// two users. before is a unix-millisecond cursor; 0 means newest.
func (s *Service) GetMessages(ctx context.Context, userA, userB string, before int64, limit int) ([]*msgcrypto.Envelope, error) {
	path := "/messages/" + url.PathEscape(userA) + "/" + url.PathEscape(userB)
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page messagesPage
	status, err := s.getJSON(ctx, path, &page)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("relayclient: get messages: status %d", status)
	}
	return page.Messages, nil
}

// --- request helpers ---

func (s *Service) getJSON(ctx context.Context, path string, result any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("relayclient: new request: %w", err)
	}
	return s.doAndDecode(s.doer, req, result)
}

func (s *Service) postJSON(ctx context.Context, doer Doer, path string, body, result any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("relayclient: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("relayclient: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.doAndDecode(doer, req, result)
}

func (s *Service) doAndDecode(doer Doer, req *http.Request, result any) (int, error) {
	resp, err := doer.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if result != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.StatusCode, fmt.Errorf("relayclient: unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
