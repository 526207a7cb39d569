// Package cipherlink provides a high-level client for end-to-end-encrypted
// messaging through an untrusted relay. Each user pair shares a symmetric
// session key derived from their long-term P-256 keys and a per-pair salt;
// all network traffic rides a certificate-pinned, token-authenticated,
// retrying HTTP stack.
package cipherlink

import (
	"context"
	"crypto/ecdh"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"cipherlink/internal/msgcrypto"
	"cipherlink/internal/relayclient"
	"cipherlink/internal/relayws"
	"cipherlink/internal/store"
)

// Envelope is the wire form of a message.
type Envelope = msgcrypto.Envelope

// Re-exported failure conditions callers dispatch on.
var (
	ErrReauthRequired     = relayclient.ErrReauthRequired
	ErrPeerNotReady       = relayclient.ErrPeerNotReady
	ErrInvalidCredentials = msgcrypto.ErrInvalidCredentials
	ErrNoPrivateKey       = msgcrypto.ErrNoPrivateKey
)

// Client is the main entry point for interacting with the relay.
type Client struct {
	baseURL   string
	wsURL     string
	pins      []string
	storePath string
	logger    *log.Logger

	store     *store.Store
	service   *relayclient.Service
	uploads   *relayclient.TransferRegistry
	downloads *relayclient.TransferRegistry

	mu          sync.Mutex
	acct        *store.Account
	priv        *ecdh.PrivateKey
	sessionKeys map[string][]byte // peer username -> derived session key
	ws          *relayws.PersistentConn
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the relay's REST base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithWSURL sets the relay's websocket URL.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithPinnedHashes replaces the compiled-in certificate pins. An empty list
// disables pinning (tests against plain-HTTP servers only).
func WithPinnedHashes(pins []string) Option {
	return func(c *Client) { c.pins = pins }
}

// WithStorePath sets the local database path.
func WithStorePath(path string) Option {
	return func(c *Client) { c.storePath = path }
}

// WithLogger enables logging.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client, opening the local store and loading any existing
// account.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		pins:        relayclient.PinnedHashes,
		storePath:   filepath.Join(store.DefaultDataDir(), "cipherlink.db"),
		sessionKeys: make(map[string][]byte),
	}
	for _, o := range opts {
		o(c)
	}

	st, err := store.Open(c.storePath)
	if err != nil {
		return nil, err
	}
	c.store = st

	var tlsConf *tls.Config
	if len(c.pins) > 0 {
		tlsConf = relayclient.PinnedTLSConfig(c.pins)
	}

	c.service = relayclient.NewService(relayclient.ServiceConfig{
		BaseURL:    c.baseURL,
		TLSConfig:  tlsConf,
		TokenStore: st,
		Logger:     c.logger,
	})
	c.uploads = relayclient.NewTransferRegistry(c.service.Pipeline(), c.logger)
	c.downloads = relayclient.NewTransferRegistry(c.service.Pipeline(), c.logger)

	acct, err := st.LoadAccount()
	if err != nil {
		st.Close()
		return nil, err
	}
	if acct != nil {
		priv, err := msgcrypto.ParsePrivateKey(acct.PrivateKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("cipherlink: load private key: %w", err)
		}
		c.acct = acct
		c.priv = priv
	}

	return c, nil
}

// Close releases the local store and any open push channel.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
	return c.store.Close()
}

// Username returns the registered username, or "" before registration.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acct == nil {
		return ""
	}
	return c.acct.Username
}

// Register creates an account on the relay, generates the device's
// long-term key pair, uploads the public key, and stores a password-wrapped
// backup of the private key for later restore on a new device.
func (c *Client) Register(ctx context.Context, username, password string) error {
	if _, err := c.service.Register(ctx, username, password); err != nil {
		return fmt.Errorf("cipherlink: register: %w", err)
	}

	kp, err := msgcrypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	acct := &store.Account{
		Username:   username,
		PrivateKey: msgcrypto.MarshalPrivateKey(kp.Private),
		PublicKey:  msgcrypto.MarshalPublicKey(kp.Public),
	}
	if err := c.store.SaveAccount(acct); err != nil {
		return err
	}
	c.mu.Lock()
	c.acct = acct
	c.priv = kp.Private
	c.mu.Unlock()

	if err := c.service.UpsertPublicKey(ctx, username, msgcrypto.PublicKeyBase64(kp.Public)); err != nil {
		return err
	}

	backup, err := msgcrypto.BackupKey(kp.Private, password)
	if err != nil {
		return err
	}
	return c.service.UpsertKeyBackup(ctx, username, backup)
}

// Login authenticates an existing account on this device and restores the
// long-term private key from its cloud backup. A wrong password surfaces as
// ErrInvalidCredentials from the backup unwrap.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if _, err := c.service.Login(ctx, username, password); err != nil {
		return fmt.Errorf("cipherlink: login: %w", err)
	}

	backup, err := c.service.GetKeyBackup(ctx, username)
	if err != nil {
		return err
	}
	priv, err := msgcrypto.RestoreKey(backup, password)
	if err != nil {
		return err
	}

	acct := &store.Account{
		Username:   username,
		PrivateKey: msgcrypto.MarshalPrivateKey(priv),
		PublicKey:  msgcrypto.MarshalPublicKey(priv.PublicKey()),
	}
	if err := c.store.SaveAccount(acct); err != nil {
		return err
	}
	c.mu.Lock()
	c.acct = acct
	c.priv = priv
	c.sessionKeys = make(map[string][]byte)
	c.mu.Unlock()
	return nil
}

// Logout clears all token state. The account and private key stay on the
// device.
func (c *Client) Logout() error {
	return c.service.Tokens().Clear()
}

// SessionKeyFor returns the symmetric conversation key shared with peer,
// deriving and caching it on first use. Both participants derive the same
// key regardless of who initiates.
func (c *Client) SessionKeyFor(ctx context.Context, peer string) ([]byte, error) {
	c.mu.Lock()
	if key, ok := c.sessionKeys[peer]; ok {
		c.mu.Unlock()
		return key, nil
	}
	me := ""
	if c.acct != nil {
		me = c.acct.Username
	}
	priv := c.priv
	c.mu.Unlock()

	if priv == nil {
		return nil, ErrNoPrivateKey
	}

	peerKeyB64, err := c.service.GetPublicKey(ctx, peer)
	if err != nil {
		return nil, err
	}
	peerPub, err := msgcrypto.ParsePublicKeyBase64(peerKeyB64)
	if err != nil {
		return nil, err
	}

	salt, err := c.service.EnsurePairSalt(ctx, me, peer)
	if err != nil {
		return nil, err
	}

	key, err := msgcrypto.DeriveSessionKey(priv, peerPub, salt)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessionKeys[peer] = key
	c.mu.Unlock()
	return key, nil
}

// SendText seals and sends a text message to peer.
func (c *Client) SendText(ctx context.Context, peer, text string) error {
	env := &Envelope{Kind: "text", Content: text}
	return c.send(ctx, peer, env)
}

// SendFile seals and sends a file message: kind is "image", "video", or
// "file"; remotePath is the relay storage path of the uploaded blob.
func (c *Client) SendFile(ctx context.Context, peer, kind, remotePath, fileName string) error {
	env := &Envelope{Kind: kind, FilePath: remotePath, FileName: fileName}
	return c.send(ctx, peer, env)
}

func (c *Client) send(ctx context.Context, peer string, env *Envelope) error {
	key, err := c.SessionKeyFor(ctx, peer)
	if err != nil {
		return err
	}

	env.Sender = c.Username()
	env.Receiver = peer
	env.SentAt = time.Now().UnixMilli()
	if err := msgcrypto.SealEnvelope(key, env); err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		return ws.WriteEvent(ctx, relayws.EventSendMessage, env)
	}
	return c.service.SendMessage(ctx, env)
}

// History fetches and decrypts one reverse-chronological page of the
// conversation with peer. Messages whose fields fail to open are returned
// with a placeholder body and DecryptFailed set; ordering and identity are
// preserved.
func (c *Client) History(ctx context.Context, peer string, before int64, limit int) ([]*Envelope, error) {
	key, err := c.SessionKeyFor(ctx, peer)
	if err != nil {
		return nil, err
	}

	envs, err := c.service.GetMessages(ctx, c.Username(), peer, before, limit)
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		msgcrypto.OpenEnvelope(key, env, c.logger)
	}
	return envs, nil
}

// Connect opens the persistent push channel. Incoming messages are
// decrypted and passed to handler until ctx is cancelled or the client is
// closed.
func (c *Client) Connect(ctx context.Context, handler func(*Envelope)) error {
	token, err := c.service.Tokens().FetchToken(ctx)
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	var tlsConf *tls.Config
	if len(c.pins) > 0 {
		tlsConf = relayclient.PinnedTLSConfig(c.pins)
	}
	ws, err := relayws.DialPersistent(ctx, c.wsURL, tlsConf, relayws.WithHeaders(headers))
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.receiveLoop(ctx, ws, handler)
	return nil
}

func (c *Client) receiveLoop(ctx context.Context, ws *relayws.PersistentConn, handler func(*Envelope)) {
	for {
		frame, err := ws.ReadFrame(ctx)
		if err != nil {
			logf(c.logger, "push channel closed: %v", err)
			return
		}
		if frame.Event != relayws.EventReceiveMessage {
			continue
		}

		env := new(Envelope)
		if err := frame.Unmarshal(env); err != nil {
			logf(c.logger, "bad push envelope: %v", err)
			continue
		}

		peer := env.Sender
		if peer == c.Username() {
			peer = env.Receiver
		}
		key, err := c.SessionKeyFor(ctx, peer)
		if err != nil {
			logf(c.logger, "session key for %s: %v", peer, err)
			continue
		}
		msgcrypto.OpenEnvelope(key, env, c.logger)
		handler(env)
	}
}

// Upload starts a resumable upload of data to url. See TransferRegistry for
// cancel/suspend/resume semantics.
func (c *Client) Upload(ctx context.Context, url string, data []byte) (<-chan float64, error) {
	return c.uploads.StartUpload(ctx, url, data)
}

// Download starts a resumable download of url into sink.
func (c *Client) Download(ctx context.Context, url string, sink io.Writer) (<-chan float64, error) {
	return c.downloads.StartDownload(ctx, url, sink)
}

// Uploads exposes the upload task registry.
func (c *Client) Uploads() *relayclient.TransferRegistry { return c.uploads }

// Downloads exposes the download task registry.
func (c *Client) Downloads() *relayclient.TransferRegistry { return c.downloads }

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}
