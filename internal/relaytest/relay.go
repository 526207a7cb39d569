// Package relaytest provides an in-process relay implementing the wire
// contract the client depends on: auth endpoints with rotating refresh
// tokens, public key and pair-salt storage, key backups, paged message
// history, and the websocket push channel. Tests run the real client stack
// against it.
package relaytest

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"cipherlink/internal/msgcrypto"
)

// Relay is an in-memory relay server double.
type Relay struct {
	mu       sync.Mutex
	users    map[string]*userRecord // username -> record
	keys     map[string]string      // username -> base64 public key
	salts    map[[2]int64]string    // ordered (min,max) user id pair -> base64 salt
	backups  map[string]*msgcrypto.KeyBackup
	messages []*msgcrypto.Envelope
	refresh  map[string]string // live refresh token -> username
	online   map[string]*wsClient
	nextID   int64
	tokenGen int64 // bumped to invalidate outstanding access tokens

	jwtSecret []byte

	// RefreshCalls counts POST /auth/token round-trips, for asserting
	// single-flight behavior.
	RefreshCalls atomic.Int64
}

type userRecord struct {
	id       int64
	password string
}

type claims struct {
	Username string `json:"username"`
	Gen      int64  `json:"gen"`
	jwt.RegisteredClaims
}

// New creates an empty relay.
func New() *Relay {
	secret := make([]byte, 32)
	rand.Read(secret)
	return &Relay{
		users:     make(map[string]*userRecord),
		keys:      make(map[string]string),
		salts:     make(map[[2]int64]string),
		backups:   make(map[string]*msgcrypto.KeyBackup),
		refresh:   make(map[string]string),
		online:    make(map[string]*wsClient),
		jwtSecret: secret,
	}
}

// Router returns the relay's HTTP routes.
func (r *Relay) Router() *chi.Mux {
	mux := chi.NewRouter()

	mux.Post("/auth/register", r.handleRegister)
	mux.Post("/auth/login", r.handleLogin)
	mux.Post("/auth/token", r.handleRefresh)

	mux.Group(func(mux chi.Router) {
		mux.Use(r.authMiddleware)
		mux.Post("/keys", r.handleUpsertKey)
		mux.Get("/keys/{username}", r.handleGetKey)
		mux.Post("/session", r.handleCreateSession)
		mux.Get("/session", r.handleGetSession)
		mux.Post("/key-backup", r.handleUpsertBackup)
		mux.Get("/key-backup/{username}", r.handleGetBackup)
		mux.Post("/messages", r.handleSendMessage)
		mux.Get("/messages/{userA}/{userB}", r.handleGetMessages)
		mux.Get("/ws", r.handleWS)
	})

	return mux
}

// RevokeAccessTokens invalidates every outstanding access token, so the
// next authenticated request gets a 403 and must refresh.
func (r *Relay) RevokeAccessTokens() {
	r.mu.Lock()
	r.tokenGen++
	r.mu.Unlock()
}

// --- auth ---

func (r *Relay) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Username == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	if _, exists := r.users[body.Username]; exists {
		r.mu.Unlock()
		http.Error(w, "username taken", http.StatusConflict)
		return
	}
	r.nextID++
	r.users[body.Username] = &userRecord{id: r.nextID, password: body.Password}
	r.mu.Unlock()

	r.issueTokens(w, body.Username)
}

func (r *Relay) handleLogin(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	user := r.users[body.Username]
	r.mu.Unlock()
	if user == nil || user.password != body.Password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	r.issueTokens(w, body.Username)
}

func (r *Relay) handleRefresh(w http.ResponseWriter, req *http.Request) {
	r.RefreshCalls.Add(1)

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	username, ok := r.refresh[body.Token]
	if ok {
		// Single use: rotation invalidates the old token server-side.
		delete(r.refresh, body.Token)
	}
	r.mu.Unlock()

	if !ok {
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}

	r.issueTokens(w, username)
}

func (r *Relay) issueTokens(w http.ResponseWriter, username string) {
	r.mu.Lock()
	gen := r.tokenGen
	refreshToken := uuid.NewString()
	r.refresh[refreshToken] = username
	r.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Username: username,
		Gen:      gen,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	access, err := token.SignedString(r.jwtSecret)
	if err != nil {
		http.Error(w, "sign token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  access,
		"refreshToken": refreshToken,
	})
}

func (r *Relay) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		username, ok := r.authenticate(req)
		if !ok {
			// 403 is the signal the client treats as "token invalid,
			// refresh and retry once".
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		req.Header.Set("X-Relay-User", username)
		next.ServeHTTP(w, req)
	})
}

func (r *Relay) authenticate(req *http.Request) (string, bool) {
	auth := req.Header.Get("Authorization")
	if auth == "" {
		// The websocket upgrade cannot always set headers; accept the
		// token as a query parameter there.
		auth = "Bearer " + req.URL.Query().Get("token")
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}

	var c claims
	tok, err := jwt.ParseWithClaims(auth[len(prefix):], &c, func(t *jwt.Token) (any, error) {
		return r.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return "", false
	}

	r.mu.Lock()
	gen := r.tokenGen
	r.mu.Unlock()
	if c.Gen != gen {
		return "", false
	}
	return c.Username, true
}

// --- keys ---

func (r *Relay) handleUpsertKey(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Username  string `json:"username"`
		PublicKey string `json:"publicKey"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.keys[body.Username] = body.PublicKey
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *Relay) handleGetKey(w http.ResponseWriter, req *http.Request) {
	username := chi.URLParam(req, "username")

	r.mu.Lock()
	key, ok := r.keys[username]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": key})
}

// --- session salts ---

func (r *Relay) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body struct {
		SenderUsername   string `json:"senderUsername"`
		ReceiverUsername string `json:"receiverUsername"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	key, ok := r.pairKey(body.SenderUsername, body.ReceiverUsername)
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}

	r.mu.Lock()
	salt, exists := r.salts[key]
	if !exists {
		// Lazily created on first contact, then stable for the pair.
		raw := make([]byte, 32)
		rand.Read(raw)
		salt = base64.StdEncoding.EncodeToString(raw)
		r.salts[key] = salt
	}
	r.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"salt": salt})
}

func (r *Relay) handleGetSession(w http.ResponseWriter, req *http.Request) {
	key, ok := r.pairKey(req.URL.Query().Get("sender"), req.URL.Query().Get("receiver"))
	if !ok {
		http.Error(w, "unknown user", http.StatusNotFound)
		return
	}

	r.mu.Lock()
	salt, exists := r.salts[key]
	r.mu.Unlock()
	if !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"salt": salt})
}

// pairKey maps two usernames to the order-independent (min id, max id) pair.
func (r *Relay) pairKey(a, b string) ([2]int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ua, okA := r.users[a]
	ub, okB := r.users[b]
	if !okA || !okB {
		return [2]int64{}, false
	}
	if ua.id < ub.id {
		return [2]int64{ua.id, ub.id}, true
	}
	return [2]int64{ub.id, ua.id}, true
}

// --- key backups ---

func (r *Relay) handleUpsertBackup(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Username     string `json:"username"`
		Salt         string `json:"salt"`
		EncryptedKey string `json:"encryptedKey"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	r.mu.Lock()
	r.backups[body.Username] = &msgcrypto.KeyBackup{Salt: body.Salt, EncryptedKey: body.EncryptedKey}
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *Relay) handleGetBackup(w http.ResponseWriter, req *http.Request) {
	username := chi.URLParam(req, "username")

	r.mu.Lock()
	backup, ok := r.backups[username]
	r.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, backup)
}

// --- messages ---

func (r *Relay) handleSendMessage(w http.ResponseWriter, req *http.Request) {
	var env msgcrypto.Envelope
	if err := json.NewDecoder(req.Body).Decode(&env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	r.storeAndDeliver(req.Context(), &env)
	w.WriteHeader(http.StatusCreated)
}

func (r *Relay) handleGetMessages(w http.ResponseWriter, req *http.Request) {
	userA := chi.URLParam(req, "userA")
	userB := chi.URLParam(req, "userB")

	before := int64(0)
	if v := req.URL.Query().Get("before"); v != "" {
		before, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	r.mu.Lock()
	var page []*msgcrypto.Envelope
	// Newest first.
	for i := len(r.messages) - 1; i >= 0 && len(page) < limit; i-- {
		env := r.messages[i]
		if before > 0 && env.SentAt >= before {
			continue
		}
		if (env.Sender == userA && env.Receiver == userB) ||
			(env.Sender == userB && env.Receiver == userA) {
			page = append(page, env)
		}
	}
	r.mu.Unlock()

	if page == nil {
		page = []*msgcrypto.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": page})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
