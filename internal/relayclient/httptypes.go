package relayclient

import "cipherlink/internal/msgcrypto"

// User identifies a registered account. Immutable once created.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// TokenPair is the relay's bearer credential pair. The access token lives
// only in memory; the refresh token is persisted and rotated on each use.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// credentialsRequest is the body of /auth/register and /auth/login.
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// refreshRequest is the body of /auth/token.
type refreshRequest struct {
	Token string `json:"token"`
}

// keyUpload is the body of POST /keys.
type keyUpload struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"` // base64 X9.63
}

// keyResponse is the body of GET /keys/:username.
type keyResponse struct {
	PublicKey string `json:"publicKey"`
}

// sessionRequest is the body of POST /session.
type sessionRequest struct {
	SenderUsername   string `json:"senderUsername"`
	ReceiverUsername string `json:"receiverUsername"`
}

// saltResponse carries a conversation pair salt.
type saltResponse struct {
	Salt string `json:"salt"` // base64, 32 bytes
}

// backupUpload is the body of POST /key-backup.
type backupUpload struct {
	Username     string `json:"username"`
	Salt         string `json:"salt"`
	EncryptedKey string `json:"encryptedKey"`
}

// messagesPage is one reverse-chronological page of envelopes.
type messagesPage struct {
	Messages []*msgcrypto.Envelope `json:"messages"`
}
