package msgcrypto

import "log"

// UndecryptablePlaceholder replaces a message field whose ciphertext failed
// to authenticate. The transcript keeps the message's position and metadata.
const UndecryptablePlaceholder = "[undecryptable message]"

// Envelope is the wire form of a message. Content, FilePath, and FileName
// are each independently sealed base64 blobs; everything else is plaintext
// routing metadata.
type Envelope struct {
	ID          string `json:"id,omitempty"`
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	GroupID     string `json:"groupId,omitempty"`
	Kind        string `json:"kind"` // "text", "image", "video", "file"
	Content     string `json:"content,omitempty"`
	FilePath    string `json:"filePath,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	SentAt      int64  `json:"sentAt"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"`

	// DecryptFailed is set locally when any field failed to open.
	// Never serialized to the relay.
	DecryptFailed bool `json:"-"`
}

// SealEnvelope seals each meaningful field of env in place under key.
// Empty fields are left empty rather than sealed.
func SealEnvelope(key []byte, env *Envelope) error {
	fields := []*string{&env.Content, &env.FilePath, &env.FileName}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		sealed, err := Seal(key, []byte(*f))
		if err != nil {
			return err
		}
		*f = sealed
	}
	return nil
}

// OpenEnvelope opens each sealed field of env in place. A field that fails
// to open (tag mismatch, malformed base64, wrong key) is replaced with
// UndecryptablePlaceholder and the envelope is flagged; metadata and message
// identity are preserved so the transcript stays consistent. Decrypt
// failures are logged, never returned.
func OpenEnvelope(key []byte, env *Envelope, logger *log.Logger) {
	fields := []*string{&env.Content, &env.FilePath, &env.FileName}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		plain, err := Open(key, *f)
		if err != nil {
			if logger != nil {
				logger.Printf("open message %s field: %v", env.ID, err)
			}
			*f = UndecryptablePlaceholder
			env.DecryptFailed = true
			continue
		}
		*f = string(plain)
	}
}
