package relaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"cipherlink/internal/msgcrypto"
)

// frame mirrors the client's push-channel framing.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// wsClient is one connected receiver. Writes are serialized per connection.
type wsClient struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsClient) send(ctx context.Context, f *frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (r *Relay) handleWS(w http.ResponseWriter, req *http.Request) {
	username := req.Header.Get("X-Relay-User")

	ws, err := websocket.Accept(w, req, nil)
	if err != nil {
		return
	}
	client := &wsClient{ws: ws}

	r.mu.Lock()
	r.online[username] = client
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.online[username] == client {
			delete(r.online, username)
		}
		r.mu.Unlock()
		ws.CloseNow()
	}()

	ctx := req.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Event {
		case "ping":
			client.send(ctx, &frame{Event: "pong"})
		case "send-message":
			var env msgcrypto.Envelope
			if err := json.Unmarshal(f.Data, &env); err != nil {
				continue
			}
			r.storeAndDeliver(ctx, &env)
		}
	}
}

// storeAndDeliver persists an envelope and pushes it to the receiver if one
// is online. Offline receivers recover it from the paged history endpoint.
func (r *Relay) storeAndDeliver(ctx context.Context, env *msgcrypto.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.SentAt == 0 {
		env.SentAt = time.Now().UnixMilli()
	}

	r.mu.Lock()
	r.messages = append(r.messages, env)
	receiver := r.online[env.Receiver]
	r.mu.Unlock()

	if receiver != nil {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		receiver.send(ctx, &frame{Event: "receive-message", Data: data})
	}
}
