// Package relayws provides JSON-framed WebSocket communication for the
// relay's real-time message channel.
package relayws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Event names on the relay push channel.
const (
	EventSendMessage    = "send-message"
	EventReceiveMessage = "receive-message"
	EventPing           = "ping"
	EventPong           = "pong"
)

// Frame is one event on the push channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Unmarshal decodes the frame's data payload into v.
func (f *Frame) Unmarshal(v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("relayws: unmarshal %s data: %w", f.Event, err)
	}
	return nil
}

// Conn wraps a WebSocket connection with JSON event framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers (e.g. the bearer token) are added to the upgrade
// request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("relayws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads and unmarshals the next event from the connection.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("relayws: read: %w", err)
	}
	frame := new(Frame)
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("relayws: unmarshal: %w", err)
	}
	return frame, nil
}

// WriteFrame marshals and sends an event.
func (c *Conn) WriteFrame(ctx context.Context, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("relayws: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relayws: write: %w", err)
	}
	return nil
}

// WriteEvent marshals data and sends it under the given event name.
func (c *Conn) WriteEvent(ctx context.Context, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("relayws: marshal event data: %w", err)
	}
	return c.WriteFrame(ctx, &Frame{Event: event, Data: raw})
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
