package relayws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// wsURL converts an httptest server URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeFrame(ctx context.Context, ws *websocket.Conn, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func readFrame(ctx context.Context, ws *websocket.Conn) (*Frame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	f := new(Frame)
	if err := json.Unmarshal(data, f); err != nil {
		return nil, err
	}
	return f, nil
}

func TestConnEventRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		ctx := r.Context()
		f, err := readFrame(ctx, ws)
		if err != nil {
			return
		}
		// Echo the event back under the receive name.
		writeFrame(ctx, ws, &Frame{Event: EventReceiveMessage, Data: f.Data})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()

	type msg struct {
		Body string `json:"body"`
	}
	if err := conn.WriteEvent(ctx, EventSendMessage, msg{Body: "hi"}); err != nil {
		t.Fatal(err)
	}

	frame, err := conn.ReadFrame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Event != EventReceiveMessage {
		t.Errorf("event: got %q, want %q", frame.Event, EventReceiveMessage)
	}
	var got msg
	if err := frame.Unmarshal(&got); err != nil {
		t.Fatal(err)
	}
	if got.Body != "hi" {
		t.Errorf("body: got %q, want hi", got.Body)
	}
}

func TestKeepAlivePingPong(t *testing.T) {
	var gotPing atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer ws.CloseNow()

		ctx := r.Context()
		for {
			f, err := readFrame(ctx, ws)
			if err != nil {
				return
			}
			if f.Event == EventPing {
				gotPing.Store(true)
				writeFrame(ctx, ws, &Frame{Event: EventPong})
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(30*time.Millisecond),
		WithKeepAliveTimeout(time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	deadline := time.Now().Add(3 * time.Second)
	for !gotPing.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !gotPing.Load() {
		t.Error("server never received a ping")
	}
}

func TestReadFrameReconnects(t *testing.T) {
	var dials atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		ctx := r.Context()
		if n == 1 {
			// Drop the first connection immediately.
			ws.CloseNow()
			return
		}
		writeFrame(ctx, ws, &Frame{Event: EventReceiveMessage})
		// Keep the connection open until the client is done.
		readFrame(ctx, ws)
		ws.CloseNow()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, wsURL(srv), nil,
		WithKeepAliveInterval(time.Minute),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	frame, err := pc.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("read after reconnect: %v", err)
	}
	if frame.Event != EventReceiveMessage {
		t.Errorf("event: got %q", frame.Event)
	}
	if dials.Load() < 2 {
		t.Errorf("dials: got %d, want at least 2", dials.Load())
	}
}

func TestClosedConnStopsReconnecting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		readFrame(r.Context(), ws)
		ws.CloseNow()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pc, err := DialPersistent(ctx, wsURL(srv), nil, WithKeepAliveInterval(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	pc.Close()

	if _, err := pc.ReadFrame(ctx); err == nil {
		t.Error("read on closed conn should fail, not reconnect")
	}
}
