package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// subscribeFrame is sent once per connection to select channels.
type subscribeFrame struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// envelope is the frame the server pushes. A frame without data is taken
// to be the event itself.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// WebSocketTransport reads events from a websocket stream server.
type WebSocketTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

func NewWebSocketTransport(url string, header http.Header) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (t *WebSocketTransport) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	if err := conn.WriteJSON(subscribeFrame{Op: "subscribe", Channels: channels}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	return &wsSubscription{conn: conn}, nil
}

func (t *WebSocketTransport) Close() error { return nil }

type wsSubscription struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (s *wsSubscription) Receive(ctx context.Context) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var env envelope
	if json.Unmarshal(data, &env) == nil && len(env.Data) > 0 {
		return Message{Channel: env.Channel, Payload: env.Data}, nil
	}
	return Message{Payload: data}, nil
}

func (s *wsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
