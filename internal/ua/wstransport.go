package ua

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"

	"webphone/internal/logging"
)

// wsTransport carries SIP messages over a secure WebSocket per RFC 7118: one
// WebSocket text frame per complete SIP message, subprotocol "sip". It tries
// the configured endpoints in order and reports connect/close back to the
// adapter so EventTransportCreated/EventDisconnected can be raised without
// the adapter reaching into gorilla/websocket directly.
type wsTransport struct {
	endpoints []string
	userAgent string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	onMessage    func(frame []byte)
	onDisconnect func(err error)
}

func newWSTransport(endpoints []string, userAgent string) *wsTransport {
	return &wsTransport{endpoints: endpoints, userAgent: userAgent}
}

var wsDialer = websocket.Dialer{
	Subprotocols:     []string{"sip"},
	HandshakeTimeout: 10 * time.Second,
}

// Dial tries each configured wss endpoint in order, returning the first
// successful connection. Callers apply their own overall deadline via ctx.
func (t *wsTransport) Dial(ctx context.Context) error {
	if len(t.endpoints) == 0 {
		return errors.New("no wsServers configured")
	}

	var lastErr error
	for _, ep := range t.endpoints {
		header := make(map[string][]string)
		if t.userAgent != "" {
			header["User-Agent"] = []string{t.userAgent}
		}
		conn, resp, err := wsDialer.DialContext(ctx, ep, header)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", ep, err)
			logging.Warnf("ua: websocket dial to %s failed: %v", ep, err)
			continue
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		t.mu.Lock()
		t.conn = conn
		t.closed = false
		t.mu.Unlock()

		go t.readLoop(conn)
		return nil
	}
	return errors.Wrap(lastErr, "all wsServers exhausted")
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasClosed := t.closed
			t.closed = true
			t.mu.Unlock()

			if !wasClosed && t.onDisconnect != nil {
				t.onDisconnect(err)
			}
			return
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue // WS ping/pong framing (CRLF keepalive) carries no SIP message
		}
		if t.onMessage != nil {
			t.onMessage(data)
		}
	}
}

// Send writes one complete SIP message as a single WebSocket text frame.
func (t *wsTransport) Send(raw []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if conn == nil || closed {
		return errors.New("websocket transport not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the underlying connection, idempotently.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	alreadyClosed := t.closed
	t.closed = true
	t.mu.Unlock()

	if conn == nil || alreadyClosed {
		return nil
	}
	return conn.Close()
}

func (t *wsTransport) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}
