package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coletiv/slimesoccer/debug"

	"github.com/gorilla/websocket"
)

type WebSocketDialer struct {
	dialer           *websocket.Dialer
	headers          http.Header
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	writeTimeout     time.Duration
	compression      bool
}

type WebSocketOption func(*WebSocketDialer)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.headers = headers
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.handshakeTimeout = timeout
	}
}

// WithReadTimeout drops the connection when nothing arrives for timeout.
// Keep it above the client heartbeat interval.
func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.writeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(d *WebSocketDialer) {
		d.compression = enabled
	}
}

func NewWebSocketDialer(opts ...WebSocketOption) *WebSocketDialer {
	d := &WebSocketDialer{
		dialer:           websocket.DefaultDialer,
		headers:          make(http.Header),
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	target := endpoint.DialURL()
	if target == "" {
		return nil, errors.New("websocket: empty endpoint")
	}

	debug.Printf("WebSocketDialer: Connecting to %s", endpoint)

	dialer := *d.dialer
	dialer.HandshakeTimeout = d.handshakeTimeout
	dialer.EnableCompression = d.compression

	ws, _, err := dialer.DialContext(ctx, target, d.headers)
	if err != nil {
		debug.Printf("WebSocketDialer: Connection failed: %v", err)
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	debug.Printf("WebSocketDialer: Connected successfully")
	return &WebSocketConn{
		conn:         ws,
		readTimeout:  d.readTimeout,
		writeTimeout: d.writeTimeout,
	}, nil
}

// WebSocketConn is a Conn over one gorilla websocket. Send may be called
// concurrently; Receive must only be called from one goroutine.
type WebSocketConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	closed       bool
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *WebSocketConn) Send(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotConnected
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			debug.Printf("WebSocketConn: Error setting write deadline: %v", err)
			return err
		}
	}

	debug.Printf("WebSocketConn: Sending data: %s", string(data))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		debug.Printf("WebSocketConn: Send error: %v", err)
	}
	return err
}

func (c *WebSocketConn) Receive() (Frame, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			debug.Printf("WebSocketConn: Error setting read deadline: %v", err)
			return Frame{}, err
		}
	}

	_, message, err := c.conn.ReadMessage()
	if err != nil {
		debug.Printf("WebSocketConn: Read error: %v", err)
		return Frame{}, err
	}

	debug.Printf("WebSocketConn: Received data: %s", string(message))
	return Decode(message)
}

func (c *WebSocketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	debug.Printf("WebSocketConn: Closing connection")

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		debug.Printf("WebSocketConn: Error sending close message: %v", err)
	}

	err = c.conn.Close()
	if err != nil {
		debug.Printf("WebSocketConn: Error closing connection: %v", err)
	}
	return err
}
