// Package transport carries frames between the socket client and a channels
// server. The client only depends on Dialer and Conn; the websocket
// implementation lives in websocket.go.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ProtocolVersion is sent as the vsn query parameter on every connect.
const ProtocolVersion = "1.0.0"

var ErrNotConnected = errors.New("not connected")

// Conn is one live duplex connection.
type Conn interface {
	Send(f Frame) error
	// Receive blocks until the next frame arrives. Errors wrapping
	// ErrInvalidFrame leave the connection usable; any other error means the
	// connection is gone.
	Receive() (Frame, error)
	Close() error
}

// Dialer opens connections against an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Conn, error)
}

// Endpoint is the server address plus the authentication payload sent with
// every connect attempt.
type Endpoint struct {
	URL    *url.URL
	Params map[string]string
}

// ParseEndpoint validates raw and copies params. http and https URLs are
// rewritten to ws and wss.
func ParseEndpoint(raw string, params map[string]string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, errors.New("empty address")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return Endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("missing host in %q", raw)
	}

	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return Endpoint{URL: u, Params: cp}, nil
}

// DialURL is the URL actually dialed: the endpoint with the auth payload and
// protocol version merged into its query.
func (e Endpoint) DialURL() string {
	if e.URL == nil {
		return ""
	}
	u := *e.URL
	q := u.Query()
	for k, v := range e.Params {
		q.Set(k, v)
	}
	q.Set("vsn", ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String()
}

func (e Endpoint) String() string {
	if e.URL == nil {
		return ""
	}
	return e.URL.String()
}
