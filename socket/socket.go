// Package socket multiplexes one transport connection into independently
// joinable topics ("channels"), correlates pushes with their replies and
// reconnects when the transport drops.
//
//	c := socket.NewClient(nil)
//	if err := c.Setup("ws://localhost:4000/socket/websocket", nil); err != nil {
//		return err
//	}
//	c.JoinChannel("room:1", nil, []socket.Listener{{Event: "chat", Handler: onChat}}, onJoined, onJoinFailed)
//
// Callbacks never run while the client holds its lock, so they may call back
// into the client.
package socket

import (
	"errors"
	"fmt"

	"github.com/coletiv/slimesoccer/socket/transport"
)

type (
	Payload = transport.Payload
	Frame   = transport.Frame
	Ref     = transport.Ref
)

// Handler receives the payload of an inbound event.
type Handler func(payload Payload)

// ReplyHandler receives the response payload of an ok or error reply.
type ReplyHandler func(response Payload)

// Listener binds a Handler to an event name when joining a channel.
type Listener struct {
	Event   string
	Handler Handler
}

var (
	ErrNotConnected  = errors.New("socket: not connected")
	ErrPushDiscarded = errors.New("socket: push discarded before reply")
	ErrAlreadyJoined = errors.New("socket: channel already joining or joined")
)

// ConfigError reports a bad Setup or an operation attempted before Setup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("socket: invalid %s: %s", e.Field, e.Reason)
}

// TransportError wraps a connect or send failure reported by the transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("socket: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotJoinedError is returned when pushing on a topic that is not joined.
type NotJoinedError struct {
	Topic string
	State ChannelState
}

func (e *NotJoinedError) Error() string {
	return fmt.Sprintf("socket: topic %q not joined (state %s)", e.Topic, e.State)
}

// errorPayload is what onError receives for failures detected locally.
func errorPayload(err error) Payload {
	if err == nil {
		return Payload{}
	}
	return Payload{"reason": err.Error()}
}
