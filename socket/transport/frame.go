package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Channel lifecycle events and the reserved topic used for heartbeats.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	TopicPhoenix = "phoenix"

	StatusOK    = "ok"
	StatusError = "error"
)

var ErrInvalidFrame = errors.New("invalid frame format")

// Payload is the string-keyed body of a frame.
type Payload map[string]interface{}

// Ref correlates a push with its reply. The zero Ref means "no ref" and is
// encoded as JSON null.
type Ref uint64

func (r Ref) MarshalJSON() ([]byte, error) {
	if r == 0 {
		return []byte("null"), nil
	}
	return strconv.AppendUint(nil, uint64(r), 10), nil
}

// UnmarshalJSON accepts null, a number, or a numeric string. Phoenix JS
// clients send refs as strings and servers echo them back verbatim.
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}
	if len(data) >= 2 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*r = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("ref %q: %w", data, err)
	}
	*r = Ref(n)
	return nil
}

// Frame is the unit exchanged with the server.
type Frame struct {
	Topic   string  `json:"topic"`
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
	Ref     Ref     `json:"ref"`
}

// Encode serialises a frame. A nil payload is sent as an empty object.
func Encode(f Frame) ([]byte, error) {
	if f.Payload == nil {
		f.Payload = Payload{}
	}
	return json.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.Topic == "" || f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing topic or event", ErrInvalidFrame)
	}
	if f.Payload == nil {
		f.Payload = Payload{}
	}
	return f, nil
}

// ReplyStatus extracts status and response from a reply payload. ok is false
// when the frame carries no ref or the status is neither "ok" nor "error".
func (f Frame) ReplyStatus() (status string, response Payload, ok bool) {
	if f.Ref == 0 {
		return "", nil, false
	}
	status, _ = f.Payload["status"].(string)
	if status != StatusOK && status != StatusError {
		return "", nil, false
	}
	switch r := f.Payload["response"].(type) {
	case Payload:
		response = r
	case map[string]interface{}:
		response = Payload(r)
	default:
		response = Payload{}
	}
	return status, response, true
}

// ReplyFrame builds the phx_reply frame answering ref on topic.
func ReplyFrame(topic string, ref Ref, status string, response Payload) Frame {
	if response == nil {
		response = Payload{}
	}
	return Frame{
		Topic: topic,
		Event: EventReply,
		Ref:   ref,
		Payload: Payload{
			"status":   status,
			"response": response,
		},
	}
}
