// Package game carries slime soccer's two message streams over a socket
// client: player movement on the game topic and chat lines on the chat topic.
package game

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coletiv/slimesoccer/socket"
)

const (
	GameTopic = "game:slimeSoccer"
	ChatTopic = "chat"

	EventPlayerAction = "playerAction"
	EventNewMessage   = "new_message"
)

var ErrInvalidPayload = errors.New("game: invalid payload")

// PlayerAction is one player's input and position at a point in time.
type PlayerAction struct {
	Player string  `json:"player"`
	Jump   bool    `json:"jump"`
	Left   bool    `json:"left"`
	Right  bool    `json:"right"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Payload converts the action into the wire payload.
func (a PlayerAction) Payload() socket.Payload {
	return toPayload(a)
}

// ParsePlayerAction decodes an inbound payload. Every field must be present.
func ParsePlayerAction(p socket.Payload) (PlayerAction, error) {
	var raw struct {
		Player *string  `json:"player"`
		Jump   *bool    `json:"jump"`
		Left   *bool    `json:"left"`
		Right  *bool    `json:"right"`
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
	}
	if err := fromPayload(p, &raw); err != nil {
		return PlayerAction{}, err
	}
	if raw.Player == nil || raw.Jump == nil || raw.Left == nil || raw.Right == nil || raw.X == nil || raw.Y == nil {
		return PlayerAction{}, fmt.Errorf("%w: incomplete player action", ErrInvalidPayload)
	}
	return PlayerAction{
		Player: *raw.Player,
		Jump:   *raw.Jump,
		Left:   *raw.Left,
		Right:  *raw.Right,
		X:      *raw.X,
		Y:      *raw.Y,
	}, nil
}

type ChatMessage struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (m ChatMessage) Payload() socket.Payload {
	return toPayload(m)
}

// ParseChatMessage decodes an inbound chat payload. A missing name is
// reported as Anonymous; a missing message is an error.
func ParseChatMessage(p socket.Payload) (ChatMessage, error) {
	var raw struct {
		Name    *string `json:"name"`
		Message *string `json:"message"`
	}
	if err := fromPayload(p, &raw); err != nil {
		return ChatMessage{}, err
	}
	if raw.Message == nil {
		return ChatMessage{}, fmt.Errorf("%w: chat message without text", ErrInvalidPayload)
	}
	m := ChatMessage{Name: Anonymous, Message: *raw.Message}
	if raw.Name != nil && *raw.Name != "" {
		m.Name = *raw.Name
	}
	return m, nil
}

// Anonymous is the chat name used when none is given.
const Anonymous = "Anonymous"

func toPayload(v interface{}) socket.Payload {
	data, err := json.Marshal(v)
	if err != nil {
		return socket.Payload{}
	}
	var p socket.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return socket.Payload{}
	}
	return p
}

func fromPayload(p socket.Payload, v interface{}) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
