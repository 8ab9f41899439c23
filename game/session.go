package game

import (
	"sort"
	"sync"

	"github.com/coletiv/slimesoccer/debug"
	"github.com/coletiv/slimesoccer/socket"

	"github.com/rs/zerolog"
)

// Session joins the game and chat topics every time its client connects and
// keeps the last action seen from each remote player.
type Session struct {
	client      *socket.Client
	local       string
	joinPayload socket.Payload

	onAction    func(PlayerAction)
	onChat      func(ChatMessage)
	onJoinError func(topic string, reason socket.Payload)

	mu     sync.RWMutex
	remote map[string]PlayerAction

	log zerolog.Logger
}

type SessionOption func(*Session)

// WithLocalPlayer ignores inbound actions for the player controlled here.
func WithLocalPlayer(id string) SessionOption {
	return func(s *Session) {
		s.local = id
	}
}

// WithJoinPayload sets the payload sent when joining the game topic.
func WithJoinPayload(p socket.Payload) SessionOption {
	return func(s *Session) {
		s.joinPayload = p
	}
}

func OnAction(fn func(PlayerAction)) SessionOption {
	return func(s *Session) {
		s.onAction = fn
	}
}

func OnChat(fn func(ChatMessage)) SessionOption {
	return func(s *Session) {
		s.onChat = fn
	}
}

func OnJoinError(fn func(topic string, reason socket.Payload)) SessionOption {
	return func(s *Session) {
		s.onJoinError = fn
	}
}

func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.log = l
	}
}

func NewSession(client *socket.Client, opts ...SessionOption) *Session {
	s := &Session{
		client:      client,
		joinPayload: socket.Payload{},
		remote:      make(map[string]PlayerAction),
		log:         debug.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start connects the client. Both topics are joined on every successful
// connect, reconnects included.
func (s *Session) Start() error {
	return s.client.Connect(s.join)
}

func (s *Session) join() {
	game := []socket.Listener{{Event: EventPlayerAction, Handler: s.handleAction}}
	if err := s.client.JoinChannel(GameTopic, s.joinPayload, game, nil, s.joinFailed(GameTopic)); err != nil {
		s.log.Warn().Err(err).Str("topic", GameTopic).Msg("join failed")
	}

	chat := []socket.Listener{{Event: EventNewMessage, Handler: s.handleChat}}
	if err := s.client.JoinChannel(ChatTopic, socket.Payload{}, chat, nil, s.joinFailed(ChatTopic)); err != nil {
		s.log.Warn().Err(err).Str("topic", ChatTopic).Msg("join failed")
	}
}

func (s *Session) joinFailed(topic string) socket.ReplyHandler {
	return func(reason socket.Payload) {
		s.log.Warn().Str("topic", topic).Interface("reason", reason).Msg("join rejected")
		if s.onJoinError != nil {
			s.onJoinError(topic, reason)
		}
	}
}

func (s *Session) handleAction(p socket.Payload) {
	a, err := ParsePlayerAction(p)
	if err != nil {
		debug.Printf("game: dropping action: %v", err)
		return
	}
	if a.Player == s.local && s.local != "" {
		return
	}

	s.mu.Lock()
	s.remote[a.Player] = a
	s.mu.Unlock()

	if s.onAction != nil {
		s.onAction(a)
	}
}

func (s *Session) handleChat(p socket.Payload) {
	m, err := ParseChatMessage(p)
	if err != nil {
		debug.Printf("game: dropping chat message: %v", err)
		return
	}
	if s.onChat != nil {
		s.onChat(m)
	}
}

// SendAction pushes a on the game topic. onError receives the server's
// reason, or an empty payload when the client is not connected.
func (s *Session) SendAction(a PlayerAction, onError socket.ReplyHandler) error {
	return s.client.SendMessage(GameTopic, EventPlayerAction, a.Payload(), nil, onError)
}

// SendChat pushes a chat line. An empty name is sent as Anonymous.
func (s *Session) SendChat(name, message string, onError socket.ReplyHandler) error {
	if name == "" {
		name = Anonymous
	}
	m := ChatMessage{Name: name, Message: message}
	return s.client.SendMessage(ChatTopic, EventNewMessage, m.Payload(), nil, onError)
}

// Remote returns the last action seen for player.
func (s *Session) Remote(player string) (PlayerAction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.remote[player]
	return a, ok
}

// Players lists the remote players seen so far, sorted.
func (s *Session) Players() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.remote))
	for id := range s.remote {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Ready reports whether both topics are joined.
func (s *Session) Ready() bool {
	for _, topic := range []string{GameTopic, ChatTopic} {
		st, ok := s.client.ChannelState(topic)
		if !ok || st != socket.ChannelJoined {
			return false
		}
	}
	return true
}

// Stop leaves both topics and disconnects.
func (s *Session) Stop() {
	s.client.LeaveChannel(GameTopic)
	s.client.LeaveChannel(ChatTopic)
	s.client.Disconnect()
}
