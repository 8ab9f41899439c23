// Package relay is a minimal channels server for the socket client. It
// acknowledges joins, leaves and heartbeats, and fans every push on a joined
// topic out to the topic's other members.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coletiv/slimesoccer/debug"
	"github.com/coletiv/slimesoccer/socket/transport"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

// DefaultPath is where the websocket endpoint is mounted.
const DefaultPath = "/socket/websocket"

// ReasonUnmatchedTopic is the error reason for a push on a topic the sender
// has not joined.
const ReasonUnmatchedTopic = "unmatched topic"

var ErrServerClosed = errors.New("relay: server closed")

// Authorizer decides whether a connection may join topic. params are the
// query parameters the connection was opened with.
type Authorizer func(topic string, payload transport.Payload, params url.Values) error

// ConnectAuthorizer decides whether a websocket may be opened at all.
type ConnectAuthorizer func(params url.Values) error

type config struct {
	path         string
	bufferSize   int
	writeTimeout time.Duration
	readTimeout  time.Duration
	compression  bool
}

type Server struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool

	topics *topics
	cfg    config

	authorize        Authorizer
	authorizeConnect ConnectAuthorizer

	upgrader websocket.Upgrader
	log      zerolog.Logger
	metrics  *metrics
}

type ServerOption func(*Server)

func WithPath(path string) ServerOption {
	return func(s *Server) {
		s.cfg.path = path
	}
}

// WithBufferSize sets how many outbound frames may queue per connection
// before the connection is dropped.
func WithBufferSize(size int) ServerOption {
	return func(s *Server) {
		s.cfg.bufferSize = size
	}
}

func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.cfg.writeTimeout = d
	}
}

// WithReadTimeout closes connections that stay silent for d. Clients
// heartbeat every 30 seconds by default.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.cfg.readTimeout = d
	}
}

func WithCompression(enabled bool) ServerOption {
	return func(s *Server) {
		s.cfg.compression = enabled
	}
}

func WithAuthorizer(fn Authorizer) ServerOption {
	return func(s *Server) {
		s.authorize = fn
	}
}

func WithConnectAuthorizer(fn ConnectAuthorizer) ServerOption {
	return func(s *Server) {
		s.authorizeConnect = fn
	}
}

func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

func WithMetricsRegistry(reg gometrics.Registry) ServerOption {
	return func(s *Server) {
		s.metrics = newMetrics(reg)
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		conns: make(map[string]*conn),
		cfg: config{
			path:         DefaultPath,
			bufferSize:   100,
			writeTimeout: 10 * time.Second,
			readTimeout:  60 * time.Second,
		},
		log:     debug.Logger(),
		metrics: newMetrics(nil),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.topics = newTopics(s.metrics)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: s.cfg.compression,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return s
}

// Handler routes the websocket endpoint plus /metrics and /health.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle(s.cfg.path, http.HandlerFunc(s.ServeWS))
	r.HandleFunc("/metrics", s.serveMetrics).Methods(http.MethodGet)
	r.HandleFunc("/health", s.serveHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) Metrics() gometrics.Registry {
	return s.metrics.reg
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Topics returns the names of topics with at least one member, sorted.
func (s *Server) Topics() []string {
	return s.topics.names()
}

// Members returns how many connections joined topic.
func (s *Server) Members(topic string) int {
	return s.topics.count(topic)
}

// ServeWS upgrades the request and serves the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if s.authorizeConnect != nil {
		if err := s.authorizeConnect(params); err != nil {
			s.metrics.incr(MetricRejected, 1)
			s.log.Info().Err(err).Msg("connection rejected")
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newConn(uuid.NewString(), ws, params, s.cfg, s.metrics)
	if !s.register(c) {
		c.close()
		return
	}
	defer s.unregister(c)

	s.run(c)
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	s.metrics.incr(MetricConns, 1)
	s.log.Debug().Str("conn", c.id).Msg("connection opened")
	return true
}

func (s *Server) unregister(c *conn) {
	s.topics.leaveAll(c.id)

	s.mu.Lock()
	if _, ok := s.conns[c.id]; ok {
		delete(s.conns, c.id)
		s.metrics.decr(MetricConns, 1)
	}
	s.mu.Unlock()

	c.close()
	s.log.Debug().Str("conn", c.id).Msg("connection closed")
}

func (s *Server) run(c *conn) {
	for {
		f, err := c.read()
		if err != nil {
			if errors.Is(err, transport.ErrInvalidFrame) {
				s.metrics.incr(MetricInvalid, 1)
				debug.Printf("relay conn %s: %v", c.id, err)
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debug.Printf("relay conn %s: read error: %v", c.id, err)
			}
			return
		}
		s.handle(c, f)
	}
}

func (s *Server) handle(c *conn, f transport.Frame) {
	ok := transport.Payload{}

	switch {
	case f.Topic == transport.TopicPhoenix && f.Event == transport.EventHeartbeat:
		c.write(transport.ReplyFrame(f.Topic, f.Ref, transport.StatusOK, ok))

	case f.Event == transport.EventJoin:
		if s.authorize != nil {
			if err := s.authorize(f.Topic, f.Payload, c.params); err != nil {
				s.metrics.incr(MetricJoinDenied, 1)
				s.log.Info().Str("conn", c.id).Str("topic", f.Topic).Err(err).Msg("join denied")
				c.write(transport.ReplyFrame(f.Topic, f.Ref, transport.StatusError,
					transport.Payload{"reason": err.Error()}))
				return
			}
		}
		s.topics.join(f.Topic, c)
		c.write(transport.ReplyFrame(f.Topic, f.Ref, transport.StatusOK, ok))

	case f.Event == transport.EventLeave:
		s.topics.leave(f.Topic, c.id)
		c.write(transport.ReplyFrame(f.Topic, f.Ref, transport.StatusOK, ok))

	case s.topics.has(f.Topic, c.id):
		c.write(transport.ReplyFrame(f.Topic, f.Ref, transport.StatusOK, ok))
		n := s.topics.broadcastFrom(c.id, transport.Frame{
			Topic:   f.Topic,
			Event:   f.Event,
			Payload: f.Payload,
		})
		s.metrics.incr(MetricBroadcasts, int64(n))

	default:
		s.metrics.incr(MetricUnmatched, 1)
		c.write(transport.ReplyFrame(f.Topic, f.Ref, transport.StatusError,
			transport.Payload{"reason": ReasonUnmatchedTopic}))
	}
}

// Shutdown closes every connection and refuses new ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			c.close()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportMetrics writes the registry as JSON to the server logger every tick
// until ctx ends.
func (s *Server) ReportMetrics(ctx context.Context, tick time.Duration) {
	s.metrics.report(logWriter{s.log}, tick, ctx.Done())
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.metrics.writeOnce(w)
}

type health struct {
	Status string   `json:"status"`
	Conns  int      `json:"conns"`
	Topics []string `json:"topics"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health{Status: "ok", Conns: s.Count(), Topics: s.Topics()})
}

type logWriter struct {
	log zerolog.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Info().RawJSON("metrics", trimNewline(p)).Msg("metrics")
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}
