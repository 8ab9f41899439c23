package socket

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/coletiv/slimesoccer/debug"
	"github.com/coletiv/slimesoccer/socket/transport"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// timer is the part of *time.Timer the reconnect path needs.
type timer interface {
	Stop() bool
}

type deferredJoin struct {
	topic string
	run   func()
}

// Client owns one transport connection and the channels multiplexed over it.
// Every mutation of connection, channel and pending-reply state happens under
// mu. Inbound frames, outbound calls and the reconnect timer all serialize on
// it, and callbacks run only after it is released.
type Client struct {
	mu         sync.Mutex
	id         string
	dialer     transport.Dialer
	endpoint   transport.Endpoint
	configured bool

	conn       transport.Conn
	state      connState
	gen        uint64
	dialCancel context.CancelFunc
	connCancel context.CancelFunc

	channels map[string]*channel
	refs     *correlator

	onConnect    func()
	onDisconnect func(error)
	afterConnect []deferredJoin

	autoReconnect  bool
	reconnect      bool
	reconnectTimer timer
	attempts       int
	maxAttempts    int
	backoff        BackoffConfig
	rng            *rand.Rand

	heartbeat time.Duration
	afterFunc func(time.Duration, func()) timer

	log     zerolog.Logger
	metrics *metrics
}

type ClientOption func(*Client)

// WithReconnectDelay sets the delay before the first reconnect attempt.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.backoff.InitialDelay = d
	}
}

func WithMaxReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.backoff.MaxDelay = d
	}
}

// WithReconnectMultiplier grows the delay between consecutive failed
// attempts. 1 keeps it fixed.
func WithReconnectMultiplier(m float64) ClientOption {
	return func(c *Client) {
		c.backoff.Multiplier = m
	}
}

func WithReconnectJitter(enabled bool) ClientOption {
	return func(c *Client) {
		c.backoff.Jitter = enabled
	}
}

// WithReconnectAttempts caps consecutive reconnect attempts. 0 means no cap.
func WithReconnectAttempts(attempts int) ClientOption {
	return func(c *Client) {
		c.maxAttempts = attempts
	}
}

func WithAutoReconnect(enabled bool) ClientOption {
	return func(c *Client) {
		c.autoReconnect = enabled
	}
}

// WithHeartbeat sets the heartbeat interval. 0 disables heartbeats.
func WithHeartbeat(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeat = d
	}
}

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

func WithMetricsRegistry(reg gometrics.Registry) ClientOption {
	return func(c *Client) {
		c.metrics = newMetrics(reg)
	}
}

// NewClient returns an unconfigured client. A nil dialer selects the
// websocket transport.
func NewClient(dialer transport.Dialer, opts ...ClientOption) *Client {
	if dialer == nil {
		dialer = transport.NewWebSocketDialer()
	}

	c := &Client{
		id:            generateID(),
		dialer:        dialer,
		channels:      make(map[string]*channel),
		refs:          newCorrelator(),
		autoReconnect: true,
		backoff:       DefaultBackoff(),
		heartbeat:     30 * time.Second,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		log:     debug.Logger(),
		metrics: newMetrics(nil),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.With().Str("client", c.id).Logger()
	return c
}

func (c *Client) ID() string {
	return c.id
}

// Metrics returns the registry the client records into.
func (c *Client) Metrics() gometrics.Registry {
	return c.metrics.reg
}

// Setup stores the endpoint and authentication payload used by every
// connect attempt. It may be called again before Connect.
func (c *Client) Setup(address string, authPayload map[string]string) error {
	ep, err := transport.ParseEndpoint(address, authPayload)
	if err != nil {
		return &ConfigError{Field: "endpoint", Reason: err.Error()}
	}

	c.mu.Lock()
	c.endpoint = ep
	c.configured = true
	c.mu.Unlock()

	c.log.Debug().Str("endpoint", ep.String()).Msg("socket configured")
	return nil
}

// Connect dials the configured endpoint unless a connection exists or is
// being established. onConnect, when non-nil, replaces the handler that runs
// after every successful establishment, reconnects included. Connect also
// re-enables automatic reconnect after a Disconnect.
func (c *Client) Connect(onConnect func()) error {
	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		return errNotConfigured()
	}
	if onConnect != nil {
		c.onConnect = onConnect
	}
	run := c.connectLocked()
	c.mu.Unlock()

	if run != nil {
		go run()
	}
	return nil
}

// OnDisconnect sets the handler run when an established connection ends.
// cause is nil for an explicit Disconnect.
func (c *Client) OnDisconnect(fn func(cause error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Disconnect closes the connection and disables automatic reconnect until
// the next Connect. A reconnect already scheduled does nothing when it fires.
// Pending replies are discarded without running their callbacks.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnect = false
	c.stopReconnectTimerLocked()
	c.gen++
	c.afterConnect = nil
	conn := c.conn
	wasConnected := c.state == stateConnected
	discarded := c.teardownLocked()
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close transport")
		}
	}
	if !wasConnected {
		return
	}

	c.metrics.incr(MetricDisconnects, 1)
	c.log.Info().Int("discarded", discarded).Msg("disconnected")
	if onDisconnect != nil {
		onDisconnect(nil)
	}
}

// Close disconnects and forgets every channel.
func (c *Client) Close() error {
	c.Disconnect()

	c.mu.Lock()
	c.channels = make(map[string]*channel)
	c.mu.Unlock()

	c.metrics.gauge(MetricChannels, 0)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// JoinChannel joins topic with payload. It is a no-op while the topic is
// joining or joined. When not connected the join is deferred until the next
// successful connect, and a connect is started if none is in progress.
// Exactly one of onJoinOk and onJoinError runs if the join reply arrives; a
// join that cannot be sent runs onJoinError with a "reason".
//
// Joining a topic whose channel is closed or errored replaces that channel,
// dropping listeners attached to it earlier.
func (c *Client) JoinChannel(topic string, payload Payload, listeners []Listener, onJoinOk, onJoinError ReplyHandler) error {
	c.mu.Lock()
	if !c.configured {
		c.mu.Unlock()
		return errNotConfigured()
	}

	if ch, ok := c.channels[topic]; ok && ch.state.Active() {
		state := ch.state
		c.mu.Unlock()
		c.metrics.incr(MetricDuplicateJoins, 1)
		c.log.Debug().Str("topic", topic).Stringer("state", state).Msg("join ignored")
		return nil
	}

	if c.state != stateConnected {
		c.afterConnect = append(c.afterConnect, deferredJoin{
			topic: topic,
			run: func() {
				if err := c.JoinChannel(topic, payload, listeners, onJoinOk, onJoinError); err != nil {
					c.log.Warn().Err(err).Str("topic", topic).Msg("deferred join failed")
				}
			},
		})
		run := c.connectLocked()
		c.mu.Unlock()
		if run != nil {
			go run()
		}
		c.log.Debug().Str("topic", topic).Msg("join deferred until connected")
		return nil
	}

	if _, ok := c.channels[topic]; ok {
		c.refs.discardTopic(topic)
	}
	ch := newChannel(topic, payload)
	for _, l := range listeners {
		ch.on(l.Event, l.Handler)
	}
	c.channels[topic] = ch
	channels := len(c.channels)
	_, err := ch.join(c, replyFunc(onJoinOk, onJoinError))
	c.mu.Unlock()

	c.metrics.gauge(MetricChannels, int64(channels))
	if err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("join not sent")
		if onJoinError != nil {
			onJoinError(errorPayload(err))
		}
		return nil
	}
	c.log.Debug().Str("topic", topic).Msg("join sent")
	return nil
}

// On adds a listener to an existing channel. It reports false when no
// channel exists for topic.
func (c *Client) On(topic, event string, h Handler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[topic]
	if !ok {
		return false
	}
	ch.on(event, h)
	return true
}

// SendMessage pushes event on a joined topic. When not connected, onError
// runs immediately with an empty payload and a connect is started; nothing
// is queued. Every other local failure runs onError with a "reason". The
// returned error mirrors whatever was passed to onError.
func (c *Client) SendMessage(topic, event string, payload Payload, onOk, onError ReplyHandler) error {
	_, err := c.push(topic, event, payload, replyFunc(onOk, onError))
	if err == nil {
		return nil
	}
	if onError != nil {
		if errors.Is(err, ErrNotConnected) {
			onError(Payload{})
		} else {
			onError(errorPayload(err))
		}
	}
	return err
}

// Push is SendMessage without callbacks: the returned handle completes
// with the reply, or with ErrPushDiscarded if the reply can no longer arrive.
func (c *Client) Push(topic, event string, payload Payload) (*Push, error) {
	return c.push(topic, event, payload, nil)
}

func (c *Client) push(topic, event string, payload Payload, onReply func(Reply)) (*Push, error) {
	c.mu.Lock()
	if c.state != stateConnected {
		var run func()
		if c.configured {
			run = c.connectLocked()
		}
		c.mu.Unlock()
		if run != nil {
			go run()
		}
		return nil, ErrNotConnected
	}

	ch, ok := c.channels[topic]
	if !ok {
		c.mu.Unlock()
		return nil, &NotJoinedError{Topic: topic, State: ChannelClosed}
	}
	p, err := ch.send(c, event, payload, onReply)
	pending := c.refs.len()
	c.mu.Unlock()

	c.metrics.gauge(MetricPendingReplies, int64(pending))
	return p, err
}

// LeaveChannel removes topic. A leave frame is sent when connected and the
// channel is not already closed. Replies still pending for the topic are
// discarded and never run.
func (c *Client) LeaveChannel(topic string) {
	c.mu.Lock()
	ch, ok := c.channels[topic]
	if !ok {
		c.dropDeferredLocked(topic)
		c.mu.Unlock()
		return
	}

	var err error
	if c.state == stateConnected {
		err = ch.leave(c)
	} else {
		ch.setState(ChannelClosed)
	}
	delete(c.channels, topic)
	c.dropDeferredLocked(topic)
	discarded := c.refs.discardTopic(topic)
	channels, pending := len(c.channels), c.refs.len()
	c.mu.Unlock()

	c.metrics.gauge(MetricChannels, int64(channels))
	c.metrics.gauge(MetricPendingReplies, int64(pending))
	c.metrics.incr(MetricRepliesDiscard, int64(discarded))
	if err != nil {
		c.log.Debug().Err(err).Str("topic", topic).Msg("leave frame not sent")
	}
	c.log.Debug().Str("topic", topic).Int("discarded", discarded).Msg("left channel")
}

// ChannelState reports the state of topic's channel, if one exists.
func (c *Client) ChannelState(topic string) (ChannelState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[topic]
	if !ok {
		return ChannelClosed, false
	}
	return ch.state, true
}

func (c *Client) Topics() []string {
	c.mu.Lock()
	topics := make([]string, 0, len(c.channels))
	for topic := range c.channels {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	sort.Strings(topics)
	return topics
}

// PendingReplies is the number of pushes awaiting a reply.
func (c *Client) PendingReplies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs.len()
}

func (c *Client) connectLocked() func() {
	c.reconnect = c.autoReconnect
	return c.startDialLocked()
}

func (c *Client) startDialLocked() func() {
	if c.state != stateDisconnected {
		return nil
	}
	c.stopReconnectTimerLocked()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	c.state = stateConnecting
	endpoint := c.endpoint

	return func() {
		c.dial(ctx, cancel, gen, endpoint)
	}
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, endpoint transport.Endpoint) {
	defer cancel()

	conn, err := c.dialer.Dial(ctx, endpoint)

	c.mu.Lock()
	if gen != c.gen || c.state != stateConnecting {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.dialCancel = nil

	if err != nil {
		c.state = stateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()

		c.metrics.incr(MetricDialFailures, 1)
		c.log.Warn().Err(&TransportError{Op: "connect", Err: err}).Str("endpoint", endpoint.String()).Msg("connect failed")
		return
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c.conn = conn
	c.state = stateConnected
	c.attempts = 0
	c.connCancel = connCancel

	callbacks := make([]func(), 0, len(c.afterConnect)+1)
	if c.onConnect != nil {
		callbacks = append(callbacks, c.onConnect)
	}
	for _, j := range c.afterConnect {
		callbacks = append(callbacks, j.run)
	}
	c.afterConnect = nil
	heartbeat := c.heartbeat
	c.mu.Unlock()

	c.metrics.incr(MetricConnects, 1)
	c.log.Info().Str("endpoint", endpoint.String()).Msg("connected")

	go c.receiveLoop(gen, conn)
	if heartbeat > 0 {
		go c.heartbeatLoop(connCtx, gen, heartbeat)
	}

	for _, fn := range callbacks {
		fn()
	}
}

func (c *Client) receiveLoop(gen uint64, conn transport.Conn) {
	for {
		f, err := conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrInvalidFrame) {
				c.metrics.incr(MetricFramesDropped, 1)
				c.log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			c.handleClose(gen, err)
			return
		}
		c.dispatch(gen, f)
	}
}

func (c *Client) dispatch(gen uint64, f Frame) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	var fire func()
	if ch, ok := c.channels[f.Topic]; ok {
		fire = ch.dispatch(c.refs, f)
	}
	pending := c.refs.len()
	c.mu.Unlock()

	c.metrics.incr(MetricFramesRecv, 1)
	c.metrics.gauge(MetricPendingReplies, int64(pending))
	if fire == nil {
		if f.Topic != transport.TopicPhoenix {
			c.metrics.incr(MetricFramesDropped, 1)
			c.log.Trace().Str("topic", f.Topic).Str("event", f.Event).Uint64("ref", uint64(f.Ref)).Msg("frame dropped")
		}
		return
	}
	fire()
}

func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != stateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	discarded := c.teardownLocked()
	c.scheduleReconnectLocked()
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	conn.Close()
	c.metrics.incr(MetricDisconnects, 1)
	c.log.Warn().Err(cause).Int("discarded", discarded).Msg("connection lost")
	if onDisconnect != nil {
		onDisconnect(cause)
	}
}

// teardownLocked drops the connection, closes every channel and discards
// all pending replies. It returns the number of replies discarded.
func (c *Client) teardownLocked() int {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.conn = nil
	c.state = stateDisconnected

	for _, ch := range c.channels {
		ch.setState(ChannelClosed)
	}
	n := c.refs.discardAll()
	c.metrics.incr(MetricRepliesDiscard, int64(n))
	c.metrics.gauge(MetricPendingReplies, 0)
	return n
}

func (c *Client) scheduleReconnectLocked() {
	if !c.reconnect {
		return
	}
	if c.maxAttempts > 0 && c.attempts >= c.maxAttempts {
		c.log.Warn().Int("attempts", c.attempts).Msg("reconnect attempts exhausted")
		return
	}
	c.attempts++
	delay := NextBackoffDelay(c.backoff, c.attempts, c.rng)
	gen := c.gen
	c.reconnectTimer = c.afterFunc(delay, func() {
		c.fireReconnect(gen)
	})
	c.log.Debug().Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")
}

// fireReconnect runs on the timer goroutine. The flag and generation are
// checked here, at fire time, so a Disconnect that raced the timer wins.
func (c *Client) fireReconnect(gen uint64) {
	c.mu.Lock()
	if !c.reconnect || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	run := c.startDialLocked()
	c.mu.Unlock()

	if run != nil {
		c.metrics.incr(MetricReconnects, 1)
		run()
	}
}

func (c *Client) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Client) dropDeferredLocked(topic string) {
	kept := c.afterConnect[:0]
	for _, j := range c.afterConnect {
		if j.topic != topic {
			kept = append(kept, j)
		}
	}
	c.afterConnect = kept
}

func (c *Client) heartbeatLoop(ctx context.Context, gen uint64, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if gen != c.gen || c.state != stateConnected {
				c.mu.Unlock()
				return
			}
			err := c.sendLocked(Frame{
				Topic:   transport.TopicPhoenix,
				Event:   transport.EventHeartbeat,
				Payload: Payload{},
				Ref:     c.refs.nextRef(),
			})
			c.mu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}

// pushLocked registers a pending reply and writes the frame. A failed write
// discards the registration again.
func (c *Client) pushLocked(topic, event string, payload Payload, onReply func(Reply), settle func(Reply)) (*Push, error) {
	if c.state != stateConnected || c.conn == nil {
		return nil, ErrNotConnected
	}

	ref := c.refs.nextRef()
	p := newPush(ref, topic, event, onReply)
	c.refs.register(&pendingReply{push: p, settle: settle})

	if err := c.sendLocked(Frame{Topic: topic, Event: event, Payload: payload, Ref: ref}); err != nil {
		c.refs.discard(ref)
		return nil, err
	}
	return p, nil
}

func (c *Client) sendLocked(f Frame) error {
	if err := c.conn.Send(f); err != nil {
		return &TransportError{Op: "send " + f.Event, Err: err}
	}
	c.metrics.incr(MetricFramesSent, 1)
	return nil
}

func errNotConfigured() error {
	return &ConfigError{Field: "endpoint", Reason: "Setup has not been called"}
}
