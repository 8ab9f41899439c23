package socket

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coletiv/slimesoccer/socket/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testURL = "ws://localhost:4000/socket/websocket"

type inbound struct {
	frame transport.Frame
	err   error
}

// fakeConn is a scripted transport.Conn. Frames handed to deliver come out
// of Receive in order; Close makes Receive return io.EOF.
type fakeConn struct {
	mu      sync.Mutex
	sent    []transport.Frame
	sendErr error

	in     chan inbound
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan inbound, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(f transport.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return transport.ErrNotConnected
	default:
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Receive() (transport.Frame, error) {
	select {
	case msg := <-c.in:
		return msg.frame, msg.err
	case <-c.closed:
		return transport.Frame{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(f transport.Frame) {
	c.in <- inbound{frame: f}
}

func (c *fakeConn) deliverErr(err error) {
	c.in <- inbound{err: err}
}

func (c *fakeConn) reply(topic string, ref Ref, status string, response Payload) {
	c.deliver(transport.ReplyFrame(topic, ref, status, response))
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) frames() []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) framesFor(topic, event string) []transport.Frame {
	var out []transport.Frame
	for _, f := range c.frames() {
		if f.Topic == topic && f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	fail      error
	endpoints []transport.Endpoint
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.endpoints = append(d.endpoints, ep)
	if d.fail != nil {
		return nil, d.fail
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeTimer never fires on its own; tests call fire.
type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fire runs the callback even after Stop, the way a timer that had already
// fired and was waiting on the client lock would.
func (t *fakeTimer) fire() {
	t.f()
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (fc *fakeClock) afterFunc(d time.Duration, f func()) timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	fc.timers = append(fc.timers, t)
	return t
}

func (fc *fakeClock) count() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.timers)
}

func (fc *fakeClock) last() *fakeTimer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.timers) == 0 {
		return nil
	}
	return fc.timers[len(fc.timers)-1]
}

func withClock(fc *fakeClock) ClientOption {
	return func(c *Client) {
		c.afterFunc = fc.afterFunc
	}
}

func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *fakeDialer, *fakeClock) {
	t.Helper()
	d := &fakeDialer{}
	clk := &fakeClock{}
	base := []ClientOption{WithHeartbeat(0), WithLogger(zerolog.Nop()), withClock(clk)}
	c := NewClient(d, append(base, opts...)...)
	require.NoError(t, c.Setup(testURL, map[string]string{"token": "abc"}))
	t.Cleanup(func() { c.Close() })
	return c, d, clk
}

func connect(t *testing.T, c *Client, d *fakeDialer) *fakeConn {
	t.Helper()
	require.NoError(t, c.Connect(nil))
	waitConnected(t, c)
	return d.last()
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	require.Eventually(t, c.IsConnected, time.Second, time.Millisecond)
}

func waitState(t *testing.T, c *Client, topic string, want ChannelState) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := c.ChannelState(topic)
		return ok && got == want
	}, time.Second, time.Millisecond)
}

// joinTopic joins topic on a connected client and acknowledges the join.
func joinTopic(t *testing.T, c *Client, conn *fakeConn, topic string, listeners ...Listener) {
	t.Helper()
	before := len(conn.framesFor(topic, transport.EventJoin))
	require.NoError(t, c.JoinChannel(topic, Payload{}, listeners, nil, nil))
	joins := conn.framesFor(topic, transport.EventJoin)
	require.Len(t, joins, before+1)
	conn.reply(topic, joins[len(joins)-1].Ref, transport.StatusOK, nil)
	waitState(t, c, topic, ChannelJoined)
}

// recorder collects callback invocations from any goroutine.
type recorder struct {
	mu    sync.Mutex
	calls []string
	resps []Payload
}

func (r *recorder) handler(name string) ReplyHandler {
	return func(p Payload) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		r.resps = append(r.resps, p)
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recorder) payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Payload, len(r.resps))
	copy(out, r.resps)
	return out
}

func (r *recorder) count() int {
	return len(r.snapshot())
}
