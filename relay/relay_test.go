package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coletiv/slimesoccer/socket"
	"github.com/coletiv/slimesoccer/socket/transport"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(append([]ServerOption{WithLogger(zerolog.Nop())}, opts...)...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		srv.Close()
	})
	return s, srv
}

func newClient(t *testing.T, srv *httptest.Server, auth map[string]string) *socket.Client {
	t.Helper()
	c := socket.NewClient(transport.NewWebSocketDialer(),
		socket.WithHeartbeat(0),
		socket.WithAutoReconnect(false),
		socket.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, c.Setup(srv.URL+DefaultPath, auth))
	t.Cleanup(func() { c.Close() })
	return c
}

func connectClient(t *testing.T, srv *httptest.Server) *socket.Client {
	t.Helper()
	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(nil))
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)
	return c
}

func join(t *testing.T, c *socket.Client, topic string, listeners ...socket.Listener) {
	t.Helper()
	require.NoError(t, c.JoinChannel(topic, socket.Payload{}, listeners, nil, nil))
	require.Eventually(t, func() bool {
		st, ok := c.ChannelState(topic)
		return ok && st == socket.ChannelJoined
	}, 2*time.Second, 5*time.Millisecond)
}

type inbox struct {
	mu   sync.Mutex
	msgs []socket.Payload
}

func (in *inbox) listener(event string) socket.Listener {
	return socket.Listener{Event: event, Handler: func(p socket.Payload) {
		in.mu.Lock()
		in.msgs = append(in.msgs, p)
		in.mu.Unlock()
	}}
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs)
}

func (in *inbox) first() socket.Payload {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.msgs[0]
}

// rawConn dials the relay without the client, for frames the client never
// sends.
func rawConn(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, f transport.Frame) transport.Frame {
	t.Helper()
	data, err := transport.Encode(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	got, err := transport.Decode(msg)
	require.NoError(t, err)
	return got
}

func TestBroadcastReachesOtherMembers(t *testing.T) {
	s, srv := startRelay(t)
	alice := connectClient(t, srv)
	bob := connectClient(t, srv)

	aliceIn, bobIn := &inbox{}, &inbox{}
	join(t, alice, "room:lobby", aliceIn.listener("shout"))
	join(t, bob, "room:lobby", bobIn.listener("shout"))
	assert.Equal(t, 2, s.Members("room:lobby"))

	push, err := alice.Push("room:lobby", "shout", socket.Payload{"body": "hi"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := push.Await(ctx)
	require.NoError(t, err)
	assert.True(t, reply.OK())

	require.Eventually(t, func() bool { return bobIn.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", bobIn.first()["body"])
	assert.Equal(t, 0, aliceIn.len())
}

func TestLeaveStopsBroadcast(t *testing.T) {
	s, srv := startRelay(t)
	alice := connectClient(t, srv)
	bob := connectClient(t, srv)

	bobIn := &inbox{}
	join(t, alice, "room:lobby")
	join(t, bob, "room:lobby", bobIn.listener("shout"))

	bob.LeaveChannel("room:lobby")
	require.Eventually(t, func() bool { return s.Members("room:lobby") == 1 }, 2*time.Second, 5*time.Millisecond)

	push, err := alice.Push("room:lobby", "shout", socket.Payload{"body": "anyone?"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = push.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, bobIn.len())
}

func TestJoinDeniedByAuthorizer(t *testing.T) {
	_, srv := startRelay(t, WithAuthorizer(func(topic string, payload transport.Payload, params url.Values) error {
		if strings.HasPrefix(topic, "private:") && params.Get("token") != "secret" {
			return errors.New("unauthorized")
		}
		return nil
	}))

	c := newClient(t, srv, map[string]string{"token": "wrong"})
	require.NoError(t, c.Connect(nil))
	require.Eventually(t, c.IsConnected, 2*time.Second, 5*time.Millisecond)

	errs := make(chan socket.Payload, 1)
	require.NoError(t, c.JoinChannel("private:room", nil, nil, nil, func(p socket.Payload) { errs <- p }))

	select {
	case p := <-errs:
		assert.Equal(t, "unauthorized", p["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("join error not delivered")
	}
	st, ok := c.ChannelState("private:room")
	require.True(t, ok)
	assert.Equal(t, socket.ChannelErrored, st)

	join(t, c, "public:room")
}

func TestConnectRejected(t *testing.T) {
	s, srv := startRelay(t, WithConnectAuthorizer(func(params url.Values) error {
		if params.Get("token") == "" {
			return errors.New("missing token")
		}
		return nil
	}))

	c := newClient(t, srv, nil)
	require.NoError(t, c.Connect(nil))
	require.Eventually(t, func() bool {
		return s.metrics.count(MetricRejected) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.IsConnected())

	ok := newClient(t, srv, map[string]string{"token": "abc"})
	require.NoError(t, ok.Connect(nil))
	require.Eventually(t, ok.IsConnected, 2*time.Second, 5*time.Millisecond)
}

func TestUnmatchedTopic(t *testing.T) {
	_, srv := startRelay(t)
	ws := rawConn(t, srv)

	got := roundTrip(t, ws, transport.Frame{Topic: "room:lobby", Event: "shout", Payload: transport.Payload{}, Ref: 7})
	status, response, ok := got.ReplyStatus()
	require.True(t, ok)
	assert.Equal(t, transport.StatusError, status)
	assert.Equal(t, ReasonUnmatchedTopic, response["reason"])
	assert.Equal(t, transport.Ref(7), got.Ref)
}

func TestHeartbeatAndInvalidFrames(t *testing.T) {
	s, srv := startRelay(t)
	ws := rawConn(t, srv)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	got := roundTrip(t, ws, transport.Frame{Topic: transport.TopicPhoenix, Event: transport.EventHeartbeat, Ref: 3})
	status, _, ok := got.ReplyStatus()
	require.True(t, ok)
	assert.Equal(t, transport.StatusOK, status)
	assert.Equal(t, transport.Ref(3), got.Ref)
	assert.Equal(t, int64(1), s.metrics.count(MetricInvalid))
}

func TestDisconnectLeavesTopics(t *testing.T) {
	s, srv := startRelay(t)
	c := connectClient(t, srv)
	join(t, c, "room:lobby")
	join(t, c, "room:other")
	assert.Equal(t, []string{"room:lobby", "room:other"}, s.Topics())

	c.Disconnect()
	require.Eventually(t, func() bool {
		return s.Count() == 0 && len(s.Topics()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := startRelay(t)
	c := connectClient(t, srv)
	join(t, c, "room:lobby")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var h health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Conns)
	assert.Equal(t, []string{"room:lobby"}, h.Topics)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	var m map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(mresp.Body).Decode(&m))
	assert.Contains(t, m, MetricConns)
	assert.Equal(t, float64(1), m[MetricConns]["count"])
}

func TestShutdownRefusesConnections(t *testing.T) {
	s, srv := startRelay(t)
	c := connectClient(t, srv)

	require.NoError(t, s.Shutdown(context.Background()))
	require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 5*time.Millisecond)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + DefaultPath
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
