package relay

import (
	"net/url"
	"sync"
	"time"

	"github.com/coletiv/slimesoccer/debug"
	"github.com/coletiv/slimesoccer/socket/transport"

	"github.com/gorilla/websocket"
)

// conn is one client websocket. Writes go through a buffered queue drained by
// writePump; a client that cannot keep up is disconnected.
type conn struct {
	id     string
	ws     *websocket.Conn
	params url.Values

	sendCh       chan []byte
	closeCh      chan struct{}
	writeWg      sync.WaitGroup
	writeTimeout time.Duration
	readTimeout  time.Duration
	mu           sync.Mutex
	closed       bool
	metrics      *metrics
}

func newConn(id string, ws *websocket.Conn, params url.Values, cfg config, m *metrics) *conn {
	c := &conn{
		id:           id,
		ws:           ws,
		params:       params,
		sendCh:       make(chan []byte, cfg.bufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: cfg.writeTimeout,
		readTimeout:  cfg.readTimeout,
		metrics:      m,
	}

	c.writeWg.Add(1)
	go c.writePump()

	return c
}

func (c *conn) writePump() {
	defer c.writeWg.Done()

	for {
		select {
		case <-c.closeCh:
			return
		case message := <-c.sendCh:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}

			if c.writeTimeout > 0 {
				c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}

			err := c.ws.WriteMessage(websocket.TextMessage, message)
			c.mu.Unlock()

			if err != nil {
				debug.Printf("relay conn %s: write error: %v", c.id, err)
				c.metrics.incr(MetricWriteErrors, 1)
				go c.close()
				return
			}
			c.metrics.incr(MetricFramesSent, 1)
		}
	}
}

// read returns the next frame. Malformed frames surface as errors wrapping
// transport.ErrInvalidFrame and leave the connection open.
func (c *conn) read() (transport.Frame, error) {
	if c.readTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	_, message, err := c.ws.ReadMessage()
	if err != nil {
		return transport.Frame{}, err
	}
	c.metrics.incr(MetricFramesRecv, 1)
	debug.Printf("relay conn %s: received %s", c.id, string(message))
	return transport.Decode(message)
}

func (c *conn) write(f transport.Frame) bool {
	data, err := transport.Encode(f)
	if err != nil {
		debug.Printf("relay conn %s: encode error: %v", c.id, err)
		return false
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	select {
	case c.sendCh <- data:
		return true
	default:
		debug.Printf("relay conn %s: send buffer full, closing connection", c.id)
		c.metrics.mark(MetricOverflows, 1)
		go c.close()
		return false
	}
}

func (c *conn) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	c.writeWg.Wait()

	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}
