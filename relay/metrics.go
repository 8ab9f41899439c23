package relay

import (
	"io"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// Metric names registered by the relay.
const (
	MetricConns       = "relay.conns"
	MetricRejected    = "relay.conns.rejected"
	MetricTopics      = "relay.topics"
	MetricFramesRecv  = "relay.frames.recv"
	MetricFramesSent  = "relay.frames.sent"
	MetricBroadcasts  = "relay.broadcasts"
	MetricUnmatched   = "relay.frames.unmatched"
	MetricInvalid     = "relay.frames.invalid"
	MetricJoinDenied  = "relay.joins.denied"
	MetricOverflows   = "relay.conns.overflow"
	MetricWriteErrors = "relay.write.errors"
)

type metrics struct {
	reg gometrics.Registry
}

func newMetrics(reg gometrics.Registry) *metrics {
	if reg == nil {
		reg = gometrics.NewRegistry()
	}
	return &metrics{reg: reg}
}

func (m *metrics) incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m *metrics) decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

func (m *metrics) mark(name string, i int64) {
	gometrics.GetOrRegisterMeter(name, m.reg).Mark(i)
}

func (m *metrics) count(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}

func (m *metrics) writeOnce(w io.Writer) {
	gometrics.WriteJSONOnce(m.reg, w)
}

// report writes the registry to w every tick until stop is closed.
func (m *metrics) report(w io.Writer, tick time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.writeOnce(w)
		}
	}
}
