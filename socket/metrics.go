package socket

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Metric names registered by the client.
const (
	MetricConnects       = "socket.connects"
	MetricDisconnects    = "socket.disconnects"
	MetricReconnects     = "socket.reconnects"
	MetricDialFailures   = "socket.dial.failures"
	MetricFramesSent     = "socket.frames.sent"
	MetricFramesRecv     = "socket.frames.recv"
	MetricFramesDropped  = "socket.frames.dropped"
	MetricRepliesDiscard = "socket.replies.discarded"
	MetricChannels       = "socket.channels"
	MetricPendingReplies = "socket.replies.pending"
	MetricDuplicateJoins = "socket.joins.duplicate"
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

func (m *metrics) gauge(name string, v int64) {
	gometrics.GetOrRegisterGauge(name, m.reg).Update(v)
}

func (m *metrics) count(name string) int64 {
	return gometrics.GetOrRegisterCounter(name, m.reg).Count()
}
