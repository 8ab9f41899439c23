package relay

import (
	"sort"
	"sync"

	"github.com/coletiv/slimesoccer/socket/transport"
)

type topic struct {
	name    string
	members map[string]*conn
}

// topics tracks which connections joined which topic. A topic is forgotten
// when its last member leaves.
type topics struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	metrics *metrics
}

func newTopics(m *metrics) *topics {
	return &topics{topics: make(map[string]*topic), metrics: m}
}

func (ts *topics) join(name string, c *conn) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t, ok := ts.topics[name]
	if !ok {
		t = &topic{name: name, members: make(map[string]*conn)}
		ts.topics[name] = t
		ts.metrics.incr(MetricTopics, 1)
	}
	t.members[c.id] = c
}

func (ts *topics) leave(name, connID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.leaveLocked(name, connID)
}

func (ts *topics) leaveLocked(name, connID string) {
	t, ok := ts.topics[name]
	if !ok {
		return
	}
	delete(t.members, connID)
	if len(t.members) == 0 {
		delete(ts.topics, name)
		ts.metrics.decr(MetricTopics, 1)
	}
}

func (ts *topics) leaveAll(connID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for name, t := range ts.topics {
		if _, ok := t.members[connID]; ok {
			ts.leaveLocked(name, connID)
		}
	}
}

func (ts *topics) has(name, connID string) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	t, ok := ts.topics[name]
	if !ok {
		return false
	}
	_, ok = t.members[connID]
	return ok
}

func (ts *topics) count(name string) int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if t, ok := ts.topics[name]; ok {
		return len(t.members)
	}
	return 0
}

func (ts *topics) names() []string {
	ts.mu.RLock()
	names := make([]string, 0, len(ts.topics))
	for name := range ts.topics {
		names = append(names, name)
	}
	ts.mu.RUnlock()

	sort.Strings(names)
	return names
}

// broadcastFrom sends f to every member of f.Topic except the sender. It
// returns the number of members the frame was queued for.
func (ts *topics) broadcastFrom(senderID string, f transport.Frame) int {
	ts.mu.RLock()
	t, ok := ts.topics[f.Topic]
	if !ok {
		ts.mu.RUnlock()
		return 0
	}
	targets := make([]*conn, 0, len(t.members))
	for id, c := range t.members {
		if id != senderID {
			targets = append(targets, c)
		}
	}
	ts.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if c.write(f) {
			n++
		}
	}
	return n
}
