package socket

import (
	"context"

	"github.com/coletiv/slimesoccer/socket/transport"
)

// Reply is the server's answer to one push.
type Reply struct {
	Ref      Ref
	Topic    string
	Status   string
	Response Payload
}

func (r Reply) OK() bool {
	return r.Status == transport.StatusOK
}

// replyFunc splits a reply into the ok/error callback pair.
func replyFunc(onOk, onError ReplyHandler) func(Reply) {
	return func(r Reply) {
		if r.OK() {
			if onOk != nil {
				onOk(r.Response)
			}
			return
		}
		if onError != nil {
			onError(r.Response)
		}
	}
}

// Push is the handle for one outbound message awaiting a reply. It completes
// exactly once: resolved by a matching reply, or discarded when its channel
// is left or the connection drops. Discarding never runs the callback.
type Push struct {
	Ref   Ref
	Topic string
	Event string

	onReply func(Reply)
	done    chan struct{}
	reply   Reply
	ok      bool
}

func newPush(ref Ref, topic, event string, onReply func(Reply)) *Push {
	return &Push{
		Ref:     ref,
		Topic:   topic,
		Event:   event,
		onReply: onReply,
		done:    make(chan struct{}),
	}
}

// Done is closed once the push is resolved or discarded.
func (p *Push) Done() <-chan struct{} {
	return p.done
}

// Reply returns the reply once Done is closed. ok is false while pending and
// after a discard.
func (p *Push) Reply() (Reply, bool) {
	select {
	case <-p.done:
		return p.reply, p.ok
	default:
		return Reply{}, false
	}
}

// Await blocks until the push completes or ctx ends. The client enforces no
// timeout of its own.
func (p *Push) Await(ctx context.Context) (Reply, error) {
	select {
	case <-p.done:
		if !p.ok {
			return Reply{}, ErrPushDiscarded
		}
		return p.reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// resolve records the reply and runs the callback. Only the goroutine that
// removed the push from the correlator may call it.
func (p *Push) resolve(r Reply) {
	p.reply = r
	p.ok = true
	close(p.done)
	if p.onReply != nil {
		p.onReply(r)
	}
}

func (p *Push) discard() {
	close(p.done)
}

type pendingReply struct {
	push *Push
	// settle runs under the client lock before the callback is scheduled.
	settle func(Reply)
}

// correlator hands out refs and tracks pushes awaiting replies. Callers hold
// the client lock.
type correlator struct {
	next    Ref
	pending map[Ref]*pendingReply
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[Ref]*pendingReply)}
}

// nextRef is strictly increasing for the life of the client, so refs are
// never reused across reconnects either.
func (r *correlator) nextRef() Ref {
	r.next++
	return r.next
}

func (r *correlator) register(p *pendingReply) {
	r.pending[p.push.Ref] = p
}

// resolve removes and returns the entry for ref if it belongs to topic.
func (r *correlator) resolve(ref Ref, topic string) (*pendingReply, bool) {
	p, ok := r.pending[ref]
	if !ok || p.push.Topic != topic {
		return nil, false
	}
	delete(r.pending, ref)
	return p, true
}

func (r *correlator) discard(ref Ref) bool {
	p, ok := r.pending[ref]
	if !ok {
		return false
	}
	delete(r.pending, ref)
	p.push.discard()
	return true
}

func (r *correlator) discardTopic(topic string) int {
	n := 0
	for ref, p := range r.pending {
		if p.push.Topic == topic {
			delete(r.pending, ref)
			p.push.discard()
			n++
		}
	}
	return n
}

func (r *correlator) discardAll() int {
	n := len(r.pending)
	for ref, p := range r.pending {
		delete(r.pending, ref)
		p.push.discard()
	}
	return n
}

func (r *correlator) len() int {
	return len(r.pending)
}
