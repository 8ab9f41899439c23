package socket

import (
	"github.com/coletiv/slimesoccer/socket/transport"
)

// outbound is the part of the client a channel needs to reach the wire. The
// channel never holds the client itself; the client passes itself in on every
// call, with its lock held.
type outbound interface {
	pushLocked(topic, event string, payload Payload, onReply func(Reply), settle func(Reply)) (*Push, error)
}

// channel is one topic subscription. All fields are guarded by the owning
// client's lock.
type channel struct {
	topic       string
	state       ChannelState
	joinPayload Payload
	joinRef     Ref
	bindings    map[string][]Handler
}

func newChannel(topic string, payload Payload) *channel {
	if payload == nil {
		payload = Payload{}
	}
	return &channel{
		topic:       topic,
		state:       ChannelClosed,
		joinPayload: payload,
		bindings:    make(map[string][]Handler),
	}
}

func (ch *channel) setState(to ChannelState) bool {
	if ch.state == to {
		return true
	}
	if !ch.state.CanTransition(to) {
		return false
	}
	ch.state = to
	return true
}

// on appends a listener. Listeners for one event run in registration order.
func (ch *channel) on(event string, h Handler) {
	if h == nil {
		return
	}
	ch.bindings[event] = append(ch.bindings[event], h)
}

func (ch *channel) join(out outbound, onReply func(Reply)) (*Push, error) {
	if ch.state.Active() {
		return nil, ErrAlreadyJoined
	}
	if ch.state == ChannelErrored {
		ch.setState(ChannelClosed)
	}
	ch.setState(ChannelJoining)

	push, err := out.pushLocked(ch.topic, transport.EventJoin, ch.joinPayload, onReply, ch.settleJoin)
	if err != nil {
		ch.setState(ChannelErrored)
		return nil, err
	}
	ch.joinRef = push.Ref
	return push, nil
}

func (ch *channel) settleJoin(r Reply) {
	if ch.state != ChannelJoining || r.Ref != ch.joinRef {
		return
	}
	if r.OK() {
		ch.setState(ChannelJoined)
	} else {
		ch.setState(ChannelErrored)
	}
}

func (ch *channel) send(out outbound, event string, payload Payload, onReply func(Reply)) (*Push, error) {
	if ch.state != ChannelJoined {
		return nil, &NotJoinedError{Topic: ch.topic, State: ch.state}
	}
	return out.pushLocked(ch.topic, event, payload, onReply, nil)
}

// leave closes the channel locally and sends a best-effort leave frame. The
// local transition does not wait for the server.
func (ch *channel) leave(out outbound) error {
	if ch.state == ChannelClosed {
		return nil
	}
	ch.setState(ChannelClosed)
	_, err := out.pushLocked(ch.topic, transport.EventLeave, Payload{}, nil, nil)
	return err
}

// dispatch routes one inbound frame. State changes happen here, under the
// client lock; the returned func runs the callbacks and must be called after
// the lock is released. A nil func means the frame was dropped.
func (ch *channel) dispatch(refs *correlator, f Frame) func() {
	if status, response, ok := f.ReplyStatus(); ok {
		if p, found := refs.resolve(f.Ref, ch.topic); found {
			r := Reply{Ref: f.Ref, Topic: ch.topic, Status: status, Response: response}
			if p.settle != nil {
				p.settle(r)
			}
			return func() { p.push.resolve(r) }
		}
	}

	switch f.Event {
	case transport.EventError:
		if ch.state.Active() {
			ch.setState(ChannelErrored)
		}
	case transport.EventClose:
		ch.setState(ChannelClosed)
	}

	handlers := ch.bindings[f.Event]
	if len(handlers) == 0 {
		return nil
	}
	hs := make([]Handler, len(handlers))
	copy(hs, handlers)
	payload := f.Payload
	return func() {
		for _, h := range hs {
			h(payload)
		}
	}
}
