package socket

type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelJoining
	ChannelJoined
	ChannelErrored
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelJoining:
		return "joining"
	case ChannelJoined:
		return "joined"
	case ChannelErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Active reports whether a join is in flight or complete. Joining an active
// channel again is a no-op.
func (s ChannelState) Active() bool {
	return s == ChannelJoining || s == ChannelJoined
}

// CanTransition reports whether the state machine allows s -> to.
// Joined -> Errored covers a server-side phx_error on a joined topic.
func (s ChannelState) CanTransition(to ChannelState) bool {
	switch s {
	case ChannelClosed:
		return to == ChannelJoining
	case ChannelJoining:
		return to == ChannelJoined || to == ChannelErrored || to == ChannelClosed
	case ChannelJoined:
		return to == ChannelErrored || to == ChannelClosed
	case ChannelErrored:
		return to == ChannelClosed
	}
	return false
}
