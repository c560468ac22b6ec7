package session

import "time"

// State is the lifecycle phase of one voice session. Transitions are
// driven by the transport handler, the cost meter, and the janitor.
type State string

const (
	StateConnecting     State = "CONNECTING"
	StateAuthenticating State = "AUTHENTICATING"
	StateActive         State = "ACTIVE"
	StateReconnecting   State = "RECONNECTING"
	StateClosing        State = "CLOSING"
	StateClosed         State = "CLOSED"
)

// CanTransitionTo reports whether next is a legal successor state.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateConnecting:
		return next == StateAuthenticating || next == StateClosed
	case StateAuthenticating:
		return next == StateActive || next == StateClosed
	case StateActive:
		return next == StateReconnecting || next == StateClosing || next == StateClosed
	case StateReconnecting:
		return next == StateActive || next == StateClosing || next == StateClosed
	case StateClosing:
		return next == StateClosed
	default:
		return false
	}
}

// Signal codes delivered on a session's control channel. The transport
// layer translates them into client-visible error codes.
const (
	SignalCostCapExceeded = "COST_CAP_EXCEEDED"
	SignalEvicted         = "SESSION_EVICTED"
	// SignalSuperseded tells a worker its transport handler was replaced
	// by a reconnect takeover; the session itself stays live.
	SignalSuperseded = "SESSION_SUPERSEDED"
)

// Signal is a session-fatal event observed by the session worker.
type Signal struct {
	Code   string
	Detail string
}

// Turn is one entry of the session's conversation context.
type Turn struct {
	Role    string
	Content string
}

// Record is the in-memory state for one active call. The registry owns
// all records; everyone else works on snapshots. CostAccumulated is
// mutated only through Registry.AddCost, whose sole caller is the cost
// meter.
type Record struct {
	ID                string
	UserID            string
	Tier              string
	State             State
	HandlerID         string
	StartedAt         time.Time
	LastActivityAt    time.Time
	CostAccumulated   float64
	CostCapReached    bool
	PendingTranscript string
	LastInboundSeq    uint32
	NextOutboundSeq   uint32
	CloseReason       string

	graceDeadline time.Time
	control       chan Signal
	history       []Turn
}

// Control exposes the session-fatal signal channel carried by this
// snapshot. A reconnect takeover rotates the channel, so a snapshot
// taken before the takeover only ever sees its own SUPERSEDED signal.
func (r Record) Control() <-chan Signal { return r.control }

func (r *Record) clone() Record {
	c := *r
	c.history = nil
	return c
}
