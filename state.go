package client

type State int

const (
	StateIdle State = iota
	StateOffering
	StateRinging
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// rank orders states along both the caller and the callee path. Offering and
// Ringing are the same step seen from either side.
func (s State) rank() int {
	switch s {
	case StateIdle:
		return 0
	case StateOffering, StateRinging:
		return 1
	case StateConnecting:
		return 2
	case StateActive:
		return 3
	default:
		return 4
	}
}

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type EndReason string

const (
	ReasonLocalHangup     EndReason = "local-hangup"
	ReasonRemoteHangup    EndReason = "remote-hangup"
	ReasonDeclined        EndReason = "declined"
	ReasonTransportFailed EndReason = "transport-failed"
	ReasonFailed          EndReason = "failed"
	// ReasonSuperseded ends an outgoing call that lost a glare tie-break to an
	// incoming call from the same peer.
	ReasonSuperseded EndReason = "superseded"
)
