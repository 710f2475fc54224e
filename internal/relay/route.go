package relay

import "github.com/DylanSMR/NetworkingLibrary/internal/frame"

// Action is the routing outcome for one decoded frame.
type Action int

const (
	// ActionServerAck answers the server's identification with an ack.
	ActionServerAck Action = iota
	// ActionClientHandshake acks the requesting client and forwards its
	// original datagram to the declared target.
	ActionClientHandshake
	// ActionDropServerUnknown drops a client handshake that arrived before
	// the server registered.
	ActionDropServerUnknown
	// ActionForward forwards the original datagram to the declared target.
	ActionForward
)

func (a Action) String() string {
	switch a {
	case ActionServerAck:
		return "server_ack"
	case ActionClientHandshake:
		return "client_handshake"
	case ActionDropServerUnknown:
		return "drop_server_unknown"
	case ActionForward:
		return "forward"
	default:
		return "unknown"
	}
}

// Route evaluates the forwarding decision tree. The first matching branch
// wins.
func Route(f frame.Frame, serverKnown bool) Action {
	switch {
	case f.IsHandshake() && f.SenderID == frame.ServerID && f.TargetID == frame.ProxyID:
		return ActionServerAck
	case f.IsHandshake() && f.SenderID != frame.ServerID:
		if !serverKnown {
			return ActionDropServerUnknown
		}
		return ActionClientHandshake
	default:
		return ActionForward
	}
}
