// Package transport owns the STOMP-over-WebSocket connection to the deals
// broker: the connection lifecycle state machine, the reconnection policy,
// subscription replay after reconnect, and the typed event feeds consumed
// by UI and business collaborators.
package transport

// Phase is the lifecycle phase of the transport connection.
type Phase int

const (
	// PhaseDisconnected is the initial and terminal resting phase.
	PhaseDisconnected Phase = iota
	// PhaseConnecting means a dial or reconnect attempt is in flight.
	PhaseConnecting
	// PhaseConnected means the socket is up and CONNECT has been sent.
	PhaseConnected
	// PhaseStompConnected means the broker acknowledged with CONNECTED.
	PhaseStompConnected
	// PhaseError means the connection failed; reconnection may be pending
	// or exhausted.
	PhaseError
)

// MarshalJSON encodes the phase as its string form.
func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseStompConnected:
		return "stomp_connected"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// State is one observable snapshot of the connection lifecycle.
type State struct {
	Phase Phase `json:"phase"`
	// Reason carries the failure description when Phase is PhaseError.
	Reason string `json:"reason,omitempty"`
	// ReconnectAttempt is the current attempt number while the
	// reconnection policy is active, 0 otherwise.
	ReconnectAttempt int `json:"reconnectAttempt,omitempty"`
}

// Credentials identify the connecting party. Exactly one of CompanyID
// (provider role) or AccountID (client role) should be set; it selects
// which notification topic the manager subscribes to after the handshake.
type Credentials struct {
	Token     string
	UserID    int64
	CompanyID int64
	AccountID int64
}
