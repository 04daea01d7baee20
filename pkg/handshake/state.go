package handshake

// Role selects the side of the handshake a Session plays.
type Role uint8

const (
	// RoleClient generates the ephemeral KEM key pair and sends ClientHello.
	RoleClient Role = iota
	// RoleServer encapsulates to the client's key share.
	RoleServer
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// State is the position of a Session in the handshake.
type State uint8

// Handshake states. StateAborted is reachable from every non-terminal state.
const (
	StateStart State = iota
	StateKeyShareSent
	StateKeyShareReceived
	StateSecretsDerived
	StateFinishedVerified
	StateEstablished
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateKeyShareSent:
		return "KEY_SHARE_SENT"
	case StateKeyShareReceived:
		return "KEY_SHARE_RECEIVED"
	case StateSecretsDerived:
		return "SECRETS_DERIVED"
	case StateFinishedVerified:
		return "FINISHED_VERIFIED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateEstablished || s == StateAborted
}

// Status is the result of delivering bytes to a Session.
type Status uint8

const (
	// StatusNeedMore means the handshake is waiting for peer bytes.
	StatusNeedMore Status = iota
	// StatusEstablished means traffic secrets are available.
	StatusEstablished
)

// String returns the status name.
func (s Status) String() string {
	if s == StatusEstablished {
		return "Established"
	}
	return "NeedMore"
}
