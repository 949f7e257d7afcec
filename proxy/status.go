package proxy

import "time"

// SocketState is the socket half of a port's status (§3): transitions are
// driven solely by SocketStateUpdated events delivered by the listener pool.
type SocketState int

const (
	SocketUnknown SocketState = iota
	SocketListening
	SocketPortAlreadyInUse
	SocketPermissionDenied
	SocketAddressNotAvailable
	SocketError
)

func (s SocketState) String() string {
	switch s {
	case SocketListening:
		return "listening"
	case SocketPortAlreadyInUse:
		return "port_already_in_use"
	case SocketPermissionDenied:
		return "permission_denied"
	case SocketAddressNotAvailable:
		return "address_not_available"
	case SocketError:
		return "error"
	default:
		return "unknown"
	}
}

// TLSState summarizes whether the TLS termination acceptor for this port is
// ready to serve handshakes.
type TLSState int

const (
	TLSUnknown TLSState = iota
	TLSReady
	TLSFailed
)

// PortStatus is the full observable status of a port context: the socket
// state, an optional TLS state, and when the port last transitioned into
// Listening.
type PortStatus struct {
	Socket    SocketState
	TLS       *TLSState
	StartedAt *time.Time
}

// Event is delivered to a PortContext by the listener pool (§4.5 step 5,
// §4.6 step 6).
type Event struct {
	SocketStateUpdated SocketState
}
