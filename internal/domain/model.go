// Package domain holds the types shared between the session/listener core
// and its event-loop, socket and resolver collaborators, without either side
// depending on the other's implementation.
package domain

import (
	"net"

	"socksd/internal/socks5"
)

// State is a Session's position in the SOCKS5 handshake/streaming lifecycle.
// Resolving and Connecting are sub-states of the CONNECT request phase,
// driven by the resolver and connect completion callbacks respectively.
type State int

const (
	StateMethodIdent State = iota
	StateRequest
	StateResolving
	StateConnecting
	StateStreaming
	StateStreamingEnd
)

func (s State) String() string {
	switch s {
	case StateMethodIdent:
		return "METHOD_ID"
	case StateRequest:
		return "REQUEST"
	case StateResolving:
		return "RESOLVING"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateStreamingEnd:
		return "STREAMING_END"
	default:
		return "UNKNOWN"
	}
}

// IPVersion distinguishes the address family the proxy bound its listener
// (and therefore its CONNECT replies) on.
type IPVersion int

const (
	IPv4 IPVersion = iota
	IPv6
)

// ServerContext is the read-only, process-global bind information recorded
// at listener startup. The CONNECT success reply echoes BoundIP/BoundPort
// back to clients as BND.ADDR/BND.PORT.
type ServerContext struct {
	Host    string
	Port    int
	Backlog int

	BoundIPVersion IPVersion
	BoundIP        net.IP
	BoundPort      int
}

// Session is the state and resources owned by one accepted client
// connection and its (at most one) upstream peer.
//
// Invariants:
//  1. At most one read and one write in flight per endpoint at any time.
//  2. A read and a write on the same endpoint never overlap.
//  3. ClientBuf is owned by the client-read path until the read completes,
//     then by the upstream-write path until that write completes (and
//     symmetrically for UpstreamBuf).
//  4. StateStreamingEnd is sticky: once set, the next callback must close
//     the session.
//  5. A Session is only removed from the session table after both fds and
//     the release timer have reached terminal-closed.
type Session struct {
	ClientFD   int
	UpstreamFD int // -1 until startUpstreamConnect opens a socket

	State State

	Parser socks5.Ctx

	ClientBuf   []byte
	UpstreamBuf []byte

	ClientReading   bool
	ClientWriting   bool
	UpstreamReading bool
	UpstreamWriting bool

	// Pending write cursors, for retrying short non-blocking writes.
	ClientWriteBuf   []byte
	ClientWriteOff   int
	UpstreamWriteBuf []byte
	UpstreamWriteOff int

	// CONNECT target, decoded from the request.
	TargetDomain string // set only for ATYP=DOMAIN
	TargetPort   uint16

	// Resolver/connect bookkeeping for DOMAIN requests: ResolvedAddrs is the
	// ordered address list, and NextAddr is the index of the next address
	// to try on connect failure.
	ResolvedAddrs  []net.IP
	NextAddr       int
	LastConnectErr error

	ResolvePending bool
	ConnectPending bool

	// StreamStartPending is true between setting State=StateStreaming for
	// the CONNECT success reply and that reply's write completing; it
	// disambiguates "just finished the success reply" (arm both reads)
	// from an ordinary steady-state streaming write (re-arm one side).
	StreamStartPending bool

	ResolveTimeoutFD int
	ConnectTimeoutFD int

	ReleaseTimerFD    int
	ReleaseTimerArmed bool
	Closing           bool
}

// NewSession allocates a fresh Session in StateMethodIdent with buffers of
// the given size.
func NewSession(clientFD, bufSize int) *Session {
	s := &Session{
		ClientFD:   clientFD,
		UpstreamFD: -1,
		State:      StateMethodIdent,

		ClientBuf:   make([]byte, bufSize),
		UpstreamBuf: make([]byte, bufSize),

		ResolveTimeoutFD: -1,
		ConnectTimeoutFD: -1,
		ReleaseTimerFD:   -1,
	}
	s.Parser.Reset()
	return s
}
