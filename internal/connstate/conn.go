// Package connstate defines the per-connection state machine of spec.md
// §4.3: the state enum and the Conn record carrying ephemeral handshake
// and command-loop fields. Framing lives in internal/wire and
// internal/cryptosuite. The orchestration that drives a Conn through its
// states (§4.2 handshake, §4.4 command loop) lives in internal/instance,
// which alone has the entity table and backend clients a Conn needs.
package connstate

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentproto/internal/cryptosuite"
	"agentproto/internal/extapi"
	"agentproto/internal/wire"
)

// State is one of the connection lifecycle states of spec.md §4.3.
type State int

const (
	StateClosed State = iota
	StateReadHandshakeReq
	StateHandshakeGatherEntropy
	StateHandshakeGatherEntropyClosed
	StateWriteHandshakeResp
	StateReadHandshakeAck
	StateWriteHandshakeAck
	StateUnauthorized
	StateAwaitDataserviceChild
	StateReadCommand
	StateWriteCommandToApp
	StateReadCommandRespFromApp
	StateWriteCommandRespToClient
	StateQuiescing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateReadHandshakeReq:
		return "READ_HANDSHAKE_REQ"
	case StateHandshakeGatherEntropy:
		return "HANDSHAKE_GATHER_ENTROPY"
	case StateHandshakeGatherEntropyClosed:
		return "HANDSHAKE_GATHER_ENTROPY_CLOSED"
	case StateWriteHandshakeResp:
		return "WRITE_HANDSHAKE_RESP"
	case StateReadHandshakeAck:
		return "READ_HANDSHAKE_ACK"
	case StateWriteHandshakeAck:
		return "WRITE_HANDSHAKE_ACK"
	case StateUnauthorized:
		return "UNAUTHORIZED"
	case StateAwaitDataserviceChild:
		return "AWAIT_DATASERVICE_CHILD"
	case StateReadCommand:
		return "READ_COMMAND"
	case StateWriteCommandToApp:
		return "WRITE_COMMAND_TO_APP"
	case StateReadCommandRespFromApp:
		return "READ_COMMAND_RESP_FROM_APP"
	case StateWriteCommandRespToClient:
		return "WRITE_COMMAND_RESP_TO_CLIENT"
	case StateQuiescing:
		return "QUIESCING"
	default:
		return "UNKNOWN"
	}
}

// InFlightRequest records the client offset and verb of the single
// outstanding backend call this connection may have open at a time
// (spec.md §3 invariant: "At most one in-flight data-service request per
// connection").
type InFlightRequest struct {
	Offset uint32
	Verb   wire.Verb
	Active bool
}

// AssertionEntry records a live block-id assertion owned by this
// connection, so connection close can cancel it (spec.md §4.6).
type AssertionEntry struct {
	NotificationOffset uint64
	ClientOffset       uint32
}

// Conn is one client connection record (spec.md §3 "Connection").
type Conn struct {
	ID     extapi.ConnID
	Socket net.Conn

	State State

	// Handshake ephemeral material (spec.md §3), zeroed on disposal.
	ClientKeyNonce       []byte
	ClientChallengeNonce []byte
	ServerKeyNonce       []byte
	ServerChallengeNonce []byte
	HandshakeDeadline    time.Time

	Session *cryptosuite.Session

	EntityID      uuid.UUID
	EntityKnown   bool
	EntityEncKey  []byte

	ChildContextID uint32
	HasChildContext bool

	InFlight InFlightRequest

	ExtAPIEnabled bool

	// AssertionsMu guards Assertions: the connection's own command loop
	// and the instance-wide notification pump both read and mutate it.
	AssertionsMu sync.Mutex
	Assertions   map[uint64]AssertionEntry

	// WriteMu serializes writes to Socket: the owning goroutine's command
	// loop and asynchronous notification/extended-API deliveries both
	// write to the same connection and must not interleave frames.
	WriteMu sync.Mutex

	closed bool
}

// NewConn wraps an accepted socket in its initial state (spec.md §4.3:
// "Initial state on accept is READ_HANDSHAKE_REQ").
func NewConn(id extapi.ConnID, socket net.Conn) *Conn {
	return &Conn{
		ID:         id,
		Socket:     socket,
		State:      StateReadHandshakeReq,
		Assertions: make(map[uint64]AssertionEntry),
	}
}

// Scrub zeroes every buffer that has held key material (spec.md §8
// property 6), called from disposal.
func (c *Conn) Scrub() {
	zero(c.ClientKeyNonce)
	zero(c.ClientChallengeNonce)
	zero(c.ServerKeyNonce)
	zero(c.ServerChallengeNonce)
	if c.Session != nil {
		zero(c.Session.Key)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Close marks the connection closed and releases the socket. Idempotent.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.Scrub()
	c.State = StateClosed
	_ = c.Socket.Close()
}

// Closed reports whether Close has already run.
func (c *Conn) Closed() bool { return c.closed }
