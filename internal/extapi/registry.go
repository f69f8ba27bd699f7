// Package extapi implements the extended-API sentinel registry and
// cross-connection request/response fan-out (spec.md §4.7). It is kept
// transport-agnostic: connections are referenced only by an opaque
// comparable handle (ConnID) the instance assigns, so this package has no
// dependency on net.Conn or the connection state machine.
package extapi

import (
	"sync"

	"github.com/google/uuid"

	"agentproto/internal/wire"
)

// ConnID is an opaque handle for a connection, assigned by the instance.
type ConnID uint64

// ExtAPIVerbID is the full 16-byte verb id carried inside the
// extended_api_sendrecv body (spec.md §9: the outer command uses the
// 32-bit enum; the extended-API verb inside the body is a UUID).
type ExtAPIVerbID = uuid.UUID

// MaxInFlightPerSentinel bounds outstanding relayed requests per sentinel
// (SPEC_FULL.md Open Question resolution #2): the 1-past-limit
// extended_api_sendrecv targeting a saturated sentinel is rejected
// immediately with EXTENDED_API_UNKNOWN_ENTITY, without ever reaching the
// sentinel.
const MaxInFlightPerSentinel = 256

// origin records where a relayed request came from, so the sentinel's
// eventual sendresp can be routed back and the originator's offset
// echoed (spec.md §4.7 steps 3 and 5).
type origin struct {
	conn   ConnID
	offset uint32
}

// Registry maps verb -> sentinel connection, and relay_offset -> origin,
// per spec.md §4.7 and §3 ("ExtendedApiRegistry").
type Registry struct {
	mu         sync.Mutex
	sentinels  map[ExtAPIVerbID]ConnID
	inFlight   map[ConnID]int
	nextOffset uint32
	origins    map[uint32]origin
	ownedBy    map[ConnID]map[uint32]struct{} // relay offsets this connection's sentinel owns
}

func NewRegistry() *Registry {
	return &Registry{
		sentinels: make(map[ExtAPIVerbID]ConnID),
		inFlight:  make(map[ConnID]int),
		origins:   make(map[uint32]origin),
		ownedBy:   make(map[ConnID]map[uint32]struct{}),
	}
}

// Register registers conn as the sentinel for verb. Registration is
// idempotent per verb for the same connection; a second registration for
// the same verb by a different connection is rejected (spec.md §4.7: "a
// verb has at most one sentinel at any time").
func (r *Registry) Register(verb ExtAPIVerbID, conn ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sentinels[verb]; ok && existing != conn {
		return wire.StatusUnauthorized
	}
	r.sentinels[verb] = conn
	return nil
}

// SentinelFor returns the connection registered for verb, if any.
func (r *Registry) SentinelFor(verb ExtAPIVerbID) (ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sentinels[verb]
	return c, ok
}

// AllocateRelay records a pending relay from (callerConn, callerOffset) to
// sentinel, returning the instance-local relay_offset to forward (spec.md
// §4.7 steps 3-4). Returns ok=false if the sentinel's in-flight queue is
// saturated (Open Question resolution #2).
func (r *Registry) AllocateRelay(sentinel ConnID, callerConn ConnID, callerOffset uint32) (relayOffset uint32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[sentinel] >= MaxInFlightPerSentinel {
		return 0, false
	}
	r.nextOffset++
	relayOffset = r.nextOffset
	r.origins[relayOffset] = origin{conn: callerConn, offset: callerOffset}
	r.inFlight[sentinel]++
	if r.ownedBy[sentinel] == nil {
		r.ownedBy[sentinel] = make(map[uint32]struct{})
	}
	r.ownedBy[sentinel][relayOffset] = struct{}{}
	return relayOffset, true
}

// ResolveRelay looks up and removes the origin for relayOffset, returning
// ok=false if it has already been resolved or its sentinel was removed.
// The registry does not track whether the originator is still connected
// (spec.md §8 property 5: "the response is dropped if the originator has
// closed" — callers must additionally check the connection is still
// live before writing to it).
func (r *Registry) ResolveRelay(sentinel ConnID, relayOffset uint32) (ConnID, uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.origins[relayOffset]
	if !ok {
		return 0, 0, false
	}
	delete(r.origins, relayOffset)
	if r.inFlight[sentinel] > 0 {
		r.inFlight[sentinel]--
	}
	if set := r.ownedBy[sentinel]; set != nil {
		delete(set, relayOffset)
	}
	return o.conn, o.offset, true
}

// RemoveConnection removes every verb entry registered to conn and
// returns the origins of any requests still queued for it, so the caller
// can flush them as EXTENDED_API_UNKNOWN_ENTITY responses (spec.md §4.7:
// "If the sentinel connection drops while requests are outstanding, each
// queued (C, C.offset) receives an EXTENDED_API_UNKNOWN_ENTITY response";
// and the Registry invariant "removing a connection removes all its verb
// entries").
func (r *Registry) RemoveConnection(conn ConnID) []struct {
	Conn   ConnID
	Offset uint32
} {
	r.mu.Lock()
	defer r.mu.Unlock()
	for verb, c := range r.sentinels {
		if c == conn {
			delete(r.sentinels, verb)
		}
	}
	pending := r.ownedBy[conn]
	delete(r.ownedBy, conn)
	delete(r.inFlight, conn)

	var flushed []struct {
		Conn   ConnID
		Offset uint32
	}
	for relayOffset := range pending {
		if o, ok := r.origins[relayOffset]; ok {
			flushed = append(flushed, struct {
				Conn   ConnID
				Offset uint32
			}{o.conn, o.offset})
			delete(r.origins, relayOffset)
		}
	}
	return flushed
}
