// Package entity holds the authorized-entity table and the capability model
// (spec.md §3 "AuthorizedEntity", "Capability"). It is grounded on the
// teacher's core/access_control.go AccessController: same
// read-mostly-cache-under-a-mutex shape, same "role" vocabulary generalized
// here to capability tuples — but without AccessController's ledger backing,
// since spec.md §6 makes the protocol service stateless across restarts
// ("Persisted state: None"). Entities are insert-only and live for the
// process lifetime (spec.md §3 Lifecycles).
package entity

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"agentproto/internal/wire"
)

// ZeroID is the blanket "any subject" id (spec.md §3 Capability: "entities
// may be granted tuples whose subject is the zero id").
var ZeroID uuid.UUID

// Capability is a (subject, verb, object) grant. Equality is bytewise
// across all three ids, as spec.md §3 specifies.
type Capability struct {
	Subject uuid.UUID
	Verb    uuid.UUID
	Object  uuid.UUID
}

// Entity is an AuthorizedEntity (spec.md §3): an id, an encryption public
// key, a signature public key, and an insert-only capability set.
type Entity struct {
	ID         uuid.UUID
	EncPubKey  []byte
	SignPubKey ed25519.PublicKey

	mu   sync.Mutex
	caps map[Capability]struct{}
}

// HasCapability reports whether this entity directly holds cap.
func (e *Entity) HasCapability(cap Capability) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.caps[cap]
	return ok
}

// AddCapability appends a capability tuple. Capabilities are insert-only
// during the entity's lifetime (spec.md §3); re-adding an existing tuple is
// a harmless no-op.
func (e *Entity) AddCapability(cap Capability) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caps[cap] = struct{}{}
}

// Capabilities returns a snapshot of the entity's capability tuples, used
// by the extended-API registry to compute which verbs an entity may serve
// (spec.md §4.7 "every verb id that its capability set authorizes it to
// receive as object").
func (e *Entity) Capabilities() []Capability {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Capability, 0, len(e.caps))
	for c := range e.caps {
		out = append(out, c)
	}
	return out
}

// Table is the process-wide AuthorizedEntity table plus the global
// capability set (spec.md §3 Instance "authorized-entity table"). It is
// read-only after insert: callbacks outside the instance's single event
// loop may freely call Lookup/Check without additional synchronization
// (spec.md §5 "the entity table is read-only after insert and can be
// freely referenced from any callback").
type Table struct {
	mu       sync.RWMutex
	entities map[uuid.UUID]*Entity
	global   map[Capability]struct{}
}

// NewTable returns an empty entity table.
func NewTable() *Table {
	return &Table{
		entities: make(map[uuid.UUID]*Entity),
		global:   make(map[Capability]struct{}),
	}
}

// Add inserts a new authorized entity. A duplicate id returns
// wire.StatusDuplicateEntity and leaves the existing entity untouched —
// SPEC_FULL.md's Open Question resolution #1, since the original C source
// (ups_authorized_entity_add.c) performs no duplicate check at all and
// spec.md recommends hardening it.
func (t *Table) Add(id uuid.UUID, encPubKey []byte, signPubKey ed25519.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entities[id]; exists {
		return wire.StatusDuplicateEntity
	}
	t.entities[id] = &Entity{
		ID:         id,
		EncPubKey:  append([]byte(nil), encPubKey...),
		SignPubKey: append(ed25519.PublicKey(nil), signPubKey...),
		caps:       make(map[Capability]struct{}),
	}
	return nil
}

// Lookup returns the entity for id, or (nil, false).
func (t *Table) Lookup(id uuid.UUID) (*Entity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entities[id]
	return e, ok
}

// AddCapability appends a capability tuple to entityID's set. An entityID
// that is not in the table, ZeroID included, is an error; tuples for the
// table-wide global set go through AddGlobalCapability instead.
func (t *Table) AddCapability(entityID uuid.UUID, cap Capability) error {
	t.mu.RLock()
	e, ok := t.entities[entityID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("entity: unknown entity %s", entityID)
	}
	e.AddCapability(cap)
	return nil
}

// AddGlobalCapability inserts a tuple into the service-wide capability set
// checked for every entity regardless of identity (spec.md §3: "a check
// succeeds iff the tuple exists in the entity's set or in the global
// capability set").
func (t *Table) AddGlobalCapability(cap Capability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.global[cap] = struct{}{}
}

// Check implements spec.md §3/§8 property 3's capability soundness rule:
// succeeds iff (subject, verb, object) is in the entity's own set, in the
// table-wide global set, or granted to any subject (ZeroID) for that
// entity's verb/object pair.
func (t *Table) Check(subject, verb, object uuid.UUID) bool {
	t.mu.RLock()
	e, ok := t.entities[subject]
	_, globalHit := t.global[Capability{Subject: subject, Verb: verb, Object: object}]
	_, globalAnyHit := t.global[Capability{Subject: ZeroID, Verb: verb, Object: object}]
	t.mu.RUnlock()
	if globalHit || globalAnyHit {
		return true
	}
	if !ok {
		return false
	}
	if e.HasCapability(Capability{Subject: subject, Verb: verb, Object: object}) {
		return true
	}
	return e.HasCapability(Capability{Subject: ZeroID, Verb: verb, Object: object})
}

// EntitiesWithObjectCapability returns every entity id authorized to
// receive verb as object — used by extended-API registration (spec.md
// §4.7) to decide which verbs a sentinel may serve.
func (t *Table) EntitiesWithObjectCapability(object, verb uuid.UUID) []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []uuid.UUID
	for id, e := range t.entities {
		for _, c := range e.Capabilities() {
			if c.Verb == verb && c.Object == object {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
