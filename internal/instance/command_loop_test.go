package instance

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/uuid"

	"agentproto/internal/connstate"
	"agentproto/internal/cryptosuite"
	"agentproto/internal/entity"
	"agentproto/internal/extapi"
	"agentproto/internal/wire"
)

func drainResponses(t *testing.T, sock net.Conn, sess *cryptosuite.Session) {
	t.Helper()
	go func() {
		for {
			if _, err := sess.ReadAuthed(sock); err != nil {
				return
			}
		}
	}()
}

// newTrackedConn wraps a fresh net.Pipe pair in a connstate.Conn ready for
// writeResponse and returns the local end and a session the test can use
// to read whatever gets written back.
func newTrackedConn(t *testing.T, id extapi.ConnID, entityID uuid.UUID) (conn *connstate.Conn, local net.Conn, localSess *cryptosuite.Session) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })

	key := make([]byte, 32)
	conn = connstate.NewConn(id, remote)
	conn.Session = &cryptosuite.Session{Key: key}
	conn.EntityID = entityID
	conn.EntityKnown = true

	return conn, local, &cryptosuite.Session{Key: key}
}

func newEnabledConn(t *testing.T, id extapi.ConnID, entityID uuid.UUID) *connstate.Conn {
	t.Helper()
	conn, local, sess := newTrackedConn(t, id, entityID)
	drainResponses(t, local, sess)
	return conn
}

func TestHandleExtAPIEnableSecondConnGetsUnauthorized(t *testing.T) {
	in := New(nil)
	verb := uuid.New()
	agentID := uuid.New()

	entityA := uuid.New()
	if err := in.Entities.Add(entityA, make([]byte, cryptosuite.EncPubSize), make([]byte, cryptosuite.SignPubSize)); err != nil {
		t.Fatalf("add entity A: %v", err)
	}
	if err := in.Entities.AddCapability(entityA, entity.Capability{Subject: agentID, Verb: verb, Object: entityA}); err != nil {
		t.Fatalf("add capability A: %v", err)
	}

	entityB := uuid.New()
	if err := in.Entities.Add(entityB, make([]byte, cryptosuite.EncPubSize), make([]byte, cryptosuite.SignPubSize)); err != nil {
		t.Fatalf("add entity B: %v", err)
	}
	if err := in.Entities.AddCapability(entityB, entity.Capability{Subject: agentID, Verb: verb, Object: entityB}); err != nil {
		t.Fatalf("add capability B: %v", err)
	}

	connA := newEnabledConn(t, extapi.ConnID(1), entityA)
	connB, localB, sessB := newTrackedConn(t, extapi.ConnID(2), entityB)

	req := wire.CommandRequest{Verb: wire.VerbExtendedAPIEnable, Offset: 1}
	if err := in.handleExtAPIEnable(connA, req); err != nil {
		t.Fatalf("first enable: %v", err)
	}
	if _, ok := in.ExtAPI.SentinelFor(verb); !ok {
		t.Fatalf("verb %v not registered to connA", verb)
	}

	// net.Pipe has no buffering: the response write blocks until it is
	// read, so the second enable runs in its own goroutine.
	enableDone := make(chan error, 1)
	go func() { enableDone <- in.handleExtAPIEnable(connB, req) }()

	plain, err := sessB.ReadAuthed(localB)
	if err != nil {
		t.Fatalf("read connB response: %v", err)
	}
	if err := <-enableDone; err != nil {
		t.Fatalf("second enable: %v", err)
	}
	if len(plain) < 12 {
		t.Fatalf("response too short: %x", plain)
	}
	status := wire.Status(binary.BigEndian.Uint32(plain[4:8]))
	if status != wire.StatusUnauthorized {
		t.Fatalf("got status %v for the conflicting registration, want UNAUTHORIZED", status)
	}

	sentinel, ok := in.ExtAPI.SentinelFor(verb)
	if !ok || sentinel != connA.ID {
		t.Fatalf("a conflicting registration must not steal the sentinel slot: got %v, want connA (%v)", sentinel, connA.ID)
	}
}
