package connstate

import (
	"net"
	"testing"

	"agentproto/internal/cryptosuite"
	"agentproto/internal/extapi"
)

func TestNewConnInitialState(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c := NewConn(extapi.ConnID(1), server)
	if c.State != StateReadHandshakeReq {
		t.Fatalf("got initial state %v, want READ_HANDSHAKE_REQ", c.State)
	}
	if c.Assertions == nil {
		t.Fatalf("Assertions map not initialized")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c := NewConn(extapi.ConnID(1), server)
	c.Session = &cryptosuite.Session{Key: []byte{1, 2, 3}}

	c.Close()
	if !c.Closed() {
		t.Fatalf("Closed() false after Close()")
	}
	c.Close() // must not panic on a double close
	if c.State != StateClosed {
		t.Fatalf("got state %v, want CLOSED", c.State)
	}
}

func TestScrubZeroesKeyMaterial(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	c := NewConn(extapi.ConnID(1), server)
	c.ClientKeyNonce = []byte{1, 2, 3}
	c.Session = &cryptosuite.Session{Key: []byte{9, 9, 9}}

	c.Scrub()
	for _, b := range c.ClientKeyNonce {
		if b != 0 {
			t.Fatalf("ClientKeyNonce not scrubbed: %v", c.ClientKeyNonce)
		}
	}
	for _, b := range c.Session.Key {
		if b != 0 {
			t.Fatalf("session key not scrubbed: %v", c.Session.Key)
		}
	}
}
