package control

import (
	"crypto/ed25519"
	"testing"

	"github.com/google/uuid"

	"agentproto/internal/cryptosuite"
	"agentproto/internal/entity"
	"agentproto/internal/wire"
)

func newHandler() *Handler {
	return &Handler{Entities: entity.NewTable(), Keys: entity.NewKeyStore()}
}

func authEntityAddBody(id uuid.UUID) []byte {
	idBytes, _ := id.MarshalBinary()
	body := make([]byte, 0, 16+cryptosuite.EncPubSize+cryptosuite.SignPubSize)
	body = append(body, idBytes...)
	body = append(body, make([]byte, cryptosuite.EncPubSize)...)
	body = append(body, make([]byte, cryptosuite.SignPubSize)...)
	return body
}

func TestAuthEntityAddThenDuplicateRejected(t *testing.T) {
	h := newHandler()
	id := uuid.New()
	req := wire.ControlRequest{Method: wire.ControlAuthEntityAdd, Offset: 1, Body: authEntityAddBody(id)}

	resp := h.Dispatch(req)
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("first add: got status %v, want SUCCESS", resp.Status)
	}

	resp2 := h.Dispatch(req)
	if resp2.Status != wire.StatusDuplicateEntity {
		t.Fatalf("duplicate add: got status %v, want DUPLICATE_ENTITY", resp2.Status)
	}
}

func TestAuthEntityAddBadSize(t *testing.T) {
	h := newHandler()
	req := wire.ControlRequest{Method: wire.ControlAuthEntityAdd, Offset: 1, Body: []byte("too short")}
	resp := h.Dispatch(req)
	if resp.Status != wire.StatusMalformedRequest {
		t.Fatalf("got status %v, want MALFORMED_REQUEST", resp.Status)
	}
}

func TestAuthEntityCapAdd(t *testing.T) {
	h := newHandler()
	entityID := uuid.New()
	h.Dispatch(wire.ControlRequest{Method: wire.ControlAuthEntityAdd, Offset: 1, Body: authEntityAddBody(entityID)})

	subject, verb, object := entityID, uuid.New(), uuid.New()
	subjectBytes, _ := subject.MarshalBinary()
	verbBytes, _ := verb.MarshalBinary()
	objectBytes, _ := object.MarshalBinary()
	idBytes, _ := entityID.MarshalBinary()
	body := append(append(append(append([]byte{}, idBytes...), subjectBytes...), verbBytes...), objectBytes...)

	resp := h.Dispatch(wire.ControlRequest{Method: wire.ControlAuthEntityCapAdd, Offset: 2, Body: body})
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("got status %v, want SUCCESS", resp.Status)
	}
	if !h.Entities.Check(subject, verb, object) {
		t.Fatalf("capability grant via control channel did not take effect")
	}
}

func TestAuthEntityCapAddUnknownEntity(t *testing.T) {
	h := newHandler()
	body := make([]byte, 64)
	resp := h.Dispatch(wire.ControlRequest{Method: wire.ControlAuthEntityCapAdd, Offset: 1, Body: body})
	if resp.Status != wire.StatusRequestPacketBad {
		t.Fatalf("got status %v, want REQUEST_PACKET_BAD for an unknown entity id", resp.Status)
	}
}

func privateKeySetBody(agentID uuid.UUID) []byte {
	idBytes, _ := agentID.MarshalBinary()
	body := make([]byte, 0, 16+cryptosuite.EncPubSize+cryptosuite.EncPrivSize+cryptosuite.SignPubSize+cryptosuite.SignPrivSize)
	body = append(body, idBytes...)
	body = append(body, make([]byte, cryptosuite.EncPubSize)...)
	body = append(body, make([]byte, cryptosuite.EncPrivSize)...)
	body = append(body, make([]byte, cryptosuite.SignPubSize)...)
	body = append(body, make(ed25519.PrivateKey, cryptosuite.SignPrivSize)...)
	return body
}

func TestPrivateKeySetOnce(t *testing.T) {
	h := newHandler()
	agentID := uuid.New()
	req := wire.ControlRequest{Method: wire.ControlPrivateKeySet, Offset: 1, Body: privateKeySetBody(agentID)}

	resp := h.Dispatch(req)
	if resp.Status != wire.StatusSuccess {
		t.Fatalf("first set: got status %v, want SUCCESS", resp.Status)
	}

	resp2 := h.Dispatch(req)
	if resp2.Status != wire.StatusPrivateKeyAlreadySet {
		t.Fatalf("second set: got status %v, want PRIVATE_KEY_ALREADY_SET", resp2.Status)
	}

	key, ok := h.Keys.Get()
	if !ok || key.AgentID != agentID {
		t.Fatalf("key store does not hold the installed agent id")
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	h := newHandler()
	resp := h.Dispatch(wire.ControlRequest{Method: wire.ControlMethod(9999), Offset: 1})
	if resp.Status != wire.StatusRequestPacketBad {
		t.Fatalf("got status %v, want REQUEST_PACKET_BAD for an unrecognized method", resp.Status)
	}
}
