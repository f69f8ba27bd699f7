// Package control implements the control channel (spec.md §4.8): the
// supervisor-only stream that installs the service's long-term key and
// administers the authorized-entity table, outside the client capability
// model entirely.
package control

import (
	"crypto/ed25519"
	"fmt"

	"github.com/google/uuid"

	"agentproto/internal/cryptosuite"
	"agentproto/internal/entity"
	"agentproto/internal/wire"
)

// Handler dispatches decoded control requests against the instance's
// entity table and key store. It holds no socket state: framing and the
// "a malformed message is fatal to the control channel" policy
// (spec.md §4.8, §7) live in the connection-level reader that owns this
// handler.
type Handler struct {
	Entities *entity.Table
	Keys     *entity.KeyStore
}

// Dispatch implements spec.md §4.8's three control commands.
func (h *Handler) Dispatch(req wire.ControlRequest) wire.ControlResponse {
	switch req.Method {
	case wire.ControlAuthEntityAdd:
		return h.authEntityAdd(req)
	case wire.ControlAuthEntityCapAdd:
		return h.authEntityCapAdd(req)
	case wire.ControlPrivateKeySet:
		return h.privateKeySet(req)
	default:
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusRequestPacketBad}
	}
}

// authEntityAdd body: entity_id(16) | enc_pub(32) | sign_pub(32).
func (h *Handler) authEntityAdd(req wire.ControlRequest) wire.ControlResponse {
	const want = 16 + cryptosuite.EncPubSize + cryptosuite.SignPubSize
	if len(req.Body) != want {
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusMalformedRequest}
	}
	id, err := uuid.FromBytes(req.Body[:16])
	if err != nil {
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusMalformedRequest}
	}
	encPub := req.Body[16 : 16+cryptosuite.EncPubSize]
	signPub := ed25519.PublicKey(req.Body[16+cryptosuite.EncPubSize:])

	if err := h.Entities.Add(id, encPub, signPub); err != nil {
		if status, ok := err.(wire.Status); ok {
			return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: status}
		}
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusRequestPacketBad}
	}
	return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusSuccess}
}

// authEntityCapAdd body: entity_id(16) | subject(16) | verb(16) | object(16).
func (h *Handler) authEntityCapAdd(req wire.ControlRequest) wire.ControlResponse {
	const want = 16 * 4
	if len(req.Body) != want {
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusMalformedRequest}
	}
	entityID, err1 := uuid.FromBytes(req.Body[0:16])
	subject, err2 := uuid.FromBytes(req.Body[16:32])
	verb, err3 := uuid.FromBytes(req.Body[32:48])
	object, err4 := uuid.FromBytes(req.Body[48:64])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusMalformedRequest}
	}
	cap := entity.Capability{Subject: subject, Verb: verb, Object: object}
	if err := h.Entities.AddCapability(entityID, cap); err != nil {
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusRequestPacketBad}
	}
	return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusSuccess}
}

// privateKeySet body: agent_id(16) | enc_pub(32) | enc_priv(32) |
// sign_pub(32) | sign_priv(64).
func (h *Handler) privateKeySet(req wire.ControlRequest) wire.ControlResponse {
	const want = 16 + cryptosuite.EncPubSize + cryptosuite.EncPrivSize + cryptosuite.SignPubSize + cryptosuite.SignPrivSize
	if len(req.Body) != want {
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusMalformedRequest}
	}
	b := req.Body
	agentID, err := uuid.FromBytes(b[:16])
	if err != nil {
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusMalformedRequest}
	}
	b = b[16:]
	key := entity.PrivateKey{
		AgentID:     agentID,
		EncPubKey:   b[:cryptosuite.EncPubSize],
		EncPrivKey:  b[cryptosuite.EncPubSize : cryptosuite.EncPubSize+cryptosuite.EncPrivSize],
		SignPubKey:  ed25519.PublicKey(b[cryptosuite.EncPubSize+cryptosuite.EncPrivSize : cryptosuite.EncPubSize+cryptosuite.EncPrivSize+cryptosuite.SignPubSize]),
		SignPrivKey: ed25519.PrivateKey(b[cryptosuite.EncPubSize+cryptosuite.EncPrivSize+cryptosuite.SignPubSize:]),
	}
	if err := h.Keys.Set(key); err != nil {
		if status, ok := err.(wire.Status); ok {
			return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: status}
		}
		return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusRequestPacketBad}
	}
	return wire.ControlResponse{Method: req.Method, Offset: req.Offset, Status: wire.StatusSuccess}
}

// ErrControlProtocol signals a malformed control message, which is fatal
// to the control channel — and, per spec.md §7, fatal to the process
// ("the supervisor is authoritative, so a broken supervisor connection
// stops the service").
var ErrControlProtocol = fmt.Errorf("control: malformed control message")
