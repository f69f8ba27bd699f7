// Package handshake implements the two-message authenticated key agreement
// of spec.md §4.2: Request1/Response1 in plaintext, Request2/Response2 as
// authed frames carrying IV 1 in each direction, so the first command
// frames after the handshake use IV 2.
package handshake

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentproto/internal/cryptosuite"
	"agentproto/internal/wire"
)

// Timeout bounds how long the server will wait for a peer to complete the
// handshake (spec.md §4.2: "implementation-defined >= 30s"). It also backs
// the ENTROPY_GATHER_CLOSED tombstone window (SPEC_FULL.md Open Question
// resolution #3).
const Timeout = 30 * time.Second

const protocolVersion = 1
const suiteVersion = 1

// Request1 is the client's opening plaintext message (spec.md §4.2).
type Request1 struct {
	EntityID            uuid.UUID
	ClientKeyNonce       []byte
	ClientChallengeNonce []byte
}

// DecodeRequest1 parses and validates the fixed fields of Request1. Any
// deviation in req/offset/protocol_version/suite_version, or a size
// mismatch, is wire.StatusMalformedRequest (spec.md §4.2).
func DecodeRequest1(body []byte) (Request1, error) {
	const fixedLen = 4 + 4 + 4 + 4 + 16
	if len(body) < fixedLen {
		return Request1{}, wire.StatusMalformedRequest
	}
	req := binary.BigEndian.Uint32(body[0:4])
	offset := binary.BigEndian.Uint32(body[4:8])
	protoVer := binary.BigEndian.Uint32(body[8:12])
	suiteVer := binary.BigEndian.Uint32(body[12:16])
	if req != 0 || offset != 0 || protoVer != protocolVersion || suiteVer != suiteVersion {
		return Request1{}, wire.StatusMalformedRequest
	}
	entityID, err := uuid.FromBytes(body[16:32])
	if err != nil {
		return Request1{}, wire.StatusMalformedRequest
	}
	rest := body[32:]
	if len(rest) != 2*cryptosuite.NonceSize {
		return Request1{}, wire.StatusMalformedRequest
	}
	return Request1{
		EntityID:             entityID,
		ClientKeyNonce:       append([]byte(nil), rest[:cryptosuite.NonceSize]...),
		ClientChallengeNonce: append([]byte(nil), rest[cryptosuite.NonceSize:]...),
	}, nil
}

// Response1 is the server's plaintext reply (spec.md §4.2).
type Response1 struct {
	Status                    wire.Status
	AgentID                   uuid.UUID
	ServerPublicEncKey        []byte
	ServerKeyNonce            []byte
	ServerChallengeNonce      []byte
	ClientChallengeSignature  []byte
}

// EncodeResponse1 serializes Response1. On non-success status every field
// after Status is omitted (spec.md §7 "bodies are absent on nonzero
// status").
func EncodeResponse1(r Response1) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], 0) // req_echo
	binary.BigEndian.PutUint32(out[4:8], 0) // offset
	binary.BigEndian.PutUint32(out[8:12], uint32(r.Status))
	if r.Status != wire.StatusSuccess {
		return out
	}
	agentBytes, _ := r.AgentID.MarshalBinary()
	out = append(out, agentBytes...)
	out = append(out, r.ServerPublicEncKey...)
	out = append(out, r.ServerKeyNonce...)
	out = append(out, r.ServerChallengeNonce...)
	out = append(out, r.ClientChallengeSignature...)
	return out
}

// DecodeResponse1 parses a Response1 payload (used by a client-side test
// harness exercising the full handshake in-process).
func DecodeResponse1(body []byte) (Response1, error) {
	if len(body) < 12 {
		return Response1{}, fmt.Errorf("handshake: response1 too short")
	}
	status := wire.Status(binary.BigEndian.Uint32(body[8:12]))
	r := Response1{Status: status}
	if status != wire.StatusSuccess {
		return r, nil
	}
	rest := body[12:]
	want := 16 + cryptosuite.EncPubSize + 2*cryptosuite.NonceSize + cryptosuite.MACSize
	if len(rest) != want {
		return Response1{}, fmt.Errorf("handshake: response1 malformed body length")
	}
	agentID, err := uuid.FromBytes(rest[:16])
	if err != nil {
		return Response1{}, err
	}
	rest = rest[16:]
	r.AgentID = agentID
	r.ServerPublicEncKey = rest[:cryptosuite.EncPubSize]
	rest = rest[cryptosuite.EncPubSize:]
	r.ServerKeyNonce = rest[:cryptosuite.NonceSize]
	rest = rest[cryptosuite.NonceSize:]
	r.ServerChallengeNonce = rest[:cryptosuite.NonceSize]
	rest = rest[cryptosuite.NonceSize:]
	r.ClientChallengeSignature = rest[:cryptosuite.MACSize]
	return r, nil
}

// Request2Body is the plaintext carried inside the first authed frame from
// the client: the server_challenge_signature (spec.md §4.2).
type Request2Body struct {
	ServerChallengeSignature []byte
}

func EncodeRequest2(b Request2Body) []byte {
	return append([]byte(nil), b.ServerChallengeSignature...)
}

func DecodeRequest2(plain []byte) (Request2Body, error) {
	if len(plain) != cryptosuite.MACSize {
		return Request2Body{}, wire.StatusMalformedRequest
	}
	return Request2Body{ServerChallengeSignature: plain}, nil
}

// Response2Body is the authed-frame payload the server answers with:
// status=SUCCESS and offset=0, encoded the same way a CommandResponse
// would be for consistency with the rest of the command loop.
type Response2Body struct {
	Status wire.Status
}

func EncodeResponse2(b Response2Body) []byte {
	out := make([]byte, 12)
	binary.BigEndian.PutUint32(out[0:4], 0) // req_echo
	binary.BigEndian.PutUint32(out[4:8], uint32(b.Status))
	binary.BigEndian.PutUint32(out[8:12], 0) // offset
	return out
}
