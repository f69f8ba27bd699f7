// Package router implements the request router and capability check
// (spec.md §4.4): verb -> backend-call mapping, the capability check
// against internal/entity's table, the body size envelope, the
// certificate size cap, and sentinel-value translation in successful
// lookup responses.
package router

import (
	"github.com/google/uuid"

	"agentproto/internal/entity"
	"agentproto/internal/wire"
)

// SentinelNotFoundLow and SentinelNotFoundHigh are the backend's
// "before the beginning" / "past the end" markers (spec.md §4.4): the
// router maps both to wire.StatusNotFound when they appear as the
// next/prev field of an otherwise-successful lookup.
var (
	SentinelNotFoundLow  uuid.UUID // all-zero
	SentinelNotFoundHigh = uuid.UUID{
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
)

// IsSentinel reports whether id is one of the backend's sentinel values.
func IsSentinel(id uuid.UUID) bool {
	return id == SentinelNotFoundLow || id == SentinelNotFoundHigh
}

// VerbUUID maps each fixed-id verb onto the 16-byte verb id used in the
// capability table (spec.md §3: "Verb ids are stable 16-byte constants").
// Deterministic, collision-free UUIDs (v5, a fixed namespace) so the table
// never needs hand-maintained literals beyond the namespace itself.
var verbNamespace = uuid.MustParse("6f1b2a6e-6e0a-4b1a-9f0a-1f7c2b9a0001")

func VerbUUID(v wire.Verb) uuid.UUID {
	return uuid.NewSHA1(verbNamespace, []byte(v.String()))
}

// Decision is the outcome of routing one command request.
type Decision struct {
	// Reject, when non-nil, is the immediate response to send — used for
	// capability misses and malformed/oversize requests that never reach
	// the backend (spec.md §4.4 steps 2-4).
	Reject *wire.CommandResponse
	// Forward, when true, means the router approved dispatch to the data
	// service with ForwardVerb/ForwardPayload.
	Forward        bool
	ForwardVerb    wire.Verb
	ForwardPayload []byte
}

// Route implements spec.md §4.4 steps 1-4 for ordinary (non extended-API)
// verbs. agentID is the service's own agent id, the usual capability
// object (spec.md §3 "Object id is usually the service agent id").
func Route(table *entity.Table, subject uuid.UUID, req wire.CommandRequest, agentID uuid.UUID) Decision {
	if !req.Verb.Known() {
		// Unknown verb: never reveal existence of verbs without
		// capability (spec.md §4.4).
		return reject(req, wire.StatusUnauthorized)
	}

	cap := entity.Capability{Subject: subject, Verb: VerbUUID(req.Verb), Object: agentID}
	if !table.Check(subject, cap.Verb, cap.Object) {
		return reject(req, wire.StatusUnauthorized)
	}

	if !req.Verb.CheckSize(len(req.Body)) {
		return reject(req, wire.StatusMalformedRequest)
	}

	if req.Verb.CarriesCertificate() && len(req.Body) >= wire.MaxCertificateSize {
		return reject(req, wire.StatusTransactionVerification)
	}

	return Decision{Forward: true, ForwardVerb: req.Verb, ForwardPayload: req.Body}
}

func reject(req wire.CommandRequest, status wire.Status) Decision {
	resp := wire.CommandResponse{Verb: req.Verb, Status: status, Offset: req.Offset}
	return Decision{Reject: &resp}
}

// FormatBackendResponse turns a data-service Response body into the
// client-facing CommandResponse, applying sentinel-value translation for
// lookup verbs whose body is a single bare UUID next/prev id (spec.md
// §4.4).
func FormatBackendResponse(verb wire.Verb, offset uint32, status wire.Status, body []byte) wire.CommandResponse {
	if status == wire.StatusSuccess && isNextPrevVerb(verb) && len(body) == 16 {
		id, err := uuid.FromBytes(body)
		if err == nil && IsSentinel(id) {
			return wire.CommandResponse{Verb: verb, Status: wire.StatusNotFound, Offset: offset}
		}
	}
	return wire.CommandResponse{Verb: verb, Status: status, Offset: offset, Body: body}
}

func isNextPrevVerb(v wire.Verb) bool {
	switch v {
	case wire.VerbBlockNextIDGet, wire.VerbBlockPrevIDGet,
		wire.VerbTransactionNextIDGet, wire.VerbTransactionPrevIDGet:
		return true
	default:
		return false
	}
}
