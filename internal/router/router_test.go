package router

import (
	"testing"

	"github.com/google/uuid"

	"agentproto/internal/entity"
	"agentproto/internal/wire"
)

func tableWithCapability(t *testing.T, subject, object uuid.UUID, verb wire.Verb) *entity.Table {
	t.Helper()
	table := entity.NewTable()
	if err := table.Add(subject, make([]byte, 32), make([]byte, 32)); err != nil {
		t.Fatalf("add entity: %v", err)
	}
	if err := table.AddCapability(subject, entity.Capability{Subject: subject, Verb: VerbUUID(verb), Object: object}); err != nil {
		t.Fatalf("add capability: %v", err)
	}
	return table
}

func TestRouteUnknownVerbIsUnauthorized(t *testing.T) {
	table := entity.NewTable()
	subject := uuid.New()
	req := wire.CommandRequest{Verb: wire.Verb(99999), Offset: 7}
	decision := Route(table, subject, req, uuid.New())
	if decision.Reject == nil || decision.Reject.Status != wire.StatusUnauthorized {
		t.Fatalf("got %+v, want UNAUTHORIZED reject", decision)
	}
}

func TestRouteMissingCapabilityIsUnauthorized(t *testing.T) {
	table := entity.NewTable()
	subject := uuid.New()
	agentID := uuid.New()
	req := wire.CommandRequest{Verb: wire.VerbStatusGet, Offset: 1}
	decision := Route(table, subject, req, agentID)
	if decision.Reject == nil || decision.Reject.Status != wire.StatusUnauthorized {
		t.Fatalf("got %+v, want UNAUTHORIZED reject", decision)
	}
}

func TestRouteGrantedCapabilityForwards(t *testing.T) {
	agentID := uuid.New()
	subject := uuid.New()
	table := tableWithCapability(t, subject, agentID, wire.VerbStatusGet)
	req := wire.CommandRequest{Verb: wire.VerbStatusGet, Offset: 1}

	decision := Route(table, subject, req, agentID)
	if decision.Reject != nil {
		t.Fatalf("got reject %+v, want forward", decision.Reject)
	}
	if !decision.Forward || decision.ForwardVerb != wire.VerbStatusGet {
		t.Fatalf("decision did not forward: %+v", decision)
	}
}

func TestRouteBadSizeIsMalformed(t *testing.T) {
	agentID := uuid.New()
	subject := uuid.New()
	table := tableWithCapability(t, subject, agentID, wire.VerbBlockGet)
	req := wire.CommandRequest{Verb: wire.VerbBlockGet, Offset: 1, Body: []byte("too short")}

	decision := Route(table, subject, req, agentID)
	if decision.Reject == nil || decision.Reject.Status != wire.StatusMalformedRequest {
		t.Fatalf("got %+v, want MALFORMED_REQUEST reject", decision)
	}
}

func TestRouteOversizeCertificateRejected(t *testing.T) {
	agentID := uuid.New()
	subject := uuid.New()
	table := tableWithCapability(t, subject, agentID, wire.VerbTransactionSubmit)
	req := wire.CommandRequest{
		Verb:   wire.VerbTransactionSubmit,
		Offset: 1,
		Body:   make([]byte, wire.MaxCertificateSize+1),
	}

	decision := Route(table, subject, req, agentID)
	if decision.Reject == nil || decision.Reject.Status != wire.StatusTransactionVerification {
		t.Fatalf("got %+v, want TRANSACTION_VERIFICATION reject", decision)
	}
}

func TestRouteExactCapCertificateRejected(t *testing.T) {
	agentID := uuid.New()
	subject := uuid.New()
	table := tableWithCapability(t, subject, agentID, wire.VerbTransactionSubmit)
	req := wire.CommandRequest{
		Verb:   wire.VerbTransactionSubmit,
		Offset: 1,
		Body:   make([]byte, wire.MaxCertificateSize),
	}

	decision := Route(table, subject, req, agentID)
	if decision.Reject == nil || decision.Reject.Status != wire.StatusTransactionVerification {
		t.Fatalf("got %+v, want TRANSACTION_VERIFICATION reject for an exactly-32768-byte certificate", decision)
	}
	if decision.Forward {
		t.Fatalf("a 32768-byte certificate must not be forwarded to the data service")
	}
}

func TestFormatBackendResponseTranslatesSentinel(t *testing.T) {
	lowBytes, _ := SentinelNotFoundLow.MarshalBinary()
	resp := FormatBackendResponse(wire.VerbBlockNextIDGet, 3, wire.StatusSuccess, lowBytes)
	if resp.Status != wire.StatusNotFound {
		t.Fatalf("got status %v, want NOT_FOUND for sentinel body", resp.Status)
	}

	realID, _ := uuid.New().MarshalBinary()
	resp2 := FormatBackendResponse(wire.VerbBlockNextIDGet, 3, wire.StatusSuccess, realID)
	if resp2.Status != wire.StatusSuccess {
		t.Fatalf("got status %v, want SUCCESS for a genuine id", resp2.Status)
	}
}

func TestFormatBackendResponseLeavesNonLookupBodyAlone(t *testing.T) {
	body := []byte("opaque backend body")
	resp := FormatBackendResponse(wire.VerbStatusGet, 3, wire.StatusSuccess, body)
	if resp.Status != wire.StatusSuccess || string(resp.Body) != string(body) {
		t.Fatalf("non-lookup verb body was altered: %+v", resp)
	}
}
