package instance

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"agentproto/internal/connstate"
	"agentproto/internal/dataclient"
	"agentproto/internal/router"
	"agentproto/internal/wire"
)

// commandLoop drives one authenticated connection through spec.md §4.4's
// READ_COMMAND / WRITE_COMMAND_TO_APP / READ_COMMAND_RESP_FROM_APP /
// WRITE_COMMAND_RESP_TO_CLIENT cycle until the client closes, sends
// "close", or the frame layer fails.
func (in *Instance) commandLoop(ctx context.Context, conn *connstate.Conn) error {
	agentID, _ := in.agentID()

	for {
		conn.State = connstate.StateReadCommand
		plain, err := conn.Session.ReadAuthed(conn.Socket)
		if err != nil {
			return fmt.Errorf("instance: read command: %w", err)
		}
		req, err := wire.DecodeCommandRequest(plain)
		if err != nil {
			return fmt.Errorf("instance: decode command: %w", err)
		}

		if req.Verb == wire.VerbClose {
			_ = in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusSuccess, Offset: req.Offset})
			return nil
		}

		if err := in.dispatchCommand(ctx, conn, agentID, req); err != nil {
			return err
		}
	}
}

// dispatchCommand handles one decoded request. The two extended-API relay
// verbs have capability models that don't fit the generic "object is the
// service agent id" shape router.Route checks, so they're handled before
// it; everything else (including assert_latest_block_id, its cancel, and
// extended_api_enable, whose capability object genuinely is the service
// itself) goes through the shared router.
func (in *Instance) dispatchCommand(ctx context.Context, conn *connstate.Conn, agentID uuid.UUID, req wire.CommandRequest) error {
	switch req.Verb {
	case wire.VerbExtendedAPISendRecv:
		return in.handleExtAPISendRecv(conn, req)
	case wire.VerbExtendedAPISendResp:
		return in.handleExtAPISendResp(conn, req)
	}

	decision := router.Route(in.Entities, conn.EntityID, req, agentID)
	if decision.Reject != nil {
		if decision.Reject.Status == wire.StatusUnauthorized {
			in.Metrics.CapabilityDenials.Inc()
		}
		return in.writeResponse(conn, *decision.Reject)
	}

	switch req.Verb {
	case wire.VerbAssertLatestBlockID:
		return in.handleAssertLatestBlockID(conn, req)
	case wire.VerbAssertLatestBlockIDCancel:
		return in.handleAssertCancel(conn, req)
	case wire.VerbExtendedAPIEnable:
		return in.handleExtAPIEnable(conn, req)
	default:
		return in.handleBackendForward(ctx, conn, decision, req)
	}
}

// handleBackendForward implements the ordinary (non extended-API,
// non-assertion) verb path: forward to the data service and relay its
// answer back verbatim, translating backend sentinel values along the way
// (spec.md §4.4).
func (in *Instance) handleBackendForward(ctx context.Context, conn *connstate.Conn, decision router.Decision, req wire.CommandRequest) error {
	status, body, err := in.forwardToDataService(ctx, conn, decision.ForwardVerb, req.Offset, decision.ForwardPayload)
	if err != nil {
		return fmt.Errorf("instance: data service forward: %w", err)
	}
	resp := router.FormatBackendResponse(decision.ForwardVerb, req.Offset, status, body)
	return in.writeResponse(conn, resp)
}

// forwardToDataService issues one request on the connection's child
// context and blocks for the paired answer. At most one is outstanding per
// connection at a time (spec.md §3 invariant), so keying the wait channel
// by child context id alone is sufficient for correct FIFO pairing.
func (in *Instance) forwardToDataService(ctx context.Context, conn *connstate.Conn, verb wire.Verb, offset uint32, payload []byte) (wire.Status, []byte, error) {
	conn.State = connstate.StateWriteCommandToApp
	conn.InFlight = connstate.InFlightRequest{Verb: verb, Offset: offset, Active: true}

	ch := make(chan dataclient.Response, 1)
	in.dataWaitersMu.Lock()
	in.dataWaiters[conn.ChildContextID] = ch
	in.dataWaitersMu.Unlock()
	defer func() {
		in.dataWaitersMu.Lock()
		delete(in.dataWaiters, conn.ChildContextID)
		in.dataWaitersMu.Unlock()
	}()

	if err := in.Data.Issue(conn.ChildContextID, verb, payload); err != nil {
		return 0, nil, err
	}

	conn.State = connstate.StateReadCommandRespFromApp
	select {
	case r := <-ch:
		conn.State = connstate.StateWriteCommandRespToClient
		conn.InFlight.Active = false
		return r.Status, r.Body, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// handleAssertLatestBlockID subscribes the connection to block-id
// invalidations (spec.md §4.6). Nothing is returned to the client until a
// later invalidation (or a cancel) resolves it.
func (in *Instance) handleAssertLatestBlockID(conn *connstate.Conn, req wire.CommandRequest) error {
	blockID, err := uuid.FromBytes(req.Body)
	if err != nil {
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusMalformedRequest, Offset: req.Offset})
	}

	in.notifyOwnersMu.Lock()
	in.notifyNextOffset++
	offset := in.notifyNextOffset
	in.notifyOwners[offset] = conn.ID
	in.notifyOwnersMu.Unlock()

	conn.AssertionsMu.Lock()
	conn.Assertions[offset] = connstate.AssertionEntry{NotificationOffset: offset, ClientOffset: req.Offset}
	conn.AssertionsMu.Unlock()

	if err := in.Notify.Subscribe(offset, blockID); err != nil {
		return fmt.Errorf("instance: subscribe assertion: %w", err)
	}
	return nil
}

// handleAssertCancel answers a cancel immediately with the same client
// offset the original assert used (spec.md §4.6's worked example).
func (in *Instance) handleAssertCancel(conn *connstate.Conn, req wire.CommandRequest) error {
	var found uint64
	var ok bool
	conn.AssertionsMu.Lock()
	for offset, a := range conn.Assertions {
		if a.ClientOffset == req.Offset {
			found, ok = offset, true
			break
		}
	}
	if ok {
		delete(conn.Assertions, found)
	}
	conn.AssertionsMu.Unlock()
	if !ok {
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusNotFound, Offset: req.Offset})
	}
	in.notifyOwnersMu.Lock()
	delete(in.notifyOwners, found)
	in.notifyOwnersMu.Unlock()
	if err := in.Notify.Cancel(found); err != nil {
		return fmt.Errorf("instance: cancel assertion: %w", err)
	}

	return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusSuccess, Offset: req.Offset})
}

// handleExtAPIEnable registers conn as the sentinel for every verb its
// entity holds a capability to receive as object (spec.md §4.7).
func (in *Instance) handleExtAPIEnable(conn *connstate.Conn, req wire.CommandRequest) error {
	ent, ok := in.Entities.Lookup(conn.EntityID)
	if !ok {
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusUnauthorized, Offset: req.Offset})
	}
	for _, c := range ent.Capabilities() {
		if c.Object == conn.EntityID {
			if err := in.ExtAPI.Register(c.Verb, conn.ID); err != nil {
				return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusUnauthorized, Offset: req.Offset})
			}
		}
	}
	conn.ExtAPIEnabled = true
	return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusSuccess, Offset: req.Offset})
}

// handleExtAPISendRecv relays a caller's request to whichever connection is
// registered as the sentinel for the named verb (spec.md §4.7 steps 1-3).
// Its capability check is (caller, verb_id, sentinel_id), not the generic
// "object is the service" shape, so it bypasses router.Route entirely.
func (in *Instance) handleExtAPISendRecv(conn *connstate.Conn, req wire.CommandRequest) error {
	if !req.Verb.CheckSize(len(req.Body)) {
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusMalformedRequest, Offset: req.Offset})
	}
	sentinelID, err1 := uuid.FromBytes(req.Body[0:16])
	verbID, err2 := uuid.FromBytes(req.Body[16:32])
	if err1 != nil || err2 != nil {
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusMalformedRequest, Offset: req.Offset})
	}
	payload := req.Body[32:]

	if !in.Entities.Check(conn.EntityID, verbID, sentinelID) {
		in.Metrics.CapabilityDenials.Inc()
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusUnauthorized, Offset: req.Offset})
	}

	sentinelConnID, ok := in.ExtAPI.SentinelFor(verbID)
	if !ok {
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusExtendedAPIUnknownEntity, Offset: req.Offset})
	}
	relayOffset, ok := in.ExtAPI.AllocateRelay(sentinelConnID, conn.ID, req.Offset)
	if !ok {
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusExtendedAPIUnknownEntity, Offset: req.Offset})
	}
	in.Metrics.ExtAPIQueueDepth.Inc()

	in.connsMu.Lock()
	sentinelConn, exists := in.conns[sentinelConnID]
	in.connsMu.Unlock()
	if !exists {
		in.ExtAPI.ResolveRelay(sentinelConnID, relayOffset)
		in.Metrics.ExtAPIQueueDepth.Dec()
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusExtendedAPIUnknownEntity, Offset: req.Offset})
	}

	ent, _ := in.Entities.Lookup(conn.EntityID)
	body := make([]byte, 4+16+len(ent.EncPubKey)+len(ent.SignPubKey)+16+len(payload))
	binary.BigEndian.PutUint32(body[0:4], relayOffset)
	idBytes, _ := conn.EntityID.MarshalBinary()
	copy(body[4:20], idBytes)
	n := 20
	n += copy(body[n:], ent.EncPubKey)
	n += copy(body[n:], ent.SignPubKey)
	verbBytes, _ := verbID.MarshalBinary()
	n += copy(body[n:], verbBytes)
	copy(body[n:], payload)

	push := wire.CommandRequest{Verb: wire.VerbExtendedAPIClientReq, Offset: relayOffset, Body: body}
	sentinelConn.WriteMu.Lock()
	err := sentinelConn.Session.WriteAuthed(sentinelConn.Socket, wire.EncodeCommandRequest(push))
	sentinelConn.WriteMu.Unlock()
	if err != nil {
		in.ExtAPI.ResolveRelay(sentinelConnID, relayOffset)
		in.Metrics.ExtAPIQueueDepth.Dec()
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusExtendedAPIUnknownEntity, Offset: req.Offset})
	}
	// No response yet: the original caller is answered when the sentinel's
	// extended_api_sendresp resolves this relay offset.
	return nil
}

// handleExtAPISendResp answers the sentinel with a bookkeeping ack and
// forwards its verdict to the original caller (spec.md §4.7 steps 4-5).
func (in *Instance) handleExtAPISendResp(conn *connstate.Conn, req wire.CommandRequest) error {
	if !req.Verb.CheckSize(len(req.Body)) {
		return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusMalformedRequest, Offset: req.Offset})
	}
	relayOffset := binary.BigEndian.Uint32(req.Body[0:4])
	status := wire.Status(binary.BigEndian.Uint32(req.Body[4:8]))
	body := req.Body[8:]

	if callerConnID, callerOffset, ok := in.ExtAPI.ResolveRelay(conn.ID, relayOffset); ok {
		in.Metrics.ExtAPIQueueDepth.Dec()
		in.connsMu.Lock()
		callerConn, exists := in.conns[callerConnID]
		in.connsMu.Unlock()
		if exists {
			resp := wire.CommandResponse{Verb: wire.VerbExtendedAPISendRecv, Status: status, Offset: callerOffset, Body: body}
			callerConn.WriteMu.Lock()
			_ = callerConn.Session.WriteAuthed(callerConn.Socket, wire.EncodeCommandResponse(resp))
			callerConn.WriteMu.Unlock()
		}
	}

	return in.writeResponse(conn, wire.CommandResponse{Verb: req.Verb, Status: wire.StatusSuccess, Offset: relayOffset})
}

// writeResponse serializes and writes one command response, serialized
// against any concurrent asynchronous delivery to the same connection.
func (in *Instance) writeResponse(conn *connstate.Conn, resp wire.CommandResponse) error {
	conn.WriteMu.Lock()
	defer conn.WriteMu.Unlock()
	return conn.Session.WriteAuthed(conn.Socket, wire.EncodeCommandResponse(resp))
}
