package instance

import (
	"context"
	"fmt"

	"agentproto/internal/connstate"
	"agentproto/internal/wire"
)

// pumpDataResponses pairs decoded data-service replies with the connection
// goroutine waiting on them, and escalates a dead data-service socket to a
// fatal instance error (spec.md §4.5: "A fatal error on the data-service
// socket terminates the entire instance").
func (in *Instance) pumpDataResponses(ctx context.Context, fatal chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-in.Data.Closed:
			in.Metrics.DataServiceErrors.Inc()
			fatal <- fmt.Errorf("instance: data service connection lost: %w", err)
			return
		case r, ok := <-in.Data.Responses:
			if !ok {
				return
			}
			in.dataWaitersMu.Lock()
			ch, exists := in.dataWaiters[r.ChildID]
			in.dataWaitersMu.Unlock()
			if exists {
				ch <- r
			}
			// else: the owning connection already closed and released its
			// child context; the reply is discarded (spec.md §4.4).
		}
	}
}

// pumpNotifyInvalidations delivers block-id invalidations to the
// connection that asserted them, answering with the client's original
// offset (spec.md §4.6).
func (in *Instance) pumpNotifyInvalidations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-in.Notify.Invalidations:
			if !ok {
				return
			}
			if inv.Canceled {
				continue
			}
			in.deliverInvalidation(inv.NotificationOffset)
		}
	}
}

func (in *Instance) deliverInvalidation(notificationOffset uint64) {
	in.notifyOwnersMu.Lock()
	connID, ok := in.notifyOwners[notificationOffset]
	if ok {
		delete(in.notifyOwners, notificationOffset)
	}
	in.notifyOwnersMu.Unlock()
	if !ok {
		return
	}

	in.connsMu.Lock()
	conn, exists := in.conns[connID]
	in.connsMu.Unlock()
	if !exists {
		return
	}

	conn.AssertionsMu.Lock()
	entry, ok := conn.Assertions[notificationOffset]
	if ok {
		delete(conn.Assertions, notificationOffset)
	}
	conn.AssertionsMu.Unlock()
	if !ok {
		return
	}

	resp := wire.CommandResponse{Verb: wire.VerbAssertLatestBlockID, Status: wire.StatusSuccess, Offset: entry.ClientOffset}
	_ = in.writeResponse(conn, resp)
}

// writeExtAPIUnknownEntity answers a relay that can never be resolved
// because its sentinel connection dropped (spec.md §4.7: "each queued
// (C, C.offset) receives an EXTENDED_API_UNKNOWN_ENTITY response").
func (in *Instance) writeExtAPIUnknownEntity(conn *connstate.Conn, offset uint32) {
	resp := wire.CommandResponse{Verb: wire.VerbExtendedAPISendRecv, Status: wire.StatusExtendedAPIUnknownEntity, Offset: offset}
	_ = in.writeResponse(conn, resp)
}
