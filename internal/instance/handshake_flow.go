package instance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"agentproto/internal/connstate"
	"agentproto/internal/cryptosuite"
	"agentproto/internal/handshake"
	"agentproto/internal/wire"
)

// serveConn drives one connection through the handshake and then the
// command loop until it closes, for any reason (spec.md §4.3).
func (in *Instance) serveConn(ctx context.Context, conn *connstate.Conn) {
	defer in.dropConn(conn)

	if err := in.doHandshake(ctx, conn); err != nil {
		in.Metrics.HandshakeFailures.Inc()
		in.log.WithField("conn", conn.ID).WithError(err).Debug("handshake failed")
		return
	}

	if err := in.commandLoop(ctx, conn); err != nil && !errors.Is(err, io.EOF) {
		in.log.WithField("conn", conn.ID).WithError(err).Debug("command loop ended")
	}
}

// entropyResult carries freshly generated handshake nonces back from the
// (simulated) random service.
type entropyResult struct {
	serverKeyNonce       []byte
	serverChallengeNonce []byte
	err                  error
}

// gatherEntropy models spec.md §4.2/§4.3's HANDSHAKE_GATHER_ENTROPY state:
// requesting fresh randomness from the random service without blocking
// the rest of the instance indefinitely. If it takes longer than
// handshake.Timeout, the connection tombstones
// (HANDSHAKE_GATHER_ENTROPY_CLOSED) and late entropy is discarded
// (SPEC_FULL.md Open Question resolution #3).
func (in *Instance) gatherEntropy(conn *connstate.Conn) (entropyResult, error) {
	conn.State = connstate.StateHandshakeGatherEntropy
	results := make(chan entropyResult, 1)
	go func() {
		keyNonce, err := cryptosuite.RandomNonce(cryptosuite.NonceSize)
		if err != nil {
			results <- entropyResult{err: err}
			return
		}
		challengeNonce, err := cryptosuite.RandomNonce(cryptosuite.NonceSize)
		if err != nil {
			results <- entropyResult{err: err}
			return
		}
		results <- entropyResult{serverKeyNonce: keyNonce, serverChallengeNonce: challengeNonce}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return entropyResult{}, r.err
		}
		return r, nil
	case <-time.After(handshake.Timeout):
		conn.State = connstate.StateHandshakeGatherEntropyClosed
		return entropyResult{}, fmt.Errorf("instance: entropy gather timed out")
	}
}

// doHandshake runs the full two-message AKE of spec.md §4.2, ending with
// conn.Session populated. Request2 and Response2 use IV 1 in each
// direction, so both IV counters stand at 2 when the command loop starts.
func (in *Instance) doHandshake(ctx context.Context, conn *connstate.Conn) error {
	_ = conn.Socket.SetDeadline(time.Now().Add(handshake.Timeout))
	defer conn.Socket.SetDeadline(time.Time{})

	body, err := wire.ReadPlainFrame(conn.Socket, wire.FrameTypePlain)
	if err != nil {
		return fmt.Errorf("instance: read handshake request: %w", err)
	}

	req1, status := decodeRequest1OrStatus(body)
	if status != wire.StatusSuccess {
		in.writeHandshakeError(conn, status)
		return fmt.Errorf("instance: handshake request1: %s", status)
	}

	ent, ok := in.Entities.Lookup(req1.EntityID)
	if !ok {
		in.writeHandshakeError(conn, wire.StatusUnauthorized)
		return fmt.Errorf("instance: handshake: unknown entity %s", req1.EntityID)
	}

	agentID, ok := in.agentID()
	if !ok {
		in.writeHandshakeError(conn, wire.StatusUnauthorized)
		return fmt.Errorf("instance: handshake: service key not installed")
	}
	key, _ := in.Keys.Get()

	conn.ClientKeyNonce = req1.ClientKeyNonce
	conn.ClientChallengeNonce = req1.ClientChallengeNonce

	ent2, err := in.gatherEntropy(conn)
	if err != nil {
		return err
	}
	conn.ServerKeyNonce = ent2.serverKeyNonce
	conn.ServerChallengeNonce = ent2.serverChallengeNonce

	sharedSecret, err := cryptosuite.DeriveSharedSecret(
		key.EncPrivKey, ent.EncPubKey, conn.ServerKeyNonce, conn.ClientKeyNonce)
	if err != nil {
		return fmt.Errorf("instance: derive shared secret: %w", err)
	}
	conn.Session = &cryptosuite.Session{Key: sharedSecret, ClientIV: 1, ServerIV: 1}
	conn.EntityID = req1.EntityID
	conn.EntityKnown = true
	conn.EntityEncKey = ent.EncPubKey

	clientSig := cryptosuite.SignChallenge(sharedSecret, conn.ClientChallengeNonce)

	conn.State = connstate.StateWriteHandshakeResp
	resp1 := handshake.Response1{
		Status:                   wire.StatusSuccess,
		AgentID:                  agentID,
		ServerPublicEncKey:       key.EncPubKey,
		ServerKeyNonce:           conn.ServerKeyNonce,
		ServerChallengeNonce:     conn.ServerChallengeNonce,
		ClientChallengeSignature: clientSig,
	}
	if err := wire.WritePlainFrame(conn.Socket, wire.FrameTypePlain, handshake.EncodeResponse1(resp1)); err != nil {
		return fmt.Errorf("instance: write handshake response: %w", err)
	}

	conn.State = connstate.StateReadHandshakeAck
	plain, err := conn.Session.ReadAuthed(conn.Socket)
	if err != nil {
		return fmt.Errorf("instance: read handshake ack: %w", err)
	}
	req2, err := handshake.DecodeRequest2(plain)
	if err != nil {
		return fmt.Errorf("instance: decode handshake ack: %w", err)
	}
	if !cryptosuite.VerifyChallenge(sharedSecret, conn.ServerChallengeNonce, req2.ServerChallengeSignature) {
		return fmt.Errorf("instance: handshake challenge verification failed")
	}

	conn.State = connstate.StateWriteHandshakeAck
	ackBody := handshake.EncodeResponse2(handshake.Response2Body{Status: wire.StatusSuccess})
	if err := conn.Session.WriteAuthed(conn.Socket, ackBody); err != nil {
		return fmt.Errorf("instance: write handshake ack: %w", err)
	}

	conn.State = connstate.StateAwaitDataserviceChild
	childID, err := in.Data.OpenChild()
	if err != nil {
		return fmt.Errorf("instance: open data-service child context: %w", err)
	}
	conn.ChildContextID = childID
	conn.HasChildContext = true
	conn.State = connstate.StateReadCommand
	return nil
}

func decodeRequest1OrStatus(body []byte) (handshake.Request1, wire.Status) {
	req1, err := handshake.DecodeRequest1(body)
	if err != nil {
		if status, ok := err.(wire.Status); ok {
			return handshake.Request1{}, status
		}
		return handshake.Request1{}, wire.StatusMalformedRequest
	}
	return req1, wire.StatusSuccess
}

// writeHandshakeError sends a plaintext Response1 carrying only a status,
// per spec.md §4.2: "if the error is detectable pre-key-agreement, a
// plaintext error response... is sent".
func (in *Instance) writeHandshakeError(conn *connstate.Conn, status wire.Status) {
	resp := handshake.Response1{Status: status}
	_ = wire.WritePlainFrame(conn.Socket, wire.FrameTypePlain, handshake.EncodeResponse1(resp))
}
