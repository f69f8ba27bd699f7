package instance

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"agentproto/internal/control"
	"agentproto/internal/wire"
)

// controlAcceptLoop serves the supervisor-only control channel (spec.md
// §4.8). Only the supervisor is expected to dial it; a malformed control
// message is a protocol violation, not an ordinary I/O hiccup, and
// spec.md §4.8/§7 make it fatal to the whole instance ("a broken
// supervisor connection stops the service"). serveControlConn reports
// that case on fatal so Start returns and main exits with
// ExitControlChannelLost; a plain socket drop (EOF, reset) just ends
// that one connection.
func (in *Instance) controlAcceptLoop(ctx context.Context, fatal chan<- error) {
	h := &control.Handler{Entities: in.Entities, Keys: in.Keys}
	for {
		sock, err := in.ctrlLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			in.log.WithError(err).Warn("control accept failed")
			continue
		}
		in.wg.Add(1)
		go func(c net.Conn) {
			defer in.wg.Done()
			defer c.Close()
			if err := serveControlConn(c, h, in.log); err != nil {
				select {
				case fatal <- fmt.Errorf("instance: control channel: %w", err):
				default:
				}
			}
		}(sock)
	}
}

// serveControlConn returns nil on a plain connection close and a non-nil
// error only for control.ErrControlProtocol — a malformed control
// message, which the caller treats as fatal to the instance.
func serveControlConn(sock net.Conn, h *control.Handler, log *logrus.Entry) error {
	for {
		body, err := wire.ReadPlainFrame(sock, wire.FrameTypePlain)
		if err != nil {
			return nil
		}
		req, err := wire.DecodeControlRequest(body)
		if err != nil {
			log.WithError(control.ErrControlProtocol).Warn("control channel closed")
			return control.ErrControlProtocol
		}
		resp := h.Dispatch(req)
		if err := wire.WritePlainFrame(sock, wire.FrameTypePlain, wire.EncodeControlResponse(resp)); err != nil {
			return nil
		}
	}
}
