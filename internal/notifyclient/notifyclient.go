// Package notifyclient is the client for the block-assertion notification
// bus (spec.md §4.6): subscribe/cancel an "assert latest block id" watch,
// keyed by an instance-local notification_offset, with invalidations
// fanned back in as they arrive.
package notifyclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"agentproto/internal/dataclient"
)

const (
	msgSubscribe   byte = 1
	msgCancel      byte = 2
	msgInvalidated byte = 3
)

// Invalidation is posted when a previously-asserted block id is no longer
// the latest, or when a cancel is acknowledged.
type Invalidation struct {
	NotificationOffset uint64
	Canceled           bool
}

// Client owns the notification-service socket.
type Client struct {
	conn net.Conn
	w    *bufio.Writer

	Invalidations chan Invalidation
	Closed        chan error
}

// Connect dials the notification service and starts its background reader.
func Connect(ctx context.Context, d *dataclient.Dialer, addr string, log *logrus.Entry) (*Client, error) {
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("notifyclient: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:          conn,
		w:             bufio.NewWriter(conn),
		Invalidations: make(chan Invalidation, 64),
		Closed:        make(chan error, 1),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe asks the notification service to watch blockID, correlated by
// notificationOffset (spec.md §4.6).
func (c *Client) Subscribe(notificationOffset uint64, blockID uuid.UUID) error {
	buf := make([]byte, 1+8+16)
	buf[0] = msgSubscribe
	binary.BigEndian.PutUint64(buf[1:9], notificationOffset)
	idBytes, _ := blockID.MarshalBinary()
	copy(buf[9:], idBytes)
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("notifyclient: subscribe: %w", err)
	}
	return c.w.Flush()
}

// Cancel propagates an assert_latest_block_id_cancel to the notification
// service (spec.md §4.6).
func (c *Client) Cancel(notificationOffset uint64) error {
	buf := make([]byte, 1+8)
	buf[0] = msgCancel
	binary.BigEndian.PutUint64(buf[1:9], notificationOffset)
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("notifyclient: cancel: %w", err)
	}
	return c.w.Flush()
}

// Close closes the underlying socket.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		hdr := make([]byte, 9)
		if _, err := io.ReadFull(r, hdr); err != nil {
			c.Closed <- err
			return
		}
		kind := hdr[0]
		offset := binary.BigEndian.Uint64(hdr[1:9])
		switch kind {
		case msgInvalidated:
			c.Invalidations <- Invalidation{NotificationOffset: offset}
		case msgCancel:
			c.Invalidations <- Invalidation{NotificationOffset: offset, Canceled: true}
		}
	}
}
