// Package dataclient is the single long-lived, multiplexed connection from
// the instance to the data service (spec.md §4.5). It scopes capability
// within the backend via child contexts, a small integer handle capped at
// MaxChildContexts, and pairs requests to responses in strict FIFO order per
// child context.
//
// It is grounded on the teacher's core/connection_pool.go Dialer (the
// same dial-with-timeout helper, reused verbatim in spirit) but the pool
// shape itself is dropped: spec.md requires exactly one live backend
// connection, not a set of interchangeable ones keyed by address, so a
// pool of pooledConn would be the wrong abstraction — this adapts the
// Dialer idiom onto a single persistent multiplexed session instead.
package dataclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agentproto/internal/wire"
)

// MaxChildContexts is the hard cap on simultaneous child contexts (spec.md
// §4.5: "Implementations must not exceed 1024 simultaneous child
// contexts"), carried over from the C source's
// dataservice_child_map[1024].
const MaxChildContexts = 1024

// Dialer mirrors core/connection_pool.go's Dialer: a timeout-bounded TCP
// dial helper, reused here for the single data-service connection instead
// of a pool of connections to arbitrary peers.
type Dialer struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

func NewDialer(connectTimeout, keepAlive time.Duration) *Dialer {
	return &Dialer{ConnectTimeout: connectTimeout, KeepAlive: keepAlive}
}

func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.ConnectTimeout, KeepAlive: d.KeepAlive}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Response is one decoded data-service reply, delivered to the instance
// event loop for pairing against the connection that owns ChildID.
type Response struct {
	ChildID uint32
	Verb    wire.Verb
	Status  wire.Status
	Body    []byte
}

// Client owns the data-service socket and the child-context allocator.
// Connection goroutines call OpenChild, CloseChild and Issue concurrently;
// mu serializes them, so allocator updates and request frames never
// interleave. The background reader goroutine only decodes frames and
// posts them to Responses, never touching shared state directly.
type Client struct {
	conn   net.Conn
	w      *bufio.Writer
	log    *logrus.Entry
	mu     sync.Mutex
	nextID uint32
	free   []uint32
	used   map[uint32]struct{}

	Responses chan Response
	Closed    chan error
}

// Connect dials the data service and starts its background reader.
func Connect(ctx context.Context, d *Dialer, addr string, log *logrus.Entry) (*Client, error) {
	conn, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dataclient: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:      conn,
		w:         bufio.NewWriter(conn),
		log:       log,
		used:      make(map[uint32]struct{}),
		Responses: make(chan Response, 64),
		Closed:    make(chan error, 1),
	}
	go c.readLoop()
	return c, nil
}

// OpenChild allocates a new child context id, or an error once
// MaxChildContexts are outstanding.
func (c *Client) OpenChild() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.free); n > 0 {
		id := c.free[n-1]
		c.free = c.free[:n-1]
		c.used[id] = struct{}{}
		return id, nil
	}
	if c.nextID >= MaxChildContexts {
		return 0, fmt.Errorf("dataclient: child context capacity (%d) exhausted", MaxChildContexts)
	}
	id := c.nextID
	c.nextID++
	c.used[id] = struct{}{}
	return id, nil
}

// CloseChild releases a child context id back to the allocator.
func (c *Client) CloseChild(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.used[id]; !ok {
		return
	}
	delete(c.used, id)
	c.free = append(c.free, id)
}

// Issue writes one framed request: child_id(4 BE) | verb(4 BE) |
// len(4 BE) | payload. Exactly one response is expected per issue, in
// FIFO order per child context (spec.md §4.5, §5).
func (c *Client) Issue(childID uint32, verb wire.Verb, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], childID)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(verb))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := c.w.Write(hdr); err != nil {
		return fmt.Errorf("dataclient: write header: %w", err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("dataclient: write payload: %w", err)
	}
	return c.w.Flush()
}

// Close closes the underlying socket.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) readLoop() {
	r := bufio.NewReader(c.conn)
	for {
		hdr := make([]byte, 16)
		if _, err := io.ReadFull(r, hdr); err != nil {
			c.Closed <- err
			return
		}
		childID := binary.BigEndian.Uint32(hdr[0:4])
		verb := wire.Verb(binary.BigEndian.Uint32(hdr[4:8]))
		status := wire.Status(binary.BigEndian.Uint32(hdr[8:12]))
		size := binary.BigEndian.Uint32(hdr[12:16])
		if size > wire.MaxFrameSize {
			c.Closed <- fmt.Errorf("dataclient: response body too large (%d)", size)
			return
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			c.Closed <- err
			return
		}
		c.Responses <- Response{ChildID: childID, Verb: verb, Status: status, Body: body}
	}
}
