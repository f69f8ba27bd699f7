package dataclient

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"agentproto/internal/wire"
)

// loopbackServer accepts one connection, echoes every request frame back as
// a success response carrying the same payload, and returns the listener's
// address so a Client can dial it.
func loopbackServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			hdr := make([]byte, 12)
			if _, err := io.ReadFull(conn, hdr); err != nil {
				return
			}
			childID := binary.BigEndian.Uint32(hdr[0:4])
			verb := binary.BigEndian.Uint32(hdr[4:8])
			size := binary.BigEndian.Uint32(hdr[8:12])
			body := make([]byte, size)
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
			respHdr := make([]byte, 16)
			binary.BigEndian.PutUint32(respHdr[0:4], childID)
			binary.BigEndian.PutUint32(respHdr[4:8], verb)
			binary.BigEndian.PutUint32(respHdr[8:12], uint32(wire.StatusSuccess))
			binary.BigEndian.PutUint32(respHdr[12:16], uint32(len(body)))
			conn.Write(respHdr)
			conn.Write(body)
		}
	}()
	return ln.Addr().String()
}

func TestClientIssueAndReceive(t *testing.T) {
	addr := loopbackServer(t)
	dialer := NewDialer(time.Second, 0)
	client, err := Connect(context.Background(), dialer, addr, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	childID, err := client.OpenChild()
	if err != nil {
		t.Fatalf("open child: %v", err)
	}
	if err := client.Issue(childID, wire.VerbStatusGet, []byte("payload")); err != nil {
		t.Fatalf("issue: %v", err)
	}

	select {
	case resp := <-client.Responses:
		if resp.ChildID != childID || string(resp.Body) != "payload" {
			t.Fatalf("got %+v, want childID=%d body=payload", resp, childID)
		}
	case err := <-client.Closed:
		t.Fatalf("connection closed unexpectedly: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response")
	}
}

func TestChildContextReuse(t *testing.T) {
	addr := loopbackServer(t)
	dialer := NewDialer(time.Second, 0)
	client, err := Connect(context.Background(), dialer, addr, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	first, err := client.OpenChild()
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	client.CloseChild(first)
	second, err := client.OpenChild()
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if second != first {
		t.Fatalf("released child context id was not reused: first=%d second=%d", first, second)
	}
}

func TestChildContextCapacity(t *testing.T) {
	addr := loopbackServer(t)
	dialer := NewDialer(time.Second, 0)
	client, err := Connect(context.Background(), dialer, addr, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	for i := 0; i < MaxChildContexts; i++ {
		if _, err := client.OpenChild(); err != nil {
			t.Fatalf("open child %d: %v", i, err)
		}
	}
	if _, err := client.OpenChild(); err == nil {
		t.Fatalf("opening a child context past MaxChildContexts should fail")
	}
}

func TestReadLoopReportsClosedOnEOF(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	dialer := NewDialer(time.Second, 0)
	client, err := Connect(context.Background(), dialer, ln.Addr().String(), logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	select {
	case <-client.Closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Closed signal after peer closed the socket")
	}
}
