package realtimews

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// newTestClient wires a client around one end of a pipe, skipping the dial
// handshake.
func newTestClient(conn net.Conn) *Client {
	c := &Client{
		config:   DefaultConfig(),
		handlers: make(map[string]func(Envelope)),
		joined:   make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	c.conn = conn
	c.src = conn
	return c
}

func TestReadMessageReturnsTextPayload(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newTestClient(client)
	raw := `{"topic":"typing","event":"broadcast"}`

	go ws.WriteFrame(server, ws.NewTextFrame([]byte(raw)))

	data, err := c.readMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != raw {
		t.Errorf("expected payload %q, got %q", raw, data)
	}
}

func TestPingAnsweredWithMaskedPong(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newTestClient(client)

	go ws.WriteFrame(server, ws.NewPingFrame([]byte("keepalive")))

	readDone := make(chan error, 1)
	go func() {
		data, err := c.readMessage()
		if data != nil {
			t.Errorf("control frame must not surface data, got %q", data)
		}
		readDone <- err
	}()

	frame, err := ws.ReadFrame(server)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if frame.Header.OpCode != ws.OpPong {
		t.Fatalf("expected pong, got opcode %v", frame.Header.OpCode)
	}
	if !frame.Header.Masked {
		t.Error("client frames must be masked")
	}
	frame = ws.UnmaskFrame(frame)
	if string(frame.Payload) != "keepalive" {
		t.Errorf("pong must echo the ping payload, got %q", frame.Payload)
	}

	if err := <-readDone; err != nil {
		t.Fatalf("readMessage: %v", err)
	}
}

func TestPongWaitsForWriteMutex(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newTestClient(client)
	c.writeMu.Lock()

	go ws.WriteFrame(server, ws.NewPingFrame(nil))
	go c.readMessage()

	// While another write holds the mutex, no pong bytes may hit the wire.
	server.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := ws.ReadFrame(server); err == nil {
		t.Fatal("pong was written while the write mutex was held")
	}

	c.writeMu.Unlock()
	server.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := ws.ReadFrame(server)
	if err != nil {
		t.Fatalf("read pong after unlock: %v", err)
	}
	if frame.Header.OpCode != ws.OpPong {
		t.Errorf("expected pong, got opcode %v", frame.Header.OpCode)
	}
}

func TestCloseFrameSurfacesClosedError(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := newTestClient(client)

	go ws.WriteFrame(server, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "shutting down")))

	_, err := c.readMessage()
	var closed wsutil.ClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected ClosedError, got %v", err)
	}
	if closed.Code != ws.StatusGoingAway {
		t.Errorf("expected status %v, got %v", ws.StatusGoingAway, closed.Code)
	}
}
