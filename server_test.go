package tempest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// stubConnection is a minimal Connection used to drive the server's
// GlobalOrder relay without a real socket.
type stubConnection struct {
	id      uuid.UUID
	handler EventHandler
}

func (s *stubConnection) ID() uuid.UUID               { return s.id }
func (s *stubConnection) State() ConnState            { return StateConnected }
func (s *stubConnection) IsConnected() bool           { return true }
func (s *stubConnection) Protocols() []*Protocol      { return nil }
func (s *stubConnection) RemoteAddr() net.Addr        { return nil }
func (s *stubConnection) ResponseTime() time.Duration { return 0 }
func (s *stubConnection) SetHandler(h EventHandler)   { s.handler = h }
func (s *stubConnection) eventHandler() EventHandler  { return s.handler }
func (s *stubConnection) SendAsync(Message) <-chan bool {
	ch := make(chan bool, 1)
	ch <- true
	close(ch)
	return ch
}
func (s *stubConnection) Disconnect(bool, DisconnectReason, string) <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// orderingHandler records the arrival order of every message it sees.
type orderingHandler struct {
	NoopHandler
	order chan string
}

func (h *orderingHandler) OnMessageReceived(_ Connection, _ *MessageHeader, msg Message) {
	h.order <- msg.(*echoMessage).Text
}

func TestServerGlobalOrderPreservesEnqueueOrder(t *testing.T) {
	server := NewServer(nil)
	handler := &orderingHandler{order: make(chan string, 16)}
	server.SetGlobalHandler(handler)
	server.hasGlobal = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.runGlobalWorker(ctx)

	connA := &stubConnection{id: uuid.New()}
	connB := &stubConnection{id: uuid.New()}
	server.adopt(connA, GlobalOrder)
	server.adopt(connB, GlobalOrder)

	relayA := &globalOrderRelay{server: server, conn: connA}
	relayB := &globalOrderRelay{server: server, conn: connB}

	want := []string{"a1", "b1", "a2", "b2", "a3"}
	relayA.OnMessageReceived(connA, nil, &echoMessage{Text: "a1"})
	relayB.OnMessageReceived(connB, nil, &echoMessage{Text: "b1"})
	relayA.OnMessageReceived(connA, nil, &echoMessage{Text: "a2"})
	relayB.OnMessageReceived(connB, nil, &echoMessage{Text: "b2"})
	relayA.OnMessageReceived(connA, nil, &echoMessage{Text: "a3"})

	for _, expect := range want {
		select {
		case got := <-handler.order:
			require.Equal(t, expect, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", expect)
		}
	}
}

// connMadeHandler records every OnConnectionMade callback it receives.
type connMadeHandler struct {
	NoopHandler
	made chan Connection
}

func (h *connMadeHandler) OnConnectionMade(conn Connection) {
	h.made <- conn
}

func TestServerGlobalOrderFiresConnectionMade(t *testing.T) {
	server := NewServer(nil)
	handler := &connMadeHandler{made: make(chan Connection, 4)}
	server.SetGlobalHandler(handler)
	server.hasGlobal = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.runGlobalWorker(ctx)

	conn := &stubConnection{id: uuid.New()}
	server.adopt(conn, GlobalOrder)

	select {
	case got := <-handler.made:
		require.Equal(t, conn.ID(), got.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnectionMade")
	}
}

func TestServerConnectionOrderFiresConnectionMade(t *testing.T) {
	handler := &connMadeHandler{made: make(chan Connection, 1)}
	conn := &stubConnection{id: uuid.New(), handler: handler}

	server := NewServer(nil)
	server.adopt(conn, ConnectionOrder)

	select {
	case got := <-handler.made:
		require.Equal(t, conn.ID(), got.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnConnectionMade")
	}
}

func TestServerDisconnectWithReasonSendsThenCloses(t *testing.T) {
	server := NewServer(nil)
	conn := &stubConnection{id: uuid.New()}
	server.DisconnectWithReason(conn, DisconnectRequested, "maintenance")
}

func TestServerConnectionOrderDeliversDirectlyOnConnection(t *testing.T) {
	opts := DefaultOptions()
	client, serverConn, handler := tcpPair(t, opts)
	defer client.Close()
	defer serverConn.Close()

	server := NewServer(nil)
	server.adopt(serverConn, ConnectionOrder)
	require.Len(t, server.Connections(), 1)

	<-client.SendAsync(&echoMessage{Text: "direct"})
	select {
	case msg := <-handler.received:
		require.Equal(t, "direct", msg.(*echoMessage).Text)
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectionOrder adoption should not disturb the existing handler")
	}
}
