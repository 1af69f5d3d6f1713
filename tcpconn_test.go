package tempest

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingHandler captures every callback onto buffered channels so
// tests can assert on delivery order and content without races.
type recordingHandler struct {
	NoopHandler
	received     chan Message
	disconnected chan *DisconnectError
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		received:     make(chan Message, 64),
		disconnected: make(chan *DisconnectError, 1),
	}
}

func (h *recordingHandler) OnMessageReceived(_ Connection, _ *MessageHeader, msg Message) {
	h.received <- msg
}

func (h *recordingHandler) OnDisconnected(_ Connection, err *DisconnectError) {
	select {
	case h.disconnected <- err:
	default:
	}
}

// tcpPair dials a loopback TCP connection, wraps both ends in
// TCPConnections registered with testProtocol, and starts their
// receive loops.
func tcpPair(t *testing.T, opts Options) (client, server *TCPConnection, serverHandler *recordingHandler) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	rawClient, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	var rawServer net.Conn
	select {
	case rawServer = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}

	pool := NewSendBufferPool(512)
	proto := testProtocol()

	client = NewTCPConnection(rawClient, opts, pool, nil, nil)
	require.NoError(t, client.RegisterProtocol(proto))
	client.MarkConnected()

	server = NewTCPConnection(rawServer, opts, pool, nil, nil)
	require.NoError(t, server.RegisterProtocol(proto))
	server.MarkConnected()

	serverHandler = newRecordingHandler()
	server.SetHandler(serverHandler)

	go client.Run()
	go server.Run()

	return client, server, serverHandler
}

func TestTCPEchoDeliversInOrder(t *testing.T) {
	client, server, handler := tcpPair(t, DefaultOptions())
	defer client.Close()
	defer server.Close()

	for i, text := range []string{"one", "two", "three"} {
		ok := <-client.SendAsync(&echoMessage{Text: text})
		require.Truef(t, ok, "send %d should succeed", i)
	}

	for _, want := range []string{"one", "two", "three"} {
		select {
		case msg := <-handler.received:
			require.Equal(t, want, msg.(*echoMessage).Text)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestTCPOversizeFrameDisconnects(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxMessageLength = BaseHeaderLength + 4

	client, server, handler := tcpPair(t, opts)
	defer client.Close()
	defer server.Close()

	<-client.SendAsync(&echoMessage{Text: "this payload is far too large for the cap"})

	select {
	case err := <-handler.disconnected:
		require.Equal(t, DisconnectMessageTooLarge, err.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected server to disconnect on oversize frame")
	}

	select {
	case <-handler.received:
		t.Fatal("no message should have been delivered")
	default:
	}
}

func TestTCPPingPongMeasuresResponseTime(t *testing.T) {
	client, server, _ := tcpPair(t, DefaultOptions())
	defer client.Close()
	defer server.Close()

	rt, ok := (&Client{conn: client}).Ping(2 * time.Second)
	require.True(t, ok)
	require.GreaterOrEqual(t, rt, time.Duration(0))
}

func TestTCPMessageAuthenticationFailureDisconnects(t *testing.T) {
	opts := DefaultOptions()
	client, server, handler := tcpPair(t, opts)
	defer client.Close()
	defer server.Close()

	clientEnv := testEnvelope()
	tamperedKey := make([]byte, 32)
	copy(tamperedKey, clientEnv.hmacKey)
	tamperedKey[0] ^= 0xFF
	serverEnv := NewCryptoEnvelope(clientEnv.aesKey, tamperedKey, nil)

	client.env = clientEnv
	server.env = serverEnv

	msg := &echoMessage{Text: "signed", authenticated: true}
	<-client.SendAsync(msg)

	select {
	case err := <-handler.disconnected:
		require.Equal(t, DisconnectAuthenticationFailed, err.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect on authentication failure")
	}
}
