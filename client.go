package tempest

import (
	"net"
	"time"

	"go.uber.org/zap"
)

// Client is the dial-side convenience wrapper around a TCPConnection,
// grounded on rdgproto/client.go's Client/Start/Wait/Errors shape and
// generalized to Tempest's handshake-then-connected lifecycle.
type Client struct {
	conn *TCPConnection

	handshaker Handshaker
	protocols  []*Protocol

	errCh chan error
}

// DialTCP connects to addr, registers protocols, runs a handshake
// through handshaker if any protocol requires one (failing with
// ErrInvalidOperation if handshaker is then nil), and starts the
// receive loop.
func DialTCP(addr string, opts Options, handshaker Handshaker, protocols []*Protocol, pool *SendBufferPool, log *zap.Logger, metr *Metrics) (*Client, error) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	conn := NewTCPConnection(raw, opts, pool, log, metr)
	for _, p := range protocols {
		if err := conn.RegisterProtocol(p); err != nil {
			raw.Close()
			return nil, err
		}
	}

	c := &Client{conn: conn, handshaker: handshaker, protocols: protocols, errCh: make(chan error, 1)}

	if requiresHandshake(protocols) {
		if handshaker == nil {
			raw.Close()
			return nil, ErrInvalidOperation
		}
		conn.stateMu.Lock()
		conn.state = StateHandshaking
		conn.stateMu.Unlock()

		aesKey, hmacKey, err := handshaker.Negotiate(conn)
		if err != nil {
			raw.Close()
			return nil, err
		}
		conn.SetCryptoEnvelope(NewCryptoEnvelope(aesKey, hmacKey, log))
	} else {
		conn.MarkConnected()
	}

	go func() {
		conn.Run()
		select {
		case c.errCh <- nil:
		default:
		}
	}()

	return c, nil
}

func requiresHandshake(protocols []*Protocol) bool {
	for _, p := range protocols {
		if p.RequiresHandshake {
			return true
		}
	}
	return false
}

// Connection exposes the underlying connection for sending and event
// handler registration.
func (c *Client) Connection() Connection { return c.conn }

// SendAsync sends a message on the client's connection.
func (c *Client) SendAsync(msg Message) <-chan bool { return c.conn.SendAsync(msg) }

// Disconnect closes the client's connection.
func (c *Client) Disconnect(now bool, reason DisconnectReason, custom string) <-chan struct{} {
	return c.conn.Disconnect(now, reason, custom)
}

// Wait blocks until the connection's receive loop exits.
func (c *Client) Wait() error {
	select {
	case err := <-c.errCh:
		return err
	case <-c.conn.Done():
		return nil
	}
}

// Ping sends a Ping and returns the round trip once a Pong updates
// ResponseTime, or false if timeout elapses first.
func (c *Client) Ping(timeout time.Duration) (time.Duration, bool) {
	prev := c.conn.ResponseTime()
	result := c.conn.SendPing(uint64(time.Now().UnixNano()))
	return waitForPong(result, prev, func() time.Duration { return c.conn.ResponseTime() }, timeout)
}

// waitForPong polls respTime after sendResult confirms the Ping was
// handed off until it reports a value other than prev (the value read
// before the Ping was sent), the shared polling loop behind
// Client.Ping and UDPClient.Ping (both transports measure
// ResponseTime the same way).
func waitForPong(sendResult <-chan bool, prev time.Duration, respTime func() time.Duration, timeout time.Duration) (time.Duration, bool) {
	select {
	case ok := <-sendResult:
		if !ok {
			return 0, false
		}
	case <-time.After(timeout):
		return 0, false
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rt := respTime(); rt > 0 && rt != prev {
			return rt, true
		}
		time.Sleep(time.Millisecond)
	}
	return 0, false
}

// UDPClient is the dial-side convenience wrapper around a
// UDPConnection, mirroring Client's shape for the unreliable
// transport (spec.md §6's IClientConnection has no transport-specific
// surface, so the two wrappers differ only in how they're dialed).
type UDPClient struct {
	conn *UDPConnection
}

// DialUDP opens a UDP socket to addr and registers protocols on a new
// UDPConnection. UDP has no handshake step analogous to DialTCP's
// because the transport has no connection establishment to hang a
// handshake off of; a crypto envelope must be installed separately via
// the returned connection's SetCryptoEnvelope once negotiated some
// other way (e.g. over an accompanying TCP control channel).
func DialUDP(addr string, opts Options, protocols []*Protocol, pool *SendBufferPool, log *zap.Logger, metr *Metrics) (*UDPClient, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}

	conn := NewUDPConnection(socket, raddr, opts, pool, log, metr)
	for _, p := range protocols {
		if err := conn.RegisterProtocol(p); err != nil {
			socket.Close()
			return nil, err
		}
	}
	conn.MarkConnected()

	return &UDPClient{conn: conn}, nil
}

// Connection exposes the underlying connection for sending and event
// handler registration.
func (c *UDPClient) Connection() Connection { return c.conn }

// SendAsync sends a message on the client's connection.
func (c *UDPClient) SendAsync(msg Message) <-chan bool { return c.conn.SendAsync(msg) }

// Disconnect closes the client's connection.
func (c *UDPClient) Disconnect(now bool, reason DisconnectReason, custom string) <-chan struct{} {
	return c.conn.Disconnect(now, reason, custom)
}

// Ping sends a Ping and returns the round trip once a Pong updates
// ResponseTime, or false if timeout elapses first.
func (c *UDPClient) Ping(timeout time.Duration) (time.Duration, bool) {
	prev := c.conn.ResponseTime()
	result := c.conn.SendPing(uint64(time.Now().UnixNano()))
	return waitForPong(result, prev, func() time.Duration { return c.conn.ResponseTime() }, timeout)
}
