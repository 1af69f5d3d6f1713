package tempest

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const tcpInitialBufferSize = 4096

// TCPConnection implements C5: a full-duplex stream connection with a
// single outstanding receive, receive-buffer reassembly and growth,
// a pooled send path, and the pendingAsync-gated disconnect sequence
// of spec.md §4.5. It is grounded on rdgproto/client.go's
// goroutine-plus-done-channel lifecycle, generalized from that
// file's single fixed message format to the C2 frame pipeline.
type TCPConnection struct {
	id     uuid.UUID
	conn   net.Conn
	opts   Options
	log    *zap.Logger
	metr   *Metrics
	pool   *SendBufferPool
	guard  *asyncGuard
	env    *CryptoEnvelope

	stateMu       sync.Mutex
	state         ConnState
	disconnecting bool
	protocols     map[uint8]*Protocol

	handlerMu sync.RWMutex
	handler   EventHandler

	respMu       sync.Mutex
	lastSent     time.Time
	responseTime time.Duration
	pingsOut     int

	done chan struct{}
}

// NewTCPConnection wraps an already-accepted or dialed net.Conn.
// Protocol id 1 (the control protocol) is always registered.
func NewTCPConnection(conn net.Conn, opts Options, pool *SendBufferPool, log *zap.Logger, metr *Metrics) *TCPConnection {
	c := &TCPConnection{
		id:        uuid.New(),
		conn:      conn,
		opts:      opts,
		log:       nopLogger(log),
		metr:      metr,
		pool:      pool,
		guard:     newAsyncGuard(),
		protocols: map[uint8]*Protocol{ControlProtocolID: ControlProtocol},
		state:     StateConnecting,
		done:      make(chan struct{}),
	}
	return c
}

// RegisterProtocol adds a protocol this connection accepts, rejecting
// a second protocol sharing an id (spec.md §3).
func (c *TCPConnection) RegisterProtocol(p *Protocol) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if _, exists := c.protocols[p.ID]; exists {
		return ErrDuplicateProtocol
	}
	c.protocols[p.ID] = p
	return nil
}

// SetCryptoEnvelope installs the keys derived from a completed
// handshake and transitions the connection to Connected.
func (c *TCPConnection) SetCryptoEnvelope(env *CryptoEnvelope) {
	c.stateMu.Lock()
	c.env = env
	wasConnected := c.state == StateConnected
	c.state = StateConnected
	c.stateMu.Unlock()
	if !wasConnected {
		c.metr.incConnections()
	}
}

// MarkConnected transitions a connection that required no handshake
// directly to Connected.
func (c *TCPConnection) MarkConnected() {
	c.stateMu.Lock()
	c.state = StateConnected
	c.stateMu.Unlock()
	c.metr.incConnections()
}

func (c *TCPConnection) ID() uuid.UUID        { return c.id }
func (c *TCPConnection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *TCPConnection) State() ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *TCPConnection) IsConnected() bool { return c.State() == StateConnected }

func (c *TCPConnection) Protocols() []*Protocol {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([]*Protocol, 0, len(c.protocols))
	for _, p := range c.protocols {
		out = append(out, p)
	}
	return out
}

func (c *TCPConnection) ResponseTime() time.Duration {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	return c.responseTime
}

func (c *TCPConnection) SetHandler(h EventHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

func (c *TCPConnection) eventHandler() EventHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

func (c *TCPConnection) lookupProtocol(id uint8) (*Protocol, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	p, ok := c.protocols[id]
	return p, ok
}

// Run starts the receive loop; it blocks until the connection ends.
// Callers typically invoke this in its own goroutine, mirroring
// rdgproto/client.go's Start/listen split.
func (c *TCPConnection) Run() {
	rbuf := make([]byte, tcpInitialBufferSize)
	offset, loaded := 0, 0

	for {
		if offset+loaded == len(rbuf) {
			rbuf = c.growReceiveBuffer(rbuf, offset, loaded)
		}
		n, err := c.conn.Read(rbuf[offset+loaded:])
		if err != nil || n == 0 {
			c.disconnectInternal(true, DisconnectFailedUnknown, "")
			return
		}
		loaded += n

		newOffset, newLoaded, derr := c.bufferMessages(rbuf, offset, loaded)
		if derr != nil {
			reason := DisconnectMalformedFrame
			switch derr {
			case ErrMessageTooLarge:
				reason = DisconnectMessageTooLarge
			case ErrAuthenticationFailed:
				reason = DisconnectAuthenticationFailed
			}
			c.metr.incMalformed()
			c.disconnectInternal(true, reason, "")
			return
		}
		offset, loaded = newOffset, newLoaded
		if offset > 0 && loaded > 0 {
			copy(rbuf, rbuf[offset:offset+loaded])
			offset = 0
		} else if loaded == 0 {
			offset = 0
		}
	}
}

// growReceiveBuffer doubles the backing array, or grows it to twice
// the pending frame's declared length when that is larger, preserving
// the unconsumed tail at offset 0 (spec.md §4.5's "larger buffer ...
// tail bytes copied in").
func (c *TCPConnection) growReceiveBuffer(buf []byte, offset, loaded int) []byte {
	needed, ok := PeekFrameLength(buf, offset)
	newCap := len(buf) * 2
	if ok && int(needed) > newCap {
		newCap = int(needed) * 2
	}
	nb := make([]byte, newCap)
	copy(nb, buf[offset:offset+loaded])
	return nb
}

// bufferMessages repeatedly decodes frames starting at offset,
// dispatching each Ready frame and skipping each Drop, until it hits
// NeedMore or the end of the loaded region. It returns the updated
// (offset, loaded) describing the unconsumed tail.
func (c *TCPConnection) bufferMessages(buf []byte, offset, loaded int) (int, int, error) {
	pos := offset
	end := offset + loaded
	for {
		outcome, header, consumed, err := TryGetHeader(buf[:end], pos, c, c.lookupProtocol, c.opts.MaxMessageLength)
		if err != nil {
			return 0, 0, err
		}
		switch outcome {
		case NeedMore:
			return pos, end - pos, nil
		case Drop:
			c.metr.incDropped()
			pos += consumed
		case Ready:
			frame := buf[pos : pos+consumed]
			if derr := c.dispatch(header, frame); derr != nil {
				return 0, 0, derr
			}
			pos += consumed
		}
		if pos == end {
			return pos, 0, nil
		}
	}
}

func (c *TCPConnection) dispatch(header *MessageHeader, frame []byte) error {
	start := time.Now()
	r, err := DecodeBody(frame, header, c.env)
	if err != nil {
		return err
	}
	rerr := func() (err error) {
		defer func() {
			if recover() != nil {
				err = ErrMalformedFrame
			}
		}()
		return header.Message.ReadFrom(r, header.Context)
	}()
	if rerr != nil {
		return ErrMalformedFrame
	}
	c.metr.incDecoded()

	if header.Protocol.ID == ControlProtocolID {
		c.onControlMessage(header.Message)
		return nil
	}
	if h := c.eventHandler(); h != nil {
		h.OnMessageReceived(c, header, header.Message)
	}
	c.metr.observeDispatchLatency(time.Since(start).Seconds())
	return nil
}

func (c *TCPConnection) onControlMessage(msg Message) {
	switch m := msg.(type) {
	case *Ping:
		c.SendAsync(&Pong{Nonce: m.Nonce})
	case *Pong:
		c.respMu.Lock()
		c.responseTime = time.Since(c.lastSent)
		c.pingsOut = 0
		c.respMu.Unlock()
	case *Disconnect:
		c.disconnectInternal(false, m.Reason, m.Custom)
	}
}

// SendPing sends a Ping and records the send time for ResponseTime
// computation on the matching Pong.
func (c *TCPConnection) SendPing(nonce uint64) <-chan bool {
	c.respMu.Lock()
	c.lastSent = time.Now()
	c.pingsOut++
	c.respMu.Unlock()
	return c.SendAsync(&Ping{Nonce: nonce})
}

// SendAsync encodes and writes msg, reporting completion on the
// returned channel (spec.md §4.5's send path).
func (c *TCPConnection) SendAsync(msg Message) <-chan bool {
	result := make(chan bool, 1)
	go c.sendInternal(msg, result)
	return result
}

func (c *TCPConnection) sendInternal(msg Message, result chan<- bool) {
	defer close(result)

	buf, err := c.pool.Acquire(context.Background())
	if err != nil {
		result <- false
		return
	}
	defer c.pool.Release(buf)

	proto, ok := c.lookupProtocol(msg.ProtocolID())
	if !ok {
		result <- false
		return
	}
	if _, err := EncodeMessage(buf, c, proto, msg, c.env, nil); err != nil {
		result <- false
		return
	}

	c.stateMu.Lock()
	if c.state != StateConnected && c.state != StateHandshaking {
		c.stateMu.Unlock()
		result <- false
		return
	}
	c.guard.Add(1)
	c.stateMu.Unlock()

	_, werr := c.conn.Write(buf.Bytes())
	c.guard.Add(-1)

	if werr != nil {
		result <- false
		return
	}
	result <- true
	if msg.ProtocolID() != ControlProtocolID {
		if h := c.eventHandler(); h != nil {
			h.OnMessageSent(c, msg)
		}
	}
}

// Disconnect implements spec.md §4.5's disconnect sequencing.
func (c *TCPConnection) Disconnect(now bool, reason DisconnectReason, custom string) <-chan struct{} {
	go c.disconnectInternal(now, reason, custom)
	return c.done
}

func (c *TCPConnection) disconnectInternal(now bool, reason DisconnectReason, custom string) {
	c.stateMu.Lock()
	if c.disconnecting || c.state == StateDisconnected {
		c.stateMu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected || c.state == StateHandshaking
	c.disconnecting = true
	c.state = StateDisconnecting
	c.stateMu.Unlock()

	finish := func() {
		c.conn.Close()
		c.stateMu.Lock()
		c.state = StateDisconnected
		c.stateMu.Unlock()
		c.metr.decConnections()
		if h := c.eventHandler(); h != nil {
			h.OnDisconnected(c, &DisconnectError{Reason: reason, Custom: custom})
		}
		close(c.done)
	}

	if !wasConnected {
		c.guard.WaitUntilAtMost(1)
		finish()
		return
	}
	if now {
		c.guard.WaitUntilAtMost(1)
		finish()
		return
	}
	c.guard.WaitUntilAtMost(2)
	finish()
}

// Close forces an immediate disconnect and blocks until every
// in-flight async operation has drained, the Go analogue of spec.md
// §4.5's Dispose.
func (c *TCPConnection) Close() error {
	c.disconnectInternal(true, DisconnectRequested, "")
	c.guard.WaitUntilAtMost(0)
	return nil
}

// Done returns a channel closed once OnDisconnected has fired.
func (c *TCPConnection) Done() <-chan struct{} { return c.done }
