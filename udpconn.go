package tempest

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const udpScratchBufferSize = 2048

// pendingAckEntry is one unacknowledged reliable send awaiting either
// an Acknowledge or a resend (spec.md §3's pendingAck map).
type pendingAckEntry struct {
	sentAt  time.Time
	message Message
}

// responseFuture is what sendFor waits on: a channel that receives
// the routed response message once header.isResponse matches.
type responseFuture struct {
	ch chan Message
}

// UDPConnection implements C6: datagram I/O, the reliability
// bookkeeping of spec.md §4.6 (monotonic ids, pendingAck, resend
// ticker, reliable-queue reordering), and sendFor response
// correlation. It is grounded on the same send/recv-plus-maps shape
// as other_examples' arpc reliable transport handler, adapted from
// that file's Bitset sliding window to Tempest's ReliableQueue.
type UDPConnection struct {
	id         uuid.UUID
	sock       net.PacketConn
	remote     net.Addr
	opts       Options
	log        *zap.Logger
	metr       *Metrics
	env        *CryptoEnvelope
	pool       *SendBufferPool

	stateMu   sync.Mutex
	state     ConnState
	protocols map[uint8]*Protocol

	handlerMu sync.RWMutex
	handler   EventHandler

	nextReliableMessageID uint32
	nextMessageID         uint32

	ackMu      sync.Mutex
	pendingAck map[uint32]pendingAckEntry

	respMu    sync.Mutex
	responses map[uint32]*responseFuture

	queue *ReliableQueue

	pingMu       sync.Mutex
	lastSent     time.Time
	responseTime time.Duration

	resendTicker *time.Ticker
	stopResend   chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

// routedMessage is what the reliable queue buffers: a decoded header
// plus its message, ready to reach the event handler in order.
type routedMessage struct {
	header *MessageHeader
	msg    Message
}

// NewUDPConnection wraps a bound PacketConn talking to a single
// remote peer. Tempest models each UDP "connection" as one such
// peer-scoped session, matching spec.md §3's per-connection
// reliability state.
func NewUDPConnection(sock net.PacketConn, remote net.Addr, opts Options, pool *SendBufferPool, log *zap.Logger, metr *Metrics) *UDPConnection {
	c := &UDPConnection{
		id:         uuid.New(),
		sock:       sock,
		remote:     remote,
		opts:       opts,
		log:        nopLogger(log),
		metr:       metr,
		pool:       pool,
		protocols:  map[uint8]*Protocol{ControlProtocolID: ControlProtocol},
		pendingAck: make(map[uint32]pendingAckEntry),
		responses:  make(map[uint32]*responseFuture),
		queue:      NewReliableQueue(),
		state:      StateConnecting,
		stopResend: make(chan struct{}),
		done:       make(chan struct{}),
	}
	interval := opts.ResendInterval
	if interval <= 0 {
		interval = time.Second
	}
	c.resendTicker = time.NewTicker(interval)
	go c.resendLoop()
	return c
}

func (c *UDPConnection) RegisterProtocol(p *Protocol) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if _, exists := c.protocols[p.ID]; exists {
		return ErrDuplicateProtocol
	}
	c.protocols[p.ID] = p
	return nil
}

func (c *UDPConnection) SetCryptoEnvelope(env *CryptoEnvelope) {
	c.stateMu.Lock()
	c.env = env
	wasConnected := c.state == StateConnected
	c.state = StateConnected
	c.stateMu.Unlock()
	if !wasConnected {
		c.metr.incConnections()
	}
}

func (c *UDPConnection) MarkConnected() {
	c.stateMu.Lock()
	c.state = StateConnected
	c.stateMu.Unlock()
	c.metr.incConnections()
}

func (c *UDPConnection) ID() uuid.UUID        { return c.id }
func (c *UDPConnection) RemoteAddr() net.Addr { return c.remote }

func (c *UDPConnection) State() ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *UDPConnection) IsConnected() bool { return c.State() == StateConnected }

func (c *UDPConnection) Protocols() []*Protocol {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([]*Protocol, 0, len(c.protocols))
	for _, p := range c.protocols {
		out = append(out, p)
	}
	return out
}

func (c *UDPConnection) ResponseTime() time.Duration {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return c.responseTime
}

func (c *UDPConnection) SetHandler(h EventHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

func (c *UDPConnection) eventHandler() EventHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

func (c *UDPConnection) lookupProtocol(id uint8) (*Protocol, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	p, ok := c.protocols[id]
	return p, ok
}

// SendAsync implements sendCore(message, isResponse=false, future=nil)
// from spec.md §4.6.
func (c *UDPConnection) SendAsync(msg Message) <-chan bool {
	result := make(chan bool, 1)
	go func() {
		_, ok := c.sendCore(msg, false, 0, nil)
		result <- ok
		close(result)
	}()
	return result
}

// SendPing sends a Ping and records the send time so the matching
// Pong can compute ResponseTime, exercising the same Ping/Pong path
// used over TCP since UDP carries no transport-level round trip
// signal of its own.
func (c *UDPConnection) SendPing(nonce uint64) <-chan bool {
	c.pingMu.Lock()
	c.lastSent = time.Now()
	c.pingMu.Unlock()
	return c.SendAsync(&Ping{Nonce: nonce})
}

// SendResponse sends msg as the response to a previously routed
// message whose header carried messageId requestID, reusing that id
// on the wire (spec.md §4.6's isResponse path) rather than allocating
// a fresh one.
func (c *UDPConnection) SendResponse(msg Message, requestID uint32) <-chan bool {
	result := make(chan bool, 1)
	go func() {
		_, ok := c.sendCore(msg, true, requestID, nil)
		result <- ok
		close(result)
	}()
	return result
}

// SendFor implements spec.md §4.6's sendFor<T>: msg must be reliable
// or preferReliable, and the returned channel resolves with the
// routed response whose header carries isResponse=true and a matching
// messageId, or nil if timeout elapses first.
func (c *UDPConnection) SendFor(msg Message, timeout time.Duration) (<-chan Message, error) {
	if !msg.MustBeReliable() && !msg.PreferReliable() {
		return nil, ErrInvalidOperation
	}
	future := &responseFuture{ch: make(chan Message, 1)}
	messageID, ok := c.sendCore(msg, false, 0, future)
	if !ok {
		close(future.ch)
		return future.ch, ErrConnectionFailed
	}

	out := make(chan Message, 1)
	go func() {
		defer close(out)
		select {
		case m := <-future.ch:
			out <- m
		case <-time.After(timeout):
			c.respMu.Lock()
			delete(c.responses, messageID)
			c.respMu.Unlock()
		}
	}()
	return out, nil
}

// sendCore implements spec.md §4.6's sendCore(message, isResponse,
// future). explicitID, when non-zero, is reused as the wire messageId
// instead of allocating a new one: responses reuse the request's id
// so sendFor correlation matches, and resends reuse the original
// send's id so the header doesn't change across retransmits.
func (c *UDPConnection) sendCore(msg Message, isResponse bool, explicitID uint32, future *responseFuture) (messageID uint32, ok bool) {
	proto, found := c.lookupProtocol(msg.ProtocolID())
	if !found {
		return 0, false
	}

	reliable := msg.MustBeReliable() || msg.PreferReliable()
	switch {
	case explicitID != 0:
		messageID = explicitID
	case reliable:
		messageID = atomic.AddUint32(&c.nextReliableMessageID, 1)
	default:
		messageID = atomic.AddUint32(&c.nextMessageID, 1)
	}

	if future != nil {
		c.respMu.Lock()
		c.responses[messageID] = future
		c.respMu.Unlock()
	}

	buf, err := c.pool.Acquire(context.Background())
	if err != nil {
		return messageID, false
	}
	defer c.pool.Release(buf)

	meta := &UDPFrameMeta{MessageID: messageID, IsResponse: isResponse}
	if _, err := EncodeMessage(buf, c, proto, msg, c.env, meta); err != nil {
		return messageID, false
	}

	if _, err := c.sock.WriteTo(buf.Bytes(), c.remote); err != nil {
		return messageID, false
	}

	if reliable && !isResponse && proto.ID != ControlProtocolID {
		c.ackMu.Lock()
		c.pendingAck[messageID] = pendingAckEntry{sentAt: time.Now(), message: msg}
		c.metr.setPendingAckDepth(len(c.pendingAck))
		c.ackMu.Unlock()
	}

	if msg.ProtocolID() != ControlProtocolID {
		if h := c.eventHandler(); h != nil {
			h.OnMessageSent(c, msg)
		}
	}
	return messageID, true
}

// ReadLoop drains the socket; it should run in its own goroutine for
// the lifetime of the connection.
func (c *UDPConnection) ReadLoop() {
	scratch := make([]byte, udpScratchBufferSize)
	for {
		n, addr, err := c.sock.ReadFrom(scratch)
		if err != nil {
			return
		}
		if c.remote != nil && addr.String() != c.remote.String() {
			continue
		}
		c.handleDatagram(scratch[:n])
	}
}

// decodeFrame parses and, if Ready, fully decodes a single datagram.
// It is shared by handleDatagram (for an already-adopted connection)
// and UDPProvider (for the first datagram from a not-yet-adopted
// remote address, delivered as a connectionless message instead).
func (c *UDPConnection) decodeFrame(frame []byte) (DecodeOutcome, *MessageHeader, Message, error) {
	outcome, header, _, err := TryGetHeader(frame, 0, c, c.lookupProtocol, c.opts.MaxMessageLength)
	if err != nil {
		return 0, nil, nil, err
	}
	if outcome != Ready {
		return outcome, nil, nil, nil
	}

	r, err := DecodeBody(frame, header, c.env)
	if err != nil {
		return 0, nil, nil, err
	}
	messageID, _ := r.ReadUint32()
	isResponse, _ := r.ReadBool()
	header.MessageID = messageID
	header.IsResponse = isResponse

	rerr := func() (err error) {
		defer func() {
			if recover() != nil {
				err = ErrMalformedFrame
			}
		}()
		return header.Message.ReadFrom(r, header.Context)
	}()
	if rerr != nil {
		return 0, nil, nil, rerr
	}
	return Ready, header, header.Message, nil
}

func (c *UDPConnection) handleDatagram(frame []byte) {
	outcome, header, msg, err := c.decodeFrame(frame)
	if err != nil {
		c.metr.incMalformed()
		reason := DisconnectMalformedFrame
		switch err {
		case ErrMessageTooLarge:
			reason = DisconnectMessageTooLarge
		case ErrAuthenticationFailed:
			reason = DisconnectAuthenticationFailed
		}
		c.Disconnect(true, reason, "")
		return
	}
	if outcome != Ready {
		if outcome == Drop {
			c.metr.incDropped()
		}
		return
	}
	c.metr.incDecoded()

	isControl := header.Protocol.ID == ControlProtocolID
	reliable := msg.MustBeReliable() || msg.PreferReliable()

	if header.MessageID != 0 && reliable {
		if !isControl {
			c.sendAck(header.MessageID)
		}
		ready := c.queue.Enqueue(header.MessageID, routedMessage{header: header, msg: msg})
		for _, item := range ready {
			c.route(item.(routedMessage))
		}
		if isControl {
			c.sendAck(header.MessageID)
		}
		return
	}
	c.route(routedMessage{header: header, msg: msg})
}

func (c *UDPConnection) sendAck(messageID uint32) {
	c.SendAsync(&Acknowledge{MessageID: messageID})
}

func (c *UDPConnection) route(rm routedMessage) {
	start := time.Now()
	if rm.header.Protocol.ID == ControlProtocolID {
		c.onControlMessage(rm.msg)
		return
	}
	if rm.header.IsResponse {
		c.respMu.Lock()
		future, ok := c.responses[rm.header.MessageID]
		if ok {
			delete(c.responses, rm.header.MessageID)
		}
		c.respMu.Unlock()
		if ok {
			future.ch <- rm.msg
			close(future.ch)
		}
	}
	if h := c.eventHandler(); h != nil {
		h.OnMessageReceived(c, rm.header, rm.msg)
	}
	c.metr.observeDispatchLatency(time.Since(start).Seconds())
}

func (c *UDPConnection) onControlMessage(msg Message) {
	switch m := msg.(type) {
	case *Acknowledge:
		c.ackMu.Lock()
		delete(c.pendingAck, m.MessageID)
		c.metr.setPendingAckDepth(len(c.pendingAck))
		c.ackMu.Unlock()
	case *Disconnect:
		c.Disconnect(false, m.Reason, m.Custom)
	case *Ping:
		c.SendAsync(&Pong{Nonce: m.Nonce})
	case *Pong:
		c.pingMu.Lock()
		c.responseTime = time.Since(c.lastSent)
		c.pingMu.Unlock()
	}
}

// resendLoop implements spec.md §4.6's resendPending: every tick,
// resubmit any pendingAck entry older than the resend interval.
func (c *UDPConnection) resendLoop() {
	for {
		select {
		case <-c.stopResend:
			c.resendTicker.Stop()
			return
		case <-c.resendTicker.C:
			c.resendPending()
		}
	}
}

func (c *UDPConnection) resendPending() {
	threshold := c.opts.ResendInterval
	if threshold <= 0 {
		threshold = time.Second
	}
	now := time.Now()

	type staleEntry struct {
		id      uint32
		message Message
	}

	c.ackMu.Lock()
	var stale []staleEntry
	for id, entry := range c.pendingAck {
		if now.Sub(entry.sentAt) >= threshold {
			stale = append(stale, staleEntry{id: id, message: entry.message})
		}
	}
	c.ackMu.Unlock()

	for _, s := range stale {
		go c.sendCore(s.message, false, s.id, nil)
	}
}

// Disconnect tears the UDP session down. UDP has no stream to close,
// so disconnect only stops the resend ticker and flushes reliability
// state.
func (c *UDPConnection) Disconnect(now bool, reason DisconnectReason, custom string) <-chan struct{} {
	c.closeOnce.Do(func() {
		close(c.stopResend)
		c.stateMu.Lock()
		c.state = StateDisconnected
		c.stateMu.Unlock()
		c.metr.decConnections()

		c.queue.Clear()
		c.respMu.Lock()
		for id, f := range c.responses {
			close(f.ch)
			delete(c.responses, id)
		}
		c.respMu.Unlock()
		c.ackMu.Lock()
		c.pendingAck = make(map[uint32]pendingAckEntry)
		c.ackMu.Unlock()

		if h := c.eventHandler(); h != nil {
			h.OnDisconnected(c, &DisconnectError{Reason: reason, Custom: custom})
		}
		close(c.done)
	})
	return c.done
}

// Done returns a channel closed once Disconnect has completed.
func (c *UDPConnection) Done() <-chan struct{} { return c.done }
