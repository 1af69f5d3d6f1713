package tempest

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// serverEvent is one entry in the GlobalOrder shared FIFO (spec.md
// §4.7).
type serverEvent struct {
	kind   serverEventKind
	conn   Connection
	header *MessageHeader
	msg    Message
	err    *DisconnectError
}

type serverEventKind int

const (
	eventConnectionMade serverEventKind = iota
	eventMessageReceived
	eventConnectionlessMessage
	eventDisconnected
)

// ConnectionProvider accepts connections of one transport kind and
// feeds them into a Server under a chosen ExecutionMode (spec.md
// §4.7).
type ConnectionProvider interface {
	// Start begins accepting/serving connections; it must return once
	// ctx is cancelled.
	Start(ctx context.Context, server *Server) error
	// Stop releases listening resources.
	Stop() error
}

// TCPProvider is a ConnectionProvider that accepts TCP connections,
// grounded on rdgproto/server.go's Accept loop generalized to
// Tempest's TCPConnection and the server's dispatch modes.
type TCPProvider struct {
	Listener net.Listener
	Opts     Options
	Pool     *SendBufferPool
	Log      *zap.Logger
	Metrics  *Metrics
	Mode     ExecutionMode

	// OnAccept is invoked once per accepted connection, before it is
	// registered with the server, to let the caller register
	// application protocols and (if required) drive the handshake.
	OnAccept func(conn *TCPConnection) error
}

func (p *TCPProvider) Start(ctx context.Context, server *Server) error {
	for {
		raw, err := p.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		conn := NewTCPConnection(raw, p.Opts, p.Pool, p.Log, p.Metrics)
		if p.OnAccept != nil {
			if err := p.OnAccept(conn); err != nil {
				raw.Close()
				continue
			}
		} else {
			conn.MarkConnected()
		}
		server.adopt(conn, p.Mode)
		go conn.Run()
	}
}

func (p *TCPProvider) Stop() error {
	return p.Listener.Close()
}

// UDPProvider accepts UDP traffic on a single shared socket, demuxing
// inbound datagrams by remote address into per-peer UDPConnections the
// way TCPProvider demuxes by accepted net.Conn. Because a UDPConnection
// knows nothing of other peers sharing its socket, the provider (not
// the connection) owns the read loop and routes each datagram to the
// connection whose address it matches.
type UDPProvider struct {
	Socket  net.PacketConn
	Opts    Options
	Pool    *SendBufferPool
	Log     *zap.Logger
	Metrics *Metrics
	Mode    ExecutionMode

	// OnAccept is invoked once per newly observed remote address,
	// before the connection is registered with the server, to let the
	// caller register application protocols and mark it connected.
	OnAccept func(conn *UDPConnection) error

	mu    sync.Mutex
	peers map[string]*UDPConnection
}

func (p *UDPProvider) Start(ctx context.Context, server *Server) error {
	p.mu.Lock()
	p.peers = make(map[string]*UDPConnection)
	p.mu.Unlock()

	scratch := make([]byte, udpScratchBufferSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p.Socket.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := p.Socket.ReadFrom(scratch)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		frame := append([]byte(nil), scratch[:n]...)

		p.mu.Lock()
		conn, known := p.peers[addr.String()]
		p.mu.Unlock()

		if known {
			conn.handleDatagram(frame)
			continue
		}

		conn = NewUDPConnection(p.Socket, addr, p.Opts, p.Pool, p.Log, p.Metrics)
		if p.OnAccept != nil {
			if err := p.OnAccept(conn); err != nil {
				continue
			}
		} else {
			conn.MarkConnected()
		}

		p.mu.Lock()
		p.peers[addr.String()] = conn
		p.mu.Unlock()

		server.adopt(conn, p.Mode)

		// The datagram that introduced this address arrived before
		// the connection existed, so it is delivered as a
		// connectionless message rather than through the new
		// connection's ordinary receive path.
		outcome, header, msg, derr := conn.decodeFrame(frame)
		if derr != nil {
			conn.metr.incMalformed()
			reason := DisconnectMalformedFrame
			switch derr {
			case ErrMessageTooLarge:
				reason = DisconnectMessageTooLarge
			case ErrAuthenticationFailed:
				reason = DisconnectAuthenticationFailed
			}
			conn.Disconnect(true, reason, "")
			continue
		}
		if outcome != Ready {
			if outcome == Drop {
				conn.metr.incDropped()
			}
			continue
		}
		conn.metr.incDecoded()
		server.dispatchConnectionless(conn, header, msg, p.Mode)
	}
}

func (p *UDPProvider) Stop() error {
	return p.Socket.Close()
}

// Server owns a set of ConnectionProviders and dispatches their
// traffic per spec.md §4.7: ConnectionOrder connections invoke
// handlers directly from their own receive path, while GlobalOrder
// connections publish events onto a single shared FIFO drained by one
// worker goroutine for a strict total order.
type Server struct {
	providers []ConnectionProvider
	log       *zap.Logger

	mu          sync.Mutex
	connections map[Connection]struct{}

	globalCh     chan serverEvent
	hasGlobal    bool
	globalHandler EventHandler

	metricsAddr string
	metricsReg  prometheus.Gatherer
	metricsSrv  *http.Server

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// SetMetricsAddr configures the Prometheus HTTP endpoint Start exposes;
// addr empty (the default) leaves the listener disabled, matching
// Options.MetricsAddr's "empty disables the metrics HTTP listener"
// contract.
func (s *Server) SetMetricsAddr(addr string, gatherer prometheus.Gatherer) {
	s.metricsAddr = addr
	s.metricsReg = gatherer
}

// NewServer creates a server with no providers yet; call AddProvider
// before Start.
func NewServer(log *zap.Logger) *Server {
	return &Server{
		log:         nopLogger(log),
		connections: make(map[Connection]struct{}),
		globalCh:    make(chan serverEvent, 256),
	}
}

// AddProvider registers a ConnectionProvider to be started with the
// server. If its ExecutionMode is GlobalOrder, the server's shared
// worker is enabled.
func (s *Server) AddProvider(p ConnectionProvider, mode ExecutionMode) {
	s.providers = append(s.providers, p)
	if mode == GlobalOrder {
		s.hasGlobal = true
	}
}

// SetGlobalHandler installs the handler invoked by the GlobalOrder
// worker for every event across every GlobalOrder connection.
func (s *Server) SetGlobalHandler(h EventHandler) {
	s.globalHandler = h
}

// Start starts every provider and, if any provider requested
// GlobalOrder, the single dispatch worker (spec.md §4.7).
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.ctx)
	s.group = group

	if s.metricsAddr != "" {
		srv, err := ServeMetrics(s.metricsAddr, s.metricsReg)
		if err != nil {
			return err
		}
		s.metricsSrv = srv
	}

	if s.hasGlobal {
		group.Go(func() error {
			s.runGlobalWorker(gctx)
			return nil
		})
	}
	for _, p := range s.providers {
		p := p
		group.Go(func() error {
			return p.Start(gctx, s)
		})
	}
	return nil
}

// Stop cancels every provider, signals the global worker, and waits
// for all of it to unwind.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	for _, p := range s.providers {
		p.Stop()
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	if s.group != nil {
		return s.group.Wait()
	}
	return nil
}

func (s *Server) adopt(conn Connection, mode ExecutionMode) {
	s.mu.Lock()
	s.connections[conn] = struct{}{}
	s.mu.Unlock()

	if mode == GlobalOrder {
		conn.SetHandler(&globalOrderRelay{server: s, conn: conn})
		s.globalCh <- serverEvent{kind: eventConnectionMade, conn: conn}
		return
	}
	if h := conn.eventHandler(); h != nil {
		h.OnConnectionMade(conn)
	}
}

// dispatchConnectionless delivers a datagram that arrived before its
// connection existed (spec.md §4.7's ConnectionlessMessageReceived).
func (s *Server) dispatchConnectionless(conn Connection, header *MessageHeader, msg Message, mode ExecutionMode) {
	if mode == GlobalOrder {
		s.globalCh <- serverEvent{kind: eventConnectionlessMessage, conn: conn, header: header, msg: msg}
		return
	}
	if h := conn.eventHandler(); h != nil {
		h.OnConnectionlessMessage(conn, header, msg)
	}
}

// globalOrderRelay adapts a connection's direct EventHandler callbacks
// into enqueue operations on the server's shared FIFO.
type globalOrderRelay struct {
	server *Server
	conn   Connection
}

func (r *globalOrderRelay) OnConnectionMade(conn Connection) {
	r.server.globalCh <- serverEvent{kind: eventConnectionMade, conn: conn}
}

func (r *globalOrderRelay) OnMessageReceived(conn Connection, header *MessageHeader, msg Message) {
	r.server.globalCh <- serverEvent{kind: eventMessageReceived, conn: conn, header: header, msg: msg}
}

func (r *globalOrderRelay) OnConnectionlessMessage(conn Connection, header *MessageHeader, msg Message) {
	r.server.globalCh <- serverEvent{kind: eventConnectionlessMessage, conn: conn, header: header, msg: msg}
}

func (r *globalOrderRelay) OnMessageSent(Connection, Message) {}

func (r *globalOrderRelay) OnDisconnected(conn Connection, err *DisconnectError) {
	r.server.mu.Lock()
	delete(r.server.connections, conn)
	r.server.mu.Unlock()
	r.server.globalCh <- serverEvent{kind: eventDisconnected, conn: conn, err: err}
}

func (s *Server) runGlobalWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.globalCh:
			s.dispatchGlobalEvent(ev)
		}
	}
}

func (s *Server) dispatchGlobalEvent(ev serverEvent) {
	h := s.globalHandler
	if h == nil {
		return
	}
	switch ev.kind {
	case eventConnectionMade:
		h.OnConnectionMade(ev.conn)
	case eventMessageReceived:
		h.OnMessageReceived(ev.conn, ev.header, ev.msg)
	case eventConnectionlessMessage:
		h.OnConnectionlessMessage(ev.conn, ev.header, ev.msg)
	case eventDisconnected:
		h.OnDisconnected(ev.conn, ev.err)
	}
}

// DisconnectWithReason implements spec.md §4.7's
// disconnectWithReason: it sends a Disconnect control message, then
// closes the connection.
func (s *Server) DisconnectWithReason(conn Connection, reason DisconnectReason, custom string) {
	<-conn.SendAsync(&Disconnect{Reason: reason, Custom: custom})
	conn.Disconnect(false, reason, custom)
}

// Connections returns a snapshot of currently tracked connections.
func (s *Server) Connections() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.connections))
	for c := range s.connections {
		out = append(out, c)
	}
	return out
}
