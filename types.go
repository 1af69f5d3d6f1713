// Package tempest implements a message-oriented networking runtime:
// strongly-typed, versioned messages exchanged over reliable (TCP)
// and unreliable (UDP) transports, with an optional crypto envelope
// negotiated out-of-band by a handshake. See spec.md and
// SPEC_FULL.md for the governing specification.
package tempest

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// ProtocolID reserved for Tempest's own control messages (Ping, Pong,
// Disconnect, Acknowledge, and the opaque handshake exchange).
const ControlProtocolID uint8 = 1

// Message is the abstract entity carried over a Tempest connection.
// Encrypted and Authenticated are static properties of the concrete
// message type — every instance of a given Go type must return the
// same values, mirroring spec.md §3's "static properties of the
// message class, not per-instance" rule. Implementations should make
// these trivial constant-returning methods.
type Message interface {
	// ProtocolID identifies which registered Protocol this message
	// belongs to.
	ProtocolID() uint8
	// MessageType is the protocol-local message type id.
	MessageType() uint16
	// Encrypted reports whether the payload must be encrypted on the
	// wire. Static per concrete type.
	Encrypted() bool
	// Authenticated reports whether the frame carries an HMAC tag.
	// Static per concrete type.
	Authenticated() bool
	// MustBeReliable forces reliable delivery on unreliable
	// transports; sendFor requires this or PreferReliable.
	MustBeReliable() bool
	// PreferReliable requests reliable delivery without requiring it.
	PreferReliable() bool
	// WriteTo serializes the message body into w using ctx to resolve
	// dynamic type names to wire ids.
	WriteTo(w *Writer, ctx *SerializationContext) error
	// ReadFrom deserializes the message body from r using ctx to
	// resolve wire type ids back to names.
	ReadFrom(r *Reader, ctx *SerializationContext) error
}

// MessageFactory constructs a zero-value Message for a given
// protocol-local message type, or returns nil if the type is unknown
// to this protocol (spec.md §4.2: unknown message type is a silent
// drop, not an error).
type MessageFactory func(messageType uint16) Message

// Protocol is a versioned namespace of message types, identified on
// the wire by a single byte id. At most one Protocol with a given id
// may be registered on a connection at once (spec.md §3).
type Protocol struct {
	ID                uint8
	Version           uint16
	RequiresHandshake bool
	NewMessage        MessageFactory
}

// MessageHeader describes a decoded (or about-to-be-encoded) frame.
// It is only carried on the wire for UDP; the TCP path recomputes it
// fresh on every decode (spec.md §3).
type MessageHeader struct {
	Protocol      *Protocol
	Message       Message
	MessageLength uint32
	HeaderLength  uint16
	Context       *SerializationContext
	IV            []byte
	MessageID     uint32
	IsResponse    bool
}

// ConnState is the lifecycle state of a Connection (spec.md §3).
type ConnState int

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ExecutionMode selects how a server dispatches received messages to
// handlers (spec.md §4.7).
type ExecutionMode int

const (
	// ConnectionOrder preserves per-connection order; there is no
	// ordering guarantee across connections.
	ConnectionOrder ExecutionMode = iota
	// GlobalOrder preserves a single total order across every
	// connection owned by the provider.
	GlobalOrder
)

// EventHandler is the capability object a caller registers on a
// Connection to observe inbound traffic and lifecycle transitions
// (spec.md §9's "capability object" modeling of the source's
// event-based API). A nil handler is valid; events are simply
// dropped.
type EventHandler interface {
	// OnConnectionMade fires once a connection has been adopted by a
	// Server, before any message of its can arrive through this
	// handler (spec.md §4.7's ConnectionMade FIFO event).
	OnConnectionMade(conn Connection)
	// OnMessageReceived fires once per delivered message, in the
	// order guaranteed by spec.md §5 for the connection's transport.
	OnMessageReceived(conn Connection, header *MessageHeader, msg Message)
	// OnConnectionlessMessage fires for a UDP datagram that arrived
	// before the connection it belongs to existed — the first packet
	// from a previously unseen remote address (spec.md §4.7's
	// ConnectionlessMessageReceived FIFO event).
	OnConnectionlessMessage(conn Connection, header *MessageHeader, msg Message)
	// OnMessageSent fires after the transport reports payload bytes
	// handed off, except for internal Tempest control messages
	// (spec.md §5, invariant 7).
	OnMessageSent(conn Connection, msg Message)
	// OnDisconnected fires exactly once per connection with the first
	// observed reason.
	OnDisconnected(conn Connection, err *DisconnectError)
}

// NoopHandler implements EventHandler with no-op methods; useful as
// an embeddable base for handlers that only care about one callback.
type NoopHandler struct{}

func (NoopHandler) OnConnectionMade(Connection)                                {}
func (NoopHandler) OnMessageReceived(Connection, *MessageHeader, Message)      {}
func (NoopHandler) OnConnectionlessMessage(Connection, *MessageHeader, Message) {}
func (NoopHandler) OnMessageSent(Connection, Message)                          {}
func (NoopHandler) OnDisconnected(Connection, *DisconnectError)                {}

// Connection is the transport-agnostic capability surface shared by
// the TCP and UDP connection implementations (spec.md §6's
// IConnection).
type Connection interface {
	// ID uniquely identifies this connection for its lifetime.
	ID() uuid.UUID
	// State returns the current lifecycle state.
	State() ConnState
	// IsConnected reports State() == StateConnected.
	IsConnected() bool
	// Protocols lists the protocols negotiated for this connection.
	Protocols() []*Protocol
	// RemoteAddr is the peer address.
	RemoteAddr() net.Addr
	// ResponseTime is the most recently measured Ping/Pong round trip.
	ResponseTime() time.Duration
	// SetHandler installs the event handler; it replaces any previous
	// handler and may be called before the connection is connected.
	SetHandler(h EventHandler)
	// SendAsync encodes and sends msg, returning a channel that
	// receives true once the transport confirms delivery was handed
	// off, or false if the send failed. The channel is closed after
	// the single value is sent.
	SendAsync(msg Message) <-chan bool
	// Disconnect begins (or forces, if now is true) an orderly
	// shutdown. It returns a channel closed once Disconnected has
	// fired.
	Disconnect(now bool, reason DisconnectReason, custom string) <-chan struct{}

	// eventHandler exposes the currently registered handler so a
	// Server can invoke lifecycle callbacks that don't originate from
	// the connection's own receive loop, such as OnConnectionMade.
	eventHandler() EventHandler
}

// ClientConnection is a Connection established by dialing out, per
// spec.md §6's IClientConnection.
type ClientConnection interface {
	Connection
}
