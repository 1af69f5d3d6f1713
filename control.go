package tempest

// Control message type ids within ControlProtocolID (spec.md §4.6).
const (
	controlTypePing        uint16 = 1
	controlTypePong        uint16 = 2
	controlTypeDisconnect  uint16 = 3
	controlTypeAcknowledge uint16 = 4
)

// ControlProtocol is the always-registered internal protocol carrying
// keepalive, disconnect, and reliability acknowledgement traffic. It
// never requires a handshake and its messages are never encrypted or
// authenticated, since they must be decodable before any crypto
// envelope is established (spec.md §4.6).
var ControlProtocol = &Protocol{
	ID:                ControlProtocolID,
	Version:           1,
	RequiresHandshake: false,
	NewMessage:        newControlMessage,
}

func newControlMessage(messageType uint16) Message {
	switch messageType {
	case controlTypePing:
		return &Ping{}
	case controlTypePong:
		return &Pong{}
	case controlTypeDisconnect:
		return &Disconnect{}
	case controlTypeAcknowledge:
		return &Acknowledge{}
	default:
		return nil
	}
}

// controlBase supplies the static Message properties shared by every
// control message: plaintext, unauthenticated, unreliable-is-fine.
type controlBase struct{}

func (controlBase) ProtocolID() uint8     { return ControlProtocolID }
func (controlBase) Encrypted() bool       { return false }
func (controlBase) Authenticated() bool   { return false }
func (controlBase) MustBeReliable() bool  { return false }
func (controlBase) PreferReliable() bool  { return false }

// Ping requests a Pong echoing Nonce, used to measure ResponseTime
// (spec.md §6's UDP ResponseTime decision and TCP's existing
// heartbeat).
type Ping struct {
	controlBase
	Nonce uint64
}

func (*Ping) MessageType() uint16 { return controlTypePing }

func (p *Ping) WriteTo(w *Writer, _ *SerializationContext) error {
	w.WriteUint64(p.Nonce)
	return nil
}

func (p *Ping) ReadFrom(r *Reader, _ *SerializationContext) error {
	v, err := r.ReadUint64()
	if err != nil {
		return err
	}
	p.Nonce = v
	return nil
}

// Pong answers a Ping, echoing the same Nonce.
type Pong struct {
	controlBase
	Nonce uint64
}

func (*Pong) MessageType() uint16 { return controlTypePong }

func (p *Pong) WriteTo(w *Writer, _ *SerializationContext) error {
	w.WriteUint64(p.Nonce)
	return nil
}

func (p *Pong) ReadFrom(r *Reader, _ *SerializationContext) error {
	v, err := r.ReadUint64()
	if err != nil {
		return err
	}
	p.Nonce = v
	return nil
}

// Disconnect announces an orderly shutdown and the reason for it
// (spec.md §4.5).
type Disconnect struct {
	controlBase
	Reason DisconnectReason
	Custom string
}

func (*Disconnect) MessageType() uint16 { return controlTypeDisconnect }

func (d *Disconnect) WriteTo(w *Writer, _ *SerializationContext) error {
	w.WriteByte(byte(d.Reason))
	w.WriteString(d.Custom)
	return nil
}

func (d *Disconnect) ReadFrom(r *Reader, _ *SerializationContext) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	s, err := r.ReadString()
	if err != nil {
		return err
	}
	d.Reason = DisconnectReason(b)
	d.Custom = s
	return nil
}

// Acknowledge is the UDP reliability layer's ack for a previously
// received reliable message (spec.md §5, C4).
type Acknowledge struct {
	controlBase
	MessageID uint32
}

func (*Acknowledge) MessageType() uint16 { return controlTypeAcknowledge }

func (a *Acknowledge) WriteTo(w *Writer, _ *SerializationContext) error {
	w.WriteUint32(a.MessageID)
	return nil
}

func (a *Acknowledge) ReadFrom(r *Reader, _ *SerializationContext) error {
	v, err := r.ReadUint32()
	if err != nil {
		return err
	}
	a.MessageID = v
	return nil
}

// Handshaker performs the out-of-band exchange that establishes a
// connection's crypto keys before any application protocol requiring
// encryption or authentication may run (spec.md §6). Tempest treats
// the handshake's wire format as opaque: a concrete Handshaker is
// supplied by the application and driven by the transport via
// Negotiate.
type Handshaker interface {
	// Negotiate runs the handshake to completion over conn, returning
	// the derived AES and HMAC keys for NewCryptoEnvelope, or an error
	// if the peer failed to authenticate.
	Negotiate(conn Connection) (aesKey, hmacKey []byte, err error)
}
