package tempest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// namedPoint is a DynamicValue used only to exercise the dynamic type
// table registry end to end.
type namedPoint struct {
	Label string
	X, Y  int32
}

func (p *namedPoint) TypeName() string { return "tempest.test.namedPoint" }

func (p *namedPoint) WriteTo(w *Writer) error {
	w.WriteString(p.Label)
	w.WriteUint32(uint32(p.X))
	w.WriteUint32(uint32(p.Y))
	return nil
}

func (p *namedPoint) ReadFrom(r *Reader) error {
	label, err := r.ReadString()
	if err != nil {
		return err
	}
	x, err := r.ReadUint32()
	if err != nil {
		return err
	}
	y, err := r.ReadUint32()
	if err != nil {
		return err
	}
	p.Label = label
	p.X = int32(x)
	p.Y = int32(y)
	return nil
}

func init() {
	RegisterDynamicType("tempest.test.namedPoint", func() DynamicValue { return &namedPoint{} })
}

// envelopeMessage is a throwaway Message whose body is a single
// DynamicValue field, used to drive an end-to-end frame round trip
// through EncodeMessage/TryGetHeader/DecodeBody.
type envelopeMessage struct {
	Payload DynamicValue
}

func (m *envelopeMessage) ProtocolID() uint8  { return 6 }
func (m *envelopeMessage) MessageType() uint16 { return 1 }
func (m *envelopeMessage) Encrypted() bool     { return false }
func (m *envelopeMessage) Authenticated() bool { return false }
func (m *envelopeMessage) MustBeReliable() bool  { return false }
func (m *envelopeMessage) PreferReliable() bool  { return false }

func (m *envelopeMessage) WriteTo(w *Writer, ctx *SerializationContext) error {
	return WriteDynamic(w, ctx, m.Payload)
}

func (m *envelopeMessage) ReadFrom(r *Reader, ctx *SerializationContext) error {
	v, err := ReadDynamic(r, ctx)
	if err != nil {
		return err
	}
	m.Payload = v
	return nil
}

func envelopeProtocol() *Protocol {
	return &Protocol{
		ID:      6,
		Version: 1,
		NewMessage: func(messageType uint16) Message {
			if messageType != 1 {
				return nil
			}
			return &envelopeMessage{}
		},
	}
}

func TestDynamicTypeTableRoundTrip(t *testing.T) {
	proto := envelopeProtocol()
	msg := &envelopeMessage{Payload: &namedPoint{Label: "origin", X: 3, Y: -7}}

	w := NewWriter()
	_, err := EncodeMessage(w, nil, proto, msg, nil, nil)
	require.NoError(t, err)

	frame := w.Bytes()
	lengthWord := uint32(frame[3]) | uint32(frame[4])<<8 | uint32(frame[5])<<16 | uint32(frame[6])<<24
	require.Equal(t, uint32(1), lengthWord&1, "frame must carry a type table (hasTypeHeader bit set)")

	lookup := func(id uint8) (*Protocol, bool) {
		if id == proto.ID {
			return proto, true
		}
		return nil, false
	}
	outcome, header, consumed, err := TryGetHeader(frame, 0, nil, lookup, DefaultOptions().MaxMessageLength)
	require.NoError(t, err)
	require.Equal(t, Ready, outcome)
	require.Equal(t, len(frame), consumed)

	r, err := DecodeBody(frame, header, nil)
	require.NoError(t, err)
	require.NoError(t, header.Message.ReadFrom(r, header.Context))

	got := header.Message.(*envelopeMessage)
	point, ok := got.Payload.(*namedPoint)
	require.True(t, ok)
	require.Equal(t, "origin", point.Label)
	require.Equal(t, int32(3), point.X)
	require.Equal(t, int32(-7), point.Y)
}
