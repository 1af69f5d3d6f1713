package tempest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testProtocolID uint8 = 5

const (
	testMsgTypeEcho uint16 = 1
)

// echoMessage is a minimal test Message: a string payload plus
// whatever Encrypted/Authenticated/reliability flags the test wants.
type echoMessage struct {
	Text          string
	encrypted     bool
	authenticated bool
	mustReliable  bool
}

func (m *echoMessage) ProtocolID() uint8    { return testProtocolID }
func (m *echoMessage) MessageType() uint16  { return testMsgTypeEcho }
func (m *echoMessage) Encrypted() bool      { return m.encrypted }
func (m *echoMessage) Authenticated() bool  { return m.authenticated }
func (m *echoMessage) MustBeReliable() bool { return m.mustReliable }
func (m *echoMessage) PreferReliable() bool { return false }

func (m *echoMessage) WriteTo(w *Writer, ctx *SerializationContext) error {
	w.WriteString(m.Text)
	return nil
}

func (m *echoMessage) ReadFrom(r *Reader, ctx *SerializationContext) error {
	s, err := r.ReadString()
	if err != nil {
		return err
	}
	m.Text = s
	return nil
}

func testProtocol() *Protocol {
	return &Protocol{
		ID:      testProtocolID,
		Version: 1,
		NewMessage: func(messageType uint16) Message {
			if messageType == testMsgTypeEcho {
				return &echoMessage{}
			}
			return nil
		},
	}
}

func testLookup(proto *Protocol) ProtocolLookup {
	return func(id uint8) (*Protocol, bool) {
		if id == proto.ID {
			return proto, true
		}
		return nil, false
	}
}

func TestEncodeDecodePlaintextRoundTrip(t *testing.T) {
	proto := testProtocol()
	msg := &echoMessage{Text: "hello tempest"}

	w := NewWriter()
	total, err := EncodeMessage(w, nil, proto, msg, nil, nil)
	require.NoError(t, err)
	require.Equal(t, w.Len(), total)

	outcome, header, consumed, err := TryGetHeader(w.Bytes(), 0, nil, testLookup(proto), 1<<20)
	require.NoError(t, err)
	require.Equal(t, Ready, outcome)
	require.Equal(t, total, consumed)

	r, err := DecodeBody(w.Bytes(), header, nil)
	require.NoError(t, err)
	decoded := header.Message.(*echoMessage)
	require.NoError(t, decoded.ReadFrom(r, header.Context))
	require.Equal(t, "hello tempest", decoded.Text)
}

func TestEncodeDecodeEncryptedAndAuthenticated(t *testing.T) {
	proto := testProtocol()
	msg := &echoMessage{Text: "top secret", encrypted: true, authenticated: true}
	env := testEnvelope()

	w := NewWriter()
	_, err := EncodeMessage(w, nil, proto, msg, env, nil)
	require.NoError(t, err)

	outcome, header, _, err := TryGetHeader(w.Bytes(), 0, nil, testLookup(proto), 1<<20)
	require.NoError(t, err)
	require.Equal(t, Ready, outcome)

	r, err := DecodeBody(w.Bytes(), header, env)
	require.NoError(t, err)
	decoded := header.Message.(*echoMessage)
	require.NoError(t, decoded.ReadFrom(r, header.Context))
	require.Equal(t, "top secret", decoded.Text)
}

func TestTryGetHeaderNeedMoreOnPartialFrame(t *testing.T) {
	proto := testProtocol()
	w := NewWriter()
	_, err := EncodeMessage(w, nil, proto, &echoMessage{Text: "partial"}, nil, nil)
	require.NoError(t, err)

	partial := w.Bytes()[:w.Len()-2]
	outcome, _, _, err := TryGetHeader(partial, 0, nil, testLookup(proto), 1<<20)
	require.NoError(t, err)
	require.Equal(t, NeedMore, outcome)
}

func TestTryGetHeaderDropsUnknownProtocol(t *testing.T) {
	proto := testProtocol()
	w := NewWriter()
	_, err := EncodeMessage(w, nil, proto, &echoMessage{Text: "x"}, nil, nil)
	require.NoError(t, err)

	emptyLookup := func(uint8) (*Protocol, bool) { return nil, false }
	outcome, header, consumed, err := TryGetHeader(w.Bytes(), 0, nil, emptyLookup, 1<<20)
	require.NoError(t, err)
	require.Equal(t, Drop, outcome)
	require.Nil(t, header)
	require.Equal(t, w.Len(), consumed)
}

func TestTryGetHeaderRejectsOversizeFrame(t *testing.T) {
	proto := testProtocol()
	w := NewWriter()
	_, err := EncodeMessage(w, nil, proto, &echoMessage{Text: "this is the payload"}, nil, nil)
	require.NoError(t, err)

	_, _, _, err = TryGetHeader(w.Bytes(), 0, nil, testLookup(proto), BaseHeaderLength)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestTryGetHeaderRejectsOversizeFrameEvenWhenNotFullyBuffered(t *testing.T) {
	proto := testProtocol()
	w := NewWriter()
	_, err := EncodeMessage(w, nil, proto, &echoMessage{Text: "this is a longer payload than the cap"}, nil, nil)
	require.NoError(t, err)

	partial := w.Bytes()[:BaseHeaderLength]
	_, _, _, err = TryGetHeader(partial, 0, nil, testLookup(proto), BaseHeaderLength)
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestLengthWordEncodesTotalLengthAndTypeHeaderBit(t *testing.T) {
	proto := testProtocol()
	w := NewWriter()
	total, err := EncodeMessage(w, nil, proto, &echoMessage{Text: "y"}, nil, nil)
	require.NoError(t, err)

	r := NewReader(w.Bytes())
	_, _ = r.ReadByte()
	_, _ = r.ReadUint16()
	lengthWord, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(total), lengthWord>>1)
	require.Equal(t, uint32(0), lengthWord&1)
}
