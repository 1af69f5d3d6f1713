package tempest

// BaseHeaderLength is the fixed portion of every frame: protocol id
// (1 byte) + message type (2 bytes) + length word (4 bytes)
// (spec.md §4.2).
const BaseHeaderLength = 7

// DecodeOutcome is the result of a single TryGetHeader call.
type DecodeOutcome int

const (
	// NeedMore means fewer bytes are buffered than the frame
	// requires; the caller should wait for more data and retry at the
	// same offset.
	NeedMore DecodeOutcome = iota
	// Drop means a structurally valid frame was found but its
	// protocol id or message type is unrecognized; the frame is
	// consumed (Consumed bytes) and produces no Message.
	Drop
	// Ready means a full header was parsed; Header describes how to
	// finish decoding the payload.
	Ready
)

// UDPFrameMeta carries the two MessageHeader fields that, per
// spec.md §6, are only ever transmitted on the wire for UDP: the
// message id and the isResponse flag. TCP recomputes these out of
// band and never serializes them.
type UDPFrameMeta struct {
	MessageID  uint32
	IsResponse bool
}

// EncodeMessage implements the C2 encode algorithm of spec.md §4.2.
// It appends one complete frame for msg to w (starting at w.Len()) and
// returns the frame's total length. envelope is required when
// msg.Encrypted() or msg.Authenticated() is true. udpMeta is non-nil
// only for UDP frames, which additionally serialize a message id and
// response flag ahead of the message body.
func EncodeMessage(w *Writer, conn Connection, proto *Protocol, msg Message, envelope *CryptoEnvelope, udpMeta *UDPFrameMeta) (int, error) {
	start := w.Len()

	if err := w.WriteByte(proto.ID); err != nil {
		return 0, err
	}
	w.WriteUint16(msg.MessageType())
	lengthWordOffset := w.Len()
	w.WriteUint32(0) // reserved, patched below

	payloadStart := w.Len()
	ctx := NewSerializationContext(conn, proto)

	if udpMeta != nil {
		w.WriteUint32(udpMeta.MessageID)
		w.WriteBool(udpMeta.IsResponse)
	}
	if err := msg.WriteTo(w, ctx); err != nil {
		return 0, err
	}

	headerLength := payloadStart - start
	if ctx.HasTypes() {
		table := NewWriter()
		table.WriteUint16(uint16(ctx.NumTypes()))
		for _, name := range ctx.OrderedNames() {
			table.WriteString(name)
		}
		tableBytes := table.Bytes()
		w.InsertBytes(payloadStart, tableBytes, 0, len(tableBytes))
		headerLength += len(tableBytes)
	}

	if msg.Encrypted() {
		if envelope == nil {
			return 0, ErrMalformedFrame
		}
		newHeaderEnd, err := envelope.Encrypt(w, start+headerLength)
		if err != nil {
			return 0, err
		}
		headerLength = newHeaderEnd - start
	}

	if msg.Authenticated() {
		if envelope == nil {
			return 0, ErrMalformedFrame
		}
		tag := envelope.Sign(w.Bytes()[start+headerLength:])
		w.WriteRawBytes(tag)
	}

	total := w.Len() - start
	var hasTypeHeader uint32
	if ctx.HasTypes() {
		hasTypeHeader = 1
	}
	w.PatchUint32(lengthWordOffset, (uint32(total)<<1)|hasTypeHeader)

	return total, nil
}

// PeekFrameLength reports the declared total length of the frame
// starting at offset, without validating or consuming it. ok is false
// if fewer than BaseHeaderLength bytes are buffered yet. Connections
// use this ahead of TryGetHeader to decide whether the receive buffer
// needs to grow before the frame can possibly complete.
func PeekFrameLength(buf []byte, offset int) (length uint32, ok bool) {
	if len(buf)-offset < BaseHeaderLength {
		return 0, false
	}
	lengthWord := uint32(buf[offset+3]) | uint32(buf[offset+4])<<8 | uint32(buf[offset+5])<<16 | uint32(buf[offset+6])<<24
	return lengthWord >> 1, true
}

// ProtocolLookup resolves a wire protocol id to a registered
// Protocol, the connection-scoped analogue of spec.md §3's "no two
// protocols with the same id on one connection" registry.
type ProtocolLookup func(id uint8) (*Protocol, bool)

// TryGetHeader implements the C2 decode algorithm of spec.md §4.2. buf
// is the receive buffer, offset the position of the candidate frame,
// and maxMessageLength the configured cap (spec.md §6). consumed is
// only meaningful when outcome is Drop or Ready, and equals the
// frame's total length in both cases.
func TryGetHeader(buf []byte, offset int, conn Connection, lookup ProtocolLookup, maxMessageLength uint32) (outcome DecodeOutcome, header *MessageHeader, consumed int, err error) {
	remaining := len(buf) - offset
	if remaining < BaseHeaderLength {
		return NeedMore, nil, 0, nil
	}

	r := NewReader(buf[offset:])
	protocolID, _ := r.ReadByte()
	messageType, _ := r.ReadUint16()
	lengthWord, _ := r.ReadUint32()

	hasTypeHeader := lengthWord&1 == 1
	messageLength := lengthWord >> 1

	if messageLength < BaseHeaderLength {
		return 0, nil, 0, ErrMalformedFrame
	}
	if messageLength > maxMessageLength {
		return 0, nil, 0, ErrMessageTooLarge
	}
	if remaining < int(messageLength) {
		return NeedMore, nil, 0, nil
	}

	proto, ok := lookup(protocolID)
	if !ok {
		return Drop, nil, int(messageLength), nil
	}
	msg := proto.NewMessage(messageType)
	if msg == nil {
		return Drop, nil, int(messageLength), nil
	}

	ctx := NewSerializationContext(conn, proto)

	if hasTypeHeader {
		numTypes, rerr := r.ReadUint16()
		if rerr != nil {
			return 0, nil, 0, ErrMalformedFrame
		}
		for i := 0; i < int(numTypes); i++ {
			name, rerr := r.ReadString()
			if rerr != nil {
				return 0, nil, 0, ErrMalformedFrame
			}
			ctx.registerWireType(uint16(i), name)
		}
	}

	var iv []byte
	if msg.Encrypted() {
		ivBytes, rerr := r.ReadRawBytes(ivSize)
		if rerr != nil {
			return 0, nil, 0, ErrMalformedFrame
		}
		iv = append([]byte(nil), ivBytes...)
	}

	headerLength := r.Pos()
	if headerLength > int(messageLength) {
		return 0, nil, 0, ErrMalformedFrame
	}

	header = &MessageHeader{
		Protocol:      proto,
		Message:       msg,
		MessageLength: messageLength,
		HeaderLength:  uint16(headerLength),
		Context:       ctx,
		IV:            iv,
	}
	return Ready, header, int(messageLength), nil
}

// DecodeBody verifies (if authenticated) and decrypts (if encrypted)
// the body of a Ready frame, returning a Reader over the plaintext
// payload bytes ready for header.Message.ReadFrom (spec.md §4.3).
// frame must be the full frame slice [0:header.MessageLength).
func DecodeBody(frame []byte, header *MessageHeader, envelope *CryptoEnvelope) (*Reader, error) {
	headerLen := int(header.HeaderLength)
	bodyEnd := int(header.MessageLength)

	if header.Message.Authenticated() {
		if envelope == nil {
			return nil, ErrAuthenticationFailed
		}
		if bodyEnd-headerLen < HMACTagSize {
			return nil, ErrMalformedFrame
		}
		tagStart := bodyEnd - HMACTagSize
		tag := frame[tagStart:bodyEnd]
		if err := envelope.Verify(frame[headerLen:tagStart], tag); err != nil {
			return nil, err
		}
		bodyEnd = tagStart
	}

	body := frame[headerLen:bodyEnd]
	if header.Message.Encrypted() {
		if envelope == nil {
			return nil, ErrMalformedFrame
		}
		plaintext, err := envelope.Decrypt(header.IV, body)
		if err != nil {
			return nil, err
		}
		return NewReader(plaintext), nil
	}
	return NewReader(body), nil
}
