package tempest

import "sync"

// SerializationContext tracks the per-frame dynamic type table
// described in spec.md §3/§9: when a payload writes a value whose
// concrete type isn't a wire built-in, it registers the type's stable
// name here and gets back a compact per-frame uint16 id to embed
// instead of the name. The table is transmitted inline in the frame
// header (spec.md §4.2) so the decoder can rebuild the same mapping.
type SerializationContext struct {
	Connection Connection
	Protocol   *Protocol

	namesByID map[uint16]string
	idsByName map[string]uint16
}

// NewSerializationContext creates an empty context for one frame's
// encode or decode pass.
func NewSerializationContext(conn Connection, proto *Protocol) *SerializationContext {
	return &SerializationContext{
		Connection: conn,
		Protocol:   proto,
		namesByID:  make(map[uint16]string),
		idsByName:  make(map[string]uint16),
	}
}

// TypeID returns the per-frame id for name, allocating the next
// sequential id the first time name is seen during an encode pass.
func (c *SerializationContext) TypeID(name string) uint16 {
	if id, ok := c.idsByName[name]; ok {
		return id
	}
	id := uint16(len(c.namesByID))
	c.idsByName[name] = id
	c.namesByID[id] = name
	return id
}

// TypeName resolves a wire id back to its registered name during a
// decode pass. ok is false if the id was never registered, which
// indicates a malformed frame.
func (c *SerializationContext) TypeName(id uint16) (name string, ok bool) {
	name, ok = c.namesByID[id]
	return
}

// HasTypes reports whether any dynamic type was registered, i.e.
// whether the frame needs a type table section at all.
func (c *SerializationContext) HasTypes() bool {
	return len(c.namesByID) > 0
}

// NumTypes returns the number of registered types.
func (c *SerializationContext) NumTypes() int {
	return len(c.namesByID)
}

// OrderedNames returns the registered names ordered by their assigned
// id (0..NumTypes()-1), the order they must be written to the wire
// type table.
func (c *SerializationContext) OrderedNames() []string {
	names := make([]string, len(c.namesByID))
	for id, name := range c.namesByID {
		names[int(id)] = name
	}
	return names
}

// registerWireType installs a (id, name) pair read from an incoming
// frame's type table, used while decoding.
func (c *SerializationContext) registerWireType(id uint16, name string) {
	c.namesByID[id] = name
	c.idsByName[name] = id
}

// DynamicValue is a payload field whose concrete type isn't known
// statically by the reader — spec.md §9's "registry mapping stable
// string tags to constructors". A Message carrying a polymorphic
// field writes it with WriteDynamic/reads it with ReadDynamic instead
// of a fixed WriteTo/ReadFrom pair.
type DynamicValue interface {
	// TypeName is the stable wire tag registered with
	// RegisterDynamicType; it must be stable across versions of the
	// running binary, unlike a Go type name.
	TypeName() string
	WriteTo(w *Writer) error
	ReadFrom(r *Reader) error
}

// DynamicConstructor builds a zero-value DynamicValue to be filled in
// by ReadFrom.
type DynamicConstructor func() DynamicValue

var (
	dynamicTypesMu  sync.RWMutex
	dynamicTypes    = make(map[string]DynamicConstructor)
)

// RegisterDynamicType installs the constructor for a dynamic type tag.
// Call it from an init() alongside the concrete type's definition,
// mirroring Protocol.NewMessage's factory registration but for
// polymorphic payload fields rather than top-level messages.
func RegisterDynamicType(name string, ctor DynamicConstructor) {
	dynamicTypesMu.Lock()
	defer dynamicTypesMu.Unlock()
	dynamicTypes[name] = ctor
}

func lookupDynamicType(name string) (DynamicConstructor, bool) {
	dynamicTypesMu.RLock()
	defer dynamicTypesMu.RUnlock()
	ctor, ok := dynamicTypes[name]
	return ctor, ok
}

// WriteDynamic writes v's type tag (as a per-frame id resolved
// through ctx.TypeID) followed by its body, so the frame carries a
// type table section (frame.go's hasTypeHeader bit).
func WriteDynamic(w *Writer, ctx *SerializationContext, v DynamicValue) error {
	id := ctx.TypeID(v.TypeName())
	w.WriteUint16(id)
	return v.WriteTo(w)
}

// ReadDynamic reads a type tag written by WriteDynamic, resolves it
// through ctx (populated from the frame's type table by TryGetHeader)
// and the dynamic type registry, and decodes the value.
func ReadDynamic(r *Reader, ctx *SerializationContext) (DynamicValue, error) {
	id, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	name, ok := ctx.TypeName(id)
	if !ok {
		return nil, ErrMalformedFrame
	}
	ctor, ok := lookupDynamicType(name)
	if !ok {
		return nil, ErrMalformedFrame
	}
	v := ctor()
	if err := v.ReadFrom(r); err != nil {
		return nil, err
	}
	return v, nil
}
