package isobmff

import (
	"bytes"
	"encoding/binary"
)

// BufferWriter accumulates big-endian fields into a growable byte buffer,
// the primitive every box body is built from.
type BufferWriter struct {
	buf bytes.Buffer
}

func NewBufferWriter() *BufferWriter {
	return &BufferWriter{}
}

func (w *BufferWriter) WriteU8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *BufferWriter) WriteU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *BufferWriter) WriteU24(v uint32) {
	w.buf.WriteByte(byte(v >> 16))
	w.buf.WriteByte(byte(v >> 8))
	w.buf.WriteByte(byte(v))
}

func (w *BufferWriter) WriteU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *BufferWriter) WriteU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *BufferWriter) WriteBytes(p []byte) {
	w.buf.Write(p)
}

func (w *BufferWriter) WriteFourCC(t BoxType) {
	w.buf.Write(t[:])
}

func (w *BufferWriter) Len() int {
	return w.buf.Len()
}

func (w *BufferWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// Box is a node in the strict ISO-BMFF box tree. A leaf box carries Body
// directly; a container box carries Children and an empty Body. FullBox
// fields (Version/Flags) are only emitted when Type is a full box per
// IsFullBox.
type Box struct {
	Type     BoxType
	Version  uint8
	Flags    uint32 // low 24 bits significant
	Body     []byte
	Children []*Box
}

// NewBox creates a leaf box with a pre-built body.
func NewBox(t BoxType, body []byte) *Box {
	return &Box{Type: t, Body: body}
}

// NewFullBox creates a leaf full box.
func NewFullBox(t BoxType, version uint8, flags uint32, body []byte) *Box {
	return &Box{Type: t, Version: version, Flags: flags, Body: body}
}

// NewContainer creates a container box from already-built children.
func NewContainer(t BoxType, children ...*Box) *Box {
	return &Box{Type: t, Children: children}
}

func (b *Box) AddChild(c *Box) {
	b.Children = append(b.Children, c)
}

// Size returns the box's serialized size in bytes, inclusive of its header
// and (for full boxes) version/flags, computed bottom-up: children are
// always sized before their parent per the spec's ownership model.
func (b *Box) Size() int64 {
	size := int64(8) // size(4) + type(4)
	if IsFullBox(b.Type) {
		size += 4
	}
	size += int64(len(b.Body))
	for _, c := range b.Children {
		size += c.Size()
	}
	if size > 0xFFFFFFFF {
		size += 8 // largesize field
	}
	return size
}

// Encode serializes the box (and its full subtree) into w.
func (b *Box) Encode(w *BufferWriter) error {
	size := b.Size()
	if size <= 0xFFFFFFFF {
		w.WriteU32(uint32(size))
		w.WriteFourCC(b.Type)
	} else {
		w.WriteU32(1)
		w.WriteFourCC(b.Type)
		w.WriteU64(uint64(size))
	}
	if IsFullBox(b.Type) {
		w.WriteU8(b.Version)
		w.WriteU24(b.Flags)
	}
	w.WriteBytes(b.Body)
	for _, c := range b.Children {
		if err := c.Encode(w); err != nil {
			return err
		}
	}
	return nil
}

// EncodeToBytes is a convenience wrapper returning the serialized box.
func (b *Box) EncodeToBytes() ([]byte, error) {
	w := NewBufferWriter()
	if err := b.Encode(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
