package isobmff

// NewSaiz builds a sample-auxiliary-information-sizes box. If every sample
// has the same aux-info size, pass uniformSize > 0 and a nil perSampleSizes
// to get the compact uniform encoding; otherwise pass uniformSize == 0 and
// one byte per sample.
func NewSaiz(uniformSize uint8, perSampleSizes []uint8) *Box {
	w := NewBufferWriter()
	w.WriteU8(uniformSize)
	if uniformSize > 0 {
		w.WriteU32(uint32(len(perSampleSizes)))
		return NewFullBox(TypeSaiz, 0, 0, w.Bytes())
	}
	w.WriteU32(uint32(len(perSampleSizes)))
	for _, s := range perSampleSizes {
		w.WriteU8(s)
	}
	return NewFullBox(TypeSaiz, 0, 0, w.Bytes())
}

// NewSaio builds a sample-auxiliary-information-offsets box with a single
// offset entry pointing at the start of this fragment's senc aux-info data,
// the common case for one aux-info type per track fragment.
func NewSaio(offset uint64) *Box {
	w := NewBufferWriter()
	w.WriteU32(1) // entry_count
	w.WriteU64(offset)
	return NewFullBox(TypeSaio, 1, 0, w.Bytes())
}

// SencSubsample mirrors cenc.SubsampleEntry at the box-serialization layer.
type SencSubsample struct {
	ClearBytes  uint16
	CipherBytes uint32
}

// SencEntry is one sample's IV plus optional subsample table.
type SencEntry struct {
	IV         []byte // 8 or 16 bytes
	Subsamples []SencSubsample
}

// NewSenc builds a sample encryption box. useSubsamples must match across
// every entry (flag 0x000002 is a per-box, not per-sample, setting).
func NewSenc(entries []SencEntry, useSubsamples bool) *Box {
	var flags uint32
	if useSubsamples {
		flags = 0x000002
	}
	w := NewBufferWriter()
	w.WriteU32(uint32(len(entries)))
	for _, e := range entries {
		w.WriteBytes(e.IV)
		if useSubsamples {
			w.WriteU16(uint16(len(e.Subsamples)))
			for _, s := range e.Subsamples {
				w.WriteU16(s.ClearBytes)
				w.WriteU32(s.CipherBytes)
			}
		}
	}
	return NewFullBox(TypeSenc, 0, flags, w.Bytes())
}

// PatchSaioOffset rewrites the single offset entry in an already-encoded
// saio box's body in place, mirroring PatchTrunDataOffset: header(8) +
// version/flags(4) + entry_count(4) = 16 bytes before the 8-byte offset field.
func PatchSaioOffset(encoded []byte, saioBoxStart int, offset uint64) {
	const fieldOffset = 16
	pos := saioBoxStart + fieldOffset
	for i := 0; i < 8; i++ {
		encoded[pos+i] = byte(offset >> uint(8*(7-i)))
	}
}

// NewPssh builds a protection-system-specific-header box for moov.
func NewPssh(systemID [16]byte, kids [][16]byte, data []byte) *Box {
	w := NewBufferWriter()
	w.WriteBytes(systemID[:])
	version := uint8(0)
	if len(kids) > 0 {
		version = 1
	}
	if version == 1 {
		w.WriteU32(uint32(len(kids)))
		for _, k := range kids {
			w.WriteBytes(k[:])
		}
	}
	w.WriteU32(uint32(len(data)))
	w.WriteBytes(data)
	return NewFullBox(TypePssh, version, 0, w.Bytes())
}

// NewSchm builds a scheme-type box identifying the protection scheme
// ("cenc"/"cens"/"cbc1"/"cbcs").
func NewSchm(scheme string, version uint32) *Box {
	w := NewBufferWriter()
	w.WriteFourCC(bt(scheme))
	w.WriteU32(version)
	return NewFullBox(TypeSchm, 0, 0, w.Bytes())
}

// NewTenc builds a track encryption box. cryptByteBlock/skipByteBlock are
// nonzero only for pattern schemes (cens/cbcs); ivSize is 8 or 16.
func NewTenc(cryptByteBlock, skipByteBlock uint8, isProtected bool, ivSize uint8, keyID [16]byte, constantIV []byte) *Box {
	w := NewBufferWriter()
	w.WriteU8(0) // reserved
	w.WriteU8((cryptByteBlock << 4) | (skipByteBlock & 0x0F))
	if isProtected {
		w.WriteU8(1)
	} else {
		w.WriteU8(0)
	}
	w.WriteU8(ivSize)
	w.WriteBytes(keyID[:])
	if ivSize == 0 && len(constantIV) > 0 {
		w.WriteU8(uint8(len(constantIV)))
		w.WriteBytes(constantIV)
	}
	return NewFullBox(TypeTenc, 0, 0, w.Bytes())
}

// NewSinf builds the protection-scheme-information container: frma (original
// codec), schm (scheme type/version), schi/tenc (track encryption box).
func NewSinf(originalFormat BoxType, scheme string, tenc *Box) *Box {
	frma := NewBox(TypeFrma, func() []byte {
		w := NewBufferWriter()
		w.WriteFourCC(originalFormat)
		return w.Bytes()
	}())
	schm := NewSchm(scheme, 0x00010000)
	schi := NewContainer(TypeSchi, tenc)
	return NewContainer(TypeSinf, frma, schm, schi)
}
