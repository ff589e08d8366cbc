package isobmff

// trun flag bits (ISO/IEC 14496-12 §8.8.8), grounded on the CENC decrypter's
// processTrun flag handling (the decode-direction mirror of what we encode).
const (
	TrunFlagDataOffsetPresent           uint32 = 0x000001
	TrunFlagFirstSampleFlagsPresent     uint32 = 0x000004
	TrunFlagSampleDurationPresent       uint32 = 0x000100
	TrunFlagSampleSizePresent           uint32 = 0x000200
	TrunFlagSampleFlagsPresent          uint32 = 0x000400
	TrunFlagSampleCompositionTimePresent uint32 = 0x000800
)

// tfhd flag bits (ISO/IEC 14496-12 §8.8.7).
const (
	TfhdFlagBaseDataOffsetPresent         uint32 = 0x000001
	TfhdFlagSampleDescriptionIndexPresent uint32 = 0x000002
	TfhdFlagDefaultSampleDurationPresent  uint32 = 0x000008
	TfhdFlagDefaultSampleSizePresent      uint32 = 0x000010
	TfhdFlagDefaultSampleFlagsPresent     uint32 = 0x000020
	TfhdFlagDurationIsEmpty               uint32 = 0x010000
	TfhdFlagDefaultBaseIsMoof             uint32 = 0x020000
)

// NewMfhd builds the movie fragment header box.
func NewMfhd(sequenceNumber uint32) *Box {
	w := NewBufferWriter()
	w.WriteU32(sequenceNumber)
	return NewFullBox(TypeMfhd, 0, 0, w.Bytes())
}

// TfhdParams configures the per-fragment track fragment header. Only
// DefaultBaseIsMoof is set unconditionally (§8.8.7 recommended practice for
// fragmented content); other fields are opt-in via the Has* flags.
type TfhdParams struct {
	TrackID                    uint32
	DefaultSampleDuration      uint32
	HasDefaultSampleDuration   bool
	DefaultSampleSize          uint32
	HasDefaultSampleSize       bool
	DefaultSampleFlags         uint32
	HasDefaultSampleFlags      bool
}

// NewTfhd builds a track fragment header box.
func NewTfhd(p TfhdParams) *Box {
	flags := TfhdFlagDefaultBaseIsMoof
	w := NewBufferWriter()
	w.WriteU32(p.TrackID)
	if p.HasDefaultSampleDuration {
		flags |= TfhdFlagDefaultSampleDurationPresent
	}
	if p.HasDefaultSampleSize {
		flags |= TfhdFlagDefaultSampleSizePresent
	}
	if p.HasDefaultSampleFlags {
		flags |= TfhdFlagDefaultSampleFlagsPresent
	}
	if p.HasDefaultSampleDuration {
		w.WriteU32(p.DefaultSampleDuration)
	}
	if p.HasDefaultSampleSize {
		w.WriteU32(p.DefaultSampleSize)
	}
	if p.HasDefaultSampleFlags {
		w.WriteU32(p.DefaultSampleFlags)
	}
	return NewFullBox(TypeTfhd, 0, flags, w.Bytes())
}

// NewTfdt builds a track fragment decode time box (64-bit base media decode
// time, per spec.md §4.4).
func NewTfdt(baseMediaDecodeTime uint64) *Box {
	w := NewBufferWriter()
	w.WriteU64(baseMediaDecodeTime)
	return NewFullBox(TypeTfdt, 1, 0, w.Bytes())
}

// TrunEntry is one sample's per-entry fields in a trun box. CompositionTimeOffset
// is signed; version 1 (always used here) encodes it as a signed int32.
type TrunEntry struct {
	Duration              uint32
	Size                  uint32
	Flags                 uint32
	CompositionTimeOffset int32
}

// TrunParams configures a track run box. UniformDuration/UniformFlags let
// the caller omit the corresponding per-sample field when every sample in
// the fragment shares the same value (reduces box size); HasCompositionOffset
// is forced on only when any entry has a nonzero offset.
type TrunParams struct {
	DataOffset            int32
	Entries               []TrunEntry
	HasUniformDuration     bool
	HasUniformSize         bool
	HasUniformFlags        bool
	HasFirstSampleFlags    bool
	FirstSampleFlags       uint32
	HasCompositionOffset   bool
}

// NewTrun builds a track run box with a relative data_offset placeholder;
// the pack command's patchFragmentOffsets patches it in-place once moof's
// total size is known, per
// spec.md §4.4 ("data_offset in trun is a relative placeholder").
func NewTrun(p TrunParams) *Box {
	flags := TrunFlagDataOffsetPresent
	if !p.HasUniformDuration {
		flags |= TrunFlagSampleDurationPresent
	}
	if !p.HasUniformSize {
		flags |= TrunFlagSampleSizePresent
	}
	if !p.HasUniformFlags {
		flags |= TrunFlagSampleFlagsPresent
	}
	if p.HasFirstSampleFlags {
		flags |= TrunFlagFirstSampleFlagsPresent
	}
	if p.HasCompositionOffset {
		flags |= TrunFlagSampleCompositionTimePresent
	}

	w := NewBufferWriter()
	w.WriteU32(uint32(len(p.Entries)))
	w.WriteU32(uint32(p.DataOffset))
	if p.HasFirstSampleFlags {
		w.WriteU32(p.FirstSampleFlags)
	}
	for _, e := range p.Entries {
		if !p.HasUniformDuration {
			w.WriteU32(e.Duration)
		}
		if !p.HasUniformSize {
			w.WriteU32(e.Size)
		}
		if !p.HasUniformFlags {
			w.WriteU32(e.Flags)
		}
		if p.HasCompositionOffset {
			w.WriteU32(uint32(e.CompositionTimeOffset))
		}
	}
	return NewFullBox(TypeTrun, 1, flags, w.Bytes())
}

// PatchTrunDataOffset rewrites the data_offset field in an already-encoded
// trun box's body in place. fullBoxBodyOffset is the byte offset within the
// encoded box of the data_offset field: header(8) + version/flags(4) +
// sample_count(4) = 16.
func PatchTrunDataOffset(encoded []byte, trunBoxStart int, dataOffset int32) {
	const fieldOffset = 16
	pos := trunBoxStart + fieldOffset
	encoded[pos+0] = byte(uint32(dataOffset) >> 24)
	encoded[pos+1] = byte(uint32(dataOffset) >> 16)
	encoded[pos+2] = byte(uint32(dataOffset) >> 8)
	encoded[pos+3] = byte(uint32(dataOffset))
}

// SidxReference is one subsegment reference in a sidx box.
type SidxReference struct {
	ReferenceType     uint8 // 0 = media, 1 = sidx (unused here)
	ReferencedSize    uint32
	SubsegmentDuration uint32
	StartsWithSAP     bool
	SAPType           uint8 // 0 = unknown
	SAPDeltaTime      uint32
}

// NewSidx builds a segment index box per spec.md §4.5/§6.
func NewSidx(referenceID, timescale uint32, earliestPresentationTime, firstOffset uint64, refs []SidxReference) *Box {
	w := NewBufferWriter()
	w.WriteU32(referenceID)
	w.WriteU32(timescale)
	w.WriteU64(earliestPresentationTime)
	w.WriteU64(firstOffset)
	w.WriteU16(0) // reserved
	w.WriteU16(uint16(len(refs)))
	for _, r := range refs {
		refTypeAndSize := (uint32(r.ReferenceType&0x1) << 31) | (r.ReferencedSize & 0x7FFFFFFF)
		w.WriteU32(refTypeAndSize)
		w.WriteU32(r.SubsegmentDuration)
		// starts_with_SAP(1) | SAP_type(3) | SAP_delta_time(28)
		sapField := (r.SAPDeltaTime & 0x0FFFFFFF) | (uint32(r.SAPType&0x7) << 28)
		if r.StartsWithSAP {
			sapField |= 0x80000000
		}
		w.WriteU32(sapField)
	}
	return NewFullBox(TypeSidx, 0, 0, w.Bytes())
}
