package isobmff

// TrackInfo carries the static, per-track metadata needed to build the
// initialization segment's moov tree. Sample-level tables (stts/stsc/stsz/
// stco/stss) are left empty for fragmented content: all timing and byte-size
// information lives in the moof/traf boxes instead, per the fragmented-MP4
// convention this segmenter targets exclusively.
type TrackInfo struct {
	TrackID       uint32
	Timescale     uint32
	Duration      uint64 // in movie timescale, 0 for fragmented (unknown) duration
	IsVideo       bool   // false => audio
	Width, Height uint16 // 16.16 fixed point integer part, video only
	SampleEntry   *Box   // avc1/hvc1/encv sample entry, already built
	Language      string // ISO-639-2/T, e.g. "und"
}

// NewMvhd builds the movie header box.
func NewMvhd(timescale uint32, duration uint64, nextTrackID uint32) *Box {
	w := NewBufferWriter()
	// version 1: 64-bit creation/modification/duration
	w.WriteU64(0) // creation_time
	w.WriteU64(0) // modification_time
	w.WriteU32(timescale)
	w.WriteU64(duration)
	w.WriteU32(0x00010000) // rate = 1.0
	w.WriteU16(0x0100)     // volume = 1.0
	w.WriteU16(0)          // reserved
	w.WriteU32(0)          // reserved
	w.WriteU32(0)          // reserved
	// unity matrix
	matrix := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	for _, m := range matrix {
		w.WriteU32(m)
	}
	for i := 0; i < 6; i++ {
		w.WriteU32(0) // pre_defined
	}
	w.WriteU32(nextTrackID)
	return NewFullBox(TypeMvhd, 1, 0, w.Bytes())
}

// NewTkhd builds a track header box.
func NewTkhd(t TrackInfo) *Box {
	w := NewBufferWriter()
	w.WriteU64(0) // creation_time
	w.WriteU64(0) // modification_time
	w.WriteU32(t.TrackID)
	w.WriteU32(0) // reserved
	w.WriteU64(t.Duration)
	w.WriteU32(0) // reserved
	w.WriteU32(0) // reserved
	w.WriteU16(0) // layer
	w.WriteU16(0) // alternate_group
	if t.IsVideo {
		w.WriteU16(0)
	} else {
		w.WriteU16(0x0100) // volume = 1.0 for audio
	}
	w.WriteU16(0) // reserved
	matrix := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	for _, m := range matrix {
		w.WriteU32(m)
	}
	w.WriteU32(uint32(t.Width) << 16)
	w.WriteU32(uint32(t.Height) << 16)
	return NewFullBox(TypeTkhd, 1, 0x000007, w.Bytes()) // flags: enabled|in-movie|in-preview
}

// NewMdhd builds a media header box.
func NewMdhd(timescale uint32, duration uint64, language string) *Box {
	w := NewBufferWriter()
	w.WriteU64(0)
	w.WriteU64(0)
	w.WriteU32(timescale)
	w.WriteU64(duration)
	w.WriteU16(packLanguage(language))
	w.WriteU16(0) // pre_defined
	return NewFullBox(TypeMdhd, 1, 0, w.Bytes())
}

// packLanguage encodes an ISO-639-2/T code into the 15-bit packed form used
// by mdhd: each of the 3 letters as (letter - 0x60) in 5 bits.
func packLanguage(lang string) uint16 {
	if len(lang) != 3 {
		lang = "und"
	}
	var v uint16
	for i := 0; i < 3; i++ {
		v = (v << 5) | uint16(lang[i]-0x60)
	}
	return v
}

// NewHdlr builds a handler reference box ("vide" or "soun").
func NewHdlr(isVideo bool, name string) *Box {
	w := NewBufferWriter()
	w.WriteU32(0) // pre_defined
	if isVideo {
		w.WriteFourCC(bt("vide"))
	} else {
		w.WriteFourCC(bt("soun"))
	}
	w.WriteU32(0) // reserved
	w.WriteU32(0) // reserved
	w.WriteU32(0) // reserved
	w.WriteBytes([]byte(name))
	w.WriteU8(0) // null terminator
	return NewFullBox(TypeHdlr, 0, 0, w.Bytes())
}

// NewVmhd builds a video media header box.
func NewVmhd() *Box {
	w := NewBufferWriter()
	w.WriteU16(0) // graphicsmode
	w.WriteU16(0)
	w.WriteU16(0)
	w.WriteU16(0) // opcolor r,g,b
	return NewFullBox(TypeVmhd, 0, 1, w.Bytes())
}

// NewSmhd builds a sound media header box.
func NewSmhd() *Box {
	w := NewBufferWriter()
	w.WriteU16(0) // balance
	w.WriteU16(0) // reserved
	return NewFullBox(TypeSmhd, 0, 0, w.Bytes())
}

// NewDinf builds the data-information box with a single "self-contained"
// data reference entry, the standard fragmented-MP4 idiom.
func NewDinf() *Box {
	urlBox := NewFullBox(TypeUrl, 0, 0x000001, nil) // flag 1 = media in same file
	drefBody := NewBufferWriter()
	drefBody.WriteU32(1) // entry_count
	dref := NewFullBox(TypeDref, 0, 0, drefBody.Bytes())
	dref.AddChild(urlBox)
	return NewContainer(TypeDinf, dref)
}

// NewEmptyStbl builds a minimal sample table for fragmented content: the
// required but empty stts/stsc/stsz/stco tables plus the stsd box holding
// the single sample entry. All actual sample data lives in moof/traf.
func NewEmptyStbl(sampleEntry *Box) *Box {
	stsdBody := NewBufferWriter()
	stsdBody.WriteU32(1) // entry_count
	stsd := NewFullBox(TypeStsd, 0, 0, stsdBody.Bytes())
	stsd.AddChild(sampleEntry)

	empty32 := func(t BoxType) *Box {
		w := NewBufferWriter()
		w.WriteU32(0) // entry/sample count
		return NewFullBox(t, 0, 0, w.Bytes())
	}

	stts := empty32(TypeStts)
	stsc := empty32(TypeStsc)

	stszBody := NewBufferWriter()
	stszBody.WriteU32(0) // sample_size (0 = variable, read per-entry)
	stszBody.WriteU32(0) // sample_count
	stsz := NewFullBox(TypeStsz, 0, 0, stszBody.Bytes())

	stco := empty32(TypeStco)

	return NewContainer(TypeStbl, stsd, stts, stsc, stsz, stco)
}

// NewTrex builds a track-extends box supplying default sample values for
// all fragments of this track, used by tfhd's default-flags inheritance.
func NewTrex(trackID uint32, defaultSampleDescriptionIndex, defaultSampleDuration, defaultSampleSize, defaultSampleFlags uint32) *Box {
	w := NewBufferWriter()
	w.WriteU32(trackID)
	w.WriteU32(defaultSampleDescriptionIndex)
	w.WriteU32(defaultSampleDuration)
	w.WriteU32(defaultSampleSize)
	w.WriteU32(defaultSampleFlags)
	return NewFullBox(TypeTrex, 0, 0, w.Bytes())
}

// BuildTrak assembles the full trak subtree for one track.
func BuildTrak(t TrackInfo) *Box {
	mdia := NewContainer(TypeMdia,
		NewMdhd(t.Timescale, t.Duration, t.Language),
		NewHdlr(t.IsVideo, trackHandlerName(t.IsVideo)),
	)
	var mediaHeader *Box
	if t.IsVideo {
		mediaHeader = NewVmhd()
	} else {
		mediaHeader = NewSmhd()
	}
	minf := NewContainer(TypeMinf, mediaHeader, NewDinf(), NewEmptyStbl(t.SampleEntry))
	mdia.AddChild(minf)

	trak := NewContainer(TypeTrak, NewTkhd(t))
	trak.AddChild(mdia)
	return trak
}

func trackHandlerName(isVideo bool) string {
	if isVideo {
		return "VideoHandler"
	}
	return "SoundHandler"
}

// BuildMoov assembles the init segment's moov box for a set of tracks.
func BuildMoov(timescale uint32, tracks []TrackInfo) *Box {
	nextTrackID := uint32(1)
	for _, t := range tracks {
		if t.TrackID >= nextTrackID {
			nextTrackID = t.TrackID + 1
		}
	}
	moov := NewContainer(TypeMoov, NewMvhd(timescale, 0, nextTrackID))
	mvex := NewContainer(TypeMvex)
	for _, t := range tracks {
		moov.AddChild(BuildTrak(t))
		mvex.AddChild(NewTrex(t.TrackID, 1, 0, 0, defaultSampleFlags(t.IsVideo)))
	}
	moov.AddChild(mvex)
	return moov
}

// defaultSampleFlags returns the trex fallback flags used only if a traf
// ever omits per-sample flags; every fragment this packager writes supplies
// real per-sample flags in trun (see fragmenter.SampleRecord.Flags), so this
// default is a conservative non-sync value for both audio and video tracks.
func defaultSampleFlags(_ bool) uint32 {
	// is_leading=0, sample_depends_on=1 (not I-frame by default),
	// sample_is_depended_on=0, sample_has_redundancy=0, padding=0,
	// sample_is_non_sync_sample=1, degradation_priority=0
	return 0x01010000
}
