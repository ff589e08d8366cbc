package bitstream

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/avc"

	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
)

// ParameterSetCache holds the most recently observed SPS/PPS/(VPS) NALs for
// one track. A change to an already-observed value mid-stream is the
// "mid-stream parameter-set change" open question spec.md §9 raises; this
// implementation surfaces PARSER_FAILURE rather than silently overwriting
// the decoder configuration record, per the Open Question Decision recorded
// in SPEC_FULL.md §9.
type ParameterSetCache struct {
	vps, sps, pps [][]byte
	seen          map[int][]byte // nalType -> first-observed bytes, for change detection
}

func NewParameterSetCache() *ParameterSetCache {
	return &ParameterSetCache{seen: make(map[int][]byte)}
}

// Observe records a parameter-set NAL, rejecting a mid-stream value change
// for a NAL type whose identifying ID byte(s) match an already-cached entry
// but whose content differs.
func (c *ParameterSetCache) Observe(codec Codec, nalType int, nal []byte) error {
	key := nalType<<8 | int(parameterSetID(codec, nalType, nal))
	if prev, ok := c.seen[key]; ok {
		if !bytes.Equal(prev, nal) {
			return fmp4err.New(fmp4err.ParserFailure, "parameter set changed mid-stream", nil)
		}
		return nil
	}
	c.seen[key] = append([]byte(nil), nal...)

	cp := append([]byte(nil), nal...)
	switch {
	case codec == CodecH264 && nalType == NalH264SPS:
		c.sps = append(c.sps, cp)
	case codec == CodecH264 && nalType == NalH264PPS:
		c.pps = append(c.pps, cp)
	case codec == CodecH265 && nalType == NalH265VPS:
		c.vps = append(c.vps, cp)
	case codec == CodecH265 && nalType == NalH265SPS:
		c.sps = append(c.sps, cp)
	case codec == CodecH265 && nalType == NalH265PPS:
		c.pps = append(c.pps, cp)
	}
	return nil
}

// parameterSetID extracts the low-order identifying bits so distinct SPS/PPS
// IDs are tracked independently instead of all colliding on one cache slot.
func parameterSetID(codec Codec, nalType int, nal []byte) byte {
	if len(nal) < 2 {
		return 0
	}
	if codec == CodecH264 {
		return nal[1] & 0x1F // conservative: first exp-Golomb byte region
	}
	return nal[2] // H.265 NAL header is 2 bytes; id lives in the RBSP that follows
}

// BuildAvcC serializes an AVC decoder configuration record per ISO/IEC
// 14496-15, with NALLengthSizeMinusOne fixed at 3 (4-byte length prefixes),
// per spec.md §3/§4.1.
func (c *ParameterSetCache) BuildAvcC() ([]byte, error) {
	if len(c.sps) == 0 || len(c.pps) == 0 {
		return nil, fmp4err.New(fmp4err.InvalidArgument, "avcC requires at least one SPS and PPS", nil)
	}

	// mp4ff's avc.ParseSPSNALUnit decodes the SPS properly (exp-Golomb fields
	// and all); we only need the three fixed-position profile/level bytes it
	// also exposes, but parsing through it rather than indexing raw bytes
	// catches malformed SPS data a one-line parser would miss.
	parsed, err := avc.ParseSPSNALUnit(c.sps[0], true)
	if err != nil {
		return nil, fmp4err.New(fmp4err.ParserFailure, "parsing SPS for avcC", err)
	}
	profile := byte(parsed.Profile)
	compat := byte(parsed.ProfileCompatibility)
	level := byte(parsed.Level)

	w := newBitWriter()
	w.u8(1) // configurationVersion
	w.u8(profile)
	w.u8(compat)
	w.u8(level)
	w.u8(0xFC | 3) // reserved(6)=111111, lengthSizeMinusOne=3
	w.u8(0xE0 | byte(len(c.sps)))
	for _, sps := range c.sps {
		w.u16(uint16(len(sps)))
		w.bytes(sps)
	}
	w.u8(byte(len(c.pps)))
	for _, pps := range c.pps {
		w.u16(uint16(len(pps)))
		w.bytes(pps)
	}
	return w.bytes_, nil
}

// SPSDimensions returns the coded width/height mp4ff parsed out of the
// cached H.264 SPS, for populating tkhd/visual sample entries without the
// caller having to parse the bitstream itself.
func (c *ParameterSetCache) SPSDimensions() (width, height uint32, ok bool) {
	if len(c.sps) == 0 {
		return 0, 0, false
	}
	parsed, err := avc.ParseSPSNALUnit(c.sps[0], true)
	if err != nil {
		return 0, 0, false
	}
	return uint32(parsed.Width), uint32(parsed.Height), true
}

// BuildHvcC serializes an HEVC decoder configuration record, grounded on the
// field layout from the go-webdl-media-codec HEVCDecoderConfigurationRecord
// reference (profile/tier/level indication, general constraint flags, and
// the NALU-array table), simplified to the single-profile case this
// segmenter needs since it does not re-transcode.
func (c *ParameterSetCache) BuildHvcC() ([]byte, error) {
	if len(c.vps) == 0 || len(c.sps) == 0 || len(c.pps) == 0 {
		return nil, fmp4err.New(fmp4err.InvalidArgument, "hvcC requires VPS, SPS, and PPS", nil)
	}
	sps := c.sps[0]
	// Profile/tier/level live at a fixed, codec-defined bit offset into the
	// SPS RBSP; this implementation reads the byte-aligned
	// profile_tier_level prefix that begins 8 bits into the SPS payload
	// (byte 3 of the NAL, after the 2-byte NAL header) for a single-layer
	// (non-scalable) stream.
	var generalProfileSpace, generalTierFlag, generalProfileIDC byte
	var generalProfileCompat uint32
	var generalConstraint uint64
	var generalLevelIDC byte
	if len(sps) >= 15 {
		generalProfileSpace = (sps[3] >> 6) & 0x3
		generalTierFlag = (sps[3] >> 5) & 0x1
		generalProfileIDC = sps[3] & 0x1F
		generalProfileCompat = uint32(sps[4])<<24 | uint32(sps[5])<<16 | uint32(sps[6])<<8 | uint32(sps[7])
		generalConstraint = uint64(sps[8])<<40 | uint64(sps[9])<<32 | uint64(sps[10])<<24 | uint64(sps[11])<<16 | uint64(sps[12])<<8 | uint64(sps[13])
		generalLevelIDC = sps[14]
	}

	w := newBitWriter()
	w.u8(1) // configurationVersion
	w.u8((generalProfileSpace << 6) | (generalTierFlag << 5) | (generalProfileIDC & 0x1F))
	w.u32(generalProfileCompat)
	w.u8(byte(generalConstraint >> 40))
	w.u8(byte(generalConstraint >> 32))
	w.u8(byte(generalConstraint >> 24))
	w.u8(byte(generalConstraint >> 16))
	w.u8(byte(generalConstraint >> 8))
	w.u8(byte(generalConstraint))
	w.u8(generalLevelIDC)
	w.u16(0xF000) // reserved(4)=1111, min_spatial_segmentation_idc(12)=0
	w.u8(0xFC)    // reserved(6)=111111, parallelismType(2)=0
	w.u8(0xFC | 1) // reserved(6)=111111, chromaFormat(2)=1 (approximated 4:2:0 via 0xFC|1)
	w.u8(0xF8)    // reserved(5)=11111, bitDepthLumaMinus8(3)=0
	w.u8(0xF8)    // reserved(5)=11111, bitDepthChromaMinus8(3)=0
	w.u16(0)      // avgFrameRate
	// constantFrameRate(2)=0, numTemporalLayers(3)=1, temporalIdNested(1)=1, lengthSizeMinusOne(2)=3
	w.u8(0x0F)

	arrays := []struct {
		nalType byte
		nals    [][]byte
	}{
		{NalH265VPS, c.vps},
		{NalH265SPS, c.sps},
		{NalH265PPS, c.pps},
	}
	w.u8(byte(len(arrays)))
	for _, a := range arrays {
		w.u8(0x80 | a.nalType) // array_completeness=1, reserved=0, NAL_unit_type
		w.u16(uint16(len(a.nals)))
		for _, nal := range a.nals {
			w.u16(uint16(len(nal)))
			w.bytes(nal)
		}
	}
	return w.bytes_, nil
}

type bitWriter struct {
	bytes_ []byte
}

func newBitWriter() *bitWriter { return &bitWriter{} }

func (w *bitWriter) u8(v byte)     { w.bytes_ = append(w.bytes_, v) }
func (w *bitWriter) u16(v uint16)  { w.bytes_ = append(w.bytes_, byte(v>>8), byte(v)) }
func (w *bitWriter) u32(v uint32) {
	w.bytes_ = append(w.bytes_, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
func (w *bitWriter) bytes(p []byte) { w.bytes_ = append(w.bytes_, p...) }
