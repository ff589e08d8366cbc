// Package bitstream converts H.264/H.265 Annex-B byte streams into
// length-prefixed NAL units, extracts parameter sets for the decoder
// configuration record, and computes per-NAL clear-leader lengths for CENC,
// per spec.md §4.1.
package bitstream

import (
	"encoding/binary"

	"github.com/Eyevinn/mp4ff/avc"

	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
)

// Codec identifies which NAL header / parameter-set conventions to apply.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
)

// H.264 NAL unit types (ISO/IEC 14496-10 Table 7-1).
const (
	NalH264IDR = 5
	NalH264SPS = 7
	NalH264PPS = 8
)

// H.265 NAL unit types (ISO/IEC 23008-2 Table 7-1).
const (
	NalH265BLAWLP = 16
	NalH265CRA    = 21
	NalH265VPS    = 32
	NalH265SPS    = 33
	NalH265PPS    = 34
)

// findStartCodes locates every Annex-B start code (00 00 01 or 00 00 00 01)
// in buf and returns the offset of the byte immediately following each
// start code (i.e. the first byte of the NAL unit it introduces).
func findStartCodes(buf []byte) ([]int, error) {
	var starts []int
	i := 0
	for i+2 < len(buf) {
		if buf[i] == 0 && buf[i+1] == 0 {
			if buf[i+2] == 1 {
				starts = append(starts, i+3)
				i += 3
				continue
			}
			if i+3 < len(buf) && buf[i+2] == 0 && buf[i+3] == 1 {
				starts = append(starts, i+4)
				i += 4
				continue
			}
		}
		i++
	}
	if len(starts) == 0 {
		return nil, fmp4err.New(fmp4err.ParserFailure, "no Annex-B start code found", nil)
	}
	return starts, nil
}

// splitNALs extracts each NAL unit payload (start code excluded, trailing
// zero-padding before the next start code excluded). H.264 streams are
// split via mp4ff's avc.ExtractNalusFromByteStream, the same Annex-B scanner
// the corpus reaches for elsewhere; H.265 has no mp4ff counterpart in this
// module's dependency set, so it keeps the hand-rolled scanner below.
func splitNALs(codec Codec, buf []byte) ([][]byte, error) {
	if codec == CodecH264 {
		nals := avc.ExtractNalusFromByteStream(buf)
		if len(nals) == 0 {
			return nil, fmp4err.New(fmp4err.ParserFailure, "no Annex-B start code found", nil)
		}
		return nals, nil
	}

	starts, err := findStartCodes(buf)
	if err != nil {
		return nil, err
	}
	nals := make([][]byte, 0, len(starts))
	for i, start := range starts {
		end := len(buf)
		if i+1 < len(starts) {
			end = previousStartCodeBegin(buf, starts[i+1])
		}
		for end > start && buf[end-1] == 0 {
			end-- // trim trailing zero padding belonging to the next start code
		}
		nals = append(nals, buf[start:end])
	}
	return nals, nil
}

func previousStartCodeBegin(buf []byte, nalStart int) int {
	// nalStart is just past a 3- or 4-byte start code; scan back to find
	// which it was so the boundary we return excludes the start code itself.
	if nalStart >= 4 && buf[nalStart-4] == 0 {
		return nalStart - 4
	}
	return nalStart - 3
}

// nalUnitType returns the NAL type field from the first header byte(s).
func nalUnitType(codec Codec, nal []byte) int {
	if len(nal) == 0 {
		return -1
	}
	if codec == CodecH264 {
		return int(nal[0] & 0x1F)
	}
	return int((nal[0] >> 1) & 0x3F)
}

// SplitNALs is the exported form of splitNALs, for callers that need raw
// NAL units without running the full parameter-set-caching Convert pipeline
// (e.g. the CLI's access-unit grouping for codecs mp4ff's avc package does
// not cover).
func SplitNALs(codec Codec, buf []byte) ([][]byte, error) {
	return splitNALs(codec, buf)
}

// NalUnitType is the exported form of nalUnitType, for callers (such as the
// access-unit grouping in cmd/fmp4cenc/cmd) that need to classify NALs
// before they reach Converter.Convert.
func NalUnitType(codec Codec, nal []byte) int {
	return nalUnitType(codec, nal)
}

// IsVCLSlice reports whether nalType identifies a coded-slice (VCL) NAL, as
// opposed to a parameter set or non-VCL NAL like an SEI message.
func IsVCLSlice(codec Codec, nalType int) bool {
	if codec == CodecH264 {
		return nalType >= 1 && nalType <= 5
	}
	return nalType <= 31
}

// IsKeyframeSlice reports whether nalType identifies an IDR/IRAP slice —
// the access unit this NAL belongs to is a stream access point.
func IsKeyframeSlice(codec Codec, nalType int) bool {
	if codec == CodecH264 {
		return nalType == NalH264IDR
	}
	return nalType >= NalH265BLAWLP && nalType <= NalH265CRA
}

// ConvertedNAL is one output NAL: its length-prefixed bytes plus the
// clear-leader length the encryptor needs.
type ConvertedNAL struct {
	Data       []byte // 4-byte BE length prefix + NAL payload
	ClearBytes int
}

// Converter holds per-track parameter-set state (SPS/PPS/VPS cache) and
// performs Annex-B -> length-prefixed conversion.
type Converter struct {
	codec Codec
	cache *ParameterSetCache
}

func NewConverter(codec Codec) *Converter {
	return &Converter{codec: codec, cache: NewParameterSetCache()}
}

// Convert rewrites one Annex-B access unit into length-prefixed NAL units,
// omitting parameter-set NALs from the output (they live in the decoder
// configuration record, per spec.md §4.1) and caching them instead.
func (c *Converter) Convert(accessUnit []byte) ([]ConvertedNAL, error) {
	rawNALs, err := splitNALs(c.codec, accessUnit)
	if err != nil {
		return nil, err
	}

	out := make([]ConvertedNAL, 0, len(rawNALs))
	for _, nal := range rawNALs {
		nalType := nalUnitType(c.codec, nal)
		if c.isParameterSet(nalType) {
			if err := c.cache.Observe(c.codec, nalType, nal); err != nil {
				return nil, err
			}
			continue
		}

		leader := ClearLeaderLength(c.codec, nal)
		data := make([]byte, 4+len(nal))
		binary.BigEndian.PutUint32(data, uint32(len(nal)))
		copy(data[4:], nal)
		out = append(out, ConvertedNAL{Data: data, ClearBytes: 4 + leader})
	}
	return out, nil
}

func (c *Converter) isParameterSet(nalType int) bool {
	if c.codec == CodecH264 {
		return nalType == NalH264SPS || nalType == NalH264PPS
	}
	return nalType == NalH265VPS || nalType == NalH265SPS || nalType == NalH265PPS
}

// SPSDimensions exposes the cache's parsed SPS dimensions (H.264 only); see
// ParameterSetCache.SPSDimensions.
func (c *Converter) SPSDimensions() (width, height uint32, ok bool) {
	return c.cache.SPSDimensions()
}

// DecoderConfig returns the current decoder configuration record bytes
// (avcC or hvcC), or an error if no parameter sets have been observed yet.
func (c *Converter) DecoderConfig() ([]byte, error) {
	if c.codec == CodecH264 {
		return c.cache.BuildAvcC()
	}
	return c.cache.BuildHvcC()
}
