package cenc

import "github.com/jmylchreest/fmp4cenc/internal/fmp4err"

// IVSequencer derives the per-sample IV for a track, per spec.md §4.3:
// begin with the track-level IV; for each subsequent sample, either
// increment by the number of 16-byte blocks consumed (CTR) or by one (CBC),
// or hold a caller-supplied constant IV (mandatory for pattern schemes).
type IVSequencer struct {
	constant  bool
	current   uint64 // low 64 bits of a 16-byte IV, or the whole of an 8-byte IV
	ivLen     int    // 8 or 16
	isCTR     bool
}

// NewIVSequencer validates that constant-IV mode is used for pattern schemes
// (mandatory per spec.md §4.3) and constructs the sequencer.
func NewIVSequencer(info TrackEncryptionInfo, initialIV []byte) (*IVSequencer, error) {
	if info.ProtectionScheme.IsPattern() && len(info.ConstantIV) == 0 {
		return nil, fmp4err.New(fmp4err.InvalidArgument, "pattern schemes (cens/cbcs) require a constant IV", nil)
	}
	s := &IVSequencer{
		constant: len(info.ConstantIV) > 0,
		ivLen:    len(initialIV),
		isCTR:    info.ProtectionScheme.IsCTR(),
	}
	if s.constant {
		s.ivLen = len(info.ConstantIV)
	}
	if s.ivLen != 8 && s.ivLen != 16 {
		return nil, fmp4err.New(fmp4err.InvalidArgument, "IV must be 8 or 16 bytes", nil)
	}
	if !s.constant {
		s.current = beUint64(lowBytes(initialIV))
	}
	return s, nil
}

// Next returns the IV to use for the next sample and advances internal
// state. blocksConsumed is only meaningful for CTR mode (ignored for CBC,
// which always advances by one).
func (s *IVSequencer) Next(constantIV []byte, blocksConsumed uint64) []byte {
	if s.constant {
		return constantIV
	}
	iv := make([]byte, s.ivLen)
	putUint64(iv[s.ivLen-8:], s.current)
	if s.isCTR {
		s.current += blocksConsumed
	} else {
		s.current++
	}
	return iv
}

func lowBytes(iv []byte) []byte {
	if len(iv) <= 8 {
		return iv
	}
	return iv[len(iv)-8:]
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = (v << 8) | uint64(c)
	}
	return v
}

func putUint64(b []byte, v uint64) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
