// Package cenc implements the Common Encryption (ISO/IEC 23001-7) sample
// encryption pipeline: per-sample IV derivation, subsample construction and
// the merge rule, and pattern encryption for cbcs/cens, producing the
// DecryptConfig side-information the fragmenter turns into saiz/saio/senc.
package cenc

// Scheme identifies one of the four CENC protection schemes.
type Scheme string

const (
	SchemeCENC Scheme = "cenc"
	SchemeCENS Scheme = "cens"
	SchemeCBC1 Scheme = "cbc1"
	SchemeCBCS Scheme = "cbcs"
)

// IsPattern reports whether a scheme uses crypt/skip block-pattern encryption.
func (s Scheme) IsPattern() bool {
	return s == SchemeCENS || s == SchemeCBCS
}

// IsCTR reports whether a scheme uses AES-CTR (vs. AES-CBC).
func (s Scheme) IsCTR() bool {
	return s == SchemeCENC || s == SchemeCENS
}

// SubsampleEntry is a (clear_bytes, cipher_bytes) pair; the sum across all
// entries for a sample equals the sample size, per spec.md §3.
type SubsampleEntry struct {
	ClearBytes  uint16
	CipherBytes uint32
}

// DecryptConfig is the per-sample auxiliary info produced by the encryptor
// and consumed by the fragmenter when building senc, per spec.md §3.
type DecryptConfig struct {
	KeyID           [16]byte
	IV              []byte // 8 or 16 bytes
	Subsamples      []SubsampleEntry
	ProtectionScheme Scheme
	CryptByteBlock  uint8
	SkipByteBlock   uint8
}

// TrackEncryptionInfo is the static, track-level encryption policy installed
// once before any sample is processed.
type TrackEncryptionInfo struct {
	KeyID          [16]byte
	Key            []byte
	ProtectionScheme Scheme
	CryptByteBlock uint8
	SkipByteBlock  uint8
	ConstantIV     []byte // mandatory for pattern schemes, per spec.md §4.3
}
