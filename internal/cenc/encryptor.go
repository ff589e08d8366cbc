package cenc

import (
	"github.com/jmylchreest/fmp4cenc/internal/aescrypto"
	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
)

// SampleEncryptor applies one track's protection scheme to successive
// samples, given each sample's clear-leader plan from the BitstreamConverter,
// per spec.md §4.3.
type SampleEncryptor struct {
	info TrackEncryptionInfo
	seq  *IVSequencer
	ctr  *aescrypto.CTRCryptor
	cbc  *aescrypto.CBCCryptor
}

// NewSampleEncryptor constructs the encryptor for one track and installs
// its key material. initialIV seeds non-constant-IV sequencing.
func NewSampleEncryptor(info TrackEncryptionInfo, initialIV []byte) (*SampleEncryptor, error) {
	seq, err := NewIVSequencer(info, initialIV)
	if err != nil {
		return nil, err
	}
	e := &SampleEncryptor{info: info, seq: seq}
	if info.ProtectionScheme.IsCTR() {
		c, err := aescrypto.NewCTRCryptor(info.Key)
		if err != nil {
			return nil, err
		}
		e.ctr = c
	} else {
		padding := aescrypto.PaddingCTS
		if info.ProtectionScheme == SchemeCBC1 {
			padding = aescrypto.PaddingNone
		}
		c, err := aescrypto.NewCBCCryptor(info.Key, padding)
		if err != nil {
			return nil, err
		}
		e.cbc = c
	}
	return e, nil
}

// Info returns the static track encryption policy this encryptor was built
// with, so callers can build the sinf/tenc/pssh init-segment boxes that
// describe the scheme and key ID without threading the policy separately.
func (e *SampleEncryptor) Info() TrackEncryptionInfo {
	return e.info
}

// EncryptSample encrypts payload in place given its per-NAL clear-leader
// plan, returning the DecryptConfig side-information the fragmenter needs to
// build saiz/saio/senc.
func (e *SampleEncryptor) EncryptSample(payload []byte, nals []NalClearLead) (*DecryptConfig, error) {
	subsamples := BuildSubsamples(nals)

	var ivForSample []byte
	var offset int
	for i, sub := range subsamples {
		clear := int(sub.ClearBytes)
		cipher := int(sub.CipherBytes)
		cipherStart := offset + clear
		cipherEnd := cipherStart + cipher
		if i == 0 {
			blocks := totalCipherBlocks(subsamples)
			ivForSample = e.seq.Next(e.info.ConstantIV, blocks)
			if err := e.initCryptor(ivForSample); err != nil {
				return nil, err
			}
		}
		if err := e.encryptSpan(payload[cipherStart:cipherEnd]); err != nil {
			return nil, err
		}
		offset = cipherEnd
	}

	return &DecryptConfig{
		KeyID:            e.info.KeyID,
		IV:               ivForSample,
		Subsamples:       subsamples,
		ProtectionScheme: e.info.ProtectionScheme,
		CryptByteBlock:   e.info.CryptByteBlock,
		SkipByteBlock:    e.info.SkipByteBlock,
	}, nil
}

// totalCipherBlocks returns the number of AES blocks the sample's cipher
// spans consume from the keystream. The keystream runs contiguously across
// a sample's subsamples, so the block count must come from the summed
// cipher-byte total, not from rounding each subsample up individually —
// per-subsample rounding would double-count the partial block at a
// non-block-multiple subsample boundary and over-advance the counter.
func totalCipherBlocks(subsamples []SubsampleEntry) uint64 {
	var totalBytes uint64
	for _, s := range subsamples {
		totalBytes += uint64(s.CipherBytes)
	}
	return (totalBytes + 15) / 16
}

func (e *SampleEncryptor) initCryptor(iv []byte) error {
	if e.ctr != nil {
		return e.ctr.SetIV(iv)
	}
	if len(iv) != 16 {
		padded := make([]byte, 16)
		copy(padded[16-len(iv):], iv)
		iv = padded
	}
	return e.cbc.SetIV(iv)
}

func (e *SampleEncryptor) encryptSpan(span []byte) error {
	if len(span) == 0 {
		return nil
	}
	if e.ctr != nil {
		if e.info.ProtectionScheme.IsPattern() {
			return e.encryptPatternCTR(span)
		}
		e.ctr.Encrypt(span, span)
		return nil
	}

	if e.info.ProtectionScheme.IsPattern() {
		return e.encryptPatternCBC(span)
	}
	out, err := e.cbc.Encrypt(span)
	if err != nil {
		return fmp4err.New(fmp4err.EncryptionFailure, "CBC encrypt", err)
	}
	copy(span, out[:len(span)])
	return nil
}

func (e *SampleEncryptor) encryptPatternCTR(span []byte) error {
	for _, r := range PatternBlocks(len(span), e.info.CryptByteBlock, e.info.SkipByteBlock) {
		e.ctr.Encrypt(span[r.Start:r.End], span[r.Start:r.End])
	}
	return nil
}

func (e *SampleEncryptor) encryptPatternCBC(span []byte) error {
	for _, r := range PatternBlocks(len(span), e.info.CryptByteBlock, e.info.SkipByteBlock) {
		block := span[r.Start:r.End]
		out, err := e.cbc.Encrypt(block)
		if err != nil {
			return fmp4err.New(fmp4err.EncryptionFailure, "CBC pattern encrypt", err)
		}
		copy(block, out[:len(block)])
	}
	return nil
}
