// Package aescrypto implements the AES-CTR and AES-CBC primitives the CENC
// pipeline needs, built on crypto/aes and crypto/cipher per spec.md §9's
// "do not reimplement block ciphers" rule — the counter-block and padding
// semantics specific to CENC are this package's own responsibility, the
// block cipher itself is the stdlib's.
package aescrypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
)

const blockSize = 16

// CTRCryptor implements AES-CTR with CENC's counter-block convention: bytes
// 0-7 of the counter block carry a constant IV high half, bytes 8-15 form a
// 64-bit big-endian block counter that increments once per 16-byte block and
// wraps within the low 64 bits only, per spec.md §4.2/§8 invariant 8.
type CTRCryptor struct {
	block     cipher.Block
	ivHigh    uint64 // bytes 0-7 of the counter block, constant per sample
	counter   uint64 // bytes 8-15, increments once per 16-byte block
	keystream [blockSize]byte
	ksOffset  int // byte offset already consumed within keystream
}

// NewCTRCryptor validates the key size (128/192/256 bits only, per spec.md
// §4.2) and constructs a cryptor.
func NewCTRCryptor(key []byte) (*CTRCryptor, error) {
	if err := validateKeySize(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmp4err.New(fmp4err.EncryptionFailure, "aes.NewCipher", err)
	}
	return &CTRCryptor{block: block}, nil
}

// SetIV resets the counter block for a new sample. iv must be 8 or 16 bytes;
// an 8-byte IV occupies the high half with the low 64 bits (block counter)
// starting at zero. A 16-byte IV is split into the two halves directly,
// matching how some CENC producers supply a full 16-byte per-sample IV.
func (c *CTRCryptor) SetIV(iv []byte) error {
	switch len(iv) {
	case 8:
		c.ivHigh = beUint64(iv)
		c.counter = 0
	case 16:
		c.ivHigh = beUint64(iv[:8])
		c.counter = beUint64(iv[8:])
	default:
		return fmp4err.New(fmp4err.InvalidArgument, "CTR IV must be 8 or 16 bytes", nil)
	}
	c.ksOffset = blockSize // force keystream regeneration on next use
	return nil
}

// Encrypt XORs src with the keystream into dst (dst and src may overlap
// identically sized, in-place encryption is the typical caller pattern).
// The keystream offset carries across calls within one sample so subsample
// boundaries never realign the counter, per spec.md §4.2.
func (c *CTRCryptor) Encrypt(dst, src []byte) {
	for i := 0; i < len(src); i++ {
		if c.ksOffset == blockSize {
			c.fillKeystreamBlock()
		}
		dst[i] = src[i] ^ c.keystream[c.ksOffset]
		c.ksOffset++
	}
}

// Decrypt is identical to Encrypt: CTR mode is its own inverse.
func (c *CTRCryptor) Decrypt(dst, src []byte) {
	c.Encrypt(dst, src)
}

func (c *CTRCryptor) fillKeystreamBlock() {
	var counterBlock [blockSize]byte
	putUint64(counterBlock[0:8], c.ivHigh)
	putUint64(counterBlock[8:16], c.counter)
	c.block.Encrypt(c.keystream[:], counterBlock[:])
	c.counter++ // wraps within uint64 automatically, matching the low-64-bit-only wrap rule
	c.ksOffset = 0
}

func validateKeySize(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	default:
		return fmp4err.New(fmp4err.InvalidArgument, "AES key must be 128, 192, or 256 bits", nil)
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
