package aescrypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
)

// Padding selects the AES-CBC residual-block handling, per spec.md §4.2.
type Padding int

const (
	PaddingNone Padding = iota
	PaddingPKCS5
	PaddingCTS
)

// CBCCryptor implements AES-CBC with the three padding schemes spec.md §4.2
// requires. IV chaining only applies in PaddingNone mode: PKCS5 and CTS
// always encrypt a complete, self-contained unit from the stored IV.
type CBCCryptor struct {
	block   cipher.Block
	iv      [blockSize]byte // the stored, caller-set IV
	padding Padding
}

// NewCBCCryptor validates the key size and constructs a cryptor.
func NewCBCCryptor(key []byte, padding Padding) (*CBCCryptor, error) {
	if err := validateKeySize(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmp4err.New(fmp4err.EncryptionFailure, "aes.NewCipher", err)
	}
	return &CBCCryptor{block: block, padding: padding}, nil
}

// SetIV sets the stored 16-byte IV used by PKCS5/CTS and as the initial
// chaining value for PaddingNone.
func (c *CBCCryptor) SetIV(iv []byte) error {
	if len(iv) != blockSize {
		return fmp4err.New(fmp4err.InvalidArgument, "CBC IV must be 16 bytes", nil)
	}
	copy(c.iv[:], iv)
	return nil
}

// Encrypt encrypts plaintext per the configured padding scheme and returns
// the ciphertext (a new slice; CBC mode cannot safely reuse caller storage
// across the padding-length changes of PKCS5).
func (c *CBCCryptor) Encrypt(plaintext []byte) ([]byte, error) {
	switch c.padding {
	case PaddingNone:
		return c.encryptNoPadding(plaintext)
	case PaddingPKCS5:
		return c.encryptPKCS5(plaintext)
	case PaddingCTS:
		return c.encryptCTS(plaintext)
	default:
		return nil, fmp4err.New(fmp4err.InvalidArgument, "unknown CBC padding mode", nil)
	}
}

// encryptNoPadding leaves residual bytes (< 16) in clear, per spec.md §4.2,
// and chains the IV from the previous call to the next.
func (c *CBCCryptor) encryptNoPadding(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	full := (len(plaintext) / blockSize) * blockSize
	if full > 0 {
		mode := cipher.NewCBCEncrypter(c.block, c.iv[:])
		mode.CryptBlocks(out[:full], plaintext[:full])
		copy(c.iv[:], out[full-blockSize:full])
	}
	copy(out[full:], plaintext[full:]) // residual tail left clear
	return out, nil
}

// encryptPKCS5 pads the final block to 16 bytes with a byte equal to the pad
// count (including a full extra block when the input is already block-aligned,
// matching the "0-byte plaintext -> one block of 0x10 repeated" scenario).
func (c *CBCCryptor) encryptPKCS5(plaintext []byte) ([]byte, error) {
	padLen := blockSize - (len(plaintext) % blockSize)
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(c.block, c.iv[:])
	mode.CryptBlocks(out, padded)
	return out, nil
}

// encryptCTS implements ciphertext stealing per NIST SP 800-38A Appendix.
// Plaintext shorter than one block passes through unchanged, per spec.md §8
// invariant 4 / scenario 3.
func (c *CBCCryptor) encryptCTS(plaintext []byte) ([]byte, error) {
	if len(plaintext) < blockSize {
		out := make([]byte, len(plaintext))
		copy(out, plaintext)
		return out, nil
	}
	if len(plaintext)%blockSize == 0 {
		// Block-aligned input needs no stealing; encrypt directly.
		out := make([]byte, len(plaintext))
		mode := cipher.NewCBCEncrypter(c.block, c.iv[:])
		mode.CryptBlocks(out, plaintext)
		return out, nil
	}

	tailLen := len(plaintext) % blockSize
	fullLen := len(plaintext) - tailLen - blockSize // all but the last two (partial) blocks
	out := make([]byte, len(plaintext))

	prevIV := c.iv[:]
	if fullLen > 0 {
		mode := cipher.NewCBCEncrypter(c.block, prevIV)
		mode.CryptBlocks(out[:fullLen], plaintext[:fullLen])
		prevIV = out[fullLen-blockSize : fullLen]
	}

	// Encrypt the second-to-last full block with CBC chaining to get Cn-1.
	penultimatePlain := plaintext[fullLen : fullLen+blockSize]
	var chained [blockSize]byte
	for i := 0; i < blockSize; i++ {
		chained[i] = penultimatePlain[i] ^ prevIV[i]
	}
	var cnMinus1 [blockSize]byte
	c.block.Encrypt(cnMinus1[:], chained[:])

	// Steal the first tailLen bytes of Cn-1 to form Cn (the short final
	// ciphertext block); the last partial plaintext block is chained with
	// those bytes and padded with the remaining bytes of Cn-1, then
	// encrypted again below.
	lastPlain := plaintext[fullLen+blockSize:]
	var paddedLast [blockSize]byte
	for i := range lastPlain {
		paddedLast[i] = lastPlain[i] ^ cnMinus1[i]
	}
	copy(paddedLast[len(lastPlain):], cnMinus1[len(lastPlain):])

	var trueCnMinus1 [blockSize]byte
	c.block.Encrypt(trueCnMinus1[:], paddedLast[:])

	copy(out[fullLen:fullLen+blockSize], trueCnMinus1[:])
	copy(out[fullLen+blockSize:], cnMinus1[:tailLen])

	return out, nil
}

// Decrypt reverses Encrypt for the configured padding scheme.
func (c *CBCCryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	switch c.padding {
	case PaddingNone:
		return c.decryptNoPadding(ciphertext)
	case PaddingPKCS5:
		return c.decryptPKCS5(ciphertext)
	case PaddingCTS:
		return c.decryptCTS(ciphertext)
	default:
		return nil, fmp4err.New(fmp4err.InvalidArgument, "unknown CBC padding mode", nil)
	}
}

func (c *CBCCryptor) decryptNoPadding(ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	full := (len(ciphertext) / blockSize) * blockSize
	if full > 0 {
		mode := cipher.NewCBCDecrypter(c.block, c.iv[:])
		mode.CryptBlocks(out[:full], ciphertext[:full])
		copy(c.iv[:], ciphertext[full-blockSize:full])
	}
	copy(out[full:], ciphertext[full:])
	return out, nil
}

func (c *CBCCryptor) decryptPKCS5(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmp4err.New(fmp4err.EncryptionFailure, "PKCS5 ciphertext must be a nonzero multiple of the block size", nil)
	}
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(c.block, c.iv[:])
	mode.CryptBlocks(out, ciphertext)
	padLen := int(out[len(out)-1])
	if padLen <= 0 || padLen > blockSize || padLen > len(out) {
		return nil, fmp4err.New(fmp4err.EncryptionFailure, "invalid PKCS5 padding", nil)
	}
	return out[:len(out)-padLen], nil
}

func (c *CBCCryptor) decryptCTS(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < blockSize {
		out := make([]byte, len(ciphertext))
		copy(out, ciphertext)
		return out, nil
	}
	if len(ciphertext)%blockSize == 0 {
		out := make([]byte, len(ciphertext))
		mode := cipher.NewCBCDecrypter(c.block, c.iv[:])
		mode.CryptBlocks(out, ciphertext)
		return out, nil
	}

	tailLen := len(ciphertext) % blockSize
	fullLen := len(ciphertext) - tailLen - blockSize
	out := make([]byte, len(ciphertext))

	prevIV := make([]byte, blockSize)
	copy(prevIV, c.iv[:])
	if fullLen > 0 {
		mode := cipher.NewCBCDecrypter(c.block, c.iv[:])
		mode.CryptBlocks(out[:fullLen], ciphertext[:fullLen])
		copy(prevIV, ciphertext[fullLen-blockSize:fullLen])
	}

	trueCnMinus1 := ciphertext[fullLen : fullLen+blockSize]
	cnPrefix := ciphertext[fullLen+blockSize:]

	var paddedLast [blockSize]byte
	c.block.Decrypt(paddedLast[:], trueCnMinus1)

	// paddedLast XOR cnMinus1-reconstructed-tail recovers the last partial
	// plaintext block; the stolen prefix bytes of the true Cn-1 are
	// recovered by decrypting cnPrefix||paddedLast[tailLen:] below.
	var cnMinus1Full [blockSize]byte
	copy(cnMinus1Full[:], cnPrefix)
	copy(cnMinus1Full[len(cnPrefix):], paddedLast[len(cnPrefix):])

	var penultimatePlain [blockSize]byte
	c.block.Decrypt(penultimatePlain[:], cnMinus1Full[:])
	for i := 0; i < blockSize; i++ {
		penultimatePlain[i] ^= prevIV[i]
	}

	lastPlain := make([]byte, tailLen)
	for i := 0; i < tailLen; i++ {
		lastPlain[i] = paddedLast[i] ^ cnPrefix[i]
	}

	copy(out[fullLen:fullLen+blockSize], penultimatePlain[:])
	copy(out[fullLen+blockSize:], lastPlain)

	return out, nil
}
