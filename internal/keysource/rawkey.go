// Package keysource provides the pluggable key-acquisition collaborator
// interface spec.md §1 lists as out-of-scope beyond its signature, plus a
// raw-key implementation (Widevine/PlayReady acquisition clients are
// explicitly excluded from this core's scope).
package keysource

import (
	"encoding/hex"

	"github.com/jmylchreest/fmp4cenc/internal/cenc"
	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
)

// Source resolves a track's encryption policy. Real deployments would swap
// this for a Widevine/PlayReady client; this core only ships the raw-key form.
type Source interface {
	Resolve(trackID uint32) (cenc.TrackEncryptionInfo, error)
}

// RawKeySource supplies a single, statically configured key/IV/scheme for
// every track it is asked about — the simplest possible Source, suitable
// for offline packaging and test fixtures.
type RawKeySource struct {
	info cenc.TrackEncryptionInfo
}

// NewRawKeySource parses hex-encoded key/key-ID/constant-IV strings, as the
// CLI's EncryptionConfig supplies them, into a TrackEncryptionInfo.
func NewRawKeySource(keyHex, keyIDHex, constantIVHex string, scheme cenc.Scheme, cryptByteBlock, skipByteBlock uint8) (*RawKeySource, error) {
	key, err := decodeHex("key", keyHex)
	if err != nil {
		return nil, err
	}
	keyID, err := decodeHex("key_id", keyIDHex)
	if err != nil {
		return nil, err
	}
	if len(keyID) != 16 {
		return nil, fmp4err.New(fmp4err.InvalidArgument, "key_id must be 16 bytes", nil)
	}
	var constantIV []byte
	if constantIVHex != "" {
		constantIV, err = decodeHex("constant_iv", constantIVHex)
		if err != nil {
			return nil, err
		}
	}

	var kid [16]byte
	copy(kid[:], keyID)

	return &RawKeySource{info: cenc.TrackEncryptionInfo{
		KeyID:            kid,
		Key:              key,
		ProtectionScheme: scheme,
		CryptByteBlock:   cryptByteBlock,
		SkipByteBlock:    skipByteBlock,
		ConstantIV:       constantIV,
	}}, nil
}

// Resolve returns the same static policy for every track.
func (s *RawKeySource) Resolve(trackID uint32) (cenc.TrackEncryptionInfo, error) {
	return s.info, nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmp4err.New(fmp4err.InvalidArgument, "decoding "+field, err)
	}
	return b, nil
}
