package fragmenter

import (
	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
	"github.com/jmylchreest/fmp4cenc/internal/isobmff"
	"github.com/jmylchreest/fmp4cenc/pkg/diskslice"
)

// FragmenterPerTrack buffers one track's pending samples and assembles the
// traf box tree on finalization, per spec.md §4.4.
type FragmenterPerTrack struct {
	TrackID         uint32
	baseDecodeTime  uint64
	samples         *diskslice.DiskSlice[SampleRecord]
	started         bool
	encrypted       bool
	sampleDescIndex uint32
	maxMemory       int64
	tempDir         string
}

// NewFragmenterPerTrack constructs a fragmenter for one track. maxMemory
// bounds in-memory buffering before pkg/diskslice spills pending samples to
// a temp file, matching the teacher's own generic spill collection.
func NewFragmenterPerTrack(trackID uint32, maxMemory int64, tempDir string) (*FragmenterPerTrack, error) {
	ds, err := newSampleBuffer(maxMemory, tempDir)
	if err != nil {
		return nil, err
	}
	return &FragmenterPerTrack{
		TrackID:         trackID,
		samples:         ds,
		sampleDescIndex: 1,
		maxMemory:       maxMemory,
		tempDir:         tempDir,
	}, nil
}

func newSampleBuffer(maxMemory int64, tempDir string) (*diskslice.DiskSlice[SampleRecord], error) {
	ds, err := diskslice.New[SampleRecord](diskslice.Options{
		MemoryThreshold:   maxMemory,
		TempDir:           tempDir,
		EstimatedItemSize: 4096,
		Name:              "fmp4cenc-fragment",
	})
	if err != nil {
		return nil, fmp4err.New(fmp4err.InternalError, "creating sample buffer", err)
	}
	return ds, nil
}

// AddSample appends a sample to the pending fragment. The first sample
// appended after a Reset establishes the fragment's base decode time.
func (f *FragmenterPerTrack) AddSample(decodeTime uint64, rec SampleRecord) error {
	if !f.started {
		f.baseDecodeTime = decodeTime
		f.started = true
	}
	if rec.DecryptInfo != nil {
		f.encrypted = true
	}
	return f.samples.Append(rec)
}

// Count returns the number of samples buffered in the pending fragment.
func (f *FragmenterPerTrack) Count() int {
	return f.samples.Len()
}

// IsEmpty reports whether the fragmenter has no pending samples.
func (f *FragmenterPerTrack) IsEmpty() bool {
	return f.samples.Len() == 0
}

// Finalize assembles this track's traf box and the concatenated mdat
// payload for the pending fragment, then resets for the next one. The
// Fragmenter refuses to finalize an empty pending set; callers (the
// Segmenter) are responsible for the "no mid-GOP cut unless forced"
// boundary policy described in spec.md §4.4 — this method only assembles
// whatever has been accumulated.
func (f *FragmenterPerTrack) Finalize(sequenceNumber uint32) (traf *isobmff.Box, mdatPayload []byte, err error) {
	if f.samples.Len() == 0 {
		return nil, nil, fmp4err.ErrFragmentEmpty
	}

	var entries []isobmff.TrunEntry
	var sencEntries []isobmff.SencEntry
	var saizSizes []uint8
	var totalPayload []byte
	uniformDuration := true
	uniformFlags := true
	hasCompositionOffset := false
	var firstDuration uint32
	var firstFlags uint32

	idx := 0
	walkErr := f.samples.For(func(_ int, rec *SampleRecord) bool {
		if idx == 0 {
			firstDuration = rec.Duration
			firstFlags = rec.Flags()
		} else {
			if rec.Duration != firstDuration {
				uniformDuration = false
			}
			if rec.Flags() != firstFlags {
				uniformFlags = false
			}
		}
		if rec.CompositionTimeOffset != 0 {
			hasCompositionOffset = true
		}
		entries = append(entries, isobmff.TrunEntry{
			Duration:              rec.Duration,
			Size:                  uint32(len(rec.Data)),
			Flags:                 rec.Flags(),
			CompositionTimeOffset: rec.CompositionTimeOffset,
		})
		totalPayload = append(totalPayload, rec.Data...)

		if rec.DecryptInfo != nil {
			subs := make([]isobmff.SencSubsample, len(rec.DecryptInfo.Subsamples))
			for i, s := range rec.DecryptInfo.Subsamples {
				subs[i] = isobmff.SencSubsample{ClearBytes: s.ClearBytes, CipherBytes: s.CipherBytes}
			}
			sencEntries = append(sencEntries, isobmff.SencEntry{IV: rec.DecryptInfo.IV, Subsamples: subs})
			saizSizes = append(saizSizes, sencEntrySize(len(rec.DecryptInfo.IV), len(subs)))
		}
		idx++
		return true
	})
	if walkErr != nil {
		return nil, nil, fmp4err.New(fmp4err.InternalError, "walking pending samples", walkErr)
	}

	traf = isobmff.NewContainer(isobmff.TypeTraf)
	traf.AddChild(isobmff.NewTfhd(isobmff.TfhdParams{
		TrackID:                  f.TrackID,
		HasDefaultSampleDuration: uniformDuration,
		DefaultSampleDuration:    firstDuration,
		HasDefaultSampleSize:     false,
		HasDefaultSampleFlags:    uniformFlags,
		DefaultSampleFlags:       firstFlags,
	}))
	traf.AddChild(isobmff.NewTfdt(f.baseDecodeTime))
	traf.AddChild(isobmff.NewTrun(isobmff.TrunParams{
		Entries:              entries,
		HasUniformDuration:    uniformDuration,
		HasUniformSize:        false,
		HasUniformFlags:       uniformFlags,
		HasFirstSampleFlags:   false,
		HasCompositionOffset:  hasCompositionOffset,
	}))

	if f.encrypted && len(sencEntries) > 0 {
		useSubsamples := sencUsesSubsamples(sencEntries)
		traf.AddChild(isobmff.NewSaiz(0, saizSizes))
		traf.AddChild(isobmff.NewSaio(0)) // patched by the pack command's patchFragmentOffsets once moof size is known
		traf.AddChild(isobmff.NewSenc(sencEntries, useSubsamples))
	}

	if err := f.reset(); err != nil {
		return nil, nil, err
	}
	_ = sequenceNumber
	return traf, totalPayload, nil
}

// reset closes the current (possibly disk-spilled) sample buffer and opens
// a fresh one for the next fragment, since diskslice.DiskSlice is a
// single-use, append-only collection.
func (f *FragmenterPerTrack) reset() error {
	_ = f.samples.Close()
	ds, err := newSampleBuffer(f.maxMemory, f.tempDir)
	if err != nil {
		return err
	}
	f.samples = ds
	f.started = false
	f.encrypted = false
	return nil
}

func sencUsesSubsamples(entries []isobmff.SencEntry) bool {
	for _, e := range entries {
		if len(e.Subsamples) > 0 {
			return true
		}
	}
	return false
}

// sencEntrySize computes one sample's aux-info size for saiz: the IV length
// plus, when subsamples are present, a 2-byte count and 6 bytes per entry
// (clear_bytes:u16 + cipher_bytes:u32), per spec.md §6.
func sencEntrySize(ivLen, subsampleCount int) uint8 {
	size := ivLen
	if subsampleCount > 0 {
		size += 2 + subsampleCount*6
	}
	return uint8(size)
}
