// Package fragmenter implements FragmenterPerTrack: accumulates encrypted
// or clear samples for one track into a pending fragment and assembles the
// traf box tree (tfhd/tfdt/trun[/saiz/saio/senc]) per spec.md §4.4.
package fragmenter

import "github.com/jmylchreest/fmp4cenc/internal/cenc"

// SampleRecord is one buffered sample's metadata plus payload, the unit
// pkg/diskslice spills to disk once MaxFragmentMemory is exceeded. It is
// plain and JSON-serializable, which is exactly diskslice's requirement.
type SampleRecord struct {
	Data                  []byte
	Duration              uint32
	Size                  uint32
	IsSync                bool
	CompositionTimeOffset int32
	DecryptInfo           *cenc.DecryptConfig // nil when the sample is unencrypted
}

// Flags returns the ISO/IEC 14496-12 §8.8.3.1 sample_flags value for this
// record: sync samples carry is_non_sync_sample=0 and sample_depends_on=2
// (no dependency, i.e. an IDR/IRAP); non-sync samples carry
// sample_depends_on=1 (depends on others) and is_non_sync_sample=1.
func (s SampleRecord) Flags() uint32 {
	if s.IsSync {
		return 0x02000000 // sample_depends_on = 2 (does not depend on others)
	}
	return 0x01010000 // sample_depends_on = 1, sample_is_non_sync_sample = 1
}
