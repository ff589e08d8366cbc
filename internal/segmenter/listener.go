// Package segmenter orchestrates all tracks' fragmenters: it cuts segments
// at SAP boundaries, builds moof+mdat+sidx+styp, and routes bytes to either
// single-file or multi-file output, per spec.md §4.5.
package segmenter

import "time"

// Listener receives segment-level notifications as the Segmenter writes
// output, a capability interface per spec.md §9's "listener callback"
// design note. NewSegmenter replaces a nil Listener with NoopListener, and
// embedding NoopListener lets an implementation override only some methods.
type Listener interface {
	OnNewSegment(fileName string, earliestPTS, duration time.Duration, sizeBytes int64)
	OnSampleDurationReady(trackID uint32, duration time.Duration)
	OnEncryptionInfoReady(trackID uint32, scheme string, keyID [16]byte)
}

// NoopListener implements Listener with no-op methods, the default when the
// caller doesn't need notifications.
type NoopListener struct{}

func (NoopListener) OnNewSegment(string, time.Duration, time.Duration, int64) {}
func (NoopListener) OnSampleDurationReady(uint32, time.Duration)              {}
func (NoopListener) OnEncryptionInfoReady(uint32, string, [16]byte)           {}
