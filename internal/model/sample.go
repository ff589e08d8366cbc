// Package model holds the data types shared across the segmenter pipeline
// that aren't owned by a single subsystem, per spec.md §3.
package model

// Sample is an access unit as received from an upstream demuxer: raw
// payload bytes, timing, and the SAP flag. Samples are immutable once
// produced upstream; the encryptor produces a new payload rather than
// mutating this one in place, simplifying ownership across goroutine-free
// pipeline stages.
type Sample struct {
	TrackID     uint32
	Data        []byte
	DTS         uint64 // decode timestamp, in the track's timescale
	PTS         uint64 // presentation timestamp, in the track's timescale
	Duration    uint32
	IsKeyFrame  bool
	IVOverride  []byte // optional per-sample IV override side-data
}
