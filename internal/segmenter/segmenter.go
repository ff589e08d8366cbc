package segmenter

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/fmp4cenc/internal/bitstream"
	"github.com/jmylchreest/fmp4cenc/internal/cenc"
	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
	"github.com/jmylchreest/fmp4cenc/internal/fragmenter"
	"github.com/jmylchreest/fmp4cenc/internal/iofile"
	"github.com/jmylchreest/fmp4cenc/internal/isobmff"
	"github.com/jmylchreest/fmp4cenc/internal/model"
)

// Config is the segmenter-relevant subset of the CLI configuration record
// described in spec.md §6.
type Config struct {
	OutputFileName        string
	SegmentTemplate       string // empty => single-file mode
	SegmentDuration       time.Duration
	FragmentDuration      time.Duration
	SegmentSAPAligned     bool
	FragmentSAPAligned    bool
	NumSubsegmentsPerSidx int
	Bandwidth             uint32
	RepresentationID      string
	MaxFragmentMemory     int64
	TempDir               string
}

// TrackPipeline bundles one track's converter, encryptor, and fragmenter —
// the per-track collaborators the Segmenter drives in sequence for every
// sample, per spec.md §2 control-flow description.
type TrackPipeline struct {
	Track      isobmff.TrackInfo
	Converter  *bitstream.Converter // nil for audio tracks
	Encryptor  *cenc.SampleEncryptor // nil when the track is not encrypted
	Fragmenter *fragmenter.FragmenterPerTrack
	isVideo    bool
}

// Segmenter is the top-level orchestrator: it owns every track's pipeline,
// decides fragment/segment boundaries, and writes output via the file
// abstraction, per spec.md §4.5.
type Segmenter struct {
	cfg      Config
	tracks   map[uint32]*TrackPipeline
	order    []uint32 // deterministic track iteration order
	opener   *iofile.Opener
	listener Listener

	sequenceNumber uint32
	segmentIndex   uint64
	pendingRefs    []FragmentRef
	closed         bool

	referenceTrackID   uint32
	referenceTimescale uint32

	fragmentStarted     bool
	fragmentTicks       uint64 // reference-track ticks accumulated in the pending fragment
	fragmentEarliestPTS uint64
	fragmentHasSAP      bool
	fragmentSAPType     uint8
	segmentTicks        uint64 // reference-track ticks accumulated in the pending segment
}

func NewSegmenter(cfg Config, listener Listener) *Segmenter {
	if listener == nil {
		listener = NoopListener{}
	}
	return &Segmenter{
		cfg:      cfg,
		tracks:   make(map[uint32]*TrackPipeline),
		opener:   iofile.NewOpener(),
		listener: listener,
	}
}

// SetReferenceTrack designates the track whose samples drive fragment and
// segment boundary decisions: its SAP flags gate cuts, and sidx references
// are emitted in its presentation-time order, per spec.md §4.5. Must be
// called after the track has been added.
func (s *Segmenter) SetReferenceTrack(trackID uint32) {
	s.referenceTrackID = trackID
	if tp, ok := s.tracks[trackID]; ok {
		s.referenceTimescale = tp.Track.Timescale
	}
}

// BoundaryDecision reports whether the caller should finalize the current
// pending fragment (and, when also true, the current pending segment)
// before pushing the sample that was just observed — that sample becomes
// the first sample of the next fragment/segment. The Closed* fields
// describe the fragment being closed, valid only when CutFragment is true.
type BoundaryDecision struct {
	CutFragment bool
	CutSegment  bool

	ClosedFragmentEarliestPTS uint64
	ClosedFragmentDuration    uint64
	ClosedFragmentHasSAP      bool
	ClosedFragmentSAPType     uint8
}

// ObserveReferenceSample updates fragment/segment duration bookkeeping for
// one about-to-be-pushed reference-track sample and decides whether a cut
// falls before it, per spec.md §4.4/§4.5: a fragment only cuts once
// FragmentDuration has elapsed, and — when FragmentSAPAligned is set — only
// at a sample that is itself a SAP, never mid-GOP. A segment only cuts at a
// fragment boundary, once SegmentDuration has elapsed and (when
// SegmentSAPAligned is set) the same SAP condition holds.
func (s *Segmenter) ObserveReferenceSample(isSAP bool, sapType uint8, duration uint32, pts uint64) BoundaryDecision {
	var dec BoundaryDecision

	if !s.fragmentStarted {
		s.fragmentStarted = true
		s.fragmentEarliestPTS = pts
		s.fragmentHasSAP = isSAP
		s.fragmentSAPType = sapType
		s.fragmentTicks += uint64(duration)
		s.segmentTicks += uint64(duration)
		return dec
	}

	fragTicks := s.durationTicks(s.cfg.FragmentDuration)
	segTicks := s.durationTicks(s.cfg.SegmentDuration)

	dec.CutFragment = s.fragmentTicks >= fragTicks && (!s.cfg.FragmentSAPAligned || isSAP)
	if dec.CutFragment {
		dec.ClosedFragmentEarliestPTS = s.fragmentEarliestPTS
		dec.ClosedFragmentDuration = s.fragmentTicks
		dec.ClosedFragmentHasSAP = s.fragmentHasSAP
		dec.ClosedFragmentSAPType = s.fragmentSAPType
		dec.CutSegment = s.segmentTicks >= segTicks && (!s.cfg.SegmentSAPAligned || isSAP)

		s.fragmentEarliestPTS = pts
		s.fragmentHasSAP = isSAP
		s.fragmentSAPType = sapType
		s.fragmentTicks = 0
		if dec.CutSegment {
			s.segmentTicks = 0
		}
	}

	s.fragmentTicks += uint64(duration)
	s.segmentTicks += uint64(duration)
	return dec
}

// ForceCloseFragment reports the currently pending fragment's metadata so
// the caller can finalize it unconditionally — end-of-stream is the one
// case the Fragmenter is forced to cut mid-GOP, per spec.md §4.4. Returns
// false when no sample has been observed since the last cut.
func (s *Segmenter) ForceCloseFragment() (dec BoundaryDecision, ok bool) {
	if !s.fragmentStarted {
		return BoundaryDecision{}, false
	}
	dec = BoundaryDecision{
		CutFragment:               true,
		CutSegment:                true,
		ClosedFragmentEarliestPTS: s.fragmentEarliestPTS,
		ClosedFragmentDuration:    s.fragmentTicks,
		ClosedFragmentHasSAP:      s.fragmentHasSAP,
		ClosedFragmentSAPType:     s.fragmentSAPType,
	}
	s.fragmentStarted = false
	s.fragmentTicks = 0
	s.segmentTicks = 0
	return dec, true
}

// durationTicks converts a wall-clock duration into the reference track's
// timescale units.
func (s *Segmenter) durationTicks(d time.Duration) uint64 {
	return uint64(d.Seconds() * float64(s.referenceTimescale))
}

// AddTrack registers one track's pipeline before any sample is pumped.
func (s *Segmenter) AddTrack(track isobmff.TrackInfo, codec bitstream.Codec, enc *cenc.SampleEncryptor) error {
	frag, err := fragmenter.NewFragmenterPerTrack(track.TrackID, s.cfg.MaxFragmentMemory, s.cfg.TempDir)
	if err != nil {
		return err
	}
	var conv *bitstream.Converter
	if track.IsVideo {
		conv = bitstream.NewConverter(codec)
	}
	s.tracks[track.TrackID] = &TrackPipeline{
		Track:      track,
		Converter:  conv,
		Encryptor:  enc,
		Fragmenter: frag,
		isVideo:    track.IsVideo,
	}
	s.order = append(s.order, track.TrackID)
	return nil
}

// PushSample feeds one sample through its track's BitstreamConverter and,
// when an encryptor is installed, its SampleEncryptor, then appends it to the
// track's pending fragment, per spec.md §2 control flow. Only video tracks
// are converted and encrypted; samples of other tracks are appended as given,
// unencrypted even when the track has an encryptor.
func (s *Segmenter) PushSample(sample model.Sample) error {
	if s.closed {
		return fmp4err.ErrSegmenterAlreadyClosed
	}
	tp, ok := s.tracks[sample.TrackID]
	if !ok {
		return fmp4err.New(fmp4err.InvalidArgument, "sample references unknown track", nil)
	}

	data := sample.Data
	var decryptInfo *cenc.DecryptConfig

	if tp.Converter != nil {
		converted, err := tp.Converter.Convert(sample.Data)
		if err != nil {
			// PARSER_FAILURE on one sample is non-fatal per spec.md §7:
			// the sample is dropped, the fragment's count is simply not
			// incremented.
			var fe *fmp4err.Error
			if asFmp4Err(err, &fe) && fe.Kind == fmp4err.ParserFailure {
				return nil
			}
			return err
		}

		var nalLeads []cenc.NalClearLead
		var rebuilt []byte
		for _, nal := range converted {
			nalLeads = append(nalLeads, cenc.NalClearLead{TotalLen: len(nal.Data), ClearBytes: nal.ClearBytes})
			rebuilt = append(rebuilt, nal.Data...)
		}
		data = rebuilt

		if tp.Encryptor != nil {
			di, err := tp.Encryptor.EncryptSample(data, nalLeads)
			if err != nil {
				return err
			}
			decryptInfo = di
		}
	}

	rec := fragmenter.SampleRecord{
		Data:                  data,
		Duration:              sample.Duration,
		Size:                  uint32(len(data)),
		IsSync:                sample.IsKeyFrame,
		CompositionTimeOffset: int32(sample.PTS - sample.DTS),
		DecryptInfo:           decryptInfo,
	}
	return tp.Fragmenter.AddSample(sample.DTS, rec)
}

func asFmp4Err(err error, target **fmp4err.Error) bool {
	fe, ok := err.(*fmp4err.Error)
	if ok {
		*target = fe
	}
	return ok
}

// FinalizeFragment closes out the current pending fragment on every track,
// builds the moof/mdat, and accumulates a FragmentRef for sidx coalescing.
// The Segmenter (not the Fragmenter) enforces the "do not cut mid-GOP unless
// forced" boundary policy; callers decide when a SAP has arrived.
func (s *Segmenter) FinalizeFragment(referenceTrackID uint32, earliestPTS, subsegmentDuration uint64, hasSAP bool, sapType uint8) (*isobmff.Box, []byte, error) {
	moof := isobmff.NewContainer(isobmff.TypeMoof)
	moof.AddChild(isobmff.NewMfhd(s.sequenceNumber))
	s.sequenceNumber++

	var mdatPayload []byte
	for _, trackID := range s.order {
		tp := s.tracks[trackID]
		if tp.Fragmenter.IsEmpty() {
			continue
		}
		traf, payload, err := tp.Fragmenter.Finalize(s.sequenceNumber)
		if err != nil {
			return nil, nil, err
		}
		moof.AddChild(traf)
		mdatPayload = append(mdatPayload, payload...)
	}

	mdat := isobmff.NewBox(isobmff.TypeMdat, mdatPayload)

	s.pendingRefs = append(s.pendingRefs, FragmentRef{
		ReferencedSize:           uint32(moof.Size() + mdat.Size()),
		SubsegmentDuration:       uint32(subsegmentDuration),
		EarliestPresentationTime: earliestPTS,
		SAPType:                  sapType,
		HasSAP:                   hasSAP,
	})

	return moof, mdatPayload, nil
}

// BuildSidx coalesces the accumulated fragment refs per spec.md §4.5 and
// returns the sidx box for the segment just closed, or nil when
// NumSubsegmentsPerSidx < 0 (sidx disabled).
func (s *Segmenter) BuildSidx(referenceID, timescale uint32, earliestPresentationTime, firstOffset uint64) *isobmff.Box {
	if s.cfg.NumSubsegmentsPerSidx < 0 {
		s.pendingRefs = nil
		return nil
	}
	refs := CoalesceSidxReferences(s.pendingRefs, s.cfg.NumSubsegmentsPerSidx)
	s.pendingRefs = nil
	return isobmff.NewSidx(referenceID, timescale, earliestPresentationTime, firstOffset, refs)
}

// SegmentFileName renders the next segment's file name from the configured
// template (multi-file mode only).
func (s *Segmenter) SegmentFileName(segmentTime uint64) string {
	s.segmentIndex++
	return FormatSegmentName(s.cfg.SegmentTemplate, TemplateValues{
		Number:           s.segmentIndex,
		Time:             segmentTime,
		Bandwidth:        s.cfg.Bandwidth,
		RepresentationID: s.cfg.RepresentationID,
	})
}

// NotifySegmentWritten calls the listener after a segment file has been
// flushed, per spec.md §4.5 ("After each successful segment write...").
func (s *Segmenter) NotifySegmentWritten(fileName string, earliestPTS, duration time.Duration, sizeBytes int64) {
	s.listener.OnNewSegment(fileName, earliestPTS, duration, sizeBytes)
}

// HumanSize is a small logging convenience wired to github.com/dustin/go-humanize,
// used by the CLI's pack command when reporting segment sizes.
func HumanSize(n int64) string {
	return humanize.Bytes(uint64(n))
}

// IsMultiFile reports whether the configuration selects multi-file output.
func (c Config) IsMultiFile() bool {
	return c.SegmentTemplate != ""
}

// Close marks the segmenter as finished; further PushSample calls fail.
func (s *Segmenter) Close() {
	s.closed = true
}
