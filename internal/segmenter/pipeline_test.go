package segmenter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
	"github.com/jmylchreest/fmp4cenc/internal/isobmff"
	"github.com/jmylchreest/fmp4cenc/internal/model"
)

func newAudioSegmenter(t *testing.T) (*Segmenter, uint32) {
	t.Helper()
	s := NewSegmenter(Config{MaxFragmentMemory: 1 << 20, TempDir: t.TempDir()}, nil)
	trackID := uint32(2)
	require.NoError(t, s.AddTrack(isobmff.TrackInfo{TrackID: trackID, IsVideo: false}, 0, nil))
	return s, trackID
}

func TestSegmenter_PushSampleUnknownTrackErrors(t *testing.T) {
	s, _ := newAudioSegmenter(t)
	err := s.PushSample(model.Sample{TrackID: 999, Data: []byte{1}})
	assert.Error(t, err)
}

func TestSegmenter_PushSampleAfterCloseErrors(t *testing.T) {
	s, trackID := newAudioSegmenter(t)
	s.Close()
	err := s.PushSample(model.Sample{TrackID: trackID, Data: []byte{1}})
	assert.ErrorIs(t, err, fmp4err.ErrSegmenterAlreadyClosed)
}

func TestSegmenter_PushSampleAndFinalizeFragment_BuildsMoofAndMdat(t *testing.T) {
	s, trackID := newAudioSegmenter(t)

	require.NoError(t, s.PushSample(model.Sample{
		TrackID: trackID, Data: []byte{1, 2, 3}, DTS: 0, PTS: 0, Duration: 1024, IsKeyFrame: true,
	}))
	require.NoError(t, s.PushSample(model.Sample{
		TrackID: trackID, Data: []byte{4, 5}, DTS: 1024, PTS: 1024, Duration: 1024,
	}))

	moof, mdatPayload, err := s.FinalizeFragment(trackID, 0, 1024, true, 1)
	require.NoError(t, err)

	assert.Equal(t, []byte{1, 2, 3, 4, 5}, mdatPayload)

	var types []string
	for _, c := range moof.Children {
		types = append(types, string(c.Type[:]))
	}
	assert.Equal(t, []string{"mfhd", "traf"}, types)
}

func TestSegmenter_FinalizeFragmentSkipsEmptyTracks(t *testing.T) {
	s := NewSegmenter(Config{MaxFragmentMemory: 1 << 20, TempDir: t.TempDir()}, nil)
	require.NoError(t, s.AddTrack(isobmff.TrackInfo{TrackID: 1, IsVideo: false}, 0, nil))
	require.NoError(t, s.AddTrack(isobmff.TrackInfo{TrackID: 2, IsVideo: false}, 0, nil))

	require.NoError(t, s.PushSample(model.Sample{TrackID: 1, Data: []byte{1}, Duration: 10, IsKeyFrame: true}))

	moof, _, err := s.FinalizeFragment(1, 0, 10, true, 1)
	require.NoError(t, err)

	var trafCount int
	for _, c := range moof.Children {
		if string(c.Type[:]) == "traf" {
			trafCount++
		}
	}
	assert.Equal(t, 1, trafCount, "only the track with buffered samples gets a traf")
}

func TestSegmenter_SequenceNumberIncrementsAcrossFragments(t *testing.T) {
	s, trackID := newAudioSegmenter(t)

	require.NoError(t, s.PushSample(model.Sample{TrackID: trackID, Data: []byte{1}, Duration: 10, IsKeyFrame: true}))
	_, _, err := s.FinalizeFragment(trackID, 0, 1024, true, 1)
	require.NoError(t, err)

	require.NoError(t, s.PushSample(model.Sample{TrackID: trackID, Data: []byte{2}, Duration: 10, IsKeyFrame: true}))
	moof2, _, err := s.FinalizeFragment(trackID, 10, 10, true, 1)
	require.NoError(t, err)

	var mfhd *isobmff.Box
	for _, c := range moof2.Children {
		if string(c.Type[:]) == "mfhd" {
			mfhd = c
		}
	}
	require.NotNil(t, mfhd)
	seq := uint32(mfhd.Body[0])<<24 | uint32(mfhd.Body[1])<<16 | uint32(mfhd.Body[2])<<8 | uint32(mfhd.Body[3])
	assert.Equal(t, uint32(1), seq, "second fragment's mfhd carries sequence_number 1 (0-based, post-increment from the first fragment)")
}

func TestSegmenter_BuildSidxCoalescesPendingRefsAndResets(t *testing.T) {
	s, trackID := newAudioSegmenter(t)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.PushSample(model.Sample{TrackID: trackID, Data: []byte{byte(i)}, Duration: 10, IsKeyFrame: true}))
		_, _, err := s.FinalizeFragment(trackID, uint64(i*10), 10, true, 1)
		require.NoError(t, err)
	}

	sidx := s.BuildSidx(trackID, 90000, 0, 0)
	require.NotNil(t, sidx)
	assert.Equal(t, "sidx", string(sidx.Type[:]))

	// a second call with nothing pending still returns a (now empty) sidx box
	empty := s.BuildSidx(trackID, 90000, 0, 0)
	require.NotNil(t, empty)
	refCount := uint16(empty.Body[26])<<8 | uint16(empty.Body[27])
	assert.Equal(t, uint16(0), refCount, "reference_count must be zero once pending refs are drained")
}

func TestSegmenter_BuildSidxDisabledWhenNegativeSubsegments(t *testing.T) {
	s := NewSegmenter(Config{MaxFragmentMemory: 1 << 20, TempDir: t.TempDir(), NumSubsegmentsPerSidx: -1}, nil)
	require.NoError(t, s.AddTrack(isobmff.TrackInfo{TrackID: 1, IsVideo: false}, 0, nil))
	require.NoError(t, s.PushSample(model.Sample{TrackID: 1, Data: []byte{1}, Duration: 10, IsKeyFrame: true}))
	_, _, err := s.FinalizeFragment(1, 0, 10, true, 1)
	require.NoError(t, err)

	assert.Nil(t, s.BuildSidx(1, 90000, 0, 0))
}

func TestSegmenter_ObserveReferenceSample_CutsExactlyAtSAPBoundaries(t *testing.T) {
	s := NewSegmenter(Config{
		FragmentDuration:   5 * time.Second,
		SegmentDuration:    5 * time.Second,
		FragmentSAPAligned: true,
		SegmentSAPAligned:  true,
		MaxFragmentMemory:  1 << 20,
		TempDir:            t.TempDir(),
	}, nil)
	require.NoError(t, s.AddTrack(isobmff.TrackInfo{TrackID: 1, IsVideo: true, Timescale: 1}, 0, nil))
	s.SetReferenceTrack(1)

	sap := map[int]bool{0: true, 5: true, 10: true}
	var decisions []BoundaryDecision
	var cutAt []int
	for i := 0; i <= 10; i++ {
		dec := s.ObserveReferenceSample(sap[i], 1, 1, uint64(i))
		if dec.CutFragment {
			decisions = append(decisions, dec)
			cutAt = append(cutAt, i)
		}
	}

	require.Equal(t, []int{5, 10}, cutAt, "target duration elapses after sample 4, but the cut waits for the SAP at sample 5 — never mid-GOP")
	assert.Equal(t, uint64(0), decisions[0].ClosedFragmentEarliestPTS, "segment 1 starts at sample 0")
	assert.Equal(t, uint64(5), decisions[0].ClosedFragmentDuration, "segment 1 spans samples 0..4 (five one-tick samples)")
	assert.True(t, decisions[0].CutSegment, "segment duration equals fragment duration here, so every fragment cut is also a segment cut")
	assert.Equal(t, uint64(5), decisions[1].ClosedFragmentEarliestPTS, "segment 2 starts at sample 5")
}

func TestSegmenter_ObserveReferenceSample_WaitsPastElapsedDurationForNextSAP(t *testing.T) {
	s := NewSegmenter(Config{
		FragmentDuration:   5 * time.Second,
		FragmentSAPAligned: true,
		MaxFragmentMemory:  1 << 20,
		TempDir:            t.TempDir(),
	}, nil)
	require.NoError(t, s.AddTrack(isobmff.TrackInfo{TrackID: 1, IsVideo: true, Timescale: 1}, 0, nil))
	s.SetReferenceTrack(1)

	sap := map[int]bool{0: true, 7: true}
	var cutAt []int
	for i := 0; i <= 8; i++ {
		dec := s.ObserveReferenceSample(sap[i], 1, 1, uint64(i))
		if dec.CutFragment {
			cutAt = append(cutAt, i)
		}
	}
	assert.Equal(t, []int{7}, cutAt, "duration elapsed at sample 5 but no SAP arrives until sample 7 — the cut must not fire early")
}

func TestSegmenter_ForceCloseFragment_ClosesWhateverIsPendingRegardlessOfSAP(t *testing.T) {
	s := NewSegmenter(Config{
		FragmentDuration:   5 * time.Second,
		FragmentSAPAligned: true,
		MaxFragmentMemory:  1 << 20,
		TempDir:            t.TempDir(),
	}, nil)
	require.NoError(t, s.AddTrack(isobmff.TrackInfo{TrackID: 1, IsVideo: true, Timescale: 1}, 0, nil))
	s.SetReferenceTrack(1)

	_, ok := s.ForceCloseFragment()
	assert.False(t, ok, "nothing pending before any sample is observed")

	s.ObserveReferenceSample(true, 1, 1, 0)
	s.ObserveReferenceSample(false, 0, 1, 1)

	dec, ok := s.ForceCloseFragment()
	require.True(t, ok)
	assert.True(t, dec.CutFragment)
	assert.Equal(t, uint64(0), dec.ClosedFragmentEarliestPTS)
	assert.Equal(t, uint64(2), dec.ClosedFragmentDuration, "both observed samples belong to the forced fragment even though no SAP arrived")

	_, ok = s.ForceCloseFragment()
	assert.False(t, ok, "a second force-close with nothing newly observed reports nothing pending")
}

func TestSegmenter_SegmentFileNameIncrementsNumber(t *testing.T) {
	s := NewSegmenter(Config{SegmentTemplate: "seg-$Number$.m4s"}, nil)
	assert.Equal(t, "seg-1.m4s", s.SegmentFileName(0))
	assert.Equal(t, "seg-2.m4s", s.SegmentFileName(4000))
}

func TestSegmenter_NotifySegmentWrittenCallsListener(t *testing.T) {
	spy := &spyListener{}
	s := NewSegmenter(Config{}, spy)
	s.NotifySegmentWritten("seg-1.m4s", 0, 0, 1234)
	require.Len(t, spy.calls, 1)
	assert.Equal(t, "seg-1.m4s", spy.calls[0])
}

type spyListener struct {
	NoopListener
	calls []string
}

func (s *spyListener) OnNewSegment(fileName string, earliestPTS, duration time.Duration, sizeBytes int64) {
	s.calls = append(s.calls, fileName)
}
