package cmd

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/fmp4cenc/internal/bitstream"
	"github.com/jmylchreest/fmp4cenc/internal/cenc"
	"github.com/jmylchreest/fmp4cenc/internal/config"
	"github.com/jmylchreest/fmp4cenc/internal/fmp4err"
	"github.com/jmylchreest/fmp4cenc/internal/iofile"
	"github.com/jmylchreest/fmp4cenc/internal/isobmff"
	"github.com/jmylchreest/fmp4cenc/internal/keysource"
	"github.com/jmylchreest/fmp4cenc/internal/model"
	"github.com/jmylchreest/fmp4cenc/internal/observability"
	"github.com/jmylchreest/fmp4cenc/internal/segmenter"
)

var packFlags struct {
	input      string
	codec      string
	outputDir  string
	outputFile string
	template   string
	timescale  uint32
	frameRate  float64
	trackID    uint32
	bandwidth  uint32
	repID      string
	sidxPerSeg int
}

// packCmd packages a single-track Annex-B elementary stream into a
// DASH-ready fragmented MP4: single output file when --segment-template is
// empty, or an init file plus one file per segment when it is set. Fragment
// and segment boundaries cut on the configured durations, aligned to the
// next sync sample unless SAP alignment is disabled.
var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Package an Annex-B elementary stream into fragmented MP4",
	Long: `pack reads a single-track H.264/H.265 Annex-B elementary stream and
writes a DASH-ready fragmented MP4 file, optionally CENC-protected.

Access units are grouped from the raw NAL stream by treating each VCL slice
NAL as starting a new access unit (the common case for encoders that emit
one slice per frame); timing is synthesized from --frame-rate since a raw
elementary stream carries no presentation timestamps of its own.`,
	RunE: runPack,
}

func init() {
	packCmd.Flags().StringVar(&packFlags.input, "input", "", "path to the Annex-B elementary stream (required)")
	packCmd.Flags().StringVar(&packFlags.codec, "codec", "h264", "video codec: h264 or h265")
	packCmd.Flags().StringVar(&packFlags.outputDir, "output-dir", ".", "directory to write output into")
	packCmd.Flags().StringVar(&packFlags.outputFile, "output-file", "out.mp4", "output file name (single-file mode) or init segment file name (multi-file mode)")
	packCmd.Flags().StringVar(&packFlags.template, "segment-template", "", "segment file name template (e.g. \"seg-$Number%05d$.m4s\"); empty selects single-file output")
	packCmd.Flags().Uint32Var(&packFlags.timescale, "timescale", 90000, "track timescale")
	packCmd.Flags().Float64Var(&packFlags.frameRate, "frame-rate", 25.0, "constant frame rate used to synthesize sample timing")
	packCmd.Flags().Uint32Var(&packFlags.trackID, "track-id", 1, "output track ID")
	packCmd.Flags().Uint32Var(&packFlags.bandwidth, "bandwidth", 0, "$Bandwidth$ template value")
	packCmd.Flags().StringVar(&packFlags.repID, "representation-id", "0", "$RepresentationID$ template value")
	packCmd.Flags().IntVar(&packFlags.sidxPerSeg, "num-subsegments-per-sidx", 0, "subsegments per sidx (0 = one reference per fragment, -1 = no sidx)")
	_ = packCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(packCmd)
}

func runPack(cmd *cobra.Command, args []string) error {
	logger := observability.WithComponent(observability.LoggerFromContext(cmd.Context()), "pack")

	cfg, err := config.Load(viper.ConfigFileUsed())
	if err != nil {
		return err
	}

	codec := bitstream.CodecH264
	if packFlags.codec == "h265" {
		codec = bitstream.CodecH265
	}

	raw, err := os.ReadFile(packFlags.input)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	accessUnits, keyframes, err := groupAccessUnits(codec, raw)
	if err != nil {
		return err
	}
	if len(accessUnits) == 0 {
		return fmp4err.New(fmp4err.InvalidArgument, "no NAL units found in input", nil)
	}
	logger.Info("grouped access units", "count", len(accessUnits))

	conv := bitstream.NewConverter(codec)
	width, height, sampleEntry, err := primeDecoderConfig(conv, codec, accessUnits[0])
	if err != nil {
		return err
	}

	track := isobmff.TrackInfo{
		TrackID:     packFlags.trackID,
		Timescale:   packFlags.timescale,
		IsVideo:     true,
		Width:       uint16(width),
		Height:      uint16(height),
		SampleEntry: sampleEntry,
	}

	var enc *cenc.SampleEncryptor
	var pssh []*isobmff.Box
	if cfg.Encryption.Enabled {
		enc, err = buildEncryptor(cfg, track.TrackID, logger)
		if err != nil {
			return err
		}
		track.SampleEntry = encryptedSampleEntry(track.SampleEntry, enc.Info())
		pssh = []*isobmff.Box{cencCommonPssh(enc.Info().KeyID)}
	}

	segCfg := segmenter.Config{
		OutputFileName:        filepath.Join(packFlags.outputDir, packFlags.outputFile),
		SegmentTemplate:       packFlags.template,
		SegmentDuration:       cfg.Segmenter.SegmentDuration,
		FragmentDuration:      cfg.Segmenter.FragmentDuration,
		SegmentSAPAligned:     cfg.Segmenter.SegmentSAPAligned,
		FragmentSAPAligned:    cfg.Segmenter.FragmentSAPAligned,
		NumSubsegmentsPerSidx: packFlags.sidxPerSeg,
		Bandwidth:             packFlags.bandwidth,
		RepresentationID:      packFlags.repID,
		MaxFragmentMemory:     cfg.MaxFragmentMemoryBytes(),
		TempDir:               cfg.Output.TempDir,
	}

	seg := segmenter.NewSegmenter(segCfg, nil)
	if err := seg.AddTrack(track, codec, enc); err != nil {
		return err
	}

	sampleDuration := uint32(float64(packFlags.timescale) / packFlags.frameRate)
	if segCfg.IsMultiFile() {
		err = writeMultiFileMP4(seg, track, accessUnits, keyframes, sampleDuration, packFlags.timescale, packFlags.outputDir, segCfg.OutputFileName, pssh, logger)
	} else {
		err = writeSingleFileMP4(seg, track, accessUnits, keyframes, sampleDuration, packFlags.timescale, segCfg.OutputFileName, pssh, logger)
	}
	if err != nil {
		return err
	}

	logger.Info("pack complete", "access_units", len(accessUnits))
	return nil
}

// encryptedSampleEntry rewraps a cleartext avc1/hvc1 sample entry into its
// encv form: the original box becomes a sinf-bearing encv box whose own
// children (the visual sample entry fields, already in entry.Body, plus the
// avcC/hvcC config box) are carried over unchanged, per ISO/IEC 23001-7 §10.1
// "Protected Sample Entries".
func encryptedSampleEntry(entry *isobmff.Box, info cenc.TrackEncryptionInfo) *isobmff.Box {
	ivSize := uint8(8)
	if info.ProtectionScheme.IsPattern() {
		ivSize = 0 // pattern schemes use a constant IV recorded in tenc instead
	}
	tenc := isobmff.NewTenc(info.CryptByteBlock, info.SkipByteBlock, true, ivSize, info.KeyID, info.ConstantIV)
	sinf := isobmff.NewSinf(entry.Type, string(info.ProtectionScheme), tenc)

	encv := &isobmff.Box{Type: isobmff.TypeEncv, Body: entry.Body, Children: append([]*isobmff.Box{}, entry.Children...)}
	encv.AddChild(sinf)
	return encv
}

// cencCommonPssh builds a pssh box under the common system ID (defined by
// ISO/IEC 23001-7 Annex A, `1077efec-c0b2-4d02-ace3-3c1e52e2fb4b`) carrying
// just this track's key ID, the minimum any CENC-aware player needs to
// recognize the content is encrypted and with which key.
func cencCommonPssh(keyID [16]byte) *isobmff.Box {
	commonSystemID := [16]byte{0x10, 0x77, 0xef, 0xec, 0xc0, 0xb2, 0x4d, 0x02, 0xac, 0xe3, 0x3c, 0x1e, 0x52, 0xe2, 0xfb, 0x4b}
	return isobmff.NewPssh(commonSystemID, [][16]byte{keyID}, nil)
}

func buildEncryptor(cfg *config.Config, trackID uint32, logger *slog.Logger) (*cenc.SampleEncryptor, error) {
	src, err := keysource.NewRawKeySource(
		cfg.Encryption.KeyHex, cfg.Encryption.KeyIDHex, cfg.Encryption.ConstantIVHex,
		cenc.Scheme(cfg.Encryption.ProtectionScheme),
		cfg.Encryption.CryptByteBlock, cfg.Encryption.SkipByteBlock,
	)
	if err != nil {
		return nil, err
	}
	trackInfo, err := src.Resolve(trackID)
	if err != nil {
		return nil, err
	}
	initialIV := make([]byte, 8)
	enc, err := cenc.NewSampleEncryptor(trackInfo, initialIV)
	if err != nil {
		return nil, err
	}
	logger.Info("encryption enabled", "scheme", trackInfo.ProtectionScheme, "keyid", hex.EncodeToString(trackInfo.KeyID[:]))
	return enc, nil
}

// primeDecoderConfig converts the stream's first access unit to populate the
// parameter-set cache, then builds the avcC/hvcC box and visual sample entry
// the moov needs before any sample is pushed.
func primeDecoderConfig(conv *bitstream.Converter, codec bitstream.Codec, firstAU []byte) (width, height uint32, sampleEntry *isobmff.Box, err error) {
	if _, err = conv.Convert(firstAU); err != nil {
		return 0, 0, nil, fmt.Errorf("converting first access unit: %w", err)
	}
	decoderConfig, err := conv.DecoderConfig()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("building decoder configuration record: %w", err)
	}
	width, height, _ = conv.SPSDimensions()
	return width, height, videoSampleEntry(codec, width, height, decoderConfig), nil
}

// groupAccessUnits splits a raw Annex-B elementary stream into access units
// by treating every VCL slice NAL as the start of a new access unit once the
// current one already holds a slice — the common one-slice-per-frame case.
func groupAccessUnits(codec bitstream.Codec, raw []byte) (units [][]byte, keyframes []bool, err error) {
	var nals [][]byte
	if codec == bitstream.CodecH264 {
		nals = avc.ExtractNalusFromByteStream(raw)
	} else {
		nals, err = bitstream.SplitNALs(codec, raw)
		if err != nil {
			return nil, nil, err
		}
	}

	var current [][]byte
	currentHasSlice := false
	currentIsKey := false

	flush := func() {
		if len(current) == 0 {
			return
		}
		units = append(units, annexBWrap(current))
		keyframes = append(keyframes, currentIsKey)
		current = nil
		currentHasSlice = false
		currentIsKey = false
	}

	for _, nal := range nals {
		nalType := bitstream.NalUnitType(codec, nal)
		if bitstream.IsVCLSlice(codec, nalType) {
			if currentHasSlice {
				flush()
			}
			currentHasSlice = true
			if bitstream.IsKeyframeSlice(codec, nalType) {
				currentIsKey = true
			}
		}
		current = append(current, nal)
	}
	flush()
	return units, keyframes, nil
}

func annexBWrap(nals [][]byte) []byte {
	var out []byte
	startCode := []byte{0, 0, 0, 1}
	for _, nal := range nals {
		out = append(out, startCode...)
		out = append(out, nal...)
	}
	return out
}

func videoSampleEntry(codec bitstream.Codec, width, height uint32, decoderConfig []byte) *isobmff.Box {
	var confBox, sampleType isobmff.BoxType
	if codec == bitstream.CodecH264 {
		confBox, sampleType = isobmff.TypeAvcC, isobmff.TypeAvc1
	} else {
		confBox, sampleType = isobmff.TypeHvcC, isobmff.TypeHvc1
	}

	w := isobmff.NewBufferWriter()
	w.WriteU32(0) // reserved
	w.WriteU16(0) // reserved
	w.WriteU16(1) // data_reference_index
	w.WriteU16(0) // pre_defined
	w.WriteU16(0) // reserved
	for i := 0; i < 3; i++ {
		w.WriteU32(0) // pre_defined[3]
	}
	w.WriteU16(uint16(width))
	w.WriteU16(uint16(height))
	w.WriteU32(0x00480000) // horizresolution 72dpi
	w.WriteU32(0x00480000) // vertresolution 72dpi
	w.WriteU32(0)          // reserved
	w.WriteU16(1)          // frame_count
	for i := 0; i < 32; i++ {
		w.WriteU8(0) // compressorname
	}
	w.WriteU16(0x0018) // depth
	w.WriteU16(0xFFFF)  // pre_defined

	entry := isobmff.NewBox(sampleType, w.Bytes())
	entry.AddChild(isobmff.NewBox(confBox, decoderConfig))
	return entry
}

// fragmentSink receives one finalized fragment's encoded moof/mdat bytes
// (trun data_offset and saio offset already patched) along with the
// boundary decision that closed it.
type fragmentSink func(dec segmenter.BoundaryDecision, moofBytes, mdatBytes []byte) error

// segmentSink is called once a segment boundary has been reached (or the
// stream has ended), given the earliest presentation time of the segment's
// first fragment.
type segmentSink func(segmentEarliestPTS uint64) error

// driveSamples pumps every access unit through the Segmenter, using
// ObserveReferenceSample to decide fragment/segment cuts per spec.md §4.4
// ("refuses to finalize mid-GOP unless forced") and §4.5, and ForceCloseFragment
// to flush whatever remains pending at end-of-stream. The two sinks let the
// single-file and multi-file writers share this driving logic while
// differing only in how finalized bytes reach disk.
func driveSamples(seg *segmenter.Segmenter, track isobmff.TrackInfo, accessUnits [][]byte, keyframes []bool, sampleDuration uint32, onFragment fragmentSink, onSegment segmentSink) error {
	seg.SetReferenceTrack(track.TrackID)

	var segmentStarted bool
	var segmentStartPTS uint64

	finalize := func(dec segmenter.BoundaryDecision) error {
		moof, mdatPayload, err := seg.FinalizeFragment(track.TrackID, dec.ClosedFragmentEarliestPTS, dec.ClosedFragmentDuration, dec.ClosedFragmentHasSAP, dec.ClosedFragmentSAPType)
		if err != nil {
			return err
		}
		mdat := isobmff.NewBox(isobmff.TypeMdat, mdatPayload)
		moofBytes, err := moof.EncodeToBytes()
		if err != nil {
			return err
		}
		patchFragmentOffsets(moof, moofBytes)
		mdatBytes, err := mdat.EncodeToBytes()
		if err != nil {
			return err
		}
		if !segmentStarted {
			segmentStarted = true
			segmentStartPTS = dec.ClosedFragmentEarliestPTS
		}
		return onFragment(dec, moofBytes, mdatBytes)
	}

	var dts uint64
	for i, au := range accessUnits {
		sample := model.Sample{
			TrackID:    track.TrackID,
			Data:       au,
			DTS:        dts,
			PTS:        dts,
			Duration:   sampleDuration,
			IsKeyFrame: keyframes[i],
		}
		var sapType uint8
		if sample.IsKeyFrame {
			sapType = 1
		}
		dec := seg.ObserveReferenceSample(sample.IsKeyFrame, sapType, sampleDuration, sample.PTS)
		if dec.CutFragment {
			if err := finalize(dec); err != nil {
				return err
			}
			if dec.CutSegment {
				if err := onSegment(segmentStartPTS); err != nil {
					return err
				}
				segmentStarted = false
			}
		}
		if err := seg.PushSample(sample); err != nil {
			return err
		}
		dts += uint64(sampleDuration)
	}

	if dec, ok := seg.ForceCloseFragment(); ok {
		if err := finalize(dec); err != nil {
			return err
		}
	}
	if segmentStarted {
		return onSegment(segmentStartPTS)
	}
	return nil
}

// writeSingleFileMP4 writes the ISO-BMFF on-demand profile: ftyp | moov |
// (sidx | (moof mdat)+)* — one sidx immediately ahead of each segment's
// fragment data, firstOffset 0, per spec.md §4.5.
func writeSingleFileMP4(seg *segmenter.Segmenter, track isobmff.TrackInfo, accessUnits [][]byte, keyframes []bool, sampleDuration, timescale uint32, outPath string, pssh []*isobmff.Box, logger *slog.Logger) error {
	opener := iofile.NewOpener()
	f, err := opener.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()

	moov := isobmff.BuildMoov(timescale, []isobmff.TrackInfo{track})
	for _, p := range pssh {
		moov.AddChild(p)
	}
	if err := writeBoxes(f, isobmff.NewFtyp("isom", 512, []string{"isom", "iso6", "dash"}), moov); err != nil {
		return err
	}

	var segmentBuf []byte
	onFragment := func(_ segmenter.BoundaryDecision, moofBytes, mdatBytes []byte) error {
		segmentBuf = append(segmentBuf, moofBytes...)
		segmentBuf = append(segmentBuf, mdatBytes...)
		return nil
	}
	onSegment := func(earliestPTS uint64) error {
		sidx := seg.BuildSidx(track.TrackID, timescale, earliestPTS, 0)
		if sidx != nil {
			sidxBytes, err := sidx.EncodeToBytes()
			if err != nil {
				return err
			}
			if _, err := f.Write(sidxBytes); err != nil {
				return err
			}
		}
		if _, err := f.Write(segmentBuf); err != nil {
			return err
		}
		segmentBuf = nil
		return nil
	}

	if err := driveSamples(seg, track, accessUnits, keyframes, sampleDuration, onFragment, onSegment); err != nil {
		return err
	}

	if err := f.Flush(); err != nil {
		return err
	}
	info, statErr := os.Stat(outPath)
	if statErr == nil {
		logger.Info("wrote output", "path", outPath, "size", segmenter.HumanSize(info.Size()))
	}
	return nil
}

// writeMultiFileMP4 writes one init file (ftyp|moov) plus one segment file
// per segment boundary, each laid out as styp | sidx | (moof mdat)+, with
// names rendered from the configured $Number$/$Time$/$Bandwidth$/
// $RepresentationID$ template, per spec.md §4.5.
func writeMultiFileMP4(seg *segmenter.Segmenter, track isobmff.TrackInfo, accessUnits [][]byte, keyframes []bool, sampleDuration, timescale uint32, outputDir, initFileName string, pssh []*isobmff.Box, logger *slog.Logger) error {
	opener := iofile.NewOpener()

	initFile, err := opener.Create(initFileName)
	if err != nil {
		return err
	}
	moov := isobmff.BuildMoov(timescale, []isobmff.TrackInfo{track})
	for _, p := range pssh {
		moov.AddChild(p)
	}
	if err := writeBoxes(initFile, isobmff.NewFtyp("isom", 512, []string{"isom", "iso6", "dash"}), moov); err != nil {
		initFile.Close()
		return err
	}
	if err := initFile.Flush(); err != nil {
		initFile.Close()
		return err
	}
	if err := initFile.Close(); err != nil {
		return err
	}
	logger.Info("wrote init segment", "path", initFileName)

	var segmentBuf []byte
	onFragment := func(_ segmenter.BoundaryDecision, moofBytes, mdatBytes []byte) error {
		segmentBuf = append(segmentBuf, moofBytes...)
		segmentBuf = append(segmentBuf, mdatBytes...)
		return nil
	}
	onSegment := func(earliestPTS uint64) error {
		sidx := seg.BuildSidx(track.TrackID, timescale, earliestPTS, 0)
		segPath := filepath.Join(outputDir, seg.SegmentFileName(earliestPTS))

		segFile, err := opener.Create(segPath)
		if err != nil {
			return err
		}
		defer segFile.Close()

		if err := writeBoxes(segFile, isobmff.NewStyp("isom", 512, []string{"isom", "iso6", "dash"})); err != nil {
			return err
		}
		if sidx != nil {
			sidxBytes, err := sidx.EncodeToBytes()
			if err != nil {
				return err
			}
			if _, err := segFile.Write(sidxBytes); err != nil {
				return err
			}
		}
		if _, err := segFile.Write(segmentBuf); err != nil {
			return err
		}
		segSize := int64(len(segmentBuf))
		segmentBuf = nil
		if err := segFile.Flush(); err != nil {
			return err
		}

		seg.NotifySegmentWritten(segPath, 0, 0, segSize)
		logger.Info("wrote segment", "path", segPath, "size", segmenter.HumanSize(segSize))
		return nil
	}

	return driveSamples(seg, track, accessUnits, keyframes, sampleDuration, onFragment, onSegment)
}

// patchFragmentOffsets rewrites trun's data_offset (relative to moof's own
// start, per tfhd's always-set default-base-is-moof flag) to point at the
// mdat payload immediately following moof, and — when the track is
// encrypted — saio's offset to point at the IV/subsample table inside the
// traf's own senc box. Both fields are written as placeholders by
// FragmenterPerTrack.Finalize since neither is known until the whole moof
// has been sized and encoded.
func patchFragmentOffsets(moof *isobmff.Box, moofBytes []byte) {
	if trunOffset, _, ok := isobmff.LocateChild(moof, isobmff.TypeTraf, isobmff.TypeTrun); ok {
		dataOffset := int32(len(moofBytes) + 8) // + mdat's size(4)+type(4) header
		isobmff.PatchTrunDataOffset(moofBytes, trunOffset, dataOffset)
	}
	saioOffset, _, hasSaio := isobmff.LocateChild(moof, isobmff.TypeTraf, isobmff.TypeSaio)
	sencOffset, _, hasSenc := isobmff.LocateChild(moof, isobmff.TypeTraf, isobmff.TypeSenc)
	if hasSaio && hasSenc {
		const sencAuxInfoHeaderSize = 8 + 4 + 4 // box header + version/flags + sample_count
		isobmff.PatchSaioOffset(moofBytes, saioOffset, uint64(sencOffset+sencAuxInfoHeaderSize))
	}
}

func writeBoxes(f iofile.File, boxes ...*isobmff.Box) error {
	for _, b := range boxes {
		data, err := b.EncodeToBytes()
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
	}
	return nil
}
