package vexport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

// Demuxing errors.
var (
	ErrNoVideoTrack   = errors.New("no video track in container")
	ErrUnsupported    = errors.New("unsupported codec")
	ErrSampleBounds   = errors.New("sample data outside container bounds")
	ErrEmptyContainer = errors.New("container holds no samples")
)

// Sample is one compressed frame as stored in the container, in decode order.
// Immutable once parsed.
type Sample struct {
	DTS       int64  // Decode timestamp in timescale ticks
	CTS       int64  // Presentation timestamp in timescale ticks
	Duration  uint32 // Duration in timescale ticks
	Timescale uint32 // Ticks per second for this track
	IsSync    bool   // Self-contained keyframe
	Data      []byte // Compressed payload (AVCC length-prefixed for H.264)
}

// PTSMicros returns the presentation timestamp in microseconds.
func (s *Sample) PTSMicros() int64 {
	return ticksToMicros(s.CTS, s.Timescale)
}

// DurationMicros returns the sample duration in microseconds.
func (s *Sample) DurationMicros() int64 {
	return ticksToMicros(int64(s.Duration), s.Timescale)
}

func ticksToMicros(ticks int64, timescale uint32) int64 {
	if timescale == 0 {
		return ticks
	}
	return ticks * 1_000_000 / int64(timescale)
}

// SampleStore holds a clip's video samples in decode order, with a
// presentation-order index for nearest-time queries.
type SampleStore struct {
	Samples   []Sample
	Timescale uint32
	Codec     VideoCodec
	Width     int
	Height    int

	// AVC parameter sets from the avcC box, without start codes.
	SPS [][]byte
	PPS [][]byte

	// ptsOrder holds decode-order indices sorted by presentation time.
	ptsOrder []int
}

// ParseSampleStore demuxes an MP4 container into a SampleStore. Both
// progressive (stbl) and fragmented (moof/trun) layouts are supported.
func ParseSampleStore(data []byte) (*SampleStore, error) {
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		if c := DetectContainer(data); c != ContainerMP4 {
			return nil, fmt.Errorf("%w: %s container", ErrUnsupported, c)
		}
		return nil, fmt.Errorf("parse container: %w", err)
	}

	var store *SampleStore
	if f.IsFragmented() {
		store, err = parseFragmented(f)
	} else {
		store, err = parseProgressive(f, data)
	}
	if err != nil {
		return nil, err
	}
	if len(store.Samples) == 0 {
		return nil, ErrEmptyContainer
	}

	store.buildPTSOrder()
	return store, nil
}

func videoTrak(moov *mp4.MoovBox) *mp4.TrakBox {
	if moov == nil {
		return nil
	}
	for _, trak := range moov.Traks {
		if trak.Mdia != nil && trak.Mdia.Hdlr != nil && trak.Mdia.Hdlr.HandlerType == "vide" {
			return trak
		}
	}
	return nil
}

func parseProgressive(f *mp4.File, raw []byte) (*SampleStore, error) {
	trak := videoTrak(f.Moov)
	if trak == nil {
		return nil, ErrNoVideoTrack
	}

	store := &SampleStore{
		Timescale: trak.Mdia.Mdhd.Timescale,
		Width:     int(trak.Tkhd.Width >> 16),
		Height:    int(trak.Tkhd.Height >> 16),
	}
	if err := store.readCodecParams(trak.Mdia.Minf.Stbl.Stsd); err != nil {
		return nil, err
	}

	stbl := trak.Mdia.Minf.Stbl
	nrSamples := stbl.Stsz.SampleNumber
	store.Samples = make([]Sample, 0, nrSamples)

	var chunkNr, offsetInChunk int
	for nr := uint32(1); nr <= nrSamples; nr++ {
		decTime, dur := stbl.Stts.GetDecodeTime(nr)

		var ctsOffset int32
		if stbl.Ctts != nil {
			ctsOffset = stbl.Ctts.GetCompositionTimeOffset(nr)
		}

		isSync := true
		if stbl.Stss != nil {
			isSync = stbl.Stss.IsSyncSample(nr)
		}

		curChunk, _, err := stbl.Stsc.ChunkNrFromSampleNr(int(nr))
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", nr, err)
		}
		if curChunk != chunkNr {
			chunkNr = curChunk
			offsetInChunk = 0
		}

		chunkOffset, err := chunkOffsetAt(stbl, chunkNr)
		if err != nil {
			return nil, err
		}

		size := stbl.Stsz.GetSampleSize(int(nr))
		start := chunkOffset + uint64(offsetInChunk)
		end := start + uint64(size)
		if end > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: sample %d at [%d,%d)", ErrSampleBounds, nr, start, end)
		}
		offsetInChunk += int(size)

		store.Samples = append(store.Samples, Sample{
			DTS:       int64(decTime),
			CTS:       int64(decTime) + int64(ctsOffset),
			Duration:  dur,
			Timescale: store.Timescale,
			IsSync:    isSync,
			Data:      raw[start:end],
		})
	}

	return store, nil
}

func chunkOffsetAt(stbl *mp4.StblBox, chunkNr int) (uint64, error) {
	switch {
	case stbl.Stco != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Stco.ChunkOffset) {
			return 0, fmt.Errorf("chunk %d out of stco range", chunkNr)
		}
		return uint64(stbl.Stco.ChunkOffset[chunkNr-1]), nil
	case stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(stbl.Co64.ChunkOffset) {
			return 0, fmt.Errorf("chunk %d out of co64 range", chunkNr)
		}
		return stbl.Co64.ChunkOffset[chunkNr-1], nil
	default:
		return 0, errors.New("no chunk offset box")
	}
}

func parseFragmented(f *mp4.File) (*SampleStore, error) {
	trak := videoTrak(f.Moov)
	if trak == nil {
		return nil, ErrNoVideoTrack
	}

	store := &SampleStore{
		Timescale: trak.Mdia.Mdhd.Timescale,
		Width:     int(trak.Tkhd.Width >> 16),
		Height:    int(trak.Tkhd.Height >> 16),
	}
	if err := store.readCodecParams(trak.Mdia.Minf.Stbl.Stsd); err != nil {
		return nil, err
	}

	var trex *mp4.TrexBox
	if f.Moov.Mvex != nil {
		trex = f.Moov.Mvex.Trex
	}

	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			fullSamples, err := frag.GetFullSamples(trex)
			if err != nil {
				return nil, fmt.Errorf("read fragment samples: %w", err)
			}
			for _, fs := range fullSamples {
				store.Samples = append(store.Samples, Sample{
					DTS:       int64(fs.DecodeTime),
					CTS:       int64(fs.DecodeTime) + int64(fs.CompositionTimeOffset),
					Duration:  fs.Dur,
					Timescale: store.Timescale,
					IsSync:    fs.IsSync(),
					Data:      fs.Data,
				})
			}
		}
	}

	return store, nil
}

func (s *SampleStore) readCodecParams(stsd *mp4.StsdBox) error {
	if stsd == nil {
		return ErrNoVideoTrack
	}
	if stsd.AvcX == nil || stsd.AvcX.AvcC == nil {
		return fmt.Errorf("%w: only H.264 tracks are demuxed", ErrUnsupported)
	}
	s.Codec = VideoCodecH264
	s.SPS = stsd.AvcX.AvcC.SPSnalus
	s.PPS = stsd.AvcX.AvcC.PPSnalus
	return nil
}

func (s *SampleStore) buildPTSOrder() {
	s.ptsOrder = make([]int, len(s.Samples))
	for i := range s.ptsOrder {
		s.ptsOrder[i] = i
	}
	// Insertion sort by CTS; sample tables are nearly sorted already
	// (reorder depth is a handful of frames at most).
	for i := 1; i < len(s.ptsOrder); i++ {
		j := i
		for j > 0 && s.Samples[s.ptsOrder[j-1]].CTS > s.Samples[s.ptsOrder[j]].CTS {
			s.ptsOrder[j-1], s.ptsOrder[j] = s.ptsOrder[j], s.ptsOrder[j-1]
			j--
		}
	}
}

// Len returns the number of samples.
func (s *SampleStore) Len() int { return len(s.Samples) }

// PTSMicros returns the presentation time of the sample at decode index i.
func (s *SampleStore) PTSMicros(i int) int64 {
	return s.Samples[i].PTSMicros()
}

// NearestDecodeIndexAt returns the decode-order index of the sample whose
// presentation time is nearest to micros. Equal distance resolves to the
// earlier timestamp.
func (s *SampleStore) NearestDecodeIndexAt(micros int64) int {
	lo, hi := 0, len(s.ptsOrder)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.Samples[s.ptsOrder[mid]].PTSMicros() < micros {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo is the first sample at/after micros; compare with its predecessor.
	if lo == len(s.ptsOrder) {
		return s.ptsOrder[lo-1]
	}
	if lo == 0 {
		return s.ptsOrder[0]
	}
	after := s.Samples[s.ptsOrder[lo]].PTSMicros() - micros
	before := micros - s.Samples[s.ptsOrder[lo-1]].PTSMicros()
	if before <= after {
		return s.ptsOrder[lo-1]
	}
	return s.ptsOrder[lo]
}

// PrecedingSyncIndex returns the index of the keyframe at or before decode
// index i, or 0 if none precedes it.
func (s *SampleStore) PrecedingSyncIndex(i int) int {
	if i >= len(s.Samples) {
		i = len(s.Samples) - 1
	}
	for ; i > 0; i-- {
		if s.Samples[i].IsSync {
			break
		}
	}
	return i
}

// NextSyncIndex returns the index of the first keyframe strictly after
// decode index i, or Len() if there is none.
func (s *SampleStore) NextSyncIndex(i int) int {
	for j := i + 1; j < len(s.Samples); j++ {
		if s.Samples[j].IsSync {
			return j
		}
	}
	return len(s.Samples)
}

// AvgFrameDurationMicros returns the mean sample duration in microseconds,
// falling back to 33333 when the table carries no durations.
func (s *SampleStore) AvgFrameDurationMicros() int64 {
	var total int64
	for i := range s.Samples {
		total += s.Samples[i].DurationMicros()
	}
	if total == 0 || len(s.Samples) == 0 {
		return 33333
	}
	return total / int64(len(s.Samples))
}

// annexBStartCode precedes every NAL unit in the decoder's input form.
var annexBStartCode = []byte{0, 0, 0, 1}

// AnnexBSample converts the sample at decode index i from AVCC
// length-prefixed form to Annex B. Keyframes get SPS/PPS prepended so a
// freshly reset decoder can start from them.
func (s *SampleStore) AnnexBSample(i int) []byte {
	sample := &s.Samples[i]

	var out []byte
	if sample.IsSync {
		for _, nalu := range s.SPS {
			out = append(out, annexBStartCode...)
			out = append(out, nalu...)
		}
		for _, nalu := range s.PPS {
			out = append(out, annexBStartCode...)
			out = append(out, nalu...)
		}
	}

	data := sample.Data
	for len(data) >= 4 {
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint32(len(data)) < n {
			break
		}
		out = append(out, annexBStartCode...)
		out = append(out, data[:n]...)
		data = data[n:]
	}
	return out
}
