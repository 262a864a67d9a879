package vexport

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/Eyevinn/mp4ff/aac"
	"github.com/Eyevinn/mp4ff/mp4"
)

// Sink errors.
var (
	ErrSinkFinished  = errors.New("sink already finished")
	ErrSinkCancelled = errors.New("sink cancelled")
	ErrNoVideoFrames = errors.New("no video frames encoded")
)

// videoTimescale is the mux timescale for the video track. Matching the
// pipeline's microsecond clock makes frame timestamps map one to one.
const videoTimescale = 1_000_000

// SinkConfig configures an EncodeSink.
type SinkConfig struct {
	Container  Container  // Output container (ContainerUnknown = MP4)
	VideoCodec VideoCodec // Requested codec; substituted if the container rejects it
	AudioCodec AudioCodec // Requested audio codec, same substitution rule

	Width  int // Output width in pixels
	Height int // Output height in pixels
	FPS    int // Output framerate (0 = 30)

	BitrateBps int // Target bitrate (0 = encoder default)

	// KeyframeInterval forces a sync frame every N frames (0 = 2 seconds
	// worth of frames).
	KeyframeInterval int

	// Encoder overrides the registry-constructed encoder. Tests inject
	// stubs here.
	Encoder VideoEncoder

	Provider Provider
	Logger   Logger
}

// ExportResult is a finished export: the muxed file bytes plus the media
// type callers need to hand the blob onward.
type ExportResult struct {
	Data     []byte
	MIMEType string

	Width  int
	Height int

	// DurationMicros is the video track length in microseconds.
	DurationMicros int64
}

// EncodeSink converts rendered RGBA frames into an encoded, muxed file.
// Frame timestamps derive from the frame index and output framerate alone,
// so output timing never drifts with wall-clock encode speed.
type EncodeSink struct {
	cfg        SinkConfig
	container  Container
	videoCodec VideoCodec
	audioCodec AudioCodec
	log        Logger

	mu  sync.Mutex
	enc VideoEncoder

	scaler *FrameScaler
	i420   *DecodedFrame // Conversion scratch, reused across frames

	packets []*EncodedPacket
	audio   *AudioResult

	frameCount int
	finished   bool
	cancelled  bool
}

// NewEncodeSink negotiates the container/codec pairing and opens the
// encoder. A codec the container cannot carry is substituted with the
// container's default and logged, not rejected.
func NewEncodeSink(cfg SinkConfig) (*EncodeSink, error) {
	if cfg.Container == ContainerUnknown {
		cfg.Container = ContainerMP4
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = cfg.FPS * 2
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid output dimensions %dx%d", cfg.Width, cfg.Height)
	}
	// 4:2:0 needs even dimensions.
	cfg.Width &^= 1
	cfg.Height &^= 1

	vcodec, substituted := negotiateVideo(cfg.Container, cfg.VideoCodec)
	if substituted {
		cfg.Logger.Warnf("sink: %s cannot carry %s video, using %s",
			cfg.Container, cfg.VideoCodec, vcodec)
	}
	acodec, substituted := negotiateAudio(cfg.Container, cfg.AudioCodec)
	if substituted {
		cfg.Logger.Warnf("sink: %s cannot carry %s audio, using %s",
			cfg.Container, cfg.AudioCodec, acodec)
	}

	enc := cfg.Encoder
	if enc == nil {
		var err error
		enc, err = NewVideoEncoder(VideoEncoderConfig{
			Codec:            vcodec,
			Provider:         cfg.Provider,
			Width:            cfg.Width,
			Height:           cfg.Height,
			FPS:              cfg.FPS,
			BitrateBps:       cfg.BitrateBps,
			KeyframeInterval: cfg.KeyframeInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("create encoder: %w", err)
		}
	}

	return &EncodeSink{
		cfg:        cfg,
		container:  cfg.Container,
		videoCodec: vcodec,
		audioCodec: acodec,
		log:        cfg.Logger,
		enc:        enc,
	}, nil
}

// VideoCodec returns the negotiated video codec.
func (s *EncodeSink) VideoCodec() VideoCodec { return s.videoCodec }

// AudioCodec returns the negotiated audio codec.
func (s *EncodeSink) AudioCodec() AudioCodec { return s.audioCodec }

// frameTimestamp maps a frame index to its presentation time in
// microseconds, rounding to the nearest microsecond. Deriving every
// timestamp from the index keeps the track free of cumulative drift.
func frameTimestamp(index, fps int) int64 {
	return (int64(index)*1_000_000 + int64(fps)/2) / int64(fps)
}

// EncodeFrame encodes one rendered frame. pixels is packed RGBA at
// width x height; frames not at the output size are scaled. frameIndex
// positions the frame on the output timeline.
func (s *EncodeSink) EncodeFrame(pixels []byte, width, height, frameIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return ErrSinkCancelled
	}
	if s.finished {
		return ErrSinkFinished
	}
	if len(pixels) < width*height*4 {
		return fmt.Errorf("%w: pixel buffer %d short of %dx%d RGBA", ErrBufferTooSmall, len(pixels), width, height)
	}

	pts := frameTimestamp(frameIndex, s.cfg.FPS)

	width &^= 1
	height &^= 1
	if s.i420 == nil || s.i420.Width != width || s.i420.Height != height {
		s.i420 = NewDecodedFrame(width, height, 0)
	}
	RGBAToI420(pixels, width, height, s.i420)
	s.i420.PTS = pts

	frame := s.i420
	if width != s.cfg.Width || height != s.cfg.Height {
		if s.scaler == nil {
			s.scaler = NewFrameScaler(s.cfg.Width, s.cfg.Height)
		}
		frame = s.scaler.Scale(frame)
	}

	if frameIndex%s.cfg.KeyframeInterval == 0 {
		s.enc.RequestKeyframe()
	}

	packet, err := s.enc.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", frameIndex, err)
	}
	if packet != nil {
		s.packets = append(s.packets, packet)
	}
	s.frameCount++
	return nil
}

// AddAudio attaches the audio sub-pipeline's output. Call before Finish;
// a nil result is ignored.
func (s *EncodeSink) AddAudio(audio *AudioResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = audio
}

// FramesEncoded returns how many frames have been accepted.
func (s *EncodeSink) FramesEncoded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameCount
}

// Cancel discards all buffered output and closes the encoder. Idempotent.
func (s *EncodeSink) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.finished {
		return
	}
	s.cancelled = true
	s.packets = nil
	if err := s.enc.Close(); err != nil {
		s.log.Warnf("sink: close encoder: %v", err)
	}
}

// Finish flushes the encoder, muxes video and any attached audio, and
// returns the finished file.
func (s *EncodeSink) Finish() (*ExportResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return nil, ErrSinkCancelled
	}
	if s.finished {
		return nil, ErrSinkFinished
	}
	s.finished = true

	tail, err := s.enc.Flush()
	if err != nil {
		return nil, fmt.Errorf("flush encoder: %w", err)
	}
	s.packets = append(s.packets, tail...)

	if len(s.packets) == 0 {
		s.enc.Close()
		return nil, ErrNoVideoFrames
	}

	data, err := s.mux()
	closeErr := s.enc.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		s.log.Warnf("sink: close encoder: %v", closeErr)
	}

	last := s.packets[len(s.packets)-1]
	return &ExportResult{
		Data:           data,
		MIMEType:       s.container.MimeType(),
		Width:          s.cfg.Width,
		Height:         s.cfg.Height,
		DurationMicros: last.PTS + s.packetDuration(len(s.packets)-1),
	}, nil
}

// packetDuration returns packet i's duration from the PTS delta to its
// successor, or the nominal frame duration for the last packet.
func (s *EncodeSink) packetDuration(i int) int64 {
	if i+1 < len(s.packets) {
		return s.packets[i+1].PTS - s.packets[i].PTS
	}
	return frameTimestamp(1, s.cfg.FPS)
}

func (s *EncodeSink) mux() ([]byte, error) {
	switch s.container {
	case ContainerMP4:
		return s.muxMP4()
	default:
		return nil, fmt.Errorf("%w: muxing %s", ErrUnsupported, s.container)
	}
}

// muxMP4 writes a fragmented MP4: an init segment with the track
// descriptors followed by one fragment per track.
func (s *EncodeSink) muxMP4() ([]byte, error) {
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(videoTimescale, "video", "und")
	videoTrak := init.Moov.Traks[0]
	videoID := videoTrak.Tkhd.TrackID

	sps, pps := s.enc.ExtraData()
	if len(sps) == 0 || len(pps) == 0 {
		return nil, errors.New("encoder produced no parameter sets")
	}
	if err := videoTrak.SetAVCDescriptor("avc1", sps, pps, true); err != nil {
		return nil, fmt.Errorf("set AVC descriptor: %w", err)
	}

	var audioID uint32
	if s.audio != nil && len(s.audio.Samples) > 0 {
		init.AddEmptyTrack(uint32(s.audio.SampleRate), "audio", "und")
		audioTrak := init.Moov.Traks[1]
		audioID = audioTrak.Tkhd.TrackID
		if err := audioTrak.SetAACDescriptor(aac.AAClc, s.audio.SampleRate); err != nil {
			return nil, fmt.Errorf("set AAC descriptor: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := init.Encode(&buf); err != nil {
		return nil, fmt.Errorf("write init segment: %w", err)
	}

	seqNr := uint32(1)
	if err := s.writeVideoFragment(&buf, seqNr, videoID); err != nil {
		return nil, err
	}
	if audioID != 0 {
		seqNr++
		if err := s.writeAudioFragment(&buf, seqNr, audioID); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (s *EncodeSink) writeVideoFragment(buf *bytes.Buffer, seqNr, trackID uint32) error {
	frag, err := mp4.CreateFragment(seqNr, trackID)
	if err != nil {
		return fmt.Errorf("create video fragment: %w", err)
	}
	for i, packet := range s.packets {
		flags := mp4.NonSyncSampleFlags
		if packet.IsKeyframe() {
			flags = mp4.SyncSampleFlags
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: flags,
				Dur:   uint32(s.packetDuration(i)),
				Size:  uint32(len(packet.Data)),
			},
			DecodeTime: uint64(packet.DTS),
			Data:       packet.Data,
		})
	}
	if err := frag.Encode(buf); err != nil {
		return fmt.Errorf("write video fragment: %w", err)
	}
	return nil
}

func (s *EncodeSink) writeAudioFragment(buf *bytes.Buffer, seqNr, trackID uint32) error {
	frag, err := mp4.CreateFragment(seqNr, trackID)
	if err != nil {
		return fmt.Errorf("create audio fragment: %w", err)
	}

	rate := int64(s.audio.SampleRate)
	ticks := func(micros int64) uint64 {
		return uint64(micros * rate / 1_000_000)
	}
	samples := s.audio.Samples
	for i, sample := range samples {
		// AAC frames span 1024 PCM samples; trust PTS deltas when present.
		dur := uint32(1024)
		if i+1 < len(samples) {
			dur = uint32(ticks(samples[i+1].PTS) - ticks(sample.PTS))
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: mp4.SyncSampleFlags,
				Dur:   dur,
				Size:  uint32(len(sample.Data)),
			},
			DecodeTime: ticks(sample.PTS),
			Data:       sample.Data,
		})
	}
	if err := frag.Encode(buf); err != nil {
		return fmt.Errorf("write audio fragment: %w", err)
	}
	return nil
}
