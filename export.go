package vexport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Export errors.
var (
	ErrInvalidRange   = errors.New("invalid export time range")
	ErrExportBusy     = errors.New("export already running")
	ErrEngineRequired = errors.New("render engine required")
)

// audioShare is the fraction of overall progress reserved for the audio
// phase, which runs after the video frames.
const audioShare = 0.05

// presentTimeout bounds how long one frame waits for a clip's decoded
// frame before the buffer's stale fallback is accepted.
const presentTimeout = 250 * time.Millisecond

// ExportSettings describes one export request.
type ExportSettings struct {
	Start int64 // Composition start time in microseconds (inclusive)
	End   int64 // Composition end time in microseconds (exclusive)

	Width  int // Output width in pixels
	Height int // Output height in pixels
	FPS    int // Output framerate

	Container  Container
	VideoCodec VideoCodec
	AudioCodec AudioCodec

	BitrateBps       int
	KeyframeInterval int

	IncludeAudio bool
}

// TotalFrames returns the number of output frames the range covers,
// rounding partial trailing frames up.
func (s ExportSettings) TotalFrames() int {
	if s.End <= s.Start || s.FPS <= 0 {
		return 0
	}
	span := s.End - s.Start
	return int((span*int64(s.FPS) + 999_999) / 1_000_000)
}

// ExporterConfig wires an Exporter's collaborators.
type ExporterConfig struct {
	Engine   RenderEngine // Required
	Timeline Timeline     // Required
	Locator  *ByteLocator // Clip byte resolution for sequential clips

	// Audio runs the audio sub-pipeline; nil disables audio export.
	Audio AudioExporter

	// Sources opens direct-mode playback; nil forces every clip through
	// the sequential path.
	Sources PlaybackSourceFactory

	// Decoder and Encoder override the registry-built codecs for every
	// clip and for the sink. Tests inject stubs here.
	Decoder VideoDecoder
	Encoder VideoEncoder

	Logger Logger
}

// Exporter renders a timeline range frame by frame and encodes it into a
// finished file. One frame is in flight at a time; output timing comes
// from frame indices, never from wall-clock pacing.
type Exporter struct {
	engine   RenderEngine
	timeline Timeline
	locator  *ByteLocator
	audio    AudioExporter
	sources  PlaybackSourceFactory
	decoder  VideoDecoder
	encoder  VideoEncoder
	log      Logger

	running chan struct{} // Single-export guard; holds one token
}

// NewExporter creates an exporter.
func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if cfg.Engine == nil {
		return nil, ErrEngineRequired
	}
	if cfg.Timeline == nil {
		return nil, errors.New("timeline required")
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	running := make(chan struct{}, 1)
	running <- struct{}{}
	return &Exporter{
		engine:   cfg.Engine,
		timeline: cfg.Timeline,
		locator:  cfg.Locator,
		audio:    cfg.Audio,
		sources:  cfg.Sources,
		decoder:  cfg.Decoder,
		encoder:  cfg.Encoder,
		log:      cfg.Logger,
		running:  running,
	}, nil
}

// engineGuard reconfigures the render engine for export and restores it
// exactly once on any exit path.
type engineGuard struct {
	engine     RenderEngine
	prevWidth  int
	prevHeight int
	restored   bool
}

func acquireEngine(engine RenderEngine, width, height int) *engineGuard {
	g := &engineGuard{engine: engine}
	g.prevWidth, g.prevHeight = engine.OutputDimensions()
	engine.SetExporting(true)
	if width != g.prevWidth || height != g.prevHeight {
		engine.SetResolution(width, height)
	}
	return g
}

func (g *engineGuard) release() {
	if g.restored {
		return
	}
	g.restored = true
	w, h := g.engine.OutputDimensions()
	if w != g.prevWidth || h != g.prevHeight {
		g.engine.SetResolution(g.prevWidth, g.prevHeight)
	}
	g.engine.SetExporting(false)
}

// clipState is one prepared clip's frame source for the duration of an
// export. Exactly one of buffer or source is set.
type clipState struct {
	id     string
	buffer *BufferManager
	source PlaybackSource
}

func (c *clipState) close() error {
	if c.buffer != nil {
		return c.buffer.End()
	}
	if c.source != nil {
		return c.source.Close()
	}
	return nil
}

// Export renders and encodes the configured range. onProgress, if non-nil,
// receives reports from the exporting goroutine.
//
// A cancelled context is not an error: Export tears down and returns
// (nil, nil).
func (e *Exporter) Export(ctx context.Context, settings ExportSettings, onProgress func(Progress)) (*ExportResult, error) {
	select {
	case <-e.running:
	default:
		return nil, ErrExportBusy
	}
	defer func() { e.running <- struct{}{} }()

	if err := e.validate(settings); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	log := e.log
	log.Infof("export %s: %dus-%dus %dx%d@%dfps to %s",
		runID, settings.Start, settings.End, settings.Width, settings.Height,
		settings.FPS, settings.Container)

	guard := acquireEngine(e.engine, settings.Width, settings.Height)
	defer guard.release()

	sink, err := NewEncodeSink(SinkConfig{
		Container:        settings.Container,
		VideoCodec:       settings.VideoCodec,
		AudioCodec:       settings.AudioCodec,
		Width:            settings.Width,
		Height:           settings.Height,
		FPS:              settings.FPS,
		BitrateBps:       settings.BitrateBps,
		KeyframeInterval: settings.KeyframeInterval,
		Encoder:          e.encoder,
		Logger:           log,
	})
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", runID, err)
	}

	clips, err := e.prepareClips(ctx, settings)
	if err != nil {
		sink.Cancel()
		if errors.Is(err, context.Canceled) {
			e.closeClips(clips)
			log.Infof("export %s: cancelled during prepare", runID)
			return nil, nil
		}
		e.closeClips(clips)
		return nil, err
	}

	result, err := e.run(ctx, settings, sink, clips, onProgress, runID)

	if closeErr := e.closeClips(clips); closeErr != nil {
		log.Warnf("export %s: teardown: %v", runID, closeErr)
	}
	guard.release()

	if err != nil {
		return nil, err
	}
	if result == nil {
		log.Infof("export %s: cancelled", runID)
		return nil, nil
	}
	log.Infof("export %s: finished, %d bytes", runID, len(result.Data))
	return result, nil
}

// validate rejects configurations the pipeline cannot produce before any
// clip work starts.
func (e *Exporter) validate(settings ExportSettings) error {
	if settings.End <= settings.Start {
		return fmt.Errorf("%w: [%d,%d)", ErrInvalidRange, settings.Start, settings.End)
	}
	if settings.FPS <= 0 || settings.FPS > 240 {
		return fmt.Errorf("%w: %d fps", ErrUnsupported, settings.FPS)
	}
	if settings.Width <= 0 || settings.Height <= 0 {
		return fmt.Errorf("%w: %dx%d output", ErrUnsupported, settings.Width, settings.Height)
	}
	container := settings.Container
	if container == ContainerUnknown {
		container = ContainerMP4
	}
	if container != ContainerMP4 {
		return fmt.Errorf("%w: %s output", ErrUnsupported, container)
	}
	if settings.IncludeAudio && e.audio == nil {
		return fmt.Errorf("%w: audio requested without an audio exporter", ErrUnsupported)
	}
	return nil
}

// prepareClips collects every clip visible in the range and opens its
// frame source. Sequential clips demux and pre-roll their buffer; a
// failure here aborts the export before any frame is encoded.
func (e *Exporter) prepareClips(ctx context.Context, settings ExportSettings) (map[string]*clipState, error) {
	clips := make(map[string]*clipState)

	total := settings.TotalFrames()
	for i := 0; i < total; i++ {
		t := settings.Start + frameTimestamp(i, settings.FPS)
		for _, info := range e.timeline.ClipsAt(t) {
			if _, ok := clips[info.ID]; ok {
				continue
			}
			if err := ctx.Err(); err != nil {
				return clips, err
			}
			state, err := e.openClip(ctx, info, e.timeline.SourceTime(info.ID, t))
			if err != nil {
				return clips, err
			}
			clips[info.ID] = state
		}
	}
	return clips, nil
}

func (e *Exporter) openClip(ctx context.Context, info ClipInfo, startMicros int64) (*clipState, error) {
	if info.Mode == ClipModeDirect {
		if e.sources == nil {
			return nil, fmt.Errorf("clip %q: direct mode with no playback source factory", info.ID)
		}
		src, err := e.sources(info.ID)
		if err != nil {
			return nil, fmt.Errorf("clip %q: open playback source: %w", info.ID, err)
		}
		if err := src.Seek(startMicros); err != nil {
			src.Close()
			return nil, fmt.Errorf("clip %q: initial seek: %w", info.ID, err)
		}
		return &clipState{id: info.ID, source: src}, nil
	}

	if e.locator == nil {
		return nil, fmt.Errorf("clip %q: no byte locator configured", info.ID)
	}
	data, err := e.locator.Resolve(info.ID)
	if err != nil {
		return nil, e.sequentialFailure(info.ID, err)
	}
	store, err := ParseSampleStore(data)
	if err != nil {
		return nil, e.sequentialFailure(info.ID, err)
	}

	cfg := DefaultBufferConfig(store)
	cfg.Decoder = e.decoder
	cfg.Logger = e.log
	buf, err := NewBufferManager(cfg)
	if err != nil {
		return nil, e.sequentialFailure(info.ID, err)
	}
	if err := buf.Prepare(ctx, startMicros); err != nil {
		buf.End()
		return nil, e.sequentialFailure(info.ID, err)
	}
	return &clipState{id: info.ID, buffer: buf}, nil
}

// PrepareError reports a clip whose sequential preparation failed, before
// any frame was encoded. Callers can surface ClipID and steer the clip to
// direct playback mode.
type PrepareError struct {
	ClipID string
	Err    error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("clip %q cannot use sequential decoding (try direct playback mode for this clip): %v",
		e.ClipID, e.Err)
}

func (e *PrepareError) Unwrap() error { return e.Err }

func (e *Exporter) sequentialFailure(clipID string, err error) error {
	return &PrepareError{ClipID: clipID, Err: err}
}

func (e *Exporter) closeClips(clips map[string]*clipState) error {
	var result *multierror.Error
	for _, c := range clips {
		if err := c.close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("clip %q: %w", c.id, err))
		}
	}
	return result.ErrorOrNil()
}

// run drives the frame loop and the audio phase. A nil, nil return means
// the export was cancelled.
func (e *Exporter) run(ctx context.Context, settings ExportSettings, sink *EncodeSink,
	clips map[string]*clipState, onProgress func(Progress), runID string) (*ExportResult, error) {

	total := settings.TotalFrames()
	videoShare := 1.0
	if settings.IncludeAudio {
		videoShare = 1.0 - audioShare
	}

	timer := newFrameTimer()
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			sink.Cancel()
			return nil, nil
		}
		timer.start()

		t := settings.Start + frameTimestamp(i, settings.FPS)
		layers := e.assembleLayers(ctx, t, clips)

		e.engine.Render(layers)
		pixels := e.engine.ReadPixels()
		if pixels == nil {
			e.log.Warnf("export %s: frame %d readback failed, skipping", runID, i)
		} else {
			w, h := e.engine.OutputDimensions()
			if err := sink.EncodeFrame(pixels, w, h, i); err != nil {
				sink.Cancel()
				return nil, fmt.Errorf("export %s: %w", runID, err)
			}
		}

		timer.finish()
		report(Progress{
			Phase:                  PhaseVideo,
			CurrentFrame:           i + 1,
			TotalFrames:            total,
			Percent:                videoShare * float64(i+1) / float64(total),
			CurrentTime:            t,
			EstimatedTimeRemaining: timer.estimate(total - i - 1),
		})
	}

	if settings.IncludeAudio {
		audio, err := e.audio.Export(ctx, settings.Start, settings.End, func(p float64) {
			report(Progress{
				Phase:        PhaseAudio,
				CurrentFrame: total,
				TotalFrames:  total,
				Percent:      videoShare + audioShare*p,
				CurrentTime:  settings.End,
			})
		})
		if err != nil {
			sink.Cancel()
			return nil, fmt.Errorf("export %s: audio: %w", runID, err)
		}
		if audio == nil {
			sink.Cancel()
			return nil, nil
		}
		sink.AddAudio(audio)
	}

	if ctx.Err() != nil {
		sink.Cancel()
		return nil, nil
	}

	result, err := sink.Finish()
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", runID, err)
	}
	report(Progress{
		Phase:        PhaseMuxing,
		CurrentFrame: total,
		TotalFrames:  total,
		Percent:      1,
		CurrentTime:  settings.End,
	})
	return result, nil
}

// assembleLayers gathers each visible clip's frame for composition time t.
// A clip that cannot produce a frame in time contributes nothing this
// frame; the export keeps going.
func (e *Exporter) assembleLayers(ctx context.Context, t int64, clips map[string]*clipState) []Layer {
	infos := e.timeline.ClipsAt(t)
	layers := make([]Layer, 0, len(infos))
	for _, info := range infos {
		state := clips[info.ID]
		if state == nil {
			continue
		}
		local := e.timeline.SourceTime(info.ID, t)

		frame := e.clipFrame(ctx, state, local)
		if frame == nil {
			e.log.Warnf("export: clip %q has no frame near %dus", info.ID, local)
			continue
		}
		layers = append(layers, Layer{
			ClipID:    info.ID,
			Frame:     frame,
			Transform: e.timeline.Transform(info.ID, local),
			Effects:   e.timeline.Effects(info.ID, local),
		})
	}
	return layers
}

func (e *Exporter) clipFrame(ctx context.Context, state *clipState, local int64) *DecodedFrame {
	if state.buffer != nil {
		pctx, cancel := context.WithTimeout(ctx, presentTimeout)
		frame, err := state.buffer.Present(pctx, local)
		cancel()
		if err != nil {
			return nil
		}
		return frame
	}

	if err := state.source.Seek(local); err != nil {
		e.log.Warnf("export: clip %q seek to %dus: %v", state.id, local, err)
	}
	// The source keeps its last presented frame; a lagging seek serves the
	// previous one rather than stalling the export.
	deadline := time.Now().Add(presentTimeout)
	for {
		if frame := state.source.CurrentFrame(); frame != nil {
			return frame
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}
