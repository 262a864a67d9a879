package vexport

import "context"

// Transform positions a clip's frame on the output canvas. Values come
// from the timeline provider's keyframe interpolation.
type Transform struct {
	X, Y     float64 // Top-left position on the canvas in pixels
	ScaleX   float64 // Horizontal scale factor (1 = native)
	ScaleY   float64 // Vertical scale factor
	Rotation float64 // Degrees, clockwise
	Opacity  float64 // 0..1
}

// IdentityTransform is the no-op placement.
var IdentityTransform = Transform{ScaleX: 1, ScaleY: 1, Opacity: 1}

// Effects carries the interpolated effect parameters for one layer.
// The render engine interprets them; the exporter only forwards.
type Effects map[string]float64

// Layer is one visible clip's frame plus its placement, ordered
// bottom-to-top for rendering.
type Layer struct {
	ClipID    string
	Frame     *DecodedFrame
	Transform Transform
	Effects   Effects
}

// RenderEngine is the compositing engine consumed by the exporter. The GPU
// implementation lives outside this package; SoftwareEngine is a reference
// implementation for tests and headless use.
type RenderEngine interface {
	// SetResolution changes the engine's output dimensions.
	SetResolution(width, height int)

	// SetExporting toggles the engine's export mode (disables display
	// throttling, vsync and similar).
	SetExporting(on bool)

	// Render composites the layers, bottom first.
	Render(layers []Layer)

	// ReadPixels synchronously reads back the last rendered image as
	// packed RGBA. A nil return is a transient readback failure.
	ReadPixels() []byte

	// OutputDimensions returns the current output size.
	OutputDimensions() (width, height int)
}

// ClipMode selects how a clip's frames are obtained during export.
type ClipMode int

const (
	// ClipModeSequential bulk-decodes ahead of need into a buffer.
	ClipModeSequential ClipMode = iota
	// ClipModeDirect seeks a native playback source per frame.
	ClipModeDirect
)

func (m ClipMode) String() string {
	switch m {
	case ClipModeSequential:
		return "sequential"
	case ClipModeDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// ClipInfo describes one clip visible at some composition time.
type ClipInfo struct {
	ID    string
	Track int      // Layer order; higher tracks render on top
	Mode  ClipMode // Decode strategy for this clip
}

// Timeline is the composition data provider. Implementations own clip
// storage and keyframe interpolation; the exporter only queries.
type Timeline interface {
	// ClipsAt returns the clips visible at composition time t (µs),
	// ordered bottom track first.
	ClipsAt(t int64) []ClipInfo

	// Transform returns the interpolated placement of a clip at its
	// local time (µs).
	Transform(clipID string, localTime int64) Transform

	// Effects returns the interpolated effect values of a clip at its
	// local time (µs).
	Effects(clipID string, localTime int64) Effects

	// SourceTime maps composition time (µs) to the clip's media time
	// (µs), accounting for trims, speed changes and reversal.
	SourceTime(clipID string, t int64) int64
}

// PlaybackSource is the native per-clip player used by direct-mode clips.
type PlaybackSource interface {
	// Seek positions the source at the given media time (µs). Returns
	// once the seek has been issued; completion may lag.
	Seek(micros int64) error

	// CurrentFrame returns the most recently presented frame, or nil if
	// none is ready yet. The source keeps ownership.
	CurrentFrame() *DecodedFrame

	Close() error
}

// PlaybackSourceFactory opens a direct-mode playback source for a clip.
type PlaybackSourceFactory func(clipID string) (PlaybackSource, error)

// AudioSample is one encoded audio frame.
type AudioSample struct {
	Data []byte
	PTS  int64 // Presentation timestamp in microseconds
}

// AudioResult is the output of the audio sub-pipeline.
type AudioResult struct {
	Codec      AudioCodec
	SampleRate int
	Channels   int

	// Config carries the codec configuration record
	// (AudioSpecificConfig for AAC).
	Config []byte

	Samples []AudioSample
}

// AudioExporter renders the composition's audio. Implementations mix and
// encode outside this package; the exporter runs them after the video
// phase and forwards the result to the sink.
type AudioExporter interface {
	// Export renders audio for [start,end) µs. onProgress receives 0..1.
	// A nil result with nil error means audio was cancelled.
	Export(ctx context.Context, start, end int64, onProgress func(float64)) (*AudioResult, error)

	// Cancel aborts a running Export.
	Cancel()
}
