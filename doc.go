// Package vexport renders a timed composition of media clips into a single
// deterministic output file, frame-exact to the composition rather than to
// whatever a live playback happened to show.
//
// Key pieces include:
//   - SampleStore: MP4 demuxing into decode-ordered samples with sync flags
//   - BufferManager: per-clip sequential decode with a PTS-addressable frame buffer
//   - EncodeSink: encoder plus MP4 muxer producing the final media blob
//   - Exporter: the per-frame orchestrator with progress and cancellation
//
// # Architecture
//
//	Exporter -> (per output frame) -> BufferManager.Present(t) per clip
//	         -> RenderEngine.Render(layers) -> RenderEngine.ReadPixels()
//	         -> EncodeSink.EncodeFrame() ... -> audio phase -> EncodeSink.Finish()
//
// Exactly one output frame is in flight at a time; encoded timestamps are
// derived from the integer frame index so thousands of frames accumulate
// zero drift.
//
// # Native Libraries
//
// H.264 encode/decode binds libmedia_h264 (x264 encoder, OpenH264 decoder)
// through purego (CGO_ENABLED=0). Set MEDIA_H264_LIB_PATH or
// MEDIA_SDK_LIB_PATH if the library is not in a standard location. Tests
// and custom integrations can register their own codecs through the
// provider registry instead.
//
// # Build Tags
//
//   - noh264: disable the native H.264 binding
package vexport
