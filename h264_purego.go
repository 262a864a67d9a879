//go:build (darwin || linux) && !noh264

// H.264 codec support via libmedia_h264 using purego.

package vexport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
	mediaH264Loaded  bool
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderRequestKF     func(encoder uint64)
	mediaH264EncoderGetSPSPPS     func(encoder uint64, spsOut uintptr, spsCapacity int32, spsLen uintptr, ppsOut uintptr, ppsCapacity int32, ppsLen uintptr) int32
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264DecoderCreate  func(threads int32) uint64
	mediaH264DecoderDecode  func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	mediaH264DecoderReset   func(decoder uint64) int32
	mediaH264DecoderDestroy func(decoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
	mediaH264DecoderAvailable func() int32
)

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66

	mediaH264FrameI   = 0
	mediaH264FrameP   = 1
	mediaH264FrameB   = 2
	mediaH264FrameIDR = 3

	mediaH264OK = 0
)

// mediaH264DecodeResult is a heap-allocated struct for decoder output
// parameters. It must be heap-allocated for purego to work correctly on
// arm64: the GC can move stack variables during the C call.
type mediaH264DecodeResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
}

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264InitErr = loadMediaH264Lib()
		if mediaH264InitErr == nil {
			mediaH264Loaded = true
		}
	})
	return mediaH264InitErr
}

func loadMediaH264Lib() error {
	paths := mediaH264LibPaths()

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			mediaH264Handle = handle
			loadMediaH264Symbols()
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_h264: %w", lastErr)
	}
	return errors.New("libmedia_h264 not found in any standard location")
}

func mediaH264LibPaths() []string {
	var paths []string

	libName := "libmedia_h264.so"
	if runtime.GOOS == "darwin" {
		libName = "libmedia_h264.dylib"
	}

	// Environment variable overrides (highest priority)
	if envPath := os.Getenv("MEDIA_H264_LIB_PATH"); envPath != "" {
		paths = append(paths, envPath)
	}
	if envPath := os.Getenv("MEDIA_SDK_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	// Search relative to executable location
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	// Search relative to module root (find go.mod from cwd)
	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths,
			filepath.Join(moduleRoot, "build", libName),
			filepath.Join(moduleRoot, "build", "ffi", libName),
		)
	}

	// System paths (lowest priority)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}

	return paths
}

func loadMediaH264Symbols() {
	purego.RegisterLibFunc(&mediaH264EncoderCreate, mediaH264Handle, "media_h264_encoder_create")
	purego.RegisterLibFunc(&mediaH264EncoderEncode, mediaH264Handle, "media_h264_encoder_encode")
	purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, mediaH264Handle, "media_h264_encoder_max_output_size")
	purego.RegisterLibFunc(&mediaH264EncoderRequestKF, mediaH264Handle, "media_h264_encoder_request_keyframe")
	purego.RegisterLibFunc(&mediaH264EncoderGetSPSPPS, mediaH264Handle, "media_h264_encoder_get_sps_pps")
	purego.RegisterLibFunc(&mediaH264EncoderDestroy, mediaH264Handle, "media_h264_encoder_destroy")

	purego.RegisterLibFunc(&mediaH264DecoderCreate, mediaH264Handle, "media_h264_decoder_create")
	purego.RegisterLibFunc(&mediaH264DecoderDecode, mediaH264Handle, "media_h264_decoder_decode")
	purego.RegisterLibFunc(&mediaH264DecoderReset, mediaH264Handle, "media_h264_decoder_reset")
	purego.RegisterLibFunc(&mediaH264DecoderDestroy, mediaH264Handle, "media_h264_decoder_destroy")

	purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
	purego.RegisterLibFunc(&mediaH264EncoderAvailable, mediaH264Handle, "media_h264_encoder_available")
	purego.RegisterLibFunc(&mediaH264DecoderAvailable, mediaH264Handle, "media_h264_decoder_available")
}

// IsH264Available checks if libmedia_h264 is available.
func IsH264Available() bool {
	if err := loadMediaH264(); err != nil {
		return false
	}
	return mediaH264Loaded
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// H264Decoder implements VideoDecoder for H.264 (OpenH264).
type H264Decoder struct {
	config VideoDecoderConfig

	handle uint64

	// primed flips once a keyframe has decoded since the last reset.
	primed bool

	// pendingPTS holds presentation timestamps of samples submitted but
	// not yet emitted; frames come out in presentation order, so the
	// minimum pending timestamp belongs to the next output frame.
	pendingPTS []int64

	// Heap-allocated for purego on arm64.
	decodeResult *mediaH264DecodeResult

	stats   DecoderStats
	statsMu sync.Mutex
	mu      sync.Mutex
}

// NewH264Decoder creates a new H.264 decoder.
func NewH264Decoder(config VideoDecoderConfig) (*H264Decoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 decoder not available: %w", err)
	}

	if mediaH264DecoderAvailable() == 0 {
		return nil, errors.New("H.264 decoder not available")
	}

	threads := int32(4)
	if config.Threads > 0 {
		threads = int32(config.Threads)
	}

	handle := mediaH264DecoderCreate(threads)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 decoder: %s", getH264Error())
	}

	return &H264Decoder{
		config:       config,
		handle:       handle,
		decodeResult: &mediaH264DecodeResult{},
	}, nil
}

// Decode implements VideoDecoder. bitstream is the sample payload in
// Annex B form (see SampleStore.AnnexBSample).
func (d *H264Decoder) Decode(sample *Sample, bitstream []byte) (*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return nil, errors.New("decoder not initialized")
	}
	if len(bitstream) == 0 {
		return nil, errors.New("empty bitstream")
	}

	if !d.primed && !sample.IsSync {
		return nil, fmt.Errorf("%w: delta sample at pts %dµs after reset",
			ErrKeyframeRequired, sample.PTSMicros())
	}

	out := d.decodeResult

	result := mediaH264DecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&bitstream[0])),
		int32(len(bitstream)),
		uintptr(unsafe.Pointer(&out.YPtr)),
		uintptr(unsafe.Pointer(&out.UPtr)),
		uintptr(unsafe.Pointer(&out.VPtr)),
		uintptr(unsafe.Pointer(&out.YStride)),
		uintptr(unsafe.Pointer(&out.UVStride)),
		uintptr(unsafe.Pointer(&out.Width)),
		uintptr(unsafe.Pointer(&out.Height)),
	)

	// Keep inputs alive during and after the C call.
	runtime.KeepAlive(bitstream)
	runtime.KeepAlive(out)

	if result < 0 {
		d.statsMu.Lock()
		d.stats.CorruptedFrames++
		d.statsMu.Unlock()
		if !d.primed {
			return nil, fmt.Errorf("%w: %s", ErrKeyframeRequired, getH264Error())
		}
		return nil, fmt.Errorf("decode failed: %s", getH264Error())
	}

	if sample.IsSync {
		d.primed = true
	}
	d.pendingPTS = append(d.pendingPTS, sample.PTSMicros())

	if result == 0 {
		return nil, nil // Decoder buffering (reference reorder)
	}

	if out.YStride <= 0 || out.UVStride <= 0 || out.Width <= 0 || out.Height <= 0 || out.YPtr == 0 {
		d.statsMu.Lock()
		d.stats.CorruptedFrames++
		d.statsMu.Unlock()
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, out.Width, out.Height)
	}

	frame := d.copyOutput(out)
	frame.PTS = d.popEarliestPTS()
	frame.Duration = sample.DurationMicros()

	d.statsMu.Lock()
	d.stats.FramesDecoded++
	d.stats.BytesDecoded += uint64(len(bitstream))
	if sample.IsSync {
		d.stats.KeyframesDecoded++
	}
	d.statsMu.Unlock()

	return frame, nil
}

// copyOutput copies the decoder-owned planes into a Go-owned frame. The
// native buffers are only valid until the next decode call.
func (d *H264Decoder) copyOutput(out *mediaH264DecodeResult) *DecodedFrame {
	w := int(out.Width)
	h := int(out.Height)
	frame := NewDecodedFrame(w, h, 0)

	uvW := w / 2
	uvH := h / 2
	for row := 0; row < h; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.YPtr+uintptr(row*int(out.YStride)))), w)
		copy(frame.Data[0][row*w:row*w+w], src)
	}
	for row := 0; row < uvH; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.UPtr+uintptr(row*int(out.UVStride)))), uvW)
		copy(frame.Data[1][row*uvW:row*uvW+uvW], src)
	}
	for row := 0; row < uvH; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.VPtr+uintptr(row*int(out.UVStride)))), uvW)
		copy(frame.Data[2][row*uvW:row*uvW+uvW], src)
	}
	return frame
}

// popEarliestPTS removes and returns the minimum pending timestamp.
// Frames are emitted in presentation order regardless of decode order.
func (d *H264Decoder) popEarliestPTS() int64 {
	if len(d.pendingPTS) == 0 {
		return 0
	}
	minIdx := 0
	for i, pts := range d.pendingPTS {
		if pts < d.pendingPTS[minIdx] {
			minIdx = i
		}
	}
	pts := d.pendingPTS[minIdx]
	d.pendingPTS = append(d.pendingPTS[:minIdx], d.pendingPTS[minIdx+1:]...)
	return pts
}

// Flush implements VideoDecoder. OpenH264 emits frames synchronously, so
// there is nothing buffered to drain; pending timestamps are discarded.
func (d *H264Decoder) Flush() ([]*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingPTS = d.pendingPTS[:0]
	return nil, nil
}

// Reset implements VideoDecoder.
func (d *H264Decoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == 0 {
		return errors.New("decoder not initialized")
	}

	if mediaH264DecoderReset(d.handle) != mediaH264OK {
		return fmt.Errorf("failed to reset decoder: %s", getH264Error())
	}

	d.primed = false
	d.pendingPTS = d.pendingPTS[:0]
	return nil
}

// Provider implements VideoDecoder.
func (d *H264Decoder) Provider() Provider { return ProviderOpenH264 }

// Codec implements VideoDecoder.
func (d *H264Decoder) Codec() VideoCodec { return VideoCodecH264 }

// Stats implements VideoDecoder.
func (d *H264Decoder) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// Close implements VideoDecoder.
func (d *H264Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != 0 {
		mediaH264DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

// H264Encoder implements VideoEncoder for H.264 (x264).
type H264Encoder struct {
	config VideoEncoderConfig

	handle    uint64
	outputBuf []byte

	sps []byte
	pps []byte

	stats   EncoderStats
	statsMu sync.Mutex
	mu      sync.Mutex
}

// NewH264Encoder creates a new H.264 encoder.
func NewH264Encoder(config VideoEncoderConfig) (*H264Encoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, fmt.Errorf("H.264 encoder not available: %w", err)
	}

	if mediaH264EncoderAvailable() == 0 {
		return nil, errors.New("H.264 encoder not available (x264 not compiled)")
	}

	threads := config.Threads
	if threads <= 0 {
		threads = 4
	}
	fps := config.FPS
	if fps <= 0 {
		fps = 30
	}
	bitrateKbps := config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 4000
	}

	handle := mediaH264EncoderCreate(
		int32(config.Width),
		int32(config.Height),
		int32(fps),
		int32(bitrateKbps),
		mediaH264ProfileBaseline,
		int32(threads),
	)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 encoder: %s", getH264Error())
	}

	maxOutput := mediaH264EncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(config.Width * config.Height * 3 / 2)
	}

	enc := &H264Encoder{
		config:    config,
		handle:    handle,
		outputBuf: make([]byte, maxOutput),
	}
	enc.extractSPSPPS()

	return enc, nil
}

func (e *H264Encoder) extractSPSPPS() {
	spsOut := make([]byte, 256)
	ppsOut := make([]byte, 256)
	var spsLen, ppsLen int32

	mediaH264EncoderGetSPSPPS(
		e.handle,
		uintptr(unsafe.Pointer(&spsOut[0])), 256, uintptr(unsafe.Pointer(&spsLen)),
		uintptr(unsafe.Pointer(&ppsOut[0])), 256, uintptr(unsafe.Pointer(&ppsLen)),
	)

	if spsLen > 0 {
		e.sps = make([]byte, spsLen)
		copy(e.sps, spsOut[:spsLen])
	}
	if ppsLen > 0 {
		e.pps = make([]byte, ppsLen)
		copy(e.pps, ppsOut[:ppsLen])
	}
}

// Encode implements VideoEncoder.
func (e *H264Encoder) Encode(frame *DecodedFrame) (*EncodedPacket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, errors.New("encoder not initialized")
	}
	if frame.Format != PixelFormatI420 || len(frame.Data) < 3 {
		return nil, fmt.Errorf("encoder requires I420 input, got %s", frame.Format)
	}

	var frameType int32
	var pts, dts int64

	result := mediaH264EncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		0,
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&pts)),
		uintptr(unsafe.Pointer(&dts)),
	)
	runtime.KeepAlive(frame)

	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getH264Error())
	}
	if result == 0 {
		return nil, nil // Encoder buffering
	}

	data := make([]byte, result)
	copy(data, e.outputBuf[:result])

	ft := FrameTypeDelta
	if frameType == mediaH264FrameIDR || frameType == mediaH264FrameI {
		ft = FrameTypeKey
	}

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	if ft == FrameTypeKey {
		e.stats.KeyframesEncoded++
	}
	e.stats.BytesEncoded += uint64(result)
	e.statsMu.Unlock()

	return &EncodedPacket{
		Data:      data,
		FrameType: ft,
		PTS:       frame.PTS,
		DTS:       frame.PTS,
		Duration:  frame.Duration,
	}, nil
}

// Flush implements VideoEncoder. The x264 wrapper runs zero-latency so
// nothing is buffered.
func (e *H264Encoder) Flush() ([]*EncodedPacket, error) {
	return nil, nil
}

// RequestKeyframe implements VideoEncoder.
func (e *H264Encoder) RequestKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		mediaH264EncoderRequestKF(e.handle)
	}
}

// ExtraData implements VideoEncoder.
func (e *H264Encoder) ExtraData() (sps, pps [][]byte) {
	if e.sps == nil || e.pps == nil {
		return nil, nil
	}
	return [][]byte{e.sps}, [][]byte{e.pps}
}

// Provider implements VideoEncoder.
func (e *H264Encoder) Provider() Provider { return ProviderX264 }

// Codec implements VideoEncoder.
func (e *H264Encoder) Codec() VideoCodec { return VideoCodecH264 }

// Stats implements VideoEncoder.
func (e *H264Encoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Close implements VideoEncoder.
func (e *H264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// Register H.264 encoder (x264) and decoder (OpenH264).
func init() {
	if err := loadMediaH264(); err == nil && mediaH264EncoderAvailable() != 0 {
		setProviderAvailable(ProviderX264)
		registerVideoEncoder(VideoCodecH264, ProviderX264, func(config VideoEncoderConfig) (VideoEncoder, error) {
			return NewH264Encoder(config)
		})
	}

	if err := loadMediaH264(); err == nil && mediaH264DecoderAvailable() != 0 {
		setProviderAvailable(ProviderOpenH264)
		registerVideoDecoder(VideoCodecH264, ProviderOpenH264, func(config VideoDecoderConfig) (VideoDecoder, error) {
			return NewH264Decoder(config)
		})
	}
}
