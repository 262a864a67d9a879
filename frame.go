// Core frame types used across the export pipeline.
package vexport

import "sync/atomic"

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420   PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatRGBA32                    // Packed RGBA, 4 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatRGBA32:
		return "RGBA32"
	default:
		return "Unknown"
	}
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}

// DecodedFrame is one decoded image addressed by its presentation time.
// Frames are handed out by a decoder and buffered by a BufferManager;
// whoever evicts a frame from the buffer must call Release exactly once.
type DecodedFrame struct {
	Data   [][]byte    // Plane data (3 planes for I420, 1 for RGBA)
	Stride []int       // Stride for each plane in bytes
	Width  int         // Frame width in pixels
	Height int         // Frame height in pixels
	Format PixelFormat // Pixel format

	// PTS is the presentation timestamp in microseconds.
	PTS int64

	// Duration is the frame duration in microseconds (0 if unknown).
	Duration int64

	released  atomic.Bool
	onRelease func(*DecodedFrame)
}

// NewDecodedFrame allocates an I420 frame of the given dimensions.
func NewDecodedFrame(width, height int, pts int64) *DecodedFrame {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return &DecodedFrame{
		Data:   [][]byte{make([]byte, ySize), make([]byte, uvSize), make([]byte, uvSize)},
		Stride: []int{width, width / 2, width / 2},
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
		PTS:    pts,
	}
}

// SetReleaseFunc installs a hook invoked on the first Release call.
// Decoders use this to return frames to their pools.
func (f *DecodedFrame) SetReleaseFunc(fn func(*DecodedFrame)) {
	f.onRelease = fn
}

// Release returns the frame's backing memory to its owner. Releasing twice
// is a no-op; the frame must not be read afterwards.
func (f *DecodedFrame) Release() {
	if f.released.Swap(true) {
		return
	}
	if f.onRelease != nil {
		f.onRelease(f)
	}
}

// Released reports whether Release has been called.
func (f *DecodedFrame) Released() bool {
	return f.released.Load()
}

// Clone creates a deep copy with its own lifetime.
func (f *DecodedFrame) Clone() *DecodedFrame {
	clone := &DecodedFrame{
		Data:     make([][]byte, len(f.Data)),
		Stride:   make([]int, len(f.Stride)),
		Width:    f.Width,
		Height:   f.Height,
		Format:   f.Format,
		PTS:      f.PTS,
		Duration: f.Duration,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// FrameType indicates whether a compressed frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // Sync sample, decodable independently
	FrameTypeDelta             // Requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedPacket holds one compressed video frame produced by a VideoEncoder.
type EncodedPacket struct {
	Data      []byte    // Encoded bitstream data
	FrameType FrameType // Key or delta frame
	PTS       int64     // Presentation timestamp in microseconds
	DTS       int64     // Decode timestamp in microseconds
	Duration  int64     // Duration in microseconds
}

// IsKeyframe returns true if this is a keyframe.
func (p *EncodedPacket) IsKeyframe() bool {
	return p.FrameType == FrameTypeKey
}
