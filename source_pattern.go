package vexport

import (
	"fmt"
	"sync"
)

// PatternType defines the type of generated pattern.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE-style color bars
	PatternGradient                        // Horizontal luma gradient
	PatternCheckerboard                    // Checkerboard
	PatternMovingBox                       // White box orbiting the frame
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// PatternSourceConfig configures a PatternSource.
type PatternSourceConfig struct {
	Width   int         // Frame width (default 1280)
	Height  int         // Frame height (default 720)
	FPS     int         // Frame cadence (default 30)
	Pattern PatternType // Pattern type (default ColorBars)
}

// PatternSource is a synthetic PlaybackSource producing generated I420
// frames. It stands in for native per-clip playback wherever a direct-mode
// clip is needed without real media: tests, demos, placeholder clips.
type PatternSource struct {
	cfg PatternSourceConfig

	mu      sync.Mutex
	current *DecodedFrame
	closed  bool
}

// NewPatternSource creates a pattern source. Dimensions round to even.
func NewPatternSource(cfg PatternSourceConfig) *PatternSource {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 720
	}
	cfg.Width &^= 1
	cfg.Height &^= 1
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &PatternSource{cfg: cfg}
}

// Seek implements PlaybackSource. Generation is synchronous, so the frame
// is current by the time Seek returns.
func (s *PatternSource) Seek(micros int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("pattern source closed")
	}

	frameNr := micros * int64(s.cfg.FPS) / 1_000_000
	frame := NewDecodedFrame(s.cfg.Width, s.cfg.Height, micros)
	frame.Duration = frameTimestamp(1, s.cfg.FPS)

	switch s.cfg.Pattern {
	case PatternGradient:
		s.fillGradient(frame)
	case PatternCheckerboard:
		s.fillCheckerboard(frame)
	case PatternMovingBox:
		s.fillMovingBox(frame, frameNr)
	default:
		s.fillColorBars(frame)
	}
	s.current = frame
	return nil
}

// CurrentFrame implements PlaybackSource. The source keeps ownership; the
// frame stays valid until the next Seek.
func (s *PatternSource) CurrentFrame() *DecodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close implements PlaybackSource.
func (s *PatternSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.current = nil
	return nil
}

// barColors holds the classic 75% color bars as limited range YUV.
var barColors = [7][3]byte{
	{180, 128, 128}, // White
	{162, 44, 142},  // Yellow
	{131, 156, 44},  // Cyan
	{112, 72, 58},   // Green
	{84, 184, 198},  // Magenta
	{65, 100, 212},  // Red
	{35, 212, 114},  // Blue
}

func (s *PatternSource) fillColorBars(frame *DecodedFrame) {
	w, h := frame.Width, frame.Height
	for col := 0; col < w; col++ {
		bar := barColors[col*7/w]
		for row := 0; row < h; row++ {
			frame.Data[0][row*frame.Stride[0]+col] = bar[0]
		}
		if col%2 == 0 {
			for row := 0; row < h/2; row++ {
				frame.Data[1][row*frame.Stride[1]+col/2] = bar[1]
				frame.Data[2][row*frame.Stride[2]+col/2] = bar[2]
			}
		}
	}
}

func (s *PatternSource) fillGradient(frame *DecodedFrame) {
	w, h := frame.Width, frame.Height
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			frame.Data[0][row*frame.Stride[0]+col] = byte(16 + col*219/w)
		}
	}
	fillPlane(frame.Data[1], 128)
	fillPlane(frame.Data[2], 128)
}

func (s *PatternSource) fillCheckerboard(frame *DecodedFrame) {
	const cell = 32
	w, h := frame.Width, frame.Height
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			v := byte(16)
			if (row/cell+col/cell)%2 == 0 {
				v = 235
			}
			frame.Data[0][row*frame.Stride[0]+col] = v
		}
	}
	fillPlane(frame.Data[1], 128)
	fillPlane(frame.Data[2], 128)
}

func (s *PatternSource) fillMovingBox(frame *DecodedFrame, frameNr int64) {
	w, h := frame.Width, frame.Height
	fillPlane(frame.Data[0], 16)
	fillPlane(frame.Data[1], 128)
	fillPlane(frame.Data[2], 128)

	box := h / 4
	span := w - box
	if span <= 0 {
		span = 1
	}
	x := int(frameNr*8) % (span * 2)
	if x >= span {
		x = span*2 - x // Bounce off the right edge
	}
	y := (h - box) / 2
	for row := y; row < y+box; row++ {
		for col := x; col < x+box; col++ {
			frame.Data[0][row*frame.Stride[0]+col] = 235
		}
	}
}

func fillPlane(plane []byte, v byte) {
	for i := range plane {
		plane[i] = v
	}
}
