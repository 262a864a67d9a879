package vexport

import "sync"

// SoftwareEngine is a CPU reference implementation of RenderEngine.
// It composites layers onto an RGBA canvas with per-layer opacity and
// scaling. Tests and headless exports use it in place of the GPU engine.
type SoftwareEngine struct {
	width, height int
	exporting     bool

	canvas []byte // RGBA, width*height*4

	// Scratch buffer for I420 layer conversion, grown on demand.
	rgbaScratch []byte

	background [4]byte

	mu sync.Mutex
}

// NewSoftwareEngine creates an engine with the given canvas size and a
// black background.
func NewSoftwareEngine(width, height int) *SoftwareEngine {
	e := &SoftwareEngine{background: [4]byte{0, 0, 0, 255}}
	e.SetResolution(width, height)
	return e
}

// SetResolution implements RenderEngine.
func (e *SoftwareEngine) SetResolution(width, height int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	e.width = width
	e.height = height
	e.canvas = make([]byte, width*height*4)
}

// SetExporting implements RenderEngine.
func (e *SoftwareEngine) SetExporting(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exporting = on
}

// Exporting reports the current export-mode flag.
func (e *SoftwareEngine) Exporting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exporting
}

// OutputDimensions implements RenderEngine.
func (e *SoftwareEngine) OutputDimensions() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.width, e.height
}

// Render implements RenderEngine. Layers blend bottom first.
func (e *SoftwareEngine) Render(layers []Layer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i < len(e.canvas); i += 4 {
		copy(e.canvas[i:i+4], e.background[:])
	}

	for _, layer := range layers {
		if layer.Frame == nil || layer.Transform.Opacity <= 0 {
			continue
		}
		e.blendLayer(layer)
	}
}

func (e *SoftwareEngine) blendLayer(layer Layer) {
	frame := layer.Frame

	src := frame.Data[0]
	srcW, srcH := frame.Width, frame.Height
	if frame.Format == PixelFormatI420 {
		need := srcW * srcH * 4
		if len(e.rgbaScratch) < need {
			e.rgbaScratch = make([]byte, need)
		}
		I420ToRGBA(frame, e.rgbaScratch)
		src = e.rgbaScratch
	}

	t := layer.Transform
	scaleX := t.ScaleX
	if scaleX == 0 {
		scaleX = 1
	}
	scaleY := t.ScaleY
	if scaleY == 0 {
		scaleY = 1
	}

	dstW := int(float64(srcW) * scaleX)
	dstH := int(float64(srcH) * scaleY)
	if dstW <= 0 || dstH <= 0 {
		return
	}

	alpha := int(t.Opacity * 256)
	if alpha > 256 {
		alpha = 256
	}

	x0 := int(t.X)
	y0 := int(t.Y)

	for dy := 0; dy < dstH; dy++ {
		cy := y0 + dy
		if cy < 0 || cy >= e.height {
			continue
		}
		sy := dy * srcH / dstH
		for dx := 0; dx < dstW; dx++ {
			cx := x0 + dx
			if cx < 0 || cx >= e.width {
				continue
			}
			sx := dx * srcW / dstW

			si := (sy*srcW + sx) * 4
			di := (cy*e.width + cx) * 4
			for c := 0; c < 3; c++ {
				s := int(src[si+c])
				d := int(e.canvas[di+c])
				e.canvas[di+c] = byte((s*alpha + d*(256-alpha)) >> 8)
			}
			e.canvas[di+3] = 255
		}
	}
}

// ReadPixels implements RenderEngine. The returned buffer is a copy.
func (e *SoftwareEngine) ReadPixels() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]byte, len(e.canvas))
	copy(out, e.canvas)
	return out
}
