package vexport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSoftwareEngineRenderOpaqueLayer(t *testing.T) {
	engine := NewSoftwareEngine(32, 32)

	frame := NewDecodedFrame(32, 32, 0)
	RGBAToI420(solidRGBA(32, 32, 255, 255, 255), 32, 32, frame)

	engine.Render([]Layer{{
		ClipID:    "c1",
		Frame:     frame,
		Transform: IdentityTransform,
	}})

	pixels := engine.ReadPixels()
	require.Len(t, pixels, 32*32*4)
	// White layer at full opacity covers the black background.
	require.Greater(t, pixels[0], byte(240))
	require.EqualValues(t, 255, pixels[3])
}

func TestSoftwareEngineOpacityBlends(t *testing.T) {
	engine := NewSoftwareEngine(16, 16)

	frame := NewDecodedFrame(16, 16, 0)
	RGBAToI420(solidRGBA(16, 16, 255, 255, 255), 16, 16, frame)

	tr := IdentityTransform
	tr.Opacity = 0.5
	engine.Render([]Layer{{Frame: frame, Transform: tr}})

	pixels := engine.ReadPixels()
	require.InDelta(t, 127, pixels[0], 16, "half opacity over black")
}

func TestSoftwareEngineRenderClearsPreviousFrame(t *testing.T) {
	engine := NewSoftwareEngine(16, 16)

	frame := NewDecodedFrame(16, 16, 0)
	RGBAToI420(solidRGBA(16, 16, 255, 255, 255), 16, 16, frame)

	engine.Render([]Layer{{Frame: frame, Transform: IdentityTransform}})
	engine.Render(nil)

	pixels := engine.ReadPixels()
	require.EqualValues(t, 0, pixels[0], "empty render falls back to background")
}

func TestSoftwareEngineResolutionAndExportFlag(t *testing.T) {
	engine := NewSoftwareEngine(100, 50)

	w, h := engine.OutputDimensions()
	require.Equal(t, 100, w)
	require.Equal(t, 50, h)

	engine.SetResolution(320, 240)
	w, h = engine.OutputDimensions()
	require.Equal(t, 320, w)
	require.Equal(t, 240, h)
	require.Len(t, engine.ReadPixels(), 320*240*4)

	require.False(t, engine.Exporting())
	engine.SetExporting(true)
	require.True(t, engine.Exporting())
	engine.SetExporting(false)
	require.False(t, engine.Exporting())
}

func TestEngineGuardRestoresOnce(t *testing.T) {
	engine := NewSoftwareEngine(100, 50)

	guard := acquireEngine(engine, 320, 240)
	w, h := engine.OutputDimensions()
	require.Equal(t, 320, w)
	require.Equal(t, 240, h)
	require.True(t, engine.Exporting())

	guard.release()
	w, h = engine.OutputDimensions()
	require.Equal(t, 100, w)
	require.Equal(t, 50, h)
	require.False(t, engine.Exporting())

	// A second release must not disturb state changed since.
	engine.SetResolution(640, 480)
	engine.SetExporting(true)
	guard.release()
	w, h = engine.OutputDimensions()
	require.Equal(t, 640, w)
	require.Equal(t, 480, h)
	require.True(t, engine.Exporting())
}
