package vexport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScalerPassThrough(t *testing.T) {
	s := NewFrameScaler(320, 240)
	frame := NewDecodedFrame(320, 240, 1234)

	out := s.Scale(frame)
	require.Same(t, frame, out)
}

func TestScalerUpscaleUniform(t *testing.T) {
	s := NewFrameScaler(64, 64)
	frame := NewDecodedFrame(32, 32, 42)
	for i := range frame.Data[0] {
		frame.Data[0][i] = 200
	}
	for i := range frame.Data[1] {
		frame.Data[1][i] = 100
		frame.Data[2][i] = 50
	}

	out := s.Scale(frame)
	require.Equal(t, 64, out.Width)
	require.Equal(t, 64, out.Height)
	require.Equal(t, int64(42), out.PTS)

	// Bilinear interpolation of a flat plane stays flat.
	for _, v := range out.Data[0] {
		require.EqualValues(t, 200, v)
	}
	for _, v := range out.Data[1] {
		require.EqualValues(t, 100, v)
	}
	for _, v := range out.Data[2] {
		require.EqualValues(t, 50, v)
	}
}

func TestScalerDownscale(t *testing.T) {
	s := NewFrameScaler(160, 120)
	frame := NewDecodedFrame(320, 240, 0)

	out := s.Scale(frame)
	require.Equal(t, 160, out.Width)
	require.Equal(t, 120, out.Height)
	require.Len(t, out.Data[0], 160*120)
	require.Len(t, out.Data[1], 80*60)
}

func TestScalerRoundsOddDimensionsToEven(t *testing.T) {
	s := NewFrameScaler(321, 239)
	frame := NewDecodedFrame(640, 480, 0)

	out := s.Scale(frame)
	require.Equal(t, 322, out.Width)
	require.Equal(t, 240, out.Height)
}
