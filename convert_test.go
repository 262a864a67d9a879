package vexport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func solidRGBA(width, height int, r, g, b byte) []byte {
	pixels := make([]byte, width*height*4)
	for i := 0; i < len(pixels); i += 4 {
		pixels[i] = r
		pixels[i+1] = g
		pixels[i+2] = b
		pixels[i+3] = 255
	}
	return pixels
}

func TestRGBAToI420KnownColors(t *testing.T) {
	// BT.601 limited range reference values.
	tests := []struct {
		name    string
		r, g, b byte
		y, u, v byte
	}{
		{"black", 0, 0, 0, 16, 128, 128},
		{"white", 255, 255, 255, 235, 128, 128},
		{"red", 255, 0, 0, 82, 90, 240},
		{"green", 0, 255, 0, 145, 54, 34},
		{"blue", 0, 0, 255, 41, 240, 110},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := NewDecodedFrame(16, 16, 0)
			RGBAToI420(solidRGBA(16, 16, tt.r, tt.g, tt.b), 16, 16, frame)

			require.InDelta(t, tt.y, frame.Data[0][0], 2, "Y")
			require.InDelta(t, tt.u, frame.Data[1][0], 2, "U")
			require.InDelta(t, tt.v, frame.Data[2][0], 2, "V")

			// Solid input means uniform planes.
			for _, v := range frame.Data[0] {
				require.Equal(t, frame.Data[0][0], v)
			}
		})
	}
}

func TestRGBAI420Roundtrip(t *testing.T) {
	frame := NewDecodedFrame(16, 16, 0)
	RGBAToI420(solidRGBA(16, 16, 200, 100, 50), 16, 16, frame)

	rgba := make([]byte, 16*16*4)
	I420ToRGBA(frame, rgba)

	// Limited-range YUV quantizes; a handful of code values of error is
	// the expected round trip loss.
	require.InDelta(t, 200, rgba[0], 6, "R")
	require.InDelta(t, 100, rgba[1], 6, "G")
	require.InDelta(t, 50, rgba[2], 6, "B")
	require.EqualValues(t, 255, rgba[3])
}

func TestClampByte(t *testing.T) {
	require.EqualValues(t, 0, clampByte(-5))
	require.EqualValues(t, 0, clampByte(0))
	require.EqualValues(t, 128, clampByte(128))
	require.EqualValues(t, 255, clampByte(255))
	require.EqualValues(t, 255, clampByte(300))
}
