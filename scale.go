package vexport

// FrameScaler resizes I420 frames to the export resolution when the render
// engine's output dimensions differ from the requested ones.
type FrameScaler struct {
	dstWidth, dstHeight int

	// Pre-allocated output planes, reused across frames.
	outY, outU, outV []byte
}

// NewFrameScaler creates a scaler targeting the given dimensions.
// Dimensions are rounded up to even values for 4:2:0 subsampling.
func NewFrameScaler(dstWidth, dstHeight int) *FrameScaler {
	dstWidth = (dstWidth + 1) &^ 1
	dstHeight = (dstHeight + 1) &^ 1

	ySize := dstWidth * dstHeight
	uvSize := (dstWidth / 2) * (dstHeight / 2)
	return &FrameScaler{
		dstWidth:  dstWidth,
		dstHeight: dstHeight,
		outY:      make([]byte, ySize),
		outU:      make([]byte, uvSize),
		outV:      make([]byte, uvSize),
	}
}

// Scale resizes frame to the target dimensions, stretching to fill. The
// returned frame aliases the scaler's internal planes and is only valid
// until the next Scale call. Frames already at the target size pass
// through untouched.
func (s *FrameScaler) Scale(frame *DecodedFrame) *DecodedFrame {
	if frame.Width == s.dstWidth && frame.Height == s.dstHeight {
		return frame
	}

	scalePlane(frame.Data[0], frame.Stride[0], frame.Width, frame.Height,
		s.outY, s.dstWidth, s.dstWidth, s.dstHeight)
	scalePlane(frame.Data[1], frame.Stride[1], frame.Width/2, frame.Height/2,
		s.outU, s.dstWidth/2, s.dstWidth/2, s.dstHeight/2)
	scalePlane(frame.Data[2], frame.Stride[2], frame.Width/2, frame.Height/2,
		s.outV, s.dstWidth/2, s.dstWidth/2, s.dstHeight/2)

	return &DecodedFrame{
		Data:     [][]byte{s.outY, s.outU, s.outV},
		Stride:   []int{s.dstWidth, s.dstWidth / 2, s.dstWidth / 2},
		Width:    s.dstWidth,
		Height:   s.dstHeight,
		Format:   PixelFormatI420,
		PTS:      frame.PTS,
		Duration: frame.Duration,
	}
}

// scalePlane resizes one plane with bilinear interpolation in 16.16
// fixed point.
func scalePlane(src []byte, srcStride, srcW, srcH int, dst []byte, dstStride, dstW, dstH int) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		y0 := srcYFP >> 16
		yFrac := srcYFP & 0xFFFF

		y1 := y0 + 1
		if y1 >= srcH {
			y1 = y0
		}

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			x0 := srcXFP >> 16
			xFrac := srcXFP & 0xFFFF

			x1 := x0 + 1
			if x1 >= srcW {
				x1 = x0
			}

			p00 := int(src[y0*srcStride+x0])
			p10 := int(src[y0*srcStride+x1])
			p01 := int(src[y1*srcStride+x0])
			p11 := int(src[y1*srcStride+x1])

			top := (p00*(0x10000-xFrac) + p10*xFrac) >> 16
			bottom := (p01*(0x10000-xFrac) + p11*xFrac) >> 16
			dst[y*dstStride+x] = byte((top*(0x10000-yFrac) + bottom*yFrac) >> 16)
		}
	}
}
