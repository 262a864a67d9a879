package vexport

// RGBAToI420 converts packed RGBA pixels (as returned by ReadPixels) into
// an I420 frame, using BT.601 limited-range coefficients in integer math.
// Chroma is subsampled by averaging each 2x2 block. Odd trailing rows or
// columns reuse the last even one.
func RGBAToI420(pixels []byte, width, height int, dst *DecodedFrame) {
	y := dst.Data[0]
	u := dst.Data[1]
	v := dst.Data[2]
	yStride := dst.Stride[0]
	uvStride := dst.Stride[1]

	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			i := (row*width + col) * 4
			r := int(pixels[i])
			g := int(pixels[i+1])
			b := int(pixels[i+2])

			y[row*yStride+col] = clampByte(((66*r + 129*g + 25*b + 128) >> 8) + 16)
		}
	}

	for row := 0; row < height/2; row++ {
		for col := 0; col < width/2; col++ {
			var rSum, gSum, bSum int
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					i := ((row*2+dy)*width + col*2 + dx) * 4
					rSum += int(pixels[i])
					gSum += int(pixels[i+1])
					bSum += int(pixels[i+2])
				}
			}
			r := rSum / 4
			g := gSum / 4
			b := bSum / 4

			u[row*uvStride+col] = clampByte(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
			v[row*uvStride+col] = clampByte(((112*r - 94*g - 18*b + 128) >> 8) + 128)
		}
	}
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// I420ToRGBA converts an I420 frame back to packed RGBA. Used by the
// software render engine to blend decoded frames onto its canvas.
func I420ToRGBA(frame *DecodedFrame, dst []byte) {
	width := frame.Width
	height := frame.Height
	yPlane := frame.Data[0]
	uPlane := frame.Data[1]
	vPlane := frame.Data[2]

	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			yv := int(yPlane[row*frame.Stride[0]+col]) - 16
			uv := int(uPlane[(row/2)*frame.Stride[1]+col/2]) - 128
			vv := int(vPlane[(row/2)*frame.Stride[2]+col/2]) - 128

			i := (row*width + col) * 4
			dst[i] = clampByte((298*yv + 409*vv + 128) >> 8)
			dst[i+1] = clampByte((298*yv - 100*uv - 208*vv + 128) >> 8)
			dst[i+2] = clampByte((298*yv + 516*uv + 128) >> 8)
			dst[i+3] = 255
		}
	}
}
