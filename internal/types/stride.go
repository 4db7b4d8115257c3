package types

import "fmt"

// PaddedStride returns the row size GStreamer uses for packed BGR24 in system
// memory: width*3 rounded up to a multiple of 4.
func PaddedStride(width int) int {
	return (width*3 + 3) &^ 3
}

// UnpadRows copies a raster whose rows are stride bytes apart into a tightly
// packed BGR24 buffer. A stride of width*3 returns a plain copy.
func UnpadRows(data []byte, width, height, stride int) ([]byte, error) {
	row := width * 3
	if width <= 0 || height <= 0 || stride < row {
		return nil, fmt.Errorf("invalid raster geometry %dx%d stride %d", width, height, stride)
	}
	if len(data) < stride*(height-1)+row {
		return nil, fmt.Errorf("raster %dx%d stride %d needs %d bytes, got %d",
			width, height, stride, stride*(height-1)+row, len(data))
	}

	out := make([]byte, row*height)
	if stride == row {
		copy(out, data)
		return out, nil
	}
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return out, nil
}

// PadRows expands a packed BGR24 raster to rows of stride bytes. Padding
// bytes are zero. The input is returned unchanged when no padding is needed.
func PadRows(data []byte, width, height, stride int) ([]byte, error) {
	row := width * 3
	if width <= 0 || height <= 0 || stride < row {
		return nil, fmt.Errorf("invalid raster geometry %dx%d stride %d", width, height, stride)
	}
	if len(data) != row*height {
		return nil, fmt.Errorf("raster %dx%d needs %d bytes, got %d", width, height, row*height, len(data))
	}
	if stride == row {
		return data, nil
	}

	out := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		copy(out[y*stride:y*stride+row], data[y*row:(y+1)*row])
	}
	return out, nil
}
