package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaddedStride(t *testing.T) {
	tests := []struct {
		width int
		want  int
	}{
		{640, 1920},
		{910, 2732},
		{1366, 4100},
		{1, 4},
		{4, 12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PaddedStride(tt.width), "width %d", tt.width)
	}
}

func TestPadUnpadRows(t *testing.T) {
	// 3x2 raster: rows of 9 bytes padded to 12.
	packed := []byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9,
		10, 11, 12, 13, 14, 15, 16, 17, 18,
	}
	stride := PaddedStride(3)
	require.Equal(t, 12, stride)

	padded, err := PadRows(packed, 3, 2, stride)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 0, 0, 0,
		10, 11, 12, 13, 14, 15, 16, 17, 18, 0, 0, 0,
	}, padded)

	back, err := UnpadRows(padded, 3, 2, stride)
	require.NoError(t, err)
	assert.Equal(t, packed, back)

	// The last row may be delivered without its trailing padding.
	back, err = UnpadRows(padded[:len(padded)-3], 3, 2, stride)
	require.NoError(t, err)
	assert.Equal(t, packed, back)
}

func TestPadUnpadRows_NoPadding(t *testing.T) {
	packed := make([]byte, 4*2*3)
	for i := range packed {
		packed[i] = byte(i)
	}

	padded, err := PadRows(packed, 4, 2, PaddedStride(4))
	require.NoError(t, err)
	assert.Equal(t, packed, padded)

	back, err := UnpadRows(packed, 4, 2, 12)
	require.NoError(t, err)
	assert.Equal(t, packed, back)
}

func TestPadUnpadRows_Errors(t *testing.T) {
	_, err := UnpadRows(make([]byte, 10), 3, 2, 12)
	assert.Error(t, err, "short buffer")
	_, err = UnpadRows(make([]byte, 24), 3, 2, 8)
	assert.Error(t, err, "stride below row size")
	_, err = PadRows(make([]byte, 17), 3, 2, 12)
	assert.Error(t, err, "wrong packed size")
	_, err = PadRows(nil, 0, 2, 12)
	assert.Error(t, err)
}
