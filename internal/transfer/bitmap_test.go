package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBitmap(t *testing.T) {
	tests := []struct {
		name   string
		blocks int
		gran   Granularity
		bytes  []byte
	}{
		{"bit exact byte", 8, GranularityBit, []byte{0xff}},
		{"bit partial tail", 10, GranularityBit, []byte{0xff, 0x03}},
		{"byte", 3, GranularityByte, []byte{0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBitmap(tt.blocks, tt.gran)
			require.NoError(t, err)
			assert.Equal(t, tt.bytes, b.Bytes())
			assert.Equal(t, tt.blocks, b.Remaining())
			assert.Equal(t, tt.blocks, b.Len())
		})
	}
}

func TestNewBitmapLimits(t *testing.T) {
	_, err := NewBitmap(0, GranularityBit)
	assert.Error(t, err)

	_, err = NewBitmap(MaxBitmapBytes*8, GranularityBit)
	assert.NoError(t, err)
	_, err = NewBitmap(MaxBitmapBytes*8+1, GranularityBit)
	assert.ErrorIs(t, err, ErrBitmapTooLarge)

	_, err = NewBitmap(MaxBitmapBytes, GranularityByte)
	assert.NoError(t, err)
	_, err = NewBitmap(MaxBitmapBytes+1, GranularityByte)
	assert.ErrorIs(t, err, ErrBitmapTooLarge)

	assert.Equal(t, int64(1024*4096), MaxFileSize(4096, GranularityBit))
	assert.Equal(t, int64(128*4096), MaxFileSize(4096, GranularityByte))
}

func TestBitmapMark(t *testing.T) {
	for _, g := range []Granularity{GranularityBit, GranularityByte} {
		b, err := NewBitmap(10, g)
		require.NoError(t, err)

		assert.True(t, b.Mark(3))
		assert.False(t, b.Mark(3), "second mark is a duplicate")
		assert.False(t, b.Mark(10))
		assert.False(t, b.Mark(-1))
		assert.False(t, b.Pending(3))
		assert.False(t, b.Pending(10))
		assert.True(t, b.Pending(4))
		assert.Equal(t, 9, b.Remaining())

		b.Reset()
		assert.Equal(t, 10, b.Remaining())
	}
}

func TestBitmapPendingRange(t *testing.T) {
	b, err := NewBitmap(12, GranularityBit)
	require.NoError(t, err)

	first, last, ok := b.PendingRange(4)
	require.True(t, ok)
	assert.Equal(t, 0, first)
	assert.Equal(t, 3, last)

	b.Mark(0)
	b.Mark(1)
	b.Mark(3)
	first, last, ok = b.PendingRange(4)
	require.True(t, ok)
	assert.Equal(t, 2, first)
	assert.Equal(t, 2, last)

	assert.Equal(t, 4, b.NextPending(3))

	for i := 0; i < 12; i++ {
		b.Mark(i)
	}
	_, _, ok = b.PendingRange(4)
	assert.False(t, ok)
	assert.Equal(t, -1, b.NextPending(0))
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("byte")
	require.NoError(t, err)
	assert.Equal(t, GranularityByte, g)

	g, err = ParseGranularity("")
	require.NoError(t, err)
	assert.Equal(t, GranularityBit, g)

	_, err = ParseGranularity("nibble")
	assert.Error(t, err)
}
