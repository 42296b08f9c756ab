package transfer

import (
	"errors"
	"fmt"
	"math/bits"
)

// MaxBitmapBytes is the hard ceiling on block bitmap storage. With bit
// granularity it allows 1024 blocks, with byte granularity 128, so the
// largest transferable file is MaxBlocks(g) * blockSize.
const MaxBitmapBytes = 128

// erased is the initial state of every tracking unit: nothing received.
const erased = 0xff

var ErrBitmapTooLarge = errors.New("transfer: block count exceeds bitmap ceiling")

// Granularity selects how many bitmap bits track one block.
type Granularity int

const (
	// GranularityBit tracks each block with a single bit.
	GranularityBit Granularity = iota
	// GranularityByte tracks each block with a whole byte, for media that
	// can only clear a byte at a time.
	GranularityByte
)

// ParseGranularity maps a configuration value onto a Granularity.
func ParseGranularity(s string) (Granularity, error) {
	switch s {
	case "bit", "":
		return GranularityBit, nil
	case "byte":
		return GranularityByte, nil
	default:
		return 0, fmt.Errorf("unknown bitmap granularity %q", s)
	}
}

// MaxBlocks returns the most blocks a bitmap of granularity g can track.
func MaxBlocks(g Granularity) int {
	if g == GranularityByte {
		return MaxBitmapBytes
	}
	return MaxBitmapBytes * 8
}

// MaxFileSize returns the largest file expressible for blockSize.
func MaxFileSize(blockSize int, g Granularity) int64 {
	return int64(MaxBlocks(g)) * int64(blockSize)
}

// Bitmap records which blocks of a file are still pending. A set bit (or a
// byte still in the erased state) means the block has not been received.
type Bitmap struct {
	gran   Granularity
	blocks int
	data   []byte
}

// NewBitmap returns a bitmap with every block pending.
func NewBitmap(blocks int, g Granularity) (*Bitmap, error) {
	if blocks <= 0 {
		return nil, fmt.Errorf("transfer: bitmap needs at least one block, got %d", blocks)
	}
	if blocks > MaxBlocks(g) {
		return nil, fmt.Errorf("%w: %d blocks, max %d", ErrBitmapTooLarge, blocks, MaxBlocks(g))
	}

	size := blocks
	if g == GranularityBit {
		size = (blocks + 7) / 8
	}
	b := &Bitmap{gran: g, blocks: blocks, data: make([]byte, size)}
	b.Reset()
	return b, nil
}

// Reset marks every block pending again.
func (b *Bitmap) Reset() {
	for i := range b.data {
		b.data[i] = erased
	}
	if b.gran == GranularityBit {
		// bits past the last block are never pending
		if tail := b.blocks % 8; tail != 0 {
			b.data[len(b.data)-1] = byte(1<<uint(tail)) - 1
		}
	}
}

// Len returns the number of blocks tracked.
func (b *Bitmap) Len() int {
	return b.blocks
}

// InRange reports whether i is a valid block index.
func (b *Bitmap) InRange(i int) bool {
	return i >= 0 && i < b.blocks
}

// Pending reports whether block i is still to be received. Out of range
// indices are never pending.
func (b *Bitmap) Pending(i int) bool {
	if !b.InRange(i) {
		return false
	}
	if b.gran == GranularityByte {
		return b.data[i] == erased
	}
	return b.data[i/8]&(1<<uint(i%8)) != 0
}

// Mark records block i as received. It returns false if i was out of range
// or already received.
func (b *Bitmap) Mark(i int) bool {
	if !b.Pending(i) {
		return false
	}
	if b.gran == GranularityByte {
		b.data[i] = 0
	} else {
		b.data[i/8] &^= 1 << uint(i%8)
	}
	return true
}

// Remaining counts pending blocks.
func (b *Bitmap) Remaining() int {
	if b.gran == GranularityByte {
		n := 0
		for _, v := range b.data {
			if v == erased {
				n++
			}
		}
		return n
	}
	n := 0
	for _, v := range b.data {
		n += bits.OnesCount8(v)
	}
	return n
}

// NextPending returns the first pending block at or after from, or -1.
func (b *Bitmap) NextPending(from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < b.blocks; i++ {
		if b.Pending(i) {
			return i
		}
	}
	return -1
}

// PendingRange returns the first run of contiguous pending blocks, capped
// at limit blocks. ok is false when nothing is pending.
func (b *Bitmap) PendingRange(limit int) (first, last int, ok bool) {
	first = b.NextPending(0)
	if first < 0 {
		return 0, 0, false
	}
	if limit < 1 {
		limit = 1
	}
	last = first
	for last+1 < b.blocks && last+1-first < limit && b.Pending(last+1) {
		last++
	}
	return first, last, true
}

// Bytes returns a copy of the raw bitmap, suitable for sending to a server
// that streams the missing blocks.
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
