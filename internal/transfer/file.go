package transfer

import (
	"errors"
	"fmt"
	"io"
)

var ErrEmptyFile = errors.New("transfer: file size is zero")

// Sink is the write destination for one image. Blocks may arrive in any
// order. Close finalizes a fully written image; Abort discards it. Either one
// ends the sink's life.
type Sink interface {
	io.ReaderAt
	WriteBlock(offset int64, data []byte) error
	Close() error
	Abort() error
}

// Verifier checks an image signature.
type Verifier interface {
	Verify(image io.Reader, signature []byte, certFile string) error
}

// Block is one received chunk of the file being transferred.
type Block struct {
	FileID uint32
	Index  int
	Data   []byte
}

// FileContext holds the transfer state of the file being received.
type FileContext struct {
	JobID        string
	FilePath     string
	FileSize     uint32
	ServerFileID uint32
	CertFile     string
	UpdateURL    string
	AuthScheme   string
	StreamName   string
	Protocols    []string
	Signature    []byte
	Attributes   uint32

	BlockSize       int
	Bitmap          *Bitmap
	BlocksRemaining int
	Sink            Sink
}

// Init sizes the bitmap for blockSize. A file needing more blocks than the
// bitmap ceiling allows fails with ErrBitmapTooLarge.
func (fc *FileContext) Init(blockSize int, g Granularity) error {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return fmt.Errorf("transfer: block size %d is not a power of two", blockSize)
	}
	if fc.FileSize == 0 {
		return ErrEmptyFile
	}

	blocks := int((int64(fc.FileSize) + int64(blockSize) - 1) / int64(blockSize))
	bm, err := NewBitmap(blocks, g)
	if err != nil {
		return fmt.Errorf("file %s of %d bytes, max %d: %w", fc.FilePath, fc.FileSize, MaxFileSize(blockSize, g), err)
	}

	fc.BlockSize = blockSize
	fc.Bitmap = bm
	fc.BlocksRemaining = blocks
	return nil
}

// TotalBlocks returns the number of blocks in the file.
func (fc *FileContext) TotalBlocks() int {
	if fc.Bitmap == nil {
		return 0
	}
	return fc.Bitmap.Len()
}

// BlockLen returns the expected payload length of block i. Only the last
// block may be short.
func (fc *FileContext) BlockLen(i int) int {
	if i == fc.TotalBlocks()-1 {
		if rem := int(fc.FileSize) % fc.BlockSize; rem != 0 {
			return rem
		}
	}
	return fc.BlockSize
}

// Offset returns the byte offset of block i.
func (fc *FileContext) Offset(i int) int64 {
	return int64(i) * int64(fc.BlockSize)
}

// Active reports whether blocks are still expected for this file.
func (fc *FileContext) Active() bool {
	return fc.Sink != nil && fc.Bitmap != nil && fc.BlocksRemaining > 0
}

// Received returns how many blocks have been ingested.
func (fc *FileContext) Received() int {
	return fc.TotalBlocks() - fc.BlocksRemaining
}

// Close aborts any open sink and clears the transfer state.
func (fc *FileContext) Close() error {
	var err error
	if fc.Sink != nil {
		err = fc.Sink.Abort()
		fc.Sink = nil
	}
	fc.Bitmap = nil
	fc.BlocksRemaining = 0
	return err
}
