package transfer

import (
	"fmt"
	"io"

	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// Result classifies the outcome of ingesting one block.
type Result int

const (
	ResultUninitialized Result = iota
	ResultAcceptedContinue
	ResultDuplicateContinue
	ResultFileComplete
	ResultSigCheckFail
	ResultFileCloseFail
	ResultNullContext
	ResultBadFileHandle
	ResultUnexpectedBlock
	ResultBlockOutOfRange
	ResultBadData
	ResultWriteBlockFailed
	ResultNullResultPointer
)

var resultNames = map[Result]string{
	ResultUninitialized:     "uninitialized",
	ResultAcceptedContinue:  "accepted",
	ResultDuplicateContinue: "duplicate",
	ResultFileComplete:      "file complete",
	ResultSigCheckFail:      "signature check failed",
	ResultFileCloseFail:     "file close failed",
	ResultNullContext:       "no file context",
	ResultBadFileHandle:     "bad file handle",
	ResultUnexpectedBlock:   "unexpected block",
	ResultBlockOutOfRange:   "block out of range",
	ResultBadData:           "bad data",
	ResultWriteBlockFailed:  "write block failed",
	ResultNullResultPointer: "no block",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Continue reports whether the transfer is still running after r.
func (r Result) Continue() bool {
	return r == ResultAcceptedContinue || r == ResultDuplicateContinue
}

// Terminal reports whether r ends the current file.
func (r Result) Terminal() bool {
	switch r {
	case ResultFileComplete, ResultSigCheckFail, ResultFileCloseFail, ResultWriteBlockFailed:
		return true
	default:
		return false
	}
}

// Ingestor writes received blocks and recognizes file completion.
type Ingestor struct {
	verifier Verifier
}

// NewIngestor returns an Ingestor verifying completed images with v.
func NewIngestor(v Verifier) *Ingestor {
	return &Ingestor{verifier: v}
}

// Ingest accepts one block into fc. The returned error carries the cause for
// write, signature and close failures; the Result is always set.
//
// A duplicate block is neither written nor counted. The block is marked in
// the bitmap only after it was written, so a failed write leaves the bitmap
// untouched. Once the last block lands the image is verified and the sink is
// closed (or aborted on a bad signature) and detached from fc.
func (in *Ingestor) Ingest(fc *FileContext, blk *Block) (Result, error) {
	if fc == nil {
		return ResultNullContext, nil
	}
	if blk == nil {
		return ResultNullResultPointer, nil
	}
	if fc.Sink == nil {
		return ResultBadFileHandle, nil
	}
	if fc.Bitmap == nil || fc.BlocksRemaining == 0 {
		return ResultUnexpectedBlock, nil
	}

	if blk.FileID != fc.ServerFileID {
		debug.Warning("Block %d for file id %d, expected %d", blk.Index, blk.FileID, fc.ServerFileID)
		return ResultBadData, nil
	}
	if !fc.Bitmap.InRange(blk.Index) {
		debug.Warning("Block %d out of range [0,%d)", blk.Index, fc.TotalBlocks())
		return ResultBlockOutOfRange, nil
	}
	if want := fc.BlockLen(blk.Index); len(blk.Data) != want {
		debug.Warning("Block %d has %d bytes, expected %d", blk.Index, len(blk.Data), want)
		return ResultBadData, nil
	}
	if !fc.Bitmap.Pending(blk.Index) {
		debug.Debug("Duplicate block %d ignored", blk.Index)
		return ResultDuplicateContinue, nil
	}

	if err := fc.Sink.WriteBlock(fc.Offset(blk.Index), blk.Data); err != nil {
		debug.Error("Failed to write block %d: %v", blk.Index, err)
		if abortErr := fc.Sink.Abort(); abortErr != nil {
			debug.Error("Failed to abort image after write failure: %v", abortErr)
		}
		fc.Sink = nil
		return ResultWriteBlockFailed, fmt.Errorf("write block %d: %w", blk.Index, err)
	}

	fc.Bitmap.Mark(blk.Index)
	fc.BlocksRemaining--
	debug.Debug("Block %d accepted, %d remaining", blk.Index, fc.BlocksRemaining)

	if fc.BlocksRemaining > 0 {
		return ResultAcceptedContinue, nil
	}
	return in.finish(fc)
}

func (in *Ingestor) finish(fc *FileContext) (Result, error) {
	sink := fc.Sink
	fc.Sink = nil

	if in.verifier != nil {
		image := io.NewSectionReader(sink, 0, int64(fc.FileSize))
		if err := in.verifier.Verify(image, fc.Signature, fc.CertFile); err != nil {
			debug.Error("Signature check failed for %s: %v", fc.FilePath, err)
			if abortErr := sink.Abort(); abortErr != nil {
				debug.Error("Failed to discard rejected image: %v", abortErr)
			}
			return ResultSigCheckFail, fmt.Errorf("verify %s: %w", fc.FilePath, err)
		}
	}

	if err := sink.Close(); err != nil {
		debug.Error("Failed to close image %s: %v", fc.FilePath, err)
		return ResultFileCloseFail, fmt.Errorf("close %s: %w", fc.FilePath, err)
	}

	debug.Info("File %s received and verified (%d bytes)", fc.FilePath, fc.FileSize)
	return ResultFileComplete, nil
}
