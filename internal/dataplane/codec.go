package dataplane

import (
	"errors"
	"fmt"

	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrBadFrame marks a block frame that decoded but is inconsistent.
var ErrBadFrame = errors.New("dataplane: malformed block frame")

// Frame is the wire form of one block. Streaming servers send it as is;
// ranged fetchers wrap what they read in it so every block reaches the agent
// the same way.
type Frame struct {
	FileID    uint32 `msgpack:"f"`
	BlockID   uint32 `msgpack:"i"`
	BlockSize uint32 `msgpack:"l"`
	Payload   []byte `msgpack:"p"`
}

// StreamRequest asks a streaming server for blocks. Bitmap is the receiver's
// full pending bitmap; Offset and NumBlocks narrow it to the range wanted now.
type StreamRequest struct {
	ClientToken string `msgpack:"c"`
	FileID      uint32 `msgpack:"f"`
	BlockSize   uint32 `msgpack:"l"`
	Offset      uint32 `msgpack:"o"`
	NumBlocks   uint32 `msgpack:"n"`
	Bitmap      []byte `msgpack:"b"`
}

// EncodeBlock builds the frame for block index of fileID.
func EncodeBlock(fileID uint32, index int, payload []byte) ([]byte, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: negative block index %d", ErrBadFrame, index)
	}
	data, err := msgpack.Marshal(&Frame{
		FileID:    fileID,
		BlockID:   uint32(index),
		BlockSize: uint32(len(payload)),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode block %d: %w", index, err)
	}
	return data, nil
}

// DecodeBlock parses a frame. The returned payload does not alias frame.
func DecodeBlock(frame []byte) (*transfer.Block, error) {
	var f Frame
	if err := msgpack.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if int(f.BlockSize) != len(f.Payload) {
		return nil, fmt.Errorf("%w: block %d declares %d bytes, carries %d",
			ErrBadFrame, f.BlockID, f.BlockSize, len(f.Payload))
	}
	return &transfer.Block{FileID: f.FileID, Index: int(f.BlockID), Data: f.Payload}, nil
}
