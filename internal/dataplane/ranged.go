package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// A busy receiver is retried with a growing pause until busyWait runs out.
const (
	busyBackoff    = 5 * time.Millisecond
	maxBusyBackoff = 100 * time.Millisecond
	busyWait       = 5 * time.Second
)

// RangeReader fetches byte ranges of the file named by a file context.
type RangeReader interface {
	// Check reports whether fc carries what the reader needs to locate the file.
	Check(fc *transfer.FileContext) error
	ReadRange(ctx context.Context, t Target, offset, length int64) ([]byte, error)
}

// Target locates the file for a RangeReader.
type Target struct {
	URL        string
	AuthScheme string
	StreamName string
	FilePath   string
}

// RangedChannel turns a RangeReader into a Channel. Each request is served
// on its own goroutine and split into frames.
type RangedChannel struct {
	name   string
	reader RangeReader

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	deliver DeliverFunc
	wg      sync.WaitGroup
}

// NewRangedChannel returns a channel called name backed by r.
func NewRangedChannel(name string, r RangeReader) *RangedChannel {
	return &RangedChannel{name: name, reader: r}
}

func (c *RangedChannel) Name() string { return c.name }

func (c *RangedChannel) Init(ctx context.Context, fc *transfer.FileContext, deliver DeliverFunc) error {
	if err := c.reader.Check(fc); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.deliver = deliver
	return nil
}

func (c *RangedChannel) Request(_ context.Context, fc *transfer.FileContext, first, last int) error {
	c.mu.Lock()
	ctx, deliver := c.ctx, c.deliver
	c.mu.Unlock()
	if ctx == nil || deliver == nil {
		return fmt.Errorf("%s: channel not initialized", c.name)
	}
	if first < 0 || last < first || last >= fc.TotalBlocks() {
		return fmt.Errorf("%s: invalid block range %d-%d", c.name, first, last)
	}

	t := Target{URL: fc.UpdateURL, AuthScheme: fc.AuthScheme, StreamName: fc.StreamName, FilePath: fc.FilePath}
	fileID := fc.ServerFileID
	blockSize := int64(fc.BlockSize)
	fileSize := int64(fc.FileSize)

	offset := int64(first) * blockSize
	end := min(int64(last+1)*blockSize, fileSize)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		data, err := c.reader.ReadRange(ctx, t, offset, end-offset)
		if err != nil {
			if ctx.Err() == nil {
				debug.Error("%s: failed to fetch blocks %d-%d: %v", c.name, first, last, err)
			}
			return
		}
		if int64(len(data)) != end-offset {
			debug.Warning("%s: fetched %d bytes for blocks %d-%d, expected %d", c.name, len(data), first, last, end-offset)
		}

		for i, off := first, int64(0); off < int64(len(data)); i, off = i+1, off+blockSize {
			want := min(blockSize, fileSize-int64(i)*blockSize)
			if off+want > int64(len(data)) {
				break
			}
			frame, err := EncodeBlock(fileID, i, data[off:off+want])
			if err != nil {
				debug.Error("%s: %v", c.name, err)
				return
			}
			if err := deliverBlock(ctx, deliver, frame); err != nil {
				if ctx.Err() == nil {
					debug.Warning("%s: block %d not delivered: %v", c.name, i, err)
				}
				return
			}
		}
	}()
	return nil
}

// Deinit cancels in-flight fetches and waits for them to return.
func (c *RangedChannel) Deinit() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.ctx = nil
	c.deliver = nil
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// deliverBlock hands frame to deliver, waiting out ErrBusy.
func deliverBlock(ctx context.Context, deliver DeliverFunc, frame []byte) error {
	deadline := time.Now().Add(busyWait)
	pause := busyBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := deliver(frame)
		if err == nil || !errors.Is(err, ErrBusy) || time.Now().After(deadline) {
			return err
		}

		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		pause = min(pause*2, maxBusyBackoff)
	}
}
