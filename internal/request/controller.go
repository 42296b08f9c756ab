// Package request decides when block ranges are (re)requested and tracks
// request momentum, the count of requests sent without forward progress.
package request

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/osal"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// ErrStalled is returned by OnTimeout once momentum passes the policy limit.
var ErrStalled = errors.New("request: transfer stalled")

// Requester sends a request for blocks first..last inclusive.
type Requester interface {
	Request(ctx context.Context, fc *transfer.FileContext, first, last int) error
}

// Policy configures the controller.
type Policy struct {
	Wait             time.Duration
	MaxMomentum      int
	BlocksPerRequest int
	// ResetOnDuplicate treats a duplicate block as progress.
	ResetOnDuplicate bool
}

// Controller issues block requests and re-issues them when the request
// timer fires without progress. It is driven from the agent's consumer
// goroutine; Momentum may be read from anywhere.
type Controller struct {
	os        osal.Provider
	policy    Policy
	onTimeout osal.TimerCallback

	momentum    atomic.Uint32
	first, last int
	outstanding bool
}

// New returns a controller arming osal.RequestTimer with onTimeout.
func New(p osal.Provider, policy Policy, onTimeout osal.TimerCallback) *Controller {
	if policy.BlocksPerRequest < 1 {
		policy.BlocksPerRequest = 1
	}
	return &Controller{os: p, policy: policy, onTimeout: onTimeout}
}

// Request asks for the first pending range of fc and arms the request timer.
// A failed send still arms the timer so the range is retried on expiry.
func (c *Controller) Request(ctx context.Context, r Requester, fc *transfer.FileContext) error {
	if fc == nil || fc.Bitmap == nil {
		return fmt.Errorf("request: no active file")
	}

	first, last, ok := fc.Bitmap.PendingRange(c.policy.BlocksPerRequest)
	if !ok {
		c.outstanding = false
		return nil
	}
	c.first, c.last, c.outstanding = first, last, true

	sendErr := r.Request(ctx, fc, first, last)
	if sendErr != nil {
		debug.Error("Failed to request blocks %d-%d: %v", first, last, sendErr)
	} else {
		debug.Debug("Requested blocks %d-%d (momentum %d)", first, last, c.Momentum())
	}

	if err := c.os.StartTimer(osal.RequestTimer, "request", c.policy.Wait, c.onTimeout); err != nil {
		debug.Error("Failed to arm request timer: %v", err)
		return err
	}
	if sendErr != nil {
		return fmt.Errorf("request blocks %d-%d: %w", first, last, sendErr)
	}
	return nil
}

// OnTimeout records one unanswered request and re-requests the outstanding
// range. Past MaxMomentum it disarms and returns ErrStalled.
func (c *Controller) OnTimeout(ctx context.Context, r Requester, fc *transfer.FileContext) error {
	m := c.momentum.Add(1)
	if c.policy.MaxMomentum > 0 && int(m) > c.policy.MaxMomentum {
		debug.Warning("Request momentum %d exceeds %d, giving up", m, c.policy.MaxMomentum)
		_ = c.Disarm()
		return fmt.Errorf("%w after %d unanswered requests", ErrStalled, m)
	}
	debug.Info("Request timed out, momentum now %d", m)
	return c.Request(ctx, r, fc)
}

// OnProgress resets momentum when res shows forward progress.
func (c *Controller) OnProgress(res transfer.Result) {
	switch {
	case res == transfer.ResultDuplicateContinue:
		if c.policy.ResetOnDuplicate {
			c.momentum.Store(0)
		}
	case res.Continue(), res == transfer.ResultFileComplete:
		c.momentum.Store(0)
	}
}

// RangeDone reports whether every block of the last requested range arrived.
func (c *Controller) RangeDone(fc *transfer.FileContext) bool {
	if !c.outstanding || fc == nil || fc.Bitmap == nil {
		return true
	}
	for i := c.first; i <= c.last; i++ {
		if fc.Bitmap.Pending(i) {
			return false
		}
	}
	return true
}

// Disarm stops the request timer.
func (c *Controller) Disarm() error {
	c.outstanding = false
	return c.os.StopTimer(osal.RequestTimer)
}

// Reset disarms and clears momentum for a new file.
func (c *Controller) Reset() {
	_ = c.Disarm()
	c.momentum.Store(0)
}

// Momentum returns the count of requests sent without progress.
func (c *Controller) Momentum() int {
	return int(c.momentum.Load())
}
