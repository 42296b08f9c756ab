package osal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// Realtime is a provider modelled on a real-time scheduler: a statically
// sized queue, bounded sends and one-shot timers that are reset when started
// again.
type Realtime struct {
	mu     sync.RWMutex
	queue  chan Event
	closed chan struct{}

	timerMu sync.Mutex
	timers  [numTimers]*time.Timer
}

// NewRealtime returns an uninitialized Realtime provider.
func NewRealtime() *Realtime {
	return &Realtime{}
}

func (r *Realtime) InitEventQueue(depth int) error {
	if depth < 1 {
		return fmt.Errorf("%w: depth %d", ErrEventQueueCreateFailed, depth)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queue != nil {
		return fmt.Errorf("%w: queue already initialized", ErrEventQueueCreateFailed)
	}
	r.queue = make(chan Event, depth)
	r.closed = make(chan struct{})
	debug.Debug("Realtime event queue created with depth %d", depth)
	return nil
}

func (r *Realtime) SendEvent(ev Event, timeout time.Duration) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.queue == nil {
		return fmt.Errorf("%w: queue not initialized", ErrEventQueueSendFailed)
	}

	if timeout <= 0 {
		select {
		case r.queue <- ev:
			return nil
		default:
			return queueFull()
		}
	}

	wait := time.NewTimer(timeout)
	defer wait.Stop()
	select {
	case r.queue <- ev:
		return nil
	case <-wait.C:
		return queueFull()
	}
}

func (r *Realtime) ReceiveEvent(ctx context.Context) (Event, error) {
	r.mu.RLock()
	queue, closed := r.queue, r.closed
	r.mu.RUnlock()

	if queue == nil {
		return Event{}, fmt.Errorf("%w: queue not initialized", ErrEventQueueReceiveFailed)
	}

	select {
	case ev := <-queue:
		return ev, nil
	case <-closed:
		return Event{}, fmt.Errorf("%w: queue deleted", ErrEventQueueReceiveFailed)
	case <-ctx.Done():
		return Event{}, fmt.Errorf("%w: %w", ErrEventQueueReceiveFailed, ctx.Err())
	}
}

// Drain removes queued events without blocking.
func (r *Realtime) Drain() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Event
	for r.queue != nil {
		select {
		case ev := <-r.queue:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// DeinitEventQueue deletes the queue and wakes any blocked receiver.
func (r *Realtime) DeinitEventQueue() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queue == nil {
		return fmt.Errorf("%w: queue not initialized", ErrEventQueueDeleteFailed)
	}
	close(r.closed)
	r.queue = nil
	debug.Debug("Realtime event queue deleted")
	return nil
}

func (r *Realtime) StartTimer(id TimerID, name string, timeout time.Duration, cb TimerCallback) error {
	if !id.valid() || cb == nil {
		return fmt.Errorf("%w: %s", ErrTimerCreateFailed, name)
	}

	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if t := r.timers[id]; t != nil {
		if timeout <= 0 {
			return fmt.Errorf("%w: %s timeout %s", ErrTimerRestartFailed, name, timeout)
		}
		// The callback may differ from the one the timer was created with.
		t.Stop()
		r.timers[id] = time.AfterFunc(timeout, func() { cb(id) })
		debug.Debug("Timer %s reset to %s", name, timeout)
		return nil
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: %s timeout %s", ErrTimerStartFailed, name, timeout)
	}

	r.timers[id] = time.AfterFunc(timeout, func() { cb(id) })
	debug.Debug("Timer %s started for %s", name, timeout)
	return nil
}

func (r *Realtime) StopTimer(id TimerID) error {
	if !id.valid() {
		return fmt.Errorf("%w: %s", ErrTimerStopFailed, id)
	}

	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	t := r.timers[id]
	if t == nil {
		debug.Warning("Timer %s was never created, nothing to stop", id)
		return nil
	}
	t.Stop()
	return nil
}

func (r *Realtime) DeleteTimer(id TimerID) error {
	if !id.valid() {
		return fmt.Errorf("%w: %s", ErrTimerDeleteFailed, id)
	}

	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	t := r.timers[id]
	if t == nil {
		debug.Warning("Timer %s was never created, nothing to delete", id)
		return fmt.Errorf("%w: %s not created", ErrTimerDeleteFailed, id)
	}
	t.Stop()
	r.timers[id] = nil
	return nil
}
