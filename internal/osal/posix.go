package osal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// Posix is a provider modelled on a POSIX message queue and timer_create:
// a ring buffer that never blocks senders and periodic timers that keep
// firing every period until stopped.
type Posix struct {
	mu     sync.Mutex
	ring   []Event
	head   int
	count  int
	notify chan struct{}
	closed chan struct{}

	timerMu sync.Mutex
	timers  [numTimers]*posixTimer
}

type posixTimer struct {
	name   string
	ticker *time.Ticker
	stop   chan struct{}
}

// NewPosix returns an uninitialized Posix provider.
func NewPosix() *Posix {
	return &Posix{}
}

func (p *Posix) InitEventQueue(depth int) error {
	if depth < 1 {
		return fmt.Errorf("%w: depth %d", ErrEventQueueCreateFailed, depth)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ring != nil {
		return fmt.Errorf("%w: queue already initialized", ErrEventQueueCreateFailed)
	}
	p.ring = make([]Event, depth)
	p.head, p.count = 0, 0
	p.notify = make(chan struct{}, 1)
	p.closed = make(chan struct{})
	debug.Debug("Posix event queue created with depth %d", depth)
	return nil
}

// SendEvent never waits: a full queue fails immediately whatever timeout is.
func (p *Posix) SendEvent(ev Event, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ring == nil {
		return fmt.Errorf("%w: queue not initialized", ErrEventQueueSendFailed)
	}
	if p.count == len(p.ring) {
		return queueFull()
	}

	p.ring[(p.head+p.count)%len(p.ring)] = ev
	p.count++

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

func (p *Posix) pop() (Event, bool) {
	if p.count == 0 {
		return Event{}, false
	}
	ev := p.ring[p.head]
	p.ring[p.head] = Event{}
	p.head = (p.head + 1) % len(p.ring)
	p.count--
	return ev, true
}

func (p *Posix) ReceiveEvent(ctx context.Context) (Event, error) {
	for {
		p.mu.Lock()
		if p.ring == nil {
			p.mu.Unlock()
			return Event{}, fmt.Errorf("%w: queue not initialized", ErrEventQueueReceiveFailed)
		}
		ev, ok := p.pop()
		notify, closed := p.notify, p.closed
		p.mu.Unlock()

		if ok {
			return ev, nil
		}

		select {
		case <-notify:
		case <-closed:
			return Event{}, fmt.Errorf("%w: queue deleted", ErrEventQueueReceiveFailed)
		case <-ctx.Done():
			return Event{}, fmt.Errorf("%w: %w", ErrEventQueueReceiveFailed, ctx.Err())
		}
	}
}

// Drain removes queued events without blocking.
func (p *Posix) Drain() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Event
	for {
		ev, ok := p.pop()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func (p *Posix) DeinitEventQueue() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ring == nil {
		return fmt.Errorf("%w: queue not initialized", ErrEventQueueDeleteFailed)
	}
	close(p.closed)
	p.ring = nil
	p.count = 0
	debug.Debug("Posix event queue deleted")
	return nil
}

// StartTimer arms a periodic timer. An existing timer is restarted with
// the new period.
func (p *Posix) StartTimer(id TimerID, name string, timeout time.Duration, cb TimerCallback) error {
	if !id.valid() || cb == nil {
		return fmt.Errorf("%w: %s", ErrTimerCreateFailed, name)
	}

	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	t := p.timers[id]
	if timeout <= 0 {
		if t != nil {
			return fmt.Errorf("%w: %s timeout %s", ErrTimerRestartFailed, name, timeout)
		}
		return fmt.Errorf("%w: %s timeout %s", ErrTimerStartFailed, name, timeout)
	}
	if t == nil {
		t = &posixTimer{}
		p.timers[id] = t
	} else {
		t.halt()
	}

	t.name = name
	t.ticker = time.NewTicker(timeout)
	t.stop = make(chan struct{})
	go run(id, cb, t.ticker, t.stop)
	debug.Debug("Periodic timer %s started every %s", name, timeout)
	return nil
}

func run(id TimerID, cb TimerCallback, ticker *time.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-ticker.C:
			cb(id)
		case <-stop:
			return
		}
	}
}

func (t *posixTimer) halt() {
	if t.ticker == nil {
		return
	}
	t.ticker.Stop()
	close(t.stop)
	t.ticker = nil
	t.stop = nil
}

func (p *Posix) StopTimer(id TimerID) error {
	if !id.valid() {
		return fmt.Errorf("%w: %s", ErrTimerStopFailed, id)
	}

	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	t := p.timers[id]
	if t == nil {
		debug.Warning("Timer %s was never created, nothing to stop", id)
		return nil
	}
	t.halt()
	debug.Debug("Periodic timer %s stopped", t.name)
	return nil
}

func (p *Posix) DeleteTimer(id TimerID) error {
	if !id.valid() {
		return fmt.Errorf("%w: %s", ErrTimerDeleteFailed, id)
	}

	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	t := p.timers[id]
	if t == nil {
		debug.Warning("Timer %s was never created, nothing to delete", id)
		return fmt.Errorf("%w: %s not created", ErrTimerDeleteFailed, id)
	}
	t.halt()
	p.timers[id] = nil
	return nil
}
