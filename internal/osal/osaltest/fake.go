// Package osaltest provides an osal.Provider whose timers only fire when a
// test says so.
package osaltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/osal"
)

// TimerState is a snapshot of one fake timer.
type TimerState struct {
	Name    string
	Timeout time.Duration
	Armed   bool
	Starts  int
	Stops   int
}

// Provider queues events like the realtime provider but never fires timers
// on its own.
type Provider struct {
	*osal.Realtime

	mu        sync.Mutex
	timers    map[osal.TimerID]*TimerState
	callbacks map[osal.TimerID]osal.TimerCallback

	// StartTimerErr, when set, is returned by StartTimer.
	StartTimerErr error
	// InitErr, when set, is returned by InitEventQueue.
	InitErr error
}

// New returns a fake provider.
func New() *Provider {
	return &Provider{
		Realtime:  osal.NewRealtime(),
		timers:    make(map[osal.TimerID]*TimerState),
		callbacks: make(map[osal.TimerID]osal.TimerCallback),
	}
}

func (p *Provider) InitEventQueue(depth int) error {
	if p.InitErr != nil {
		return p.InitErr
	}
	return p.Realtime.InitEventQueue(depth)
}

func (p *Provider) StartTimer(id osal.TimerID, name string, timeout time.Duration, cb osal.TimerCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.StartTimerErr != nil {
		return p.StartTimerErr
	}
	st, ok := p.timers[id]
	if !ok {
		st = &TimerState{}
		p.timers[id] = st
		p.callbacks[id] = cb
	}
	st.Name = name
	st.Timeout = timeout
	st.Armed = true
	st.Starts++
	return nil
}

func (p *Provider) StopTimer(id osal.TimerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.timers[id]; ok {
		st.Armed = false
		st.Stops++
	}
	return nil
}

func (p *Provider) DeleteTimer(id osal.TimerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.timers[id]; !ok {
		return fmt.Errorf("%w: %s not created", osal.ErrTimerDeleteFailed, id)
	}
	delete(p.timers, id)
	delete(p.callbacks, id)
	return nil
}

// Timer returns the state of id and whether it exists.
func (p *Provider) Timer(id osal.TimerID) (TimerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.timers[id]
	if !ok {
		return TimerState{}, false
	}
	return *st, true
}

// FireTimer runs the callback of an armed timer as if it expired. It
// reports false when the timer is not armed.
func (p *Provider) FireTimer(id osal.TimerID) bool {
	p.mu.Lock()
	st, ok := p.timers[id]
	cb := p.callbacks[id]
	if !ok || !st.Armed {
		p.mu.Unlock()
		return false
	}
	st.Armed = false
	p.mu.Unlock()

	cb(id)
	return true
}

// Receive is a test helper that waits up to timeout for the next event.
func (p *Provider) Receive(timeout time.Duration) (osal.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.ReceiveEvent(ctx)
}
