// Package osal abstracts the event queue and timers the agent runs on.
//
// Two providers implement the same contract: Realtime mirrors a scheduler
// with a static queue and one-shot timers, Posix mirrors a message queue with
// periodic timers. Both guarantee that SendEvent never blocks indefinitely and
// that timer callbacks run on their own goroutine.
package osal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEventQueueCreateFailed  = errors.New("osal: event queue create failed")
	ErrEventQueueSendFailed    = errors.New("osal: event queue send failed")
	ErrEventQueueReceiveFailed = errors.New("osal: event queue receive failed")
	ErrEventQueueDeleteFailed  = errors.New("osal: event queue delete failed")
	ErrEventQueueFull          = errors.New("osal: event queue full")

	ErrTimerCreateFailed  = errors.New("osal: timer create failed")
	ErrTimerStartFailed   = errors.New("osal: timer start failed")
	ErrTimerRestartFailed = errors.New("osal: timer restart failed")
	ErrTimerStopFailed    = errors.New("osal: timer stop failed")
	ErrTimerDeleteFailed  = errors.New("osal: timer delete failed")
)

// EventID tags an event on the agent queue.
type EventID int

const (
	EventStart EventID = iota
	EventRequestJobDocument
	EventJobDocReady
	EventDataReady
	EventRequestTimeout
	EventSelfTestTimeout
	EventImageState
	EventUserAbort
	EventShutdown
)

var eventNames = map[EventID]string{
	EventStart:              "start",
	EventRequestJobDocument: "request-job-document",
	EventJobDocReady:        "job-document-ready",
	EventDataReady:          "data-ready",
	EventRequestTimeout:     "request-timeout",
	EventSelfTestTimeout:    "self-test-timeout",
	EventImageState:         "image-state",
	EventUserAbort:          "user-abort",
	EventShutdown:           "shutdown",
}

func (id EventID) String() string {
	if name, ok := eventNames[id]; ok {
		return name
	}
	return fmt.Sprintf("EventID(%d)", int(id))
}

// Event is one queue entry. Data, when set, is owned by whoever holds the
// event and must go back to its pool exactly once.
type Event struct {
	ID   EventID
	Data *Buffer
}

// TimerID names one of the agent timers.
type TimerID int

const (
	RequestTimer TimerID = iota
	SelfTestTimer

	numTimers
)

func (id TimerID) String() string {
	switch id {
	case RequestTimer:
		return "request"
	case SelfTestTimer:
		return "self-test"
	default:
		return fmt.Sprintf("TimerID(%d)", int(id))
	}
}

func (id TimerID) valid() bool {
	return id >= 0 && id < numTimers
}

// TimerCallback runs on its own goroutine when a timer fires. It should only
// enqueue an event.
type TimerCallback func(id TimerID)

// Provider is the event queue and timer capability the agent consumes.
type Provider interface {
	InitEventQueue(depth int) error
	// SendEvent enqueues ev, waiting at most timeout for room. It never
	// blocks indefinitely; a full queue yields ErrEventQueueFull wrapped in
	// ErrEventQueueSendFailed.
	SendEvent(ev Event, timeout time.Duration) error
	// ReceiveEvent blocks until an event arrives or ctx is done.
	ReceiveEvent(ctx context.Context) (Event, error)
	// Drain removes and returns queued events without blocking, so their
	// buffers can be released before the queue is deleted.
	Drain() []Event
	DeinitEventQueue() error

	// StartTimer arms id. Starting a timer that already exists resets it.
	StartTimer(id TimerID, name string, timeout time.Duration, cb TimerCallback) error
	// StopTimer disarms id. Stopping a timer that was never created is not an error.
	StopTimer(id TimerID) error
	DeleteTimer(id TimerID) error
}

// Provider kinds accepted by New.
const (
	KindRealtime = "realtime"
	KindPosix    = "posix"
)

// New returns the provider named kind.
func New(kind string) (Provider, error) {
	switch kind {
	case KindRealtime, "":
		return NewRealtime(), nil
	case KindPosix:
		return NewPosix(), nil
	default:
		return nil, fmt.Errorf("osal: unknown provider %q", kind)
	}
}

func queueFull() error {
	return fmt.Errorf("%w: %w", ErrEventQueueSendFailed, ErrEventQueueFull)
}
