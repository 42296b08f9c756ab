package mqttclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubToken struct {
	done chan struct{}
	err  error
}

func (t *stubToken) Wait() bool                     { <-t.done; return true }
func (t *stubToken) WaitTimeout(time.Duration) bool { return true }
func (t *stubToken) Done() <-chan struct{}          { return t.done }
func (t *stubToken) Error() error                   { return t.err }

func TestWait(t *testing.T) {
	done := &stubToken{done: make(chan struct{}), err: errors.New("refused")}
	close(done.done)
	assert.EqualError(t, Wait(context.Background(), done, time.Second), "refused")

	pending := &stubToken{done: make(chan struct{})}
	assert.ErrorIs(t, Wait(context.Background(), pending, 10*time.Millisecond), ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Wait(ctx, pending, time.Second), context.Canceled)
}
