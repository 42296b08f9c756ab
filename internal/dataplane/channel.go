// Package dataplane carries file blocks from the update service to the agent.
//
// Every channel hands received blocks to the agent as encoded frames through
// a DeliverFunc. Delivery happens on the channel's own goroutine; the
// function must copy what it keeps and must not block.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// ErrNoProtocol is returned when no configured channel serves a job.
var ErrNoProtocol = errors.New("dataplane: no usable data protocol")

// ErrBusy is returned by a DeliverFunc that cannot take a block right now.
var ErrBusy = errors.New("dataplane: receiver busy")

// DeliverFunc hands one encoded frame to the agent.
type DeliverFunc func(frame []byte) error

// Channel is a data transport for one file at a time.
type Channel interface {
	Name() string
	// Init prepares the channel for fc. Deliveries stop after Deinit.
	Init(ctx context.Context, fc *transfer.FileContext, deliver DeliverFunc) error
	// Request asks for blocks first..last inclusive. It does not wait for them.
	Request(ctx context.Context, fc *transfer.FileContext, first, last int) error
	Deinit() error
}

// Select picks the channel for a job. Channels are tried in preference
// order; one is usable when the job lists its protocol, or when the job lists
// none at all.
func Select(jobProtocols, preference []string, channels map[string]Channel) (Channel, error) {
	offered := make(map[string]bool, len(jobProtocols))
	for _, p := range jobProtocols {
		offered[strings.ToLower(p)] = true
	}

	for _, name := range preference {
		ch, ok := channels[name]
		if !ok {
			continue
		}
		if len(offered) == 0 || offered[name] {
			debug.Debug("Selected data protocol %s", name)
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: job offers %v, agent supports %v", ErrNoProtocol, jobProtocols, preference)
}
