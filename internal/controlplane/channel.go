// Package controlplane defines how the agent talks to the job service: it
// receives job documents and reports job status.
package controlplane

import (
	"context"
	"errors"
)

// ErrNotConnected is returned when a message cannot be sent because the
// channel has no live connection.
var ErrNotConnected = errors.New("controlplane: not connected")

// DeliverFunc hands a received job document to the agent. It runs on the
// channel's goroutine; the agent copies the document before returning.
type DeliverFunc func(doc []byte) error

// Channel is a control transport.
type Channel interface {
	// Subscribe starts receiving job documents.
	Subscribe(ctx context.Context, deliver DeliverFunc) error
	// RequestJobDocument asks the service for the next pending job.
	RequestJobDocument(ctx context.Context, clientToken string) error
	// PublishStatus reports status doc for jobID.
	PublishStatus(ctx context.Context, jobID string, doc []byte) error
	Close() error
}
