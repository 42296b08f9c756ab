// Package httprange fetches file blocks with HTTP range requests against the
// update URL carried in the job document.
package httprange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ZerkerEOD/otaagent/internal/dataplane"
	"github.com/ZerkerEOD/otaagent/internal/transfer"
	"github.com/ZerkerEOD/otaagent/pkg/debug"
)

// Name is the protocol name jobs use for this channel.
const Name = "http"

var ErrNoURL = errors.New("httprange: job has no update url")

// Reader issues ranged GETs.
type Reader struct {
	client *http.Client
}

// NewReader returns a Reader using client, or a client with timeout when
// client is nil.
func NewReader(client *http.Client, timeout time.Duration) *Reader {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Reader{client: client}
}

// NewChannel returns the HTTP data channel.
func NewChannel(client *http.Client, timeout time.Duration) *dataplane.RangedChannel {
	return dataplane.NewRangedChannel(Name, NewReader(client, timeout))
}

func (r *Reader) Check(fc *transfer.FileContext) error {
	if fc.UpdateURL == "" {
		return ErrNoURL
	}
	return nil
}

// ReadRange fetches length bytes at offset. A server ignoring the Range
// header and answering 200 with the whole file is tolerated.
func (r *Reader) ReadRange(ctx context.Context, t dataplane.Target, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	debug.Debug("Fetching bytes %d-%d from %s", offset, offset+length-1, t.URL)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch range: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return io.ReadAll(io.LimitReader(resp.Body, length))
	case http.StatusOK:
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return nil, fmt.Errorf("short body skipping to offset %d: %w", offset, err)
		}
		return io.ReadAll(io.LimitReader(resp.Body, length))
	default:
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}
}
