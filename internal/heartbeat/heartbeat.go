package heartbeat

import (
	"context"
	"time"
)

// Start calls beat every interval until ctx is done. It blocks.
func Start(ctx context.Context, interval time.Duration, beat func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}
