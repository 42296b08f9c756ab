package metrics

import "sync/atomic"

// Statistics counts packets moving through the agent queue. Producers and the
// consumer update it concurrently.
type Statistics struct {
	received  atomic.Uint32
	queued    atomic.Uint32
	processed atomic.Uint32
	dropped   atomic.Uint32
}

// Snapshot is a point-in-time copy of Statistics.
type Snapshot struct {
	PacketsReceived  uint32 `json:"packets_received"`
	PacketsQueued    uint32 `json:"packets_queued"`
	PacketsProcessed uint32 `json:"packets_processed"`
	PacketsDropped   uint32 `json:"packets_dropped"`
}

func (s *Statistics) Received()  { s.received.Add(1) }
func (s *Statistics) Queued()    { s.queued.Add(1) }
func (s *Statistics) Processed() { s.processed.Add(1) }
func (s *Statistics) Dropped()   { s.dropped.Add(1) }

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		PacketsReceived:  s.received.Load(),
		PacketsQueued:    s.queued.Load(),
		PacketsProcessed: s.processed.Load(),
		PacketsDropped:   s.dropped.Load(),
	}
}

// Reset zeroes the counters.
func (s *Statistics) Reset() {
	s.received.Store(0)
	s.queued.Store(0)
	s.processed.Store(0)
	s.dropped.Store(0)
}
