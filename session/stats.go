package session

import "sync/atomic"

// Stats aggregates session counters. All fields are updated atomically
// from the sender and receiver workers and may be read concurrently.
type Stats struct {
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	inputSent      atomic.Uint64
	inputReceived  atomic.Uint64
	authFailures   atomic.Uint64
	droppedFrames  atomic.Uint64
	queueHighWater atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the session counters.
type StatsSnapshot struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	InputSent      uint64
	InputReceived  uint64
	AuthFailures   uint64
	DroppedFrames  uint64
	QueueHighWater int64
}

// Snapshot returns a consistent-enough copy for monitoring; individual
// counters are read atomically but not as one transaction.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesSent:     s.framesSent.Load(),
		FramesReceived: s.framesReceived.Load(),
		BytesSent:      s.bytesSent.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		InputSent:      s.inputSent.Load(),
		InputReceived:  s.inputReceived.Load(),
		AuthFailures:   s.authFailures.Load(),
		DroppedFrames:  s.droppedFrames.Load(),
		QueueHighWater: s.queueHighWater.Load(),
	}
}

// noteQueueDepth records the send-queue high-water mark.
func (s *Stats) noteQueueDepth(depth int) {
	for {
		current := s.queueHighWater.Load()
		if int64(depth) <= current {
			return
		}
		if s.queueHighWater.CompareAndSwap(current, int64(depth)) {
			return
		}
	}
}
