package localize

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ScanProcessor consumes scans one at a time. *Tracker implements it.
type ScanProcessor interface {
	Process(ctx context.Context, scan Scan) (*PoseRecord, error)
}

// ScanQueue is a bounded FIFO between the transport and the tracker.
// Push never blocks: when the buffer is full the newest scan is dropped.
type ScanQueue struct {
	ch      chan Scan
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	handled atomic.Uint64
}

// NewScanQueue creates a queue holding up to size scans (minimum 1).
func NewScanQueue(size int) *ScanQueue {
	if size < 1 {
		size = 1
	}
	return &ScanQueue{ch: make(chan Scan, size)}
}

// Push enqueues the scan. It returns false if the scan was dropped.
func (q *ScanQueue) Push(scan Scan) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}

	select {
	case q.ch <- scan:
		return true
	default:
		n := q.dropped.Add(1)
		Logf("[QUEUE] Scan queue full (%d), dropping scan (%d dropped so far)", cap(q.ch), n)
		return false
	}
}

// Close stops accepting scans. Run drains what is already queued and returns.
func (q *ScanQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Len returns the number of scans waiting.
func (q *ScanQueue) Len() int { return len(q.ch) }

// Dropped returns the number of scans rejected by Push.
func (q *ScanQueue) Dropped() uint64 { return q.dropped.Load() }

// Handled returns the number of scans passed to the processor.
func (q *ScanQueue) Handled() uint64 { return q.handled.Load() }

// Run feeds queued scans to p in arrival order until ctx is done or the
// queue is closed and drained. Per-scan errors are logged and skipped.
func (q *ScanQueue) Run(ctx context.Context, p ScanProcessor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case scan, ok := <-q.ch:
			if !ok {
				return nil
			}
			q.handled.Add(1)
			_, err := p.Process(ctx, scan)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, ErrNotReady):
				Logf("[QUEUE] Warning: dropping scan: %v", err)
			case errors.Is(err, ErrRegistrationTimeout):
				Logf("[QUEUE] Warning: %v", err)
			default:
				Logf("[QUEUE] Error processing scan: %v", err)
			}
		}
	}
}
