package localize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	mu    sync.Mutex
	seen  []time.Time
	err   error
	block chan struct{}
}

func (p *stubProcessor) Process(ctx context.Context, scan Scan) (*PoseRecord, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, scan.Stamp)
	if p.err != nil {
		return nil, p.err
	}
	return &PoseRecord{Seq: uint64(len(p.seen))}, nil
}

func (p *stubProcessor) stamps() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.seen...)
}

func TestScanQueueDropsNewestWhenFull(t *testing.T) {
	quietLogs(t)
	q := NewScanQueue(2)

	assert.True(t, q.Push(Scan{Stamp: time.Unix(1, 0)}))
	assert.True(t, q.Push(Scan{Stamp: time.Unix(2, 0)}))
	assert.False(t, q.Push(Scan{Stamp: time.Unix(3, 0)}))
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	q.Close()
	p := &stubProcessor{}
	require.NoError(t, q.Run(context.Background(), p))

	// The queued scans survive, the late one is gone.
	assert.Equal(t, []time.Time{time.Unix(1, 0), time.Unix(2, 0)}, p.stamps())
	assert.Equal(t, uint64(2), q.Handled())
}

func TestScanQueuePreservesArrivalOrder(t *testing.T) {
	quietLogs(t)
	q := NewScanQueue(64)
	p := &stubProcessor{}

	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background(), p) }()

	var want []time.Time
	for i := 0; i < 50; i++ {
		stamp := time.Unix(int64(i), 0)
		want = append(want, stamp)
		require.True(t, q.Push(Scan{Stamp: stamp}))
	}
	q.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queue worker did not finish")
	}
	assert.Equal(t, want, p.stamps())
}

func TestScanQueueErrorsDoNotStopWorker(t *testing.T) {
	quietLogs(t)
	for _, procErr := range []error{
		fmt.Errorf("%w: map", ErrNotReady),
		fmt.Errorf("%w (1ms)", ErrRegistrationTimeout),
		ErrEmptyScan,
		errors.New("boom"),
	} {
		q := NewScanQueue(4)
		p := &stubProcessor{err: procErr}
		q.Push(Scan{Stamp: time.Unix(1, 0)})
		q.Push(Scan{Stamp: time.Unix(2, 0)})
		q.Close()

		require.NoError(t, q.Run(context.Background(), p), "error %v", procErr)
		assert.Len(t, p.stamps(), 2, "error %v", procErr)
	}
}

func TestScanQueueStopsOnContextCancel(t *testing.T) {
	quietLogs(t)
	q := NewScanQueue(4)
	p := &stubProcessor{block: make(chan struct{})}
	q.Push(Scan{Stamp: time.Unix(1, 0)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx, p) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("queue worker ignored cancellation")
	}
}

func TestScanQueuePushAfterClose(t *testing.T) {
	q := NewScanQueue(0)
	q.Close()
	q.Close()
	assert.False(t, q.Push(Scan{}))
	assert.Equal(t, uint64(1), q.Dropped())
}

func TestScanQueueFeedsTracker(t *testing.T) {
	sink := &recordingSink{}
	tr, scan := enclosureFixture(t, sink)

	q := NewScanQueue(8)
	for i := 0; i < 3; i++ {
		s := scan
		s.Stamp = scan.Stamp.Add(time.Duration(i) * time.Second)
		require.True(t, q.Push(s))
	}
	q.Close()
	require.NoError(t, q.Run(context.Background(), tr))

	recs := sink.snapshot()
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
	assert.True(t, recs[0].Bootstrap)
	assert.False(t, recs[2].Bootstrap)
}
