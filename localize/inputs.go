package localize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/geo/r3"
)

var (
	// ErrNotReady is returned when the map or the seed did not arrive in time.
	ErrNotReady = errors.New("localization inputs not ready")
	// ErrNoSeed is returned when a seed is requested before one arrived.
	ErrNoSeed = errors.New("no seed available")
)

// PreparedMap is a downsampled, indexed map. It is never modified after
// construction, so readers may keep using it after it is replaced.
type PreparedMap struct {
	Target     *Target
	Raw        int // points received before downsampling
	LeafSize   float64
	ReceivedAt time.Time
}

// Cloud returns the downsampled map points.
func (m *PreparedMap) Cloud() PointCloud { return m.Target.Cloud() }

// PrepareMap downsamples a raw map cloud and builds its nearest-neighbour index.
func PrepareMap(raw PointCloud, leaf float64) (*PreparedMap, error) {
	down, err := VoxelDownsample(raw, leaf)
	if err != nil {
		return nil, fmt.Errorf("downsampling map: %w", err)
	}
	target, err := NewTarget(down)
	if err != nil {
		return nil, fmt.Errorf("indexing map: %w", err)
	}
	return &PreparedMap{Target: target, Raw: len(raw), LeafSize: leaf, ReceivedAt: time.Now()}, nil
}

// Inputs holds the latest map and seed and signals once both are present.
type Inputs struct {
	mu      sync.RWMutex
	mapLeaf float64
	prepped *PreparedMap
	seed    *SeedFix
	ready   chan struct{}
	closed  bool
}

// NewInputs creates an empty input holder. Maps are downsampled with mapLeaf.
func NewInputs(mapLeaf float64) *Inputs {
	return &Inputs{
		mapLeaf: mapLeaf,
		ready:   make(chan struct{}),
	}
}

// SetMap prepares and stores a new map, replacing any previous one.
func (in *Inputs) SetMap(raw PointCloud) (*PreparedMap, error) {
	pm, err := PrepareMap(raw, in.mapLeaf)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	in.prepped = pm
	in.signalLocked()
	in.mu.Unlock()

	Logf("[INPUT] Map ingested: %d points, %d after %.2f m voxel grid", pm.Raw, pm.Target.Len(), pm.LeafSize)
	return pm, nil
}

// SetSeed stores the latest seed fix. Only the newest value is kept.
func (in *Inputs) SetSeed(fix SeedFix) {
	in.mu.Lock()
	f := fix
	in.seed = &f
	in.signalLocked()
	in.mu.Unlock()
}

func (in *Inputs) signalLocked() {
	if !in.closed && in.prepped != nil && in.seed != nil {
		close(in.ready)
		in.closed = true
	}
}

// Map returns the current prepared map, or nil.
func (in *Inputs) Map() *PreparedMap {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.prepped
}

// Seed returns the latest seed position.
func (in *Inputs) Seed() (r3.Vector, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.seed == nil {
		return r3.Vector{}, false
	}
	return in.seed.Point, true
}

// Ready reports whether both the map and the seed are present.
func (in *Inputs) Ready() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.closed
}

// Snapshot returns the current map and seed together. The map pointer stays
// valid even if a newer map is set afterwards.
func (in *Inputs) Snapshot() (*PreparedMap, r3.Vector, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.prepped == nil {
		return nil, r3.Vector{}, ErrNoMap
	}
	if in.seed == nil {
		return nil, r3.Vector{}, ErrNoSeed
	}
	return in.prepped, in.seed.Point, nil
}

// WaitReady blocks until both inputs are present, the timeout elapses or ctx
// is done. A non-positive timeout waits only on ctx.
func (in *Inputs) WaitReady(ctx context.Context, timeout time.Duration) error {
	in.mu.RLock()
	ready := in.ready
	in.mu.RUnlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ready:
		return nil
	case <-timer:
		return fmt.Errorf("%w: missing %s after %v", ErrNotReady, in.missing(), timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Inputs) missing() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	var parts []string
	if in.prepped == nil {
		parts = append(parts, "map")
	}
	if in.seed == nil {
		parts = append(parts, "seed")
	}
	if len(parts) == 0 {
		return "nothing"
	}
	return strings.Join(parts, " and ")
}
