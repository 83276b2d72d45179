package localize

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidLeafSize is returned when a voxel edge length is not a positive finite number.
var ErrInvalidLeafSize = errors.New("voxel leaf size must be a positive finite number")

// VoxelKey indexes a cell of a uniform voxel grid.
type VoxelKey struct {
	I, J, K int64
}

func (k VoxelKey) less(o VoxelKey) bool {
	if k.I != o.I {
		return k.I < o.I
	}
	if k.J != o.J {
		return k.J < o.J
	}
	return k.K < o.K
}

type voxelAccum struct {
	sumX, sumY, sumZ, sumI float64
	n                      int
}

// VoxelKeyFor returns the grid cell containing p for edge length leaf.
func VoxelKeyFor(p Point, leaf float64) (VoxelKey, error) {
	i, err := voxelIndex(p.X, leaf)
	if err != nil {
		return VoxelKey{}, err
	}
	j, err := voxelIndex(p.Y, leaf)
	if err != nil {
		return VoxelKey{}, err
	}
	k, err := voxelIndex(p.Z, leaf)
	if err != nil {
		return VoxelKey{}, err
	}
	return VoxelKey{I: i, J: j, K: k}, nil
}

func voxelIndex(v, leaf float64) (int64, error) {
	f := math.Floor(v / leaf)
	// float64(math.MaxInt64) rounds up to 2^63, so compare with >=.
	if f >= float64(math.MaxInt64) || f < float64(math.MinInt64) {
		return 0, fmt.Errorf("coordinate %g overflows voxel index at leaf size %g", v, leaf)
	}
	return int64(f), nil
}

// VoxelDownsample replaces the points of every occupied L x L x L cell by
// their centroid. Non-finite points are skipped. The result is ordered by
// voxel key so it does not depend on input order.
func VoxelDownsample(cloud PointCloud, leaf float64) (PointCloud, error) {
	if !(leaf > 0) || math.IsInf(leaf, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLeafSize, leaf)
	}

	cells := make(map[VoxelKey]*voxelAccum, len(cloud)/4+1)
	for _, p := range cloud {
		if !p.IsFinite() {
			continue
		}
		key, err := VoxelKeyFor(p, leaf)
		if err != nil {
			return nil, err
		}
		acc, ok := cells[key]
		if !ok {
			acc = &voxelAccum{}
			cells[key] = acc
		}
		acc.sumX += p.X
		acc.sumY += p.Y
		acc.sumZ += p.Z
		acc.sumI += p.Intensity
		acc.n++
	}

	keys := make([]VoxelKey, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].less(keys[b]) })

	out := make(PointCloud, 0, len(keys))
	for _, k := range keys {
		acc := cells[k]
		n := float64(acc.n)
		out = append(out, Point{
			X:         acc.sumX / n,
			Y:         acc.sumY / n,
			Z:         acc.sumZ / n,
			Intensity: acc.sumI / n,
		})
	}
	return out, nil
}
