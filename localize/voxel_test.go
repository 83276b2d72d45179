package localize

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVoxelDownsampleCentroid(t *testing.T) {
	cloud := PointCloud{
		{X: 0.1, Y: 0.1, Z: 0.1, Intensity: 1},
		{X: 0.3, Y: 0.3, Z: 0.3, Intensity: 3},
		{X: 1.5, Y: 0.5, Z: 0.5, Intensity: 7},
	}

	got, err := VoxelDownsample(cloud, 1.0)
	require.NoError(t, err)

	want := PointCloud{
		{X: 0.2, Y: 0.2, Z: 0.2, Intensity: 2},
		{X: 1.5, Y: 0.5, Z: 0.5, Intensity: 7},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("VoxelDownsample mismatch (-want +got):\n%s", diff)
	}
}

func TestVoxelDownsampleNegativeCoordinates(t *testing.T) {
	// -0.1 and 0.1 straddle a cell boundary and must not be merged.
	cloud := PointCloud{{X: -0.1}, {X: 0.1}}
	got, err := VoxelDownsample(cloud, 1.0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.InDelta(t, -0.1, got[0].X, 1e-12)
}

func TestVoxelDownsampleProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	cloud := randomCloud(rng, 5000, 10)
	box, ok := cloud.Bounds()
	require.True(t, ok)

	for _, leaf := range []float64{0.1, 0.4, 1, 3, 50} {
		got, err := VoxelDownsample(cloud, leaf)
		require.NoError(t, err)

		if len(got) > len(cloud) {
			t.Errorf("leaf %v: output size %d exceeds input size %d", leaf, len(got), len(cloud))
		}
		for _, p := range got {
			if !box.Contains(p.Vec(), 1e-9) {
				t.Errorf("leaf %v: centroid %+v outside input bounds", leaf, p)
			}
		}

		again, err := VoxelDownsample(shuffled(rng, cloud), leaf)
		require.NoError(t, err)
		if diff := cmp.Diff(got, again, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
			t.Errorf("leaf %v: output depends on input order:\n%s", leaf, diff)
		}
	}
}

func TestVoxelDownsampleOneCellPerLeaf(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	cloud := randomCloud(rng, 2000, 5)
	leaf := 0.4

	got, err := VoxelDownsample(cloud, leaf)
	require.NoError(t, err)

	seen := make(map[VoxelKey]bool)
	for _, p := range cloud {
		k, err := VoxelKeyFor(p, leaf)
		require.NoError(t, err)
		seen[k] = true
	}
	assert.Len(t, got, len(seen))
}

func TestVoxelDownsampleSkipsNonFinite(t *testing.T) {
	cloud := PointCloud{
		{X: math.NaN(), Y: 0, Z: 0},
		{X: 0, Y: math.Inf(1), Z: 0},
		{X: 0.5, Y: 0.5, Z: 0.5},
	}
	got, err := VoxelDownsample(cloud, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].X)
}

func TestVoxelDownsampleEmpty(t *testing.T) {
	got, err := VoxelDownsample(nil, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVoxelDownsampleInvalidLeaf(t *testing.T) {
	for _, leaf := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := VoxelDownsample(PointCloud{{X: 1}}, leaf)
		if !errors.Is(err, ErrInvalidLeafSize) {
			t.Errorf("leaf %v: expected ErrInvalidLeafSize, got %v", leaf, err)
		}
	}
}

func TestVoxelDownsampleIndexOverflow(t *testing.T) {
	_, err := VoxelDownsample(PointCloud{{X: 1e300}}, 1e-10)
	assert.Error(t, err)
}
