package localize

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTarget(t *testing.T, cloud PointCloud) *Target {
	t.Helper()
	tgt, err := NewTarget(cloud)
	require.NoError(t, err)
	return tgt
}

func TestRegisterIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1234))
	cloud := asymmetricCluster(rng)
	target := mustTarget(t, cloud)

	res, err := Register(context.Background(), cloud, target, Identity(), DefaultTrackingParams())
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.True(t, ApproxEqual(res.Transform, Identity(), 1e-9), "transform %v", res.Transform)
	assert.InDelta(t, 0, res.Fitness, 1e-12)
	assert.Equal(t, len(cloud), res.Correspondences)
}

func TestRegisterRecoversKnownTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	cloud := asymmetricCluster(rng)
	target := mustTarget(t, cloud)

	tests := []struct {
		name  string
		truth Transform
	}{
		{"translation only", Translation(r3.Vector{X: 0.3, Y: -0.2, Z: 0.05})},
		{"yaw only", RotationZ(0.08)},
		{"yaw and translation", Translation(r3.Vector{X: -0.25, Y: 0.15}).Mul(RotationZ(-0.06))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The scan sees the map from the sensor frame.
			scan := tt.truth.Inverse().ApplyCloud(cloud)

			res, err := Register(context.Background(), scan, target, Identity(), DefaultTrackingParams())
			require.NoError(t, err)

			assert.True(t, res.Converged)
			assert.True(t, vecNear(res.Transform.Position(), tt.truth.Position(), 1e-3),
				"translation %v, want %v", res.Transform.Position(), tt.truth.Position())
			assert.InDelta(t, 0, res.Transform.Mul(tt.truth.Inverse()).RotationAngle(), 1e-3)
			assert.Less(t, res.Fitness, 1e-6)
			assert.True(t, res.Transform.IsRigid(1e-9))
		})
	}
}

func TestRegisterUsesGuess(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cloud := asymmetricCluster(rng)
	target := mustTarget(t, cloud)

	truth := Translation(r3.Vector{X: 20, Y: -5}).Mul(RotationZ(1.3))
	scan := truth.Inverse().ApplyCloud(cloud)
	guess := Translation(r3.Vector{X: 20.2, Y: -5.1}).Mul(RotationZ(1.25))

	res, err := Register(context.Background(), scan, target, guess, DefaultTrackingParams())
	require.NoError(t, err)
	assert.True(t, vecNear(res.Transform.Position(), truth.Position(), 1e-3))
	assert.InDelta(t, 0, res.Transform.Mul(truth.Inverse()).RotationAngle(), 1e-3)
}

func TestRegisterTooFewCorrespondences(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cloud := asymmetricCluster(rng)
	target := mustTarget(t, cloud)

	far := Translation(r3.Vector{X: 100}).ApplyCloud(cloud)
	res, err := Register(context.Background(), far, target, Identity(), DefaultTrackingParams())
	require.NoError(t, err)

	assert.False(t, res.Converged)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, 0, res.Correspondences)
	assert.Equal(t, math.MaxFloat64, res.Fitness)
	assert.Equal(t, Identity(), res.Transform)
}

func TestRegisterDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	cloud := asymmetricCluster(rng)
	target := mustTarget(t, cloud)
	scan := Translation(r3.Vector{X: 0.2, Y: 0.1}).Mul(RotationZ(0.05)).ApplyCloud(cloud)

	a, err := Register(context.Background(), scan, target, Identity(), DefaultTrackingParams())
	require.NoError(t, err)
	b, err := Register(context.Background(), scan, target, Identity(), DefaultTrackingParams())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRegisterErrors(t *testing.T) {
	target := mustTarget(t, PointCloud{{X: 1}, {Y: 1}, {Z: 1}})

	_, err := Register(context.Background(), PointCloud{{X: 1}}, nil, Identity(), DefaultTrackingParams())
	assert.True(t, errors.Is(err, ErrNoMap))

	_, err = Register(context.Background(), PointCloud{{X: math.NaN()}}, target, Identity(), DefaultTrackingParams())
	assert.True(t, errors.Is(err, ErrEmptyScan))

	bad := DefaultTrackingParams()
	bad.MaxIterations = 0
	_, err = Register(context.Background(), PointCloud{{X: 1}}, target, Identity(), bad)
	assert.Error(t, err)
}

func TestRegisterCancelled(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	cloud := asymmetricCluster(rng)
	target := mustTarget(t, cloud)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Register(ctx, cloud, target, Identity(), DefaultTrackingParams())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitnessScoreExcludesFarPairs(t *testing.T) {
	target := mustTarget(t, PointCloud{{X: 0, Y: 0, Z: 0}})
	source := PointCloud{{X: 0.1}, {X: 5}}

	score, n := FitnessScore(source, target, Identity(), 1.0)
	assert.Equal(t, 1, n)
	assert.InDelta(t, 0.01, score, 1e-12)

	score, n = FitnessScore(source, target, Identity(), 0.05)
	assert.Equal(t, 0, n)
	assert.Equal(t, math.MaxFloat64, score)
}

func TestNewTargetEmpty(t *testing.T) {
	_, err := NewTarget(PointCloud{{X: math.Inf(1)}})
	assert.ErrorIs(t, err, ErrNoMap)
}

func TestNewTargetDoesNotReorderInput(t *testing.T) {
	cloud := PointCloud{{X: 3}, {X: 1}, {X: 2}}
	before := cloud.Clone()
	mustTarget(t, cloud)
	assert.Equal(t, before, cloud)
}

func TestRigidFromCorrespondences(t *testing.T) {
	truth := Translation(r3.Vector{X: 1, Y: 2, Z: -1}).Mul(RotationZ(0.7))
	src := []r3.Vector{{X: 0}, {X: 1}, {Y: 1}, {Z: 1}, {X: 1, Y: 1, Z: 1}}
	pairs := make([]correspondence, len(src))
	for i, s := range src {
		pairs[i] = correspondence{src: s, tgt: truth.Apply(s)}
	}

	got, ok := rigidFromCorrespondences(pairs)
	require.True(t, ok)
	assert.True(t, ApproxEqual(got, truth, 1e-9), "got %v want %v", got, truth)
}
