package localize

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"
)

var (
	// ErrNoMap is returned when registration is attempted without a map.
	ErrNoMap = errors.New("no map available")
	// ErrEmptyScan is returned when a scan has no usable points.
	ErrEmptyScan = errors.New("scan has no usable points")
)

// minCorrespondences is the smallest pair count that determines a rigid transform.
const minCorrespondences = 3

// ICPParams configures one registration profile.
// Distances are in map units (meters).
type ICPParams struct {
	MaxCorrespondenceDistance float64 `yaml:"maxCorrespondenceDistance" json:"maxCorrespondenceDistance"`
	MaxIterations             int     `yaml:"maxIterations" json:"maxIterations"`
	TransformationEpsilon     float64 `yaml:"transformationEpsilon" json:"transformationEpsilon"`
	FitnessEpsilon            float64 `yaml:"fitnessEpsilon" json:"fitnessEpsilon"`
}

// DefaultBootstrapParams is the wide profile used by the heading search.
func DefaultBootstrapParams() ICPParams {
	return ICPParams{
		MaxCorrespondenceDistance: 0.9,
		MaxIterations:             1000,
		TransformationEpsilon:     1e-9,
		FitnessEpsilon:            1e-9,
	}
}

// DefaultTrackingParams is the profile used for scan-to-scan tracking.
func DefaultTrackingParams() ICPParams {
	return ICPParams{
		MaxCorrespondenceDistance: 1.0,
		MaxIterations:             1000,
		TransformationEpsilon:     1e-9,
		FitnessEpsilon:            1e-9,
	}
}

// Validate checks that the profile can drive a registration.
func (p ICPParams) Validate() error {
	if !(p.MaxCorrespondenceDistance > 0) || math.IsInf(p.MaxCorrespondenceDistance, 0) {
		return fmt.Errorf("maxCorrespondenceDistance must be positive, got %v", p.MaxCorrespondenceDistance)
	}
	if p.MaxIterations <= 0 {
		return fmt.Errorf("maxIterations must be positive, got %d", p.MaxIterations)
	}
	if p.TransformationEpsilon < 0 || math.IsNaN(p.TransformationEpsilon) {
		return fmt.Errorf("transformationEpsilon must be non-negative, got %v", p.TransformationEpsilon)
	}
	if p.FitnessEpsilon < 0 || math.IsNaN(p.FitnessEpsilon) {
		return fmt.Errorf("fitnessEpsilon must be non-negative, got %v", p.FitnessEpsilon)
	}
	return nil
}

// ICPResult contains the result of a registration.
type ICPResult struct {
	Transform       Transform // Maps source points into the target frame
	Converged       bool      // Whether a convergence criterion was met
	Fitness         float64   // Mean squared NN distance of pairs within the cap, lower is better
	Iterations      int       // Number of completed iterations
	Correspondences int       // Pairs that contributed to Fitness
}

// Target is a registration target with a nearest-neighbour index.
// It is immutable once built and safe for concurrent reads.
type Target struct {
	cloud PointCloud
	tree  *kdtree.Tree
}

// NewTarget indexes the finite points of cloud.
func NewTarget(cloud PointCloud) (*Target, error) {
	finite := cloud.Finite()
	if len(finite) == 0 {
		return nil, ErrNoMap
	}
	// kdtree.New reorders its input, so it gets its own slice.
	pts := make(kdtree.Points, len(finite))
	for i, p := range finite {
		pts[i] = kdtree.Point{p.X, p.Y, p.Z}
	}
	return &Target{cloud: finite, tree: kdtree.New(pts, false)}, nil
}

// Len returns the number of indexed points.
func (t *Target) Len() int { return len(t.cloud) }

// Cloud returns the indexed points. Callers must not modify the result.
func (t *Target) Cloud() PointCloud { return t.cloud }

// Nearest returns the closest indexed point to v and its squared distance.
func (t *Target) Nearest(v r3.Vector) (r3.Vector, float64) {
	c, d := t.tree.Nearest(kdtree.Point{v.X, v.Y, v.Z})
	p := c.(kdtree.Point)
	return r3.Vector{X: p[0], Y: p[1], Z: p[2]}, d
}

type correspondence struct {
	src, tgt r3.Vector
}

// correspondences pairs every transformed source point with its nearest
// target point, dropping pairs farther apart than maxDist.
func correspondences(source PointCloud, target *Target, tf Transform, maxDist float64, buf []correspondence) []correspondence {
	maxSq := maxDist * maxDist
	buf = buf[:0]
	for _, p := range source {
		s := tf.Apply(p.Vec())
		q, d := target.Nearest(s)
		if d <= maxSq {
			buf = append(buf, correspondence{src: s, tgt: q})
		}
	}
	return buf
}

// FitnessScore returns the mean squared distance between the transformed
// source points and their nearest target points, counting only pairs within
// maxRange. With no qualifying pair the score is math.MaxFloat64.
func FitnessScore(source PointCloud, target *Target, tf Transform, maxRange float64) (float64, int) {
	maxSq := maxRange * maxRange
	var sum float64
	n := 0
	for _, p := range source {
		_, d := target.Nearest(tf.Apply(p.Vec()))
		if d <= maxSq {
			sum += d
			n++
		}
	}
	if n == 0 {
		return math.MaxFloat64, 0
	}
	return sum / float64(n), n
}

// Register aligns source onto target starting from guess using
// point-to-point ICP. It keeps no state between calls.
func Register(ctx context.Context, source PointCloud, target *Target, guess Transform, params ICPParams) (ICPResult, error) {
	if target == nil || target.Len() == 0 {
		return ICPResult{}, ErrNoMap
	}
	src := source.Finite()
	if len(src) == 0 {
		return ICPResult{}, ErrEmptyScan
	}
	if err := params.Validate(); err != nil {
		return ICPResult{}, fmt.Errorf("invalid ICP parameters: %w", err)
	}

	current := guess
	result := ICPResult{}
	prevFitness := math.NaN()
	buf := make([]correspondence, 0, len(src))

	for iter := 1; iter <= params.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return ICPResult{}, err
		}

		pairs := correspondences(src, target, current, params.MaxCorrespondenceDistance, buf)
		buf = pairs
		if len(pairs) < minCorrespondences {
			break
		}

		delta, ok := rigidFromCorrespondences(pairs)
		if !ok {
			break
		}
		current = delta.Mul(current).Orthonormalize()
		result.Iterations = iter

		var sum float64
		for _, c := range pairs {
			sum += delta.Apply(c.src).Sub(c.tgt).Norm2()
		}
		fitness := sum / float64(len(pairs))

		dt := delta.Position().Norm2()
		dr := delta.RotationAngle()
		if math.Max(dt, dr*dr) < params.TransformationEpsilon {
			result.Converged = true
			break
		}
		if !math.IsNaN(prevFitness) && math.Abs(fitness-prevFitness) < params.FitnessEpsilon {
			result.Converged = true
			break
		}
		prevFitness = fitness
	}

	result.Transform = current
	result.Fitness, result.Correspondences = FitnessScore(src, target, current, params.MaxCorrespondenceDistance)
	return result, nil
}

// rigidFromCorrespondences solves the least-squares rigid transform mapping
// src onto tgt (Kabsch). ok is false if the SVD fails.
func rigidFromCorrespondences(pairs []correspondence) (Transform, bool) {
	var cs, ct r3.Vector
	for _, c := range pairs {
		cs = cs.Add(c.src)
		ct = ct.Add(c.tgt)
	}
	n := float64(len(pairs))
	cs = cs.Mul(1 / n)
	ct = ct.Mul(1 / n)

	// H = sum (s - cs)(t - ct)^T
	h := make([]float64, 9)
	for _, c := range pairs {
		s := c.src.Sub(cs)
		t := c.tgt.Sub(ct)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				h[i*3+j] += sv[i] * tv[j]
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, h), mat.SVDFull) {
		return Identity(), false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		// Reflection: negate the column of V paired with the smallest singular value.
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var rot [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[i*3+j] = r.At(i, j)
		}
	}
	rc := FromRotationTranslation(rot, r3.Vector{}).Apply(cs)
	return FromRotationTranslation(rot, ct.Sub(rc)), true
}
