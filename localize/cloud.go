package localize

import (
	"math"

	"github.com/golang/geo/r3"
)

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min, Max r3.Vector
}

// Contains reports whether v lies inside b, widened by tol on every side.
func (b Bounds) Contains(v r3.Vector, tol float64) bool {
	return v.X >= b.Min.X-tol && v.X <= b.Max.X+tol &&
		v.Y >= b.Min.Y-tol && v.Y <= b.Max.Y+tol &&
		v.Z >= b.Min.Z-tol && v.Z <= b.Max.Z+tol
}

// Bounds returns the bounding box of the finite points in the cloud.
// ok is false if there are none.
func (c PointCloud) Bounds() (b Bounds, ok bool) {
	b.Min = r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	b.Max = r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range c {
		if !p.IsFinite() {
			continue
		}
		ok = true
		b.Min.X = math.Min(b.Min.X, p.X)
		b.Min.Y = math.Min(b.Min.Y, p.Y)
		b.Min.Z = math.Min(b.Min.Z, p.Z)
		b.Max.X = math.Max(b.Max.X, p.X)
		b.Max.Y = math.Max(b.Max.Y, p.Y)
		b.Max.Z = math.Max(b.Max.Z, p.Z)
	}
	return b, ok
}

// Centroid returns the mean position of the cloud.
func (c PointCloud) Centroid() r3.Vector {
	if len(c) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range c {
		sum = sum.Add(p.Vec())
	}
	return sum.Mul(1 / float64(len(c)))
}

// Finite returns a copy of the cloud without NaN or infinite points.
func (c PointCloud) Finite() PointCloud {
	out := make(PointCloud, 0, len(c))
	for _, p := range c {
		if p.IsFinite() {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a copy of the cloud.
func (c PointCloud) Clone() PointCloud {
	out := make(PointCloud, len(c))
	copy(out, c)
	return out
}
