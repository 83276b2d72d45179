package localize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
)

// quietLogs silences the package logger for the duration of a test.
func quietLogs(t *testing.T) {
	t.Helper()
	SetLogger(func(string, ...interface{}) {})
	t.Cleanup(func() { SetLogger(nil) })
}

// randomCloud returns n points uniformly distributed in the box [-half, half]^3.
func randomCloud(rng *rand.Rand, n int, half float64) PointCloud {
	cloud := make(PointCloud, n)
	for i := range cloud {
		cloud[i] = Point{
			X:         (rng.Float64()*2 - 1) * half,
			Y:         (rng.Float64()*2 - 1) * half,
			Z:         (rng.Float64()*2 - 1) * half,
			Intensity: rng.Float64(),
		}
	}
	return cloud
}

// shuffled returns a permuted copy of the cloud.
func shuffled(rng *rand.Rand, cloud PointCloud) PointCloud {
	out := cloud.Clone()
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// enclosureCloud builds a jittered walled room of the given half extents with
// an off-center pillar. The layout has no rotational symmetry.
func enclosureCloud(rng *rand.Rand, hx, hy, height, spacing float64) PointCloud {
	var cloud PointCloud
	jitter := func() float64 { return (rng.Float64() - 0.5) * spacing * 0.3 }
	add := func(x, y, z float64) {
		cloud = append(cloud, Point{X: x + jitter(), Y: y + jitter(), Z: z + jitter()})
	}

	for z := 0.0; z <= height; z += spacing {
		for x := -hx; x <= hx; x += spacing {
			add(x, -hy, z)
			add(x, hy, z)
		}
		for y := -hy + spacing; y < hy; y += spacing {
			add(-hx, y, z)
			add(hx, y, z)
		}
		// Pillar near one corner.
		for a := 0.0; a < 2*math.Pi; a += 0.5 {
			add(hx*0.5+0.4*math.Cos(a), hy*0.4+0.4*math.Sin(a), z)
		}
	}
	// Floor patch in one half only.
	for x := -hx; x <= 0; x += spacing * 2 {
		for y := -hy; y <= hy*0.2; y += spacing * 2 {
			add(x, y, 0)
		}
	}
	return cloud
}

// asymmetricCluster returns points sampled on a few planes and blobs with no
// rotational symmetry about z.
func asymmetricCluster(rng *rand.Rand) PointCloud {
	var cloud PointCloud
	for i := 0; i < 300; i++ {
		cloud = append(cloud, Point{X: rng.Float64()*6 - 3, Y: -2 + rng.Float64()*0.05, Z: rng.Float64() * 2})
	}
	for i := 0; i < 200; i++ {
		cloud = append(cloud, Point{X: 3 + rng.Float64()*0.05, Y: rng.Float64()*3 - 2, Z: rng.Float64() * 2})
	}
	for i := 0; i < 150; i++ {
		cloud = append(cloud, Point{X: -1 + rng.NormFloat64()*0.3, Y: 1.5 + rng.NormFloat64()*0.3, Z: 0.5 + rng.NormFloat64()*0.3})
	}
	for i := 0; i < 150; i++ {
		cloud = append(cloud, Point{X: rng.Float64()*4 - 3, Y: rng.Float64()*4 - 2, Z: 0})
	}
	return cloud
}

func vecNear(a, b r3.Vector, tol float64) bool {
	return a.Sub(b).Norm() <= tol
}
