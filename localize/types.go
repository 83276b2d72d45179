package localize

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
)

// Point is a single lidar return. Intensity is carried through downsampling
// but never used for registration.
type Point struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Intensity float64 `json:"intensity,omitempty"`
}

// Vec returns the point position as an r3 vector.
func (p Point) Vec() r3.Vector {
	return r3.Vector{X: p.X, Y: p.Y, Z: p.Z}
}

// IsFinite reports whether all coordinates are finite numbers.
func (p Point) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsNaN(p.Z) &&
		!math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0) && !math.IsInf(p.Z, 0)
}

// PointCloud is an unordered set of points. Duplicates are allowed.
type PointCloud []Point

// Scan is one sensor sweep as delivered by the transport.
type Scan struct {
	Stamp   time.Time
	FrameID string
	Cloud   PointCloud
}

// SeedFix is a coarse position fix in the map frame, used once to bootstrap.
type SeedFix struct {
	Stamp   time.Time
	FrameID string
	Point   r3.Vector
}

// TrackerState is the externally visible phase of the tracker.
type TrackerState int

const (
	// StateWaiting means the map or the seed has not arrived yet.
	StateWaiting TrackerState = iota
	// StateUninitialized means inputs are ready but no heading search has succeeded.
	StateUninitialized
	// StateTracking means the running pose is being refined scan by scan.
	StateTracking
)

func (s TrackerState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateUninitialized:
		return "uninitialized"
	case StateTracking:
		return "tracking"
	default:
		return "unknown"
	}
}

// PoseRecord is emitted once per processed scan.
type PoseRecord struct {
	Seq       uint64    `json:"seq"`
	Stamp     time.Time `json:"stamp"`
	SessionID string    `json:"session"`

	// SensorPose maps sensor-frame points into the map frame.
	SensorPose Transform `json:"-"`
	// PlatformPose maps platform (base) frame points into the map frame.
	PlatformPose Transform `json:"-"`

	Position   r3.Vector  `json:"position"`
	Yaw        float64    `json:"yaw"`
	Pitch      float64    `json:"pitch"`
	Roll       float64    `json:"roll"`
	Quaternion [4]float64 `json:"quaternion"` // x, y, z, w

	Converged  bool    `json:"converged"`
	Fitness    float64 `json:"fitness"`
	Iterations int     `json:"iterations"`
	Bootstrap  bool    `json:"bootstrap"`
}

// PoseSink receives every pose record in sequence order. aligned is the
// full-resolution scan transformed into the map frame.
type PoseSink interface {
	EmitPose(rec PoseRecord, aligned Scan) error
}
