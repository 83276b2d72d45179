package localize

import (
	"sync"
	"time"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// TrajectoryPose is one entry of the pose history.
type TrajectoryPose struct {
	Seq       uint64
	Stamp     time.Time
	Position  r3.Vector
	Yaw       float64
	Fitness   float64
	Converged bool
}

// Trajectory keeps the most recent poses of a session in memory.
// It is a PoseSink; the zero value is not usable, use NewTrajectory.
type Trajectory struct {
	mu        sync.RWMutex
	sessionID string
	maxPoses  int
	poses     []TrajectoryPose
	dropped   int
}

// NewTrajectory returns a history bounded to maxPoses entries.
// maxPoses <= 0 keeps everything.
func NewTrajectory(sessionID string, maxPoses int) *Trajectory {
	return &Trajectory{sessionID: sessionID, maxPoses: maxPoses}
}

// EmitPose appends the record, evicting the oldest entry when full.
func (t *Trajectory) EmitPose(rec PoseRecord, _ Scan) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.poses = append(t.poses, TrajectoryPose{
		Seq:       rec.Seq,
		Stamp:     rec.Stamp,
		Position:  rec.Position,
		Yaw:       rec.Yaw,
		Fitness:   rec.Fitness,
		Converged: rec.Converged,
	})
	if t.maxPoses > 0 && len(t.poses) > t.maxPoses {
		n := len(t.poses) - t.maxPoses
		t.poses = append(t.poses[:0], t.poses[n:]...)
		t.dropped += n
	}
	return nil
}

// Len returns the number of retained poses.
func (t *Trajectory) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.poses)
}

// Dropped returns how many poses were evicted.
func (t *Trajectory) Dropped() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

// Poses returns a copy of the retained poses, oldest first.
func (t *Trajectory) Poses() []TrajectoryPose {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TrajectoryPose, len(t.poses))
	copy(out, t.poses)
	return out
}

// Latest returns the newest pose.
func (t *Trajectory) Latest() (TrajectoryPose, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.poses) == 0 {
		return TrajectoryPose{}, false
	}
	return t.poses[len(t.poses)-1], true
}

// LineString returns the ground track (x, y) of the retained poses.
func (t *Trajectory) LineString() orb.LineString {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ls := make(orb.LineString, len(t.poses))
	for i, p := range t.poses {
		ls[i] = orb.Point{p.Position.X, p.Position.Y}
	}
	return ls
}

// Length returns the planar length of the ground track in meters.
func (t *Trajectory) Length() float64 {
	return planar.Length(t.LineString())
}

// Simplified returns the ground track reduced with Douglas-Peucker.
// A tolerance <= 0 returns the full track.
func (t *Trajectory) Simplified(tolerance float64) orb.LineString {
	ls := t.LineString()
	if tolerance <= 0 || len(ls) < 3 {
		return ls
	}
	simplified := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone())
	result, ok := simplified.(orb.LineString)
	if !ok {
		return ls
	}
	return result
}

// FeatureCollection exports the track as GeoJSON in map-frame meters:
// one LineString feature for the (simplified) path and one Point feature
// for the latest pose.
func (t *Trajectory) FeatureCollection(tolerance float64) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	track := t.Simplified(tolerance)
	if len(track) >= 2 {
		f := geojson.NewFeature(track)
		f.Properties["kind"] = "track"
		f.Properties["session"] = t.sessionID
		f.Properties["poses"] = t.Len()
		f.Properties["lengthMeters"] = t.Length()
		fc.Append(f)
	}

	if last, ok := t.Latest(); ok {
		f := geojson.NewFeature(orb.Point{last.Position.X, last.Position.Y})
		f.Properties["kind"] = "pose"
		f.Properties["seq"] = last.Seq
		f.Properties["z"] = last.Position.Z
		f.Properties["yaw"] = last.Yaw
		f.Properties["converged"] = last.Converged
		fc.Append(f)
	}
	return fc
}

// Bound returns the bounding box of the ground track.
func (t *Trajectory) Bound() (orb.Bound, bool) {
	ls := t.LineString()
	if len(ls) == 0 {
		return orb.Bound{}, false
	}
	return ls.Bound(), true
}
