package localize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrRegistrationTimeout is returned when a registration exceeds the latency budget.
var ErrRegistrationTimeout = errors.New("registration exceeded latency budget")

// TrackerConfig holds the per-scan processing parameters.
type TrackerConfig struct {
	ScanLeafSize   float64
	Bootstrap      BootstrapConfig
	Tracking       ICPParams
	ReadyTimeout   time.Duration
	LatencyBudget  time.Duration
	BaseFromSensor Transform
	MapFrame       string
}

// DefaultTrackerConfig returns the reference parameters with an identity mounting.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		ScanLeafSize:   0.4,
		Bootstrap:      DefaultBootstrapConfig(),
		Tracking:       DefaultTrackingParams(),
		ReadyTimeout:   10 * time.Second,
		BaseFromSensor: Identity(),
		MapFrame:       "world",
	}
}

// Validate checks the tracker parameters.
func (c TrackerConfig) Validate() error {
	if !(c.ScanLeafSize > 0) {
		return fmt.Errorf("%w: scan leaf size %v", ErrInvalidLeafSize, c.ScanLeafSize)
	}
	if err := c.Bootstrap.Validate(); err != nil {
		return err
	}
	if err := c.Tracking.Validate(); err != nil {
		return fmt.Errorf("tracking ICP: %w", err)
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive, got %v", c.ReadyTimeout)
	}
	if !c.BaseFromSensor.IsRigid(1e-6) {
		return fmt.Errorf("%w: sensor mounting is not a rigid transform", ErrInvalidCalibration)
	}
	return nil
}

// Tracker turns a stream of scans into a stream of pose records. The first
// scan after the inputs become ready is placed by a heading search around the
// seed; every later scan is registered starting from the previous pose.
type Tracker struct {
	cfg       TrackerConfig
	inputs    *Inputs
	sessionID string

	// procMu serializes Process so registrations never overlap.
	procMu sync.Mutex
	sinks  []PoseSink

	initialized atomic.Bool
	seq         atomic.Uint64

	stateMu sync.RWMutex
	running Transform
	last    *PoseRecord

	// emitMu covers the switch to initialized together with the sink calls,
	// so BeforeInitialized callbacks never interleave with the first record.
	emitMu sync.Mutex
}

// NewTracker creates a tracker reading map and seed from inputs.
func NewTracker(inputs *Inputs, cfg TrackerConfig, sinks ...PoseSink) (*Tracker, error) {
	if inputs == nil {
		return nil, errors.New("tracker needs an input holder")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:       cfg,
		inputs:    inputs,
		sessionID: uuid.NewString(),
		sinks:     sinks,
		running:   Identity(),
	}, nil
}

// AddSink registers an additional output. Sinks are called in registration order.
func (t *Tracker) AddSink(s PoseSink) {
	t.procMu.Lock()
	defer t.procMu.Unlock()
	t.sinks = append(t.sinks, s)
}

// SessionID identifies this tracker instance in every emitted record.
func (t *Tracker) SessionID() string { return t.sessionID }

// Inputs returns the map and seed holder the tracker reads from.
func (t *Tracker) Inputs() *Inputs { return t.inputs }

// MapFrame returns the frame id stamped on aligned scans.
func (t *Tracker) MapFrame() string { return t.cfg.MapFrame }

// Initialized reports whether a heading search has succeeded. It never reverts.
func (t *Tracker) Initialized() bool { return t.initialized.Load() }

// BeforeInitialized runs fn only if no record has been emitted yet and
// reports whether it ran. The first record is not emitted while fn runs.
func (t *Tracker) BeforeInitialized(fn func()) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.initialized.Load() {
		return false
	}
	fn()
	return true
}

// Seq returns the sequence number of the last emitted record (0 if none).
func (t *Tracker) Seq() uint64 { return t.seq.Load() }

// State returns the current tracker phase.
func (t *Tracker) State() TrackerState {
	if !t.inputs.Ready() {
		return StateWaiting
	}
	if t.initialized.Load() {
		return StateTracking
	}
	return StateUninitialized
}

// RunningPose returns the last accepted map-from-sensor pose.
func (t *Tracker) RunningPose() (Transform, bool) {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.running, t.initialized.Load()
}

// LastRecord returns a copy of the most recent record.
func (t *Tracker) LastRecord() (PoseRecord, bool) {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	if t.last == nil {
		return PoseRecord{}, false
	}
	return *t.last, true
}

// Process localizes one scan and emits the resulting record to every sink.
// On error nothing is emitted and the tracker state is unchanged.
func (t *Tracker) Process(ctx context.Context, scan Scan) (*PoseRecord, error) {
	t.procMu.Lock()
	defer t.procMu.Unlock()

	if err := t.inputs.WaitReady(ctx, t.cfg.ReadyTimeout); err != nil {
		return nil, err
	}
	pm, seed, err := t.inputs.Snapshot()
	if err != nil {
		return nil, err
	}

	down, err := VoxelDownsample(scan.Cloud, t.cfg.ScanLeafSize)
	if err != nil {
		return nil, fmt.Errorf("downsampling scan: %w", err)
	}
	if len(down) == 0 {
		return nil, ErrEmptyScan
	}

	regCtx := ctx
	if t.cfg.LatencyBudget > 0 {
		var cancel context.CancelFunc
		regCtx, cancel = context.WithTimeout(ctx, t.cfg.LatencyBudget)
		defer cancel()
	}

	bootstrap := !t.initialized.Load()
	start := time.Now()
	var (
		guess      Transform
		iterations int
	)
	if bootstrap {
		hr, err := SearchHeading(regCtx, down, pm.Target, seed, t.cfg.Bootstrap)
		if err != nil {
			return nil, t.registrationError(ctx, err)
		}
		// The winning heading seeds a tracking registration on the same scan.
		guess, iterations = hr.Transform, hr.Iterations
		Logf("[TRACKER] Heading search picked %.3f rad (score %.6f)", hr.Heading, hr.Fitness)
	} else {
		t.stateMu.RLock()
		guess = t.running
		t.stateMu.RUnlock()
	}

	res, err := Register(regCtx, down, pm.Target, guess, t.cfg.Tracking)
	if err != nil {
		return nil, t.registrationError(ctx, err)
	}
	pose := res.Transform.Orthonormalize()
	converged, fitness := res.Converged, res.Fitness
	iterations += res.Iterations

	platform := PlatformPose(pose, t.cfg.BaseFromSensor)
	yaw, pitch, roll := platform.YawPitchRoll()
	rec := PoseRecord{
		Seq:          t.seq.Load() + 1,
		Stamp:        scan.Stamp,
		SessionID:    t.sessionID,
		SensorPose:   pose,
		PlatformPose: platform,
		Position:     platform.Position(),
		Yaw:          yaw,
		Pitch:        pitch,
		Roll:         roll,
		Quaternion:   platform.QuaternionXYZW(),
		Converged:    converged,
		Fitness:      fitness,
		Iterations:   iterations,
		Bootstrap:    bootstrap,
	}

	aligned := Scan{Stamp: scan.Stamp, FrameID: t.cfg.MapFrame, Cloud: pose.ApplyCloud(scan.Cloud)}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.stateMu.Lock()
	t.running = pose
	stored := rec
	t.last = &stored
	t.stateMu.Unlock()
	t.initialized.Store(true)
	t.seq.Store(rec.Seq)

	if bootstrap {
		Logf("[TRACKER] Initialized at %v (fitness %.6f) in %v", pose, fitness, time.Since(start))
	}
	if !converged {
		Logf("[TRACKER] Scan %d did not converge after %d iterations (fitness %.6f)", rec.Seq, iterations, fitness)
	}

	for _, s := range t.sinks {
		if err := s.EmitPose(rec, aligned); err != nil {
			Logf("[TRACKER] Sink %T failed for scan %d: %v", s, rec.Seq, err)
		}
	}
	return &rec, nil
}

func (t *Tracker) registrationError(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w (%v)", ErrRegistrationTimeout, t.cfg.LatencyBudget)
	}
	return err
}
