package localize

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// BootstrapConfig configures the global heading search.
type BootstrapConfig struct {
	// HeadingStep is the yaw increment in radians. Headings i*HeadingStep are
	// sampled while they are below 2*pi.
	HeadingStep float64   `yaml:"headingStep" json:"headingStep"`
	ICP         ICPParams `yaml:"icp" json:"icp"`
	// ScoreDistance, when positive, caps the pairs used to rank candidates.
	// Otherwise the ICP correspondence cap is used.
	ScoreDistance float64 `yaml:"scoreDistance" json:"scoreDistance"`
}

// DefaultBootstrapConfig returns the reference sweep: 0.2 rad steps, the wide
// ICP profile and a 0.5 scoring cap.
func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		HeadingStep:   0.2,
		ICP:           DefaultBootstrapParams(),
		ScoreDistance: 0.5,
	}
}

// Validate checks the sweep parameters.
func (c BootstrapConfig) Validate() error {
	if !(c.HeadingStep > 0) || c.HeadingStep >= 2*math.Pi {
		return fmt.Errorf("headingStep must be in (0, 2pi), got %v", c.HeadingStep)
	}
	if c.ScoreDistance < 0 || math.IsNaN(c.ScoreDistance) {
		return fmt.Errorf("scoreDistance must be non-negative, got %v", c.ScoreDistance)
	}
	if err := c.ICP.Validate(); err != nil {
		return fmt.Errorf("bootstrap ICP: %w", err)
	}
	return nil
}

// Headings returns the sampled yaw angles in sweep order.
func (c BootstrapConfig) Headings() []float64 {
	var out []float64
	for i := 0; ; i++ {
		theta := float64(i) * c.HeadingStep
		if theta >= 2*math.Pi {
			break
		}
		out = append(out, theta)
	}
	return out
}

// HeadingCandidate is one sampled heading and its registration outcome.
type HeadingCandidate struct {
	Heading float64
	Score   float64
	Result  ICPResult
}

// HeadingResult is the winning candidate of a heading search.
type HeadingResult struct {
	Transform  Transform
	Heading    float64
	Fitness    float64
	Converged  bool
	Iterations int
	Candidates []HeadingCandidate
}

// SearchHeading runs one registration per sampled heading, each seeded at the
// seed position, and returns the candidate with the lowest score. Equal
// scores keep the earlier heading.
func SearchHeading(ctx context.Context, scan PointCloud, target *Target, seed r3.Vector, cfg BootstrapConfig) (HeadingResult, error) {
	if target == nil || target.Len() == 0 {
		return HeadingResult{}, ErrNoMap
	}
	if len(scan.Finite()) == 0 {
		return HeadingResult{}, ErrEmptyScan
	}
	if err := cfg.Validate(); err != nil {
		return HeadingResult{}, err
	}

	scoreCap := cfg.ScoreDistance
	if scoreCap <= 0 {
		scoreCap = cfg.ICP.MaxCorrespondenceDistance
	}

	headings := cfg.Headings()
	candidates := make([]HeadingCandidate, 0, len(headings))
	for _, theta := range headings {
		guess := Translation(seed).Mul(RotationZ(theta))
		res, err := Register(ctx, scan, target, guess, cfg.ICP)
		if err != nil {
			return HeadingResult{}, fmt.Errorf("heading %.3f: %w", theta, err)
		}
		score, _ := FitnessScore(scan, target, res.Transform, scoreCap)
		candidates = append(candidates, HeadingCandidate{Heading: theta, Score: score, Result: res})
	}

	best := selectBest(candidates)
	c := candidates[best]
	Logf("[INIT] Heading search: best yaw %.2f rad score %.6f (%d candidates)", c.Heading, c.Score, len(candidates))
	return HeadingResult{
		Transform:  c.Result.Transform,
		Heading:    c.Heading,
		Fitness:    c.Score,
		Converged:  c.Result.Converged,
		Iterations: c.Result.Iterations,
		Candidates: candidates,
	}, nil
}

// selectBest returns the index of the strictly lowest score. The first
// candidate wins ties.
func selectBest(candidates []HeadingCandidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Score < candidates[best].Score {
			best = i
		}
	}
	return best
}
