package localize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// ErrInvalidCalibration is wrapped by every calibration validation failure.
var ErrInvalidCalibration = errors.New("invalid calibration")

// Calibration is the static sensor mounting: the pose of the lidar in the
// platform (base) frame.
type Calibration struct {
	Translation []float64 `yaml:"translation" json:"translation"` // x, y, z
	Rotation    []float64 `yaml:"rotation" json:"rotation"`       // quaternion x, y, z, w
}

// IdentityCalibration mounts the sensor at the platform origin.
func IdentityCalibration() Calibration {
	return Calibration{
		Translation: []float64{0, 0, 0},
		Rotation:    []float64{0, 0, 0, 1},
	}
}

// Validate checks both vectors independently and reports every problem found.
func (c Calibration) Validate() error {
	var errs []error
	if len(c.Translation) != 3 {
		errs = append(errs, fmt.Errorf("%w: translation needs 3 values, got %d", ErrInvalidCalibration, len(c.Translation)))
	}
	if len(c.Rotation) != 4 {
		errs = append(errs, fmt.Errorf("%w: rotation needs 4 values (x, y, z, w), got %d", ErrInvalidCalibration, len(c.Rotation)))
	} else if quat.Abs(c.quaternion()) < 1e-9 {
		errs = append(errs, fmt.Errorf("%w: rotation quaternion has zero norm", ErrInvalidCalibration))
	}
	for _, v := range append(append([]float64{}, c.Translation...), c.Rotation...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Errorf("%w: non-finite value %v", ErrInvalidCalibration, v))
			break
		}
	}
	return errors.Join(errs...)
}

func (c Calibration) quaternion() quat.Number {
	return quat.Number{Real: c.Rotation[3], Imag: c.Rotation[0], Jmag: c.Rotation[1], Kmag: c.Rotation[2]}
}

// BaseFromSensor returns the transform taking sensor-frame points into the
// platform frame. The calibration must be valid.
func (c Calibration) BaseFromSensor() (Transform, error) {
	if err := c.Validate(); err != nil {
		return Identity(), err
	}
	t := r3.Vector{X: c.Translation[0], Y: c.Translation[1], Z: c.Translation[2]}
	return FromQuaternion(c.quaternion(), t)
}

// PlatformPose converts a map-from-sensor pose into a map-from-platform pose.
func PlatformPose(mapFromSensor, baseFromSensor Transform) Transform {
	return mapFromSensor.Mul(baseFromSensor.Inverse())
}

// LoadCalibration reads a calibration from a JSON file.
// A missing file returns nil with no error.
func LoadCalibration(path string) (*Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading calibration file: %w", err)
	}

	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parsing calibration file: %w", err)
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return &cal, nil
}

// SaveCalibration writes a calibration to a JSON file.
func SaveCalibration(path string, cal Calibration) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating calibration directory: %w", err)
	}

	data, err := json.MarshalIndent(cal, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling calibration: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing calibration file: %w", err)
	}
	return nil
}
