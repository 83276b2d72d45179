package localize

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration loaded from YAML.
type Config struct {
	MQTT            MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	Topics          TopicsConfig     `yaml:"topics" json:"topics"`
	Frames          FramesConfig     `yaml:"frames" json:"frames"`
	Calibration     Calibration      `yaml:"calibration" json:"calibration"`
	CalibrationFile string           `yaml:"calibrationFile,omitempty" json:"calibrationFile,omitempty"` // Overrides calibration when present
	Downsample      DownsampleConfig `yaml:"downsample" json:"downsample"`
	Bootstrap       BootstrapConfig  `yaml:"bootstrap" json:"bootstrap"`
	Tracking        ICPParams        `yaml:"tracking" json:"tracking"`
	ReadyTimeout    Duration         `yaml:"readyTimeout,omitempty" json:"readyTimeout,omitempty"`
	LatencyBudget   Duration         `yaml:"latencyBudget,omitempty" json:"latencyBudget,omitempty"` // 0 disables the budget
	QueueSize       int              `yaml:"queueSize,omitempty" json:"queueSize,omitempty"`
	Result          ResultConfig     `yaml:"result" json:"result"`
	Map             MapSourceConfig  `yaml:"map" json:"map"`
	Trajectory      TrajectoryConfig `yaml:"trajectory" json:"trajectory"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// TopicsConfig names the input topics.
type TopicsConfig struct {
	Map  string `yaml:"map" json:"map"`
	Scan string `yaml:"scan" json:"scan"`
	Seed string `yaml:"seed" json:"seed"`
}

// FramesConfig names the coordinate frames stamped on outputs.
type FramesConfig struct {
	Map    string `yaml:"map" json:"map"`
	Sensor string `yaml:"sensor" json:"sensor"`
}

// DownsampleConfig holds the voxel edge lengths in meters.
type DownsampleConfig struct {
	MapLeafSize  float64 `yaml:"mapLeafSize" json:"mapLeafSize"`
	ScanLeafSize float64 `yaml:"scanLeafSize" json:"scanLeafSize"`
}

// ResultConfig controls the pose log outputs.
type ResultConfig struct {
	CSVPath string `yaml:"csvPath" json:"csvPath"`
	// FlattenZ writes z=0 for every row, matching ground-plane evaluation logs.
	FlattenZ   bool   `yaml:"flattenZ,omitempty" json:"flattenZ,omitempty"`
	SQLitePath string `yaml:"sqlitePath,omitempty" json:"sqlitePath,omitempty"`
}

// MapSourceConfig locates the reference map when it is not delivered over MQTT.
type MapSourceConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
}

// TrajectoryConfig bounds the in-memory pose history served over HTTP.
type TrajectoryConfig struct {
	MaxPoses int     `yaml:"maxPoses,omitempty" json:"maxPoses,omitempty"`
	Simplify float64 `yaml:"simplify,omitempty" json:"simplify,omitempty"` // Douglas-Peucker threshold in meters
}

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(c *Config) {
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = "scanloc"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "scanloc"
	}
	if c.Topics.Map == "" {
		c.Topics.Map = "map"
	}
	if c.Topics.Scan == "" {
		c.Topics.Scan = "lidar_points"
	}
	if c.Topics.Seed == "" {
		c.Topics.Seed = "gps"
	}
	if c.Frames.Map == "" {
		c.Frames.Map = "world"
	}
	if c.Frames.Sensor == "" {
		c.Frames.Sensor = "nuscenes_lidar"
	}
	if c.Calibration.Translation == nil && c.Calibration.Rotation == nil {
		c.Calibration = IdentityCalibration()
	}
	if c.Downsample.MapLeafSize == 0 {
		c.Downsample.MapLeafSize = 0.4
	}
	if c.Downsample.ScanLeafSize == 0 {
		c.Downsample.ScanLeafSize = 0.4
	}
	def := DefaultBootstrapConfig()
	if c.Bootstrap.HeadingStep == 0 {
		c.Bootstrap.HeadingStep = def.HeadingStep
	}
	if c.Bootstrap.ScoreDistance == 0 {
		c.Bootstrap.ScoreDistance = def.ScoreDistance
	}
	fillICPDefaults(&c.Bootstrap.ICP, def.ICP)
	fillICPDefaults(&c.Tracking, DefaultTrackingParams())
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = Duration(10 * time.Second)
	}
	if c.QueueSize == 0 {
		c.QueueSize = 16
	}
	if c.Result.CSVPath == "" {
		c.Result.CSVPath = "result.csv"
	}
	if c.Trajectory.MaxPoses == 0 {
		c.Trajectory.MaxPoses = 10000
	}
	if c.Trajectory.Simplify == 0 {
		c.Trajectory.Simplify = 0.05
	}
}

func fillICPDefaults(p *ICPParams, def ICPParams) {
	if p.MaxCorrespondenceDistance == 0 {
		p.MaxCorrespondenceDistance = def.MaxCorrespondenceDistance
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = def.MaxIterations
	}
	if p.TransformationEpsilon == 0 {
		p.TransformationEpsilon = def.TransformationEpsilon
	}
	if p.FitnessEpsilon == 0 {
		p.FitnessEpsilon = def.FitnessEpsilon
	}
}

// TrackerConfig converts the file configuration into tracker parameters.
func (c *Config) TrackerConfig() (TrackerConfig, error) {
	mount, err := c.Calibration.BaseFromSensor()
	if err != nil {
		return TrackerConfig{}, err
	}
	tc := TrackerConfig{
		ScanLeafSize:   c.Downsample.ScanLeafSize,
		Bootstrap:      c.Bootstrap,
		Tracking:       c.Tracking,
		ReadyTimeout:   time.Duration(c.ReadyTimeout),
		LatencyBudget:  time.Duration(c.LatencyBudget),
		BaseFromSensor: mount,
		MapFrame:       c.Frames.Map,
	}
	if err := tc.Validate(); err != nil {
		return TrackerConfig{}, err
	}
	return tc, nil
}
