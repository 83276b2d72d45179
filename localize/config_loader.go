package localize

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the service configuration from a YAML file.
// Missing optional fields get their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&config)

	if config.CalibrationFile != "" {
		cal, err := LoadCalibration(resolvePath(path, config.CalibrationFile))
		if err != nil {
			return nil, err
		}
		if cal != nil {
			config.Calibration = *cal
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks everything that can be checked without opening outputs.
func (c *Config) Validate() error {
	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if !(c.Downsample.MapLeafSize > 0) {
		return fmt.Errorf("downsample.mapLeafSize: %w", ErrInvalidLeafSize)
	}
	if !(c.Downsample.ScanLeafSize > 0) {
		return fmt.Errorf("downsample.scanLeafSize: %w", ErrInvalidLeafSize)
	}
	if err := c.Bootstrap.Validate(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := c.Tracking.Validate(); err != nil {
		return fmt.Errorf("tracking: %w", err)
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("readyTimeout must be positive, got %v", time.Duration(c.ReadyTimeout))
	}
	if c.LatencyBudget < 0 {
		return fmt.Errorf("latencyBudget must not be negative")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queueSize must not be negative")
	}
	if c.Result.CSVPath == "" {
		return fmt.Errorf("result.csvPath is required")
	}
	return nil
}

// ValidateMQTT checks the fields needed to run against a broker.
func (c *Config) ValidateMQTT() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.Topics.Scan == "" || c.Topics.Seed == "" {
		return fmt.Errorf("topics.scan and topics.seed are required")
	}
	if c.Topics.Map == "" && c.Map.Path == "" && c.Map.URL == "" {
		return fmt.Errorf("one of topics.map, map.path or map.url is required")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// resolvePath interprets rel relative to the directory of the config file.
func resolvePath(configPath, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(filepath.Dir(configPath), rel)
}
