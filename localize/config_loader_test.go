package localize

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func validConfigYAML() string {
	return `mqtt:
  broker: tcp://localhost:1883
  publishPrefix: scanloc
  clientId: scanloc-test
topics:
  map: map
  scan: lidar_points
  seed: gps
calibration:
  translation: [0.9, 0.0, 1.8]
  rotation: [0.0, 0.0, 0.0, 1.0]
downsample:
  mapLeafSize: 0.4
  scanLeafSize: 0.4
readyTimeout: 5s
latencyBudget: 250ms
result:
  csvPath: out/result.csv
`
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfig_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, validConfigYAML())

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" {
		t.Errorf("Broker = %q, want %q", cfg.MQTT.Broker, "tcp://localhost:1883")
	}
	if time.Duration(cfg.ReadyTimeout) != 5*time.Second {
		t.Errorf("ReadyTimeout = %v, want 5s", time.Duration(cfg.ReadyTimeout))
	}
	if time.Duration(cfg.LatencyBudget) != 250*time.Millisecond {
		t.Errorf("LatencyBudget = %v, want 250ms", time.Duration(cfg.LatencyBudget))
	}
	if cfg.Calibration.Translation[2] != 1.8 {
		t.Errorf("calibration z = %v, want 1.8", cfg.Calibration.Translation[2])
	}
	if err := cfg.ValidateMQTT(); err != nil {
		t.Errorf("ValidateMQTT: %v", err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  broker: tcp://b:1883\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Downsample.ScanLeafSize != 0.4 || cfg.Downsample.MapLeafSize != 0.4 {
		t.Errorf("leaf sizes = %v/%v, want 0.4/0.4", cfg.Downsample.MapLeafSize, cfg.Downsample.ScanLeafSize)
	}
	if cfg.Bootstrap.HeadingStep != 0.2 {
		t.Errorf("HeadingStep = %v, want 0.2", cfg.Bootstrap.HeadingStep)
	}
	if cfg.Bootstrap.ICP.MaxCorrespondenceDistance != 0.9 {
		t.Errorf("bootstrap cap = %v, want 0.9", cfg.Bootstrap.ICP.MaxCorrespondenceDistance)
	}
	if cfg.Tracking.MaxCorrespondenceDistance != 1.0 {
		t.Errorf("tracking cap = %v, want 1.0", cfg.Tracking.MaxCorrespondenceDistance)
	}
	if cfg.Result.CSVPath != "result.csv" {
		t.Errorf("CSVPath = %q, want result.csv", cfg.Result.CSVPath)
	}
	if cfg.Result.FlattenZ {
		t.Error("FlattenZ should default to false")
	}
	if cfg.Frames.Map != "world" || cfg.Frames.Sensor != "nuscenes_lidar" {
		t.Errorf("frames = %+v", cfg.Frames)
	}
	if cfg.LatencyBudget != 0 {
		t.Errorf("LatencyBudget = %v, want disabled", cfg.LatencyBudget)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "mqtt: [unclosed")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "readyTimeout: soon\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected invalid duration error, got %v", err)
	}
}

func TestLoadConfig_BadCalibrationReportsBoth(t *testing.T) {
	path := writeConfig(t, `calibration:
  translation: [1, 2]
  rotation: [0, 0, 1]
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected calibration error")
	}
	if !errors.Is(err, ErrInvalidCalibration) {
		t.Errorf("error %v does not wrap ErrInvalidCalibration", err)
	}
	if !strings.Contains(err.Error(), "translation") || !strings.Contains(err.Error(), "rotation") {
		t.Errorf("error should mention both vectors: %v", err)
	}
}

func TestLoadConfig_NegativeLeaf(t *testing.T) {
	path := writeConfig(t, "downsample:\n  scanLeafSize: -1\n")
	_, err := LoadConfig(path)
	if !errors.Is(err, ErrInvalidLeafSize) {
		t.Fatalf("expected ErrInvalidLeafSize, got %v", err)
	}
}

func TestLoadConfig_NegativeReadyTimeout(t *testing.T) {
	path := writeConfig(t, "readyTimeout: -1s\n")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "readyTimeout") {
		t.Fatalf("expected readyTimeout error, got %v", err)
	}
}

func TestLoadConfig_CalibrationFile(t *testing.T) {
	dir := t.TempDir()
	if err := SaveCalibration(filepath.Join(dir, "cal.json"), Calibration{
		Translation: []float64{0, 0, 2},
		Rotation:    []float64{0, 0, 0, 1},
	}); err != nil {
		t.Fatalf("SaveCalibration: %v", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("calibrationFile: cal.json\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Calibration.Translation[2] != 2 {
		t.Errorf("calibration file not applied: %+v", cfg.Calibration)
	}
}

func TestValidateMQTT_MissingBroker(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ValidateMQTT(); err == nil {
		t.Fatal("expected missing broker error")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Broker = "tcp://x:1883"
	cfg.LatencyBudget = Duration(300 * time.Millisecond)
	path := filepath.Join(t.TempDir(), "saved.yaml")

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.MQTT.Broker != cfg.MQTT.Broker || loaded.LatencyBudget != cfg.LatencyBudget {
		t.Errorf("round trip mismatch: %+v vs %+v", loaded, cfg)
	}
}

func TestConfigTrackerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Calibration = Calibration{Translation: []float64{0.5, 0, 1}, Rotation: []float64{0, 0, 0, 1}}

	tc, err := cfg.TrackerConfig()
	if err != nil {
		t.Fatalf("TrackerConfig: %v", err)
	}
	if got := tc.BaseFromSensor.Position(); got.X != 0.5 || got.Z != 1 {
		t.Errorf("mounting translation = %v", got)
	}
	if tc.MapFrame != "world" {
		t.Errorf("MapFrame = %q", tc.MapFrame)
	}
}
