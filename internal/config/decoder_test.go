package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/velodyne.report/internal/velodyne/decode"
)

func TestDefaultDecoderConfig(t *testing.T) {
	cfg := DefaultDecoderConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	if cfg.GetAnomalyEpsilon() != 1000 {
		t.Errorf("GetAnomalyEpsilon() = %d, want 1000", cfg.GetAnomalyEpsilon())
	}
	if cfg.GetDistanceResolution() != 0.01 {
		t.Errorf("GetDistanceResolution() = %f, want 0.01", cfg.GetDistanceResolution())
	}
	if cfg.GetTimestampMode() != decode.TimestampModeSystem {
		t.Errorf("GetTimestampMode() = %v, want system", cfg.GetTimestampMode())
	}
	if cfg.GetRcvBuf() != 4<<20 {
		t.Errorf("GetRcvBuf() = %d, want %d", cfg.GetRcvBuf(), 4<<20)
	}
	if cfg.GetLogInterval() != time.Minute {
		t.Errorf("GetLogInterval() = %v, want 1m", cfg.GetLogInterval())
	}
	sensors := cfg.GetSensors()
	if len(sensors) != 1 || sensors[0].UDPPort != DefaultUDPPort {
		t.Errorf("GetSensors() = %+v, want one sensor on %d", sensors, DefaultUDPPort)
	}
}

func TestEmptyDecoderConfigDefaults(t *testing.T) {
	cfg := &DecoderConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should be valid: %v", err)
	}
	if cfg.GetAnomalyEpsilon() != decode.DefaultAnomalyEpsilon {
		t.Errorf("GetAnomalyEpsilon() = %d", cfg.GetAnomalyEpsilon())
	}
	if cfg.GetCalibrationFile() != "" || cfg.GetForwardAddr() != "" || cfg.GetUDPAddress() != "" {
		t.Error("optional paths and addresses should default to empty")
	}
	if cfg.GetReplaySpeed() != 0 {
		t.Errorf("GetReplaySpeed() = %f, want 0", cfg.GetReplaySpeed())
	}
	if timing := cfg.GetTiming(); timing != (decode.UniformTiming{}) {
		t.Errorf("GetTiming() = %+v, want zero timing", timing)
	}
	if len(cfg.GetSensors()) != 1 {
		t.Errorf("GetSensors() should fall back to one default sensor")
	}
}

func TestLoadDecoderConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sensors.json")

	testJSON := `{
  "anomaly_epsilon": 500,
  "distance_resolution": 0.002,
  "timestamp_mode": "sensor",
  "calibration_file": "cal/shared.csv",
  "block_interval": "55.296us",
  "channel_interval": "2.304us",
  "forward_addr": "127.0.0.1:2370",
  "replay_speed": 1.5,
  "sensors": [
    {"name": "north", "udp_port": 2368},
    {"name": "south", "udp_port": 2369, "calibration_file": "/etc/velodyne/south.csv"}
  ]
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadDecoderConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetAnomalyEpsilon() != 500 {
		t.Errorf("GetAnomalyEpsilon() = %d, want 500", cfg.GetAnomalyEpsilon())
	}
	if cfg.GetTimestampMode() != decode.TimestampModeSensor {
		t.Errorf("GetTimestampMode() = %v, want sensor", cfg.GetTimestampMode())
	}
	wantTiming := decode.UniformTiming{BlockInterval: 55296 * time.Nanosecond, ChannelInterval: 2304 * time.Nanosecond}
	if cfg.GetTiming() != wantTiming {
		t.Errorf("GetTiming() = %+v, want %+v", cfg.GetTiming(), wantTiming)
	}
	if cfg.GetForwardAddr() != "127.0.0.1:2370" {
		t.Errorf("GetForwardAddr() = %q", cfg.GetForwardAddr())
	}
	if cfg.GetReplaySpeed() != 1.5 {
		t.Errorf("GetReplaySpeed() = %f, want 1.5", cfg.GetReplaySpeed())
	}

	sensors := cfg.GetSensors()
	if len(sensors) != 2 {
		t.Fatalf("expected 2 sensors, got %d", len(sensors))
	}
	if got, want := cfg.CalibrationFileFor(sensors[0]), filepath.Join(tmpDir, "cal", "shared.csv"); got != want {
		t.Errorf("CalibrationFileFor(north) = %q, want %q", got, want)
	}
	if got := cfg.CalibrationFileFor(sensors[1]); got != "/etc/velodyne/south.csv" {
		t.Errorf("CalibrationFileFor(south) = %q", got)
	}

	opts := cfg.DecoderOptions(nil)
	if opts.AnomalyEpsilon != 500 || opts.DistanceResolution != 0.002 || opts.Calibration != nil {
		t.Errorf("DecoderOptions() = %+v", opts)
	}
	if opts.TimestampMode != decode.TimestampModeSensor || opts.Timing != wantTiming {
		t.Errorf("DecoderOptions() timing = %+v mode = %v", opts.Timing, opts.TimestampMode)
	}

	table := &decode.CalibrationTable{}
	if cfg.DecoderOptions(table).Calibration != table {
		t.Error("DecoderOptions should carry the calibration")
	}
}

func TestLoadDecoderConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("config.yaml", "{}"), "must have .json extension"},
		{"missing", filepath.Join(tmpDir, "missing.json"), "failed to stat config file"},
		{"too large", write("large.json", strings.Repeat(" ", maxFileSize+1)), "config file too large"},
		{"bad json", write("bad.json", `{"anomaly_epsilon": "lots"`), "failed to parse config JSON"},
		{"invalid value", write("invalid.json", `{"timestamp_mode": "gps"}`), "invalid configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDecoderConfig(tt.path)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *DecoderConfig
		wantErr bool
	}{
		{"valid config", DefaultDecoderConfig(), false},
		{"empty config", &DecoderConfig{}, false},
		{"zero epsilon", &DecoderConfig{AnomalyEpsilon: ptrInt(0)}, false},
		{"negative epsilon", &DecoderConfig{AnomalyEpsilon: ptrInt(-1)}, true},
		{"epsilon of a full revolution", &DecoderConfig{AnomalyEpsilon: ptrInt(36000)}, true},
		{"zero resolution", &DecoderConfig{DistanceResolution: ptrFloat64(0)}, true},
		{"sensor timestamps", &DecoderConfig{TimestampMode: ptrString("Sensor")}, false},
		{"unknown timestamp mode", &DecoderConfig{TimestampMode: ptrString("gps")}, true},
		{"bad block interval", &DecoderConfig{BlockInterval: ptrString("fast")}, true},
		{"negative channel interval", &DecoderConfig{ChannelInterval: ptrString("-1us")}, true},
		{"bad log interval", &DecoderConfig{LogInterval: ptrString("often")}, true},
		{"negative rcvbuf", &DecoderConfig{RcvBuf: ptrInt(-1)}, true},
		{"negative replay speed", &DecoderConfig{ReplaySpeed: ptrFloat64(-2)}, true},
		{"unnamed sensor", &DecoderConfig{Sensors: []SensorConfig{{UDPPort: 2368}}}, true},
		{"port out of range", &DecoderConfig{Sensors: []SensorConfig{{Name: "a", UDPPort: 70000}}}, true},
		{"duplicate port", &DecoderConfig{Sensors: []SensorConfig{{Name: "a", UDPPort: 2368}, {Name: "b", UDPPort: 2368}}}, true},
		{"duplicate name", &DecoderConfig{Sensors: []SensorConfig{{Name: "a", UDPPort: 2368}, {Name: "a", UDPPort: 2369}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExampleConfigLoads(t *testing.T) {
	path := filepath.Join("..", "..", DefaultConfigPath)
	cfg, err := LoadDecoderConfig(path)
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}

	table, err := decode.LoadCalibrationFile(cfg.GetCalibrationFile())
	if err != nil {
		t.Fatalf("example calibration should load: %v", err)
	}
	if err := table.Validate(decode.BankUpper, decode.BankLower); err != nil {
		t.Errorf("example calibration incomplete: %v", err)
	}
}
