package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/velodyne.report/internal/velodyne/decode"
	"github.com/banshee-data/velodyne.report/internal/velodyne/packet"
)

// DefaultConfigPath is the path to the example decoder configuration.
const DefaultConfigPath = "config/velodyne.example.json"

// DefaultUDPPort is the Velodyne data port.
const DefaultUDPPort = 2368

// maxFileSize bounds configuration files (1MB).
const maxFileSize = 1 * 1024 * 1024

// DecoderConfig is the root configuration for decoding one or more sensor
// streams. Every field is optional; the Get* methods supply defaults, so
// partial files are safe.
type DecoderConfig struct {
	// Decoding
	AnomalyEpsilon     *int     `json:"anomaly_epsilon,omitempty"`     // hundredths of a degree, 0 selects the default
	DistanceResolution *float64 `json:"distance_resolution,omitempty"` // units per raw count
	TimestampMode      *string  `json:"timestamp_mode,omitempty"`      // "system" or "sensor"
	CalibrationFile    *string  `json:"calibration_file,omitempty"`

	// Firing schedule, duration strings like "55.296us"
	BlockInterval   *string `json:"block_interval,omitempty"`
	ChannelInterval *string `json:"channel_interval,omitempty"`

	// Transport
	UDPAddress  *string  `json:"udp_addr,omitempty"` // bind host, empty for all interfaces
	RcvBuf      *int     `json:"rcvbuf,omitempty"`
	LogInterval *string  `json:"log_interval,omitempty"`
	ForwardAddr *string  `json:"forward_addr,omitempty"` // host:port mirror for raw packets
	ReplaySpeed *float64 `json:"replay_speed,omitempty"` // 0 replays as fast as possible

	Sensors []SensorConfig `json:"sensors,omitempty"`
}

// SensorConfig names one sensor stream. Each stream gets its own decoder.
type SensorConfig struct {
	Name            string `json:"name"`
	UDPPort         int    `json:"udp_port"`
	CalibrationFile string `json:"calibration_file,omitempty"` // overrides the shared file
}

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// DefaultDecoderConfig returns a config with every field set to its default.
func DefaultDecoderConfig() *DecoderConfig {
	return &DecoderConfig{
		AnomalyEpsilon:     ptrInt(decode.DefaultAnomalyEpsilon),
		DistanceResolution: ptrFloat64(packet.DISTANCE_RESOLUTION),
		TimestampMode:      ptrString("system"),
		UDPAddress:         ptrString(""),
		RcvBuf:             ptrInt(4 << 20),
		LogInterval:        ptrString("1m"),
		ReplaySpeed:        ptrFloat64(0),
		Sensors:            []SensorConfig{{Name: "velodyne", UDPPort: DefaultUDPPort}},
	}
}

// LoadDecoderConfig loads a DecoderConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadDecoderConfig(path string) (*DecoderConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &DecoderConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Relative calibration paths are resolved against the config file.
	dir := filepath.Dir(cleanPath)
	if cfg.CalibrationFile != nil && *cfg.CalibrationFile != "" && !filepath.IsAbs(*cfg.CalibrationFile) {
		cfg.CalibrationFile = ptrString(filepath.Join(dir, *cfg.CalibrationFile))
	}
	for i := range cfg.Sensors {
		if p := cfg.Sensors[i].CalibrationFile; p != "" && !filepath.IsAbs(p) {
			cfg.Sensors[i].CalibrationFile = filepath.Join(dir, p)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *DecoderConfig) Validate() error {
	if c.AnomalyEpsilon != nil {
		if *c.AnomalyEpsilon < 0 || *c.AnomalyEpsilon >= packet.ROTATION_MAX_UNITS {
			return fmt.Errorf("anomaly_epsilon must be between 0 and %d, got %d", packet.ROTATION_MAX_UNITS-1, *c.AnomalyEpsilon)
		}
	}

	if c.DistanceResolution != nil && *c.DistanceResolution <= 0 {
		return fmt.Errorf("distance_resolution must be positive, got %f", *c.DistanceResolution)
	}

	if c.TimestampMode != nil {
		if _, err := parseTimestampMode(*c.TimestampMode); err != nil {
			return err
		}
	}

	for name, v := range map[string]*string{
		"block_interval":   c.BlockInterval,
		"channel_interval": c.ChannelInterval,
		"log_interval":     c.LogInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		return fmt.Errorf("rcvbuf must be non-negative, got %d", *c.RcvBuf)
	}

	if c.ReplaySpeed != nil && *c.ReplaySpeed < 0 {
		return fmt.Errorf("replay_speed must be non-negative, got %f", *c.ReplaySpeed)
	}

	seenPorts := make(map[int]string)
	seenNames := make(map[string]bool)
	for i, s := range c.Sensors {
		if s.Name == "" {
			return fmt.Errorf("sensors[%d]: name is required", i)
		}
		if seenNames[s.Name] {
			return fmt.Errorf("sensors[%d]: duplicate name %q", i, s.Name)
		}
		seenNames[s.Name] = true
		if s.UDPPort <= 0 || s.UDPPort > 65535 {
			return fmt.Errorf("sensors[%d] %q: udp_port must be between 1 and 65535, got %d", i, s.Name, s.UDPPort)
		}
		if other, dup := seenPorts[s.UDPPort]; dup {
			return fmt.Errorf("sensors[%d] %q: udp_port %d already used by %q", i, s.Name, s.UDPPort, other)
		}
		seenPorts[s.UDPPort] = s.Name
	}

	return nil
}

func parseTimestampMode(s string) (decode.TimestampMode, error) {
	switch strings.ToLower(s) {
	case "", "system":
		return decode.TimestampModeSystem, nil
	case "sensor":
		return decode.TimestampModeSensor, nil
	default:
		return decode.TimestampModeSystem, fmt.Errorf("timestamp_mode must be \"system\" or \"sensor\", got %q", s)
	}
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetAnomalyEpsilon returns the anomaly_epsilon value or the default.
func (c *DecoderConfig) GetAnomalyEpsilon() uint16 {
	if c.AnomalyEpsilon == nil {
		return decode.DefaultAnomalyEpsilon
	}
	return uint16(*c.AnomalyEpsilon)
}

// GetDistanceResolution returns the distance_resolution value or the default.
func (c *DecoderConfig) GetDistanceResolution() float64 {
	if c.DistanceResolution == nil {
		return packet.DISTANCE_RESOLUTION
	}
	return *c.DistanceResolution
}

// GetTimestampMode returns the parsed timestamp_mode or system time.
func (c *DecoderConfig) GetTimestampMode() decode.TimestampMode {
	if c.TimestampMode == nil {
		return decode.TimestampModeSystem
	}
	mode, _ := parseTimestampMode(*c.TimestampMode)
	return mode
}

// GetCalibrationFile returns the shared calibration file, or "" for none.
func (c *DecoderConfig) GetCalibrationFile() string {
	if c.CalibrationFile == nil {
		return ""
	}
	return *c.CalibrationFile
}

// GetTiming returns the firing schedule. Both intervals default to zero,
// which disables timing corrections.
func (c *DecoderConfig) GetTiming() decode.UniformTiming {
	return decode.UniformTiming{
		BlockInterval:   durationOr(c.BlockInterval, 0),
		ChannelInterval: durationOr(c.ChannelInterval, 0),
	}
}

// GetUDPAddress returns the bind host, "" for all interfaces.
func (c *DecoderConfig) GetUDPAddress() string {
	if c.UDPAddress == nil {
		return ""
	}
	return *c.UDPAddress
}

// GetRcvBuf returns the UDP receive buffer size or the default (4MB).
func (c *DecoderConfig) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return 4 << 20
	}
	return *c.RcvBuf
}

// GetLogInterval returns the statistics logging interval or the default.
func (c *DecoderConfig) GetLogInterval() time.Duration {
	return durationOr(c.LogInterval, time.Minute)
}

// GetForwardAddr returns the raw packet mirror address, "" when disabled.
func (c *DecoderConfig) GetForwardAddr() string {
	if c.ForwardAddr == nil {
		return ""
	}
	return *c.ForwardAddr
}

// GetReplaySpeed returns the PCAP replay speed multiplier or 0.
func (c *DecoderConfig) GetReplaySpeed() float64 {
	if c.ReplaySpeed == nil {
		return 0
	}
	return *c.ReplaySpeed
}

// GetSensors returns the configured sensors, or a single default sensor on
// DefaultUDPPort.
func (c *DecoderConfig) GetSensors() []SensorConfig {
	if len(c.Sensors) == 0 {
		return []SensorConfig{{Name: "velodyne", UDPPort: DefaultUDPPort}}
	}
	return c.Sensors
}

// CalibrationFileFor returns the calibration file of a sensor, falling back
// to the shared file.
func (c *DecoderConfig) CalibrationFileFor(s SensorConfig) string {
	if s.CalibrationFile != "" {
		return s.CalibrationFile
	}
	return c.GetCalibrationFile()
}

// DecoderOptions builds decode.Options for one stream. cal may be nil.
func (c *DecoderConfig) DecoderOptions(cal decode.Calibration) decode.Options {
	opts := decode.Options{
		AnomalyEpsilon:     c.GetAnomalyEpsilon(),
		DistanceResolution: c.GetDistanceResolution(),
		TimestampMode:      c.GetTimestampMode(),
		Timing:             c.GetTiming(),
	}
	if cal != nil {
		opts.Calibration = cal
	}
	return opts
}
