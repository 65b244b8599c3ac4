package server

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/gx4dash/internal/mip"
)

// Config holds all bridge configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device" json:"device"`
	Streams StreamsConfig `yaml:"streams" json:"streams"`
	Filter  FilterConfig  `yaml:"filter" json:"filter"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`
}

type DeviceConfig struct {
	Type      string `yaml:"type" json:"type"` // "gx4" or "demo"
	PortPath  string `yaml:"port_path" json:"portPath"`
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeoutMs"` // per-command reply timeout
}

// Timeout returns the command timeout as a duration.
func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

type StreamsConfig struct {
	IMU         StreamConfig `yaml:"imu" json:"imu"`
	Filter      StreamConfig `yaml:"filter" json:"filter"`
	GPSTimeSync bool         `yaml:"gps_time_sync" json:"gpsTimeSync"`
}

type StreamConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Decimation uint16   `yaml:"decimation" json:"decimation"`
	Sources    []string `yaml:"sources" json:"sources"`
}

type FilterConfig struct {
	AccelUpdate    bool        `yaml:"accel_update" json:"accelUpdate"`
	MagUpdate      bool        `yaml:"mag_update" json:"magUpdate"`
	BiasEstimation bool        `yaml:"bias_estimation" json:"biasEstimation"`
	HardIron       [3]float32  `yaml:"hard_iron" json:"hardIron"`
	SoftIron       *[9]float32 `yaml:"soft_iron" json:"softIron"` // nil keeps the device default (identity)
}

type LoggingConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// imuSourceNames maps config source names to IMU stream presence bits.
var imuSourceNames = map[string]uint32{
	"accel":    mip.IMUAccelerometer,
	"gyro":     mip.IMUGyroscope,
	"mag":      mip.IMUMagnetometer,
	"baro":     mip.IMUBarometer,
	"gps_time": mip.IMUGPSTime,
}

// filterSourceNames maps config source names to filter stream presence bits.
var filterSourceNames = map[string]uint32{
	"quaternion":        mip.FilterQuaternion,
	"bias":              mip.FilterBias,
	"angle_uncertainty": mip.FilterAngleUncertainty,
	"bias_uncertainty":  mip.FilterBiasUncertainty,
	"gps_time":          mip.FilterGPSTime,
}

// IMUSources resolves the configured IMU source names to a bitmask.
func (c *Config) IMUSources() (uint32, error) {
	return resolveSources(c.Streams.IMU.Sources, imuSourceNames, "imu")
}

// FilterSources resolves the configured filter source names to a bitmask.
func (c *Config) FilterSources() (uint32, error) {
	return resolveSources(c.Streams.Filter.Sources, filterSourceNames, "filter")
}

func resolveSources(names []string, table map[string]uint32, stream string) (uint32, error) {
	var mask uint32
	for _, name := range names {
		bit, ok := table[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("config: unknown %s stream source %q", stream, name)
		}
		mask |= bit
	}
	return mask, nil
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:      "gx4",
			PortPath:  "/dev/ttyACM0",
			BaudRate:  115200,
			TimeoutMs: 300,
		},
		Streams: StreamsConfig{
			IMU: StreamConfig{
				Enabled:    true,
				Decimation: 10, // 1000 Hz base / 10 = 100 Hz
				Sources:    []string{"accel", "gyro", "mag", "baro"},
			},
			Filter: StreamConfig{
				Enabled:    true,
				Decimation: 5, // 500 Hz base / 5 = 100 Hz
				Sources:    []string{"quaternion", "bias"},
			},
			GPSTimeSync: false,
		},
		Filter: FilterConfig{
			AccelUpdate:    true,
			MagUpdate:      false,
			BiasEstimation: true,
		},
		Logging: LoggingConfig{
			Enabled:    false,
			Path:       "/var/log/gx4dash",
			IntervalMs: 100,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies environment variable
// overrides. Falls back to defaults if the file is missing or malformed.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: IMU_TYPE, IMU_PORT, IMU_BAUD, IMU_TIMEOUT_MS, LISTEN_ADDR,
// LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("IMU_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("IMU_PORT"); v != "" {
		c.Device.PortPath = v
	}
	if v := os.Getenv("IMU_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.BaudRate = n
		}
	}
	if v := os.Getenv("IMU_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.TimeoutMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
}
