package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelworks/gx4dash/internal/mip"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.Device.Type != "gx4" || cfg.Device.BaudRate != 115200 {
		t.Errorf("defaults not applied: %+v", cfg.Device)
	}
	if !cfg.Streams.IMU.Enabled || cfg.Streams.IMU.Decimation != 10 {
		t.Errorf("default imu stream: %+v", cfg.Streams.IMU)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
device:
  port_path: /dev/ttyUSB3
  baud_rate: 460800
streams:
  imu:
    enabled: true
    decimation: 20
    sources: [accel, gyro]
server:
  listen_addr: ":9000"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(path)
	if cfg.Device.PortPath != "/dev/ttyUSB3" || cfg.Device.BaudRate != 460800 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Device.Type != "gx4" {
		t.Errorf("unset field lost its default: type = %q", cfg.Device.Type)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}

	mask, err := cfg.IMUSources()
	if err != nil {
		t.Fatalf("IMUSources: %v", err)
	}
	if mask != mip.IMUAccelerometer|mip.IMUGyroscope {
		t.Errorf("imu source mask = 0x%X", mask)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IMU_PORT", "/dev/ttyS1")
	t.Setenv("IMU_BAUD", "921600")
	t.Setenv("LOG_ENABLED", "true")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.Device.PortPath != "/dev/ttyS1" || cfg.Device.BaudRate != 921600 {
		t.Errorf("env overrides not applied: %+v", cfg.Device)
	}
	if !cfg.Logging.Enabled {
		t.Error("LOG_ENABLED not applied")
	}
}

func TestResolveSourcesRejectsUnknownName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streams.Filter.Sources = []string{"quaternion", "temperature"}
	if _, err := cfg.FilterSources(); err == nil {
		t.Fatal("unknown source name accepted")
	}
}

func TestSourceNamesCaseInsensitive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streams.IMU.Sources = []string{" Accel ", "GYRO"}
	mask, err := cfg.IMUSources()
	if err != nil {
		t.Fatalf("IMUSources: %v", err)
	}
	if mask != mip.IMUAccelerometer|mip.IMUGyroscope {
		t.Errorf("mask = 0x%X", mask)
	}
}
