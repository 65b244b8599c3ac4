// Package logger records timestamped IMU and filter readings to CSV files
// with automatic rotation.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrelworks/gx4dash/internal/mip"
)

// Logger writes reading snapshots to CSV at a bounded rate.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int

	imu    mip.IMUReading
	filter mip.FilterReading
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const maxRowsPerFile = 100_000 // rotate after 100k rows (~2.7 hrs at 10 Hz)

var csvHeader = []string{
	"timestamp",
	"accel_x", "accel_y", "accel_z",
	"gyro_x", "gyro_y", "gyro_z",
	"mag_x", "mag_y", "mag_z",
	"pressure_mbar",
	"quat_w", "quat_x", "quat_y", "quat_z", "quat_status",
	"bias_x", "bias_y", "bias_z", "bias_status",
	"gps_tow", "gps_week", "gps_status",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/gx4dash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 10*time.Millisecond {
		interval = 100 * time.Millisecond // default 10 Hz
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// RecordIMU notes the latest IMU reading and writes a row if the logging
// interval has elapsed.
func (l *Logger) RecordIMU(r mip.IMUReading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.imu = r
	l.maybeWrite()
}

// RecordFilter notes the latest filter reading and writes a row if the
// logging interval has elapsed.
func (l *Logger) RecordFilter(r mip.FilterReading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = r
	l.maybeWrite()
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) maybeWrite() {
	if !l.enabled {
		return
	}
	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(l.buildRow(now)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("gx4_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func (l *Logger) buildRow(ts time.Time) []string {
	f32 := func(v float32) string { return fmt.Sprintf("%.6f", v) }

	row := make([]string, 0, len(csvHeader))
	row = append(row, ts.Format(time.RFC3339Nano))
	row = append(row,
		f32(l.imu.Accel[0]), f32(l.imu.Accel[1]), f32(l.imu.Accel[2]),
		f32(l.imu.Gyro[0]), f32(l.imu.Gyro[1]), f32(l.imu.Gyro[2]),
		f32(l.imu.Mag[0]), f32(l.imu.Mag[1]), f32(l.imu.Mag[2]),
		f32(l.imu.Pressure),
		f32(l.filter.Quaternion[0]), f32(l.filter.Quaternion[1]),
		f32(l.filter.Quaternion[2]), f32(l.filter.Quaternion[3]),
		fmt.Sprintf("%d", l.filter.QuaternionStatus),
		f32(l.filter.Bias[0]), f32(l.filter.Bias[1]), f32(l.filter.Bias[2]),
		fmt.Sprintf("%d", l.filter.BiasStatus),
		fmt.Sprintf("%.3f", l.imu.GPSTow),
		fmt.Sprintf("%d", l.imu.GPSWeek),
		fmt.Sprintf("%d", l.imu.GPSTimeStatus),
	)
	return row
}
