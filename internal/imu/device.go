// Package imu drives a MicroStrain 3DM-GX4-25 inertial measurement unit over a
// serial line, on top of the wire protocol in internal/mip. It owns the
// connection lifecycle, the command/acknowledgement session, baud-rate
// negotiation, and the dispatch of streaming readings to registered callbacks.
//
// The driver is single-threaded and cooperative: the host calls Poll
// repeatedly from one goroutine, and command methods block at most their
// timeout. Nothing inside blocks indefinitely.
package imu

import (
	"fmt"
	"log"
	"time"

	"github.com/kestrelworks/gx4dash/internal/mip"
)

// Source is the abstract stream of IMU data the host app consumes. Device is
// the real implementation; DemoSource simulates one.
type Source interface {
	Name() string
	Connect() error
	Close() error
	// Poll performs one bounded read cycle and dispatches any decoded
	// readings to the registered callbacks.
	Poll() error
	SetIMUCallback(func(mip.IMUReading))
	SetFilterCallback(func(mip.FilterReading))
}

// Config holds connection configuration for the device.
type Config struct {
	PortPath string        `yaml:"port_path" json:"portPath"`
	BaudRate int           `yaml:"baud_rate" json:"baudRate"` // target rate, negotiated on connect
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`    // per-command reply timeout
}

// Allowed source bits for SetIMUDataRate, matching IMUReading presence bits.
const imuSourceMask = mip.IMUAccelerometer | mip.IMUGyroscope |
	mip.IMUMagnetometer | mip.IMUBarometer | mip.IMUGPSTime

// Allowed source bits for SetFilterDataRate, matching FilterReading presence bits.
const filterSourceMask = mip.FilterQuaternion | mip.FilterBias |
	mip.FilterAngleUncertainty | mip.FilterBiasUncertainty | mip.FilterGPSTime

type connState int

const (
	stateClosed connState = iota
	stateNegotiating
	stateIdle
	stateStreaming
)

const (
	pollTimeout    = 20 * time.Millisecond
	readChunk      = 20 * time.Millisecond // read slice inside a command wait
	baudProbeLimit = 100 * time.Millisecond
	baudSettle     = 250 * time.Millisecond // device switch-over after UART command
)

// Device is a connected 3DM-GX4-25.
type Device struct {
	path      string
	baud      int
	timeout   time.Duration
	transport Transport
	demux     mip.Demuxer
	state     connState

	// The protocol correlates replies to commands only by descriptor class,
	// so exactly one command may be waiting at any time.
	inFlight bool

	imuStreamOn    bool
	filterStreamOn bool

	imuCB    func(mip.IMUReading)
	filterCB func(mip.FilterReading)

	// dial is swapped out by tests for an in-memory transport.
	dial func(path string, baud int) (Transport, error)
}

// New creates a device driver for the given serial path. The transport is not
// opened until Connect.
func New(cfg Config) *Device {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Millisecond
	}
	return &Device{
		path:    cfg.PortPath,
		baud:    cfg.BaudRate,
		timeout: cfg.Timeout,
		dial:    OpenSerial,
	}
}

func (d *Device) Name() string { return "3DM-GX4-25" }

// Connect opens the transport, negotiates the baud rate and leaves the device
// idle. Calling Connect on an open device is a caller error.
func (d *Device) Connect() error {
	if d.state != stateClosed {
		return ErrAlreadyConnected
	}

	t, err := d.dial(d.path, d.baud)
	if err != nil {
		return err
	}
	d.transport = t
	d.demux.Reset()
	d.state = stateNegotiating

	if err := d.selectBaudRate(d.baud); err != nil {
		d.transport.Close()
		d.transport = nil
		d.state = stateClosed
		return fmt.Errorf("imu: baud negotiation on %s: %w", d.path, err)
	}

	d.state = stateIdle
	log.Printf("[imu] connected to %s at %d baud", d.path, d.baud)
	return nil
}

// Close sends the idle command (best effort — the link is going away anyway)
// and closes the transport.
func (d *Device) Close() error {
	if d.state == stateClosed {
		return nil
	}
	if d.state != stateIdle {
		if err := d.Idle(); err != nil {
			log.Printf("[imu] idle before close failed: %v", err)
		}
	}
	err := d.transport.Close()
	d.transport = nil
	d.state = stateClosed
	d.imuStreamOn = false
	d.filterStreamOn = false
	log.Printf("[imu] disconnected from %s", d.path)
	return err
}

// SetIMUCallback registers the single IMU-stream observer. It is invoked
// synchronously from the Poll path, in decode order. A nil callback
// unregisters.
func (d *Device) SetIMUCallback(cb func(mip.IMUReading)) { d.imuCB = cb }

// SetFilterCallback registers the single filter-stream observer.
func (d *Device) SetFilterCallback(cb func(mip.FilterReading)) { d.filterCB = cb }

// Poll performs one bounded read of the transport and dispatches every
// complete frame it yields. It never blocks longer than the poll timeout; the
// host drives it from its own loop.
func (d *Device) Poll() error {
	if d.state == stateClosed {
		return ErrNotConnected
	}
	buf := make([]byte, 512)
	n, err := d.transport.Read(buf, pollTimeout)
	if err != nil {
		return &TransportError{Op: "read", Err: err}
	}
	if n == 0 {
		return nil
	}
	for _, f := range d.demux.Feed(buf[:n]) {
		d.dispatch(f)
	}
	return nil
}

// dispatch routes one validated frame: streaming data goes to the registered
// callbacks; decode failures drop the frame and leave the stream running.
func (d *Device) dispatch(f mip.Frame) {
	switch {
	case f.IsIMUData():
		r, err := mip.DecodeIMU(f)
		if err != nil {
			log.Printf("[imu] dropping imu data frame: %v", err)
			return
		}
		if d.imuCB != nil {
			d.imuCB(r)
		}
	case f.IsFilterData():
		r, err := mip.DecodeFilter(f)
		if err != nil {
			log.Printf("[imu] dropping filter data frame: %v", err)
			return
		}
		if d.filterCB != nil {
			d.filterCB(r)
		}
	default:
		// A command reply with no waiter: stale ACK from a timed-out command.
		log.Printf("[imu] unsolicited reply frame 0x%02X ignored", f.Descriptor)
	}
}

// execute writes a command frame and pumps the transport through the demuxer
// until the matching ACK arrives or the timeout elapses. Streaming frames
// observed while waiting are dispatched normally — a command wait never
// suppresses data delivery.
func (d *Device) execute(cmd mip.Frame, timeout time.Duration) (mip.Frame, error) {
	if d.state == stateClosed {
		return mip.Frame{}, ErrNotConnected
	}
	if d.inFlight {
		return mip.Frame{}, ErrCommandInFlight
	}
	d.inFlight = true
	defer func() { d.inFlight = false }()

	raw := cmd.Encode()
	n, err := d.transport.Write(raw)
	if err != nil {
		return mip.Frame{}, &TransportError{Op: "write", Err: err}
	}
	if n < len(raw) {
		return mip.Frame{}, &TimeoutError{Write: true, Timeout: timeout}
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 512)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return mip.Frame{}, &TimeoutError{Timeout: timeout}
		}
		slice := remaining
		if slice > readChunk {
			slice = readChunk
		}
		n, err := d.transport.Read(buf, slice)
		if err != nil {
			return mip.Frame{}, &TransportError{Op: "read", Err: err}
		}

		var reply mip.Frame
		var code byte
		found := false
		for _, f := range d.demux.Feed(buf[:n]) {
			if !found {
				if c, ok := f.AckCode(cmd); ok {
					reply, code, found = f, c, true
					continue
				}
			}
			d.dispatch(f)
		}
		if !found {
			continue
		}
		if code != mip.AckSuccess {
			return mip.Frame{}, &CommandError{
				Descriptor: cmd.Descriptor,
				Command:    cmd.Payload[1],
				Code:       code,
			}
		}
		return reply, nil
	}
}

// Ping verifies the device answers on the current line settings.
func (d *Device) Ping() error {
	_, err := d.execute(mip.Ping(), d.timeout)
	return err
}

// Idle stops all streaming and places the device in idle mode.
func (d *Device) Idle() error {
	if _, err := d.execute(mip.SetIdle(), d.timeout); err != nil {
		return err
	}
	d.state = stateIdle
	return nil
}

// Resume restarts whatever streams were previously enabled.
func (d *Device) Resume() error {
	if _, err := d.execute(mip.Resume(), d.timeout); err != nil {
		return err
	}
	if d.imuStreamOn || d.filterStreamOn {
		d.state = stateStreaming
	}
	return nil
}

// GetDeviceInfo queries firmware version and model identification.
func (d *Device) GetDeviceInfo() (Info, error) {
	reply, err := d.execute(mip.GetDeviceInfo(), d.timeout)
	if err != nil {
		return Info{}, err
	}
	data, ok := reply.Field(mip.FieldDeviceInfo)
	if !ok {
		return Info{}, fmt.Errorf("imu: device info reply missing info field")
	}
	return parseInfo(data)
}

// GetIMUBaseRate returns the IMU data base rate in Hz (1000 on the GX4-25).
func (d *Device) GetIMUBaseRate() (uint16, error) {
	return d.queryBaseRate(mip.GetIMUBaseRate(), mip.FieldIMUBaseRate)
}

// GetFilterBaseRate returns the filter data base rate in Hz (500 on the GX4-25).
func (d *Device) GetFilterBaseRate() (uint16, error) {
	return d.queryBaseRate(mip.GetFilterBaseRate(), mip.FieldFilterBaseRate)
}

func (d *Device) queryBaseRate(cmd mip.Frame, field byte) (uint16, error) {
	reply, err := d.execute(cmd, d.timeout)
	if err != nil {
		return 0, err
	}
	data, ok := reply.Field(field)
	if !ok || len(data) < 2 {
		return 0, fmt.Errorf("imu: base rate reply missing rate field")
	}
	return uint16(data[0])<<8 | uint16(data[1]), nil
}

// GetDiagnosticInfo queries the device's diagnostic status report.
func (d *Device) GetDiagnosticInfo() (DiagnosticFields, error) {
	reply, err := d.execute(mip.GetDiagnostics(), d.timeout)
	if err != nil {
		return DiagnosticFields{}, err
	}
	data, ok := reply.Field(mip.FieldStatusReport)
	if !ok {
		return DiagnosticFields{}, fmt.Errorf("imu: diagnostic reply missing status report field")
	}
	return parseDiagnostics(data)
}

// SetIMUDataRate streams the selected IMU sources at baseRate/decimation Hz.
// sources is a combination of the mip.IMU* presence bits; unknown bits are
// rejected before any I/O.
func (d *Device) SetIMUDataRate(decimation uint16, sources uint32) error {
	if sources&^uint32(imuSourceMask) != 0 {
		return &ConfigError{Msg: fmt.Sprintf("invalid IMU source bits 0x%X", sources&^uint32(imuSourceMask))}
	}
	var entries []mip.FormatEntry
	for _, m := range []struct {
		bit   uint32
		field byte
	}{
		{mip.IMUAccelerometer, mip.FieldScaledAccel},
		{mip.IMUGyroscope, mip.FieldScaledGyro},
		{mip.IMUMagnetometer, mip.FieldScaledMag},
		{mip.IMUBarometer, mip.FieldScaledPressure},
		{mip.IMUGPSTime, mip.FieldIMUGPSTimestamp},
	} {
		if sources&m.bit != 0 {
			entries = append(entries, mip.FormatEntry{Field: m.field, Decimation: decimation})
		}
	}
	_, err := d.execute(mip.IMUMessageFormat(entries), d.timeout)
	return err
}

// SetFilterDataRate streams the selected filter sources at
// baseRate/decimation Hz. sources is a combination of the mip.Filter*
// presence bits.
func (d *Device) SetFilterDataRate(decimation uint16, sources uint32) error {
	if sources&^uint32(filterSourceMask) != 0 {
		return &ConfigError{Msg: fmt.Sprintf("invalid filter source bits 0x%X", sources&^uint32(filterSourceMask))}
	}
	var entries []mip.FormatEntry
	for _, m := range []struct {
		bit   uint32
		field byte
	}{
		{mip.FilterQuaternion, mip.FieldQuaternion},
		{mip.FilterBias, mip.FieldGyroBias},
		{mip.FilterAngleUncertainty, mip.FieldAngleUncertainty},
		{mip.FilterBiasUncertainty, mip.FieldBiasUncertainty},
		{mip.FilterGPSTime, mip.FieldFilterGPSTimestamp},
	} {
		if sources&m.bit != 0 {
			entries = append(entries, mip.FormatEntry{Field: m.field, Decimation: decimation})
		}
	}
	_, err := d.execute(mip.FilterMessageFormat(entries), d.timeout)
	return err
}

// EnableMeasurements selects which measurements the estimation filter uses.
func (d *Device) EnableMeasurements(accel, magnetometer bool) error {
	_, err := d.execute(mip.EnableMeasurements(accel, magnetometer), d.timeout)
	return err
}

// EnableBiasEstimation toggles gyroscope bias estimation.
func (d *Device) EnableBiasEstimation(enabled bool) error {
	_, err := d.execute(mip.EnableBiasEstimation(enabled), d.timeout)
	return err
}

// SetHardIronOffset writes the magnetometer hard-iron bias vector, in gauss.
func (d *Device) SetHardIronOffset(offset [3]float32) error {
	_, err := d.execute(mip.SetHardIronOffset(offset), d.timeout)
	return err
}

// SetSoftIronMatrix writes the row-major 3x3 soft-iron compensation matrix.
func (d *Device) SetSoftIronMatrix(matrix [9]float32) error {
	_, err := d.execute(mip.SetSoftIronMatrix(matrix), d.timeout)
	return err
}

// EnableIMUStream turns the IMU data stream on or off.
func (d *Device) EnableIMUStream(enabled bool) error {
	if _, err := d.execute(mip.EnableDataStream(mip.StreamIMU, enabled), d.timeout); err != nil {
		return err
	}
	d.imuStreamOn = enabled
	d.updateStreamState()
	return nil
}

// EnableFilterStream turns the estimation filter data stream on or off.
func (d *Device) EnableFilterStream(enabled bool) error {
	if _, err := d.execute(mip.EnableDataStream(mip.StreamFilter, enabled), d.timeout); err != nil {
		return err
	}
	d.filterStreamOn = enabled
	d.updateStreamState()
	return nil
}

func (d *Device) updateStreamState() {
	if d.imuStreamOn || d.filterStreamOn {
		d.state = stateStreaming
	} else {
		d.state = stateIdle
	}
}

// EnableGPSTimeSync selects the PPS input so device timestamps track GPS time.
// Requires a PPS signal wired to the device and SendGPSTimeUpdate called once
// per second.
func (d *Device) EnableGPSTimeSync(enabled bool) error {
	source := byte(mip.PPSSourceDisabled)
	if enabled {
		source = mip.PPSSourceGPIO
	}
	_, err := d.execute(mip.PPSSource(source), d.timeout)
	return err
}

// SendGPSTimeUpdate reports the current GPS week and seconds-of-week to the
// device. The protocol takes them as two separate commands, issued back to
// back here, so the single-outstanding-command rule still holds.
func (d *Device) SendGPSTimeUpdate(week, seconds uint32) error {
	if _, err := d.execute(mip.GPSTimeUpdateWeek(week), d.timeout); err != nil {
		return err
	}
	_, err := d.execute(mip.GPSTimeUpdateSeconds(seconds), d.timeout)
	return err
}
