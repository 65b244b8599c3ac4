package mip

import (
	"encoding/binary"
	"math"
)

// Command codes, grouped by descriptor class. A command frame's payload is a
// single field whose field descriptor is the command code itself.
const (
	// ClassBase
	CmdPing          = 0x01
	CmdSetIdle       = 0x02
	CmdGetDeviceInfo = 0x03
	CmdResume        = 0x06

	// Class3DM
	CmdGetIMUBaseRate    = 0x06
	CmdIMUMessageFormat  = 0x08
	CmdFilterMsgFormat   = 0x0A
	CmdGetFilterBaseRate = 0x0B
	CmdEnableDataStream  = 0x11
	CmdPPSSource         = 0x28
	CmdSetHardIron       = 0x3A
	CmdSetSoftIron       = 0x3B
	CmdUARTBaudRate      = 0x40
	CmdDeviceStatus      = 0x64
	CmdGPSTimeUpdate     = 0x72

	// ClassFilter
	CmdEnableBiasEstimation = 0x14
	CmdEnableMeasurements   = 0x41
)

// FunctionApply selects the "use new settings" function in configuration
// commands that take a function selector byte.
const FunctionApply = 0x01

// Stream selectors for CmdEnableDataStream.
const (
	StreamIMU    = 0x01
	StreamFilter = 0x03
)

// Reply field descriptors for query commands.
const (
	FieldDeviceInfo     = 0x81
	FieldIMUBaseRate    = 0x83
	FieldFilterBaseRate = 0x8A
	FieldStatusReport   = 0x90
)

// Device status query parameters for the GX4-25.
const (
	statusModelNumber   = 6234
	statusDiagSelector  = 0x02
	gpsTimeWeekSelector = 0x01
	gpsTimeTowSelector  = 0x02
)

// PPS sources for CmdPPSSource.
const (
	PPSSourceDisabled = 0x00
	PPSSourceReceiver = 0x01
	PPSSourceGPIO     = 0x02
)

// Command builds a command frame for the given class, command code and
// argument bytes, wrapping them in the single command field MIP expects.
func Command(class, code byte, args []byte) Frame {
	payload := make([]byte, 0, 2+len(args))
	payload = append(payload, byte(2+len(args)), code)
	payload = append(payload, args...)
	return Frame{Descriptor: class, Payload: payload}
}

func Ping() Frame          { return Command(ClassBase, CmdPing, nil) }
func SetIdle() Frame       { return Command(ClassBase, CmdSetIdle, nil) }
func Resume() Frame        { return Command(ClassBase, CmdResume, nil) }
func GetDeviceInfo() Frame { return Command(ClassBase, CmdGetDeviceInfo, nil) }

func GetIMUBaseRate() Frame    { return Command(Class3DM, CmdGetIMUBaseRate, nil) }
func GetFilterBaseRate() Frame { return Command(Class3DM, CmdGetFilterBaseRate, nil) }

// GetDiagnostics requests the GX4 diagnostic status report.
func GetDiagnostics() Frame {
	args := make([]byte, 0, 3)
	args = binary.BigEndian.AppendUint16(args, statusModelNumber)
	args = append(args, statusDiagSelector)
	return Command(Class3DM, CmdDeviceStatus, args)
}

// FormatEntry pairs a streaming data field with its decimation of the base
// rate (output rate = base rate / decimation).
type FormatEntry struct {
	Field      byte
	Decimation uint16
}

// IMUMessageFormat configures which IMU data fields stream and how often.
func IMUMessageFormat(entries []FormatEntry) Frame {
	return messageFormat(CmdIMUMessageFormat, entries)
}

// FilterMessageFormat configures which filter data fields stream and how often.
func FilterMessageFormat(entries []FormatEntry) Frame {
	return messageFormat(CmdFilterMsgFormat, entries)
}

func messageFormat(code byte, entries []FormatEntry) Frame {
	args := make([]byte, 0, 2+3*len(entries))
	args = append(args, FunctionApply, byte(len(entries)))
	for _, e := range entries {
		args = append(args, e.Field)
		args = binary.BigEndian.AppendUint16(args, e.Decimation)
	}
	return Command(Class3DM, code, args)
}

// EnableDataStream turns the selected stream (StreamIMU or StreamFilter) on
// or off.
func EnableDataStream(selector byte, enabled bool) Frame {
	return Command(Class3DM, CmdEnableDataStream,
		[]byte{FunctionApply, selector, boolByte(enabled)})
}

// UARTBaudRate switches the device's serial rate. The reply is sent at the old
// rate; the device changes over roughly 250 ms later.
func UARTBaudRate(baud uint32) Frame {
	args := make([]byte, 0, 5)
	args = append(args, FunctionApply)
	args = binary.BigEndian.AppendUint32(args, baud)
	return Command(Class3DM, CmdUARTBaudRate, args)
}

// SetHardIronOffset writes the magnetometer hard-iron bias vector, in gauss.
func SetHardIronOffset(offset [3]float32) Frame {
	args := make([]byte, 0, 13)
	args = append(args, FunctionApply)
	for _, v := range offset {
		args = binary.BigEndian.AppendUint32(args, math.Float32bits(v))
	}
	return Command(Class3DM, CmdSetHardIron, args)
}

// SetSoftIronMatrix writes the row-major 3x3 magnetometer soft-iron matrix.
func SetSoftIronMatrix(matrix [9]float32) Frame {
	args := make([]byte, 0, 37)
	args = append(args, FunctionApply)
	for _, v := range matrix {
		args = binary.BigEndian.AppendUint32(args, math.Float32bits(v))
	}
	return Command(Class3DM, CmdSetSoftIron, args)
}

// EnableMeasurements selects which measurements the estimation filter uses.
func EnableMeasurements(accel, magnetometer bool) Frame {
	var mask uint16
	if accel {
		mask |= 0x01
	}
	if magnetometer {
		mask |= 0x02
	}
	args := make([]byte, 0, 3)
	args = append(args, FunctionApply)
	args = binary.BigEndian.AppendUint16(args, mask)
	return Command(ClassFilter, CmdEnableMeasurements, args)
}

// EnableBiasEstimation toggles gyroscope bias estimation in the filter.
func EnableBiasEstimation(enabled bool) Frame {
	args := make([]byte, 0, 3)
	args = append(args, FunctionApply)
	args = binary.BigEndian.AppendUint16(args, uint16(boolByte(enabled)))
	return Command(ClassFilter, CmdEnableBiasEstimation, args)
}

// PPSSource selects the device's pulse-per-second input for GPS time sync.
func PPSSource(source byte) Frame {
	return Command(Class3DM, CmdPPSSource, []byte{FunctionApply, source})
}

// GPSTimeUpdateWeek reports the current GPS week number to the device.
func GPSTimeUpdateWeek(week uint32) Frame {
	return gpsTimeUpdate(gpsTimeWeekSelector, week)
}

// GPSTimeUpdateSeconds reports the current GPS seconds-of-week to the device.
func GPSTimeUpdateSeconds(seconds uint32) Frame {
	return gpsTimeUpdate(gpsTimeTowSelector, seconds)
}

func gpsTimeUpdate(selector byte, value uint32) Frame {
	args := make([]byte, 0, 6)
	args = append(args, FunctionApply, selector)
	args = binary.BigEndian.AppendUint32(args, value)
	return Command(Class3DM, CmdGPSTimeUpdate, args)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
