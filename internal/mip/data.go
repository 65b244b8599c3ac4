package mip

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Streaming data field descriptors within ClassIMUData.
const (
	FieldScaledAccel     = 0x04
	FieldScaledGyro      = 0x05
	FieldScaledMag       = 0x06
	FieldScaledPressure  = 0x17
	FieldIMUGPSTimestamp = 0x12
)

// Streaming data field descriptors within ClassFilterData.
const (
	FieldQuaternion         = 0x03
	FieldGyroBias           = 0x06
	FieldAngleUncertainty   = 0x0E
	FieldBiasUncertainty    = 0x0B
	FieldFilterGPSTimestamp = 0x11
)

// IMUReading presence bits.
const (
	IMUAccelerometer = 1 << 0
	IMUGyroscope     = 1 << 1
	IMUMagnetometer  = 1 << 2
	IMUBarometer     = 1 << 3
	IMUGPSTime       = 1 << 4
)

// FilterReading presence bits.
const (
	FilterQuaternion       = 1 << 0
	FilterBias             = 1 << 1
	FilterAngleUncertainty = 1 << 2
	FilterBiasUncertainty  = 1 << 3
	FilterGPSTime          = 1 << 4
)

// ProtocolError reports a wire-level violation inside a checksum-valid frame's
// payload: a sub-field length overrunning the payload, or a fixed-width value
// shorter than its field requires. The containing frame is dropped and the
// stream continues.
type ProtocolError struct {
	Field byte // offending sub-field descriptor, 0 when the payload structure itself is malformed
	Msg   string
}

func (e *ProtocolError) Error() string {
	if e.Field != 0 {
		return fmt.Sprintf("mip: field 0x%02X %s", e.Field, e.Msg)
	}
	return "mip: " + e.Msg
}

// IMUReading is one decoded IMU-stream sample. Only fields whose presence bit
// is set in Fields carry data; the rest stay at their zero values.
type IMUReading struct {
	Fields uint32 `json:"fields"`

	Accel    [3]float32 `json:"accel"`    // g
	Gyro     [3]float32 `json:"gyro"`     // rad/s
	Mag      [3]float32 `json:"mag"`      // gauss
	Pressure float32    `json:"pressure"` // mbar

	GPSTow        float64 `json:"gpsTow"` // seconds of week
	GPSWeek       uint16  `json:"gpsWeek"`
	GPSTimeStatus uint16  `json:"gpsTimeStatus"`
}

// FilterReading is one decoded estimation-filter sample. Each field carries
// both a presence bit in Fields and the device's own validity status word
// (0 = invalid, 1 = valid); the two are reported independently.
type FilterReading struct {
	Fields uint32 `json:"fields"`

	Quaternion       [4]float32 `json:"quaternion"` // q0,q1,q2,q3
	QuaternionStatus uint16     `json:"quaternionStatus"`

	Bias       [3]float32 `json:"bias"` // rad/s
	BiasStatus uint16     `json:"biasStatus"`

	AngleUncertainty       [3]float32 `json:"angleUncertainty"` // rad, 1-sigma
	AngleUncertaintyStatus uint16     `json:"angleUncertaintyStatus"`

	BiasUncertainty       [3]float32 `json:"biasUncertainty"` // rad/s, 1-sigma
	BiasUncertaintyStatus uint16     `json:"biasUncertaintyStatus"`

	GPSTow        float64 `json:"gpsTow"`
	GPSWeek       uint16  `json:"gpsWeek"`
	GPSTimeStatus uint16  `json:"gpsTimeStatus"`
}

// DecodeIMU decodes an IMU-data frame payload into a reading. Unknown field
// descriptors are skipped by their declared length so new firmware fields do
// not desynchronize the walk; a field length overrunning the payload aborts
// the frame.
func DecodeIMU(f Frame) (IMUReading, error) {
	var r IMUReading
	if !f.IsIMUData() {
		return r, fmt.Errorf("mip: descriptor 0x%02X is not IMU data", f.Descriptor)
	}
	it := newFieldIter(f.Payload)
	for it.next() {
		switch it.desc {
		case FieldScaledAccel:
			if err := getVec3(it.desc, it.data, &r.Accel); err != nil {
				return r, err
			}
			r.Fields |= IMUAccelerometer
		case FieldScaledGyro:
			if err := getVec3(it.desc, it.data, &r.Gyro); err != nil {
				return r, err
			}
			r.Fields |= IMUGyroscope
		case FieldScaledMag:
			if err := getVec3(it.desc, it.data, &r.Mag); err != nil {
				return r, err
			}
			r.Fields |= IMUMagnetometer
		case FieldScaledPressure:
			if len(it.data) < 4 {
				return r, truncated(it.desc, len(it.data))
			}
			r.Pressure = getFloat32(it.data)
			r.Fields |= IMUBarometer
		case FieldIMUGPSTimestamp:
			if err := getGPSTime(it.desc, it.data, &r.GPSTow, &r.GPSWeek, &r.GPSTimeStatus); err != nil {
				return r, err
			}
			r.Fields |= IMUGPSTime
		}
	}
	if it.bad {
		return r, &ProtocolError{Msg: "malformed sub-field length in IMU data payload"}
	}
	return r, nil
}

// DecodeFilter decodes a filter-data frame payload into a reading.
func DecodeFilter(f Frame) (FilterReading, error) {
	var r FilterReading
	if !f.IsFilterData() {
		return r, fmt.Errorf("mip: descriptor 0x%02X is not filter data", f.Descriptor)
	}
	it := newFieldIter(f.Payload)
	for it.next() {
		switch it.desc {
		case FieldQuaternion:
			if len(it.data) < 18 {
				return r, truncated(it.desc, len(it.data))
			}
			for i := range r.Quaternion {
				r.Quaternion[i] = getFloat32(it.data[4*i:])
			}
			r.QuaternionStatus = binary.BigEndian.Uint16(it.data[16:])
			r.Fields |= FilterQuaternion
		case FieldGyroBias:
			if err := getVec3Status(it.desc, it.data, &r.Bias, &r.BiasStatus); err != nil {
				return r, err
			}
			r.Fields |= FilterBias
		case FieldAngleUncertainty:
			if err := getVec3Status(it.desc, it.data, &r.AngleUncertainty, &r.AngleUncertaintyStatus); err != nil {
				return r, err
			}
			r.Fields |= FilterAngleUncertainty
		case FieldBiasUncertainty:
			if err := getVec3Status(it.desc, it.data, &r.BiasUncertainty, &r.BiasUncertaintyStatus); err != nil {
				return r, err
			}
			r.Fields |= FilterBiasUncertainty
		case FieldFilterGPSTimestamp:
			if err := getGPSTime(it.desc, it.data, &r.GPSTow, &r.GPSWeek, &r.GPSTimeStatus); err != nil {
				return r, err
			}
			r.Fields |= FilterGPSTime
		}
	}
	if it.bad {
		return r, &ProtocolError{Msg: "malformed sub-field length in filter data payload"}
	}
	return r, nil
}

// All multi-byte values in MIP payloads are big-endian on the wire.

func getFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

func getVec3(desc byte, b []byte, out *[3]float32) error {
	if len(b) < 12 {
		return truncated(desc, len(b))
	}
	for i := range out {
		out[i] = getFloat32(b[4*i:])
	}
	return nil
}

func getVec3Status(desc byte, b []byte, out *[3]float32, status *uint16) error {
	if len(b) < 14 {
		return truncated(desc, len(b))
	}
	for i := range out {
		out[i] = getFloat32(b[4*i:])
	}
	*status = binary.BigEndian.Uint16(b[12:])
	return nil
}

func getGPSTime(desc byte, b []byte, tow *float64, week, status *uint16) error {
	if len(b) < 12 {
		return truncated(desc, len(b))
	}
	*tow = math.Float64frombits(binary.BigEndian.Uint64(b))
	*week = binary.BigEndian.Uint16(b[8:])
	*status = binary.BigEndian.Uint16(b[10:])
	return nil
}

func truncated(desc byte, n int) error {
	return &ProtocolError{Field: desc, Msg: fmt.Sprintf("truncated at %d bytes", n)}
}
