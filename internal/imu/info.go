package imu

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Info is the device identification returned by the get-device-info command.
type Info struct {
	FirmwareVersion uint16 `json:"firmwareVersion"`
	ModelName       string `json:"modelName"`
	ModelNumber     string `json:"modelNumber"`
	SerialNumber    string `json:"serialNumber"`
	LotNumber       string `json:"lotNumber"` // unused by the device in practice
	DeviceOptions   string `json:"deviceOptions"`
}

// Map returns the info as human-readable key/value pairs.
func (i Info) Map() map[string]string {
	return map[string]string{
		"Firmware version": fmt.Sprintf("%d", i.FirmwareVersion),
		"Model name":       i.ModelName,
		"Model number":     i.ModelNumber,
		"Serial number":    i.SerialNumber,
		"Lot number":       i.LotNumber,
		"Device options":   i.DeviceOptions,
	}
}

const infoStringLen = 16

// parseInfo decodes the device info reply field: a firmware version word
// followed by five fixed-width space-padded ASCII fields.
func parseInfo(data []byte) (Info, error) {
	if len(data) < 2+5*infoStringLen {
		return Info{}, fmt.Errorf("imu: device info field truncated at %d bytes", len(data))
	}
	str := func(i int) string {
		off := 2 + i*infoStringLen
		return strings.TrimSpace(strings.TrimRight(string(data[off:off+infoStringLen]), "\x00"))
	}
	return Info{
		FirmwareVersion: binary.BigEndian.Uint16(data),
		ModelName:       str(0),
		ModelNumber:     str(1),
		SerialNumber:    str(2),
		LotNumber:       str(3),
		DeviceOptions:   str(4),
	}, nil
}

// DiagnosticFields is the GX4 diagnostic status report (3DM device status,
// diagnostic selector). Field meanings per the device documentation.
type DiagnosticFields struct {
	ModelNumber          uint16 `json:"modelNumber"`
	Selector             uint8  `json:"selector"`
	StatusFlags          uint32 `json:"statusFlags"`
	SystemTimer          uint32 `json:"systemTimer"`
	NumPPSPulses         uint32 `json:"numPpsPulses"`
	IMUStreamEnabled     uint8  `json:"imuStreamEnabled"`
	FilterStreamEnabled  uint8  `json:"filterStreamEnabled"`
	IMUPacketsDropped    uint32 `json:"imuPacketsDropped"`
	FilterPacketsDropped uint32 `json:"filterPacketsDropped"`
	ComBytesWritten      uint32 `json:"comBytesWritten"`
	ComBytesRead         uint32 `json:"comBytesRead"`
	ComNumWriteOverruns  uint32 `json:"comNumWriteOverruns"`
	ComNumReadOverruns   uint32 `json:"comNumReadOverruns"`
	USBBytesWritten      uint32 `json:"usbBytesWritten"`
	USBBytesRead         uint32 `json:"usbBytesRead"`
	USBNumWriteOverruns  uint32 `json:"usbNumWriteOverruns"`
	USBNumReadOverruns   uint32 `json:"usbNumReadOverruns"`
	NumIMUParseErrors    uint32 `json:"numImuParseErrors"`
	TotalIMUMessages     uint32 `json:"totalImuMessages"`
	LastIMUMessage       uint32 `json:"lastImuMessage"`
	QuatStatus           uint16 `json:"quatStatus"`
	BeaconGood           uint8  `json:"beaconGood"`
	GPSTimeInit          uint8  `json:"gpsTimeInit"`
}

// Map returns the diagnostics as human-readable key/value pairs.
func (f DiagnosticFields) Map() map[string]uint {
	return map[string]uint{
		"Status flags":           uint(f.StatusFlags),
		"System timer":           uint(f.SystemTimer),
		"Num PPS pulses":         uint(f.NumPPSPulses),
		"IMU stream enabled":     uint(f.IMUStreamEnabled),
		"Filter stream enabled":  uint(f.FilterStreamEnabled),
		"IMU packets dropped":    uint(f.IMUPacketsDropped),
		"Filter packets dropped": uint(f.FilterPacketsDropped),
		"COM bytes written":      uint(f.ComBytesWritten),
		"COM bytes read":         uint(f.ComBytesRead),
		"COM write overruns":     uint(f.ComNumWriteOverruns),
		"COM read overruns":      uint(f.ComNumReadOverruns),
		"USB bytes written":      uint(f.USBBytesWritten),
		"USB bytes read":         uint(f.USBBytesRead),
		"USB write overruns":     uint(f.USBNumWriteOverruns),
		"USB read overruns":      uint(f.USBNumReadOverruns),
		"IMU parse errors":       uint(f.NumIMUParseErrors),
		"Total IMU messages":     uint(f.TotalIMUMessages),
		"Last IMU message":       uint(f.LastIMUMessage),
		"Quaternion status":      uint(f.QuatStatus),
		"PPS beacon good":        uint(f.BeaconGood),
		"GPS time initialized":   uint(f.GPSTimeInit),
	}
}

const diagnosticLen = 73

// parseDiagnostics decodes the fixed-layout diagnostic status report. All
// multi-byte values are big-endian on the wire.
func parseDiagnostics(data []byte) (DiagnosticFields, error) {
	if len(data) < diagnosticLen {
		return DiagnosticFields{}, fmt.Errorf("imu: diagnostic field truncated at %d bytes", len(data))
	}
	var f DiagnosticFields
	off := 0
	u8 := func() uint8 { v := data[off]; off++; return v }
	u16 := func() uint16 { v := binary.BigEndian.Uint16(data[off:]); off += 2; return v }
	u32 := func() uint32 { v := binary.BigEndian.Uint32(data[off:]); off += 4; return v }

	f.ModelNumber = u16()
	f.Selector = u8()
	f.StatusFlags = u32()
	f.SystemTimer = u32()
	f.NumPPSPulses = u32()
	f.IMUStreamEnabled = u8()
	f.FilterStreamEnabled = u8()
	f.IMUPacketsDropped = u32()
	f.FilterPacketsDropped = u32()
	f.ComBytesWritten = u32()
	f.ComBytesRead = u32()
	f.ComNumWriteOverruns = u32()
	f.ComNumReadOverruns = u32()
	f.USBBytesWritten = u32()
	f.USBBytesRead = u32()
	f.USBNumWriteOverruns = u32()
	f.USBNumReadOverruns = u32()
	f.NumIMUParseErrors = u32()
	f.TotalIMUMessages = u32()
	f.LastIMUMessage = u32()
	f.QuatStatus = u16()
	f.BeaconGood = u8()
	f.GPSTimeInit = u8()
	return f, nil
}
