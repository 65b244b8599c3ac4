package imu

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyConnected is returned by Connect on an open device.
var ErrAlreadyConnected = errors.New("imu: already connected")

// ErrNotConnected is returned by operations that need an open transport.
var ErrNotConnected = errors.New("imu: not connected")

// ErrCommandInFlight is returned when a command is issued while another is
// still awaiting its reply. The protocol correlates replies by descriptor only,
// so at most one command may be outstanding at a time.
var ErrCommandInFlight = errors.New("imu: command already in flight")

// ErrDeviceUnreachable is returned by baud negotiation when no supported rate
// yields any reply.
var ErrDeviceUnreachable = errors.New("imu: device unreachable at all supported baud rates")

// TransportError wraps a failure in the underlying serial transport. It is
// fatal to the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("imu: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError indicates no valid reply arrived within the bound. The
// connection remains usable; the caller may retry.
type TimeoutError struct {
	Write   bool
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	side := "read"
	if e.Write {
		side = "write"
	}
	return fmt.Sprintf("imu: %s timed out after %v", side, e.Timeout)
}

// CommandError reports a NACK: the device rejected a command with the given
// error code.
type CommandError struct {
	Descriptor byte // descriptor class of the offending command
	Command    byte // command code within the class
	Code       byte // device error code
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("imu: command 0x%02X/0x%02X failed: %s (code 0x%02X)",
		e.Descriptor, e.Command, nackString(e.Code), e.Code)
}

// ConfigError reports an invalid caller-supplied parameter, rejected before
// any I/O happens.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "imu: " + e.Msg }

func nackString(code byte) string {
	switch code {
	case 0x01:
		return "unknown command"
	case 0x02:
		return "invalid checksum"
	case 0x03:
		return "invalid parameter"
	case 0x04:
		return "command failed"
	case 0x05:
		return "command timeout"
	default:
		return "device error"
	}
}
