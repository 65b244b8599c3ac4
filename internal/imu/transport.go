package imu

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte-stream capability the driver runs on: bounded reads,
// writes, and line-rate control. The serial implementation below is the real
// one; tests substitute an in-memory fake.
type Transport interface {
	// Read fills up to len(p) bytes, waiting at most timeout. A timeout with
	// no data returns (0, nil).
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	SetBaudRate(baud int) error
	Close() error
}

type serialTransport struct {
	port serial.Port
}

// OpenSerial opens the device path in 8N1 mode at the given initial rate.
func OpenSerial(path string, baud int) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("imu: failed to open %s: %w", path, err)
	}
	port.ResetInputBuffer()
	return &serialTransport{port: port}, nil
}

func (t *serialTransport) Read(p []byte, timeout time.Duration) (int, error) {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	return t.port.Read(p)
}

func (t *serialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *serialTransport) SetBaudRate(baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := t.port.SetMode(mode); err != nil {
		return err
	}
	// Stale bytes from the old rate are garbage at the new one.
	return t.port.ResetInputBuffer()
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
