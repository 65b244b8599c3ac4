// Package mip implements the MicroStrain Inertial Protocol (MIP) wire format
// spoken by the 3DM-GX4 family: fixed-layout framing with a Fletcher-style
// checksum, a byte-stream demultiplexer, command payload builders, and the
// decoder for the IMU and estimation-filter streaming data sets.
//
// Protocol reference: LORD MicroStrain 3DM-GX4-25 Data Communications Protocol.
package mip

import "fmt"

const (
	// SyncMSB and SyncLSB open every MIP frame ("ue" on the wire).
	SyncMSB = 0x75
	SyncLSB = 0x65

	// HeaderLen covers sync(2) + descriptor(1) + payload length(1).
	HeaderLen = 4
	// ChecksumLen is the trailing Fletcher checksum.
	ChecksumLen = 2

	// MaxPayload is the largest payload a single frame can carry (the length
	// field is one byte).
	MaxPayload = 255
)

// Descriptor sets. Commands are grouped into classes; streaming data arrives
// under its own data-class descriptors.
const (
	ClassBase   = 0x01 // ping, idle, resume, device info
	Class3DM    = 0x0C // message format, stream control, UART, diagnostics
	ClassFilter = 0x0D // estimation filter configuration

	ClassIMUData    = 0x80 // streaming IMU data
	ClassFilterData = 0x82 // streaming estimation filter data
)

// FieldAckNack is the field descriptor of an ACK/NACK reply field. Its data is
// [echoed command code, error code].
const FieldAckNack = 0xF1

// AckSuccess is the error code a device returns for an accepted command.
const AckSuccess = 0x00

// Frame is one complete protocol unit. Payload excludes header and checksum.
type Frame struct {
	Descriptor byte
	Payload    []byte
}

// Checksum computes the two-accumulator additive checksum over data. The first
// accumulator is transmitted before the second, regardless of host byte order.
func Checksum(data []byte) (msb, lsb byte) {
	for _, b := range data {
		msb += b
		lsb += msb
	}
	return msb, lsb
}

// Encode serializes the frame: sync, descriptor, length, payload, checksum.
// Payloads over MaxPayload bytes cannot occur for any protocol command, so an
// oversized payload is a caller bug and panics.
func (f Frame) Encode() []byte {
	if len(f.Payload) > MaxPayload {
		panic(fmt.Sprintf("mip: payload %d bytes exceeds frame limit", len(f.Payload)))
	}
	buf := make([]byte, 0, f.TotalLen())
	buf = append(buf, SyncMSB, SyncLSB, f.Descriptor, byte(len(f.Payload)))
	buf = append(buf, f.Payload...)
	msb, lsb := Checksum(buf)
	return append(buf, msb, lsb)
}

// TotalLen returns the on-wire size of the frame.
func (f Frame) TotalLen() int {
	return HeaderLen + len(f.Payload) + ChecksumLen
}

// Verify validates a candidate frame occupying exactly buf: sync bytes,
// declared length, and checksum. The returned frame's payload references buf.
func Verify(buf []byte) (Frame, bool) {
	if len(buf) < HeaderLen+ChecksumLen {
		return Frame{}, false
	}
	if buf[0] != SyncMSB || buf[1] != SyncLSB {
		return Frame{}, false
	}
	n := int(buf[3])
	if len(buf) != HeaderLen+n+ChecksumLen {
		return Frame{}, false
	}
	msb, lsb := Checksum(buf[:len(buf)-ChecksumLen])
	if buf[len(buf)-2] != msb || buf[len(buf)-1] != lsb {
		return Frame{}, false
	}
	return Frame{Descriptor: buf[2], Payload: buf[HeaderLen : HeaderLen+n]}, true
}

// IsIMUData reports whether the frame carries streaming IMU data.
func (f Frame) IsIMUData() bool { return f.Descriptor == ClassIMUData }

// IsFilterData reports whether the frame carries streaming filter data.
func (f Frame) IsFilterData() bool { return f.Descriptor == ClassFilterData }

// AckCode extracts the ACK/NACK error code if f is a reply to cmd: the
// descriptor classes must match and an ACK field must echo cmd's command code.
// The protocol has no sequence numbers — this descriptor/echo match is the only
// correlation it offers.
func (f Frame) AckCode(cmd Frame) (byte, bool) {
	if f.Descriptor != cmd.Descriptor || len(cmd.Payload) < 2 {
		return 0, false
	}
	code := cmd.Payload[1] // command field descriptor is the command code
	for it := newFieldIter(f.Payload); it.next(); {
		if it.desc == FieldAckNack && len(it.data) >= 2 && it.data[0] == code {
			return it.data[1], true
		}
	}
	return 0, false
}

// Field returns the data of the first payload field with the given descriptor.
func (f Frame) Field(desc byte) ([]byte, bool) {
	for it := newFieldIter(f.Payload); it.next(); {
		if it.desc == desc {
			return it.data, true
		}
	}
	return nil, false
}

// fieldIter walks the self-describing (length, descriptor, data...) sub-fields
// of a frame payload.
type fieldIter struct {
	rest []byte
	desc byte
	data []byte
	bad  bool
}

func newFieldIter(payload []byte) *fieldIter {
	return &fieldIter{rest: payload}
}

// next advances to the next sub-field. A field whose declared length overruns
// the remaining payload stops iteration and marks the iterator malformed.
func (it *fieldIter) next() bool {
	if len(it.rest) == 0 {
		return false
	}
	if len(it.rest) < 2 {
		it.bad = true
		return false
	}
	n := int(it.rest[0])
	if n < 2 || n > len(it.rest) {
		it.bad = true
		return false
	}
	it.desc = it.rest[1]
	it.data = it.rest[2:n]
	it.rest = it.rest[n:]
	return true
}
