package imu

import (
	"log"
	"time"

	"github.com/kestrelworks/gx4dash/internal/mip"
)

// supportedBauds are the line rates the GX4-25 can run at, scanned in
// ascending order.
var supportedBauds = []int{9600, 19200, 115200, 230400, 460800, 921600}

// selectBaudRate discovers the rate the device is currently talking at, then
// moves it (and the transport) to target. The device keeps its last configured
// rate across power cycles, so connecting blind requires this scan.
func (d *Device) selectBaudRate(target int) error {
	if !baudSupported(target) {
		return &ConfigError{Msg: "unsupported baud rate"}
	}

	current := 0
	for _, rate := range supportedBauds {
		if err := d.transport.SetBaudRate(rate); err != nil {
			return &TransportError{Op: "set_baud", Err: err}
		}
		d.demux.Reset()

		_, err := d.execute(mip.Ping(), baudProbeLimit)
		if err == nil {
			current = rate
			break
		}
		// Silence or garbage: wrong rate, keep scanning. Transport failures
		// end the scan — the line itself is broken.
		if te, ok := err.(*TransportError); ok {
			return te
		}
	}
	if current == 0 {
		return ErrDeviceUnreachable
	}
	log.Printf("[imu] device responding at %d baud", current)

	if current == target {
		return nil
	}

	// Switch the device first, at the rate it currently listens on, then
	// follow with the transport and confirm.
	if _, err := d.execute(mip.UARTBaudRate(uint32(target)), d.timeout); err != nil {
		return err
	}
	time.Sleep(baudSettle)

	if err := d.transport.SetBaudRate(target); err != nil {
		return &TransportError{Op: "set_baud", Err: err}
	}
	d.demux.Reset()

	if _, err := d.execute(mip.Ping(), d.timeout); err != nil {
		return err
	}
	log.Printf("[imu] switched device to %d baud", target)
	return nil
}

func baudSupported(baud int) bool {
	for _, b := range supportedBauds {
		if b == baud {
			return true
		}
	}
	return false
}
