package imu

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kestrelworks/gx4dash/internal/mip"
)

// fakeTransport is an in-memory Transport. Bytes queued in rx are returned by
// Read; writes are recorded and handed to onWrite so tests can script the
// device's replies.
type fakeTransport struct {
	mu      sync.Mutex
	rx      []byte
	writes  [][]byte
	onWrite func(ft *fakeTransport, p []byte)
	baud    int
	closed  bool
}

func (ft *fakeTransport) queue(b []byte) {
	ft.mu.Lock()
	ft.rx = append(ft.rx, b...)
	ft.mu.Unlock()
}

func (ft *fakeTransport) Read(p []byte, timeout time.Duration) (int, error) {
	ft.mu.Lock()
	n := copy(p, ft.rx)
	ft.rx = ft.rx[n:]
	ft.mu.Unlock()
	if n == 0 {
		time.Sleep(timeout) // emulate a serial read timing out with no data
	}
	return n, nil
}

func (ft *fakeTransport) Write(p []byte) (int, error) {
	ft.mu.Lock()
	ft.writes = append(ft.writes, append([]byte(nil), p...))
	ft.mu.Unlock()
	if ft.onWrite != nil {
		ft.onWrite(ft, p)
	}
	return len(p), nil
}

func (ft *fakeTransport) SetBaudRate(baud int) error {
	ft.mu.Lock()
	ft.baud = baud
	ft.rx = nil
	ft.mu.Unlock()
	return nil
}

func (ft *fakeTransport) Close() error {
	ft.closed = true
	return nil
}

// ackBytes builds the encoded ACK/NACK reply for a written command frame.
func ackBytes(t *testing.T, written []byte, code byte) []byte {
	t.Helper()
	cmd, ok := mip.Verify(written)
	if !ok {
		t.Fatalf("driver wrote an invalid frame: % X", written)
	}
	reply := mip.Frame{
		Descriptor: cmd.Descriptor,
		Payload:    []byte{0x04, mip.FieldAckNack, cmd.Payload[1], code},
	}
	return reply.Encode()
}

func newTestDevice(ft *fakeTransport) *Device {
	d := New(Config{PortPath: "fake", Timeout: 100 * time.Millisecond})
	d.transport = ft
	d.state = stateIdle
	return d
}

func TestPingSuccess(t *testing.T) {
	ft := &fakeTransport{
		onWrite: func(ft *fakeTransport, p []byte) {
			ft.queue(ackBytes(t, p, mip.AckSuccess))
		},
	}
	d := newTestDevice(ft)

	if err := d.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if len(ft.writes) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(ft.writes))
	}
}

func TestCommandNACK(t *testing.T) {
	ft := &fakeTransport{
		onWrite: func(ft *fakeTransport, p []byte) {
			ft.queue(ackBytes(t, p, 0x03))
		},
	}
	d := newTestDevice(ft)

	err := d.EnableBiasEstimation(true)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want CommandError", err)
	}
	if cmdErr.Code != 0x03 {
		t.Errorf("code = 0x%02X, want 0x03", cmdErr.Code)
	}
	if cmdErr.Descriptor != mip.ClassFilter || cmdErr.Command != mip.CmdEnableBiasEstimation {
		t.Errorf("offending command = 0x%02X/0x%02X", cmdErr.Descriptor, cmdErr.Command)
	}
}

func TestCommandTimeoutThenRecovery(t *testing.T) {
	replyNext := false
	ft := &fakeTransport{}
	ft.onWrite = func(ft *fakeTransport, p []byte) {
		if replyNext {
			ft.queue(ackBytes(t, p, mip.AckSuccess))
		}
	}
	d := newTestDevice(ft)
	d.timeout = 50 * time.Millisecond

	err := d.Ping()
	var toErr *TimeoutError
	if !errors.As(err, &toErr) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if toErr.Write {
		t.Error("timeout reported as write-side, want read-side")
	}

	// The failed command must leave no state that corrupts the next one.
	replyNext = true
	if err := d.Ping(); err != nil {
		t.Fatalf("Ping after timeout: %v", err)
	}
}

func TestStreamingDeliveredDuringCommandWait(t *testing.T) {
	var payload []byte
	payload = appendIMUField(payload, mip.FieldScaledGyro, float32Vec(1, 2, 3))
	dataFrame := mip.Frame{Descriptor: mip.ClassIMUData, Payload: payload}

	ft := &fakeTransport{}
	ft.onWrite = func(ft *fakeTransport, p []byte) {
		// Streaming data arrives ahead of the command reply.
		ft.queue(dataFrame.Encode())
		ft.queue(ackBytes(t, p, mip.AckSuccess))
	}
	d := newTestDevice(ft)

	var got []mip.IMUReading
	d.SetIMUCallback(func(r mip.IMUReading) { got = append(got, r) })

	if err := d.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("callback invoked %d times during command wait, want 1", len(got))
	}
	if got[0].Gyro != [3]float32{1, 2, 3} {
		t.Errorf("gyro = %v", got[0].Gyro)
	}
}

func TestCommandInFlightGuard(t *testing.T) {
	dataFrame := mip.Frame{
		Descriptor: mip.ClassIMUData,
		Payload:    appendIMUField(nil, mip.FieldScaledAccel, float32Vec(0, 0, -1)),
	}
	ft := &fakeTransport{}
	ft.onWrite = func(ft *fakeTransport, p []byte) {
		ft.queue(dataFrame.Encode())
		ft.queue(ackBytes(t, p, mip.AckSuccess))
	}
	d := newTestDevice(ft)

	// Only one command may be outstanding: issuing another from a callback
	// while a reply is pending must be rejected, not serialized.
	var nested error
	d.SetIMUCallback(func(mip.IMUReading) {
		if nested == nil {
			nested = d.Ping()
		}
	})

	if err := d.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !errors.Is(nested, ErrCommandInFlight) {
		t.Fatalf("nested command err = %v, want ErrCommandInFlight", nested)
	}
}

func TestPollDispatchOrder(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDevice(ft)

	var order []string
	d.SetIMUCallback(func(mip.IMUReading) { order = append(order, "imu") })
	d.SetFilterCallback(func(mip.FilterReading) { order = append(order, "filter") })

	imuFrame := mip.Frame{
		Descriptor: mip.ClassIMUData,
		Payload:    appendIMUField(nil, mip.FieldScaledGyro, float32Vec(1, 1, 1)),
	}
	filterFrame := mip.Frame{
		Descriptor: mip.ClassFilterData,
		Payload:    appendIMUField(nil, mip.FieldFilterGPSTimestamp, make([]byte, 12)),
	}

	var stream []byte
	stream = append(stream, imuFrame.Encode()...)
	stream = append(stream, filterFrame.Encode()...)
	stream = append(stream, imuFrame.Encode()...)
	ft.queue(stream)

	if err := d.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	want := []string{"imu", "filter", "imu"}
	if len(order) != len(want) {
		t.Fatalf("dispatched %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatched %v, want %v", order, want)
		}
	}
}

func TestPollDropsCorruptDataFrame(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDevice(ft)

	calls := 0
	d.SetIMUCallback(func(mip.IMUReading) { calls++ })

	// Valid frame whose payload sub-field length overruns: dropped, and the
	// following good frame still decodes.
	bad := mip.Frame{Descriptor: mip.ClassIMUData, Payload: []byte{0x30, mip.FieldScaledAccel, 1, 2}}
	good := mip.Frame{
		Descriptor: mip.ClassIMUData,
		Payload:    appendIMUField(nil, mip.FieldScaledAccel, float32Vec(0, 0, -1)),
	}
	ft.queue(append(bad.Encode(), good.Encode()...))

	if err := d.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1 (corrupt frame dropped)", calls)
	}
}

func TestConnectWhileOpen(t *testing.T) {
	d := newTestDevice(&fakeTransport{})
	if err := d.Connect(); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestCloseIdlesStreamingDevice(t *testing.T) {
	ft := &fakeTransport{}
	ft.onWrite = func(ft *fakeTransport, p []byte) {
		ft.queue(ackBytes(t, p, mip.AckSuccess))
	}
	d := newTestDevice(ft)

	if err := d.EnableIMUStream(true); err != nil {
		t.Fatalf("EnableIMUStream: %v", err)
	}
	if d.state != stateStreaming {
		t.Fatalf("state = %v, want streaming", d.state)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ft.closed {
		t.Error("transport not closed")
	}
	// Last write before close must be the idle command.
	last := ft.writes[len(ft.writes)-1]
	idle := mip.SetIdle().Encode()
	if len(last) != len(idle) || last[2] != idle[2] || last[5] != idle[5] {
		t.Errorf("last write % X, want idle command % X", last, idle)
	}
	if d.state != stateClosed {
		t.Errorf("state = %v after close", d.state)
	}
}

func TestSetIMUDataRateRejectsUnknownSources(t *testing.T) {
	d := newTestDevice(&fakeTransport{})
	err := d.SetIMUDataRate(10, 1<<7)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
	if len(d.transport.(*fakeTransport).writes) != 0 {
		t.Error("invalid source mask reached the transport")
	}
}

func TestSetIMUDataRateMessageFormat(t *testing.T) {
	ft := &fakeTransport{}
	ft.onWrite = func(ft *fakeTransport, p []byte) {
		ft.queue(ackBytes(t, p, mip.AckSuccess))
	}
	d := newTestDevice(ft)

	if err := d.SetIMUDataRate(10, mip.IMUAccelerometer|mip.IMUGyroscope); err != nil {
		t.Fatalf("SetIMUDataRate: %v", err)
	}

	f, ok := mip.Verify(ft.writes[0])
	if !ok {
		t.Fatal("wrote invalid frame")
	}
	want := mip.IMUMessageFormat([]mip.FormatEntry{
		{Field: mip.FieldScaledAccel, Decimation: 10},
		{Field: mip.FieldScaledGyro, Decimation: 10},
	})
	if f.Descriptor != want.Descriptor || string(f.Payload) != string(want.Payload) {
		t.Errorf("wrote % X, want % X", f.Payload, want.Payload)
	}
}

// Test helpers shared with baud_test.go.

func appendIMUField(payload []byte, desc byte, data []byte) []byte {
	payload = append(payload, byte(2+len(data)), desc)
	return append(payload, data...)
}

func float32Vec(x, y, z float32) []byte {
	var b []byte
	for _, v := range [3]float32{x, y, z} {
		bits := math.Float32bits(v)
		b = append(b, byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
	}
	return b
}
