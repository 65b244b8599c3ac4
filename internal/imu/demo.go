package imu

import (
	"math"
	"math/rand"
	"time"

	"github.com/kestrelworks/gx4dash/internal/mip"
)

// DemoSource generates simulated IMU and filter readings for development
// without hardware. It implements Source.
type DemoSource struct {
	start    time.Time
	lastIMU  time.Time
	lastEst  time.Time
	imuCB    func(mip.IMUReading)
	filterCB func(mip.FilterReading)
}

func NewDemoSource() *DemoSource { return &DemoSource{} }

func (d *DemoSource) Name() string { return "Demo (Simulated)" }

func (d *DemoSource) Connect() error {
	d.start = time.Now()
	return nil
}

func (d *DemoSource) Close() error { return nil }

func (d *DemoSource) SetIMUCallback(cb func(mip.IMUReading))       { d.imuCB = cb }
func (d *DemoSource) SetFilterCallback(cb func(mip.FilterReading)) { d.filterCB = cb }

// Poll emits readings at roughly 100 Hz IMU / 50 Hz filter: a slow roll
// oscillation with sensor noise.
func (d *DemoSource) Poll() error {
	now := time.Now()
	t := now.Sub(d.start).Seconds()

	if now.Sub(d.lastIMU) >= 10*time.Millisecond {
		d.lastIMU = now
		if d.imuCB != nil {
			roll := 0.2 * math.Sin(t*0.5)
			d.imuCB(mip.IMUReading{
				Fields: mip.IMUAccelerometer | mip.IMUGyroscope | mip.IMUMagnetometer | mip.IMUBarometer,
				Accel: [3]float32{
					noisy(float32(math.Sin(roll)), 0.002),
					noisy(0, 0.002),
					noisy(float32(-math.Cos(roll)), 0.002),
				},
				Gyro: [3]float32{
					noisy(float32(0.1*math.Cos(t*0.5)), 0.001),
					noisy(0, 0.001),
					noisy(0, 0.001),
				},
				Mag:      [3]float32{noisy(0.22, 0.005), noisy(0.0, 0.005), noisy(0.43, 0.005)},
				Pressure: noisy(1013.25, 0.1),
			})
		}
	}

	if now.Sub(d.lastEst) >= 20*time.Millisecond {
		d.lastEst = now
		if d.filterCB != nil {
			half := 0.1 * math.Sin(t*0.5)
			d.filterCB(mip.FilterReading{
				Fields: mip.FilterQuaternion | mip.FilterBias,
				Quaternion: [4]float32{
					float32(math.Cos(half)), float32(math.Sin(half)), 0, 0,
				},
				QuaternionStatus: 1,
				Bias:             [3]float32{noisy(0.001, 0.0001), noisy(-0.002, 0.0001), noisy(0.0005, 0.0001)},
				BiasStatus:       1,
			})
		}
	}

	time.Sleep(2 * time.Millisecond)
	return nil
}

func noisy(v, sigma float32) float32 {
	return v + float32(rand.NormFloat64())*sigma
}
