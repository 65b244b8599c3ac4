// gx4dash bridges a MicroStrain 3DM-GX4-25 IMU to WebSocket clients and CSV
// logs: it connects over serial, configures the data streams, polls for
// readings and fans them out.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelworks/gx4dash/internal/imu"
	"github.com/kestrelworks/gx4dash/internal/logger"
	"github.com/kestrelworks/gx4dash/internal/mip"
	"github.com/kestrelworks/gx4dash/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/gx4dash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated IMU data")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] gx4dash starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Device.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	var src imu.Source
	switch cfg.Device.Type {
	case "gx4":
		src = imu.New(imu.Config{
			PortPath: cfg.Device.PortPath,
			BaudRate: cfg.Device.BaudRate,
			Timeout:  cfg.Device.Timeout(),
		})
	default:
		src = imu.NewDemoSource()
	}

	srv := server.New(cfg, src)
	csvLog := logger.New(logger.Config{
		Enabled:    cfg.Logging.Enabled,
		Path:       cfg.Logging.Path,
		IntervalMs: cfg.Logging.IntervalMs,
	})
	defer csvLog.Close()

	src.SetIMUCallback(func(r mip.IMUReading) {
		srv.BroadcastIMU(r)
		csvLog.RecordIMU(r)
	})
	src.SetFilterCallback(func(r mip.FilterReading) {
		srv.BroadcastFilter(r)
		csvLog.RecordFilter(r)
	})

	// Connect and poll in the background so the server comes up immediately.
	// runSource owns the source for its whole lifetime: the device is
	// single-threaded, so it must be closed from the same goroutine that
	// polls it, after the poll loop has exited.
	done := make(chan struct{})
	go runSource(ctx, cfg, src, srv, done)

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
	cancel()
	<-done
}

// runSource connects with exponential backoff, configures the device streams
// and drives the poll loop until ctx is cancelled. It closes the source on the
// way out and then closes done.
func runSource(ctx context.Context, cfg *server.Config, src imu.Source, srv *server.Server, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if err := src.Close(); err != nil {
			log.Printf("[main] source close: %v", err)
		}
	}()

	connectWithRetry(ctx, src)
	if ctx.Err() != nil {
		return
	}

	if dev, ok := src.(*imu.Device); ok {
		if err := configureDevice(dev, cfg, srv); err != nil {
			log.Printf("[main] device configuration failed: %v", err)
			return
		}
	}

	lastTimeSync := time.Time{}
	for ctx.Err() == nil {
		if err := src.Poll(); err != nil {
			log.Printf("[main] poll error: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if cfg.Streams.GPSTimeSync && time.Since(lastTimeSync) >= time.Second {
			lastTimeSync = time.Now()
			if dev, ok := src.(*imu.Device); ok {
				week, seconds := gpsTimeNow()
				if err := dev.SendGPSTimeUpdate(week, seconds); err != nil {
					log.Printf("[main] gps time update failed: %v", err)
				}
			}
		}
	}
}

// connectWithRetry attempts to connect with exponential backoff, starting at
// 1s and doubling up to 60s, indefinitely.
func connectWithRetry(ctx context.Context, src imu.Source) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := src.Connect(); err != nil {
			attempt++
			log.Printf("[main] connect attempt %d failed: %v (retry in %v)", attempt, err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			continue
		}

		log.Printf("[main] %s connected (attempt %d)", src.Name(), attempt+1)
		return
	}
}

// configureDevice idles the device, applies the configured stream formats and
// filter settings, then enables streaming.
func configureDevice(dev *imu.Device, cfg *server.Config, srv *server.Server) error {
	if err := dev.Idle(); err != nil {
		return err
	}

	info, err := dev.GetDeviceInfo()
	if err != nil {
		return err
	}
	log.Printf("[main] device: %s %s fw %d (s/n %s)",
		info.ModelName, info.ModelNumber, info.FirmwareVersion, info.SerialNumber)
	srv.SetDeviceInfo(info)

	if imuRate, err := dev.GetIMUBaseRate(); err == nil {
		log.Printf("[main] imu base rate %d Hz", imuRate)
	}
	if filterRate, err := dev.GetFilterBaseRate(); err == nil {
		log.Printf("[main] filter base rate %d Hz", filterRate)
	}

	if cfg.Streams.IMU.Enabled {
		sources, err := cfg.IMUSources()
		if err != nil {
			return err
		}
		if err := dev.SetIMUDataRate(cfg.Streams.IMU.Decimation, sources); err != nil {
			return err
		}
	}
	if cfg.Streams.Filter.Enabled {
		sources, err := cfg.FilterSources()
		if err != nil {
			return err
		}
		if err := dev.SetFilterDataRate(cfg.Streams.Filter.Decimation, sources); err != nil {
			return err
		}
	}

	if err := dev.EnableMeasurements(cfg.Filter.AccelUpdate, cfg.Filter.MagUpdate); err != nil {
		return err
	}
	if err := dev.EnableBiasEstimation(cfg.Filter.BiasEstimation); err != nil {
		return err
	}
	if cfg.Filter.HardIron != [3]float32{} {
		if err := dev.SetHardIronOffset(cfg.Filter.HardIron); err != nil {
			return err
		}
	}
	if cfg.Filter.SoftIron != nil {
		if err := dev.SetSoftIronMatrix(*cfg.Filter.SoftIron); err != nil {
			return err
		}
	}

	if cfg.Streams.GPSTimeSync {
		if err := dev.EnableGPSTimeSync(true); err != nil {
			return err
		}
	}

	if err := dev.EnableIMUStream(cfg.Streams.IMU.Enabled); err != nil {
		return err
	}
	if err := dev.EnableFilterStream(cfg.Streams.Filter.Enabled); err != nil {
		return err
	}
	return dev.Resume()
}

// gpsEpoch is 1980-01-06T00:00:00Z; gpsLeapSeconds is the current UTC-GPS
// offset.
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

const gpsLeapSeconds = 18

// gpsTimeNow converts the system clock to GPS week number and seconds of week.
func gpsTimeNow() (week, seconds uint32) {
	elapsed := time.Since(gpsEpoch) + gpsLeapSeconds*time.Second
	const weekSeconds = 7 * 24 * 3600
	total := uint64(elapsed.Seconds())
	return uint32(total / weekSeconds), uint32(total % weekSeconds)
}
