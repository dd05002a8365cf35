package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shaunagostinho/cardash/internal/bluez"
	"github.com/shaunagostinho/cardash/internal/collector"
	"github.com/shaunagostinho/cardash/internal/engine"
	"github.com/shaunagostinho/cardash/internal/fusion"
	"github.com/shaunagostinho/cardash/internal/gps"
	"github.com/shaunagostinho/cardash/internal/imu"
	"github.com/shaunagostinho/cardash/internal/logger"
	"github.com/shaunagostinho/cardash/internal/mqttsink"
	"github.com/shaunagostinho/cardash/internal/obd"
	"github.com/shaunagostinho/cardash/internal/reconnect"
	"github.com/shaunagostinho/cardash/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/cardash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated OBD, GPS and IMU data")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	target := flag.String("target", "", "Bluetooth address of the OBD adapter to connect to")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	// Load config
	cfg := server.LoadConfig(*configPath)

	if cfg.Logging.File != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		}))
	}
	log.Println("[main] cardash starting")

	if *demo {
		cfg.OBD.Type = "demo"
		cfg.GPS.Type = "demo"
		cfg.IMU.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *target != "" {
		cfg.OBD.Target = *target
	}

	// Create context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Vehicle link
	var link obd.Link
	switch cfg.OBD.Type {
	case "elm327":
		link = obd.NewELM327(cfg.OBD.ELM327)
	default:
		link = obd.NewDemo()
		if cfg.OBD.Target == "" {
			cfg.OBD.Target = "DEMO"
		}
	}

	// GPS, connected in the background with exponential backoff
	var gpsProv gps.Provider
	switch cfg.GPS.Type {
	case "nmea":
		gpsProv = gps.NewNMEA(cfg.NMEA())
	case "disabled":
		gpsProv = nil
	default:
		gpsProv = gps.NewDemoGPS()
	}
	if gpsProv != nil {
		go connectWithRetry(ctx, "gps", gpsProv, 10)
	}

	// IMU, started with the scheduler by the fusion collector
	var imuSrc imu.Source
	switch cfg.IMU.Type {
	case "mqtt":
		imuSrc = imu.NewMQTTSource(cfg.IMU.MQTT)
	case "disabled":
		imuSrc = nil
	default:
		imuSrc = imu.NewDemoSource()
	}
	sensors := fusion.NewCollector(gpsProv, imuSrc)

	// Durable sinks
	var sinks engine.MultiSink
	csvSink := logger.New(cfg.Storage.CSV)
	defer csvSink.Close()
	sinks = append(sinks, csvSink)
	if cfg.Storage.MQTT.Enabled {
		mqttSink := mqttsink.New(cfg.Storage.MQTT)
		go connectWithRetry(ctx, "mqtt", mqttSink, 10)
		sinks = append(sinks, mqttSink)
	}

	// Acquisition engine
	sched := engine.New(link, sensors, sinks, cfg)

	machine := reconnect.New(link, reconnect.TargetFile{Path: filepath.Join(cfg.Dir(), "last_target")})
	svc := collector.New(link, machine, sched, obd.DefaultCatalog())
	defer svc.Shutdown()

	// Resume the last good target, or fall back to the configured one.
	svc.Resume()
	if machine.Target() == "" && cfg.OBD.Target != "" {
		if err := svc.Connect(cfg.OBD.Target); err != nil {
			log.Printf("[main] connect %s: %v", cfg.OBD.Target, err)
		}
	}

	// BlueZ radio and peer signals drive automatic reconnection.
	if cfg.OBD.Type == "elm327" && cfg.Bluetooth.Watch {
		w := bluez.NewWatcher(cfg.Bluetooth.Adapter)
		w.OnRadioEnabled = svc.RadioEnabled
		w.OnDeviceDisconnected = svc.DeviceDisconnected
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Printf("[bluez] watcher stopped: %v", err)
			}
		}()
	}

	// Start server
	srv := server.New(cfg, svc, sched)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
	log.Println("[main] shutting down")
}

// connectable is satisfied by gps.Provider and the MQTT sink.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.Connect()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
