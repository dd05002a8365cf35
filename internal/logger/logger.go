// Package logger writes persisted telemetry samples to CSV files, one file
// per trip with rotation on long trips.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/cardash/internal/engine"
	"github.com/shaunagostinho/cardash/internal/obd"
)

// CSVSink records samples to CSV files with automatic rotation. It
// implements engine.Sink.
type CSVSink struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	trip   string
	rows   int
	now    func() time.Time
}

// Config holds CSV sink configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 100_000 // ~28 hrs at one row per second
)

var csvHeader = []string{
	"timestamp", "trip_id", "cycle",
	"gps_lat", "gps_lon", "gps_speed_kph",
	"rpm", "obd_speed_kph", "engine_load_pct", "throttle_pct",
	"coolant_c", "fuel_pressure_kpa", "battery_v", "iat_c",
	"baro_kpa", "fuel_level_pct",
	"accel_x", "accel_y", "accel_z",
}

// obdColumns lists the parameters in header order, starting at column 6.
var obdColumns = []obd.Parameter{
	obd.RPM, obd.VehicleSpeed, obd.EngineLoad, obd.ThrottlePosition,
	obd.CoolantTemp, obd.FuelPressure, obd.BatteryVoltage, obd.IntakeAirTemp,
	obd.BaroPressure, obd.FuelLevel,
}

// New creates a new CSVSink.
func New(cfg Config) *CSVSink {
	if cfg.Path == "" {
		cfg.Path = "/var/log/cardash"
	}
	return &CSVSink{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *CSVSink) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *CSVSink) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Insert appends one sample. A new trip or a full file starts a new file.
func (l *CSVSink) Insert(s engine.FusedSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}

	if l.writer == nil || l.rows >= maxRowsPerFile || s.TripID != l.trip {
		if err := l.rotateFile(s.TripID); err != nil {
			return fmt.Errorf("csv rotate: %w", err)
		}
	}

	if err := l.writer.Write(buildRow(s)); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return fmt.Errorf("csv flush: %w", err)
	}
	l.rows++
	return nil
}

// Close flushes and closes the current log file.
func (l *CSVSink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *CSVSink) rotateFile(trip string) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	short := trip
	if len(short) > 8 {
		short = short[:8]
	}
	filename := fmt.Sprintf("trip_%s_%s.csv", short, l.now().Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.trip = trip
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[csv] opened %s", path)
	return nil
}

func (l *CSVSink) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(s engine.FusedSample) []string {
	row := make([]string, len(csvHeader))

	row[0] = s.Timestamp.Format(time.RFC3339Nano)
	row[1] = s.TripID
	row[2] = strconv.FormatUint(s.Cycle, 10)
	row[3] = cell(s.Latitude, 6)
	row[4] = cell(s.Longitude, 6)
	row[5] = cell(s.SpeedGPS, 1)
	for i, p := range obdColumns {
		prec := 1
		if p == obd.RPM {
			prec = 0
		}
		row[6+i] = cell(s.Param(p), prec)
	}
	row[16] = strconv.FormatFloat(s.AccelX, 'f', 3, 64)
	row[17] = strconv.FormatFloat(s.AccelY, 'f', 3, 64)
	row[18] = strconv.FormatFloat(s.AccelZ, 'f', 3, 64)

	return row
}

// cell renders an absent reading as an empty cell.
func cell(r engine.Reading, prec int) string {
	v, ok := r.Get()
	if !ok {
		return ""
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}
