package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/cardash/internal/engine"
	"github.com/shaunagostinho/cardash/internal/gps"
	"github.com/shaunagostinho/cardash/internal/imu"
	"github.com/shaunagostinho/cardash/internal/logger"
	"github.com/shaunagostinho/cardash/internal/mqttsink"
	"github.com/shaunagostinho/cardash/internal/obd"
)

// Safe ranges for the loop timing. Values outside are clamped on load and
// on every update.
const (
	MinPollPeriodMs       = 100
	MaxPollPeriodMs       = 10_000
	DefaultPollPeriodMs   = 500
	MinStorageIntervalMs  = 1_000
	MaxStorageIntervalMs  = 60_000
	DefaultStorageIntvlMs = 5_000
)

// Config holds all collector configuration.
type Config struct {
	mu sync.RWMutex

	// Vehicle link
	OBD OBDConfig `yaml:"obd" json:"obd"`

	// Sensor fusion inputs
	GPS GPSConfig `yaml:"gps" json:"gps"`
	IMU IMUConfig `yaml:"imu" json:"imu"`

	// Acquisition loop timing and persistence thresholds
	Polling PollingConfig `yaml:"polling" json:"polling"`

	// Durable sinks
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// BlueZ signal watching
	Bluetooth BluetoothConfig `yaml:"bluetooth" json:"bluetooth"`

	// Process log output
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type OBDConfig struct {
	Type   string           `yaml:"type" json:"type"`     // "elm327" or "demo"
	Target string           `yaml:"target" json:"target"` // Bluetooth address to connect at startup
	ELM327 obd.ELM327Config `yaml:"elm327" json:"elm327"`
}

type GPSConfig struct {
	Type     string `yaml:"type" json:"type"`          // "nmea", "demo" or "disabled"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

type IMUConfig struct {
	Type string         `yaml:"type" json:"type"` // "mqtt", "demo" or "disabled"
	MQTT imu.MQTTConfig `yaml:"mqtt" json:"mqtt"`
}

type PollingConfig struct {
	PeriodMs          int     `yaml:"period_ms" json:"periodMs"`
	StorageIntervalMs int     `yaml:"storage_interval_ms" json:"storageIntervalMs"`
	RPMDelta          float64 `yaml:"rpm_delta" json:"rpmDelta"`     // rpm change that forces a write
	SpeedDelta        float64 `yaml:"speed_delta" json:"speedDelta"` // km/h change that forces a write
}

type StorageConfig struct {
	CSV  logger.Config   `yaml:"csv" json:"csv"`
	MQTT mqttsink.Config `yaml:"mqtt" json:"mqtt"`
}

type BluetoothConfig struct {
	Watch   bool   `yaml:"watch" json:"watch"`     // Follow BlueZ radio/peer signals
	Adapter string `yaml:"adapter" json:"adapter"` // e.g. hci0, empty for any
}

type LoggingConfig struct {
	File       string `yaml:"file" json:"file"` // Rotated log file, empty for stderr only
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		OBD: OBDConfig{
			Type:   "demo",
			ELM327: obd.ELM327Config{
				PortPath:         "/dev/rfcomm0",
				BaudRate:         38400,
				CommandTimeoutMs: 1500,
			},
		},
		GPS: GPSConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
		},
		IMU: IMUConfig{
			Type: "demo",
			MQTT: imu.MQTTConfig{
				Broker:   "tcp://localhost:1883",
				Topic:    "inertial/imu/left",
				ClientID: "cardash-imu",
				LSBPerG:  16384,
				Alpha:    0.8,
			},
		},
		Polling: PollingConfig{
			PeriodMs:          DefaultPollPeriodMs,
			StorageIntervalMs: DefaultStorageIntvlMs,
			RPMDelta:          200,
			SpeedDelta:        5,
		},
		Storage: StorageConfig{
			CSV: logger.Config{
				Enabled: true,
				Path:    "/var/log/cardash",
			},
			MQTT: mqttsink.Config{
				Enabled:     false,
				Broker:      "tcp://localhost:1883",
				ClientID:    "cardash-samples",
				TopicPrefix: "cardash",
			},
		},
		Bluetooth: BluetoothConfig{
			Watch:   true,
			Adapter: "hci0",
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	cfg.clamp()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: OBD_TYPE, OBD_PORT, OBD_BAUD, OBD_TARGET, GPS_TYPE, GPS_PORT,
// GPS_BAUD, IMU_TYPE, MQTT_BROKER, POLL_PERIOD_MS, STORAGE_INTERVAL_MS,
// CSV_ENABLED, CSV_PATH, LOG_FILE, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	envString("OBD_TYPE", &c.OBD.Type)
	envString("OBD_PORT", &c.OBD.ELM327.PortPath)
	envInt("OBD_BAUD", &c.OBD.ELM327.BaudRate)
	envString("OBD_TARGET", &c.OBD.Target)
	envString("GPS_TYPE", &c.GPS.Type)
	envString("GPS_PORT", &c.GPS.PortPath)
	envInt("GPS_BAUD", &c.GPS.BaudRate)
	envString("IMU_TYPE", &c.IMU.Type)
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.IMU.MQTT.Broker = v
		c.Storage.MQTT.Broker = v
	}
	envInt("POLL_PERIOD_MS", &c.Polling.PeriodMs)
	envInt("STORAGE_INTERVAL_MS", &c.Polling.StorageIntervalMs)
	envBool("CSV_ENABLED", &c.Storage.CSV.Enabled)
	envString("CSV_PATH", &c.Storage.CSV.Path)
	envString("LOG_FILE", &c.Logging.File)
	envString("LISTEN_ADDR", &c.Server.ListenAddr)
}

// clamp forces timing values into their safe ranges. Caller holds c.mu or
// owns c exclusively.
func (c *Config) clamp() {
	c.Polling.PeriodMs = clampInt(c.Polling.PeriodMs, MinPollPeriodMs, MaxPollPeriodMs, DefaultPollPeriodMs)
	c.Polling.StorageIntervalMs = clampInt(c.Polling.StorageIntervalMs, MinStorageIntervalMs, MaxStorageIntervalMs, DefaultStorageIntvlMs)
	if c.Polling.RPMDelta <= 0 {
		c.Polling.RPMDelta = 200
	}
	if c.Polling.SpeedDelta <= 0 {
		c.Polling.SpeedDelta = 5
	}
}

func clampInt(v, lo, hi, def int) int {
	switch {
	case v == 0:
		return def
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

// PollPeriod is the configured cycle period. It satisfies engine.Settings.
func (c *Config) PollPeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Polling.PeriodMs) * time.Millisecond
}

// StorageInterval is the forced-write interval. It satisfies engine.Settings.
func (c *Config) StorageInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Polling.StorageIntervalMs) * time.Millisecond
}

// Policy returns the persistence thresholds.
func (c *Config) Policy() engine.PersistencePolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return engine.PersistencePolicy{RPMDelta: c.Polling.RPMDelta, SpeedDelta: c.Polling.SpeedDelta}
}

// Dir is the directory holding the config file, where runtime state such as
// the last connection target lives too.
func (c *Config) Dir() string {
	if c.path == "" {
		return "/etc/cardash"
	}
	return filepath.Dir(c.path)
}

// NMEA returns the GPS receiver settings.
func (c *Config) NMEA() gps.NMEAConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gps.NMEAConfig{PortPath: c.GPS.PortPath, BaudRate: c.GPS.BaudRate}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/cardash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Timing values are clamped afterwards.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	if err := json.Unmarshal(merged, c); err != nil {
		return err
	}
	c.clamp()
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
