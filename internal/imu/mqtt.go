package imu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds configuration for the MQTT inertial source.
type MQTTConfig struct {
	Broker   string  `yaml:"broker" json:"broker"`      // e.g. tcp://localhost:1883
	Topic    string  `yaml:"topic" json:"topic"`        // Raw IMU topic
	ClientID string  `yaml:"client_id" json:"clientId"` // MQTT client id
	LSBPerG  float64 `yaml:"lsb_per_g" json:"lsbPerG"`  // Accelerometer scale, 16384 for ±2g
	Alpha    float64 `yaml:"alpha" json:"alpha"`        // Gravity low-pass coefficient
}

// rawSample is the JSON payload of an inertial producer: raw int16
// accelerometer counts per axis.
type rawSample struct {
	Ax int16 `json:"ax"`
	Ay int16 `json:"ay"`
	Az int16 `json:"az"`
}

// MQTTSource subscribes to raw IMU samples published by an inertial
// producer and converts them to linear acceleration.
type MQTTSource struct {
	cfg MQTTConfig

	mu     sync.Mutex
	client mqtt.Client
	filter gravityFilter
	last   [3]float64
	have   bool
}

// NewMQTTSource creates a new MQTT inertial source.
func NewMQTTSource(cfg MQTTConfig) *MQTTSource {
	if cfg.Broker == "" {
		cfg.Broker = "tcp://localhost:1883"
	}
	if cfg.Topic == "" {
		cfg.Topic = "inertial/imu/left"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "cardash-imu"
	}
	if cfg.LSBPerG <= 0 {
		cfg.LSBPerG = 16384
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = 0.8
	}
	return &MQTTSource{cfg: cfg, filter: gravityFilter{alpha: cfg.Alpha}}
}

func (s *MQTTSource) Name() string { return "MQTT IMU" }

// Start begins connecting in the background and returns at once. The client
// keeps retrying an unreachable broker, and the connect handler subscribes
// after every (re)connect.
func (s *MQTTSource) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(5 * time.Second).
		SetOnConnectHandler(s.subscribe)

	client := mqtt.NewClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	client.Connect()
	log.Printf("[imu] connecting to %s", s.cfg.Broker)
	return nil
}

func (s *MQTTSource) subscribe(client mqtt.Client) {
	token := client.Subscribe(s.cfg.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.ingest(msg.Payload()); err != nil {
			log.Printf("[imu] %v", err)
		}
	})
	if err := wait(token); err != nil {
		log.Printf("[imu] subscribe %s: %v", s.cfg.Topic, err)
		return
	}
	log.Printf("[imu] subscribed to %s on %s", s.cfg.Topic, s.cfg.Broker)
}

// wait blocks on an MQTT token for a bounded time.
func wait(token mqtt.Token) error {
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("timed out")
	}
	return token.Error()
}

func (s *MQTTSource) Stop() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.have = false
	s.filter.reset()
	s.mu.Unlock()

	if client != nil {
		if client.IsConnected() {
			client.Unsubscribe(s.cfg.Topic)
		}
		client.Disconnect(250)
		log.Printf("[imu] disconnected from %s", s.cfg.Broker)
	}
}

// ingest decodes one raw payload, scales it to m/s² and strips gravity.
func (s *MQTTSource) ingest(payload []byte) error {
	var raw rawSample
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("unmarshal sample: %w", err)
	}
	scale := standardGravity / s.cfg.LSBPerG
	a := [3]float64{
		float64(raw.Ax) * scale,
		float64(raw.Ay) * scale,
		float64(raw.Az) * scale,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = s.filter.apply(a)
	s.have = true
	return nil
}

func (s *MQTTSource) Latest() ([3]float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.have
}
