// Package mqttsink publishes persisted samples to an MQTT broker so other
// in-vehicle consumers can pick them up.
package mqttsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/cardash/internal/engine"
)

// Config holds MQTT publishing configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`            // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id" json:"clientId"`       // MQTT client id
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"` // samples go to <prefix>/<trip>/samples
	QoS         byte   `yaml:"qos" json:"qos"`
}

const publishTimeout = 2 * time.Second

// Sink implements engine.Sink over MQTT.
type Sink struct {
	cfg Config

	mu      sync.Mutex
	client  mqtt.Client
	publish func(topic string, payload []byte) error
}

// New creates an unconnected Sink.
func New(cfg Config) *Sink {
	if cfg.Broker == "" {
		cfg.Broker = "tcp://localhost:1883"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "cardash-samples"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cardash"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 0
	}
	return &Sink{cfg: cfg}
}

// Connect opens the broker connection. Paho reconnects on its own after
// that; publishes during an outage fail and are reported by Insert.
func (s *Sink) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt: connect %s: timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: connect %s: %w", s.cfg.Broker, err)
	}

	s.mu.Lock()
	s.client = client
	s.publish = func(topic string, payload []byte) error {
		t := client.Publish(topic, s.cfg.QoS, false, payload)
		if !t.WaitTimeout(publishTimeout) {
			return errors.New("publish timed out")
		}
		return t.Error()
	}
	s.mu.Unlock()
	log.Printf("[mqtt] publishing samples to %s under %s/", s.cfg.Broker, s.cfg.TopicPrefix)
	return nil
}

// Topic returns the topic samples of trip are published to.
func (s *Sink) Topic(trip string) string {
	return fmt.Sprintf("%s/%s/samples", s.cfg.TopicPrefix, trip)
}

func (s *Sink) Insert(sample engine.FusedSample) error {
	s.mu.Lock()
	publish := s.publish
	s.mu.Unlock()
	if publish == nil {
		return errors.New("mqtt: not connected")
	}

	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("mqtt: marshal sample: %w", err)
	}
	if err := publish(s.Topic(sample.TripID), payload); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", s.Topic(sample.TripID), err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Sink) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.publish = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
		log.Printf("[mqtt] disconnected from %s", s.cfg.Broker)
	}
	return nil
}
