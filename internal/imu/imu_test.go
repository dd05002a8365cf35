package imu

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestGravityFilterSeedsToZero(t *testing.T) {
	f := gravityFilter{alpha: 0.8}
	got := f.apply([3]float64{0, 0, standardGravity})
	for i, v := range got {
		if v != 0 {
			t.Errorf("axis %d = %v, want 0 on first sample", i, v)
		}
	}
}

func TestGravityFilterPassesStep(t *testing.T) {
	f := gravityFilter{alpha: 0.8}
	f.apply([3]float64{0, 0, standardGravity})

	// A sudden 2 m/s² forward push shows up mostly as linear acceleration.
	got := f.apply([3]float64{2, 0, standardGravity})
	if math.Abs(got[0]-1.6) > 1e-9 {
		t.Errorf("x = %v, want 1.6", got[0])
	}
	if math.Abs(got[2]) > 1e-9 {
		t.Errorf("z = %v, want 0 (gravity removed)", got[2])
	}

	// Held constant, the push decays as the filter absorbs it.
	for i := 0; i < 50; i++ {
		got = f.apply([3]float64{2, 0, standardGravity})
	}
	if math.Abs(got[0]) > 0.01 {
		t.Errorf("x after settling = %v, want ~0", got[0])
	}
}

func TestMQTTSourceIngest(t *testing.T) {
	s := NewMQTTSource(MQTTConfig{})
	if _, ok := s.Latest(); ok {
		t.Fatal("Latest reported data before any sample")
	}

	if err := s.ingest([]byte(`{"ax":0,"ay":0,"az":16384}`)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := s.ingest([]byte(`{"ax":8192,"ay":0,"az":16384}`)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	a, ok := s.Latest()
	if !ok {
		t.Fatal("Latest reported no data")
	}
	// 0.5 g step, 20% of which the filter attributes to gravity.
	want := 0.5 * standardGravity * 0.8
	if math.Abs(a[0]-want) > 1e-9 {
		t.Errorf("x = %v, want %v", a[0], want)
	}

	if err := s.ingest([]byte(`not json`)); err == nil {
		t.Error("ingest accepted malformed payload")
	}
}

func TestMQTTSourceDefaults(t *testing.T) {
	s := NewMQTTSource(MQTTConfig{Alpha: 3})
	if s.cfg.Topic != "inertial/imu/left" || s.cfg.LSBPerG != 16384 || s.cfg.Alpha != 0.8 {
		t.Errorf("defaults = %+v", s.cfg)
	}
}

func TestMQTTSourceStartDoesNotBlockOnDeadBroker(t *testing.T) {
	s := NewMQTTSource(MQTTConfig{Broker: "tcp://127.0.0.1:1"})

	start := time.Now()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Start took %v with broker down", d)
	}
	if _, ok := s.Latest(); ok {
		t.Error("reading available without a broker")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung while connect retries were pending")
	}
}
