// Package fusion keeps the latest GPS and inertial readings available as a
// non-blocking snapshot for the acquisition loop.
package fusion

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/cardash/internal/gps"
	"github.com/shaunagostinho/cardash/internal/imu"
)

// Location is the latest valid GPS position.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	SpeedKmh  float64 `json:"speedKmh"`
}

// Collector polls the GPS provider in the background and forwards the
// inertial source's latest reading. Either input may be nil.
type Collector struct {
	gps      gps.Provider
	imu      imu.Source
	interval time.Duration

	mu      sync.Mutex
	loc     Location
	haveLoc bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCollector creates a Collector. GPS is read every 100 ms (10 Hz).
func NewCollector(g gps.Provider, s imu.Source) *Collector {
	return &Collector{gps: g, imu: s, interval: 100 * time.Millisecond}
}

// Start begins collection. It is a no-op when already started.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	if c.imu != nil {
		if err := c.imu.Start(ctx); err != nil {
			log.Printf("[fusion] %s unavailable: %v", c.imu.Name(), err)
		}
	}
	go c.gpsLoop(ctx, c.done)
	log.Println("[fusion] sensor collection started")
}

// Stop ends collection. The last location stays readable.
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if c.imu != nil {
		c.imu.Stop()
	}
	log.Println("[fusion] sensor collection stopped")
}

func (c *Collector) gpsLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	if c.gps == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := c.gps.Read()
			if err != nil || data == nil || !data.Valid {
				continue
			}
			c.mu.Lock()
			c.loc = Location{Latitude: data.Latitude, Longitude: data.Longitude, SpeedKmh: data.SpeedKmh}
			c.haveLoc = true
			c.mu.Unlock()
		}
	}
}

// Location returns the latest valid fix, or false if none was seen.
func (c *Collector) Location() (Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loc, c.haveLoc
}

// Acceleration returns the latest linear acceleration, or the zero vector
// when no inertial reading is available.
func (c *Collector) Acceleration() [3]float64 {
	if c.imu == nil {
		return [3]float64{}
	}
	a, ok := c.imu.Latest()
	if !ok {
		return [3]float64{}
	}
	return a
}
