package imu

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoSource simulates gentle longitudinal and lateral acceleration.
type DemoSource struct {
	mu    sync.Mutex
	start time.Time
	on    bool
}

func NewDemoSource() *DemoSource { return &DemoSource{} }

func (d *DemoSource) Name() string { return "Demo IMU (Simulated)" }

func (d *DemoSource) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.start = time.Now()
	d.on = true
	return nil
}

func (d *DemoSource) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.on = false
}

func (d *DemoSource) Latest() ([3]float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.on {
		return [3]float64{}, false
	}
	t := time.Since(d.start).Seconds()
	return [3]float64{
		2.5 * math.Sin(t*0.3),
		1.2 * math.Sin(t*0.1),
		rand.Float64()*0.2 - 0.1,
	}, true
}
