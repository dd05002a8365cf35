package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoGPS simulates a receiver driving laps of a city block. The first
// few reads report no fix, like a cold start.
type DemoGPS struct {
	mu    sync.Mutex
	reads int
	theta float64 // position on the lap, radians
}

const (
	demoLat     = 37.7793 // lap centre
	demoLon     = -122.4193
	demoRadius  = 0.004 // degrees, ~450 m
	demoColdFix = 20    // reads before the first fix
)

func NewDemoGPS() *DemoGPS { return &DemoGPS{} }

func (d *DemoGPS) Name() string   { return "Demo GPS (Simulated)" }
func (d *DemoGPS) Connect() error { return nil }
func (d *DemoGPS) Close() error   { return nil }

func (d *DemoGPS) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++

	now := time.Now().UTC()
	if d.reads <= demoColdFix {
		return &Data{Satellites: d.reads / 5, Time: now.Format("15:04:05.000")}, nil
	}

	// Speed varies with the lap angle like traffic lights would.
	speed := 35 + 15*math.Sin(d.theta*4) + rand.Float64()*2
	// Advance by distance travelled in 100 ms, converted to radians of the lap.
	step := speed / 3.6 * 0.1 / (demoRadius * 111_000)
	d.theta = math.Mod(d.theta+step, 2*math.Pi)

	return &Data{
		Valid:      true,
		Latitude:   demoLat + demoRadius*math.Sin(d.theta),
		Longitude:  demoLon + demoRadius*math.Cos(d.theta),
		SpeedKmh:   speed,
		Course:     math.Mod(360-d.theta*180/math.Pi, 360),
		Altitude:   16,
		Satellites: 9,
		FixQuality: 1,
		HDOP:       1.1,
		Time:       now.Format("15:04:05.000"),
	}, nil
}
