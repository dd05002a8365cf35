// Package imu supplies linear (gravity-free) acceleration samples.
package imu

import "context"

// Source is a stream of linear acceleration readings in m/s².
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
	// Latest returns the newest reading, or false if none arrived yet.
	Latest() ([3]float64, bool)
}

const standardGravity = 9.80665

// gravityFilter separates gravity from raw accelerometer readings with a
// first-order low-pass: g = α·g + (1-α)·a, linear = a - g.
type gravityFilter struct {
	alpha   float64
	gravity [3]float64
	seeded  bool
}

func (f *gravityFilter) apply(a [3]float64) [3]float64 {
	if !f.seeded {
		f.gravity = a
		f.seeded = true
	}
	var linear [3]float64
	for i := range a {
		f.gravity[i] = f.alpha*f.gravity[i] + (1-f.alpha)*a[i]
		linear[i] = a[i] - f.gravity[i]
	}
	return linear
}

func (f *gravityFilter) reset() {
	f.seeded = false
	f.gravity = [3]float64{}
}
