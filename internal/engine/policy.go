package engine

import (
	"math"
	"time"
)

// PersistencePolicy decides which samples reach durable storage: a forced
// write every storage interval, plus any sample where the engine is running
// and RPM or speed moved by more than the configured deltas.
type PersistencePolicy struct {
	RPMDelta   float64 // rpm
	SpeedDelta float64 // km/h
}

// DefaultPolicy returns the standard thresholds: 200 rpm, 5 km/h.
func DefaultPolicy() PersistencePolicy {
	return PersistencePolicy{RPMDelta: 200, SpeedDelta: 5}
}

// PersistInput carries what the policy looks at for one sample. Prev values
// are the cached readings from before the current cycle's polls.
type PersistInput struct {
	SinceLastWrite time.Duration
	Interval       time.Duration
	EngineRunning  bool
	PrevRPM, RPM   float64
	PrevSpeed      float64
	Speed          float64
}

// ShouldPersist applies the rules in order; the first match wins.
func (p PersistencePolicy) ShouldPersist(in PersistInput) bool {
	if in.SinceLastWrite >= in.Interval {
		return true
	}
	if !in.EngineRunning {
		return false
	}
	if math.Abs(in.RPM-in.PrevRPM) > p.RPMDelta {
		return true
	}
	return math.Abs(in.Speed-in.PrevSpeed) > p.SpeedDelta
}
