package engine

import (
	"encoding/json"
	"time"

	"github.com/shaunagostinho/cardash/internal/obd"
)

// Reading is a measured value or an explicit absence. Absent readings
// marshal to JSON null, so a real zero is never confused with "no data".
type Reading struct {
	Value float64
	Valid bool
}

// Some returns a present reading.
func Some(v float64) Reading { return Reading{Value: v, Valid: true} }

// Get returns the value and whether it is present.
func (r Reading) Get() (float64, bool) { return r.Value, r.Valid }

func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

func (r *Reading) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Reading{}
		return nil
	}
	if err := json.Unmarshal(data, &r.Value); err != nil {
		return err
	}
	r.Valid = true
	return nil
}

// FusedSample is one cycle's output: OBD readings merged with the latest
// GPS and inertial snapshot. It is a plain value; copies share nothing.
type FusedSample struct {
	Timestamp time.Time `json:"timestamp"`
	TripID    string    `json:"tripId"`
	Cycle     uint64    `json:"cycle"`

	// GPS
	Latitude  Reading `json:"latitude"`
	Longitude Reading `json:"longitude"`
	SpeedGPS  Reading `json:"speedGps"` // km/h

	// OBD
	RPM              Reading `json:"rpm"`
	SpeedOBD         Reading `json:"speedObd"`         // km/h
	EngineLoad       Reading `json:"engineLoad"`       // %
	CoolantTemp      Reading `json:"coolantTemp"`      // °C
	FuelLevel        Reading `json:"fuelLevel"`        // %
	IntakeAirTemp    Reading `json:"intakeAirTemp"`    // °C
	ThrottlePosition Reading `json:"throttlePosition"` // %
	FuelPressure     Reading `json:"fuelPressure"`     // kPa
	BaroPressure     Reading `json:"baroPressure"`     // kPa
	BatteryVoltage   Reading `json:"batteryVoltage"`   // V

	// IMU, m/s², zero when no inertial data is available
	AccelX float64 `json:"accelX"`
	AccelY float64 `json:"accelY"`
	AccelZ float64 `json:"accelZ"`
}

// Param returns the OBD reading for p.
func (s FusedSample) Param(p obd.Parameter) Reading {
	switch p {
	case obd.RPM:
		return s.RPM
	case obd.VehicleSpeed:
		return s.SpeedOBD
	case obd.EngineLoad:
		return s.EngineLoad
	case obd.ThrottlePosition:
		return s.ThrottlePosition
	case obd.CoolantTemp:
		return s.CoolantTemp
	case obd.FuelPressure:
		return s.FuelPressure
	case obd.BatteryVoltage:
		return s.BatteryVoltage
	case obd.IntakeAirTemp:
		return s.IntakeAirTemp
	case obd.BaroPressure:
		return s.BaroPressure
	case obd.FuelLevel:
		return s.FuelLevel
	}
	return Reading{}
}
