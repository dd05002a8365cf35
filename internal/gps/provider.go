// Package gps reads position fixes for the sensor fusion source.
package gps

// Provider is a GPS fix source. Read must not block for longer than a few
// sentence periods.
type Provider interface {
	Name() string
	Connect() error
	Close() error
	// Read returns the latest accumulated fix.
	Read() (*Data, error)
}

// Data is one position fix. Position and speed are only meaningful when
// Valid is set.
type Data struct {
	Valid      bool    `json:"valid"`
	Latitude   float64 `json:"latitude"`   // decimal degrees
	Longitude  float64 `json:"longitude"`  // decimal degrees
	SpeedKmh   float64 `json:"speedKmh"`   // ground speed
	Course     float64 `json:"course"`     // degrees true
	Altitude   float64 `json:"altitude"`   // meters MSL
	Satellites int     `json:"satellites"` // in use
	FixQuality int     `json:"fixQuality"` // 0 none, 1 GPS, 2 DGPS
	HDOP       float64 `json:"hdop"`
	Time       string  `json:"time"` // UTC time of fix
}
