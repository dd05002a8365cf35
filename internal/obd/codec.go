package obd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Parameter identifies one polled vehicle value.
type Parameter int

const (
	RPM Parameter = iota
	VehicleSpeed
	EngineLoad
	ThrottlePosition
	CoolantTemp
	FuelPressure
	BatteryVoltage
	IntakeAirTemp
	BaroPressure
	FuelLevel
)

// Parameters lists every parameter in declaration order.
var Parameters = []Parameter{
	RPM, VehicleSpeed, EngineLoad, ThrottlePosition, CoolantTemp,
	FuelPressure, BatteryVoltage, IntakeAirTemp, BaroPressure, FuelLevel,
}

var (
	ErrNoData           = errors.New("obd: no data")
	ErrMalformed        = errors.New("obd: malformed response")
	ErrUnknownParameter = errors.New("obd: unknown parameter")
	ErrAdapter          = errors.New("obd: adapter error")
)

// pidSpec describes a mode 01 PID: the PID byte, how many data bytes follow
// the header, and the SAE J1979 conversion.
type pidSpec struct {
	name    string
	pid     byte
	nbytes  int
	convert func(d []byte) float64
}

func percent(d []byte) float64 { return float64(d[0]) * 100 / 255 }
func celsius(d []byte) float64 { return float64(d[0]) - 40 }

var pids = map[Parameter]pidSpec{
	RPM:              {"rpm", 0x0C, 2, func(d []byte) float64 { return (float64(d[0])*256 + float64(d[1])) / 4 }},
	VehicleSpeed:     {"speed", 0x0D, 1, func(d []byte) float64 { return float64(d[0]) }},
	EngineLoad:       {"engine_load", 0x04, 1, percent},
	ThrottlePosition: {"throttle", 0x11, 1, percent},
	CoolantTemp:      {"coolant_temp", 0x05, 1, celsius},
	FuelPressure:     {"fuel_pressure", 0x0A, 1, func(d []byte) float64 { return float64(d[0]) * 3 }},
	IntakeAirTemp:    {"intake_air_temp", 0x0F, 1, celsius},
	BaroPressure:     {"baro_pressure", 0x33, 1, func(d []byte) float64 { return float64(d[0]) }},
	FuelLevel:        {"fuel_level", 0x2F, 1, percent},
}

// batteryCommand reads the adapter's supply voltage pin, which is the
// vehicle battery on a standard OBD-II socket.
const batteryCommand = "ATRV"

func (p Parameter) String() string {
	if p == BatteryVoltage {
		return "battery_voltage"
	}
	if s, ok := pids[p]; ok {
		return s.name
	}
	return fmt.Sprintf("parameter(%d)", int(p))
}

// Command returns the adapter command string that requests p.
func Command(p Parameter) (string, error) {
	if p == BatteryVoltage {
		return batteryCommand, nil
	}
	s, ok := pids[p]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownParameter, int(p))
	}
	return fmt.Sprintf("01%02X", s.pid), nil
}

// MustCommand is Command for the fixed parameter set; it panics on an
// unknown parameter.
func MustCommand(p Parameter) string {
	cmd, err := Command(p)
	if err != nil {
		panic(err)
	}
	return cmd
}

// Decode converts a raw adapter response for p into engineering units.
func Decode(p Parameter, raw string) (float64, error) {
	lines, err := responseLines(raw)
	if err != nil {
		return 0, err
	}
	if p == BatteryVoltage {
		return decodeVoltage(lines)
	}
	s, ok := pids[p]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownParameter, int(p))
	}

	// Several ECUs may answer; the first line carrying our header wins.
	for _, line := range lines {
		b, err := hexBytes(line)
		if err != nil {
			continue
		}
		for i := 0; i+1 < len(b); i++ {
			if b[i] != 0x41 || b[i+1] != s.pid {
				continue
			}
			data := b[i+2:]
			if len(data) < s.nbytes {
				return 0, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformed, s.name, s.nbytes, len(data))
			}
			return s.convert(data[:s.nbytes]), nil
		}
	}
	return 0, fmt.Errorf("%w: no 41 %02X header in %q", ErrMalformed, s.pid, raw)
}

func decodeVoltage(lines []string) (float64, error) {
	for _, line := range lines {
		v := strings.TrimSuffix(strings.ToUpper(line), "V")
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: no voltage in %q", ErrMalformed, strings.Join(lines, " "))
}

// responseLines strips the prompt, status chatter and blank lines from a raw
// response and reports adapter-level failures.
func responseLines(raw string) ([]string, error) {
	raw = strings.ReplaceAll(raw, ">", "")
	raw = strings.ReplaceAll(raw, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "SEARCHING"),
			strings.HasPrefix(upper, "BUS INIT") && strings.HasSuffix(upper, "OK"),
			upper == "OK":
			continue
		case upper == "NO DATA":
			return nil, ErrNoData
		case upper == "?",
			strings.Contains(upper, "UNABLE TO CONNECT"),
			strings.Contains(upper, "ERROR"),
			upper == "STOPPED":
			return nil, fmt.Errorf("%w: %s", ErrAdapter, line)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, ErrNoData
	}
	return lines, nil
}

// hexBytes parses a line of hex digits, with or without spaces.
func hexBytes(line string) ([]byte, error) {
	s := strings.ReplaceAll(line, " ", "")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd hex length in %q", ErrMalformed, line)
	}
	out := make([]byte, 0, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		v, err := strconv.ParseUint(s[i:i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		out = append(out, byte(v))
	}
	return out, nil
}
