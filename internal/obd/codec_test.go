package obd

import (
	"errors"
	"math"
	"testing"
)

func TestCommand(t *testing.T) {
	tests := []struct {
		p    Parameter
		want string
	}{
		{RPM, "010C"},
		{VehicleSpeed, "010D"},
		{EngineLoad, "0104"},
		{ThrottlePosition, "0111"},
		{CoolantTemp, "0105"},
		{FuelPressure, "010A"},
		{BatteryVoltage, "ATRV"},
		{IntakeAirTemp, "010F"},
		{BaroPressure, "0133"},
		{FuelLevel, "012F"},
	}
	for _, tt := range tests {
		got, err := Command(tt.p)
		if err != nil {
			t.Errorf("Command(%v) error: %v", tt.p, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Command(%v) = %q, want %q", tt.p, got, tt.want)
		}
	}

	if _, err := Command(Parameter(99)); !errors.Is(err, ErrUnknownParameter) {
		t.Errorf("Command(99) error = %v, want ErrUnknownParameter", err)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		p    Parameter
		raw  string
		want float64
	}{
		{"rpm spaced", RPM, "41 0C 1A F8", 1726},
		{"rpm compact", RPM, "410C1AF8", 1726},
		{"rpm with prompt", RPM, "41 0C 0C 80\r\r>", 800},
		{"rpm after search", RPM, "SEARCHING...\r41 0C 11 30", 1100},
		{"speed", VehicleSpeed, "41 0D 3C", 60},
		{"load full", EngineLoad, "41 04 FF", 100},
		{"load zero", EngineLoad, "41 04 00", 0},
		{"throttle", ThrottlePosition, "41 11 80", 128 * 100.0 / 255},
		{"coolant", CoolantTemp, "41 05 7B", 83},
		{"coolant below zero", CoolantTemp, "41 05 1E", -10},
		{"fuel pressure", FuelPressure, "41 0A 64", 300},
		{"iat", IntakeAirTemp, "41 0F 46", 30},
		{"baro", BaroPressure, "41 33 65", 101},
		{"fuel level", FuelLevel, "41 2F 80", 128 * 100.0 / 255},
		{"battery", BatteryVoltage, "12.6V", 12.6},
		{"battery lower case", BatteryVoltage, "14.1v\r>", 14.1},
		{"multi ecu first wins", RPM, "41 0C 0C 80\r41 0C 00 00", 800},
		{"garbage line then data", VehicleSpeed, "XYZ\r41 0D 05", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.p, tt.raw)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Decode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name string
		p    Parameter
		raw  string
		want error
	}{
		{"no data", RPM, "NO DATA", ErrNoData},
		{"empty", RPM, "", ErrNoData},
		{"prompt only", RPM, ">", ErrNoData},
		{"unknown command", RPM, "?", ErrAdapter},
		{"unable to connect", EngineLoad, "UNABLE TO CONNECT", ErrAdapter},
		{"can error", EngineLoad, "CAN ERROR", ErrAdapter},
		{"bus init error", EngineLoad, "BUS INIT: ...ERROR", ErrAdapter},
		{"stopped", RPM, "STOPPED", ErrAdapter},
		{"truncated rpm", RPM, "41 0C 1A", ErrMalformed},
		{"wrong pid", RPM, "41 0D 3C", ErrMalformed},
		{"not hex", RPM, "HELLO", ErrMalformed},
		{"bad voltage", BatteryVoltage, "abcV", ErrMalformed},
		{"unknown parameter", Parameter(42), "41 0C 00 00", ErrUnknownParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.p, tt.raw)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParameterString(t *testing.T) {
	if RPM.String() != "rpm" {
		t.Errorf("RPM.String() = %q", RPM.String())
	}
	if BatteryVoltage.String() != "battery_voltage" {
		t.Errorf("BatteryVoltage.String() = %q", BatteryVoltage.String())
	}
}
