package obd

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/shaunagostinho/cardash/internal/latest"
)

// Demo simulates an ELM327 adapter on a running vehicle for development
// and testing. It answers the same command strings as a real adapter.
type Demo struct {
	mu        sync.Mutex
	t         float64 // virtual time accumulator
	target    string
	dropRate  float64 // probability a command answers NO DATA
	engineOff bool
	status    *latest.Value[ConnectionStatus]
}

func NewDemo() *Demo {
	return &Demo{status: latest.NewWith(Disconnected)}
}

func (d *Demo) Name() string { return "Demo (Simulated)" }

func (d *Demo) Connect(ctx context.Context, target string) error {
	d.status.Set(Connecting)
	if err := ctx.Err(); err != nil {
		d.status.Set(Error)
		return err
	}
	d.mu.Lock()
	d.target = target
	d.mu.Unlock()
	d.status.Set(Connected)
	return nil
}

func (d *Demo) Disconnect() error {
	d.status.Set(Disconnected)
	return nil
}

func (d *Demo) Status() ConnectionStatus { return d.status.Load() }

func (d *Demo) Statuses(ctx context.Context) <-chan ConnectionStatus {
	return d.status.Subscribe(ctx)
}

// SetDropRate makes a fraction of commands answer NO DATA, imitating a
// flaky Bluetooth link.
func (d *Demo) SetDropRate(p float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropRate = p
}

// SetEngineOff makes every PID request answer NO DATA, as a real ECU
// does with the ignition in accessory position.
func (d *Demo) SetEngineOff(off bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.engineOff = off
}

func (d *Demo) SendCommand(ctx context.Context, cmd string) (string, error) {
	if d.status.Load() != Connected {
		return "", ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cmd = strings.ToUpper(strings.ReplaceAll(cmd, " ", ""))
	if cmd == batteryCommand {
		return fmt.Sprintf("%.1fV", 13.8+rand.Float64()*0.4), nil
	}
	if cmd == dtcCommand {
		return "43 01 33 03 00 00 00", nil
	}
	if d.engineOff || rand.Float64() < d.dropRate {
		return "NO DATA", nil
	}
	if cmd == MustCommand(RPM) {
		d.t += 0.05
	}

	// Simulate RPM cycling between idle and revving
	rpm := 850.0 + 3500.0*math.Pow(math.Sin(d.t*0.3), 2) + rand.Float64()*50
	tps := (rpm - 850) / (4400 - 850) * 100
	speed := tps / 100 * 160

	for _, p := range Parameters {
		if p == BatteryVoltage || MustCommand(p) != cmd {
			continue
		}
		s := pids[p]
		switch p {
		case RPM:
			raw := uint16(rpm * 4)
			return fmt.Sprintf("41 %02X %02X %02X", s.pid, raw>>8, raw&0xFF), nil
		case VehicleSpeed:
			return fmt.Sprintf("41 %02X %02X", s.pid, byte(speed)), nil
		case EngineLoad:
			return fmt.Sprintf("41 %02X %02X", s.pid, byte(20+tps*0.7*255/100)), nil
		case ThrottlePosition:
			return fmt.Sprintf("41 %02X %02X", s.pid, byte(tps*255/100)), nil
		case CoolantTemp:
			return fmt.Sprintf("41 %02X %02X", s.pid, byte(85+40+rand.Float64()*5)), nil
		case IntakeAirTemp:
			return fmt.Sprintf("41 %02X %02X", s.pid, byte(30+40+rand.Float64()*8)), nil
		case FuelPressure:
			return fmt.Sprintf("41 %02X %02X", s.pid, byte(100)), nil
		case BaroPressure:
			return fmt.Sprintf("41 %02X %02X", s.pid, byte(101)), nil
		case FuelLevel:
			return fmt.Sprintf("41 %02X %02X", s.pid, byte(180)), nil
		}
	}
	return "?", nil
}

func (d *Demo) ScanTroubleCodes(ctx context.Context, lookup CodeLookup) ([]TroubleCode, error) {
	resp, err := d.SendCommand(ctx, dtcCommand)
	if err != nil {
		return nil, err
	}
	codes, err := ParseTroubleCodes(resp)
	if err != nil {
		return nil, err
	}
	return describe(codes, lookup), nil
}
