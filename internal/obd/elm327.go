package obd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/cardash/internal/latest"
)

// port is the subset of serial.Port the adapter driver needs.
type port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// ELM327 implements Link for ELM327-compatible adapters reached through a
// serial device. On Linux the Bluetooth SPP channel of the adapter is bound
// to an RFCOMM tty (e.g. /dev/rfcomm0), so the target's Bluetooth address
// is mapped to a port path through config.
//
// The adapter processes exactly one command at a time and signals
// readiness with a '>' prompt. mu is held for the full write/read exchange,
// which is what keeps commands from overlapping.
type ELM327 struct {
	portPath       string
	ports          map[string]string
	baudRate       int
	commandTimeout time.Duration

	mu     sync.Mutex
	port   port
	target string
	status *latest.Value[ConnectionStatus]

	open func(path string, baud int) (port, error)
}

// ELM327Config holds connection configuration for the ELM327 link.
type ELM327Config struct {
	PortPath         string            `yaml:"port_path" json:"portPath"` // Fallback tty, e.g. /dev/rfcomm0
	Ports            map[string]string `yaml:"ports" json:"ports"`        // Bluetooth address -> tty
	BaudRate         int               `yaml:"baud_rate" json:"baudRate"`
	CommandTimeoutMs int               `yaml:"command_timeout_ms" json:"commandTimeoutMs"`
}

const (
	resetTimeout   = 3 * time.Second // ATZ reboots the adapter
	probeTimeout   = 6 * time.Second // first PID request triggers protocol search
	scanTimeout    = 5 * time.Second
	readSlice      = 50 * time.Millisecond
	defaultCmdTime = 1500 * time.Millisecond
)

// initCommands configure the adapter for compact, header-less responses
// with automatic protocol selection.
var initCommands = []string{"ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"}

// NewELM327 creates a new ELM327 link.
func NewELM327(cfg ELM327Config) *ELM327 {
	if cfg.PortPath == "" {
		cfg.PortPath = "/dev/rfcomm0"
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 38400
	}
	timeout := time.Duration(cfg.CommandTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultCmdTime
	}
	return &ELM327{
		portPath:       cfg.PortPath,
		ports:          cfg.Ports,
		baudRate:       cfg.BaudRate,
		commandTimeout: timeout,
		status:         latest.NewWith(Disconnected),
		open:           openSerial,
	}
}

func openSerial(path string, baud int) (port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *ELM327) Name() string { return "ELM327" }

func (e *ELM327) Status() ConnectionStatus { return e.status.Load() }

func (e *ELM327) Statuses(ctx context.Context) <-chan ConnectionStatus {
	return e.status.Subscribe(ctx)
}

// portFor resolves the tty bound to a Bluetooth address.
func (e *ELM327) portFor(target string) string {
	if p, ok := e.ports[strings.ToUpper(target)]; ok {
		return p
	}
	if p, ok := e.ports[target]; ok {
		return p
	}
	return e.portPath
}

// Connect opens the serial device for target and runs the adapter init
// sequence. A failed vehicle probe (ignition off) is not a connect error:
// the adapter itself is reachable and polls will report NO DATA.
func (e *ELM327) Connect(ctx context.Context, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port != nil {
		e.port.Close()
		e.port = nil
	}
	if target != "" && target == e.target {
		e.status.Set(Reconnecting)
	} else {
		e.status.Set(Connecting)
	}
	e.target = target

	path := e.portFor(target)
	p, err := e.open(path, e.baudRate)
	if err != nil {
		e.status.Set(Error)
		return fmt.Errorf("elm327: failed to open %s for %s: %w", path, target, err)
	}
	if err := p.SetReadTimeout(readSlice); err != nil {
		p.Close()
		e.status.Set(Error)
		return fmt.Errorf("elm327: failed to set timeout: %w", err)
	}
	e.port = p
	log.Printf("[elm327] opened %s at %d baud for %s", path, e.baudRate, target)

	ident, err := e.exchange(ctx, "ATZ", resetTimeout)
	if err != nil {
		e.fail()
		return fmt.Errorf("elm327: reset failed: %w", err)
	}
	log.Printf("[elm327] adapter: %s", strings.TrimSpace(ident))

	for _, cmd := range initCommands {
		resp, err := e.exchange(ctx, cmd, e.commandTimeout)
		if err != nil {
			e.fail()
			return fmt.Errorf("elm327: %s failed: %w", cmd, err)
		}
		if !strings.Contains(strings.ToUpper(resp), "OK") {
			log.Printf("[elm327] %s unexpected response %q", cmd, resp)
		}
	}

	if resp, err := e.exchange(ctx, "0100", probeTimeout); err != nil {
		log.Printf("[elm327] vehicle probe failed: %v", err)
	} else if _, err := responseLines(resp); err != nil {
		log.Printf("[elm327] vehicle probe: %v (ignition off?)", err)
	}

	e.status.Set(Connected)
	log.Printf("[elm327] connected to %s via %s", target, path)
	return nil
}

// fail closes the port after an I/O failure. Caller holds mu.
func (e *ELM327) fail() {
	if e.port != nil {
		e.port.Close()
		e.port = nil
	}
	e.status.Set(Error)
}

func (e *ELM327) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.port != nil {
		err = e.port.Close()
		e.port = nil
		log.Printf("[elm327] disconnected from %s", e.target)
	}
	e.status.Set(Disconnected)
	return err
}

// SendCommand writes cmd and returns the response up to the prompt.
// Timeouts and garbled replies leave the link up; write/read failures
// mark it as ERROR.
func (e *ELM327) SendCommand(ctx context.Context, cmd string) (string, error) {
	return e.send(ctx, cmd, e.commandTimeout)
}

func (e *ELM327) send(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port == nil || e.status.Load() != Connected {
		return "", ErrNotConnected
	}
	resp, err := e.exchange(ctx, cmd, timeout)
	if err != nil {
		if !errors.Is(err, ErrTimeout) && ctx.Err() == nil {
			log.Printf("[elm327] %s: %v, closing link", cmd, err)
			e.fail()
		}
		return "", err
	}
	return resp, nil
}

// exchange performs one write/read cycle. Caller holds mu.
func (e *ELM327) exchange(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	e.port.ResetInputBuffer()
	if _, err := e.port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write %s: %w", cmd, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	resp := make([]byte, 0, 64)
	buf := make([]byte, 128)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s after %v (%q)", ErrTimeout, cmd, timeout, resp)
		}
		n, err := e.port.Read(buf)
		if n > 0 {
			resp = append(resp, buf[:n]...)
			if i := bytes.IndexByte(resp, '>'); i >= 0 {
				return stripEcho(string(resp[:i]), cmd), nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", cmd, err)
		}
	}
}

// stripEcho removes the command echo some clones emit even after ATE0.
func stripEcho(resp, cmd string) string {
	resp = strings.TrimSpace(strings.ReplaceAll(resp, "\r", "\n"))
	if first, rest, ok := strings.Cut(resp, "\n"); ok && strings.EqualFold(strings.TrimSpace(first), cmd) {
		return strings.TrimSpace(rest)
	}
	if strings.EqualFold(resp, cmd) {
		return ""
	}
	return resp
}

// ScanTroubleCodes requests stored DTCs. It shares the command lock with
// SendCommand, so it interleaves with polling without overlapping.
func (e *ELM327) ScanTroubleCodes(ctx context.Context, lookup CodeLookup) ([]TroubleCode, error) {
	resp, err := e.send(ctx, dtcCommand, scanTimeout)
	if err != nil {
		return nil, fmt.Errorf("elm327: dtc scan: %w", err)
	}
	codes, err := ParseTroubleCodes(resp)
	if err != nil {
		return nil, fmt.Errorf("elm327: dtc scan: %w", err)
	}
	log.Printf("[elm327] dtc scan found %d code(s)", len(codes))
	return describe(codes, lookup), nil
}
