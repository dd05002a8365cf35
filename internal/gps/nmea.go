package gps

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
)

// knotsToKmh converts NMEA speed over ground to km/h.
const knotsToKmh = 1.852

// NMEAProvider reads standard NMEA 0183 sentences from a UART GPS.
// Compatible with u-blox NEO-M8N and any standard NMEA GPS.
type NMEAProvider struct {
	portPath string
	baudRate int
	port     io.ReadCloser
	reader   *bufio.Reader
	partial  string // unterminated tail carried to the next Read
	mu       sync.Mutex
	last     *Data
}

// NMEAConfig holds configuration for the NMEA GPS provider.
type NMEAConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewNMEA creates a new NMEA GPS provider.
func NewNMEA(cfg NMEAConfig) *NMEAProvider {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	return &NMEAProvider{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		last:     &Data{},
	}
}

func (n *NMEAProvider) Name() string { return "NMEA GPS" }

func (n *NMEAProvider) Connect() error {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %w", n.portPath, err)
	}
	port.SetReadTimeout(200 * time.Millisecond)
	n.attach(port)
	log.Printf("[gps] connected to %s at %d baud", n.portPath, n.baudRate)
	return nil
}

// attach wires a sentence stream into the provider.
func (n *NMEAProvider) attach(r io.ReadCloser) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.port = r
	n.reader = bufio.NewReader(r)
	n.partial = ""
}

func (n *NMEAProvider) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.port != nil {
		err := n.port.Close()
		n.port = nil
		n.reader = nil
		n.partial = ""
		return err
	}
	return nil
}

// Read consumes sentences until both RMC and GGA were seen or the line
// budget runs out, and returns a copy of the accumulated fix. A quiet port
// (read timeouts, EOF) ends the call early; the next call resumes reading.
func (n *NMEAProvider) Read() (*Data, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.reader == nil {
		snap := *n.last
		return &snap, fmt.Errorf("gps: not connected")
	}

	gotRMC := false
	gotGGA := false
	for i := 0; i < 20 && !(gotRMC && gotGGA); i++ {
		chunk, err := n.reader.ReadString('\n')
		if err != nil {
			n.partial += chunk
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress) {
				break
			}
			snap := *n.last
			return &snap, fmt.Errorf("gps: read: %w", err)
		}
		line := strings.TrimSpace(n.partial + chunk)
		n.partial = ""
		if !strings.HasPrefix(line, "$") {
			continue
		}
		// Parse validates the checksum; noisy or partial lines are dropped.
		sentence, err := nmea.Parse(line)
		if err != nil {
			continue
		}

		switch s := sentence.(type) {
		case nmea.RMC:
			n.applyRMC(s)
			gotRMC = true
		case nmea.GGA:
			n.applyGGA(s)
			gotGGA = true
		}
	}

	snap := *n.last
	return &snap, nil
}

func (n *NMEAProvider) applyRMC(m nmea.RMC) {
	n.last.Time = m.Time.String()
	n.last.Valid = m.Validity == nmea.ValidRMC
	if !n.last.Valid {
		return
	}
	n.last.Latitude = m.Latitude
	n.last.Longitude = m.Longitude
	n.last.SpeedKmh = m.Speed * knotsToKmh
	n.last.Course = m.Course
}

func (n *NMEAProvider) applyGGA(m nmea.GGA) {
	if fix, err := strconv.Atoi(m.FixQuality); err == nil {
		n.last.FixQuality = fix
	}
	n.last.Satellites = int(m.NumSatellites)
	n.last.HDOP = m.HDOP
	n.last.Altitude = m.Altitude
}
