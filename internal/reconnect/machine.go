// Package reconnect keeps the OBD link attached to the last known target,
// reacting to radio-on and peer-disconnect signals instead of retrying on a
// timer.
package reconnect

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/cardash/internal/latest"
	"github.com/shaunagostinho/cardash/internal/obd"
)

// State is the machine's position in the connection lifecycle.
type State int

const (
	Idle         State = iota // no target
	Connecting                // attempt in flight
	Connected
	Disconnected              // target retained, waiting for a signal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	ErrNoTarget        = errors.New("reconnect: no target")
	ErrAttemptInFlight = errors.New("reconnect: connection attempt already in flight")
)

// DefaultAttemptTimeout bounds a single connect attempt.
const DefaultAttemptTimeout = 30 * time.Second

// Link is the part of obd.Link the machine drives.
type Link interface {
	Connect(ctx context.Context, target string) error
	Disconnect() error
	Status() obd.ConnectionStatus
}

// Machine tracks the connection target and runs at most one connect attempt
// at a time. Hooks run on the attempt goroutine, outside the machine's lock.
type Machine struct {
	link    Link
	store   TargetStore
	timeout time.Duration

	// OnConnected is called after every successful attempt.
	OnConnected func(target string)
	// OnDisconnected is called when a connected peer drops.
	OnDisconnected func(target string)

	mu         sync.Mutex
	target     string
	attempting bool
	cancel     context.CancelFunc
	gen        uint64 // bumped by Stop so late attempt results are discarded
	state      *latest.Value[State]
	attempts   sync.WaitGroup
}

// New creates an Idle machine. store may be nil.
func New(link Link, store TargetStore) *Machine {
	return &Machine{
		link:    link,
		store:   store,
		timeout: DefaultAttemptTimeout,
		state:   latest.NewWith(Idle),
	}
}

// SetAttemptTimeout overrides DefaultAttemptTimeout.
func (m *Machine) SetAttemptTimeout(d time.Duration) {
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
}

// Restore seeds the machine from the stored target without connecting. A
// later radio-on signal resumes the link.
func (m *Machine) Restore() {
	if m.store == nil {
		return
	}
	target, err := m.store.Load()
	if err != nil {
		log.Printf("[reconnect] load target: %v", err)
		return
	}
	if target == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == "" && !m.attempting {
		m.target = target
		m.state.Set(Disconnected)
	}
}

// Start sets target as the connection target and begins an attempt. It
// returns ErrAttemptInFlight if an attempt is already running, and is a
// no-op when already connected to target.
func (m *Machine) Start(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrNoTarget
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempting {
		return ErrAttemptInFlight
	}
	if m.state.Load() == Connected && strings.EqualFold(m.target, target) {
		return nil
	}
	m.target = target
	m.launch("start")
	return nil
}

// Stop clears the target, abandons any attempt in flight and returns to
// Idle. No automatic attempts follow until the next Start.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.target = ""
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.attempting = false
	m.state.Set(Idle)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Clear(); err != nil {
			log.Printf("[reconnect] clear target: %v", err)
		}
	}
	log.Println("[reconnect] stopped, target cleared")
}

// RadioEnabled handles the Bluetooth radio turning on.
func (m *Machine) RadioEnabled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == "" || m.attempting {
		return
	}
	if m.link.Status() == obd.Connected {
		return
	}
	m.launch("radio enabled")
}

// PeerDisconnected handles a transport-level disconnect of addr. Only the
// current target counts.
func (m *Machine) PeerDisconnected(addr string) {
	m.mu.Lock()
	if m.target == "" || !strings.EqualFold(addr, m.target) || m.attempting {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state.Load() == Connected
	target, gen := m.target, m.gen
	m.state.Set(Disconnected)
	log.Printf("[reconnect] %s disconnected", target)
	m.mu.Unlock()

	if wasConnected && m.OnDisconnected != nil {
		m.OnDisconnected(target)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.attempting || m.state.Load() != Disconnected {
		return
	}
	m.launch("peer disconnected")
}

// State returns the current state.
func (m *Machine) State() State { return m.state.Load() }

// States streams state changes, current state first.
func (m *Machine) States(ctx context.Context) <-chan State { return m.state.Subscribe(ctx) }

// Target returns the retained target, or "" when Idle.
func (m *Machine) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// launch starts one attempt. Caller holds m.mu.
func (m *Machine) launch(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	m.attempting = true
	m.cancel = cancel
	m.state.Set(Connecting)
	log.Printf("[reconnect] connecting to %s (%s)", m.target, reason)

	m.attempts.Add(1)
	go m.attempt(ctx, cancel, m.gen, m.target)
}

func (m *Machine) attempt(ctx context.Context, cancel context.CancelFunc, gen uint64, target string) {
	defer m.attempts.Done()
	err := m.link.Connect(ctx, target)
	cancel()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		if err == nil {
			m.link.Disconnect()
		}
		return
	}
	m.attempting = false
	m.cancel = nil
	if err != nil {
		m.state.Set(Disconnected)
		m.mu.Unlock()
		log.Printf("[reconnect] connect to %s failed: %v", target, err)
		return
	}
	m.state.Set(Connected)
	if m.store != nil {
		if err := m.store.Save(target); err != nil {
			log.Printf("[reconnect] save target: %v", err)
		}
	}
	m.mu.Unlock()

	log.Printf("[reconnect] connected to %s", target)
	if m.OnConnected != nil {
		m.OnConnected(target)
	}
}
