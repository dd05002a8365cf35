// Package collector wires the OBD link, the reconnection machine and the
// poll scheduler into the data collection service the rest of the process
// talks to.
package collector

import (
	"context"
	"log"
	"strings"

	"github.com/shaunagostinho/cardash/internal/engine"
	"github.com/shaunagostinho/cardash/internal/obd"
	"github.com/shaunagostinho/cardash/internal/reconnect"
)

// Status is a point-in-time view of the service.
type Status struct {
	Link    obd.ConnectionStatus `json:"link"`
	State   reconnect.State      `json:"state"`
	Target  string               `json:"target,omitempty"`
	Polling bool                 `json:"polling"`
	TripID  string               `json:"tripId,omitempty"`
	Cycle   uint64               `json:"cycle"`
}

// Service owns the connection lifecycle. Build one at startup and pass it
// to whatever needs it.
type Service struct {
	link      obd.Link
	machine   *reconnect.Machine
	scheduler *engine.Scheduler
	lookup    obd.CodeLookup
}

// New wires the machine's hooks to the scheduler. lookup resolves trouble
// codes; nil uses obd.DefaultCatalog.
func New(link obd.Link, machine *reconnect.Machine, scheduler *engine.Scheduler, lookup obd.CodeLookup) *Service {
	if lookup == nil {
		lookup = obd.DefaultCatalog()
	}
	s := &Service{link: link, machine: machine, scheduler: scheduler, lookup: lookup}
	machine.OnConnected = s.onConnected
	machine.OnDisconnected = s.onDisconnected
	return s
}

func (s *Service) onConnected(target string) {
	s.scheduler.Start()
}

func (s *Service) onDisconnected(target string) {
	// The scheduler keeps its trip and waits on the link gate until the
	// machine brings the peer back.
	log.Printf("[collector] lost %s, polling paused", target)
}

// Resume picks up the last known target from the previous run and tries it
// once. Further attempts follow radio and peer signals.
func (s *Service) Resume() {
	s.machine.Restore()
	if target := s.machine.Target(); target != "" {
		log.Printf("[collector] resuming last target %s", target)
		s.machine.RadioEnabled()
	}
}

// Connect starts a connection to addr. An existing connection to a
// different peer is torn down first.
func (s *Service) Connect(addr string) error {
	if cur := s.machine.Target(); cur != "" && !strings.EqualFold(cur, addr) && s.machine.State() == reconnect.Connected {
		s.Disconnect()
	}
	return s.machine.Start(addr)
}

// Disconnect stops polling, clears the target and closes the link.
func (s *Service) Disconnect() {
	s.scheduler.Stop()
	s.machine.Stop()
	if err := s.link.Disconnect(); err != nil {
		log.Printf("[collector] disconnect: %v", err)
	}
}

// RadioEnabled forwards the Bluetooth radio-on signal.
func (s *Service) RadioEnabled() { s.machine.RadioEnabled() }

// DeviceDisconnected forwards a transport-level peer disconnect.
func (s *Service) DeviceDisconnected(addr string) { s.machine.PeerDisconnected(addr) }

// ScanTroubleCodes reads stored trouble codes. It shares the link with the
// poll loop; the link serialises the two.
func (s *Service) ScanTroubleCodes(ctx context.Context) ([]obd.TroubleCode, error) {
	if s.link.Status() != obd.Connected {
		return nil, obd.ErrNotConnected
	}
	return s.link.ScanTroubleCodes(ctx, s.lookup)
}

// Status reports the current link, machine and polling state.
func (s *Service) Status() Status {
	st := Status{
		Link:    s.link.Status(),
		State:   s.machine.State(),
		Target:  s.machine.Target(),
		Polling: s.scheduler.IsPolling(),
	}
	if smp, ok := s.scheduler.Latest(); ok {
		st.TripID = smp.TripID
		st.Cycle = smp.Cycle
	}
	return st
}

// Scheduler exposes the sample stream to the HTTP layer.
func (s *Service) Scheduler() *engine.Scheduler { return s.scheduler }

// Shutdown stops polling and closes the link but keeps the stored target so
// the next run can resume it.
func (s *Service) Shutdown() {
	s.scheduler.Stop()
	if err := s.link.Disconnect(); err != nil {
		log.Printf("[collector] disconnect: %v", err)
	}
}
