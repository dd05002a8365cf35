// Package engine runs the telemetry acquisition loop: tiered OBD polling over
// a single half-duplex link, fusion with GPS and inertial data, and the
// adaptive persistence policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/cardash/internal/fusion"
	"github.com/shaunagostinho/cardash/internal/latest"
	"github.com/shaunagostinho/cardash/internal/obd"
)

const (
	gateBackoff   = 1 * time.Second
	faultPause    = 1 * time.Second
	minCycleDelay = 50 * time.Millisecond
)

// Link is the part of obd.Link the scheduler needs.
type Link interface {
	SendCommand(ctx context.Context, cmd string) (string, error)
	Status() obd.ConnectionStatus
}

// Sensors is the fusion snapshot source. Reads never block.
type Sensors interface {
	Start()
	Stop()
	Location() (fusion.Location, bool)
	Acceleration() [3]float64
}

// Settings supplies the loop timing and persistence thresholds. It is read
// every cycle so changes apply without a restart; range clamping is the
// holder's job.
type Settings interface {
	PollPeriod() time.Duration
	StorageInterval() time.Duration
	Policy() PersistencePolicy
}

// pollState is the loop's private running state. Only the loop goroutine
// touches it.
type pollState struct {
	tripID        string
	values        map[obd.Parameter]Reading
	cycle         uint64
	engineRunning bool
	lastWrite     time.Time
}

func newPollState(tripID string) *pollState {
	return &pollState{tripID: tripID, values: make(map[obd.Parameter]Reading)}
}

// Scheduler drives the poll loop. Construct with New and share the pointer.
type Scheduler struct {
	link     Link
	sensors  Sensors
	sink     Sink
	settings Settings

	samples *latest.Value[FusedSample]
	polling *latest.Value[bool]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now       func() time.Time
	newTripID func() string
	sleep     func(ctx context.Context, d time.Duration) bool
}

// New creates a stopped Scheduler. sink may be nil, in which case samples
// are only published to live subscribers.
func New(link Link, sensors Sensors, sink Sink, settings Settings) *Scheduler {
	return &Scheduler{
		link:      link,
		sensors:   sensors,
		sink:      sink,
		settings:  settings,
		samples:   latest.New[FusedSample](),
		polling:   latest.NewWith(false),
		now:       time.Now,
		newTripID: uuid.NewString,
		sleep:     sleepCtx,
	}
}

// Start begins polling. It is a no-op when already running. Each start
// begins a new trip with a fresh cycle counter and cache.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := newPollState(s.newTripID())
	s.cancel = cancel
	s.done = make(chan struct{})

	if s.sensors != nil {
		s.sensors.Start()
	}
	go s.run(ctx, st, s.done)
	log.Printf("[engine] polling started (trip %s)", st.tripID)
}

// Stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	if s.sensors != nil {
		s.sensors.Stop()
	}
	s.polling.Set(false)
	log.Println("[engine] polling stopped")
}

// Running reports whether the loop has been started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// IsPolling reports whether the loop is started and the link gate is open.
func (s *Scheduler) IsPolling() bool { return s.polling.Load() }

// PollingChanges streams the polling flag, current value first.
func (s *Scheduler) PollingChanges(ctx context.Context) <-chan bool {
	return s.polling.Subscribe(ctx)
}

// Latest returns the most recent sample, if any cycle has completed.
func (s *Scheduler) Latest() (FusedSample, bool) { return s.samples.Get() }

// Samples streams every published sample to the caller; a new subscriber
// receives the most recent one first. A slow reader skips to the newest.
func (s *Scheduler) Samples(ctx context.Context) <-chan FusedSample {
	return s.samples.Subscribe(ctx)
}

func (s *Scheduler) run(ctx context.Context, st *pollState, done chan struct{}) {
	defer close(done)
	for ctx.Err() == nil {
		if s.link.Status() != obd.Connected {
			s.setPolling(false)
			if !s.sleep(ctx, gateBackoff) {
				return
			}
			continue
		}
		s.setPolling(true)

		start := time.Now()
		if err := s.runCycle(ctx, st); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[engine] cycle %d failed: %v", st.cycle, err)
			if !s.sleep(ctx, faultPause) {
				return
			}
			continue
		}

		delay := s.settings.PollPeriod() - time.Since(start)
		if delay < minCycleDelay {
			delay = minCycleDelay
		}
		if !s.sleep(ctx, delay) {
			return
		}
	}
}

func (s *Scheduler) setPolling(v bool) {
	if s.polling.Load() != v {
		s.polling.Set(v)
	}
}

// runCycle polls one cycle's parameters, publishes the sample and applies
// the persistence policy. A panic anywhere in the body becomes an error.
// A failed write is logged and retried on a later cycle; it is not a fault.
func (s *Scheduler) runCycle(ctx context.Context, st *pollState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	c := st.cycle
	prevRPM := st.values[obd.RPM].Value
	prevSpeed := st.values[obd.VehicleSpeed].Value

	s.poll(ctx, st, obd.RPM)
	s.poll(ctx, st, obd.EngineLoad)
	s.poll(ctx, st, obd.ThrottlePosition)
	st.engineRunning = st.values[obd.EngineLoad].Value > 0

	if st.engineRunning || c%5 == 0 {
		s.poll(ctx, st, obd.VehicleSpeed)
	}
	if c%5 == 0 {
		s.poll(ctx, st, obd.CoolantTemp)
		s.poll(ctx, st, obd.FuelPressure)
		s.poll(ctx, st, obd.BatteryVoltage)
	}
	if c%10 == 0 {
		s.poll(ctx, st, obd.IntakeAirTemp)
	}
	if c%20 == 0 {
		s.poll(ctx, st, obd.BaroPressure)
		s.poll(ctx, st, obd.FuelLevel)
	}

	// A stop during the polls leaves the cache half-filled with cancelled
	// results; don't publish it.
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now()
	sample := s.assemble(st, c, now)
	s.samples.Set(sample)
	st.cycle++

	if s.sink == nil {
		return nil
	}
	persist := s.settings.Policy().ShouldPersist(PersistInput{
		SinceLastWrite: now.Sub(st.lastWrite),
		Interval:       s.settings.StorageInterval(),
		EngineRunning:  st.engineRunning,
		PrevRPM:        prevRPM,
		RPM:            st.values[obd.RPM].Value,
		PrevSpeed:      prevSpeed,
		Speed:          st.values[obd.VehicleSpeed].Value,
	})
	if !persist {
		return nil
	}
	if err := s.sink.Insert(sample); err != nil {
		log.Printf("[engine] persist sample %d: %v", c, err)
		return nil
	}
	st.lastWrite = now
	return nil
}

// poll sends one command and waits for its answer before returning, so the
// link never sees two requests in flight. Failures reset RPM and load to
// zero and leave every other parameter at its last value.
func (s *Scheduler) poll(ctx context.Context, st *pollState, p obd.Parameter) {
	raw, err := s.link.SendCommand(ctx, obd.MustCommand(p))
	var v float64
	if err == nil {
		v, err = obd.Decode(p, raw)
	}
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, obd.ErrNoData) {
			log.Printf("[engine] poll %s: %v", p, err)
		}
		if p == obd.RPM || p == obd.EngineLoad {
			st.values[p] = Some(0)
		}
		return
	}
	st.values[p] = Some(v)
}

func (s *Scheduler) assemble(st *pollState, cycle uint64, now time.Time) FusedSample {
	sample := FusedSample{
		Timestamp:        now,
		TripID:           st.tripID,
		Cycle:            cycle,
		RPM:              st.values[obd.RPM],
		SpeedOBD:         st.values[obd.VehicleSpeed],
		EngineLoad:       st.values[obd.EngineLoad],
		CoolantTemp:      st.values[obd.CoolantTemp],
		FuelLevel:        st.values[obd.FuelLevel],
		IntakeAirTemp:    st.values[obd.IntakeAirTemp],
		ThrottlePosition: st.values[obd.ThrottlePosition],
		FuelPressure:     st.values[obd.FuelPressure],
		BaroPressure:     st.values[obd.BaroPressure],
		BatteryVoltage:   st.values[obd.BatteryVoltage],
	}
	if s.sensors == nil {
		return sample
	}
	if loc, ok := s.sensors.Location(); ok {
		sample.Latitude = Some(loc.Latitude)
		sample.Longitude = Some(loc.Longitude)
		sample.SpeedGPS = Some(loc.SpeedKmh)
	}
	a := s.sensors.Acceleration()
	sample.AccelX, sample.AccelY, sample.AccelZ = a[0], a[1], a[2]
	return sample
}

// sleepCtx waits for d or until ctx is cancelled. It returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
