package bluetooth

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/usenocturne/bondd/broadcast"
)

// Commander issues commands to the native daemon. CreateBond is
// asynchronous: its outcome arrives later as a BondResultEvent.
type Commander interface {
	CreateBond(address string) error
	SetPin(token, pin string) error
	CancelPin(token string) error
	SetProperty(name string, value interface{}) error
	CancelDiscovery() error
	SetPower(enable bool) error
}

// Broadcaster publishes events to OS-level clients.
type Broadcaster interface {
	Publish(event broadcast.Event)
}

// Options tunes the service.
type Options struct {
	EventQueueSize int
	TaskCapacity   int
	RetryInitDelay time.Duration
	RetryMaxDelay  time.Duration
	AutoPair       AutoPairPolicy
}

const (
	DefaultEventQueueSize = 64
	DefaultTaskCapacity   = 16
)

// Service owns the single execution context all event handlers run on.
// Events and delayed tasks are consumed by one goroutine; commands may be
// issued from any goroutine and only touch concurrent-safe state.
type Service struct {
	registry *DeviceRegistry
	bonds    *BondStateStore
	bus      Broadcaster

	events chan Event
	opts   Options

	mu         sync.Mutex
	running    bool
	quit       chan struct{}
	done       chan struct{}
	cmd        Commander
	sched      *timerScheduler
	negotiator *PairingNegotiator
	router     *EventRouter

	powerState     *atomic.Int32
	restartPending *atomic.Bool
	recovering     *atomic.Bool
	dropped        *atomic.Int64
}

func NewService(opts Options, bus Broadcaster) *Service {
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}
	if opts.TaskCapacity <= 0 {
		opts.TaskCapacity = DefaultTaskCapacity
	}

	registry := NewDeviceRegistry()
	return &Service{
		registry:       registry,
		bonds:          NewBondStateStore(opts.AutoPair, registry),
		bus:            bus,
		events:         make(chan Event, opts.EventQueueSize),
		opts:           opts,
		powerState:     atomic.NewInt32(int32(PowerOff)),
		restartPending: atomic.NewBool(false),
		recovering:     atomic.NewBool(false),
		dropped:        atomic.NewInt64(0),
	}
}

// Start attaches the command transport and starts the event loop. Starting
// a running service is a no-op. The service reads as turning-on until the
// transport reports the adapter powered; establishing power is the
// transport's job during its announce phase.
func (s *Service) Start(cmd Commander) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.cmd = cmd
	s.sched = newTimerScheduler(s.opts.TaskCapacity)
	s.negotiator = newPairingNegotiator(negotiatorOptions{
		Bonds:     s.bonds,
		Registry:  s.registry,
		Commander: cmd,
		Scheduler: s.sched,
		Broadcast: s.bus,
		Power:     s.PowerState,
		InitDelay: s.opts.RetryInitDelay,
		MaxDelay:  s.opts.RetryMaxDelay,
	})
	s.router = newEventRouter(s.registry, s.bonds, s.negotiator, cmd, s.bus, s)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.restartPending.Store(false)
	s.recovering.Store(false)
	s.running = true

	go s.loop(s.quit, s.done, s.router, s.sched.Tasks())

	s.setPowerState(PowerTurningOn)
	return nil
}

// Stop cancels pending pairing questions and halts the loop. Stopping a
// stopped service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	quit, done := s.quit, s.done
	negotiator, sched := s.negotiator, s.sched
	s.mu.Unlock()

	s.setPowerState(PowerTurningOff)
	negotiator.CancelPendingRequests()
	sched.close()
	close(quit)
	<-done
	s.setPowerState(PowerOff)
}

func (s *Service) loop(quit, done chan struct{}, router *EventRouter, tasks <-chan Task) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case event := <-s.events:
			router.Route(event)
		case task := <-tasks:
			s.runTask(task)
		}
	}
}

// EnqueueEvent hands an event to the loop without blocking. Events that do
// not fit are dropped with a warning; producers are never stalled.
func (s *Service) EnqueueEvent(event Event) bool {
	select {
	case s.events <- event:
		return true
	default:
		s.dropped.Inc()
		log.Printf("[service] event queue full, dropping %T", event)
		return false
	}
}

func (s *Service) runTask(task Task) {
	switch task.Kind {
	case TaskRetryPairing:
		if !s.bonds.IsAutoPairingAttemptsInProgress(task.Address) {
			log.Printf("[service] skipping stale retry for %s", task.Address)
			return
		}
		if err := s.createBond(task.Address); err != nil {
			log.Printf("[service] retry bond %s: %v", task.Address, err)
		}
	case TaskRestartRecovery:
		s.restartPending.Store(false)
		if err := s.Restart(); err != nil {
			log.Printf("[service] restart recovery: %v", err)
		}
	default:
		log.Printf("[service] dropping unknown task %s", task.Kind)
	}
}

// PowerState returns the logical adapter power state.
func (s *Service) PowerState() PowerState {
	return PowerState(s.powerState.Load())
}

func (s *Service) setPowerState(state PowerState) {
	old := PowerState(s.powerState.Swap(int32(state)))
	if old == state {
		return
	}
	log.Printf("[service] power state %s -> %s", old, state)
	s.bus.Publish(broadcast.Event{
		Type:    broadcast.TypeAdapterState,
		Payload: broadcast.AdapterStatePayload{State: state.String()},
	})
}

// PoweredChanged reacts to the daemon-side Powered flag. A powered report
// while the stack is already considered on means the native daemon
// restarted underneath us and needs a recovery cycle. The logical state is
// otherwise driven only by Stop and Restart; an unsolicited unpowered
// report is noted, not acted on.
func (s *Service) PoweredChanged(on bool) {
	state := s.PowerState()

	if on {
		switch state {
		case PowerTurningOn:
			s.setPowerState(PowerOn)
		case PowerOn:
			s.scheduleRestartRecovery()
		default:
			log.Printf("[service] ignoring powered report while %s", state)
		}
		return
	}

	switch state {
	case PowerTurningOff:
		s.setPowerState(PowerOff)
		if s.recovering.CompareAndSwap(true, false) {
			cmd, err := s.commander()
			if err != nil {
				return
			}
			s.setPowerState(PowerTurningOn)
			if err := cmd.SetPower(true); err != nil {
				log.Printf("[service] power on after recovery: %v", err)
			}
		}
	case PowerOn:
		log.Println("[service] daemon reports the adapter unpowered")
	default:
		log.Printf("[service] ignoring unpowered report while %s", state)
	}
}

// scheduleRestartRecovery hands the recovery to the task queue so it runs
// on the loop after the event that detected the restart. restartPending
// dedupes repeated powered reports until the task has run.
func (s *Service) scheduleRestartRecovery() {
	if !s.restartPending.CompareAndSwap(false, true) {
		return
	}
	sched, err := s.scheduler()
	if err != nil {
		s.restartPending.Store(false)
		return
	}
	if !sched.Schedule(Task{Kind: TaskRestartRecovery}, 0) {
		s.restartPending.Store(false)
		log.Println("[service] cannot schedule restart recovery")
		return
	}
	log.Println("[service] daemon restart detected, recovering")
}

// Restart power-cycles the adapter so the daemon's state can be rebuilt.
func (s *Service) Restart() error {
	cmd, err := s.commander()
	if err != nil {
		return err
	}
	if s.PowerState() != PowerOn {
		return ErrNotPowered
	}

	s.recovering.Store(true)
	s.setPowerState(PowerTurningOff)
	if n, err := s.currentNegotiator(); err == nil {
		n.CancelPendingRequests()
	}
	return cmd.SetPower(false)
}

// CreateBond starts bonding with the device. While automatic pairing
// attempts are in flight the existing-bond check is bypassed so scheduled
// retries can re-enter.
func (s *Service) CreateBond(address string) error {
	if _, err := s.commander(); err != nil {
		return err
	}
	if s.PowerState() != PowerOn {
		return ErrNotPowered
	}
	return s.createBond(address)
}

func (s *Service) createBond(address string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cmd, negotiator := s.cmd, s.negotiator
	s.mu.Unlock()

	if !s.bonds.IsAutoPairingAttemptsInProgress(address) &&
		s.bonds.BondState(address) != BondNone {
		return ErrBondExists
	}

	prev := s.bonds.BondState(address)
	s.bonds.SetBondState(address, BondBonding, BondSuccess)
	if prev != BondBonding {
		negotiator.publishBondState(address, BondBonding, BondSuccess)
	}
	if err := cmd.CreateBond(address); err != nil {
		negotiator.abandon(address, BondAuthCanceled)
		return fmt.Errorf("create bond: %w", err)
	}
	return nil
}

// SetPin answers the device's pending pairing question.
func (s *Service) SetPin(address, pin string) error {
	n, err := s.currentNegotiator()
	if err != nil {
		return err
	}
	return n.SetPin(address, pin)
}

// CancelPin rejects the device's pending pairing question.
func (s *Service) CancelPin(address string) error {
	n, err := s.currentNegotiator()
	if err != nil {
		return err
	}
	return n.CancelPin(address)
}

// SetPriority records the audio sink priority consulted by incoming
// authorization decisions.
func (s *Service) SetPriority(address string, p Priority) error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	if !s.registry.Known(address) {
		return ErrUnknownDevice
	}
	return s.registry.SetPriority(address, p)
}

// SetAdapterProperty forwards a property write to the daemon. The mirror
// updates when the daemon announces the change back.
func (s *Service) SetAdapterProperty(name string, value interface{}) error {
	cmd, err := s.commander()
	if err != nil {
		return err
	}
	return cmd.SetProperty(name, value)
}

// SetDiscoverable flips the adapter's visibility flags together.
func (s *Service) SetDiscoverable(enable bool) error {
	if err := s.SetAdapterProperty("Discoverable", enable); err != nil {
		return err
	}
	return s.SetAdapterProperty("Pairable", enable)
}

// CancelDiscovery stops the daemon's device inquiry.
func (s *Service) CancelDiscovery() error {
	cmd, err := s.commander()
	if err != nil {
		return err
	}
	return cmd.CancelDiscovery()
}

func (s *Service) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) commander() (Commander, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	return s.cmd, nil
}

func (s *Service) currentNegotiator() (*PairingNegotiator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	return s.negotiator, nil
}

func (s *Service) scheduler() (*timerScheduler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	return s.sched, nil
}
