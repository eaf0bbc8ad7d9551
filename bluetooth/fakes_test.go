package bluetooth

import (
	"sync"
	"testing"
	"time"

	"github.com/usenocturne/bondd/broadcast"
)

// One device used across tests: a headset-class accessory and the object
// path the daemon would report it under.
const (
	testAddress = "00:11:22:33:44:55"
	testPath    = "/org/bluez/hci0/dev_00_11_22_33_44_55"
)

type pinAnswer struct {
	Token string
	Pin   string
}

type propertyWrite struct {
	Name  string
	Value interface{}
}

// fakeCommander records every command issued to it. The error fields make
// the corresponding command fail.
type fakeCommander struct {
	mu         sync.Mutex
	bonds      []string
	pins       []pinAnswer
	cancels    []string
	properties []propertyWrite
	discovery  int
	powers     []bool

	bondErr  error
	pinErr   error
	powerErr error
}

func (c *fakeCommander) CreateBond(address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bonds = append(c.bonds, address)
	return c.bondErr
}

func (c *fakeCommander) SetPin(token, pin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins = append(c.pins, pinAnswer{Token: token, Pin: pin})
	return c.pinErr
}

func (c *fakeCommander) CancelPin(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, token)
	return nil
}

func (c *fakeCommander) SetProperty(name string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.properties = append(c.properties, propertyWrite{Name: name, Value: value})
	return nil
}

func (c *fakeCommander) CancelDiscovery() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovery++
	return nil
}

func (c *fakeCommander) SetPower(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powers = append(c.powers, enable)
	return c.powerErr
}

func (c *fakeCommander) bondCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bonds...)
}

func (c *fakeCommander) pinCalls() []pinAnswer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pinAnswer(nil), c.pins...)
}

func (c *fakeCommander) cancelCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancels...)
}

func (c *fakeCommander) propertyCalls() []propertyWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]propertyWrite(nil), c.properties...)
}

func (c *fakeCommander) discoveryCancels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovery
}

func (c *fakeCommander) powerCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.powers...)
}

// captureBus records published broadcasts for inspection.
type captureBus struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (b *captureBus) Publish(event broadcast.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *captureBus) all() []broadcast.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast.Event(nil), b.events...)
}

func (b *captureBus) ofType(eventType string) []broadcast.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcast.Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type scheduledTask struct {
	Task  Task
	Delay time.Duration
}

// fakeScheduler records scheduling requests instead of arming timers.
// Tests deliver recorded tasks by hand when they want them to fire.
type fakeScheduler struct {
	mu     sync.Mutex
	reject bool
	calls  []scheduledTask
}

func (s *fakeScheduler) Schedule(task Task, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.calls = append(s.calls, scheduledTask{Task: task, Delay: delay})
	return true
}

func (s *fakeScheduler) scheduled() []scheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledTask(nil), s.calls...)
}

// fakePower is a stand-in power machine that records reports and serves a
// fixed state.
type fakePower struct {
	mu      sync.Mutex
	state   PowerState
	reports []bool
}

func (p *fakePower) PowerState() PowerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePower) PoweredChanged(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, on)
}

func (p *fakePower) reported() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.reports...)
}

// negotiatorFixture bundles a negotiator with the fakes behind it.
type negotiatorFixture struct {
	bonds    *BondStateStore
	registry *DeviceRegistry
	cmd      *fakeCommander
	sched    *fakeScheduler
	bus      *captureBus
	power    PowerState
}

func newNegotiatorFixture(policy AutoPairPolicy) (*PairingNegotiator, *negotiatorFixture) {
	f := &negotiatorFixture{
		registry: NewDeviceRegistry(),
		cmd:      &fakeCommander{},
		sched:    &fakeScheduler{},
		bus:      &captureBus{},
		power:    PowerOn,
	}
	f.bonds = NewBondStateStore(policy, f.registry)

	n := newPairingNegotiator(negotiatorOptions{
		Bonds:     f.bonds,
		Registry:  f.registry,
		Commander: f.cmd,
		Scheduler: f.sched,
		Broadcast: f.bus,
		Power:     func() PowerState { return f.power },
		InitDelay: 3 * time.Second,
		MaxDelay:  12 * time.Second,
	})
	return n, f
}

// seedHeadset mirrors a discovered audio accessory under testAddress.
func (f *negotiatorFixture) seedHeadset() {
	f.registry.RegisterPath(testPath)
	f.registry.SeedDevice(testAddress, map[string]string{
		"Name":  "MDR-XB450",
		"Class": "1028",
	})
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
