package bluetooth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/usenocturne/bondd/broadcast"
)

func startService(t *testing.T, opts Options) (*Service, *fakeCommander, *captureBus) {
	t.Helper()
	bus := &captureBus{}
	cmd := &fakeCommander{}
	s := NewService(opts, bus)
	if err := s.Start(cmd); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, cmd, bus
}

// powerOn walks the service through the announce handshake.
func powerOn(t *testing.T, s *Service) {
	t.Helper()
	if !s.EnqueueEvent(AdapterPropertyEvent{Name: "Powered", Values: []string{"true"}}) {
		t.Fatal("enqueue powered report")
	}
	waitFor(t, "adapter power on", func() bool { return s.PowerState() == PowerOn })
}

func adapterStates(bus *captureBus) string {
	var states []string
	for _, e := range bus.ofType(broadcast.TypeAdapterState) {
		states = append(states, e.Payload.(broadcast.AdapterStatePayload).State)
	}
	return strings.Join(states, ",")
}

func equalBools(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStartStopLifecycle(t *testing.T) {
	bus := &captureBus{}
	cmd := &fakeCommander{}
	s := NewService(Options{}, bus)

	if err := s.Start(cmd); err != nil {
		t.Fatalf("start: %v", err)
	}
	if state := s.PowerState(); state != PowerTurningOn {
		t.Errorf("expected turning-on after start, got %s", state)
	}
	if err := s.Start(cmd); err != nil {
		t.Errorf("second start: %v", err)
	}

	s.Stop()
	if state := s.PowerState(); state != PowerOff {
		t.Errorf("expected off after stop, got %s", state)
	}
	s.Stop()

	if err := s.CreateBond(testAddress); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after stop, got %v", err)
	}
	if got := adapterStates(bus); got != "turning-on,turning-off,off" {
		t.Errorf("unexpected state sequence %q", got)
	}
}

// Start does not touch the adapter power itself; the transport announces
// the powered flag and the service acknowledges it.
func TestPowerHandshakeReachesOn(t *testing.T) {
	s, cmd, bus := startService(t, Options{})

	powerOn(t, s)

	if calls := cmd.powerCalls(); len(calls) != 0 {
		t.Errorf("expected no power writes during handshake, got %v", calls)
	}
	if got := adapterStates(bus); got != "turning-on,on" {
		t.Errorf("unexpected state sequence %q", got)
	}
}

// A powered report while the stack is already on means the native daemon
// restarted. The adapter is power-cycled and the mirror rebuilt from the
// change signals that follow.
func TestDaemonRestartTriggersRecoveryCycle(t *testing.T) {
	s, cmd, bus := startService(t, Options{})
	powerOn(t, s)

	s.EnqueueEvent(AdapterPropertyEvent{Name: "Powered", Values: []string{"true"}})
	waitFor(t, "recovery power down", func() bool {
		return equalBools(cmd.powerCalls(), []bool{false})
	})

	s.EnqueueEvent(AdapterPropertyEvent{Name: "Powered", Values: []string{"false"}})
	waitFor(t, "recovery power up", func() bool {
		return equalBools(cmd.powerCalls(), []bool{false, true})
	})

	s.EnqueueEvent(AdapterPropertyEvent{Name: "Powered", Values: []string{"true"}})
	waitFor(t, "recovery complete", func() bool { return s.PowerState() == PowerOn })

	time.Sleep(50 * time.Millisecond)
	if calls := cmd.powerCalls(); len(calls) != 2 {
		t.Errorf("expected exactly one power cycle, got %v", calls)
	}
	want := "turning-on,on,turning-off,off,turning-on,on"
	if got := adapterStates(bus); got != want {
		t.Errorf("expected state sequence %q, got %q", want, got)
	}
}

func TestRepeatedRestartReportsCollapse(t *testing.T) {
	s, cmd, _ := startService(t, Options{})
	powerOn(t, s)

	for i := 0; i < 3; i++ {
		s.EnqueueEvent(AdapterPropertyEvent{Name: "Powered", Values: []string{"true"}})
	}
	waitFor(t, "recovery power down", func() bool {
		return len(cmd.powerCalls()) == 1
	})

	time.Sleep(100 * time.Millisecond)
	calls := cmd.powerCalls()
	if !equalBools(calls, []bool{false}) {
		t.Errorf("expected a single power down, got %v", calls)
	}
}

func TestCreateBondStartsConversation(t *testing.T) {
	s, cmd, bus := startService(t, Options{})
	powerOn(t, s)

	if err := s.CreateBond(testAddress); err != nil {
		t.Fatalf("create bond: %v", err)
	}

	if calls := cmd.bondCalls(); len(calls) != 1 || calls[0] != testAddress {
		t.Errorf("unexpected bond commands %v", calls)
	}
	if state := s.bonds.BondState(testAddress); state != BondBonding {
		t.Errorf("expected bonding, got %s", state)
	}
	states := bus.ofType(broadcast.TypeBondState)
	if len(states) != 1 {
		t.Fatalf("expected one bond broadcast, got %d", len(states))
	}
	if payload := states[0].Payload.(broadcast.BondStatePayload); payload.State != "bonding" {
		t.Errorf("unexpected bond payload %+v", payload)
	}
}

// After a failed pincode guess the retry task re-enters CreateBond even
// though the device still reads as bonding.
func TestScheduledRetryReentersBond(t *testing.T) {
	s, cmd, _ := startService(t, Options{
		RetryInitDelay: 5 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
	})
	powerOn(t, s)

	if err := s.CreateBond(testAddress); err != nil {
		t.Fatalf("create bond: %v", err)
	}
	s.bonds.Attempt(testAddress)

	s.EnqueueEvent(BondResultEvent{Address: testAddress, Status: BondAuthFailed})

	waitFor(t, "retried bond command", func() bool {
		return len(cmd.bondCalls()) == 2
	})
	if !s.bonds.HasAutoPairingFailed(testAddress) {
		t.Error("expected rejected guess to be remembered")
	}
	if state := s.bonds.BondState(testAddress); state != BondBonding {
		t.Errorf("expected bonding across retry, got %s", state)
	}
}

// A retry whose attempt sequence was cleared in the meantime fires into
// nothing.
func TestStaleRetrySkipped(t *testing.T) {
	s, cmd, _ := startService(t, Options{
		RetryInitDelay: 30 * time.Millisecond,
		RetryMaxDelay:  120 * time.Millisecond,
	})
	powerOn(t, s)

	if err := s.CreateBond(testAddress); err != nil {
		t.Fatalf("create bond: %v", err)
	}
	s.bonds.Attempt(testAddress)
	s.EnqueueEvent(BondResultEvent{Address: testAddress, Status: BondAuthFailed})
	waitFor(t, "retry scheduled", func() bool {
		return s.bonds.AttemptCount(testAddress) == 2
	})

	s.bonds.ClearPinAttempts(testAddress)

	time.Sleep(100 * time.Millisecond)
	if calls := cmd.bondCalls(); len(calls) != 1 {
		t.Errorf("expected stale retry to be skipped, got %v", calls)
	}
}

func TestCreateBondRequiresPoweredAdapter(t *testing.T) {
	s, _, _ := startService(t, Options{})

	if err := s.CreateBond(testAddress); !errors.Is(err, ErrNotPowered) {
		t.Errorf("expected ErrNotPowered, got %v", err)
	}
}

func TestCreateBondRejectsExistingBond(t *testing.T) {
	s, _, _ := startService(t, Options{})
	powerOn(t, s)
	s.bonds.SetBondState(testAddress, BondBonded, BondSuccess)

	if err := s.CreateBond(testAddress); !errors.Is(err, ErrBondExists) {
		t.Errorf("expected ErrBondExists, got %v", err)
	}
}

// A CreateBond the daemon refuses to dispatch is abandoned on the spot.
func TestCreateBondDispatchFailureAbandons(t *testing.T) {
	s, cmd, bus := startService(t, Options{})
	powerOn(t, s)
	cmd.bondErr = errors.New("daemon busy")

	if err := s.CreateBond(testAddress); err == nil {
		t.Fatal("expected dispatch error")
	}

	if state := s.bonds.BondState(testAddress); state != BondNone {
		t.Errorf("expected bond abandoned, got %s", state)
	}
	states := bus.ofType(broadcast.TypeBondState)
	if len(states) != 2 {
		t.Fatalf("expected bonding then none broadcasts, got %d", len(states))
	}
	payload := states[1].Payload.(broadcast.BondStatePayload)
	if payload.State != "none" || payload.Reason != "auth-canceled" {
		t.Errorf("unexpected terminal payload %+v", payload)
	}
}

func TestStopCancelsPendingQuestion(t *testing.T) {
	s, cmd, bus := startService(t, Options{})
	powerOn(t, s)

	s.EnqueueEvent(PairingRequestEvent{Path: testPath, Token: "tok-9", Kind: PairingPin})
	waitFor(t, "question surfaced", func() bool {
		return len(bus.ofType(broadcast.TypePairingRequest)) == 1
	})

	s.Stop()

	if cancels := cmd.cancelCalls(); len(cancels) != 1 || cancels[0] != "tok-9" {
		t.Errorf("expected the question cancelled on stop, got %v", cancels)
	}
}

func TestEventQueueOverflowCounted(t *testing.T) {
	s := NewService(Options{EventQueueSize: 1}, &captureBus{})

	if !s.EnqueueEvent(AgentCancelEvent{}) {
		t.Fatal("first enqueue rejected")
	}
	if s.EnqueueEvent(AgentCancelEvent{}) {
		t.Fatal("expected enqueue past the queue size to be dropped")
	}
	if dropped := s.Adapter().DroppedEvents; dropped != 1 {
		t.Errorf("expected 1 dropped event, got %d", dropped)
	}
}

func TestDeviceSnapshots(t *testing.T) {
	s, _, _ := startService(t, Options{})
	powerOn(t, s)

	s.EnqueueEvent(DeviceFoundEvent{Address: testAddress, Properties: map[string]string{
		"Name":  "MDR-XB450",
		"Class": "1028",
		"RSSI":  "-60",
		"UUIDs": "u1,u2",
	}})
	s.EnqueueEvent(DeviceFoundEvent{Address: "AA:BB:CC:DD:EE:FF", Properties: map[string]string{
		"Name": "Keyboard K380",
	}})
	waitFor(t, "devices mirrored", func() bool {
		return len(s.registry.Addresses()) == 2
	})

	info, err := s.Device(testAddress)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if info.Name != "MDR-XB450" || info.Class != 1028 || info.RSSI != -60 {
		t.Errorf("unexpected snapshot %+v", info)
	}
	if len(info.UUIDs) != 2 {
		t.Errorf("expected two services, got %v", info.UUIDs)
	}
	if info.BondState != "none" || info.Phase != "idle" {
		t.Errorf("unexpected bond fields %+v", info)
	}
	if info.Priority != int(PriorityOn) {
		t.Errorf("expected default priority %d, got %d", PriorityOn, info.Priority)
	}

	if _, err := s.Device("11:11:11:11:11:11"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}

	devices := s.Devices()
	if len(devices) != 2 || devices[0].Address != testAddress || devices[1].Address != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("expected sorted snapshots, got %+v", devices)
	}
}

func TestAdapterSnapshot(t *testing.T) {
	s, _, _ := startService(t, Options{})
	powerOn(t, s)

	s.EnqueueEvent(AdapterPropertyEvent{Name: "Name", Values: []string{"hci0"}})
	s.EnqueueEvent(AdapterPropertyEvent{Name: "Pairable", Values: []string{"true"}})
	s.EnqueueEvent(AdapterPropertyEvent{Name: "Discoverable", Values: []string{"false"}})
	waitFor(t, "adapter mirrored", func() bool {
		_, ok := s.registry.AdapterProperty("Discoverable")
		return ok
	})

	info := s.Adapter()
	if info.Name != "hci0" {
		t.Errorf("expected adapter name hci0, got %q", info.Name)
	}
	if info.State != "on" {
		t.Errorf("expected state on, got %q", info.State)
	}
	if info.ScanMode != "connectable" {
		t.Errorf("expected scan mode connectable, got %q", info.ScanMode)
	}
	if info.Discovering {
		t.Error("expected discovery idle")
	}
}

func TestSetPriorityValidation(t *testing.T) {
	s, _, _ := startService(t, Options{})

	if err := s.SetPriority(testAddress, PriorityOn); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("expected ErrUnknownDevice, got %v", err)
	}

	s.registry.SeedDevice(testAddress, map[string]string{"Name": "MDR-XB450"})
	if err := s.SetPriority(testAddress, Priority(42)); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("expected ErrInvalidPriority, got %v", err)
	}
	if err := s.SetPriority(testAddress, PriorityAutoConnect); err != nil {
		t.Fatalf("set priority: %v", err)
	}

	info, err := s.Device(testAddress)
	if err != nil {
		t.Fatalf("device: %v", err)
	}
	if info.Priority != int(PriorityAutoConnect) {
		t.Errorf("expected priority %d, got %d", PriorityAutoConnect, info.Priority)
	}
}

func TestSetDiscoverableWritesBothFlags(t *testing.T) {
	s, cmd, _ := startService(t, Options{})

	if err := s.SetDiscoverable(true); err != nil {
		t.Fatalf("set discoverable: %v", err)
	}

	writes := cmd.propertyCalls()
	if len(writes) != 2 {
		t.Fatalf("expected two property writes, got %v", writes)
	}
	if writes[0].Name != "Discoverable" || writes[0].Value != true {
		t.Errorf("unexpected first write %+v", writes[0])
	}
	if writes[1].Name != "Pairable" || writes[1].Value != true {
		t.Errorf("unexpected second write %+v", writes[1])
	}
}

func TestRestartRequiresPoweredAdapter(t *testing.T) {
	s, _, _ := startService(t, Options{})

	if err := s.Restart(); !errors.Is(err, ErrNotPowered) {
		t.Errorf("expected ErrNotPowered, got %v", err)
	}
}
