package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/godbus/dbus/v5"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/xid"
	"github.com/vishvananda/netlink"

	"github.com/usenocturne/bondd/broadcast"
)

// ManagerOptions configures the daemon transport.
type ManagerOptions struct {
	// Adapter prefers a specific adapter by name, for example "hci0".
	// Empty selects the first adapter the daemon reports.
	Adapter string
	// AuthTimeout bounds how long an agent question may wait for an
	// answer before it is rejected.
	AuthTimeout time.Duration
}

const defaultAuthTimeout = 10 * time.Second

type agentReply struct {
	pin    string
	accept bool
}

// Manager connects the service to the native daemon over the system bus.
// Signals and agent callbacks become loop events; commands become method
// calls. Answers to agent questions are parked here under opaque tokens
// until a command resolves them.
type Manager struct {
	conn        *dbus.Conn
	adapter     dbus.ObjectPath
	service     *Service
	agent       *Agent
	replies     *xsync.MapOf[string, chan agentReply]
	authTimeout time.Duration
}

func NewManager(service *Service, opts ManagerOptions) (*Manager, error) {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "start-systembus"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot initialize system DBus"),
		)
	}
	log.Println("Connected to system bus")

	adapter, err := findAdapter(conn, opts.Adapter)
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "find-adapter"),
			ftag.With(ftag.NotFound),
			fmsg.With("Cannot find a usable bluetooth adapter"),
		)
	}
	log.Printf("Found adapter: %s", adapter)

	manager := &Manager{
		conn:        conn,
		adapter:     adapter,
		service:     service,
		replies:     xsync.NewMapOf[string, chan agentReply](),
		authTimeout: opts.AuthTimeout,
	}

	agent, err := NewAgent(conn, manager)
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "agent-initialize"),
			ftag.With(ftag.Internal),
			fmsg.With("Error while initializing the pairing agent"),
		)
	}
	manager.agent = agent

	if err := manager.watchSignals(); err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(), "error_at", "watch-signals"),
			ftag.With(ftag.Internal),
			fmsg.With("Cannot subscribe to daemon signals"),
		)
	}
	manager.monitorNetworkInterfaces()

	return manager, nil
}

func findAdapter(conn *dbus.Conn, preferred string) (dbus.ObjectPath, error) {
	var owner string
	obj := conn.Object("org.freedesktop.DBus", "/org/freedesktop/DBus")
	if err := obj.Call("org.freedesktop.DBus.GetNameOwner", 0, BLUEZ_BUS_NAME).Store(&owner); err != nil {
		return "", fmt.Errorf("failed to get bluez owner: %v", err)
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj = conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_OBJECT_MANAGER+".GetManagedObjects", 0).Store(&objects); err != nil {
		return "", fmt.Errorf("failed to get managed objects: %v", err)
	}

	var fallback dbus.ObjectPath
	for path, interfaces := range objects {
		if _, ok := interfaces[BLUEZ_ADAPTER_INTERFACE]; !ok {
			continue
		}
		if preferred != "" && strings.HasSuffix(string(path), "/"+preferred) {
			return path, nil
		}
		if fallback == "" {
			fallback = path
		}
	}

	if preferred != "" {
		return "", fmt.Errorf("adapter %q not found", preferred)
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no bluetooth adapter found")
}

func (m *Manager) watchSignals() error {
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchInterface(DBUS_PROPERTIES_INTERFACE),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(dbus.ObjectPath(BLUEZ_OBJECT_PATH)),
	); err != nil {
		return err
	}
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchSender(BLUEZ_BUS_NAME),
		dbus.WithMatchInterface(DBUS_OBJECT_MANAGER),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return err
	}
	if err := m.conn.AddMatchSignal(
		dbus.WithMatchSender(BLUEZ_BUS_NAME),
		dbus.WithMatchInterface(DBUS_OBJECT_MANAGER),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, 32)
	m.conn.Signal(signals)

	go func() {
		for signal := range signals {
			m.handleSignal(signal)
		}
	}()
	return nil
}

func (m *Manager) handleSignal(signal *dbus.Signal) {
	switch signal.Name {
	case DBUS_SIGNAL_PROPERTIES:
		if len(signal.Body) < 2 {
			return
		}
		iface, ok := signal.Body[0].(string)
		if !ok {
			return
		}
		changes, ok := signal.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		m.handlePropertiesChanged(signal.Path, iface, changes)

	case DBUS_SIGNAL_INTERFACES_ADDED:
		if len(signal.Body) < 2 {
			return
		}
		path, ok := signal.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		interfaces, ok := signal.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := interfaces[BLUEZ_DEVICE_INTERFACE]; ok {
			m.service.EnqueueEvent(DeviceCreatedEvent{Path: string(path)})
			m.service.EnqueueEvent(DeviceFoundEvent{
				Address:    AddressFromPath(string(path)),
				Properties: variantPropertyMap(props),
			})
		}

	case DBUS_SIGNAL_INTERFACES_GONE:
		if len(signal.Body) < 2 {
			return
		}
		path, ok := signal.Body[0].(dbus.ObjectPath)
		if !ok {
			return
		}
		names, ok := signal.Body[1].([]string)
		if !ok {
			return
		}
		for _, name := range names {
			if name == BLUEZ_DEVICE_INTERFACE {
				m.service.EnqueueEvent(DeviceRemovedEvent{Path: string(path)})
				return
			}
		}
	}
}

func (m *Manager) handlePropertiesChanged(path dbus.ObjectPath, iface string, changes map[string]dbus.Variant) {
	switch iface {
	case BLUEZ_ADAPTER_INTERFACE:
		for name, variant := range changes {
			m.service.EnqueueEvent(AdapterPropertyEvent{Name: name, Values: variantStrings(variant)})
		}
	case BLUEZ_DEVICE_INTERFACE:
		for name, variant := range changes {
			m.service.EnqueueEvent(DevicePropertyEvent{
				Path:   string(path),
				Name:   name,
				Values: variantStrings(variant),
			})
		}
	}
}

// Announce replays the daemon's current state through the event pipeline:
// adapter properties first, then the device objects it already knows. The
// visibility flags and discovery state are seeded straight into the mirror
// so the first real change can derive a scan mode. Power is handshaked
// last: an already powered adapter is acknowledged through the event path,
// an unpowered one is told to power up and acknowledged when the change
// signal arrives.
func (m *Manager) Announce() error {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := m.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_OBJECT_MANAGER+".GetManagedObjects", 0).Store(&objects); err != nil {
		return fmt.Errorf("failed to get managed objects: %v", err)
	}

	if adapterProps, ok := objects[m.adapter][BLUEZ_ADAPTER_INTERFACE]; ok {
		for name, variant := range adapterProps {
			values := variantStrings(variant)
			switch name {
			case "Pairable", "Discoverable", "Discovering":
				if len(values) == 1 {
					m.service.registry.SetAdapterProperty(name, values[0])
				}
			case "Powered":
				// handshaked below
			default:
				m.service.EnqueueEvent(AdapterPropertyEvent{Name: name, Values: values})
			}
		}

		if powered, ok := adapterProps["Powered"]; ok && powered.Value() == true {
			m.service.EnqueueEvent(AdapterPropertyEvent{Name: "Powered", Values: []string{"true"}})
		} else if err := m.SetPower(true); err != nil {
			return fmt.Errorf("failed to power adapter: %v", err)
		}
	}

	for path, interfaces := range objects {
		props, ok := interfaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		m.service.EnqueueEvent(DeviceCreatedEvent{Path: string(path)})
		m.service.EnqueueEvent(DeviceFoundEvent{
			Address:    AddressFromPath(string(path)),
			Properties: variantPropertyMap(props),
		})
	}
	return nil
}

// CreateBond asks the daemon to pair with the device. The call returns
// immediately; the outcome comes back as a BondResultEvent.
func (m *Manager) CreateBond(address string) error {
	devicePath := formatDevicePath(m.adapter, address)
	obj := m.conn.Object(BLUEZ_BUS_NAME, devicePath)

	call := obj.Go(BLUEZ_DEVICE_INTERFACE+".Pair", 0, make(chan *dbus.Call, 1))
	if call.Err != nil {
		return call.Err
	}

	go func() {
		result := <-call.Done
		m.service.EnqueueEvent(BondResultEvent{
			Address: address,
			Status:  bondStatusFromError(result.Err),
		})
	}()
	return nil
}

// SetPin resolves a parked agent question with an answer.
func (m *Manager) SetPin(token, pin string) error {
	ch, ok := m.replies.LoadAndDelete(token)
	if !ok {
		return ErrRequestResolved
	}
	ch <- agentReply{pin: pin, accept: true}
	return nil
}

// CancelPin resolves a parked agent question with a rejection.
func (m *Manager) CancelPin(token string) error {
	ch, ok := m.replies.LoadAndDelete(token)
	if !ok {
		return ErrRequestResolved
	}
	ch <- agentReply{}
	return nil
}

// SetProperty writes an adapter property.
func (m *Manager) SetProperty(name string, value interface{}) error {
	obj := m.conn.Object(BLUEZ_BUS_NAME, m.adapter)
	return obj.Call("org.freedesktop.DBus.Properties.Set", 0,
		BLUEZ_ADAPTER_INTERFACE, name, dbus.MakeVariant(value)).Err
}

// CancelDiscovery stops the daemon's device inquiry.
func (m *Manager) CancelDiscovery() error {
	obj := m.conn.Object(BLUEZ_BUS_NAME, m.adapter)
	return obj.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Err
}

// SetPower flips the adapter's Powered property.
func (m *Manager) SetPower(enable bool) error {
	return m.SetProperty("Powered", enable)
}

// RemoveDevice drops the daemon's device object, unbonding it.
func (m *Manager) RemoveDevice(address string) error {
	devicePath := formatDevicePath(m.adapter, address)
	obj := m.conn.Object(BLUEZ_BUS_NAME, m.adapter)
	return obj.Call(BLUEZ_ADAPTER_INTERFACE+".RemoveDevice", 0, devicePath).Err
}

// Close rejects parked questions, unregisters the agent and drops the bus
// connection.
func (m *Manager) Close() error {
	m.failParkedRequests()
	obj := m.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(BLUEZ_OBJECT_PATH))
	if err := obj.Call(BLUEZ_AGENT_MANAGER+".UnregisterAgent", 0, dbus.ObjectPath(BLUEZ_AGENT_PATH)).Err; err != nil {
		log.Printf("Failed to unregister agent: %v", err)
	}
	return m.conn.Close()
}

// parkRequest registers a reply slot for an agent question and returns the
// token commands use to resolve it.
func (m *Manager) parkRequest() (string, chan agentReply) {
	token := xid.New().String()
	ch := make(chan agentReply, 1)
	m.replies.Store(token, ch)
	return token, ch
}

// awaitReply blocks an agent callback until its answer or the deadline.
func (m *Manager) awaitReply(token string, ch chan agentReply) (agentReply, bool) {
	timer := time.NewTimer(m.authTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, true
	case <-timer.C:
		m.replies.Delete(token)
		return agentReply{}, false
	}
}

// failParkedRequests rejects every question still waiting on an answer.
func (m *Manager) failParkedRequests() {
	m.replies.Range(func(token string, _ chan agentReply) bool {
		if ch, ok := m.replies.LoadAndDelete(token); ok {
			ch <- agentReply{}
		}
		return true
	})
}

func (m *Manager) monitorNetworkInterfaces() {
	linkUpdates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(linkUpdates, done); err != nil {
		log.Printf("Failed to subscribe to link updates: %v", err)
		return
	}

	go func() {
		for update := range linkUpdates {
			if update.Header.Type == syscall.RTM_DELLINK && update.Link.Attrs().Name == "bnep0" {
				log.Println("bnep0 interface removed")
				m.service.bus.Publish(broadcast.Event{
					Type:    broadcast.TypeNetworkDisconnect,
					Payload: broadcast.NetworkPayload{Interface: "bnep0"},
				})
			}
		}
	}()
}

func formatDevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	formattedAddress := strings.ReplaceAll(address, ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapter, formattedAddress))
}

// bondStatusFromError maps daemon pairing errors onto bond statuses. An
// existing bond counts as success; anything unrecognized is terminal.
func bondStatusFromError(err error) BondStatus {
	if err == nil {
		return BondSuccess
	}

	var dbusErr dbus.Error
	if !errors.As(err, &dbusErr) {
		return BondAuthCanceled
	}

	switch dbusErr.Name {
	case "org.bluez.Error.AlreadyExists":
		return BondSuccess
	case "org.bluez.Error.AuthenticationFailed":
		return BondAuthFailed
	case "org.bluez.Error.AuthenticationRejected":
		return BondAuthRejected
	case "org.bluez.Error.AuthenticationCanceled":
		return BondAuthCanceled
	case "org.bluez.Error.AuthenticationTimeout":
		return BondAuthTimeout
	case "org.bluez.Error.ConnectionAttemptFailed":
		return BondRemoteDeviceDown
	case "org.bluez.Error.InProgress":
		return BondInProgress
	default:
		return BondAuthCanceled
	}
}

// variantStrings renders a property value the way handlers consume it:
// scalars become a single string, arrays one string per element.
func variantStrings(v dbus.Variant) []string {
	switch value := v.Value().(type) {
	case string:
		return []string{value}
	case bool:
		return []string{strconv.FormatBool(value)}
	case uint32:
		return []string{strconv.FormatUint(uint64(value), 10)}
	case uint16:
		return []string{strconv.FormatUint(uint64(value), 10)}
	case uint8:
		return []string{strconv.FormatUint(uint64(value), 10)}
	case int16:
		return []string{strconv.FormatInt(int64(value), 10)}
	case int32:
		return []string{strconv.FormatInt(int64(value), 10)}
	case []string:
		out := make([]string, len(value))
		copy(out, value)
		return out
	case []dbus.ObjectPath:
		out := make([]string, len(value))
		for i, p := range value {
			out[i] = string(p)
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", value)}
	}
}

func variantPropertyMap(props map[string]dbus.Variant) map[string]string {
	out := make(map[string]string, len(props))
	for name, variant := range props {
		values := variantStrings(variant)
		if len(values) == 0 {
			continue
		}
		out[name] = strings.Join(values, ",")
	}
	return out
}
