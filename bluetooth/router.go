package bluetooth

import (
	"log"
	"strconv"
	"strings"

	"github.com/usenocturne/bondd/broadcast"
)

// powerController is the router's view of the service power machine.
type powerController interface {
	PowerState() PowerState
	PoweredChanged(on bool)
}

// EventRouter dispatches loop events to their handlers. Routing is total:
// malformed or unknown events are logged and dropped, never propagated as
// errors.
type EventRouter struct {
	registry   *DeviceRegistry
	bonds      *BondStateStore
	negotiator *PairingNegotiator
	cmd        Commander
	bus        Broadcaster
	power      powerController
}

func newEventRouter(registry *DeviceRegistry, bonds *BondStateStore, negotiator *PairingNegotiator, cmd Commander, bus Broadcaster, power powerController) *EventRouter {
	return &EventRouter{
		registry:   registry,
		bonds:      bonds,
		negotiator: negotiator,
		cmd:        cmd,
		bus:        bus,
		power:      power,
	}
}

// Route dispatches one event. Called from the service loop only.
func (r *EventRouter) Route(event Event) {
	switch e := event.(type) {
	case DeviceFoundEvent:
		r.handleDeviceFound(e)
	case DeviceDisappearedEvent:
		r.handleDeviceDisappeared(e.Address)
	case DeviceCreatedEvent:
		r.handleDeviceCreated(e.Path)
	case DeviceRemovedEvent:
		r.handleDeviceRemoved(e.Path)
	case AdapterPropertyEvent:
		r.handleAdapterProperty(e)
	case DevicePropertyEvent:
		r.handleDeviceProperty(e)
	case BondResultEvent:
		r.negotiator.HandleBondResult(e.Address, e.Status)
	case PairingRequestEvent:
		r.negotiator.HandlePairingRequest(e)
	case AuthorizeEvent:
		r.negotiator.HandleAuthorize(e)
	case AgentCancelEvent:
		r.negotiator.HandleAgentCancel()
	default:
		log.Printf("[router] dropping unroutable event %T", event)
	}
}

func (r *EventRouter) handleDeviceFound(e DeviceFoundEvent) {
	if e.Address == "" {
		log.Println("[router] dropping device sighting without address")
		return
	}
	r.registry.SeedDevice(e.Address, e.Properties)

	// A sighting is only announced once both class and signal strength are
	// known; partial sightings stay in the cache until a later one fills
	// the gaps.
	classValue, hasClass := r.registry.DeviceProperty(e.Address, "Class")
	rssiValue, hasRSSI := r.registry.DeviceProperty(e.Address, "RSSI")
	if !hasClass || !hasRSSI {
		log.Printf("[router] sighting of %s lacks class or rssi, not announced", e.Address)
		return
	}

	payload := broadcast.DeviceFoundPayload{Address: e.Address}
	payload.Name, _ = r.registry.DeviceProperty(e.Address, "Name")
	if class, err := strconv.ParseUint(classValue, 10, 32); err == nil {
		payload.Class = uint32(class)
	}
	if rssi, err := strconv.ParseInt(rssiValue, 10, 16); err == nil {
		payload.RSSI = int16(rssi)
	}
	r.bus.Publish(broadcast.Event{Type: broadcast.TypeDeviceFound, Payload: payload})
}

func (r *EventRouter) handleDeviceDisappeared(address string) {
	if address == "" {
		log.Println("[router] dropping disappearance without address")
		return
	}
	r.registry.RemoveDevice(address)
	r.bus.Publish(broadcast.Event{
		Type:    broadcast.TypeDeviceDisappeared,
		Payload: broadcast.DevicePayload{Address: address},
	})
}

func (r *EventRouter) handleDeviceCreated(path string) {
	if address := r.registry.RegisterPath(path); address == "" {
		log.Printf("[router] dropping creation of unparseable path %s", path)
	}
}

// handleDeviceRemoved drops the device. An unbonded device that simply aged
// out of the discovery cache is reported as a disappearance; anything else
// supersedes whatever bond conversation was in flight.
func (r *EventRouter) handleDeviceRemoved(path string) {
	address := r.registry.DropPath(path)
	if address == "" {
		log.Printf("[router] dropping removal of unparseable path %s", path)
		return
	}

	if r.bonds.BondState(address) == BondNone && !r.bonds.IsAutoPairingAttemptsInProgress(address) {
		r.handleDeviceDisappeared(address)
		return
	}

	r.bonds.SetBondState(address, BondNone, BondRemoved)
	r.bus.Publish(broadcast.Event{
		Type: broadcast.TypeBondState,
		Payload: broadcast.BondStatePayload{
			Address: address,
			State:   BondNone.String(),
			Reason:  BondRemoved.String(),
		},
	})
	r.bonds.Forget(address)
	r.registry.RemoveDevice(address)
	log.Printf("[router] device removed: %s", address)
}

func (r *EventRouter) handleAdapterProperty(e AdapterPropertyEvent) {
	if e.Name != "Devices" && len(e.Values) == 0 {
		log.Printf("[router] dropping adapter property %s without value", e.Name)
		return
	}

	switch e.Name {
	case "Name":
		r.registry.SetAdapterProperty("Name", e.Values[0])
		r.bus.Publish(broadcast.Event{
			Type:    broadcast.TypeAdapterName,
			Payload: broadcast.AdapterNamePayload{Name: e.Values[0]},
		})

	case "Pairable", "Discoverable":
		r.registry.SetAdapterProperty(e.Name, e.Values[0])
		pairable, discoverable := e.Values[0], e.Values[0]
		var known bool
		if e.Name == "Pairable" {
			discoverable, known = r.registry.AdapterProperty("Discoverable")
		} else {
			pairable, known = r.registry.AdapterProperty("Pairable")
		}
		if !known {
			// No scan mode can be derived until both flags have been seen.
			return
		}
		if mode, ok := scanModeOf(pairable == "true", discoverable == "true"); ok {
			r.bus.Publish(broadcast.Event{
				Type:    broadcast.TypeScanMode,
				Payload: broadcast.ScanModePayload{Mode: mode.String()},
			})
		}

	case "Discovering":
		r.registry.SetAdapterProperty("Discovering", e.Values[0])
		if e.Values[0] == "true" {
			r.bus.Publish(broadcast.Event{Type: broadcast.TypeDiscoveryStarted})
			return
		}
		// The daemon keeps periodic inquiry alive unless told otherwise.
		if err := r.cmd.CancelDiscovery(); err != nil {
			log.Printf("[router] cancel discovery: %v", err)
		}
		r.bus.Publish(broadcast.Event{Type: broadcast.TypeDiscoveryComplete})

	case "Devices":
		if len(e.Values) == 0 {
			r.registry.RemoveAdapterProperty("Devices")
			return
		}
		r.registry.SetAdapterProperty("Devices", strings.Join(e.Values, ","))

	case "Powered":
		r.power.PoweredChanged(e.Values[0] == "true")

	default:
		log.Printf("[router] ignoring adapter property %s", e.Name)
	}
}

func (r *EventRouter) handleDeviceProperty(e DevicePropertyEvent) {
	address := r.registry.Address(e.Path)
	if address == "" {
		log.Printf("[router] dropping property of unparseable path %s", e.Path)
		return
	}

	if e.Name != "UUIDs" && len(e.Values) == 0 {
		log.Printf("[router] dropping device property %s without value", e.Name)
		return
	}

	switch e.Name {
	case "Name":
		r.registry.SetDeviceProperty(address, "Name", e.Values[0])
		r.bus.Publish(broadcast.Event{
			Type:    broadcast.TypeDeviceName,
			Payload: broadcast.DeviceNamePayload{Address: address, Name: e.Values[0]},
		})

	case "Class":
		class, err := strconv.ParseUint(e.Values[0], 10, 32)
		if err != nil {
			log.Printf("[router] dropping malformed class %q for %s", e.Values[0], address)
			return
		}
		r.registry.SetDeviceProperty(address, "Class", e.Values[0])
		r.bus.Publish(broadcast.Event{
			Type:    broadcast.TypeDeviceClass,
			Payload: broadcast.DeviceClassPayload{Address: address, Class: uint32(class)},
		})

	case "Connected":
		connected := e.Values[0] == "true"
		r.registry.SetDeviceProperty(address, "Connected", e.Values[0])
		eventType := broadcast.TypeDeviceDisconnected
		if connected {
			eventType = broadcast.TypeDeviceConnected
		}
		r.bus.Publish(broadcast.Event{
			Type:    eventType,
			Payload: broadcast.DevicePayload{Address: address},
		})

	case "UUIDs":
		if len(e.Values) == 0 {
			r.registry.RemoveDeviceProperty(address, "UUIDs")
		} else {
			r.registry.SetDeviceProperty(address, "UUIDs", strings.Join(e.Values, ","))
		}
		r.bus.Publish(broadcast.Event{
			Type:    broadcast.TypeDeviceUUIDs,
			Payload: broadcast.DeviceUUIDsPayload{Address: address, UUIDs: e.Values},
		})

	case "Paired":
		// The daemon's view of the bond wins; a remote side can bond us
		// without a local CreateBond ever running.
		r.registry.SetDeviceProperty(address, "Paired", e.Values[0])
		paired := e.Values[0] == "true"
		state := r.bonds.BondState(address)
		if paired && state != BondBonded {
			r.negotiator.HandleBondResult(address, BondSuccess)
		} else if !paired && state == BondBonded {
			r.bonds.SetBondState(address, BondNone, BondRemoved)
			r.bus.Publish(broadcast.Event{
				Type: broadcast.TypeBondState,
				Payload: broadcast.BondStatePayload{
					Address: address,
					State:   BondNone.String(),
					Reason:  BondRemoved.String(),
				},
			})
		}

	default:
		if len(e.Values) == 1 {
			// Keep snapshots fresh for properties nothing reacts to.
			r.registry.SetDeviceProperty(address, e.Name, e.Values[0])
		}
	}
}

// scanModeOf derives the client-facing scan mode from the daemon's pairable
// and discoverable flags. Discoverable without pairable maps to no mode at
// all; ok is false and nothing should be announced for it.
func scanModeOf(pairable, discoverable bool) (mode ScanMode, ok bool) {
	switch {
	case pairable && discoverable:
		return ScanConnectableDiscoverable, true
	case pairable:
		return ScanConnectable, true
	case discoverable:
		return ScanNone, false
	default:
		return ScanNone, true
	}
}
