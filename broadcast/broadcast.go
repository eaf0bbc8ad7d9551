// Package broadcast fans daemon events out to OS-level clients. Delivery is
// fire and forget: a slow subscriber misses events, it never stalls the
// publisher.
package broadcast

import "github.com/cskr/pubsub/v2"

// Capability gates delivery of an event to a client.
type Capability int

const (
	CapabilityStandard Capability = iota
	CapabilityAdmin
)

// Broadcast types. Clients switch on these.
const (
	TypeDeviceFound        = "bluetooth/device/found"
	TypeDeviceDisappeared  = "bluetooth/device/disappeared"
	TypeDeviceName         = "bluetooth/device/name"
	TypeDeviceClass        = "bluetooth/device/class"
	TypeDeviceUUIDs        = "bluetooth/device/uuids"
	TypeDeviceConnected    = "bluetooth/connect"
	TypeDeviceDisconnected = "bluetooth/disconnect"
	TypeAdapterName        = "bluetooth/adapter/name"
	TypeScanMode           = "bluetooth/adapter/scan_mode"
	TypeAdapterState       = "bluetooth/adapter/state"
	TypeDiscoveryStarted   = "bluetooth/discovery/started"
	TypeDiscoveryComplete  = "bluetooth/discovery/completed"
	TypeBondState          = "bluetooth/bond"
	TypePairingRequest     = "bluetooth/pairing"
	TypeNetworkDisconnect  = "bluetooth/network/disconnect"
)

// Event is one broadcast. The capability tag is transport metadata and is
// not serialized to clients.
type Event struct {
	Type       string      `json:"type"`
	Payload    interface{} `json:"payload,omitempty"`
	Capability Capability  `json:"-"`
}

const busCapacity = 10

// topicAll receives every event regardless of type.
const topicAll = "*"

// Bus is the broadcast hub.
type Bus struct {
	ps *pubsub.PubSub[string, Event]
}

func NewBus() *Bus {
	return &Bus{ps: pubsub.New[string, Event](busCapacity)}
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.ps.TryPub(event, event.Type, topicAll)
}

// Subscribe returns a channel receiving every published event.
func (b *Bus) Subscribe() chan Event {
	return b.ps.Sub(topicAll)
}

// SubscribeType returns a channel receiving only events of the given types.
func (b *Bus) SubscribeType(types ...string) chan Event {
	return b.ps.Sub(types...)
}

// Unsubscribe detaches a channel obtained from Subscribe or SubscribeType.
func (b *Bus) Unsubscribe(ch chan Event) {
	go b.ps.Unsub(ch)
}

// Shutdown closes the bus and every subscriber channel.
func (b *Bus) Shutdown() {
	b.ps.Shutdown()
}
