package bluetooth

import (
	"sort"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// DeviceRegistry mirrors the daemon's view of the adapter and its remote
// devices as string properties, keyed the way the daemon reports them.
// The service loop is the only writer. Property maps are replaced, never
// mutated in place, so concurrent readers always see a consistent snapshot.
type DeviceRegistry struct {
	aliases    *xsync.MapOf[string, string]
	devices    *xsync.MapOf[string, map[string]string]
	adapter    *xsync.MapOf[string, string]
	priorities *xsync.MapOf[string, Priority]
}

func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		aliases:    xsync.NewMapOf[string, string](),
		devices:    xsync.NewMapOf[string, map[string]string](),
		adapter:    xsync.NewMapOf[string, string](),
		priorities: xsync.NewMapOf[string, Priority](),
	}
}

// AddressFromPath extracts the device address encoded in a daemon device
// object path. Returns "" when the path does not name a device.
func AddressFromPath(path string) string {
	i := strings.LastIndex(path, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(path[i+len("/dev_"):], "_", ":"))
}

// RegisterPath records the path to address alias and returns the address.
func (r *DeviceRegistry) RegisterPath(path string) string {
	address := AddressFromPath(path)
	if address == "" {
		return ""
	}
	r.aliases.Store(path, address)
	return address
}

// Address resolves a device object path to its address.
func (r *DeviceRegistry) Address(path string) string {
	if address, ok := r.aliases.Load(path); ok {
		return address
	}
	return AddressFromPath(path)
}

// DropPath removes the path alias and returns the address it resolved to.
func (r *DeviceRegistry) DropPath(path string) string {
	address := r.Address(path)
	r.aliases.Delete(path)
	return address
}

// SeedDevice stores an initial property set for a device, replacing any
// existing mirror.
func (r *DeviceRegistry) SeedDevice(address string, properties map[string]string) {
	props := make(map[string]string, len(properties))
	for name, value := range properties {
		props[name] = value
	}
	r.devices.Store(address, props)
}

// SetDeviceProperty updates a single property in the device mirror.
func (r *DeviceRegistry) SetDeviceProperty(address, name, value string) {
	r.devices.Compute(address, func(old map[string]string, _ bool) (map[string]string, bool) {
		props := make(map[string]string, len(old)+1)
		for k, v := range old {
			props[k] = v
		}
		props[name] = value
		return props, false
	})
}

// RemoveDeviceProperty drops a property from the device mirror. Array
// properties that become empty are removed rather than stored empty.
func (r *DeviceRegistry) RemoveDeviceProperty(address, name string) {
	r.devices.Compute(address, func(old map[string]string, loaded bool) (map[string]string, bool) {
		if !loaded {
			return nil, true
		}
		props := make(map[string]string, len(old))
		for k, v := range old {
			if k != name {
				props[k] = v
			}
		}
		return props, false
	})
}

// DeviceProperty reads one mirrored device property.
func (r *DeviceRegistry) DeviceProperty(address, name string) (string, bool) {
	props, ok := r.devices.Load(address)
	if !ok {
		return "", false
	}
	value, ok := props[name]
	return value, ok
}

// DeviceProperties returns the current property snapshot for a device.
// The returned map must not be modified.
func (r *DeviceRegistry) DeviceProperties(address string) (map[string]string, bool) {
	return r.devices.Load(address)
}

// Known reports whether the registry holds a mirror for the device.
func (r *DeviceRegistry) Known(address string) bool {
	_, ok := r.devices.Load(address)
	return ok
}

// RemoveDevice drops the device mirror and its priority entry.
func (r *DeviceRegistry) RemoveDevice(address string) {
	r.devices.Delete(address)
	r.priorities.Delete(address)
}

// Addresses returns the mirrored device addresses in stable order.
func (r *DeviceRegistry) Addresses() []string {
	var addresses []string
	r.devices.Range(func(address string, _ map[string]string) bool {
		addresses = append(addresses, address)
		return true
	})
	sort.Strings(addresses)
	return addresses
}

// RemoteName returns the mirrored device name, falling back to "".
func (r *DeviceRegistry) RemoteName(address string) string {
	name, _ := r.DeviceProperty(address, "Name")
	return name
}

// RemoteClass returns the mirrored device class.
func (r *DeviceRegistry) RemoteClass(address string) (uint32, bool) {
	value, ok := r.DeviceProperty(address, "Class")
	if !ok {
		return 0, false
	}
	class, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(class), true
}

// ConnectedFlag returns the mirrored connection state.
func (r *DeviceRegistry) ConnectedFlag(address string) bool {
	value, _ := r.DeviceProperty(address, "Connected")
	return value == "true"
}

// RemoteUUIDs returns the mirrored advertised service identifiers.
func (r *DeviceRegistry) RemoteUUIDs(address string) []string {
	value, ok := r.DeviceProperty(address, "UUIDs")
	if !ok || value == "" {
		return nil
	}
	return strings.Split(value, ",")
}

// SetAdapterProperty updates one mirrored adapter property.
func (r *DeviceRegistry) SetAdapterProperty(name, value string) {
	r.adapter.Store(name, value)
}

// RemoveAdapterProperty drops one mirrored adapter property.
func (r *DeviceRegistry) RemoveAdapterProperty(name string) {
	r.adapter.Delete(name)
}

// AdapterProperty reads one mirrored adapter property.
func (r *DeviceRegistry) AdapterProperty(name string) (string, bool) {
	return r.adapter.Load(name)
}

// Priority returns the audio sink priority for a device. Devices default
// to PriorityOn until told otherwise.
func (r *DeviceRegistry) Priority(address string) Priority {
	if p, ok := r.priorities.Load(address); ok {
		return p
	}
	return PriorityOn
}

// SetPriority records the audio sink priority for a device.
func (r *DeviceRegistry) SetPriority(address string, p Priority) error {
	if !ValidPriority(p) {
		return ErrInvalidPriority
	}
	r.priorities.Store(address, p)
	return nil
}
