package bluetooth

const (
	BLUEZ_BUS_NAME               = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE      = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE       = "org.bluez.Device1"
	BLUEZ_AGENT_INTERFACE        = "org.bluez.Agent1"
	BLUEZ_AGENT_MANAGER          = "org.bluez.AgentManager1"
	BLUEZ_OBJECT_PATH            = "/org/bluez"
	BLUEZ_AGENT_PATH             = "/org/bluez/bondd_agent"
	BLUEZ_AGENT_CAPABILITY       = "KeyboardDisplay"
	DBUS_PROPERTIES_INTERFACE    = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER          = "org.freedesktop.DBus.ObjectManager"
	DBUS_INTROSPECTABLE          = "org.freedesktop.DBus.Introspectable"
	DBUS_SIGNAL_PROPERTIES       = "org.freedesktop.DBus.Properties.PropertiesChanged"
	DBUS_SIGNAL_INTERFACES_ADDED = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	DBUS_SIGNAL_INTERFACES_GONE  = "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"
)

// BondState is the bonding lifecycle state of a remote device.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (s BondState) String() string {
	switch s {
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return "none"
	}
}

// BondStatus is the terminal status of a bond attempt. BondSuccess aside,
// the values describe why the attempt ended without a bond.
type BondStatus int

const (
	BondSuccess          BondStatus = 0
	BondAuthFailed       BondStatus = 1
	BondAuthRejected     BondStatus = 2
	BondAuthCanceled     BondStatus = 3
	BondRemoteDeviceDown BondStatus = 4
	BondInProgress       BondStatus = 5
	BondAuthTimeout      BondStatus = 6
	BondRepeatedAttempts BondStatus = 7
	BondRemoved          BondStatus = 9
)

func (s BondStatus) String() string {
	switch s {
	case BondSuccess:
		return "success"
	case BondAuthFailed:
		return "auth-failed"
	case BondAuthRejected:
		return "auth-rejected"
	case BondAuthCanceled:
		return "auth-canceled"
	case BondRemoteDeviceDown:
		return "remote-device-down"
	case BondInProgress:
		return "in-progress"
	case BondAuthTimeout:
		return "auth-timeout"
	case BondRepeatedAttempts:
		return "repeated-attempts"
	case BondRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// PowerState is the logical power lifecycle of the local adapter as this
// daemon tracks it. It deliberately lags the Powered adapter property: the
// property flips as bluetoothd acts, the state flips as we acknowledge it.
type PowerState int32

const (
	PowerOff PowerState = iota
	PowerTurningOn
	PowerOn
	PowerTurningOff
)

func (s PowerState) String() string {
	switch s {
	case PowerTurningOn:
		return "turning-on"
	case PowerOn:
		return "on"
	case PowerTurningOff:
		return "turning-off"
	default:
		return "off"
	}
}

// ScanMode mirrors the adapter's Pairable/Discoverable flags as a single
// visibility mode.
type ScanMode int

const (
	ScanNone ScanMode = iota
	ScanConnectable
	ScanConnectableDiscoverable
)

func (m ScanMode) String() string {
	switch m {
	case ScanConnectable:
		return "connectable"
	case ScanConnectableDiscoverable:
		return "connectable-discoverable"
	default:
		return "none"
	}
}

// Priority is the audio sink priority of a remote device. Devices at
// PriorityOff are never authorized for incoming audio profile connections.
type Priority int

const (
	PriorityOff         Priority = 0
	PriorityOn          Priority = 100
	PriorityAutoConnect Priority = 1000
)

func ValidPriority(p Priority) bool {
	switch p {
	case PriorityOff, PriorityOn, PriorityAutoConnect:
		return true
	}
	return false
}
