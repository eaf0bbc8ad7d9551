package bluetooth

// Event is a single input to the service loop. Events are produced by the
// D-Bus transport (signals, agent callbacks, command results) and consumed
// by exactly one goroutine; no two handlers ever run concurrently.
type Event interface{ event() }

// DeviceFoundEvent reports a remote device sighting together with the
// property set the daemon announced for it.
type DeviceFoundEvent struct {
	Address    string
	Properties map[string]string
}

// DeviceDisappearedEvent reports that an unbonded device dropped out of the
// discovery cache.
type DeviceDisappearedEvent struct {
	Address string
}

// DeviceCreatedEvent reports a new device object on the daemon side.
type DeviceCreatedEvent struct {
	Path string
}

// DeviceRemovedEvent reports that the daemon dropped a device object.
type DeviceRemovedEvent struct {
	Path string
}

// AdapterPropertyEvent carries one changed adapter property. Array valued
// properties arrive with one entry per element.
type AdapterPropertyEvent struct {
	Name   string
	Values []string
}

// DevicePropertyEvent carries one changed device property.
type DevicePropertyEvent struct {
	Path   string
	Name   string
	Values []string
}

// BondResultEvent is the terminal outcome of an earlier CreateBond command.
type BondResultEvent struct {
	Address string
	Status  BondStatus
}

// PairingKind distinguishes the agent callbacks that need a user (or
// negotiator) supplied answer.
type PairingKind int

const (
	// PairingPin is a legacy pincode request.
	PairingPin PairingKind = iota + 1
	// PairingConfirmation is a numeric comparison request.
	PairingConfirmation
)

// PairingRequestEvent reports that the agent is holding a pairing question
// for a device. The token resolves the parked daemon callback exactly once,
// either through a pin/confirm command or through cancellation.
type PairingRequestEvent struct {
	Path    string
	Token   string
	Kind    PairingKind
	Passkey string
}

// AuthorizeEvent asks whether an incoming service connection from a device
// may proceed. The decision must be sent on Reply; the transport side
// guards it with a timeout.
type AuthorizeEvent struct {
	Path  string
	UUID  string
	Reply chan<- bool
}

// AgentCancelEvent reports that the daemon withdrew its outstanding agent
// request.
type AgentCancelEvent struct{}

func (DeviceFoundEvent) event()       {}
func (DeviceDisappearedEvent) event() {}
func (DeviceCreatedEvent) event()     {}
func (DeviceRemovedEvent) event()     {}
func (AdapterPropertyEvent) event()   {}
func (DevicePropertyEvent) event()    {}
func (BondResultEvent) event()        {}
func (PairingRequestEvent) event()    {}
func (AuthorizeEvent) event()         {}
func (AgentCancelEvent) event()       {}

// TaskKind enumerates the delayed work the service knows how to run. The
// set is closed: the scheduler carries no callbacks, only descriptions.
type TaskKind int

const (
	// TaskRetryPairing re-issues CreateBond for a device that is in the
	// middle of automatic pairing attempts.
	TaskRetryPairing TaskKind = iota + 1
	// TaskRestartRecovery power-cycles the adapter after the native
	// daemon restarted underneath us.
	TaskRestartRecovery
)

func (k TaskKind) String() string {
	switch k {
	case TaskRetryPairing:
		return "retry-pairing"
	case TaskRestartRecovery:
		return "restart-recovery"
	default:
		return "unknown"
	}
}

// Task is one unit of delayed work.
type Task struct {
	Kind    TaskKind
	Address string
}
