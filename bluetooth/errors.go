package bluetooth

import "errors"

var (
	// ErrNotRunning is returned when a command is issued before Start or
	// after Stop.
	ErrNotRunning = errors.New("bluetooth service is not running")

	// ErrNotPowered is returned when a command needs a powered adapter.
	ErrNotPowered = errors.New("adapter is not powered")

	// ErrBondExists is returned by CreateBond when the device is already
	// bonded or a bond attempt is in progress.
	ErrBondExists = errors.New("device is already bonded or bonding")

	// ErrUnknownDevice is returned when no record of the device exists.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrNoPendingRequest is returned by SetPin and CancelPin when the
	// device has no pairing request waiting for an answer.
	ErrNoPendingRequest = errors.New("no pending pairing request")

	// ErrRequestResolved is returned when a pairing reply arrives after
	// the daemon side request was already answered or timed out.
	ErrRequestResolved = errors.New("pairing request already resolved")

	// ErrInvalidPriority is returned for priority values outside the
	// known levels.
	ErrInvalidPriority = errors.New("invalid priority level")

	// ErrQueueFull reports that the inbound event queue rejected an event.
	ErrQueueFull = errors.New("event queue is full")
)
