package bluetooth

import (
	"errors"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/usenocturne/bondd/broadcast"
)

// Fixed pincode guessed for simple audio accessories.
const autoPairPin = "0000"

// Backoff for automatic pairing attempts. The delay before attempt n is
// n*initDelay; once that product exceeds maxDelay the device is given up on.
const (
	DefaultRetryInitDelay = 3 * time.Second
	DefaultRetryMaxDelay  = 12 * time.Second
)

// PairingPhase is the observable position of a device in the pairing
// conversation.
type PairingPhase int

const (
	PhaseIdle PairingPhase = iota
	PhaseAutoGuessSent
	PhaseAwaitingUser
	PhaseRetryScheduled
	PhaseDone
)

func (p PairingPhase) String() string {
	switch p {
	case PhaseAutoGuessSent:
		return "auto-guess-sent"
	case PhaseAwaitingUser:
		return "awaiting-user"
	case PhaseRetryScheduled:
		return "retry-scheduled"
	case PhaseDone:
		return "done"
	default:
		return "idle"
	}
}

type pendingRequest struct {
	Token string
	Kind  PairingKind
}

// PairingNegotiator drives bond attempts to a terminal state: it answers
// agent questions, applies the automatic retry policy for audio
// accessories, and reports bond transitions to clients.
type PairingNegotiator struct {
	bonds    *BondStateStore
	registry *DeviceRegistry
	cmd      Commander
	sched    TaskScheduler
	bus      Broadcaster
	power    func() PowerState

	initDelay time.Duration
	maxDelay  time.Duration

	pending *xsync.MapOf[string, pendingRequest]
	phases  *xsync.MapOf[string, PairingPhase]
}

type negotiatorOptions struct {
	Bonds     *BondStateStore
	Registry  *DeviceRegistry
	Commander Commander
	Scheduler TaskScheduler
	Broadcast Broadcaster
	Power     func() PowerState
	InitDelay time.Duration
	MaxDelay  time.Duration
}

func newPairingNegotiator(opts negotiatorOptions) *PairingNegotiator {
	if opts.InitDelay <= 0 {
		opts.InitDelay = DefaultRetryInitDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultRetryMaxDelay
	}
	return &PairingNegotiator{
		bonds:     opts.Bonds,
		registry:  opts.Registry,
		cmd:       opts.Commander,
		sched:     opts.Scheduler,
		bus:       opts.Broadcast,
		power:     opts.Power,
		initDelay: opts.InitDelay,
		maxDelay:  opts.MaxDelay,
		pending:   xsync.NewMapOf[string, pendingRequest](),
		phases:    xsync.NewMapOf[string, PairingPhase](),
	}
}

// HandleBondResult applies the terminal outcome of a bond attempt.
func (n *PairingNegotiator) HandleBondResult(address string, status BondStatus) {
	switch {
	case status == BondSuccess:
		if n.bonds.IsAutoPairingAttemptsInProgress(address) {
			n.bonds.ClearPinAttempts(address)
		}
		n.bonds.SetBondState(address, BondBonded, BondSuccess)
		n.pending.Delete(address)
		n.phases.Store(address, PhaseDone)
		n.publishBondState(address, BondBonded, BondSuccess)
		log.Printf("[pairing] bonded %s", address)

	case status == BondAuthFailed && n.bonds.AttemptCount(address) == 1:
		// The guessed pincode was wrong. Mark it so the next attempt
		// asks the user, and keep the attempt sequence going.
		n.bonds.AddAutoPairingFailure(address)
		n.retryPairing(address, status)

	case status == BondRemoteDeviceDown && n.bonds.IsAutoPairingAttemptsInProgress(address):
		n.retryPairing(address, status)

	default:
		n.abandon(address, status)
	}
}

// retryPairing schedules the next automatic attempt with linear backoff.
// The attempt counter is advanced only after the task is accepted.
func (n *PairingNegotiator) retryPairing(address string, status BondStatus) {
	attempt := n.bonds.AttemptCount(address)
	delay := time.Duration(attempt) * n.initDelay
	if delay > n.maxDelay {
		log.Printf("[pairing] giving up on %s after %d attempts", address, attempt)
		n.abandon(address, status)
		return
	}

	if !n.sched.Schedule(Task{Kind: TaskRetryPairing, Address: address}, delay) {
		log.Printf("[pairing] cannot schedule retry for %s", address)
		n.abandon(address, status)
		return
	}

	n.bonds.Attempt(address)
	n.phases.Store(address, PhaseRetryScheduled)
	log.Printf("[pairing] retrying %s in %v (attempt %d, %s)", address, delay, attempt, status)
}

func (n *PairingNegotiator) abandon(address string, status BondStatus) {
	if n.bonds.IsAutoPairingAttemptsInProgress(address) {
		n.bonds.ClearPinAttempts(address)
	}
	n.bonds.SetBondState(address, BondNone, status)
	n.pending.Delete(address)
	n.phases.Store(address, PhaseIdle)
	n.publishBondState(address, BondNone, status)
	log.Printf("[pairing] bond with %s failed: %s", address, status)
}

// HandlePairingRequest answers or surfaces an agent pairing question.
func (n *PairingNegotiator) HandlePairingRequest(e PairingRequestEvent) {
	address := n.registry.Address(e.Path)
	if address == "" {
		log.Printf("[pairing] dropping request for unknown path %s", e.Path)
		if err := n.cmd.CancelPin(e.Token); err != nil {
			log.Printf("[pairing] cancel orphaned request: %v", err)
		}
		return
	}

	n.pending.Store(address, pendingRequest{Token: e.Token, Kind: e.Kind})

	if n.power() == PowerTurningOff {
		log.Printf("[pairing] shutting down, cancelling request from %s", address)
		if err := n.CancelPin(address); err != nil {
			log.Printf("[pairing] cancel request from %s: %v", address, err)
		}
		return
	}

	if e.Kind == PairingPin && n.bonds.BondState(address) == BondBonding {
		// We initiated this bond. Audio accessories with fixed pincodes
		// are answered without involving the user, unless a guess
		// already failed or the device is blacklisted.
		class, ok := n.registry.RemoteClass(address)
		if ok && autoPairableClass(class) &&
			!n.bonds.HasAutoPairingFailed(address) &&
			!n.bonds.IsAutoPairingBlacklisted(address) {
			n.bonds.Attempt(address)
			n.phases.Store(address, PhaseAutoGuessSent)
			if err := n.SetPin(address, autoPairPin); err != nil {
				log.Printf("[pairing] auto pin for %s: %v", address, err)
			}
			return
		}
	}

	n.phases.Store(address, PhaseAwaitingUser)
	n.bus.Publish(broadcast.Event{
		Type:       broadcast.TypePairingRequest,
		Capability: broadcast.CapabilityAdmin,
		Payload: broadcast.PairingRequestPayload{
			Address: address,
			Kind:    pairingKindString(e.Kind),
			Passkey: e.Passkey,
		},
	})
}

// SetPin answers the device's pending pairing question. For confirmation
// requests the pin is ignored and the question is accepted.
func (n *PairingNegotiator) SetPin(address, pin string) error {
	req, ok := n.pending.LoadAndDelete(address)
	if !ok {
		return ErrNoPendingRequest
	}
	return n.cmd.SetPin(req.Token, pin)
}

// CancelPin rejects the device's pending pairing question.
func (n *PairingNegotiator) CancelPin(address string) error {
	req, ok := n.pending.LoadAndDelete(address)
	if !ok {
		return ErrNoPendingRequest
	}
	return n.cmd.CancelPin(req.Token)
}

// HandleAuthorize decides an incoming service connection request.
func (n *PairingNegotiator) HandleAuthorize(e AuthorizeEvent) {
	authorized := false
	address := n.registry.Address(e.Path)

	if n.power() == PowerOn && address != "" {
		if e.UUID == "" {
			// Bare pairing authorization, granted only while we are
			// the side driving the bond.
			authorized = n.bonds.BondState(address) == BondBonding
		} else {
			authorized = audioProfileUUID(e.UUID) && n.registry.Priority(address) > PriorityOff
		}
	}

	if authorized {
		log.Printf("[pairing] authorized %s (%s)", address, e.UUID)
	} else {
		log.Printf("[pairing] rejected authorization for %s (%q)", address, e.UUID)
	}
	e.Reply <- authorized
}

// HandleAgentCancel notes that the daemon withdrew its outstanding request.
// The parked callback is resolved on the transport side; the conversation
// state is left to the eventual bond result.
func (n *PairingNegotiator) HandleAgentCancel() {
	log.Println("[pairing] agent request cancelled by daemon")
}

// CancelPendingRequests rejects every question still waiting on an answer.
func (n *PairingNegotiator) CancelPendingRequests() {
	n.pending.Range(func(address string, _ pendingRequest) bool {
		if err := n.CancelPin(address); err != nil && !errors.Is(err, ErrNoPendingRequest) {
			log.Printf("[pairing] cancel pending request for %s: %v", address, err)
		}
		return true
	})
}

// Phase returns the device's position in the pairing conversation.
func (n *PairingNegotiator) Phase(address string) PairingPhase {
	phase, _ := n.phases.Load(address)
	return phase
}

// HasPendingRequest reports whether a pairing question is waiting on an
// answer for the device.
func (n *PairingNegotiator) HasPendingRequest(address string) bool {
	_, ok := n.pending.Load(address)
	return ok
}

func (n *PairingNegotiator) publishBondState(address string, state BondState, status BondStatus) {
	payload := broadcast.BondStatePayload{Address: address, State: state.String()}
	if state == BondNone && status != BondSuccess {
		payload.Reason = status.String()
	}
	n.bus.Publish(broadcast.Event{Type: broadcast.TypeBondState, Payload: payload})
}

func pairingKindString(k PairingKind) string {
	if k == PairingConfirmation {
		return "confirmation"
	}
	return "pin"
}
