package bluetooth

import (
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// BondRecord is the bookkeeping for one remote device's bond.
type BondRecord struct {
	State          BondState
	Reason         BondStatus
	Attempts       int
	AutoPairFailed bool
}

// AutoPairPolicy is the read-only blacklist consulted before the negotiator
// guesses a fixed pincode on the user's behalf. Some devices advertise an
// audio class but reject "0000", so they are listed by address prefix or
// by name.
type AutoPairPolicy struct {
	AddressPrefixes []string
	ExactNames      []string
	PartialNames    []string
}

// RemoteLookup resolves device attributes needed by policy checks.
type RemoteLookup interface {
	RemoteName(address string) string
	RemoteClass(address string) (uint32, bool)
}

// BondStateStore tracks bond state and automatic pairing attempts per
// device. Unknown devices read as BondNone with zero attempts.
type BondStateStore struct {
	records *xsync.MapOf[string, BondRecord]
	policy  AutoPairPolicy
	lookup  RemoteLookup
}

func NewBondStateStore(policy AutoPairPolicy, lookup RemoteLookup) *BondStateStore {
	prefixes := make([]string, len(policy.AddressPrefixes))
	for i, p := range policy.AddressPrefixes {
		prefixes[i] = strings.ToUpper(p)
	}
	policy.AddressPrefixes = prefixes

	return &BondStateStore{
		records: xsync.NewMapOf[string, BondRecord](),
		policy:  policy,
		lookup:  lookup,
	}
}

// SetBondState records a state transition. Leaving BondBonding resets the
// attempt counter: the counter only has meaning while a bond is being
// negotiated.
func (s *BondStateStore) SetBondState(address string, state BondState, reason BondStatus) {
	s.records.Compute(address, func(old BondRecord, loaded bool) (BondRecord, bool) {
		rec := old
		if loaded && old.State == BondBonding && state != BondBonding {
			rec.Attempts = 0
		}
		rec.State = state
		rec.Reason = reason
		return rec, false
	})
}

// BondState returns the current bond state for the device.
func (s *BondStateStore) BondState(address string) BondState {
	rec, _ := s.records.Load(address)
	return rec.State
}

// BondReason returns the status recorded with the last state transition.
func (s *BondStateStore) BondReason(address string) BondStatus {
	rec, _ := s.records.Load(address)
	return rec.Reason
}

// Attempt counts one more automatic pairing attempt for the device.
func (s *BondStateStore) Attempt(address string) {
	s.records.Compute(address, func(old BondRecord, _ bool) (BondRecord, bool) {
		old.Attempts++
		return old, false
	})
}

// AttemptCount returns the number of automatic pairing attempts so far.
func (s *BondStateStore) AttemptCount(address string) int {
	rec, _ := s.records.Load(address)
	return rec.Attempts
}

// IsAutoPairingAttemptsInProgress reports whether the device is mid way
// through the automatic pairing attempt sequence.
func (s *BondStateStore) IsAutoPairingAttemptsInProgress(address string) bool {
	return s.AttemptCount(address) > 0
}

// ClearPinAttempts resets the attempt counter and the failure marker.
func (s *BondStateStore) ClearPinAttempts(address string) {
	s.records.Compute(address, func(old BondRecord, loaded bool) (BondRecord, bool) {
		if !loaded {
			return old, true
		}
		old.Attempts = 0
		old.AutoPairFailed = false
		return old, false
	})
}

// AddAutoPairingFailure marks that a guessed pincode was rejected by the
// device. Marked devices are prompted instead of guessed at.
func (s *BondStateStore) AddAutoPairingFailure(address string) {
	s.records.Compute(address, func(old BondRecord, _ bool) (BondRecord, bool) {
		old.AutoPairFailed = true
		return old, false
	})
}

// HasAutoPairingFailed reports whether a guessed pincode was rejected.
func (s *BondStateStore) HasAutoPairingFailed(address string) bool {
	rec, _ := s.records.Load(address)
	return rec.AutoPairFailed
}

// IsAutoPairingBlacklisted consults the policy table.
func (s *BondStateStore) IsAutoPairingBlacklisted(address string) bool {
	upper := strings.ToUpper(address)
	for _, prefix := range s.policy.AddressPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}

	name := s.lookup.RemoteName(address)
	if name == "" {
		return false
	}
	for _, exact := range s.policy.ExactNames {
		if name == exact {
			return true
		}
	}
	for _, partial := range s.policy.PartialNames {
		if strings.Contains(name, partial) {
			return true
		}
	}
	return false
}

// Forget drops all bookkeeping for the device.
func (s *BondStateStore) Forget(address string) {
	s.records.Delete(address)
}
