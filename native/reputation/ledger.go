package reputation

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"p2pescrow/core/events"
	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/types"
	"p2pescrow/crypto"
	"p2pescrow/native/governance"
)

// EventTypeTrustUpdated is emitted after every applied trust event.
const EventTypeTrustUpdated = "trust.updated"

// storage abstracts the subset of state manager functionality required by the
// trust ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	profilePrefix = []byte("reputation/profile/")
	appliedPrefix = []byte("reputation/applied/")

	errNilStore         = errors.New("reputation: storage not configured")
	errUnknownEventKind = coreerrors.New(coreerrors.ErrValidation, "unknown_trust_event", "reputation: unknown event kind")
)

func profileKey(participant [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", profilePrefix, participant))
}

func appliedKey(eventID [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", appliedPrefix, eventID))
}

type trustEvent struct {
	evt *types.Event
}

func (e trustEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e trustEvent) Event() *types.Event { return e.evt }

// Ledger persists trust profiles.
type Ledger struct {
	store   storage
	emitter events.Emitter
	nowFn   func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store storage) *Ledger {
	return &Ledger{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the clock used to stamp updates.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

// Get returns the stored profile, if any.
func (l *Ledger) Get(participant [20]byte) (*TrustProfile, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errNilStore
	}
	var stored storedProfile
	ok, err := l.store.KVGet(profileKey(participant), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toProfile(), true, nil
}

// GetOrCreate returns the participant's profile, initialising an unsaved one at
// the policy base score when none exists.
func (l *Ledger) GetOrCreate(participant [20]byte, policy governance.Policy) (*TrustProfile, error) {
	profile, ok, err := l.Get(participant)
	if err != nil {
		return nil, err
	}
	if ok {
		return profile, nil
	}
	return &TrustProfile{
		Participant:   participant,
		Score:         Clamp(policy.BaseScore, policy),
		PolicyVersion: policy.Version,
	}, nil
}

// Score returns the participant's current score, or the policy base score for
// unknown participants.
func (l *Ledger) Score(participant [20]byte, policy governance.Policy) (int64, error) {
	profile, err := l.GetOrCreate(participant, policy)
	if err != nil {
		return 0, err
	}
	return Clamp(profile.Score, policy), nil
}

// Apply records a trust event against participant using policy deltas and
// bounds.
func (l *Ledger) Apply(participant [20]byte, kind EventKind, policy governance.Policy) (*TrustProfile, error) {
	delta, err := Delta(kind, policy)
	if err != nil {
		return nil, err
	}
	profile, err := l.GetOrCreate(participant, policy)
	if err != nil {
		return nil, err
	}
	switch kind {
	case EventTradeCompleted:
		profile.TradesCompleted++
	case EventDisputeOpened:
		profile.DisputesOpened++
	case EventDisputeWon:
		profile.DisputesWon++
	case EventDisputeLost:
		profile.DisputesLost++
	case EventFraudReported:
		profile.FraudReports++
		profile.Flagged = true
	}
	previous := profile.Score
	profile.Score = Clamp(profile.Score+delta, policy)
	profile.UpdatedAt = l.now()
	profile.PolicyVersion = policy.Version
	if err := l.store.KVPut(profileKey(participant), newStoredProfile(profile)); err != nil {
		return nil, fmt.Errorf("reputation: store profile: %w", err)
	}
	l.emitter.Emit(trustEvent{evt: newTrustUpdatedEvent(profile, kind, previous)})
	return profile, nil
}

// ApplyOnce behaves like Apply but records eventID so a replayed event leaves
// the profile untouched. The boolean reports whether the event was applied.
func (l *Ledger) ApplyOnce(eventID [32]byte, participant [20]byte, kind EventKind, policy governance.Policy) (*TrustProfile, bool, error) {
	if l == nil || l.store == nil {
		return nil, false, errNilStore
	}
	key := appliedKey(eventID)
	seen, err := l.store.KVGet(key, nil)
	if err != nil {
		return nil, false, err
	}
	if seen {
		profile, err := l.GetOrCreate(participant, policy)
		return profile, false, err
	}
	profile, err := l.Apply(participant, kind, policy)
	if err != nil {
		return nil, false, err
	}
	if err := l.store.KVPut(key, uint64(profile.UpdatedAt)); err != nil {
		return nil, false, err
	}
	return profile, true, nil
}

func newTrustUpdatedEvent(p *TrustProfile, kind EventKind, previous int64) *types.Event {
	return &types.Event{
		Type: EventTypeTrustUpdated,
		Attributes: map[string]string{
			"participant":   crypto.MustNewAddress(crypto.SettlementPrefix, p.Participant[:]).String(),
			"kind":          kind.String(),
			"previousScore": strconv.FormatInt(previous, 10),
			"score":         strconv.FormatInt(p.Score, 10),
			"flagged":       strconv.FormatBool(p.Flagged),
			"policyVersion": strconv.FormatUint(p.PolicyVersion, 10),
		},
	}
}
