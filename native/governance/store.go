package governance

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"p2pescrow/core/events"
	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/types"
	"p2pescrow/crypto"
)

const (
	// EventTypePolicyUpdated is emitted whenever a new policy version is stored.
	EventTypePolicyUpdated = "governance.policy.updated"
)

var (
	errNilState         = errors.New("governance: state not configured")
	errInvalidPolicy    = coreerrors.New(coreerrors.ErrValidation, "invalid_policy", "governance: invalid policy")
	errEmptyPatch       = coreerrors.New(coreerrors.ErrValidation, "empty_patch", "governance: patch changes nothing")
	errUnauthorized     = coreerrors.New(coreerrors.ErrUnauthorized, "not_policy_authority", "governance: caller is not a policy authority")
	errVersionNotFound  = coreerrors.New(coreerrors.ErrNotFound, "policy_version_not_found", "governance: policy version not found")
	errNotBootstrapped  = coreerrors.New(coreerrors.ErrInvariant, "policy_missing", "governance: no policy stored")
	currentVersionKey   = []byte("governance/policy/current")
	policyVersionPrefix = []byte("governance/policy/v/")
)

type policyState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

type governanceEvent struct {
	evt *types.Event
}

func (g governanceEvent) EventType() string {
	if g.evt == nil {
		return ""
	}
	return g.evt.Type
}

func (g governanceEvent) Event() *types.Event { return g.evt }

// Store persists governance policies by version and tracks the current one.
type Store struct {
	state       policyState
	emitter     events.Emitter
	nowFn       func() int64
	authorities map[[20]byte]struct{}
}

// NewStore constructs a policy store with a no-op emitter.
func NewStore() *Store {
	return &Store{
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
		authorities: map[[20]byte]struct{}{},
	}
}

// SetState configures the state backend used by the store.
func (s *Store) SetState(state policyState) { s.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (s *Store) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

// SetNowFunc overrides the clock used to stamp updates.
func (s *Store) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

// SetAuthorities replaces the set of addresses allowed to update the policy.
func (s *Store) SetAuthorities(addrs [][20]byte) {
	s.authorities = make(map[[20]byte]struct{}, len(addrs))
	for _, addr := range addrs {
		s.authorities[addr] = struct{}{}
	}
}

// IsAuthority reports whether addr may update the policy.
func (s *Store) IsAuthority(addr [20]byte) bool {
	_, ok := s.authorities[addr]
	return ok
}

func (s *Store) now() int64 {
	if s == nil || s.nowFn == nil {
		return time.Now().Unix()
	}
	return s.nowFn()
}

func (s *Store) emit(evt *types.Event) {
	if s == nil || s.emitter == nil || evt == nil {
		return
	}
	s.emitter.Emit(governanceEvent{evt: evt})
}

func versionKey(version uint64) []byte {
	key := make([]byte, len(policyVersionPrefix)+8)
	copy(key, policyVersionPrefix)
	binary.BigEndian.PutUint64(key[len(policyVersionPrefix):], version)
	return key
}

// Bootstrap stores genesis as version 1 when no policy exists yet. It is a
// no-op on an initialised store.
func (s *Store) Bootstrap(genesis Policy) error {
	if s == nil || s.state == nil {
		return errNilState
	}
	var current uint64
	ok, err := s.state.KVGet(currentVersionKey, &current)
	if err != nil {
		return err
	}
	if ok && current > 0 {
		return nil
	}
	policy := genesis.Clone()
	policy.Version = 1
	policy.UpdatedAt = s.now()
	if err := policy.Validate(); err != nil {
		return err
	}
	return s.put(policy)
}

func (s *Store) put(policy Policy) error {
	if err := s.state.KVPut(versionKey(policy.Version), newStoredPolicy(policy)); err != nil {
		return fmt.Errorf("governance: store policy: %w", err)
	}
	return s.state.KVPut(currentVersionKey, policy.Version)
}

// Current returns the active policy.
func (s *Store) Current() (Policy, error) {
	if s == nil || s.state == nil {
		return Policy{}, errNilState
	}
	var current uint64
	ok, err := s.state.KVGet(currentVersionKey, &current)
	if err != nil {
		return Policy{}, err
	}
	if !ok || current == 0 {
		return Policy{}, errNotBootstrapped
	}
	return s.Version(current)
}

// Version returns a historical policy version.
func (s *Store) Version(version uint64) (Policy, error) {
	if s == nil || s.state == nil {
		return Policy{}, errNilState
	}
	var stored storedPolicy
	ok, err := s.state.KVGet(versionKey(version), &stored)
	if err != nil {
		return Policy{}, err
	}
	if !ok {
		return Policy{}, errVersionNotFound
	}
	return stored.toPolicy(), nil
}

// Update merges patch over the current policy and stores the result as the
// next version. Only configured authorities may update.
func (s *Store) Update(patch PolicyPatch, authority [20]byte) (Policy, error) {
	if s == nil || s.state == nil {
		return Policy{}, errNilState
	}
	if !s.IsAuthority(authority) {
		return Policy{}, errUnauthorized
	}
	if patch.Empty() {
		return Policy{}, errEmptyPatch
	}
	current, err := s.Current()
	if err != nil {
		return Policy{}, err
	}
	next := patch.Apply(current)
	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	next.UpdatedBy = authority
	if err := next.Validate(); err != nil {
		return Policy{}, err
	}
	if err := s.put(next); err != nil {
		return Policy{}, err
	}
	s.emit(newPolicyUpdatedEvent(next))
	return next, nil
}

func newPolicyUpdatedEvent(p Policy) *types.Event {
	return &types.Event{
		Type: EventTypePolicyUpdated,
		Attributes: map[string]string{
			"version":        strconv.FormatUint(p.Version, 10),
			"disputeFeeBps":  strconv.FormatUint(uint64(p.DisputeFeeBps), 10),
			"disputeFeeMin":  p.DisputeFeeMin.String(),
			"disputeFeeMax":  p.DisputeFeeMax.String(),
			"platformFeeBps": strconv.FormatUint(uint64(p.PlatformFeeBps), 10),
			"panelSize":      strconv.FormatUint(uint64(p.PanelSize), 10),
			"updatedAt":      strconv.FormatInt(p.UpdatedAt, 10),
			"updatedBy":      crypto.MustNewAddress(crypto.SettlementPrefix, p.UpdatedBy[:]).String(),
		},
	}
}
