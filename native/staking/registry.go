package staking

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"p2pescrow/core/events"
	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/types"
	"p2pescrow/native/bank"
	"p2pescrow/native/common"
)

// ModuleName is the pause key guarding stake mutations.
const ModuleName = "staking"

var (
	errNilState       = errors.New("staking: state not configured")
	errNilBank        = errors.New("staking: bank not configured")
	errInvalidAmount  = coreerrors.New(coreerrors.ErrValidation, "invalid_amount", "staking: amount must be positive")
	errStakeNotFound  = coreerrors.New(coreerrors.ErrNotFound, "stake_not_found", "staking: resolver has no stake")
	errSlashNotFound  = coreerrors.New(coreerrors.ErrNotFound, "slash_not_found", "staking: slash not found")
	errSlashVetoed    = coreerrors.New(coreerrors.ErrStateConflict, "slash_vetoed", "staking: slash was vetoed")
	errSlashExecuted  = coreerrors.New(coreerrors.ErrStateConflict, "slash_executed", "staking: slash already executed")
	errSlashNotDue    = coreerrors.New(coreerrors.ErrWindowClosed, "slash_not_due", "staking: slashing delay has not elapsed")
	errNotVetoAuthor  = coreerrors.New(coreerrors.ErrUnauthorized, "not_veto_authority", "staking: caller cannot veto slashes")
	errSeatedOnPanel  = coreerrors.New(coreerrors.ErrCollateral, "resolver_on_panel", "staking: resolver is seated on an open dispute panel")
	slashDomain       = []byte("p2pescrow/slash")
	stakePrefix       = []byte("staking/resolver/")
	slashPrefix       = []byte("staking/slash/")
	resolverIndexKey  = []byte("staking/index/resolvers")
	pendingSlashIndex = []byte("staking/index/pending-slashes")
)

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

type stakingEvent struct {
	evt *types.Event
}

func (e stakingEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e stakingEvent) Event() *types.Event { return e.evt }

// Registry tracks resolver collateral and the delayed slashing queue.
type Registry struct {
	state    registryState
	bank     bank.Ledger
	emitter  events.Emitter
	pauses   common.PauseView
	nowFn    func() int64
	params   Params
	vault    [20]byte
	treasury [20]byte
	vetoers  map[[20]byte]struct{}
}

// NewRegistry constructs a registry with default parameters.
func NewRegistry() *Registry {
	return &Registry{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		params:  DefaultParams(),
		vetoers: map[[20]byte]struct{}{},
	}
}

// SetState configures the state backend.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetBank configures the value-transfer primitive.
func (r *Registry) SetBank(ledger bank.Ledger) { r.bank = ledger }

// SetPauses wires the module pause view.
func (r *Registry) SetPauses(p common.PauseView) { r.pauses = p }

// SetVault configures the address holding staked collateral.
func (r *Registry) SetVault(addr [20]byte) { r.vault = addr }

// SetTreasury configures the address receiving slashed collateral.
func (r *Registry) SetTreasury(addr [20]byte) { r.treasury = addr }

// SetParams replaces the registry parameters.
func (r *Registry) SetParams(p Params) { r.params = p }

// Params returns the active parameters.
func (r *Registry) Params() Params { return r.params }

// SetVetoAuthorities replaces the set of addresses allowed to veto slashes.
func (r *Registry) SetVetoAuthorities(addrs [][20]byte) {
	r.vetoers = make(map[[20]byte]struct{}, len(addrs))
	for _, addr := range addrs {
		r.vetoers[addr] = struct{}{}
	}
}

// SetNowFunc overrides the clock.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

func (r *Registry) emit(evt *types.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(stakingEvent{evt: evt})
}

func (r *Registry) ready() error {
	if r == nil || r.state == nil {
		return errNilState
	}
	if r.bank == nil {
		return errNilBank
	}
	return nil
}

func stakeKey(resolver [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", stakePrefix, resolver))
}

func slashKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", slashPrefix, id))
}

// SlashID derives the deterministic identifier of a slash queued for resolver
// in the given dispute.
func SlashID(disputeID [32]byte, resolver [20]byte, reason string) [32]byte {
	return ethcrypto.Keccak256Hash(slashDomain, disputeID[:], resolver[:], []byte(strings.TrimSpace(reason)))
}

// Get returns the resolver's stake record.
func (r *Registry) Get(resolver [20]byte) (*ResolverStake, bool, error) {
	if r == nil || r.state == nil {
		return nil, false, errNilState
	}
	var stored storedStake
	ok, err := r.state.KVGet(stakeKey(resolver), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toStake(), true, nil
}

func (r *Registry) putStake(stake *ResolverStake) error {
	if err := r.state.KVPut(stakeKey(stake.Resolver), newStoredStake(stake)); err != nil {
		return fmt.Errorf("staking: store stake: %w", err)
	}
	return nil
}

// Stake locks amount of the resolver's funds as collateral. A resolver that is
// not yet active must reach the minimum stake in a single call. Every stake
// restarts the lock period.
func (r *Registry) Stake(resolver [20]byte, amount *big.Int) (*ResolverStake, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	stake, ok, err := r.Get(resolver)
	if err != nil {
		return nil, err
	}
	if !ok {
		stake = &ResolverStake{Resolver: resolver, Amount: big.NewInt(0)}
	}
	total := new(big.Int).Add(stake.Amount, amount)
	if !stake.Active && total.Cmp(r.params.MinStake) < 0 {
		return nil, coreerrors.Shortfall("stake_below_minimum", "staking: stake below minimum", r.params.MinStake, total)
	}
	if err := r.bank.Transfer(resolver, r.vault, amount); err != nil {
		return nil, err
	}
	now := r.now()
	stake.Amount = total
	stake.StakedAt = now
	stake.WithdrawableAt = now + r.params.LockDurationSeconds
	stake.Active = true
	if err := r.putStake(stake); err != nil {
		return nil, err
	}
	if !ok {
		if err := r.state.KVAppend(resolverIndexKey, resolver[:]); err != nil {
			return nil, err
		}
	}
	r.emit(newStakeEvent(EventTypeStaked, stake, amount))
	return stake.Clone(), nil
}

// Unstake returns amount of collateral to the resolver once the lock period has
// elapsed. Dropping below the minimum deactivates the resolver.
func (r *Registry) Unstake(resolver [20]byte, amount *big.Int) (*ResolverStake, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(r.pauses, ModuleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	stake, ok, err := r.Get(resolver)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errStakeNotFound
	}
	now := r.now()
	if now < stake.WithdrawableAt {
		return nil, &LockedError{Remaining: stake.WithdrawableAt - now}
	}
	if stake.OpenPanels > 0 {
		return nil, errSeatedOnPanel
	}
	if amount.Cmp(stake.Amount) > 0 {
		return nil, coreerrors.Shortfall("unstake_exceeds_stake", "staking: amount exceeds stake", amount, stake.Amount)
	}
	reserved, err := r.Reserved(resolver)
	if err != nil {
		return nil, err
	}
	free := new(big.Int).Sub(stake.Amount, reserved)
	if free.Sign() < 0 {
		free.SetInt64(0)
	}
	if amount.Cmp(free) > 0 {
		return nil, coreerrors.Shortfall("stake_reserved_for_slash", "staking: stake is reserved for pending slashes", amount, free)
	}
	if err := r.bank.Transfer(r.vault, resolver, amount); err != nil {
		return nil, err
	}
	stake.Amount = new(big.Int).Sub(stake.Amount, amount)
	if stake.Amount.Cmp(r.params.MinStake) < 0 {
		stake.Active = false
	}
	if err := r.putStake(stake); err != nil {
		return nil, err
	}
	r.emit(newStakeEvent(EventTypeUnstaked, stake, amount))
	return stake.Clone(), nil
}

// Reserved sums the pending slashes queued against resolver. Reserved
// collateral cannot be withdrawn.
func (r *Registry) Reserved(resolver [20]byte) (*big.Int, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	var index [][]byte
	if err := r.state.KVGetList(pendingSlashIndex, &index); err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, raw := range index {
		var id [32]byte
		copy(id[:], raw)
		slash, ok, err := r.GetSlash(id)
		if err != nil {
			return nil, err
		}
		if ok && slash.Pending() && slash.Resolver == resolver {
			total.Add(total, slash.Amount)
		}
	}
	return total, nil
}

// AssignPanel seats resolver on a dispute panel. Seated resolvers cannot
// unstake until every panel they sit on resolves.
func (r *Registry) AssignPanel(resolver [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	stake, ok, err := r.Get(resolver)
	if err != nil {
		return err
	}
	if !ok {
		return errStakeNotFound
	}
	stake.OpenPanels++
	return r.putStake(stake)
}

// ReleasePanel undoes AssignPanel once a dispute resolves.
func (r *Registry) ReleasePanel(resolver [20]byte) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	stake, ok, err := r.Get(resolver)
	if err != nil || !ok || stake.OpenPanels == 0 {
		return err
	}
	stake.OpenPanels--
	return r.putStake(stake)
}

// ActivePool returns every active resolver with a positive stake, ordered by
// address.
func (r *Registry) ActivePool() ([]*ResolverStake, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	var index [][]byte
	if err := r.state.KVGetList(resolverIndexKey, &index); err != nil {
		return nil, err
	}
	pool := make([]*ResolverStake, 0, len(index))
	for _, raw := range index {
		var resolver [20]byte
		copy(resolver[:], raw)
		stake, ok, err := r.Get(resolver)
		if err != nil {
			return nil, err
		}
		if !ok || !stake.Active || stake.Amount.Sign() <= 0 {
			continue
		}
		pool = append(pool, stake)
	}
	sort.Slice(pool, func(i, j int) bool {
		return bytes.Compare(pool[i].Resolver[:], pool[j].Resolver[:]) < 0
	})
	return pool, nil
}

// GetSlash returns a queued slash.
func (r *Registry) GetSlash(id [32]byte) (*PendingSlash, bool, error) {
	if r == nil || r.state == nil {
		return nil, false, errNilState
	}
	var stored storedSlash
	ok, err := r.state.KVGet(slashKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toSlash(), true, nil
}

func (r *Registry) putSlash(slash *PendingSlash) error {
	if err := r.state.KVPut(slashKey(slash.ID), newStoredSlash(slash)); err != nil {
		return fmt.Errorf("staking: store slash: %w", err)
	}
	return nil
}

// QueueSlash schedules a penalty against resolver. A nil amount slashes
// SlashBps of the current stake. Queuing the same resolver, dispute and reason
// twice returns the existing slash.
func (r *Registry) QueueSlash(resolver [20]byte, amount *big.Int, reason string, disputeID [32]byte) (*PendingSlash, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	id := SlashID(disputeID, resolver, reason)
	if existing, ok, err := r.GetSlash(id); err != nil {
		return nil, err
	} else if ok {
		return existing, nil
	}
	if amount == nil {
		stake, ok, err := r.Get(resolver)
		if err != nil {
			return nil, err
		}
		amount = big.NewInt(0)
		if ok {
			amount = new(big.Int).Mul(stake.Amount, big.NewInt(int64(r.params.SlashBps)))
			amount.Quo(amount, big.NewInt(10_000))
		}
	}
	if amount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	now := r.now()
	slash := &PendingSlash{
		ID:           id,
		Resolver:     resolver,
		Amount:       new(big.Int).Set(amount),
		Reason:       strings.TrimSpace(reason),
		DisputeID:    disputeID,
		QueuedAt:     now,
		ExecuteAfter: now + r.params.SlashingDelaySeconds,
	}
	if err := r.putSlash(slash); err != nil {
		return nil, err
	}
	if err := r.state.KVAppend(pendingSlashIndex, id[:]); err != nil {
		return nil, err
	}
	r.emit(newSlashEvent(EventTypeSlashQueued, slash))
	return slash.Clone(), nil
}

// ExecuteSlash applies a queued slash once its delay has elapsed. The slashed
// collateral moves from the stake vault to the treasury. Executing an executed
// slash returns it unchanged.
func (r *Registry) ExecuteSlash(id [32]byte) (*PendingSlash, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	slash, ok, err := r.GetSlash(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errSlashNotFound
	}
	if slash.Executed {
		return slash, nil
	}
	if slash.Vetoed {
		return nil, errSlashVetoed
	}
	now := r.now()
	if now < slash.ExecuteAfter {
		return nil, errSlashNotDue
	}
	applied := big.NewInt(0)
	stake, found, err := r.Get(slash.Resolver)
	if err != nil {
		return nil, err
	}
	if found {
		applied.Set(slash.Amount)
		if applied.Cmp(stake.Amount) > 0 {
			applied.Set(stake.Amount)
		}
		if err := r.bank.Transfer(r.vault, r.treasury, applied); err != nil {
			return nil, err
		}
		stake.Amount = new(big.Int).Sub(stake.Amount, applied)
		if stake.Amount.Cmp(r.params.MinStake) < 0 {
			stake.Active = false
		}
		if err := r.putStake(stake); err != nil {
			return nil, err
		}
	}
	slash.Amount = applied
	slash.Executed = true
	slash.ExecutedAt = now
	if err := r.putSlash(slash); err != nil {
		return nil, err
	}
	if err := r.state.KVRemove(pendingSlashIndex, id[:]); err != nil {
		return nil, err
	}
	r.emit(newSlashEvent(EventTypeSlashExecuted, slash))
	return slash.Clone(), nil
}

// VetoSlash cancels a pending slash. Only veto authorities may call it and only
// before execution.
func (r *Registry) VetoSlash(id [32]byte, authority [20]byte) (*PendingSlash, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	if _, ok := r.vetoers[authority]; !ok {
		return nil, errNotVetoAuthor
	}
	slash, ok, err := r.GetSlash(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errSlashNotFound
	}
	if slash.Executed {
		return nil, errSlashExecuted
	}
	if slash.Vetoed {
		return slash, nil
	}
	slash.Vetoed = true
	slash.VetoedBy = authority
	if err := r.putSlash(slash); err != nil {
		return nil, err
	}
	if err := r.state.KVRemove(pendingSlashIndex, id[:]); err != nil {
		return nil, err
	}
	r.emit(newSlashEvent(EventTypeSlashVetoed, slash))
	return slash.Clone(), nil
}

// DueSlashes lists pending slashes whose delay has elapsed.
func (r *Registry) DueSlashes() ([][32]byte, error) {
	if r == nil || r.state == nil {
		return nil, errNilState
	}
	var index [][]byte
	if err := r.state.KVGetList(pendingSlashIndex, &index); err != nil {
		return nil, err
	}
	now := r.now()
	due := make([][32]byte, 0, len(index))
	for _, raw := range index {
		var id [32]byte
		copy(id[:], raw)
		slash, ok, err := r.GetSlash(id)
		if err != nil {
			return nil, err
		}
		if ok && slash.Pending() && now >= slash.ExecuteAfter {
			due = append(due, id)
		}
	}
	return due, nil
}
