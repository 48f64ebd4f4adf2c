package staking

import (
	"fmt"
	"math/big"

	coreerrors "p2pescrow/core/errors"
)

// Params configures the resolver stake registry.
type Params struct {
	MinStake             *big.Int
	LockDurationSeconds  int64
	SlashingDelaySeconds int64
	// SlashBps is the share of current stake queued when a slash does not name
	// an explicit amount.
	SlashBps uint32
}

// DefaultParams returns conservative defaults.
func DefaultParams() Params {
	return Params{
		MinStake:             big.NewInt(100_000_000),
		LockDurationSeconds:  14 * 24 * 3600,
		SlashingDelaySeconds: 48 * 3600,
		SlashBps:             1_000,
	}
}

// Validate checks the parameter bounds.
func (p Params) Validate() error {
	if p.MinStake == nil || p.MinStake.Sign() <= 0 {
		return fmt.Errorf("staking: min stake must be positive")
	}
	if p.LockDurationSeconds < 0 || p.SlashingDelaySeconds < 0 {
		return fmt.Errorf("staking: durations must not be negative")
	}
	if p.SlashBps > 10_000 {
		return fmt.Errorf("staking: slash bps must not exceed 10000")
	}
	return nil
}

// ResolverStake is the collateral a resolver has locked to be eligible for
// dispute panels.
type ResolverStake struct {
	Resolver       [20]byte `json:"-"`
	Amount         *big.Int `json:"amount"`
	StakedAt       int64    `json:"stakedAt"`
	WithdrawableAt int64    `json:"withdrawableAt"`
	Active         bool     `json:"active"`
	// OpenPanels counts unresolved disputes the resolver is seated on.
	OpenPanels     uint32   `json:"openPanels"`
}

// Clone returns a deep copy.
func (s *ResolverStake) Clone() *ResolverStake {
	if s == nil {
		return nil
	}
	out := *s
	out.Amount = cloneBig(s.Amount)
	return &out
}

// PendingSlash is a queued penalty that executes after the slashing delay
// unless a veto authority cancels it first.
type PendingSlash struct {
	ID           [32]byte `json:"-"`
	Resolver     [20]byte `json:"-"`
	Amount       *big.Int `json:"amount"`
	Reason       string   `json:"reason"`
	DisputeID    [32]byte `json:"-"`
	QueuedAt     int64    `json:"queuedAt"`
	ExecuteAfter int64    `json:"executeAfter"`
	Vetoed       bool     `json:"vetoed"`
	VetoedBy     [20]byte `json:"-"`
	Executed     bool     `json:"executed"`
	ExecutedAt   int64    `json:"executedAt"`
}

// Clone returns a deep copy.
func (s *PendingSlash) Clone() *PendingSlash {
	if s == nil {
		return nil
	}
	out := *s
	out.Amount = cloneBig(s.Amount)
	return &out
}

// Pending reports whether the slash still awaits execution or veto.
func (s *PendingSlash) Pending() bool {
	return s != nil && !s.Vetoed && !s.Executed
}

// LockedError reports an unstake attempted before the lock expired.
type LockedError struct {
	Remaining int64
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("stake_locked: stake is locked for another %d seconds", e.Remaining)
}

// Is classifies the lock as a collateral failure.
func (e *LockedError) Is(target error) bool {
	if kind, ok := target.(coreerrors.Kind); ok {
		return kind == coreerrors.ErrCollateral
	}
	return false
}

type storedStake struct {
	Resolver       [20]byte
	Amount         *big.Int
	StakedAt       uint64
	WithdrawableAt uint64
	Active         bool
	OpenPanels     uint32
}

func newStoredStake(s *ResolverStake) storedStake {
	return storedStake{
		Resolver:       s.Resolver,
		Amount:         cloneBig(s.Amount),
		StakedAt:       uint64(s.StakedAt),
		WithdrawableAt: uint64(s.WithdrawableAt),
		Active:         s.Active,
		OpenPanels:     s.OpenPanels,
	}
}

func (s storedStake) toStake() *ResolverStake {
	return &ResolverStake{
		Resolver:       s.Resolver,
		Amount:         cloneBig(s.Amount),
		StakedAt:       int64(s.StakedAt),
		WithdrawableAt: int64(s.WithdrawableAt),
		Active:         s.Active,
		OpenPanels:     s.OpenPanels,
	}
}

type storedSlash struct {
	ID           [32]byte
	Resolver     [20]byte
	Amount       *big.Int
	Reason       string
	DisputeID    [32]byte
	QueuedAt     uint64
	ExecuteAfter uint64
	Vetoed       bool
	VetoedBy     [20]byte
	Executed     bool
	ExecutedAt   uint64
}

func newStoredSlash(s *PendingSlash) storedSlash {
	return storedSlash{
		ID:           s.ID,
		Resolver:     s.Resolver,
		Amount:       cloneBig(s.Amount),
		Reason:       s.Reason,
		DisputeID:    s.DisputeID,
		QueuedAt:     uint64(s.QueuedAt),
		ExecuteAfter: uint64(s.ExecuteAfter),
		Vetoed:       s.Vetoed,
		VetoedBy:     s.VetoedBy,
		Executed:     s.Executed,
		ExecutedAt:   uint64(s.ExecutedAt),
	}
}

func (s storedSlash) toSlash() *PendingSlash {
	return &PendingSlash{
		ID:           s.ID,
		Resolver:     s.Resolver,
		Amount:       cloneBig(s.Amount),
		Reason:       s.Reason,
		DisputeID:    s.DisputeID,
		QueuedAt:     int64(s.QueuedAt),
		ExecuteAfter: int64(s.ExecuteAfter),
		Vetoed:       s.Vetoed,
		VetoedBy:     s.VetoedBy,
		Executed:     s.Executed,
		ExecutedAt:   int64(s.ExecutedAt),
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
