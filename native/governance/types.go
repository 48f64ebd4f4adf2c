package governance

import (
	"fmt"
	"math/big"
)

// TrustDeltas maps every trust event kind to the signed score change applied
// when that event is recorded.
type TrustDeltas struct {
	TradeCompleted int64 `json:"tradeCompleted"`
	DisputeOpened  int64 `json:"disputeOpened"`
	DisputeWon     int64 `json:"disputeWon"`
	DisputeLost    int64 `json:"disputeLost"`
	FraudReported  int64 `json:"fraudReported"`
}

// Policy is an immutable, versioned parameter set. Updates never mutate a
// stored policy; they persist a new version instead.
type Policy struct {
	Version                 uint64      `json:"version"`
	DisputeFeeBps           uint32      `json:"disputeFeeBps"`
	DisputeFeeMin           *big.Int    `json:"disputeFeeMin"`
	DisputeFeeMax           *big.Int    `json:"disputeFeeMax"`
	PlatformFeeBps          uint32      `json:"platformFeeBps"`
	ResolverRewardBps       uint32      `json:"resolverRewardBps"`
	PanelSize               uint32      `json:"panelSize"`
	AutoReleaseDelaySeconds int64       `json:"autoReleaseDelaySeconds"`
	DisputeWindowSeconds    int64       `json:"disputeWindowSeconds"`
	CommitWindowSeconds     int64       `json:"commitWindowSeconds"`
	RevealWindowSeconds     int64       `json:"revealWindowSeconds"`
	TrustDeltas             TrustDeltas `json:"trustDeltas"`
	BaseScore               int64       `json:"baseScore"`
	MinScore                int64       `json:"minScore"`
	MaxScore                int64       `json:"maxScore"`
	UpdatedAt               int64       `json:"updatedAt"`
	UpdatedBy               [20]byte    `json:"-"`
}

// DefaultPolicy returns the genesis parameter set used when no configuration
// overrides it.
func DefaultPolicy() Policy {
	return Policy{
		Version:                 1,
		DisputeFeeBps:           75,
		DisputeFeeMin:           big.NewInt(500_000),
		DisputeFeeMax:           big.NewInt(50_000_000),
		PlatformFeeBps:          50,
		ResolverRewardBps:       5_000,
		PanelSize:               3,
		AutoReleaseDelaySeconds: 72 * 3600,
		DisputeWindowSeconds:    48 * 3600,
		CommitWindowSeconds:     24 * 3600,
		RevealWindowSeconds:     24 * 3600,
		TrustDeltas: TrustDeltas{
			TradeCompleted: 2,
			DisputeOpened:  -1,
			DisputeWon:     1,
			DisputeLost:    -5,
			FraudReported:  -25,
		},
		BaseScore: 50,
		MinScore:  0,
		MaxScore:  100,
	}
}

// Clone returns a deep copy of the policy.
func (p Policy) Clone() Policy {
	out := p
	if p.DisputeFeeMin != nil {
		out.DisputeFeeMin = new(big.Int).Set(p.DisputeFeeMin)
	}
	if p.DisputeFeeMax != nil {
		out.DisputeFeeMax = new(big.Int).Set(p.DisputeFeeMax)
	}
	return out
}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.DisputeFeeBps > 10_000 {
		return fmt.Errorf("%w: dispute fee bps must not exceed 10000", errInvalidPolicy)
	}
	if p.PlatformFeeBps > 10_000 {
		return fmt.Errorf("%w: platform fee bps must not exceed 10000", errInvalidPolicy)
	}
	if p.ResolverRewardBps > 10_000 {
		return fmt.Errorf("%w: resolver reward bps must not exceed 10000", errInvalidPolicy)
	}
	if p.DisputeFeeMin == nil || p.DisputeFeeMax == nil {
		return fmt.Errorf("%w: dispute fee bounds required", errInvalidPolicy)
	}
	if p.DisputeFeeMin.Sign() < 0 || p.DisputeFeeMin.Cmp(p.DisputeFeeMax) > 0 {
		return fmt.Errorf("%w: dispute fee bounds must satisfy 0 <= min <= max", errInvalidPolicy)
	}
	if p.PanelSize == 0 {
		return fmt.Errorf("%w: panel size must be positive", errInvalidPolicy)
	}
	if p.AutoReleaseDelaySeconds <= 0 || p.DisputeWindowSeconds <= 0 || p.CommitWindowSeconds <= 0 || p.RevealWindowSeconds <= 0 {
		return fmt.Errorf("%w: time windows must be positive", errInvalidPolicy)
	}
	if p.MinScore < 0 || p.MinScore > p.MaxScore {
		return fmt.Errorf("%w: score bounds must satisfy 0 <= min <= max", errInvalidPolicy)
	}
	if p.BaseScore < p.MinScore || p.BaseScore > p.MaxScore {
		return fmt.Errorf("%w: base score outside bounds", errInvalidPolicy)
	}
	d := p.TrustDeltas
	if d.TradeCompleted < 0 || d.DisputeWon < 0 {
		return fmt.Errorf("%w: reward deltas must not be negative", errInvalidPolicy)
	}
	if d.DisputeOpened > 0 || d.DisputeLost > 0 || d.FraudReported > 0 {
		return fmt.Errorf("%w: penalty deltas must not be positive", errInvalidPolicy)
	}
	return nil
}

// PolicyPatch carries the fields an administrator wants to change. Nil fields
// keep the current value.
type PolicyPatch struct {
	DisputeFeeBps           *uint32      `json:"disputeFeeBps,omitempty"`
	DisputeFeeMin           *big.Int     `json:"disputeFeeMin,omitempty"`
	DisputeFeeMax           *big.Int     `json:"disputeFeeMax,omitempty"`
	PlatformFeeBps          *uint32      `json:"platformFeeBps,omitempty"`
	ResolverRewardBps       *uint32      `json:"resolverRewardBps,omitempty"`
	PanelSize               *uint32      `json:"panelSize,omitempty"`
	AutoReleaseDelaySeconds *int64       `json:"autoReleaseDelaySeconds,omitempty"`
	DisputeWindowSeconds    *int64       `json:"disputeWindowSeconds,omitempty"`
	CommitWindowSeconds     *int64       `json:"commitWindowSeconds,omitempty"`
	RevealWindowSeconds     *int64       `json:"revealWindowSeconds,omitempty"`
	TrustDeltas             *TrustDeltas `json:"trustDeltas,omitempty"`
	BaseScore               *int64       `json:"baseScore,omitempty"`
	MinScore                *int64       `json:"minScore,omitempty"`
	MaxScore                *int64       `json:"maxScore,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p PolicyPatch) Empty() bool {
	return p == PolicyPatch{}
}

// Apply merges the patch over base and returns the result. Version and audit
// fields are left for the store to stamp.
func (p PolicyPatch) Apply(base Policy) Policy {
	out := base.Clone()
	if p.DisputeFeeBps != nil {
		out.DisputeFeeBps = *p.DisputeFeeBps
	}
	if p.DisputeFeeMin != nil {
		out.DisputeFeeMin = new(big.Int).Set(p.DisputeFeeMin)
	}
	if p.DisputeFeeMax != nil {
		out.DisputeFeeMax = new(big.Int).Set(p.DisputeFeeMax)
	}
	if p.PlatformFeeBps != nil {
		out.PlatformFeeBps = *p.PlatformFeeBps
	}
	if p.ResolverRewardBps != nil {
		out.ResolverRewardBps = *p.ResolverRewardBps
	}
	if p.PanelSize != nil {
		out.PanelSize = *p.PanelSize
	}
	if p.AutoReleaseDelaySeconds != nil {
		out.AutoReleaseDelaySeconds = *p.AutoReleaseDelaySeconds
	}
	if p.DisputeWindowSeconds != nil {
		out.DisputeWindowSeconds = *p.DisputeWindowSeconds
	}
	if p.CommitWindowSeconds != nil {
		out.CommitWindowSeconds = *p.CommitWindowSeconds
	}
	if p.RevealWindowSeconds != nil {
		out.RevealWindowSeconds = *p.RevealWindowSeconds
	}
	if p.TrustDeltas != nil {
		out.TrustDeltas = *p.TrustDeltas
	}
	if p.BaseScore != nil {
		out.BaseScore = *p.BaseScore
	}
	if p.MinScore != nil {
		out.MinScore = *p.MinScore
	}
	if p.MaxScore != nil {
		out.MaxScore = *p.MaxScore
	}
	return out
}

// storedPolicy is the RLP form of Policy. Signed fields are stored as their
// two's complement bit pattern because RLP only encodes unsigned integers.
type storedPolicy struct {
	Version                 uint64
	DisputeFeeBps           uint64
	DisputeFeeMin           *big.Int
	DisputeFeeMax           *big.Int
	PlatformFeeBps          uint64
	ResolverRewardBps       uint64
	PanelSize               uint64
	AutoReleaseDelaySeconds uint64
	DisputeWindowSeconds    uint64
	CommitWindowSeconds     uint64
	RevealWindowSeconds     uint64
	TradeCompleted          uint64
	DisputeOpened           uint64
	DisputeWon              uint64
	DisputeLost             uint64
	FraudReported           uint64
	BaseScore               uint64
	MinScore                uint64
	MaxScore                uint64
	UpdatedAt               uint64
	UpdatedBy               [20]byte
}

func newStoredPolicy(p Policy) storedPolicy {
	return storedPolicy{
		Version:                 p.Version,
		DisputeFeeBps:           uint64(p.DisputeFeeBps),
		DisputeFeeMin:           nonNil(p.DisputeFeeMin),
		DisputeFeeMax:           nonNil(p.DisputeFeeMax),
		PlatformFeeBps:          uint64(p.PlatformFeeBps),
		ResolverRewardBps:       uint64(p.ResolverRewardBps),
		PanelSize:               uint64(p.PanelSize),
		AutoReleaseDelaySeconds: uint64(p.AutoReleaseDelaySeconds),
		DisputeWindowSeconds:    uint64(p.DisputeWindowSeconds),
		CommitWindowSeconds:     uint64(p.CommitWindowSeconds),
		RevealWindowSeconds:     uint64(p.RevealWindowSeconds),
		TradeCompleted:          uint64(p.TrustDeltas.TradeCompleted),
		DisputeOpened:           uint64(p.TrustDeltas.DisputeOpened),
		DisputeWon:              uint64(p.TrustDeltas.DisputeWon),
		DisputeLost:             uint64(p.TrustDeltas.DisputeLost),
		FraudReported:           uint64(p.TrustDeltas.FraudReported),
		BaseScore:               uint64(p.BaseScore),
		MinScore:                uint64(p.MinScore),
		MaxScore:                uint64(p.MaxScore),
		UpdatedAt:               uint64(p.UpdatedAt),
		UpdatedBy:               p.UpdatedBy,
	}
}

func (s storedPolicy) toPolicy() Policy {
	return Policy{
		Version:                 s.Version,
		DisputeFeeBps:           uint32(s.DisputeFeeBps),
		DisputeFeeMin:           nonNil(s.DisputeFeeMin),
		DisputeFeeMax:           nonNil(s.DisputeFeeMax),
		PlatformFeeBps:          uint32(s.PlatformFeeBps),
		ResolverRewardBps:       uint32(s.ResolverRewardBps),
		PanelSize:               uint32(s.PanelSize),
		AutoReleaseDelaySeconds: int64(s.AutoReleaseDelaySeconds),
		DisputeWindowSeconds:    int64(s.DisputeWindowSeconds),
		CommitWindowSeconds:     int64(s.CommitWindowSeconds),
		RevealWindowSeconds:     int64(s.RevealWindowSeconds),
		TrustDeltas: TrustDeltas{
			TradeCompleted: int64(s.TradeCompleted),
			DisputeOpened:  int64(s.DisputeOpened),
			DisputeWon:     int64(s.DisputeWon),
			DisputeLost:    int64(s.DisputeLost),
			FraudReported:  int64(s.FraudReported),
		},
		BaseScore: int64(s.BaseScore),
		MinScore:  int64(s.MinScore),
		MaxScore:  int64(s.MaxScore),
		UpdatedAt: int64(s.UpdatedAt),
		UpdatedBy: s.UpdatedBy,
	}
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
