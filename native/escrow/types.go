package escrow

import (
	"math/big"
)

// TradeStatus represents the lifecycle phase of an escrowed trade. Transitions
// only move forward: funded to released, or funded to disputed to resolved.
type TradeStatus uint8

const (
	TradeUnknown TradeStatus = iota
	TradeFunded
	TradeReleased
	TradeDisputed
	TradeResolved
)

func (s TradeStatus) String() string {
	switch s {
	case TradeFunded:
		return "funded"
	case TradeReleased:
		return "released"
	case TradeDisputed:
		return "disputed"
	case TradeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s TradeStatus) Terminal() bool {
	return s == TradeReleased || s == TradeResolved
}

// Outcome records where the escrowed value went once a trade finished.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeReleased
	OutcomeRefunded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReleased:
		return "released"
	case OutcomeRefunded:
		return "refunded"
	default:
		return ""
	}
}

// Trade is the authoritative escrow record for a matched order.
type Trade struct {
	ID              [32]byte
	OrderRef        string
	Buyer           [20]byte
	Seller          [20]byte
	Amount          *big.Int
	PlatformFeeBps  uint32
	PolicyVersion   uint64
	FundedAt        int64
	ReleaseTime     int64
	DisputeDeadline int64
	Status          TradeStatus
	Outcome         Outcome
	ResolvedAt      int64
	DisputeID       [32]byte
	ProofHash       [32]byte
	PlatformFee     *big.Int
	DisputeFee      *big.Int
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	clone.PlatformFee = cloneBigInt(t.PlatformFee)
	clone.DisputeFee = cloneBigInt(t.DisputeFee)
	return &clone
}

// IsParty reports whether addr is the buyer or the seller.
func (t *Trade) IsParty(addr [20]byte) bool {
	return t != nil && (addr == t.Buyer || addr == t.Seller)
}

// PlatformFeeFor returns amount * bps / 10000.
func PlatformFeeFor(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(bps)))
	return fee.Quo(fee, big.NewInt(10_000))
}

type storedTrade struct {
	ID              [32]byte
	OrderRef        string
	Buyer           [20]byte
	Seller          [20]byte
	Amount          *big.Int
	PlatformFeeBps  uint64
	PolicyVersion   uint64
	FundedAt        uint64
	ReleaseTime     uint64
	DisputeDeadline uint64
	Status          uint8
	Outcome         uint8
	ResolvedAt      uint64
	DisputeID       [32]byte
	ProofHash       [32]byte
	PlatformFee     *big.Int
	DisputeFee      *big.Int
}

func newStoredTrade(t *Trade) storedTrade {
	return storedTrade{
		ID:              t.ID,
		OrderRef:        t.OrderRef,
		Buyer:           t.Buyer,
		Seller:          t.Seller,
		Amount:          cloneBigInt(t.Amount),
		PlatformFeeBps:  uint64(t.PlatformFeeBps),
		PolicyVersion:   t.PolicyVersion,
		FundedAt:        uint64(t.FundedAt),
		ReleaseTime:     uint64(t.ReleaseTime),
		DisputeDeadline: uint64(t.DisputeDeadline),
		Status:          uint8(t.Status),
		Outcome:         uint8(t.Outcome),
		ResolvedAt:      uint64(t.ResolvedAt),
		DisputeID:       t.DisputeID,
		ProofHash:       t.ProofHash,
		PlatformFee:     cloneBigInt(t.PlatformFee),
		DisputeFee:      cloneBigInt(t.DisputeFee),
	}
}

func (s storedTrade) toTrade() *Trade {
	return &Trade{
		ID:              s.ID,
		OrderRef:        s.OrderRef,
		Buyer:           s.Buyer,
		Seller:          s.Seller,
		Amount:          cloneBigInt(s.Amount),
		PlatformFeeBps:  uint32(s.PlatformFeeBps),
		PolicyVersion:   s.PolicyVersion,
		FundedAt:        int64(s.FundedAt),
		ReleaseTime:     int64(s.ReleaseTime),
		DisputeDeadline: int64(s.DisputeDeadline),
		Status:          TradeStatus(s.Status),
		Outcome:         Outcome(s.Outcome),
		ResolvedAt:      int64(s.ResolvedAt),
		DisputeID:       s.DisputeID,
		ProofHash:       s.ProofHash,
		PlatformFee:     cloneBigInt(s.PlatformFee),
		DisputeFee:      cloneBigInt(s.DisputeFee),
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
