package arbitration

import (
	"bytes"
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/crypto"
	"p2pescrow/native/governance"
)

var errInsufficientResolvers = coreerrors.New(coreerrors.ErrStateConflict, "insufficient_resolvers", "arbitration: not enough eligible resolvers for a panel")

// Candidate is a resolver eligible for panel selection.
type Candidate struct {
	Resolver [20]byte
	Stake    *big.Int
	Score    int64
}

type weighted struct {
	resolver [20]byte
	weight   *uint256.Int
}

func weightOf(c Candidate) *uint256.Int {
	if c.Score <= 0 || c.Stake == nil || c.Stake.Sign() <= 0 {
		return uint256.NewInt(0)
	}
	stake, overflow := uint256.FromBig(c.Stake)
	if overflow {
		stake = new(uint256.Int).SetAllOne()
	}
	weight, overflow := new(uint256.Int).MulOverflow(stake, uint256.NewInt(uint64(c.Score)))
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return weight
}

// SelectPanel draws size resolvers without replacement, each draw weighted by
// trust score times stake. Candidates listed in exclude, and candidates with
// zero weight, are never drawn. The result depends only on the inputs, so any
// party holding the seed can reproduce the panel.
func SelectPanel(candidates []Candidate, exclude [][20]byte, size int, seed [32]byte) ([][20]byte, error) {
	if size <= 0 {
		return nil, errInsufficientResolvers
	}
	excluded := make(map[[20]byte]struct{}, len(exclude))
	for _, addr := range exclude {
		excluded[addr] = struct{}{}
	}
	seen := make(map[[20]byte]struct{}, len(candidates))
	pool := make([]weighted, 0, len(candidates))
	for _, c := range candidates {
		if _, skip := excluded[c.Resolver]; skip {
			continue
		}
		if _, dup := seen[c.Resolver]; dup {
			continue
		}
		w := weightOf(c)
		if w.IsZero() {
			continue
		}
		seen[c.Resolver] = struct{}{}
		pool = append(pool, weighted{resolver: c.Resolver, weight: w})
	}
	if len(pool) < size {
		return nil, errInsufficientResolvers
	}
	sort.Slice(pool, func(i, j int) bool {
		return bytes.Compare(pool[i].resolver[:], pool[j].resolver[:]) < 0
	})

	panel := make([][20]byte, 0, size)
	for round := 0; round < size; round++ {
		total := new(uint256.Int)
		for _, p := range pool {
			if _, overflow := total.AddOverflow(total, p.weight); overflow {
				total.SetAllOne()
			}
		}
		digest := crypto.DrawDigest(seed, uint64(round))
		point := new(uint256.Int).SetBytes(digest[:])
		point.Mod(point, total)

		pick := len(pool) - 1
		cumulative := new(uint256.Int)
		for i, p := range pool {
			cumulative.Add(cumulative, p.weight)
			if point.Lt(cumulative) {
				pick = i
				break
			}
		}
		panel = append(panel, pool[pick].resolver)
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return panel, nil
}

// ComputeFee returns amount*DisputeFeeBps/10000 clamped to the policy fee
// bounds and never above the trade amount itself.
func ComputeFee(amount *big.Int, policy governance.Policy) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(policy.DisputeFeeBps)))
	fee.Quo(fee, big.NewInt(10_000))
	if policy.DisputeFeeMin != nil && fee.Cmp(policy.DisputeFeeMin) < 0 {
		fee.Set(policy.DisputeFeeMin)
	}
	if policy.DisputeFeeMax != nil && fee.Cmp(policy.DisputeFeeMax) > 0 {
		fee.Set(policy.DisputeFeeMax)
	}
	if fee.Cmp(amount) > 0 {
		fee.Set(amount)
	}
	return fee
}

// RewardPool returns the share of fee paid out to majority resolvers.
func RewardPool(fee *big.Int, policy governance.Policy) *big.Int {
	if fee == nil || fee.Sign() <= 0 {
		return big.NewInt(0)
	}
	pool := new(big.Int).Mul(fee, new(big.Int).SetUint64(uint64(policy.ResolverRewardBps)))
	return pool.Quo(pool, big.NewInt(10_000))
}
