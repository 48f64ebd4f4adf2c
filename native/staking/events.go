package staking

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"p2pescrow/core/types"
	"p2pescrow/crypto"
)

const (
	EventTypeStaked        = "staking.staked"
	EventTypeUnstaked      = "staking.unstaked"
	EventTypeSlashQueued   = "staking.slash.queued"
	EventTypeSlashExecuted = "staking.slash.executed"
	EventTypeSlashVetoed   = "staking.slash.vetoed"
)

func addressString(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.SettlementPrefix, addr[:]).String()
}

func newStakeEvent(eventType string, s *ResolverStake, delta *big.Int) *types.Event {
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"resolver":       addressString(s.Resolver),
			"amount":         delta.String(),
			"total":          s.Amount.String(),
			"active":         strconv.FormatBool(s.Active),
			"withdrawableAt": strconv.FormatInt(s.WithdrawableAt, 10),
		},
	}
}

func newSlashEvent(eventType string, s *PendingSlash) *types.Event {
	attrs := map[string]string{
		"id":           hex.EncodeToString(s.ID[:]),
		"resolver":     addressString(s.Resolver),
		"amount":       s.Amount.String(),
		"reason":       s.Reason,
		"disputeId":    hex.EncodeToString(s.DisputeID[:]),
		"executeAfter": strconv.FormatInt(s.ExecuteAfter, 10),
	}
	if s.Vetoed {
		attrs["vetoedBy"] = addressString(s.VetoedBy)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
