package arbitration

import (
	"encoding/hex"
	"strconv"
	"strings"

	"p2pescrow/core/types"
	"p2pescrow/crypto"
)

const (
	EventTypeDisputeOpened   = "dispute.opened"
	EventTypeVoteCommitted   = "dispute.vote_committed"
	EventTypeVoteRevealed    = "dispute.vote_revealed"
	EventTypeDisputeResolved = "dispute.resolved"
)

func formatAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.SettlementPrefix, addr[:]).String()
}

func joinAddresses(addrs [][20]byte) string {
	parts := make([]string, len(addrs))
	for i, addr := range addrs {
		parts[i] = formatAddress(addr)
	}
	return strings.Join(parts, ",")
}

func baseAttributes(d *Dispute) map[string]string {
	return map[string]string{
		"disputeId":      hex.EncodeToString(d.ID[:]),
		"tradeId":        hex.EncodeToString(d.TradeID[:]),
		"status":         d.Status.String(),
		"votesForSeller": strconv.FormatUint(uint64(d.VotesForSeller), 10),
		"votesForBuyer":  strconv.FormatUint(uint64(d.VotesForBuyer), 10),
	}
}

func newDisputeOpenedEvent(d *Dispute) *types.Event {
	attrs := baseAttributes(d)
	attrs["openedBy"] = formatAddress(d.OpenedBy)
	attrs["resolvers"] = joinAddresses(d.Resolvers)
	attrs["seed"] = hex.EncodeToString(d.Seed[:])
	attrs["policyVersion"] = strconv.FormatUint(d.PolicyVersion, 10)
	attrs["commitDeadline"] = strconv.FormatInt(d.CommitDeadline, 10)
	attrs["revealDeadline"] = strconv.FormatInt(d.RevealDeadline, 10)
	if d.Reason != "" {
		attrs["reason"] = d.Reason
	}
	return &types.Event{Type: EventTypeDisputeOpened, Attributes: attrs}
}

func newVoteCommittedEvent(d *Dispute, resolver [20]byte) *types.Event {
	attrs := baseAttributes(d)
	attrs["resolver"] = formatAddress(resolver)
	return &types.Event{Type: EventTypeVoteCommitted, Attributes: attrs}
}

func newVoteRevealedEvent(d *Dispute, resolver [20]byte, voteForSeller bool) *types.Event {
	attrs := baseAttributes(d)
	attrs["resolver"] = formatAddress(resolver)
	attrs["voteForSeller"] = strconv.FormatBool(voteForSeller)
	return &types.Event{Type: EventTypeVoteRevealed, Attributes: attrs}
}

func newDisputeResolvedEvent(d *Dispute, majority [][20]byte) *types.Event {
	attrs := baseAttributes(d)
	attrs["outcome"] = d.Outcome.String()
	attrs["fee"] = cloneBig(d.Fee).String()
	attrs["rewardPerResolver"] = cloneBig(d.RewardPerResolver).String()
	attrs["resolvedAt"] = strconv.FormatInt(d.ResolvedAt, 10)
	attrs["resolvers"] = joinAddresses(d.Resolvers)
	if len(majority) > 0 {
		attrs["rewarded"] = joinAddresses(majority)
	}
	if len(d.Slashes) > 0 {
		ids := make([]string, len(d.Slashes))
		for i, id := range d.Slashes {
			ids[i] = hex.EncodeToString(id[:])
		}
		attrs["slashes"] = strings.Join(ids, ",")
	}
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}
}
