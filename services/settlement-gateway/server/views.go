package server

import (
	"math/big"

	"p2pescrow/crypto"
	"p2pescrow/native/arbitration"
	"p2pescrow/native/escrow"
	"p2pescrow/native/reputation"
	"p2pescrow/native/staking"
)

type tradeView struct {
	ID              string `json:"id"`
	OrderRef        string `json:"orderRef"`
	Buyer           string `json:"buyer"`
	Seller          string `json:"seller"`
	Amount          string `json:"amount"`
	Status          string `json:"status"`
	Outcome         string `json:"outcome,omitempty"`
	PlatformFeeBps  uint32 `json:"platformFeeBps"`
	PolicyVersion   uint64 `json:"policyVersion"`
	FundedAt        int64  `json:"fundedAt"`
	ReleaseTime     int64  `json:"releaseTime"`
	DisputeDeadline int64  `json:"disputeDeadline"`
	ResolvedAt      int64  `json:"resolvedAt,omitempty"`
	DisputeID       string `json:"disputeId,omitempty"`
	ProofHash       string `json:"proofHash,omitempty"`
	PlatformFee     string `json:"platformFee,omitempty"`
	DisputeFee      string `json:"disputeFee,omitempty"`
}

func newTradeView(t *escrow.Trade) tradeView {
	view := tradeView{
		ID:              crypto.FormatHash(t.ID),
		OrderRef:        t.OrderRef,
		Buyer:           crypto.FormatAddress(t.Buyer),
		Seller:          crypto.FormatAddress(t.Seller),
		Amount:          amountString(t.Amount),
		Status:          t.Status.String(),
		Outcome:         t.Outcome.String(),
		PlatformFeeBps:  t.PlatformFeeBps,
		PolicyVersion:   t.PolicyVersion,
		FundedAt:        t.FundedAt,
		ReleaseTime:     t.ReleaseTime,
		DisputeDeadline: t.DisputeDeadline,
		ResolvedAt:      t.ResolvedAt,
		PlatformFee:     optionalAmount(t.PlatformFee),
		DisputeFee:      optionalAmount(t.DisputeFee),
	}
	if t.DisputeID != ([32]byte{}) {
		view.DisputeID = crypto.FormatHash(t.DisputeID)
	}
	if t.ProofHash != ([32]byte{}) {
		view.ProofHash = crypto.FormatHash(t.ProofHash)
	}
	return view
}

type ballotView struct {
	Resolver string `json:"resolver"`
	arbitration.Ballot
}

type disputeView struct {
	ID                string       `json:"id"`
	TradeID           string       `json:"tradeId"`
	OpenedBy          string       `json:"openedBy"`
	Reason            string       `json:"reason,omitempty"`
	Status            string       `json:"status"`
	Phase             string       `json:"phase"`
	PolicyVersion     uint64       `json:"policyVersion"`
	OpenedAt          int64        `json:"openedAt"`
	CommitDeadline    int64        `json:"commitDeadline"`
	RevealDeadline    int64        `json:"revealDeadline"`
	VotesForSeller    uint32       `json:"votesForSeller"`
	VotesForBuyer     uint32       `json:"votesForBuyer"`
	Outcome           string       `json:"outcome,omitempty"`
	Fee               string       `json:"fee,omitempty"`
	RewardPerResolver string       `json:"rewardPerResolver,omitempty"`
	ResolvedAt        int64        `json:"resolvedAt,omitempty"`
	Ballots           []ballotView `json:"ballots"`
	Slashes           []string     `json:"slashes,omitempty"`
}

func newDisputeView(d *arbitration.Dispute, now int64) disputeView {
	view := disputeView{
		ID:                crypto.FormatHash(d.ID),
		TradeID:           crypto.FormatHash(d.TradeID),
		OpenedBy:          crypto.FormatAddress(d.OpenedBy),
		Reason:            d.Reason,
		Status:            d.Status.String(),
		Phase:             d.Phase(now),
		PolicyVersion:     d.PolicyVersion,
		OpenedAt:          d.OpenedAt,
		CommitDeadline:    d.CommitDeadline,
		RevealDeadline:    d.RevealDeadline,
		VotesForSeller:    d.VotesForSeller,
		VotesForBuyer:     d.VotesForBuyer,
		Outcome:           d.Outcome.String(),
		Fee:               optionalAmount(d.Fee),
		RewardPerResolver: optionalAmount(d.RewardPerResolver),
		ResolvedAt:        d.ResolvedAt,
		Ballots:           make([]ballotView, 0, len(d.Resolvers)),
	}
	for i, resolver := range d.Resolvers {
		ballot := arbitration.Ballot{}
		if i < len(d.Ballots) {
			ballot = d.Ballots[i]
		}
		if !ballot.Revealed {
			ballot.VoteForSeller = false
		}
		view.Ballots = append(view.Ballots, ballotView{Resolver: crypto.FormatAddress(resolver), Ballot: ballot})
	}
	for _, id := range d.Slashes {
		view.Slashes = append(view.Slashes, crypto.FormatHash(id))
	}
	return view
}

type stakeView struct {
	Resolver string `json:"resolver"`
	*staking.ResolverStake
}

type slashView struct {
	ID        string `json:"id"`
	Resolver  string `json:"resolver"`
	DisputeID string `json:"disputeId,omitempty"`
	VetoedBy  string `json:"vetoedBy,omitempty"`
	*staking.PendingSlash
}

func newSlashView(p *staking.PendingSlash) slashView {
	view := slashView{
		ID:           crypto.FormatHash(p.ID),
		Resolver:     crypto.FormatAddress(p.Resolver),
		PendingSlash: p,
	}
	if p.DisputeID != ([32]byte{}) {
		view.DisputeID = crypto.FormatHash(p.DisputeID)
	}
	if p.Vetoed {
		view.VetoedBy = crypto.FormatAddress(p.VetoedBy)
	}
	return view
}

type trustView struct {
	ParticipantID string `json:"participantId"`
	Address       string `json:"address"`
	*reputation.TrustProfile
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func optionalAmount(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return ""
	}
	return v.String()
}
