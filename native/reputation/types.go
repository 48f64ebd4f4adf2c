package reputation

import (
	"fmt"
	"strings"

	"p2pescrow/native/governance"
)

// EventKind enumerates the trust events the ledger understands. The set is
// closed; Delta refuses anything outside it.
type EventKind uint8

const (
	EventTradeCompleted EventKind = iota + 1
	EventDisputeOpened
	EventDisputeWon
	EventDisputeLost
	EventFraudReported
)

// String returns the canonical name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventTradeCompleted:
		return "trade_completed"
	case EventDisputeOpened:
		return "dispute_opened"
	case EventDisputeWon:
		return "dispute_won"
	case EventDisputeLost:
		return "dispute_lost"
	case EventFraudReported:
		return "fraud_reported"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseEventKind maps a canonical name back to its kind.
func ParseEventKind(raw string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trade_completed":
		return EventTradeCompleted, nil
	case "dispute_opened":
		return EventDisputeOpened, nil
	case "dispute_won":
		return EventDisputeWon, nil
	case "dispute_lost":
		return EventDisputeLost, nil
	case "fraud_reported":
		return EventFraudReported, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownEventKind, raw)
	}
}

// Delta returns the signed score change the policy assigns to kind.
func Delta(kind EventKind, policy governance.Policy) (int64, error) {
	switch kind {
	case EventTradeCompleted:
		return policy.TrustDeltas.TradeCompleted, nil
	case EventDisputeOpened:
		return policy.TrustDeltas.DisputeOpened, nil
	case EventDisputeWon:
		return policy.TrustDeltas.DisputeWon, nil
	case EventDisputeLost:
		return policy.TrustDeltas.DisputeLost, nil
	case EventFraudReported:
		return policy.TrustDeltas.FraudReported, nil
	default:
		return 0, fmt.Errorf("%w: %s", errUnknownEventKind, kind)
	}
}

// TrustProfile is the long-run reputation record of a participant.
type TrustProfile struct {
	Participant     [20]byte `json:"-"`
	Score           int64    `json:"score"`
	TradesCompleted uint64   `json:"tradesCompleted"`
	DisputesOpened  uint64   `json:"disputesOpened"`
	DisputesWon     uint64   `json:"disputesWon"`
	DisputesLost    uint64   `json:"disputesLost"`
	FraudReports    uint64   `json:"fraudReports"`
	Flagged         bool     `json:"flagged"`
	UpdatedAt       int64    `json:"updatedAt"`
	PolicyVersion   uint64   `json:"policyVersion"`
}

// Clamp bounds score to the policy range.
func Clamp(score int64, policy governance.Policy) int64 {
	if score < policy.MinScore {
		return policy.MinScore
	}
	if score > policy.MaxScore {
		return policy.MaxScore
	}
	return score
}

type storedProfile struct {
	Participant     [20]byte
	Score           uint64
	TradesCompleted uint64
	DisputesOpened  uint64
	DisputesWon     uint64
	DisputesLost    uint64
	FraudReports    uint64
	Flagged         bool
	UpdatedAt       uint64
	PolicyVersion   uint64
}

func newStoredProfile(p *TrustProfile) storedProfile {
	return storedProfile{
		Participant:     p.Participant,
		Score:           uint64(p.Score),
		TradesCompleted: p.TradesCompleted,
		DisputesOpened:  p.DisputesOpened,
		DisputesWon:     p.DisputesWon,
		DisputesLost:    p.DisputesLost,
		FraudReports:    p.FraudReports,
		Flagged:         p.Flagged,
		UpdatedAt:       uint64(p.UpdatedAt),
		PolicyVersion:   p.PolicyVersion,
	}
}

func (s storedProfile) toProfile() *TrustProfile {
	return &TrustProfile{
		Participant:     s.Participant,
		Score:           int64(s.Score),
		TradesCompleted: s.TradesCompleted,
		DisputesOpened:  s.DisputesOpened,
		DisputesWon:     s.DisputesWon,
		DisputesLost:    s.DisputesLost,
		FraudReports:    s.FraudReports,
		Flagged:         s.Flagged,
		UpdatedAt:       int64(s.UpdatedAt),
		PolicyVersion:   s.PolicyVersion,
	}
}
