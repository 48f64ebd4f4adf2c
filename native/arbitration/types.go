package arbitration

import (
	"math/big"

	"p2pescrow/native/escrow"
)

// DisputeStatus tracks the arbitration lifecycle. The commit and reveal phases
// are derived from the deadlines while the dispute is open.
type DisputeStatus uint8

const (
	DisputeUnknown DisputeStatus = iota
	DisputeOpen
	DisputeResolved
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "open"
	case DisputeResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Phase names the voting phase at time now.
func (d *Dispute) Phase(now int64) string {
	switch {
	case d.Status == DisputeResolved:
		return "resolved"
	case now < d.CommitDeadline:
		return "commit"
	case now < d.RevealDeadline:
		return "reveal"
	default:
		return "expired"
	}
}

// Ballot is one panel member's vote record.
type Ballot struct {
	Resolver      [20]byte `json:"-"`
	Commitment    [32]byte `json:"-"`
	Committed     bool     `json:"committed"`
	Revealed      bool     `json:"revealed"`
	VoteForSeller bool     `json:"voteForSeller"`
	CommittedAt   int64    `json:"committedAt"`
	RevealedAt    int64    `json:"revealedAt"`
}

// Dispute is one arbitration episode over a trade. PolicyVersion pins the
// governance policy that was current when the dispute opened; fees and panel
// size always come from that version.
type Dispute struct {
	ID                [32]byte
	TradeID           [32]byte
	OpenedBy          [20]byte
	Reason            string
	Resolvers         [][20]byte
	Ballots           []Ballot
	Seed              [32]byte
	PolicyVersion     uint64
	OpenedAt          int64
	CommitDeadline    int64
	RevealDeadline    int64
	VotesForSeller    uint32
	VotesForBuyer     uint32
	Status            DisputeStatus
	Outcome           escrow.Outcome
	Fee               *big.Int
	RewardPerResolver *big.Int
	ResolvedAt        int64
	Slashes           [][32]byte
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	out := *d
	out.Resolvers = append([][20]byte(nil), d.Resolvers...)
	out.Ballots = append([]Ballot(nil), d.Ballots...)
	out.Slashes = append([][32]byte(nil), d.Slashes...)
	out.Fee = cloneBig(d.Fee)
	out.RewardPerResolver = cloneBig(d.RewardPerResolver)
	return &out
}

// BallotIndex returns the position of resolver on the panel, or -1.
func (d *Dispute) BallotIndex(resolver [20]byte) int {
	for i, r := range d.Resolvers {
		if r == resolver {
			return i
		}
	}
	return -1
}

// Majority is the number of matching reveals that resolves the dispute early.
func (d *Dispute) Majority() uint32 {
	return uint32(len(d.Resolvers))/2 + 1
}

type storedBallot struct {
	Resolver      [20]byte
	Commitment    [32]byte
	Committed     bool
	Revealed      bool
	VoteForSeller bool
	CommittedAt   uint64
	RevealedAt    uint64
}

type storedDispute struct {
	ID                [32]byte
	TradeID           [32]byte
	OpenedBy          [20]byte
	Reason            string
	Resolvers         [][20]byte
	Ballots           []storedBallot
	Seed              [32]byte
	PolicyVersion     uint64
	OpenedAt          uint64
	CommitDeadline    uint64
	RevealDeadline    uint64
	VotesForSeller    uint64
	VotesForBuyer     uint64
	Status            uint8
	Outcome           uint8
	Fee               *big.Int
	RewardPerResolver *big.Int
	ResolvedAt        uint64
	Slashes           [][32]byte
}

func newStoredDispute(d *Dispute) storedDispute {
	ballots := make([]storedBallot, len(d.Ballots))
	for i, b := range d.Ballots {
		ballots[i] = storedBallot{
			Resolver:      b.Resolver,
			Commitment:    b.Commitment,
			Committed:     b.Committed,
			Revealed:      b.Revealed,
			VoteForSeller: b.VoteForSeller,
			CommittedAt:   uint64(b.CommittedAt),
			RevealedAt:    uint64(b.RevealedAt),
		}
	}
	return storedDispute{
		ID:                d.ID,
		TradeID:           d.TradeID,
		OpenedBy:          d.OpenedBy,
		Reason:            d.Reason,
		Resolvers:         append([][20]byte(nil), d.Resolvers...),
		Ballots:           ballots,
		Seed:              d.Seed,
		PolicyVersion:     d.PolicyVersion,
		OpenedAt:          uint64(d.OpenedAt),
		CommitDeadline:    uint64(d.CommitDeadline),
		RevealDeadline:    uint64(d.RevealDeadline),
		VotesForSeller:    uint64(d.VotesForSeller),
		VotesForBuyer:     uint64(d.VotesForBuyer),
		Status:            uint8(d.Status),
		Outcome:           uint8(d.Outcome),
		Fee:               cloneBig(d.Fee),
		RewardPerResolver: cloneBig(d.RewardPerResolver),
		ResolvedAt:        uint64(d.ResolvedAt),
		Slashes:           append([][32]byte(nil), d.Slashes...),
	}
}

func (s storedDispute) toDispute() *Dispute {
	ballots := make([]Ballot, len(s.Ballots))
	for i, b := range s.Ballots {
		ballots[i] = Ballot{
			Resolver:      b.Resolver,
			Commitment:    b.Commitment,
			Committed:     b.Committed,
			Revealed:      b.Revealed,
			VoteForSeller: b.VoteForSeller,
			CommittedAt:   int64(b.CommittedAt),
			RevealedAt:    int64(b.RevealedAt),
		}
	}
	return &Dispute{
		ID:                s.ID,
		TradeID:           s.TradeID,
		OpenedBy:          s.OpenedBy,
		Reason:            s.Reason,
		Resolvers:         append([][20]byte(nil), s.Resolvers...),
		Ballots:           ballots,
		Seed:              s.Seed,
		PolicyVersion:     s.PolicyVersion,
		OpenedAt:          int64(s.OpenedAt),
		CommitDeadline:    int64(s.CommitDeadline),
		RevealDeadline:    int64(s.RevealDeadline),
		VotesForSeller:    uint32(s.VotesForSeller),
		VotesForBuyer:     uint32(s.VotesForBuyer),
		Status:            DisputeStatus(s.Status),
		Outcome:           escrow.Outcome(s.Outcome),
		Fee:               cloneBig(s.Fee),
		RewardPerResolver: cloneBig(s.RewardPerResolver),
		ResolvedAt:        int64(s.ResolvedAt),
		Slashes:           append([][32]byte(nil), s.Slashes...),
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
