package arbitration

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"p2pescrow/core/events"
	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/types"
	"p2pescrow/crypto"
	"p2pescrow/native/bank"
	"p2pescrow/native/common"
	"p2pescrow/native/escrow"
	"p2pescrow/native/governance"
	"p2pescrow/native/reputation"
	"p2pescrow/native/staking"
)

// ModuleName is the pause key guarding arbitration mutations.
const ModuleName = "arbitration"

const (
	SlashReasonNoReveal     = "no_reveal"
	SlashReasonMinorityVote = "minority_vote"
	maxReasonLength         = 512
)

var (
	errNilState           = errors.New("arbitration: state not configured")
	errNotWired           = errors.New("arbitration: collaborators not configured")
	errDisputeNotFound    = coreerrors.New(coreerrors.ErrNotFound, "dispute_not_found", "arbitration: dispute not found")
	errTradeNotFound      = coreerrors.New(coreerrors.ErrNotFound, "trade_not_found", "arbitration: trade not found")
	errDisputeExists      = coreerrors.New(coreerrors.ErrStateConflict, "dispute_exists", "arbitration: trade already disputed")
	errTradeNotFunded     = coreerrors.New(coreerrors.ErrStateConflict, "trade_not_funded", "arbitration: trade is not funded")
	errNotParty           = coreerrors.New(coreerrors.ErrUnauthorized, "not_party", "arbitration: caller is not a trade party")
	errNotPanelist        = coreerrors.New(coreerrors.ErrUnauthorized, "not_panelist", "arbitration: resolver is not on the panel")
	errDisputeWindow      = coreerrors.New(coreerrors.ErrWindowClosed, "dispute_window_closed", "arbitration: dispute deadline has passed")
	errCommitClosed       = coreerrors.New(coreerrors.ErrWindowClosed, "commit_window_closed", "arbitration: commit deadline has passed")
	errRevealNotOpen      = coreerrors.New(coreerrors.ErrWindowClosed, "reveal_window_not_open", "arbitration: reveal phase has not started")
	errRevealClosed       = coreerrors.New(coreerrors.ErrWindowClosed, "reveal_window_closed", "arbitration: reveal deadline has passed")
	errResolveEarly       = coreerrors.New(coreerrors.ErrWindowClosed, "resolve_too_early", "arbitration: reveal deadline has not passed")
	errAlreadyCommitted   = coreerrors.New(coreerrors.ErrStateConflict, "already_committed", "arbitration: vote already committed")
	errNotCommitted       = coreerrors.New(coreerrors.ErrStateConflict, "not_committed", "arbitration: no commitment to reveal")
	errAlreadyRevealed    = coreerrors.New(coreerrors.ErrStateConflict, "already_revealed", "arbitration: vote already revealed")
	errDisputeResolved    = coreerrors.New(coreerrors.ErrStateConflict, "dispute_resolved", "arbitration: dispute already resolved")
	errEmptyCommitment    = coreerrors.New(coreerrors.ErrValidation, "empty_commitment", "arbitration: commitment must not be empty")
	errCommitmentMismatch = coreerrors.New(coreerrors.ErrValidation, "commitment_mismatch", "arbitration: revealed vote does not match commitment")
	errReasonTooLong      = coreerrors.New(coreerrors.ErrValidation, "reason_too_long", "arbitration: reason too long")
	disputePrefix         = []byte("arbitration/dispute/")
	openDisputeIndexKey   = []byte("arbitration/index/open")
)

type disputeState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

type policySource interface {
	Current() (governance.Policy, error)
	Version(version uint64) (governance.Policy, error)
}

type tradeSettler interface {
	Get(id [32]byte) (*escrow.Trade, bool, error)
	MarkDisputed(id [32]byte, caller [20]byte, disputeID [32]byte) (*escrow.Trade, error)
	Settle(id [32]byte, outcome escrow.Outcome, disputeFee *big.Int, feeSink [20]byte) (*escrow.Trade, error)
}

type stakeRegistry interface {
	ActivePool() ([]*staking.ResolverStake, error)
	QueueSlash(resolver [20]byte, amount *big.Int, reason string, disputeID [32]byte) (*staking.PendingSlash, error)
	AssignPanel(resolver [20]byte) error
	ReleasePanel(resolver [20]byte) error
}

type trustLedger interface {
	Score(participant [20]byte, policy governance.Policy) (int64, error)
	Apply(participant [20]byte, kind reputation.EventKind, policy governance.Policy) (*reputation.TrustProfile, error)
}

type arbitrationEvent struct {
	evt *types.Event
}

func (e arbitrationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e arbitrationEvent) Event() *types.Event { return e.evt }

// Engine runs commit-reveal arbitration over disputed trades.
type Engine struct {
	state    disputeState
	trades   tradeSettler
	stakes   stakeRegistry
	trust    trustLedger
	policies policySource
	bank     bank.Ledger
	pauses   common.PauseView
	emitter  events.Emitter
	headFn   func() [32]byte
	nowFn    func() int64
	feePool  [20]byte
	treasury [20]byte
}

// NewEngine constructs an arbitration engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		headFn:  func() [32]byte { return [32]byte{} },
	}
}

// SetState configures the state backend.
func (e *Engine) SetState(state disputeState) { e.state = state }

// SetTrades configures the escrow trade ledger the engine settles against.
func (e *Engine) SetTrades(trades tradeSettler) { e.trades = trades }

// SetStakes configures the resolver stake registry.
func (e *Engine) SetStakes(stakes stakeRegistry) { e.stakes = stakes }

// SetTrust configures the trust ledger.
func (e *Engine) SetTrust(trust trustLedger) { e.trust = trust }

// SetPolicySource configures the governance policy store.
func (e *Engine) SetPolicySource(src policySource) { e.policies = src }

// SetBank configures the value-transfer primitive used for rewards.
func (e *Engine) SetBank(ledger bank.Ledger) { e.bank = ledger }

// SetPauses wires the module pause view.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetFeePool configures the address that collects dispute fees before they are
// split between resolvers and the treasury.
func (e *Engine) SetFeePool(addr [20]byte) { e.feePool = addr }

// SetTreasury configures the address receiving the undistributed fee share.
func (e *Engine) SetTreasury(addr [20]byte) { e.treasury = addr }

// SetHeadFunc configures the source of the ledger head hash mixed into panel
// selection seeds.
func (e *Engine) SetHeadFunc(head func() [32]byte) {
	if head == nil {
		e.headFn = func() [32]byte { return [32]byte{} }
		return
	}
	e.headFn = head
}

// SetNowFunc overrides the clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(arbitrationEvent{evt: evt})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.trades == nil || e.stakes == nil || e.trust == nil || e.policies == nil || e.bank == nil {
		return errNotWired
	}
	return nil
}

func disputeKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", disputePrefix, id))
}

// Get returns the dispute stored under id.
func (e *Engine) Get(id [32]byte) (*Dispute, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	var stored storedDispute
	ok, err := e.state.KVGet(disputeKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toDispute(), true, nil
}

func (e *Engine) load(id [32]byte) (*Dispute, error) {
	d, ok, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errDisputeNotFound
	}
	return d, nil
}

func (e *Engine) store(d *Dispute) error {
	if err := e.state.KVPut(disputeKey(d.ID), newStoredDispute(d)); err != nil {
		return fmt.Errorf("arbitration: store dispute: %w", err)
	}
	return nil
}

func (e *Engine) candidates(policy governance.Policy) ([]Candidate, error) {
	pool, err := e.stakes.ActivePool()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(pool))
	for _, stake := range pool {
		score, err := e.trust.Score(stake.Resolver, policy)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{Resolver: stake.Resolver, Stake: stake.Amount, Score: score})
	}
	return out, nil
}

// Open starts arbitration over a funded trade. The panel is drawn from the
// active resolver pool, excluding both trade parties, with a seed derived from
// the ledger head, the trade id and the open time.
func (e *Engine) Open(tradeID [32]byte, caller [20]byte, reason string) (*Dispute, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		return nil, errReasonTooLong
	}
	trade, ok, err := e.trades.Get(tradeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errTradeNotFound
	}
	if !trade.IsParty(caller) {
		return nil, errNotParty
	}
	disputeID := crypto.DisputeID(tradeID)
	if _, exists, err := e.Get(disputeID); err != nil {
		return nil, err
	} else if exists {
		return nil, errDisputeExists
	}
	if trade.Status != escrow.TradeFunded {
		return nil, errTradeNotFunded
	}
	now := e.now()
	if now >= trade.DisputeDeadline {
		return nil, errDisputeWindow
	}
	policy, err := e.policies.Current()
	if err != nil {
		return nil, err
	}
	candidates, err := e.candidates(policy)
	if err != nil {
		return nil, err
	}
	seed := crypto.SelectionSeed(e.headFn(), tradeID, now)
	panel, err := SelectPanel(candidates, [][20]byte{trade.Buyer, trade.Seller}, int(policy.PanelSize), seed)
	if err != nil {
		return nil, err
	}
	if _, err := e.trades.MarkDisputed(tradeID, caller, disputeID); err != nil {
		return nil, err
	}
	ballots := make([]Ballot, len(panel))
	for i, resolver := range panel {
		ballots[i] = Ballot{Resolver: resolver}
	}
	commitDeadline := now + policy.CommitWindowSeconds
	dispute := &Dispute{
		ID:                disputeID,
		TradeID:           tradeID,
		OpenedBy:          caller,
		Reason:            reason,
		Resolvers:         panel,
		Ballots:           ballots,
		Seed:              seed,
		PolicyVersion:     policy.Version,
		OpenedAt:          now,
		CommitDeadline:    commitDeadline,
		RevealDeadline:    commitDeadline + policy.RevealWindowSeconds,
		Status:            DisputeOpen,
		Fee:               big.NewInt(0),
		RewardPerResolver: big.NewInt(0),
	}
	if err := e.store(dispute); err != nil {
		return nil, err
	}
	for _, resolver := range panel {
		if err := e.stakes.AssignPanel(resolver); err != nil {
			return nil, err
		}
	}
	if err := e.state.KVAppend(openDisputeIndexKey, disputeID[:]); err != nil {
		return nil, err
	}
	if _, err := e.trust.Apply(caller, reputation.EventDisputeOpened, policy); err != nil {
		return nil, err
	}
	e.emit(newDisputeOpenedEvent(dispute))
	return dispute.Clone(), nil
}

// Commit records a panel member's sealed vote.
func (e *Engine) Commit(disputeID [32]byte, resolver [20]byte, commitment [32]byte) (*Dispute, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if commitment == ([32]byte{}) {
		return nil, errEmptyCommitment
	}
	d, err := e.load(disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, errDisputeResolved
	}
	idx := d.BallotIndex(resolver)
	if idx < 0 {
		return nil, errNotPanelist
	}
	now := e.now()
	if now >= d.CommitDeadline {
		return nil, errCommitClosed
	}
	if d.Ballots[idx].Committed {
		return nil, errAlreadyCommitted
	}
	d.Ballots[idx].Commitment = commitment
	d.Ballots[idx].Committed = true
	d.Ballots[idx].CommittedAt = now
	if err := e.store(d); err != nil {
		return nil, err
	}
	e.emit(newVoteCommittedEvent(d, resolver))
	return d.Clone(), nil
}

// Reveal opens a committed vote during the reveal phase. A reveal that gives
// either side a panel majority resolves the dispute immediately.
func (e *Engine) Reveal(disputeID [32]byte, resolver [20]byte, voteForSeller bool, salt [32]byte) (*Dispute, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	d, err := e.load(disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, errDisputeResolved
	}
	idx := d.BallotIndex(resolver)
	if idx < 0 {
		return nil, errNotPanelist
	}
	now := e.now()
	if now < d.CommitDeadline {
		return nil, errRevealNotOpen
	}
	if now >= d.RevealDeadline {
		return nil, errRevealClosed
	}
	ballot := &d.Ballots[idx]
	if !ballot.Committed {
		return nil, errNotCommitted
	}
	if ballot.Revealed {
		return nil, errAlreadyRevealed
	}
	if crypto.VoteCommitment(resolver, voteForSeller, salt) != ballot.Commitment {
		return nil, errCommitmentMismatch
	}
	ballot.Revealed = true
	ballot.VoteForSeller = voteForSeller
	ballot.RevealedAt = now
	if voteForSeller {
		d.VotesForSeller++
	} else {
		d.VotesForBuyer++
	}
	e.emit(newVoteRevealedEvent(d, resolver, voteForSeller))
	if d.VotesForSeller >= d.Majority() || d.VotesForBuyer >= d.Majority() {
		if err := e.resolve(d); err != nil {
			return nil, err
		}
		return d.Clone(), nil
	}
	if err := e.store(d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// Resolve settles a dispute after the reveal deadline using whatever reveals
// exist; ties refund the buyer. Resolving a resolved dispute returns it
// unchanged.
func (e *Engine) Resolve(disputeID [32]byte) (*Dispute, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	d, err := e.load(disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == DisputeResolved {
		return d, nil
	}
	if e.now() < d.RevealDeadline {
		return nil, errResolveEarly
	}
	if err := e.resolve(d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// DueForResolution lists open disputes whose reveal deadline has passed.
func (e *Engine) DueForResolution() ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var index [][]byte
	if err := e.state.KVGetList(openDisputeIndexKey, &index); err != nil {
		return nil, err
	}
	now := e.now()
	due := make([][32]byte, 0, len(index))
	for _, raw := range index {
		var id [32]byte
		copy(id[:], raw)
		d, ok, err := e.Get(id)
		if err != nil {
			return nil, err
		}
		if ok && d.Status == DisputeOpen && now >= d.RevealDeadline {
			due = append(due, id)
		}
	}
	return due, nil
}

func (e *Engine) resolve(d *Dispute) error {
	snapshot, err := e.policies.Version(d.PolicyVersion)
	if err != nil {
		return err
	}
	current, err := e.policies.Current()
	if err != nil {
		return err
	}
	trade, ok, err := e.trades.Get(d.TradeID)
	if err != nil {
		return err
	}
	if !ok {
		return coreerrors.New(coreerrors.ErrInvariant, "dispute_without_trade", "arbitration: disputed trade missing")
	}

	outcome := escrow.OutcomeRefunded
	if d.VotesForSeller > d.VotesForBuyer {
		outcome = escrow.OutcomeReleased
	}
	tie := d.VotesForSeller == d.VotesForBuyer

	fee := ComputeFee(trade.Amount, snapshot)
	settled, err := e.trades.Settle(d.TradeID, outcome, fee, e.feePool)
	if err != nil {
		return err
	}
	fee = cloneBig(settled.DisputeFee)

	var majority [][20]byte
	for _, b := range d.Ballots {
		switch {
		case !b.Revealed:
			if err := e.queueSlash(d, b.Resolver, SlashReasonNoReveal); err != nil {
				return err
			}
		case tie:
		case b.VoteForSeller == (outcome == escrow.OutcomeReleased):
			majority = append(majority, b.Resolver)
		default:
			if err := e.queueSlash(d, b.Resolver, SlashReasonMinorityVote); err != nil {
				return err
			}
		}
	}

	perResolver := big.NewInt(0)
	paid := big.NewInt(0)
	if len(majority) > 0 {
		pool := RewardPool(fee, snapshot)
		perResolver.Quo(pool, big.NewInt(int64(len(majority))))
		for _, resolver := range majority {
			if err := e.transfer(e.feePool, resolver, perResolver); err != nil {
				return err
			}
			paid.Add(paid, perResolver)
		}
	}
	if err := e.transfer(e.feePool, e.treasury, new(big.Int).Sub(fee, paid)); err != nil {
		return err
	}

	for _, resolver := range d.Resolvers {
		if err := e.stakes.ReleasePanel(resolver); err != nil {
			return err
		}
	}

	// Deltas come from the snapshot; bounds come from the current policy.
	trustPolicy := current
	trustPolicy.TrustDeltas = snapshot.TrustDeltas
	winner, loser := trade.Buyer, trade.Seller
	if outcome == escrow.OutcomeReleased {
		winner, loser = trade.Seller, trade.Buyer
	}
	if _, err := e.trust.Apply(loser, reputation.EventDisputeLost, trustPolicy); err != nil {
		return err
	}
	if _, err := e.trust.Apply(winner, reputation.EventDisputeWon, trustPolicy); err != nil {
		return err
	}

	d.Status = DisputeResolved
	d.Outcome = outcome
	d.Fee = fee
	d.RewardPerResolver = perResolver
	d.ResolvedAt = e.now()
	if err := e.store(d); err != nil {
		return err
	}
	if err := e.state.KVRemove(openDisputeIndexKey, d.ID[:]); err != nil {
		return err
	}
	e.emit(newDisputeResolvedEvent(d, majority))
	return nil
}

func (e *Engine) queueSlash(d *Dispute, resolver [20]byte, reason string) error {
	slash, err := e.stakes.QueueSlash(resolver, nil, reason, d.ID)
	if err != nil {
		return err
	}
	d.Slashes = append(d.Slashes, slash.ID)
	return nil
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	return e.bank.Transfer(from, to, amount)
}
