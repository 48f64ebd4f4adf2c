package arbitration

import (
	"errors"
	"math/big"
	"testing"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/events"
	"p2pescrow/core/state"
	"p2pescrow/crypto"
	"p2pescrow/native/bank"
	"p2pescrow/native/escrow"
	"p2pescrow/native/governance"
	"p2pescrow/native/reputation"
	"p2pescrow/native/staking"
	"p2pescrow/storage"
)

type harness struct {
	now       int64
	bank      *bank.StateLedger
	gov       *governance.Store
	trust     *reputation.Ledger
	stakes    *staking.Registry
	escrow    *escrow.Engine
	engine    *Engine
	emitted   *events.Buffer
	admin     [20]byte
	buyer     [20]byte
	seller    [20]byte
	treasury  [20]byte
	feePool   [20]byte
	resolvers [][20]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	h := &harness{
		now:      1_700_000_000,
		bank:     bank.NewStateLedger(mgr),
		emitted:  &events.Buffer{},
		admin:    [20]byte{0xAD},
		buyer:    [20]byte{0xB1},
		seller:   [20]byte{0x5E},
		treasury: [20]byte{0x7E},
		feePool:  [20]byte{0xFE},
	}
	clock := func() int64 { return h.now }

	h.gov = governance.NewStore()
	h.gov.SetState(mgr)
	h.gov.SetNowFunc(clock)
	h.gov.SetAuthorities([][20]byte{h.admin})
	if err := h.gov.Bootstrap(governance.DefaultPolicy()); err != nil {
		t.Fatalf("bootstrap policy: %v", err)
	}

	h.trust = reputation.NewLedger(mgr)
	h.trust.SetNowFunc(clock)

	h.stakes = staking.NewRegistry()
	h.stakes.SetState(mgr)
	h.stakes.SetBank(h.bank)
	h.stakes.SetVault([20]byte{0x5A})
	h.stakes.SetTreasury(h.treasury)
	h.stakes.SetParams(staking.Params{MinStake: big.NewInt(1_000), LockDurationSeconds: 3600, SlashingDelaySeconds: 3600, SlashBps: 1_000})
	h.stakes.SetNowFunc(clock)

	h.escrow = escrow.NewEngine()
	h.escrow.SetState(mgr)
	h.escrow.SetBank(h.bank)
	h.escrow.SetPolicySource(h.gov)
	h.escrow.SetVault([20]byte{0xE5})
	h.escrow.SetTreasury(h.treasury)
	h.escrow.SetNowFunc(clock)

	h.engine = NewEngine()
	h.engine.SetState(mgr)
	h.engine.SetTrades(h.escrow)
	h.engine.SetStakes(h.stakes)
	h.engine.SetTrust(h.trust)
	h.engine.SetPolicySource(h.gov)
	h.engine.SetBank(h.bank)
	h.engine.SetFeePool(h.feePool)
	h.engine.SetTreasury(h.treasury)
	h.engine.SetEmitter(h.emitted)
	h.engine.SetNowFunc(clock)
	h.engine.SetHeadFunc(func() [32]byte { return [32]byte{0x01} })

	for i := 0; i < 4; i++ {
		resolver := [20]byte{0x10 + byte(i)}
		if err := h.bank.Credit(resolver, big.NewInt(1_000)); err != nil {
			t.Fatalf("credit resolver: %v", err)
		}
		if _, err := h.stakes.Stake(resolver, big.NewInt(1_000)); err != nil {
			t.Fatalf("stake resolver: %v", err)
		}
		h.resolvers = append(h.resolvers, resolver)
	}
	if err := h.bank.Credit(h.buyer, big.NewInt(200_000_000)); err != nil {
		t.Fatalf("credit buyer: %v", err)
	}
	return h
}

func (h *harness) fundAndOpen(t *testing.T, ref string) (*escrow.Trade, *Dispute) {
	t.Helper()
	trade, err := h.escrow.Fund(ref, h.buyer, h.seller, big.NewInt(100_000_000), [32]byte{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	dispute, err := h.engine.Open(trade.ID, h.buyer, "goods not received")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return trade, dispute
}

func (h *harness) commit(t *testing.T, d *Dispute, resolver [20]byte, voteForSeller bool) [32]byte {
	t.Helper()
	salt := [32]byte{resolver[0], 0x5A}
	if _, err := h.engine.Commit(d.ID, resolver, crypto.VoteCommitment(resolver, voteForSeller, salt)); err != nil {
		t.Fatalf("commit %x: %v", resolver[0], err)
	}
	return salt
}

func (h *harness) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := h.bank.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func TestOpenSelectsPanelAndDeadlines(t *testing.T) {
	h := newHarness(t)
	trade, d := h.fundAndOpen(t, "order-b")

	if len(d.Resolvers) != 3 {
		t.Fatalf("expected 3 resolvers, got %d", len(d.Resolvers))
	}
	seen := map[[20]byte]bool{}
	for _, r := range d.Resolvers {
		if r == h.buyer || r == h.seller || seen[r] {
			t.Fatalf("invalid panel member %x", r)
		}
		seen[r] = true
	}
	if d.CommitDeadline != h.now+24*3600 || d.RevealDeadline != d.CommitDeadline+24*3600 {
		t.Fatalf("unexpected deadlines commit=%d reveal=%d", d.CommitDeadline, d.RevealDeadline)
	}
	if d.ID != crypto.DisputeID(trade.ID) {
		t.Fatalf("dispute id mismatch")
	}
	stored, _, _ := h.escrow.Get(trade.ID)
	if stored.Status != escrow.TradeDisputed {
		t.Fatalf("trade not marked disputed: %s", stored.Status)
	}
	profile, _, _ := h.trust.Get(h.buyer)
	if profile == nil || profile.DisputesOpened != 1 || profile.Score != 49 {
		t.Fatalf("opener trust not updated: %+v", profile)
	}
	if _, err := h.engine.Open(trade.ID, h.seller, ""); !errors.Is(err, coreerrors.ErrStateConflict) {
		t.Fatalf("expected second open to fail, got %v", err)
	}
}

func TestMajorityReleaseRewardsAndSlashes(t *testing.T) {
	h := newHarness(t)
	trade, d := h.fundAndOpen(t, "order-c")
	p0, p1, p2 := d.Resolvers[0], d.Resolvers[1], d.Resolvers[2]

	salt0 := h.commit(t, d, p0, true)
	salt1 := h.commit(t, d, p1, true)
	h.commit(t, d, p2, false)
	if _, err := h.engine.Commit(d.ID, p0, [32]byte{0x01}); !errors.Is(err, errAlreadyCommitted) {
		t.Fatalf("expected duplicate commit rejection, got %v", err)
	}
	if _, err := h.engine.Commit(d.ID, h.buyer, [32]byte{0x01}); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected non-panelist rejection, got %v", err)
	}
	if _, err := h.engine.Reveal(d.ID, p0, true, salt0); !errors.Is(err, errRevealNotOpen) {
		t.Fatalf("expected reveal before commit deadline to fail, got %v", err)
	}

	h.now = d.CommitDeadline
	if _, err := h.engine.Commit(d.ID, [20]byte{}, [32]byte{0x02}); err == nil {
		t.Fatalf("commit after deadline must fail")
	}
	if _, err := h.engine.Reveal(d.ID, p0, false, salt0); !errors.Is(err, errCommitmentMismatch) {
		t.Fatalf("expected mismatch for flipped vote, got %v", err)
	}
	after, err := h.engine.Reveal(d.ID, p0, true, salt0)
	if err != nil {
		t.Fatalf("reveal p0: %v", err)
	}
	if after.Status != DisputeOpen || after.VotesForSeller != 1 {
		t.Fatalf("unexpected tally after one reveal: %+v", after)
	}
	resolved, err := h.engine.Reveal(d.ID, p1, true, salt1)
	if err != nil {
		t.Fatalf("reveal p1: %v", err)
	}
	if resolved.Status != DisputeResolved || resolved.Outcome != escrow.OutcomeReleased {
		t.Fatalf("expected auto-resolution to release, got %s/%s", resolved.Status, resolved.Outcome)
	}

	// fee = 75 bps of 100_000_000; reward pool = half of the fee.
	if resolved.Fee.Int64() != 750_000 || resolved.RewardPerResolver.Int64() != 187_500 {
		t.Fatalf("unexpected fee %s reward %s", resolved.Fee, resolved.RewardPerResolver)
	}
	if got := h.balance(t, p0); got != 187_500 {
		t.Fatalf("p0 reward %d", got)
	}
	if got := h.balance(t, p1); got != 187_500 {
		t.Fatalf("p1 reward %d", got)
	}
	if got := h.balance(t, p2); got != 0 {
		t.Fatalf("non-revealer must not be rewarded: %d", got)
	}
	if got := h.balance(t, h.seller); got != 100_000_000-750_000-500_000 {
		t.Fatalf("seller payout %d", got)
	}
	if got := h.balance(t, h.treasury); got != 375_000+500_000 {
		t.Fatalf("treasury %d", got)
	}
	if got := h.balance(t, h.feePool); got != 0 {
		t.Fatalf("fee pool should be drained, has %d", got)
	}
	if len(resolved.Slashes) != 1 {
		t.Fatalf("expected one slash, got %d", len(resolved.Slashes))
	}
	slash, ok, err := h.stakes.GetSlash(resolved.Slashes[0])
	if err != nil || !ok || slash.Resolver != p2 || slash.Reason != SlashReasonNoReveal {
		t.Fatalf("unexpected slash: %+v err=%v", slash, err)
	}
	buyer, _, _ := h.trust.Get(h.buyer)
	seller, _, _ := h.trust.Get(h.seller)
	if buyer.DisputesLost != 1 || buyer.Score != 44 {
		t.Fatalf("unexpected buyer trust: %+v", buyer)
	}
	if seller.DisputesWon != 1 || seller.Score != 51 {
		t.Fatalf("unexpected seller trust: %+v", seller)
	}
	stored, _, _ := h.escrow.Get(trade.ID)
	if stored.Status != escrow.TradeResolved {
		t.Fatalf("trade not resolved: %s", stored.Status)
	}
	if _, err := h.engine.Reveal(d.ID, p2, false, [32]byte{}); !errors.Is(err, errDisputeResolved) {
		t.Fatalf("reveal after resolution must fail, got %v", err)
	}
	again, err := h.engine.Resolve(d.ID)
	if err != nil || again.Status != DisputeResolved {
		t.Fatalf("resolve must be idempotent: %v", err)
	}
	if got := h.balance(t, p0); got != 187_500 {
		t.Fatalf("idempotent resolve paid again: %d", got)
	}
}

func TestForcedResolveWithoutRevealsRefunds(t *testing.T) {
	h := newHarness(t)
	_, d := h.fundAndOpen(t, "order-tie")
	h.now = d.CommitDeadline + 10
	if _, err := h.engine.Resolve(d.ID); !errors.Is(err, coreerrors.ErrWindowClosed) {
		t.Fatalf("expected early resolve to fail, got %v", err)
	}
	due, _ := h.engine.DueForResolution()
	if len(due) != 0 {
		t.Fatalf("dispute must not be due before the reveal deadline")
	}

	h.now = d.RevealDeadline
	due, _ = h.engine.DueForResolution()
	if len(due) != 1 {
		t.Fatalf("expected dispute due for resolution")
	}
	resolved, err := h.engine.Resolve(d.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Outcome != escrow.OutcomeRefunded || resolved.RewardPerResolver.Sign() != 0 {
		t.Fatalf("tie must refund without rewards: %+v", resolved)
	}
	if len(resolved.Slashes) != 3 {
		t.Fatalf("every non-revealer must be slashed, got %d", len(resolved.Slashes))
	}
	if got := h.balance(t, h.buyer); got != 200_000_000-750_000 {
		t.Fatalf("buyer refund %d", got)
	}
	if got := h.balance(t, h.treasury); got != 750_000 {
		t.Fatalf("treasury %d", got)
	}
}

func TestOpenDisputeKeepsPolicySnapshot(t *testing.T) {
	h := newHarness(t)
	_, d := h.fundAndOpen(t, "order-e")
	bps := uint32(150)
	if _, err := h.gov.Update(governance.PolicyPatch{DisputeFeeBps: &bps}, h.admin); err != nil {
		t.Fatalf("update policy: %v", err)
	}
	h.now = d.RevealDeadline
	resolved, err := h.engine.Resolve(d.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Fee.Int64() != 750_000 {
		t.Fatalf("expected fee from the 75 bps snapshot, got %s", resolved.Fee)
	}

	_, fresh := h.fundAndOpen(t, "order-e2")
	if fresh.PolicyVersion != 2 {
		t.Fatalf("new dispute should use policy v2, got %d", fresh.PolicyVersion)
	}
}

func TestOpenRequiresPartyAndWindow(t *testing.T) {
	h := newHarness(t)
	trade, err := h.escrow.Fund("order-w", h.buyer, h.seller, big.NewInt(10_000_000), [32]byte{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := h.engine.Open(trade.ID, h.resolvers[0], ""); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected outsider open to fail, got %v", err)
	}
	h.now = trade.DisputeDeadline
	if _, err := h.engine.Open(trade.ID, h.buyer, ""); !errors.Is(err, coreerrors.ErrWindowClosed) {
		t.Fatalf("expected open after deadline to fail, got %v", err)
	}
}

func TestOpenOneSecondBeforeDeadline(t *testing.T) {
	h := newHarness(t)
	trade, err := h.escrow.Fund("order-b-edge", h.buyer, h.seller, big.NewInt(10_000_000), [32]byte{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	h.now = trade.DisputeDeadline - 1
	d, err := h.engine.Open(trade.ID, h.seller, "payment not received")
	if err != nil {
		t.Fatalf("open one second before the deadline: %v", err)
	}
	if len(d.Resolvers) != 3 {
		t.Fatalf("expected 3 resolvers, got %d", len(d.Resolvers))
	}
	if d.CommitDeadline != h.now+24*3600 {
		t.Fatalf("commit deadline %d, want %d", d.CommitDeadline, h.now+24*3600)
	}
}

func TestPanelSeatBlocksUnstakeUntilResolved(t *testing.T) {
	h := newHarness(t)
	_, d := h.fundAndOpen(t, "order-seat")
	seated := make(map[[20]byte]bool, len(d.Resolvers))
	for _, r := range d.Resolvers {
		seated[r] = true
	}
	h.now += 3600
	for _, resolver := range h.resolvers {
		_, err := h.stakes.Unstake(resolver, big.NewInt(100))
		if seated[resolver] {
			if !errors.Is(err, coreerrors.ErrCollateral) {
				t.Fatalf("seated resolver %x unstaked: %v", resolver[0], err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unseated resolver %x: %v", resolver[0], err)
		}
	}

	h.now = d.RevealDeadline
	if _, err := h.engine.Resolve(d.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, resolver := range d.Resolvers {
		if _, err := h.stakes.Unstake(resolver, big.NewInt(1_000)); !errors.Is(err, coreerrors.ErrCollateral) {
			t.Fatalf("queued slash must reserve stake of %x, got %v", resolver[0], err)
		}
		if _, err := h.stakes.Unstake(resolver, big.NewInt(900)); err != nil {
			t.Fatalf("unreserved stake of %x: %v", resolver[0], err)
		}
	}
}

func TestResolveUsesSnapshotTrustDeltas(t *testing.T) {
	h := newHarness(t)
	_, d := h.fundAndOpen(t, "order-trust")
	deltas := governance.DefaultPolicy().TrustDeltas
	deltas.DisputeLost = -20
	if _, err := h.gov.Update(governance.PolicyPatch{TrustDeltas: &deltas}, h.admin); err != nil {
		t.Fatalf("update policy: %v", err)
	}
	h.now = d.RevealDeadline
	if _, err := h.engine.Resolve(d.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	current, err := h.gov.Current()
	if err != nil {
		t.Fatalf("current policy: %v", err)
	}
	score, err := h.trust.Score(h.seller, current)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 45 {
		t.Fatalf("losing seller should take the snapshot delta of -5, got score %d", score)
	}
}
