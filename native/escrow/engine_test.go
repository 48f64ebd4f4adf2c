package escrow

import (
	"errors"
	"math/big"
	"testing"

	"p2pescrow/core/events"
	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/state"
	"p2pescrow/crypto"
	"p2pescrow/native/bank"
	"p2pescrow/native/governance"
	"p2pescrow/storage"
)

type fixedPolicy struct{ policy governance.Policy }

func (f fixedPolicy) Current() (governance.Policy, error) { return f.policy, nil }

type testEnv struct {
	engine   *Engine
	bank     *bank.StateLedger
	emitted  *events.Buffer
	now      int64
	buyer    [20]byte
	seller   [20]byte
	vault    [20]byte
	treasury [20]byte
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	env := &testEnv{
		bank:     bank.NewStateLedger(mgr),
		emitted:  &events.Buffer{},
		now:      1_700_000_000,
		buyer:    [20]byte{0x01},
		seller:   [20]byte{0x02},
		vault:    [20]byte{0xE5},
		treasury: [20]byte{0x7E},
	}
	if err := env.bank.Credit(env.buyer, big.NewInt(100_000_000)); err != nil {
		t.Fatalf("credit buyer: %v", err)
	}
	engine := NewEngine()
	engine.SetState(mgr)
	engine.SetBank(env.bank)
	engine.SetPolicySource(fixedPolicy{policy: governance.DefaultPolicy()})
	engine.SetVault(env.vault)
	engine.SetTreasury(env.treasury)
	engine.SetEmitter(env.emitted)
	engine.SetNowFunc(func() int64 { return env.now })
	env.engine = engine
	return env
}

func (env *testEnv) balance(t *testing.T, addr [20]byte) int64 {
	t.Helper()
	bal, err := env.bank.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func TestFundAndConfirmRelease(t *testing.T) {
	env := newTestEnv(t)
	policy := governance.DefaultPolicy()

	trade, err := env.engine.Fund("order-1", env.buyer, env.seller, big.NewInt(7_490_636), [32]byte{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if trade.ID != crypto.TradeID("order-1") {
		t.Fatalf("trade id not derived from order ref")
	}
	if trade.ReleaseTime != env.now+policy.AutoReleaseDelaySeconds || trade.DisputeDeadline != env.now+policy.DisputeWindowSeconds {
		t.Fatalf("unexpected deadlines: %+v", trade)
	}
	if got := env.balance(t, env.vault); got != 7_490_636 {
		t.Fatalf("vault balance %d", got)
	}

	if _, err := env.engine.ConfirmRelease(trade.ID, env.seller); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized seller confirm, got %v", err)
	}
	released, err := env.engine.ConfirmRelease(trade.ID, env.buyer)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if released.Status != TradeReleased || released.Outcome != OutcomeReleased {
		t.Fatalf("unexpected status %s outcome %s", released.Status, released.Outcome)
	}
	if got := env.balance(t, env.seller); got != 7_453_183 {
		t.Fatalf("seller balance %d", got)
	}
	if got := env.balance(t, env.treasury); got != 37_453 {
		t.Fatalf("treasury balance %d", got)
	}
	if got := env.balance(t, env.vault); got != 0 {
		t.Fatalf("vault should be empty, has %d", got)
	}

	if _, err := env.engine.ConfirmRelease(trade.ID, env.buyer); !errors.Is(err, coreerrors.ErrStateConflict) {
		t.Fatalf("second release must fail, got %v", err)
	}
	if got := env.balance(t, env.seller); got != 7_453_183 {
		t.Fatalf("second release paid out again: %d", got)
	}
	drained := env.emitted.Drain()
	if len(drained) != 2 || drained[0].Type != EventTypeTradeFunded || drained[1].Type != EventTypeTradeReleased {
		t.Fatalf("unexpected events: %+v", drained)
	}
}

func TestFundRejectsDuplicatesAndSelfTrades(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Fund("order-2", env.buyer, env.buyer, big.NewInt(10), [32]byte{}); !errors.Is(err, coreerrors.ErrValidation) {
		t.Fatalf("expected validation error for self trade, got %v", err)
	}
	if _, err := env.engine.Fund("order-2", env.buyer, env.seller, big.NewInt(10), [32]byte{}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := env.engine.Fund(" order-2 ", env.buyer, env.seller, big.NewInt(10), [32]byte{}); !errors.Is(err, errTradeExists) {
		t.Fatalf("expected duplicate funding to fail, got %v", err)
	}
	if got := env.balance(t, env.vault); got != 10 {
		t.Fatalf("duplicate funding moved funds: vault=%d", got)
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	env := newTestEnv(t)
	trade, err := env.engine.Fund("order-3", env.buyer, env.seller, big.NewInt(1_000_000), [32]byte{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	disputeID := crypto.DisputeID(trade.ID)
	if _, err := env.engine.MarkDisputed(trade.ID, [20]byte{0x99}, disputeID); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected outsider dispute to fail, got %v", err)
	}
	if _, err := env.engine.MarkDisputed(trade.ID, env.seller, disputeID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := env.engine.ConfirmRelease(trade.ID, env.buyer); !errors.Is(err, coreerrors.ErrStateConflict) {
		t.Fatalf("release of disputed trade must fail, got %v", err)
	}
	if _, err := env.engine.MarkDisputed(trade.ID, env.buyer, disputeID); !errors.Is(err, coreerrors.ErrStateConflict) {
		t.Fatalf("second dispute must fail, got %v", err)
	}
	env.now += governance.DefaultPolicy().AutoReleaseDelaySeconds + 1
	due, err := env.engine.DueForAutoRelease()
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("disputed trade must not auto-release")
	}

	sink := [20]byte{0xF5}
	settled, err := env.engine.Settle(trade.ID, OutcomeRefunded, big.NewInt(500_000), sink)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.Status != TradeResolved || settled.Outcome != OutcomeRefunded {
		t.Fatalf("unexpected settled trade: %+v", settled)
	}
	if got := env.balance(t, sink); got != 500_000 {
		t.Fatalf("fee sink %d", got)
	}
	if got := env.balance(t, env.buyer); got != 100_000_000-500_000 {
		t.Fatalf("buyer refund %d", got)
	}
	if _, err := env.engine.Settle(trade.ID, OutcomeReleased, big.NewInt(0), sink); !errors.Is(err, coreerrors.ErrStateConflict) {
		t.Fatalf("resolved trade must be terminal, got %v", err)
	}
}

func TestSettleReleaseChargesBothFees(t *testing.T) {
	env := newTestEnv(t)
	trade, err := env.engine.Fund("order-4", env.buyer, env.seller, big.NewInt(1_000_000), [32]byte{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := env.engine.MarkDisputed(trade.ID, env.buyer, crypto.DisputeID(trade.ID)); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	sink := [20]byte{0xF5}
	if _, err := env.engine.Settle(trade.ID, OutcomeReleased, big.NewInt(500_000), sink); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// platform fee 50 bps of 1_000_000 = 5_000
	if got := env.balance(t, env.seller); got != 495_000 {
		t.Fatalf("seller payout %d", got)
	}
	if got := env.balance(t, env.treasury); got != 5_000 {
		t.Fatalf("treasury %d", got)
	}
}

func TestDisputeWindowAndAutoRelease(t *testing.T) {
	env := newTestEnv(t)
	policy := governance.DefaultPolicy()
	trade, err := env.engine.Fund("order-5", env.buyer, env.seller, big.NewInt(2_000), [32]byte{})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := env.engine.AutoRelease(trade.ID); !errors.Is(err, coreerrors.ErrWindowClosed) {
		t.Fatalf("expected early auto-release to fail, got %v", err)
	}
	env.now = trade.DisputeDeadline
	if _, err := env.engine.MarkDisputed(trade.ID, env.buyer, crypto.DisputeID(trade.ID)); !errors.Is(err, coreerrors.ErrWindowClosed) {
		t.Fatalf("expected dispute at deadline to fail, got %v", err)
	}
	env.now = trade.FundedAt + policy.AutoReleaseDelaySeconds
	due, err := env.engine.DueForAutoRelease()
	if err != nil || len(due) != 1 || due[0] != trade.ID {
		t.Fatalf("expected trade due for auto-release: %v %v", due, err)
	}
	released, err := env.engine.AutoRelease(trade.ID)
	if err != nil {
		t.Fatalf("auto release: %v", err)
	}
	if released.Status != TradeReleased {
		t.Fatalf("unexpected status %s", released.Status)
	}
	due, _ = env.engine.DueForAutoRelease()
	if len(due) != 0 {
		t.Fatalf("released trade still listed as due")
	}
}
