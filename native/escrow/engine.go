package escrow

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
	"p2pescrow/native/governance"
)

// ModuleName is the pause key guarding escrow mutations.
const ModuleName = "escrow"

var (
	errNilState          = errors.New("escrow engine: state not configured")
	errNilBank           = errors.New("escrow engine: bank not configured")
	errNilPolicy         = errors.New("escrow engine: policy source not configured")
	errTradeNotFound     = coreerrors.New(coreerrors.ErrNotFound, "trade_not_found", "escrow: trade not found")
	errTradeExists       = coreerrors.New(coreerrors.ErrStateConflict, "trade_exists", "escrow: trade already funded")
	errSameParty         = coreerrors.New(coreerrors.ErrValidation, "same_party", "escrow: buyer and seller must differ")
	errMissingOrderRef   = coreerrors.New(coreerrors.ErrValidation, "order_ref_required", "escrow: order reference required")
	errInvalidAmount     = coreerrors.New(coreerrors.ErrValidation, "invalid_amount", "escrow: amount must be positive")
	errNotBuyer          = coreerrors.New(coreerrors.ErrUnauthorized, "not_buyer", "escrow: only the buyer may confirm release")
	errNotParty          = coreerrors.New(coreerrors.ErrUnauthorized, "not_party", "escrow: caller is not a trade party")
	errNotFunded         = coreerrors.New(coreerrors.ErrStateConflict, "trade_not_funded", "escrow: trade is not funded")
	errNotDisputed       = coreerrors.New(coreerrors.ErrStateConflict, "trade_not_disputed", "escrow: trade is not disputed")
	errDisputeWindow     = coreerrors.New(coreerrors.ErrWindowClosed, "dispute_window_closed", "escrow: dispute deadline has passed")
	errReleaseNotDue     = coreerrors.New(coreerrors.ErrWindowClosed, "release_not_due", "escrow: auto-release time not reached")
	errInvalidOutcome    = coreerrors.New(coreerrors.ErrValidation, "invalid_outcome", "escrow: invalid settlement outcome")
	tradePrefix          = []byte("escrow/trade/")
	fundedTradeIndexKey  = []byte("escrow/index/funded")
	errInsufficientVault = coreerrors.New(coreerrors.ErrInvariant, "vault_underfunded", "escrow: vault holds less than the trade amount")
)

type tradeState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

type policySource interface {
	Current() (governance.Policy, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine is the escrow trade ledger. Funds sit in the escrow vault between
// Fund and release, refund or settlement.
type Engine struct {
	state    tradeState
	bank     bank.Ledger
	policies policySource
	pauses   common.PauseView
	emitter  events.Emitter
	vault    [20]byte
	treasury [20]byte
	nowFn    func() int64
}

// NewEngine creates an escrow engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state tradeState) { e.state = state }

// SetBank configures the value-transfer primitive.
func (e *Engine) SetBank(ledger bank.Ledger) { e.bank = ledger }

// SetPolicySource configures where the engine reads the active policy.
func (e *Engine) SetPolicySource(src policySource) { e.policies = src }

// SetPauses wires the module pause view.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetVault configures the address that holds escrowed funds.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// SetTreasury configures the address that receives platform fees.
func (e *Engine) SetTreasury(addr [20]byte) { e.treasury = addr }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.bank == nil {
		return errNilBank
	}
	return nil
}

func tradeKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", tradePrefix, id))
}

// Get returns the trade stored under id.
func (e *Engine) Get(id [32]byte) (*Trade, bool, error) {
	if e == nil || e.state == nil {
		return nil, false, errNilState
	}
	var stored storedTrade
	ok, err := e.state.KVGet(tradeKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toTrade(), true, nil
}

func (e *Engine) load(id [32]byte) (*Trade, error) {
	trade, ok, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errTradeNotFound
	}
	return trade, nil
}

func (e *Engine) store(trade *Trade) error {
	if err := e.state.KVPut(tradeKey(trade.ID), newStoredTrade(trade)); err != nil {
		return fmt.Errorf("escrow engine: store trade: %w", err)
	}
	return nil
}

func (e *Engine) pay(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	return e.bank.Transfer(e.vault, to, amount)
}

func (e *Engine) checkVault(amount *big.Int) error {
	balance, err := e.bank.BalanceOf(e.vault)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return errInsufficientVault
	}
	return nil
}

// Fund creates the trade for orderRef and moves amount from the buyer into the
// escrow vault. A trade id can be funded exactly once.
func (e *Engine) Fund(orderRef string, buyer, seller [20]byte, amount *big.Int, proofHash [32]byte) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	if e.policies == nil {
		return nil, errNilPolicy
	}
	ref := strings.TrimSpace(orderRef)
	if ref == "" {
		return nil, errMissingOrderRef
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if buyer == seller {
		return nil, errSameParty
	}
	id := crypto.TradeID(ref)
	if _, exists, err := e.Get(id); err != nil {
		return nil, err
	} else if exists {
		return nil, errTradeExists
	}
	policy, err := e.policies.Current()
	if err != nil {
		return nil, err
	}
	if err := e.bank.Transfer(buyer, e.vault, amount); err != nil {
		return nil, err
	}
	now := e.now()
	trade := &Trade{
		ID:              id,
		OrderRef:        ref,
		Buyer:           buyer,
		Seller:          seller,
		Amount:          new(big.Int).Set(amount),
		PlatformFeeBps:  policy.PlatformFeeBps,
		PolicyVersion:   policy.Version,
		FundedAt:        now,
		ReleaseTime:     now + policy.AutoReleaseDelaySeconds,
		DisputeDeadline: now + policy.DisputeWindowSeconds,
		Status:          TradeFunded,
		ProofHash:       proofHash,
	}
	if err := e.store(trade); err != nil {
		return nil, err
	}
	if err := e.state.KVAppend(fundedTradeIndexKey, id[:]); err != nil {
		return nil, err
	}
	e.emit(NewTradeFundedEvent(trade))
	return trade.Clone(), nil
}

// ConfirmRelease pays the seller once the buyer confirms receipt.
func (e *Engine) ConfirmRelease(id [32]byte, caller [20]byte) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	trade, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if caller != trade.Buyer {
		return nil, errNotBuyer
	}
	if trade.Status != TradeFunded {
		return nil, errNotFunded
	}
	if err := e.release(trade); err != nil {
		return nil, err
	}
	e.emit(NewTradeReleasedEvent(trade, false))
	return trade.Clone(), nil
}

// AutoRelease pays the seller of a funded trade whose release time has passed
// without a dispute.
func (e *Engine) AutoRelease(id [32]byte) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	trade, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if trade.Status != TradeFunded {
		return nil, errNotFunded
	}
	if e.now() < trade.ReleaseTime {
		return nil, errReleaseNotDue
	}
	if err := e.release(trade); err != nil {
		return nil, err
	}
	e.emit(NewTradeReleasedEvent(trade, true))
	return trade.Clone(), nil
}

func (e *Engine) release(trade *Trade) error {
	if err := e.checkVault(trade.Amount); err != nil {
		return err
	}
	fee := PlatformFeeFor(trade.Amount, trade.PlatformFeeBps)
	if err := e.pay(trade.Seller, new(big.Int).Sub(trade.Amount, fee)); err != nil {
		return err
	}
	if err := e.pay(e.treasury, fee); err != nil {
		return err
	}
	trade.PlatformFee = fee
	trade.Status = TradeReleased
	trade.Outcome = OutcomeReleased
	trade.ResolvedAt = e.now()
	if err := e.store(trade); err != nil {
		return err
	}
	return e.state.KVRemove(fundedTradeIndexKey, trade.ID[:])
}

// DueForAutoRelease lists funded trades whose release time has passed.
func (e *Engine) DueForAutoRelease() ([][32]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var index [][]byte
	if err := e.state.KVGetList(fundedTradeIndexKey, &index); err != nil {
		return nil, err
	}
	now := e.now()
	due := make([][32]byte, 0, len(index))
	for _, raw := range index {
		var id [32]byte
		copy(id[:], raw)
		trade, ok, err := e.Get(id)
		if err != nil {
			return nil, err
		}
		if ok && trade.Status == TradeFunded && now >= trade.ReleaseTime {
			due = append(due, id)
		}
	}
	return due, nil
}

// MarkDisputed freezes a funded trade pending arbitration.
func (e *Engine) MarkDisputed(id [32]byte, caller [20]byte, disputeID [32]byte) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := common.Guard(e.pauses, ModuleName); err != nil {
		return nil, err
	}
	trade, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if !trade.IsParty(caller) {
		return nil, errNotParty
	}
	if trade.Status != TradeFunded {
		return nil, errNotFunded
	}
	if e.now() >= trade.DisputeDeadline {
		return nil, errDisputeWindow
	}
	trade.Status = TradeDisputed
	trade.DisputeID = disputeID
	if err := e.store(trade); err != nil {
		return nil, err
	}
	if err := e.state.KVRemove(fundedTradeIndexKey, id[:]); err != nil {
		return nil, err
	}
	e.emit(NewTradeDisputedEvent(trade, caller))
	return trade.Clone(), nil
}

// Settle pays out a disputed trade according to the arbitration outcome. The
// dispute fee, capped at the trade amount, is taken from the escrowed value and
// sent to feeSink. A release additionally pays the platform fee.
func (e *Engine) Settle(id [32]byte, outcome Outcome, disputeFee *big.Int, feeSink [20]byte) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	trade, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if trade.Status != TradeDisputed {
		return nil, errNotDisputed
	}
	if err := e.checkVault(trade.Amount); err != nil {
		return nil, err
	}
	fee := cloneBigInt(disputeFee)
	if fee.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if fee.Cmp(trade.Amount) > 0 {
		fee.Set(trade.Amount)
	}
	remaining := new(big.Int).Sub(trade.Amount, fee)
	platformFee := big.NewInt(0)
	switch outcome {
	case OutcomeRefunded:
		if err := e.pay(trade.Buyer, remaining); err != nil {
			return nil, err
		}
	case OutcomeReleased:
		platformFee = PlatformFeeFor(trade.Amount, trade.PlatformFeeBps)
		if platformFee.Cmp(remaining) > 0 {
			platformFee.Set(remaining)
		}
		if err := e.pay(trade.Seller, new(big.Int).Sub(remaining, platformFee)); err != nil {
			return nil, err
		}
		if err := e.pay(e.treasury, platformFee); err != nil {
			return nil, err
		}
	default:
		return nil, errInvalidOutcome
	}
	if err := e.pay(feeSink, fee); err != nil {
		return nil, err
	}
	trade.Status = TradeResolved
	trade.Outcome = outcome
	trade.ResolvedAt = e.now()
	trade.PlatformFee = platformFee
	trade.DisputeFee = fee
	if err := e.store(trade); err != nil {
		return nil, err
	}
	e.emit(NewTradeResolvedEvent(trade))
	return trade.Clone(), nil
}
