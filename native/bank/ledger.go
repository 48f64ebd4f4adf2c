package bank

import (
	"errors"
	"fmt"
	"math/big"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/types"
)

var (
	errNilState      = errors.New("bank: state not configured")
	errInvalidAmount = coreerrors.New(coreerrors.ErrValidation, "invalid_amount", "bank: amount must be positive")
	errSelfTransfer  = coreerrors.New(coreerrors.ErrValidation, "self_transfer", "bank: source and destination must differ")
)

var accountPrefix = []byte("bank/account/")

// Ledger is the value-transfer primitive the settlement core moves funds
// through. Implementations must apply a transfer fully or not at all.
type Ledger interface {
	Transfer(from, to [20]byte, amount *big.Int) error
	BalanceOf(addr [20]byte) (*big.Int, error)
}

type accountState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// StateLedger is the in-ledger reference implementation of Ledger. Balances
// live in the same state overlay as trades so a transfer commits together with
// the status change that caused it.
type StateLedger struct {
	state accountState
}

// NewStateLedger binds the ledger to the provided state backend.
func NewStateLedger(state accountState) *StateLedger {
	return &StateLedger{state: state}
}

func accountKey(addr [20]byte) []byte {
	key := make([]byte, len(accountPrefix)+len(addr))
	copy(key, accountPrefix)
	copy(key[len(accountPrefix):], addr[:])
	return key
}

func (l *StateLedger) load(addr [20]byte) (*types.Account, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	var acc types.Account
	ok, err := l.state.KVGet(accountKey(addr), &acc)
	if err != nil {
		return nil, fmt.Errorf("bank: load account: %w", err)
	}
	if !ok {
		return (&types.Account{}).EnsureBalance(), nil
	}
	return acc.EnsureBalance(), nil
}

func (l *StateLedger) store(addr [20]byte, acc *types.Account) error {
	if err := l.state.KVPut(accountKey(addr), acc.EnsureBalance()); err != nil {
		return fmt.Errorf("bank: store account: %w", err)
	}
	return nil
}

// BalanceOf returns the current balance of addr.
func (l *StateLedger) BalanceOf(addr [20]byte) (*big.Int, error) {
	acc, err := l.load(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.Balance), nil
}

// Transfer moves amount from one address to another. A zero amount is a no-op.
func (l *StateLedger) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	if from == to {
		return errSelfTransfer
	}
	src, err := l.load(from)
	if err != nil {
		return err
	}
	if src.Balance.Cmp(amount) < 0 {
		return coreerrors.Shortfall("insufficient_balance", "bank: insufficient balance", amount, src.Balance)
	}
	dst, err := l.load(to)
	if err != nil {
		return err
	}
	src.Balance = new(big.Int).Sub(src.Balance, amount)
	src.Nonce++
	dst.Balance = new(big.Int).Add(dst.Balance, amount)
	if err := l.store(from, src); err != nil {
		return err
	}
	return l.store(to, dst)
}

// Credit mints amount into addr. It is used for genesis allocations and
// external deposits bridged into the ledger.
func (l *StateLedger) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	acc, err := l.load(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return l.store(addr, acc)
}
