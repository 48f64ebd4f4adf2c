package types

import "math/big"

// Account holds the settlement-asset balance of a ledger address.
type Account struct {
	Nonce   uint64
	Balance *big.Int
}

// EnsureBalance replaces a nil balance with zero so callers can do arithmetic
// without nil checks.
func (a *Account) EnsureBalance() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if a.Balance == nil {
		a.Balance = big.NewInt(0)
	}
	return a
}
