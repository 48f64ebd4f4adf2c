package core

import (
	"fmt"
	"math/big"

	"p2pescrow/config"
)

// OptionsFromConfig converts a loaded node configuration into ledger options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, fmt.Errorf("ledger: nil config")
	}
	opts := DefaultOptions()

	policy, err := cfg.Governance.Policy()
	if err != nil {
		return Options{}, err
	}
	opts.Genesis = policy

	params, err := cfg.Staking.Params()
	if err != nil {
		return Options{}, err
	}
	opts.Staking = params

	accounts, err := cfg.Accounts.Addresses()
	if err != nil {
		return Options{}, err
	}
	opts.EscrowVault = accounts.EscrowVault
	opts.StakeVault = accounts.StakeVault
	opts.FeePool = accounts.FeePool
	opts.Treasury = accounts.Treasury

	if opts.Admins, err = config.ParseAddresses("governance.Authorities", cfg.Governance.Authorities); err != nil {
		return Options{}, err
	}
	if opts.VetoAuthorities, err = config.ParseAddresses("staking.VetoAuthorities", cfg.Staking.VetoAuthorities); err != nil {
		return Options{}, err
	}
	opts.PausedModules = append([]string(nil), cfg.PausedModules...)

	opts.Allocations = make(map[[20]byte]*big.Int, len(cfg.Allocations))
	for _, alloc := range cfg.Allocations {
		addr, amount, err := alloc.Parse()
		if err != nil {
			return Options{}, err
		}
		if prev, ok := opts.Allocations[addr]; ok {
			amount = new(big.Int).Add(prev, amount)
		}
		opts.Allocations[addr] = amount
	}
	return opts, nil
}
