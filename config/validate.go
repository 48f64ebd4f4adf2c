package config

import (
	"fmt"
	"strings"
)

var knownModules = map[string]struct{}{
	"escrow":      {},
	"arbitration": {},
	"staking":     {},
}

// ValidateConfig checks that every section decodes into valid ledger
// parameters.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if _, err := cfg.Governance.Policy(); err != nil {
		return fmt.Errorf("governance: %w", err)
	}
	if _, err := ParseAddresses("governance.Authorities", cfg.Governance.Authorities); err != nil {
		return err
	}
	if _, err := cfg.Staking.Params(); err != nil {
		return err
	}
	if _, err := ParseAddresses("staking.VetoAuthorities", cfg.Staking.VetoAuthorities); err != nil {
		return err
	}
	if _, err := cfg.Accounts.Addresses(); err != nil {
		return err
	}
	for _, alloc := range cfg.Allocations {
		if _, _, err := alloc.Parse(); err != nil {
			return err
		}
	}
	for _, module := range cfg.PausedModules {
		if _, ok := knownModules[strings.ToLower(strings.TrimSpace(module))]; !ok {
			return fmt.Errorf("PausedModules: unknown module %q", module)
		}
	}
	return nil
}
