package core

import (
	"testing"

	"p2pescrow/config"
	"p2pescrow/crypto"
)

func TestOptionsFromConfigMergesAllocations(t *testing.T) {
	cfg := config.Default()
	addr := [20]byte{0x42}
	cfg.Allocations = []config.Allocation{
		{Address: crypto.FormatAddress(addr), Amount: "100"},
		{Address: crypto.FormatAddress(addr), Amount: "250"},
	}
	cfg.Governance.Authorities = []string{crypto.FormatAddress(testAdmin)}

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if got := opts.Allocations[addr]; got == nil || got.Int64() != 350 {
		t.Fatalf("expected merged allocation 350, got %v", got)
	}
	if len(opts.Admins) != 1 || opts.Admins[0] != testAdmin {
		t.Fatalf("unexpected admins: %x", opts.Admins)
	}
	if opts.Genesis.PlatformFeeBps != cfg.Governance.PlatformFeeBps {
		t.Fatalf("platform fee not carried: %d", opts.Genesis.PlatformFeeBps)
	}
}

func TestOptionsFromConfigRejectsBadAuthority(t *testing.T) {
	cfg := config.Default()
	cfg.Governance.Authorities = []string{"not-an-address"}
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Fatalf("expected error for malformed authority")
	}
}
