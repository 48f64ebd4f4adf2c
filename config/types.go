package config

import (
	"fmt"
	"math/big"
	"strings"

	"p2pescrow/crypto"
	"p2pescrow/native/governance"
	"p2pescrow/native/staking"
)

// Governance captures the genesis policy. Zero values inherit the built-in
// defaults when the file is loaded.
type Governance struct {
	DisputeFeeBps           uint32      `toml:"DisputeFeeBps"`
	DisputeFeeMin           string      `toml:"DisputeFeeMin"`
	DisputeFeeMax           string      `toml:"DisputeFeeMax"`
	PlatformFeeBps          uint32      `toml:"PlatformFeeBps"`
	ResolverRewardBps       uint32      `toml:"ResolverRewardBps"`
	PanelSize               uint32      `toml:"PanelSize"`
	AutoReleaseDelaySeconds int64       `toml:"AutoReleaseDelaySeconds"`
	DisputeWindowSeconds    int64       `toml:"DisputeWindowSeconds"`
	CommitWindowSeconds     int64       `toml:"CommitWindowSeconds"`
	RevealWindowSeconds     int64       `toml:"RevealWindowSeconds"`
	Trust                   TrustConfig `toml:"trust"`
	Authorities             []string    `toml:"Authorities"`
}

// TrustConfig holds the score bounds and per-event deltas.
type TrustConfig struct {
	BaseScore      int64 `toml:"BaseScore"`
	MinScore       int64 `toml:"MinScore"`
	MaxScore       int64 `toml:"MaxScore"`
	TradeCompleted int64 `toml:"TradeCompleted"`
	DisputeOpened  int64 `toml:"DisputeOpened"`
	DisputeWon     int64 `toml:"DisputeWon"`
	DisputeLost    int64 `toml:"DisputeLost"`
	FraudReported  int64 `toml:"FraudReported"`
}

// Staking configures the resolver stake registry.
type Staking struct {
	MinStake             string   `toml:"MinStake"`
	LockDurationSeconds  int64    `toml:"LockDurationSeconds"`
	SlashingDelaySeconds int64    `toml:"SlashingDelaySeconds"`
	SlashBps             uint32   `toml:"SlashBps"`
	VetoAuthorities      []string `toml:"VetoAuthorities"`
}

// Accounts names the module-owned addresses.
type Accounts struct {
	EscrowVault string `toml:"EscrowVault"`
	StakeVault  string `toml:"StakeVault"`
	FeePool     string `toml:"FeePool"`
	Treasury    string `toml:"Treasury"`
}

// Allocation credits an address at genesis.
type Allocation struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	policy := governance.DefaultPolicy()
	params := staking.DefaultParams()
	return &Config{
		DataDir:       "./p2pescrow-data",
		NetworkName:   "p2pescrow-local",
		PausedModules: []string{},
		Governance: Governance{
			DisputeFeeBps:           policy.DisputeFeeBps,
			DisputeFeeMin:           policy.DisputeFeeMin.String(),
			DisputeFeeMax:           policy.DisputeFeeMax.String(),
			PlatformFeeBps:          policy.PlatformFeeBps,
			ResolverRewardBps:       policy.ResolverRewardBps,
			PanelSize:               policy.PanelSize,
			AutoReleaseDelaySeconds: policy.AutoReleaseDelaySeconds,
			DisputeWindowSeconds:    policy.DisputeWindowSeconds,
			CommitWindowSeconds:     policy.CommitWindowSeconds,
			RevealWindowSeconds:     policy.RevealWindowSeconds,
			Trust: TrustConfig{
				BaseScore:      policy.BaseScore,
				MinScore:       policy.MinScore,
				MaxScore:       policy.MaxScore,
				TradeCompleted: policy.TrustDeltas.TradeCompleted,
				DisputeOpened:  policy.TrustDeltas.DisputeOpened,
				DisputeWon:     policy.TrustDeltas.DisputeWon,
				DisputeLost:    policy.TrustDeltas.DisputeLost,
				FraudReported:  policy.TrustDeltas.FraudReported,
			},
			Authorities: []string{},
		},
		Staking: Staking{
			MinStake:             params.MinStake.String(),
			LockDurationSeconds:  params.LockDurationSeconds,
			SlashingDelaySeconds: params.SlashingDelaySeconds,
			SlashBps:             params.SlashBps,
			VetoAuthorities:      []string{},
		},
		Accounts: Accounts{
			EscrowVault: crypto.FormatVaultAddress(crypto.ModuleAddress("escrow")),
			StakeVault:  crypto.FormatVaultAddress(crypto.ModuleAddress("staking")),
			FeePool:     crypto.FormatVaultAddress(crypto.ModuleAddress("arbitration")),
			Treasury:    crypto.FormatVaultAddress(crypto.ModuleAddress("treasury")),
		},
		Logging: Logging{Level: "info"},
	}
}

func (g *Governance) fillFrom(d Governance) {
	if g.DisputeFeeBps == 0 {
		g.DisputeFeeBps = d.DisputeFeeBps
	}
	if strings.TrimSpace(g.DisputeFeeMin) == "" {
		g.DisputeFeeMin = d.DisputeFeeMin
	}
	if strings.TrimSpace(g.DisputeFeeMax) == "" {
		g.DisputeFeeMax = d.DisputeFeeMax
	}
	if g.PlatformFeeBps == 0 {
		g.PlatformFeeBps = d.PlatformFeeBps
	}
	if g.ResolverRewardBps == 0 {
		g.ResolverRewardBps = d.ResolverRewardBps
	}
	if g.PanelSize == 0 {
		g.PanelSize = d.PanelSize
	}
	if g.AutoReleaseDelaySeconds == 0 {
		g.AutoReleaseDelaySeconds = d.AutoReleaseDelaySeconds
	}
	if g.DisputeWindowSeconds == 0 {
		g.DisputeWindowSeconds = d.DisputeWindowSeconds
	}
	if g.CommitWindowSeconds == 0 {
		g.CommitWindowSeconds = d.CommitWindowSeconds
	}
	if g.RevealWindowSeconds == 0 {
		g.RevealWindowSeconds = d.RevealWindowSeconds
	}
	// Score bounds and deltas are only meaningful as a set.
	if g.Trust == (TrustConfig{}) {
		g.Trust = d.Trust
	}
	if g.Authorities == nil {
		g.Authorities = []string{}
	}
}

func (s *Staking) fillFrom(d Staking) {
	if strings.TrimSpace(s.MinStake) == "" {
		s.MinStake = d.MinStake
	}
	if s.LockDurationSeconds == 0 {
		s.LockDurationSeconds = d.LockDurationSeconds
	}
	if s.SlashingDelaySeconds == 0 {
		s.SlashingDelaySeconds = d.SlashingDelaySeconds
	}
	if s.SlashBps == 0 {
		s.SlashBps = d.SlashBps
	}
	if s.VetoAuthorities == nil {
		s.VetoAuthorities = []string{}
	}
}

func (a *Accounts) fillFrom(d Accounts) {
	if strings.TrimSpace(a.EscrowVault) == "" {
		a.EscrowVault = d.EscrowVault
	}
	if strings.TrimSpace(a.StakeVault) == "" {
		a.StakeVault = d.StakeVault
	}
	if strings.TrimSpace(a.FeePool) == "" {
		a.FeePool = d.FeePool
	}
	if strings.TrimSpace(a.Treasury) == "" {
		a.Treasury = d.Treasury
	}
}

// Policy converts the governance section into the genesis policy.
func (g Governance) Policy() (governance.Policy, error) {
	feeMin, err := parseAmount("governance.DisputeFeeMin", g.DisputeFeeMin)
	if err != nil {
		return governance.Policy{}, err
	}
	feeMax, err := parseAmount("governance.DisputeFeeMax", g.DisputeFeeMax)
	if err != nil {
		return governance.Policy{}, err
	}
	policy := governance.Policy{
		Version:                 1,
		DisputeFeeBps:           g.DisputeFeeBps,
		DisputeFeeMin:           feeMin,
		DisputeFeeMax:           feeMax,
		PlatformFeeBps:          g.PlatformFeeBps,
		ResolverRewardBps:       g.ResolverRewardBps,
		PanelSize:               g.PanelSize,
		AutoReleaseDelaySeconds: g.AutoReleaseDelaySeconds,
		DisputeWindowSeconds:    g.DisputeWindowSeconds,
		CommitWindowSeconds:     g.CommitWindowSeconds,
		RevealWindowSeconds:     g.RevealWindowSeconds,
		TrustDeltas: governance.TrustDeltas{
			TradeCompleted: g.Trust.TradeCompleted,
			DisputeOpened:  g.Trust.DisputeOpened,
			DisputeWon:     g.Trust.DisputeWon,
			DisputeLost:    g.Trust.DisputeLost,
			FraudReported:  g.Trust.FraudReported,
		},
		BaseScore: g.Trust.BaseScore,
		MinScore:  g.Trust.MinScore,
		MaxScore:  g.Trust.MaxScore,
	}
	if err := policy.Validate(); err != nil {
		return governance.Policy{}, err
	}
	return policy, nil
}

// Params converts the staking section into registry parameters.
func (s Staking) Params() (staking.Params, error) {
	minStake, err := parseAmount("staking.MinStake", s.MinStake)
	if err != nil {
		return staking.Params{}, err
	}
	params := staking.Params{
		MinStake:             minStake,
		LockDurationSeconds:  s.LockDurationSeconds,
		SlashingDelaySeconds: s.SlashingDelaySeconds,
		SlashBps:             s.SlashBps,
	}
	if err := params.Validate(); err != nil {
		return staking.Params{}, err
	}
	return params, nil
}

// AccountAddresses decodes the module addresses.
type AccountAddresses struct {
	EscrowVault [20]byte
	StakeVault  [20]byte
	FeePool     [20]byte
	Treasury    [20]byte
}

// Addresses decodes every configured module address.
func (a Accounts) Addresses() (AccountAddresses, error) {
	var out AccountAddresses
	fields := []struct {
		name  string
		value string
		dst   *[20]byte
	}{
		{"accounts.EscrowVault", a.EscrowVault, &out.EscrowVault},
		{"accounts.StakeVault", a.StakeVault, &out.StakeVault},
		{"accounts.FeePool", a.FeePool, &out.FeePool},
		{"accounts.Treasury", a.Treasury, &out.Treasury},
	}
	for _, f := range fields {
		addr, err := crypto.ParseAddress(f.value)
		if err != nil {
			return AccountAddresses{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = addr
	}
	return out, nil
}

// ParseAddresses decodes a list of configured addresses.
func ParseAddresses(field string, values []string) ([][20]byte, error) {
	out := make([][20]byte, 0, len(values))
	for i, value := range values {
		addr, err := crypto.ParseAddress(value)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// Parse decodes the allocation.
func (a Allocation) Parse() ([20]byte, *big.Int, error) {
	addr, err := crypto.ParseAddress(a.Address)
	if err != nil {
		return [20]byte{}, nil, fmt.Errorf("allocation address: %w", err)
	}
	amount, err := parseAmount("allocation.Amount", a.Amount)
	if err != nil {
		return [20]byte{}, nil, err
	}
	return addr, amount, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s: value required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid integer %q", field, raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%s: must not be negative", field)
	}
	return amount, nil
}
