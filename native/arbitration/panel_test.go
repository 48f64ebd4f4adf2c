package arbitration

import (
	"errors"
	"math/big"
	"testing"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/native/governance"
)

func testCandidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{Resolver: [20]byte{byte(i + 1)}, Stake: big.NewInt(int64(1_000 * (i + 1))), Score: 50}
	}
	return out
}

func TestSelectPanelDeterministic(t *testing.T) {
	seed := [32]byte{0x42}
	candidates := testCandidates(8)
	first, err := SelectPanel(candidates, nil, 3, seed)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// Input order must not matter.
	reversed := make([]Candidate, len(candidates))
	for i := range candidates {
		reversed[len(candidates)-1-i] = candidates[i]
	}
	second, err := SelectPanel(reversed, nil, 3, seed)
	if err != nil {
		t.Fatalf("select reversed: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 resolvers, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("selection depends on input order: %x vs %x", first, second)
		}
	}
	seen := map[[20]byte]bool{}
	for _, r := range first {
		if seen[r] {
			t.Fatalf("resolver %x drawn twice", r)
		}
		seen[r] = true
	}
}

func TestSelectPanelExcludesPartiesAndZeroWeight(t *testing.T) {
	candidates := testCandidates(5)
	candidates[3].Score = 0
	candidates[4].Stake = big.NewInt(0)
	exclude := [][20]byte{candidates[0].Resolver}

	for i := 0; i < 20; i++ {
		panel, err := SelectPanel(candidates, exclude, 2, [32]byte{byte(i)})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		for _, r := range panel {
			if r == candidates[0].Resolver || r == candidates[3].Resolver || r == candidates[4].Resolver {
				t.Fatalf("ineligible resolver %x drawn", r)
			}
		}
	}
	if _, err := SelectPanel(candidates, exclude, 3, [32]byte{}); !errors.Is(err, coreerrors.ErrStateConflict) {
		t.Fatalf("expected insufficient resolvers, got %v", err)
	}
}

func TestSelectPanelFavoursWeight(t *testing.T) {
	heavy := Candidate{Resolver: [20]byte{0x01}, Stake: big.NewInt(1_000_000), Score: 100}
	light := Candidate{Resolver: [20]byte{0x02}, Stake: big.NewInt(1), Score: 1}
	heavyFirst := 0
	for i := 0; i < 200; i++ {
		panel, err := SelectPanel([]Candidate{light, heavy}, nil, 1, [32]byte{byte(i), byte(i >> 8)})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if panel[0] == heavy.Resolver {
			heavyFirst++
		}
	}
	if heavyFirst < 190 {
		t.Fatalf("heavy resolver drawn only %d/200 times", heavyFirst)
	}
}

func TestComputeFeeClamp(t *testing.T) {
	policy := governance.DefaultPolicy()
	policy.DisputeFeeBps = 100
	policy.DisputeFeeMin = big.NewInt(50)
	policy.DisputeFeeMax = big.NewInt(1_000)

	cases := []struct {
		amount int64
		want   int64
	}{
		{amount: 10_000, want: 100},
		{amount: 1_000, want: 50},
		{amount: 1_000_000, want: 1_000},
		{amount: 5_000, want: 50},
		{amount: 30, want: 30},
		{amount: 0, want: 0},
	}
	for _, tc := range cases {
		got := ComputeFee(big.NewInt(tc.amount), policy)
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("fee(%d) = %s, want %d", tc.amount, got, tc.want)
		}
	}
}
