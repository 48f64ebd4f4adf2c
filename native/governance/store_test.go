package governance

import (
	"errors"
	"math/big"
	"testing"

	coreerrors "p2pescrow/core/errors"
	"p2pescrow/core/events"
	"p2pescrow/core/state"
	"p2pescrow/storage"
)

func newTestStore(t *testing.T) (*Store, *events.Buffer, [20]byte) {
	t.Helper()
	admin := [20]byte{0xAD}
	buf := &events.Buffer{}
	store := NewStore()
	store.SetState(state.NewManager(storage.NewMemDB()))
	store.SetEmitter(buf)
	store.SetNowFunc(func() int64 { return 1_700_000_000 })
	store.SetAuthorities([][20]byte{admin})
	if err := store.Bootstrap(DefaultPolicy()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return store, buf, admin
}

func uint32Ptr(v uint32) *uint32 { return &v }
func int64Ptr(v int64) *int64    { return &v }

func TestUpdateCreatesNewVersion(t *testing.T) {
	store, buf, admin := newTestStore(t)

	updated, err := store.Update(PolicyPatch{DisputeFeeBps: uint32Ptr(150)}, admin)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.DisputeFeeBps != 150 {
		t.Fatalf("unexpected updated policy: version=%d bps=%d", updated.Version, updated.DisputeFeeBps)
	}
	if updated.PanelSize != DefaultPolicy().PanelSize {
		t.Fatalf("unpatched field changed: panel=%d", updated.PanelSize)
	}

	v1, err := store.Version(1)
	if err != nil {
		t.Fatalf("version 1: %v", err)
	}
	if v1.DisputeFeeBps != 75 {
		t.Fatalf("stored version 1 mutated: bps=%d", v1.DisputeFeeBps)
	}
	current, err := store.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.Version != 2 || current.UpdatedBy != admin {
		t.Fatalf("unexpected current policy: %+v", current)
	}
	if current.TrustDeltas.DisputeLost != DefaultPolicy().TrustDeltas.DisputeLost {
		t.Fatalf("negative delta did not survive encoding: %d", current.TrustDeltas.DisputeLost)
	}
	drained := buf.Drain()
	if len(drained) != 1 || drained[0].Type != EventTypePolicyUpdated || drained[0].Attributes["version"] != "2" {
		t.Fatalf("unexpected events: %+v", drained)
	}
}

func TestUpdateRequiresAuthority(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Update(PolicyPatch{DisputeFeeBps: uint32Ptr(100)}, [20]byte{0x01})
	if !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestUpdateValidatesBounds(t *testing.T) {
	store, _, admin := newTestStore(t)
	cases := []struct {
		name  string
		patch PolicyPatch
	}{
		{name: "bps overflow", patch: PolicyPatch{DisputeFeeBps: uint32Ptr(10_001)}},
		{name: "min above max", patch: PolicyPatch{DisputeFeeMin: big.NewInt(100), DisputeFeeMax: big.NewInt(10)}},
		{name: "base outside bounds", patch: PolicyPatch{BaseScore: int64Ptr(500)}},
		{name: "positive penalty", patch: PolicyPatch{TrustDeltas: &TrustDeltas{DisputeLost: 3}}},
		{name: "zero panel", patch: PolicyPatch{PanelSize: uint32Ptr(0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := store.Update(tc.patch, admin); !errors.Is(err, coreerrors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	current, _ := store.Current()
	if current.Version != 1 {
		t.Fatalf("rejected updates must not bump the version, got %d", current.Version)
	}
	if _, err := store.Update(PolicyPatch{}, admin); !errors.Is(err, errEmptyPatch) {
		t.Fatalf("expected empty patch error, got %v", err)
	}
}

func TestBootstrapIsIdempotent(t *testing.T) {
	store, _, admin := newTestStore(t)
	if _, err := store.Update(PolicyPatch{PanelSize: uint32Ptr(5)}, admin); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Bootstrap(DefaultPolicy()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	current, _ := store.Current()
	if current.Version != 2 || current.PanelSize != 5 {
		t.Fatalf("bootstrap overwrote policy: %+v", current)
	}
}
