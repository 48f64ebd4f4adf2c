package state

import (
	"errors"
	"math/big"
	"testing"

	"p2pescrow/storage"
)

type storedRecord struct {
	Name   string
	Amount *big.Int
}

func TestKVPutGetRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())

	if err := mgr.KVPut([]byte("record/1"), storedRecord{Name: "alpha", Amount: big.NewInt(42)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out storedRecord
	ok, err := mgr.KVGet([]byte("record/1"), &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected record to exist")
	}
	if out.Name != "alpha" || out.Amount.Cmp(big.NewInt(42)) != 0 {
		t.Fatalf("unexpected record: %+v", out)
	}

	ok, err = mgr.KVGet([]byte("record/2"), &out)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if ok {
		t.Fatalf("expected missing record")
	}
}

func TestOverlayCommitIsAtomic(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)

	if err := mgr.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := mgr.Begin(); !errors.Is(err, errNestedTransaction) {
		t.Fatalf("expected nested transaction error, got %v", err)
	}
	if err := mgr.KVPut([]byte("a"), uint64(1)); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := mgr.KVPut([]byte("b"), uint64(2)); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("expected overlay writes to stay pending, db has %d keys", db.Len())
	}
	var got uint64
	if ok, err := mgr.KVGet([]byte("a"), &got); err != nil || !ok || got != 1 {
		t.Fatalf("expected overlay read of a=1, got %d ok=%v err=%v", got, ok, err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if db.Len() != 2 {
		t.Fatalf("expected 2 committed keys, got %d", db.Len())
	}
}

func TestOverlayDiscard(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	if err := mgr.KVPut([]byte("kept"), uint64(7)); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := mgr.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := mgr.KVPut([]byte("dropped"), uint64(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.KVDelete([]byte("kept")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := mgr.KVGet([]byte("kept"), nil); ok {
		t.Fatalf("expected staged delete to hide key")
	}
	mgr.Discard()

	if ok, _ := mgr.KVGet([]byte("dropped"), nil); ok {
		t.Fatalf("discarded write leaked into state")
	}
	var kept uint64
	if ok, err := mgr.KVGet([]byte("kept"), &kept); err != nil || !ok || kept != 7 {
		t.Fatalf("expected kept=7 after discard, got %d ok=%v err=%v", kept, ok, err)
	}
}

func TestKVListHelpers(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	key := []byte("index/open")

	var empty [][]byte
	if err := mgr.KVGetList(key, &empty); err != nil {
		t.Fatalf("get empty list: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", empty)
	}

	for _, v := range []string{"x", "y", "x"} {
		if err := mgr.KVAppend(key, []byte(v)); err != nil {
			t.Fatalf("append %s: %v", v, err)
		}
	}
	var list [][]byte
	if err := mgr.KVGetList(key, &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected duplicates to be ignored, got %d entries", len(list))
	}

	if err := mgr.KVRemove(key, []byte("x")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	list = nil
	if err := mgr.KVGetList(key, &list); err != nil {
		t.Fatalf("get list after remove: %v", err)
	}
	if len(list) != 1 || string(list[0]) != "y" {
		t.Fatalf("unexpected list after remove: %q", list)
	}
}
