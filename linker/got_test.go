package linker

import (
	goerrors "errors"
	"testing"

	"github.com/wippyai/wasm-sandbox/errors"
)

func TestGOT_DeferThenDefine(t *testing.T) {
	got := NewGOT()

	var patched []uint32
	patch := func(off uint32) error {
		patched = append(patched, off)
		return nil
	}
	if err := got.Defer(SymbolFunc, "sin", patch); err != nil {
		t.Fatal(err)
	}
	if err := got.Defer(SymbolFunc, "sin", patch); err != nil {
		t.Fatal(err)
	}
	if !got.IsPending(SymbolFunc, "sin") {
		t.Fatal("sin should be pending")
	}

	_, err := got.Offset(SymbolFunc, "sin")
	if !goerrors.Is(err, errors.ErrDynamicLoad) {
		t.Fatalf("pending lookup: expected dynamic load error, got %v", err)
	}

	ok, err := got.Define(Symbol{Name: "sin", Offset: 7, Kind: SymbolFunc, Module: 1})
	if !ok || err != nil {
		t.Fatalf("Define = %v, %v", ok, err)
	}
	if len(patched) != 2 || patched[0] != 7 || patched[1] != 7 {
		t.Errorf("patched = %v, want [7 7]", patched)
	}
	if got.IsPending(SymbolFunc, "sin") {
		t.Error("sin should no longer be pending")
	}

	// a second definition neither replaces the symbol nor patches again
	ok, _ = got.Define(Symbol{Name: "sin", Offset: 9, Kind: SymbolFunc, Module: 2})
	if ok {
		t.Error("redefinition should be ignored")
	}
	if off, _ := got.Offset(SymbolFunc, "sin"); off != 7 {
		t.Errorf("offset = %d, want 7", off)
	}
	if len(patched) != 2 {
		t.Errorf("patched again: %v", patched)
	}
}

func TestGOT_DeferDefinedPatchesImmediately(t *testing.T) {
	got := NewGOT()
	got.Define(Symbol{Name: "table", Offset: 4096, Kind: SymbolData})

	var v uint32
	if err := got.Defer(SymbolData, "table", func(off uint32) error { v = off; return nil }); err != nil {
		t.Fatal(err)
	}
	if v != 4096 {
		t.Errorf("patched %d, want 4096", v)
	}
	if len(got.Pending()) != 0 {
		t.Error("nothing should be pending")
	}
}

func TestGOT_KindsAreSeparate(t *testing.T) {
	got := NewGOT()
	got.Define(Symbol{Name: "x", Offset: 1, Kind: SymbolFunc})

	if _, ok := got.Lookup(SymbolData, "x"); ok {
		t.Error("function symbol visible as data")
	}
	if got.Len(SymbolFunc) != 1 || got.Len(SymbolData) != 0 {
		t.Errorf("Len = %d/%d", got.Len(SymbolFunc), got.Len(SymbolData))
	}
}

func TestGOT_Unknown(t *testing.T) {
	got := NewGOT()
	_, err := got.Offset(SymbolFunc, "nonexistent")
	var se *errors.Error
	if !goerrors.As(err, &se) || se.Kind != errors.KindDynamicLoad {
		t.Fatalf("expected dynamic load error, got %v", err)
	}
	if se.Detail != "function symbol not defined" {
		t.Errorf("detail = %q", se.Detail)
	}
}

func TestGOT_PendingSorted(t *testing.T) {
	got := NewGOT()
	noop := func(uint32) error { return nil }
	got.Defer(SymbolFunc, "b", noop)
	got.Defer(SymbolData, "a", noop)
	got.Defer(SymbolFunc, "a", noop)
	got.Defer(SymbolFunc, "a", noop)

	pending := got.Pending()
	if len(pending) != 3 {
		t.Fatalf("len = %d", len(pending))
	}
	want := []PendingEntry{
		{Name: "a", Kind: SymbolFunc, References: 2},
		{Name: "a", Kind: SymbolData, References: 1},
		{Name: "b", Kind: SymbolFunc, References: 1},
	}
	for i := range want {
		if pending[i] != want[i] {
			t.Errorf("pending[%d] = %+v, want %+v", i, pending[i], want[i])
		}
	}
}

func TestGOT_PatchErrorsAggregate(t *testing.T) {
	got := NewGOT()
	got.Defer(SymbolFunc, "f", func(uint32) error { return goerrors.New("one") })
	got.Defer(SymbolFunc, "f", func(uint32) error { return goerrors.New("two") })

	ok, err := got.Define(Symbol{Name: "f", Offset: 3})
	if !ok {
		t.Fatal("expected definition")
	}
	if err == nil || err.Error() != "one; two" {
		t.Errorf("err = %v", err)
	}
	if got.IsPending(SymbolFunc, "f") {
		t.Error("pending entry must be consumed even when a patch fails")
	}
}
