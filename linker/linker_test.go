package linker

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/wasm"
)

var (
	i32      = []wasm.ValType{wasm.ValI32}
	f64      = []wasm.ValType{wasm.ValF64}
	i32ToI32 = wasm.FuncType{Params: i32, Results: i32}
)

func newCompartment(t *testing.T) *engine.Compartment {
	t.Helper()
	ctx := context.Background()
	e, err := engine.New(engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	c, err := e.NewCompartment(ctx, 16, engine.SysConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close(ctx)
		e.Close(ctx)
	})
	return c
}

func load(t *testing.T, c *engine.Compartment, bin []byte, providers engine.Providers) api.Module {
	t.Helper()
	mod, err := c.Load(context.Background(), bin, providers)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return mod
}

// newLinker links an env host module and a main module exporting helper
// and data_sym, with sin already in the GOT.
func newLinker(t *testing.T, c *engine.Compartment) *Linker {
	t.Helper()
	env, err := c.InstantiateHost(context.Background(), EnvModule, []engine.HostFunc{{
		Name:   "log",
		Params: []api.ValueType{api.ValueTypeI32},
		Fn:     api.GoModuleFunc(func(context.Context, api.Module, []uint64) {}),
	}})
	if err != nil {
		t.Fatal(err)
	}

	b := wasm.NewBuilder()
	helper := b.Func(i32ToI32, nil, wasm.Code{}.LocalGet(0).End())
	data := b.Global(wasm.GlobalType{ValType: wasm.ValI32}, wasm.I32ConstExpr(100))
	b.Export("helper", wasm.KindFunc, helper).Export("data_sym", wasm.KindGlobal, data)
	main := load(t, c, b.Bytes(), nil)

	l := New(NewGOT())
	l.AddIntrinsic(EnvModule, env)
	l.AddSource(MainHandle, main)
	l.GOT().Define(Symbol{Name: "sin", Offset: 5, Kind: SymbolFunc, Module: 1})
	return l
}

func TestPlan_ResolveOrder(t *testing.T) {
	c := newCompartment(t)
	l := newLinker(t, c)
	p := l.Plan(1, "libm.wasm")

	mutI32Global := GlobalDescriptor(wasm.ValI32, true)
	tests := []struct {
		module, name string
		typ          TypeDescriptor
		want         Binding
		pending      bool
		missing      bool
	}{
		{module: "env", name: "log", typ: FuncDescriptor(wasm.FuncType{Params: i32}), want: Binding{"env", "log"}},
		{module: "env", name: "memory", typ: TypeDescriptor{Kind: wasm.KindMemory}, want: Binding{CoreModule, MemoryExport}},
		{module: "env", name: TableExport, typ: TypeDescriptor{Kind: wasm.KindTable}, want: Binding{CoreModule, TableExport}},
		{module: "env", name: StackPointer, typ: mutI32Global, want: Binding{"sandbox:base:1", StackPointer}},
		{module: "env", name: MemoryBase, typ: GlobalDescriptor(wasm.ValI32, false), want: Binding{"sandbox:base:1", MemoryBase}},
		{module: "GOT.func", name: "sin", typ: mutI32Global, want: Binding{"sandbox:got:1", "got:0"}},
		{module: "GOT.mem", name: "later", typ: mutI32Global, want: Binding{"sandbox:got:1", "got:1"}, pending: true},
		{module: "env", name: "helper", typ: FuncDescriptor(i32ToI32), want: Binding{MainModule, "helper"}},
		{module: "env", name: "data_sym", typ: GlobalDescriptor(wasm.ValI32, false), want: Binding{MainModule, "data_sym"}},
		{module: "env", name: "cos", typ: FuncDescriptor(wasm.FuncType{Params: f64, Results: f64}), want: Binding{"sandbox:got:1", "stub:0"}, pending: true},
		{module: "env", name: "errno", typ: GlobalDescriptor(wasm.ValI32, false), missing: true},
		{module: "GOT.func", name: "bad", typ: GlobalDescriptor(wasm.ValI32, false), missing: true},
		{module: "env", name: "sin", typ: FuncDescriptor(i32ToI32), missing: true},
	}
	for _, tt := range tests {
		t.Run(tt.module+"."+tt.name, func(t *testing.T) {
			b, err := p.Resolve(tt.module, tt.name, tt.typ)
			var pe *PendingError
			switch {
			case tt.missing:
				if !goerrors.Is(err, errors.ErrLink) {
					t.Fatalf("expected link error, got %v", err)
				}
				return
			case tt.pending:
				if !goerrors.As(err, &pe) {
					t.Fatalf("expected pending, got %v", err)
				}
			case err != nil:
				t.Fatalf("unexpected error: %v", err)
			}
			if b != tt.want {
				t.Errorf("binding = %+v, want %+v", b, tt.want)
			}
		})
	}

	if len(p.GOT) != 2 || p.GOT[0].Offset != 5 || p.GOT[0].Pending || !p.GOT[1].Pending {
		t.Errorf("GOT entries = %+v", p.GOT)
	}
	if len(p.Stubs) != 1 || p.Stubs[0].Name != "cos" {
		t.Errorf("stubs = %+v", p.Stubs)
	}
	if len(p.Missing) != 3 {
		t.Errorf("missing = %v", p.Missing)
	}

	unresolved := p.Unresolved()
	if len(unresolved) != 2 || unresolved[0].Name != "later" || unresolved[1].Name != "cos" {
		t.Errorf("unresolved = %v", unresolved)
	}
	l.GOT().Define(Symbol{Name: "cos", Offset: 9})
	if u := p.Unresolved(); len(u) != 1 || u[0].Name != "later" {
		t.Errorf("after defining cos, unresolved = %v", u)
	}
}

func TestPlan_ResolveAllListsEveryMissingImport(t *testing.T) {
	c := newCompartment(t)
	l := newLinker(t, c)

	b := wasm.NewBuilder()
	names := []string{"zeta", "alpha", "mid"}
	for _, n := range names {
		b.ImportGlobal("env", n, wasm.GlobalType{ValType: wasm.ValI64})
	}
	b.ImportFunc("env", "log", wasm.FuncType{Params: i32})
	m, err := wasm.Parse(b.Bytes())
	if err != nil {
		t.Fatal(err)
	}

	p := l.Plan(MainHandle, "main.wasm")
	bindings, err := p.ResolveAll(m)
	var le *errors.LinkError
	if !goerrors.As(err, &le) {
		t.Fatalf("expected LinkError, got %v", err)
	}
	if le.Module != "main.wasm" || len(le.Missing) != len(names) {
		t.Fatalf("missing = %v", le.Missing)
	}
	for i, n := range names {
		if le.Missing[i].Name != n || le.Missing[i].Type != "global i64" {
			t.Errorf("missing[%d] = %+v", i, le.Missing[i])
		}
	}
	if bindings[3] != (Binding{"env", "log"}) {
		t.Errorf("resolvable import bound to %+v", bindings[3])
	}
}

func TestRewrite(t *testing.T) {
	b := wasm.NewBuilder()
	b.ImportFunc("env", "f", wasm.FuncType{})
	b.ImportMemory("env", "memory", wasm.Limits{Min: 3}.WithMax(10))
	b.ImportTable("env", TableExport, wasm.TableType{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 4}})
	m := b.Module()

	layout := CoreLayout{Memory: wasm.Limits{Min: 3}, TableSize: 20}
	bindings := []Binding{{MainModule, "f"}, {CoreModule, MemoryExport}, {CoreModule, TableExport}}
	if err := Rewrite(m, bindings, layout); err != nil {
		t.Fatal(err)
	}
	if m.Imports[0].Module != MainModule || m.Imports[0].Name != "f" {
		t.Errorf("function import = %s.%s", m.Imports[0].Module, m.Imports[0].Name)
	}
	if mem := m.Imports[1].Memory; mem.Min != 0 || mem.Max != nil {
		t.Errorf("memory import limits = %+v", *mem)
	}
	if tbl := m.Imports[2].Table; tbl.Limits.Min != 0 || tbl.Limits.Max != nil {
		t.Errorf("table import limits = %+v", tbl.Limits)
	}

	if err := Rewrite(m, bindings[:1], layout); err == nil {
		t.Error("expected binding count mismatch")
	}
	retargeted := Retarget(bindings, CoreModule, ContextModule(2), TableExport)
	if retargeted[2].Provider != "sandbox:ctx:2" || retargeted[1].Provider != CoreModule {
		t.Errorf("retarget = %+v", retargeted)
	}
	if bindings[2].Provider != CoreModule {
		t.Error("Retarget modified its input")
	}
}

func TestGlue_FillerAndTrampoline(t *testing.T) {
	ctx := context.Background()
	c := newCompartment(t)
	core := load(t, c, CoreBinary(CoreLayout{Memory: wasm.Limits{Min: 1}, TableSize: 8}), nil)

	b := wasm.NewBuilder()
	double := b.Func(i32ToI32, nil, wasm.Code{}.LocalGet(0).LocalGet(0).I32Add().End())
	b.Export("double", wasm.KindFunc, double)
	lib := load(t, c, b.Bytes(), nil)

	providers := engine.Providers{CoreModule: core, "sandbox:lib:1": lib}
	load(t, c, FillerBinary(CoreModule, 3, []FillEntry{{Provider: "sandbox:lib:1", Name: "double", Type: i32ToI32}}), providers)

	tramp := load(t, c, TrampolineBinary(CoreModule, i32ToI32), providers)
	call := tramp.ExportedFunction(TrampolineExport)

	res, err := call.Call(ctx, 21, 3)
	if err != nil {
		t.Fatalf("call through table: %v", err)
	}
	if res[0] != 42 {
		t.Errorf("result = %d, want 42", res[0])
	}

	_, err = call.Call(ctx, 1, 0)
	if _, ok := engine.TrapReason(err); !ok {
		t.Errorf("expected trap calling an empty slot, got %v", err)
	}
}

func TestGlue_LinkageStubPatch(t *testing.T) {
	ctx := context.Background()
	c := newCompartment(t)
	core := load(t, c, CoreBinary(CoreLayout{Memory: wasm.Limits{Min: 1}, TableSize: 8}), nil)

	l := New(NewGOT())
	p := l.Plan(MainHandle, "main")
	if _, err := p.Resolve("env", "triple", FuncDescriptor(i32ToI32)); err == nil {
		t.Fatal("expected pending")
	}
	if _, err := p.Resolve("GOT.func", "triple", GlobalDescriptor(wasm.ValI32, true)); err == nil {
		t.Fatal("expected pending")
	}

	linkage := load(t, c, LinkageBinary(p), engine.Providers{CoreModule: core})
	for _, s := range p.Stubs {
		slot := linkage.ExportedGlobal(s.Slot).(api.MutableGlobal)
		l.GOT().Defer(SymbolFunc, s.Name, func(off uint32) error {
			slot.Set(uint64(off))
			return nil
		})
	}
	for _, e := range p.GOT {
		g := linkage.ExportedGlobal(e.Export).(api.MutableGlobal)
		l.GOT().Defer(e.Kind, e.Name, func(off uint32) error {
			g.Set(uint64(off))
			return nil
		})
	}

	stub := linkage.ExportedFunction(p.Stubs[0].Export)
	if _, err := stub.Call(ctx, 5); err == nil {
		t.Fatal("unpatched stub should trap")
	}

	b := wasm.NewBuilder()
	triple := b.Func(i32ToI32, nil, wasm.Code{}.LocalGet(0).I32Const(3).I32Mul().End())
	b.Export("triple", wasm.KindFunc, triple)
	lib := load(t, c, b.Bytes(), nil)
	load(t, c, FillerBinary(CoreModule, 4, []FillEntry{{Provider: "lib", Name: "triple", Type: i32ToI32}}),
		engine.Providers{CoreModule: core, "lib": lib})

	if _, err := l.GOT().Define(Symbol{Name: "triple", Offset: 4, Kind: SymbolFunc, Module: 1}); err != nil {
		t.Fatal(err)
	}

	res, err := stub.Call(ctx, 5)
	if err != nil {
		t.Fatalf("patched stub: %v", err)
	}
	if res[0] != 15 {
		t.Errorf("triple(5) = %d", res[0])
	}
	if got := linkage.ExportedGlobal(p.GOT[0].Export).Get(); got != 4 {
		t.Errorf("GOT.func.triple = %d, want 4", got)
	}
	if len(p.Unresolved()) != 0 {
		t.Errorf("unresolved = %v", p.Unresolved())
	}
}

func TestGlue_ContextSharesMemory(t *testing.T) {
	c := newCompartment(t)
	layout := CoreLayout{Memory: wasm.Limits{Min: 1}, TableSize: 4}
	core := load(t, c, CoreBinary(layout), nil)
	base := load(t, c, BaseBinary(1024, 2, 8192), nil)
	ctxMod := load(t, c, ContextBinary(layout, 4096), engine.Providers{CoreModule: core})

	core.ExportedMemory(MemoryExport).WriteUint32Le(16, 0xfeed)
	v, ok := ctxMod.ExportedMemory(MemoryExport).ReadUint32Le(16)
	if !ok || v != 0xfeed {
		t.Errorf("context memory read %x, %v", v, ok)
	}
	if sp := ctxMod.ExportedGlobal(StackPointer).Get(); sp != 4096 {
		t.Errorf("context stack pointer = %d", sp)
	}
	if mb := base.ExportedGlobal(MemoryBase).Get(); mb != 1024 {
		t.Errorf("memory base = %d", mb)
	}
	if _, ok := base.ExportedGlobal(StackPointer).(api.MutableGlobal); !ok {
		t.Error("stack pointer must be mutable")
	}
}
