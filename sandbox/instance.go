package sandbox

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/linker"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/resource"
	"github.com/wippyai/wasm-sandbox/wasm"
)

const (
	stateEmpty int32 = iota
	stateBound
	stateClosed
)

// startExport is the name a module's start function is exported under so
// the sandbox can run it after linking instead of during instantiation.
const startExport = "sandbox:start"

// fill is a run of exported functions placed in the table.
type fill struct {
	offset  uint32
	entries []linker.FillEntry
}

// Instance is the production Sandbox. It exclusively owns one compartment
// and everything instantiated in it.
type Instance struct {
	opts Options

	// mu is shared by executions and exclusive for bind, reset and close.
	mu      sync.RWMutex
	state   atomic.Int32
	desc    Descriptor
	bindKey string

	comp   *engine.Compartment
	layout linker.CoreLayout
	mem    *engine.Memory
	growMu sync.Mutex

	// linkMu guards dynamic loading, providers and glue modules.
	linkMu      sync.Mutex
	providers   engine.Providers
	got         *linker.GOT
	link        *linker.Linker
	registry    *linker.Registry
	arena       *linker.Arena
	mirror      *linker.TableMirror
	fills       []fill
	plans       []*linker.Plan
	failed      map[string]error
	binding     bool
	trampolines map[string]api.Module
	dlerr       string

	main         *linker.Module
	mainModule   *wasm.Module
	mainBindings []linker.Binding
	mainSP       api.MutableGlobal

	files     *resource.Files
	snapshots *snapshotStore

	ctxMu    sync.Mutex
	contexts map[int]*execContext
}

var _ Sandbox = (*Instance)(nil)

// New creates an unbound instance.
func New(opts Options) *Instance {
	s := &Instance{opts: opts}
	s.init()
	return s
}

func (s *Instance) init() {
	fs := s.opts.Files
	if fs == nil {
		fs = afero.NewMemMapFs()
	}
	s.got = linker.NewGOT()
	s.link = linker.New(s.got)
	s.registry = linker.NewRegistry()
	s.mirror = linker.NewTableMirror()
	s.providers = make(engine.Providers)
	s.failed = make(map[string]error)
	s.trampolines = make(map[string]api.Module)
	s.contexts = make(map[int]*execContext)
	s.files = resource.NewFiles(fs, resource.NewTable())
	s.snapshots = newSnapshotStore()
	s.fills = nil
	s.plans = nil
	s.comp = nil
	s.mem = nil
	s.main = nil
	s.mainModule = nil
	s.mainBindings = nil
	s.mainSP = nil
	s.bindKey = ""
	s.dlerr = ""
	s.binding = false
}

// Descriptor returns the descriptor the instance was bound with.
func (s *Instance) Descriptor() Descriptor {
	return s.desc
}

// BindSnapshot returns the key of the snapshot taken at the end of bind.
func (s *Instance) BindSnapshot() string {
	return s.bindKey
}

func (s *Instance) checkBound(phase errors.Phase) error {
	switch s.state.Load() {
	case stateBound:
		return nil
	case stateClosed:
		return errors.Closed(phase, "sandbox")
	}
	return errors.InvalidInput(phase, "sandbox is not bound")
}

// Bind loads, links and initializes a user function. On failure the
// instance is left unbound and holds no resources.
func (s *Instance) Bind(ctx context.Context, d Descriptor, bytecode []byte, useCache bool) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.Load() {
	case stateBound:
		return errors.InvalidInput(errors.PhaseBind, "sandbox already bound")
	case stateClosed:
		return errors.Closed(errors.PhaseBind, "sandbox")
	}
	if s.opts.Engine == nil {
		return errors.InvalidInput(errors.PhaseBind, "no engine configured")
	}

	d = d.WithDefaults()
	s.desc = d
	log := Logger().With(zap.String("function", d.Key()))
	start := time.Now()
	defer func() {
		metrics.ObserveBind(start, err)
		if err != nil {
			log.Debug("bind failed", zap.Error(err))
			s.release(ctx)
			s.init()
		}
	}()

	m, err := wasm.Parse(bytecode)
	if err != nil {
		return errors.Wrap(errors.PhaseBind, errors.KindInvalidInput, err, "scan "+d.Key())
	}

	s.linkMu.Lock()
	s.binding = true
	err = s.linkMain(ctx, d, m)
	s.linkMu.Unlock()
	if err != nil {
		return err
	}
	if err := s.callIfExported(ctx, s.main.Instance, startExport, d.Key()); err != nil {
		return err
	}

	for _, path := range d.SharedModules {
		if _, err := s.loadModule(ctx, path); err != nil {
			return err
		}
	}
	s.linkMu.Lock()
	s.binding = false
	s.linkMu.Unlock()

	var unresolved []errors.MissingImport
	for _, p := range s.plans {
		unresolved = append(unresolved, p.Unresolved()...)
	}
	if len(unresolved) > 0 {
		return errors.NewLinkError(d.Key(), unresolved)
	}

	if err := s.construct(ctx, s.main.Instance, d.Key()); err != nil {
		return err
	}
	if err := s.runZygote(ctx, d); err != nil {
		return err
	}

	key, err := s.captureSnapshot()
	if err != nil {
		return err
	}
	s.bindKey = key
	s.state.Store(stateBound)

	log.Info("bound",
		zap.Uint32("pages", s.mem.Pages()),
		zap.Int("modules", s.registry.Count()),
		zap.Duration("elapsed", time.Since(start)))

	if useCache && s.opts.Publisher != nil {
		s.opts.Publisher.Insert(d, s, key)
	}
	return nil
}

// linkMain creates the compartment, intrinsics and core, then links the
// main module as handle 0. linkMu must be held.
func (s *Instance) linkMain(ctx context.Context, d Descriptor, m *wasm.Module) error {
	comp, err := s.opts.Engine.NewCompartment(ctx, d.MaxMemoryPages, s.opts.Sys)
	if err != nil {
		return errors.Wrap(errors.PhaseBind, errors.KindInvalidInput, err, "create compartment")
	}
	s.comp = comp

	ns := s.intrinsics()
	env, err := comp.InstantiateHost(ctx, ns.Name(), hostFuncs(ns))
	if err != nil {
		return errors.Wrap(errors.PhaseBind, errors.KindLink, err, "instantiate env")
	}
	wasi, err := comp.InstantiateWASI(ctx)
	if err != nil {
		return errors.Wrap(errors.PhaseBind, errors.KindLink, err, "instantiate WASI")
	}
	s.link.AddIntrinsic(linker.EnvModule, env)
	s.link.AddIntrinsic(wasi_snapshot_preview1.ModuleName, wasi)
	s.providers[linker.EnvModule] = env
	s.providers[wasi_snapshot_preview1.ModuleName] = wasi

	layout, tableStart, capPages, err := coreLayout(m, d, comp)
	if err != nil {
		return err
	}
	s.layout = layout
	m.ImportDefinedMemory(linker.EnvModule, linker.MemoryExport)
	m.ImportDefinedTable(linker.EnvModule, linker.TableExport)

	core, err := comp.Load(ctx, linker.CoreBinary(layout), nil)
	if err != nil {
		return errors.Wrap(errors.PhaseBind, errors.KindOutOfMemory, err, "instantiate core")
	}
	s.providers[linker.CoreModule] = core
	s.mem = engine.NewMemory(core.ExportedMemory(linker.MemoryExport), capPages)
	s.arena = linker.NewArena(tableStart, layout.TableSize)

	rec, plan, bindings, err := s.linkModule(ctx, linker.MainHandle, d.Key(), m, false)
	if err != nil {
		return err
	}
	s.main = rec
	s.mainModule = m
	s.mainBindings = bindings
	s.plans = append(s.plans, plan)
	s.mainSP = s.stackPointer(rec.Instance, bindings, m)
	return nil
}

// coreLayout sizes the core memory and table from the main module.
func coreLayout(m *wasm.Module, d Descriptor, comp *engine.Compartment) (linker.CoreLayout, uint32, uint32, error) {
	var mem wasm.Limits
	switch {
	case len(m.Memories) > 0:
		mem = m.Memories[0]
	default:
		for _, imp := range m.Imports {
			if imp.Kind == wasm.KindMemory {
				mem = *imp.Memory
			}
		}
	}
	if mem.Memory64 {
		return linker.CoreLayout{}, 0, 0, errors.Unsupported(errors.PhaseBind, "64-bit memory")
	}
	if mem.Shared && !comp.Threads() {
		return linker.CoreLayout{}, 0, 0, errors.Unsupported(errors.PhaseBind, "shared memory requires threads to be enabled")
	}

	limit := comp.LimitPages()
	if mem.Min > uint64(limit) {
		return linker.CoreLayout{}, 0, 0, errors.OutOfMemory(0, uint32(min(mem.Min, 1<<32-1)), limit)
	}
	core := wasm.Limits{Min: mem.Min, Shared: mem.Shared}
	capPages := limit
	switch {
	case mem.Max != nil:
		maxPages := min(*mem.Max, uint64(limit))
		if maxPages < mem.Min {
			return linker.CoreLayout{}, 0, 0, errors.InvalidInput(errors.PhaseBind, "memory maximum below minimum")
		}
		core.Max = &maxPages
		capPages = uint32(maxPages)
	case mem.Shared:
		maxPages := uint64(limit)
		core.Max = &maxPages
	}

	var tableMin uint64
	switch {
	case len(m.Tables) > 0:
		tableMin = m.Tables[0].Limits.Min
	default:
		for _, imp := range m.Imports {
			if imp.Kind == wasm.KindTable {
				tableMin = imp.Table.Limits.Min
			}
		}
	}
	start := max(uint64(1), uint64(m.ElemEnd()), tableMin)
	size := start + uint64(d.TableReserve)
	if size > 1<<32-1 {
		return linker.CoreLayout{}, 0, 0, errors.InvalidInput(errors.PhaseBind, "table too large")
	}
	return linker.CoreLayout{Memory: core, TableSize: uint32(size)}, uint32(start), capPages, nil
}

// linkModule gives module h its memory, stack and table regions, resolves
// and instantiates it, places its exports in the table and defines its
// symbols. With strict set, symbols it waits for must be its own exports.
// linkMu must be held.
func (s *Instance) linkModule(ctx context.Context, h linker.Handle, name string, m *wasm.Module, strict bool) (*linker.Module, *linker.Plan, []linker.Binding, error) {
	fail := func(detail string, cause error) error {
		if h == linker.MainHandle {
			var se *errors.Error
			var le *errors.LinkError
			if goerrors.As(cause, &se) || goerrors.As(cause, &le) {
				return cause
			}
			return errors.Wrap(errors.PhaseBind, errors.KindLink, cause, detail)
		}
		return errors.DynamicLoad(name, detail, cause)
	}

	info, err := m.Dylink()
	if err != nil {
		return nil, nil, nil, fail("read dylink.0", err)
	}
	rec := &linker.Module{Handle: h, Path: name, Dylink: info, Funcs: make(map[string]uint32)}

	var dataSize uint32
	if info != nil {
		dataSize = alignUp(info.MemorySize, info.MemoryAlignment())
	}
	var stackSize uint32
	if importsStackPointer(m) {
		stackSize = s.desc.StackSize
	}
	if total := uint64(dataSize) + uint64(stackSize); total > 0 {
		base, err := s.reserve(total)
		if err != nil {
			return nil, nil, nil, fail("allocate memory region", err)
		}
		if info != nil {
			rec.MemoryBase = base
			rec.MemorySize = info.MemorySize
		}
		rec.StackBase = base + dataSize
		rec.StackTop = rec.StackBase + stackSize
	}

	exports := funcExports(m)
	var ownTable, tableAlign uint32 = 0, 1
	if info != nil {
		ownTable = info.TableSize
		tableAlign = 1 << min(info.TableAlign, 31)
	}
	if n := ownTable + uint32(len(exports)); n > 0 {
		base, err := s.arena.Alloc(n, tableAlign)
		if err != nil {
			return nil, nil, nil, fail("allocate table region", err)
		}
		rec.TableBase = base
		rec.TableSize = n
	}

	base, err := s.comp.Load(ctx, linker.BaseBinary(rec.MemoryBase, rec.TableBase, rec.StackTop), nil)
	if err != nil {
		return nil, nil, nil, fail("instantiate base", err)
	}
	s.providers[linker.BaseModule(h)] = base

	plan := s.link.Plan(h, name)
	bindings, err := plan.ResolveAll(m)
	if err != nil {
		if goerrors.Is(err, errors.ErrLink) {
			all := append(append([]errors.MissingImport(nil), plan.Missing...), plan.Unresolved()...)
			err = errors.NewLinkError(name, all)
		}
		return nil, nil, nil, fail("resolve imports", err)
	}
	if strict {
		if err := checkSelfSatisfied(name, plan, m); err != nil {
			return nil, nil, nil, fail("resolve imports", err)
		}
	}

	if plan.NeedsLinkage() {
		linkage, err := s.comp.Load(ctx, linker.LinkageBinary(plan), s.providers)
		if err != nil {
			return nil, nil, nil, fail("instantiate linkage", err)
		}
		s.providers[linker.LinkageModule(h)] = linkage
		if err := s.deferPatches(plan, linkage); err != nil {
			return nil, nil, nil, fail("register pending symbols", err)
		}
	}

	if err := linker.Rewrite(m, bindings, s.layout); err != nil {
		return nil, nil, nil, fail("rewrite imports", err)
	}
	if m.Start != nil {
		m.Exports = append(m.Exports, wasm.Export{Name: startExport, Kind: wasm.KindFunc, Index: *m.Start})
		m.Start = nil
	}
	inst, err := s.comp.Load(ctx, m.Encode(), s.providers)
	if err != nil {
		return nil, nil, nil, fail("instantiate", err)
	}
	rec.Instance = inst
	s.providers[linker.ProviderOf(h)] = inst

	s.mirrorElements(h, m, rec.TableBase)
	entries := make([]linker.FillEntry, 0, len(exports))
	for _, e := range exports {
		ft, _ := m.FuncTypeOf(e.Index)
		entries = append(entries, linker.FillEntry{Provider: linker.ProviderOf(h), Name: e.Name, Type: ft})
	}
	if len(entries) > 0 {
		offset := rec.TableBase + ownTable
		if _, err := s.comp.Load(ctx, linker.FillerBinary(linker.CoreModule, offset, entries), s.providers); err != nil {
			return nil, nil, nil, fail("place exports", err)
		}
		s.fills = append(s.fills, fill{offset: offset, entries: entries})
		for i, e := range entries {
			idx := offset + uint32(i)
			rec.Funcs[e.Name] = idx
			s.mirror.Set(idx, linker.TableEntry{Module: h, Name: e.Name, Type: e.Type})
		}
	}

	s.link.AddSource(h, inst)
	if err := s.defineSymbols(rec, entries, m); err != nil {
		return nil, nil, nil, fail("define symbols", err)
	}

	Logger().Debug("linked module",
		zap.String("module", name),
		zap.Uint32("handle", uint32(h)),
		zap.Uint32("memory_base", rec.MemoryBase),
		zap.Uint32("table_base", rec.TableBase),
		zap.Uint32("stack_top", rec.StackTop),
		zap.Int("exports", len(entries)))
	return rec, plan, bindings, nil
}

// reserve grows memory by the pages needed for size bytes and returns the
// offset of the new region.
func (s *Instance) reserve(size uint64) (uint32, error) {
	s.growMu.Lock()
	defer s.growMu.Unlock()

	base := s.mem.Size()
	pages := (size + wasm.PageSize - 1) / wasm.PageSize
	if base+pages*wasm.PageSize >= 1<<32 {
		return 0, errors.OutOfMemory(s.mem.Pages(), uint32(min(pages, engine.MaxPages)), s.mem.MaxPages())
	}
	if _, err := s.mem.Grow(uint32(pages)); err != nil {
		return 0, err
	}
	return uint32(base), nil
}

func (s *Instance) deferPatches(plan *linker.Plan, linkage api.Module) error {
	var err error
	for _, e := range plan.GOT {
		if !e.Pending {
			continue
		}
		g, ok := linkage.ExportedGlobal(e.Export).(api.MutableGlobal)
		if !ok {
			return goerrors.New("GOT slot " + e.Export + " is not mutable")
		}
		err = multierr.Append(err, s.got.Defer(e.Kind, e.Name, setGlobal(g)))
	}
	for _, st := range plan.Stubs {
		g, ok := linkage.ExportedGlobal(st.Slot).(api.MutableGlobal)
		if !ok {
			return goerrors.New("stub slot " + st.Slot + " is not mutable")
		}
		err = multierr.Append(err, s.got.Defer(linker.SymbolFunc, st.Name, setGlobal(g)))
	}
	return err
}

func setGlobal(g api.MutableGlobal) linker.Patch {
	return func(offset uint32) error {
		g.Set(uint64(offset))
		return nil
	}
}

// defineSymbols records a module's exported functions and data symbols.
func (s *Instance) defineSymbols(rec *linker.Module, entries []linker.FillEntry, m *wasm.Module) error {
	var err error
	for _, e := range entries {
		_, perr := s.got.Define(linker.Symbol{Name: e.Name, Offset: rec.Funcs[e.Name], Kind: linker.SymbolFunc, Module: rec.Handle})
		err = multierr.Append(err, perr)
	}
	for _, e := range m.Exports {
		if e.Kind != wasm.KindGlobal || reservedGlobal(e.Name) {
			continue
		}
		g := rec.Instance.ExportedGlobal(e.Name)
		if g == nil || g.Type() != api.ValueTypeI32 {
			continue
		}
		if _, mutable := g.(api.MutableGlobal); mutable {
			continue
		}
		_, perr := s.got.Define(linker.Symbol{
			Name:   e.Name,
			Offset: rec.MemoryBase + uint32(g.Get()),
			Kind:   linker.SymbolData,
			Module: rec.Handle,
		})
		err = multierr.Append(err, perr)
	}
	return err
}

// mirrorElements records the functions a module's own element segments
// place in table 0.
func (s *Instance) mirrorElements(h linker.Handle, m *wasm.Module, tableBase uint32) {
	names := make(map[uint32]string)
	for _, e := range m.Exports {
		if e.Kind == wasm.KindFunc {
			names[e.Index] = e.Name
		}
	}
	for i := range m.Elements {
		e := &m.Elements[i]
		if !e.Active() || e.TableIdx != 0 || e.Flags&4 != 0 {
			continue
		}
		offset, ok := elemOffset(m, e.Offset, h, tableBase)
		if !ok {
			continue
		}
		for j, fn := range e.FuncIdxs {
			ft, _ := m.FuncTypeOf(fn)
			s.mirror.Set(offset+uint32(j), linker.TableEntry{Module: h, Name: names[fn], Type: ft})
		}
	}
}

// elemOffset evaluates an element offset: a constant, or the module's
// rewritten __table_base import.
func elemOffset(m *wasm.Module, expr []byte, h linker.Handle, tableBase uint32) (uint32, bool) {
	if v, ok := wasm.ConstI32(expr); ok {
		return uint32(v), v >= 0
	}
	idx, ok := wasm.GlobalGetIndex(expr)
	if !ok {
		return 0, false
	}
	imp, ok := m.ImportedGlobal(idx)
	if !ok || imp.Module != linker.BaseModule(h) || imp.Name != linker.TableBase {
		return 0, false
	}
	return tableBase, true
}

// stackPointer finds the main module's stack pointer: the base module's
// global when imported, else an exported mutable __stack_pointer.
func (s *Instance) stackPointer(inst api.Module, bindings []linker.Binding, m *wasm.Module) api.MutableGlobal {
	for _, b := range bindings {
		if b.Provider == linker.BaseModule(linker.MainHandle) && b.Export == linker.StackPointer {
			g, _ := s.providers[b.Provider].ExportedGlobal(linker.StackPointer).(api.MutableGlobal)
			return g
		}
	}
	if _, ok := m.Export(linker.StackPointer, wasm.KindGlobal); ok {
		g, _ := inst.ExportedGlobal(linker.StackPointer).(api.MutableGlobal)
		return g
	}
	return nil
}

// checkSelfSatisfied fails when a module loaded after bind waits for a
// symbol it does not define itself, since nothing else can define it.
func checkSelfSatisfied(name string, plan *linker.Plan, m *wasm.Module) error {
	var missing []errors.MissingImport
	for _, d := range plan.Deferred() {
		kind := wasm.KindFunc
		if d.Kind == linker.SymbolData {
			kind = wasm.KindGlobal
		}
		if _, ok := m.Export(d.Symbol, kind); !ok {
			missing = append(missing, d.Import)
		}
	}
	if len(missing) > 0 {
		return errors.NewLinkError(name, missing)
	}
	return nil
}

// construct applies data relocations and runs constructors.
func (s *Instance) construct(ctx context.Context, inst api.Module, name string) error {
	if err := s.callIfExported(ctx, inst, "__wasm_apply_data_relocs", name); err != nil {
		return err
	}
	if inst.ExportedFunction("__wasm_call_ctors") != nil {
		return s.callIfExported(ctx, inst, "__wasm_call_ctors", name)
	}
	return s.callIfExported(ctx, inst, "_initialize", name)
}

func (s *Instance) callIfExported(ctx context.Context, inst api.Module, fn, name string) error {
	f := inst.ExportedFunction(fn)
	if f == nil {
		return nil
	}
	if _, err := f.Call(ctx); err != nil {
		return engine.Classify(errors.PhaseBind, name+"."+fn, err)
	}
	return nil
}

// runZygote runs the optional zygote export. A trap or a non-zero result
// fails the bind.
func (s *Instance) runZygote(ctx context.Context, d Descriptor) error {
	f := s.main.Instance.ExportedFunction(d.ZygoteEntry)
	if f == nil {
		return nil
	}
	res, err := f.Call(ctx)
	if err != nil {
		return engine.Classify(errors.PhaseBind, d.ZygoteEntry, err)
	}
	if len(res) > 0 && uint32(res[0]) != 0 {
		return errors.New(errors.PhaseBind, errors.KindExecution).
			Path(d.Key(), d.ZygoteEntry).
			Value(int32(res[0])).
			Detail("zygote returned %d", int32(res[0])).
			Build()
	}
	Logger().Debug("zygote done", zap.String("function", d.Key()))
	return nil
}

// Close releases contexts, dynamic modules and glue modules, then the
// compartment. It waits for running invocations.
func (s *Instance) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	return s.release(ctx)
}

func (s *Instance) release(ctx context.Context) error {
	var err error
	err = multierr.Append(err, s.files.Table().Close())
	s.snapshots.close()
	if s.comp != nil {
		err = multierr.Append(err, s.comp.Close(ctx))
	}
	return err
}

func funcExports(m *wasm.Module) []wasm.Export {
	var out []wasm.Export
	for _, e := range m.Exports {
		if e.Kind == wasm.KindFunc && e.Name != startExport {
			out = append(out, e)
		}
	}
	return out
}

func importsStackPointer(m *wasm.Module) bool {
	for _, imp := range m.Imports {
		if imp.Kind == wasm.KindGlobal && imp.Module == linker.EnvModule && imp.Name == linker.StackPointer {
			return true
		}
	}
	return false
}

func reservedGlobal(name string) bool {
	return name == linker.StackPointer || name == linker.MemoryBase || name == linker.TableBase
}

func alignUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return uint32((uint64(v) + uint64(align) - 1) &^ (uint64(align) - 1))
}
