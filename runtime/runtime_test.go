package runtime

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/spf13/afero"
	"go.bytecodealliance.org/wit"
	"go.uber.org/goleak"

	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/sandbox"
	"github.com/wippyai/wasm-sandbox/storage"
	"github.com/wippyai/wasm-sandbox/threads"
	"github.com/wippyai/wasm-sandbox/wasm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var seeded = []byte{0x11, 0x22, 0x33, 0x44}

func newRuntime(t *testing.T, mutate func(*config.Config)) *Runtime {
	t.Helper()
	store := storage.New(afero.NewMemMapFs())
	main := wasmtest.Main{MinPages: 1, StackPointer: true, Data: seeded}
	if err := store.WriteFunction("alice", "calc", main.Bytes()); err != nil {
		t.Fatalf("WriteFunction: %v", err)
	}

	cfg := config.Default()
	cfg.Sandbox.MaxMemoryPages = 16
	cfg.Sandbox.ThreadPoolSize = 2
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg, WithStore(store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func call(target sandbox.Target, args ...uint64) Call {
	return Call{User: "alice", Function: "calc", Target: target, Args: args}
}

func invoke(t *testing.T, r *Runtime, c Call) []uint64 {
	t.Helper()
	res, err := r.Invoke(context.Background(), c)
	if err != nil {
		t.Fatalf("Invoke %s: %v", c.Target, err)
	}
	return res
}

func TestInvoke_Modes(t *testing.T) {
	tests := []struct {
		name     string
		useCache bool
		reset    bool
		want     uint32
		cached   int
	}{
		{name: "cached with reset", useCache: true, reset: true, want: 0x44332211, cached: 1},
		{name: "cached keeps state", useCache: true, reset: false, want: 99, cached: 1},
		{name: "uncached", useCache: false, reset: true, want: 0x44332211, cached: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRuntime(t, func(c *config.Config) {
				c.Runtime.UseCache = tt.useCache
				c.Runtime.ResetAfterInvoke = tt.reset
			})

			invoke(t, r, call(sandbox.Export("store"), wasmtest.DataAddr, 99))
			res := invoke(t, r, call(sandbox.Export("load"), wasmtest.DataAddr))
			if uint32(res[0]) != tt.want {
				t.Errorf("load = %#x, want %#x", res[0], tt.want)
			}
			if n := r.Cache().Count(); n != tt.cached {
				t.Errorf("cached sandboxes = %d, want %d", n, tt.cached)
			}
		})
	}
}

func TestInvoke_Pointer(t *testing.T) {
	r := newRuntime(t, nil)
	res := invoke(t, r, call(sandbox.Pointer(wasmtest.AddSlot), 2, 3))
	if res[0] != 5 {
		t.Errorf("add = %d, want 5", res[0])
	}
}

func TestInvoke_Errors(t *testing.T) {
	r := newRuntime(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call Call
		want error
	}{
		{name: "missing function", call: Call{User: "alice", Function: "nope", Target: sandbox.Export("answer")}, want: errors.ErrNotFound},
		{name: "invalid user", call: Call{User: "../x", Function: "calc", Target: sandbox.Export("answer")}, want: errors.ErrInvalidInput},
		{name: "trap", call: call(sandbox.Export("fail")), want: errors.ErrTrap},
		{name: "unknown export", call: call(sandbox.Export("missing")), want: errors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Invoke(ctx, tt.call); !goerrors.Is(err, tt.want) {
				t.Errorf("Invoke = %v, want %v", err, tt.want)
			}
		})
	}

	if res := invoke(t, r, call(sandbox.Export("answer"))); res[0] != 42 {
		t.Errorf("answer after failures = %d", res[0])
	}
}

func TestRunThreads(t *testing.T) {
	r := newRuntime(t, nil)
	reqs := make([]threads.Request, 5)
	for i := range reqs {
		reqs[i] = threads.Request{
			StackTop: uint32(wasm.PageSize/2 + 256*i),
			Entry:    sandbox.Entry{Target: sandbox.Export("stack_top")},
		}
	}

	results, err := r.RunThreads(context.Background(), call(sandbox.Target{}), reqs)
	if err != nil {
		t.Fatalf("RunThreads: %v", err)
	}
	for i, res := range results {
		if res.Code != reqs[i].StackTop {
			t.Errorf("thread %d returned %d, want %d", i, res.Code, reqs[i].StackTop)
		}
		if res.PoolIndex < 0 || res.PoolIndex >= 2 {
			t.Errorf("thread %d ran on pool index %d", i, res.PoolIndex)
		}
	}
}

func TestEvictAndClear(t *testing.T) {
	r := newRuntime(t, nil)
	ctx := context.Background()

	invoke(t, r, call(sandbox.Export("answer")))
	if err := r.Evict(ctx, "alice", "calc"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if n := r.Cache().Count(); n != 0 {
		t.Errorf("count after evict = %d", n)
	}

	invoke(t, r, call(sandbox.Export("answer")))
	if err := r.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n := r.Cache().Count(); n != 0 {
		t.Errorf("count after clear = %d", n)
	}

	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWarm(t *testing.T) {
	r := newRuntime(t, nil)
	ctx := context.Background()

	if err := r.Warm(ctx, "alice", "calc"); err != nil {
		t.Errorf("Warm: %v", err)
	}
	if err := r.Warm(ctx, "alice", "nope"); !goerrors.Is(err, errors.ErrNotFound) {
		t.Errorf("Warm(missing) = %v, want not found", err)
	}
	if err := r.Store().WriteFunction("alice", "broken", []byte("not wasm")); err != nil {
		t.Fatal(err)
	}
	if err := r.Warm(ctx, "alice", "broken"); !goerrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Warm(broken) = %v, want invalid input", err)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dir = ""
	if _, err := New(cfg); !goerrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("New = %v, want invalid input", err)
	}
}

func TestParseSignatures(t *testing.T) {
	sigs, err := ParseSignatures(`
		interface calc {
			add: func(a: s32, b: s32) -> s32;
			scale: func(x: f64, factor: u8) -> f64;
			reset: func();
		}`)
	if err != nil {
		t.Fatalf("ParseSignatures: %v", err)
	}
	if len(sigs) != 3 {
		t.Fatalf("got %d signatures, want 3", len(sigs))
	}
	if _, ok := sigs["add"].Params[0].(wit.S32); !ok {
		t.Errorf("add param = %T", sigs["add"].Params[0])
	}
	if _, ok := sigs["scale"].Params[1].(wit.U8); !ok {
		t.Errorf("scale factor = %T", sigs["scale"].Params[1])
	}
	if len(sigs["reset"].Params) != 0 || len(sigs["reset"].Results) != 0 {
		t.Errorf("reset = %+v", sigs["reset"])
	}

	if _, err := ParseSignatures("nothing here"); !goerrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("empty WIT = %v", err)
	}
}

func TestSignature_EncodeFormat(t *testing.T) {
	tests := []struct {
		name    string
		sig     Signature
		args    []string
		wantErr bool
		raw     []uint64
		printed []string
	}{
		{
			name:    "signed",
			sig:     Signature{Params: []wit.Type{wit.S32{}, wit.S64{}}, Results: []wit.Type{wit.S32{}}},
			args:    []string{"-2", "0x10"},
			raw:     []uint64{uint64(uint32(0xfffffffe))},
			printed: []string{"-2"},
		},
		{
			name:    "floats and bool",
			sig:     Signature{Params: []wit.Type{wit.F64{}, wit.Bool{}}, Results: []wit.Type{wit.Bool{}}},
			args:    []string{"0.5", "true"},
			raw:     []uint64{1},
			printed: []string{"true"},
		},
		{
			name:    "unsigned",
			sig:     Signature{Params: []wit.Type{wit.U32{}}, Results: []wit.Type{wit.U32{}}},
			args:    []string{"4000000000"},
			raw:     []uint64{4000000000},
			printed: []string{"4000000000"},
		},
		{name: "count", sig: Signature{Params: []wit.Type{wit.S32{}}}, args: nil, wantErr: true},
		{name: "not a number", sig: Signature{Params: []wit.Type{wit.S32{}}}, args: []string{"x"}, wantErr: true},
		{name: "unsupported", sig: Signature{Params: []wit.Type{wit.String{}}}, args: []string{"x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.sig.EncodeArgs(tt.args)
			if tt.wantErr {
				if !goerrors.Is(err, errors.ErrInvalidInput) {
					t.Errorf("EncodeArgs = %v, want invalid input", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeArgs: %v", err)
			}
			got := tt.sig.FormatResults(tt.raw)
			for i := range tt.printed {
				if got[i] != tt.printed[i] {
					t.Errorf("result %d = %q, want %q", i, got[i], tt.printed[i])
				}
			}
		})
	}
}

func TestCoreSignature(t *testing.T) {
	sig := CoreSignature(wasmtest.Func(wasmtest.Params(wasm.ValI32, wasm.ValF64), wasm.ValI64))
	args, err := sig.EncodeArgs([]string{"7", "1.5"})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	if args[0] != 7 {
		t.Errorf("i32 arg = %d", args[0])
	}
	if got := sig.FormatResults([]uint64{^uint64(0)}); got[0] != "-1" {
		t.Errorf("i64 result = %q", got[0])
	}
}
