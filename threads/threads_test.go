package threads

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/sandbox"
)

type fakeSpawner struct {
	mu      sync.Mutex
	busy    map[int]bool
	running atomic.Int32
	peak    atomic.Int32
	clash   atomic.Bool
	fail    map[string]error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{busy: make(map[int]bool), fail: make(map[string]error)}
}

func (f *fakeSpawner) SpawnLogicalThread(_ context.Context, idx int, stackTop uint32, entry sandbox.Entry) (uint32, error) {
	f.mu.Lock()
	if f.busy[idx] {
		f.clash.Store(true)
	}
	f.busy[idx] = true
	f.mu.Unlock()

	n := f.running.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	f.running.Add(-1)

	f.mu.Lock()
	f.busy[idx] = false
	f.mu.Unlock()

	if err := f.fail[entry.Name]; err != nil {
		return 0, err
	}
	return stackTop, nil
}

func requests(n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{StackTop: uint32(i), Entry: sandbox.Entry{Target: sandbox.Export("ok")}}
	}
	return reqs
}

func TestRun_PoolBound(t *testing.T) {
	tests := []struct {
		name     string
		poolSize int
		requests int
	}{
		{"fewer requests than workers", 4, 2},
		{"more requests than workers", 3, 20},
		{"single worker", 1, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := newFakeSpawner()
			results, err := Run(context.Background(), sp, tt.poolSize, requests(tt.requests))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(results) != tt.requests {
				t.Fatalf("results = %d, want %d", len(results), tt.requests)
			}
			for i, r := range results {
				if r.Code != uint32(i) {
					t.Errorf("result %d code = %d", i, r.Code)
				}
				if r.PoolIndex < 0 || r.PoolIndex >= tt.poolSize {
					t.Errorf("result %d ran on pool index %d", i, r.PoolIndex)
				}
			}
			if sp.clash.Load() {
				t.Error("two threads shared a pool index")
			}
			if p := int(sp.peak.Load()); p > tt.poolSize {
				t.Errorf("peak concurrency %d exceeds pool size %d", p, tt.poolSize)
			}
		})
	}
}

func TestRun_AggregatesFailures(t *testing.T) {
	sp := newFakeSpawner()
	boom := goerrors.New("boom")
	sp.fail["bad"] = boom

	reqs := requests(6)
	reqs[1].Entry.Target = sandbox.Export("bad")
	reqs[4].Entry.Target = sandbox.Export("bad")

	results, err := Run(context.Background(), sp, 2, reqs)
	if err == nil {
		t.Fatal("Run succeeded with failing threads")
	}
	if n := len(multierr.Errors(err)); n != 2 {
		t.Errorf("aggregated %d errors, want 2: %v", n, err)
	}
	if !goerrors.Is(err, boom) {
		t.Errorf("error does not wrap thread failure: %v", err)
	}
	for i, r := range results {
		failed := i == 1 || i == 4
		if (r.Err != nil) != failed {
			t.Errorf("result %d err = %v", i, r.Err)
		}
		if !failed && r.Code != uint32(i) {
			t.Errorf("sibling %d code = %d", i, r.Code)
		}
	}
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := Run(ctx, newFakeSpawner(), 2, requests(3))
	if !goerrors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	for i, r := range results {
		if !goerrors.Is(r.Err, context.Canceled) {
			t.Errorf("result %d err = %v", i, r.Err)
		}
	}
}

func TestRun_InvalidPool(t *testing.T) {
	if _, err := Run(context.Background(), newFakeSpawner(), 0, requests(1)); !goerrors.Is(err, errors.ErrInvalidInput) {
		t.Fatalf("Run = %v, want invalid input", err)
	}
}

func TestRun_Sandbox(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(ctx)

	s := sandbox.New(sandbox.Options{Engine: e})
	defer s.Close(ctx)
	d := sandbox.Descriptor{User: "u", Function: "threads", MaxMemoryPages: 16, ThreadPoolSize: 3}
	if err := s.Bind(ctx, d, wasmtest.Main{MinPages: 1, StackPointer: true}.Bytes(), false); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	reqs := make([]Request, 8)
	for i := range reqs {
		reqs[i] = Request{StackTop: uint32(1024 * (i + 1)), Entry: sandbox.Entry{Target: sandbox.Export("stack_top")}}
	}
	reqs = append(reqs, Request{StackTop: 512, Entry: sandbox.Entry{Target: sandbox.Export("fail")}})

	results, err := Run(ctx, s, 3, reqs)
	if !goerrors.Is(err, errors.ErrTrap) {
		t.Fatalf("Run = %v, want one trap", err)
	}
	for i, r := range results[:8] {
		if r.Err != nil || r.Code != reqs[i].StackTop {
			t.Errorf("thread %d = %d, %v, want %d", i, r.Code, r.Err, reqs[i].StackTop)
		}
	}
	if n := s.DebugInfo().Contexts; n > 3 {
		t.Errorf("contexts = %d, want at most 3", n)
	}
}
