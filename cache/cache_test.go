package cache

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wippyai/wasm-sandbox/engine"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSandbox struct {
	sandbox.Sandbox
	name   string
	closed atomic.Int32
	snaps  atomic.Int32
}

func (f *fakeSandbox) Close(context.Context) error {
	f.closed.Add(1)
	return nil
}

func (f *fakeSandbox) BindSnapshot() string {
	return "bind-" + f.name
}

func (f *fakeSandbox) RegisterSnapshot() (string, error) {
	f.snaps.Add(1)
	return "snap-" + f.name, nil
}

func fn(name string) sandbox.Descriptor {
	return sandbox.Descriptor{User: "u", Function: name}
}

func TestCache_InsertGet(t *testing.T) {
	c := New()
	a := &fakeSandbox{name: "a"}
	c.Insert(fn("a"), a, "k1")

	g, ok := c.Get(fn("a"))
	if !ok {
		t.Fatal("Get missed an inserted sandbox")
	}
	if g.Sandbox != a || g.Snapshot != "k1" {
		t.Errorf("guard = %v/%q", g.Sandbox, g.Snapshot)
	}
	g.Release()
	g.Release()

	if _, ok := c.Get(fn("b")); ok {
		t.Error("Get hit an unknown function")
	}
	if n := c.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestCache_ReplaceClosesPrevious(t *testing.T) {
	c := New()
	old, fresh := &fakeSandbox{name: "old"}, &fakeSandbox{name: "new"}
	c.Insert(fn("f"), old, "k1")
	c.Insert(fn("f"), old, "k2")
	if old.closed.Load() != 0 {
		t.Fatal("re-inserting the same sandbox closed it")
	}
	c.Insert(fn("f"), fresh, "k3")
	if old.closed.Load() != 1 {
		t.Error("replaced sandbox not closed")
	}

	g, ok := c.Get(fn("f"))
	if !ok {
		t.Fatal("Get missed")
	}
	defer g.Release()
	if g.Sandbox != fresh || g.Snapshot != "k3" {
		t.Errorf("guard = %v/%q", g.Sandbox, g.Snapshot)
	}
}

func TestCache_ConcurrentReaders(t *testing.T) {
	c := New()
	c.Insert(fn("f"), &fakeSandbox{name: "f"}, "k")

	const readers = 16
	var held sync.WaitGroup
	held.Add(readers)
	guards := make(chan *Guard, readers)
	for i := 0; i < readers; i++ {
		go func() {
			g, ok := c.Get(fn("f"))
			if !ok {
				t.Error("Get missed")
			}
			guards <- g
			held.Done()
		}()
	}
	held.Wait()

	cleared := make(chan struct{})
	go func() {
		_ = c.Clear(context.Background())
		close(cleared)
	}()
	select {
	case <-cleared:
		t.Fatal("Clear ran while guards were held")
	case <-time.After(20 * time.Millisecond):
	}

	for i := 0; i < readers; i++ {
		if g := <-guards; g != nil {
			g.Release()
		}
	}
	<-cleared
	if n := c.Count(); n != 0 {
		t.Errorf("Count after Clear = %d", n)
	}
}

func TestCache_ClearAndEvict(t *testing.T) {
	ctx := context.Background()
	c := New()
	a, b := &fakeSandbox{name: "a"}, &fakeSandbox{name: "b"}
	c.Insert(fn("a"), a, "")
	c.Insert(fn("b"), b, "")

	if err := c.Evict(ctx, fn("a")); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if err := c.Evict(ctx, fn("missing")); err != nil {
		t.Fatalf("Evict(missing): %v", err)
	}
	if a.closed.Load() != 1 || c.Count() != 1 {
		t.Fatalf("after Evict: closed=%d count=%d", a.closed.Load(), c.Count())
	}
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if b.closed.Load() != 1 || c.Count() != 0 {
		t.Errorf("after Clear: closed=%d count=%d", b.closed.Load(), c.Count())
	}
}

func TestCache_RegisterSnapshot(t *testing.T) {
	c := New()
	sb := &fakeSandbox{name: "f"}
	key, err := c.RegisterSnapshot(sb)
	if err != nil || key != "snap-f" || sb.snaps.Load() != 1 {
		t.Errorf("RegisterSnapshot = %q, %v", key, err)
	}
}

func TestCache_GetOrBindSingleFlight(t *testing.T) {
	c := New()
	var binds atomic.Int32
	release := make(chan struct{})
	bind := func(context.Context) (sandbox.Sandbox, error) {
		binds.Add(1)
		<-release
		return &fakeSandbox{name: "f"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	wg.Add(callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			g, err := c.GetOrBind(context.Background(), fn("f"), bind)
			if err != nil {
				errs <- err
				return
			}
			if g.Snapshot != "bind-f" {
				errs <- goerrors.New("guard without the bind snapshot")
			}
			g.Release()
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if n := binds.Load(); n != 1 {
		t.Errorf("bound %d times, want 1", n)
	}
	if n := c.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestCache_GetOrBindError(t *testing.T) {
	c := New()
	boom := goerrors.New("boom")
	_, err := c.GetOrBind(context.Background(), fn("f"), func(context.Context) (sandbox.Sandbox, error) {
		return nil, boom
	})
	if !goerrors.Is(err, boom) {
		t.Fatalf("GetOrBind = %v", err)
	}
	if c.Count() != 0 {
		t.Error("failed bind was cached")
	}
}

func TestCache_PublishedByBind(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(ctx)

	c := New()
	defer c.Clear(ctx)

	d := sandbox.Descriptor{User: "u", Function: "f", MaxMemoryPages: 16}
	s := sandbox.New(sandbox.Options{Engine: e, Publisher: c})
	if err := s.Bind(ctx, d, wasmtest.Main{MinPages: 1}.Bytes(), true); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	g, ok := c.Get(d)
	if !ok {
		t.Fatal("bind with cache did not publish")
	}
	defer g.Release()
	if g.Snapshot != s.BindSnapshot() {
		t.Errorf("snapshot = %q, want %q", g.Snapshot, s.BindSnapshot())
	}
	res, err := g.Sandbox.Invoke(ctx, sandbox.Export("answer"))
	if err != nil || res[0] != 42 {
		t.Errorf("Invoke = %v, %v", res, err)
	}
}
