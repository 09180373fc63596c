package resource

import (
	goerrors "errors"
	"testing"
)

type testObserver struct {
	events []Event
}

func (o *testObserver) OnResourceEvent(e Event) {
	o.events = append(o.events, e)
}

type closer struct{ closed int }

func (c *closer) Close() error {
	c.closed++
	return nil
}

func TestTable_Basic(t *testing.T) {
	table := NewTable()

	h, err := table.Insert(KindFile, "test")
	if err != nil || h == 0 {
		t.Fatalf("Insert = %d, %v", h, err)
	}

	val, ok := table.Get(h)
	if !ok || val != "test" {
		t.Fatalf("Get = %v, %v", val, ok)
	}

	if _, ok := table.GetTyped(h, KindFile); !ok {
		t.Fatal("GetTyped with correct kind failed")
	}
	if _, ok := table.GetTyped(h, KindMapping); ok {
		t.Fatal("GetTyped with wrong kind should fail")
	}

	val, ok, err = table.Remove(h)
	if !ok || err != nil || val != "test" {
		t.Fatalf("Remove = %v, %v, %v", val, ok, err)
	}
	if table.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}
	if _, ok, _ := table.Remove(h); ok {
		t.Fatal("double Remove should fail")
	}
}

func TestTable_HandleReuseLowestFirst(t *testing.T) {
	table := NewTable()
	for i := 0; i < 4; i++ {
		table.Insert(KindAny, i)
	}
	table.Remove(3)
	table.Remove(2)

	h, _ := table.Insert(KindAny, "x")
	if h != 2 {
		t.Errorf("reused handle = %d, want 2", h)
	}
	h, _ = table.Insert(KindAny, "y")
	if h != 3 {
		t.Errorf("reused handle = %d, want 3", h)
	}
	h, _ = table.Insert(KindAny, "z")
	if h != 5 {
		t.Errorf("new handle = %d, want 5", h)
	}
	if table.Len() != 5 {
		t.Errorf("Len = %d", table.Len())
	}
}

func TestTable_Limit(t *testing.T) {
	table := NewTableWithLimit(2)
	table.Insert(KindAny, 1)
	table.Insert(KindAny, 2)
	if _, err := table.Insert(KindAny, 3); !goerrors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	table.Remove(1)
	if _, err := table.Insert(KindAny, 3); err != nil {
		t.Fatalf("insert after free: %v", err)
	}
}

func TestTable_Observer(t *testing.T) {
	table := NewTable()
	obs := &testObserver{}
	table.Subscribe(obs)

	h, _ := table.Insert(KindFile, "test")
	if len(obs.events) != 1 || obs.events[0].Type != EventCreated || obs.events[0].Handle != h {
		t.Fatalf("events = %+v", obs.events)
	}

	table.Remove(h)
	if len(obs.events) != 2 || obs.events[1].Type != EventDropped || obs.events[1].Kind != KindFile {
		t.Fatalf("events = %+v", obs.events)
	}

	table.Unsubscribe(obs)
	table.Insert(KindFile, "again")
	if len(obs.events) != 2 {
		t.Error("unsubscribed observer notified")
	}
}

func TestTable_ReleaseOnRemoveAndClose(t *testing.T) {
	table := NewTable()
	a, b := &closer{}, &closer{}
	ha, _ := table.Insert(KindFile, a)
	table.Insert(KindFile, b)

	table.Remove(ha)
	if a.closed != 1 {
		t.Errorf("removed value closed %d times", a.closed)
	}

	if err := table.Close(); err != nil {
		t.Fatal(err)
	}
	if b.closed != 1 {
		t.Errorf("remaining value closed %d times", b.closed)
	}
	if _, err := table.Insert(KindFile, "late"); !goerrors.Is(err, ErrClosed) {
		t.Errorf("insert after close: %v", err)
	}
}

func TestTable_Clear(t *testing.T) {
	table := NewTable()
	c := &closer{}
	table.Insert(KindFile, c)
	table.Insert(KindAny, "x")

	table.Clear()
	if table.Len() != 0 {
		t.Errorf("Len = %d after Clear", table.Len())
	}
	if c.closed != 1 {
		t.Error("Clear should release values")
	}
}

func TestTable_Each(t *testing.T) {
	table := NewTable()
	table.Insert(KindFile, "a")
	table.Insert(KindMapping, "b")
	table.Insert(KindFile, "c")

	var seen []Handle
	table.Each(func(h Handle, k Kind, _ any) bool {
		seen = append(seen, h)
		return k != KindMapping
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("seen = %v", seen)
	}
}
