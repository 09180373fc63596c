package resource

import (
	"errors"
	"io"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

var (
	ErrClosed = errors.New("resource table closed")
	ErrFull   = errors.New("resource table full")
)

// LocalBackend is an in-memory resource backend.
type LocalBackend struct {
	entries  []entry
	freeList []Handle
	limit    int
	mu       sync.RWMutex
	closed   bool
}

type entry struct {
	value any
	kind  Kind
	valid bool
}

// NewLocalBackend creates a backend holding at most limit live handles;
// 0 means unlimited.
func NewLocalBackend(limit int) *LocalBackend {
	return &LocalBackend{
		entries:  make([]entry, 0, 16),
		freeList: make([]Handle, 0, 4),
		limit:    limit,
	}
}

// Create stores a value and returns a handle. The lowest free handle is
// reused first.
func (b *LocalBackend) Create(kind Kind, value any) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	e := entry{kind: kind, value: value, valid: true}

	if len(b.freeList) > 0 {
		handle := b.freeList[0]
		b.freeList = b.freeList[1:]
		b.entries[handle-1] = e
		return handle, nil
	}

	if b.limit > 0 && len(b.entries) >= b.limit {
		return 0, ErrFull
	}
	b.entries = append(b.entries, e)
	return Handle(len(b.entries)), nil
}

func (b *LocalBackend) lookup(handle Handle) (entry, bool) {
	if handle == 0 {
		return entry{}, false
	}
	idx := int(handle - 1)
	if idx >= len(b.entries) || !b.entries[idx].valid {
		return entry{}, false
	}
	return b.entries[idx], true
}

// Get retrieves a value by handle.
func (b *LocalBackend) Get(handle Handle) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.lookup(handle)
	return e.value, ok
}

// Kind returns the kind for a handle.
func (b *LocalBackend) Kind(handle Handle) (Kind, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.lookup(handle)
	return e.kind, ok
}

// Drop removes a resource and returns its value.
func (b *LocalBackend) Drop(handle Handle) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.lookup(handle)
	if !ok {
		return nil, false
	}
	b.entries[handle-1] = entry{}

	i := sort.Search(len(b.freeList), func(i int) bool { return b.freeList[i] > handle })
	b.freeList = append(b.freeList, 0)
	copy(b.freeList[i+1:], b.freeList[i:])
	b.freeList[i] = handle

	return e.value, true
}

// Close releases all resources.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	for i := range b.entries {
		if b.entries[i].valid {
			err = multierr.Append(err, release(b.entries[i].value))
		}
	}

	b.entries = nil
	b.freeList = nil
	return err
}

// Len returns the number of active resources.
func (b *LocalBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries) - len(b.freeList)
}

// Each iterates over all active resources in handle order.
func (b *LocalBackend) Each(fn func(Handle, Kind, any) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for i, e := range b.entries {
		if e.valid {
			if !fn(Handle(i+1), e.kind, e.value) {
				break
			}
		}
	}
}

func release(v any) error {
	switch r := v.(type) {
	case Dropper:
		r.Drop()
	case io.Closer:
		return r.Close()
	}
	return nil
}
