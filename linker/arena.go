package linker

import (
	"fmt"
	"sync"
)

// Arena hands out monotonically increasing, never reused regions of an
// index space such as the function table.
type Arena struct {
	mu    sync.Mutex
	next  uint32
	limit uint32
}

// NewArena creates an arena over [start, limit).
func NewArena(start, limit uint32) *Arena {
	return &Arena{next: start, limit: limit}
}

// Alloc reserves size slots aligned to align (a power of two, 0 meaning 1)
// and returns the first one.
func (a *Arena) Alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("alignment %d is not a power of two", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	base := (uint64(a.next) + uint64(align) - 1) &^ (uint64(align) - 1)
	end := base + uint64(size)
	if end > uint64(a.limit) {
		return 0, fmt.Errorf("arena exhausted: need %d slots at %d, limit %d", size, base, a.limit)
	}
	a.next = uint32(end)
	return uint32(base), nil
}

// Cursor returns the next unallocated index.
func (a *Arena) Cursor() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Limit returns the end of the arena.
func (a *Arena) Limit() uint32 {
	return a.limit
}
