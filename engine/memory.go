package engine

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Memory wraps a guest linear memory with a page cap and bounds-checked
// access returning sandbox errors.
type Memory struct {
	mem      api.Memory
	maxPages uint32
}

// NewMemory wraps mem. maxPages is the growth cap in pages.
func NewMemory(mem api.Memory, maxPages uint32) *Memory {
	return &Memory{mem: mem, maxPages: maxPages}
}

// Raw returns the underlying engine memory.
func (m *Memory) Raw() api.Memory {
	return m.mem
}

// Size returns the memory size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(m.mem.Size())
}

// Pages returns the memory size in pages.
func (m *Memory) Pages() uint32 {
	return uint32(m.Size() / wasm.PageSize)
}

// MaxPages returns the growth cap in pages.
func (m *Memory) MaxPages() uint32 {
	return m.maxPages
}

// Grow adds delta pages and returns the new page count. Growth is all or
// nothing: on OutOfMemory the page count is unchanged.
func (m *Memory) Grow(delta uint32) (uint32, error) {
	cur := m.Pages()
	if uint64(cur)+uint64(delta) > uint64(m.maxPages) {
		return cur, errors.OutOfMemory(cur, delta, m.maxPages)
	}
	prev, ok := m.mem.Grow(delta)
	if !ok {
		return m.Pages(), errors.OutOfMemory(cur, delta, m.maxPages)
	}
	return prev + delta, nil
}

// View returns a slice aliasing guest memory. The view is invalidated by
// growth and must not be retained.
func (m *Memory) View(offset, length uint32) ([]byte, error) {
	b, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, errors.OutOfBounds(offset, length, m.Size())
	}
	return b, nil
}

// Read copies length bytes at offset.
func (m *Memory) Read(offset, length uint32) ([]byte, error) {
	b, err := m.View(offset, length)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

// Write copies data to offset.
func (m *Memory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return errors.OutOfBounds(offset, uint32(len(data)), m.Size())
	}
	return nil
}

// ReadUint32 reads a little-endian uint32.
func (m *Memory) ReadUint32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.OutOfBounds(offset, 4, m.Size())
	}
	return v, nil
}

// WriteUint32 writes a little-endian uint32.
func (m *Memory) WriteUint32(offset, v uint32) error {
	if !m.mem.WriteUint32Le(offset, v) {
		return errors.OutOfBounds(offset, 4, m.Size())
	}
	return nil
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func (m *Memory) ReadCString(offset, max uint32) (string, error) {
	size := m.Size()
	if uint64(offset) >= size {
		return "", errors.OutOfBounds(offset, 1, size)
	}
	n := uint32(size - uint64(offset))
	if n > max {
		n = max
	}
	b, err := m.View(offset, n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i]), nil
	}
	return "", fmt.Errorf("string at %d is not terminated within %d bytes", offset, n)
}

var zeroPage = make([]byte, wasm.PageSize)

// Zero clears length bytes at offset.
func (m *Memory) Zero(offset uint32, length uint64) error {
	for length > 0 {
		n := uint64(len(zeroPage))
		if length < n {
			n = length
		}
		if err := m.Write(offset, zeroPage[:n]); err != nil {
			return err
		}
		offset += uint32(n)
		length -= n
	}
	return nil
}

// Snapshot copies the whole memory.
func (m *Memory) Snapshot() []byte {
	b, _ := m.mem.Read(0, m.mem.Size())
	return bytes.Clone(b)
}

// Restore writes image at offset 0 and zeroes every byte past it. Memory
// cannot shrink, so pages added since the image was taken stay allocated.
func (m *Memory) Restore(image []byte) error {
	size := m.Size()
	if uint64(len(image)) > size {
		return fmt.Errorf("image of %d bytes exceeds memory of %d bytes", len(image), size)
	}
	if err := m.Write(0, image); err != nil {
		return err
	}
	return m.Zero(uint32(len(image)), size-uint64(len(image)))
}
