package sandbox

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/metrics"
	"github.com/wippyai/wasm-sandbox/resource"
)

// GrowMemory adds delta pages and returns the new page count. Growth past
// the cap fails with OutOfMemory and leaves the page count unchanged.
func (s *Instance) GrowMemory(delta uint32) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkBound(errors.PhaseMemory); err != nil {
		return 0, err
	}
	return s.grow(delta)
}

func (s *Instance) grow(delta uint32) (uint32, error) {
	s.growMu.Lock()
	defer s.growMu.Unlock()
	pages, err := s.mem.Grow(delta)
	metrics.MemoryGrowths.WithLabelValues(metrics.Status(err)).Inc()
	return pages, err
}

// MemorySizeBytes returns the linear memory size in bytes.
func (s *Instance) MemorySizeBytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mem == nil {
		return 0
	}
	return s.mem.Size()
}

// MemoryPages returns the linear memory size in pages.
func (s *Instance) MemoryPages() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.mem == nil {
		return 0
	}
	return s.mem.Pages()
}

// Translate returns a view of guest memory. The view aliases the memory
// and is invalidated by growth.
func (s *Instance) Translate(offset, length uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkBound(errors.PhaseMemory); err != nil {
		return nil, err
	}
	return s.mem.View(offset, length)
}

// OpenFile opens a data file for the guest and returns its descriptor.
func (s *Instance) OpenFile(path string) (resource.Handle, error) {
	h, err := s.files.Open(path)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseMemory, errors.KindNotFound, err, "open "+path)
	}
	return h, nil
}

// CloseFile closes a descriptor returned by OpenFile.
func (s *Instance) CloseFile(fd resource.Handle) error {
	if err := s.files.Close(fd); err != nil {
		return errors.Wrap(errors.PhaseMemory, errors.KindInvalidInput, err, "close descriptor")
	}
	return nil
}

// MapFile grows memory by the pages needed for length bytes and copies the
// start of the file behind fd there. It returns the offset of the mapping.
func (s *Instance) MapFile(fd resource.Handle, length uint32) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkBound(errors.PhaseMemory); err != nil {
		return 0, err
	}
	return s.mapFile(fd, length)
}

func (s *Instance) mapFile(fd resource.Handle, length uint32) (uint32, error) {
	if _, err := s.files.File(fd); err != nil {
		return 0, errors.Wrap(errors.PhaseMemory, errors.KindInvalidInput, err, "map file")
	}
	offset, err := s.reserve(uint64(length))
	if err != nil {
		return 0, err
	}
	view, err := s.mem.View(offset, length)
	if err != nil {
		return 0, err
	}
	n, err := s.files.ReadInto(fd, view)
	if err != nil {
		return 0, errors.Wrap(errors.PhaseMemory, errors.KindInvalidInput, err, "read mapped file")
	}
	Logger().Debug("mapped file",
		zap.Uint32("fd", uint32(fd)),
		zap.Uint32("offset", offset),
		zap.Uint32("length", length),
		zap.Int("read", n))
	return offset, nil
}
