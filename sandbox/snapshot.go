package sandbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/metrics"
)

type snapshot struct {
	data       []byte
	compressed bool
	size       int
	sp         uint64
	hasSP      bool
	modules    int
	taken      time.Time
}

// snapshotStore keeps memory images by key for the lifetime of an
// instance.
type snapshotStore struct {
	mu    sync.Mutex
	byKey map[string]*snapshot
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newSnapshotStore() *snapshotStore {
	return &snapshotStore{byKey: make(map[string]*snapshot)}
}

func (st *snapshotStore) put(snap *snapshot, image []byte, compress bool) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap.size = len(image)
	snap.data = image
	if compress {
		if st.enc == nil {
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
			if err != nil {
				return "", errors.Wrap(errors.PhaseSnapshot, errors.KindSnapshot, err, "create encoder")
			}
			st.enc = enc
		}
		snap.data = st.enc.EncodeAll(image, make([]byte, 0, len(image)/8))
		snap.compressed = true
	}

	key := uuid.NewString()
	st.byKey[key] = snap
	return key, nil
}

func (st *snapshotStore) get(key string) (*snapshot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap, ok := st.byKey[key]
	return snap, ok
}

func (st *snapshotStore) image(snap *snapshot) ([]byte, error) {
	if !snap.compressed {
		return snap.data, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dec == nil {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindSnapshot, err, "create decoder")
		}
		st.dec = dec
	}
	image, err := st.dec.DecodeAll(snap.data, make([]byte, 0, snap.size))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseSnapshot, errors.KindSnapshot, err, "decompress snapshot")
	}
	return image, nil
}

func (st *snapshotStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byKey)
}

func (st *snapshotStore) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.enc != nil {
		st.enc.Close()
		st.enc = nil
	}
	if st.dec != nil {
		st.dec.Close()
		st.dec = nil
	}
	st.byKey = make(map[string]*snapshot)
}

// RegisterSnapshot captures the current memory image and main stack
// pointer under a fresh key.
func (s *Instance) RegisterSnapshot() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkBound(errors.PhaseSnapshot); err != nil {
		return "", err
	}
	return s.captureSnapshot()
}

func (s *Instance) captureSnapshot() (string, error) {
	s.growMu.Lock()
	image := s.mem.Snapshot()
	s.growMu.Unlock()

	snap := &snapshot{modules: s.registry.Count(), taken: time.Now()}
	if s.mainSP != nil {
		snap.sp = s.mainSP.Get()
		snap.hasSP = true
	}
	key, err := s.snapshots.put(snap, image, s.desc.SnapshotCompression)
	if err != nil {
		return "", err
	}
	Logger().Debug("snapshot registered",
		zap.String("function", s.desc.Key()),
		zap.String("key", key),
		zap.Int("bytes", snap.size),
		zap.Int("stored", len(snap.data)))
	return key, nil
}

// Reset restores memory to the image registered under key. Bytes past the
// image are zeroed, since memory cannot shrink, and the main stack pointer
// is restored. Other state is untouched.
func (s *Instance) Reset(key string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		metrics.ResetsTotal.WithLabelValues(metrics.Status(err)).Inc()
	}()

	if err := s.checkBound(errors.PhaseSnapshot); err != nil {
		return err
	}
	snap, ok := s.snapshots.get(key)
	if !ok {
		return errors.UnknownSnapshot(key)
	}
	image, err := s.snapshots.image(snap)
	if err != nil {
		return err
	}

	s.growMu.Lock()
	err = s.mem.Restore(image)
	s.growMu.Unlock()
	if err != nil {
		return errors.Wrap(errors.PhaseSnapshot, errors.KindSnapshot, err, "restore memory")
	}
	if snap.hasSP && s.mainSP != nil {
		s.mainSP.Set(snap.sp)
	}

	if n := s.registry.Count(); n > snap.modules {
		Logger().Warn("reset discards data of modules loaded after the snapshot",
			zap.String("function", s.desc.Key()),
			zap.Int("modules", n-snap.modules))
	}
	return nil
}
