package wasm

import (
	"github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

// DylinkInfo is the shared-module metadata from the dylink.0 section.
type DylinkInfo struct {
	Needed      []string
	MemorySize  uint32
	MemoryAlign uint32 // log2
	TableSize   uint32
	TableAlign  uint32 // log2
}

// Dylink decodes the module's dylink.0 section. It returns nil when the
// module is not a shared module.
func (m *Module) Dylink() (*DylinkInfo, error) {
	data, ok := m.Custom(DylinkSection)
	if !ok {
		return nil, nil
	}
	return ParseDylink(data)
}

// ParseDylink decodes a dylink.0 payload. Unknown subsections are skipped.
func ParseDylink(data []byte) (*DylinkInfo, error) {
	info := &DylinkInfo{}
	r := binary.NewReader(data)
	for r.Len() > 0 {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("dylink.0", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("dylink.0", err)
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("dylink.0", err)
		}

		sub := binary.NewReader(payload)
		switch kind {
		case dylinkMemInfo:
			fields := []*uint32{&info.MemorySize, &info.MemoryAlign, &info.TableSize, &info.TableAlign}
			for _, f := range fields {
				if *f, err = sub.ReadU32(); err != nil {
					return nil, sub.WrapError("dylink.0 mem-info", err)
				}
			}
		case dylinkNeeded:
			err = vec(sub, func() error {
				name, err := sub.ReadName()
				info.Needed = append(info.Needed, name)
				return err
			})
			if err != nil {
				return nil, sub.WrapError("dylink.0 needed", err)
			}
		case dylinkExportInfo, dylinkImportInfo:
			// symbol flags are not needed for placement
		}
	}
	return info, nil
}

// Encode encodes the metadata as a dylink.0 payload.
func (d DylinkInfo) Encode() []byte {
	w := binary.NewWriter()

	mem := binary.NewWriter()
	mem.WriteU32(d.MemorySize)
	mem.WriteU32(d.MemoryAlign)
	mem.WriteU32(d.TableSize)
	mem.WriteU32(d.TableAlign)
	w.Byte(dylinkMemInfo)
	w.WriteVec(mem.Bytes())

	if len(d.Needed) > 0 {
		needed := binary.NewWriter()
		needed.WriteU32(uint32(len(d.Needed)))
		for _, n := range d.Needed {
			needed.WriteName(n)
		}
		w.Byte(dylinkNeeded)
		w.WriteVec(needed.Bytes())
	}
	return w.Bytes()
}

// MemoryAlignment returns the required data alignment in bytes.
func (d DylinkInfo) MemoryAlignment() uint32 {
	if d.MemoryAlign >= 31 {
		return 1 << 31
	}
	return 1 << d.MemoryAlign
}
