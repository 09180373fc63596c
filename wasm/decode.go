package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-sandbox/wasm/internal/binary"
)

var (
	ErrInvalidMagic   = errors.New("wasm: invalid magic number")
	ErrInvalidVersion = errors.New("wasm: unsupported version")
	ErrUnsupported    = errors.New("wasm: unsupported encoding")
)

// ParseError is returned for malformed modules.
type ParseError = binary.ParseError

// Parse decodes a WebAssembly binary module.
func Parse(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil || magic != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, ErrInvalidMagic
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	m := &Module{}
	seenKnown := false
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("section", err)
		}

		if id == SectionCustom {
			cs, err := parseCustom(payload)
			if err != nil {
				return nil, err
			}
			if seenKnown {
				m.TrailingCustom = append(m.TrailingCustom, cs)
			} else {
				m.LeadingCustom = append(m.LeadingCustom, cs)
			}
			continue
		}
		seenKnown = true

		if err := m.parseSection(id, payload); err != nil {
			return nil, err
		}
	}

	if len(m.Code) != len(m.Funcs) {
		return nil, fmt.Errorf("wasm: function and code section counts differ (%d != %d)", len(m.Funcs), len(m.Code))
	}
	return m, nil
}

func parseCustom(payload []byte) (CustomSection, error) {
	r := binary.NewReader(payload)
	name, err := r.ReadName()
	if err != nil {
		return CustomSection{}, r.WrapError("custom", err)
	}
	data, _ := r.ReadBytes(r.Len())
	return CustomSection{Name: name, Data: data}, nil
}

func (m *Module) parseSection(id byte, payload []byte) error {
	r := binary.NewReader(payload)
	var err error
	var section string

	switch id {
	case SectionType:
		section = "type"
		err = vec(r, func() error {
			form, err := r.ReadByte()
			if err != nil {
				return err
			}
			if form != FuncTypeByte {
				return fmt.Errorf("%w: type form 0x%02x", ErrUnsupported, form)
			}
			var ft FuncType
			if ft.Params, err = readValTypes(r); err != nil {
				return err
			}
			if ft.Results, err = readValTypes(r); err != nil {
				return err
			}
			m.Types = append(m.Types, ft)
			return nil
		})
	case SectionImport:
		section = "import"
		err = vec(r, func() error {
			imp, err := readImport(r)
			if err != nil {
				return err
			}
			m.Imports = append(m.Imports, imp)
			return nil
		})
	case SectionFunction:
		section = "function"
		err = vec(r, func() error {
			idx, err := r.ReadU32()
			m.Funcs = append(m.Funcs, idx)
			return err
		})
	case SectionTable:
		section = "table"
		err = vec(r, func() error {
			tt, err := readTableType(r)
			m.Tables = append(m.Tables, tt)
			return err
		})
	case SectionMemory:
		section = "memory"
		err = vec(r, func() error {
			l, err := readLimits(r)
			m.Memories = append(m.Memories, l)
			return err
		})
	case SectionGlobal:
		section = "global"
		err = vec(r, func() error {
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			init, err := readConstExpr(r)
			m.Globals = append(m.Globals, Global{Type: gt, Init: init})
			return err
		})
	case SectionExport:
		section = "export"
		err = vec(r, func() error {
			var e Export
			var err error
			if e.Name, err = r.ReadName(); err != nil {
				return err
			}
			if e.Kind, err = r.ReadByte(); err != nil {
				return err
			}
			e.Index, err = r.ReadU32()
			m.Exports = append(m.Exports, e)
			return err
		})
	case SectionStart:
		section = "start"
		var idx uint32
		idx, err = r.ReadU32()
		m.Start = &idx
	case SectionElement:
		section = "element"
		err = vec(r, func() error {
			e, err := readElement(r)
			m.Elements = append(m.Elements, e)
			return err
		})
	case SectionCode:
		section = "code"
		err = vec(r, func() error {
			size, err := r.ReadU32()
			if err != nil {
				return err
			}
			raw, err := r.ReadBytes(int(size))
			m.Code = append(m.Code, FuncBody{Raw: raw})
			return err
		})
	case SectionData:
		section = "data"
		err = vec(r, func() error {
			d, err := readData(r)
			m.Data = append(m.Data, d)
			return err
		})
	case SectionDataCount:
		section = "datacount"
		var n uint32
		n, err = r.ReadU32()
		m.DataCount = &n
	case SectionTag:
		m.Tags = payload
		return nil
	default:
		return fmt.Errorf("%w: section id %d", ErrUnsupported, id)
	}

	if err != nil {
		return r.WrapError(section, err)
	}
	if r.Len() != 0 {
		return r.WrapError(section, errors.New("section size mismatch"))
	}
	return nil
}

func vec(r *binary.Reader, each func() error) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if err := each(); err != nil {
			return err
		}
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	types := make([]ValType, n)
	for i := range types {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		types[i] = ValType(b)
	}
	return types, nil
}

func readImport(r *binary.Reader) (Import, error) {
	var imp Import
	var err error
	if imp.Module, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Name, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Kind, err = r.ReadByte(); err != nil {
		return imp, err
	}
	switch imp.Kind {
	case KindFunc:
		imp.TypeIdx, err = r.ReadU32()
	case KindTable:
		var tt TableType
		tt, err = readTableType(r)
		imp.Table = &tt
	case KindMemory:
		var l Limits
		l, err = readLimits(r)
		imp.Memory = &l
	case KindGlobal:
		var gt GlobalType
		gt, err = readGlobalType(r)
		imp.Global = &gt
	default:
		err = fmt.Errorf("%w: import kind 0x%02x", ErrUnsupported, imp.Kind)
	}
	return imp, err
}

func readTableType(r *binary.Reader) (TableType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if b == 0x40 {
		return TableType{}, fmt.Errorf("%w: table with init expression", ErrUnsupported)
	}
	l, err := readLimits(r)
	return TableType{ElemType: ValType(b), Limits: l}, err
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&^(limitsHasMax|limitsShared|limitsMemory64) != 0 {
		return Limits{}, fmt.Errorf("%w: limits flags 0x%02x", ErrUnsupported, flags)
	}
	l := Limits{
		Shared:   flags&limitsShared != 0,
		Memory64: flags&limitsMemory64 != 0,
	}
	if l.Min, err = r.ReadU64(); err != nil {
		return l, err
	}
	if flags&limitsHasMax != 0 {
		max, err := r.ReadU64()
		if err != nil {
			return l, err
		}
		l.Max = &max
	}
	return l, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("%w: global mutability 0x%02x", ErrUnsupported, mut)
	}
	return GlobalType{ValType: ValType(vt), Mutable: mut == 1}, nil
}

// readConstExpr returns the raw bytes of a constant expression including
// its terminating end opcode.
func readConstExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch op {
		case OpEnd:
			return r.Since(start), nil
		case OpI32Const:
			_, err = r.ReadS32()
		case OpI64Const:
			_, err = r.ReadS64()
		case OpF32Const:
			_, err = r.ReadBytes(4)
		case OpF64Const:
			_, err = r.ReadBytes(8)
		case OpGlobalGet, OpRefFunc:
			_, err = r.ReadU32()
		case OpRefNull:
			_, err = r.ReadS64()
		case OpI32Add, OpI32Sub, OpI32Mul, OpI64Add, OpI64Sub, OpI64Mul:
		default:
			err = fmt.Errorf("%w: opcode 0x%02x in constant expression", ErrUnsupported, op)
		}
		if err != nil {
			return nil, err
		}
	}
}

func readElement(r *binary.Reader) (Element, error) {
	var e Element
	var err error
	if e.Flags, err = r.ReadU32(); err != nil {
		return e, err
	}
	if e.Flags > 7 {
		return e, fmt.Errorf("%w: element flags %d", ErrUnsupported, e.Flags)
	}

	if e.Flags&2 != 0 && e.Flags&1 == 0 {
		if e.TableIdx, err = r.ReadU32(); err != nil {
			return e, err
		}
	}
	if e.Flags&1 == 0 {
		if e.Offset, err = readConstExpr(r); err != nil {
			return e, err
		}
	}
	if e.Flags&3 != 0 {
		b, err := r.ReadByte()
		if err != nil {
			return e, err
		}
		if e.Flags&4 != 0 {
			e.RefType = ValType(b)
		} else {
			e.ElemKind = b
		}
	}

	if e.Flags&4 != 0 {
		err = vec(r, func() error {
			expr, err := readConstExpr(r)
			e.Exprs = append(e.Exprs, expr)
			return err
		})
	} else {
		err = vec(r, func() error {
			idx, err := r.ReadU32()
			e.FuncIdxs = append(e.FuncIdxs, idx)
			return err
		})
	}
	return e, err
}

func readData(r *binary.Reader) (DataSegment, error) {
	var d DataSegment
	var err error
	if d.Flags, err = r.ReadU32(); err != nil {
		return d, err
	}
	switch d.Flags {
	case 0:
	case 1:
	case 2:
		if d.MemIdx, err = r.ReadU32(); err != nil {
			return d, err
		}
	default:
		return d, fmt.Errorf("%w: data flags %d", ErrUnsupported, d.Flags)
	}
	if d.Flags != 1 {
		if d.Offset, err = readConstExpr(r); err != nil {
			return d, err
		}
	}
	n, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	d.Init, err = r.ReadBytes(int(n))
	return d, err
}

// ConstI32 evaluates a constant expression consisting of a single
// i32.const. It reports false for any other shape.
func ConstI32(expr []byte) (int32, bool) {
	r := binary.NewReader(expr)
	op, err := r.ReadByte()
	if err != nil || op != OpI32Const {
		return 0, false
	}
	v, err := r.ReadS32()
	if err != nil {
		return 0, false
	}
	end, err := r.ReadByte()
	if err != nil || end != OpEnd || r.Len() != 0 {
		return 0, false
	}
	return v, true
}

// GlobalGetIndex evaluates a constant expression consisting of a single
// global.get and returns the global index.
func GlobalGetIndex(expr []byte) (uint32, bool) {
	if len(expr) < 3 || expr[0] != OpGlobalGet {
		return 0, false
	}
	idx, n, err := ReadUleb128(expr[1:])
	if err != nil || 1+n != len(expr)-1 || expr[len(expr)-1] != OpEnd || idx > 0xffffffff {
		return 0, false
	}
	return uint32(idx), true
}
