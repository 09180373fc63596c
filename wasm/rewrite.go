package wasm

// Clone returns a copy of m whose section slices can be modified without
// affecting m. Raw byte payloads are shared.
func (m *Module) Clone() *Module {
	c := *m
	c.Types = append([]FuncType(nil), m.Types...)
	c.Imports = append([]Import(nil), m.Imports...)
	c.Funcs = append([]uint32(nil), m.Funcs...)
	c.Tables = append([]TableType(nil), m.Tables...)
	c.Memories = append([]Limits(nil), m.Memories...)
	c.Globals = append([]Global(nil), m.Globals...)
	c.Exports = append([]Export(nil), m.Exports...)
	c.Elements = append([]Element(nil), m.Elements...)
	c.Code = append([]FuncBody(nil), m.Code...)
	c.Data = append([]DataSegment(nil), m.Data...)
	c.LeadingCustom = append([]CustomSection(nil), m.LeadingCustom...)
	c.TrailingCustom = append([]CustomSection(nil), m.TrailingCustom...)
	if m.Start != nil {
		start := *m.Start
		c.Start = &start
	}
	return &c
}

// Passivate turns every active data segment passive and drops the start
// function, so that instantiating the module again over an already
// initialized shared memory leaves the memory untouched.
func (m *Module) Passivate() {
	for i := range m.Data {
		if m.Data[i].Flags != 1 {
			m.Data[i] = DataSegment{Flags: 1, Init: m.Data[i].Init}
		}
	}
	m.Start = nil
}

// ImportDefinedMemory converts the module's only defined memory into an
// import of module.name with the same limits. Memory index 0 is unchanged.
func (m *Module) ImportDefinedMemory(module, name string) bool {
	if len(m.Memories) != 1 || m.NumImported(KindMemory) != 0 {
		return false
	}
	l := m.Memories[0]
	m.Memories = nil
	m.Imports = append(m.Imports, Import{Module: module, Name: name, Kind: KindMemory, Memory: &l})
	return true
}

// ImportDefinedTable converts the module's only defined table into an
// import of module.name with the same type. Table index 0 is unchanged.
func (m *Module) ImportDefinedTable(module, name string) bool {
	if len(m.Tables) != 1 || m.NumImported(KindTable) != 0 {
		return false
	}
	tt := m.Tables[0]
	m.Tables = nil
	m.Imports = append(m.Imports, Import{Module: module, Name: name, Kind: KindTable, Table: &tt})
	return true
}

// ElemEnd returns the first table index past every active element segment
// of table 0 whose offset is a constant.
func (m *Module) ElemEnd() uint32 {
	var end uint32
	for i := range m.Elements {
		e := &m.Elements[i]
		if !e.Active() || e.TableIdx != 0 {
			continue
		}
		off, ok := ConstI32(e.Offset)
		if !ok || off < 0 {
			continue
		}
		if n := uint32(off) + uint32(e.Len()); n > end {
			end = n
		}
	}
	return end
}
