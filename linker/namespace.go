package linker

import (
	"sort"

	"github.com/tetratelabs/wazero/api"
)

// FuncDef defines a host function
type FuncDef struct {
	Name        string
	Handler     api.GoModuleFunc
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// Namespace is a named set of host functions instantiated as one host
// module, such as the env intrinsics.
type Namespace struct {
	name  string
	funcs map[string]*FuncDef
}

// NewNamespace creates an empty namespace
func NewNamespace(name string) *Namespace {
	return &Namespace{
		name:  name,
		funcs: make(map[string]*FuncDef),
	}
}

// Name returns the namespace name
func (ns *Namespace) Name() string {
	return ns.name
}

// DefineFunc registers a host function, replacing one of the same name.
func (ns *Namespace) DefineFunc(name string, fn api.GoModuleFunc, params, results []api.ValueType) {
	ns.funcs[name] = &FuncDef{
		Name:        name,
		Handler:     fn,
		ParamTypes:  params,
		ResultTypes: results,
	}
}

// Func returns a function by name, or nil if not defined.
func (ns *Namespace) Func(name string) *FuncDef {
	return ns.funcs[name]
}

// Funcs returns every definition sorted by name.
func (ns *Namespace) Funcs() []*FuncDef {
	out := make([]*FuncDef, 0, len(ns.funcs))
	for _, f := range ns.funcs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
