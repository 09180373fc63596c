package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/runtime"
	"github.com/wippyai/wasm-sandbox/sandbox"
	"github.com/wippyai/wasm-sandbox/wasm"
)

type funcInfo struct {
	name string
	sig  runtime.Signature
}

// exportedFuncs lists the function exports of bin in name order. A
// signature from sigs wins over the core type.
func exportedFuncs(bin []byte, sigs map[string]runtime.Signature) ([]funcInfo, error) {
	m, err := wasm.Parse(bin)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseBind, errors.KindInvalidInput, err, "parse bytecode")
	}
	var funcs []funcInfo
	for _, e := range m.Exports {
		if e.Kind != wasm.KindFunc {
			continue
		}
		fi := funcInfo{name: e.Name}
		if sig, ok := sigs[e.Name]; ok {
			fi.sig = sig
		} else if ft, ok := m.FuncTypeOf(e.Index); ok {
			fi.sig = runtime.CoreSignature(ft)
		}
		funcs = append(funcs, fi)
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].name < funcs[j].name })
	return funcs, nil
}

func loadSignatures(path string) (map[string]runtime.Signature, error) {
	if path == "" {
		return nil, nil
	}
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	return runtime.ParseSignatures(string(text))
}

// parseTarget reads "#N" as a table slot and anything else as an export.
func parseTarget(s string) (sandbox.Target, error) {
	if slot, ok := strings.CutPrefix(s, "#"); ok {
		idx, err := strconv.ParseUint(slot, 0, 32)
		if err != nil {
			return sandbox.Target{}, errors.InvalidInput(errors.PhaseExec, "bad table slot "+s)
		}
		return sandbox.Pointer(uint32(idx)), nil
	}
	return sandbox.Export(s), nil
}

func formatSignature(name string, sig runtime.Signature) string {
	params := make([]string, len(sig.Params))
	for i, p := range sig.Params {
		params[i] = fmt.Sprintf("arg%d: %s", i, witTypeStr(p))
	}
	out := name + "(" + strings.Join(params, ", ") + ")"
	if len(sig.Results) > 0 {
		results := make([]string, len(sig.Results))
		for i, r := range sig.Results {
			results[i] = witTypeStr(r)
		}
		out += " -> " + strings.Join(results, ", ")
	}
	return out
}

func witTypeStr(t wit.Type) string {
	switch v := t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	case *wit.TypeDef:
		if v.Name != nil {
			return *v.Name
		}
		return "typedef"
	default:
		return fmt.Sprintf("%T", t)
	}
}
