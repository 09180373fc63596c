package runtime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/wasm"
)

// Signature is the WIT view of a core function: scalar parameter and
// result types, used to parse and print values.
type Signature struct {
	Params  []wit.Type
	Results []wit.Type
}

var funcPattern = regexp.MustCompile(`(?:export\s+)?([a-zA-Z_][a-zA-Z0-9_-]*)\s*:\s*func\s*\(([^)]*)\)(?:\s*->\s*([^;]+))?`)

// ParseSignatures extracts function signatures from WIT text of the form
// "name: func(a: s32, b: s32) -> s32;".
func ParseSignatures(witText string) (map[string]Signature, error) {
	sigs := make(map[string]Signature)
	for _, match := range funcPattern.FindAllStringSubmatch(witText, -1) {
		var sig Signature
		if params := strings.TrimSpace(match[2]); params != "" {
			for _, p := range splitParams(params) {
				if idx := strings.LastIndex(p, ":"); idx != -1 {
					p = p[idx+1:]
				}
				t, err := wit.ParseType(strings.TrimSpace(p))
				if err != nil {
					return nil, errors.Wrap(errors.PhaseExec, errors.KindInvalidInput, err, "parse param type "+p)
				}
				sig.Params = append(sig.Params, t)
			}
		}

		result := strings.TrimSpace(match[3])
		result = strings.TrimSuffix(strings.TrimPrefix(result, "("), ")")
		if result != "" {
			for _, part := range splitParams(result) {
				t, err := wit.ParseType(strings.TrimSpace(part))
				if err != nil {
					return nil, errors.Wrap(errors.PhaseExec, errors.KindInvalidInput, err, "parse result type "+part)
				}
				sig.Results = append(sig.Results, t)
			}
		}
		sigs[match[1]] = sig
	}
	if len(sigs) == 0 {
		return nil, errors.InvalidInput(errors.PhaseExec, "no functions found in WIT text")
	}
	return sigs, nil
}

func splitParams(s string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	for _, ch := range s {
		switch {
		case ch == '(' || ch == '<':
			depth++
		case ch == ')' || ch == '>':
			depth--
		case ch == ',' && depth == 0:
			if str := strings.TrimSpace(cur.String()); str != "" {
				out = append(out, str)
			}
			cur.Reset()
			continue
		}
		cur.WriteRune(ch)
	}
	if str := strings.TrimSpace(cur.String()); str != "" {
		out = append(out, str)
	}
	return out
}

// CoreSignature gives each core value type its natural WIT type: i32 as
// s32, i64 as s64, and floats as themselves.
func CoreSignature(ft wasm.FuncType) Signature {
	return Signature{Params: coreTypes(ft.Params), Results: coreTypes(ft.Results)}
}

func coreTypes(types []wasm.ValType) []wit.Type {
	out := make([]wit.Type, len(types))
	for i, t := range types {
		switch t {
		case wasm.ValI64:
			out[i] = wit.S64{}
		case wasm.ValF32:
			out[i] = wit.F32{}
		case wasm.ValF64:
			out[i] = wit.F64{}
		default:
			out[i] = wit.S32{}
		}
	}
	return out
}

// EncodeArgs parses one string per parameter into core values.
func (s Signature) EncodeArgs(values []string) ([]uint64, error) {
	if len(values) != len(s.Params) {
		return nil, errors.InvalidInput(errors.PhaseExec,
			fmt.Sprintf("got %d arguments, want %d", len(values), len(s.Params)))
	}
	out := make([]uint64, len(values))
	for i, v := range values {
		enc, err := encodeArg(v, s.Params[i])
		if err != nil {
			return nil, errors.Wrap(errors.PhaseExec, errors.KindInvalidInput, err, fmt.Sprintf("argument %d", i))
		}
		out[i] = enc
	}
	return out, nil
}

func encodeArg(value string, t wit.Type) (uint64, error) {
	switch t.(type) {
	case wit.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return 0, err
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case wit.U8, wit.U16, wit.U32:
		v, err := strconv.ParseUint(value, 0, 32)
		return api.EncodeU32(uint32(v)), err
	case wit.S8, wit.S16, wit.S32:
		v, err := strconv.ParseInt(value, 0, 32)
		return api.EncodeI32(int32(v)), err
	case wit.U64:
		return strconv.ParseUint(value, 0, 64)
	case wit.S64:
		v, err := strconv.ParseInt(value, 0, 64)
		return api.EncodeI64(v), err
	case wit.F32:
		v, err := strconv.ParseFloat(value, 32)
		return api.EncodeF32(float32(v)), err
	case wit.F64:
		v, err := strconv.ParseFloat(value, 64)
		return api.EncodeF64(v), err
	case wit.Char:
		r := []rune(value)
		if len(r) != 1 {
			return 0, fmt.Errorf("char %q is not one rune", value)
		}
		return uint64(r[0]), nil
	}
	return 0, fmt.Errorf("unsupported type %T", t)
}

// FormatResults prints core results according to the result types.
// Results beyond the signature print as signed i32.
func (s Signature) FormatResults(raw []uint64) []string {
	out := make([]string, len(raw))
	for i, v := range raw {
		var t wit.Type = wit.S32{}
		if i < len(s.Results) {
			t = s.Results[i]
		}
		out[i] = formatResult(v, t)
	}
	return out
}

func formatResult(v uint64, t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return strconv.FormatBool(uint32(v) != 0)
	case wit.U8, wit.U16, wit.U32:
		return strconv.FormatUint(uint64(api.DecodeU32(v)), 10)
	case wit.U64:
		return strconv.FormatUint(v, 10)
	case wit.S64:
		return strconv.FormatInt(int64(v), 10)
	case wit.F32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case wit.F64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	case wit.Char:
		return strconv.QuoteRune(rune(uint32(v)))
	}
	return strconv.FormatInt(int64(api.DecodeI32(v)), 10)
}
