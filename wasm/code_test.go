package wasm_test

import (
	"bytes"
	"testing"

	"github.com/wippyai/wasm-sandbox/wasm"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		code wasm.Code
		want []byte
	}{
		{
			name: "control",
			code: wasm.Code{}.Block(wasm.BlockVoid).Loop(wasm.BlockVoid).Br(1).BrIf(0).End().End(),
			want: []byte{0x02, 0x40, 0x03, 0x40, 0x0C, 0x01, 0x0D, 0x00, 0x0B, 0x0B},
		},
		{
			name: "if else",
			code: wasm.Code{}.I32Const(0).If(wasm.BlockVoid).Nop().Else().Return().End(),
			want: []byte{0x41, 0x00, 0x04, 0x40, 0x01, 0x05, 0x0F, 0x0B},
		},
		{
			name: "locals and globals",
			code: wasm.Code{}.LocalGet(0).LocalTee(1).LocalSet(2).GlobalGet(3).GlobalSet(200),
			want: []byte{0x20, 0x00, 0x22, 0x01, 0x21, 0x02, 0x23, 0x03, 0x24, 0xC8, 0x01},
		},
		{
			name: "memory",
			code: wasm.Code{}.I64Load(8).I32Load8U(1).I64Store(0).I32Store8(300),
			want: []byte{0x29, 0x03, 0x08, 0x2D, 0x00, 0x01, 0x37, 0x03, 0x00, 0x3A, 0x00, 0xAC, 0x02},
		},
		{
			name: "compare",
			code: wasm.Code{}.I32Eqz().I32Eq().I32Ne().I32LtU(),
			want: []byte{0x45, 0x46, 0x47, 0x49},
		},
		{
			name: "arithmetic",
			code: wasm.Code{}.I32Sub().I64Add().F64Add().F64Mul(),
			want: []byte{0x6B, 0x7C, 0xA0, 0xA2},
		},
		{
			name: "f64 const",
			code: wasm.Code{}.F64Const(1),
			want: []byte{0x44, 0, 0, 0, 0, 0, 0, 0xF0, 0x3F},
		},
		{
			name: "negative i32",
			code: wasm.Code{}.I32Const(-1).Drop(),
			want: []byte{0x41, 0x7F, 0x1A},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !bytes.Equal(tt.code, tt.want) {
				t.Errorf("code = % x, want % x", []byte(tt.code), tt.want)
			}
		})
	}
}

// A counted loop built from the emitters must still parse as part of a
// module body.
func TestCode_InModule(t *testing.T) {
	b := wasm.NewBuilder()
	b.Memory(wasm.Limits{Min: 1})
	body := wasm.Code{}.
		Block(wasm.BlockVoid).
		Loop(wasm.BlockVoid).
		LocalGet(0).I32Eqz().BrIf(1).
		LocalGet(1).LocalGet(0).I32Add().LocalSet(1).
		LocalGet(0).I32Const(1).I32Sub().LocalSet(0).
		Br(0).
		End().
		End().
		LocalGet(1).
		End()
	fn := b.Func(wasm.FuncType{Params: i32, Results: i32}, []wasm.ValType{wasm.ValI32}, body)
	b.Export("triangle", wasm.KindFunc, fn)

	m, err := wasm.Parse(b.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := m.Export("triangle", wasm.KindFunc); !ok {
		t.Errorf("triangle not exported")
	}
}
