package wasm

import (
	"encoding/binary"
	"math"
)

// Code is an instruction sequence under construction. Methods append one
// instruction and return the extended sequence:
//
//	body := wasm.Code{}.LocalGet(0).LocalGet(1).I32Add().End()
type Code []byte

func (c Code) op(b byte) Code { return append(c, b) }

func (c Code) u32(v uint32) Code { return AppendUleb128(c, uint64(v)) }

func (c Code) memarg(align, offset uint32) Code { return c.u32(align).u32(offset) }

func (c Code) Unreachable() Code { return c.op(OpUnreachable) }
func (c Code) Nop() Code         { return c.op(OpNop) }
func (c Code) Drop() Code        { return c.op(OpDrop) }
func (c Code) Return() Code      { return c.op(OpReturn) }
func (c Code) End() Code         { return c.op(OpEnd) }
func (c Code) Else() Code        { return c.op(OpElse) }

// Block opens a block with the given block type (BlockVoid or a value type).
func (c Code) Block(bt byte) Code { return append(c, OpBlock, bt) }
func (c Code) Loop(bt byte) Code  { return append(c, OpLoop, bt) }
func (c Code) If(bt byte) Code    { return append(c, OpIf, bt) }

func (c Code) Br(depth uint32) Code   { return c.op(OpBr).u32(depth) }
func (c Code) BrIf(depth uint32) Code { return c.op(OpBrIf).u32(depth) }

func (c Code) Call(funcIdx uint32) Code { return c.op(OpCall).u32(funcIdx) }

func (c Code) CallIndirect(typeIdx, tableIdx uint32) Code {
	return c.op(OpCallIndirect).u32(typeIdx).u32(tableIdx)
}

func (c Code) LocalGet(idx uint32) Code  { return c.op(OpLocalGet).u32(idx) }
func (c Code) LocalSet(idx uint32) Code  { return c.op(OpLocalSet).u32(idx) }
func (c Code) LocalTee(idx uint32) Code  { return c.op(OpLocalTee).u32(idx) }
func (c Code) GlobalGet(idx uint32) Code { return c.op(OpGlobalGet).u32(idx) }
func (c Code) GlobalSet(idx uint32) Code { return c.op(OpGlobalSet).u32(idx) }

func (c Code) I32Const(v int32) Code { return AppendSleb128(c.op(OpI32Const), int64(v)) }
func (c Code) I64Const(v int64) Code { return AppendSleb128(c.op(OpI64Const), v) }

func (c Code) F64Const(v float64) Code {
	c = c.op(OpF64Const)
	return binary.LittleEndian.AppendUint64(c, math.Float64bits(v))
}

func (c Code) I32Load(offset uint32) Code   { return c.op(OpI32Load).memarg(2, offset) }
func (c Code) I64Load(offset uint32) Code   { return c.op(OpI64Load).memarg(3, offset) }
func (c Code) I32Load8U(offset uint32) Code { return c.op(OpI32Load8U).memarg(0, offset) }
func (c Code) I32Store(offset uint32) Code  { return c.op(OpI32Store).memarg(2, offset) }
func (c Code) I64Store(offset uint32) Code  { return c.op(OpI64Store).memarg(3, offset) }
func (c Code) I32Store8(offset uint32) Code { return c.op(OpI32Store8).memarg(0, offset) }

func (c Code) MemorySize() Code { return append(c, OpMemorySize, 0x00) }
func (c Code) MemoryGrow() Code { return append(c, OpMemoryGrow, 0x00) }

func (c Code) I32Eqz() Code  { return c.op(OpI32Eqz) }
func (c Code) I32Eq() Code   { return c.op(OpI32Eq) }
func (c Code) I32Ne() Code   { return c.op(OpI32Ne) }
func (c Code) I32LtU() Code  { return c.op(OpI32LtU) }
func (c Code) I32Add() Code  { return c.op(OpI32Add) }
func (c Code) I32Sub() Code  { return c.op(OpI32Sub) }
func (c Code) I32Mul() Code  { return c.op(OpI32Mul) }
func (c Code) I32DivS() Code { return c.op(OpI32DivS) }
func (c Code) I64Add() Code  { return c.op(OpI64Add) }
func (c Code) F64Add() Code  { return c.op(OpF64Add) }
func (c Code) F64Mul() Code  { return c.op(OpF64Mul) }

// I32ConstExpr returns the constant expression "i32.const v; end".
func I32ConstExpr(v int32) []byte {
	return Code{}.I32Const(v).End()
}

// I64ConstExpr returns the constant expression "i64.const v; end".
func I64ConstExpr(v int64) []byte {
	return Code{}.I64Const(v).End()
}

// GlobalGetExpr returns the constant expression "global.get idx; end".
func GlobalGetExpr(idx uint32) []byte {
	return Code{}.GlobalGet(idx).End()
}
