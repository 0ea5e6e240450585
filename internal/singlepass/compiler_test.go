package singlepass_test

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/machine/emu"
	"github.com/tetratelabs/singlepass/internal/moremath"
	"github.com/tetratelabs/singlepass/internal/singlepass"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

type jumpRecord struct {
	pos   machine.Position
	label machine.Label
}

// recordingMachine records the conditional jumps emitted through it.
type recordingMachine struct {
	*emu.Machine
	jumps []jumpRecord
	binds map[machine.Label]int
}

func newRecordingMachine() *recordingMachine {
	return &recordingMachine{Machine: emu.NewMachine(), binds: map[machine.Label]int{}}
}

func (m *recordingMachine) EmitJumpIf(cond machine.Condition, sz machine.Size, a, b machine.Location, l machine.Label) machine.Position {
	p := m.Machine.EmitJumpIf(cond, sz, a, b, l)
	m.jumps = append(m.jumps, jumpRecord{pos: p, label: l})
	return p
}

func (m *recordingMachine) BindLabel(l machine.Label) {
	m.binds[l]++
	m.Machine.BindLabel(l)
}

// jumpsTo returns the code offsets of the conditional jumps targeting the given code offset.
func (m *recordingMachine) jumpsTo(offset uint32) []uint32 {
	var ret []uint32
	for _, j := range m.jumps {
		if target, ok := m.LabelOffset(j.label); ok && target == offset {
			ret = append(ret, m.OffsetOf(j.pos))
		}
	}
	return ret
}

func compileWith(t *testing.T, m machine.Machine, tm *testModule, localIndex int) *singlepass.CompiledFunction {
	info := tm.info()
	f, err := singlepass.CompileFunction(m, info, wasm.NewContextOffsets(info), info.ImportedFunctionCount+wasm.Index(localIndex),
		tm.codes()[localIndex], singlepass.NewConfig().WithInvariantChecks(true))
	require.NoError(t, err)
	return f
}

// trapOffset returns the offset of the only trap table entry with the given code.
func trapOffset(t *testing.T, f *singlepass.CompiledFunction, code machine.TrapCode) uint32 {
	var ret []uint32
	for _, tr := range f.FrameInfo.Traps {
		if tr.Code == code {
			ret = append(ret, tr.CodeOffset)
		}
	}
	require.Len(t, ret, 1)
	return ret[0]
}

func requireTrap(t *testing.T, err error, code machine.TrapCode) {
	var trap *emu.TrapError
	require.True(t, errors.As(err, &trap), "expected a trap, got %v", err)
	require.Equal(t, code, trap.Code)
}

func TestCompile_ConstAdd(t *testing.T) {
	tm := &testModule{funcs: []testFunc{
		{sig: ft{Results: vI32}, body: ops(i32Const(3), i32Const(4), wasm.OpcodeI32Add, wasm.OpcodeEnd)},
	}}
	res, err := tm.instantiate(t, nil).Call(0)
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, res)
}

func TestCompile_DivisionByZero(t *testing.T) {
	tm := &testModule{funcs: []testFunc{
		{sig: ft{Results: vI32}, body: ops(i32Const(1), i32Const(0), wasm.OpcodeI32DivU, wasm.OpcodeEnd)},
	}}

	t.Run("trap label", func(t *testing.T) {
		m := newRecordingMachine()
		f := compileWith(t, m, tm, 0)
		jumps := m.jumpsTo(trapOffset(t, f, machine.TrapIntegerDivisionByZero))
		require.Len(t, jumps, 1)
		_, ok := f.FrameInfo.StateMap.TrappableOffsets[jumps[0]]
		require.True(t, ok, "the divisor check is not marked trappable")
	})

	t.Run("execution", func(t *testing.T) {
		_, err := tm.instantiate(t, nil).Call(0)
		requireTrap(t, err, machine.TrapIntegerDivisionByZero)
	})
}

func TestCompile_UnreachableAfterBranch(t *testing.T) {
	tm := &testModule{funcs: []testFunc{
		{sig: ft{Results: vI32}, body: ops(
			wasm.OpcodeBlock, blockType(wasm.ValueTypeI32),
			i32Const(5), br(0),
			// Dead code, including operators that would underflow the operand stack.
			i32Const(999), wasm.OpcodeDrop, wasm.OpcodeDrop, wasm.OpcodeDrop, i32Const(1),
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		)},
	}}
	res, err := tm.instantiate(t, nil).Call(0)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, res)

	// No code is attributed to the dead operators.
	f := compileWith(t, emu.NewMachine(), tm, 0)
	deadStart := uint64(len(ops(wasm.OpcodeBlock, 0x7f, i32Const(5), br(0))))
	deadEnd := deadStart + uint64(len(ops(i32Const(999), wasm.OpcodeDrop, wasm.OpcodeDrop, wasm.OpcodeDrop, i32Const(1))))
	for _, inst := range f.FrameInfo.AddressMap.Instructions {
		require.False(t, inst.SrcLoc >= deadStart && inst.SrcLoc < deadEnd, "code emitted for the dead operator at %d", inst.SrcLoc)
	}
}

func callIndirectModule() *testModule {
	return &testModule{
		table: &wasm.TableType{ElemType: wasm.ValueTypeFuncref, Min: 3},
		funcs: []testFunc{
			// f0(i) calls table[i](7) with the type of f1.
			{sig: ft{Params: vI32, Results: vI32}, body: ops(
				i32Const(7), localGet(0), wasm.OpcodeCallIndirect, 1, 0, wasm.OpcodeEnd)},
			{sig: ft{Params: vI32, Results: vI32}, body: ops(
				localGet(0), i32Const(1), wasm.OpcodeI32Add, wasm.OpcodeEnd)},
			{sig: ft{Results: vI64}, body: ops(i64Const(1), wasm.OpcodeEnd)},
		},
		elements: []wasm.Index{1, 2},
	}
}

func TestCompile_CallIndirect(t *testing.T) {
	tm := callIndirectModule()

	t.Run("bounds check targets the shared label", func(t *testing.T) {
		m := newRecordingMachine()
		f := compileWith(t, m, tm, 0)
		jumps := m.jumpsTo(trapOffset(t, f, machine.TrapTableAccessOutOfBounds))
		require.Len(t, jumps, 1)
		_, ok := f.FrameInfo.StateMap.TrappableOffsets[jumps[0]]
		require.True(t, ok)
	})

	in := tm.instantiate(t, nil)
	tests := []struct {
		name  string
		index uint64
		exp   uint64
		trap  machine.TrapCode
	}{
		{name: "call", index: 0, exp: 8},
		{name: "bad signature", index: 1, trap: machine.TrapBadSignature},
		{name: "null element", index: 2, trap: machine.TrapIndirectCallToNull},
		{name: "out of bounds", index: 3, trap: machine.TrapTableAccessOutOfBounds},
		{name: "large index", index: 1 << 20, trap: machine.TrapTableAccessOutOfBounds},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			res, err := in.Call(0, tc.index)
			if tc.trap != 0 {
				requireTrap(t, err, tc.trap)
				return
			}
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.exp}, res)
		})
	}
}

func TestCompile_SpecialLabelsBoundOnce(t *testing.T) {
	tm := &testModule{
		memory: &wasm.MemoryType{Min: 1},
		funcs: []testFunc{{sig: ft{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: vI32}, body: ops(
			localGet(0), localGet(1), wasm.OpcodeI32DivS,
			localGet(0), localGet(1), wasm.OpcodeI32RemU, wasm.OpcodeI32Add,
			localGet(0), memArg(wasm.OpcodeI32Load, 0), wasm.OpcodeI32Add,
			localGet(1), memArg(wasm.OpcodeI32Load, 4), wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		)}},
	}
	m := newRecordingMachine()
	f := compileWith(t, m, tm, 0)

	for _, code := range []machine.TrapCode{
		machine.TrapIntegerDivisionByZero, machine.TrapIntegerOverflow, machine.TrapTableAccessOutOfBounds,
		machine.TrapIndirectCallToNull, machine.TrapBadSignature,
	} {
		trapOffset(t, f, code)
	}
	for l, n := range m.binds {
		require.Equal(t, 1, n, "label %d bound %d times", l, n)
	}
	// Both divisions share the division by zero label.
	require.Len(t, m.jumpsTo(trapOffset(t, f, machine.TrapIntegerDivisionByZero)), 2)
}

func TestCompile_Loop(t *testing.T) {
	// sum(n) adds 1..n with a loop.
	tm := &testModule{funcs: []testFunc{{
		sig:    ft{Params: vI32, Results: vI64},
		locals: vI64,
		body: ops(
			wasm.OpcodeBlock, blockType(),
			wasm.OpcodeLoop, blockType(),
			localGet(0), wasm.OpcodeI32Eqz, brIf(1),
			localGet(1), localGet(0), wasm.OpcodeI64ExtendI32U, wasm.OpcodeI64Add, localSet(1),
			localGet(0), i32Const(1), wasm.OpcodeI32Sub, localSet(0),
			br(0),
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
			localGet(1),
			wasm.OpcodeEnd,
		),
	}}}
	in := tm.instantiate(t, nil)
	for _, n := range []uint64{0, 1, 10, 1000} {
		res, err := in.Call(0, n)
		require.NoError(t, err)
		require.Equal(t, []uint64{n * (n + 1) / 2}, res)
	}

	_, compiled := tm.compile(t, nil)
	sm := compiled.Functions[0].FrameInfo.StateMap
	require.NotNil(t, sm.WasmFunctionHeaderTargetOffset)
	// The loop operator follows the two bytes of the block.
	loop, ok := sm.WasmOffsetToTargetOffset[2]
	require.True(t, ok)
	require.Equal(t, singlepass.SuspendOffsetLoop, loop.Kind)
	require.Contains(t, sm.LoopOffsets, loop.Offset)
}

func TestCompile_LoopResult(t *testing.T) {
	tm := &testModule{funcs: []testFunc{
		// f0 falls through a loop with an i32 result.
		{sig: ft{Results: vI32}, body: ops(
			wasm.OpcodeLoop, blockType(wasm.ValueTypeI32), i32Const(5), wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		)},
		// f1 adds to the loop result.
		{sig: ft{Results: vI32}, body: ops(
			wasm.OpcodeLoop, blockType(wasm.ValueTypeI32), i32Const(5), wasm.OpcodeEnd,
			i32Const(1), wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		)},
		// f2 falls through a loop with an f64 result.
		{sig: ft{Results: vI64}, body: ops(
			wasm.OpcodeLoop, blockType(wasm.ValueTypeF64), f64Const(2.5), wasm.OpcodeEnd,
			wasm.OpcodeI64ReinterpretF64,
			wasm.OpcodeEnd,
		)},
		// f3 computes 0/0 inside a loop and observes the bits of the result.
		{sig: ft{Params: vF64, Results: vI64}, body: ops(
			wasm.OpcodeLoop, blockType(wasm.ValueTypeF64),
			localGet(0), localGet(0), wasm.OpcodeF64Div,
			wasm.OpcodeEnd,
			wasm.OpcodeI64ReinterpretF64,
			wasm.OpcodeEnd,
		)},
		// f4 iterates n times through the back edge before falling through with 3*n.
		{sig: ft{Params: vI32, Results: vI32}, locals: vI32, body: ops(
			wasm.OpcodeLoop, blockType(wasm.ValueTypeI32),
			localGet(1), i32Const(3), wasm.OpcodeI32Add, localSet(1),
			localGet(0), i32Const(1), wasm.OpcodeI32Sub, localTee(0), brIf(0),
			localGet(1),
			wasm.OpcodeEnd,
			wasm.OpcodeEnd,
		)},
		// f5 keeps an operand live below a loop with a result.
		{sig: ft{Results: vI32}, body: ops(
			i32Const(7),
			wasm.OpcodeLoop, blockType(wasm.ValueTypeI32), i32Const(5), wasm.OpcodeEnd,
			wasm.OpcodeI32Sub,
			wasm.OpcodeEnd,
		)},
		// f6 keeps operands live below a block whose result is merged.
		{sig: ft{Params: vI32, Results: vI32}, body: ops(
			i32Const(100), localGet(0),
			wasm.OpcodeBlock, blockType(wasm.ValueTypeI32),
			localGet(0), i32Const(2), wasm.OpcodeI32Mul,
			wasm.OpcodeEnd,
			wasm.OpcodeI32Add, wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		)},
	}}
	in := tm.instantiate(t, nil)

	tests := []struct {
		name string
		fn   wasm.Index
		args []uint64
		exp  uint64
	}{
		{name: "i32", fn: 0, exp: 5},
		{name: "i32 used after end", fn: 1, exp: 6},
		{name: "f64", fn: 2, exp: math.Float64bits(2.5)},
		{name: "f64 pending NaN", fn: 3, args: []uint64{math.Float64bits(0)}, exp: moremath.F64CanonicalNaNBits},
		{name: "back edge", fn: 4, args: []uint64{4}, exp: 12},
		{name: "operand below loop", fn: 5, exp: 2},
		{name: "operands below block", fn: 6, args: []uint64{3}, exp: 109},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			res, err := in.Call(tc.fn, tc.args...)
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.exp}, res)
		})
	}
}

func TestCompile_IfElse(t *testing.T) {
	tm := &testModule{funcs: []testFunc{{
		sig: ft{Params: vI32, Results: vI32},
		body: ops(
			localGet(0), wasm.OpcodeIf, blockType(wasm.ValueTypeI32),
			i32Const(10),
			wasm.OpcodeElse,
			i32Const(20),
			wasm.OpcodeEnd,
			i32Const(1), wasm.OpcodeI32Add,
			wasm.OpcodeEnd,
		),
	}, {
		// An if without else and a return inside it.
		sig: ft{Params: vI32, Results: vI32},
		body: ops(
			localGet(0), wasm.OpcodeIf, blockType(),
			i32Const(100), wasm.OpcodeReturn,
			wasm.OpcodeEnd,
			i32Const(200),
			wasm.OpcodeEnd,
		),
	}}}
	in := tm.instantiate(t, nil)

	tests := []struct {
		fn       wasm.Index
		arg, exp uint64
	}{
		{fn: 0, arg: 1, exp: 11},
		{fn: 0, arg: 0, exp: 21},
		{fn: 1, arg: 5, exp: 100},
		{fn: 1, arg: 0, exp: 200},
	}
	for _, tc := range tests {
		res, err := in.Call(tc.fn, tc.arg)
		require.NoError(t, err)
		require.Equal(t, []uint64{tc.exp}, res, "f%d(%d)", tc.fn, tc.arg)
	}
}

func TestCompile_BrTable(t *testing.T) {
	tm := &testModule{funcs: []testFunc{{
		sig: ft{Params: vI32, Results: vI32},
		body: ops(
			wasm.OpcodeBlock, blockType(),
			wasm.OpcodeBlock, blockType(),
			wasm.OpcodeBlock, blockType(),
			localGet(0), brTable([]uint32{0, 1}, 2),
			wasm.OpcodeEnd,
			i32Const(10), wasm.OpcodeReturn,
			wasm.OpcodeEnd,
			i32Const(11), wasm.OpcodeReturn,
			wasm.OpcodeEnd,
			i32Const(12),
			wasm.OpcodeEnd,
		),
	}}}
	in := tm.instantiate(t, nil)
	for arg, exp := range map[uint64]uint64{0: 10, 1: 11, 2: 12, 100: 12, math.MaxUint32: 12} {
		res, err := in.Call(0, arg)
		require.NoError(t, err)
		require.Equal(t, []uint64{exp}, res, "argument %d", arg)
	}
}

func TestCompile_RegisterPressure(t *testing.T) {
	// Ten parameters, more than the registers holding locals and more than the parameter
	// registers, and a sum keeping every operand live on the operand stack.
	params := make([]wasm.ValueType, 10)
	var body []byte
	for i := range params {
		params[i] = wasm.ValueTypeI64
		body = append(body, localGet(uint32(i))...)
	}
	for range params[1:] {
		body = append(body, wasm.OpcodeI64Add)
	}
	body = append(body, wasm.OpcodeEnd)

	tm := &testModule{funcs: []testFunc{
		{sig: ft{Params: params, Results: vI64}, locals: []wasm.ValueType{wasm.ValueTypeI64, wasm.ValueTypeF64}, body: body},
		// f1 forwards its arguments in reverse order, so the argument moves form cycles.
		{sig: ft{Params: params, Results: vI64}, body: func() []byte {
			var b []byte
			for i := len(params) - 1; i >= 0; i-- {
				b = append(b, localGet(uint32(i))...)
			}
			return append(b, ops(call(2), wasm.OpcodeEnd)...)
		}()},
		// f2 weighs each argument by its position.
		{sig: ft{Params: params, Results: vI64}, body: func() []byte {
			b := i64Const(0)
			for i := range params {
				b = append(b, localGet(uint32(i))...)
				b = append(b, i64Const(int64(i+1))...)
				b = append(b, wasm.OpcodeI64Mul, wasm.OpcodeI64Add)
			}
			return append(b, wasm.OpcodeEnd)
		}()},
	}}

	args := []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	for _, cc := range []machine.CallingConvention{machine.CallingConventionSystemV, machine.CallingConventionWindowsFastcall} {
		t.Run(cc.String(), func(t *testing.T) {
			in := tm.instantiate(t, singlepass.NewConfig().WithCallingConvention(cc))

			res, err := in.Call(0, args...)
			require.NoError(t, err)
			require.Equal(t, []uint64{55}, res)

			// f1(1..10) = f2(10..1) = sum((11-i)*i)
			res, err = in.Call(1, args...)
			require.NoError(t, err)
			require.Equal(t, []uint64{220}, res)
		})
	}
}

func TestCompile_HostCall(t *testing.T) {
	sig := ft{Params: []wasm.ValueType{
		wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF64, wasm.ValueTypeI32,
		wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI64,
	}, Results: vI64}
	tm := &testModule{
		imports: []ft{sig},
		funcs: []testFunc{{sig: ft{Params: vI32, Results: vI64}, body: ops(
			localGet(0), i64Const(2), f64Const(3.5), i32Const(4), i32Const(5), i32Const(6), i64Const(-7),
			call(0),
			i64Const(1), wasm.OpcodeI64Add,
			wasm.OpcodeEnd,
		)}},
	}
	var got []uint64
	host := func(in *emu.Instance, args []uint64) (uint64, error) {
		got = append([]uint64(nil), args...)
		return 41, nil
	}

	for _, cc := range []machine.CallingConvention{machine.CallingConventionSystemV, machine.CallingConventionWindowsFastcall} {
		t.Run(cc.String(), func(t *testing.T) {
			in := tm.instantiate(t, singlepass.NewConfig().WithCallingConvention(cc), host)
			res, err := in.Call(1, 1)
			require.NoError(t, err)
			require.Equal(t, []uint64{42}, res)
			require.Equal(t, 7, len(got))
			require.Equal(t, uint64(1), uint64(uint32(got[0])))
			require.Equal(t, uint64(2), got[1])
			require.Equal(t, math.Float64bits(3.5), got[2])
			require.Equal(t, []uint64{4, 5, 6}, []uint64{uint64(uint32(got[3])), uint64(uint32(got[4])), uint64(uint32(got[5]))})
			require.Equal(t, uint64(math.MaxUint64-6), got[6])
		})
	}
}

func TestCompile_HostTrap(t *testing.T) {
	tm := &testModule{
		imports: []ft{{}},
		funcs:   []testFunc{{sig: ft{}, body: ops(call(0), wasm.OpcodeEnd)}},
	}
	in := tm.instantiate(t, nil, func(*emu.Instance, []uint64) (uint64, error) {
		return 0, &emu.TrapError{Code: machine.TrapUnreachable, Function: -1}
	})
	_, err := in.Call(1)
	requireTrap(t, err, machine.TrapUnreachable)
}

func TestCompile_Memory(t *testing.T) {
	tm := &testModule{
		memory: &wasm.MemoryType{Min: 1, Max: 3},
		funcs: []testFunc{
			// f0(addr, v) stores v at addr+8 and loads it back sign extended from its low byte.
			{sig: ft{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI64}, Results: vI64}, body: ops(
				localGet(0), localGet(1), memArg(wasm.OpcodeI64Store, 8),
				localGet(0), memArg(wasm.OpcodeI64Load8S, 8),
				wasm.OpcodeEnd,
			)},
			// f1(delta) grows the memory and returns the new size in pages.
			{sig: ft{Params: vI32, Results: vI32}, body: ops(
				localGet(0), wasm.OpcodeMemoryGrow, 0, wasm.OpcodeDrop,
				wasm.OpcodeMemorySize, 0,
				wasm.OpcodeEnd,
			)},
			// f2(dst, v, n) fills memory and returns the last byte written.
			{sig: ft{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: vI32}, body: ops(
				localGet(0), localGet(1), localGet(2), wasm.OpcodeMiscPrefix, wasm.OpcodeMiscMemoryFill, 0,
				localGet(0), localGet(2), wasm.OpcodeI32Add, i32Const(1), wasm.OpcodeI32Sub,
				memArg(wasm.OpcodeI32Load8U, 0),
				wasm.OpcodeEnd,
			)},
		},
	}
	in := tm.instantiate(t, nil)

	res, err := in.Call(0, 16, 0x1ff)
	require.NoError(t, err)
	require.Equal(t, []uint64{math.MaxUint64}, res)
	require.Equal(t, byte(0xff), in.Memory(0)[24])
	require.Equal(t, byte(0x01), in.Memory(0)[25])

	t.Run("out of bounds", func(t *testing.T) {
		for _, addr := range []uint64{65536 - 8 - 7, 65536, math.MaxUint32} {
			_, err := in.Call(0, addr, 1)
			requireTrap(t, err, machine.TrapHeapAccessOutOfBounds)
		}
		// The last 8 bytes of the page are in bounds.
		_, err := in.Call(0, 65536-16, 1)
		require.NoError(t, err)
	})

	t.Run("grow", func(t *testing.T) {
		res, err := in.Call(1, 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{2}, res)
		// The new page is accessible.
		_, err = in.Call(0, 65536, 1)
		require.NoError(t, err)
		// Growing past the maximum fails and leaves the size alone.
		res, err = in.Call(1, 5)
		require.NoError(t, err)
		require.Equal(t, []uint64{2}, res)
	})

	t.Run("fill", func(t *testing.T) {
		res, err := in.Call(2, 100, 0xab, 10)
		require.NoError(t, err)
		require.Equal(t, []uint64{0xab}, res)
		require.Equal(t, byte(0xab), in.Memory(0)[100])
		require.Equal(t, byte(0), in.Memory(0)[110])
	})
}

func TestCompile_Globals(t *testing.T) {
	tm := &testModule{
		globals: []testGlobal{
			{typ: wasm.ValueTypeI64, mutable: true, init: 40},
			{typ: wasm.ValueTypeF32, mutable: true, init: uint64(math.Float32bits(1.5))},
		},
		funcs: []testFunc{{sig: ft{Results: vI64}, body: ops(
			wasm.OpcodeGlobalGet, 0, i64Const(2), wasm.OpcodeI64Add, wasm.OpcodeGlobalSet, 0,
			wasm.OpcodeGlobalGet, 1, wasm.OpcodeGlobalGet, 1, wasm.OpcodeF32Add, wasm.OpcodeGlobalSet, 1,
			wasm.OpcodeGlobalGet, 0,
			wasm.OpcodeEnd,
		)}},
	}
	in := tm.instantiate(t, nil)
	res, err := in.Call(0)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, res)
	require.Equal(t, uint64(42), in.Global(0))
	require.Equal(t, uint64(math.Float32bits(3)), in.Global(1))
}

func TestCompile_Select(t *testing.T) {
	tm := &testModule{funcs: []testFunc{
		{sig: ft{Params: vI32, Results: vI64}, body: ops(
			i64Const(1), i64Const(2), localGet(0), wasm.OpcodeSelect, wasm.OpcodeEnd)},
		{sig: ft{Params: vI32, Results: vF64}, body: ops(
			f64Const(1.5), f64Const(2.5), localGet(0), wasm.OpcodeSelect, wasm.OpcodeEnd)},
	}}
	in := tm.instantiate(t, nil)
	for cond, exp := range map[uint64][2]uint64{
		1: {1, math.Float64bits(1.5)},
		0: {2, math.Float64bits(2.5)},
	} {
		res, err := in.Call(0, cond)
		require.NoError(t, err)
		require.Equal(t, []uint64{exp[0]}, res)
		res, err = in.Call(1, cond)
		require.NoError(t, err)
		require.Equal(t, []uint64{exp[1]}, res)
	}
}

func TestCompile_IntegerTraps(t *testing.T) {
	tm := &testModule{funcs: []testFunc{
		{sig: ft{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: vI32}, body: ops(
			localGet(0), localGet(1), wasm.OpcodeI32DivS, wasm.OpcodeEnd)},
		{sig: ft{Params: []wasm.ValueType{wasm.ValueTypeI64, wasm.ValueTypeI64}, Results: vI64}, body: ops(
			localGet(0), localGet(1), wasm.OpcodeI64RemS, wasm.OpcodeEnd)},
		{sig: ft{Params: vF32, Results: vI32}, body: ops(
			localGet(0), wasm.OpcodeI32TruncF32S, wasm.OpcodeEnd)},
	}}
	in := tm.instantiate(t, nil)

	minI32 := uint64(uint32(math.MaxInt32 + 1))
	_, err := in.Call(0, minI32, math.MaxUint32)
	requireTrap(t, err, machine.TrapIntegerOverflow)

	res, err := in.Call(0, uint64(uint32(0xfffffff9)), 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{uint64(uint32(0xfffffffd))}, res)

	res, err = in.Call(1, uint64(1)<<63, math.MaxUint64)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, res)

	_, err = in.Call(1, 1, 0)
	requireTrap(t, err, machine.TrapIntegerDivisionByZero)

	res, err = in.Call(2, uint64(math.Float32bits(-3.9)))
	require.NoError(t, err)
	require.Equal(t, []uint64{uint64(uint32(0xfffffffd))}, res)

	for _, v := range []float32{float32(math.NaN()), 3e9, float32(math.Inf(-1))} {
		_, err = in.Call(2, uint64(math.Float32bits(v)))
		requireTrap(t, err, machine.TrapIntegerOverflow)
	}
}

func TestCompile_Unreachable(t *testing.T) {
	tm := &testModule{funcs: []testFunc{{sig: ft{Results: vI32}, body: ops(
		wasm.OpcodeUnreachable, wasm.OpcodeI32Add, wasm.OpcodeEnd)}}}
	_, err := tm.instantiate(t, nil).Call(0)
	requireTrap(t, err, machine.TrapUnreachable)
}

func TestCompile_NaNCanonicalization(t *testing.T) {
	tm := &testModule{
		memory: &wasm.MemoryType{Min: 1},
		funcs: []testFunc{
			// f0 stores 0/0 at address 0 and returns it reinterpreted.
			{sig: ft{Params: vF32, Results: vI32}, locals: vF32, body: ops(
				i32Const(0), localGet(0), localGet(0), wasm.OpcodeF32Div, memArg(wasm.OpcodeF32Store, 0),
				localGet(0), localGet(0), wasm.OpcodeF32Div, localTee(1), wasm.OpcodeI32ReinterpretF32,
				wasm.OpcodeEnd,
			)},
			// f1 returns 0/0 as f64.
			{sig: ft{Params: vF64, Results: vF64}, body: ops(
				localGet(0), localGet(0), wasm.OpcodeF64Div, wasm.OpcodeEnd)},
		},
	}
	zero32, zero64 := uint64(math.Float32bits(0)), math.Float64bits(0)

	t.Run("enabled", func(t *testing.T) {
		in := tm.instantiate(t, nil)
		res, err := in.Call(0, zero32)
		require.NoError(t, err)
		require.Equal(t, []uint64{uint64(moremath.F32CanonicalNaNBits)}, res)
		require.Equal(t, []byte{0x00, 0x00, 0xc0, 0x7f}, in.Memory(0)[:4])

		res, err = in.Call(1, zero64)
		require.NoError(t, err)
		require.Equal(t, []uint64{moremath.F64CanonicalNaNBits}, res)
	})

	t.Run("disabled", func(t *testing.T) {
		_, compiled := tm.compile(t, singlepass.NewConfig().WithNaNCanonicalization(false))
		for _, f := range compiled.Functions {
			text, err := emu.Disassemble(f.Body)
			require.NoError(t, err)
			require.NotContains(t, text, "canon")
		}
	})
}

func TestCompile_Tables(t *testing.T) {
	tm := &testModule{
		table: &wasm.TableType{ElemType: wasm.ValueTypeFuncref, Min: 2},
		funcs: []testFunc{
			// f0 stores a reference to f1 at index 1 and calls it through the table.
			{sig: ft{Results: vI32}, body: ops(
				i32Const(1), wasm.OpcodeRefFunc, 1, wasm.OpcodeTableSet, 0,
				i32Const(1), wasm.OpcodeTableGet, 0, wasm.OpcodeRefIsNull,
				i32Const(0), wasm.OpcodeTableGet, 0, wasm.OpcodeRefIsNull,
				i32Const(10), wasm.OpcodeI32Mul, wasm.OpcodeI32Add,
				i32Const(1), wasm.OpcodeCallIndirect, 1, 0, wasm.OpcodeI32Add,
				wasm.OpcodeEnd,
			)},
			{sig: ft{Results: vI32}, body: ops(i32Const(100), wasm.OpcodeEnd)},
			// f2 grows the table with null references and returns its size.
			{sig: ft{Params: vI32, Results: vI32}, body: ops(
				wasm.OpcodeRefNull, wasm.ValueTypeFuncref, localGet(0), wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableGrow, 0,
				wasm.OpcodeDrop,
				wasm.OpcodeMiscPrefix, wasm.OpcodeMiscTableSize, 0,
				wasm.OpcodeEnd,
			)},
		},
	}
	in := tm.instantiate(t, nil)
	res, err := in.Call(0)
	require.NoError(t, err)
	// Element 1 is not null, element 0 is.
	require.Equal(t, []uint64{110}, res)

	res, err = in.Call(2, 3)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, res)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		fn   testFunc
		exp  string
	}{
		{
			name: "unsupported operator",
			fn: testFunc{sig: ft{Params: vF32, Results: vI32}, body: ops(
				localGet(0), wasm.OpcodeMiscPrefix, wasm.OpcodeMiscI32TruncSatF32S, wasm.OpcodeEnd)},
			exp: "unsupported operator i32.trunc_sat_f32_s",
		},
		{
			name: "multi-value block",
			fn: testFunc{sig: ft{}, body: ops(
				wasm.OpcodeBlock, 0, wasm.OpcodeEnd, wasm.OpcodeEnd)},
			exp: "codegen error",
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			tm := &testModule{funcs: []testFunc{tc.fn}}
			// Type 0 has two results and serves as the block type of the multi-value case.
			info := tm.info()
			info.Types = append(info.Types, &wasm.FunctionType{Results: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}})
			info.Types[0], info.Types[1] = info.Types[1], info.Types[0]
			info.Functions[0] = 1

			_, err := singlepass.CompileModule(context.Background(), info, tm.codes(),
				func() machine.Machine { return emu.NewMachine() }, nil)
			require.Error(t, err)
			var cerr *singlepass.CodegenError
			require.True(t, errors.As(err, &cerr), "%v is not a CodegenError", err)
			require.True(t, strings.Contains(err.Error(), tc.exp), err.Error())
			require.True(t, strings.HasPrefix(err.Error(), "function[0]: "), err.Error())
		})
	}
}

func TestFunctionCompiler_UseAfterFinalize(t *testing.T) {
	tm := &testModule{funcs: []testFunc{{sig: ft{}, body: ops(wasm.OpcodeEnd)}}}
	info := tm.info()
	c, err := singlepass.NewFunctionCompiler(emu.NewMachine(), info, wasm.NewContextOffsets(info), 0, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.FeedOperator(&wasm.Operator{Opcode: wasm.OpcodeEnd}))
	_, err = c.Finalize()
	require.NoError(t, err)

	var cerr *singlepass.CodegenError
	_, err = c.Finalize()
	require.True(t, errors.As(err, &cerr), "%v is not a CodegenError", err)
	require.EqualError(t, err, "codegen error: already finalized")

	err = c.FeedOperator(&wasm.Operator{Opcode: wasm.OpcodeNop})
	require.True(t, errors.As(err, &cerr), "%v is not a CodegenError", err)
	require.EqualError(t, err, "codegen error: operator fed after Finalize")
}

func TestCompileModule_Parallelism(t *testing.T) {
	tm := callIndirectModule()
	info := tm.info()
	var bodies [][]byte
	for _, n := range []int{1, 4} {
		compiled, err := singlepass.CompileModule(context.Background(), info, tm.codes(),
			func() machine.Machine { return emu.NewMachine() }, singlepass.NewConfig().WithParallelism(n))
		require.NoError(t, err)
		require.Len(t, compiled.Functions, len(tm.funcs))
		for i, f := range compiled.Functions {
			if n == 1 {
				bodies = append(bodies, f.Body)
			} else {
				require.Equal(t, bodies[i], f.Body)
			}
		}
	}
}

func TestCompileModule_BodyCountMismatch(t *testing.T) {
	tm := callIndirectModule()
	_, err := singlepass.CompileModule(context.Background(), tm.info(), tm.codes()[1:],
		func() machine.Machine { return emu.NewMachine() }, nil)
	require.EqualError(t, err, "2 function bodies for 3 local functions")
}
