package emu

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/moremath"
	"github.com/tetratelabs/singlepass/internal/singlepass"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// newTestInstance instantiates a module made of one local function with the given signature and body.
func newTestInstance(t *testing.T, sig *wasm.FunctionType, f *singlepass.CompiledFunction, setup *Setup) *Instance {
	module := &wasm.ModuleInfo{Types: []*wasm.FunctionType{sig}, Functions: []wasm.Index{0}}
	compiled := &singlepass.CompiledModule{Functions: []*singlepass.CompiledFunction{f}, Config: singlepass.NewConfig()}
	in, err := NewInstance(module, compiled, setup)
	require.NoError(t, err)
	return in
}

func TestMachine_Run(t *testing.T) {
	i64 := []wasm.ValueType{wasm.ValueTypeI64}

	t.Run("add", func(t *testing.T) {
		m := NewMachine()
		// System V passes the context in RDI, then the arguments in RSI and RDX.
		m.EmitIntBinary(machine.IntAdd, machine.S64, machine.GPR(RSI), machine.GPR(RDX), machine.GPR(RAX))
		m.EmitReturn()
		code, err := m.Finalize()
		require.NoError(t, err)
		require.Len(t, code, 2*InstructionSize)

		in := newTestInstance(t, &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI64, wasm.ValueTypeI64}, Results: i64},
			&singlepass.CompiledFunction{Body: code}, nil)
		res, err := in.Call(0, 40, 2)
		require.NoError(t, err)
		require.Equal(t, []uint64{42}, res)
	})

	t.Run("trap", func(t *testing.T) {
		m := NewMachine()
		m.EmitMove(machine.S64, machine.Imm32(1), machine.GPR(RAX))
		p := m.EmitTrap(machine.TrapUnreachable)
		code, err := m.Finalize()
		require.NoError(t, err)

		f := &singlepass.CompiledFunction{Body: code}
		_, err = newTestInstance(t, &wasm.FunctionType{}, f, nil).Call(0)
		var fault *FaultError
		require.True(t, errors.As(err, &fault), "a trap without a trap table entry is a fault: %v", err)

		f.FrameInfo.Traps = []singlepass.TrapInformation{{CodeOffset: m.OffsetOf(p), Code: machine.TrapUnreachable}}
		_, err = newTestInstance(t, &wasm.FunctionType{}, f, nil).Call(0)
		var trap *TrapError
		require.True(t, errors.As(err, &trap), err)
		require.Equal(t, machine.TrapUnreachable, trap.Code)
		require.Equal(t, uint32(InstructionSize), trap.Offset)
	})

	t.Run("step limit", func(t *testing.T) {
		m := NewMachine()
		l := m.NewLabel()
		m.BindLabel(l)
		m.EmitJump(l)
		code, err := m.Finalize()
		require.NoError(t, err)

		_, err = newTestInstance(t, &wasm.FunctionType{}, &singlepass.CompiledFunction{Body: code}, &Setup{StepLimit: 100}).Call(0)
		require.ErrorIs(t, err, ErrStepLimit)
	})

	t.Run("conditional jump", func(t *testing.T) {
		m := NewMachine()
		// Returns 1 if the argument is below 10, 2 otherwise.
		below := m.NewLabel()
		m.EmitMove(machine.S64, machine.Imm32(2), machine.GPR(RAX))
		m.EmitJumpIf(machine.CondUnsignedLess, machine.S32, machine.GPR(RSI), machine.Imm32(10), below)
		m.EmitReturn()
		m.BindLabel(below)
		m.EmitMove(machine.S64, machine.Imm32(1), machine.GPR(RAX))
		m.EmitReturn()
		code, err := m.Finalize()
		require.NoError(t, err)

		in := newTestInstance(t, &wasm.FunctionType{Params: i64, Results: i64}, &singlepass.CompiledFunction{Body: code}, nil)
		for arg, exp := range map[uint64]uint64{0: 1, 9: 1, 10: 2, 1 << 32: 1} {
			res, err := in.Call(0, arg)
			require.NoError(t, err)
			require.Equal(t, []uint64{exp}, res, "argument %#x", arg)
		}
	})
}

func TestMachine_Finalize(t *testing.T) {
	m := NewMachine()
	m.EmitJump(m.NewLabel())
	_, err := m.Finalize()
	require.EqualError(t, err, "label 0 is never bound")
}

func TestMachine_AlignLoopHeader(t *testing.T) {
	m := NewMachine()
	m.EmitReturn()
	m.AlignLoopHeader()
	require.Equal(t, machine.Position(loopAlignment), m.Position())
	m.AlignLoopHeader()
	require.Equal(t, machine.Position(loopAlignment), m.Position())
}

func TestDisassemble(t *testing.T) {
	m := NewMachine()
	m.EmitMove(machine.S32, machine.Memory(RBP, -16), machine.GPR(RAX))
	m.EmitCanonicalizeNaN(machine.S64, machine.FPR(XMM1), machine.FPR(XMM0))
	m.EmitReturn()
	code, err := m.Finalize()
	require.NoError(t, err)

	text, err := Disassemble(code)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "0x0000 mov"), lines[0])
	require.Contains(t, lines[0], "[r5-16]")
	require.True(t, strings.HasPrefix(lines[1], "0x0028 "), lines[1])
	require.Contains(t, lines[1], "canon")
	require.Contains(t, lines[2], "ret")

	code[0] = 0xff
	_, err = Disassemble(code)
	require.EqualError(t, err, "at 0x0: invalid opcode 0xff")
}

func TestEncoding_roundTrip(t *testing.T) {
	inst := instruction{
		op: opJumpIf, sub: byte(machine.CondSignedLess), size: machine.S32, ext: machine.SignExtend64,
		a: machine.Memory(R15, -0x7fff_0000), b: machine.Imm64(math.MaxUint64), c: machine.FPR(XMM13),
	}
	buf := make([]byte, InstructionSize)
	encodeInstruction(buf, &inst)
	decoded, err := decodeInstruction(buf)
	require.NoError(t, err)
	require.Equal(t, inst, decoded)

	_, err = decodeInstruction(buf[:InstructionSize-1])
	require.Error(t, err)
}

func TestIntBinary(t *testing.T) {
	minI32, minI64 := uint64(1)<<31, uint64(1)<<63
	tests := []struct {
		name string
		op   machine.IntBinaryOp
		sz   machine.Size
		a, b uint64
		exp  uint64
	}{
		{name: "add wraps 32", op: machine.IntAdd, sz: machine.S32, a: math.MaxUint32, b: 2, exp: 1},
		{name: "add 32 ignores upper bits", op: machine.IntAdd, sz: machine.S32, a: 1<<32 | 1, b: 1, exp: 2},
		{name: "add wraps 64", op: machine.IntAdd, sz: machine.S64, a: math.MaxUint64, b: 2, exp: 1},
		{name: "sub", op: machine.IntSub, sz: machine.S32, a: 0, b: 1, exp: math.MaxUint32},
		{name: "div_s 32", op: machine.IntDivS, sz: machine.S32, a: uint64(uint32(0xffff_fff9)), b: 2, exp: uint64(uint32(0xffff_fffd))},
		{name: "div_u 32", op: machine.IntDivU, sz: machine.S32, a: uint64(uint32(0xffff_fff9)), b: 2, exp: 0x7fff_fffc},
		{name: "rem_s of the minimum by -1", op: machine.IntRemS, sz: machine.S32, a: minI32, b: math.MaxUint32, exp: 0},
		{name: "rem_s 64 of the minimum by -1", op: machine.IntRemS, sz: machine.S64, a: minI64, b: math.MaxUint64, exp: 0},
		{name: "rem_s keeps the dividend sign", op: machine.IntRemS, sz: machine.S64, a: uint64(math.MaxUint64 - 6), b: 2, exp: math.MaxUint64},
		{name: "shl masks the count", op: machine.IntShl, sz: machine.S32, a: 1, b: 33, exp: 2},
		{name: "shr_s", op: machine.IntShrS, sz: machine.S32, a: minI32, b: 31, exp: math.MaxUint32},
		{name: "shr_u 64", op: machine.IntShrU, sz: machine.S64, a: minI64, b: 63, exp: 1},
		{name: "rotl 32", op: machine.IntRotl, sz: machine.S32, a: minI32, b: 1, exp: 1},
		{name: "rotr 64", op: machine.IntRotr, sz: machine.S64, a: 1, b: 1, exp: minI64},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			v, err := intBinary(tc.op, tc.sz, tc.a, tc.b)
			require.NoError(t, err)
			require.Equal(t, tc.exp, v)
		})
	}

	for _, op := range []machine.IntBinaryOp{machine.IntDivS, machine.IntDivU, machine.IntRemS, machine.IntRemU} {
		for _, sz := range []machine.Size{machine.S32, machine.S64} {
			// The upper bits of a 32-bit divisor are ignored.
			_, err := intBinary(op, sz, 1, 1<<32)
			if sz == machine.S32 {
				require.ErrorIs(t, err, errDivideByZero)
			} else {
				require.NoError(t, err)
			}
			_, err = intBinary(op, sz, 1, 0)
			require.ErrorIs(t, err, errDivideByZero)
		}
	}
}

func TestFloatBinary(t *testing.T) {
	f32 := func(v float32) uint64 { return uint64(math.Float32bits(v)) }
	tests := []struct {
		name string
		op   machine.FloatBinaryOp
		sz   machine.Size
		a, b uint64
		exp  uint64
	}{
		{name: "add 32", op: machine.FloatAdd, sz: machine.S32, a: f32(1.5), b: f32(2.25), exp: f32(3.75)},
		{name: "div 64", op: machine.FloatDiv, sz: machine.S64, a: math.Float64bits(1), b: math.Float64bits(4), exp: math.Float64bits(0.25)},
		{name: "min of zeros", op: machine.FloatMin, sz: machine.S64, a: math.Float64bits(0), b: math.Float64bits(math.Copysign(0, -1)),
			exp: math.Float64bits(math.Copysign(0, -1))},
		{name: "max of zeros", op: machine.FloatMax, sz: machine.S32, a: f32(float32(math.Copysign(0, -1))), b: f32(0), exp: f32(0)},
		{name: "copysign 32", op: machine.FloatCopysign, sz: machine.S32, a: f32(2), b: f32(-1), exp: f32(-2)},
		{name: "copysign 64 keeps the magnitude", op: machine.FloatCopysign, sz: machine.S64, a: math.Float64bits(-3),
			b: math.Float64bits(1), exp: math.Float64bits(3)},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, floatBinary(tc.op, tc.sz, tc.a, tc.b))
		})
	}

	// A NaN operand gives a NaN.
	v := floatBinary(machine.FloatMin, machine.S32, f32(1), uint64(moremath.F32CanonicalNaNBits))
	require.True(t, math.IsNaN(float64(math.Float32frombits(uint32(v)))))
}

func TestTruncate(t *testing.T) {
	f32 := func(v float32) uint64 { return uint64(math.Float32bits(v)) }
	f64 := math.Float64bits
	tests := []struct {
		name string
		op   machine.TruncOp
		v    uint64
		exp  uint64
		ok   bool
	}{
		{name: "i32 from f32", op: machine.TruncI32F32S, v: f32(-3.9), exp: uint64(uint32(0xffff_fffd)), ok: true},
		{name: "i32 from f32 NaN", op: machine.TruncI32F32S, v: f32(float32(math.NaN()))},
		{name: "i32 from f64 at the maximum", op: machine.TruncI32F64S, v: f64(2147483647.9), exp: math.MaxInt32, ok: true},
		{name: "i32 from f64 above the maximum", op: machine.TruncI32F64S, v: f64(2147483648)},
		{name: "u32 from f64 of -0.9", op: machine.TruncI32F64U, v: f64(-0.9), exp: 0, ok: true},
		{name: "u32 from f64 of -1", op: machine.TruncI32F64U, v: f64(-1)},
		{name: "i64 from f64 at 2^63", op: machine.TruncI64F64S, v: f64(9223372036854775808.0)},
		{name: "i64 from f64 at -2^63", op: machine.TruncI64F64S, v: f64(-9223372036854775808.0), exp: 1 << 63, ok: true},
		{name: "u64 from f32", op: machine.TruncI64F32U, v: f32(1 << 40), exp: 1 << 40, ok: true},
		{name: "u64 from f64 infinity", op: machine.TruncI64F64U, v: f64(math.Inf(1))},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			v, ok := truncate(tc.op, tc.v)
			require.Equal(t, tc.ok, ok)
			if ok {
				require.Equal(t, tc.exp, v)
			}
		})
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		sz   machine.Size
		v    uint64
		exp  uint64
	}{
		{name: "f32 negative NaN", sz: machine.S32, v: 0xffc0_0000, exp: uint64(moremath.F32CanonicalNaNBits)},
		{name: "f32 signaling NaN", sz: machine.S32, v: 0x7f80_0001, exp: uint64(moremath.F32CanonicalNaNBits)},
		{name: "f32 number", sz: machine.S32, v: uint64(math.Float32bits(1.5)), exp: uint64(math.Float32bits(1.5))},
		{name: "f32 infinity", sz: machine.S32, v: 0x7f80_0000, exp: 0x7f80_0000},
		{name: "f64 payload NaN", sz: machine.S64, v: 0x7ff0_0000_0000_0001, exp: moremath.F64CanonicalNaNBits},
		{name: "f64 negative zero", sz: machine.S64, v: 1 << 63, exp: 1 << 63},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, canonicalize(tc.sz, tc.v))
		})
	}
}

func TestExtend(t *testing.T) {
	require.Equal(t, uint64(0xff), extend(machine.ZeroExtend, machine.S8, 0xff))
	require.Equal(t, uint64(0xffff_ffff), extend(machine.SignExtend32, machine.S8, 0xff))
	require.Equal(t, uint64(math.MaxUint64), extend(machine.SignExtend64, machine.S16, 0xffff))
	require.Equal(t, uint64(0x7fff), extend(machine.SignExtend64, machine.S16, 0x7fff))
	require.Equal(t, uint64(math.MaxUint64), extend(machine.SignExtend64, machine.S32, 0xffff_ffff))
}

func TestCondition_Evaluate(t *testing.T) {
	require.True(t, machine.CondSignedLess.Evaluate(machine.S32, 0xffff_ffff, 0))
	require.False(t, machine.CondUnsignedLess.Evaluate(machine.S32, 0xffff_ffff, 0))
	require.True(t, machine.CondEqual.Evaluate(machine.S32, 1<<32, 0))
	require.False(t, machine.CondEqual.Evaluate(machine.S64, 1<<32, 0))
}
