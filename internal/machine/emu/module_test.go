package emu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/singlepass"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

func i32Const(v byte) *wasm.ConstantExpression {
	return &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{v}}
}

// newSegmentModule returns a module with a start function incrementing global 0 and a function
// loading the i32 at address zero.
func newSegmentModule() *wasm.Module {
	start := wasm.Index(0)
	return &wasm.Module{
		Info: &wasm.ModuleInfo{
			Types: []*wasm.FunctionType{
				{},
				{Results: []wasm.ValueType{wasm.ValueTypeI32}},
			},
			Functions: []wasm.Index{0, 1},
			Memories:  []*wasm.MemoryType{{Min: 1}},
			Tables:    []*wasm.TableType{{ElemType: wasm.ValueTypeFuncref, Min: 2}},
			Globals: []*wasm.GlobalType{
				{ValType: wasm.ValueTypeI32, Mutable: true},
				{ValType: wasm.ValueTypeFuncref},
			},
			DataCount:    1,
			ElementCount: 2,
		},
		GlobalInits: []*wasm.ConstantExpression{
			i32Const(7),
			{Opcode: wasm.OpcodeRefFunc, Data: []byte{1}},
		},
		Codes: []*wasm.Code{
			{Body: []byte{
				wasm.OpcodeGlobalGet, 0, wasm.OpcodeI32Const, 1, wasm.OpcodeI32Add, wasm.OpcodeGlobalSet, 0,
				wasm.OpcodeEnd,
			}},
			{Body: []byte{wasm.OpcodeI32Const, 0, wasm.OpcodeI32Load, 2, 0, wasm.OpcodeEnd}},
		},
		Elements: []*wasm.ElementSegment{
			{OffsetExpr: i32Const(1), Init: []wasm.Index{1}},
			{Init: []wasm.Index{0}},
		},
		Data: []*wasm.DataSegment{
			{OffsetExpr: i32Const(0), Init: []byte{42, 0, 0, 0}},
		},
		StartFunction: &start,
	}
}

func compileModule(t *testing.T, m *wasm.Module) *singlepass.CompiledModule {
	compiled, err := singlepass.CompileModule(context.Background(), m.Info, m.Codes,
		func() machine.Machine { return NewMachine() }, nil)
	require.NoError(t, err)
	return compiled
}

func TestInstantiateModule(t *testing.T) {
	m := newSegmentModule()
	in, err := InstantiateModule(m, compileModule(t, m), nil, nil)
	require.NoError(t, err)

	// The start function ran once.
	require.Equal(t, uint64(8), in.Global(0))
	require.Equal(t, in.FuncRef(1), in.Global(1))

	ref, err := in.TableElement(0, 0)
	require.NoError(t, err)
	require.Zero(t, ref)
	ref, err = in.TableElement(0, 1)
	require.NoError(t, err)
	require.Equal(t, in.FuncRef(1), ref)

	require.Equal(t, []byte{42, 0, 0, 0}, in.Memory(0)[:4])
	res, err := in.Call(1)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, res)

	// Applied segments are dropped, passive ones are kept.
	require.Nil(t, in.elements[0])
	require.Equal(t, []wasm.Index{0}, in.elements[1])
	require.Nil(t, in.data[0])
}

func TestInstantiateModule_Errors(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(m *wasm.Module)
		globals     []uint64
		expectedErr string
		is          error
	}{
		{
			name: "data out of bounds",
			modify: func(m *wasm.Module) {
				m.Data[0].OffsetExpr = &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{0xfe, 0xff, 0x03}}
			},
			expectedErr: "data[0]: out of bounds memory access",
			is:          wasm.ErrRuntimeOutOfBoundsMemoryAccess,
		},
		{
			name:        "element out of bounds",
			modify:      func(m *wasm.Module) { m.Elements[0].OffsetExpr = i32Const(2) },
			expectedErr: "element[0]: wasm trap: undefined element",
			is:          wasm.ErrRuntimeInvalidTableAccess,
		},
		{
			name:        "imported globals",
			modify:      func(*wasm.Module) {},
			globals:     []uint64{1},
			expectedErr: "1 values for 0 imported globals",
		},
		{
			name: "start traps",
			modify: func(m *wasm.Module) {
				m.Codes[0].Body = []byte{wasm.OpcodeUnreachable, wasm.OpcodeEnd}
			},
			expectedErr: "start function: wasm trap: unreachable",
			is:          wasm.ErrRuntimeUnreachable,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			m := newSegmentModule()
			tc.modify(m)
			_, err := InstantiateModule(m, compileModule(t, m), nil, tc.globals)
			require.EqualError(t, err, tc.expectedErr)
			if tc.is != nil {
				require.True(t, errors.Is(err, tc.is))
			}
		})
	}
}

func TestTrapError_Unwrap(t *testing.T) {
	tests := []struct {
		code machine.TrapCode
		exp  error
	}{
		{code: machine.TrapUnreachable, exp: wasm.ErrRuntimeUnreachable},
		{code: machine.TrapIntegerDivisionByZero, exp: wasm.ErrRuntimeIntegerDivideByZero},
		{code: machine.TrapIntegerOverflow, exp: wasm.ErrRuntimeIntegerOverflow},
		{code: machine.TrapHeapAccessOutOfBounds, exp: wasm.ErrRuntimeOutOfBoundsMemoryAccess},
		{code: machine.TrapTableAccessOutOfBounds, exp: wasm.ErrRuntimeInvalidTableAccess},
		{code: machine.TrapIndirectCallToNull, exp: wasm.ErrRuntimeInvalidTableAccess},
		{code: machine.TrapBadSignature, exp: wasm.ErrRuntimeIndirectCallTypeMismatch},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.code.String(), func(t *testing.T) {
			var err error = &TrapError{Code: tc.code, Function: -1}
			require.True(t, errors.Is(err, tc.exp))
		})
	}
}
