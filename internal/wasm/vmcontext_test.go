package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextOffsets(t *testing.T) {
	m := &ModuleInfo{
		Types:                 []*FunctionType{{}, {Params: []ValueType{ValueTypeI32}}},
		Functions:             []Index{0, 1, 1},
		ImportedFunctionCount: 1,
		ImportedTableCount:    1,
		Tables:                []*TableType{{ElemType: ValueTypeFuncref}, {ElemType: ValueTypeFuncref}},
		Memories:              []*MemoryType{{Min: 1}},
		Globals:               []*GlobalType{{ValType: ValueTypeI64}},
	}
	o := NewContextOffsets(m)

	require.Equal(t, uint32(0), o.SignatureID(0))
	require.Equal(t, uint32(8), o.SignatureID(1))
	require.Equal(t, uint32(16), o.ImportedFunctionBody(0))
	require.Equal(t, uint32(24), o.ImportedFunctionContext(0))
	require.Equal(t, uint32(32), o.ImportedTable(0))
	// No imported memory: local tables follow the imported tables directly.
	require.Equal(t, uint32(40), o.LocalTable(1))
	require.Equal(t, uint32(56), o.LocalMemory(0))
	require.Equal(t, uint32(72), o.Global(0))
	require.Equal(t, uint32(80), o.Builtin(BuiltinMemorySize))
	require.Equal(t, uint32(80+8*BuiltinCount), o.Size())
}

func TestModuleInfo_FunctionType(t *testing.T) {
	m := &ModuleInfo{Types: []*FunctionType{{Results: []ValueType{ValueTypeF32}}}, Functions: []Index{0}}
	ft, err := m.FunctionType(0)
	require.NoError(t, err)
	require.Equal(t, "null_f32", ft.String())
	require.True(t, ft.EqualsSignature(nil, []ValueType{ValueTypeF32}))

	_, err = m.FunctionType(1)
	require.Error(t, err)
	require.Equal(t, uint32(1), m.LocalFunctionCount())
}
