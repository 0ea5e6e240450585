package binary

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/singlepass/internal/leb128"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

var header = append(append([]byte{}, Magic...), version...)

func section(id SectionID, contents ...byte) []byte {
	ret := append([]byte{id}, leb128.EncodeUint32(uint32(len(contents)))...)
	return append(ret, contents...)
}

func moduleBinary(sections ...[]byte) []byte {
	ret := append([]byte{}, header...)
	for _, s := range sections {
		ret = append(ret, s...)
	}
	return ret
}

var (
	// (type (func (param i32) (result i32)))
	typeSection = section(SectionIDType, 1, 0x60, 1, wasm.ValueTypeI32, 1, wasm.ValueTypeI32)
	// one local function of type 0
	functionSection = section(SectionIDFunction, 1, 0)
	// local.get 0 end, with two i64 locals
	codeSection = section(SectionIDCode, 1, 6, 1, 2, wasm.ValueTypeI64, wasm.OpcodeLocalGet, 0, wasm.OpcodeEnd)
)

func TestDecodeModule(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		m, err := DecodeModule(header)
		require.NoError(t, err)
		require.Equal(t, &wasm.Module{Info: &wasm.ModuleInfo{}}, m)
	})

	t.Run("function", func(t *testing.T) {
		bin := moduleBinary(typeSection, functionSection,
			section(SectionIDExport, 1, 1, 'f', wasm.ExportKindFunc, 0),
			codeSection)
		m, err := DecodeModule(bin)
		require.NoError(t, err)

		require.Equal(t, []*wasm.FunctionType{{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}}, m.Info.Types)
		require.Equal(t, []wasm.Index{0}, m.Info.Functions)
		require.Equal(t, uint32(1), m.Info.LocalFunctionCount())

		idx, ok := m.ExportedFunction("f")
		require.True(t, ok)
		require.Equal(t, wasm.Index(0), idx)

		require.Equal(t, 1, len(m.Codes))
		code := m.Codes[0]
		require.Equal(t, []wasm.ValueType{wasm.ValueTypeI64, wasm.ValueTypeI64}, code.LocalTypes)
		require.Equal(t, []byte{wasm.OpcodeLocalGet, 0, wasm.OpcodeEnd}, code.Body)
		require.Equal(t, code.Body, bin[code.BodyOffset:code.BodyOffset+3])
	})

	t.Run("imports come first", func(t *testing.T) {
		imports := []byte{3}
		imports = append(imports, 3, 'e', 'n', 'v', 1, 'g', wasm.ExportKindFunc, 0)
		imports = append(imports, 3, 'e', 'n', 'v', 1, 'm', wasm.ExportKindMemory, 0x01, 1, 2)
		imports = append(imports, 3, 'e', 'n', 'v', 1, 'x', wasm.ExportKindGlobal, wasm.ValueTypeI64, 0x00)
		bin := moduleBinary(typeSection,
			section(SectionIDImport, imports...),
			functionSection,
			section(SectionIDGlobal, 1, wasm.ValueTypeI32, 0x01, wasm.OpcodeI32Const, 0x7f, wasm.OpcodeEnd),
			section(SectionIDStart, 1),
			codeSection)
		m, err := DecodeModule(bin)
		require.NoError(t, err)

		info := m.Info
		require.Equal(t, uint32(1), info.ImportedFunctionCount)
		require.Equal(t, uint32(1), info.ImportedMemoryCount)
		require.Equal(t, uint32(1), info.ImportedGlobalCount)
		require.Equal(t, []wasm.Index{0, 0}, info.Functions)
		require.True(t, info.IsImportedFunction(0))
		require.False(t, info.IsImportedFunction(1))
		require.Equal(t, []*wasm.MemoryType{{Min: 1, Max: 2}}, info.Memories)
		require.Equal(t, []*wasm.GlobalType{
			{ValType: wasm.ValueTypeI64},
			{ValType: wasm.ValueTypeI32, Mutable: true},
		}, info.Globals)
		require.Equal(t, []*wasm.ConstantExpression{{Opcode: wasm.OpcodeI32Const, Data: []byte{0x7f}}}, m.GlobalInits)
		require.Equal(t, wasm.Index(1), *m.StartFunction)
	})

	t.Run("segments", func(t *testing.T) {
		bin := moduleBinary(typeSection, functionSection,
			section(SectionIDTable, 1, wasm.ValueTypeFuncref, 0x00, 2),
			section(SectionIDMemory, 1, 0x00, 1),
			section(SectionIDElement, 2,
				0x00, wasm.OpcodeI32Const, 1, wasm.OpcodeEnd, 1, 0, // active at 1
				0x03, 0x00, 1, 0, // declarative
			),
			section(SectionIDDataCount, 2),
			codeSection,
			section(SectionIDData, 2,
				0x00, wasm.OpcodeI32Const, 8, wasm.OpcodeEnd, 2, 'h', 'i', // active at 8
				0x01, 1, '!', // passive
			))
		m, err := DecodeModule(bin)
		require.NoError(t, err)

		require.Equal(t, uint32(2), m.Info.ElementCount)
		require.Equal(t, uint32(2), m.Info.DataCount)
		require.Equal(t, []*wasm.ElementSegment{
			{OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{1}}, Init: []wasm.Index{0}},
			{Init: []wasm.Index{0}, Declarative: true},
		}, m.Elements)
		require.Equal(t, []*wasm.DataSegment{
			{OffsetExpr: &wasm.ConstantExpression{Opcode: wasm.OpcodeI32Const, Data: []byte{8}}, Init: []byte("hi")},
			{Init: []byte("!")},
		}, m.Data)
		require.True(t, m.Data[1].IsPassive())
		require.True(t, m.Elements[1].IsPassive())
	})

	t.Run("custom sections are skipped", func(t *testing.T) {
		m, err := DecodeModule(moduleBinary(section(SectionIDCustom, 4, 'n', 'a', 'm', 'e', 0xde, 0xad), typeSection))
		require.NoError(t, err)
		require.Equal(t, 1, len(m.Info.Types))
	})
}

func TestDecodeModule_Errors(t *testing.T) {
	tests := []struct {
		name        string
		input       []byte
		expectedErr string
	}{
		{
			name:        "wrong magic",
			input:       []byte("wasm\x01\x00\x00\x00"),
			expectedErr: "invalid magic number",
		},
		{
			name:        "wrong version",
			input:       []byte("\x00asm\x01\x00\x00\x01"),
			expectedErr: "invalid version header",
		},
		{
			name:        "unknown section",
			input:       moduleBinary(section(0x0d)),
			expectedErr: "invalid section id: 0xd",
		},
		{
			name:        "out of order",
			input:       moduleBinary(functionSection, typeSection),
			expectedErr: "section type out of order",
		},
		{
			name:        "section too large",
			input:       append(append([]byte{}, header...), SectionIDType, 10, 0),
			expectedErr: "section type of size 10 exceeds the 1 bytes left",
		},
		{
			name:        "missing code",
			input:       moduleBinary(typeSection, functionSection),
			expectedErr: "function and code section have inconsistent lengths: 1 != 0",
		},
		{
			name:        "unknown type",
			input:       moduleBinary(section(SectionIDFunction, 1, 3), codeSection),
			expectedErr: "function[0] has invalid type index 3",
		},
		{
			name:        "body without end",
			input:       moduleBinary(typeSection, functionSection, section(SectionIDCode, 1, 3, 0, wasm.OpcodeLocalGet, 0)),
			expectedErr: "section code: read code[0]: expr not end with OpcodeEnd",
		},
		{
			name: "null element",
			input: moduleBinary(typeSection, functionSection,
				section(SectionIDElement, 1, 0x05, wasm.ValueTypeFuncref, 1, wasm.OpcodeRefNull, wasm.ValueTypeFuncref, wasm.OpcodeEnd),
				codeSection),
			expectedErr: "section element: read element[0]: element[0]: element expressions other than ref.func are not supported",
		},
		{
			name:        "duplicate export",
			input:       moduleBinary(typeSection, functionSection, section(SectionIDExport, 2, 1, 'f', 0, 0, 1, 'f', 0, 0), codeSection),
			expectedErr: "section export: export[1] duplicates name \"f\"",
		},
		{
			name:        "data count mismatch",
			input:       moduleBinary(section(SectionIDDataCount, 1)),
			expectedErr: "data count section (1) doesn't match the length of data section (0)",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeModule(tc.input)
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}

func TestDecodeConstantExpression(t *testing.T) {
	tests := []struct {
		in  []byte
		exp *wasm.ConstantExpression
	}{
		{in: []byte{wasm.OpcodeI64Const, 0x7f, wasm.OpcodeEnd}, exp: &wasm.ConstantExpression{Opcode: wasm.OpcodeI64Const, Data: []byte{0x7f}}},
		{in: []byte{wasm.OpcodeF32Const, 0, 0, 0x80, 0x3f, wasm.OpcodeEnd}, exp: &wasm.ConstantExpression{Opcode: wasm.OpcodeF32Const, Data: []byte{0, 0, 0x80, 0x3f}}},
		{in: []byte{wasm.OpcodeGlobalGet, 2, wasm.OpcodeEnd}, exp: &wasm.ConstantExpression{Opcode: wasm.OpcodeGlobalGet, Data: []byte{2}}},
		{in: []byte{wasm.OpcodeRefFunc, 0x80, 0x01, wasm.OpcodeEnd}, exp: &wasm.ConstantExpression{Opcode: wasm.OpcodeRefFunc, Data: []byte{0x80, 0x01}}},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(wasm.InstructionName(tc.exp.Opcode), func(t *testing.T) {
			actual, err := decodeConstantExpression(bytes.NewReader(tc.in))
			require.NoError(t, err)
			require.Equal(t, tc.exp, actual)
		})
	}

	_, err := decodeConstantExpression(bytes.NewReader([]byte{wasm.OpcodeI32Const, 1, wasm.OpcodeNop}))
	require.EqualError(t, err, "constant expression has been not terminated")
}

func TestDecodeCode_TooManyLocals(t *testing.T) {
	in := []byte{8, 2}
	in = append(in, 0xff, 0xff, 0x03, wasm.ValueTypeI32) // 65535
	in = append(in, 1, wasm.ValueTypeI32, wasm.OpcodeEnd)
	_, err := decodeCode(bytes.NewReader(in), 0)
	require.EqualError(t, err, "too many locals: 65536")
}
