package wasm

import (
	"fmt"
	"strings"
)

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section. This is because
// index namespaces are often preceded by a corresponding type in the Module.ImportSection.
//
// For example, the function index namespace starts with any ImportKindFunc in the Module.ImportSection followed by
// the Module.FunctionSection
//
// See https://www.w3.org/TR/wasm-core-1/#binary-index
type Index = uint32

// ValueType is the binary encoding of a type such as i32
// See https://www.w3.org/TR/wasm-core-1/#binary-valtype
//
// Note: This is a type alias as it is easier to encode and decode in the binary format.
type ValueType = byte

const (
	ValueTypeI32       ValueType = 0x7f
	ValueTypeI64       ValueType = 0x7e
	ValueTypeF32       ValueType = 0x7d
	ValueTypeF64       ValueType = 0x7c
	ValueTypeV128      ValueType = 0x7b
	ValueTypeFuncref   ValueType = 0x70
	ValueTypeExternref ValueType = 0x6f
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
// Note that ValueTypeName returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	}
	return "unknown"
}

// IsFloat returns true for the value types held in float registers.
func IsFloat(t ValueType) bool {
	return t == ValueTypeF32 || t == ValueTypeF64
}

// IsReference returns true for funcref and externref.
func IsReference(t ValueType) bool {
	return t == ValueTypeFuncref || t == ValueTypeExternref
}

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/wasm-core-1/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	Results []ValueType
}

func (t *FunctionType) String() string {
	var ret strings.Builder
	for _, b := range t.Params {
		ret.WriteString(ValueTypeName(b))
	}
	if len(t.Params) == 0 {
		ret.WriteString("null")
	}
	ret.WriteByte('_')
	for _, b := range t.Results {
		ret.WriteString(ValueTypeName(b))
	}
	if len(t.Results) == 0 {
		ret.WriteString("null")
	}
	return ret.String()
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (t *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return string(t.Params) == string(params) && string(t.Results) == string(results)
}

// MemoryStyle is the bounds checking strategy of a linear memory.
type MemoryStyle byte

const (
	// MemoryStyleDynamic memories are checked against their current length on every access.
	MemoryStyleDynamic MemoryStyle = iota
	// MemoryStyleStatic memories reserve MemoryType.Bound bytes of address space followed by a guard region, so
	// accesses are not checked explicitly and an out-of-bounds access faults on the access itself.
	MemoryStyleStatic
)

// MemoryPageSize is the unit of memory length in WebAssembly.
const MemoryPageSize = uint64(65536)

// MemoryType describes a linear memory, imported or locally defined.
type MemoryType struct {
	Min, Max uint32
	Style    MemoryStyle
	// Bound is the reserved byte size of a MemoryStyleStatic memory.
	Bound uint64
}

// TableType describes a table, imported or locally defined.
type TableType struct {
	ElemType ValueType
	Min      uint32
	Max      *uint32
}

// GlobalType describes a global variable, imported or locally defined.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// ModuleInfo is the read-only module metadata consumed while compiling a function body.
//
// All index namespaces begin with the imported entities, followed by the locally defined ones.
type ModuleInfo struct {
	// Types are the unique function types in the module, referenced by Functions and call_indirect.
	Types []*FunctionType
	// Functions holds the index into Types of every function, imported ones first.
	Functions []Index

	ImportedFunctionCount uint32
	ImportedMemoryCount   uint32
	ImportedTableCount    uint32
	ImportedGlobalCount   uint32

	Memories []*MemoryType
	Tables   []*TableType
	Globals  []*GlobalType

	// DataCount and ElementCount are the number of passive-capable data and element segments.
	DataCount, ElementCount uint32
}

// FunctionType returns the signature of the function at the given index.
func (m *ModuleInfo) FunctionType(funcIndex Index) (*FunctionType, error) {
	if int(funcIndex) >= len(m.Functions) {
		return nil, fmt.Errorf("function index %d out of range", funcIndex)
	}
	typeIndex := m.Functions[funcIndex]
	if int(typeIndex) >= len(m.Types) {
		return nil, fmt.Errorf("type index %d out of range", typeIndex)
	}
	return m.Types[typeIndex], nil
}

// IsImportedFunction returns true when the function is provided by the host or another module.
func (m *ModuleInfo) IsImportedFunction(funcIndex Index) bool {
	return funcIndex < m.ImportedFunctionCount
}

// IsImportedMemory returns true when the memory is not defined in this module.
func (m *ModuleInfo) IsImportedMemory(memoryIndex Index) bool {
	return memoryIndex < m.ImportedMemoryCount
}

// IsImportedTable returns true when the table is not defined in this module.
func (m *ModuleInfo) IsImportedTable(tableIndex Index) bool {
	return tableIndex < m.ImportedTableCount
}

// LocalFunctionCount returns the number of functions with a body in this module.
func (m *ModuleInfo) LocalFunctionCount() uint32 {
	return uint32(len(m.Functions)) - m.ImportedFunctionCount
}

// Code is an entry in the code section containing the locals and body of the function.
// See https://www.w3.org/TR/wasm-core-1/#binary-code
type Code struct {
	// LocalTypes are any function-scoped variables in insertion order.
	// See https://www.w3.org/TR/wasm-core-1/#binary-local
	LocalTypes []ValueType
	// Body is a sequence of expressions ending in OpcodeEnd
	// See https://www.w3.org/TR/wasm-core-1/#binary-expr
	Body []byte
	// BodyOffset is the offset of Body in the module binary. Instruction offsets recorded in
	// compiled code are relative to the module when set.
	BodyOffset uint64
}

// ExportKind indicates which index Export.Index points to
// See https://www.w3.org/TR/wasm-core-1/#export-section%E2%91%A0
type ExportKind = byte

const (
	ExportKindFunc   ExportKind = 0x00
	ExportKindTable  ExportKind = 0x01
	ExportKindMemory ExportKind = 0x02
	ExportKindGlobal ExportKind = 0x03
)

// ExternTypeName returns the name of the WebAssembly 1.0 (20191205) Text Format field of the given kind.
func ExternTypeName(k ExportKind) string {
	switch k {
	case ExportKindFunc:
		return "func"
	case ExportKindTable:
		return "table"
	case ExportKindMemory:
		return "memory"
	case ExportKindGlobal:
		return "global"
	}
	return fmt.Sprintf("%#x", k)
}

// Export is the binary representation of an export indicated by Kind
// See https://www.w3.org/TR/wasm-core-1/#binary-export
type Export struct {
	Kind ExportKind
	// Name is what the host refers to this definition as.
	Name string
	// Index is the index of the definition to export, the index namespace is by Kind
	Index Index
}

// Import is the binary representation of an import indicated by Kind.
// See https://www.w3.org/TR/wasm-core-1/#binary-import
type Import struct {
	Kind ExportKind
	// Module is the possibly empty primary namespace of this import
	Module string
	// Name is the possibly empty secondary namespace of this import
	Name string
	// DescFunc is the index in Module.Info.Types for a ExportKindFunc
	DescFunc Index
	// DescTable is the inlined TableType for a ExportKindTable
	DescTable *TableType
	// DescMem is the inlined MemoryType for a ExportKindMemory
	DescMem *MemoryType
	// DescGlobal is the inlined GlobalType for a ExportKindGlobal
	DescGlobal *GlobalType
}

// DataSegment initializes a range of a memory.
// See https://www.w3.org/TR/wasm-core-1/#data-segments%E2%91%A0
type DataSegment struct {
	MemoryIndex Index
	// OffsetExpr is nil for passive segments, which are only copied by memory.init.
	OffsetExpr *ConstantExpression
	Init       []byte
}

// IsPassive returns true if the segment is not applied at instantiation.
func (d *DataSegment) IsPassive() bool { return d.OffsetExpr == nil }

// ElementSegment initializes a range of a table with function references.
// See https://www.w3.org/TR/wasm-core-1/#element-segments%E2%91%A0
type ElementSegment struct {
	TableIndex Index
	// OffsetExpr is nil for passive and declarative segments.
	OffsetExpr *ConstantExpression
	// Init are the function indices of the references.
	Init []Index
	// Declarative segments only declare references for ref.func and are dropped at instantiation.
	Declarative bool
}

// IsPassive returns true if the segment is not applied at instantiation.
func (e *ElementSegment) IsPassive() bool { return e.OffsetExpr == nil }

// Module is a decoded module binary: the metadata the code generator reads, the function bodies, and
// what an instance needs to initialize itself.
type Module struct {
	Info    *ModuleInfo
	Imports []*Import
	Exports []*Export
	// GlobalInits are the initializers of the locally defined globals.
	GlobalInits []*ConstantExpression
	Codes       []*Code
	Elements    []*ElementSegment
	Data        []*DataSegment
	// StartFunction is the index of the function called at instantiation, if any.
	StartFunction *Index
}

// ExportedFunction returns the index of the function exported as name.
func (m *Module) ExportedFunction(name string) (Index, bool) {
	for _, e := range m.Exports {
		if e.Kind == ExportKindFunc && e.Name == name {
			return e.Index, true
		}
	}
	return 0, false
}
