package wasm

// Builtin identifies a runtime function reachable through the builtin table of the
// context structure. Builtins are called with the context pointer as their first
// parameter.
type Builtin uint32

const (
	BuiltinMemorySize Builtin = iota
	BuiltinImportedMemorySize
	BuiltinMemoryGrow
	BuiltinImportedMemoryGrow
	BuiltinMemoryCopy
	BuiltinImportedMemoryCopy
	BuiltinMemoryFill
	BuiltinImportedMemoryFill
	BuiltinMemoryInit
	BuiltinDataDrop
	BuiltinTableGet
	BuiltinImportedTableGet
	BuiltinTableSet
	BuiltinImportedTableSet
	BuiltinTableSize
	BuiltinImportedTableSize
	BuiltinTableGrow
	BuiltinImportedTableGrow
	BuiltinTableFill
	BuiltinImportedTableFill
	BuiltinTableCopy
	BuiltinTableInit
	BuiltinElemDrop
	BuiltinFuncRef
	builtinCount
)

// BuiltinCount is the number of entries in the builtin table.
const BuiltinCount = int(builtinCount)

var builtinNames = [...]string{
	BuiltinMemorySize:         "memory_size",
	BuiltinImportedMemorySize: "imported_memory_size",
	BuiltinMemoryGrow:         "memory_grow",
	BuiltinImportedMemoryGrow: "imported_memory_grow",
	BuiltinMemoryCopy:         "memory_copy",
	BuiltinImportedMemoryCopy: "imported_memory_copy",
	BuiltinMemoryFill:         "memory_fill",
	BuiltinImportedMemoryFill: "imported_memory_fill",
	BuiltinMemoryInit:         "memory_init",
	BuiltinDataDrop:           "data_drop",
	BuiltinTableGet:           "table_get",
	BuiltinImportedTableGet:   "imported_table_get",
	BuiltinTableSet:           "table_set",
	BuiltinImportedTableSet:   "imported_table_set",
	BuiltinTableSize:          "table_size",
	BuiltinImportedTableSize:  "imported_table_size",
	BuiltinTableGrow:          "table_grow",
	BuiltinImportedTableGrow:  "imported_table_grow",
	BuiltinTableFill:          "table_fill",
	BuiltinImportedTableFill:  "imported_table_fill",
	BuiltinTableCopy:          "table_copy",
	BuiltinTableInit:          "table_init",
	BuiltinElemDrop:           "elem_drop",
	BuiltinFuncRef:            "func_ref",
}

func (b Builtin) String() string {
	if int(b) < len(builtinNames) {
		return builtinNames[b]
	}
	return "unknown"
}

// Layout of the records the context structure points to. Every field is 8 bytes wide.
const (
	// TableDefinitionBase is the offset of the element array pointer in a table definition.
	TableDefinitionBase = 0
	// TableDefinitionLength is the offset of the element count in a table definition.
	TableDefinitionLength = 8
	// MemoryDefinitionBase is the offset of the first byte's address in a memory definition.
	MemoryDefinitionBase = 0
	// MemoryDefinitionLength is the offset of the current byte length in a memory definition.
	MemoryDefinitionLength = 8
	// TableDefinitionSize is the size of a table definition.
	TableDefinitionSize = 16
	// MemoryDefinitionSize is the size of a memory definition.
	MemoryDefinitionSize = 16

	// FuncRefFunctionPointer is the offset of the callee's code address in a function reference record.
	FuncRefFunctionPointer = 0
	// FuncRefSignatureID is the offset of the callee's uint32 signature id in a function reference record.
	FuncRefSignatureID = 8
	// FuncRefContext is the offset of the callee's context pointer in a function reference record.
	FuncRefContext = 16
	// FuncRefSize is the size of a function reference record.
	FuncRefSize = 24

	// TableElementSize is the size of a table element, a pointer to a function reference record or zero.
	TableElementSize = 8
	// GlobalSize is the size of the storage behind a global pointer.
	GlobalSize = 8
)

// ContextOffsets is the byte layout of the per-instance context structure ("vmctx") whose
// address is passed to every function as its first parameter.
//
// The structure is a sequence of 8 byte slots in this order:
//
//	signature ids        one per type, the uint32 id call_indirect compares against
//	imported functions   two slots per import: code address, callee context
//	imported tables      one pointer to the table definition per import
//	imported memories    one pointer to the memory definition per import
//	local tables         inline table definitions
//	local memories       inline memory definitions
//	globals              one pointer to the global storage per global
//	builtins             one code address per Builtin
type ContextOffsets struct {
	numSignatures        uint32
	numImportedFunctions uint32
	numImportedTables    uint32
	numImportedMemories  uint32
	numLocalTables       uint32
	numLocalMemories     uint32
	numGlobals           uint32

	signatures        uint32
	importedFunctions uint32
	importedTables    uint32
	importedMemories  uint32
	localTables       uint32
	localMemories     uint32
	globals           uint32
	builtins          uint32
	size              uint32
}

// NewContextOffsets computes the context layout of the given module.
func NewContextOffsets(m *ModuleInfo) *ContextOffsets {
	o := &ContextOffsets{
		numSignatures:        uint32(len(m.Types)),
		numImportedFunctions: m.ImportedFunctionCount,
		numImportedTables:    m.ImportedTableCount,
		numImportedMemories:  m.ImportedMemoryCount,
		numLocalTables:       uint32(len(m.Tables)) - m.ImportedTableCount,
		numLocalMemories:     uint32(len(m.Memories)) - m.ImportedMemoryCount,
		numGlobals:           uint32(len(m.Globals)),
	}
	o.signatures = 0
	o.importedFunctions = o.signatures + 8*o.numSignatures
	o.importedTables = o.importedFunctions + 16*o.numImportedFunctions
	o.importedMemories = o.importedTables + 8*o.numImportedTables
	o.localTables = o.importedMemories + 8*o.numImportedMemories
	o.localMemories = o.localTables + TableDefinitionSize*o.numLocalTables
	o.globals = o.localMemories + MemoryDefinitionSize*o.numLocalMemories
	o.builtins = o.globals + 8*o.numGlobals
	o.size = o.builtins + 8*uint32(BuiltinCount)
	return o
}

// Size is the byte size of the context structure.
func (o *ContextOffsets) Size() uint32 { return o.size }

// SignatureID is the offset of the signature id slot of the given type index.
func (o *ContextOffsets) SignatureID(typeIndex Index) uint32 {
	return o.signatures + 8*typeIndex
}

// ImportedFunctionBody is the offset of the code address of an imported function.
func (o *ContextOffsets) ImportedFunctionBody(funcIndex Index) uint32 {
	return o.importedFunctions + 16*funcIndex
}

// ImportedFunctionContext is the offset of the callee context pointer of an imported function.
func (o *ContextOffsets) ImportedFunctionContext(funcIndex Index) uint32 {
	return o.importedFunctions + 16*funcIndex + 8
}

// ImportedTable is the offset of the pointer to an imported table's definition.
func (o *ContextOffsets) ImportedTable(tableIndex Index) uint32 {
	return o.importedTables + 8*tableIndex
}

// ImportedMemory is the offset of the pointer to an imported memory's definition.
func (o *ContextOffsets) ImportedMemory(memoryIndex Index) uint32 {
	return o.importedMemories + 8*memoryIndex
}

// LocalTable is the offset of the inline definition of a locally defined table, indexed in the table index space.
func (o *ContextOffsets) LocalTable(tableIndex Index) uint32 {
	return o.localTables + TableDefinitionSize*(tableIndex-o.numImportedTables)
}

// LocalMemory is the offset of the inline definition of a locally defined memory, indexed in the memory index space.
func (o *ContextOffsets) LocalMemory(memoryIndex Index) uint32 {
	return o.localMemories + MemoryDefinitionSize*(memoryIndex-o.numImportedMemories)
}

// Global is the offset of the pointer to a global's storage.
func (o *ContextOffsets) Global(globalIndex Index) uint32 {
	return o.globals + 8*globalIndex
}

// Builtin is the offset of the code address of a builtin function.
func (o *ContextOffsets) Builtin(b Builtin) uint32 {
	return o.builtins + 8*uint32(b)
}
