package singlepass

import (
	"sort"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// RelocationTargetKind tells what a relocation refers to.
type RelocationTargetKind uint8

const (
	// RelocationTargetLocalFunc is the body of a local function, by local function index.
	RelocationTargetLocalFunc RelocationTargetKind = iota
	// RelocationTargetCustomSection is a custom section. The code generator emits one per
	// imported function, holding its call trampoline, indexed by the imported function index.
	RelocationTargetCustomSection
)

// RelocationTarget is the entity whose address a relocation writes.
type RelocationTarget struct {
	Kind  RelocationTargetKind
	Index wasm.Index
}

// Relocation is an address the linker writes into the code once the target is placed.
type Relocation struct {
	Kind   machine.RelocationKind
	Target RelocationTarget
	// Offset is the code offset of the address field.
	Offset uint32
	Addend int64
}

// TrapInformation tags an instruction that raises a trap.
type TrapInformation struct {
	CodeOffset uint32
	Code       machine.TrapCode
}

// InstructionAddress maps the code of one WebAssembly instruction to its offset in the module.
type InstructionAddress struct {
	SrcLoc     uint64
	CodeOffset uint32
	CodeLen    uint32
}

// FunctionAddressMap correlates generated code with the WebAssembly instructions it implements.
type FunctionAddressMap struct {
	// Instructions are sorted by CodeOffset.
	Instructions []InstructionAddress
	// StartSrcLoc and EndSrcLoc delimit the function body in the module.
	StartSrcLoc, EndSrcLoc uint64
	BodyLen                uint32
}

// SrcLocAt returns the WebAssembly offset of the instruction whose code contains the given offset.
func (a *FunctionAddressMap) SrcLocAt(codeOffset uint32) (uint64, bool) {
	i := sort.Search(len(a.Instructions), func(i int) bool {
		return a.Instructions[i].CodeOffset > codeOffset
	})
	if i == 0 {
		return 0, false
	}
	inst := a.Instructions[i-1]
	if codeOffset >= inst.CodeOffset+inst.CodeLen {
		return 0, false
	}
	return inst.SrcLoc, true
}

// FrameInfo is the metadata a runtime needs to interpret faults and frames of a function.
type FrameInfo struct {
	StateMap *FunctionStateMap
	// Traps are sorted by CodeOffset.
	Traps      []TrapInformation
	AddressMap FunctionAddressMap
}

// TrapAt returns the trap code of the instruction at the given code offset.
func (f *FrameInfo) TrapAt(codeOffset uint32) (machine.TrapCode, bool) {
	i := sort.Search(len(f.Traps), func(i int) bool { return f.Traps[i].CodeOffset >= codeOffset })
	if i < len(f.Traps) && f.Traps[i].CodeOffset == codeOffset {
		return f.Traps[i].Code, true
	}
	return 0, false
}

// CompiledFunction is the output of compiling one function body.
type CompiledFunction struct {
	Body        []byte
	Relocations []Relocation
	FrameInfo   FrameInfo
}

// CustomSection is code or data emitted outside of function bodies.
type CustomSection struct {
	Bytes []byte
}

// CompiledModule is the output of compiling every function of a module.
type CompiledModule struct {
	// Functions are indexed by local function index.
	Functions []*CompiledFunction
	// CustomSections are the call trampolines of the imported functions, indexed by function index.
	CustomSections []*CustomSection
	Offsets        *wasm.ContextOffsets
	Config         *Config
}
