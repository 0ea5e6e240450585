package emu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/singlepass"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// Address space of an Instance. Code is never addressable as data: code pointers carry a tag
// in their top bits which no data address has.
const (
	stackBase    = 0x10_0000
	stackSize    = 1 << 20
	vmctxBase    = 0x40_0000
	globalsBase  = 0x50_0000
	funcRefBase  = 0x60_0000
	importedBase = 0x70_0000
	tablesBase   = 0x100_0000
	tableStride  = 0x100_0000
	memoriesBase = 0x1_0000_0000
	// memoryStride leaves room for any 32-bit address plus a 32-bit offset between memories.
	memoryStride = 0x2_0000_0000

	tagMask     = uint64(0xf) << 60
	tagCode     = uint64(1) << 60
	tagBuiltin  = uint64(2) << 60
	tagHost     = uint64(3) << 60
	exitAddress = uint64(4) << 60

	// maxPages caps memory growth of emulated memories regardless of their declared maximum.
	maxPages = 1024
	// maxTableSize caps table growth.
	maxTableSize = 1 << 16

	defaultStepLimit = 50_000_000
)

func codePointer(unit int, offset uint32) uint64 {
	return tagCode | uint64(unit)<<32 | uint64(offset)
}

// HostFunction implements an imported function. args excludes the context pointer and holds
// the raw bits of every parameter. The returned value is ignored for functions without result.
type HostFunction func(in *Instance, args []uint64) (uint64, error)

// Setup is the environment of an Instance.
type Setup struct {
	// Hosts has one entry per imported function.
	Hosts []HostFunction
	// Data are the data segments memory.init reads.
	Data [][]byte
	// Elements are the element segments table.init reads, as function indices.
	Elements [][]wasm.Index
	// Globals are the initial values of the globals.
	Globals []uint64
	// StepLimit is the number of instructions a call may execute. Defaults to 50 million.
	StepLimit int
}

// TrapError is returned when generated code or a builtin raises a WebAssembly trap.
type TrapError struct {
	Code machine.TrapCode
	// Function is the local function index of the trapping code, or -1 for builtins and trampolines.
	Function int
	// Offset is the code offset of the trapping instruction.
	Offset uint32
}

func (e *TrapError) Error() string {
	return "wasm trap: " + e.Code.String()
}

// Unwrap returns the wasm.ErrRuntime* error of the trap code, for use with errors.Is.
func (e *TrapError) Unwrap() error {
	switch e.Code {
	case machine.TrapUnreachable:
		return wasm.ErrRuntimeUnreachable
	case machine.TrapIntegerDivisionByZero:
		return wasm.ErrRuntimeIntegerDivideByZero
	case machine.TrapIntegerOverflow:
		return wasm.ErrRuntimeIntegerOverflow
	case machine.TrapHeapAccessOutOfBounds:
		return wasm.ErrRuntimeOutOfBoundsMemoryAccess
	case machine.TrapTableAccessOutOfBounds, machine.TrapIndirectCallToNull:
		return wasm.ErrRuntimeInvalidTableAccess
	case machine.TrapBadSignature:
		return wasm.ErrRuntimeIndirectCallTypeMismatch
	}
	return nil
}

// FaultError is an invalid memory access or control transfer no trap table entry accounts for.
type FaultError struct {
	Function int
	Offset   uint32
	Address  uint64
	Reason   string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fault in function %d at %#x: %s (address %#x)", e.Function, e.Offset, e.Reason, e.Address)
}

// ErrStepLimit is returned when a call executes more instructions than Setup.StepLimit.
var ErrStepLimit = errors.New("step limit exceeded")

type region struct {
	base uint64
	data []byte
}

type codeUnit struct {
	insts []instruction
	// function is the local function index, or -1 for trampolines.
	function int
	frame    *singlepass.FrameInfo
}

// Instance is a linked and instantiated module whose functions run on the emulator.
// An Instance is not safe for concurrent use.
type Instance struct {
	module  *wasm.ModuleInfo
	offsets *wasm.ContextOffsets
	cc      machine.CallingConvention

	units     []codeUnit
	hosts     []HostFunction
	data      [][]byte
	elements  [][]wasm.Index
	sigIDs    []uint32
	stepLimit int

	regions  []*region
	stack    *region
	vmctx    *region
	memories []*region
	tables   []*region

	regs  [machine.NumRegisters]uint64
	steps int
}

// NewInstance links the compiled module and instantiates it. Memories and tables start at
// their minimum size with zero content.
func NewInstance(module *wasm.ModuleInfo, compiled *singlepass.CompiledModule, setup *Setup) (*Instance, error) {
	if setup == nil {
		setup = &Setup{}
	}
	if uint32(len(setup.Hosts)) != module.ImportedFunctionCount {
		return nil, fmt.Errorf("%d host functions for %d imported functions", len(setup.Hosts), module.ImportedFunctionCount)
	}
	if len(compiled.Functions) != int(module.LocalFunctionCount()) {
		return nil, fmt.Errorf("%d compiled functions for %d local functions", len(compiled.Functions), module.LocalFunctionCount())
	}
	in := &Instance{
		module:    module,
		offsets:   compiled.Offsets,
		cc:        compiled.Config.CallingConvention(),
		hosts:     setup.Hosts,
		elements:  append([][]wasm.Index(nil), setup.Elements...),
		stepLimit: setup.StepLimit,
	}
	if in.offsets == nil {
		in.offsets = wasm.NewContextOffsets(module)
	}
	if in.stepLimit == 0 {
		in.stepLimit = defaultStepLimit
	}
	for _, d := range setup.Data {
		in.data = append(in.data, append([]byte(nil), d...))
	}
	if err := in.link(compiled); err != nil {
		return nil, err
	}
	in.instantiate(setup.Globals)
	return in, nil
}

// link places every function and trampoline in its own code unit and resolves relocations.
func (in *Instance) link(compiled *singlepass.CompiledModule) error {
	numLocal := len(compiled.Functions)
	unitOf := func(t singlepass.RelocationTarget) (int, error) {
		switch t.Kind {
		case singlepass.RelocationTargetLocalFunc:
			if int(t.Index) < numLocal {
				return int(t.Index), nil
			}
		case singlepass.RelocationTargetCustomSection:
			if int(t.Index) < len(compiled.CustomSections) {
				return numLocal + int(t.Index), nil
			}
		}
		return 0, fmt.Errorf("invalid relocation target %+v", t)
	}

	decode := func(code []byte) ([]instruction, error) {
		if len(code)%InstructionSize != 0 {
			return nil, fmt.Errorf("code size %d is not a multiple of %d", len(code), InstructionSize)
		}
		insts := make([]instruction, len(code)/InstructionSize)
		for i := range insts {
			var err error
			if insts[i], err = decodeInstruction(code[i*InstructionSize:]); err != nil {
				return nil, fmt.Errorf("instruction %d: %w", i, err)
			}
		}
		return insts, nil
	}

	for i, f := range compiled.Functions {
		body := append([]byte(nil), f.Body...)
		for _, r := range f.Relocations {
			if r.Kind != machine.RelocationAbs8 {
				return fmt.Errorf("function %d: unsupported relocation kind %d", i, r.Kind)
			}
			unit, err := unitOf(r.Target)
			if err != nil {
				return fmt.Errorf("function %d: %w", i, err)
			}
			if int(r.Offset)+8 > len(body) {
				return fmt.Errorf("function %d: relocation at %#x out of range", i, r.Offset)
			}
			binary.LittleEndian.PutUint64(body[r.Offset:], uint64(int64(codePointer(unit, 0))+r.Addend))
		}
		insts, err := decode(body)
		if err != nil {
			return fmt.Errorf("function %d: %w", i, err)
		}
		in.units = append(in.units, codeUnit{insts: insts, function: i, frame: &f.FrameInfo})
	}
	for i, s := range compiled.CustomSections {
		insts, err := decode(s.Bytes)
		if err != nil {
			return fmt.Errorf("custom section %d: %w", i, err)
		}
		in.units = append(in.units, codeUnit{insts: insts, function: -1})
	}
	return nil
}

func (in *Instance) addRegion(base uint64, size int) *region {
	r := &region{base: base, data: make([]byte, size)}
	in.regions = append(in.regions, r)
	return r
}

func (in *Instance) instantiate(globals []uint64) {
	m := in.module
	in.stack = in.addRegion(stackBase, stackSize)
	in.vmctx = in.addRegion(vmctxBase, int(in.offsets.Size()))
	globalsRegion := in.addRegion(globalsBase, wasm.GlobalSize*len(m.Globals))
	funcRefs := in.addRegion(funcRefBase, wasm.FuncRefSize*len(m.Functions))
	imported := in.addRegion(importedBase, wasm.MemoryDefinitionSize*int(m.ImportedMemoryCount)+wasm.TableDefinitionSize*int(m.ImportedTableCount))

	// Structurally equal signatures share an id.
	in.sigIDs = make([]uint32, len(m.Types))
	for i, t := range m.Types {
		in.sigIDs[i] = uint32(i)
		for j := 0; j < i; j++ {
			if m.Types[j].EqualsSignature(t.Params, t.Results) {
				in.sigIDs[i] = in.sigIDs[j]
				break
			}
		}
		in.store64(vmctxBase+uint64(in.offsets.SignatureID(wasm.Index(i))), uint64(in.sigIDs[i]))
	}

	for i := range m.Functions {
		idx := wasm.Index(i)
		var ptr uint64
		if m.IsImportedFunction(idx) {
			ptr = tagHost | uint64(i)
			in.store64(vmctxBase+uint64(in.offsets.ImportedFunctionBody(idx)), ptr)
			in.store64(vmctxBase+uint64(in.offsets.ImportedFunctionContext(idx)), vmctxBase)
		} else {
			ptr = codePointer(i-int(m.ImportedFunctionCount), 0)
		}
		rec := funcRefs.base + uint64(wasm.FuncRefSize*i)
		in.store64(rec+wasm.FuncRefFunctionPointer, ptr)
		in.store64(rec+wasm.FuncRefSignatureID, uint64(in.sigIDs[m.Functions[i]]))
		in.store64(rec+wasm.FuncRefContext, vmctxBase)
	}

	next := imported.base
	for i, mt := range m.Memories {
		idx := wasm.Index(i)
		mem := in.addRegion(memoriesBase+uint64(i)*memoryStride, int(uint64(mt.Min)*wasm.MemoryPageSize))
		in.memories = append(in.memories, mem)
		def := vmctxBase + uint64(in.offsets.LocalMemory(idx))
		if m.IsImportedMemory(idx) {
			def = next
			next += wasm.MemoryDefinitionSize
			in.store64(vmctxBase+uint64(in.offsets.ImportedMemory(idx)), def)
		}
		in.store64(def+wasm.MemoryDefinitionBase, mem.base)
	}
	for i, tt := range m.Tables {
		idx := wasm.Index(i)
		tbl := in.addRegion(tablesBase+uint64(i)*tableStride, wasm.TableElementSize*int(tt.Min))
		in.tables = append(in.tables, tbl)
		def := vmctxBase + uint64(in.offsets.LocalTable(idx))
		if m.IsImportedTable(idx) {
			def = next
			next += wasm.TableDefinitionSize
			in.store64(vmctxBase+uint64(in.offsets.ImportedTable(idx)), def)
		}
		in.store64(def+wasm.TableDefinitionBase, tbl.base)
	}
	in.syncLengths()

	for i := range m.Globals {
		addr := globalsRegion.base + uint64(wasm.GlobalSize*i)
		if i < len(globals) {
			in.store64(addr, globals[i])
		}
		in.store64(vmctxBase+uint64(in.offsets.Global(wasm.Index(i))), addr)
	}
	for b := 0; b < wasm.BuiltinCount; b++ {
		in.store64(vmctxBase+uint64(in.offsets.Builtin(wasm.Builtin(b))), tagBuiltin|uint64(b))
	}
}

// memoryDefinition returns the address of the definition record of a memory.
func (in *Instance) memoryDefinition(idx wasm.Index) uint64 {
	if in.module.IsImportedMemory(idx) {
		v, _ := in.load(vmctxBase+uint64(in.offsets.ImportedMemory(idx)), 8)
		return v
	}
	return vmctxBase + uint64(in.offsets.LocalMemory(idx))
}

// tableDefinition returns the address of the definition record of a table.
func (in *Instance) tableDefinition(idx wasm.Index) uint64 {
	if in.module.IsImportedTable(idx) {
		v, _ := in.load(vmctxBase+uint64(in.offsets.ImportedTable(idx)), 8)
		return v
	}
	return vmctxBase + uint64(in.offsets.LocalTable(idx))
}

// syncLengths writes the current sizes of memories and tables into their definitions.
func (in *Instance) syncLengths() {
	for i, mem := range in.memories {
		in.store64(in.memoryDefinition(wasm.Index(i))+wasm.MemoryDefinitionLength, uint64(len(mem.data)))
	}
	for i, tbl := range in.tables {
		in.store64(in.tableDefinition(wasm.Index(i))+wasm.TableDefinitionLength, uint64(len(tbl.data)/wasm.TableElementSize))
	}
}

func (in *Instance) find(addr, n uint64) []byte {
	for _, r := range in.regions {
		if addr >= r.base && addr-r.base <= uint64(len(r.data)) && n <= uint64(len(r.data))-(addr-r.base) {
			off := addr - r.base
			return r.data[off : off+n]
		}
	}
	return nil
}

func (in *Instance) load(addr uint64, n int) (uint64, bool) {
	b := in.find(addr, uint64(n))
	if b == nil {
		return 0, false
	}
	switch n {
	case 1:
		return uint64(b[0]), true
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), true
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), true
	}
	return binary.LittleEndian.Uint64(b), true
}

func (in *Instance) store(addr uint64, n int, v uint64) bool {
	b := in.find(addr, uint64(n))
	if b == nil {
		return false
	}
	switch n {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
	return true
}

func (in *Instance) store64(addr, v uint64) {
	if !in.store(addr, 8, v) {
		panic(fmt.Sprintf("BUG: instance setup writes outside of its regions at %#x", addr))
	}
}

// SetStepLimit changes the number of instructions a call may execute.
func (in *Instance) SetStepLimit(n int) {
	in.stepLimit = n
}

// Memory returns the current content of a memory. The slice is invalidated by memory.grow.
func (in *Instance) Memory(idx wasm.Index) []byte {
	return in.memories[idx].data
}

// Global returns the raw bits of a global.
func (in *Instance) Global(idx wasm.Index) uint64 {
	v, _ := in.load(globalsBase+uint64(wasm.GlobalSize*idx), 8)
	return v
}

// SetGlobal sets the raw bits of a global.
func (in *Instance) SetGlobal(idx wasm.Index, v uint64) {
	in.store64(globalsBase+uint64(wasm.GlobalSize*idx), v)
}

// FuncRef returns the function reference of a function, as stored in tables.
func (in *Instance) FuncRef(funcIndex wasm.Index) uint64 {
	return funcRefBase + uint64(wasm.FuncRefSize*funcIndex)
}

// TableElement returns an element of a table, zero being the null reference.
func (in *Instance) TableElement(table wasm.Index, i uint32) (uint64, error) {
	tbl := in.tables[table]
	if uint64(i) >= uint64(len(tbl.data)/wasm.TableElementSize) {
		return 0, &TrapError{Code: machine.TrapTableAccessOutOfBounds, Function: -1}
	}
	v, _ := in.load(tbl.base+uint64(wasm.TableElementSize*i), 8)
	return v, nil
}

// SetTableElement stores a reference in a table.
func (in *Instance) SetTableElement(table wasm.Index, i uint32, ref uint64) error {
	tbl := in.tables[table]
	if uint64(i) >= uint64(len(tbl.data)/wasm.TableElementSize) {
		return &TrapError{Code: machine.TrapTableAccessOutOfBounds, Function: -1}
	}
	in.store64(tbl.base+uint64(wasm.TableElementSize*i), ref)
	return nil
}

// Call runs a function with the raw bits of its arguments and returns the raw bits of its results.
func (in *Instance) Call(funcIndex wasm.Index, args ...uint64) ([]uint64, error) {
	ft, err := in.module.FunctionType(funcIndex)
	if err != nil {
		return nil, err
	}
	if len(args) != len(ft.Params) {
		return nil, fmt.Errorf("function %d expects %d arguments, got %d", funcIndex, len(ft.Params), len(args))
	}
	params := make([]uint64, 0, len(args)+1)
	params = append(params, vmctxBase)
	for i, a := range args {
		params = append(params, maskValue(ft.Params[i], a))
	}

	var result uint64
	if in.module.IsImportedFunction(funcIndex) {
		if result, err = in.hosts[funcIndex](in, params[1:]); err != nil {
			return nil, err
		}
	} else {
		in.regs = [machine.NumRegisters]uint64{}
		in.steps = 0
		regs := paramRegisters(in.cc)
		var stackArgs []uint64
		for i, p := range params {
			if i < len(regs) {
				in.regs[regs[i]] = p
			} else {
				stackArgs = append(stackArgs, p)
			}
		}
		shadow := uint64(shadowSpace(in.cc))
		frame := shadow + 8*uint64(len(stackArgs))
		sp := uint64(stackBase + stackSize)
		if frame%16 != 0 {
			sp -= 8
		}
		sp -= frame
		for k, a := range stackArgs {
			in.store64(sp+shadow+8*uint64(k), a)
		}
		sp -= 8
		in.store64(sp, exitAddress)
		in.regs[RSP] = sp
		if err = in.run(codePointer(int(funcIndex-in.module.ImportedFunctionCount), 0)); err != nil {
			return nil, err
		}
		if len(ft.Results) > 0 {
			if wasm.IsFloat(ft.Results[0]) {
				result = in.regs[XMM0]
			} else {
				result = in.regs[RAX]
			}
		}
	}
	if len(ft.Results) == 0 {
		return nil, nil
	}
	return []uint64{maskValue(ft.Results[0], result)}, nil
}

func maskValue(t wasm.ValueType, v uint64) uint64 {
	switch t {
	case wasm.ValueTypeI32, wasm.ValueTypeF32:
		return uint64(uint32(v))
	}
	return v
}

// growMemory returns the previous page count, or -1 as uint32 when the memory cannot grow.
func (in *Instance) growMemory(idx wasm.Index, delta uint32) uint64 {
	mem := in.memories[idx]
	old := uint64(len(mem.data)) / wasm.MemoryPageSize
	limit := uint64(maxPages)
	if max := in.module.Memories[idx].Max; max != 0 && uint64(max) < limit {
		limit = uint64(max)
	}
	if old+uint64(delta) > limit {
		return uint64(math.MaxUint32)
	}
	mem.data = append(mem.data, make([]byte, uint64(delta)*wasm.MemoryPageSize)...)
	in.syncLengths()
	return old
}

// growTable returns the previous size, or -1 as uint32 when the table cannot grow.
func (in *Instance) growTable(idx wasm.Index, init uint64, delta uint32) uint64 {
	tbl := in.tables[idx]
	old := uint64(len(tbl.data) / wasm.TableElementSize)
	limit := uint64(maxTableSize)
	if max := in.module.Tables[idx].Max; max != nil && uint64(*max) < limit {
		limit = uint64(*max)
	}
	if old+uint64(delta) > limit {
		return uint64(math.MaxUint32)
	}
	tbl.data = append(tbl.data, make([]byte, uint64(delta)*wasm.TableElementSize)...)
	in.syncLengths()
	for i := old; i < old+uint64(delta); i++ {
		in.store64(tbl.base+wasm.TableElementSize*i, init)
	}
	return old
}
