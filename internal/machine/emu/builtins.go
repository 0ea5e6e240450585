package emu

import (
	"fmt"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

type builtinFunc func(in *Instance, args []uint64) (uint64, error)

type builtinDef struct {
	// arity excludes the context pointer.
	arity int
	fn    builtinFunc
}

var builtins [wasm.BuiltinCount]builtinDef

func init() {
	for _, b := range []wasm.Builtin{wasm.BuiltinMemorySize, wasm.BuiltinImportedMemorySize} {
		builtins[b] = builtinDef{1, builtinMemorySize}
	}
	for _, b := range []wasm.Builtin{wasm.BuiltinMemoryGrow, wasm.BuiltinImportedMemoryGrow} {
		builtins[b] = builtinDef{2, builtinMemoryGrow}
	}
	for _, b := range []wasm.Builtin{wasm.BuiltinMemoryCopy, wasm.BuiltinImportedMemoryCopy} {
		builtins[b] = builtinDef{4, builtinMemoryCopy}
	}
	for _, b := range []wasm.Builtin{wasm.BuiltinMemoryFill, wasm.BuiltinImportedMemoryFill} {
		builtins[b] = builtinDef{4, builtinMemoryFill}
	}
	builtins[wasm.BuiltinMemoryInit] = builtinDef{5, builtinMemoryInit}
	builtins[wasm.BuiltinDataDrop] = builtinDef{1, builtinDataDrop}
	for _, b := range []wasm.Builtin{wasm.BuiltinTableGet, wasm.BuiltinImportedTableGet} {
		builtins[b] = builtinDef{2, builtinTableGet}
	}
	for _, b := range []wasm.Builtin{wasm.BuiltinTableSet, wasm.BuiltinImportedTableSet} {
		builtins[b] = builtinDef{3, builtinTableSet}
	}
	for _, b := range []wasm.Builtin{wasm.BuiltinTableSize, wasm.BuiltinImportedTableSize} {
		builtins[b] = builtinDef{1, builtinTableSize}
	}
	for _, b := range []wasm.Builtin{wasm.BuiltinTableGrow, wasm.BuiltinImportedTableGrow} {
		builtins[b] = builtinDef{3, builtinTableGrow}
	}
	for _, b := range []wasm.Builtin{wasm.BuiltinTableFill, wasm.BuiltinImportedTableFill} {
		builtins[b] = builtinDef{4, builtinTableFill}
	}
	builtins[wasm.BuiltinTableCopy] = builtinDef{5, builtinTableCopy}
	builtins[wasm.BuiltinTableInit] = builtinDef{5, builtinTableInit}
	builtins[wasm.BuiltinElemDrop] = builtinDef{1, builtinElemDrop}
	builtins[wasm.BuiltinFuncRef] = builtinDef{1, builtinFuncRef}
}

func memoryOOB() error { return &TrapError{Code: machine.TrapHeapAccessOutOfBounds, Function: -1} }

func tableOOB() error { return &TrapError{Code: machine.TrapTableAccessOutOfBounds, Function: -1} }

// inRange returns true if [start, start+n) lies within size.
func inRange(start, n, size uint64) bool {
	return start+n >= start && start+n <= size
}

func (in *Instance) memoryArg(v uint64) (*region, error) {
	if v >= uint64(len(in.memories)) {
		return nil, fmt.Errorf("memory index %d out of range", v)
	}
	return in.memories[v], nil
}

func (in *Instance) tableArg(v uint64) (*region, error) {
	if v >= uint64(len(in.tables)) {
		return nil, fmt.Errorf("table index %d out of range", v)
	}
	return in.tables[v], nil
}

func builtinMemorySize(in *Instance, args []uint64) (uint64, error) {
	mem, err := in.memoryArg(args[0])
	if err != nil {
		return 0, err
	}
	return uint64(len(mem.data)) / wasm.MemoryPageSize, nil
}

func builtinMemoryGrow(in *Instance, args []uint64) (uint64, error) {
	if _, err := in.memoryArg(args[1]); err != nil {
		return 0, err
	}
	return in.growMemory(wasm.Index(args[1]), uint32(args[0])), nil
}

func builtinMemoryCopy(in *Instance, args []uint64) (uint64, error) {
	mem, err := in.memoryArg(args[0])
	if err != nil {
		return 0, err
	}
	dst, src, n := uint64(uint32(args[1])), uint64(uint32(args[2])), uint64(uint32(args[3]))
	size := uint64(len(mem.data))
	if !inRange(dst, n, size) || !inRange(src, n, size) {
		return 0, memoryOOB()
	}
	copy(mem.data[dst:dst+n], mem.data[src:src+n])
	return 0, nil
}

func builtinMemoryFill(in *Instance, args []uint64) (uint64, error) {
	mem, err := in.memoryArg(args[0])
	if err != nil {
		return 0, err
	}
	dst, val, n := uint64(uint32(args[1])), byte(args[2]), uint64(uint32(args[3]))
	if !inRange(dst, n, uint64(len(mem.data))) {
		return 0, memoryOOB()
	}
	for i := dst; i < dst+n; i++ {
		mem.data[i] = val
	}
	return 0, nil
}

func builtinMemoryInit(in *Instance, args []uint64) (uint64, error) {
	mem, err := in.memoryArg(args[0])
	if err != nil {
		return 0, err
	}
	var data []byte
	if args[1] < uint64(len(in.data)) {
		data = in.data[args[1]]
	}
	dst, src, n := uint64(uint32(args[2])), uint64(uint32(args[3])), uint64(uint32(args[4]))
	if !inRange(src, n, uint64(len(data))) || !inRange(dst, n, uint64(len(mem.data))) {
		return 0, memoryOOB()
	}
	copy(mem.data[dst:dst+n], data[src:src+n])
	return 0, nil
}

func builtinDataDrop(in *Instance, args []uint64) (uint64, error) {
	if args[0] < uint64(len(in.data)) {
		in.data[args[0]] = nil
	}
	return 0, nil
}

func tableLen(tbl *region) uint64 { return uint64(len(tbl.data) / wasm.TableElementSize) }

func builtinTableGet(in *Instance, args []uint64) (uint64, error) {
	tbl, err := in.tableArg(args[0])
	if err != nil {
		return 0, err
	}
	i := uint64(uint32(args[1]))
	if i >= tableLen(tbl) {
		return 0, tableOOB()
	}
	v, _ := in.load(tbl.base+wasm.TableElementSize*i, 8)
	return v, nil
}

func builtinTableSet(in *Instance, args []uint64) (uint64, error) {
	tbl, err := in.tableArg(args[0])
	if err != nil {
		return 0, err
	}
	i := uint64(uint32(args[1]))
	if i >= tableLen(tbl) {
		return 0, tableOOB()
	}
	in.store64(tbl.base+wasm.TableElementSize*i, args[2])
	return 0, nil
}

func builtinTableSize(in *Instance, args []uint64) (uint64, error) {
	tbl, err := in.tableArg(args[0])
	if err != nil {
		return 0, err
	}
	return tableLen(tbl), nil
}

func builtinTableGrow(in *Instance, args []uint64) (uint64, error) {
	if _, err := in.tableArg(args[0]); err != nil {
		return 0, err
	}
	return in.growTable(wasm.Index(args[0]), args[1], uint32(args[2])), nil
}

func builtinTableFill(in *Instance, args []uint64) (uint64, error) {
	tbl, err := in.tableArg(args[0])
	if err != nil {
		return 0, err
	}
	start, ref, n := uint64(uint32(args[1])), args[2], uint64(uint32(args[3]))
	if !inRange(start, n, tableLen(tbl)) {
		return 0, tableOOB()
	}
	for i := start; i < start+n; i++ {
		in.store64(tbl.base+wasm.TableElementSize*i, ref)
	}
	return 0, nil
}

func builtinTableCopy(in *Instance, args []uint64) (uint64, error) {
	dstTbl, err := in.tableArg(args[0])
	if err != nil {
		return 0, err
	}
	srcTbl, err := in.tableArg(args[1])
	if err != nil {
		return 0, err
	}
	dst, src, n := uint64(uint32(args[2])), uint64(uint32(args[3])), uint64(uint32(args[4]))
	if !inRange(dst, n, tableLen(dstTbl)) || !inRange(src, n, tableLen(srcTbl)) {
		return 0, tableOOB()
	}
	copy(dstTbl.data[dst*wasm.TableElementSize:(dst+n)*wasm.TableElementSize],
		srcTbl.data[src*wasm.TableElementSize:(src+n)*wasm.TableElementSize])
	return 0, nil
}

func builtinTableInit(in *Instance, args []uint64) (uint64, error) {
	tbl, err := in.tableArg(args[0])
	if err != nil {
		return 0, err
	}
	var elems []wasm.Index
	if args[1] < uint64(len(in.elements)) {
		elems = in.elements[args[1]]
	}
	dst, src, n := uint64(uint32(args[2])), uint64(uint32(args[3])), uint64(uint32(args[4]))
	if !inRange(src, n, uint64(len(elems))) || !inRange(dst, n, tableLen(tbl)) {
		return 0, tableOOB()
	}
	for i := uint64(0); i < n; i++ {
		in.store64(tbl.base+wasm.TableElementSize*(dst+i), in.FuncRef(elems[src+i]))
	}
	return 0, nil
}

func builtinElemDrop(in *Instance, args []uint64) (uint64, error) {
	if args[0] < uint64(len(in.elements)) {
		in.elements[args[0]] = nil
	}
	return 0, nil
}

func builtinFuncRef(in *Instance, args []uint64) (uint64, error) {
	if args[0] >= uint64(len(in.module.Functions)) {
		return 0, fmt.Errorf("function index %d out of range", args[0])
	}
	return in.FuncRef(wasm.Index(args[0])), nil
}
