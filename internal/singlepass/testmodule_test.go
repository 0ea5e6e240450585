package singlepass_test

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/singlepass/internal/leb128"
	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/machine/emu"
	"github.com/tetratelabs/singlepass/internal/singlepass"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

type ft = wasm.FunctionType

var (
	vI32 = []wasm.ValueType{wasm.ValueTypeI32}
	vI64 = []wasm.ValueType{wasm.ValueTypeI64}
	vF32 = []wasm.ValueType{wasm.ValueTypeF32}
	vF64 = []wasm.ValueType{wasm.ValueTypeF64}
)

// testFunc is a local function. body holds the instructions, including the final end.
type testFunc struct {
	sig    ft
	locals []wasm.ValueType
	body   []byte
}

type testGlobal struct {
	typ     wasm.ValueType
	mutable bool
	init    uint64
}

// testModule describes a module small enough to be written by hand. Functions are exported
// as "f<index>" in the function index space.
type testModule struct {
	imports  []ft
	funcs    []testFunc
	memory   *wasm.MemoryType
	table    *wasm.TableType
	globals  []testGlobal
	elements []wasm.Index
}

// info returns the module metadata. Every function gets its own type.
func (tm *testModule) info() *wasm.ModuleInfo {
	m := &wasm.ModuleInfo{ImportedFunctionCount: uint32(len(tm.imports))}
	for i := range tm.imports {
		m.Types = append(m.Types, &tm.imports[i])
		m.Functions = append(m.Functions, wasm.Index(len(m.Types)-1))
	}
	for i := range tm.funcs {
		m.Types = append(m.Types, &tm.funcs[i].sig)
		m.Functions = append(m.Functions, wasm.Index(len(m.Types)-1))
	}
	if tm.memory != nil {
		m.Memories = append(m.Memories, tm.memory)
	}
	if tm.table != nil {
		m.Tables = append(m.Tables, tm.table)
	}
	for _, g := range tm.globals {
		m.Globals = append(m.Globals, &wasm.GlobalType{ValType: g.typ, Mutable: g.mutable})
	}
	return m
}

func (tm *testModule) codes() []*wasm.Code {
	var ret []*wasm.Code
	for _, f := range tm.funcs {
		ret = append(ret, &wasm.Code{LocalTypes: f.locals, Body: f.body})
	}
	return ret
}

func (tm *testModule) compile(t *testing.T, cfg *singlepass.Config) (*wasm.ModuleInfo, *singlepass.CompiledModule) {
	if cfg == nil {
		cfg = singlepass.NewConfig()
	}
	info := tm.info()
	compiled, err := singlepass.CompileModule(context.Background(), info, tm.codes(),
		func() machine.Machine { return emu.NewMachine() }, cfg.WithInvariantChecks(true))
	require.NoError(t, err)
	return info, compiled
}

// instantiate compiles the module and instantiates it on the emulator.
func (tm *testModule) instantiate(t *testing.T, cfg *singlepass.Config, hosts ...emu.HostFunction) *emu.Instance {
	info, compiled := tm.compile(t, cfg)
	setup := &emu.Setup{Hosts: hosts}
	for _, g := range tm.globals {
		setup.Globals = append(setup.Globals, g.init)
	}
	in, err := emu.NewInstance(info, compiled, setup)
	require.NoError(t, err)
	for i, f := range tm.elements {
		require.NoError(t, in.SetTableElement(0, uint32(i), in.FuncRef(f)))
	}
	return in
}

func section(id byte, contents []byte) []byte {
	ret := append([]byte{id}, leb128.EncodeUint32(uint32(len(contents)))...)
	return append(ret, contents...)
}

func vector(n int, items []byte) []byte {
	return append(leb128.EncodeUint32(uint32(n)), items...)
}

func encodeName(s string) []byte {
	return append(leb128.EncodeUint32(uint32(len(s))), s...)
}

func encodeValueTypes(ts []wasm.ValueType) []byte {
	return vector(len(ts), ts)
}

func encodeLimits(min uint32, max *uint32) []byte {
	if max == nil {
		return append([]byte{0}, leb128.EncodeUint32(min)...)
	}
	ret := append([]byte{1}, leb128.EncodeUint32(min)...)
	return append(ret, leb128.EncodeUint32(*max)...)
}

func constExpr(typ wasm.ValueType, v uint64) []byte {
	var ret []byte
	switch typ {
	case wasm.ValueTypeI32:
		ret = append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(int32(v))...)
	case wasm.ValueTypeI64:
		ret = append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(int64(v))...)
	case wasm.ValueTypeF32:
		ret = binary.LittleEndian.AppendUint32([]byte{wasm.OpcodeF32Const}, uint32(v))
	case wasm.ValueTypeF64:
		ret = binary.LittleEndian.AppendUint64([]byte{wasm.OpcodeF64Const}, v)
	}
	return append(ret, wasm.OpcodeEnd)
}

// encode encodes the module in the WebAssembly binary format. Imports come from module "env".
func (tm *testModule) encode() []byte {
	ret := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	info := tm.info()

	var types []byte
	for _, t := range info.Types {
		types = append(types, 0x60)
		types = append(types, encodeValueTypes(t.Params)...)
		types = append(types, encodeValueTypes(t.Results)...)
	}
	ret = append(ret, section(1, vector(len(info.Types), types))...)

	if len(tm.imports) > 0 {
		var imports []byte
		for i := range tm.imports {
			imports = append(imports, encodeName("env")...)
			imports = append(imports, encodeName(funcName(wasm.Index(i)))...)
			imports = append(imports, 0x00)
			imports = append(imports, leb128.EncodeUint32(uint32(i))...)
		}
		ret = append(ret, section(2, vector(len(tm.imports), imports))...)
	}

	var funcs []byte
	for i := range tm.funcs {
		funcs = append(funcs, leb128.EncodeUint32(uint32(len(tm.imports)+i))...)
	}
	ret = append(ret, section(3, vector(len(tm.funcs), funcs))...)

	if tm.table != nil {
		ret = append(ret, section(4, vector(1, append([]byte{tm.table.ElemType}, encodeLimits(tm.table.Min, tm.table.Max)...)))...)
	}
	if tm.memory != nil {
		var max *uint32
		if tm.memory.Max != 0 {
			max = &tm.memory.Max
		}
		ret = append(ret, section(5, vector(1, encodeLimits(tm.memory.Min, max)))...)
	}
	if len(tm.globals) > 0 {
		var globals []byte
		for _, g := range tm.globals {
			mut := byte(0)
			if g.mutable {
				mut = 1
			}
			globals = append(globals, g.typ, mut)
			globals = append(globals, constExpr(g.typ, g.init)...)
		}
		ret = append(ret, section(6, vector(len(tm.globals), globals))...)
	}

	var exports []byte
	for i := range tm.funcs {
		idx := wasm.Index(len(tm.imports) + i)
		exports = append(exports, encodeName(funcName(idx))...)
		exports = append(exports, wasm.ExportKindFunc)
		exports = append(exports, leb128.EncodeUint32(idx)...)
	}
	ret = append(ret, section(7, vector(len(tm.funcs), exports))...)

	if len(tm.elements) > 0 {
		elem := []byte{0x00}
		elem = append(elem, constExpr(wasm.ValueTypeI32, 0)...)
		var indices []byte
		for _, f := range tm.elements {
			indices = append(indices, leb128.EncodeUint32(f)...)
		}
		elem = append(elem, vector(len(tm.elements), indices)...)
		ret = append(ret, section(9, vector(1, elem))...)
	}

	var codes []byte
	for _, f := range tm.funcs {
		var locals []byte
		for _, l := range f.locals {
			locals = append(locals, 1, l)
		}
		body := append(vector(len(f.locals), locals), f.body...)
		codes = append(codes, vector(len(body), nil)...)
		codes = append(codes, body...)
	}
	ret = append(ret, section(10, vector(len(tm.funcs), codes))...)
	return ret
}

func funcName(idx wasm.Index) string {
	return "f" + strconv.Itoa(int(idx))
}

// instruction builders

func ops(parts ...interface{}) []byte {
	var ret []byte
	for _, p := range parts {
		switch v := p.(type) {
		case byte:
			ret = append(ret, v)
		case int:
			ret = append(ret, byte(v))
		case []byte:
			ret = append(ret, v...)
		default:
			panic("unsupported instruction part")
		}
	}
	return ret
}

func i32Const(v int32) []byte { return append([]byte{wasm.OpcodeI32Const}, leb128.EncodeInt32(v)...) }
func i64Const(v int64) []byte { return append([]byte{wasm.OpcodeI64Const}, leb128.EncodeInt64(v)...) }

func f32Const(v float32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{wasm.OpcodeF32Const}, math.Float32bits(v))
}

func f64Const(v float64) []byte {
	return binary.LittleEndian.AppendUint64([]byte{wasm.OpcodeF64Const}, math.Float64bits(v))
}

func localGet(i uint32) []byte { return append([]byte{wasm.OpcodeLocalGet}, leb128.EncodeUint32(i)...) }
func localSet(i uint32) []byte { return append([]byte{wasm.OpcodeLocalSet}, leb128.EncodeUint32(i)...) }
func localTee(i uint32) []byte { return append([]byte{wasm.OpcodeLocalTee}, leb128.EncodeUint32(i)...) }
func call(i uint32) []byte     { return append([]byte{wasm.OpcodeCall}, leb128.EncodeUint32(i)...) }
func br(depth uint32) []byte   { return append([]byte{wasm.OpcodeBr}, leb128.EncodeUint32(depth)...) }
func brIf(depth uint32) []byte { return append([]byte{wasm.OpcodeBrIf}, leb128.EncodeUint32(depth)...) }

func memArg(op wasm.Opcode, offset uint32) []byte {
	return append([]byte{op, 0}, leb128.EncodeUint32(offset)...)
}

func brTable(targets []uint32, def uint32) []byte {
	ret := append([]byte{wasm.OpcodeBrTable}, leb128.EncodeUint32(uint32(len(targets)))...)
	for _, t := range targets {
		ret = append(ret, leb128.EncodeUint32(t)...)
	}
	return append(ret, leb128.EncodeUint32(def)...)
}

// blockType returns the block type immediate of a block with at most one result.
func blockType(results ...wasm.ValueType) byte {
	if len(results) == 0 {
		return 0x40
	}
	return results[0]
}
