package emu

import (
	"fmt"

	"github.com/tetratelabs/singlepass/internal/leb128"
	"github.com/tetratelabs/singlepass/internal/singlepass"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// InstantiateModule instantiates a decoded module: globals are initialized from their constant
// expressions, active segments are applied in order and the start function is called.
// importedGlobals holds the values of the imported globals.
func InstantiateModule(m *wasm.Module, compiled *singlepass.CompiledModule, hosts []HostFunction, importedGlobals []uint64) (*Instance, error) {
	info := m.Info
	if uint32(len(importedGlobals)) != info.ImportedGlobalCount {
		return nil, fmt.Errorf("%d values for %d imported globals", len(importedGlobals), info.ImportedGlobalCount)
	}

	globals := append([]uint64(nil), importedGlobals...)
	// Function references are only known once the instance exists.
	refs := map[wasm.Index]wasm.Index{}
	for i, init := range m.GlobalInits {
		idx := wasm.Index(len(globals))
		v, err := init.Evaluate(globals, func(f wasm.Index) uint64 {
			refs[idx] = f
			return 0
		})
		if err != nil {
			return nil, fmt.Errorf("global[%d]: %w", i, err)
		}
		if init.Opcode == wasm.OpcodeGlobalGet {
			src, _, _ := leb128.LoadUint32(init.Data)
			if f, ok := refs[src]; ok {
				refs[idx] = f
			}
		}
		globals = append(globals, v)
	}

	setup := &Setup{Hosts: hosts, Globals: globals}
	for _, d := range m.Data {
		setup.Data = append(setup.Data, d.Init)
	}
	for _, e := range m.Elements {
		if e.Declarative {
			setup.Elements = append(setup.Elements, nil)
		} else {
			setup.Elements = append(setup.Elements, e.Init)
		}
	}

	in, err := NewInstance(info, compiled, setup)
	if err != nil {
		return nil, err
	}
	for g, f := range refs {
		in.SetGlobal(g, in.FuncRef(f))
	}

	for i, e := range m.Elements {
		if e.IsPassive() {
			continue
		}
		offset, err := in.evaluateOffset(e.OffsetExpr, globals)
		if err != nil {
			return nil, fmt.Errorf("element[%d]: %w", i, err)
		}
		if int(e.TableIndex) >= len(info.Tables) {
			return nil, fmt.Errorf("element[%d]: unknown table %d", i, e.TableIndex)
		}
		for j, f := range e.Init {
			if err = in.SetTableElement(e.TableIndex, offset+uint32(j), in.FuncRef(f)); err != nil {
				return nil, fmt.Errorf("element[%d]: %w", i, err)
			}
		}
		// Active segments are dropped once applied.
		in.elements[i] = nil
	}

	for i, d := range m.Data {
		if d.IsPassive() {
			continue
		}
		offset, err := in.evaluateOffset(d.OffsetExpr, globals)
		if err != nil {
			return nil, fmt.Errorf("data[%d]: %w", i, err)
		}
		if int(d.MemoryIndex) >= len(info.Memories) {
			return nil, fmt.Errorf("data[%d]: unknown memory %d", i, d.MemoryIndex)
		}
		mem := in.Memory(d.MemoryIndex)
		if uint64(offset)+uint64(len(d.Init)) > uint64(len(mem)) {
			return nil, fmt.Errorf("data[%d]: %w", i, wasm.ErrRuntimeOutOfBoundsMemoryAccess)
		}
		copy(mem[offset:], d.Init)
		in.data[i] = nil
	}

	if m.StartFunction != nil {
		if _, err = in.Call(*m.StartFunction); err != nil {
			return nil, fmt.Errorf("start function: %w", err)
		}
	}
	return in, nil
}

// evaluateOffset returns the i32 offset of an active segment.
func (in *Instance) evaluateOffset(expr *wasm.ConstantExpression, globals []uint64) (uint32, error) {
	v, err := expr.Evaluate(globals, in.FuncRef)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
