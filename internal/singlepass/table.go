package singlepass

import (
	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

func (c *FunctionCompiler) tableBuiltin(tableIndex wasm.Index, local, imported wasm.Builtin) (wasm.Builtin, wasm.ValueType, error) {
	if int(tableIndex) >= len(c.module.Tables) {
		return 0, 0, codegenErrorf("table %d out of range", tableIndex)
	}
	elemType := c.module.Tables[tableIndex].ElemType
	if c.module.IsImportedTable(tableIndex) {
		return imported, elemType, nil
	}
	return local, elemType, nil
}

// compileTable compiles the table, element and reference operators.
func (c *FunctionCompiler) compileTable(op *wasm.Operator) (bool, error) {
	switch op.Opcode {
	case wasm.OpcodeTableGet:
		b, elemType, err := c.tableBuiltin(op.Index, wasm.BuiltinTableGet, wasm.BuiltinImportedTableGet)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 1, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index), p[0]}
		}, elemType)
	case wasm.OpcodeTableSet:
		b, _, err := c.tableBuiltin(op.Index, wasm.BuiltinTableSet, wasm.BuiltinImportedTableSet)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 2, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index), p[0], p[1]}
		})
	case wasm.OpcodeRefNull:
		c.pushConst(machine.Imm32(0))
		return true, nil
	case wasm.OpcodeRefIsNull:
		src, ret, err := c.i1o1(wasm.ValueTypeI32)
		if err == nil {
			c.m.EmitIntCompare(machine.CondEqual, machine.S64, src, machine.Imm32(0), ret)
		}
		return true, err
	case wasm.OpcodeRefFunc:
		if int(op.Index) >= len(c.module.Functions) {
			return true, codegenErrorf("ref.func: function %d out of range", op.Index)
		}
		return true, c.emitBuiltinCall(wasm.BuiltinFuncRef, 0, func([]machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index)}
		}, wasm.ValueTypeFuncref)
	case wasm.OpcodeMiscPrefix:
	default:
		return false, nil
	}

	switch op.Misc {
	case wasm.OpcodeMiscTableSize:
		b, _, err := c.tableBuiltin(op.Index, wasm.BuiltinTableSize, wasm.BuiltinImportedTableSize)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 0, func([]machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index)}
		}, wasm.ValueTypeI32)
	case wasm.OpcodeMiscTableGrow:
		b, _, err := c.tableBuiltin(op.Index, wasm.BuiltinTableGrow, wasm.BuiltinImportedTableGrow)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 2, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index), p[0], p[1]}
		}, wasm.ValueTypeI32)
	case wasm.OpcodeMiscTableFill:
		b, _, err := c.tableBuiltin(op.Index, wasm.BuiltinTableFill, wasm.BuiltinImportedTableFill)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 3, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index), p[0], p[1], p[2]}
		})
	case wasm.OpcodeMiscTableCopy:
		if _, _, err := c.tableBuiltin(op.Index, wasm.BuiltinTableCopy, wasm.BuiltinTableCopy); err != nil {
			return true, err
		}
		if _, _, err := c.tableBuiltin(op.Index2, wasm.BuiltinTableCopy, wasm.BuiltinTableCopy); err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(wasm.BuiltinTableCopy, 3, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index), machine.Imm32(op.Index2), p[0], p[1], p[2]}
		})
	case wasm.OpcodeMiscTableInit:
		if _, _, err := c.tableBuiltin(op.Index2, wasm.BuiltinTableInit, wasm.BuiltinTableInit); err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(wasm.BuiltinTableInit, 3, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index2), machine.Imm32(op.Index), p[0], p[1], p[2]}
		})
	case wasm.OpcodeMiscElemDrop:
		return true, c.emitBuiltinCall(wasm.BuiltinElemDrop, 0, func([]machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index)}
		})
	}
	return false, nil
}
