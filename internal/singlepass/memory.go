package singlepass

import (
	"math"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

type memoryAccess struct {
	sz  machine.Size
	ext machine.Extension
	// typ is the type of the loaded value or of the stored operand.
	typ wasm.ValueType
}

var loadOps = map[wasm.Opcode]memoryAccess{
	wasm.OpcodeI32Load:    {machine.S32, machine.ZeroExtend, wasm.ValueTypeI32},
	wasm.OpcodeI64Load:    {machine.S64, machine.ZeroExtend, wasm.ValueTypeI64},
	wasm.OpcodeF32Load:    {machine.S32, machine.ZeroExtend, wasm.ValueTypeF32},
	wasm.OpcodeF64Load:    {machine.S64, machine.ZeroExtend, wasm.ValueTypeF64},
	wasm.OpcodeI32Load8S:  {machine.S8, machine.SignExtend32, wasm.ValueTypeI32},
	wasm.OpcodeI32Load8U:  {machine.S8, machine.ZeroExtend, wasm.ValueTypeI32},
	wasm.OpcodeI32Load16S: {machine.S16, machine.SignExtend32, wasm.ValueTypeI32},
	wasm.OpcodeI32Load16U: {machine.S16, machine.ZeroExtend, wasm.ValueTypeI32},
	wasm.OpcodeI64Load8S:  {machine.S8, machine.SignExtend64, wasm.ValueTypeI64},
	wasm.OpcodeI64Load8U:  {machine.S8, machine.ZeroExtend, wasm.ValueTypeI64},
	wasm.OpcodeI64Load16S: {machine.S16, machine.SignExtend64, wasm.ValueTypeI64},
	wasm.OpcodeI64Load16U: {machine.S16, machine.ZeroExtend, wasm.ValueTypeI64},
	wasm.OpcodeI64Load32S: {machine.S32, machine.SignExtend64, wasm.ValueTypeI64},
	wasm.OpcodeI64Load32U: {machine.S32, machine.ZeroExtend, wasm.ValueTypeI64},
}

var storeOps = map[wasm.Opcode]memoryAccess{
	wasm.OpcodeI32Store:   {machine.S32, machine.ZeroExtend, wasm.ValueTypeI32},
	wasm.OpcodeI64Store:   {machine.S64, machine.ZeroExtend, wasm.ValueTypeI64},
	wasm.OpcodeF32Store:   {machine.S32, machine.ZeroExtend, wasm.ValueTypeF32},
	wasm.OpcodeF64Store:   {machine.S64, machine.ZeroExtend, wasm.ValueTypeF64},
	wasm.OpcodeI32Store8:  {machine.S8, machine.ZeroExtend, wasm.ValueTypeI32},
	wasm.OpcodeI32Store16: {machine.S16, machine.ZeroExtend, wasm.ValueTypeI32},
	wasm.OpcodeI64Store8:  {machine.S8, machine.ZeroExtend, wasm.ValueTypeI64},
	wasm.OpcodeI64Store16: {machine.S16, machine.ZeroExtend, wasm.ValueTypeI64},
	wasm.OpcodeI64Store32: {machine.S32, machine.ZeroExtend, wasm.ValueTypeI64},
}

// immediate returns the smallest immediate location holding v as a 64-bit operand.
func immediate(v uint64) machine.Location {
	if int64(v) >= math.MinInt32 && int64(v) <= math.MaxInt32 {
		return machine.Imm32(uint32(v))
	}
	return machine.Imm64(v)
}

// emitMemoryOp computes the native address of an access of sz bytes at addr plus offset in
// memory 0, checking it against the memory length unless the memory is static, and passes it to
// access. The instruction access returns is recorded as a trap site: it faults when a static
// memory is accessed out of bounds.
func (c *FunctionCompiler) emitMemoryOp(addr machine.Location, offset uint32, sz machine.Size,
	access func(machine.Location) machine.Position) error {
	if len(c.module.Memories) == 0 {
		return codegenErrorf("memory access without memory")
	}
	const memoryIndex = 0
	vmctx := c.m.VMContextRegister()

	tmp, err := c.acquireTemp()
	if err != nil {
		return err
	}
	defer c.releaseTemp(tmp)

	def := machine.Memory(vmctx, int32(c.offsets.LocalMemory(memoryIndex)))
	if c.module.IsImportedMemory(memoryIndex) {
		defReg, err := c.acquireTemp()
		if err != nil {
			return err
		}
		defer c.releaseTemp(defReg)
		c.m.EmitMove(machine.S64, machine.Memory(vmctx, int32(c.offsets.ImportedMemory(memoryIndex))), machine.GPR(defReg))
		def = machine.Memory(defReg, 0)
	}
	length := machine.Memory(def.Reg, def.Offset+wasm.MemoryDefinitionLength)
	base := machine.Memory(def.Reg, def.Offset+wasm.MemoryDefinitionBase)

	// tmp is the end of the accessed range relative to the memory start, which cannot overflow
	// 64 bits.
	c.m.EmitMove(machine.S32, addr, machine.GPR(tmp))
	c.m.EmitIntBinary(machine.IntAdd, machine.S64, machine.GPR(tmp), immediate(uint64(offset)+uint64(sz)), machine.GPR(tmp))
	if c.module.Memories[memoryIndex].Style != wasm.MemoryStyleStatic {
		c.m.EmitJumpIf(machine.CondUnsignedGreater, machine.S64, machine.GPR(tmp), length, c.heapAccessOOB)
	}
	c.m.EmitIntBinary(machine.IntAdd, machine.S64, machine.GPR(tmp), base, machine.GPR(tmp))
	c.markTrap(access(machine.Memory(tmp, -int32(sz))), machine.TrapHeapAccessOutOfBounds)
	return nil
}

func (c *FunctionCompiler) compileLoad(op *wasm.Operator, a memoryAccess) error {
	addr, err := c.popValueReleased()
	if err != nil {
		return err
	}
	ret := c.acquireLocation(a.typ)
	c.pushValue(ret)
	if wasm.IsFloat(a.typ) {
		c.pushFloat(canonicalizeNone)
	}
	return c.emitMemoryOp(addr, op.MemArg.Offset, a.sz, func(mem machine.Location) machine.Position {
		return c.m.EmitLoad(a.sz, a.ext, mem, ret)
	})
}

func (c *FunctionCompiler) compileStore(op *wasm.Operator, a memoryAccess) error {
	value, err := c.popValueReleased()
	if err != nil {
		return err
	}
	addr, err := c.popValueReleased()
	if err != nil {
		return err
	}
	if wasm.IsFloat(a.typ) {
		fp, err := c.popFloat()
		if err != nil {
			return err
		}
		if c.canonicalize && fp.pending != canonicalizeNone && !value.IsImm() {
			c.m.EmitCanonicalizeNaN(fp.pending.size(), value, value)
		}
	}
	return c.emitMemoryOp(addr, op.MemArg.Offset, a.sz, func(mem machine.Location) machine.Position {
		return c.m.EmitStore(a.sz, value, mem)
	})
}

// memoryBuiltin selects the builtin for a local or an imported memory.
func (c *FunctionCompiler) memoryBuiltin(memoryIndex wasm.Index, local, imported wasm.Builtin) (wasm.Builtin, error) {
	if int(memoryIndex) >= len(c.module.Memories) {
		return 0, codegenErrorf("memory %d out of range", memoryIndex)
	}
	if c.module.IsImportedMemory(memoryIndex) {
		return imported, nil
	}
	return local, nil
}

func (c *FunctionCompiler) compileMemoryMisc(op *wasm.Operator) (bool, error) {
	switch {
	case op.Opcode == wasm.OpcodeMemorySize:
		b, err := c.memoryBuiltin(op.Index, wasm.BuiltinMemorySize, wasm.BuiltinImportedMemorySize)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 0, func([]machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index)}
		}, wasm.ValueTypeI32)
	case op.Opcode == wasm.OpcodeMemoryGrow:
		b, err := c.memoryBuiltin(op.Index, wasm.BuiltinMemoryGrow, wasm.BuiltinImportedMemoryGrow)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 1, func(p []machine.Location) []machine.Location {
			return []machine.Location{p[0], machine.Imm32(op.Index)}
		}, wasm.ValueTypeI32)
	case op.Opcode != wasm.OpcodeMiscPrefix:
		return false, nil
	}

	switch op.Misc {
	case wasm.OpcodeMiscMemoryCopy:
		b, err := c.memoryBuiltin(0, wasm.BuiltinMemoryCopy, wasm.BuiltinImportedMemoryCopy)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 3, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(0), p[0], p[1], p[2]}
		})
	case wasm.OpcodeMiscMemoryFill:
		b, err := c.memoryBuiltin(0, wasm.BuiltinMemoryFill, wasm.BuiltinImportedMemoryFill)
		if err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(b, 3, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(0), p[0], p[1], p[2]}
		})
	case wasm.OpcodeMiscMemoryInit:
		if _, err := c.memoryBuiltin(0, wasm.BuiltinMemoryInit, wasm.BuiltinMemoryInit); err != nil {
			return true, err
		}
		return true, c.emitBuiltinCall(wasm.BuiltinMemoryInit, 3, func(p []machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(0), machine.Imm32(op.Index), p[0], p[1], p[2]}
		})
	case wasm.OpcodeMiscDataDrop:
		return true, c.emitBuiltinCall(wasm.BuiltinDataDrop, 0, func([]machine.Location) []machine.Location {
			return []machine.Location{machine.Imm32(op.Index)}
		})
	}
	return false, nil
}
