package singlepass

import (
	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// feed dispatches one operator. While the code is unreachable, only the structure of the
// control instructions is followed.
func (c *FunctionCompiler) feed(op *wasm.Operator) error {
	wasUnreachable := c.unreachableDepth > 0
	if wasUnreachable {
		switch op.Opcode {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			c.unreachableDepth++
		case wasm.OpcodeEnd:
			c.unreachableDepth--
		case wasm.OpcodeElse:
			// The else branch of the innermost if is reachable again.
			if c.unreachableDepth == 1 && c.controlStack[len(c.controlStack)-1].ifElse == ifElseIf {
				c.unreachableDepth--
			}
		}
		if c.unreachableDepth > 0 {
			return nil
		}
	}

	switch op.Opcode {
	case wasm.OpcodeUnreachable:
		c.compileUnreachable()
		return nil
	case wasm.OpcodeNop:
		return nil
	case wasm.OpcodeBlock:
		return c.compileBlock(op)
	case wasm.OpcodeLoop:
		return c.compileLoop(op)
	case wasm.OpcodeIf:
		return c.compileIf(op)
	case wasm.OpcodeElse:
		return c.compileElse(wasUnreachable)
	case wasm.OpcodeEnd:
		return c.compileEnd(wasUnreachable)
	case wasm.OpcodeBr:
		return c.compileBr(op.Index)
	case wasm.OpcodeBrIf:
		return c.compileBrIf(op.Index)
	case wasm.OpcodeBrTable:
		return c.compileBrTable(op)
	case wasm.OpcodeReturn:
		return c.compileReturn()
	case wasm.OpcodeCall:
		return c.compileCall(op.Index)
	case wasm.OpcodeCallIndirect:
		return c.compileCallIndirect(op.Index, op.Index2)
	case wasm.OpcodeDrop:
		return c.compileDrop()
	case wasm.OpcodeSelect, wasm.OpcodeSelectT:
		return c.compileSelect()
	case wasm.OpcodeLocalGet:
		return c.compileLocalGet(op.Index)
	case wasm.OpcodeLocalSet:
		return c.compileLocalSet(op.Index)
	case wasm.OpcodeLocalTee:
		return c.compileLocalTee(op.Index)
	case wasm.OpcodeGlobalGet:
		return c.compileGlobalGet(op.Index)
	case wasm.OpcodeGlobalSet:
		return c.compileGlobalSet(op.Index)
	case wasm.OpcodeI32Const:
		c.pushConst(machine.Imm32(uint32(op.Const)))
		return nil
	case wasm.OpcodeI64Const:
		c.pushConst(immediate(op.Const))
		return nil
	case wasm.OpcodeF32Const:
		c.pushConst(machine.Imm32(uint32(op.Const)))
		c.pushFloat(canonicalizeNone)
		return nil
	case wasm.OpcodeF64Const:
		c.pushConst(machine.Imm64(op.Const))
		c.pushFloat(canonicalizeNone)
		return nil
	}

	if a, ok := loadOps[op.Opcode]; ok {
		return c.compileLoad(op, a)
	}
	if a, ok := storeOps[op.Opcode]; ok {
		return c.compileStore(op, a)
	}
	for _, compile := range []func(*wasm.Operator) (bool, error){c.compileNumeric, c.compileMemoryMisc, c.compileTable} {
		if ok, err := compile(op); ok {
			return err
		}
	}
	return codegenErrorf("unsupported operator %s at offset %#x", op, op.Offset)
}

func (c *FunctionCompiler) local(index wasm.Index) (machine.Location, wasm.ValueType, error) {
	if int(index) >= len(c.locals) {
		return machine.Location{}, 0, codegenErrorf("local %d out of range", index)
	}
	return c.locals[index], c.localTypes[index], nil
}

func (c *FunctionCompiler) compileLocalGet(index wasm.Index) error {
	local, typ, err := c.local(index)
	if err != nil {
		return err
	}
	ret := c.acquireLocation(typ)
	c.m.EmitMove(machine.S64, local, ret)
	c.pushValue(ret)
	if wasm.IsFloat(typ) {
		c.pushFloat(canonicalizeNone)
	}
	return nil
}

func (c *FunctionCompiler) compileLocalSet(index wasm.Index) error {
	local, typ, err := c.local(index)
	if err != nil {
		return err
	}
	loc, err := c.popValueReleased()
	if err != nil {
		return err
	}
	if wasm.IsFloat(typ) {
		fp, err := c.popFloat()
		if err != nil {
			return err
		}
		if c.canonicalize && fp.pending != canonicalizeNone {
			c.m.EmitCanonicalizeNaN(fp.pending.size(), loc, local)
			return nil
		}
	}
	c.m.EmitMove(machine.S64, loc, local)
	return nil
}

func (c *FunctionCompiler) compileLocalTee(index wasm.Index) error {
	local, typ, err := c.local(index)
	if err != nil {
		return err
	}
	loc, err := c.peekValue()
	if err != nil {
		return err
	}
	if wasm.IsFloat(typ) {
		fp, err := c.peekFloat()
		if err != nil {
			return err
		}
		if c.canonicalize && fp.pending != canonicalizeNone {
			c.m.EmitCanonicalizeNaN(fp.pending.size(), loc, loc)
			fp.pending = canonicalizeNone
		}
	}
	c.m.EmitMove(machine.S64, loc, local)
	return nil
}

// global loads the address of a global's storage in a temporary register.
func (c *FunctionCompiler) global(index wasm.Index) (machine.Register, *wasm.GlobalType, error) {
	if int(index) >= len(c.module.Globals) {
		return machine.NilRegister, nil, codegenErrorf("global %d out of range", index)
	}
	tmp, err := c.acquireTemp()
	if err != nil {
		return machine.NilRegister, nil, err
	}
	c.m.EmitMove(machine.S64, machine.Memory(c.m.VMContextRegister(), int32(c.offsets.Global(index))), machine.GPR(tmp))
	return tmp, c.module.Globals[index], nil
}

func (c *FunctionCompiler) compileGlobalGet(index wasm.Index) error {
	if int(index) >= len(c.module.Globals) {
		return codegenErrorf("global %d out of range", index)
	}
	typ := c.module.Globals[index].ValType
	ret := c.acquireLocation(typ)
	c.pushValue(ret)
	if wasm.IsFloat(typ) {
		c.pushFloat(canonicalizeNone)
	}
	tmp, _, err := c.global(index)
	if err != nil {
		return err
	}
	c.m.EmitMove(sizeOf(typ), machine.Memory(tmp, 0), ret)
	c.releaseTemp(tmp)
	return nil
}

func (c *FunctionCompiler) compileGlobalSet(index wasm.Index) error {
	loc, err := c.popValueReleased()
	if err != nil {
		return err
	}
	tmp, g, err := c.global(index)
	if err != nil {
		return err
	}
	defer c.releaseTemp(tmp)
	dst := machine.Memory(tmp, 0)
	if wasm.IsFloat(g.ValType) {
		fp, err := c.popFloat()
		if err != nil {
			return err
		}
		if c.canonicalize && fp.pending != canonicalizeNone {
			c.m.EmitCanonicalizeNaN(fp.pending.size(), loc, dst)
			return nil
		}
	}
	c.m.EmitMove(sizeOf(g.ValType), loc, dst)
	return nil
}

// checkInvariants verifies the bookkeeping between two operators.
func (c *FunctionCompiler) checkInvariants() error {
	if got, want := len(c.state.StackValues), int(c.stackOffset/8); got != want {
		return codegenErrorf("%d stack values for a stack offset of %d", got, c.stackOffset)
	}
	if c.stackOffset < c.frameBaseOffset {
		return codegenErrorf("stack offset %d below the frame base %d", c.stackOffset, c.frameBaseOffset)
	}
	if c.unreachableDepth == 0 && len(c.state.WasmStack) != len(c.valueStack) {
		return codegenErrorf("%d operand shadows for %d operands", len(c.state.WasmStack), len(c.valueStack))
	}

	prev := -1
	for _, fp := range c.fpStack {
		if fp.depth <= prev || fp.depth >= len(c.valueStack) {
			return codegenErrorf("float at depth %d misaligned with %d operands", fp.depth, len(c.valueStack))
		}
		prev = fp.depth
	}

	var inUse [machine.NumRegisters]bool
	expected := c.frameBaseOffset
	for i, loc := range c.valueStack {
		switch {
		case loc.IsRegister():
			if inUse[loc.Reg] || !c.usedRegs[loc.Reg] {
				return codegenErrorf("operand %d in register %s not reserved for it", i, loc.Reg)
			}
			inUse[loc.Reg] = true
		case c.isFrameSlot(loc):
			expected += 8
			if uint32(-loc.Offset) != expected {
				return codegenErrorf("operand %d at %s, expected the slot at -%d", i, loc, expected)
			}
		}
	}
	if c.unreachableDepth == 0 && expected != c.stackOffset {
		return codegenErrorf("operand slots end at -%d, stack offset is %d", expected, c.stackOffset)
	}
	for r, used := range c.usedRegs {
		if used && !inUse[r] {
			return codegenErrorf("register %s reserved without an operand", machine.Register(r))
		}
	}
	for r, used := range c.usedTemps {
		if used {
			return codegenErrorf("temporary register %s still reserved", machine.Register(r))
		}
	}

	prevDepth := 0
	for i, f := range c.controlStack {
		if f.valueStackDepth < prevDepth || f.valueStackDepth > len(c.valueStack) {
			return codegenErrorf("control frame %d entered at depth %d, operand stack has %d", i, f.valueStackDepth, len(c.valueStack))
		}
		prevDepth = f.valueStackDepth
	}
	if len(c.controlStack) == 0 && (len(c.valueStack) != 0 || len(c.fpStack) != 0 || c.stackOffset != c.frameBaseOffset) {
		return codegenErrorf("function ended with %d operands, %d floats, stack offset %d", len(c.valueStack), len(c.fpStack), c.stackOffset)
	}
	return nil
}
