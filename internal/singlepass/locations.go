package singlepass

import (
	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// typedValue is a value about to be placed on the operand stack.
type typedValue struct {
	typ   wasm.ValueType
	value MachineValue
}

// pickRegister returns an unused register of the given pool.
func (c *FunctionCompiler) pickRegister(pool []machine.Register) (machine.Register, bool) {
	for _, r := range pool {
		if !c.usedRegs[r] {
			return r, true
		}
	}
	return machine.NilRegister, false
}

// acquireLocations allocates a location for each value, preferring a free register of the
// value's class and falling back to a new stack slot. Stack slots are allocated with a single
// adjustment of the stack pointer. When zeroed is set, the locations are cleared.
func (c *FunctionCompiler) acquireLocations(values []typedValue, zeroed bool) []machine.Location {
	ret := make([]machine.Location, len(values))
	var delta uint32
	for i, v := range values {
		pool := c.m.GPRs()
		if wasm.IsFloat(v.typ) {
			pool = c.m.FPRs()
		}
		if r, ok := c.pickRegister(pool); ok {
			ret[i] = machine.RegisterLocation(r)
			c.usedRegs[r] = true
			c.state.RegisterValues[r] = v.value
		} else {
			c.stackOffset += 8
			delta += 8
			ret[i] = c.localOnStack(c.stackOffset)
			c.state.StackValues = append(c.state.StackValues, v.value)
		}
		c.state.WasmStack = append(c.state.WasmStack, runtimeValue)
	}
	if delta != 0 {
		c.m.EmitGrowStack(delta)
	}
	if zeroed {
		for _, loc := range ret {
			c.m.EmitMove(machine.S64, machine.Imm32(0), loc)
		}
	}
	return ret
}

// acquireLocation allocates the location of one value pushed at the top of the operand stack.
func (c *FunctionCompiler) acquireLocation(typ wasm.ValueType) machine.Location {
	return c.acquireLocations([]typedValue{{typ: typ, value: wasmStackValue(len(c.valueStack))}}, false)[0]
}

// isFrameSlot returns true if loc is a slot allocated by acquireLocations.
func (c *FunctionCompiler) isFrameSlot(loc machine.Location) bool {
	return loc.IsMemory() && loc.Reg == c.m.FramePointer()
}

// releaseRegister frees the register of loc, if any.
func (c *FunctionCompiler) releaseRegister(loc machine.Location) {
	if loc.IsRegister() {
		c.usedRegs[loc.Reg] = false
		c.state.RegisterValues[loc.Reg] = undefinedValue
	}
}

// popStackSlots frees the frame slots among locs, the last one first, and returns the number of
// bytes freed. Each freed slot must be the innermost allocated one.
func (c *FunctionCompiler) popStackSlots(locs []machine.Location, updateState bool) (uint32, error) {
	offset := c.stackOffset
	var delta uint32
	for i := len(locs) - 1; i >= 0; i-- {
		loc := locs[i]
		if !c.isFrameSlot(loc) {
			continue
		}
		if loc.Offset >= 0 || uint32(-loc.Offset) != offset {
			return 0, codegenErrorf("releasing stack slot %s out of order, innermost slot is at -%d", loc, offset)
		}
		offset -= 8
		delta += 8
		if updateState {
			if len(c.state.StackValues) == 0 {
				return 0, codegenErrorf("releasing stack slot %s with no stack value", loc)
			}
			c.state.StackValues = c.state.StackValues[:len(c.state.StackValues)-1]
		}
	}
	if updateState {
		c.stackOffset = offset
	}
	return delta, nil
}

// releaseLocations frees the locations, which must be the innermost allocated ones, and drops
// their operand stack shadows.
func (c *FunctionCompiler) releaseLocations(locs []machine.Location) error {
	for i := len(locs) - 1; i >= 0; i-- {
		c.releaseRegister(locs[i])
	}
	delta, err := c.popStackSlots(locs, true)
	if err != nil {
		return err
	}
	if err = c.popWasmStack(len(locs)); err != nil {
		return err
	}
	if delta != 0 {
		c.m.EmitShrinkStack(delta)
	}
	return nil
}

// releaseLocationsOnlyRegs frees the registers among locs. The stack slots stay allocated and
// the shadows stay on the operand stack.
func (c *FunctionCompiler) releaseLocationsOnlyRegs(locs []machine.Location) {
	for i := len(locs) - 1; i >= 0; i-- {
		c.releaseRegister(locs[i])
	}
}

// releaseLocationsOnlyStack frees the stack slots among locs.
func (c *FunctionCompiler) releaseLocationsOnlyStack(locs []machine.Location) error {
	delta, err := c.popStackSlots(locs, true)
	if err != nil {
		return err
	}
	if delta != 0 {
		c.m.EmitShrinkStack(delta)
	}
	return nil
}

// releaseLocationsOnlyOSRState drops the operand stack shadows of n values.
func (c *FunctionCompiler) releaseLocationsOnlyOSRState(n int) error {
	return c.popWasmStack(n)
}

// releaseLocationsKeepState emits the stack adjustment that frees the frame slots among locs
// without changing the bookkeeping. It is used before jumping out of a block whose code after
// the jump continues with the current state.
func (c *FunctionCompiler) releaseLocationsKeepState(locs []machine.Location) error {
	delta, err := c.popStackSlots(locs, false)
	if err != nil {
		return err
	}
	if delta != 0 {
		c.m.EmitShrinkStack(delta)
	}
	return nil
}

func (c *FunctionCompiler) popWasmStack(n int) error {
	if n > len(c.state.WasmStack) {
		return codegenErrorf("dropping %d operand shadows out of %d", n, len(c.state.WasmStack))
	}
	c.state.WasmStack = c.state.WasmStack[:len(c.state.WasmStack)-n]
	return nil
}

// acquireTemp reserves a temporary register.
func (c *FunctionCompiler) acquireTemp() (machine.Register, error) {
	for _, r := range c.m.TempGPRs() {
		if !c.usedTemps[r] {
			c.usedTemps[r] = true
			return r, nil
		}
	}
	return machine.NilRegister, codegenErrorf("out of temporary registers")
}

func (c *FunctionCompiler) releaseTemp(r machine.Register) {
	c.usedTemps[r] = false
}

// usedRegisters returns the reserved registers of the given pool in pool order.
func (c *FunctionCompiler) usedRegisters(pool []machine.Register) []machine.Register {
	var ret []machine.Register
	for _, r := range pool {
		if c.usedRegs[r] {
			ret = append(ret, r)
		}
	}
	return ret
}
