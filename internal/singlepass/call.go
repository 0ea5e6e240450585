package singlepass

import (
	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// callMove copies a value into a parameter register.
type callMove struct {
	src machine.Location
	dst machine.Register
}

// planCallMoves orders the moves into parameter registers so that no register is overwritten
// before every move reading it ran. Each destination appears at most once. Cycles among
// registers are broken by parking one value in scratch, which no move reads or writes.
func planCallMoves(moves []callMove, scratch machine.Register) []callMove {
	var pending, late []callMove
	for _, mv := range moves {
		switch {
		case mv.src.Kind == machine.LocationGPR && mv.src.Reg == mv.dst:
		case mv.src.Kind == machine.LocationGPR:
			pending = append(pending, mv)
		default:
			// Moves from memory, immediates and float registers read nothing the others write.
			late = append(late, mv)
		}
	}

	ret := make([]callMove, 0, len(moves)+1)
	isRead := func(r machine.Register) bool {
		for _, mv := range pending {
			if mv.src.Kind == machine.LocationGPR && mv.src.Reg == r {
				return true
			}
		}
		return false
	}
	for len(pending) > 0 {
		progress := false
		for i := 0; i < len(pending); i++ {
			mv := pending[i]
			if isRead(mv.dst) {
				continue
			}
			ret = append(ret, mv)
			pending = append(pending[:i], pending[i+1:]...)
			i--
			progress = true
		}
		if progress {
			continue
		}
		// Every remaining move is part of a cycle. Free the destination of the first one.
		blocked := pending[0].dst
		ret = append(ret, callMove{src: machine.GPR(blocked), dst: scratch})
		for i := range pending {
			if pending[i].src.Kind == machine.LocationGPR && pending[i].src.Reg == blocked {
				pending[i].src = machine.GPR(scratch)
			}
		}
	}
	return append(ret, late...)
}

// emitNativeCall emits a call following the configured calling convention around body, which
// emits the call instruction itself. params are the locations of the arguments following the
// context pointer; their registers must be released and their stack slots still allocated.
func (c *FunctionCompiler) emitNativeCall(params []machine.Location, body func() error) error {
	// Values pushed from here on lie above the shadow region of the callee.
	c.state.StackValues = append(c.state.StackValues, explicitShadowMark)

	usedGPRs := c.usedRegisters(c.m.GPRs())
	for _, r := range usedGPRs {
		if c.state.RegisterValues[r] == undefinedValue {
			return codegenErrorf("saving %s with undefined content", r)
		}
		c.m.EmitPush(machine.S64, machine.GPR(r))
		c.state.StackValues = append(c.state.StackValues, c.state.RegisterValues[r])
	}
	usedFPRs := c.usedRegisters(c.m.FPRs())
	for _, r := range usedFPRs {
		if c.state.RegisterValues[r] == undefinedValue {
			return codegenErrorf("saving %s with undefined content", r)
		}
		c.m.EmitPush(machine.S64, machine.FPR(r))
		c.state.StackValues = append(c.state.StackValues, c.state.RegisterValues[r])
	}

	cc := c.cfg.callingConvention
	paramRegs := c.m.ParamRegisters(cc)
	numStackArgs := 0
	if n := len(params) + 1 - len(paramRegs); n > 0 {
		numStackArgs = n
	}

	var padding uint32
	saved := uint32(len(usedGPRs)+len(usedFPRs)) * 8
	if (c.stackOffset+saved+uint32(numStackArgs)*8)%16 != 0 {
		padding = 8
		c.m.EmitGrowStack(padding)
		c.state.StackValues = append(c.state.StackValues, undefinedValue)
	}

	var moves []callMove
	for i := len(params) - 1; i >= 0; i-- {
		loc := params[i]
		if i+1 < len(paramRegs) {
			moves = append(moves, callMove{src: loc, dst: paramRegs[i+1]})
			continue
		}
		switch {
		case loc.IsRegister():
			c.state.StackValues = append(c.state.StackValues, c.state.RegisterValues[loc.Reg])
		case c.isFrameSlot(loc):
			c.state.StackValues = append(c.state.StackValues, copyStackValue(int(loc.Offset)))
		default:
			c.state.StackValues = append(c.state.StackValues, undefinedValue)
		}
		c.m.EmitPush(machine.S64, loc)
	}

	for _, mv := range planCallMoves(moves, c.m.MoveScratchRegister()) {
		c.m.EmitMove(machine.S64, mv.src, machine.GPR(mv.dst))
	}
	c.m.EmitMove(machine.S64, machine.GPR(c.m.VMContextRegister()), machine.GPR(paramRegs[0]))

	shadow := c.m.ShadowSpace(cc)
	if shadow > 0 {
		c.m.EmitGrowStack(shadow)
	}

	if err := body(); err != nil {
		return err
	}

	id := c.getStateDiff()
	c.pending = append(c.pending, pendingOffset{
		kind: SuspendOffsetCall, position: c.m.Position(), diff: id, wasmOffset: c.state.WasmInstOffset,
	})

	if n := shadow + padding + uint32(numStackArgs)*8; n > 0 {
		c.m.EmitShrinkStack(n)
	}
	c.state.StackValues = c.state.StackValues[:len(c.state.StackValues)-numStackArgs]
	if padding != 0 {
		c.state.StackValues = c.state.StackValues[:len(c.state.StackValues)-1]
	}
	for i := len(usedFPRs) - 1; i >= 0; i-- {
		c.m.EmitPop(machine.S64, machine.FPR(usedFPRs[i]))
		c.state.StackValues = c.state.StackValues[:len(c.state.StackValues)-1]
	}
	for i := len(usedGPRs) - 1; i >= 0; i-- {
		c.m.EmitPop(machine.S64, machine.GPR(usedGPRs[i]))
		c.state.StackValues = c.state.StackValues[:len(c.state.StackValues)-1]
	}
	last := c.state.StackValues[len(c.state.StackValues)-1]
	c.state.StackValues = c.state.StackValues[:len(c.state.StackValues)-1]
	if last != explicitShadowMark {
		return codegenErrorf("call sequence left %s above the shadow marker", last)
	}
	return nil
}

// prepareCallArgs pops n arguments, frees their registers and shadows, and canonicalizes the
// floats among them since the callee observes their bits.
func (c *FunctionCompiler) prepareCallArgs(n int) ([]machine.Location, error) {
	params, err := c.drainValues(n)
	if err != nil {
		return nil, err
	}
	c.releaseLocationsOnlyRegs(params)
	for len(c.fpStack) > 0 {
		fp := c.fpStack[len(c.fpStack)-1]
		if fp.depth < len(c.valueStack) {
			break
		}
		if c.canonicalize && fp.pending != canonicalizeNone {
			loc := params[fp.depth-len(c.valueStack)]
			if !loc.IsImm() {
				c.m.EmitCanonicalizeNaN(fp.pending.size(), loc, loc)
			}
		}
		c.fpStack = c.fpStack[:len(c.fpStack)-1]
	}
	if err = c.releaseLocationsOnlyOSRState(n); err != nil {
		return nil, err
	}
	return params, nil
}

// pushCallResult moves the result of a call, if any, onto the operand stack.
func (c *FunctionCompiler) pushCallResult(results []wasm.ValueType) {
	if len(results) == 0 {
		return
	}
	typ := results[0]
	loc := c.acquireLocation(typ)
	c.pushValue(loc)
	if wasm.IsFloat(typ) {
		c.m.EmitMove(machine.S64, machine.FPR(c.m.ReturnFPR()), loc)
		c.pushFloat(canonicalizeNone)
	} else {
		c.m.EmitMove(machine.S64, machine.GPR(c.m.ReturnGPR()), loc)
	}
}

func (c *FunctionCompiler) compileCall(funcIndex wasm.Index) error {
	sig, err := c.module.FunctionType(funcIndex)
	if err != nil {
		return codegenErrorf("call: %v", err)
	}
	if len(sig.Results) > 1 {
		return codegenErrorf("call of function %d returning %d values", funcIndex, len(sig.Results))
	}
	params, err := c.prepareCallArgs(len(sig.Params))
	if err != nil {
		return err
	}

	target := RelocationTarget{Kind: RelocationTargetLocalFunc, Index: funcIndex - c.module.ImportedFunctionCount}
	if c.module.IsImportedFunction(funcIndex) {
		target = RelocationTarget{Kind: RelocationTargetCustomSection, Index: funcIndex}
	}
	if err = c.emitNativeCall(params, func() error {
		site := c.m.EmitCallRelocatable()
		c.relocs = append(c.relocs, pendingRelocation{site: site, target: target})
		return nil
	}); err != nil {
		return err
	}
	if err = c.releaseLocationsOnlyStack(params); err != nil {
		return err
	}
	c.pushCallResult(sig.Results)
	return nil
}

// compileCallIndirect checks the table bounds, the element and the signature before calling the
// function reference found in the table.
func (c *FunctionCompiler) compileCallIndirect(typeIndex, tableIndex wasm.Index) error {
	if int(typeIndex) >= len(c.module.Types) {
		return codegenErrorf("call_indirect: type %d out of range", typeIndex)
	}
	if int(tableIndex) >= len(c.module.Tables) {
		return codegenErrorf("call_indirect: table %d out of range", tableIndex)
	}
	sig := c.module.Types[typeIndex]
	if len(sig.Results) > 1 {
		return codegenErrorf("call_indirect of type %d returning %d values", typeIndex, len(sig.Results))
	}

	index, err := c.popValueReleased()
	if err != nil {
		return err
	}
	params, err := c.prepareCallArgs(len(sig.Params))
	if err != nil {
		return err
	}

	base, err := c.acquireTemp()
	if err != nil {
		return err
	}
	entry, err := c.acquireTemp()
	if err != nil {
		return err
	}
	vmctx := c.m.VMContextRegister()
	if c.module.IsImportedTable(tableIndex) {
		c.m.EmitMove(machine.S64, machine.Memory(vmctx, int32(c.offsets.ImportedTable(tableIndex))), machine.GPR(base))
		c.m.EmitMove(machine.S32, machine.Memory(base, wasm.TableDefinitionLength), machine.GPR(entry))
		c.m.EmitMove(machine.S64, machine.Memory(base, wasm.TableDefinitionBase), machine.GPR(base))
	} else {
		def := int32(c.offsets.LocalTable(tableIndex))
		c.m.EmitMove(machine.S64, machine.Memory(vmctx, def+wasm.TableDefinitionBase), machine.GPR(base))
		c.m.EmitMove(machine.S32, machine.Memory(vmctx, def+wasm.TableDefinitionLength), machine.GPR(entry))
	}

	c.markOffsetTrappable(c.m.EmitJumpIf(machine.CondUnsignedGreaterEqual, machine.S32, index, machine.GPR(entry), c.tableAccessOOB))
	c.m.EmitMove(machine.S32, index, machine.GPR(entry))
	c.m.EmitIntBinary(machine.IntMul, machine.S64, machine.GPR(entry), machine.Imm32(wasm.TableElementSize), machine.GPR(entry))
	c.m.EmitIntBinary(machine.IntAdd, machine.S64, machine.GPR(entry), machine.GPR(base), machine.GPR(entry))
	c.m.EmitMove(machine.S64, machine.Memory(entry, 0), machine.GPR(entry))
	c.markOffsetTrappable(c.m.EmitJumpIf(machine.CondEqual, machine.S64, machine.GPR(entry), machine.Imm32(0), c.indirectCallNull))
	c.markOffsetTrappable(c.m.EmitJumpIf(machine.CondNotEqual, machine.S32,
		machine.Memory(entry, wasm.FuncRefSignatureID), machine.Memory(vmctx, int32(c.offsets.SignatureID(typeIndex))), c.badSignature))

	target := c.m.CallTargetRegister()
	c.m.EmitMove(machine.S64, machine.GPR(entry), machine.GPR(target))
	c.releaseTemp(entry)
	c.releaseTemp(base)

	cc := c.cfg.callingConvention
	if err = c.emitNativeCall(params, func() error {
		c.m.EmitMove(machine.S64, machine.Memory(target, wasm.FuncRefContext), machine.GPR(c.m.ParamRegisters(cc)[0]))
		c.m.EmitMove(machine.S64, machine.Memory(target, wasm.FuncRefFunctionPointer), machine.GPR(target))
		c.m.EmitCallRegister(target)
		return nil
	}); err != nil {
		return err
	}
	if err = c.releaseLocationsOnlyStack(params); err != nil {
		return err
	}
	c.pushCallResult(sig.Results)
	return nil
}

// emitBuiltinCall calls a runtime builtin with the given arguments. The top n values of the
// operand stack are among args and are consumed.
func (c *FunctionCompiler) emitBuiltinCall(b wasm.Builtin, n int, args func(popped []machine.Location) []machine.Location,
	results ...wasm.ValueType) error {
	popped, err := c.drainValues(n)
	if err != nil {
		return err
	}
	c.releaseLocationsOnlyRegs(popped)
	if err = c.releaseLocationsOnlyOSRState(n); err != nil {
		return err
	}
	target := c.m.CallTargetRegister()
	c.m.EmitMove(machine.S64, machine.Memory(c.m.VMContextRegister(), int32(c.offsets.Builtin(b))), machine.GPR(target))
	if err = c.emitNativeCall(args(popped), func() error {
		c.m.EmitCallRegister(target)
		return nil
	}); err != nil {
		return err
	}
	if err = c.releaseLocationsOnlyStack(popped); err != nil {
		return err
	}
	c.pushCallResult(results)
	return nil
}
