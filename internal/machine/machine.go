package machine

// Machine emits the instructions of one function for a target architecture. The code generator owns
// one Machine per function and never shares it.
//
// Unless noted otherwise, primitives accept any Location for their inputs and any non-immediate
// Location for their result, and the result may alias any input. A primitive may clobber only the
// registers the implementation reserves for itself, which never appear in the register lists below.
type Machine interface {
	// GPRs returns the general purpose registers available to hold operand values.
	GPRs() []Register
	// FPRs returns the float registers available to hold operand values.
	FPRs() []Register
	// TempGPRs returns registers for short-lived addresses and table values. They are never
	// live across a division, a shift or a call.
	TempGPRs() []Register
	// LocalGPRs returns the callee-saved registers that hold the first locals.
	LocalGPRs() []Register
	// VMContextRegister returns the callee-saved register holding the context pointer.
	VMContextRegister() Register
	// FramePointer returns the register the frame's stack slots are addressed from.
	FramePointer() Register
	// StackPointer returns the native stack pointer.
	StackPointer() Register
	// ReturnGPR returns where integer and reference results are returned and where branches pass
	// integer block results.
	ReturnGPR() Register
	// ReturnFPR returns where float results are returned and where branches pass float block results.
	ReturnFPR() Register
	// CallTargetRegister returns the register holding the address of an indirect call. It is not a
	// parameter register and survives the argument moves of a call sequence.
	CallTargetRegister() Register
	// MoveScratchRegister returns a register that register to register moves never touch.
	MoveScratchRegister() Register
	// ParamRegisters returns the registers of the leading parameters, the first being the context pointer.
	ParamRegisters(cc CallingConvention) []Register
	// ParamLocation returns where the callee finds parameter i after its prologue.
	ParamLocation(i int, cc CallingConvention) Location
	// ShadowSpace returns the bytes the caller reserves below the stack arguments.
	ShadowSpace(cc CallingConvention) uint32
	// SupportsCanonicalizeNaN reports whether EmitCanonicalizeNaN is available.
	SupportsCanonicalizeNaN() bool

	NewLabel() Label
	// BindLabel makes the label designate the next emitted instruction.
	BindLabel(l Label)
	// Position returns a handle to the next emitted instruction.
	Position() Position
	// AlignLoopHeader pads the code so that the next instruction is suitably aligned for a loop head.
	AlignLoopHeader()

	EmitFunctionPrologue()
	EmitFunctionEpilogue()
	EmitReturn()

	EmitMove(sz Size, src, dst Location)
	// EmitLoadAddress computes the address of a memory location.
	EmitLoadAddress(src Location, dst Register)
	EmitPush(sz Size, src Location)
	EmitPop(sz Size, dst Location)
	// EmitGrowStack moves the stack pointer down by n bytes.
	EmitGrowStack(n uint32)
	// EmitShrinkStack moves the stack pointer up by n bytes.
	EmitShrinkStack(n uint32)

	EmitIntBinary(op IntBinaryOp, sz Size, a, b, ret Location)
	EmitIntUnary(op IntUnaryOp, sz Size, src, ret Location)
	// EmitIntCompare sets ret to 1 if the condition holds, 0 otherwise.
	EmitIntCompare(cond Condition, sz Size, a, b, ret Location)
	EmitFloatBinary(op FloatBinaryOp, sz Size, a, b, ret Location)
	EmitFloatUnary(op FloatUnaryOp, sz Size, src, ret Location)
	// EmitFloatCompare sets ret to 1 if the condition holds, 0 otherwise.
	EmitFloatCompare(cond FloatCondition, sz Size, a, b, ret Location)
	EmitConvert(op ConvertOp, src, ret Location)
	// EmitTruncate converts a float to an integer, jumping to trap if the source is NaN or the
	// result is not representable. It returns the position of the first check.
	EmitTruncate(op TruncOp, src, ret Location, trap Label) Position
	// EmitCanonicalizeNaN copies src to ret, replacing any NaN by the canonical NaN.
	EmitCanonicalizeNaN(sz Size, src, ret Location)

	// EmitLoad reads sz bytes at the memory location addr. It returns the position of the
	// instruction accessing memory.
	EmitLoad(sz Size, ext Extension, addr, ret Location) Position
	// EmitStore writes the low sz bytes of value at the memory location addr. It returns the
	// position of the instruction accessing memory.
	EmitStore(sz Size, value, addr Location) Position

	EmitJump(l Label)
	// EmitJumpIf jumps to l when the condition holds for a and b. It returns the position of the
	// branch instruction.
	EmitJumpIf(cond Condition, sz Size, a, b Location, l Label) Position
	// EmitJumpTable jumps to targets[index]. index is a 32-bit value known to be in range.
	EmitJumpTable(index Location, targets []Label)
	// EmitTrap emits an instruction that always traps and returns its position.
	EmitTrap(code TrapCode) Position

	EmitCallRegister(r Register)
	// EmitCallRelocatable emits a call to an address patched at link time.
	EmitCallRelocatable() RelocationSite
	EmitJumpRegister(r Register)

	// Finalize resolves labels and returns the code.
	Finalize() ([]byte, error)
	// OffsetOf returns the code offset of a position. Only valid after Finalize.
	OffsetOf(p Position) uint32
	// LabelOffset returns the code offset of a bound label. Only valid after Finalize.
	LabelOffset(l Label) (uint32, bool)
}
