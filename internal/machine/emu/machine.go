// Package emu implements machine.Machine for a portable register machine, together with
// the loader and interpreter that execute its code. It runs generated code on any host,
// which is how the code generator is exercised end to end in tests.
package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// loopAlignment is the instruction count loop heads are aligned to.
const loopAlignment = 4

const unboundLabel = -1

type labelUse struct {
	// index of the instruction whose operand refers to the label.
	index int
	// operand is the byte offset of that operand in the record.
	operand int
	label   machine.Label
}

// Machine records emulated instructions. The zero value is not usable, call NewMachine.
type Machine struct {
	insts  []instruction
	labels []int
	uses   []labelUse
	code   []byte
}

var _ machine.Machine = (*Machine)(nil)

// NewMachine returns an empty Machine.
func NewMachine() *Machine {
	return &Machine{}
}

// GPRs implements machine.Machine.
func (m *Machine) GPRs() []machine.Register { return valueGPRs }

// FPRs implements machine.Machine.
func (m *Machine) FPRs() []machine.Register { return valueFPRs }

// TempGPRs implements machine.Machine.
func (m *Machine) TempGPRs() []machine.Register { return tempGPRs }

// LocalGPRs implements machine.Machine.
func (m *Machine) LocalGPRs() []machine.Register { return localGPRs }

// VMContextRegister implements machine.Machine.
func (m *Machine) VMContextRegister() machine.Register { return R15 }

// FramePointer implements machine.Machine.
func (m *Machine) FramePointer() machine.Register { return RBP }

// StackPointer implements machine.Machine.
func (m *Machine) StackPointer() machine.Register { return RSP }

// ReturnGPR implements machine.Machine.
func (m *Machine) ReturnGPR() machine.Register { return RAX }

// ReturnFPR implements machine.Machine.
func (m *Machine) ReturnFPR() machine.Register { return XMM0 }

// CallTargetRegister implements machine.Machine.
func (m *Machine) CallTargetRegister() machine.Register { return RAX }

// MoveScratchRegister implements machine.Machine.
func (m *Machine) MoveScratchRegister() machine.Register { return R10 }

// ParamRegisters implements machine.Machine.
func (m *Machine) ParamRegisters(cc machine.CallingConvention) []machine.Register {
	return paramRegisters(cc)
}

func paramRegisters(cc machine.CallingConvention) []machine.Register {
	if cc == machine.CallingConventionWindowsFastcall {
		return fastcallParams
	}
	return systemVParams
}

func shadowSpace(cc machine.CallingConvention) uint32 {
	if cc == machine.CallingConventionWindowsFastcall {
		return 32
	}
	return 0
}

// ParamLocation implements machine.Machine.
func (m *Machine) ParamLocation(i int, cc machine.CallingConvention) machine.Location {
	regs := paramRegisters(cc)
	if i < len(regs) {
		return machine.GPR(regs[i])
	}
	// Above the saved frame pointer and the return address.
	return machine.Memory(RBP, int32(16+shadowSpace(cc))+int32(8*(i-len(regs))))
}

// ShadowSpace implements machine.Machine.
func (m *Machine) ShadowSpace(cc machine.CallingConvention) uint32 { return shadowSpace(cc) }

// SupportsCanonicalizeNaN implements machine.Machine.
func (m *Machine) SupportsCanonicalizeNaN() bool { return true }

// NewLabel implements machine.Machine.
func (m *Machine) NewLabel() machine.Label {
	m.labels = append(m.labels, unboundLabel)
	return machine.Label(len(m.labels) - 1)
}

// BindLabel implements machine.Machine.
func (m *Machine) BindLabel(l machine.Label) {
	m.labels[l] = len(m.insts)
}

// Position implements machine.Machine.
func (m *Machine) Position() machine.Position {
	return machine.Position(len(m.insts))
}

// AlignLoopHeader implements machine.Machine.
func (m *Machine) AlignLoopHeader() {
	for len(m.insts)%loopAlignment != 0 {
		m.emit(instruction{op: opNop})
	}
}

func (m *Machine) emit(inst instruction) machine.Position {
	m.insts = append(m.insts, inst)
	return machine.Position(len(m.insts) - 1)
}

func (m *Machine) emitWithLabel(inst instruction, operand int, l machine.Label) machine.Position {
	p := m.emit(inst)
	m.uses = append(m.uses, labelUse{index: int(p), operand: operand, label: l})
	return p
}

// EmitFunctionPrologue implements machine.Machine.
func (m *Machine) EmitFunctionPrologue() {
	m.EmitPush(machine.S64, machine.GPR(RBP))
	m.EmitMove(machine.S64, machine.GPR(RSP), machine.GPR(RBP))
}

// EmitFunctionEpilogue implements machine.Machine.
func (m *Machine) EmitFunctionEpilogue() {
	m.EmitMove(machine.S64, machine.GPR(RBP), machine.GPR(RSP))
	m.EmitPop(machine.S64, machine.GPR(RBP))
}

// EmitReturn implements machine.Machine.
func (m *Machine) EmitReturn() { m.emit(instruction{op: opReturn}) }

// EmitMove implements machine.Machine.
func (m *Machine) EmitMove(sz machine.Size, src, dst machine.Location) {
	m.emit(instruction{op: opMove, size: sz, a: src, c: dst})
}

// EmitLoadAddress implements machine.Machine.
func (m *Machine) EmitLoadAddress(src machine.Location, dst machine.Register) {
	m.emit(instruction{op: opLoadAddress, size: machine.S64, a: src, c: machine.GPR(dst)})
}

// EmitPush implements machine.Machine.
func (m *Machine) EmitPush(sz machine.Size, src machine.Location) {
	m.emit(instruction{op: opPush, size: sz, a: src})
}

// EmitPop implements machine.Machine.
func (m *Machine) EmitPop(sz machine.Size, dst machine.Location) {
	m.emit(instruction{op: opPop, size: sz, c: dst})
}

// EmitGrowStack implements machine.Machine.
func (m *Machine) EmitGrowStack(n uint32) {
	m.EmitIntBinary(machine.IntSub, machine.S64, machine.GPR(RSP), machine.Imm32(n), machine.GPR(RSP))
}

// EmitShrinkStack implements machine.Machine.
func (m *Machine) EmitShrinkStack(n uint32) {
	m.EmitIntBinary(machine.IntAdd, machine.S64, machine.GPR(RSP), machine.Imm32(n), machine.GPR(RSP))
}

// EmitIntBinary implements machine.Machine.
func (m *Machine) EmitIntBinary(op machine.IntBinaryOp, sz machine.Size, a, b, ret machine.Location) {
	m.emit(instruction{op: opIntBinary, sub: byte(op), size: sz, a: a, b: b, c: ret})
}

// EmitIntUnary implements machine.Machine.
func (m *Machine) EmitIntUnary(op machine.IntUnaryOp, sz machine.Size, src, ret machine.Location) {
	m.emit(instruction{op: opIntUnary, sub: byte(op), size: sz, a: src, c: ret})
}

// EmitIntCompare implements machine.Machine.
func (m *Machine) EmitIntCompare(cond machine.Condition, sz machine.Size, a, b, ret machine.Location) {
	m.emit(instruction{op: opIntCompare, sub: byte(cond), size: sz, a: a, b: b, c: ret})
}

// EmitFloatBinary implements machine.Machine.
func (m *Machine) EmitFloatBinary(op machine.FloatBinaryOp, sz machine.Size, a, b, ret machine.Location) {
	m.emit(instruction{op: opFloatBinary, sub: byte(op), size: sz, a: a, b: b, c: ret})
}

// EmitFloatUnary implements machine.Machine.
func (m *Machine) EmitFloatUnary(op machine.FloatUnaryOp, sz machine.Size, src, ret machine.Location) {
	m.emit(instruction{op: opFloatUnary, sub: byte(op), size: sz, a: src, c: ret})
}

// EmitFloatCompare implements machine.Machine.
func (m *Machine) EmitFloatCompare(cond machine.FloatCondition, sz machine.Size, a, b, ret machine.Location) {
	m.emit(instruction{op: opFloatCompare, sub: byte(cond), size: sz, a: a, b: b, c: ret})
}

// EmitConvert implements machine.Machine.
func (m *Machine) EmitConvert(op machine.ConvertOp, src, ret machine.Location) {
	m.emit(instruction{op: opConvert, sub: byte(op), a: src, c: ret})
}

// EmitTruncate implements machine.Machine.
func (m *Machine) EmitTruncate(op machine.TruncOp, src, ret machine.Location, trap machine.Label) machine.Position {
	return m.emitWithLabel(instruction{op: opTruncate, sub: byte(op), a: src, b: machine.Imm64(0), c: ret}, operandB, trap)
}

// EmitCanonicalizeNaN implements machine.Machine.
func (m *Machine) EmitCanonicalizeNaN(sz machine.Size, src, ret machine.Location) {
	m.emit(instruction{op: opCanonicalize, size: sz, a: src, c: ret})
}

// EmitLoad implements machine.Machine.
func (m *Machine) EmitLoad(sz machine.Size, ext machine.Extension, addr, ret machine.Location) machine.Position {
	return m.emit(instruction{op: opLoad, size: sz, ext: ext, a: addr, c: ret})
}

// EmitStore implements machine.Machine.
func (m *Machine) EmitStore(sz machine.Size, value, addr machine.Location) machine.Position {
	return m.emit(instruction{op: opStore, size: sz, a: value, c: addr})
}

// EmitJump implements machine.Machine.
func (m *Machine) EmitJump(l machine.Label) {
	m.emitWithLabel(instruction{op: opJump, a: machine.Imm64(0)}, operandA, l)
}

// EmitJumpIf implements machine.Machine.
func (m *Machine) EmitJumpIf(cond machine.Condition, sz machine.Size, a, b machine.Location, l machine.Label) machine.Position {
	return m.emitWithLabel(instruction{op: opJumpIf, sub: byte(cond), size: sz, a: a, b: b, c: machine.Imm64(0)}, operandC, l)
}

// EmitJumpTable implements machine.Machine.
func (m *Machine) EmitJumpTable(index machine.Location, targets []machine.Label) {
	m.emit(instruction{op: opJumpTable, size: machine.S32, a: index, b: machine.Imm32(uint32(len(targets)))})
	for _, l := range targets {
		m.EmitJump(l)
	}
}

// EmitTrap implements machine.Machine.
func (m *Machine) EmitTrap(code machine.TrapCode) machine.Position {
	return m.emit(instruction{op: opTrap, sub: byte(code)})
}

// EmitCallRegister implements machine.Machine.
func (m *Machine) EmitCallRegister(r machine.Register) {
	m.emit(instruction{op: opCallRegister, a: machine.GPR(r)})
}

// EmitCallRelocatable implements machine.Machine.
func (m *Machine) EmitCallRelocatable() machine.RelocationSite {
	p := m.emit(instruction{op: opCallAbsolute, a: machine.Imm64(0)})
	return machine.RelocationSite{Position: p, Delta: operandA + operandValue, Kind: machine.RelocationAbs8}
}

// EmitJumpRegister implements machine.Machine.
func (m *Machine) EmitJumpRegister(r machine.Register) {
	m.emit(instruction{op: opJumpRegister, a: machine.GPR(r)})
}

// Finalize implements machine.Machine.
func (m *Machine) Finalize() ([]byte, error) {
	code := make([]byte, len(m.insts)*InstructionSize)
	for i := range m.insts {
		encodeInstruction(code[i*InstructionSize:], &m.insts[i])
	}
	for _, use := range m.uses {
		target := m.labels[use.label]
		if target == unboundLabel {
			return nil, fmt.Errorf("label %d is never bound", use.label)
		}
		at := use.index*InstructionSize + use.operand + operandValue
		binary.LittleEndian.PutUint64(code[at:], uint64(target*InstructionSize))
	}
	m.code = code
	return code, nil
}

// OffsetOf implements machine.Machine.
func (m *Machine) OffsetOf(p machine.Position) uint32 {
	return uint32(p) * InstructionSize
}

// LabelOffset implements machine.Machine.
func (m *Machine) LabelOffset(l machine.Label) (uint32, bool) {
	if int(l) >= len(m.labels) || m.labels[l] == unboundLabel {
		return 0, false
	}
	return uint32(m.labels[l]) * InstructionSize, true
}
