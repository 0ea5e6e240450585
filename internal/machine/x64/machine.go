// Package x64 implements machine.Machine for x86-64 on top of golang-asm.
package x64

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// Machine emits x86-64 instructions. It requires SSE4.1 and POPCNT. The zero value is not
// usable, call NewMachine.
type Machine struct {
	b *goasm.Builder
	// err is the first emission error, reported by Finalize.
	err error

	// labels holds the instruction each bound label designates, nil until bound.
	labels []*obj.Prog
	// unresolved holds the branches emitted before their label was bound.
	unresolved map[machine.Label][]*obj.Prog
	positions  []*obj.Prog
	finalized  bool
}

var _ machine.Machine = (*Machine)(nil)

// NewMachine returns an empty Machine.
func NewMachine() (*Machine, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new assembly builder: %w", err)
	}
	return &Machine{b: b, unresolved: map[machine.Label][]*obj.Prog{}}, nil
}

func (m *Machine) fail(format string, args ...interface{}) {
	if m.err == nil {
		m.err = fmt.Errorf(format, args...)
	}
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
	if cc == machine.CallingConventionWindowsFastcall {
		return fastcallParams
	}
	return systemVParams
}

// ParamLocation implements machine.Machine.
func (m *Machine) ParamLocation(i int, cc machine.CallingConvention) machine.Location {
	regs := m.ParamRegisters(cc)
	if i < len(regs) {
		return machine.GPR(regs[i])
	}
	// Above the saved frame pointer and the return address.
	return machine.Memory(RBP, int32(16+m.ShadowSpace(cc))+int32(8*(i-len(regs))))
}

// ShadowSpace implements machine.Machine.
func (m *Machine) ShadowSpace(cc machine.CallingConvention) uint32 {
	if cc == machine.CallingConventionWindowsFastcall {
		return 32
	}
	return 0
}

// SupportsCanonicalizeNaN implements machine.Machine.
func (m *Machine) SupportsCanonicalizeNaN() bool { return true }

func (m *Machine) addInstruction(p *obj.Prog) {
	m.b.AddInstruction(p)
}

func (m *Machine) emit(as obj.As, from, to obj.Addr) *obj.Prog {
	p := m.b.NewProg()
	p.As = as
	p.From = from
	p.To = to
	m.addInstruction(p)
	return p
}

func (m *Machine) emitStandalone(as obj.As) *obj.Prog {
	return m.emit(as, obj.Addr{}, obj.Addr{})
}

// emitNop adds a zero length instruction whose offset is the one of the next instruction.
func (m *Machine) emitNop() *obj.Prog {
	return m.emitStandalone(obj.ANOP)
}

func regAddr(r int16) obj.Addr { return obj.Addr{Type: obj.TYPE_REG, Reg: r} }

func constAddr(c int64) obj.Addr { return obj.Addr{Type: obj.TYPE_CONST, Offset: c} }

func memAddr(l machine.Location) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: asmRegister(l.Reg), Offset: int64(l.Offset)}
}

// NewLabel implements machine.Machine.
func (m *Machine) NewLabel() machine.Label {
	m.labels = append(m.labels, nil)
	return machine.Label(len(m.labels) - 1)
}

// BindLabel implements machine.Machine.
func (m *Machine) BindLabel(l machine.Label) {
	if m.labels[l] != nil {
		m.fail("label %d is bound twice", l)
		return
	}
	target := m.emitNop()
	m.labels[l] = target
	for _, jmp := range m.unresolved[l] {
		jmp.To.SetTarget(target)
	}
	delete(m.unresolved, l)
}

// Position implements machine.Machine.
func (m *Machine) Position() machine.Position {
	m.positions = append(m.positions, m.emitNop())
	return machine.Position(len(m.positions) - 1)
}

// AlignLoopHeader implements machine.Machine. golang-asm only honors alignment directives on
// arm64, so loop heads are left unaligned.
func (m *Machine) AlignLoopHeader() {}

func (m *Machine) emitBranch(as obj.As, l machine.Label) *obj.Prog {
	p := m.b.NewProg()
	p.As = as
	p.To.Type = obj.TYPE_BRANCH
	if target := m.labels[l]; target != nil {
		p.To.SetTarget(target)
	} else {
		m.unresolved[l] = append(m.unresolved[l], p)
	}
	m.addInstruction(p)
	return p
}

// EmitFunctionPrologue implements machine.Machine.
func (m *Machine) EmitFunctionPrologue() {
	m.emit(x86.APUSHQ, regAddr(x86.REG_BP), obj.Addr{})
	m.emit(x86.AMOVQ, regAddr(x86.REG_SP), regAddr(x86.REG_BP))
}

// EmitFunctionEpilogue implements machine.Machine.
func (m *Machine) EmitFunctionEpilogue() {
	m.emit(x86.AMOVQ, regAddr(x86.REG_BP), regAddr(x86.REG_SP))
	m.emit(x86.APOPQ, obj.Addr{}, regAddr(x86.REG_BP))
}

// EmitReturn implements machine.Machine.
func (m *Machine) EmitReturn() { m.emitStandalone(obj.ARET) }

// EmitLoadAddress implements machine.Machine.
func (m *Machine) EmitLoadAddress(src machine.Location, dst machine.Register) {
	if src.Kind != machine.LocationMemory {
		m.fail("lea of %s", src)
		return
	}
	m.emit(x86.ALEAQ, memAddr(src), regAddr(asmRegister(dst)))
}

// EmitPush implements machine.Machine.
func (m *Machine) EmitPush(sz machine.Size, src machine.Location) {
	switch src.Kind {
	case machine.LocationGPR:
		m.emit(x86.APUSHQ, regAddr(asmRegister(src.Reg)), obj.Addr{})
	case machine.LocationFPR:
		m.EmitGrowStack(8)
		m.emit(x86.AMOVSD, regAddr(asmRegister(src.Reg)), obj.Addr{Type: obj.TYPE_MEM, Reg: x86.REG_SP})
	default:
		m.moveToGPR(sz, src, scratchGPR)
		m.emit(x86.APUSHQ, regAddr(scratchGPR), obj.Addr{})
	}
}

// EmitPop implements machine.Machine.
func (m *Machine) EmitPop(sz machine.Size, dst machine.Location) {
	switch dst.Kind {
	case machine.LocationGPR:
		m.emit(x86.APOPQ, obj.Addr{}, regAddr(asmRegister(dst.Reg)))
	case machine.LocationFPR:
		m.emit(x86.AMOVSD, obj.Addr{Type: obj.TYPE_MEM, Reg: x86.REG_SP}, regAddr(asmRegister(dst.Reg)))
		m.EmitShrinkStack(8)
	case machine.LocationMemory:
		m.emit(x86.APOPQ, obj.Addr{}, regAddr(scratchGPR))
		m.emit(x86.AMOVQ, regAddr(scratchGPR), memAddr(dst))
	default:
		m.fail("pop to %s", dst)
	}
}

// EmitGrowStack implements machine.Machine.
func (m *Machine) EmitGrowStack(n uint32) {
	m.emit(x86.ASUBQ, constAddr(int64(n)), regAddr(x86.REG_SP))
}

// EmitShrinkStack implements machine.Machine.
func (m *Machine) EmitShrinkStack(n uint32) {
	m.emit(x86.AADDQ, constAddr(int64(n)), regAddr(x86.REG_SP))
}

// EmitJump implements machine.Machine.
func (m *Machine) EmitJump(l machine.Label) { m.emitBranch(obj.AJMP, l) }

var jumpInstructions = [...]obj.As{
	machine.CondEqual:                x86.AJEQ,
	machine.CondNotEqual:             x86.AJNE,
	machine.CondSignedLess:           x86.AJLT,
	machine.CondSignedLessEqual:      x86.AJLE,
	machine.CondSignedGreater:        x86.AJGT,
	machine.CondSignedGreaterEqual:   x86.AJGE,
	machine.CondUnsignedLess:         x86.AJCS,
	machine.CondUnsignedLessEqual:    x86.AJLS,
	machine.CondUnsignedGreater:      x86.AJHI,
	machine.CondUnsignedGreaterEqual: x86.AJCC,
}

// EmitJumpIf implements machine.Machine.
func (m *Machine) EmitJumpIf(cond machine.Condition, sz machine.Size, a, b machine.Location, l machine.Label) machine.Position {
	m.compare(sz, a, b)
	pos := m.Position()
	m.emitBranch(jumpInstructions[cond], l)
	return pos
}

// EmitJumpTable implements machine.Machine. The table is a chain of comparisons, the last
// target being taken without one since the index is known to be in range.
func (m *Machine) EmitJumpTable(index machine.Location, targets []machine.Label) {
	if len(targets) == 0 {
		return
	}
	m.moveToGPR(machine.S32, index, scratchGPR)
	last := len(targets) - 1
	for i, l := range targets[:last] {
		m.emit(x86.ACMPL, regAddr(scratchGPR), constAddr(int64(i)))
		m.emitBranch(x86.AJEQ, l)
	}
	m.emitBranch(obj.AJMP, targets[last])
}

// EmitTrap implements machine.Machine.
func (m *Machine) EmitTrap(machine.TrapCode) machine.Position {
	pos := m.Position()
	m.emitStandalone(x86.AUD2)
	return pos
}

// EmitCallRegister implements machine.Machine.
func (m *Machine) EmitCallRegister(r machine.Register) {
	m.emit(obj.ACALL, obj.Addr{}, regAddr(asmRegister(r)))
}

// relocationPlaceholder does not fit in 32 bits, which forces the 10 byte form of MOVQ.
const relocationPlaceholder = 0x0102030405060708

// EmitCallRelocatable implements machine.Machine. The address is the immediate of a MOVQ to
// the scratch register, two bytes after the REX prefix and the opcode.
func (m *Machine) EmitCallRelocatable() machine.RelocationSite {
	pos := m.Position()
	m.emit(x86.AMOVQ, constAddr(relocationPlaceholder), regAddr(scratchGPR))
	m.emit(obj.ACALL, obj.Addr{}, regAddr(scratchGPR))
	return machine.RelocationSite{Position: pos, Delta: 2, Kind: machine.RelocationAbs8}
}

// EmitJumpRegister implements machine.Machine.
func (m *Machine) EmitJumpRegister(r machine.Register) {
	m.emit(obj.AJMP, obj.Addr{}, regAddr(asmRegister(r)))
}

// Finalize implements machine.Machine.
func (m *Machine) Finalize() ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.finalized {
		return nil, fmt.Errorf("machine already finalized")
	}
	for l, jumps := range m.unresolved {
		if len(jumps) > 0 {
			return nil, fmt.Errorf("label %d is never bound", l)
		}
	}
	m.finalized = true
	return m.b.Assemble(), nil
}

// OffsetOf implements machine.Machine.
func (m *Machine) OffsetOf(p machine.Position) uint32 {
	return uint32(m.positions[p].Pc)
}

// LabelOffset implements machine.Machine.
func (m *Machine) LabelOffset(l machine.Label) (uint32, bool) {
	if int(l) >= len(m.labels) || m.labels[l] == nil {
		return 0, false
	}
	return uint32(m.labels[l].Pc), true
}
