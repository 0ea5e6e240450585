package x64

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// intInstruction picks the 32 or 64-bit form of an integer instruction.
func intInstruction(sz machine.Size, as32, as64 obj.As) obj.As {
	if sz == machine.S64 {
		return as64
	}
	return as32
}

var simpleIntBinary = map[machine.IntBinaryOp][2]obj.As{
	machine.IntAdd: {x86.AADDL, x86.AADDQ},
	machine.IntSub: {x86.ASUBL, x86.ASUBQ},
	machine.IntMul: {x86.AIMULL, x86.AIMULQ},
	machine.IntAnd: {x86.AANDL, x86.AANDQ},
	machine.IntOr:  {x86.AORL, x86.AORQ},
	machine.IntXor: {x86.AXORL, x86.AXORQ},
}

var shifts = map[machine.IntBinaryOp][2]obj.As{
	machine.IntShl:  {x86.ASHLL, x86.ASHLQ},
	machine.IntShrS: {x86.ASARL, x86.ASARQ},
	machine.IntShrU: {x86.ASHRL, x86.ASHRQ},
	machine.IntRotl: {x86.AROLL, x86.AROLQ},
	machine.IntRotr: {x86.ARORL, x86.ARORQ},
}

// compare sets the flags from a compared to b, in this order.
func (m *Machine) compare(sz machine.Size, a, b machine.Location) {
	cmp := intInstruction(sz, x86.ACMPL, x86.ACMPQ)
	var left obj.Addr
	switch {
	case a.Kind == machine.LocationGPR:
		left = regAddr(asmRegister(a.Reg))
	case a.Kind == machine.LocationMemory && b.Kind != machine.LocationMemory:
		left = memAddr(a)
	default:
		m.moveToGPR(sz, a, scratchGPR)
		left = regAddr(scratchGPR)
	}
	right := m.intOperand(sz, b, scratchGPR2)
	m.emit(cmp, left, right)
}

// EmitIntBinary implements machine.Machine.
func (m *Machine) EmitIntBinary(op machine.IntBinaryOp, sz machine.Size, a, b, ret machine.Location) {
	if as, ok := simpleIntBinary[op]; ok {
		// The immediate form of IMUL takes three operands.
		if op == machine.IntMul && b.IsImm() {
			m.moveToGPR(sz, b, scratchGPR2)
			b = machine.GPR(R10)
		}
		right := m.intOperand(sz, b, scratchGPR2)
		m.moveToGPR(sz, a, scratchGPR)
		m.emit(intInstruction(sz, as[0], as[1]), right, regAddr(scratchGPR))
		m.EmitMove(sz, machine.GPR(R11), ret)
		return
	}
	if as, ok := shifts[op]; ok {
		m.emitShift(intInstruction(sz, as[0], as[1]), sz, a, b, ret)
		return
	}
	m.emitDivision(op, sz, a, b, ret)
}

func (m *Machine) emitShift(as obj.As, sz machine.Size, a, b, ret machine.Location) {
	if b.IsImm() {
		m.moveToGPR(sz, a, scratchGPR)
		m.emit(as, constAddr(int64(b.Value&uint64(sz.Bits()-1))), regAddr(scratchGPR))
	} else {
		m.moveToGPR(machine.S32, b, x86.REG_CX)
		m.moveToGPR(sz, a, scratchGPR)
		m.emit(as, regAddr(x86.REG_CX), regAddr(scratchGPR))
	}
	m.EmitMove(sz, machine.GPR(R11), ret)
}

// emitDivision divides RDX:RAX by the scratch register. RAX is preserved in R10 unless it
// receives the result.
func (m *Machine) emitDivision(op machine.IntBinaryOp, sz machine.Size, a, b, ret machine.Location) {
	signed := op == machine.IntDivS || op == machine.IntRemS
	m.moveToGPR(sz, b, scratchGPR)
	m.emit(x86.AMOVQ, regAddr(x86.REG_AX), regAddr(scratchGPR2))
	m.moveToGPR(sz, a, x86.REG_AX)

	var done *obj.Prog
	if op == machine.IntRemS {
		// The remainder of MIN by -1 is 0, while IDIV faults.
		m.emit(intInstruction(sz, x86.ACMPL, x86.ACMPQ), regAddr(scratchGPR), constAddr(-1))
		notMinusOne := m.emit(x86.AJNE, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
		m.emit(x86.AXORL, regAddr(x86.REG_DX), regAddr(x86.REG_DX))
		done = m.emit(obj.AJMP, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
		notMinusOne.To.SetTarget(m.emitNop())
	}
	switch {
	case signed:
		m.emitStandalone(intInstruction(sz, x86.ACDQ, x86.ACQO))
		m.emit(intInstruction(sz, x86.AIDIVL, x86.AIDIVQ), regAddr(scratchGPR), obj.Addr{})
	default:
		m.emit(x86.AXORL, regAddr(x86.REG_DX), regAddr(x86.REG_DX))
		m.emit(intInstruction(sz, x86.ADIVL, x86.ADIVQ), regAddr(scratchGPR), obj.Addr{})
	}
	if done != nil {
		done.To.SetTarget(m.emitNop())
	}

	result := int16(x86.REG_AX)
	if op == machine.IntRemS || op == machine.IntRemU {
		result = x86.REG_DX
	}
	m.emit(x86.AMOVQ, regAddr(result), regAddr(scratchGPR))
	if !(ret.Kind == machine.LocationGPR && ret.Reg == RAX) {
		m.emit(x86.AMOVQ, regAddr(scratchGPR2), regAddr(x86.REG_AX))
	}
	m.EmitMove(sz, machine.GPR(R11), ret)
}

// EmitIntUnary implements machine.Machine.
func (m *Machine) EmitIntUnary(op machine.IntUnaryOp, sz machine.Size, src, ret machine.Location) {
	m.moveToGPR(sz, src, scratchGPR)
	bits := int64(sz.Bits())
	switch op {
	case machine.IntClz:
		// BSR leaves the flags with ZF set on zero, then the index of the top bit is -1.
		m.emit(intInstruction(sz, x86.ABSRL, x86.ABSRQ), regAddr(scratchGPR), regAddr(scratchGPR2))
		nonZero := m.emit(x86.AJNE, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
		m.emit(x86.AMOVQ, constAddr(-1), regAddr(scratchGPR2))
		nonZero.To.SetTarget(m.emit(x86.AMOVQ, constAddr(bits-1), regAddr(scratchGPR)))
		m.emit(x86.ASUBQ, regAddr(scratchGPR2), regAddr(scratchGPR))
	case machine.IntCtz:
		m.emit(intInstruction(sz, x86.ABSFL, x86.ABSFQ), regAddr(scratchGPR), regAddr(scratchGPR2))
		nonZero := m.emit(x86.AJNE, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
		m.emit(x86.AMOVQ, constAddr(bits), regAddr(scratchGPR2))
		nonZero.To.SetTarget(m.emit(x86.AMOVQ, regAddr(scratchGPR2), regAddr(scratchGPR)))
	case machine.IntPopcnt:
		m.emit(intInstruction(sz, x86.APOPCNTL, x86.APOPCNTQ), regAddr(scratchGPR), regAddr(scratchGPR))
	case machine.IntExtend8S:
		m.emit(intInstruction(sz, x86.AMOVBLSX, x86.AMOVBQSX), regAddr(scratchGPR), regAddr(scratchGPR))
	case machine.IntExtend16S:
		m.emit(intInstruction(sz, x86.AMOVWLSX, x86.AMOVWQSX), regAddr(scratchGPR), regAddr(scratchGPR))
	case machine.IntExtend32S:
		m.emit(x86.AMOVLQSX, regAddr(scratchGPR), regAddr(scratchGPR))
	default:
		m.fail("unsupported integer operation %d", op)
		return
	}
	m.EmitMove(sz, machine.GPR(R11), ret)
}

var setInstructions = [...]obj.As{
	machine.CondEqual:                x86.ASETEQ,
	machine.CondNotEqual:             x86.ASETNE,
	machine.CondSignedLess:           x86.ASETLT,
	machine.CondSignedLessEqual:      x86.ASETLE,
	machine.CondSignedGreater:        x86.ASETGT,
	machine.CondSignedGreaterEqual:   x86.ASETGE,
	machine.CondUnsignedLess:         x86.ASETCS,
	machine.CondUnsignedLessEqual:    x86.ASETLS,
	machine.CondUnsignedGreater:      x86.ASETHI,
	machine.CondUnsignedGreaterEqual: x86.ASETCC,
}

// emitFlagToScratch moves a flag set by the previous instruction into the scratch register as 0 or 1.
func (m *Machine) emitFlagToScratch(set obj.As) {
	m.emit(set, obj.Addr{}, regAddr(scratchGPR))
	m.emit(x86.AMOVBLZX, regAddr(scratchGPR), regAddr(scratchGPR))
}

// EmitIntCompare implements machine.Machine.
func (m *Machine) EmitIntCompare(cond machine.Condition, sz machine.Size, a, b, ret machine.Location) {
	m.compare(sz, a, b)
	m.emitFlagToScratch(setInstructions[cond])
	m.EmitMove(machine.S32, machine.GPR(R11), ret)
}
