package x64

import (
	"math"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/moremath"
)

// floatInstruction picks the single or double precision form of an SSE instruction.
func floatInstruction(sz machine.Size, asSingle, asDouble obj.As) obj.As {
	if sz == machine.S64 {
		return asDouble
	}
	return asSingle
}

var simpleFloatBinary = map[machine.FloatBinaryOp][2]obj.As{
	machine.FloatAdd: {x86.AADDSS, x86.AADDSD},
	machine.FloatSub: {x86.ASUBSS, x86.ASUBSD},
	machine.FloatMul: {x86.AMULSS, x86.AMULSD},
	machine.FloatDiv: {x86.ADIVSS, x86.ADIVSD},
}

// EmitFloatBinary implements machine.Machine.
func (m *Machine) EmitFloatBinary(op machine.FloatBinaryOp, sz machine.Size, a, b, ret machine.Location) {
	switch op {
	case machine.FloatMin, machine.FloatMax:
		m.emitMinOrMax(op == machine.FloatMin, sz, a, b)
	case machine.FloatCopysign:
		m.emitCopysign(sz, a, b, ret)
		return
	default:
		as, ok := simpleFloatBinary[op]
		if !ok {
			m.fail("unsupported float operation %d", op)
			return
		}
		right := m.floatOperand(sz, b, scratchFPR2)
		m.moveToFPR(sz, a, scratchFPR)
		m.emit(floatInstruction(sz, as[0], as[1]), right, regAddr(scratchFPR))
	}
	m.EmitMove(sz, machine.FPR(XMM15), ret)
}

// emitMinOrMax leaves the result in the scratch register. MINSS and MAXSS return the second
// operand when either is NaN and do not order zeros, so both cases are handled first.
func (m *Machine) emitMinOrMax(isMin bool, sz machine.Size, a, b machine.Location) {
	m.moveToFPR(sz, b, scratchFPR2)
	m.moveToFPR(sz, a, scratchFPR)
	m.emit(floatInstruction(sz, x86.AUCOMISS, x86.AUCOMISD), regAddr(scratchFPR2), regAddr(scratchFPR))
	// ZF is only clear when both are numbers and differ.
	differ := m.emit(x86.AJNE, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
	// PF is set when either is NaN.
	nan := m.emit(x86.AJPS, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
	// Equal numbers only differ by the sign of zero: -0 is the min and +0 the max.
	if isMin {
		m.emit(floatInstruction(sz, x86.AORPS, x86.AORPD), regAddr(scratchFPR2), regAddr(scratchFPR))
	} else {
		m.emit(floatInstruction(sz, x86.AANDPS, x86.AANDPD), regAddr(scratchFPR2), regAddr(scratchFPR))
	}
	equalDone := m.emit(obj.AJMP, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
	nan.To.SetTarget(m.emit(floatInstruction(sz, x86.AADDSS, x86.AADDSD), regAddr(scratchFPR2), regAddr(scratchFPR)))
	nanDone := m.emit(obj.AJMP, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
	if isMin {
		differ.To.SetTarget(m.emit(floatInstruction(sz, x86.AMINSS, x86.AMINSD), regAddr(scratchFPR2), regAddr(scratchFPR)))
	} else {
		differ.To.SetTarget(m.emit(floatInstruction(sz, x86.AMAXSS, x86.AMAXSD), regAddr(scratchFPR2), regAddr(scratchFPR)))
	}
	end := m.emitNop()
	equalDone.To.SetTarget(end)
	nanDone.To.SetTarget(end)
}

// emitCopysign works on the bit patterns in the general purpose scratch registers.
func (m *Machine) emitCopysign(sz machine.Size, a, b, ret machine.Location) {
	shl := intInstruction(sz, x86.ASHLL, x86.ASHLQ)
	shr := intInstruction(sz, x86.ASHRL, x86.ASHRQ)
	top := int64(sz.Bits() - 1)
	m.moveToGPR(sz, b, scratchGPR2)
	m.moveToGPR(sz, a, scratchGPR)
	// Clear the sign of a and keep only the sign of b.
	m.emit(shl, constAddr(1), regAddr(scratchGPR))
	m.emit(shr, constAddr(1), regAddr(scratchGPR))
	m.emit(shr, constAddr(top), regAddr(scratchGPR2))
	m.emit(shl, constAddr(top), regAddr(scratchGPR2))
	m.emit(intInstruction(sz, x86.AORL, x86.AORQ), regAddr(scratchGPR2), regAddr(scratchGPR))
	m.EmitMove(sz, machine.GPR(R11), ret)
}

// Rounding modes of ROUNDSS and ROUNDSD.
const (
	roundNearest = 0x0
	roundFloor   = 0x1
	roundCeil    = 0x2
	roundTrunc   = 0x3
)

// EmitFloatUnary implements machine.Machine.
func (m *Machine) EmitFloatUnary(op machine.FloatUnaryOp, sz machine.Size, src, ret machine.Location) {
	switch op {
	case machine.FloatAbs:
		shl := intInstruction(sz, x86.ASHLL, x86.ASHLQ)
		shr := intInstruction(sz, x86.ASHRL, x86.ASHRQ)
		m.moveToGPR(sz, src, scratchGPR)
		m.emit(shl, constAddr(1), regAddr(scratchGPR))
		m.emit(shr, constAddr(1), regAddr(scratchGPR))
		m.EmitMove(sz, machine.GPR(R11), ret)
		return
	case machine.FloatNeg:
		m.moveToGPR(sz, src, scratchGPR)
		m.moveConst(sz, uint64(1)<<(sz.Bits()-1), scratchGPR2)
		m.emit(intInstruction(sz, x86.AXORL, x86.AXORQ), regAddr(scratchGPR2), regAddr(scratchGPR))
		m.EmitMove(sz, machine.GPR(R11), ret)
		return
	}

	m.moveToFPR(sz, src, scratchFPR)
	if op == machine.FloatSqrt {
		m.emit(floatInstruction(sz, x86.ASQRTSS, x86.ASQRTSD), regAddr(scratchFPR), regAddr(scratchFPR))
	} else {
		var mode int64
		switch op {
		case machine.FloatCeil:
			mode = roundCeil
		case machine.FloatFloor:
			mode = roundFloor
		case machine.FloatTrunc:
			mode = roundTrunc
		case machine.FloatNearest:
			mode = roundNearest
		default:
			m.fail("unsupported float operation %d", op)
			return
		}
		round := m.b.NewProg()
		round.As = floatInstruction(sz, x86.AROUNDSS, x86.AROUNDSD)
		round.From = constAddr(mode)
		round.RestArgs = append(round.RestArgs, regAddr(scratchFPR))
		round.To = regAddr(scratchFPR)
		m.addInstruction(round)
	}
	m.EmitMove(sz, machine.FPR(XMM15), ret)
}

// EmitFloatCompare implements machine.Machine. UCOMISS sets CF for less than, ZF for equal and
// all of ZF, PF and CF when unordered, so less than is tested as greater than with the operands
// swapped.
func (m *Machine) EmitFloatCompare(cond machine.FloatCondition, sz machine.Size, a, b, ret machine.Location) {
	ucomis := floatInstruction(sz, x86.AUCOMISS, x86.AUCOMISD)
	if cond == machine.FloatLess || cond == machine.FloatLessEqual {
		a, b = b, a
	}
	right := m.floatOperand(sz, b, scratchFPR2)
	m.moveToFPR(sz, a, scratchFPR)
	m.emit(ucomis, right, regAddr(scratchFPR))
	switch cond {
	case machine.FloatEqual:
		m.emit(x86.ASETEQ, obj.Addr{}, regAddr(scratchGPR))
		m.emit(x86.ASETPC, obj.Addr{}, regAddr(scratchGPR2))
		m.emit(x86.AANDL, regAddr(scratchGPR2), regAddr(scratchGPR))
		m.emit(x86.AMOVBLZX, regAddr(scratchGPR), regAddr(scratchGPR))
	case machine.FloatNotEqual:
		m.emit(x86.ASETNE, obj.Addr{}, regAddr(scratchGPR))
		m.emit(x86.ASETPS, obj.Addr{}, regAddr(scratchGPR2))
		m.emit(x86.AORL, regAddr(scratchGPR2), regAddr(scratchGPR))
		m.emit(x86.AMOVBLZX, regAddr(scratchGPR), regAddr(scratchGPR))
	case machine.FloatGreater, machine.FloatLess:
		m.emitFlagToScratch(x86.ASETHI)
	default:
		m.emitFlagToScratch(x86.ASETCC)
	}
	m.EmitMove(machine.S32, machine.GPR(R11), ret)
}

// EmitConvert implements machine.Machine.
func (m *Machine) EmitConvert(op machine.ConvertOp, src, ret machine.Location) {
	switch op {
	case machine.ConvertI32WrapI64:
		m.moveToGPR(machine.S32, src, scratchGPR)
		m.EmitMove(machine.S32, machine.GPR(R11), ret)
	case machine.ConvertI64ExtendI32S:
		if src.Kind == machine.LocationGPR || src.Kind == machine.LocationMemory {
			from := memAddr(src)
			if src.Kind == machine.LocationGPR {
				from = regAddr(asmRegister(src.Reg))
			}
			m.emit(x86.AMOVLQSX, from, regAddr(scratchGPR))
		} else {
			m.moveConst(machine.S64, uint64(int64(int32(src.Value))), scratchGPR)
		}
		m.EmitMove(machine.S64, machine.GPR(R11), ret)
	case machine.ConvertI64ExtendI32U:
		m.moveToGPR(machine.S32, src, scratchGPR)
		m.EmitMove(machine.S64, machine.GPR(R11), ret)
	case machine.ConvertF32ConvertI32S:
		m.emitIntToFloat(x86.ACVTSL2SS, machine.S32, src, ret, machine.S32)
	case machine.ConvertF64ConvertI32S:
		m.emitIntToFloat(x86.ACVTSL2SD, machine.S32, src, ret, machine.S64)
	// Unsigned 32-bit values are exact as signed 64-bit values.
	case machine.ConvertF32ConvertI32U:
		m.emitIntToFloat(x86.ACVTSQ2SS, machine.S32, src, ret, machine.S32)
	case machine.ConvertF64ConvertI32U:
		m.emitIntToFloat(x86.ACVTSQ2SD, machine.S32, src, ret, machine.S64)
	case machine.ConvertF32ConvertI64S:
		m.emitIntToFloat(x86.ACVTSQ2SS, machine.S64, src, ret, machine.S32)
	case machine.ConvertF64ConvertI64S:
		m.emitIntToFloat(x86.ACVTSQ2SD, machine.S64, src, ret, machine.S64)
	case machine.ConvertF32ConvertI64U:
		m.emitUint64ToFloat(machine.S32, src, ret)
	case machine.ConvertF64ConvertI64U:
		m.emitUint64ToFloat(machine.S64, src, ret)
	case machine.ConvertF32DemoteF64:
		m.moveToFPR(machine.S64, src, scratchFPR)
		m.emit(x86.ACVTSD2SS, regAddr(scratchFPR), regAddr(scratchFPR))
		m.EmitMove(machine.S32, machine.FPR(XMM15), ret)
	case machine.ConvertF64PromoteF32:
		m.moveToFPR(machine.S32, src, scratchFPR)
		m.emit(x86.ACVTSS2SD, regAddr(scratchFPR), regAddr(scratchFPR))
		m.EmitMove(machine.S64, machine.FPR(XMM15), ret)
	default:
		m.fail("unsupported conversion %d", op)
	}
}

func (m *Machine) emitIntToFloat(cvt obj.As, srcSize machine.Size, src, ret machine.Location, retSize machine.Size) {
	m.moveToGPR(srcSize, src, scratchGPR)
	m.emit(cvt, regAddr(scratchGPR), regAddr(scratchFPR))
	m.EmitMove(retSize, machine.FPR(XMM15), ret)
}

// emitUint64ToFloat converts values with the top bit set by halving them, keeping the lowest bit
// for rounding, and doubling the result.
func (m *Machine) emitUint64ToFloat(retSize machine.Size, src, ret machine.Location) {
	cvt := floatInstruction(retSize, x86.ACVTSQ2SS, x86.ACVTSQ2SD)
	m.moveToGPR(machine.S64, src, scratchGPR)
	m.emit(x86.ATESTQ, regAddr(scratchGPR), regAddr(scratchGPR))
	large := m.emit(x86.AJMI, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
	m.emit(cvt, regAddr(scratchGPR), regAddr(scratchFPR))
	done := m.emit(obj.AJMP, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})

	large.To.SetTarget(m.emit(x86.AMOVQ, regAddr(scratchGPR), regAddr(scratchGPR2)))
	m.emit(x86.ASHRQ, constAddr(1), regAddr(scratchGPR2))
	m.emit(x86.AANDQ, constAddr(1), regAddr(scratchGPR))
	m.emit(x86.AORQ, regAddr(scratchGPR), regAddr(scratchGPR2))
	m.emit(cvt, regAddr(scratchGPR2), regAddr(scratchFPR))
	m.emit(floatInstruction(retSize, x86.AADDSS, x86.AADDSD), regAddr(scratchFPR), regAddr(scratchFPR))

	done.To.SetTarget(m.emitNop())
	m.EmitMove(retSize, machine.FPR(XMM15), ret)
}

type truncBounds struct {
	// low is the largest invalid value below the range, or its first value when lowInclusive.
	low          float64
	lowInclusive bool
	// high is the first invalid value above the range.
	high float64
}

func truncationBounds(op machine.TruncOp) truncBounds {
	switch op {
	case machine.TruncI32F32S:
		return truncBounds{low: math.MinInt32, lowInclusive: true, high: -math.MinInt32}
	case machine.TruncI32F64S:
		return truncBounds{low: math.MinInt32 - 1, high: -math.MinInt32}
	case machine.TruncI32F32U, machine.TruncI32F64U:
		return truncBounds{low: -1, high: 1 << 32}
	case machine.TruncI64F32S, machine.TruncI64F64S:
		return truncBounds{low: math.MinInt64, lowInclusive: true, high: -math.MinInt64}
	}
	return truncBounds{low: -1, high: 1 << 64}
}

// floatBits returns the bit pattern of v at the given precision.
func floatBits(sz machine.Size, v float64) uint64 {
	if sz == machine.S64 {
		return math.Float64bits(v)
	}
	return uint64(math.Float32bits(float32(v)))
}

// loadFloatConst sets the second float scratch register to v.
func (m *Machine) loadFloatConst(sz machine.Size, v float64) {
	m.moveConst(machine.S64, floatBits(sz, v), scratchGPR)
	m.emit(x86.AMOVQ, regAddr(scratchGPR), regAddr(scratchFPR2))
}

// EmitTruncate implements machine.Machine.
func (m *Machine) EmitTruncate(op machine.TruncOp, src, ret machine.Location, trap machine.Label) machine.Position {
	srcSize, retSize := op.SourceSize(), op.ResultSize()
	ucomis := floatInstruction(srcSize, x86.AUCOMISS, x86.AUCOMISD)
	bounds := truncationBounds(op)

	m.moveToFPR(srcSize, src, scratchFPR)
	pos := m.Position()
	m.emit(ucomis, regAddr(scratchFPR), regAddr(scratchFPR))
	m.emitBranch(x86.AJPS, trap)

	m.loadFloatConst(srcSize, bounds.low)
	m.emit(ucomis, regAddr(scratchFPR2), regAddr(scratchFPR))
	if bounds.lowInclusive {
		m.emitBranch(x86.AJCS, trap)
	} else {
		m.emitBranch(x86.AJLS, trap)
	}
	m.loadFloatConst(srcSize, bounds.high)
	m.emit(ucomis, regAddr(scratchFPR2), regAddr(scratchFPR))
	m.emitBranch(x86.AJCC, trap)

	cvt32 := floatInstruction(srcSize, x86.ACVTTSS2SL, x86.ACVTTSD2SL)
	cvt64 := floatInstruction(srcSize, x86.ACVTTSS2SQ, x86.ACVTTSD2SQ)
	switch op {
	case machine.TruncI32F32S, machine.TruncI32F64S:
		m.emit(cvt32, regAddr(scratchFPR), regAddr(scratchGPR))
	case machine.TruncI64F32U, machine.TruncI64F64U:
		// Values from 2^63 are converted after subtracting 2^63, then the top bit is set back.
		m.loadFloatConst(srcSize, -math.MinInt64)
		m.emit(ucomis, regAddr(scratchFPR2), regAddr(scratchFPR))
		large := m.emit(x86.AJCC, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
		m.emit(cvt64, regAddr(scratchFPR), regAddr(scratchGPR))
		done := m.emit(obj.AJMP, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
		large.To.SetTarget(m.emit(floatInstruction(srcSize, x86.ASUBSS, x86.ASUBSD), regAddr(scratchFPR2), regAddr(scratchFPR)))
		m.emit(cvt64, regAddr(scratchFPR), regAddr(scratchGPR))
		m.moveConst(machine.S64, 1<<63, scratchGPR2)
		m.emit(x86.AXORQ, regAddr(scratchGPR2), regAddr(scratchGPR))
		done.To.SetTarget(m.emitNop())
	default:
		m.emit(cvt64, regAddr(scratchFPR), regAddr(scratchGPR))
	}
	m.EmitMove(retSize, machine.GPR(R11), ret)
	return pos
}

// EmitCanonicalizeNaN implements machine.Machine.
func (m *Machine) EmitCanonicalizeNaN(sz machine.Size, src, ret machine.Location) {
	canonical := uint64(moremath.F32CanonicalNaNBits)
	if sz == machine.S64 {
		canonical = moremath.F64CanonicalNaNBits
	}
	m.moveToFPR(sz, src, scratchFPR)
	m.emit(floatInstruction(sz, x86.AUCOMISS, x86.AUCOMISD), regAddr(scratchFPR), regAddr(scratchFPR))
	ordered := m.emit(x86.AJPC, obj.Addr{}, obj.Addr{Type: obj.TYPE_BRANCH})
	m.moveConst(machine.S64, canonical, scratchGPR)
	m.emit(x86.AMOVQ, regAddr(scratchGPR), regAddr(scratchFPR))
	ordered.To.SetTarget(m.emitNop())
	m.EmitMove(sz, machine.FPR(XMM15), ret)
}
