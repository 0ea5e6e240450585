package x64

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// immediate returns the constant of an immediate location as an operand of size sz. 32-bit
// immediates are sign extended to 64 bits.
func immediate(l machine.Location, sz machine.Size) uint64 {
	v := l.Value
	if l.Kind == machine.LocationImm32 && sz == machine.S64 {
		v = uint64(int64(int32(v)))
	}
	return v
}

// signedImmediate returns the constant truncated to sz and sign extended, as golang-asm expects
// for sized instructions.
func signedImmediate(l machine.Location, sz machine.Size) int64 {
	v := immediate(l, sz)
	switch sz {
	case machine.S8:
		return int64(int8(v))
	case machine.S16:
		return int64(int16(v))
	case machine.S32:
		return int64(int32(v))
	}
	return int64(v)
}

func fitsInt32(l machine.Location, sz machine.Size) bool {
	v := signedImmediate(l, sz)
	return v == int64(int32(v))
}

var (
	zeroExtendLoads = map[machine.Size]obj.As{
		machine.S8: x86.AMOVBQZX, machine.S16: x86.AMOVWQZX, machine.S32: x86.AMOVL, machine.S64: x86.AMOVQ,
	}
	signExtend32Loads = map[machine.Size]obj.As{
		machine.S8: x86.AMOVBLSX, machine.S16: x86.AMOVWLSX, machine.S32: x86.AMOVL, machine.S64: x86.AMOVQ,
	}
	signExtend64Loads = map[machine.Size]obj.As{
		machine.S8: x86.AMOVBQSX, machine.S16: x86.AMOVWQSX, machine.S32: x86.AMOVLQSX, machine.S64: x86.AMOVQ,
	}
	stores = map[machine.Size]obj.As{
		machine.S8: x86.AMOVB, machine.S16: x86.AMOVW, machine.S32: x86.AMOVL, machine.S64: x86.AMOVQ,
	}
)

func loadInstruction(sz machine.Size, ext machine.Extension) obj.As {
	switch ext {
	case machine.SignExtend32:
		return signExtend32Loads[sz]
	case machine.SignExtend64:
		return signExtend64Loads[sz]
	}
	return zeroExtendLoads[sz]
}

func floatMove(sz machine.Size) obj.As {
	if sz == machine.S64 {
		return x86.AMOVSD
	}
	return x86.AMOVSS
}

// moveConst materializes a constant. Note that golang-asm turns a zero into XOR, which clobbers
// the flags.
func (m *Machine) moveConst(sz machine.Size, v uint64, r int16) {
	if sz == machine.S64 {
		m.emit(x86.AMOVQ, constAddr(int64(v)), regAddr(r))
		return
	}
	m.emit(x86.AMOVL, constAddr(int64(int32(uint32(v)))), regAddr(r))
}

// EmitMove implements machine.Machine.
func (m *Machine) EmitMove(sz machine.Size, src, dst machine.Location) {
	switch dst.Kind {
	case machine.LocationGPR:
		m.moveToGPR(sz, src, asmRegister(dst.Reg))
	case machine.LocationFPR:
		m.moveToFPR(sz, src, asmRegister(dst.Reg))
	case machine.LocationMemory:
		m.moveToMemory(sz, src, memAddr(dst))
	default:
		m.fail("move to %s", dst)
	}
}

// moveToGPR zero extends values narrower than 64 bits.
func (m *Machine) moveToGPR(sz machine.Size, src machine.Location, r int16) {
	switch src.Kind {
	case machine.LocationGPR:
		from := asmRegister(src.Reg)
		if from == r && sz == machine.S64 {
			return
		}
		m.emit(zeroExtendLoads[sz], regAddr(from), regAddr(r))
	case machine.LocationFPR:
		m.emit(x86.AMOVQ, regAddr(asmRegister(src.Reg)), regAddr(r))
		if sz != machine.S64 {
			m.emit(zeroExtendLoads[sz], regAddr(r), regAddr(r))
		}
	case machine.LocationMemory:
		m.emit(zeroExtendLoads[sz], memAddr(src), regAddr(r))
	case machine.LocationImm32, machine.LocationImm64:
		m.moveConst(sz, immediate(src, sz), r)
	default:
		m.fail("move from %s", src)
	}
}

func (m *Machine) moveToFPR(sz machine.Size, src machine.Location, r int16) {
	switch src.Kind {
	case machine.LocationFPR:
		if from := asmRegister(src.Reg); from != r {
			m.emit(floatMove(sz), regAddr(from), regAddr(r))
		}
	case machine.LocationGPR:
		m.emit(x86.AMOVQ, regAddr(asmRegister(src.Reg)), regAddr(r))
	case machine.LocationMemory:
		m.emit(floatMove(sz), memAddr(src), regAddr(r))
	case machine.LocationImm32, machine.LocationImm64:
		m.moveConst(sz, immediate(src, sz), scratchGPR)
		m.emit(x86.AMOVQ, regAddr(scratchGPR), regAddr(r))
	default:
		m.fail("move from %s", src)
	}
}

func (m *Machine) moveToMemory(sz machine.Size, src machine.Location, dst obj.Addr) {
	switch src.Kind {
	case machine.LocationGPR:
		m.emit(stores[sz], regAddr(asmRegister(src.Reg)), dst)
	case machine.LocationFPR:
		m.emit(floatMove(sz), regAddr(asmRegister(src.Reg)), dst)
	case machine.LocationMemory:
		m.moveToGPR(sz, src, scratchGPR)
		m.emit(stores[sz], regAddr(scratchGPR), dst)
	case machine.LocationImm32, machine.LocationImm64:
		if fitsInt32(src, sz) {
			m.emit(stores[sz], constAddr(signedImmediate(src, sz)), dst)
			return
		}
		m.moveConst(sz, immediate(src, sz), scratchGPR)
		m.emit(stores[sz], regAddr(scratchGPR), dst)
	default:
		m.fail("move from %s", src)
	}
}

// intOperand returns src as the second operand of an integer instruction of size sz, which
// accepts registers, memory and 32-bit immediates. Wider immediates go through tmp.
func (m *Machine) intOperand(sz machine.Size, src machine.Location, tmp int16) obj.Addr {
	switch {
	case src.Kind == machine.LocationGPR:
		return regAddr(asmRegister(src.Reg))
	case src.Kind == machine.LocationMemory:
		return memAddr(src)
	case src.IsImm() && fitsInt32(src, sz):
		return constAddr(signedImmediate(src, sz))
	}
	m.moveToGPR(sz, src, tmp)
	return regAddr(tmp)
}

// floatOperand returns src as the second operand of a scalar SSE instruction. Immediates go
// through tmp.
func (m *Machine) floatOperand(sz machine.Size, src machine.Location, tmp int16) obj.Addr {
	switch src.Kind {
	case machine.LocationFPR:
		return regAddr(asmRegister(src.Reg))
	case machine.LocationMemory:
		return memAddr(src)
	}
	m.moveToFPR(sz, src, tmp)
	return regAddr(tmp)
}

// EmitLoad implements machine.Machine.
func (m *Machine) EmitLoad(sz machine.Size, ext machine.Extension, addr, ret machine.Location) machine.Position {
	var pos machine.Position
	switch ret.Kind {
	case machine.LocationGPR:
		pos = m.Position()
		m.emit(loadInstruction(sz, ext), memAddr(addr), regAddr(asmRegister(ret.Reg)))
	case machine.LocationFPR:
		pos = m.Position()
		m.emit(floatMove(sz), memAddr(addr), regAddr(asmRegister(ret.Reg)))
	default:
		pos = m.Position()
		m.emit(loadInstruction(sz, ext), memAddr(addr), regAddr(scratchGPR))
		m.moveToMemory(machine.S64, machine.GPR(R11), memAddr(ret))
	}
	return pos
}

// EmitStore implements machine.Machine.
func (m *Machine) EmitStore(sz machine.Size, value, addr machine.Location) machine.Position {
	dst := memAddr(addr)
	switch value.Kind {
	case machine.LocationGPR:
		pos := m.Position()
		m.emit(stores[sz], regAddr(asmRegister(value.Reg)), dst)
		return pos
	case machine.LocationFPR:
		pos := m.Position()
		m.emit(floatMove(sz), regAddr(asmRegister(value.Reg)), dst)
		return pos
	}
	if value.IsImm() && fitsInt32(value, sz) {
		pos := m.Position()
		m.emit(stores[sz], constAddr(signedImmediate(value, sz)), dst)
		return pos
	}
	m.moveToGPR(sz, value, scratchGPR)
	pos := m.Position()
	m.emit(stores[sz], regAddr(scratchGPR), dst)
	return pos
}
