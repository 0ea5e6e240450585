package emu

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/moremath"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

var errDivideByZero = errors.New("division instruction reached with a zero divisor")

// run executes from the code pointer entry until the return to exitAddress.
func (in *Instance) run(entry uint64) error {
	unit, pc, ok := in.decodeCodePointer(entry)
	if !ok {
		return fmt.Errorf("invalid entry %#x", entry)
	}
	for {
		if in.steps++; in.steps > in.stepLimit {
			return ErrStepLimit
		}
		u := &in.units[unit]
		if pc < 0 || pc >= len(u.insts) {
			return in.fault(unit, pc, 0, "execution left the code")
		}
		inst := &u.insts[pc]
		next := pc + 1

		switch inst.op {
		case opNop:
		case opMove:
			v, ok := in.read(inst.a, inst.size)
			if !ok || !in.write(inst.c, inst.size, v) {
				return in.fault(unit, pc, in.address(inst.a), "move")
			}
		case opLoadAddress:
			if inst.a.Kind != machine.LocationMemory {
				return in.fault(unit, pc, 0, "lea of a non memory location")
			}
			in.regs[inst.c.Reg] = in.address(inst.a)
		case opPush:
			v, ok := in.read(inst.a, inst.size)
			if !ok || !in.push(v) {
				return in.fault(unit, pc, in.regs[RSP], "push")
			}
		case opPop:
			v, ok := in.pop()
			if !ok || !in.write(inst.c, machine.S64, v) {
				return in.fault(unit, pc, in.regs[RSP], "pop")
			}
		case opIntBinary, opIntCompare, opFloatBinary, opFloatCompare:
			a, okA := in.read(inst.a, inst.size)
			b, okB := in.read(inst.b, inst.size)
			if !okA || !okB {
				return in.fault(unit, pc, 0, "operand")
			}
			var ret uint64
			retSize := inst.size
			switch inst.op {
			case opIntBinary:
				var err error
				if ret, err = intBinary(machine.IntBinaryOp(inst.sub), inst.size, a, b); err != nil {
					return in.faultErr(unit, pc, err)
				}
			case opFloatBinary:
				ret = floatBinary(machine.FloatBinaryOp(inst.sub), inst.size, a, b)
			case opIntCompare:
				ret, retSize = boolValue(machine.Condition(inst.sub).Evaluate(inst.size, a, b)), machine.S32
			case opFloatCompare:
				ret, retSize = boolValue(floatCompare(machine.FloatCondition(inst.sub), inst.size, a, b)), machine.S32
			}
			if !in.write(inst.c, retSize, ret) {
				return in.fault(unit, pc, 0, "result")
			}
		case opIntUnary, opFloatUnary, opCanonicalize:
			v, ok := in.read(inst.a, inst.size)
			if !ok {
				return in.fault(unit, pc, 0, "operand")
			}
			switch inst.op {
			case opIntUnary:
				v = intUnary(machine.IntUnaryOp(inst.sub), inst.size, v)
			case opFloatUnary:
				v = floatUnary(machine.FloatUnaryOp(inst.sub), inst.size, v)
			case opCanonicalize:
				v = canonicalize(inst.size, v)
			}
			if !in.write(inst.c, inst.size, v) {
				return in.fault(unit, pc, 0, "result")
			}
		case opConvert:
			op := machine.ConvertOp(inst.sub)
			srcSize, retSize := convertSizes(op)
			v, ok := in.read(inst.a, srcSize)
			if !ok || !in.write(inst.c, retSize, convert(op, v)) {
				return in.fault(unit, pc, 0, "convert")
			}
		case opTruncate:
			op := machine.TruncOp(inst.sub)
			v, ok := in.read(inst.a, op.SourceSize())
			if !ok {
				return in.fault(unit, pc, 0, "operand")
			}
			ret, ok := truncate(op, v)
			if !ok {
				next = int(inst.b.Value) / InstructionSize
				break
			}
			if !in.write(inst.c, op.ResultSize(), ret) {
				return in.fault(unit, pc, 0, "result")
			}
		case opLoad:
			v, ok := in.load(in.address(inst.a), int(inst.size))
			if !ok {
				return in.memoryFault(unit, pc, in.address(inst.a))
			}
			if !in.write(inst.c, machine.S64, extend(inst.ext, inst.size, v)) {
				return in.fault(unit, pc, 0, "result")
			}
		case opStore:
			v, ok := in.read(inst.a, inst.size)
			if !ok {
				return in.fault(unit, pc, 0, "operand")
			}
			if !in.store(in.address(inst.c), int(inst.size), v) {
				return in.memoryFault(unit, pc, in.address(inst.c))
			}
		case opJump:
			next = int(inst.a.Value) / InstructionSize
		case opJumpIf:
			a, okA := in.read(inst.a, inst.size)
			b, okB := in.read(inst.b, inst.size)
			if !okA || !okB {
				return in.fault(unit, pc, 0, "operand")
			}
			if machine.Condition(inst.sub).Evaluate(inst.size, a, b) {
				next = int(inst.c.Value) / InstructionSize
			}
		case opJumpTable:
			index, ok := in.read(inst.a, machine.S32)
			if !ok || index >= inst.b.Value {
				return in.fault(unit, pc, 0, "jump table index out of range")
			}
			next = pc + 1 + int(index)
		case opTrap:
			if u.frame != nil {
				if code, ok := u.frame.TrapAt(uint32(pc * InstructionSize)); ok {
					return &TrapError{Code: code, Function: u.function, Offset: uint32(pc * InstructionSize)}
				}
			}
			return in.fault(unit, pc, 0, fmt.Sprintf("trap %s without trap table entry", machine.TrapCode(inst.sub)))
		case opCallRegister, opCallAbsolute:
			target := inst.a.Value
			if inst.op == opCallRegister {
				target = in.regs[inst.a.Reg]
			}
			switch target & tagMask {
			case tagCode:
				if !in.push(codePointer(unit, uint32(next*InstructionSize))) {
					return in.fault(unit, pc, in.regs[RSP], "stack overflow")
				}
				var ok bool
				if unit, next, ok = in.decodeCodePointer(target); !ok {
					return in.fault(unit, pc, target, "call target")
				}
			case tagBuiltin, tagHost:
				if err := in.callNative(target, in.regs[RSP]); err != nil {
					return err
				}
			default:
				return in.fault(unit, pc, target, "call target")
			}
		case opJumpRegister:
			target := in.regs[inst.a.Reg]
			switch target & tagMask {
			case tagCode:
				var ok bool
				if unit, next, ok = in.decodeCodePointer(target); !ok {
					return in.fault(unit, pc, target, "jump target")
				}
			case tagHost:
				// Tail call from a trampoline: the return address is on top of the stack.
				if err := in.callNative(target, in.regs[RSP]+8); err != nil {
					return err
				}
				ret, ok := in.pop()
				if !ok {
					return in.fault(unit, pc, in.regs[RSP], "return")
				}
				if ret == exitAddress {
					return nil
				}
				if unit, next, ok = in.decodeCodePointer(ret); !ok {
					return in.fault(unit, pc, ret, "return address")
				}
			default:
				return in.fault(unit, pc, target, "jump target")
			}
		case opReturn:
			ret, ok := in.pop()
			if !ok {
				return in.fault(unit, pc, in.regs[RSP], "return")
			}
			if ret == exitAddress {
				return nil
			}
			if unit, next, ok = in.decodeCodePointer(ret); !ok {
				return in.fault(unit, pc, ret, "return address")
			}
		default:
			return in.fault(unit, pc, 0, "invalid instruction")
		}
		pc = next
	}
}

func (in *Instance) decodeCodePointer(p uint64) (unit, pc int, ok bool) {
	if p&tagMask != tagCode {
		return 0, 0, false
	}
	unit = int((p &^ tagMask) >> 32)
	offset := uint32(p)
	if unit >= len(in.units) || offset%InstructionSize != 0 {
		return 0, 0, false
	}
	return unit, int(offset / InstructionSize), true
}

// callNative runs a builtin or host function. sp is the stack pointer at the call site, so that
// stack arguments start at sp plus the shadow space.
func (in *Instance) callNative(target, sp uint64) error {
	id := int(target &^ tagMask)
	var (
		arity   int
		fn      func(in *Instance, args []uint64) (uint64, error)
		isFloat bool
	)
	if target&tagMask == tagBuiltin {
		if id >= len(builtins) || builtins[id].fn == nil {
			return fmt.Errorf("invalid builtin %d", id)
		}
		arity, fn = builtins[id].arity, builtins[id].fn
	} else {
		if id >= len(in.hosts) {
			return fmt.Errorf("invalid host function %d", id)
		}
		ft, err := in.module.FunctionType(uint32(id))
		if err != nil {
			return err
		}
		arity, fn = len(ft.Params), in.hosts[id]
		isFloat = len(ft.Results) > 0 && wasm.IsFloat(ft.Results[0])
	}

	regs := paramRegisters(in.cc)
	args := make([]uint64, arity)
	for i := range args {
		p := i + 1
		if p < len(regs) {
			args[i] = in.regs[regs[p]]
			continue
		}
		v, ok := in.load(sp+uint64(shadowSpace(in.cc))+8*uint64(p-len(regs)), 8)
		if !ok {
			return &FaultError{Function: -1, Address: sp, Reason: "native call argument"}
		}
		args[i] = v
	}
	ret, err := fn(in, args)
	if err != nil {
		return err
	}
	if isFloat {
		in.regs[XMM0] = ret
	} else {
		in.regs[RAX] = ret
	}
	return nil
}

func (in *Instance) fault(unit, pc int, addr uint64, reason string) error {
	return &FaultError{Function: in.units[unit].function, Offset: uint32(pc * InstructionSize), Address: addr, Reason: reason}
}

func (in *Instance) faultErr(unit, pc int, err error) error {
	return fmt.Errorf("function %d at %#x: %w", in.units[unit].function, pc*InstructionSize, err)
}

// memoryFault turns a faulting linear memory access into the trap registered for it.
func (in *Instance) memoryFault(unit, pc int, addr uint64) error {
	u := &in.units[unit]
	if u.frame != nil {
		if code, ok := u.frame.TrapAt(uint32(pc * InstructionSize)); ok {
			return &TrapError{Code: code, Function: u.function, Offset: uint32(pc * InstructionSize)}
		}
	}
	return in.fault(unit, pc, addr, "memory access")
}

func (in *Instance) address(l machine.Location) uint64 {
	return in.regs[l.Reg] + uint64(int64(l.Offset))
}

func (in *Instance) read(l machine.Location, sz machine.Size) (uint64, bool) {
	switch l.Kind {
	case machine.LocationGPR, machine.LocationFPR:
		return truncateBits(in.regs[l.Reg], sz), true
	case machine.LocationMemory:
		return in.load(in.address(l), int(sz))
	case machine.LocationImm32:
		if sz == machine.S64 {
			return uint64(int64(int32(l.Value))), true
		}
		return truncateBits(uint64(uint32(l.Value)), sz), true
	case machine.LocationImm64:
		return truncateBits(l.Value, sz), true
	}
	return 0, false
}

// write stores the low sz bytes of v. Registers are zero extended.
func (in *Instance) write(l machine.Location, sz machine.Size, v uint64) bool {
	v = truncateBits(v, sz)
	switch l.Kind {
	case machine.LocationGPR, machine.LocationFPR:
		in.regs[l.Reg] = v
		return true
	case machine.LocationMemory:
		return in.store(in.address(l), int(sz), v)
	}
	return false
}

func (in *Instance) push(v uint64) bool {
	sp := in.regs[RSP] - 8
	if !in.store(sp, 8, v) {
		return false
	}
	in.regs[RSP] = sp
	return true
}

func (in *Instance) pop() (uint64, bool) {
	v, ok := in.load(in.regs[RSP], 8)
	if ok {
		in.regs[RSP] += 8
	}
	return v, ok
}

func truncateBits(v uint64, sz machine.Size) uint64 {
	if sz == 0 || sz >= machine.S64 {
		return v
	}
	return v & (uint64(1)<<sz.Bits() - 1)
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func extend(ext machine.Extension, sz machine.Size, v uint64) uint64 {
	if ext == machine.ZeroExtend || sz == machine.S64 {
		return v
	}
	shift := 64 - sz.Bits()
	signed := uint64(int64(v<<shift) >> shift)
	if ext == machine.SignExtend32 {
		return uint64(uint32(signed))
	}
	return signed
}

func intBinary(op machine.IntBinaryOp, sz machine.Size, a, b uint64) (uint64, error) {
	if sz == machine.S32 {
		x, y := uint32(a), uint32(b)
		switch op {
		case machine.IntAdd:
			return uint64(x + y), nil
		case machine.IntSub:
			return uint64(x - y), nil
		case machine.IntMul:
			return uint64(x * y), nil
		case machine.IntDivS, machine.IntDivU, machine.IntRemS, machine.IntRemU:
			if y == 0 {
				return 0, errDivideByZero
			}
			switch op {
			case machine.IntDivS:
				return uint64(uint32(int32(x) / int32(y))), nil
			case machine.IntDivU:
				return uint64(x / y), nil
			case machine.IntRemS:
				return uint64(uint32(int32(x) % int32(y))), nil
			}
			return uint64(x % y), nil
		case machine.IntAnd:
			return uint64(x & y), nil
		case machine.IntOr:
			return uint64(x | y), nil
		case machine.IntXor:
			return uint64(x ^ y), nil
		case machine.IntShl:
			return uint64(x << (y & 31)), nil
		case machine.IntShrS:
			return uint64(uint32(int32(x) >> (y & 31))), nil
		case machine.IntShrU:
			return uint64(x >> (y & 31)), nil
		case machine.IntRotl:
			return uint64(bits.RotateLeft32(x, int(y&31))), nil
		case machine.IntRotr:
			return uint64(bits.RotateLeft32(x, -int(y&31))), nil
		}
		return 0, fmt.Errorf("invalid int binary op %d", op)
	}
	switch op {
	case machine.IntAdd:
		return a + b, nil
	case machine.IntSub:
		return a - b, nil
	case machine.IntMul:
		return a * b, nil
	case machine.IntDivS, machine.IntDivU, machine.IntRemS, machine.IntRemU:
		if b == 0 {
			return 0, errDivideByZero
		}
		switch op {
		case machine.IntDivS:
			return uint64(int64(a) / int64(b)), nil
		case machine.IntDivU:
			return a / b, nil
		case machine.IntRemS:
			return uint64(int64(a) % int64(b)), nil
		}
		return a % b, nil
	case machine.IntAnd:
		return a & b, nil
	case machine.IntOr:
		return a | b, nil
	case machine.IntXor:
		return a ^ b, nil
	case machine.IntShl:
		return a << (b & 63), nil
	case machine.IntShrS:
		return uint64(int64(a) >> (b & 63)), nil
	case machine.IntShrU:
		return a >> (b & 63), nil
	case machine.IntRotl:
		return bits.RotateLeft64(a, int(b&63)), nil
	case machine.IntRotr:
		return bits.RotateLeft64(a, -int(b&63)), nil
	}
	return 0, fmt.Errorf("invalid int binary op %d", op)
}

func intUnary(op machine.IntUnaryOp, sz machine.Size, v uint64) uint64 {
	if sz == machine.S32 {
		x := uint32(v)
		switch op {
		case machine.IntClz:
			return uint64(bits.LeadingZeros32(x))
		case machine.IntCtz:
			return uint64(bits.TrailingZeros32(x))
		case machine.IntPopcnt:
			return uint64(bits.OnesCount32(x))
		case machine.IntExtend8S:
			return uint64(uint32(int32(int8(x))))
		case machine.IntExtend16S:
			return uint64(uint32(int32(int16(x))))
		}
		return uint64(x)
	}
	switch op {
	case machine.IntClz:
		return uint64(bits.LeadingZeros64(v))
	case machine.IntCtz:
		return uint64(bits.TrailingZeros64(v))
	case machine.IntPopcnt:
		return uint64(bits.OnesCount64(v))
	case machine.IntExtend8S:
		return uint64(int64(int8(v)))
	case machine.IntExtend16S:
		return uint64(int64(int16(v)))
	case machine.IntExtend32S:
		return uint64(int64(int32(v)))
	}
	return v
}

func floatBinary(op machine.FloatBinaryOp, sz machine.Size, a, b uint64) uint64 {
	if sz == machine.S32 {
		x, y := math.Float32frombits(uint32(a)), math.Float32frombits(uint32(b))
		var r float32
		switch op {
		case machine.FloatAdd:
			r = x + y
		case machine.FloatSub:
			r = x - y
		case machine.FloatMul:
			r = x * y
		case machine.FloatDiv:
			r = x / y
		case machine.FloatMin:
			r = moremath.WasmCompatMin32(x, y)
		case machine.FloatMax:
			r = moremath.WasmCompatMax32(x, y)
		case machine.FloatCopysign:
			return uint64(uint32(a)&0x7fff_ffff | uint32(b)&0x8000_0000)
		}
		return uint64(math.Float32bits(r))
	}
	x, y := math.Float64frombits(a), math.Float64frombits(b)
	var r float64
	switch op {
	case machine.FloatAdd:
		r = x + y
	case machine.FloatSub:
		r = x - y
	case machine.FloatMul:
		r = x * y
	case machine.FloatDiv:
		r = x / y
	case machine.FloatMin:
		r = moremath.WasmCompatMin(x, y)
	case machine.FloatMax:
		r = moremath.WasmCompatMax(x, y)
	case machine.FloatCopysign:
		return a&^(1<<63) | b&(1<<63)
	}
	return math.Float64bits(r)
}

func floatUnary(op machine.FloatUnaryOp, sz machine.Size, v uint64) uint64 {
	if sz == machine.S32 {
		switch op {
		case machine.FloatAbs:
			return v & 0x7fff_ffff
		case machine.FloatNeg:
			return uint64(uint32(v) ^ 0x8000_0000)
		}
		x := float64(math.Float32frombits(uint32(v)))
		var r float32
		switch op {
		case machine.FloatSqrt:
			r = float32(math.Sqrt(x))
		case machine.FloatCeil:
			r = float32(math.Ceil(x))
		case machine.FloatFloor:
			r = float32(math.Floor(x))
		case machine.FloatTrunc:
			r = float32(math.Trunc(x))
		case machine.FloatNearest:
			r = moremath.WasmCompatNearestF32(float32(x))
		}
		return uint64(math.Float32bits(r))
	}
	switch op {
	case machine.FloatAbs:
		return v &^ (1 << 63)
	case machine.FloatNeg:
		return v ^ (1 << 63)
	}
	x := math.Float64frombits(v)
	var r float64
	switch op {
	case machine.FloatSqrt:
		r = math.Sqrt(x)
	case machine.FloatCeil:
		r = math.Ceil(x)
	case machine.FloatFloor:
		r = math.Floor(x)
	case machine.FloatTrunc:
		r = math.Trunc(x)
	case machine.FloatNearest:
		r = moremath.WasmCompatNearestF64(x)
	}
	return math.Float64bits(r)
}

func floatCompare(cond machine.FloatCondition, sz machine.Size, a, b uint64) bool {
	var x, y float64
	if sz == machine.S32 {
		x, y = float64(math.Float32frombits(uint32(a))), float64(math.Float32frombits(uint32(b)))
	} else {
		x, y = math.Float64frombits(a), math.Float64frombits(b)
	}
	switch cond {
	case machine.FloatEqual:
		return x == y
	case machine.FloatNotEqual:
		return x != y
	case machine.FloatLess:
		return x < y
	case machine.FloatLessEqual:
		return x <= y
	case machine.FloatGreater:
		return x > y
	case machine.FloatGreaterEqual:
		return x >= y
	}
	return false
}

func canonicalize(sz machine.Size, v uint64) uint64 {
	if sz == machine.S32 {
		if f := math.Float32frombits(uint32(v)); f != f {
			return uint64(moremath.F32CanonicalNaNBits)
		}
		return v
	}
	if math.IsNaN(math.Float64frombits(v)) {
		return moremath.F64CanonicalNaNBits
	}
	return v
}

func convertSizes(op machine.ConvertOp) (src, ret machine.Size) {
	switch op {
	case machine.ConvertI32WrapI64:
		return machine.S64, machine.S32
	case machine.ConvertI64ExtendI32S, machine.ConvertI64ExtendI32U, machine.ConvertF64ConvertI32S, machine.ConvertF64ConvertI32U,
		machine.ConvertF64PromoteF32:
		return machine.S32, machine.S64
	case machine.ConvertF32ConvertI32S, machine.ConvertF32ConvertI32U:
		return machine.S32, machine.S32
	case machine.ConvertF32ConvertI64S, machine.ConvertF32ConvertI64U, machine.ConvertF32DemoteF64:
		return machine.S64, machine.S32
	}
	return machine.S64, machine.S64
}

func convert(op machine.ConvertOp, v uint64) uint64 {
	switch op {
	case machine.ConvertI32WrapI64:
		return uint64(uint32(v))
	case machine.ConvertI64ExtendI32S:
		return uint64(int64(int32(v)))
	case machine.ConvertI64ExtendI32U:
		return uint64(uint32(v))
	case machine.ConvertF32ConvertI32S:
		return uint64(math.Float32bits(float32(int32(v))))
	case machine.ConvertF32ConvertI32U:
		return uint64(math.Float32bits(float32(uint32(v))))
	case machine.ConvertF32ConvertI64S:
		return uint64(math.Float32bits(float32(int64(v))))
	case machine.ConvertF32ConvertI64U:
		return uint64(math.Float32bits(float32(v)))
	case machine.ConvertF64ConvertI32S:
		return math.Float64bits(float64(int32(v)))
	case machine.ConvertF64ConvertI32U:
		return math.Float64bits(float64(uint32(v)))
	case machine.ConvertF64ConvertI64S:
		return math.Float64bits(float64(int64(v)))
	case machine.ConvertF64ConvertI64U:
		return math.Float64bits(float64(v))
	case machine.ConvertF32DemoteF64:
		return uint64(math.Float32bits(float32(math.Float64frombits(v))))
	case machine.ConvertF64PromoteF32:
		return math.Float64bits(float64(math.Float32frombits(uint32(v))))
	}
	return v
}

// truncate converts a float to an integer, returning false for NaN and values out of range.
func truncate(op machine.TruncOp, v uint64) (uint64, bool) {
	var x float64
	if op.SourceSize() == machine.S32 {
		x = float64(math.Float32frombits(uint32(v)))
	} else {
		x = math.Float64frombits(v)
	}
	if math.IsNaN(x) {
		return 0, false
	}
	t := math.Trunc(x)
	switch op {
	case machine.TruncI32F32S, machine.TruncI32F64S:
		if t < math.MinInt32 || t > math.MaxInt32 {
			return 0, false
		}
		return uint64(uint32(int32(t))), true
	case machine.TruncI32F32U, machine.TruncI32F64U:
		if t < 0 || t > math.MaxUint32 {
			return 0, false
		}
		return uint64(uint32(t)), true
	case machine.TruncI64F32S, machine.TruncI64F64S:
		if t < -9223372036854775808.0 || t >= 9223372036854775808.0 {
			return 0, false
		}
		return uint64(int64(t)), true
	}
	if t < 0 || t >= 18446744073709551616.0 {
		return 0, false
	}
	return uint64(t), true
}
