package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// Every emulated instruction is a fixed size record:
//
//	[0]      opcode
//	[1]      sub-operation: the arithmetic op, condition, conversion or trap code
//	[2]      operand size in bytes
//	[3]      extension of loads
//	[4:16]   operand a
//	[16:28]  operand b
//	[28:40]  operand c, the destination of value producing instructions
//
// and every operand is kind (1 byte), register (1 byte), two bytes of padding and a
// little endian 64-bit value.
const (
	InstructionSize = 40
	operandSize     = 12
	operandA        = 4
	operandB        = operandA + operandSize
	operandC        = operandB + operandSize
	// operandValue is the offset of the value field in an operand.
	operandValue = 4
)

type opcode byte

const (
	opNop opcode = iota
	opMove
	opLoadAddress
	opPush
	opPop
	opIntBinary
	opIntUnary
	opIntCompare
	opFloatBinary
	opFloatUnary
	opFloatCompare
	opConvert
	opTruncate
	opCanonicalize
	opLoad
	opStore
	opJump
	opJumpIf
	opJumpTable
	opTrap
	opCallRegister
	opCallAbsolute
	opJumpRegister
	opReturn
	opcodeCount
)

var opcodeNames = [...]string{
	opNop:          "nop",
	opMove:         "mov",
	opLoadAddress:  "lea",
	opPush:         "push",
	opPop:          "pop",
	opIntBinary:    "ibin",
	opIntUnary:     "iun",
	opIntCompare:   "icmp",
	opFloatBinary:  "fbin",
	opFloatUnary:   "fun",
	opFloatCompare: "fcmp",
	opConvert:      "cvt",
	opTruncate:     "trunc",
	opCanonicalize: "canon",
	opLoad:         "load",
	opStore:        "store",
	opJump:         "jmp",
	opJumpIf:       "jcc",
	opJumpTable:    "jtab",
	opTrap:         "trap",
	opCallRegister: "call",
	opCallAbsolute: "call_abs",
	opJumpRegister: "jmp_reg",
	opReturn:       "ret",
}

func (o opcode) String() string {
	if o < opcodeCount {
		return opcodeNames[o]
	}
	return fmt.Sprintf("op(%d)", byte(o))
}

// instruction is the decoded form of a record.
type instruction struct {
	op      opcode
	sub     byte
	size    machine.Size
	ext     machine.Extension
	a, b, c machine.Location
}

func (i *instruction) String() string {
	return fmt.Sprintf("%s.%d/%d %s, %s, %s", i.op, i.sub, i.size, i.a, i.b, i.c)
}

func encodeInstruction(buf []byte, inst *instruction) {
	buf[0] = byte(inst.op)
	buf[1] = inst.sub
	buf[2] = byte(inst.size)
	buf[3] = byte(inst.ext)
	encodeOperand(buf[operandA:], inst.a)
	encodeOperand(buf[operandB:], inst.b)
	encodeOperand(buf[operandC:], inst.c)
}

func encodeOperand(buf []byte, l machine.Location) {
	buf[0] = byte(l.Kind)
	buf[1] = byte(l.Reg)
	switch l.Kind {
	case machine.LocationMemory:
		binary.LittleEndian.PutUint64(buf[operandValue:], uint64(int64(l.Offset)))
	default:
		binary.LittleEndian.PutUint64(buf[operandValue:], l.Value)
	}
}

func decodeInstruction(buf []byte) (inst instruction, err error) {
	if len(buf) < InstructionSize {
		return inst, fmt.Errorf("truncated instruction: %d bytes", len(buf))
	}
	inst.op = opcode(buf[0])
	if inst.op >= opcodeCount {
		return inst, fmt.Errorf("invalid opcode %#x", buf[0])
	}
	inst.sub = buf[1]
	inst.size = machine.Size(buf[2])
	inst.ext = machine.Extension(buf[3])
	inst.a = decodeOperand(buf[operandA:])
	inst.b = decodeOperand(buf[operandB:])
	inst.c = decodeOperand(buf[operandC:])
	return inst, nil
}

func decodeOperand(buf []byte) machine.Location {
	l := machine.Location{Kind: machine.LocationKind(buf[0]), Reg: machine.Register(buf[1])}
	v := binary.LittleEndian.Uint64(buf[operandValue:])
	if l.Kind == machine.LocationMemory {
		l.Offset = int32(int64(v))
	} else {
		l.Value = v
	}
	return l
}

// Disassemble renders code produced by the emulated machine, one instruction per line.
func Disassemble(code []byte) (string, error) {
	var out []byte
	for pc := 0; pc+InstructionSize <= len(code); pc += InstructionSize {
		inst, err := decodeInstruction(code[pc:])
		if err != nil {
			return "", fmt.Errorf("at %#x: %w", pc, err)
		}
		out = append(out, fmt.Sprintf("0x%04x %s\n", pc, inst.String())...)
	}
	return string(out), nil
}
