package wasm

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/singlepass/internal/leb128"
)

// ConstantExpression is the initializer of a global or the offset of a segment: one instruction
// without its end.
// See https://www.w3.org/TR/wasm-core-1/#constant-expressions%E2%91%A0
type ConstantExpression struct {
	Opcode Opcode
	// Data is the immediate of the instruction.
	Data []byte
}

// Evaluate returns the raw bits of the value. globals holds the values of the globals defined so far,
// and funcRef the reference of a function.
func (e *ConstantExpression) Evaluate(globals []uint64, funcRef func(Index) uint64) (uint64, error) {
	switch e.Opcode {
	case OpcodeI32Const:
		v, _, err := leb128.LoadInt32(e.Data)
		return uint64(uint32(v)), err
	case OpcodeI64Const:
		v, _, err := leb128.LoadInt64(e.Data)
		return uint64(v), err
	case OpcodeF32Const:
		if len(e.Data) != 4 {
			return 0, fmt.Errorf("f32.const needs 4 bytes, has %d", len(e.Data))
		}
		return uint64(binary.LittleEndian.Uint32(e.Data)), nil
	case OpcodeF64Const:
		if len(e.Data) != 8 {
			return 0, fmt.Errorf("f64.const needs 8 bytes, has %d", len(e.Data))
		}
		return binary.LittleEndian.Uint64(e.Data), nil
	case OpcodeGlobalGet:
		idx, _, err := leb128.LoadUint32(e.Data)
		if err != nil {
			return 0, err
		}
		if int(idx) >= len(globals) {
			return 0, fmt.Errorf("global index %d out of range", idx)
		}
		return globals[idx], nil
	case OpcodeRefNull:
		return 0, nil
	case OpcodeRefFunc:
		idx, _, err := leb128.LoadUint32(e.Data)
		if err != nil {
			return 0, err
		}
		return funcRef(idx), nil
	}
	return 0, fmt.Errorf("%s is not a constant instruction", InstructionName(e.Opcode))
}
