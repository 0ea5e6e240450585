package wasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tetratelabs/singlepass/internal/leb128"
)

// BlockType is the signature of a block, loop or if.
type BlockType struct {
	Params, Results []ValueType
}

// blockTypeEmpty is shared by every block type encoded as 0x40.
var blockTypeEmpty = &BlockType{}

// MemArg is the immediate of load and store instructions.
type MemArg struct {
	// Align is the log2 of the alignment hint.
	Align uint32
	// Offset is the constant added to the dynamic address.
	Offset uint32
}

// Operator is one decoded instruction of a function body together with its immediates.
type Operator struct {
	Opcode Opcode
	// Misc is the sub-opcode when Opcode is OpcodeMiscPrefix or OpcodeVecPrefix.
	Misc OpcodeMisc
	// Offset is the byte offset of the opcode relative to the start of the code this body was read from.
	Offset uint64

	// Block is the signature of block, loop and if.
	Block *BlockType
	// Index is the first index immediate: a label, local, global, function, type, table, data or element index
	// depending on the opcode. For br_table, it is the default label.
	Index Index
	// Index2 is the second index immediate: the table of call_indirect, the table of table.init, and the source
	// table of table.copy.
	Index2 Index
	// Targets are the non-default labels of br_table.
	Targets []Index
	MemArg  MemArg
	// Const is the value of a const instruction: i32 is zero extended, floats are their IEEE 754 bits.
	Const uint64
	// RefType is the immediate of ref.null.
	RefType ValueType
	// SelectTypes is the immediate of the typed select.
	SelectTypes []ValueType
}

// Name returns the text format name of the instruction.
func (o *Operator) Name() string {
	switch o.Opcode {
	case OpcodeMiscPrefix:
		return MiscInstructionName(o.Misc)
	case OpcodeVecPrefix:
		return fmt.Sprintf("simd(%#x)", o.Misc)
	}
	return InstructionName(o.Opcode)
}

func (o *Operator) String() string {
	switch o.Opcode {
	case OpcodeBlock, OpcodeLoop, OpcodeIf:
		return fmt.Sprintf("%s (%s)", o.Name(), blockTypeString(o.Block))
	case OpcodeBr, OpcodeBrIf, OpcodeCall, OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee,
		OpcodeGlobalGet, OpcodeGlobalSet, OpcodeRefFunc, OpcodeTableGet, OpcodeTableSet:
		return fmt.Sprintf("%s %d", o.Name(), o.Index)
	case OpcodeBrTable:
		return fmt.Sprintf("%s %v %d", o.Name(), o.Targets, o.Index)
	case OpcodeCallIndirect:
		return fmt.Sprintf("%s (type %d) (table %d)", o.Name(), o.Index, o.Index2)
	case OpcodeI32Const, OpcodeI64Const, OpcodeF32Const, OpcodeF64Const:
		return fmt.Sprintf("%s %#x", o.Name(), o.Const)
	}
	if o.Opcode >= OpcodeI32Load && o.Opcode <= OpcodeI64Store32 {
		return fmt.Sprintf("%s offset=%d align=%d", o.Name(), o.MemArg.Offset, o.MemArg.Align)
	}
	return o.Name()
}

func blockTypeString(bt *BlockType) string {
	if bt == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range bt.Params {
		b.WriteString("param " + ValueTypeName(p) + " ")
	}
	for _, r := range bt.Results {
		b.WriteString("result " + ValueTypeName(r) + " ")
	}
	return strings.TrimSpace(b.String())
}

// ErrInvalidBody is wrapped by every decoding error of OperatorReader.
var ErrInvalidBody = errors.New("invalid function body")

// DecodeLocals decodes the local declarations at the head of a function body as found in the
// code section, returning the flattened local types and the size of the declarations in bytes.
func DecodeLocals(body []byte) ([]ValueType, uint64, error) {
	groups, n, err := leb128.LoadUint32(body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: local group count: %v", ErrInvalidBody, err)
	}
	pos := n
	var locals []ValueType
	for i := uint32(0); i < groups; i++ {
		count, n, err := leb128.LoadUint32(body[pos:])
		if err != nil {
			return nil, 0, fmt.Errorf("%w: local count: %v", ErrInvalidBody, err)
		}
		pos += n
		if pos >= uint64(len(body)) {
			return nil, 0, fmt.Errorf("%w: missing local type", ErrInvalidBody)
		}
		if len(locals)+int(count) > 50000 {
			return nil, 0, fmt.Errorf("%w: too many locals", ErrInvalidBody)
		}
		t := body[pos]
		pos++
		for j := uint32(0); j < count; j++ {
			locals = append(locals, t)
		}
	}
	return locals, pos, nil
}

// OperatorReader decodes the instruction sequence of a validated function body one operator at a time.
type OperatorReader struct {
	module *ModuleInfo
	body   []byte
	pos    uint64
	base   uint64
}

// NewOperatorReader returns a reader over the instructions in body, which excludes the local
// declarations. base is the offset of body[0] in the code it was read from, and is added to
// every Operator.Offset.
func NewOperatorReader(module *ModuleInfo, body []byte, base uint64) *OperatorReader {
	return &OperatorReader{module: module, body: body, base: base}
}

// Next decodes the next operator. It returns io.EOF once the body is exhausted.
func (r *OperatorReader) Next() (op Operator, err error) {
	if r.pos >= uint64(len(r.body)) {
		return op, io.EOF
	}
	op.Offset = r.base + r.pos
	op.Opcode = r.body[r.pos]
	r.pos++

	switch op.Opcode {
	case OpcodeBlock, OpcodeLoop, OpcodeIf:
		op.Block, err = r.blockType()
	case OpcodeBr, OpcodeBrIf, OpcodeCall, OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee,
		OpcodeGlobalGet, OpcodeGlobalSet, OpcodeTableGet, OpcodeTableSet, OpcodeRefFunc:
		op.Index, err = r.u32()
	case OpcodeBrTable:
		var n uint32
		if n, err = r.u32(); err != nil {
			break
		}
		op.Targets = make([]Index, n)
		for i := range op.Targets {
			if op.Targets[i], err = r.u32(); err != nil {
				break
			}
		}
		if err == nil {
			op.Index, err = r.u32()
		}
	case OpcodeCallIndirect:
		if op.Index, err = r.u32(); err == nil {
			op.Index2, err = r.u32()
		}
	case OpcodeSelectT:
		var n uint32
		if n, err = r.u32(); err != nil {
			break
		}
		op.SelectTypes = make([]ValueType, n)
		for i := range op.SelectTypes {
			if op.SelectTypes[i], err = r.byte(); err != nil {
				break
			}
		}
	case OpcodeMemorySize, OpcodeMemoryGrow:
		op.Index, err = r.u32()
	case OpcodeI32Const:
		var v int32
		v, err = r.i32()
		op.Const = uint64(uint32(v))
	case OpcodeI64Const:
		var v int64
		v, err = r.i64()
		op.Const = uint64(v)
	case OpcodeF32Const:
		if err = r.ensure(4); err == nil {
			op.Const = uint64(binary.LittleEndian.Uint32(r.body[r.pos:]))
			r.pos += 4
		}
	case OpcodeF64Const:
		if err = r.ensure(8); err == nil {
			op.Const = binary.LittleEndian.Uint64(r.body[r.pos:])
			r.pos += 8
		}
	case OpcodeRefNull:
		op.RefType, err = r.byte()
	case OpcodeMiscPrefix:
		err = r.misc(&op)
	case OpcodeVecPrefix:
		var sub uint32
		sub, err = r.u32()
		op.Misc = OpcodeMisc(sub)
	default:
		if op.Opcode >= OpcodeI32Load && op.Opcode <= OpcodeI64Store32 {
			if op.MemArg.Align, err = r.u32(); err == nil {
				op.MemArg.Offset, err = r.u32()
			}
		}
	}
	if err != nil {
		return op, fmt.Errorf("%w: %s at offset %#x: %v", ErrInvalidBody, op.Name(), op.Offset, err)
	}
	return op, nil
}

func (r *OperatorReader) misc(op *Operator) error {
	sub, err := r.u32()
	if err != nil {
		return err
	}
	op.Misc = OpcodeMisc(sub)
	switch op.Misc {
	case OpcodeMiscMemoryInit:
		if op.Index, err = r.u32(); err == nil {
			_, err = r.byte()
		}
	case OpcodeMiscDataDrop, OpcodeMiscElemDrop, OpcodeMiscTableGrow, OpcodeMiscTableSize, OpcodeMiscTableFill:
		op.Index, err = r.u32()
	case OpcodeMiscMemoryCopy:
		if _, err = r.byte(); err == nil {
			_, err = r.byte()
		}
	case OpcodeMiscMemoryFill:
		_, err = r.byte()
	case OpcodeMiscTableInit:
		// The element segment comes first, then the table.
		var elem uint32
		if elem, err = r.u32(); err == nil {
			op.Index2, err = r.u32()
			op.Index = elem
		}
	case OpcodeMiscTableCopy:
		if op.Index, err = r.u32(); err == nil {
			op.Index2, err = r.u32()
		}
	}
	return err
}

func (r *OperatorReader) blockType() (*BlockType, error) {
	raw, n, err := leb128.LoadInt33AsInt64(r.body[r.pos:])
	if err != nil {
		return nil, err
	}
	r.pos += n
	switch raw {
	case -64: // 0x40
		return blockTypeEmpty, nil
	case -1: // 0x7f
		return &BlockType{Results: []ValueType{ValueTypeI32}}, nil
	case -2: // 0x7e
		return &BlockType{Results: []ValueType{ValueTypeI64}}, nil
	case -3: // 0x7d
		return &BlockType{Results: []ValueType{ValueTypeF32}}, nil
	case -4: // 0x7c
		return &BlockType{Results: []ValueType{ValueTypeF64}}, nil
	case -5: // 0x7b
		return &BlockType{Results: []ValueType{ValueTypeV128}}, nil
	case -16: // 0x70
		return &BlockType{Results: []ValueType{ValueTypeFuncref}}, nil
	case -17: // 0x6f
		return &BlockType{Results: []ValueType{ValueTypeExternref}}, nil
	}
	if raw < 0 || raw >= int64(len(r.module.Types)) {
		return nil, fmt.Errorf("invalid block type: %d", raw)
	}
	ft := r.module.Types[raw]
	return &BlockType{Params: ft.Params, Results: ft.Results}, nil
}

func (r *OperatorReader) ensure(n uint64) error {
	if r.pos+n > uint64(len(r.body)) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (r *OperatorReader) byte() (byte, error) {
	if err := r.ensure(1); err != nil {
		return 0, err
	}
	b := r.body[r.pos]
	r.pos++
	return b, nil
}

func (r *OperatorReader) u32() (uint32, error) {
	v, n, err := leb128.LoadUint32(r.body[r.pos:])
	r.pos += n
	return v, err
}

func (r *OperatorReader) i32() (int32, error) {
	v, n, err := leb128.LoadInt32(r.body[r.pos:])
	r.pos += n
	return v, err
}

func (r *OperatorReader) i64() (int64, error) {
	v, n, err := leb128.LoadInt64(r.body[r.pos:])
	r.pos += n
	return v, err
}
