package singlepass

import (
	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

type intBinary struct {
	op machine.IntBinaryOp
	sz machine.Size
}

var intBinaryOps = map[wasm.Opcode]intBinary{
	wasm.OpcodeI32Add:  {machine.IntAdd, machine.S32},
	wasm.OpcodeI32Sub:  {machine.IntSub, machine.S32},
	wasm.OpcodeI32Mul:  {machine.IntMul, machine.S32},
	wasm.OpcodeI32And:  {machine.IntAnd, machine.S32},
	wasm.OpcodeI32Or:   {machine.IntOr, machine.S32},
	wasm.OpcodeI32Xor:  {machine.IntXor, machine.S32},
	wasm.OpcodeI32Shl:  {machine.IntShl, machine.S32},
	wasm.OpcodeI32ShrS: {machine.IntShrS, machine.S32},
	wasm.OpcodeI32ShrU: {machine.IntShrU, machine.S32},
	wasm.OpcodeI32Rotl: {machine.IntRotl, machine.S32},
	wasm.OpcodeI32Rotr: {machine.IntRotr, machine.S32},
	wasm.OpcodeI64Add:  {machine.IntAdd, machine.S64},
	wasm.OpcodeI64Sub:  {machine.IntSub, machine.S64},
	wasm.OpcodeI64Mul:  {machine.IntMul, machine.S64},
	wasm.OpcodeI64And:  {machine.IntAnd, machine.S64},
	wasm.OpcodeI64Or:   {machine.IntOr, machine.S64},
	wasm.OpcodeI64Xor:  {machine.IntXor, machine.S64},
	wasm.OpcodeI64Shl:  {machine.IntShl, machine.S64},
	wasm.OpcodeI64ShrS: {machine.IntShrS, machine.S64},
	wasm.OpcodeI64ShrU: {machine.IntShrU, machine.S64},
	wasm.OpcodeI64Rotl: {machine.IntRotl, machine.S64},
	wasm.OpcodeI64Rotr: {machine.IntRotr, machine.S64},
}

var intDivisionOps = map[wasm.Opcode]intBinary{
	wasm.OpcodeI32DivS: {machine.IntDivS, machine.S32},
	wasm.OpcodeI32DivU: {machine.IntDivU, machine.S32},
	wasm.OpcodeI32RemS: {machine.IntRemS, machine.S32},
	wasm.OpcodeI32RemU: {machine.IntRemU, machine.S32},
	wasm.OpcodeI64DivS: {machine.IntDivS, machine.S64},
	wasm.OpcodeI64DivU: {machine.IntDivU, machine.S64},
	wasm.OpcodeI64RemS: {machine.IntRemS, machine.S64},
	wasm.OpcodeI64RemU: {machine.IntRemU, machine.S64},
}

type intUnary struct {
	op machine.IntUnaryOp
	sz machine.Size
}

var intUnaryOps = map[wasm.Opcode]intUnary{
	wasm.OpcodeI32Clz:       {machine.IntClz, machine.S32},
	wasm.OpcodeI32Ctz:       {machine.IntCtz, machine.S32},
	wasm.OpcodeI32Popcnt:    {machine.IntPopcnt, machine.S32},
	wasm.OpcodeI64Clz:       {machine.IntClz, machine.S64},
	wasm.OpcodeI64Ctz:       {machine.IntCtz, machine.S64},
	wasm.OpcodeI64Popcnt:    {machine.IntPopcnt, machine.S64},
	wasm.OpcodeI32Extend8S:  {machine.IntExtend8S, machine.S32},
	wasm.OpcodeI32Extend16S: {machine.IntExtend16S, machine.S32},
	wasm.OpcodeI64Extend8S:  {machine.IntExtend8S, machine.S64},
	wasm.OpcodeI64Extend16S: {machine.IntExtend16S, machine.S64},
	wasm.OpcodeI64Extend32S: {machine.IntExtend32S, machine.S64},
}

type intCompare struct {
	cond machine.Condition
	sz   machine.Size
}

var intCompareOps = map[wasm.Opcode]intCompare{
	wasm.OpcodeI32Eq:  {machine.CondEqual, machine.S32},
	wasm.OpcodeI32Ne:  {machine.CondNotEqual, machine.S32},
	wasm.OpcodeI32LtS: {machine.CondSignedLess, machine.S32},
	wasm.OpcodeI32LtU: {machine.CondUnsignedLess, machine.S32},
	wasm.OpcodeI32GtS: {machine.CondSignedGreater, machine.S32},
	wasm.OpcodeI32GtU: {machine.CondUnsignedGreater, machine.S32},
	wasm.OpcodeI32LeS: {machine.CondSignedLessEqual, machine.S32},
	wasm.OpcodeI32LeU: {machine.CondUnsignedLessEqual, machine.S32},
	wasm.OpcodeI32GeS: {machine.CondSignedGreaterEqual, machine.S32},
	wasm.OpcodeI32GeU: {machine.CondUnsignedGreaterEqual, machine.S32},
	wasm.OpcodeI64Eq:  {machine.CondEqual, machine.S64},
	wasm.OpcodeI64Ne:  {machine.CondNotEqual, machine.S64},
	wasm.OpcodeI64LtS: {machine.CondSignedLess, machine.S64},
	wasm.OpcodeI64LtU: {machine.CondUnsignedLess, machine.S64},
	wasm.OpcodeI64GtS: {machine.CondSignedGreater, machine.S64},
	wasm.OpcodeI64GtU: {machine.CondUnsignedGreater, machine.S64},
	wasm.OpcodeI64LeS: {machine.CondSignedLessEqual, machine.S64},
	wasm.OpcodeI64LeU: {machine.CondUnsignedLessEqual, machine.S64},
	wasm.OpcodeI64GeS: {machine.CondSignedGreaterEqual, machine.S64},
	wasm.OpcodeI64GeU: {machine.CondUnsignedGreaterEqual, machine.S64},
}

type floatBinary struct {
	op machine.FloatBinaryOp
	sz machine.Size
	// pending is set for operations that may produce a NaN that is not canonical.
	pending bool
}

var floatBinaryOps = map[wasm.Opcode]floatBinary{
	wasm.OpcodeF32Add:      {machine.FloatAdd, machine.S32, true},
	wasm.OpcodeF32Sub:      {machine.FloatSub, machine.S32, true},
	wasm.OpcodeF32Mul:      {machine.FloatMul, machine.S32, true},
	wasm.OpcodeF32Div:      {machine.FloatDiv, machine.S32, true},
	wasm.OpcodeF32Min:      {machine.FloatMin, machine.S32, false},
	wasm.OpcodeF32Max:      {machine.FloatMax, machine.S32, false},
	wasm.OpcodeF32Copysign: {machine.FloatCopysign, machine.S32, true},
	wasm.OpcodeF64Add:      {machine.FloatAdd, machine.S64, true},
	wasm.OpcodeF64Sub:      {machine.FloatSub, machine.S64, true},
	wasm.OpcodeF64Mul:      {machine.FloatMul, machine.S64, true},
	wasm.OpcodeF64Div:      {machine.FloatDiv, machine.S64, true},
	wasm.OpcodeF64Min:      {machine.FloatMin, machine.S64, false},
	wasm.OpcodeF64Max:      {machine.FloatMax, machine.S64, false},
	wasm.OpcodeF64Copysign: {machine.FloatCopysign, machine.S64, true},
}

type floatUnary struct {
	op machine.FloatUnaryOp
	sz machine.Size
	// propagate is set for sign manipulations, which keep the operand's pending canonicalization.
	propagate bool
}

var floatUnaryOps = map[wasm.Opcode]floatUnary{
	wasm.OpcodeF32Abs:     {machine.FloatAbs, machine.S32, true},
	wasm.OpcodeF32Neg:     {machine.FloatNeg, machine.S32, true},
	wasm.OpcodeF32Sqrt:    {machine.FloatSqrt, machine.S32, false},
	wasm.OpcodeF32Ceil:    {machine.FloatCeil, machine.S32, false},
	wasm.OpcodeF32Floor:   {machine.FloatFloor, machine.S32, false},
	wasm.OpcodeF32Trunc:   {machine.FloatTrunc, machine.S32, false},
	wasm.OpcodeF32Nearest: {machine.FloatNearest, machine.S32, false},
	wasm.OpcodeF64Abs:     {machine.FloatAbs, machine.S64, true},
	wasm.OpcodeF64Neg:     {machine.FloatNeg, machine.S64, true},
	wasm.OpcodeF64Sqrt:    {machine.FloatSqrt, machine.S64, false},
	wasm.OpcodeF64Ceil:    {machine.FloatCeil, machine.S64, false},
	wasm.OpcodeF64Floor:   {machine.FloatFloor, machine.S64, false},
	wasm.OpcodeF64Trunc:   {machine.FloatTrunc, machine.S64, false},
	wasm.OpcodeF64Nearest: {machine.FloatNearest, machine.S64, false},
}

type floatCompare struct {
	cond machine.FloatCondition
	sz   machine.Size
}

var floatCompareOps = map[wasm.Opcode]floatCompare{
	wasm.OpcodeF32Eq: {machine.FloatEqual, machine.S32},
	wasm.OpcodeF32Ne: {machine.FloatNotEqual, machine.S32},
	wasm.OpcodeF32Lt: {machine.FloatLess, machine.S32},
	wasm.OpcodeF32Gt: {machine.FloatGreater, machine.S32},
	wasm.OpcodeF32Le: {machine.FloatLessEqual, machine.S32},
	wasm.OpcodeF32Ge: {machine.FloatGreaterEqual, machine.S32},
	wasm.OpcodeF64Eq: {machine.FloatEqual, machine.S64},
	wasm.OpcodeF64Ne: {machine.FloatNotEqual, machine.S64},
	wasm.OpcodeF64Lt: {machine.FloatLess, machine.S64},
	wasm.OpcodeF64Gt: {machine.FloatGreater, machine.S64},
	wasm.OpcodeF64Le: {machine.FloatLessEqual, machine.S64},
	wasm.OpcodeF64Ge: {machine.FloatGreaterEqual, machine.S64},
}

type conversion struct {
	op     machine.ConvertOp
	from   wasm.ValueType
	result wasm.ValueType
}

var conversionOps = map[wasm.Opcode]conversion{
	wasm.OpcodeI32WrapI64:     {machine.ConvertI32WrapI64, wasm.ValueTypeI64, wasm.ValueTypeI32},
	wasm.OpcodeI64ExtendI32S:  {machine.ConvertI64ExtendI32S, wasm.ValueTypeI32, wasm.ValueTypeI64},
	wasm.OpcodeI64ExtendI32U:  {machine.ConvertI64ExtendI32U, wasm.ValueTypeI32, wasm.ValueTypeI64},
	wasm.OpcodeF32ConvertI32S: {machine.ConvertF32ConvertI32S, wasm.ValueTypeI32, wasm.ValueTypeF32},
	wasm.OpcodeF32ConvertI32U: {machine.ConvertF32ConvertI32U, wasm.ValueTypeI32, wasm.ValueTypeF32},
	wasm.OpcodeF32ConvertI64S: {machine.ConvertF32ConvertI64S, wasm.ValueTypeI64, wasm.ValueTypeF32},
	wasm.OpcodeF32ConvertI64U: {machine.ConvertF32ConvertI64U, wasm.ValueTypeI64, wasm.ValueTypeF32},
	wasm.OpcodeF64ConvertI32S: {machine.ConvertF64ConvertI32S, wasm.ValueTypeI32, wasm.ValueTypeF64},
	wasm.OpcodeF64ConvertI32U: {machine.ConvertF64ConvertI32U, wasm.ValueTypeI32, wasm.ValueTypeF64},
	wasm.OpcodeF64ConvertI64S: {machine.ConvertF64ConvertI64S, wasm.ValueTypeI64, wasm.ValueTypeF64},
	wasm.OpcodeF64ConvertI64U: {machine.ConvertF64ConvertI64U, wasm.ValueTypeI64, wasm.ValueTypeF64},
	wasm.OpcodeF32DemoteF64:   {machine.ConvertF32DemoteF64, wasm.ValueTypeF64, wasm.ValueTypeF32},
	wasm.OpcodeF64PromoteF32:  {machine.ConvertF64PromoteF32, wasm.ValueTypeF32, wasm.ValueTypeF64},
}

var truncationOps = map[wasm.Opcode]machine.TruncOp{
	wasm.OpcodeI32TruncF32S: machine.TruncI32F32S,
	wasm.OpcodeI32TruncF32U: machine.TruncI32F32U,
	wasm.OpcodeI32TruncF64S: machine.TruncI32F64S,
	wasm.OpcodeI32TruncF64U: machine.TruncI32F64U,
	wasm.OpcodeI64TruncF32S: machine.TruncI64F32S,
	wasm.OpcodeI64TruncF32U: machine.TruncI64F32U,
	wasm.OpcodeI64TruncF64S: machine.TruncI64F64S,
	wasm.OpcodeI64TruncF64U: machine.TruncI64F64U,
}

func intType(sz machine.Size) wasm.ValueType {
	if sz == machine.S64 {
		return wasm.ValueTypeI64
	}
	return wasm.ValueTypeI32
}

func floatType(sz machine.Size) wasm.ValueType {
	if sz == machine.S64 {
		return wasm.ValueTypeF64
	}
	return wasm.ValueTypeF32
}

func sizeOf(typ wasm.ValueType) machine.Size {
	if typ == wasm.ValueTypeI32 || typ == wasm.ValueTypeF32 {
		return machine.S32
	}
	return machine.S64
}

// i2o1 pops two operands and pushes the location of the result. The result may share a
// location with either operand.
func (c *FunctionCompiler) i2o1(typ wasm.ValueType) (a, b, ret machine.Location, err error) {
	if b, err = c.popValueReleased(); err != nil {
		return
	}
	if a, err = c.popValueReleased(); err != nil {
		return
	}
	ret = c.acquireLocation(typ)
	c.pushValue(ret)
	return
}

// i1o1 pops one operand and pushes the location of the result.
func (c *FunctionCompiler) i1o1(typ wasm.ValueType) (src, ret machine.Location, err error) {
	if src, err = c.popValueReleased(); err != nil {
		return
	}
	ret = c.acquireLocation(typ)
	c.pushValue(ret)
	return
}

// compileNumeric compiles the arithmetic, comparison and conversion operators. It returns false
// if op is none of them.
func (c *FunctionCompiler) compileNumeric(op *wasm.Operator) (bool, error) {
	if o, ok := intBinaryOps[op.Opcode]; ok {
		a, b, ret, err := c.i2o1(intType(o.sz))
		if err == nil {
			c.m.EmitIntBinary(o.op, o.sz, a, b, ret)
		}
		return true, err
	}
	if o, ok := intDivisionOps[op.Opcode]; ok {
		return true, c.compileDivision(o)
	}
	if o, ok := intUnaryOps[op.Opcode]; ok {
		src, ret, err := c.i1o1(intType(o.sz))
		if err == nil {
			c.m.EmitIntUnary(o.op, o.sz, src, ret)
		}
		return true, err
	}
	if o, ok := intCompareOps[op.Opcode]; ok {
		a, b, ret, err := c.i2o1(wasm.ValueTypeI32)
		if err == nil {
			c.m.EmitIntCompare(o.cond, o.sz, a, b, ret)
		}
		return true, err
	}
	if o, ok := floatBinaryOps[op.Opcode]; ok {
		return true, c.compileFloatBinary(o)
	}
	if o, ok := floatUnaryOps[op.Opcode]; ok {
		return true, c.compileFloatUnary(o)
	}
	if o, ok := floatCompareOps[op.Opcode]; ok {
		if _, _, err := c.popFloat2(); err != nil {
			return true, err
		}
		a, b, ret, err := c.i2o1(wasm.ValueTypeI32)
		if err == nil {
			c.m.EmitFloatCompare(o.cond, o.sz, a, b, ret)
		}
		return true, err
	}
	if o, ok := conversionOps[op.Opcode]; ok {
		return true, c.compileConversion(o)
	}
	if o, ok := truncationOps[op.Opcode]; ok {
		if _, err := c.popFloat(); err != nil {
			return true, err
		}
		src, ret, err := c.i1o1(intType(o.ResultSize()))
		if err == nil {
			c.markOffsetTrappable(c.m.EmitTruncate(o, src, ret, c.integerOverflow))
		}
		return true, err
	}

	switch op.Opcode {
	case wasm.OpcodeI32Eqz, wasm.OpcodeI64Eqz:
		sz := machine.S32
		if op.Opcode == wasm.OpcodeI64Eqz {
			sz = machine.S64
		}
		src, ret, err := c.i1o1(wasm.ValueTypeI32)
		if err == nil {
			c.m.EmitIntCompare(machine.CondEqual, sz, src, machine.Imm32(0), ret)
		}
		return true, err
	case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeI64ReinterpretF64:
		fp, err := c.popFloat()
		if err != nil {
			return true, err
		}
		typ := wasm.ValueTypeI32
		if op.Opcode == wasm.OpcodeI64ReinterpretF64 {
			typ = wasm.ValueTypeI64
		}
		src, ret, err := c.i1o1(typ)
		if err != nil {
			return true, err
		}
		if c.canonicalize && fp.pending != canonicalizeNone {
			c.m.EmitCanonicalizeNaN(fp.pending.size(), src, ret)
		} else if src != ret {
			c.m.EmitMove(sizeOf(typ), src, ret)
		}
		return true, nil
	case wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
		typ := wasm.ValueTypeF32
		if op.Opcode == wasm.OpcodeF64ReinterpretI64 {
			typ = wasm.ValueTypeF64
		}
		src, ret, err := c.i1o1(typ)
		if err != nil {
			return true, err
		}
		c.pushFloat(canonicalizeNone)
		if src != ret {
			c.m.EmitMove(sizeOf(typ), src, ret)
		}
		return true, nil
	}
	return false, nil
}

// compileDivision guards a division against a zero divisor and, for signed division, against
// the quotient of the most negative value by -1.
func (c *FunctionCompiler) compileDivision(o intBinary) error {
	a, b, ret, err := c.i2o1(intType(o.sz))
	if err != nil {
		return err
	}
	c.markOffsetTrappable(c.m.EmitJumpIf(machine.CondEqual, o.sz, b, machine.Imm32(0), c.integerDivisionByZero))
	if o.op == machine.IntDivS {
		minValue := machine.Imm32(1 << 31)
		if o.sz == machine.S64 {
			minValue = machine.Imm64(1 << 63)
		}
		skip := c.m.NewLabel()
		c.m.EmitJumpIf(machine.CondNotEqual, o.sz, b, machine.Imm32(0xffff_ffff), skip)
		c.markOffsetTrappable(c.m.EmitJumpIf(machine.CondEqual, o.sz, a, minValue, c.integerOverflow))
		c.m.BindLabel(skip)
	}
	c.m.EmitIntBinary(o.op, o.sz, a, b, ret)
	return nil
}

func (c *FunctionCompiler) compileFloatBinary(o floatBinary) error {
	if _, _, err := c.popFloat2(); err != nil {
		return err
	}
	a, b, ret, err := c.i2o1(floatType(o.sz))
	if err != nil {
		return err
	}
	pending := canonicalizeNone
	if o.pending {
		pending = canonicalizeTypeOf(floatType(o.sz))
	}
	c.pushFloat(pending)
	c.m.EmitFloatBinary(o.op, o.sz, a, b, ret)
	return nil
}

func (c *FunctionCompiler) compileFloatUnary(o floatUnary) error {
	fp, err := c.popFloat()
	if err != nil {
		return err
	}
	src, ret, err := c.i1o1(floatType(o.sz))
	if err != nil {
		return err
	}
	pending := canonicalizeTypeOf(floatType(o.sz))
	if o.propagate {
		pending = fp.pending
	}
	c.pushFloat(pending)
	c.m.EmitFloatUnary(o.op, o.sz, src, ret)
	return nil
}

func (c *FunctionCompiler) compileConversion(o conversion) error {
	if wasm.IsFloat(o.from) {
		if _, err := c.popFloat(); err != nil {
			return err
		}
	}
	src, ret, err := c.i1o1(o.result)
	if err != nil {
		return err
	}
	if wasm.IsFloat(o.result) {
		pending := canonicalizeNone
		if wasm.IsFloat(o.from) {
			// Promotion and demotion keep the payload of a NaN.
			pending = canonicalizeTypeOf(o.result)
		}
		c.pushFloat(pending)
	}
	c.m.EmitConvert(o.op, src, ret)
	return nil
}
