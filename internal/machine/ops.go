package machine

// Condition is an integer comparison.
type Condition uint8

const (
	CondEqual Condition = iota
	CondNotEqual
	CondSignedLess
	CondSignedLessEqual
	CondSignedGreater
	CondSignedGreaterEqual
	CondUnsignedLess
	CondUnsignedLessEqual
	CondUnsignedGreater
	CondUnsignedGreaterEqual
)

var conditionNames = [...]string{
	CondEqual:                "eq",
	CondNotEqual:             "ne",
	CondSignedLess:           "lt_s",
	CondSignedLessEqual:      "le_s",
	CondSignedGreater:        "gt_s",
	CondSignedGreaterEqual:   "ge_s",
	CondUnsignedLess:         "lt_u",
	CondUnsignedLessEqual:    "le_u",
	CondUnsignedGreater:      "gt_u",
	CondUnsignedGreaterEqual: "ge_u",
}

func (c Condition) String() string { return conditionNames[c] }

// Evaluate applies the condition to two operands of the given size.
func (c Condition) Evaluate(sz Size, a, b uint64) bool {
	if sz == S32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}
	sa, sb := int64(a), int64(b)
	if sz == S32 {
		sa, sb = int64(int32(a)), int64(int32(b))
	}
	switch c {
	case CondEqual:
		return a == b
	case CondNotEqual:
		return a != b
	case CondSignedLess:
		return sa < sb
	case CondSignedLessEqual:
		return sa <= sb
	case CondSignedGreater:
		return sa > sb
	case CondSignedGreaterEqual:
		return sa >= sb
	case CondUnsignedLess:
		return a < b
	case CondUnsignedLessEqual:
		return a <= b
	case CondUnsignedGreater:
		return a > b
	case CondUnsignedGreaterEqual:
		return a >= b
	}
	return false
}

// FloatCondition is an IEEE 754 comparison. Every condition but FloatNotEqual is false
// when either operand is NaN.
type FloatCondition uint8

const (
	FloatEqual FloatCondition = iota
	FloatNotEqual
	FloatLess
	FloatLessEqual
	FloatGreater
	FloatGreaterEqual
)

// IntBinaryOp is a two operand integer operation.
type IntBinaryOp uint8

const (
	IntAdd IntBinaryOp = iota
	IntSub
	IntMul
	// IntDivS, IntDivU, IntRemS and IntRemU expect the caller to have excluded a zero divisor,
	// and IntDivS the overflowing quotient. IntRemS of the most negative value by -1 is 0.
	IntDivS
	IntDivU
	IntRemS
	IntRemU
	IntAnd
	IntOr
	IntXor
	// Shift and rotate counts are taken modulo the operand width.
	IntShl
	IntShrS
	IntShrU
	IntRotl
	IntRotr
)

// IntUnaryOp is a one operand integer operation.
type IntUnaryOp uint8

const (
	IntClz IntUnaryOp = iota
	IntCtz
	IntPopcnt
	IntExtend8S
	IntExtend16S
	IntExtend32S
)

// FloatBinaryOp is a two operand float operation.
type FloatBinaryOp uint8

const (
	FloatAdd FloatBinaryOp = iota
	FloatSub
	FloatMul
	FloatDiv
	// FloatMin and FloatMax produce the canonical NaN when either operand is NaN.
	FloatMin
	FloatMax
	FloatCopysign
)

// FloatUnaryOp is a one operand float operation.
type FloatUnaryOp uint8

const (
	FloatAbs FloatUnaryOp = iota
	FloatNeg
	FloatSqrt
	FloatCeil
	FloatFloor
	FloatTrunc
	FloatNearest
)

// ConvertOp is a conversion that cannot trap.
type ConvertOp uint8

const (
	ConvertI32WrapI64 ConvertOp = iota
	ConvertI64ExtendI32S
	ConvertI64ExtendI32U
	ConvertF32ConvertI32S
	ConvertF32ConvertI32U
	ConvertF32ConvertI64S
	ConvertF32ConvertI64U
	ConvertF64ConvertI32S
	ConvertF64ConvertI32U
	ConvertF64ConvertI64S
	ConvertF64ConvertI64U
	ConvertF32DemoteF64
	ConvertF64PromoteF32
)

// TruncOp is a float to integer truncation that traps on NaN and on results out of range.
type TruncOp uint8

const (
	TruncI32F32S TruncOp = iota
	TruncI32F32U
	TruncI32F64S
	TruncI32F64U
	TruncI64F32S
	TruncI64F32U
	TruncI64F64S
	TruncI64F64U
)

// SourceSize returns the width of the float operand.
func (o TruncOp) SourceSize() Size {
	switch o {
	case TruncI32F64S, TruncI32F64U, TruncI64F64S, TruncI64F64U:
		return S64
	}
	return S32
}

// ResultSize returns the width of the integer result.
func (o TruncOp) ResultSize() Size {
	if o >= TruncI64F32S {
		return S64
	}
	return S32
}

// Signed returns true for the signed variants.
func (o TruncOp) Signed() bool {
	switch o {
	case TruncI32F32S, TruncI32F64S, TruncI64F32S, TruncI64F64S:
		return true
	}
	return false
}

// Extension is the treatment of the bits a narrow load does not fill.
type Extension uint8

const (
	ZeroExtend Extension = iota
	SignExtend32
	SignExtend64
)

// TrapCode classifies a runtime trap.
type TrapCode uint8

const (
	TrapUnreachable TrapCode = iota + 1
	TrapIntegerDivisionByZero
	TrapIntegerOverflow
	TrapHeapAccessOutOfBounds
	TrapTableAccessOutOfBounds
	TrapIndirectCallToNull
	TrapBadSignature
)

var trapCodeNames = [...]string{
	TrapUnreachable:            "unreachable",
	TrapIntegerDivisionByZero:  "integer divide by zero",
	TrapIntegerOverflow:        "integer overflow",
	TrapHeapAccessOutOfBounds:  "out of bounds memory access",
	TrapTableAccessOutOfBounds: "undefined element",
	TrapIndirectCallToNull:     "uninitialized element",
	TrapBadSignature:           "indirect call type mismatch",
}

func (c TrapCode) String() string {
	if int(c) < len(trapCodeNames) && trapCodeNames[c] != "" {
		return trapCodeNames[c]
	}
	return "unknown trap"
}

// CallingConvention selects parameter registers, stack argument layout and shadow space.
type CallingConvention uint8

const (
	CallingConventionSystemV CallingConvention = iota
	CallingConventionWindowsFastcall
)

func (c CallingConvention) String() string {
	if c == CallingConventionWindowsFastcall {
		return "windows_fastcall"
	}
	return "system_v"
}

// Label is a code location that jumps target before or after it is bound.
type Label uint32

// Position is a handle to an emitted instruction whose offset is known after Finalize.
type Position uint32

// RelocationKind is how a relocated address is encoded in the code.
type RelocationKind uint8

const (
	// RelocationAbs8 is a 64-bit absolute address.
	RelocationAbs8 RelocationKind = iota
	// RelocationPCRel4 is a 32-bit displacement from the end of the field.
	RelocationPCRel4
)

// RelocationSite is where an address must be patched once the call target is placed.
type RelocationSite struct {
	// Position is the instruction holding the address.
	Position Position
	// Delta is the byte distance from the instruction start to the address field.
	Delta int
	Kind  RelocationKind
}
