package binary

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tetratelabs/singlepass/internal/leb128"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// elementSegmentPrefix represents the eight forms of element segments.
//
// https://www.w3.org/TR/2022/WD-wasm-core-2-20220419/binary/modules.html#element-section
type elementSegmentPrefix = uint32

const (
	elementSegmentPrefixLegacy elementSegmentPrefix = iota
	elementSegmentPrefixPassiveFuncrefValueVector
	elementSegmentPrefixActiveFuncrefValueVector
	elementSegmentPrefixDeclarativeFuncrefValueVector
	elementSegmentPrefixActiveFuncrefConstExprVector
	elementSegmentPrefixPassiveConstExprVector
	elementSegmentPrefixActiveConstExprVector
	elementSegmentPrefixDeclarativeConstExprVector
)

// ErrNullElement is returned for element expressions other than ref.func, which tables of
// function indices cannot hold.
var ErrNullElement = errors.New("element expressions other than ref.func are not supported")

func decodeElementInitValueVector(r *bytes.Reader) ([]wasm.Index, error) {
	return decodeIndices(r, "elements")
}

func decodeElementConstExprVector(r *bytes.Reader) ([]wasm.Index, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("failed to get the size of constexpr vector: %w", err)
	}
	if int(vs) > r.Len() {
		return nil, fmt.Errorf("%d elements but only %d bytes left", vs, r.Len())
	}
	vec := make([]wasm.Index, vs)
	for i := range vec {
		expr, err := decodeConstantExpression(r)
		if err != nil {
			return nil, err
		}
		if expr.Opcode != wasm.OpcodeRefFunc {
			return nil, fmt.Errorf("element[%d]: %w", i, ErrNullElement)
		}
		if vec[i], _, err = leb128.LoadUint32(expr.Data); err != nil {
			return nil, fmt.Errorf("element[%d]: %w", i, err)
		}
	}
	return vec, nil
}

func decodeElementRefType(r *bytes.Reader) error {
	ret, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read element ref type: %w", err)
	}
	if ret != wasm.ValueTypeFuncref {
		return fmt.Errorf("%w: element type must be funcref, not %#x", ErrInvalidByte, ret)
	}
	return nil
}

// elemKindFuncRef is the only element kind byte.
const elemKindFuncRef = 0x00

func decodeElemKind(r *bytes.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("read element kind: %w", err)
	}
	if b != elemKindFuncRef {
		return fmt.Errorf("%w: element kind must be zero but was %#x", ErrInvalidByte, b)
	}
	return nil
}

func decodeElementSegment(r *bytes.Reader) (*wasm.ElementSegment, error) {
	prefix, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read element prefix: %w", err)
	}

	ret := &wasm.ElementSegment{}
	switch prefix {
	case elementSegmentPrefixLegacy:
		if ret.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read expr for offset: %w", err)
		}
		ret.Init, err = decodeElementInitValueVector(r)
	case elementSegmentPrefixPassiveFuncrefValueVector, elementSegmentPrefixDeclarativeFuncrefValueVector:
		if err = decodeElemKind(r); err != nil {
			return nil, err
		}
		ret.Declarative = prefix == elementSegmentPrefixDeclarativeFuncrefValueVector
		ret.Init, err = decodeElementInitValueVector(r)
	case elementSegmentPrefixActiveFuncrefValueVector:
		if ret.TableIndex, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("get size of vector: %w", err)
		}
		if ret.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read expr for offset: %w", err)
		}
		if err = decodeElemKind(r); err != nil {
			return nil, err
		}
		ret.Init, err = decodeElementInitValueVector(r)
	case elementSegmentPrefixActiveFuncrefConstExprVector:
		if ret.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read expr for offset: %w", err)
		}
		ret.Init, err = decodeElementConstExprVector(r)
	case elementSegmentPrefixPassiveConstExprVector, elementSegmentPrefixDeclarativeConstExprVector:
		if err = decodeElementRefType(r); err != nil {
			return nil, err
		}
		ret.Declarative = prefix == elementSegmentPrefixDeclarativeConstExprVector
		ret.Init, err = decodeElementConstExprVector(r)
	case elementSegmentPrefixActiveConstExprVector:
		if ret.TableIndex, _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("get size of vector: %w", err)
		}
		if ret.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read expr for offset: %w", err)
		}
		if err = decodeElementRefType(r); err != nil {
			return nil, err
		}
		ret.Init, err = decodeElementConstExprVector(r)
	default:
		return nil, fmt.Errorf("invalid element segment prefix: 0x%x", prefix)
	}
	if err != nil {
		return nil, err
	}
	return ret, nil
}
