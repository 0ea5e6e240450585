package binary

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/tetratelabs/singlepass/internal/leb128"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

func decodeValueTypes(r *bytes.Reader, num uint32) ([]wasm.ValueType, error) {
	if num == 0 {
		return nil, nil
	}
	if int(num) > r.Len() {
		return nil, fmt.Errorf("%d value types but only %d bytes left", num, r.Len())
	}
	ret := make([]wasm.ValueType, num)
	if _, err := io.ReadFull(r, ret); err != nil {
		return nil, err
	}
	for _, v := range ret {
		if err := validateValueType(v); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func validateValueType(v wasm.ValueType) error {
	switch v {
	case wasm.ValueTypeI32, wasm.ValueTypeF32, wasm.ValueTypeI64, wasm.ValueTypeF64,
		wasm.ValueTypeFuncref, wasm.ValueTypeExternref:
		return nil
	case wasm.ValueTypeV128:
		return fmt.Errorf("v128 is not supported")
	}
	return fmt.Errorf("%w: invalid value type: %#x", ErrInvalidByte, v)
}

func decodeRefType(r *bytes.Reader) (wasm.ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("read reference type: %w", err)
	}
	if !wasm.IsReference(b) {
		return 0, fmt.Errorf("%w: invalid reference type: %#x", ErrInvalidByte, b)
	}
	return b, nil
}

// decodeUTF8 decodes a size prefixed string from the reader, returning it and the count of bytes read.
// contextFormat and contextArgs apply an error format when present
func decodeUTF8(r *bytes.Reader, contextFormat string, contextArgs ...interface{}) (string, uint32, error) {
	size, sizeOfSize, err := leb128.DecodeUint32(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read %s size: %w", fmt.Sprintf(contextFormat, contextArgs...), err)
	}
	if int(size) > r.Len() {
		return "", 0, fmt.Errorf("%s of size %d exceeds the %d bytes left", fmt.Sprintf(contextFormat, contextArgs...), size, r.Len())
	}

	buf := make([]byte, size)
	if _, err = io.ReadFull(r, buf); err != nil {
		return "", 0, fmt.Errorf("failed to read %s: %w", fmt.Sprintf(contextFormat, contextArgs...), err)
	}

	if !utf8.Valid(buf) {
		return "", 0, fmt.Errorf("%s is not valid UTF-8", fmt.Sprintf(contextFormat, contextArgs...))
	}

	return string(buf), size + uint32(sizeOfSize), nil
}

// decodeIndices reads a vector of indices.
func decodeIndices(r *bytes.Reader, context string) ([]wasm.Index, error) {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of %s vector: %w", context, err)
	}
	if int(vs) > r.Len() {
		return nil, fmt.Errorf("%d %s but only %d bytes left", vs, context, r.Len())
	}
	ret := make([]wasm.Index, vs)
	for i := range ret {
		if ret[i], _, err = leb128.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read %s[%d]: %w", context, i, err)
		}
	}
	return ret, nil
}
