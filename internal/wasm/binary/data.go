package binary

import (
	"bytes"
	"fmt"
	"io"

	"github.com/tetratelabs/singlepass/internal/leb128"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// dataSegmentPrefix represents three types of data segments.
//
// https://www.w3.org/TR/2022/WD-wasm-core-2-20220419/binary/modules.html#data-section
type dataSegmentPrefix = uint32

const (
	// dataSegmentPrefixActive is the prefix for the version 1.0 compatible data segment, which is classified as "active" in 2.0.
	dataSegmentPrefixActive dataSegmentPrefix = 0x0
	// dataSegmentPrefixPassive prefixes the "passive" data segment as in version 2.0 specification.
	dataSegmentPrefixPassive dataSegmentPrefix = 0x1
	// dataSegmentPrefixActiveWithMemoryIndex is the active prefix with memory index encoded which is defined for future use as of 2.0.
	dataSegmentPrefixActiveWithMemoryIndex dataSegmentPrefix = 0x2
)

func decodeDataSegment(r *bytes.Reader) (*wasm.DataSegment, error) {
	dataSegmentPrefix, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read data segment prefix: %w", err)
	}

	ret := &wasm.DataSegment{}
	switch dataSegmentPrefix {
	case dataSegmentPrefixActive, dataSegmentPrefixActiveWithMemoryIndex:
		if dataSegmentPrefix == dataSegmentPrefixActiveWithMemoryIndex {
			if ret.MemoryIndex, _, err = leb128.DecodeUint32(r); err != nil {
				return nil, fmt.Errorf("read memory index: %v", err)
			}
		}
		if ret.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %v", err)
		}
	case dataSegmentPrefixPassive:
	default:
		return nil, fmt.Errorf("invalid data segment prefix: 0x%x", dataSegmentPrefix)
	}

	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of vector: %v", err)
	}
	if int(vs) > r.Len() {
		return nil, fmt.Errorf("data of size %d exceeds the %d bytes left", vs, r.Len())
	}

	ret.Init = make([]byte, vs)
	if _, err := io.ReadFull(r, ret.Init); err != nil {
		return nil, fmt.Errorf("read bytes for init: %v", err)
	}
	return ret, nil
}
