package binary

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/singlepass/internal/wasm"
)

// memoryLimitPages is the maximum number of pages of a 32-bit memory.
const memoryLimitPages = uint32(65536)

// decodeMemory returns the wasm.MemoryType decoded with the WebAssembly 1.0 (20191205) Binary Format.
// A memory without maximum has a zero Max.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-memory
func decodeMemory(r *bytes.Reader) (*wasm.MemoryType, error) {
	min, maxP, err := decodeLimitsType(r)
	if err != nil {
		return nil, err
	}
	if min > memoryLimitPages {
		return nil, fmt.Errorf("min %d pages outside range of %d pages", min, memoryLimitPages)
	}
	ret := &wasm.MemoryType{Min: min}
	if maxP != nil {
		if *maxP > memoryLimitPages {
			return nil, fmt.Errorf("max %d pages outside range of %d pages", *maxP, memoryLimitPages)
		} else if min > *maxP {
			return nil, fmt.Errorf("min %d pages > max %d pages", min, *maxP)
		}
		ret.Max = *maxP
	}
	return ret, nil
}
