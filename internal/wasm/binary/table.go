package binary

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/singlepass/internal/wasm"
)

// maximumTableLength is the largest table a module may declare.
const maximumTableLength = uint32(1 << 27)

// decodeTable returns the wasm.TableType decoded with the WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-table
func decodeTable(r *bytes.Reader) (*wasm.TableType, error) {
	elemType, err := decodeRefType(r)
	if err != nil {
		return nil, err
	}

	min, max, err := decodeLimitsType(r)
	if err != nil {
		return nil, fmt.Errorf("read limits: %v", err)
	}
	if min > maximumTableLength {
		return nil, fmt.Errorf("table min must be at most %d", maximumTableLength)
	}
	if max != nil && *max < min {
		return nil, fmt.Errorf("table size minimum must not be greater than maximum")
	}
	return &wasm.TableType{ElemType: elemType, Min: min, Max: max}, nil
}
