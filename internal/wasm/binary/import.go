package binary

import (
	"bytes"
	"fmt"

	"github.com/tetratelabs/singlepass/internal/leb128"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

func decodeImport(r *bytes.Reader, idx uint32) (i *wasm.Import, err error) {
	i = &wasm.Import{}
	if i.Module, _, err = decodeUTF8(r, "import module"); err != nil {
		return nil, fmt.Errorf("import[%d] error decoding module: %w", idx, err)
	}

	if i.Name, _, err = decodeUTF8(r, "import name"); err != nil {
		return nil, fmt.Errorf("import[%d] error decoding name: %w", idx, err)
	}

	b, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("import[%d] error decoding type: %w", idx, err)
	}
	i.Kind = b
	switch i.Kind {
	case wasm.ExportKindFunc:
		i.DescFunc, _, err = leb128.DecodeUint32(r)
	case wasm.ExportKindTable:
		i.DescTable, err = decodeTable(r)
	case wasm.ExportKindMemory:
		i.DescMem, err = decodeMemory(r)
	case wasm.ExportKindGlobal:
		i.DescGlobal, err = decodeGlobalType(r)
	default:
		err = fmt.Errorf("%w: invalid byte for importdesc: %#x", ErrInvalidByte, b)
	}
	if err != nil {
		return nil, fmt.Errorf("import[%d] %s[%s.%s]: %w", idx, wasm.ExternTypeName(i.Kind), i.Module, i.Name, err)
	}
	return
}
