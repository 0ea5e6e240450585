// Package binary decodes modules in the WebAssembly binary format into wasm.Module.
package binary

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/singlepass/internal/leb128"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// DecodeModule decodes the WebAssembly 1.0 (20191205) Binary Format, plus the bulk memory and
// reference type extensions the code generator understands.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-format%E2%91%A0
func DecodeModule(binary []byte) (*wasm.Module, error) {
	r := bytes.NewReader(binary)

	// Magic number.
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, Magic) {
		return nil, ErrInvalidMagicNumber
	}

	// Version.
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, version) {
		return nil, ErrInvalidVersion
	}

	d := &moduleDecoder{m: &wasm.Module{Info: &wasm.ModuleInfo{}}}
	lastOrder := -1
	for {
		sectionID, err := r.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read section id: %w", err)
		}

		sectionSize, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("get size of section %s: %v", SectionIDName(sectionID), err)
		}
		if int(sectionSize) > r.Len() {
			return nil, fmt.Errorf("section %s of size %d exceeds the %d bytes left", SectionIDName(sectionID), sectionSize, r.Len())
		}

		sectionStart := uint64(r.Size()) - uint64(r.Len())
		section := bytes.NewReader(binary[sectionStart : sectionStart+uint64(sectionSize)])
		if _, err = r.Seek(int64(sectionSize), io.SeekCurrent); err != nil {
			return nil, err
		}

		if sectionID != SectionIDCustom {
			if sectionID > SectionIDDataCount {
				return nil, fmt.Errorf("%w: %#x", ErrInvalidSectionID, sectionID)
			}
			order := sectionOrder(sectionID)
			if order <= lastOrder {
				return nil, fmt.Errorf("section %s out of order", SectionIDName(sectionID))
			}
			lastOrder = order
		}

		if err = d.decodeSection(sectionID, section, sectionStart); err != nil {
			return nil, fmt.Errorf("section %s: %w", SectionIDName(sectionID), err)
		}
		if section.Len() != 0 {
			return nil, fmt.Errorf("section %s: %d of %d bytes left unread", SectionIDName(sectionID), section.Len(), sectionSize)
		}
	}

	return d.finish()
}

// moduleDecoder accumulates the sections of one module.
type moduleDecoder struct {
	m               *wasm.Module
	localFunctions  []wasm.Index
	localTables     []*wasm.TableType
	localMemories   []*wasm.MemoryType
	localGlobals    []*wasm.GlobalType
	importFunctions []wasm.Index
	importTables    []*wasm.TableType
	importMemories  []*wasm.MemoryType
	importGlobals   []*wasm.GlobalType
	dataCount       *uint32
}

func (d *moduleDecoder) decodeSection(id SectionID, r *bytes.Reader, base uint64) error {
	switch id {
	case SectionIDCustom:
		// Names and other custom sections do not affect code generation.
		_, err := r.Seek(0, io.SeekEnd)
		return err
	case SectionIDType:
		return decodeVector(r, "types", func(r *bytes.Reader, _ uint32) error {
			ft, err := decodeFunctionType(r)
			if err == nil {
				d.m.Info.Types = append(d.m.Info.Types, ft)
			}
			return err
		})
	case SectionIDImport:
		return decodeVector(r, "imports", func(r *bytes.Reader, i uint32) error {
			imp, err := decodeImport(r, i)
			if err != nil {
				return err
			}
			d.m.Imports = append(d.m.Imports, imp)
			switch imp.Kind {
			case wasm.ExportKindFunc:
				d.importFunctions = append(d.importFunctions, imp.DescFunc)
			case wasm.ExportKindTable:
				d.importTables = append(d.importTables, imp.DescTable)
			case wasm.ExportKindMemory:
				d.importMemories = append(d.importMemories, imp.DescMem)
			case wasm.ExportKindGlobal:
				d.importGlobals = append(d.importGlobals, imp.DescGlobal)
			}
			return nil
		})
	case SectionIDFunction:
		indices, err := decodeIndices(r, "functions")
		d.localFunctions = indices
		return err
	case SectionIDTable:
		return decodeVector(r, "tables", func(r *bytes.Reader, _ uint32) error {
			t, err := decodeTable(r)
			if err == nil {
				d.localTables = append(d.localTables, t)
			}
			return err
		})
	case SectionIDMemory:
		return decodeVector(r, "memories", func(r *bytes.Reader, _ uint32) error {
			mem, err := decodeMemory(r)
			if err == nil {
				d.localMemories = append(d.localMemories, mem)
			}
			return err
		})
	case SectionIDGlobal:
		return decodeVector(r, "globals", func(r *bytes.Reader, _ uint32) error {
			gt, init, err := decodeGlobal(r)
			if err == nil {
				d.localGlobals = append(d.localGlobals, gt)
				d.m.GlobalInits = append(d.m.GlobalInits, init)
			}
			return err
		})
	case SectionIDExport:
		names := map[string]struct{}{}
		return decodeVector(r, "exports", func(r *bytes.Reader, i uint32) error {
			e, err := decodeExport(r)
			if err != nil {
				return fmt.Errorf("read export[%d]: %w", i, err)
			}
			if _, ok := names[e.Name]; ok {
				return fmt.Errorf("export[%d] duplicates name %q", i, e.Name)
			}
			names[e.Name] = struct{}{}
			d.m.Exports = append(d.m.Exports, e)
			return nil
		})
	case SectionIDStart:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return fmt.Errorf("get function index: %w", err)
		}
		d.m.StartFunction = &idx
		return nil
	case SectionIDElement:
		return decodeVector(r, "elements", func(r *bytes.Reader, i uint32) error {
			e, err := decodeElementSegment(r)
			if err != nil {
				return fmt.Errorf("read element[%d]: %w", i, err)
			}
			d.m.Elements = append(d.m.Elements, e)
			return nil
		})
	case SectionIDCode:
		return decodeVector(r, "codes", func(r *bytes.Reader, i uint32) error {
			c, err := decodeCode(r, base)
			if err != nil {
				return fmt.Errorf("read code[%d]: %w", i, err)
			}
			d.m.Codes = append(d.m.Codes, c)
			return nil
		})
	case SectionIDData:
		return decodeVector(r, "data", func(r *bytes.Reader, i uint32) error {
			s, err := decodeDataSegment(r)
			if err != nil {
				return fmt.Errorf("read data segment[%d]: %w", i, err)
			}
			d.m.Data = append(d.m.Data, s)
			return nil
		})
	case SectionIDDataCount:
		v, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return err
		}
		d.dataCount = &v
		return nil
	}
	return fmt.Errorf("%w: %#x", ErrInvalidSectionID, id)
}

// decodeVector reads the count of a vector and calls fn for each entry.
func decodeVector(r *bytes.Reader, context string, fn func(r *bytes.Reader, i uint32) error) error {
	vs, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return fmt.Errorf("get size of %s vector: %w", context, err)
	}
	if int(vs) > r.Len() {
		return fmt.Errorf("%d %s but only %d bytes left", vs, context, r.Len())
	}
	for i := uint32(0); i < vs; i++ {
		if err = fn(r, i); err != nil {
			return err
		}
	}
	return nil
}

// finish builds the index spaces, imports first, and checks the counts the sections must agree on.
func (d *moduleDecoder) finish() (*wasm.Module, error) {
	m, info := d.m, d.m.Info

	info.ImportedFunctionCount = uint32(len(d.importFunctions))
	info.ImportedTableCount = uint32(len(d.importTables))
	info.ImportedMemoryCount = uint32(len(d.importMemories))
	info.ImportedGlobalCount = uint32(len(d.importGlobals))

	info.Functions = append(d.importFunctions, d.localFunctions...)
	info.Tables = append(d.importTables, d.localTables...)
	info.Memories = append(d.importMemories, d.localMemories...)
	info.Globals = append(d.importGlobals, d.localGlobals...)

	for i, typeIndex := range info.Functions {
		if int(typeIndex) >= len(info.Types) {
			return nil, fmt.Errorf("function[%d] has invalid type index %d", i, typeIndex)
		}
	}
	if len(d.localFunctions) != len(m.Codes) {
		return nil, fmt.Errorf("function and code section have inconsistent lengths: %d != %d", len(d.localFunctions), len(m.Codes))
	}
	if len(info.Memories) > 1 {
		return nil, errors.New("multiple memories are not supported")
	}
	if d.dataCount != nil && int(*d.dataCount) != len(m.Data) {
		return nil, fmt.Errorf("data count section (%d) doesn't match the length of data section (%d)", *d.dataCount, len(m.Data))
	}

	info.ElementCount = uint32(len(m.Elements))
	info.DataCount = uint32(len(m.Data))

	funcCount := uint32(len(info.Functions))
	if m.StartFunction != nil && *m.StartFunction >= funcCount {
		return nil, fmt.Errorf("invalid start function index %d", *m.StartFunction)
	}
	for _, e := range m.Exports {
		var count int
		switch e.Kind {
		case wasm.ExportKindFunc:
			count = len(info.Functions)
		case wasm.ExportKindTable:
			count = len(info.Tables)
		case wasm.ExportKindMemory:
			count = len(info.Memories)
		case wasm.ExportKindGlobal:
			count = len(info.Globals)
		}
		if int(e.Index) >= count {
			return nil, fmt.Errorf("export %q refers to unknown %s %d", e.Name, wasm.ExternTypeName(e.Kind), e.Index)
		}
	}
	for i, e := range m.Elements {
		for _, f := range e.Init {
			if f >= funcCount {
				return nil, fmt.Errorf("element[%d] refers to unknown function %d", i, f)
			}
		}
	}
	return m, nil
}
