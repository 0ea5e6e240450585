package singlepass

import (
	"fmt"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// GenImportTrampoline emits the code local functions call to reach the imported function at
// funcIndex. It replaces the caller's context argument by the context of the import and jumps to
// the import's body, leaving every other argument in place.
func GenImportTrampoline(m machine.Machine, offsets *wasm.ContextOffsets, funcIndex wasm.Index, cfg *Config) (*CustomSection, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	ctx := m.ParamRegisters(cfg.callingConvention)[0]
	target := m.CallTargetRegister()

	m.EmitMove(machine.S64, machine.Memory(ctx, int32(offsets.ImportedFunctionBody(funcIndex))), machine.GPR(target))
	m.EmitMove(machine.S64, machine.Memory(ctx, int32(offsets.ImportedFunctionContext(funcIndex))), machine.GPR(ctx))
	m.EmitJumpRegister(target)

	body, err := m.Finalize()
	if err != nil {
		return nil, fmt.Errorf("import trampoline %d: %w", funcIndex, err)
	}
	return &CustomSection{Bytes: body}, nil
}
