package singlepass

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// CompileModule compiles the local functions of a module, whose code section entries are codes,
// and the call trampolines of its imported functions. Each function is compiled with its own
// Machine, created by newMachine, on up to the configured number of goroutines.
func CompileModule(ctx context.Context, module *wasm.ModuleInfo, codes []*wasm.Code, newMachine func() machine.Machine,
	cfg *Config) (*CompiledModule, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if uint32(len(codes)) != module.LocalFunctionCount() {
		return nil, fmt.Errorf("%d function bodies for %d local functions", len(codes), module.LocalFunctionCount())
	}
	logger := cfg.getLogger()
	offsets := wasm.NewContextOffsets(module)
	ret := &CompiledModule{
		Functions:      make([]*CompiledFunction, len(codes)),
		CustomSections: make([]*CustomSection, module.ImportedFunctionCount),
		Offsets:        offsets,
		Config:         cfg,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.parallelism)
	for i, code := range codes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			funcIndex := module.ImportedFunctionCount + wasm.Index(i)
			f, err := CompileFunction(newMachine(), module, offsets, funcIndex, code, cfg)
			if err != nil {
				return fmt.Errorf("function[%d]: %w", funcIndex, err)
			}
			ret.Functions[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := wasm.Index(0); i < module.ImportedFunctionCount; i++ {
		s, err := GenImportTrampoline(newMachine(), offsets, i, cfg)
		if err != nil {
			return nil, err
		}
		ret.CustomSections[i] = s
	}

	logger.Debug("module compiled", zap.Int("functions", len(ret.Functions)),
		zap.Int("trampolines", len(ret.CustomSections)))
	return ret, nil
}
