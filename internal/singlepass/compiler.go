package singlepass

import (
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// FunctionCompiler translates the operators of one function body into machine code in a single
// pass. Operators are fed in order with FeedOperator and Finalize returns the compiled function.
//
// A FunctionCompiler is not safe for concurrent use. Compile distinct functions with distinct
// compilers and machines.
type FunctionCompiler struct {
	m       machine.Machine
	cfg     *Config
	logger  *zap.Logger
	module  *wasm.ModuleInfo
	offsets *wasm.ContextOffsets

	funcIndex      wasm.Index
	localFuncIndex int
	signature      *wasm.FunctionType
	// localTypes are the parameter types followed by the declared local types.
	localTypes []wasm.ValueType
	locals     []machine.Location

	// valueStack is the location of each value on the WebAssembly operand stack.
	valueStack []machine.Location
	// fpStack has one entry per float value of valueStack, in the same order.
	fpStack      []floatValue
	controlStack []*controlFrame
	// unreachableDepth counts the blocks opened since the code became unreachable, plus one.
	unreachableDepth int

	state *MachineState
	// stackOffset is the number of bytes allocated below the frame pointer.
	stackOffset uint32
	// saveAreaOffset is stackOffset once the callee-saved registers are stored.
	saveAreaOffset uint32
	// frameBaseOffset is stackOffset once the locals are allocated.
	frameBaseOffset uint32
	usedRegs        [machine.NumRegisters]bool
	usedTemps       [machine.NumRegisters]bool

	canonicalize bool
	specialLabels

	fsm        *FunctionStateMap
	pending    []pendingOffset
	traps      []pendingTrap
	relocs     []pendingRelocation
	addresses  []pendingAddress
	finalized  bool
	lastOffset uint64

	// onStateDiff observes every recorded diff together with the state it leads to.
	onStateDiff func(id int, s *MachineState)
}

// specialLabels are the trap labels shared by every check of the function. Each is bound to a
// trap instruction emitted once at the end of the function.
type specialLabels struct {
	integerDivisionByZero machine.Label
	integerOverflow       machine.Label
	heapAccessOOB         machine.Label
	tableAccessOOB        machine.Label
	indirectCallNull      machine.Label
	badSignature          machine.Label
}

type pendingTrap struct {
	position machine.Position
	code     machine.TrapCode
}

type pendingRelocation struct {
	site   machine.RelocationSite
	target RelocationTarget
}

type pendingAddress struct {
	srcLoc     uint64
	start, end machine.Position
}

// NewFunctionCompiler emits the prologue of the function at the full index funcIndex, whose
// declared locals follow its parameters in localTypes.
func NewFunctionCompiler(m machine.Machine, module *wasm.ModuleInfo, offsets *wasm.ContextOffsets, funcIndex wasm.Index,
	localTypes []wasm.ValueType, cfg *Config) (*FunctionCompiler, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if module.IsImportedFunction(funcIndex) {
		return nil, fmt.Errorf("function %d is imported", funcIndex)
	}
	sig, err := module.FunctionType(funcIndex)
	if err != nil {
		return nil, err
	}
	if len(sig.Results) > 1 {
		return nil, codegenErrorf("function %d returns %d values", funcIndex, len(sig.Results))
	}
	for _, t := range localTypes {
		if t == wasm.ValueTypeV128 {
			return nil, codegenErrorf("function %d: v128 locals are not supported", funcIndex)
		}
	}
	for _, t := range sig.Params {
		if t == wasm.ValueTypeV128 {
			return nil, codegenErrorf("function %d: v128 parameters are not supported", funcIndex)
		}
	}

	c := &FunctionCompiler{
		m:              m,
		cfg:            cfg,
		logger:         cfg.getLogger(),
		module:         module,
		offsets:        offsets,
		funcIndex:      funcIndex,
		localFuncIndex: int(funcIndex - module.ImportedFunctionCount),
		signature:      sig,
		state:          NewMachineState(),
		canonicalize:   cfg.enableNaNCanonicalization && m.SupportsCanonicalizeNaN(),
	}
	c.localTypes = make([]wasm.ValueType, 0, len(sig.Params)+len(localTypes))
	c.localTypes = append(c.localTypes, sig.Params...)
	c.localTypes = append(c.localTypes, localTypes...)
	c.state.WasmInstOffset = ^uint64(0)
	c.fsm = newFunctionStateMap(NewMachineState(), c.localFuncIndex, m.ShadowSpace(cfg.callingConvention),
		append([]byte(nil), c.localTypes...))

	c.specialLabels = specialLabels{
		integerDivisionByZero: m.NewLabel(),
		integerOverflow:       m.NewLabel(),
		heapAccessOOB:         m.NewLabel(),
		tableAccessOOB:        m.NewLabel(),
		indirectCallNull:      m.NewLabel(),
		badSignature:          m.NewLabel(),
	}
	c.emitHead()
	return c, nil
}

// emitHead emits the prologue, saves the callee-saved registers, moves the parameters into their
// locals and opens the function's control frame.
func (c *FunctionCompiler) emitHead() {
	c.m.EmitFunctionPrologue()
	c.locals = c.initLocals()
	c.state.RegisterValues[c.m.VMContextRegister()] = vmctxValue

	diff := c.state.Diff(c.fsm.Initial)
	diffID := NoStateDiff
	if c.cfg.enableStateTracking {
		diffID = len(c.fsm.Diffs)
		c.fsm.Diffs = append(c.fsm.Diffs, diff)
		c.observeDiff(diffID)
	}

	c.controlStack = append(c.controlStack, &controlFrame{
		label:       c.m.NewLabel(),
		returns:     c.signature.Results,
		state:       c.state.Clone(),
		stateDiffID: diffID,
	})
	c.pending = append(c.pending, pendingOffset{
		kind: SuspendOffsetLoop, position: c.m.Position(), diff: diffID, header: true,
	})
}

// initLocals allocates the locals, the first ones in callee-saved registers and the others in
// stack slots below the register save area, and initializes them.
func (c *FunctionCompiler) initLocals() []machine.Location {
	localRegs := c.m.LocalGPRs()
	n := len(c.localTypes)
	numRegs := n
	if numRegs > len(localRegs) {
		numRegs = len(localRegs)
	}
	numSlots := n - numRegs

	// The save area holds the local registers and the context register.
	saveArea := 8 * uint32(numRegs+1)
	locations := make([]machine.Location, n)
	for i := range locations {
		if i < numRegs {
			locations[i] = machine.GPR(localRegs[i])
		} else {
			locations[i] = c.localOnStack(saveArea + 8*uint32(i-numRegs+1))
		}
	}

	c.m.EmitGrowStack(saveArea + 8*uint32(numSlots))
	for i := 0; i < numRegs; i++ {
		c.stackOffset += 8
		c.m.EmitMove(machine.S64, locations[i], c.localOnStack(c.stackOffset))
		c.state.StackValues = append(c.state.StackValues, preserveRegisterValue(localRegs[i]))
	}
	vmctx := c.m.VMContextRegister()
	c.stackOffset += 8
	c.m.EmitMove(machine.S64, machine.GPR(vmctx), c.localOnStack(c.stackOffset))
	c.state.StackValues = append(c.state.StackValues, preserveRegisterValue(vmctx))
	c.saveAreaOffset = c.stackOffset

	for i, loc := range locations {
		if loc.IsRegister() {
			c.state.RegisterValues[loc.Reg] = wasmLocalValue(i)
		} else {
			c.stackOffset += 8
			c.state.StackValues = append(c.state.StackValues, wasmLocalValue(i))
		}
	}
	c.frameBaseOffset = c.stackOffset

	cc := c.cfg.callingConvention
	for i := range c.signature.Params {
		c.m.EmitMove(machine.S64, c.m.ParamLocation(i+1, cc), locations[i])
	}
	c.m.EmitMove(machine.S64, c.m.ParamLocation(0, cc), machine.GPR(vmctx))
	for i := len(c.signature.Params); i < n; i++ {
		c.m.EmitMove(machine.S64, machine.Imm32(0), locations[i])
	}
	return locations
}

// emitTail restores the callee-saved registers and returns. The result, if any, is already in
// the return register.
func (c *FunctionCompiler) emitTail() {
	c.m.EmitLoadAddress(c.localOnStack(c.saveAreaOffset), c.m.StackPointer())
	c.m.EmitPop(machine.S64, machine.GPR(c.m.VMContextRegister()))
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].IsRegister() {
			c.m.EmitPop(machine.S64, c.locals[i])
		}
	}
	c.m.EmitFunctionEpilogue()
	c.m.EmitReturn()
}

// localOnStack returns the frame slot at the given distance below the frame pointer.
func (c *FunctionCompiler) localOnStack(offset uint32) machine.Location {
	return machine.Memory(c.m.FramePointer(), -int32(offset))
}

// FeedOperator compiles the next operator of the body.
func (c *FunctionCompiler) FeedOperator(op *wasm.Operator) error {
	if c.finalized {
		return codegenErrorf("operator fed after Finalize")
	}
	if len(c.controlStack) == 0 {
		return codegenErrorf("%s at offset %#x: operator after the end of the function", op.Name(), op.Offset)
	}
	c.state.WasmInstOffset = op.Offset
	c.lastOffset = op.Offset
	if ce := c.logger.Check(zapcore.DebugLevel, "compiling operator"); ce != nil {
		ce.Write(zap.Uint32("func", c.funcIndex), zap.Uint64("offset", op.Offset), zap.Stringer("op", op),
			zap.Int("stack", len(c.valueStack)), zap.Bool("unreachable", c.unreachableDepth > 0))
	}

	start := c.m.Position()
	if err := c.feed(op); err != nil {
		c.logger.Warn("code generation failed", zap.Uint32("func", c.funcIndex), zap.Uint64("offset", op.Offset),
			zap.Stringer("op", op), zap.Error(err))
		return err
	}
	c.addresses = append(c.addresses, pendingAddress{srcLoc: op.Offset, start: start, end: c.m.Position()})

	if c.cfg.invariantChecks {
		if err := c.checkInvariants(); err != nil {
			return fmt.Errorf("after %s at offset %#x: %w", op.Name(), op.Offset, err)
		}
	}
	return nil
}

// Finalize emits the trap stubs of the special labels, resolves the code and returns the
// compiled function with its metadata.
func (c *FunctionCompiler) Finalize() (*CompiledFunction, error) {
	if c.finalized {
		return nil, codegenErrorf("already finalized")
	}
	if len(c.controlStack) != 0 {
		return nil, codegenErrorf("function %d: %d control frames left open", c.funcIndex, len(c.controlStack))
	}
	c.finalized = true

	for _, s := range []struct {
		label machine.Label
		code  machine.TrapCode
	}{
		{c.integerDivisionByZero, machine.TrapIntegerDivisionByZero},
		{c.integerOverflow, machine.TrapIntegerOverflow},
		{c.heapAccessOOB, machine.TrapHeapAccessOutOfBounds},
		{c.tableAccessOOB, machine.TrapTableAccessOutOfBounds},
		{c.indirectCallNull, machine.TrapIndirectCallToNull},
		{c.badSignature, machine.TrapBadSignature},
	} {
		c.m.BindLabel(s.label)
		c.traps = append(c.traps, pendingTrap{position: c.m.EmitTrap(s.code), code: s.code})
	}

	body, err := c.m.Finalize()
	if err != nil {
		return nil, fmt.Errorf("function %d: %w", c.funcIndex, err)
	}

	c.fsm.resolve(c.m, c.pending)

	ret := &CompiledFunction{Body: body}
	ret.FrameInfo.StateMap = c.fsm
	for _, t := range c.traps {
		ret.FrameInfo.Traps = append(ret.FrameInfo.Traps, TrapInformation{CodeOffset: c.m.OffsetOf(t.position), Code: t.code})
	}
	sort.Slice(ret.FrameInfo.Traps, func(i, j int) bool {
		return ret.FrameInfo.Traps[i].CodeOffset < ret.FrameInfo.Traps[j].CodeOffset
	})

	for _, r := range c.relocs {
		ret.Relocations = append(ret.Relocations, Relocation{
			Kind:   r.site.Kind,
			Target: r.target,
			Offset: c.m.OffsetOf(r.site.Position) + uint32(r.site.Delta),
		})
	}

	am := &ret.FrameInfo.AddressMap
	am.BodyLen = uint32(len(body))
	for i, a := range c.addresses {
		start, end := c.m.OffsetOf(a.start), c.m.OffsetOf(a.end)
		if i == 0 {
			am.StartSrcLoc = a.srcLoc
		}
		am.EndSrcLoc = a.srcLoc
		if end > start {
			am.Instructions = append(am.Instructions, InstructionAddress{SrcLoc: a.srcLoc, CodeOffset: start, CodeLen: end - start})
		}
	}

	if ce := c.logger.Check(zapcore.DebugLevel, "function compiled"); ce != nil {
		ce.Write(zap.Uint32("func", c.funcIndex), zap.Int("code_size", len(body)), zap.Int("relocations", len(ret.Relocations)),
			zap.Int("traps", len(ret.FrameInfo.Traps)), zap.Int("state_diffs", len(c.fsm.Diffs)))
	}
	return ret, nil
}

// CompileFunction compiles the local function at the full index funcIndex.
func CompileFunction(m machine.Machine, module *wasm.ModuleInfo, offsets *wasm.ContextOffsets, funcIndex wasm.Index,
	code *wasm.Code, cfg *Config) (*CompiledFunction, error) {
	c, err := NewFunctionCompiler(m, module, offsets, funcIndex, code.LocalTypes, cfg)
	if err != nil {
		return nil, err
	}
	r := wasm.NewOperatorReader(module, code.Body, code.BodyOffset)
	for {
		op, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if err = c.FeedOperator(&op); err != nil {
			return nil, err
		}
	}
	return c.Finalize()
}
