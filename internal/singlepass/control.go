package singlepass

import (
	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

type ifElseKind uint8

const (
	ifElseNone ifElseKind = iota
	// ifElseIf is an if whose else branch has not started.
	ifElseIf
	// ifElseElse is an if in its else branch.
	ifElseElse
)

// controlFrame is an open block, loop, if or the function body.
type controlFrame struct {
	// label is where branches to the frame go: the loop head for loops, the end otherwise.
	label    machine.Label
	loopLike bool
	ifElse   ifElseKind
	// elseLabel is the start of the else branch of an if.
	elseLabel machine.Label
	returns   []wasm.ValueType
	// valueStackDepth and fpStackDepth are the stack heights when the frame was entered.
	valueStackDepth int
	fpStackDepth    int
	// state is the snapshot the next state diff is computed against.
	state       *MachineState
	stateDiffID int
}

// blockResults validates a block signature and returns its results.
func blockResults(bt *wasm.BlockType) ([]wasm.ValueType, error) {
	if bt == nil {
		return nil, nil
	}
	if len(bt.Params) != 0 || len(bt.Results) > 1 {
		return nil, codegenErrorf("multi-value blocks are not supported")
	}
	for _, t := range bt.Results {
		if t == wasm.ValueTypeV128 {
			return nil, codegenErrorf("v128 block results are not supported")
		}
	}
	return bt.Results, nil
}

// frameAt returns the frame a branch of the given relative depth targets.
func (c *FunctionCompiler) frameAt(relativeDepth wasm.Index) (*controlFrame, error) {
	if int(relativeDepth) >= len(c.controlStack) {
		return nil, codegenErrorf("branch depth %d exceeds %d open frames", relativeDepth, len(c.controlStack))
	}
	frame := c.controlStack[len(c.controlStack)-1-int(relativeDepth)]
	if frame.valueStackDepth > len(c.valueStack) {
		return nil, codegenErrorf("branch target expects %d values, stack has %d", frame.valueStackDepth, len(c.valueStack))
	}
	return frame, nil
}

// moveResultOut places the topmost value in the register that carries the results of frame,
// canonicalizing a pending NaN. A branch to a loop resumes at its header and carries no value.
func (c *FunctionCompiler) moveResultOut(frame *controlFrame, branch bool) error {
	if (branch && frame.loopLike) || len(frame.returns) == 0 {
		return nil
	}
	loc, err := c.peekValue()
	if err != nil {
		return err
	}
	typ := frame.returns[0]
	if !wasm.IsFloat(typ) {
		c.m.EmitMove(machine.S64, loc, machine.GPR(c.m.ReturnGPR()))
		return nil
	}
	fp, err := c.peekFloat()
	if err != nil {
		return err
	}
	dst := machine.FPR(c.m.ReturnFPR())
	if c.canonicalize && fp.pending != canonicalizeNone {
		c.m.EmitCanonicalizeNaN(fp.pending.size(), loc, dst)
	} else {
		c.m.EmitMove(machine.S64, loc, dst)
	}
	return nil
}

// emitBranch jumps to frame, passing its result and freeing the stack slots above it.
func (c *FunctionCompiler) emitBranch(frame *controlFrame) error {
	if err := c.moveResultOut(frame, true); err != nil {
		return err
	}
	if err := c.releaseLocationsKeepState(c.valueStack[frame.valueStackDepth:]); err != nil {
		return err
	}
	c.m.EmitJump(frame.label)
	return nil
}

func (c *FunctionCompiler) pushFrame(frame *controlFrame) {
	frame.valueStackDepth = len(c.valueStack)
	frame.fpStackDepth = len(c.fpStack)
	c.controlStack = append(c.controlStack, frame)
}

func (c *FunctionCompiler) compileBlock(op *wasm.Operator) error {
	returns, err := blockResults(op.Block)
	if err != nil {
		return err
	}
	id := c.getStateDiff()
	c.pushFrame(&controlFrame{label: c.m.NewLabel(), returns: returns, state: c.state.Clone(), stateDiffID: id})
	return nil
}

func (c *FunctionCompiler) compileLoop(op *wasm.Operator) error {
	returns, err := blockResults(op.Block)
	if err != nil {
		return err
	}
	c.m.AlignLoopHeader()
	label := c.m.NewLabel()
	id := c.getStateDiff()
	c.pushFrame(&controlFrame{label: label, loopLike: true, returns: returns, state: c.state.Clone(), stateDiffID: id})
	c.m.BindLabel(label)
	c.pending = append(c.pending, pendingOffset{
		kind: SuspendOffsetLoop, position: c.m.Position(), diff: id, wasmOffset: c.state.WasmInstOffset,
	})
	return nil
}

func (c *FunctionCompiler) compileIf(op *wasm.Operator) error {
	returns, err := blockResults(op.Block)
	if err != nil {
		return err
	}
	cond, err := c.popValueReleased()
	if err != nil {
		return err
	}
	frame := &controlFrame{label: c.m.NewLabel(), ifElse: ifElseIf, elseLabel: c.m.NewLabel(), returns: returns}
	frame.stateDiffID = c.getStateDiff()
	frame.state = c.state.Clone()
	c.pushFrame(frame)
	c.m.EmitJumpIf(machine.CondEqual, machine.S32, cond, machine.Imm32(0), frame.elseLabel)
	return nil
}

func (c *FunctionCompiler) compileElse(wasUnreachable bool) error {
	frame := c.controlStack[len(c.controlStack)-1]
	if frame.ifElse != ifElseIf {
		return codegenErrorf("else without if")
	}
	if !wasUnreachable {
		if err := c.moveResultOut(frame, false); err != nil {
			return err
		}
	}
	if err := c.releaseLocationsValue(frame.valueStackDepth, frame.fpStackDepth); err != nil {
		return err
	}
	c.m.EmitJump(frame.label)
	c.m.BindLabel(frame.elseLabel)
	frame.ifElse = ifElseElse
	return nil
}

func (c *FunctionCompiler) compileEnd(wasUnreachable bool) error {
	frame := c.controlStack[len(c.controlStack)-1]
	if !wasUnreachable {
		if err := c.moveResultOut(frame, false); err != nil {
			return err
		}
	}
	c.controlStack = c.controlStack[:len(c.controlStack)-1]

	if len(c.controlStack) == 0 {
		if err := c.releaseLocationsValue(0, 0); err != nil {
			return err
		}
		c.m.BindLabel(frame.label)
		c.emitTail()
		return nil
	}

	if err := c.releaseLocationsValue(frame.valueStackDepth, frame.fpStackDepth); err != nil {
		return err
	}
	if !frame.loopLike {
		c.m.BindLabel(frame.label)
	}
	if frame.ifElse == ifElseIf {
		c.m.BindLabel(frame.elseLabel)
	}
	if len(frame.returns) == 1 {
		typ := frame.returns[0]
		loc := c.acquireLocation(typ)
		c.pushValue(loc)
		if wasm.IsFloat(typ) {
			// The result was canonicalized, if needed, by whichever branch produced it.
			c.m.EmitMove(machine.S64, machine.FPR(c.m.ReturnFPR()), loc)
			c.pushFloat(canonicalizeNone)
		} else {
			c.m.EmitMove(machine.S64, machine.GPR(c.m.ReturnGPR()), loc)
		}
	}
	return nil
}

func (c *FunctionCompiler) compileBr(depth wasm.Index) error {
	frame, err := c.frameAt(depth)
	if err != nil {
		return err
	}
	if err = c.emitBranch(frame); err != nil {
		return err
	}
	c.unreachableDepth = 1
	return nil
}

func (c *FunctionCompiler) compileBrIf(depth wasm.Index) error {
	cond, err := c.popValueReleased()
	if err != nil {
		return err
	}
	frame, err := c.frameAt(depth)
	if err != nil {
		return err
	}
	after := c.m.NewLabel()
	c.m.EmitJumpIf(machine.CondEqual, machine.S32, cond, machine.Imm32(0), after)
	if err = c.emitBranch(frame); err != nil {
		return err
	}
	c.m.BindLabel(after)
	return nil
}

func (c *FunctionCompiler) compileBrTable(op *wasm.Operator) error {
	cond, err := c.popValueReleased()
	if err != nil {
		return err
	}
	frames := make([]*controlFrame, len(op.Targets))
	for i, t := range op.Targets {
		if frames[i], err = c.frameAt(t); err != nil {
			return err
		}
	}
	defaultFrame, err := c.frameAt(op.Index)
	if err != nil {
		return err
	}

	defaultLabel := c.m.NewLabel()
	c.m.EmitJumpIf(machine.CondUnsignedGreaterEqual, machine.S32, cond, machine.Imm32(uint32(len(frames))), defaultLabel)
	stubs := make([]machine.Label, len(frames))
	for i := range stubs {
		stubs[i] = c.m.NewLabel()
	}
	c.m.EmitJumpTable(cond, stubs)
	for i, frame := range frames {
		c.m.BindLabel(stubs[i])
		if err = c.emitBranch(frame); err != nil {
			return err
		}
	}
	c.m.BindLabel(defaultLabel)
	if err = c.emitBranch(defaultFrame); err != nil {
		return err
	}
	c.unreachableDepth = 1
	return nil
}

func (c *FunctionCompiler) compileReturn() error {
	if err := c.emitBranch(c.controlStack[0]); err != nil {
		return err
	}
	c.unreachableDepth = 1
	return nil
}

func (c *FunctionCompiler) compileUnreachable() {
	c.markTrap(c.m.EmitTrap(machine.TrapUnreachable), machine.TrapUnreachable)
	c.unreachableDepth = 1
}

func (c *FunctionCompiler) compileDrop() error {
	if _, err := c.popValueReleased(); err != nil {
		return err
	}
	if n := len(c.fpStack); n > 0 && c.fpStack[n-1].depth == len(c.valueStack) {
		c.fpStack = c.fpStack[:n-1]
	}
	return nil
}

// compileSelect chooses between two values with branches, canonicalizing the chosen float if
// its canonicalization is pending.
func (c *FunctionCompiler) compileSelect() error {
	cond, err := c.popValueReleased()
	if err != nil {
		return err
	}
	b, err := c.popValueReleased()
	if err != nil {
		return err
	}
	a, err := c.popValueReleased()
	if err != nil {
		return err
	}

	isFloat := false
	var pendingA, pendingB canonicalizeType
	depth := len(c.valueStack)
	fpA, okA := c.floatAt(depth)
	fpB, okB := c.floatAt(depth + 1)
	if okA != okB {
		return codegenErrorf("select of a float and a non-float")
	} else if okA {
		pendingA, pendingB = fpA.pending, fpB.pending
		c.fpStack = c.fpStack[:len(c.fpStack)-2]
		isFloat = true
	}

	typ := wasm.ValueTypeI64
	if isFloat {
		typ = wasm.ValueTypeF64
	}
	ret := c.acquireLocation(typ)
	c.pushValue(ret)
	if isFloat {
		c.pushFloat(canonicalizeNone)
	}

	zero, end := c.m.NewLabel(), c.m.NewLabel()
	c.m.EmitJumpIf(machine.CondEqual, machine.S32, cond, machine.Imm32(0), zero)
	c.emitSelectMove(a, ret, pendingA)
	c.m.EmitJump(end)
	c.m.BindLabel(zero)
	c.emitSelectMove(b, ret, pendingB)
	c.m.BindLabel(end)
	return nil
}

func (c *FunctionCompiler) emitSelectMove(src, dst machine.Location, pending canonicalizeType) {
	switch {
	case c.canonicalize && pending != canonicalizeNone:
		c.m.EmitCanonicalizeNaN(pending.size(), src, dst)
	case src != dst:
		c.m.EmitMove(machine.S64, src, dst)
	}
}
