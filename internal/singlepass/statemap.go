package singlepass

import (
	"fmt"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// NoStateDiff is the diff id returned when state tracking is disabled.
const NoStateDiff = -1

// OffsetInfo locates a point of the generated code where the machine state is known.
type OffsetInfo struct {
	// EndOffset is the end of the code range starting at ActivateOffset.
	EndOffset uint32
	// Diff is the id of the state diff describing the machine state at ActivateOffset.
	Diff int
	// ActivateOffset is the code offset the state applies to.
	ActivateOffset uint32
}

// SuspendOffsetKind tells what a SuspendOffset points at.
type SuspendOffsetKind uint8

const (
	SuspendOffsetLoop SuspendOffsetKind = iota
	SuspendOffsetCall
	SuspendOffsetTrappable
)

func (k SuspendOffsetKind) String() string {
	switch k {
	case SuspendOffsetLoop:
		return "loop"
	case SuspendOffsetCall:
		return "call"
	case SuspendOffsetTrappable:
		return "trappable"
	}
	return "unknown"
}

// SuspendOffset is a code offset of a WebAssembly instruction at which execution may stop.
type SuspendOffset struct {
	Kind   SuspendOffsetKind
	Offset uint32
}

// FunctionStateMap lets a runtime reconstruct which registers and stack slots hold which
// locals and operand stack values at every call site, trappable instruction and loop header.
type FunctionStateMap struct {
	// Initial is the state the first diff applies to.
	Initial *MachineState
	// LocalFunctionID is the index of the function among the module's local functions.
	LocalFunctionID int
	// Locals are the types of the parameters followed by the declared locals.
	Locals []byte
	// ShadowSize is the byte size of the shadow space of the calling convention.
	ShadowSize uint32
	Diffs      []*MachineStateDiff

	// WasmFunctionHeaderTargetOffset is the OSR entry of the function body.
	WasmFunctionHeaderTargetOffset *SuspendOffset
	// WasmOffsetToTargetOffset maps a WebAssembly instruction offset to its last suspend point.
	WasmOffsetToTargetOffset map[uint64]SuspendOffset

	LoopOffsets      map[uint32]OffsetInfo
	CallOffsets      map[uint32]OffsetInfo
	TrappableOffsets map[uint32]OffsetInfo
}

func newFunctionStateMap(initial *MachineState, localFunctionID int, shadowSize uint32, locals []byte) *FunctionStateMap {
	return &FunctionStateMap{
		Initial:                  initial,
		LocalFunctionID:          localFunctionID,
		Locals:                   locals,
		ShadowSize:               shadowSize,
		WasmOffsetToTargetOffset: map[uint64]SuspendOffset{},
		LoopOffsets:              map[uint32]OffsetInfo{},
		CallOffsets:              map[uint32]OffsetInfo{},
		TrappableOffsets:         map[uint32]OffsetInfo{},
	}
}

// BuildState rebuilds the machine state recorded by the given diff by applying the chain of
// diffs leading to it on top of Initial.
func (m *FunctionStateMap) BuildState(diffID int) (*MachineState, error) {
	var chain []*MachineStateDiff
	for id := diffID; id != NoStateDiff; {
		if id < 0 || id >= len(m.Diffs) {
			return nil, fmt.Errorf("state diff %d out of range", id)
		}
		if len(chain) > len(m.Diffs) {
			return nil, fmt.Errorf("state diff chain from %d does not terminate", diffID)
		}
		d := m.Diffs[id]
		chain = append(chain, d)
		id = d.Last
	}
	state := m.Initial.Clone()
	for i := len(chain) - 1; i >= 0; i-- {
		state = chain[i].Apply(state)
	}
	return state, nil
}

// pendingOffset is a suspend point recorded while code is emitted and whose code offset is
// known after machine.Machine.Finalize.
type pendingOffset struct {
	kind       SuspendOffsetKind
	position   machine.Position
	diff       int
	wasmOffset uint64
	// header is set for the loop entry of the function body.
	header bool
}

// resolve fills the offset tables of the map from the recorded positions.
func (m *FunctionStateMap) resolve(mc machine.Machine, pending []pendingOffset) {
	for _, p := range pending {
		offset := mc.OffsetOf(p.position)
		info := OffsetInfo{EndOffset: offset + 1, Diff: p.diff, ActivateOffset: offset}
		switch p.kind {
		case SuspendOffsetLoop:
			m.LoopOffsets[offset] = info
		case SuspendOffsetCall:
			m.CallOffsets[offset] = info
		case SuspendOffsetTrappable:
			m.TrappableOffsets[offset] = info
		}
		target := SuspendOffset{Kind: p.kind, Offset: offset}
		if p.header {
			m.WasmFunctionHeaderTargetOffset = &target
		} else {
			m.WasmOffsetToTargetOffset[p.wasmOffset] = target
		}
	}
}

// getStateDiff records the difference between the current state and the snapshot of the
// innermost control frame, then makes the current state that frame's snapshot. It returns the
// id of the recorded diff, or NoStateDiff when state tracking is disabled.
func (c *FunctionCompiler) getStateDiff() int {
	if !c.cfg.enableStateTracking {
		return NoStateDiff
	}
	frame := c.controlStack[len(c.controlStack)-1]
	diff := c.state.Diff(frame.state)
	diff.Last = frame.stateDiffID
	id := len(c.fsm.Diffs)
	c.fsm.Diffs = append(c.fsm.Diffs, diff)
	frame.state = c.state.Clone()
	frame.stateDiffID = id
	c.observeDiff(id)
	return id
}

func (c *FunctionCompiler) observeDiff(id int) {
	if c.onStateDiff != nil {
		c.onStateDiff(id, c.state.Clone())
	}
}

// markOffsetTrappable records the machine state at an instruction that may trap.
func (c *FunctionCompiler) markOffsetTrappable(p machine.Position) {
	c.pending = append(c.pending, pendingOffset{
		kind: SuspendOffsetTrappable, position: p, diff: c.getStateDiff(), wasmOffset: c.state.WasmInstOffset,
	})
}

// markTrap records an instruction that traps with the given code when it faults, and its state.
func (c *FunctionCompiler) markTrap(p machine.Position, code machine.TrapCode) {
	c.traps = append(c.traps, pendingTrap{position: p, code: code})
	c.markOffsetTrappable(p)
}
