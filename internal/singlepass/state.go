package singlepass

import (
	"fmt"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// MachineValueKind is the role of the content of a register or stack slot.
type MachineValueKind uint8

const (
	// MachineValueUndefined content is unknown, such as alignment padding.
	MachineValueUndefined MachineValueKind = iota
	// MachineValueVmctx is the context pointer.
	MachineValueVmctx
	// MachineValuePreserveRegister is the caller's value of the callee-saved register MachineValue.Index.
	MachineValuePreserveRegister
	// MachineValueCopyStackOffsetRelative is a copy of the stack slot at the frame relative offset MachineValue.Index.
	MachineValueCopyStackOffsetRelative
	// MachineValueExplicitShadow marks the start of a native call sequence.
	MachineValueExplicitShadow
	// MachineValueWasmStack is the operand stack slot at depth MachineValue.Index.
	MachineValueWasmStack
	// MachineValueWasmLocal is the local MachineValue.Index.
	MachineValueWasmLocal
)

// MachineValue is what a register or stack slot holds from the point of view of the
// WebAssembly function.
type MachineValue struct {
	Kind  MachineValueKind
	Index int
}

func (v MachineValue) String() string {
	switch v.Kind {
	case MachineValueUndefined:
		return "undefined"
	case MachineValueVmctx:
		return "vmctx"
	case MachineValuePreserveRegister:
		return fmt.Sprintf("preserve(%s)", machine.Register(v.Index))
	case MachineValueCopyStackOffsetRelative:
		return fmt.Sprintf("copy_stack(%d)", v.Index)
	case MachineValueExplicitShadow:
		return "explicit_shadow"
	case MachineValueWasmStack:
		return fmt.Sprintf("wasm_stack(%d)", v.Index)
	case MachineValueWasmLocal:
		return fmt.Sprintf("wasm_local(%d)", v.Index)
	}
	return "unknown"
}

var (
	undefinedValue     = MachineValue{Kind: MachineValueUndefined}
	vmctxValue         = MachineValue{Kind: MachineValueVmctx}
	explicitShadowMark = MachineValue{Kind: MachineValueExplicitShadow}
)

func preserveRegisterValue(r machine.Register) MachineValue {
	return MachineValue{Kind: MachineValuePreserveRegister, Index: int(r)}
}

func copyStackValue(offset int) MachineValue {
	return MachineValue{Kind: MachineValueCopyStackOffsetRelative, Index: offset}
}

func wasmStackValue(depth int) MachineValue {
	return MachineValue{Kind: MachineValueWasmStack, Index: depth}
}

func wasmLocalValue(index int) MachineValue {
	return MachineValue{Kind: MachineValueWasmLocal, Index: index}
}

// WasmAbstractValue is the known content of an operand stack slot.
type WasmAbstractValue struct {
	// Runtime is true when the value is only known at run time, otherwise Const holds it.
	Runtime bool
	Const   uint64
}

var runtimeValue = WasmAbstractValue{Runtime: true}

// MachineState is the abstract content of the registers and the frame's stack slots at a
// code location.
type MachineState struct {
	// StackValues has one entry per 8 byte slot below the frame's save area, the oldest first.
	StackValues []MachineValue
	// RegisterValues is indexed by machine.Register.
	RegisterValues [machine.NumRegisters]MachineValue
	// WasmStack shadows the WebAssembly operand stack.
	WasmStack []WasmAbstractValue
	// WasmInstOffset is the offset of the instruction being compiled.
	WasmInstOffset uint64
}

// NewMachineState returns the state of a function before its prologue.
func NewMachineState() *MachineState {
	return &MachineState{}
}

// Clone returns a deep copy.
func (s *MachineState) Clone() *MachineState {
	ret := &MachineState{RegisterValues: s.RegisterValues, WasmInstOffset: s.WasmInstOffset}
	ret.StackValues = append([]MachineValue(nil), s.StackValues...)
	ret.WasmStack = append([]WasmAbstractValue(nil), s.WasmStack...)
	return ret
}

// RegisterDiff is a register whose content changed.
type RegisterDiff struct {
	Register machine.Register
	Value    MachineValue
}

// MachineStateDiff turns one MachineState into another.
type MachineStateDiff struct {
	// Last is the id of the diff this one applies on top of, or NoStateDiff for the initial state.
	Last int

	StackPop  int
	StackPush []MachineValue
	RegDiff   []RegisterDiff

	WasmStackPop  int
	WasmStackPush []WasmAbstractValue

	WasmInstOffset uint64
}

// Diff returns the changes that turn old into s. The result's Last is not set.
func (s *MachineState) Diff(old *MachineState) *MachineStateDiff {
	d := &MachineStateDiff{Last: NoStateDiff, WasmInstOffset: s.WasmInstOffset}

	common := 0
	for common < len(s.StackValues) && common < len(old.StackValues) && s.StackValues[common] == old.StackValues[common] {
		common++
	}
	d.StackPop = len(old.StackValues) - common
	d.StackPush = append([]MachineValue(nil), s.StackValues[common:]...)

	for r := range s.RegisterValues {
		if s.RegisterValues[r] != old.RegisterValues[r] {
			d.RegDiff = append(d.RegDiff, RegisterDiff{Register: machine.Register(r), Value: s.RegisterValues[r]})
		}
	}

	common = 0
	for common < len(s.WasmStack) && common < len(old.WasmStack) && s.WasmStack[common] == old.WasmStack[common] {
		common++
	}
	d.WasmStackPop = len(old.WasmStack) - common
	d.WasmStackPush = append([]WasmAbstractValue(nil), s.WasmStack[common:]...)
	return d
}

// Apply returns the state obtained by applying the diff to s, which is not modified.
func (d *MachineStateDiff) Apply(s *MachineState) *MachineState {
	// Empty stacks stay nil, as in Clone.
	ret := &MachineState{RegisterValues: s.RegisterValues}
	ret.StackValues = append(append([]MachineValue(nil), s.StackValues[:len(s.StackValues)-d.StackPop]...), d.StackPush...)
	for _, rd := range d.RegDiff {
		ret.RegisterValues[rd.Register] = rd.Value
	}
	ret.WasmStack = append(append([]WasmAbstractValue(nil), s.WasmStack[:len(s.WasmStack)-d.WasmStackPop]...), d.WasmStackPush...)
	ret.WasmInstOffset = d.WasmInstOffset
	return ret
}
