package singlepass

import (
	"github.com/tetratelabs/singlepass/internal/machine"
	"github.com/tetratelabs/singlepass/internal/wasm"
)

// canonicalizeType is the width of a float value whose NaN canonicalization is deferred.
type canonicalizeType uint8

const (
	canonicalizeNone canonicalizeType = iota
	canonicalizeF32
	canonicalizeF64
)

func (t canonicalizeType) size() machine.Size {
	if t == canonicalizeF32 {
		return machine.S32
	}
	return machine.S64
}

func canonicalizeTypeOf(typ wasm.ValueType) canonicalizeType {
	switch typ {
	case wasm.ValueTypeF32:
		return canonicalizeF32
	case wasm.ValueTypeF64:
		return canonicalizeF64
	}
	return canonicalizeNone
}

// floatValue tracks a float on the operand stack.
type floatValue struct {
	// depth is the index of the value in the operand stack.
	depth int
	// pending is set when the value may be a NaN that is not canonical yet.
	pending canonicalizeType
}

func (c *FunctionCompiler) pushFloat(pending canonicalizeType) {
	c.fpStack = append(c.fpStack, floatValue{depth: len(c.valueStack) - 1, pending: pending})
}

func (c *FunctionCompiler) popFloat() (floatValue, error) {
	if len(c.fpStack) == 0 {
		return floatValue{}, codegenErrorf("float stack is empty")
	}
	ret := c.fpStack[len(c.fpStack)-1]
	c.fpStack = c.fpStack[:len(c.fpStack)-1]
	return ret, nil
}

// popFloat2 pops the two topmost floats, returning the deeper one first.
func (c *FunctionCompiler) popFloat2() (floatValue, floatValue, error) {
	b, err := c.popFloat()
	if err != nil {
		return floatValue{}, floatValue{}, err
	}
	a, err := c.popFloat()
	if err != nil {
		return floatValue{}, floatValue{}, err
	}
	return a, b, nil
}

func (c *FunctionCompiler) peekFloat() (*floatValue, error) {
	if len(c.fpStack) == 0 {
		return nil, codegenErrorf("float stack is empty")
	}
	return &c.fpStack[len(c.fpStack)-1], nil
}

// floatAt returns the float stack entry of the value at the given operand stack depth, if that
// value is a float.
func (c *FunctionCompiler) floatAt(depth int) (*floatValue, bool) {
	for i := len(c.fpStack) - 1; i >= 0; i-- {
		if c.fpStack[i].depth == depth {
			return &c.fpStack[i], true
		} else if c.fpStack[i].depth < depth {
			break
		}
	}
	return nil, false
}

// pushValue pushes a location onto the operand stack.
func (c *FunctionCompiler) pushValue(loc machine.Location) {
	c.valueStack = append(c.valueStack, loc)
}

// pushConst pushes an immediate onto the operand stack.
func (c *FunctionCompiler) pushConst(loc machine.Location) {
	c.valueStack = append(c.valueStack, loc)
	c.state.WasmStack = append(c.state.WasmStack, WasmAbstractValue{Const: loc.Value})
}

func (c *FunctionCompiler) popValue() (machine.Location, error) {
	if len(c.valueStack) == 0 {
		return machine.Location{}, codegenErrorf("operand stack is empty")
	}
	ret := c.valueStack[len(c.valueStack)-1]
	c.valueStack = c.valueStack[:len(c.valueStack)-1]
	return ret, nil
}

// popValueReleased pops the topmost value and frees its location. The location keeps its
// content until the next allocation, so the caller may still read it.
func (c *FunctionCompiler) popValueReleased() (machine.Location, error) {
	loc, err := c.popValue()
	if err != nil {
		return loc, err
	}
	return loc, c.releaseLocations([]machine.Location{loc})
}

// drainValues removes the n topmost values and returns them, the deepest first.
func (c *FunctionCompiler) drainValues(n int) ([]machine.Location, error) {
	if n > len(c.valueStack) {
		return nil, codegenErrorf("popping %d values out of %d", n, len(c.valueStack))
	}
	ret := append([]machine.Location(nil), c.valueStack[len(c.valueStack)-n:]...)
	c.valueStack = c.valueStack[:len(c.valueStack)-n]
	return ret, nil
}

func (c *FunctionCompiler) peekValue() (machine.Location, error) {
	if len(c.valueStack) == 0 {
		return machine.Location{}, codegenErrorf("operand stack is empty")
	}
	return c.valueStack[len(c.valueStack)-1], nil
}

// releaseLocationsValue frees every value above depth and drops the floats among them.
func (c *FunctionCompiler) releaseLocationsValue(depth, fpDepth int) error {
	if depth > len(c.valueStack) || fpDepth > len(c.fpStack) {
		return codegenErrorf("truncating the operand stack to %d values out of %d", depth, len(c.valueStack))
	}
	if err := c.releaseLocations(c.valueStack[depth:]); err != nil {
		return err
	}
	c.valueStack = c.valueStack[:depth]
	c.fpStack = c.fpStack[:fpDepth]
	return nil
}
