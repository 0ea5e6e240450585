// Package machine defines the architecture neutral view of registers, value
// locations and the instruction emission service the code generator drives.
package machine

import "fmt"

// Register is an architecture register. General purpose registers are numbered from zero and
// float (SIMD) registers from FloatRegisterBase, so a single index space covers both classes.
type Register uint8

const (
	// FloatRegisterBase is the index of the first float register.
	FloatRegisterBase Register = 16
	// NumRegisters is the size of the register index space.
	NumRegisters = 32
	// NilRegister is used when a location has no register.
	NilRegister Register = 0xff
)

// IsFloat returns true if the register belongs to the float class.
func (r Register) IsFloat() bool {
	return r >= FloatRegisterBase && r != NilRegister
}

func (r Register) String() string {
	switch {
	case r == NilRegister:
		return "nil"
	case r.IsFloat():
		return fmt.Sprintf("f%d", r-FloatRegisterBase)
	}
	return fmt.Sprintf("r%d", r)
}

// Size is the width of an operand in bytes.
type Size uint8

const (
	S8  Size = 1
	S16 Size = 2
	S32 Size = 4
	S64 Size = 8
)

// Bits returns the width in bits.
func (s Size) Bits() uint { return uint(s) * 8 }

// LocationKind tells where a runtime value lives.
type LocationKind uint8

const (
	LocationNone LocationKind = iota
	// LocationGPR is a general purpose register.
	LocationGPR
	// LocationFPR is a float register.
	LocationFPR
	// LocationMemory is the memory at a constant offset from a base register.
	LocationMemory
	// LocationImm32 is a 32-bit immediate constant.
	LocationImm32
	// LocationImm64 is a 64-bit immediate constant.
	LocationImm64
)

// Location describes where a value currently is. Locations are immutable values.
type Location struct {
	Kind LocationKind
	// Reg is the register of a GPR or FPR location and the base register of a Memory location.
	Reg Register
	// Offset is the displacement of a Memory location.
	Offset int32
	// Value is the constant of an immediate location.
	Value uint64
}

// GPR returns the location of a general purpose register.
func GPR(r Register) Location { return Location{Kind: LocationGPR, Reg: r} }

// FPR returns the location of a float register.
func FPR(r Register) Location { return Location{Kind: LocationFPR, Reg: r} }

// RegisterLocation returns the location of r, in the class r belongs to.
func RegisterLocation(r Register) Location {
	if r.IsFloat() {
		return FPR(r)
	}
	return GPR(r)
}

// Memory returns the location base+offset.
func Memory(base Register, offset int32) Location {
	return Location{Kind: LocationMemory, Reg: base, Offset: offset}
}

// Imm32 returns a 32-bit immediate.
func Imm32(v uint32) Location { return Location{Kind: LocationImm32, Reg: NilRegister, Value: uint64(v)} }

// Imm64 returns a 64-bit immediate.
func Imm64(v uint64) Location { return Location{Kind: LocationImm64, Reg: NilRegister, Value: v} }

// IsRegister returns true for GPR and FPR locations.
func (l Location) IsRegister() bool { return l.Kind == LocationGPR || l.Kind == LocationFPR }

// IsMemory returns true for memory locations.
func (l Location) IsMemory() bool { return l.Kind == LocationMemory }

// IsImm returns true for immediate locations.
func (l Location) IsImm() bool { return l.Kind == LocationImm32 || l.Kind == LocationImm64 }

func (l Location) String() string {
	switch l.Kind {
	case LocationGPR, LocationFPR:
		return l.Reg.String()
	case LocationMemory:
		return fmt.Sprintf("[%s%+d]", l.Reg, l.Offset)
	case LocationImm32:
		return fmt.Sprintf("$%#x", uint32(l.Value))
	case LocationImm64:
		return fmt.Sprintf("$%#x", l.Value)
	}
	return "none"
}
