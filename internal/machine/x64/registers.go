package x64

import (
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tetratelabs/singlepass/internal/machine"
)

// General purpose registers, numbered in hardware encoding order.
const (
	RAX machine.Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// SSE registers.
const (
	XMM0 = machine.FloatRegisterBase + iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
	XMM8
	XMM9
	XMM10
	XMM11
	XMM12
	XMM13
	XMM14
	XMM15
)

// R11, X14 and X15 are reserved for the primitives and never hold values. R10 is the move
// scratch: EmitMove leaves it alone but any other primitive may clobber it.
const (
	scratchGPR  = x86.REG_R11
	scratchGPR2 = x86.REG_R10
	scratchFPR  = x86.REG_X15
	scratchFPR2 = x86.REG_X14
)

var (
	valueGPRs = []machine.Register{RSI, RDI, R8, R9}
	valueFPRs = []machine.Register{XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7, XMM8, XMM9, XMM10, XMM11, XMM12, XMM13}
	tempGPRs  = []machine.Register{RCX, RDX}
	localGPRs = []machine.Register{R12, R13, R14, RBX}

	systemVParams  = []machine.Register{RDI, RSI, RDX, RCX, R8, R9}
	fastcallParams = []machine.Register{RCX, RDX, R8, R9}
)

// asmRegister translates a register to its golang-asm counterpart.
func asmRegister(r machine.Register) int16 {
	if r.IsFloat() {
		return x86.REG_X0 + int16(r-machine.FloatRegisterBase)
	}
	return x86.REG_AX + int16(r)
}
