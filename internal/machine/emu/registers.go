package emu

import "github.com/tetratelabs/singlepass/internal/machine"

// The emulated machine uses the register file layout of x86-64 so that generated code
// sees the same register pressure and calling conventions on both.
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

var (
	valueGPRs = []machine.Register{RSI, RDI, R8, R9}
	valueFPRs = []machine.Register{XMM1, XMM2, XMM3, XMM4, XMM5, XMM6, XMM7, XMM8, XMM9, XMM10, XMM11, XMM12, XMM13}
	tempGPRs  = []machine.Register{RCX, RDX}
	localGPRs = []machine.Register{R12, R13, R14, RBX}

	systemVParams  = []machine.Register{RDI, RSI, RDX, RCX, R8, R9}
	fastcallParams = []machine.Register{RCX, RDX, R8, R9}
)
