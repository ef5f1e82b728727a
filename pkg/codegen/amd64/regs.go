package amd64

import (
	"fmt"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

// General purpose registers in hardware encoding order.
const (
	RAX asm.Reg = iota
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

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegName names a general purpose register.
func RegName(r asm.Reg) string {
	if r >= 0 && int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg%d", r)
}

// Register roles of generated code. RCX and RDX are never allocated: shift
// counts and division use them implicitly.
const (
	Thread = R14 // runtime entry table
	Pool   = R15 // object pool of the running code
	Temp   = R11
)

// Target describes the x86-64 backend.
var Target = &asm.Target{
	Name:        "amd64",
	Result:      RAX,
	Temp:        Temp,
	FP:          RBP,
	SP:          RSP,
	FpuResult:   0,
	Allocatable: []asm.Reg{RBX, RSI, RDI, R8},
	Scratch:     []asm.Reg{R10, R12, R13, R9},
	NewAssembler: func() asm.Assembler {
		return NewAssembler()
	},
	Disassemble: Disassemble,
	Validate: func(lines []asm.Line, base uint64) error {
		return NewValidator(base).Validate(lines)
	},
	PatchJump: PatchJump,
	RegName:   RegName,
}
