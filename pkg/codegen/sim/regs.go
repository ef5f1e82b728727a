package sim

import (
	"fmt"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

const (
	NumRegs    = 16
	NumFpuRegs = 8

	R0  asm.Reg = 0
	R12 asm.Reg = 12
	FP  asm.Reg = 14
	SP  asm.Reg = 15
)

// HaltAddress is pushed as the return address of an outermost call; the
// machine stops when it returns there.
const HaltAddress uint64 = 0

// RegName names a general purpose register.
func RegName(r asm.Reg) string {
	switch r {
	case FP:
		return "fp"
	case SP:
		return "sp"
	case R12:
		return "tmp"
	}
	return fmt.Sprintf("r%d", r)
}

// Target describes the simulator backend.
var Target = &asm.Target{
	Name:        "sim",
	Result:      R0,
	Temp:        R12,
	FP:          FP,
	SP:          SP,
	FpuResult:   0,
	Allocatable: []asm.Reg{1, 2, 3, 4, 5, 6, 7, 8},
	Scratch:     []asm.Reg{9, 10, 11, 13},
	NewAssembler: func() asm.Assembler {
		return NewAssembler()
	},
	Disassemble: Disassemble,
	PatchJump:   PatchJump,
	RegName:     RegName,
}
