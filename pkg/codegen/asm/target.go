package asm

// Target describes a code generation backend: its register conventions and
// how to create an assembler and read code back.
type Target struct {
	Name string

	Result    Reg // call and runtime results
	Temp      Reg // reserved scratch, never allocated
	FP        Reg
	SP        Reg
	FpuResult FReg

	// Allocatable registers hold values across instructions. Scratch
	// registers hold operands inside one instruction.
	Allocatable []Reg
	Scratch     []Reg

	NewAssembler func() Assembler
	Disassemble  func(code []byte, base uint64) ([]Line, error)
	RegName      func(r Reg) string

	// Validate, when set, checks disassembled code for structural
	// mistakes of the assembler.
	Validate func(lines []Line, base uint64) error

	// PatchJump encodes the jump a patchable entry at address at is
	// rewritten to so that it lands on target.
	PatchJump func(at, target uint64) []byte
}

// Line is one disassembled instruction.
type Line struct {
	Offset int
	Bytes  []byte
	Text   string
}
