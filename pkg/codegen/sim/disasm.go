package sim

import (
	"fmt"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

// Disassemble decodes code loaded at base. Jump targets are printed as
// absolute addresses.
func Disassemble(code []byte, base uint64) ([]asm.Line, error) {
	if len(code)%InstrSize != 0 {
		return nil, fmt.Errorf("code size %d is not a multiple of %d", len(code), InstrSize)
	}
	lines := make([]asm.Line, 0, len(code)/InstrSize)
	for off := 0; off < len(code); off += InstrSize {
		in, err := Decode(code[off:])
		if err != nil {
			return lines, fmt.Errorf("offset %#x: %w", off, err)
		}
		lines = append(lines, asm.Line{
			Offset: off,
			Bytes:  code[off : off+InstrSize],
			Text:   Format(in, base+uint64(off)),
		})
	}
	return lines, nil
}

func mem(base uint8, off int64) string {
	name := RegName(asm.Reg(base))
	switch {
	case off == 0:
		return "[" + name + "]"
	case off < 0:
		return fmt.Sprintf("[%s-%#x]", name, -off)
	}
	return fmt.Sprintf("[%s+%#x]", name, off)
}

// Format renders one instruction located at pc.
func Format(in Instr, pc uint64) string {
	rn := func(x uint8) string { return RegName(asm.Reg(x)) }
	fn := func(x uint8) string { return fmt.Sprintf("f%d", x) }
	switch in.Op {
	case NOP, LEAVE, RET:
		return in.Op.String()
	case MOV, ADD, SUB, MUL, DIV, AND, OR, XOR, SAR, SHL, CMP:
		return fmt.Sprintf("%s %s, %s", in.Op, rn(in.A), rn(in.B))
	case LI, ADDI, ANDI, SARI, SHLI, CMPI, TESTI:
		return fmt.Sprintf("%s %s, %d", in.Op, rn(in.A), in.Imm)
	case LD:
		return fmt.Sprintf("ld %s, %s", rn(in.A), mem(in.B, in.Imm))
	case ST:
		return fmt.Sprintf("st %s, %s", mem(in.A, in.Imm), rn(in.B))
	case PUSH, POP, NEG, NOT:
		return fmt.Sprintf("%s %s", in.Op, rn(in.A))
	case FLD:
		return fmt.Sprintf("fld %s, %s", fn(in.A), mem(in.B, in.Imm))
	case FMOV, FADD, FSUB, FMUL, FDIV, FCMP:
		return fmt.Sprintf("%s %s, %s", in.Op, fn(in.A), fn(in.B))
	case FSQRT, FNEG:
		return fmt.Sprintf("%s %s", in.Op, fn(in.A))
	case CVTIF:
		return fmt.Sprintf("cvtif %s, %s", fn(in.A), rn(in.B))
	case JMP:
		return fmt.Sprintf("jmp %#x", pc+InstrSize+uint64(in.Imm))
	case JCC:
		return fmt.Sprintf("j%s %#x", asm.Cond(in.C), pc+InstrSize+uint64(in.Imm))
	case CALLI, CALLS:
		return fmt.Sprintf("%s pool[%d]", in.Op, in.Imm)
	case CALLR:
		return fmt.Sprintf("callr %s", asm.RuntimeEntry(in.A))
	case ENTER:
		return fmt.Sprintf("enter %d", in.Imm)
	}
	return in.Op.String()
}
