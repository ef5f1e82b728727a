// Package sim is a portable 64-bit register machine: an assembler for its
// fixed-width encoding, a disassembler and an interpreter that runs the
// generated code against a flat memory.
package sim

import (
	"encoding/binary"
	"fmt"
)

// InstrSize is the width of every encoded instruction:
// op, a, b, c, then a little-endian 64-bit immediate.
const InstrSize = 12

// Opcode is a machine operation.
type Opcode uint8

const (
	NOP Opcode = iota
	MOV
	LI
	LD
	ST
	PUSH
	POP
	ADD
	SUB
	MUL
	DIV
	AND
	OR
	XOR
	ADDI
	ANDI
	NEG
	NOT
	SARI
	SHLI
	SAR
	SHL
	CMP
	CMPI
	TESTI
	FLD
	FMOV
	FADD
	FSUB
	FMUL
	FDIV
	FSQRT
	FNEG
	CVTIF
	FCMP
	JMP
	JCC
	CALLI
	CALLS
	CALLR
	ENTER
	LEAVE
	RET

	numOpcodes
)

var opNames = [numOpcodes]string{
	NOP: "nop", MOV: "mov", LI: "li", LD: "ld", ST: "st", PUSH: "push", POP: "pop",
	ADD: "add", SUB: "sub", MUL: "mul", DIV: "div", AND: "and", OR: "or", XOR: "xor",
	ADDI: "addi", ANDI: "andi", NEG: "neg", NOT: "not", SARI: "sari", SHLI: "shli", SAR: "sar", SHL: "shl",
	CMP: "cmp", CMPI: "cmpi", TESTI: "testi",
	FLD: "fld", FMOV: "fmov", FADD: "fadd", FSUB: "fsub", FMUL: "fmul", FDIV: "fdiv",
	FSQRT: "fsqrt", FNEG: "fneg", CVTIF: "cvtif", FCMP: "fcmp",
	JMP: "jmp", JCC: "j", CALLI: "calli", CALLS: "calls", CALLR: "callr",
	ENTER: "enter", LEAVE: "leave", RET: "ret",
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", uint8(op))
}

// Instr is a decoded instruction.
type Instr struct {
	Op      Opcode
	A, B, C uint8
	Imm     int64
}

// Encode appends the encoding of in to buf.
func (in Instr) Encode(buf []byte) []byte {
	var raw [InstrSize]byte
	raw[0], raw[1], raw[2], raw[3] = byte(in.Op), in.A, in.B, in.C
	binary.LittleEndian.PutUint64(raw[4:], uint64(in.Imm))
	return append(buf, raw[:]...)
}

// Decode reads one instruction from the start of raw.
func Decode(raw []byte) (Instr, error) {
	if len(raw) < InstrSize {
		return Instr{}, fmt.Errorf("truncated instruction: %d bytes", len(raw))
	}
	in := Instr{
		Op:  Opcode(raw[0]),
		A:   raw[1],
		B:   raw[2],
		C:   raw[3],
		Imm: int64(binary.LittleEndian.Uint64(raw[4:InstrSize])),
	}
	if in.Op >= numOpcodes {
		return in, fmt.Errorf("invalid opcode %d", raw[0])
	}
	return in, nil
}
