package amd64

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

// ErrUndecodable reports bytes that do not form a whole instruction.
var ErrUndecodable = errors.New("undecodable instruction")

// Disassemble decodes code loaded at base into GNU syntax lines.
func Disassemble(code []byte, base uint64) ([]asm.Line, error) {
	var lines []asm.Line
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return lines, fmt.Errorf("offset %#x: %w: %w", off, ErrUndecodable, err)
		}
		if inst.Op == 0 || inst.Len <= 0 || off+inst.Len > len(code) {
			return lines, fmt.Errorf("offset %#x: %w: % x", off, ErrUndecodable, code[off:])
		}
		lines = append(lines, asm.Line{
			Offset: off,
			Bytes:  code[off : off+inst.Len],
			Text:   x86asm.GNUSyntax(inst, base+uint64(off), nil),
		})
		off += inst.Len
	}
	return lines, nil
}
