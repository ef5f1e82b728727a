package amd64

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var insts []x86asm.Inst
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			t.Fatalf("decode at %#x: %v (% x)", off, err, code[off:])
		}
		insts = append(insts, inst)
		off += inst.Len
	}
	return insts
}

// canonical renders an instruction without prefixes.
func canonical(inst x86asm.Inst) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v", inst.Op)
	sep := " "
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		fmt.Fprintf(&b, "%s%v", sep, arg)
		sep = ", "
	}
	return b.String()
}

func TestEncoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *Assembler)
		want []string
	}{
		{"move", func(a *Assembler) { a.Move(RBX, RAX) }, []string{"MOV RBX, RAX"}},
		{"move extended", func(a *Assembler) { a.Move(R8, R13) }, []string{"MOV R8, R13"}},
		{"move to self is elided", func(a *Assembler) { a.Move(RBX, RBX) }, nil},
		{"small immediate", func(a *Assembler) { a.LoadImmediate(RSI, 42) }, []string{"MOV RSI, 0x2a"}},
		{"wide immediate", func(a *Assembler) { a.LoadImmediate(R9, 1<<40) }, []string{"MOV R9, 0x10000000000"}},
		{"load frame slot", func(a *Assembler) { a.Load(RAX, asm.Address{Base: RBP, Offset: -8}) }, []string{"MOV RAX, [RBP-0x8]"}},
		{"load r13 base", func(a *Assembler) { a.Load(RDI, asm.Address{Base: R13}) }, []string{"MOV RDI, [R13]"}},
		{"store field", func(a *Assembler) { a.Store(asm.Address{Base: R10, Offset: 7}, RBX) }, []string{"MOV [R10+0x7], RBX"}},
		{"store far", func(a *Assembler) { a.Store(asm.Address{Base: RBX, Offset: 1024}, RSI) }, []string{"MOV [RBX+0x400], RSI"}},
		{"push pop", func(a *Assembler) { a.Push(R12); a.Pop(RBX) }, []string{"PUSH R12", "POP RBX"}},
		{"alu", func(a *Assembler) {
			a.Add(RBX, R10)
			a.Sub(RSI, RDI)
			a.And(R8, R9)
			a.Or(R12, RBX)
			a.Xor(RAX, RAX)
		}, []string{"ADD RBX, R10", "SUB RSI, RDI", "AND R8, R9", "OR R12, RBX", "XOR RAX, RAX"}},
		{"imul", func(a *Assembler) { a.Mul(RSI, R9) }, []string{"IMUL RSI, R9"}},
		{"idiv through rax", func(a *Assembler) { a.Div(RBX, R10) }, []string{"MOV RAX, RBX", "CQO", "IDIV R10", "MOV RBX, RAX"}},
		{"immediates", func(a *Assembler) {
			a.AddImmediate(RSP, 16)
			a.AddImmediate(RBX, 1000)
			a.AndImmediate(R10, -2)
			a.CompareImmediate(RDI, 0)
			a.TestImmediate(RBX, 1)
		}, []string{"ADD RSP, 0x10", "ADD RBX, 0x3e8", "AND R10, -0x2", "CMP RDI, 0x0", "TEST RBX, 0x1"}},
		{"unary", func(a *Assembler) { a.Neg(R8); a.Not(RBX) }, []string{"NEG R8", "NOT RBX"}},
		{"shift immediate", func(a *Assembler) {
			a.SarImmediate(RBX, 1)
			a.ShlImmediate(R12, 3)
		}, []string{"SAR RBX, 0x1", "SHL R12, 0x3"}},
		{"shift by cl", func(a *Assembler) { a.Shl(RBX, R10) }, []string{"MOV RCX, R10", "SHL RBX, CL"}},
		{"compare", func(a *Assembler) { a.Compare(R10, R13) }, []string{"CMP R10, R13"}},
		{"doubles", func(a *Assembler) {
			a.LoadDouble(1, asm.Address{Base: R10, Offset: 7})
			a.AddDouble(0, 1)
			a.SqrtDouble(2)
			a.IntToDouble(1, RBX)
			a.CompareDouble(0, 1)
		}, []string{"MOVSD_XMM X1, [R10+0x7]", "ADDSD X0, X1", "SQRTSD X2, X2", "CVTSI2SD X1, RBX", "UCOMISD X0, X1"}},
		{"negate double", func(a *Assembler) { a.NegDouble(3) }, []string{"MOVQ R11, X3", "BTC R11, 0x3f", "MOVQ X3, R11"}},
		{"frame", func(a *Assembler) {
			a.EnterFrame(2)
			a.LeaveFrame()
			a.Return()
		}, []string{"PUSH RBP", "MOV RBP, RSP", "SUB RSP, 0x10", "LEAVE", "RET"}},
		{"calls", func(a *Assembler) {
			a.CallInstance(0)
			a.CallStatic(3)
			a.CallRuntime(asm.Deoptimize)
		}, []string{"CALL [R15]", "CALL [R15+0x18]", "CALL [R14+0x30]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler()
			tt.emit(a)
			insts := decodeAll(t, a.Bytes())
			if len(insts) != len(tt.want) {
				t.Fatalf("decoded %d instructions, want %d (% x)", len(insts), len(tt.want), a.Bytes())
			}
			for i, inst := range insts {
				if got := canonical(inst); got != tt.want[i] {
					t.Errorf("instruction %d = %q, want %q", i, got, tt.want[i])
				}
			}
		})
	}
}

func TestStackBaseNeedsSIB(t *testing.T) {
	for _, base := range []asm.Reg{RSP, R12} {
		a := NewAssembler()
		a.Load(RBX, asm.Address{Base: base, Offset: 24})
		insts := decodeAll(t, a.Bytes())
		if len(insts) != 1 {
			t.Fatalf("%s: decoded %d instructions", RegName(base), len(insts))
		}
		mem, ok := insts[0].Args[1].(x86asm.Mem)
		if !ok {
			t.Fatalf("%s: operand %v is not memory", RegName(base), insts[0].Args[1])
		}
		if want := x86asm.RAX + x86asm.Reg(base); mem.Base != want || mem.Disp != 24 {
			t.Errorf("%s: got base %v disp %d", RegName(base), mem.Base, mem.Disp)
		}
	}
}

func TestJumpsPatchLabels(t *testing.T) {
	a := NewAssembler()
	back, fwd := asm.NewLabel(), asm.NewLabel()
	a.Bind(back)
	a.CompareImmediate(RBX, 0)
	a.JumpIf(asm.Equal, fwd)
	a.AddImmediate(RBX, -1)
	a.Jump(back)
	a.Bind(fwd)
	a.Return()

	insts := decodeAll(t, a.Bytes())
	targets := map[x86asm.Op]int{}
	off := 0
	for _, inst := range insts {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			targets[inst.Op] = off + inst.Len + int(rel)
		}
		off += inst.Len
	}
	if targets[x86asm.JE] != fwd.Pos() {
		t.Errorf("je lands at %d, want %d", targets[x86asm.JE], fwd.Pos())
	}
	if targets[x86asm.JMP] != 0 {
		t.Errorf("jmp lands at %d, want 0", targets[x86asm.JMP])
	}
}

func TestConditionCodes(t *testing.T) {
	want := map[asm.Cond]x86asm.Op{
		asm.Equal: x86asm.JE, asm.NotEqual: x86asm.JNE, asm.Less: x86asm.JL, asm.GreaterEqual: x86asm.JGE,
		asm.LessEqual: x86asm.JLE, asm.Greater: x86asm.JG, asm.Below: x86asm.JB, asm.AboveEqual: x86asm.JAE,
		asm.BelowEqual: x86asm.JBE, asm.Above: x86asm.JA, asm.Overflow: x86asm.JO, asm.NoOverflow: x86asm.JNO,
		asm.Zero: x86asm.JE, asm.NotZero: x86asm.JNE, asm.ParityEven: x86asm.JP, asm.ParityOdd: x86asm.JNP,
	}
	for c, op := range want {
		a := NewAssembler()
		l := asm.NewLabel()
		a.JumpIf(c, l)
		a.Bind(l)
		insts := decodeAll(t, a.Bytes())
		if insts[0].Op != op {
			t.Errorf("%s encodes %v, want %v", c, insts[0].Op, op)
		}
		if rel := insts[0].Args[0].(x86asm.Rel); rel != 0 {
			t.Errorf("%s: rel = %d, want 0", c, rel)
		}
	}
}

func TestPatchableEntryIsJumpToNext(t *testing.T) {
	a := NewAssembler()
	a.PatchableEntry()
	insts := decodeAll(t, a.Bytes())
	if insts[0].Op != x86asm.JMP || insts[0].Len != 5 {
		t.Errorf("entry = %v (len %d)", insts[0], insts[0].Len)
	}
}

func TestDisassemble(t *testing.T) {
	a := NewAssembler()
	a.Comment("prologue")
	a.EnterFrame(1)
	a.Load(RBX, asm.Address{Base: RBP, Offset: 16})
	a.LeaveFrame()
	a.Return()

	lines, err := Disassemble(a.Bytes(), 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 6 {
		t.Fatalf("got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0].Text, "push") || !strings.Contains(lines[0].Text, "%rbp") {
		t.Errorf("first line = %q", lines[0].Text)
	}
	if lines[1].Offset != 1 {
		t.Errorf("second offset = %d, want 1", lines[1].Offset)
	}
	if c := a.Comments(); len(c) != 1 || c[0].Offset != 0 || c[0].Text != "prologue" {
		t.Errorf("comments = %v", c)
	}
	if _, err := Disassemble([]byte{0x0F}, 0); err == nil {
		t.Error("truncated instruction accepted")
	}
}

func TestDisassembleRejectsPartialInstructions(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		good int
	}{
		{"lone escape byte", []byte{0x0F}, 0},
		{"truncated immediate", []byte{0x48, 0xC7, 0xC0, 0x01}, 0},
		{"tail after ret", []byte{0xC3, 0x0F}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, err := Disassemble(tt.code, 0)
			if !errors.Is(err, ErrUndecodable) {
				t.Fatalf("error = %v, want ErrUndecodable", err)
			}
			if len(lines) != tt.good {
				t.Errorf("decoded %d lines before the error, want %d", len(lines), tt.good)
			}
			if err := ValidateCode(tt.code, 0); !errors.Is(err, ErrUndecodable) {
				t.Errorf("ValidateCode error = %v", err)
			}
		})
	}
}
