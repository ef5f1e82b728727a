package amd64

import (
	"strings"
	"testing"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
)

// function emits a small frame with a call, a loop and a division.
func function() []byte {
	a := NewAssembler()
	a.PatchableEntry()
	a.EnterFrame(2)
	a.Load(RBX, asm.Address{Base: RBP, Offset: 16})
	top, done := asm.NewLabel(), asm.NewLabel()
	a.Bind(top)
	a.CompareImmediate(RBX, 0)
	a.JumpIf(asm.LessEqual, done)
	a.Push(RBX)
	a.CallInstance(1)
	a.AddImmediate(RSP, 8)
	a.LoadImmediate(R10, 2)
	a.Div(RBX, R10)
	a.Jump(top)
	a.Bind(done)
	a.Move(RAX, RBX)
	a.LeaveFrame()
	a.Return()
	return a.Bytes()
}

func TestValidatorAcceptsGeneratedCode(t *testing.T) {
	for _, base := range []uint64{0, 0x7f0000001000} {
		if err := ValidateCode(function(), base); err != nil {
			t.Errorf("base %#x: %v", base, err)
		}
	}
}

func lines(texts ...string) []asm.Line {
	out := make([]asm.Line, len(texts))
	for i, text := range texts {
		out[i] = asm.Line{Offset: 2 * i, Bytes: make([]byte, 2), Text: text}
	}
	return out
}

func TestValidatorRejects(t *testing.T) {
	tests := []struct {
		name  string
		lines []asm.Line
		want  string
	}{
		{
			name:  "unknown register",
			lines: lines("mov %foo,%rax", "retq"),
			want:  "unexpected register %foo",
		},
		{
			name:  "unbalanced push",
			lines: lines("push %rbx", "retq"),
			want:  "return with 8 bytes",
		},
		{
			name:  "pop past frame",
			lines: lines("pop %rbx", "retq"),
			want:  "stack underflow",
		},
		{
			name:  "unbalanced sub",
			lines: lines("sub $0x10,%rsp", "retq"),
			want:  "return with 16 bytes",
		},
		{
			name:  "jump into instruction",
			lines: lines("jmp 0x1003", "nop"),
			want:  "not an instruction boundary",
		},
		{
			name:  "jump out of code",
			lines: lines("je 0x2000", "retq"),
			want:  "not an instruction boundary",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewValidator(0x1000).Validate(tt.lines)
			if err == nil {
				t.Fatal("validation passed")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidatorAllowsLeaveBeforeReturn(t *testing.T) {
	ls := lines("push %rbp", "mov %rsp,%rbp", "sub $0x8,%rsp", "leaveq", "retq", "add $0x8,%rsp", "leaveq", "retq")
	if err := NewValidator(0).Validate(ls); err != nil {
		t.Error(err)
	}
}

func TestValidateAndReport(t *testing.T) {
	ok, report := ValidateAndReport(function(), 0x1000)
	if !ok {
		t.Fatalf("report failed:\n%s", report)
	}
	for _, want := range []string{"PASSED", "Instructions:", "Size:"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}

	ok, report = ValidateAndReport([]byte{0x0F}, 0)
	if ok || !strings.Contains(report, "FAILED") {
		t.Errorf("truncated code passed:\n%s", report)
	}
}
