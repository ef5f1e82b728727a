// Package amd64 - validation of generated machine code
package amd64

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
)

// ValidationError is a problem found at one instruction.
type ValidationError struct {
	Offset  int
	Message string
	Code    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%#x: %s\n  %s", e.Offset, e.Message, e.Code)
}

// Validator checks disassembled code for the invariants the compiler relies
// on: known registers, balanced stack, in-bounds jumps and division setup.
type Validator struct {
	base   uint64
	size   int
	starts map[int]bool
	errors []ValidationError
	warns  []ValidationError
}

// NewValidator creates a validator for code loaded at base.
func NewValidator(base uint64) *Validator {
	return &Validator{base: base}
}

var validRegs = func() map[string]bool {
	m := map[string]bool{"%cl": true}
	for _, r := range regNames {
		m["%"+r] = true
	}
	for i := 0; i < 16; i++ {
		m[fmt.Sprintf("%%xmm%d", i)] = true
	}
	return m
}()

var regPattern = regexp.MustCompile(`%[a-z0-9]+`)

// Validate checks lines produced by Disassemble.
func (v *Validator) Validate(lines []asm.Line) error {
	v.starts = make(map[int]bool, len(lines))
	v.size = 0
	for _, l := range lines {
		v.starts[l.Offset] = true
		if end := l.Offset + len(l.Bytes); end > v.size {
			v.size = end
		}
	}
	v.starts[v.size] = true

	v.validateRegisters(lines)
	v.validateStackBalance(lines)
	v.validateJumps(lines)
	v.validateDivision(lines)

	if len(v.errors) > 0 {
		return v.formatErrors()
	}
	if len(v.warns) > 0 {
		v.logWarnings()
	}
	return nil
}

func mnemonic(text string) (string, string) {
	op, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	return op, strings.TrimSpace(rest)
}

func (v *Validator) validateRegisters(lines []asm.Line) {
	for _, l := range lines {
		for _, reg := range regPattern.FindAllString(l.Text, -1) {
			if !validRegs[reg] {
				v.addError(l, fmt.Sprintf("unexpected register %s", reg))
			}
		}
	}
}

// stackDelta returns the bytes an explicit rsp adjustment pushes.
func stackDelta(op, args string) (int64, bool) {
	if !strings.HasSuffix(args, ",%rsp") || !strings.HasPrefix(args, "$") {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(args[1:], ",%rsp"), 0, 64)
	if err != nil {
		return 0, false
	}
	switch {
	case strings.HasPrefix(op, "sub"):
		return n, true
	case strings.HasPrefix(op, "add"):
		return -n, true
	}
	return 0, false
}

// validateStackBalance tracks bytes pushed since the frame was entered.
// Code after a return continues in the frame of the function, so leave
// and ret do not reset the count.
func (v *Validator) validateStackBalance(lines []asm.Line) {
	var depth int64
	prev := ""
	for _, l := range lines {
		op, args := mnemonic(l.Text)
		switch {
		case strings.HasPrefix(op, "push"):
			depth += 8
		case strings.HasPrefix(op, "pop"):
			depth -= 8
		case strings.HasPrefix(op, "ret"):
			if !strings.HasPrefix(prev, "leave") && depth != 0 {
				v.addError(l, fmt.Sprintf("return with %d bytes on the stack", depth))
			}
		default:
			if d, ok := stackDelta(op, args); ok {
				depth += d
			}
		}
		if depth < 0 {
			v.addError(l, "stack underflow")
			depth = 0
		}
		prev = op
	}
}

// jumpTarget returns the code offset a direct jump lands on.
func (v *Validator) jumpTarget(l asm.Line, args string) (int, bool) {
	if strings.HasPrefix(args, ".") {
		rel, err := strconv.ParseInt(args[1:], 0, 64)
		if err != nil {
			return 0, false
		}
		return l.Offset + len(l.Bytes) + int(rel), true
	}
	addr, err := strconv.ParseUint(args, 0, 64)
	if err != nil {
		return 0, false
	}
	return int(int64(addr - v.base)), true
}

func (v *Validator) validateJumps(lines []asm.Line) {
	for _, l := range lines {
		op, args := mnemonic(l.Text)
		if !strings.HasPrefix(op, "j") || strings.HasPrefix(args, "*") {
			continue
		}
		target, ok := v.jumpTarget(l, args)
		if !ok {
			v.addError(l, "unreadable jump target")
			continue
		}
		if target < 0 || target > v.size || !v.starts[target] {
			v.addError(l, fmt.Sprintf("jump to %#x is not an instruction boundary", target))
		}
	}
}

func (v *Validator) validateDivision(lines []asm.Line) {
	for i, l := range lines {
		op, _ := mnemonic(l.Text)
		if !strings.HasPrefix(op, "idiv") {
			continue
		}
		if prev, _ := mnemonic(lines[max(i-1, 0)].Text); i == 0 || prev != "cqto" {
			v.addWarn(l, "division without cqto")
		}
	}
}

func (v *Validator) addError(l asm.Line, msg string) {
	v.errors = append(v.errors, ValidationError{Offset: l.Offset, Message: msg, Code: l.Text})
}

func (v *Validator) addWarn(l asm.Line, msg string) {
	v.warns = append(v.warns, ValidationError{Offset: l.Offset, Message: msg, Code: l.Text})
}

func (v *Validator) formatErrors() error {
	var sb strings.Builder
	sb.WriteString("code validation failed:\n")
	for _, err := range v.errors {
		sb.WriteString("  " + err.Error() + "\n")
	}
	return fmt.Errorf("%s", sb.String())
}

func (v *Validator) logWarnings() {
	for _, warn := range v.warns {
		logger.Warn("Code validation warning", "offset", warn.Offset, "msg", warn.Message)
	}
}

// ValidateCode disassembles and validates code loaded at base.
func ValidateCode(code []byte, base uint64) error {
	lines, err := Disassemble(code, base)
	if err != nil {
		return fmt.Errorf("disassembly failed: %w", err)
	}
	return NewValidator(base).Validate(lines)
}

// ValidateAndReport validates code and returns a readable report.
func ValidateAndReport(code []byte, base uint64) (bool, string) {
	var report strings.Builder
	report.WriteString("=== Code Validation Report ===\n\n")

	lines, err := Disassemble(code, base)
	if err == nil {
		v := NewValidator(base)
		if err = v.Validate(lines); err == nil && len(v.warns) > 0 {
			report.WriteString("Warnings:\n")
			for _, warn := range v.warns {
				fmt.Fprintf(&report, "  %#x: %s\n", warn.Offset, warn.Message)
			}
		}
	}
	if err != nil {
		fmt.Fprintf(&report, "Status: FAILED\n\nErrors:\n%s\n", err)
		return false, report.String()
	}
	report.WriteString("Status: PASSED\n")
	report.WriteString("\nStatistics:\n")
	fmt.Fprintf(&report, "  Size: %s\n", humanize.Bytes(uint64(len(code))))
	fmt.Fprintf(&report, "  Instructions: %d\n", len(lines))

	logger.Info("Code validation passed", "instructions", len(lines))
	return true, report.String()
}
