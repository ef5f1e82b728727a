// Package asm defines the emitter contract shared by every code generation
// target.
//
// Design: one interface per concern the compiler needs (moves, ALU, flags,
// doubles, control flow, calls, frames), implemented by a machine-code
// assembler per target. Labels are target independent; each assembler
// resolves its own fixups.
package asm

import "fmt"

// Reg is a general purpose register number of the target.
type Reg int8

// FReg is a floating point register number of the target.
type FReg int8

const NoReg Reg = -1

// Cond is a branch condition evaluated on the flags of the last compare
// or arithmetic instruction.
type Cond uint8

const (
	Equal Cond = iota
	NotEqual
	Less
	GreaterEqual
	LessEqual
	Greater
	Below
	AboveEqual
	BelowEqual
	Above
	Overflow
	NoOverflow
	Zero
	NotZero
	ParityEven // unordered double compare
	ParityOdd
)

var condNames = [...]string{
	Equal: "eq", NotEqual: "ne", Less: "lt", LessEqual: "le", Greater: "gt", GreaterEqual: "ge",
	Below: "b", BelowEqual: "be", Above: "a", AboveEqual: "ae", Overflow: "o", NoOverflow: "no",
	Zero: "z", NotZero: "nz", ParityEven: "pe", ParityOdd: "po",
}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return "?"
}

// Negate returns the condition that holds exactly when c does not.
// Conditions are declared in complementary pairs.
func (c Cond) Negate() Cond { return c ^ 1 }

// Address is a base register plus displacement.
type Address struct {
	Base   Reg
	Offset int32
}

// RuntimeEntry names a runtime stub reachable from generated code.
type RuntimeEntry uint8

const (
	// BoxDouble boxes the double in FpuResult into Result.
	BoxDouble RuntimeEntry = iota
	// BoxMint boxes the raw int64 in Result into Result.
	BoxMint
	// AllocateObject allocates an instance of the class id in Temp.
	AllocateObject
	// CreateArray builds an array from the arguments on the stack. Temp
	// holds kind | count<<2.
	CreateArray
	// Throw and ReThrow raise the exception in Result.
	Throw
	ReThrow
	// Deoptimize leaves optimized code through the deopt info indexed by
	// Temp.
	Deoptimize
	// DoubleMod leaves FpuResult mod FpuResult+1 in FpuResult.
	DoubleMod

	NumRuntimeEntries
)

var entryNames = [...]string{
	BoxDouble:      "BoxDouble",
	BoxMint:        "BoxMint",
	AllocateObject: "AllocateObject",
	CreateArray:    "CreateArray",
	Throw:          "Throw",
	ReThrow:        "ReThrow",
	Deoptimize:     "Deoptimize",
	DoubleMod:      "DoubleMod",
}

func (e RuntimeEntry) String() string {
	if int(e) < len(entryNames) {
		return entryNames[e]
	}
	return fmt.Sprintf("entry%d", e)
}

// Comment annotates a code offset.
type Comment struct {
	Offset int
	Text   string
}

// Assembler emits machine code for one function.
type Assembler interface {
	// Moves
	Move(dst, src Reg)
	LoadImmediate(dst Reg, imm int64)
	Load(dst Reg, a Address)
	Store(a Address, src Reg)
	Push(r Reg)
	Pop(r Reg)

	// Integer arithmetic; Add, Sub and Mul set the overflow flag.
	Add(dst, src Reg)
	Sub(dst, src Reg)
	Mul(dst, src Reg)
	Div(dst, src Reg)
	And(dst, src Reg)
	Or(dst, src Reg)
	Xor(dst, src Reg)
	AddImmediate(dst Reg, imm int32)
	AndImmediate(dst Reg, imm int32)
	Neg(dst Reg)
	Not(dst Reg)
	SarImmediate(dst Reg, n uint8)
	ShlImmediate(dst Reg, n uint8)
	Sar(dst, count Reg)
	Shl(dst, count Reg)

	// Flags
	Compare(a, b Reg)
	CompareImmediate(a Reg, imm int32)
	TestImmediate(a Reg, imm int32)

	// Doubles
	LoadDouble(dst FReg, a Address)
	MoveDouble(dst, src FReg)
	AddDouble(dst, src FReg)
	SubDouble(dst, src FReg)
	MulDouble(dst, src FReg)
	DivDouble(dst, src FReg)
	SqrtDouble(dst FReg)
	NegDouble(dst FReg)
	IntToDouble(dst FReg, src Reg)
	CompareDouble(a, b FReg)

	// Control flow
	Bind(l *Label)
	Jump(l *Label)
	JumpIf(c Cond, l *Label)

	// Calls. Instance and static calls name an object pool slot of the
	// code being generated.
	CallInstance(site int)
	CallStatic(site int)
	CallRuntime(e RuntimeEntry)

	// Frames
	EnterFrame(slots int)
	LeaveFrame()
	Return()
	// PatchableEntry emits a jump to the next instruction that the runtime
	// can redirect.
	PatchableEntry()

	Comment(format string, args ...any)

	Offset() int
	Bytes() []byte
	Comments() []Comment
}

// Label marks a code position. Jumps to an unbound label are recorded and
// patched when it is bound.
type Label struct {
	pos   int
	bound bool
	links []int
}

// NewLabel returns an unbound label.
func NewLabel() *Label { return &Label{pos: -1} }

func (l *Label) IsBound() bool { return l.bound }
func (l *Label) Pos() int      { return l.pos }

// BindTo fixes the label at pos and returns the offsets of the jumps that
// must now be patched.
func (l *Label) BindTo(pos int) []int {
	if l.bound {
		panic(fmt.Sprintf("label bound twice (at %d and %d)", l.pos, pos))
	}
	l.pos, l.bound = pos, true
	links := l.links
	l.links = nil
	return links
}

// Link records a jump at offset that needs the label's position.
func (l *Label) Link(offset int) { l.links = append(l.links, offset) }
