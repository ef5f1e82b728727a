// Package ir implements the flow graph intermediate representation.
//
// Design: an arena of instructions and blocks addressed by stable indices.
// Blocks hold a doubly linked list of instructions that starts with a block
// entry and ends with a terminator. Values are either a Use of a defining
// instruction or an inline constant. Computations are carried inline by
// the Bind and Do instructions that host them.
package ir

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// ErrMalformedGraph is the root cause of every structural violation.
var ErrMalformedGraph = errors.New("malformed flow graph")

// InstrID indexes the instruction arena.
type InstrID int32

// BlockID indexes the block arena.
type BlockID int32

const (
	NoInstr    InstrID = -1
	NoBlock    BlockID = -1
	NoTryIndex         = -1
)

// BlockKind is the flavour of a block entry.
type BlockKind uint8

const (
	GraphEntryBlock BlockKind = iota
	JoinBlock
	TargetBlock
)

func (k BlockKind) String() string {
	switch k {
	case GraphEntryBlock:
		return "graph"
	case JoinBlock:
		return "join"
	default:
		return "target"
	}
}

// Block is a basic block.
type Block struct {
	ID       BlockID
	Kind     BlockKind
	Entry    InstrID
	Last     InstrID
	Preds    []BlockID
	Phis     []InstrID
	TryIndex int

	// CatchTryIndex is the try index a catch entry handles, or NoTryIndex.
	CatchTryIndex int

	// Filled by ComputeOrder and ComputeDominators.
	PreorderNum  int
	PostorderNum int
	Idom         BlockID
	Dominated    []BlockID
}

// IsCatchEntry reports whether the block is entered by exception dispatch.
func (b *Block) IsCatchEntry() bool { return b.CatchTryIndex != NoTryIndex }

// Instr is an arena node.
type Instr struct {
	ID    InstrID
	Block BlockID
	Prev  InstrID
	Next  InstrID
	Inst  Inst

	// Temp is the unoptimized frame temp of a value-defining instruction,
	// -1 otherwise.
	Temp    int
	Removed bool
}

// Inst is the payload of an instruction.
type Inst interface {
	inst()
}

// Block entries

type GraphEntry struct {
	Normal       BlockID
	CatchEntries []BlockID
}

type JoinEntry struct{}

type TargetEntry struct{}

// Value-defining and effect instructions

// Bind evaluates a computation and defines its value.
type Bind struct {
	Comp Computation
}

// Do evaluates a computation for effect.
type Do struct {
	Comp Computation
}

// Phi merges one input per predecessor of a join block.
type Phi struct {
	Inputs []Value
}

// PushArgument places an outgoing argument on the expression stack.
type PushArgument struct {
	Value Value
}

// Terminators

// Branch transfers to True when Value is the true object. A fused branch
// evaluates Comparison instead.
type Branch struct {
	Value      Value
	True       BlockID
	False      BlockID
	Comparison Computation
}

type Goto struct {
	Target BlockID
}

type Return struct {
	Value    Value
	TokenPos int
	DeoptID  int
}

type Throw struct {
	Exception Value
	TokenPos  int
	DeoptID   int
}

// ReThrow re-raises the exception bound by an enclosing catch.
type ReThrow struct {
	Exception Value
	TokenPos  int
	DeoptID   int
}

func (*GraphEntry) inst()   {}
func (*JoinEntry) inst()    {}
func (*TargetEntry) inst()  {}
func (*Bind) inst()         {}
func (*Do) inst()           {}
func (*Phi) inst()          {}
func (*PushArgument) inst() {}
func (*Branch) inst()       {}
func (*Goto) inst()         {}
func (*Return) inst()       {}
func (*Throw) inst()        {}
func (*ReThrow) inst()      {}

// IsBlockEntry reports whether inst starts a block.
func IsBlockEntry(inst Inst) bool {
	switch inst.(type) {
	case *GraphEntry, *JoinEntry, *TargetEntry:
		return true
	}
	return false
}

// IsTerminator reports whether inst ends a block.
func IsTerminator(inst Inst) bool {
	switch inst.(type) {
	case *Branch, *Goto, *Return, *Throw, *ReThrow:
		return true
	}
	return false
}

// ComputationOf returns the computation hosted by inst, if any. A fused
// branch hosts its comparison.
func ComputationOf(inst Inst) Computation {
	switch i := inst.(type) {
	case *Bind:
		return i.Comp
	case *Do:
		return i.Comp
	case *Branch:
		return i.Comparison
	}
	return nil
}

// Values

// Value is an input operand.
type Value interface {
	value()
	String() string
}

// Use refers to the value defined by another instruction.
type Use struct {
	Def InstrID
}

// Const is an inline literal: int64, float64, string, bool or nil.
type Const struct {
	Val any
}

func (Use) value()   {}
func (Const) value() {}

func (u Use) String() string { return fmt.Sprintf("v%d", u.Def) }

func (c Const) String() string {
	switch v := c.Val.(type) {
	case nil:
		return "#null"
	case string:
		return fmt.Sprintf("#%q", v)
	default:
		return fmt.Sprintf("#%v", v)
	}
}

// Local is a frame-allocated variable. Parameters have positive indices
// above the saved frame pointer and return address; locals have negative
// indices below the frame pointer.
type Local struct {
	Name    string
	Index   int
	IsParam bool
	Pos     int
	End     int
}

// Offset is the frame-pointer relative byte offset of the slot.
func (l *Local) Offset() int32 { return int32(object.WordSize * l.Index) }

func (l *Local) String() string { return l.Name }
