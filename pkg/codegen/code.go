package codegen

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/deopt"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// DescriptorKind classifies a PC descriptor.
type DescriptorKind uint8

const (
	// PcDeopt marks a deopt target in unoptimized code and a deopt exit in
	// optimized code.
	PcDeopt DescriptorKind = iota
	PcPatchCode
	PcIcCall
	PcFuncCall
	PcRuntimeCall
	PcReturn
	PcOther
)

var kindNames = [...]string{
	PcDeopt:       "deopt",
	PcPatchCode:   "patch",
	PcIcCall:      "ic-call",
	PcFuncCall:    "func-call",
	PcRuntimeCall: "runtime-call",
	PcReturn:      "return",
	PcOther:       "other",
}

func (k DescriptorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "?"
}

// IsCall reports whether descriptors of this kind sit at a return address.
func (k DescriptorKind) IsCall() bool {
	return k == PcIcCall || k == PcFuncCall || k == PcRuntimeCall
}

// PcDescriptor maps a code offset to its source position. Call
// descriptors record the return address.
type PcDescriptor struct {
	PC       int
	Kind     DescriptorKind
	DeoptID  int
	TokenPos int
	TryIndex int
}

func (d PcDescriptor) String() string {
	return fmt.Sprintf("%#06x %-12s deopt=%d pos=%d try=%d", d.PC, d.Kind, d.DeoptID, d.TokenPos, d.TryIndex)
}

// StackMap records which frame slots hold tagged values at a call in
// optimized code. Slots are numbered from the frame pointer down: locals,
// spill slots, then outgoing arguments.
type StackMap struct {
	PC    int
	Slots *ir.BitVector[int]
}

func (m StackMap) String() string {
	bits := make([]byte, m.Slots.Len())
	for i := range bits {
		bits[i] = '0'
		if m.Slots.Contains(i) {
			bits[i] = '1'
		}
	}
	return fmt.Sprintf("%#06x %s", m.PC, bits)
}

// ExceptionHandler is the catch entry for one try index.
type ExceptionHandler struct {
	TryIndex  int
	HandlerPC int
}

// VarKind is where a variable lives.
type VarKind uint8

const (
	StackVar VarKind = iota
	ContextVar
	ContextLevel
	SavedContext
)

func (k VarKind) String() string {
	switch k {
	case ContextVar:
		return "context"
	case ContextLevel:
		return "context-level"
	case SavedContext:
		return "context-chain"
	default:
		return "stack"
	}
}

// VarDescriptor names a source variable and its frame index over a token
// range.
type VarDescriptor struct {
	Name     string
	Kind     VarKind
	Index    int
	BeginPos int
	EndPos   int
}

// SiteKind distinguishes object pool entries.
type SiteKind uint8

const (
	InstanceSite SiteKind = iota
	StaticSite
)

// CallSite is an object pool entry naming what a call instruction
// invokes. Instance sites dispatch through the inline cache of DeoptID.
type CallSite struct {
	Kind          SiteKind
	Name          string
	ArgCount      int
	NumArgsTested int
	DeoptID       int
	TokenPos      int
	Function      *object.Function
}

func (s CallSite) String() string {
	if s.Kind == StaticSite {
		return fmt.Sprintf("static %s/%d deopt=%d", s.Function.QualifiedName(), s.ArgCount, s.DeoptID)
	}
	return fmt.Sprintf("ic %q/%d tested=%d deopt=%d", s.Name, s.ArgCount, s.NumArgsTested, s.DeoptID)
}

// Stats counts what the linearizer and the emitter produced.
type Stats struct {
	Blocks       int
	EdgeJumps    int // control flow edges realized by a jump
	FallThroughs int // control flow edges realized by falling through
	DeoptStubs   int
	Calls        int
}

// Code is the installable result of one compilation. Its tables are
// immutable once Finalize has run.
type Code struct {
	Function  *object.Function
	Name      string
	Optimized bool
	Target    string

	Instructions []byte
	// FrameSlots is the number of words below the frame pointer: stack
	// locals, then temps (unoptimized) or spill slots (optimized).
	FrameSlots int
	NumLocals  int
	NumTemps   int

	PcDescriptors     []PcDescriptor
	StackMaps         []StackMap
	VarDescriptors    []VarDescriptor
	ExceptionHandlers []ExceptionHandler
	Comments          []asm.Comment
	ObjectPool        []CallSite
	DeoptInfos        []*deopt.Info

	Stats Stats
}

// Size is the instruction byte count.
func (c *Code) Size() int { return len(c.Instructions) }

// DeoptTarget returns the offset unoptimized code resumes at for deoptID.
func (c *Code) DeoptTarget(deoptID int) (int, bool) {
	if c.Optimized {
		return 0, false
	}
	for _, d := range c.PcDescriptors {
		if d.Kind == PcDeopt && d.DeoptID == deoptID {
			return d.PC, true
		}
	}
	return 0, false
}

// CallDescriptor finds the call descriptor whose return address is pc.
func (c *Code) CallDescriptor(pc int) (PcDescriptor, bool) {
	i := sort.Search(len(c.PcDescriptors), func(i int) bool { return c.PcDescriptors[i].PC >= pc })
	for ; i < len(c.PcDescriptors) && c.PcDescriptors[i].PC == pc; i++ {
		if c.PcDescriptors[i].Kind.IsCall() {
			return c.PcDescriptors[i], true
		}
	}
	return PcDescriptor{}, false
}

// Handler returns the handler offset for a try index.
func (c *Code) Handler(tryIndex int) (int, bool) {
	for _, h := range c.ExceptionHandlers {
		if h.TryIndex == tryIndex {
			return h.HandlerPC, true
		}
	}
	return 0, false
}

// StackMapAt returns the stack map recorded for the return address pc.
func (c *Code) StackMapAt(pc int) (StackMap, bool) {
	i := sort.Search(len(c.StackMaps), func(i int) bool { return c.StackMaps[i].PC >= pc })
	if i < len(c.StackMaps) && c.StackMaps[i].PC == pc {
		return c.StackMaps[i], true
	}
	return StackMap{}, false
}

// VerifyError describes one inconsistency between the code and its
// tables.
type VerifyError struct {
	Table   string
	Index   int
	Message string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s[%d]: %s", e.Table, e.Index, e.Message)
}

// Verify checks that every table entry points into the instructions and
// that the tables agree with each other.
func (c *Code) Verify() error {
	var errs []error
	fail := func(table string, i int, format string, args ...any) {
		errs = append(errs, &VerifyError{Table: table, Index: i, Message: fmt.Sprintf(format, args...)})
	}
	size := len(c.Instructions)

	last := 0
	for i, d := range c.PcDescriptors {
		if d.PC < 0 || d.PC > size {
			fail("pc", i, "offset %#x outside %d bytes", d.PC, size)
		}
		if d.PC < last {
			fail("pc", i, "offset %#x before previous %#x", d.PC, last)
		}
		if d.Kind > PcOther {
			fail("pc", i, "unknown kind %d", d.Kind)
		}
		last = d.PC
	}

	if !c.Optimized && len(c.StackMaps) > 0 {
		fail("stackmap", 0, "unoptimized code carries %d stack maps", len(c.StackMaps))
	}
	for i, m := range c.StackMaps {
		if _, ok := c.CallDescriptor(m.PC); !ok {
			fail("stackmap", i, "no call at %#x", m.PC)
		}
		if m.Slots.Len() < c.FrameSlots {
			fail("stackmap", i, "covers %d of %d frame slots", m.Slots.Len(), c.FrameSlots)
		}
	}

	seen := make(map[int]bool)
	for i, h := range c.ExceptionHandlers {
		if h.HandlerPC < 0 || h.HandlerPC >= size {
			fail("handler", i, "offset %#x outside %d bytes", h.HandlerPC, size)
		}
		if seen[h.TryIndex] {
			fail("handler", i, "try index %d handled twice", h.TryIndex)
		}
		seen[h.TryIndex] = true
	}

	for i, v := range c.VarDescriptors {
		if v.BeginPos > v.EndPos {
			fail("var", i, "%s scope %d..%d is inverted", v.Name, v.BeginPos, v.EndPos)
		}
	}

	for i, info := range c.DeoptInfos {
		if _, ok := info.RetAddress(); !ok {
			fail("deopt", i, "#%d has no return address", info.DeoptID)
		}
		for _, in := range info.Instrs {
			if in.Op != deopt.SetRetAddress && (in.Dest < 0 || in.Dest >= info.ExprSize) {
				fail("deopt", i, "%s outside %d slots", in, info.ExprSize)
			}
			if in.Op == deopt.CopyStackSlot && in.Src >= c.FrameSlots {
				fail("deopt", i, "%s reads beyond %d frame slots", in, c.FrameSlots)
			}
		}
	}

	for i, s := range c.ObjectPool {
		if s.Kind == StaticSite && s.Function == nil {
			fail("pool", i, "static site without a function")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	err := errs[0]
	if len(errs) > 1 {
		err = errors.Wrapf(err, "and %d more", len(errs)-1)
	}
	return errors.Wrapf(err, "verify %s", c.Name)
}
