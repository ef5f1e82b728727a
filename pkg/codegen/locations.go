package codegen

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/codegen/asm"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// ErrNoLocationSummary aborts an optimized compilation when an instruction
// has no code generation strategy.
var ErrNoLocationSummary = errors.New("no location summary")

// LocationKind says where a value lives.
type LocationKind uint8

const (
	Unallocated LocationKind = iota
	RegisterLoc
	StackSlotLoc
	ConstantLoc
)

// Location is the home of a value: a register, a frame slot counted down
// from the frame pointer, or an inline constant.
type Location struct {
	Kind  LocationKind
	Reg   asm.Reg
	Slot  int
	Const any
}

func RegisterLocation(r asm.Reg) Location { return Location{Kind: RegisterLoc, Reg: r} }
func StackSlot(slot int) Location        { return Location{Kind: StackSlotLoc, Slot: slot} }
func ConstantLocation(c any) Location    { return Location{Kind: ConstantLoc, Const: c} }

func (l Location) String() string {
	switch l.Kind {
	case RegisterLoc:
		return fmt.Sprintf("r%d", l.Reg)
	case StackSlotLoc:
		return fmt.Sprintf("s%d", l.Slot)
	case ConstantLoc:
		return ir.Const{Val: l.Const}.String()
	}
	return "?"
}

// Same reports whether two locations name the same storage.
func (l Location) Same(o Location) bool {
	if l.Kind != o.Kind {
		return false
	}
	switch l.Kind {
	case RegisterLoc:
		return l.Reg == o.Reg
	case StackSlotLoc:
		return l.Slot == o.Slot
	}
	return false
}

// slotAddress is the frame address of slot.
func slotAddress(fp asm.Reg, slot int) asm.Address {
	return asm.Address{Base: fp, Offset: int32(-object.WordSize * (slot + 1))}
}

// OutputPolicy constrains where an instruction leaves its result.
type OutputPolicy uint8

const (
	NoOutput OutputPolicy = iota
	AnyRegister
	FixedResult // the call result register
)

// LocationSummary is what an instruction needs from the allocator.
type LocationSummary struct {
	Inputs        int
	Temps         int
	Output        OutputPolicy
	Call          bool
	CanDeoptimize bool
}

func (s LocationSummary) String() string {
	return fmt.Sprintf("in=%d temps=%d out=%d call=%v deopt=%v", s.Inputs, s.Temps, s.Output, s.Call, s.CanDeoptimize)
}

// Summarize reports the location summary of an instruction. Instructions
// that have none fail with ErrNoLocationSummary.
func Summarize(in *ir.Instr) (LocationSummary, error) {
	switch inst := in.Inst.(type) {
	case *ir.GraphEntry, *ir.JoinEntry, *ir.TargetEntry, *ir.Phi, *ir.Goto:
		return LocationSummary{}, nil
	case *ir.PushArgument:
		return LocationSummary{Inputs: 1}, nil
	case *ir.Return:
		return LocationSummary{Inputs: 1}, nil
	case *ir.Throw, *ir.ReThrow:
		return LocationSummary{Inputs: 1, Call: true}, nil
	case *ir.Branch:
		if inst.Comparison == nil {
			return LocationSummary{Inputs: 1, Temps: 1}, nil
		}
		s, err := summarizeComputation(inst.Comparison)
		if err != nil {
			return s, errors.Wrapf(err, "v%d", in.ID)
		}
		if s.Call {
			return s, errors.Wrapf(ErrNoLocationSummary, "v%d: fused %s calls out", in.ID, inst.Comparison.Name())
		}
		s.Output = NoOutput
		return s, nil
	case *ir.Bind:
		s, err := summarizeComputation(inst.Comp)
		return s, errors.Wrapf(err, "v%d", in.ID)
	case *ir.Do:
		s, err := summarizeComputation(inst.Comp)
		s.Output = NoOutput
		return s, errors.Wrapf(err, "v%d", in.ID)
	}
	return LocationSummary{}, errors.Wrapf(ErrNoLocationSummary, "v%d: %T", in.ID, in.Inst)
}

func call(inputs int) LocationSummary {
	return LocationSummary{Inputs: inputs, Output: FixedResult, Call: true}
}

func guarded(inputs, temps int) LocationSummary {
	return LocationSummary{Inputs: inputs, Temps: temps, Output: AnyRegister, CanDeoptimize: true}
}

func summarizeComputation(c ir.Computation) (LocationSummary, error) {
	none := func(format string, args ...any) (LocationSummary, error) {
		return LocationSummary{}, errors.Wrapf(ErrNoLocationSummary, "%s: "+format, append([]any{c.Name()}, args...)...)
	}
	switch c := c.(type) {
	case *ir.Constant, *ir.LoadLocal:
		return LocationSummary{Output: AnyRegister}, nil
	case *ir.StoreLocal:
		return LocationSummary{Inputs: 1, Output: AnyRegister}, nil
	case *ir.CatchEntry:
		return LocationSummary{}, nil
	case *ir.InstanceCall, *ir.InstanceSetter, *ir.PolymorphicInstanceCall,
		*ir.AllocateObject, *ir.CreateArray, *ir.StaticCall:
		return call(0), nil
	case *ir.StrictCompare:
		return LocationSummary{Inputs: 2, Output: AnyRegister}, nil
	case *ir.BooleanNegate:
		return LocationSummary{Inputs: 1, Temps: 1, Output: AnyRegister}, nil
	case *ir.RelationalOp:
		return comparisonSummary(c.Args, c.OperandsClass, none)
	case *ir.EqualityCompare:
		return comparisonSummary(c.Args, c.OperandsClass, none)
	case *ir.LoadIndexed:
		if c.Args != nil {
			return call(0), nil
		}
		return guarded(2, 1), nil
	case *ir.StoreIndexed:
		if c.Args != nil {
			return call(0), nil
		}
		if c.ReceiverClass == object.ImmutableArrayCid {
			return none("store into an immutable array")
		}
		return guarded(3, 1), nil
	case *ir.BinarySmiOp:
		switch c.Op {
		case ast.Add, ast.Sub, ast.BitAnd, ast.BitOr, ast.BitXor:
			return guarded(2, 0), nil
		case ast.Mul, ast.TruncDiv, ast.Shr, ast.Shl:
			return guarded(2, 2), nil
		}
		return none("operator %s", c.Op)
	case *ir.BinaryMintOp:
		if c.Op != ast.BitAnd {
			return none("operator %s", c.Op)
		}
		s := guarded(2, 2)
		s.Output, s.Call = FixedResult, true
		return s, nil
	case *ir.BinaryDoubleOp:
		switch c.Op {
		case ast.Add, ast.Sub, ast.Mul, ast.Div, ast.Mod:
			s := guarded(2, 0)
			s.Output, s.Call = FixedResult, true
			return s, nil
		}
		return none("operator %s", c.Op)
	case *ir.UnarySmiOp:
		if c.Op != ast.Negate && c.Op != ast.BitNot {
			return none("operator %s", c.Op)
		}
		return guarded(1, 0), nil
	case *ir.NumberNegate:
		s := guarded(1, 0)
		s.Output, s.Call = FixedResult, true
		return s, nil
	case *ir.LoadInstanceField, *ir.LoadVMField:
		return guarded(1, 0), nil
	case *ir.StoreInstanceField:
		return guarded(2, 0), nil
	case *ir.ToDouble:
		switch c.FromClass {
		case object.DoubleCid:
			return guarded(1, 0), nil
		case object.SmiCid:
			s := guarded(1, 1)
			s.Output, s.Call = FixedResult, true
			return s, nil
		}
		return none("from class %d", c.FromClass)
	}
	return none("unsupported")
}

func comparisonSummary(args []ir.InstrID, cid object.ClassID,
	none func(string, ...any) (LocationSummary, error)) (LocationSummary, error) {
	if args != nil {
		return call(0), nil
	}
	switch cid {
	case object.SmiCid, object.DoubleCid:
		return guarded(2, 1), nil
	}
	return none("operands class %d", cid)
}
