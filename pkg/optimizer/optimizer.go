// Package optimizer - feedback-driven specialization of the flow graph
// Design: one forward pass over the blocks, each computation visited once.
// A rewrite either fully replaces a computation or leaves it alone.
package optimizer

import (
	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/logger"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// DefaultPolymorphicFanOut bounds polymorphic dispatch.
const DefaultPolymorphicFanOut = 4

// Classes resolves class ids seen in feedback.
type Classes interface {
	At(id object.ClassID) *object.Class
}

// Options tune a single Apply.
type Options struct {
	PolymorphicFanOut int
	Trace             bool
}

type optimizer struct {
	g       *ir.Graph
	classes Classes
	opts    Options
	changes int
}

// Apply rewrites dynamic operations of g using the feedback attached to
// them, then fuses comparisons into branches. It returns the number of
// rewrites performed.
func Apply(g *ir.Graph, classes Classes, opts Options) (int, error) {
	if opts.PolymorphicFanOut <= 0 {
		opts.PolymorphicFanOut = DefaultPolymorphicFanOut
	}
	o := &optimizer{g: g, classes: classes, opts: opts}
	logger.Debug("Running optimizer", "function", g.Name, "fanout", opts.PolymorphicFanOut)

	for _, id := range g.ReversePostorder() {
		for _, in := range g.Instructions(id) {
			if in.Removed {
				continue
			}
			comp := ir.ComputationOf(in.Inst)
			if comp == nil {
				continue
			}
			if _, isBranch := in.Inst.(*ir.Branch); isBranch {
				continue
			}
			if err := o.visit(in, comp); err != nil {
				return o.changes, err
			}
		}
	}
	if err := o.fuseComparisons(); err != nil {
		return o.changes, err
	}
	logger.LogOptimization("apply-icdata", o.changes)
	return o.changes, nil
}

func (o *optimizer) visit(in *ir.Instr, comp ir.Computation) error {
	var next ir.Computation
	switch c := comp.(type) {
	case *ir.InstanceCall:
		next = o.instanceCall(c)
	case *ir.InstanceSetter:
		next = o.instanceSetter(c)
	case *ir.StaticCall:
		next = o.staticCall(c)
	case *ir.LoadIndexed:
		next = o.loadIndexed(c)
	case *ir.StoreIndexed:
		next = o.storeIndexed(c)
	case *ir.RelationalOp:
		next = o.relationalOp(c)
	case *ir.EqualityCompare:
		next = o.equalityCompare(c)
	}
	if next == nil {
		return nil
	}
	return o.replace(in, comp, next)
}

// replace installs next in place of prev and drops the pushes prev consumed
// when next reads its operands directly.
func (o *optimizer) replace(in *ir.Instr, prev, next ir.Computation) error {
	switch inst := in.Inst.(type) {
	case *ir.Bind:
		inst.Comp = next
	case *ir.Do:
		inst.Comp = next
	}
	if next.Arguments() == nil {
		for _, arg := range prev.Arguments() {
			if err := o.g.RemoveFromGraph(arg); err != nil {
				return err
			}
		}
	}
	o.changes++
	if o.opts.Trace {
		o.log(next.Base().DeoptID, prev.Name(), next.Name())
	}
	return nil
}

func (o *optimizer) log(deoptID int, from, to string) {
	logger.LogSpecialization(o.g.Name, deoptID, from, to)
}

func (o *optimizer) argValue(arg ir.InstrID) ir.Value {
	return o.g.Instr(arg).Inst.(*ir.PushArgument).Value
}

func hasFeedback(ic *feedback.ICData) bool {
	return ic != nil && ic.NumberOfChecks() > 0
}

func (o *optimizer) instanceCall(c *ir.InstanceCall) ir.Computation {
	ic := c.IC
	if !hasFeedback(ic) {
		// Without feedback the call keeps going through the inline cache so
		// a later recompilation can see what it observed.
		return nil
	}
	if c.Token.IsBinary() {
		if next := o.binaryOp(c); next != nil {
			return next
		}
	}
	if c.Token.IsUnary() {
		if next := o.unaryOp(c); next != nil {
			return next
		}
	}
	if c.Token == ast.Get {
		if next := o.instanceGetter(c); next != nil {
			return next
		}
	}
	if next := o.instanceMethod(c); next != nil {
		return next
	}
	if ic.NumberOfChecks() <= o.opts.PolymorphicFanOut {
		info := c.Info
		info.IC = ic.AsUnaryClassChecks()
		return &ir.PolymorphicInstanceCall{Info: info, Call: c}
	}
	return nil
}

func (o *optimizer) binaryOp(c *ir.InstanceCall) ir.Computation {
	ic := c.IC
	if ic.NumArgsTested != 2 || len(c.Args) != 2 {
		return nil
	}
	twoSmi := ic.HasOnly(object.SmiCid, object.SmiCid)
	twoDouble := ic.HasOnly(object.DoubleCid, object.DoubleCid)
	left, right := o.argValue(c.Args[0]), o.argValue(c.Args[1])

	switch c.Token {
	case ast.Add, ast.Sub, ast.Mul:
		if twoSmi {
			return &ir.BinarySmiOp{Info: c.Info, Op: c.Token, Left: left, Right: right}
		}
		if twoDouble {
			return &ir.BinaryDoubleOp{Info: c.Info, Op: c.Token, Left: left, Right: right}
		}
	case ast.Div, ast.Mod:
		if twoDouble {
			return &ir.BinaryDoubleOp{Info: c.Info, Op: c.Token, Left: left, Right: right}
		}
	case ast.BitAnd:
		if twoSmi {
			return &ir.BinarySmiOp{Info: c.Info, Op: c.Token, Left: left, Right: right}
		}
		if ic.AllClassesIn(object.SmiCid, object.MintCid) {
			return &ir.BinaryMintOp{Info: c.Info, Op: c.Token, Left: left, Right: right}
		}
	case ast.BitOr, ast.BitXor, ast.TruncDiv, ast.Shr, ast.Shl:
		if twoSmi {
			return &ir.BinarySmiOp{Info: c.Info, Op: c.Token, Left: left, Right: right}
		}
	}
	return nil
}

func (o *optimizer) unaryOp(c *ir.InstanceCall) ir.Computation {
	ic := c.IC
	if ic.NumberOfChecks() != 1 || len(c.Args) != 1 {
		return nil
	}
	value := o.argValue(c.Args[0])
	switch ic.ReceiverClassIDAt(0) {
	case object.SmiCid:
		return &ir.UnarySmiOp{Info: c.Info, Op: c.Token, Value: value}
	case object.DoubleCid:
		if c.Token == ast.Negate {
			return &ir.NumberNegate{Info: c.Info, Value: value}
		}
	}
	return nil
}

// lookupField finds name on the class of cid or its superclasses.
func (o *optimizer) lookupField(cid object.ClassID, name string) *object.Field {
	cls := o.classes.At(cid)
	if cls == nil {
		return nil
	}
	return cls.LookupField(name)
}

func (o *optimizer) instanceGetter(c *ir.InstanceCall) ir.Computation {
	ic := c.IC
	target := ic.TargetAt(0)
	if target == nil || !ic.HasOneTarget() {
		return nil
	}
	receiver := o.argValue(c.Args[0])
	classes := ic.ClassIDsSorted()

	if target.Kind == object.ImplicitGetter {
		field := o.lookupField(ic.ReceiverClassIDAt(0), object.FieldNameFromGetter(c.Selector))
		if field == nil {
			return nil
		}
		return &ir.LoadInstanceField{Info: c.Info, Field: field, Instance: receiver, Classes: classes}
	}

	kind := target.Recognized()
	if offset, ok := kind.LengthOffset(); ok {
		return &ir.LoadVMField{Info: c.Info, Offset: offset, Value: receiver, Classes: classes, Recognized: kind}
	}
	return nil
}

func (o *optimizer) instanceMethod(c *ir.InstanceCall) ir.Computation {
	ic := c.IC
	if !ic.HasOneTarget() || len(c.Args) != 1 || ic.TargetAt(0) == nil {
		return nil
	}
	var from object.ClassID
	switch ic.TargetAt(0).Recognized() {
	case object.DoubleToDouble:
		from = object.DoubleCid
	case object.IntegerToDouble:
		from = object.SmiCid
	default:
		return nil
	}
	if ic.ReceiverClassIDAt(0) != from {
		return nil
	}
	return &ir.ToDouble{Info: c.Info, Value: o.argValue(c.Args[0]), FromClass: from}
}

func (o *optimizer) instanceSetter(c *ir.InstanceSetter) ir.Computation {
	ic := c.IC
	if !hasFeedback(ic) || !ic.HasOneTarget() {
		return nil
	}
	target := ic.TargetAt(0)
	if target == nil || target.Kind != object.ImplicitSetter {
		return nil
	}
	field := o.lookupField(ic.ReceiverClassIDAt(0), c.Field)
	if field == nil {
		return nil
	}
	return &ir.StoreInstanceField{
		Info:     c.Info,
		Field:    field,
		Instance: o.argValue(c.Args[0]),
		Value:    o.argValue(c.Args[1]),
		Classes:  ic.ClassIDsSorted(),
	}
}

func (o *optimizer) staticCall(c *ir.StaticCall) ir.Computation {
	if c.Recognized != object.Unknown || c.Function.Recognized() != object.MathSqrt {
		return nil
	}
	next := *c
	next.Recognized = object.MathSqrt
	return &next
}

// receiverClassID returns the single receiver class of a monomorphic site.
func receiverClassID(ic *feedback.ICData) object.ClassID {
	if !hasFeedback(ic) || ic.NumberOfChecks() != 1 {
		return object.IllegalCid
	}
	return ic.ReceiverClassIDAt(0)
}

func (o *optimizer) loadIndexed(c *ir.LoadIndexed) ir.Computation {
	if c.Args == nil {
		return nil
	}
	switch cid := receiverClassID(c.IC); cid {
	case object.ArrayCid, object.ImmutableArrayCid, object.GrowableArrayCid:
		return &ir.LoadIndexed{
			Info:          c.Info,
			Array:         o.argValue(c.Args[0]),
			Index:         o.argValue(c.Args[1]),
			ReceiverClass: cid,
		}
	}
	return nil
}

func (o *optimizer) storeIndexed(c *ir.StoreIndexed) ir.Computation {
	if c.Args == nil {
		return nil
	}
	switch cid := receiverClassID(c.IC); cid {
	case object.ArrayCid, object.GrowableArrayCid:
		return &ir.StoreIndexed{
			Info:          c.Info,
			Array:         o.argValue(c.Args[0]),
			Index:         o.argValue(c.Args[1]),
			Value:         o.argValue(c.Args[2]),
			ReceiverClass: cid,
		}
	}
	return nil
}

// operandsClass returns Smi or Double for a site that only ever saw that
// class on both sides.
func operandsClass(ic *feedback.ICData) object.ClassID {
	if !hasFeedback(ic) || ic.NumArgsTested != 2 {
		return object.IllegalCid
	}
	switch {
	case ic.HasOnly(object.SmiCid, object.SmiCid):
		return object.SmiCid
	case ic.HasOnly(object.DoubleCid, object.DoubleCid):
		return object.DoubleCid
	}
	return object.IllegalCid
}

func (o *optimizer) relationalOp(c *ir.RelationalOp) ir.Computation {
	cid := operandsClass(c.IC)
	if cid == object.IllegalCid || c.Args == nil {
		return nil
	}
	return &ir.RelationalOp{
		Info:          c.Info,
		Op:            c.Op,
		Left:          o.argValue(c.Args[0]),
		Right:         o.argValue(c.Args[1]),
		OperandsClass: cid,
	}
}

func (o *optimizer) equalityCompare(c *ir.EqualityCompare) ir.Computation {
	cid := operandsClass(c.IC)
	if cid == object.IllegalCid || c.Args == nil {
		return nil
	}
	return &ir.EqualityCompare{
		Info:          c.Info,
		Op:            c.Op,
		Left:          o.argValue(c.Args[0]),
		Right:         o.argValue(c.Args[1]),
		OperandsClass: cid,
	}
}
