package ir

import (
	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/feedback"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Computation is an operation producing zero or one value. The set of
// computations is closed; passes switch on the concrete type.
type Computation interface {
	Base() *Info
	// Inputs returns pointers to the value operands so passes can rewrite
	// them in place.
	Inputs() []*Value
	// Arguments returns the PushArgument instructions feeding a
	// dynamically dispatched call.
	Arguments() []InstrID
	Name() string
	computation()
}

// Info is shared by every computation. DeoptID is the feedback key and the
// deoptimization target key.
type Info struct {
	DeoptID  int
	TokenPos int
	IC       *feedback.ICData
}

func (i *Info) Base() *Info { return i }

// Generic computations

type Constant struct {
	Info
	Val any
}

type LoadLocal struct {
	Info
	Local *Local
}

type StoreLocal struct {
	Info
	Local *Local
	Value Value
}

// InstanceCall dispatches Selector on the receiver through the inline cache.
type InstanceCall struct {
	Info
	Selector      string
	Token         ast.Token
	ArgCount      int
	NumArgsTested int
	Args          []InstrID
}

// InstanceSetter dispatches the setter of Field with receiver and value
// arguments.
type InstanceSetter struct {
	Info
	Field string
	Args  []InstrID
}

type StaticCall struct {
	Info
	Function   *object.Function
	Args       []InstrID
	Recognized object.RecognizedKind
}

// RelationalOp compares two operands. It dispatches through Args until the
// optimizer sets OperandsClass, after which Left and Right are direct.
type RelationalOp struct {
	Info
	Op            ast.Token
	Args          []InstrID
	Left          Value
	Right         Value
	OperandsClass object.ClassID
}

// EqualityCompare is == or != with the same two modes as RelationalOp.
type EqualityCompare struct {
	Info
	Op            ast.Token
	Args          []InstrID
	Left          Value
	Right         Value
	OperandsClass object.ClassID
}

// StrictCompare is an identity comparison.
type StrictCompare struct {
	Info
	Op    ast.Token
	Left  Value
	Right Value
}

type BooleanNegate struct {
	Info
	Value Value
}

// LoadIndexed is receiver[index]. ReceiverClass is set by the optimizer,
// after which Array and Index are direct.
type LoadIndexed struct {
	Info
	Args          []InstrID
	Array         Value
	Index         Value
	ReceiverClass object.ClassID
}

type StoreIndexed struct {
	Info
	Args          []InstrID
	Array         Value
	Index         Value
	Value         Value
	ReceiverClass object.ClassID
}

type AllocateObject struct {
	Info
	Class *object.Class
}

type CreateArray struct {
	Info
	Kind ast.ArrayKind
	Args []InstrID
}

// CatchEntry binds the in-flight exception to Exception at the start of a
// catch block.
type CatchEntry struct {
	Info
	Exception *Local
	TryIndex  int
}

// Specialized computations

type BinarySmiOp struct {
	Info
	Op    ast.Token
	Left  Value
	Right Value
}

type BinaryMintOp struct {
	Info
	Op    ast.Token
	Left  Value
	Right Value
}

type BinaryDoubleOp struct {
	Info
	Op    ast.Token
	Left  Value
	Right Value
}

type UnarySmiOp struct {
	Info
	Op    ast.Token
	Value Value
}

// NumberNegate negates a double.
type NumberNegate struct {
	Info
	Value Value
}

// LoadInstanceField reads Field after checking the receiver class is one
// of Classes.
type LoadInstanceField struct {
	Info
	Field    *object.Field
	Instance Value
	Classes  []object.ClassID
}

type StoreInstanceField struct {
	Info
	Field    *object.Field
	Instance Value
	Value    Value
	Classes  []object.ClassID
}

// LoadVMField reads a VM-managed slot such as an array length.
type LoadVMField struct {
	Info
	Offset     int32
	Value      Value
	Classes    []object.ClassID
	Recognized object.RecognizedKind
}

type ToDouble struct {
	Info
	Value     Value
	FromClass object.ClassID
}

// PolymorphicInstanceCall tests the receiver against each check of IC and
// calls its target directly, falling back to Call on a miss.
type PolymorphicInstanceCall struct {
	Info
	Call *InstanceCall
}

func (*Constant) computation()                {}
func (*LoadLocal) computation()               {}
func (*StoreLocal) computation()              {}
func (*InstanceCall) computation()            {}
func (*InstanceSetter) computation()          {}
func (*StaticCall) computation()              {}
func (*RelationalOp) computation()            {}
func (*EqualityCompare) computation()         {}
func (*StrictCompare) computation()           {}
func (*BooleanNegate) computation()           {}
func (*LoadIndexed) computation()             {}
func (*StoreIndexed) computation()            {}
func (*AllocateObject) computation()          {}
func (*CreateArray) computation()             {}
func (*CatchEntry) computation()              {}
func (*BinarySmiOp) computation()             {}
func (*BinaryMintOp) computation()            {}
func (*BinaryDoubleOp) computation()          {}
func (*UnarySmiOp) computation()              {}
func (*NumberNegate) computation()            {}
func (*LoadInstanceField) computation()       {}
func (*StoreInstanceField) computation()      {}
func (*LoadVMField) computation()             {}
func (*ToDouble) computation()                {}
func (*PolymorphicInstanceCall) computation() {}

func (*Constant) Name() string                { return "Constant" }
func (*LoadLocal) Name() string               { return "LoadLocal" }
func (*StoreLocal) Name() string              { return "StoreLocal" }
func (*InstanceCall) Name() string            { return "InstanceCall" }
func (*InstanceSetter) Name() string          { return "InstanceSetter" }
func (*StaticCall) Name() string              { return "StaticCall" }
func (*RelationalOp) Name() string            { return "RelationalOp" }
func (*EqualityCompare) Name() string         { return "EqualityCompare" }
func (*StrictCompare) Name() string           { return "StrictCompare" }
func (*BooleanNegate) Name() string           { return "BooleanNegate" }
func (*LoadIndexed) Name() string             { return "LoadIndexed" }
func (*StoreIndexed) Name() string            { return "StoreIndexed" }
func (*AllocateObject) Name() string          { return "AllocateObject" }
func (*CreateArray) Name() string             { return "CreateArray" }
func (*CatchEntry) Name() string              { return "CatchEntry" }
func (*BinarySmiOp) Name() string             { return "BinarySmiOp" }
func (*BinaryMintOp) Name() string            { return "BinaryMintOp" }
func (*BinaryDoubleOp) Name() string          { return "BinaryDoubleOp" }
func (*UnarySmiOp) Name() string              { return "UnarySmiOp" }
func (*NumberNegate) Name() string            { return "NumberNegate" }
func (*LoadInstanceField) Name() string       { return "LoadInstanceField" }
func (*StoreInstanceField) Name() string      { return "StoreInstanceField" }
func (*LoadVMField) Name() string             { return "LoadVMField" }
func (*ToDouble) Name() string                { return "ToDouble" }
func (*PolymorphicInstanceCall) Name() string { return "PolymorphicInstanceCall" }

func (*Constant) Inputs() []*Value          { return nil }
func (*LoadLocal) Inputs() []*Value         { return nil }
func (c *StoreLocal) Inputs() []*Value      { return []*Value{&c.Value} }
func (*InstanceCall) Inputs() []*Value      { return nil }
func (*InstanceSetter) Inputs() []*Value    { return nil }
func (*StaticCall) Inputs() []*Value        { return nil }
func (c *RelationalOp) Inputs() []*Value    { return directPair(c.Args, &c.Left, &c.Right) }
func (c *EqualityCompare) Inputs() []*Value { return directPair(c.Args, &c.Left, &c.Right) }
func (c *StrictCompare) Inputs() []*Value   { return []*Value{&c.Left, &c.Right} }
func (c *BooleanNegate) Inputs() []*Value   { return []*Value{&c.Value} }
func (c *LoadIndexed) Inputs() []*Value     { return directPair(c.Args, &c.Array, &c.Index) }
func (c *StoreIndexed) Inputs() []*Value {
	if c.Args != nil {
		return nil
	}
	return []*Value{&c.Array, &c.Index, &c.Value}
}
func (*AllocateObject) Inputs() []*Value          { return nil }
func (*CreateArray) Inputs() []*Value             { return nil }
func (*CatchEntry) Inputs() []*Value              { return nil }
func (c *BinarySmiOp) Inputs() []*Value           { return []*Value{&c.Left, &c.Right} }
func (c *BinaryMintOp) Inputs() []*Value          { return []*Value{&c.Left, &c.Right} }
func (c *BinaryDoubleOp) Inputs() []*Value        { return []*Value{&c.Left, &c.Right} }
func (c *UnarySmiOp) Inputs() []*Value            { return []*Value{&c.Value} }
func (c *NumberNegate) Inputs() []*Value          { return []*Value{&c.Value} }
func (c *LoadInstanceField) Inputs() []*Value     { return []*Value{&c.Instance} }
func (c *StoreInstanceField) Inputs() []*Value    { return []*Value{&c.Instance, &c.Value} }
func (c *LoadVMField) Inputs() []*Value           { return []*Value{&c.Value} }
func (c *ToDouble) Inputs() []*Value              { return []*Value{&c.Value} }
func (*PolymorphicInstanceCall) Inputs() []*Value { return nil }

func directPair(args []InstrID, a, b *Value) []*Value {
	if args != nil {
		return nil
	}
	return []*Value{a, b}
}

func (*Constant) Arguments() []InstrID                  { return nil }
func (*LoadLocal) Arguments() []InstrID                 { return nil }
func (*StoreLocal) Arguments() []InstrID                { return nil }
func (c *InstanceCall) Arguments() []InstrID            { return c.Args }
func (c *InstanceSetter) Arguments() []InstrID          { return c.Args }
func (c *StaticCall) Arguments() []InstrID              { return c.Args }
func (c *RelationalOp) Arguments() []InstrID            { return c.Args }
func (c *EqualityCompare) Arguments() []InstrID         { return c.Args }
func (*StrictCompare) Arguments() []InstrID             { return nil }
func (*BooleanNegate) Arguments() []InstrID             { return nil }
func (c *LoadIndexed) Arguments() []InstrID             { return c.Args }
func (c *StoreIndexed) Arguments() []InstrID            { return c.Args }
func (*AllocateObject) Arguments() []InstrID            { return nil }
func (c *CreateArray) Arguments() []InstrID             { return c.Args }
func (*CatchEntry) Arguments() []InstrID                { return nil }
func (*BinarySmiOp) Arguments() []InstrID               { return nil }
func (*BinaryMintOp) Arguments() []InstrID              { return nil }
func (*BinaryDoubleOp) Arguments() []InstrID            { return nil }
func (*UnarySmiOp) Arguments() []InstrID                { return nil }
func (*NumberNegate) Arguments() []InstrID              { return nil }
func (*LoadInstanceField) Arguments() []InstrID         { return nil }
func (*StoreInstanceField) Arguments() []InstrID        { return nil }
func (*LoadVMField) Arguments() []InstrID               { return nil }
func (*ToDouble) Arguments() []InstrID                  { return nil }
func (c *PolymorphicInstanceCall) Arguments() []InstrID { return c.Call.Args }

// IsComparison reports whether c produces a boolean a branch can fuse.
func IsComparison(c Computation) bool {
	switch c.(type) {
	case *RelationalOp, *EqualityCompare, *StrictCompare:
		return true
	}
	return false
}

// CanDeoptimize reports whether the compiled form of c contains guards
// that can leave optimized code.
func CanDeoptimize(c Computation) bool {
	switch c := c.(type) {
	case *BinarySmiOp, *BinaryMintOp, *BinaryDoubleOp, *UnarySmiOp, *NumberNegate,
		*LoadInstanceField, *StoreInstanceField, *LoadVMField, *ToDouble:
		return true
	case *RelationalOp:
		return c.OperandsClass != object.IllegalCid
	case *EqualityCompare:
		return c.OperandsClass != object.IllegalCid
	case *LoadIndexed:
		return c.ReceiverClass != object.IllegalCid
	case *StoreIndexed:
		return c.ReceiverClass != object.IllegalCid
	}
	return false
}

// IsDynamicCall reports whether c dispatches through an inline cache in
// its current form.
func IsDynamicCall(c Computation) bool {
	switch c := c.(type) {
	case *InstanceCall, *InstanceSetter:
		return true
	case *RelationalOp:
		return c.Args != nil
	case *EqualityCompare:
		return c.Args != nil
	case *LoadIndexed:
		return c.Args != nil
	case *StoreIndexed:
		return c.Args != nil
	}
	return false
}
