// Package deopt describes how optimized code falls back to unoptimized
// code: why it left, what the unoptimized frame looked like at that point,
// and how to rebuild that frame from optimized state.
package deopt

import (
	"github.com/GriffinCanCode/flowjit/pkg/ast"
	"github.com/GriffinCanCode/flowjit/pkg/ir"
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Reason identifies the failed assumption behind a deoptimization.
type Reason uint8

const (
	Unknown Reason = iota
	IncrLocal
	IncrInstance
	IncrInstanceOneClass
	InstanceGetterSameTarget
	InstanceGetter
	StoreIndexed
	StoreIndexedPolymorphic
	PolymorphicInstanceCallSmiOnly
	PolymorphicInstanceCallSmiFail
	PolymorphicInstanceCallTestFail
	IntegerToDouble
	DoubleToDouble
	SmiBinaryOp
	MintBinaryOp
	DoubleBinaryOp
	InstanceSetterSameTarget
	InstanceSetter
	SmiEquality
	Equality
	SmiCompareSmi
	SmiCompareAny
	DoubleCompareDouble
	EqualityNoFeedback
	EqualityClassCheck
	DoubleComparison
	LoadIndexedFixedArray
	LoadIndexedGrowableArray
	LoadIndexedPolymorphic
	NoTypeFeedback
	SAR
	UnaryOp
	BinarySmiOverflow
	DivisionByZero
	IndexOutOfRange
	ShiftCount

	numReasons
)

var reasonNames = [numReasons]string{
	Unknown:                         "Unknown",
	IncrLocal:                       "IncrLocal",
	IncrInstance:                    "IncrInstance",
	IncrInstanceOneClass:            "IncrInstanceOneClass",
	InstanceGetterSameTarget:        "InstanceGetterSameTarget",
	InstanceGetter:                  "InstanceGetter",
	StoreIndexed:                    "StoreIndexed",
	StoreIndexedPolymorphic:         "StoreIndexedPolymorphic",
	PolymorphicInstanceCallSmiOnly:  "PolymorphicInstanceCallSmiOnly",
	PolymorphicInstanceCallSmiFail:  "PolymorphicInstanceCallSmiFail",
	PolymorphicInstanceCallTestFail: "PolymorphicInstanceCallTestFail",
	IntegerToDouble:                 "IntegerToDouble",
	DoubleToDouble:                  "DoubleToDouble",
	SmiBinaryOp:                     "SmiBinaryOp",
	MintBinaryOp:                    "MintBinaryOp",
	DoubleBinaryOp:                  "DoubleBinaryOp",
	InstanceSetterSameTarget:        "InstanceSetterSameTarget",
	InstanceSetter:                  "InstanceSetter",
	SmiEquality:                     "SmiEquality",
	Equality:                        "Equality",
	SmiCompareSmi:                   "SmiCompareSmi",
	SmiCompareAny:                   "SmiCompareAny",
	DoubleCompareDouble:             "DoubleCompareDouble",
	EqualityNoFeedback:              "EqualityNoFeedback",
	EqualityClassCheck:              "EqualityClassCheck",
	DoubleComparison:                "DoubleComparison",
	LoadIndexedFixedArray:           "LoadIndexedFixedArray",
	LoadIndexedGrowableArray:        "LoadIndexedGrowableArray",
	LoadIndexedPolymorphic:          "LoadIndexedPolymorphic",
	NoTypeFeedback:                  "NoTypeFeedback",
	SAR:                             "SAR",
	UnaryOp:                         "UnaryOp",
	BinarySmiOverflow:               "BinarySmiOverflow",
	DivisionByZero:                  "DivisionByZero",
	IndexOutOfRange:                 "IndexOutOfRange",
	ShiftCount:                      "ShiftCount",
}

func (r Reason) String() string {
	if r < numReasons {
		return reasonNames[r]
	}
	return "Unknown"
}

// ClassCheckReason is the reason recorded when the operand class guard of
// c fails.
func ClassCheckReason(c ir.Computation) Reason {
	switch c := c.(type) {
	case *ir.BinarySmiOp:
		if c.Op == ast.Shr {
			return SAR
		}
		return SmiBinaryOp
	case *ir.BinaryMintOp:
		return MintBinaryOp
	case *ir.BinaryDoubleOp:
		return DoubleBinaryOp
	case *ir.UnarySmiOp, *ir.NumberNegate:
		return UnaryOp
	case *ir.LoadInstanceField, *ir.LoadVMField:
		if c.Base().IC != nil && c.Base().IC.NumberOfChecks() > 1 {
			return InstanceGetterSameTarget
		}
		return InstanceGetter
	case *ir.StoreInstanceField:
		if c.IC != nil && c.IC.NumberOfChecks() > 1 {
			return InstanceSetterSameTarget
		}
		return InstanceSetter
	case *ir.ToDouble:
		if c.FromClass == object.DoubleCid {
			return DoubleToDouble
		}
		return IntegerToDouble
	case *ir.RelationalOp:
		if c.OperandsClass == object.DoubleCid {
			return DoubleComparison
		}
		return SmiCompareSmi
	case *ir.EqualityCompare:
		if c.OperandsClass == object.DoubleCid {
			return DoubleCompareDouble
		}
		return SmiEquality
	case *ir.LoadIndexed:
		if c.ReceiverClass == object.GrowableArrayCid {
			return LoadIndexedGrowableArray
		}
		return LoadIndexedFixedArray
	case *ir.StoreIndexed:
		return StoreIndexed
	}
	return Unknown
}

// ShouldUseFeedback reports whether a function that has deoptimized
// deoptCount times may still be specialized from type feedback.
func ShouldUseFeedback(deoptCount, threshold int) bool {
	return deoptCount < threshold
}
