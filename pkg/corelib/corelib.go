// Package corelib - native methods of the core classes
// Design: every operator a program can dispatch to on a core class is a Go
// native here. Generated code falls back to these whenever its fast paths
// do not apply, so they define the observable semantics of both tiers.
package corelib

import (
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// Library is the set of top-level natives, keyed by qualified name.
type Library map[string]*object.Function

// Install attaches the native methods to the core classes of t and
// returns the top-level natives.
func Install(t *object.ClassTable) (Library, error) {
	classes := make(map[object.ClassID]*object.Class)
	for _, cid := range []object.ClassID{
		object.ObjectCid, object.IntegerCid, object.DoubleCid, object.StringBaseCid,
		object.ArrayCid, object.ImmutableArrayCid, object.GrowableArrayCid, object.MathCid,
	} {
		cls := t.At(cid)
		if cls == nil {
			return nil, errors.Errorf("corelib: core class id %d is missing", cid)
		}
		classes[cid] = cls
	}

	installObject(classes[object.ObjectCid])
	installIntegers(classes[object.IntegerCid])
	installDoubles(classes[object.DoubleCid])
	installStrings(classes[object.StringBaseCid])
	installArrays(classes[object.ArrayCid], classes[object.ImmutableArrayCid], classes[object.GrowableArrayCid])

	lib := make(Library)
	for _, fn := range []*object.Function{
		object.NewNative(classes[object.MathCid], "sqrt", 1, true, sqrt),
		object.NewNative(nil, "print", 1, true, printValue),
	} {
		lib[fn.QualifiedName()] = fn
	}
	return lib, nil
}

func method(cls *object.Class, name string, params int, impl object.Native) {
	object.NewNative(cls, name, params, false, impl)
}

func installObject(cls *object.Class) {
	method(cls, "==", 2, func(h object.Heap, args []object.Word) (object.Word, error) {
		return h.Bool(args[0] == args[1]), nil
	})
}

func printValue(h object.Heap, args []object.Word) (object.Word, error) {
	h.Print(h.Describe(args[0]))
	return h.Null(), nil
}

// argumentError raises the exception natives throw for operands of the
// wrong class.
func argumentError(h object.Heap, op string, w object.Word) error {
	return h.Throw("ArgumentError: invalid operand %s for %s", h.Describe(w), op)
}
