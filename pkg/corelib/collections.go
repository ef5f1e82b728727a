package corelib

import (
	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// index validates args[1] as an index into args[0].
func index(h object.Heap, args []object.Word) (int, error) {
	n, _ := h.Length(args[0])
	i, ok := h.IntValue(args[1])
	if !ok {
		return 0, argumentError(h, "[]", args[1])
	}
	if i < 0 || i >= int64(n) {
		return 0, h.Throw("RangeError: index %d out of range 0..%d", i, n-1)
	}
	return int(i), nil
}

func length(h object.Heap, args []object.Word) (object.Word, error) {
	n, ok := h.Length(args[0])
	if !ok {
		return 0, argumentError(h, "length", args[0])
	}
	return h.NewInt(int64(n))
}

func elementAt(h object.Heap, args []object.Word) (object.Word, error) {
	i, err := index(h, args)
	if err != nil {
		return 0, err
	}
	return h.ElementAt(args[0], i), nil
}

func setElementAt(h object.Heap, args []object.Word) (object.Word, error) {
	i, err := index(h, args)
	if err != nil {
		return 0, err
	}
	h.SetElementAt(args[0], i, args[2])
	return args[2], nil
}

func installArrays(fixed, immutable, growable *object.Class) {
	for _, cls := range []*object.Class{fixed, immutable, growable} {
		method(cls, object.GetterName("length"), 1, length)
		method(cls, "[]", 2, elementAt)
	}
	method(fixed, "[]=", 3, setElementAt)
	method(growable, "[]=", 3, setElementAt)
	method(immutable, "[]=", 3, func(h object.Heap, args []object.Word) (object.Word, error) {
		return 0, h.Throw("UnsupportedError: cannot modify an unmodifiable list")
	})
	method(growable, "add", 2, func(h object.Heap, args []object.Word) (object.Word, error) {
		if err := h.GrowableAdd(args[0], args[1]); err != nil {
			return 0, err
		}
		return h.Null(), nil
	})
}

func installStrings(cls *object.Class) {
	method(cls, object.GetterName("length"), 1, length)
	method(cls, "+", 2, func(h object.Heap, args []object.Word) (object.Word, error) {
		a, _ := h.StringValue(args[0])
		b, ok := h.StringValue(args[1])
		if !ok {
			return 0, argumentError(h, "+", args[1])
		}
		return h.NewString(a + b)
	})
	method(cls, "==", 2, func(h object.Heap, args []object.Word) (object.Word, error) {
		a, _ := h.StringValue(args[0])
		b, ok := h.StringValue(args[1])
		return h.Bool(ok && a == b), nil
	})
	method(cls, "[]", 2, func(h object.Heap, args []object.Word) (object.Word, error) {
		i, err := index(h, args)
		if err != nil {
			return 0, err
		}
		s, _ := h.StringValue(args[0])
		return h.NewString(s[i : i+1])
	})
}
