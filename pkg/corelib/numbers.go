package corelib

import (
	"math"

	"github.com/GriffinCanCode/flowjit/pkg/object"
)

// number is an unboxed integer or double operand.
type number struct {
	i        int64
	f        float64
	isDouble bool
}

func (n number) float() float64 {
	if n.isDouble {
		return n.f
	}
	return float64(n.i)
}

func numberOf(h object.Heap, w object.Word) (number, bool) {
	if i, ok := h.IntValue(w); ok {
		return number{i: i}, true
	}
	if f, ok := h.DoubleValue(w); ok {
		return number{f: f, isDouble: true}, true
	}
	return number{}, false
}

func operands(h object.Heap, op string, args []object.Word) (number, number, error) {
	a, ok := numberOf(h, args[0])
	if !ok {
		return number{}, number{}, argumentError(h, op, args[0])
	}
	b, ok := numberOf(h, args[1])
	if !ok {
		return number{}, number{}, argumentError(h, op, args[1])
	}
	return a, b, nil
}

// arithmetic builds a binary operator that computes on integers when both
// operands are integers and on doubles otherwise. A nil ints always uses
// doubles.
func arithmetic(op string, ints func(h object.Heap, a, b int64) (object.Word, error), doubles func(a, b float64) float64) object.Native {
	return func(h object.Heap, args []object.Word) (object.Word, error) {
		a, b, err := operands(h, op, args)
		if err != nil {
			return 0, err
		}
		if ints != nil && !a.isDouble && !b.isDouble {
			return ints(h, a.i, b.i)
		}
		return h.NewDouble(doubles(a.float(), b.float()))
	}
}

func integer(op string, f func(h object.Heap, a, b int64) (object.Word, error)) object.Native {
	return func(h object.Heap, args []object.Word) (object.Word, error) {
		a, ok := h.IntValue(args[0])
		if !ok {
			return 0, argumentError(h, op, args[0])
		}
		b, ok := h.IntValue(args[1])
		if !ok {
			return 0, argumentError(h, op, args[1])
		}
		return f(h, a, b)
	}
}

func comparison(op string, f func(a, b float64) bool, ints func(a, b int64) bool) object.Native {
	return func(h object.Heap, args []object.Word) (object.Word, error) {
		a, b, err := operands(h, op, args)
		if err != nil {
			return 0, err
		}
		if !a.isDouble && !b.isDouble {
			return h.Bool(ints(a.i, b.i)), nil
		}
		return h.Bool(f(a.float(), b.float())), nil
	}
}

func equals(h object.Heap, args []object.Word) (object.Word, error) {
	a, ok := numberOf(h, args[0])
	if !ok {
		return h.Bool(args[0] == args[1]), nil
	}
	b, ok := numberOf(h, args[1])
	if !ok {
		return h.Bool(false), nil
	}
	if !a.isDouble && !b.isDouble {
		return h.Bool(a.i == b.i), nil
	}
	return h.Bool(a.float() == b.float()), nil
}

// DoubleMod is the modulo of doubles: the result has the sign of a
// positive divisor and is never negative.
func DoubleMod(a, b float64) float64 {
	r := math.Mod(a, b)
	if r < 0 {
		if b < 0 {
			return r - b
		}
		return r + b
	}
	return r
}

func intMod(a, b int64) int64 {
	r := a % b
	if r < 0 {
		if b < 0 {
			return r - b
		}
		return r + b
	}
	return r
}

func truncDiv(h object.Heap, args []object.Word) (object.Word, error) {
	a, b, err := operands(h, "~/", args)
	if err != nil {
		return 0, err
	}
	if !a.isDouble && !b.isDouble {
		if b.i == 0 {
			return 0, h.Throw("IntegerDivisionByZeroException")
		}
		if a.i == math.MinInt64 && b.i == -1 {
			return 0, overflow(h, "~/", a.i, b.i)
		}
		return h.NewInt(a.i / b.i)
	}
	q := math.Trunc(a.float() / b.float())
	if math.IsNaN(q) || math.IsInf(q, 0) {
		return 0, h.Throw("UnsupportedError: result of ~/ is not finite")
	}
	return h.NewInt(int64(q))
}

func modulo(h object.Heap, args []object.Word) (object.Word, error) {
	a, b, err := operands(h, "%", args)
	if err != nil {
		return 0, err
	}
	if !a.isDouble && !b.isDouble {
		if b.i == 0 {
			return 0, h.Throw("IntegerDivisionByZeroException")
		}
		return h.NewInt(intMod(a.i, b.i))
	}
	return h.NewDouble(DoubleMod(a.float(), b.float()))
}

func shiftCount(h object.Heap, op string, n int64) error {
	if n < 0 {
		return h.Throw("ArgumentError: negative shift count %d for %s", n, op)
	}
	return nil
}

// overflow raises for an integer result that does not fit in 64 bits.
// Mints are the widest integers, so there is nothing left to promote to.
func overflow(h object.Heap, op string, a, b int64) error {
	return h.Throw("IntegerOverflowError: %d %s %d does not fit in 64 bits", a, op, b)
}

func addInts(h object.Heap, a, b int64) (object.Word, error) {
	r := a + b
	if (a^r)&(b^r) < 0 {
		return 0, overflow(h, "+", a, b)
	}
	return h.NewInt(r)
}

func subInts(h object.Heap, a, b int64) (object.Word, error) {
	r := a - b
	if (a^b)&(a^r) < 0 {
		return 0, overflow(h, "-", a, b)
	}
	return h.NewInt(r)
}

func mulInts(h object.Heap, a, b int64) (object.Word, error) {
	r := a * b
	if a != 0 && (r/a != b || (a == -1 && b == math.MinInt64)) {
		return 0, overflow(h, "*", a, b)
	}
	return h.NewInt(r)
}

func shlInts(h object.Heap, a, n int64) (object.Word, error) {
	if err := shiftCount(h, "<<", n); err != nil {
		return 0, err
	}
	if a == 0 {
		return h.NewInt(0)
	}
	if n > 63 || (a<<uint(n))>>uint(n) != a {
		return 0, overflow(h, "<<", a, n)
	}
	return h.NewInt(a << uint(n))
}

func installIntegers(cls *object.Class) {
	method(cls, "+", 2, arithmetic("+", addInts, func(a, b float64) float64 { return a + b }))
	method(cls, "-", 2, arithmetic("-", subInts, func(a, b float64) float64 { return a - b }))
	method(cls, "*", 2, arithmetic("*", mulInts, func(a, b float64) float64 { return a * b }))
	method(cls, "/", 2, arithmetic("/", nil, func(a, b float64) float64 { return a / b }))
	method(cls, "~/", 2, truncDiv)
	method(cls, "%", 2, modulo)
	method(cls, "&", 2, integer("&", func(h object.Heap, a, b int64) (object.Word, error) { return h.NewInt(a & b) }))
	method(cls, "|", 2, integer("|", func(h object.Heap, a, b int64) (object.Word, error) { return h.NewInt(a | b) }))
	method(cls, "^", 2, integer("^", func(h object.Heap, a, b int64) (object.Word, error) { return h.NewInt(a ^ b) }))
	method(cls, "<<", 2, integer("<<", shlInts))
	method(cls, ">>", 2, integer(">>", func(h object.Heap, a, n int64) (object.Word, error) {
		if err := shiftCount(h, ">>", n); err != nil {
			return 0, err
		}
		return h.NewInt(a >> uint(min(n, 63)))
	}))
	method(cls, "unary-", 1, func(h object.Heap, args []object.Word) (object.Word, error) {
		v, _ := h.IntValue(args[0])
		if v == math.MinInt64 {
			return 0, h.Throw("IntegerOverflowError: -(%d) does not fit in 64 bits", v)
		}
		return h.NewInt(-v)
	})
	method(cls, "~", 1, func(h object.Heap, args []object.Word) (object.Word, error) {
		v, _ := h.IntValue(args[0])
		return h.NewInt(^v)
	})
	method(cls, "toDouble", 1, func(h object.Heap, args []object.Word) (object.Word, error) {
		v, _ := h.IntValue(args[0])
		return h.NewDouble(float64(v))
	})
	installComparisons(cls)
}

func installDoubles(cls *object.Class) {
	method(cls, "+", 2, arithmetic("+", nil, func(a, b float64) float64 { return a + b }))
	method(cls, "-", 2, arithmetic("-", nil, func(a, b float64) float64 { return a - b }))
	method(cls, "*", 2, arithmetic("*", nil, func(a, b float64) float64 { return a * b }))
	method(cls, "/", 2, arithmetic("/", nil, func(a, b float64) float64 { return a / b }))
	method(cls, "~/", 2, truncDiv)
	method(cls, "%", 2, modulo)
	method(cls, "unary-", 1, func(h object.Heap, args []object.Word) (object.Word, error) {
		v, _ := h.DoubleValue(args[0])
		return h.NewDouble(-v)
	})
	method(cls, "toDouble", 1, func(h object.Heap, args []object.Word) (object.Word, error) {
		return args[0], nil
	})
	installComparisons(cls)
}

func installComparisons(cls *object.Class) {
	method(cls, "<", 2, comparison("<", func(a, b float64) bool { return a < b }, func(a, b int64) bool { return a < b }))
	method(cls, "<=", 2, comparison("<=", func(a, b float64) bool { return a <= b }, func(a, b int64) bool { return a <= b }))
	method(cls, ">", 2, comparison(">", func(a, b float64) bool { return a > b }, func(a, b int64) bool { return a > b }))
	method(cls, ">=", 2, comparison(">=", func(a, b float64) bool { return a >= b }, func(a, b int64) bool { return a >= b }))
	method(cls, "==", 2, equals)
}

func sqrt(h object.Heap, args []object.Word) (object.Word, error) {
	n, ok := numberOf(h, args[0])
	if !ok {
		return 0, argumentError(h, "sqrt", args[0])
	}
	return h.NewDouble(math.Sqrt(n.float()))
}
