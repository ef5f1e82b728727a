package object

import "fmt"

// Heap is the value surface natives run against.
type Heap interface {
	ClassOf(w Word) ClassID
	Null() Word
	Bool(b bool) Word
	IsTrue(w Word) bool

	// IntValue unboxes a Smi or Mint.
	IntValue(w Word) (int64, bool)
	DoubleValue(w Word) (float64, bool)
	StringValue(w Word) (string, bool)

	// NewInt returns a Smi when v fits and a boxed Mint otherwise.
	NewInt(v int64) (Word, error)
	NewDouble(v float64) (Word, error)
	NewString(s string) (Word, error)

	// Length reports the element count of arrays and strings.
	Length(w Word) (int, bool)
	ElementAt(w Word, i int) Word
	SetElementAt(w Word, i int, v Word)
	GrowableAdd(w Word, v Word) error

	// Throw builds a language exception carrying a string message.
	Throw(format string, args ...any) error
	Print(s string)
	// Describe renders a value the way print shows it.
	Describe(w Word) string
}

// Thrown is a language-level exception in flight.
type Thrown struct {
	Value   Word
	Message string
}

func (t *Thrown) Error() string {
	if t.Message != "" {
		return "uncaught exception: " + t.Message
	}
	return fmt.Sprintf("uncaught exception: %#x", uint64(t.Value))
}
