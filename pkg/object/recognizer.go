package object

// RecognizedKind names a function the compiler knows how to inline.
type RecognizedKind uint8

const (
	Unknown RecognizedKind = iota
	ObjectArrayLength
	ImmutableArrayLength
	GrowableArrayLength
	StringBaseLength
	IntegerToDouble
	DoubleToDouble
	MathSqrt
)

var recognizedNames = [...]string{
	Unknown:              "Unknown",
	ObjectArrayLength:    "ObjectArrayLength",
	ImmutableArrayLength: "ImmutableArrayLength",
	GrowableArrayLength:  "GrowableArrayLength",
	StringBaseLength:     "StringBaseLength",
	IntegerToDouble:      "IntegerToDouble",
	DoubleToDouble:       "DoubleToDouble",
	MathSqrt:             "MathSqrt",
}

func (k RecognizedKind) String() string {
	if int(k) < len(recognizedNames) {
		return recognizedNames[k]
	}
	return "Unknown"
}

type recognizerKey struct {
	class, function string
}

var recognized = map[recognizerKey]RecognizedKind{
	{"_ObjectArray", "get:length"}:         ObjectArrayLength,
	{"_ImmutableArray", "get:length"}:      ImmutableArrayLength,
	{"_GrowableObjectArray", "get:length"}: GrowableArrayLength,
	{"_StringBase", "get:length"}:          StringBaseLength,
	{"_IntegerImplementation", "toDouble"}: IntegerToDouble,
	{"_Double", "toDouble"}:                DoubleToDouble,
	{"Math", "sqrt"}:                       MathSqrt,
}

// Recognize classifies fn by its owning class and name.
func Recognize(fn *Function) RecognizedKind {
	if fn == nil || fn.Owner == nil {
		return Unknown
	}
	return recognized[recognizerKey{fn.Owner.Name, fn.Name}]
}

// LengthOffset returns the VM field offset a recognized length getter
// reads, or false for other kinds.
func (k RecognizedKind) LengthOffset() (int32, bool) {
	switch k {
	case ObjectArrayLength, ImmutableArrayLength:
		return ArrayLengthOffset, true
	case GrowableArrayLength:
		return GrowableLengthOffset, true
	case StringBaseLength:
		return StringLengthOffset, true
	}
	return 0, false
}
