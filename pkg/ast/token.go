package ast

// Token identifies an operator or dispatch kind.
type Token uint8

const (
	Illegal Token = iota

	// Binary arithmetic and bitwise operators.
	Add
	Sub
	Mul
	Div
	Mod
	TruncDiv
	BitAnd
	BitOr
	BitXor
	Shl
	Shr

	// Unary operators.
	Negate
	BitNot
	LogicalNot

	// Relational and equality operators.
	Lt
	Lte
	Gt
	Gte
	Eq
	Ne
	EqStrict
	NeStrict

	// Short-circuit operators.
	And
	Or

	// Dispatch kinds for instance calls.
	Get
	Set
	Index
	IndexSet
	CallOp
)

var tokenNames = [...]string{
	Illegal:    "ILLEGAL",
	Add:        "+",
	Sub:        "-",
	Mul:        "*",
	Div:        "/",
	Mod:        "%",
	TruncDiv:   "~/",
	BitAnd:     "&",
	BitOr:      "|",
	BitXor:     "^",
	Shl:        "<<",
	Shr:        ">>",
	Negate:     "unary-",
	BitNot:     "~",
	LogicalNot: "!",
	Lt:         "<",
	Lte:        "<=",
	Gt:         ">",
	Gte:        ">=",
	Eq:         "==",
	Ne:         "!=",
	EqStrict:   "===",
	NeStrict:   "!==",
	And:        "&&",
	Or:         "||",
	Get:        "get",
	Set:        "set",
	Index:      "[]",
	IndexSet:   "[]=",
	CallOp:     "call",
}

func (t Token) String() string {
	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}
	return "ILLEGAL"
}

// IsBinary reports whether t is an arithmetic or bitwise binary operator.
func (t Token) IsBinary() bool { return t >= Add && t <= Shr }

// IsUnary reports whether t is a dispatched unary operator.
func (t Token) IsUnary() bool { return t == Negate || t == BitNot }

// IsRelational reports whether t is one of < <= > >=.
func (t Token) IsRelational() bool { return t >= Lt && t <= Gte }

// IsEquality reports whether t is == or !=.
func (t Token) IsEquality() bool { return t == Eq || t == Ne }

// IsStrict reports whether t is an identity comparison.
func (t Token) IsStrict() bool { return t == EqStrict || t == NeStrict }

// MethodName returns the name an operator dispatches to.
func (t Token) MethodName() string {
	switch t {
	case Ne:
		return Eq.String()
	default:
		return t.String()
	}
}
