package ast

import "testing"

func TestTokenString(t *testing.T) {
	tests := []struct {
		tok  Token
		want string
	}{
		{Illegal, "ILLEGAL"},
		{Add, "+"},
		{Negate, "unary-"},
		{LogicalNot, "!"},
		{NeStrict, "!=="},
		{CallOp, "call"},
		{CallOp + 1, "ILLEGAL"},
	}
	for _, tt := range tests {
		if got := tt.tok.String(); got != tt.want {
			t.Errorf("Token(%d).String() = %q, want %q", tt.tok, got, tt.want)
		}
	}
}

func TestTokenClasses(t *testing.T) {
	tests := []struct {
		tok                                         Token
		binary, unary, relational, equality, strict bool
	}{
		{Add, true, false, false, false, false},
		{Shr, true, false, false, false, false},
		{Negate, false, true, false, false, false},
		{BitNot, false, true, false, false, false},
		{LogicalNot, false, false, false, false, false},
		{Lte, false, false, true, false, false},
		{Ne, false, false, false, true, false},
		{EqStrict, false, false, false, false, true},
		{CallOp, false, false, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.tok.String(), func(t *testing.T) {
			if tt.tok.IsBinary() != tt.binary || tt.tok.IsUnary() != tt.unary ||
				tt.tok.IsRelational() != tt.relational || tt.tok.IsEquality() != tt.equality ||
				tt.tok.IsStrict() != tt.strict {
				t.Errorf("classification of %s is wrong", tt.tok)
			}
		})
	}
	if got := Ne.MethodName(); got != "==" {
		t.Errorf("Ne.MethodName() = %q, want ==", got)
	}
}

// Not and Call name syntax nodes; their tokens are LogicalNot and CallOp.
func TestNodeAndTokenNamesAreDistinct(t *testing.T) {
	var _ Expr = &Not{}
	var _ Expr = Invoke(Var("p"), "area")
	if LogicalNot == CallOp {
		t.Fatal("LogicalNot and CallOp share a value")
	}
}
