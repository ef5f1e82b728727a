package frontend

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kr/pretty"
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
)

// sexpr renders a node without positions.
func sexpr(n ast.Node) string {
	list := func(head string, parts ...string) string {
		return "(" + strings.Join(append([]string{head}, parts...), " ") + ")"
	}
	block := func(stmts []ast.Stmt) string {
		parts := make([]string, len(stmts))
		for i, s := range stmts {
			parts[i] = sexpr(s)
		}
		return list("do", parts...)
	}
	exprs := func(xs []ast.Expr) []string {
		parts := make([]string, len(xs))
		for i, x := range xs {
			parts[i] = sexpr(x)
		}
		return parts
	}
	switch n := n.(type) {
	case *ast.ExprStmt:
		return sexpr(n.X)
	case *ast.Assign:
		return list("=", n.Name, sexpr(n.Value))
	case *ast.SetField:
		return list("set", sexpr(n.Object), n.Field, sexpr(n.Value))
	case *ast.SetIndex:
		return list("[]=", sexpr(n.Object), sexpr(n.Index), sexpr(n.Value))
	case *ast.If:
		return list("if", sexpr(n.Cond), block(n.Then), block(n.Else))
	case *ast.While:
		return list("while", sexpr(n.Cond), block(n.Body))
	case *ast.Return:
		if n.Value == nil {
			return "(return)"
		}
		return list("return", sexpr(n.Value))
	case *ast.Throw:
		return list("raise", sexpr(n.Value))
	case *ast.Rethrow:
		return "(rethrow)"
	case *ast.TryCatch:
		return list("try", block(n.Body), n.CatchVar, block(n.Catch))
	case *ast.Literal:
		if s, ok := n.Value.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprintf("%#v", n.Value)
	case *ast.Ident:
		return n.Name
	case *ast.Binary:
		return list(n.Op.String(), sexpr(n.Left), sexpr(n.Right))
	case *ast.Unary:
		return list(n.Op.String(), sexpr(n.X))
	case *ast.Compare:
		return list(n.Op.String(), sexpr(n.Left), sexpr(n.Right))
	case *ast.Logical:
		return list(n.Op.String(), sexpr(n.Left), sexpr(n.Right))
	case *ast.Not:
		return list("not", sexpr(n.X))
	case *ast.Conditional:
		return list("?", sexpr(n.Cond), sexpr(n.Then), sexpr(n.Else))
	case *ast.GetField:
		return list("get", sexpr(n.Object), n.Field)
	case *ast.IndexExpr:
		return list("[]", sexpr(n.Object), sexpr(n.Index))
	case *ast.Call:
		if n.Receiver == nil {
			return list("call", append([]string{n.Name}, exprs(n.Args)...)...)
		}
		return list("invoke", append([]string{sexpr(n.Receiver), n.Name}, exprs(n.Args)...)...)
	case *ast.New:
		return list("new", n.Class)
	case *ast.ArrayLit:
		kind := map[ast.ArrayKind]string{ast.GrowableArray: "array", ast.FixedArray: "fixed", ast.ConstArray: "const"}[n.Kind]
		return list(kind, exprs(n.Elems)...)
	}
	return fmt.Sprintf("<%T>", n)
}

// body parses src as the body of a function f and renders its statements.
func body(t *testing.T, src string) string {
	t.Helper()
	indented := "    " + strings.ReplaceAll(strings.TrimSpace(src), "\n", "\n    ")
	p, err := Parse("def f(a, b):\n" + indented + "\n")
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	parts := make([]string, len(p.Functions[0].Body))
	for i, s := range p.Functions[0].Body {
		parts[i] = sexpr(s)
	}
	return strings.Join(parts, "; ")
}

func TestExpressions(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"return a + b * 2", "(return (+ a (* b 2)))"},
		{"return (a + b) * 2", "(return (* (+ a b) 2))"},
		{"return a - b - 1", "(return (- (- a b) 1))"},
		{"return a // b % 3", "(return (% (~/ a b) 3))"},
		{"return a | b ^ 1 & 2", "(return (| a (^ b (& 1 2))))"},
		{"return a << 2 + 1", "(return (<< a (+ 2 1)))"},
		{"return -a", "(return (unary- a))"},
		{"return -5", "(return -5)"},
		{"return -9223372036854775808", "(return -9223372036854775808)"},
		{"return -2.5", "(return -2.5)"},
		{"return ~a", "(return (~ a))"},
		{"return 1.5e3", "(return 1500)"},
		{"return 0xff", "(return 255)"},
		{`return "a\tb"`, `(return "a\tb")`},
		{`return 'it\'s'`, `(return "it's")`},
		{"return True", "(return true)"},
		{"return None", "(return <nil>)"},
		{"return a < b and not b or a == 1", "(return (|| (&& (< a b) (not b)) (== a 1)))"},
		{"return a is None", "(return (=== a <nil>))"},
		{"return a is not b", "(return (!== a b))"},
		{"return a if b else 0", "(return (? b a 0))"},
		{"return a.x.y", "(return (get (get a x) y))"},
		{"return a[b + 1]", "(return ([] a (+ b 1)))"},
		{"return a.add(b, 1)", "(return (invoke a add b 1))"},
		{"return a.length", "(return (get a length))"},
		{"return f(a, b,)", "(return (call f a b))"},
		{"return Math.sqrt(a)", "(return (call Math.sqrt a))"},
		{"return Point()", "(return (new Point))"},
		{"return [1, a]", "(return (array 1 a))"},
		{"return const [1, 2]", "(return (const 1 2))"},
		{"return fixed []", "(return (fixed))"},
		{"return [\n1,\n2]", "(return (array 1 2))"},
		{"return 1.toDouble()", "(return (invoke 1 toDouble))"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			if got := body(t, tt.src); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestStatements(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"assign", "x = a", "(= x a)"},
		{"augmented", "a += 2", "(= a (+ a 2))"},
		{"set field", "a.x = 1", "(set a x 1)"},
		{"set index", "a[0] = b", "([]= a 0 b)"},
		{"expression", "print(a)", "(call print a)"},
		{"pass", "pass\nreturn", "(return)"},
		{"if else", "if a:\n    return 1\nelse:\n    return 2", "(if a (do (return 1)) (do (return 2)))"},
		{"elif", "if a:\n    x = 1\nelif b:\n    x = 2", "(if a (do (= x 1)) (do (if b (do (= x 2)) (do))))"},
		{"one line suite", "while a: a -= 1", "(while a (do (= a (- a 1))))"},
		{"try", "try:\n    raise a\nexcept e:\n    raise", "(try (do (raise a)) e (do (rethrow)))"},
		{"anonymous except", "try:\n    f(a)\nexcept:\n    pass", "(try (do (call f a)) :exception0 (do))"},
		{"comments and blank lines", "x = 1  # one\n\n   # stray\ny = 2", "(= x 1); (= y 2)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := body(t, tt.src); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestProgram(t *testing.T) {
	src := `
# shapes
class Shape:
    def area(self):
        return 0

class Square(Shape):
    fields side
    def area(self):
        return self.side * self.side

def main(n):
    s = Square()
    s.side = n
    return s.area()
`
	p, err := Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	type class struct {
		Name, Super string
		Fields      []string
		Methods     []string
	}
	var got []class
	for _, c := range p.Classes {
		k := class{Name: c.Name, Super: c.Super, Fields: c.Fields}
		for _, m := range c.Methods {
			k.Methods = append(k.Methods, fmt.Sprintf("%s%v", m.Name, m.Params))
		}
		got = append(got, k)
	}
	want := []class{
		{Name: "Shape", Methods: []string{"area[self]"}},
		{Name: "Square", Super: "Shape", Fields: []string{"side"}, Methods: []string{"area[self]"}},
	}
	if diff := pretty.Diff(want, got); len(diff) > 0 {
		t.Errorf("classes differ:\n%s", strings.Join(diff, "\n"))
	}

	main, ok := p.Function("main")
	if !ok {
		t.Fatal("main not found")
	}
	if main.Pos != strings.Index(src, "def main") {
		t.Errorf("main.Pos = %d, want offset of its def", main.Pos)
	}
	if main.End <= main.Pos {
		t.Errorf("main.End = %d not after Pos %d", main.End, main.Pos)
	}
	ret := main.Body[2].(*ast.Return)
	call := ret.Value.(*ast.Call)
	if call.Pos != strings.LastIndex(src, "()") {
		t.Errorf("call position %d does not point at its parenthesis", call.Pos)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"top level statement", "x = 1\n", "line 1, col 1: expected 'class' or 'def'"},
		{"missing colon", "def f()\n    return\n", "line 1, col 8: expected ':' after parameters"},
		{"bad indent", "def f():\n        x = 1\n    return x\n", "unindent does not match"},
		{"unterminated string", "def f():\n    return 'abc\n", "line 2, col 12: unterminated string"},
		{"chained comparison", "def f(a):\n    return 1 < a < 3\n", "chained comparisons"},
		{"assign to call", "def f(a):\n    g(a) = 1\n", "cannot assign to call of g"},
		{"constructor args", "def f():\n    return P(1)\n", "constructors take no arguments"},
		{"class as value", "def f():\n    return P\n", "class P used as a value"},
		{"receiverless method", "class C:\n    def m():\n        return 1\n", "method C.m needs a receiver parameter"},
		{"duplicate parameter", "def f(a, a):\n    return a\n", "duplicate parameter a"},
		{"duplicate function", "def f():\n    return\ndef f():\n    return\n", "function f declared twice"},
		{"duplicate class", "class C:\n    pass\nclass C:\n    pass\n", "class C declared twice"},
		{"int overflow", "def f():\n    return 9223372036854775808\n", "out of range"},
		{"stray bang", "def f(a):\n    return !a\n", "unexpected character '!'"},
		{"open bracket", "def f():\n    return [1, 2\n", "inside brackets"},
		{"missing except", "def f():\n    try:\n        pass\n    return\n", "expected 'except'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestSyntaxErrorType(t *testing.T) {
	_, err := Parse("def f(:\n")
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("error %v is %T, want *Error", err, err)
	}
	if se.Line != 1 || se.Pos != 6 {
		t.Errorf("error at line %d pos %d, want line 1 pos 6", se.Line, se.Pos)
	}
}

func TestLexerIndentation(t *testing.T) {
	src := "def f():\n    if a:\n        b\n\n# c\nx\n"
	var got []TokenType
	for _, tok := range NewLexer(src).Tokens() {
		got = append(got, tok.Type)
	}
	want := []TokenType{
		DEF, NAME, LPAREN, RPAREN, COLON, NEWLINE,
		INDENT, IF, NAME, COLON, NEWLINE,
		INDENT, NAME, NEWLINE,
		DEDENT, DEDENT, NAME, NEWLINE,
		EOF,
	}
	if diff := pretty.Diff(want, got); len(diff) > 0 {
		t.Errorf("tokens differ:\n%s", strings.Join(diff, "\n"))
	}
}
