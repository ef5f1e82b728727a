// Package ast defines the parsed function bodies handed to the compiler.
//
// Design: plain structs with marker methods, one node per construct.
// Every node records the token position it was parsed from.
package ast

// Node is any syntax tree node.
type Node interface {
	node()
	Position() int
}

// Stmt is a statement node.
type Stmt interface {
	Node
	stmt()
}

// Expr is an expression node.
type Expr interface {
	Node
	expr()
}

// Function is a parsed function body.
type Function struct {
	Name   string
	Params []string
	Body   []Stmt
	Pos    int
	End    int
}

// Statements

type ExprStmt struct {
	X   Expr
	Pos int
}

// Assign stores into a local variable, declaring it on first assignment.
type Assign struct {
	Name  string
	Value Expr
	Pos   int
}

type SetField struct {
	Object Expr
	Field  string
	Value  Expr
	Pos    int
}

type SetIndex struct {
	Object Expr
	Index  Expr
	Value  Expr
	Pos    int
}

type If struct {
	Cond Expr
	Then []Stmt
	Else []Stmt
	Pos  int
}

type While struct {
	Cond Expr
	Body []Stmt
	Pos  int
}

type Return struct {
	Value Expr // nil returns null
	Pos   int
}

type Throw struct {
	Value Expr
	Pos   int
}

// Rethrow re-raises the exception bound by the innermost enclosing catch.
type Rethrow struct {
	Pos int
}

type TryCatch struct {
	Body     []Stmt
	CatchVar string
	Catch    []Stmt
	Pos      int
}

func (*ExprStmt) node() {}
func (*Assign) node()   {}
func (*SetField) node() {}
func (*SetIndex) node() {}
func (*If) node()       {}
func (*While) node()    {}
func (*Return) node()   {}
func (*Throw) node()    {}
func (*Rethrow) node()  {}
func (*TryCatch) node() {}

func (*ExprStmt) stmt() {}
func (*Assign) stmt()   {}
func (*SetField) stmt() {}
func (*SetIndex) stmt() {}
func (*If) stmt()       {}
func (*While) stmt()    {}
func (*Return) stmt()   {}
func (*Throw) stmt()    {}
func (*Rethrow) stmt()  {}
func (*TryCatch) stmt() {}

func (s *ExprStmt) Position() int { return s.Pos }
func (s *Assign) Position() int   { return s.Pos }
func (s *SetField) Position() int { return s.Pos }
func (s *SetIndex) Position() int { return s.Pos }
func (s *If) Position() int       { return s.Pos }
func (s *While) Position() int    { return s.Pos }
func (s *Return) Position() int   { return s.Pos }
func (s *Throw) Position() int    { return s.Pos }
func (s *Rethrow) Position() int  { return s.Pos }
func (s *TryCatch) Position() int { return s.Pos }

// Expressions

// Literal holds an int64, float64, string, bool or nil value.
type Literal struct {
	Value any
	Pos   int
}

type Ident struct {
	Name string
	Pos  int
}

// Binary is a dispatched arithmetic or bitwise operation.
type Binary struct {
	Op    Token
	Left  Expr
	Right Expr
	Pos   int
}

// Unary is a dispatched unary operation (Negate or BitNot).
type Unary struct {
	Op  Token
	X   Expr
	Pos int
}

// Compare is a relational, equality or identity comparison.
type Compare struct {
	Op    Token
	Left  Expr
	Right Expr
	Pos   int
}

// Logical is a short-circuit && or ||.
type Logical struct {
	Op    Token
	Left  Expr
	Right Expr
	Pos   int
}

type Not struct {
	X   Expr
	Pos int
}

// Conditional is cond ? then : else.
type Conditional struct {
	Cond Expr
	Then Expr
	Else Expr
	Pos  int
}

type GetField struct {
	Object Expr
	Field  string
	Pos    int
}

type IndexExpr struct {
	Object Expr
	Index  Expr
	Pos    int
}

// Call invokes Name on Receiver, or the static function Name when Receiver
// is nil.
type Call struct {
	Receiver Expr
	Name     string
	Args     []Expr
	Pos      int
}

type New struct {
	Class string
	Pos   int
}

// ArrayKind selects the class of an array literal.
type ArrayKind uint8

const (
	GrowableArray ArrayKind = iota
	FixedArray
	ConstArray
)

type ArrayLit struct {
	Kind  ArrayKind
	Elems []Expr
	Pos   int
}

func (*Literal) node()     {}
func (*Ident) node()       {}
func (*Binary) node()      {}
func (*Unary) node()       {}
func (*Compare) node()     {}
func (*Logical) node()     {}
func (*Not) node()         {}
func (*Conditional) node() {}
func (*GetField) node()    {}
func (*IndexExpr) node()   {}
func (*Call) node()        {}
func (*New) node()         {}
func (*ArrayLit) node()    {}

func (*Literal) expr()     {}
func (*Ident) expr()       {}
func (*Binary) expr()      {}
func (*Unary) expr()       {}
func (*Compare) expr()     {}
func (*Logical) expr()     {}
func (*Not) expr()         {}
func (*Conditional) expr() {}
func (*GetField) expr()    {}
func (*IndexExpr) expr()   {}
func (*Call) expr()        {}
func (*New) expr()         {}
func (*ArrayLit) expr()    {}

func (e *Literal) Position() int     { return e.Pos }
func (e *Ident) Position() int       { return e.Pos }
func (e *Binary) Position() int      { return e.Pos }
func (e *Unary) Position() int       { return e.Pos }
func (e *Compare) Position() int     { return e.Pos }
func (e *Logical) Position() int     { return e.Pos }
func (e *Not) Position() int         { return e.Pos }
func (e *Conditional) Position() int { return e.Pos }
func (e *GetField) Position() int    { return e.Pos }
func (e *IndexExpr) Position() int   { return e.Pos }
func (e *Call) Position() int        { return e.Pos }
func (e *New) Position() int         { return e.Pos }
func (e *ArrayLit) Position() int    { return e.Pos }
