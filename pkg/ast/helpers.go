package ast

// Shorthand constructors for hand-built function bodies.

func Int(v int64) *Literal     { return &Literal{Value: v} }
func Float(v float64) *Literal { return &Literal{Value: v} }
func Str(v string) *Literal    { return &Literal{Value: v} }
func Bool(v bool) *Literal     { return &Literal{Value: v} }
func Null() *Literal           { return &Literal{Value: nil} }

func Var(name string) *Ident { return &Ident{Name: name} }

func Bin(op Token, l, r Expr) *Binary       { return &Binary{Op: op, Left: l, Right: r} }
func Cmp(op Token, l, r Expr) *Compare      { return &Compare{Op: op, Left: l, Right: r} }
func Neg(x Expr) *Unary                     { return &Unary{Op: Negate, X: x} }
func Field(obj Expr, name string) *GetField { return &GetField{Object: obj, Field: name} }
func At(obj, index Expr) *IndexExpr         { return &IndexExpr{Object: obj, Index: index} }

func Invoke(recv Expr, name string, args ...Expr) *Call {
	return &Call{Receiver: recv, Name: name, Args: args}
}

func Static(name string, args ...Expr) *Call {
	return &Call{Name: name, Args: args}
}

func Ret(v Expr) *Return              { return &Return{Value: v} }
func Let(name string, v Expr) *Assign { return &Assign{Name: name, Value: v} }
func Eval(x Expr) *ExprStmt           { return &ExprStmt{X: x} }

func Func(name string, params []string, body ...Stmt) *Function {
	return &Function{Name: name, Params: params, Body: body}
}
