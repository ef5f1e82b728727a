package frontend

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/flowjit/pkg/ast"
)

// Error is a syntax error.
type Error struct {
	Pos  int
	Line int
	Col  int
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("line %d, col %d: %s", e.Line, e.Col, e.Msg) }

// bailout unwinds the parser to Parse on the first error.
type bailout struct{ err *Error }

// Parser is a recursive descent parser over the token stream of one
// source file. It stops at the first error.
type Parser struct {
	tokens []Token
	pos    int
	prev   Token

	// catches numbers anonymous except clauses
	catches int
}

func NewParser(source string) *Parser {
	return &Parser{tokens: NewLexer(source).Tokens()}
}

// Parse parses a whole program.
func (p *Parser) Parse() (prog *Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, ok := r.(bailout)
			if !ok {
				panic(r)
			}
			prog, err = nil, b.err
		}
	}()

	prog = &Program{}
	for !p.check(EOF) {
		switch {
		case p.match(NEWLINE):
		case p.check(CLASS):
			prog.Classes = append(prog.Classes, p.class())
		case p.check(DEF):
			prog.Functions = append(prog.Functions, p.function())
		default:
			p.errorf("expected 'class' or 'def', found %s", p.current())
		}
	}
	if err := prog.check(); err != nil {
		return nil, err
	}
	return prog, nil
}

func (p *Parser) class() *Class {
	p.consume(CLASS, "expected 'class'")
	c := &Class{Name: p.consume(NAME, "expected class name").Lexeme}
	if p.match(LPAREN) {
		c.Super = p.consume(NAME, "expected superclass name").Lexeme
		p.consume(RPAREN, "expected ')' after superclass")
	}
	p.consume(COLON, "expected ':' after class header")
	p.consume(NEWLINE, "expected newline after class header")
	p.consume(INDENT, "expected indented class body")
	for !p.match(DEDENT) {
		switch {
		case p.match(PASS):
			p.consume(NEWLINE, "expected newline after 'pass'")
		case p.check(DEF):
			m := p.function()
			if len(m.Params) == 0 {
				p.failAt(m.Pos, "method %s.%s needs a receiver parameter", c.Name, m.Name)
			}
			c.Methods = append(c.Methods, m)
		case p.check(NAME) && p.current().Lexeme == "fields":
			p.advance()
			for {
				c.Fields = append(c.Fields, p.consume(NAME, "expected field name").Lexeme)
				if !p.match(COMMA) {
					break
				}
			}
			p.consume(NEWLINE, "expected newline after fields")
		default:
			p.errorf("expected 'def', 'fields' or 'pass' in class body, found %s", p.current())
		}
	}
	return c
}

func (p *Parser) function() *ast.Function {
	def := p.consume(DEF, "expected 'def'")
	fn := &ast.Function{Pos: def.Pos}
	fn.Name = p.consume(NAME, "expected function name").Lexeme
	fn.Params = p.parameters()
	p.consume(COLON, "expected ':' after parameters")
	fn.Body = p.block()
	fn.End = p.prev.Pos
	return fn
}

func (p *Parser) parameters() []string {
	p.consume(LPAREN, "expected '(' after function name")
	var params []string
	seen := make(map[string]bool)
	for !p.check(RPAREN) {
		tok := p.consume(NAME, "expected parameter name")
		if seen[tok.Lexeme] {
			p.failAt(tok.Pos, "duplicate parameter %s", tok.Lexeme)
		}
		seen[tok.Lexeme] = true
		params = append(params, tok.Lexeme)
		if !p.match(COMMA) {
			break
		}
	}
	p.consume(RPAREN, "expected ')' after parameters")
	return params
}

// block parses the suite after a ':'. A suite on the same line holds one
// simple statement.
func (p *Parser) block() []ast.Stmt {
	if !p.match(NEWLINE) {
		return p.simpleStatement()
	}
	p.consume(INDENT, "expected an indented block")
	var stmts []ast.Stmt
	for !p.match(DEDENT) {
		stmts = append(stmts, p.statement()...)
	}
	return stmts
}

// statement returns no statement for 'pass'.
func (p *Parser) statement() []ast.Stmt {
	switch p.current().Type {
	case IF:
		return []ast.Stmt{p.ifStatement()}
	case WHILE:
		tok := p.advance()
		cond := p.expression()
		p.consume(COLON, "expected ':' after while condition")
		return []ast.Stmt{&ast.While{Cond: cond, Body: p.block(), Pos: tok.Pos}}
	case TRY:
		return []ast.Stmt{p.tryStatement()}
	}
	return p.simpleStatement()
}

func (p *Parser) ifStatement() ast.Stmt {
	tok := p.advance() // if or elif
	s := &ast.If{Cond: p.expression(), Pos: tok.Pos}
	p.consume(COLON, "expected ':' after condition")
	s.Then = p.block()
	switch {
	case p.check(ELIF):
		s.Else = []ast.Stmt{p.ifStatement()}
	case p.match(ELSE):
		p.consume(COLON, "expected ':' after 'else'")
		s.Else = p.block()
	}
	return s
}

func (p *Parser) tryStatement() ast.Stmt {
	tok := p.advance()
	p.consume(COLON, "expected ':' after 'try'")
	s := &ast.TryCatch{Body: p.block(), Pos: tok.Pos}
	p.consume(EXCEPT, "expected 'except' after try block")
	if p.check(NAME) {
		s.CatchVar = p.advance().Lexeme
	} else {
		s.CatchVar = fmt.Sprintf(":exception%d", p.catches)
		p.catches++
	}
	p.consume(COLON, "expected ':' after 'except'")
	s.Catch = p.block()
	return s
}

func (p *Parser) simpleStatement() []ast.Stmt {
	tok := p.current()
	var s ast.Stmt
	switch tok.Type {
	case PASS:
		p.advance()
	case RETURN:
		p.advance()
		r := &ast.Return{Pos: tok.Pos}
		if !p.check(NEWLINE) {
			r.Value = p.expression()
		}
		s = r
	case RAISE:
		p.advance()
		if p.check(NEWLINE) {
			s = &ast.Rethrow{Pos: tok.Pos}
		} else {
			s = &ast.Throw{Value: p.expression(), Pos: tok.Pos}
		}
	default:
		s = p.expressionStatement()
	}
	p.consume(NEWLINE, "expected newline after statement")
	if s == nil {
		return nil
	}
	return []ast.Stmt{s}
}

var augmented = map[TokenType]ast.Token{PLUSEQ: ast.Add, MINUSEQ: ast.Sub, STAREQ: ast.Mul}

func (p *Parser) expressionStatement() ast.Stmt {
	x := p.expression()
	if op, ok := augmented[p.current().Type]; ok {
		tok := p.advance()
		id, ok := x.(*ast.Ident)
		if !ok {
			p.failAt(tok.Pos, "%s needs a variable on the left", tok.Type)
		}
		v := &ast.Binary{Op: op, Left: &ast.Ident{Name: id.Name, Pos: id.Pos}, Right: p.expression(), Pos: tok.Pos}
		return &ast.Assign{Name: id.Name, Value: v, Pos: tok.Pos}
	}
	if !p.check(ASSIGN) {
		return &ast.ExprStmt{X: x, Pos: x.Position()}
	}
	tok := p.advance()
	value := p.expression()
	switch t := x.(type) {
	case *ast.Ident:
		return &ast.Assign{Name: t.Name, Value: value, Pos: tok.Pos}
	case *ast.GetField:
		return &ast.SetField{Object: t.Object, Field: t.Field, Value: value, Pos: tok.Pos}
	case *ast.IndexExpr:
		return &ast.SetIndex{Object: t.Object, Index: t.Index, Value: value, Pos: tok.Pos}
	}
	p.failAt(tok.Pos, "cannot assign to %s", describe(x))
	return nil
}

// Expressions, lowest precedence first.

func (p *Parser) expression() ast.Expr {
	x := p.or()
	if !p.check(IF) {
		return x
	}
	tok := p.advance()
	cond := p.or()
	p.consume(ELSE, "expected 'else' in conditional expression")
	return &ast.Conditional{Cond: cond, Then: x, Else: p.expression(), Pos: tok.Pos}
}

func (p *Parser) or() ast.Expr {
	x := p.and()
	for p.check(OR) {
		tok := p.advance()
		x = &ast.Logical{Op: ast.Or, Left: x, Right: p.and(), Pos: tok.Pos}
	}
	return x
}

func (p *Parser) and() ast.Expr {
	x := p.not()
	for p.check(AND) {
		tok := p.advance()
		x = &ast.Logical{Op: ast.And, Left: x, Right: p.not(), Pos: tok.Pos}
	}
	return x
}

func (p *Parser) not() ast.Expr {
	if p.check(NOT) {
		tok := p.advance()
		return &ast.Not{X: p.not(), Pos: tok.Pos}
	}
	return p.comparison()
}

var comparisons = map[TokenType]ast.Token{
	LT: ast.Lt, LE: ast.Lte, GT: ast.Gt, GE: ast.Gte, EQ: ast.Eq, NE: ast.Ne, IS: ast.EqStrict,
}

func (p *Parser) comparison() ast.Expr {
	x := p.binary(0)
	op, ok := comparisons[p.current().Type]
	if !ok {
		return x
	}
	tok := p.advance()
	if tok.Type == IS && p.match(NOT) {
		op = ast.NeStrict
	}
	x = &ast.Compare{Op: op, Left: x, Right: p.binary(0), Pos: tok.Pos}
	if _, chained := comparisons[p.current().Type]; chained {
		p.errorf("chained comparisons are not supported")
	}
	return x
}

// binaryLevels lists the binary operators from loosest to tightest.
var binaryLevels = []map[TokenType]ast.Token{
	{PIPE: ast.BitOr},
	{CARET: ast.BitXor},
	{AMP: ast.BitAnd},
	{SHL: ast.Shl, SHR: ast.Shr},
	{PLUS: ast.Add, MINUS: ast.Sub},
	{STAR: ast.Mul, SLASH: ast.Div, DSLASH: ast.TruncDiv, PERCENT: ast.Mod},
}

func (p *Parser) binary(level int) ast.Expr {
	if level == len(binaryLevels) {
		return p.unary()
	}
	x := p.binary(level + 1)
	for {
		op, ok := binaryLevels[level][p.current().Type]
		if !ok {
			return x
		}
		tok := p.advance()
		x = &ast.Binary{Op: op, Left: x, Right: p.binary(level + 1), Pos: tok.Pos}
	}
}

func (p *Parser) unary() ast.Expr {
	switch p.current().Type {
	case MINUS:
		tok := p.advance()
		// Negative literals are constants, not negations.
		if (p.check(INT) || p.check(FLOAT)) && !p.followedBy(DOT, LBRACKET) {
			lit := p.number(true)
			lit.Pos = tok.Pos
			return lit
		}
		return &ast.Unary{Op: ast.Negate, X: p.unary(), Pos: tok.Pos}
	case TILDE:
		tok := p.advance()
		return &ast.Unary{Op: ast.BitNot, X: p.unary(), Pos: tok.Pos}
	}
	return p.postfix(p.primary())
}

func (p *Parser) postfix(x ast.Expr) ast.Expr {
	for {
		switch {
		case p.check(DOT):
			p.advance()
			name := p.consume(NAME, "expected attribute name after '.'")
			if p.check(LPAREN) {
				tok := p.advance()
				x = &ast.Call{Receiver: x, Name: name.Lexeme, Args: p.arguments(RPAREN), Pos: tok.Pos}
			} else {
				x = &ast.GetField{Object: x, Field: name.Lexeme, Pos: name.Pos}
			}
		case p.check(LBRACKET):
			tok := p.advance()
			index := p.expression()
			p.consume(RBRACKET, "expected ']' after index")
			x = &ast.IndexExpr{Object: x, Index: index, Pos: tok.Pos}
		case p.check(LPAREN):
			p.errorf("%s is not callable", describe(x))
		default:
			return x
		}
	}
}

func (p *Parser) primary() ast.Expr {
	tok := p.current()
	switch tok.Type {
	case INT, FLOAT:
		return p.number(false)
	case STRING:
		p.advance()
		return &ast.Literal{Value: tok.Lexeme, Pos: tok.Pos}
	case TRUE, FALSE:
		p.advance()
		return &ast.Literal{Value: tok.Type == TRUE, Pos: tok.Pos}
	case NONE:
		p.advance()
		return &ast.Literal{Value: nil, Pos: tok.Pos}
	case LPAREN:
		p.advance()
		x := p.expression()
		p.consume(RPAREN, "expected ')' after expression")
		return x
	case LBRACKET:
		return p.array(ast.GrowableArray, tok)
	case CONST, FIXED:
		p.advance()
		kind := ast.ConstArray
		if tok.Type == FIXED {
			kind = ast.FixedArray
		}
		if !p.check(LBRACKET) {
			p.errorf("expected '[' after %s", tok.Type)
		}
		return p.array(kind, tok)
	case NAME:
		return p.name()
	}
	p.errorf("expected expression, found %s", tok)
	return nil
}

// name parses a variable or a call. Capitalized names denote classes:
// Cls() allocates an instance and Cls.f(args) calls a static function of
// Cls. Other names called directly are top-level functions.
func (p *Parser) name() ast.Expr {
	tok := p.advance()
	if !isClassName(tok.Lexeme) {
		if p.check(LPAREN) {
			p.advance()
			return &ast.Call{Name: tok.Lexeme, Args: p.arguments(RPAREN), Pos: tok.Pos}
		}
		return &ast.Ident{Name: tok.Lexeme, Pos: tok.Pos}
	}
	switch {
	case p.match(LPAREN):
		p.consume(RPAREN, "constructors take no arguments")
		return &ast.New{Class: tok.Lexeme, Pos: tok.Pos}
	case p.match(DOT):
		name := p.consume(NAME, "expected function name after '.'")
		if !p.check(LPAREN) {
			p.failAt(name.Pos, "class %s has no static field %s", tok.Lexeme, name.Lexeme)
		}
		p.advance()
		return &ast.Call{Name: tok.Lexeme + "." + name.Lexeme, Args: p.arguments(RPAREN), Pos: tok.Pos}
	}
	p.failAt(tok.Pos, "class %s used as a value", tok.Lexeme)
	return nil
}

func (p *Parser) array(kind ast.ArrayKind, tok Token) ast.Expr {
	p.consume(LBRACKET, "expected '['")
	return &ast.ArrayLit{Kind: kind, Elems: p.arguments(RBRACKET), Pos: tok.Pos}
}

// arguments parses a comma separated list up to and including end. A
// trailing comma is allowed.
func (p *Parser) arguments(end TokenType) []ast.Expr {
	var args []ast.Expr
	for !p.check(end) {
		args = append(args, p.expression())
		if !p.match(COMMA) {
			break
		}
	}
	p.consume(end, fmt.Sprintf("expected %s", end))
	return args
}

// number converts the current INT or FLOAT token, negated if neg.
func (p *Parser) number(neg bool) *ast.Literal {
	tok := p.advance()
	text := tok.Lexeme
	if neg {
		text = "-" + text
	}
	if tok.Type == FLOAT {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.failAt(tok.Pos, "invalid float literal %s", text)
		}
		return &ast.Literal{Value: v, Pos: tok.Pos}
	}
	v, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		p.failAt(tok.Pos, "integer literal %s out of range", text)
	}
	return &ast.Literal{Value: v, Pos: tok.Pos}
}

func isClassName(name string) bool { return name != "" && name[0] >= 'A' && name[0] <= 'Z' }

func describe(x ast.Expr) string {
	switch x := x.(type) {
	case *ast.Ident:
		return x.Name
	case *ast.Call:
		return "call of " + x.Name
	case *ast.Literal:
		return "literal"
	}
	return strings.ToLower(strings.TrimPrefix(fmt.Sprintf("%T", x), "*ast."))
}

// current returns the token being looked at. Lexical errors surface here.
func (p *Parser) current() Token {
	t := p.tokens[p.pos]
	if t.Type == ILLEGAL {
		p.fail(t, t.Lexeme)
	}
	return t
}

func (p *Parser) check(typ TokenType) bool { return p.current().Type == typ }

// followedBy reports whether the token after the current one has one of
// the given types.
func (p *Parser) followedBy(types ...TokenType) bool {
	if p.pos+1 >= len(p.tokens) {
		return false
	}
	next := p.tokens[p.pos+1].Type
	for _, t := range types {
		if next == t {
			return true
		}
	}
	return false
}

// match consumes the current token if it has type typ.
func (p *Parser) match(typ TokenType) bool {
	if p.check(typ) {
		p.advance()
		return true
	}
	return false
}

func (p *Parser) advance() Token {
	t := p.current()
	p.prev = t
	if t.Type != EOF {
		p.pos++
	}
	return t
}

func (p *Parser) consume(typ TokenType, msg string) Token {
	if !p.check(typ) {
		p.errorf("%s, found %s", msg, p.current())
	}
	return p.advance()
}

func (p *Parser) errorf(format string, args ...any) {
	p.fail(p.current(), fmt.Sprintf(format, args...))
}

// failAt reports an error at the token starting at pos.
func (p *Parser) failAt(pos int, format string, args ...any) {
	t := p.prev
	for _, tok := range p.tokens[:p.pos+1] {
		if tok.Pos == pos {
			t = tok
			break
		}
	}
	p.fail(t, fmt.Sprintf(format, args...))
}

func (p *Parser) fail(t Token, msg string) {
	panic(bailout{&Error{Pos: t.Pos, Line: t.Line, Col: t.Col, Msg: msg}})
}
