package frontend

import (
	"fmt"
	"strings"
	"unicode"
)

type TokenType int

const (
	EOF TokenType = iota
	ILLEGAL
	NEWLINE
	INDENT
	DEDENT

	// Literals
	INT
	FLOAT
	STRING
	NAME

	// Keywords
	DEF
	CLASS
	RETURN
	IF
	ELIF
	ELSE
	WHILE
	PASS
	TRY
	EXCEPT
	RAISE
	TRUE
	FALSE
	NONE
	AND
	OR
	NOT
	IS
	CONST
	FIXED

	// Operators
	PLUS
	MINUS
	STAR
	SLASH
	DSLASH  // //
	PERCENT // %
	AMP
	PIPE
	CARET
	TILDE
	SHL
	SHR
	EQ // ==
	NE // !=
	LT
	LE
	GT
	GE
	ASSIGN
	PLUSEQ
	MINUSEQ
	STAREQ

	// Delimiters
	LPAREN
	RPAREN
	LBRACKET
	RBRACKET
	COLON
	COMMA
	DOT
)

var tokenNames = [...]string{
	EOF: "end of file", ILLEGAL: "illegal token", NEWLINE: "newline", INDENT: "indent", DEDENT: "dedent",
	INT: "integer", FLOAT: "float", STRING: "string", NAME: "name",
	DEF: "'def'", CLASS: "'class'", RETURN: "'return'", IF: "'if'", ELIF: "'elif'", ELSE: "'else'",
	WHILE: "'while'", PASS: "'pass'", TRY: "'try'", EXCEPT: "'except'", RAISE: "'raise'",
	TRUE: "'True'", FALSE: "'False'", NONE: "'None'", AND: "'and'", OR: "'or'", NOT: "'not'", IS: "'is'",
	CONST: "'const'", FIXED: "'fixed'",
	PLUS: "'+'", MINUS: "'-'", STAR: "'*'", SLASH: "'/'", DSLASH: "'//'", PERCENT: "'%'",
	AMP: "'&'", PIPE: "'|'", CARET: "'^'", TILDE: "'~'", SHL: "'<<'", SHR: "'>>'",
	EQ: "'=='", NE: "'!='", LT: "'<'", LE: "'<='", GT: "'>'", GE: "'>='",
	ASSIGN: "'='", PLUSEQ: "'+='", MINUSEQ: "'-='", STAREQ: "'*='",
	LPAREN: "'('", RPAREN: "')'", LBRACKET: "'['", RBRACKET: "']'", COLON: "':'", COMMA: "','", DOT: "'.'",
}

func (t TokenType) String() string {
	if int(t) < len(tokenNames) && tokenNames[t] != "" {
		return tokenNames[t]
	}
	return fmt.Sprintf("token(%d)", int(t))
}

var keywords = map[string]TokenType{
	"def": DEF, "class": CLASS, "return": RETURN, "if": IF, "elif": ELIF, "else": ELSE,
	"while": WHILE, "pass": PASS, "try": TRY, "except": EXCEPT, "raise": RAISE,
	"True": TRUE, "False": FALSE, "None": NONE, "and": AND, "or": OR, "not": NOT, "is": IS,
	"const": CONST, "fixed": FIXED,
}

// Token is one lexeme. Pos is the byte offset into the source; it becomes
// the token position of the nodes built from it.
type Token struct {
	Type   TokenType
	Lexeme string
	Pos    int
	Line   int
	Col    int
}

func (t Token) String() string {
	switch t.Type {
	case INT, FLOAT, NAME:
		return fmt.Sprintf("%s %s", t.Type, t.Lexeme)
	case STRING:
		return fmt.Sprintf("string %q", t.Lexeme)
	}
	return t.Type.String()
}

// Lexer turns source into tokens. Indentation is significant: a deeper line
// opens a block with INDENT, a shallower one closes every block it leaves
// with DEDENT. Newlines inside brackets are ignored.
type Lexer struct {
	src  string
	pos  int
	line int
	col  int

	indents     []int
	pending     []Token
	atLineStart bool
	depth       int
	last        TokenType
	done        bool
}

func NewLexer(source string) *Lexer {
	return &Lexer{
		src:         source,
		line:        1,
		col:         1,
		indents:     []int{0},
		atLineStart: true,
		last:        NEWLINE,
	}
}

// Next returns the next token. After EOF it keeps returning EOF.
func (l *Lexer) Next() Token {
	t := l.next()
	l.last = t.Type
	return t
}

// Tokens scans the whole source. The slice ends with EOF or at the first
// ILLEGAL token.
func (l *Lexer) Tokens() []Token {
	var out []Token
	for {
		t := l.Next()
		out = append(out, t)
		if t.Type == EOF || t.Type == ILLEGAL {
			return out
		}
	}
}

func (l *Lexer) next() Token {
	if len(l.pending) > 0 {
		t := l.pending[0]
		l.pending = l.pending[1:]
		return t
	}
	if l.done {
		return l.makeToken(EOF, "", l.pos, l.col)
	}
	if l.atLineStart && l.depth == 0 {
		if t, ok := l.handleIndent(); ok {
			return t
		}
	}
	l.skipWhitespace()

	if l.isAtEnd() {
		return l.finish()
	}

	start, startCol := l.pos, l.col
	c := l.advance()
	tok := func(typ TokenType) Token { return l.makeToken(typ, l.src[start:l.pos], start, startCol) }

	switch c {
	case '\n':
		l.newline()
		if l.depth > 0 {
			return l.next()
		}
		l.atLineStart = true
		return l.makeToken(NEWLINE, "\n", start, startCol)
	case '(':
		l.depth++
		return tok(LPAREN)
	case '[':
		l.depth++
		return tok(LBRACKET)
	case ')', ']':
		if l.depth > 0 {
			l.depth--
		}
		if c == ')' {
			return tok(RPAREN)
		}
		return tok(RBRACKET)
	case ':':
		return tok(COLON)
	case ',':
		return tok(COMMA)
	case '.':
		if isDigit(l.peek()) {
			return l.error(start, startCol, "number must start with a digit")
		}
		return tok(DOT)
	case '+':
		if l.match('=') {
			return tok(PLUSEQ)
		}
		return tok(PLUS)
	case '-':
		if l.match('=') {
			return tok(MINUSEQ)
		}
		return tok(MINUS)
	case '*':
		if l.match('=') {
			return tok(STAREQ)
		}
		return tok(STAR)
	case '/':
		if l.match('/') {
			return tok(DSLASH)
		}
		return tok(SLASH)
	case '%':
		return tok(PERCENT)
	case '&':
		return tok(AMP)
	case '|':
		return tok(PIPE)
	case '^':
		return tok(CARET)
	case '~':
		return tok(TILDE)
	case '=':
		if l.match('=') {
			return tok(EQ)
		}
		return tok(ASSIGN)
	case '!':
		if l.match('=') {
			return tok(NE)
		}
		return l.error(start, startCol, "unexpected character '!'")
	case '<':
		if l.match('<') {
			return tok(SHL)
		}
		if l.match('=') {
			return tok(LE)
		}
		return tok(LT)
	case '>':
		if l.match('>') {
			return tok(SHR)
		}
		if l.match('=') {
			return tok(GE)
		}
		return tok(GT)
	case '"', '\'':
		return l.str(c, start, startCol)
	}

	if isDigit(c) {
		return l.number(start, startCol)
	}
	if isLetter(c) {
		return l.identifier(start, startCol)
	}
	return l.error(start, startCol, fmt.Sprintf("unexpected character %q", c))
}

// finish closes the last line and every open block.
func (l *Lexer) finish() Token {
	l.done = true
	if l.depth > 0 {
		return l.error(l.pos, l.col, "unexpected end of file inside brackets")
	}
	if l.last != NEWLINE && l.last != DEDENT && l.last != INDENT {
		l.pending = append(l.pending, l.makeToken(NEWLINE, "", l.pos, l.col))
	}
	for len(l.indents) > 1 {
		l.indents = l.indents[:len(l.indents)-1]
		l.pending = append(l.pending, l.makeToken(DEDENT, "", l.pos, l.col))
	}
	l.pending = append(l.pending, l.makeToken(EOF, "", l.pos, l.col))
	return l.next()
}

// handleIndent measures the indentation of a line. Blank and comment-only
// lines do not count.
func (l *Lexer) handleIndent() (Token, bool) {
	for {
		width := 0
		for !l.isAtEnd() && (l.peek() == ' ' || l.peek() == '\t') {
			if l.advance() == '\t' {
				width += 4 - width%4
			} else {
				width++
			}
		}
		if l.isAtEnd() {
			return Token{}, false
		}
		switch l.peek() {
		case '#':
			for !l.isAtEnd() && l.peek() != '\n' {
				l.advance()
			}
			continue
		case '\r':
			l.advance()
			continue
		case '\n':
			l.advance()
			l.newline()
			continue
		}

		l.atLineStart = false
		current := l.indents[len(l.indents)-1]
		switch {
		case width > current:
			l.indents = append(l.indents, width)
			return l.makeToken(INDENT, "", l.pos, l.col), true
		case width < current:
			for width < l.indents[len(l.indents)-1] {
				l.indents = l.indents[:len(l.indents)-1]
				l.pending = append(l.pending, l.makeToken(DEDENT, "", l.pos, l.col))
			}
			if width != l.indents[len(l.indents)-1] {
				return l.error(l.pos, l.col, "unindent does not match any outer indentation level"), true
			}
			return l.next(), true
		}
		return Token{}, false
	}
}

func (l *Lexer) skipWhitespace() {
	for !l.isAtEnd() {
		switch l.peek() {
		case ' ', '\t', '\r':
			l.advance()
		case '#':
			for !l.isAtEnd() && l.peek() != '\n' {
				l.advance()
			}
		case '\\':
			// explicit line continuation
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\n' {
				l.advance()
				l.advance()
				l.newline()
				continue
			}
			return
		default:
			return
		}
	}
}

func (l *Lexer) number(start, startCol int) Token {
	if l.src[start] == '0' && (l.peek() == 'x' || l.peek() == 'X') {
		l.advance()
		for isHexDigit(l.peek()) {
			l.advance()
		}
		return l.makeToken(INT, l.src[start:l.pos], start, startCol)
	}
	typ := INT
	for isDigit(l.peek()) {
		l.advance()
	}
	if l.peek() == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
		typ = FLOAT
		l.advance()
		for isDigit(l.peek()) {
			l.advance()
		}
	}
	if l.peek() == 'e' || l.peek() == 'E' {
		save, saveCol := l.pos, l.col
		l.advance()
		if l.peek() == '+' || l.peek() == '-' {
			l.advance()
		}
		if !isDigit(l.peek()) {
			l.pos, l.col = save, saveCol
		} else {
			typ = FLOAT
			for isDigit(l.peek()) {
				l.advance()
			}
		}
	}
	if isLetter(l.peek()) {
		return l.error(start, startCol, fmt.Sprintf("invalid number %s%c", l.src[start:l.pos], l.peek()))
	}
	return l.makeToken(typ, l.src[start:l.pos], start, startCol)
}

func (l *Lexer) identifier(start, startCol int) Token {
	for isLetter(l.peek()) || isDigit(l.peek()) {
		l.advance()
	}
	text := l.src[start:l.pos]
	if typ, ok := keywords[text]; ok {
		return l.makeToken(typ, text, start, startCol)
	}
	return l.makeToken(NAME, text, start, startCol)
}

// str scans a quoted string. The lexeme is the unescaped value.
func (l *Lexer) str(quote byte, start, startCol int) Token {
	var b strings.Builder
	for {
		if l.isAtEnd() || l.peek() == '\n' {
			return l.error(start, startCol, "unterminated string")
		}
		c := l.advance()
		if c == quote {
			return l.makeToken(STRING, b.String(), start, startCol)
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if l.isAtEnd() {
			return l.error(start, startCol, "unterminated string")
		}
		switch e := l.advance(); e {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		case '\\', '\'', '"':
			b.WriteByte(e)
		default:
			return l.error(l.pos-2, l.col-2, fmt.Sprintf("unknown escape sequence \\%c", e))
		}
	}
}

func (l *Lexer) newline() {
	l.line++
	l.col = 1
}

func (l *Lexer) peek() byte {
	if l.isAtEnd() {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	l.col++
	return c
}

func (l *Lexer) match(expected byte) bool {
	if l.peek() != expected || l.isAtEnd() {
		return false
	}
	l.advance()
	return true
}

func (l *Lexer) isAtEnd() bool { return l.pos >= len(l.src) }

func (l *Lexer) makeToken(typ TokenType, lexeme string, pos, col int) Token {
	line := l.line
	if typ == NEWLINE && lexeme == "\n" {
		line--
	}
	return Token{Type: typ, Lexeme: lexeme, Pos: pos, Line: line, Col: col}
}

func (l *Lexer) error(pos, col int, msg string) Token {
	l.done = true
	l.pending = nil
	return Token{Type: ILLEGAL, Lexeme: msg, Pos: pos, Line: l.line, Col: col}
}

func isDigit(c byte) bool    { return c >= '0' && c <= '9' }
func isHexDigit(c byte) bool { return isDigit(c) || (c|0x20 >= 'a' && c|0x20 <= 'f') }

func isLetter(c byte) bool {
	return c == '_' || (c < 0x80 && unicode.IsLetter(rune(c)))
}
