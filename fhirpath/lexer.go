package fhirpath

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokIdent
	tokDelimIdent // backtick-delimited identifier, text unescaped
	tokString     // single-quoted string, text unescaped
	tokNumber
	tokTemporal // text after "@", e.g. "2015-02-04T14:34:28Z" or "T14:30"
	tokDollar   // $this, $index, $total; text without the "$"
	tokPercent  // external constant; text without the "%"
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokAmp
	tokPipe
	tokEq
	tokNeq
	tokEquiv
	tokNequiv
	tokLt
	tokLte
	tokGt
	tokGte
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokDot
	tokComma
)

type token struct {
	typ  tokenType
	text string
	line int
	col  int
}

func (t token) describe() string {
	switch t.typ {
	case tokEOF:
		return "end of expression"
	case tokString:
		return fmt.Sprintf("string '%s'", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

// tokenize scans the whole expression up front. Comments count as
// whitespace.
func tokenize(src string) ([]token, error) {
	l := &lexer{src: src, line: 1, col: 1}
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.typ == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{Line: l.line, Column: l.col, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *lexer) peekAt(offset int) byte {
	if l.pos+offset >= len(l.src) {
		return 0
	}
	return l.src[l.pos+offset]
}

func (l *lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *lexer) skipWhitespace() error {
	for l.pos < len(l.src) {
		switch {
		case l.peek() == ' ' || l.peek() == '\t' || l.peek() == '\r' || l.peek() == '\n':
			l.advance()
		case l.peek() == '/' && l.peekAt(1) == '/':
			for l.pos < len(l.src) && l.peek() != '\n' {
				l.advance()
			}
		case l.peek() == '/' && l.peekAt(1) == '*':
			line, col := l.line, l.col
			l.advance()
			l.advance()
			for {
				if l.pos >= len(l.src) {
					return &SyntaxError{Line: line, Column: col, Msg: "unterminated comment"}
				}
				if l.peek() == '*' && l.peekAt(1) == '/' {
					l.advance()
					l.advance()
					break
				}
				l.advance()
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) next() (token, error) {
	if err := l.skipWhitespace(); err != nil {
		return token{}, err
	}
	line, col := l.line, l.col
	if l.pos >= len(l.src) {
		return token{typ: tokEOF, line: line, col: col}, nil
	}

	mk := func(typ tokenType, text string) token {
		return token{typ: typ, text: text, line: line, col: col}
	}

	c := l.peek()
	switch {
	case c >= '0' && c <= '9':
		return mk(tokNumber, l.scanNumber()), nil
	case isIdentStart(rune(c)):
		return mk(tokIdent, l.scanIdentifier()), nil
	}

	switch c {
	case '\'':
		s, err := l.scanString('\'')
		if err != nil {
			return token{}, err
		}
		return mk(tokString, s), nil
	case '`':
		s, err := l.scanString('`')
		if err != nil {
			return token{}, err
		}
		return mk(tokDelimIdent, s), nil
	case '@':
		l.advance()
		s, err := l.scanTemporal()
		if err != nil {
			return token{}, err
		}
		return mk(tokTemporal, s), nil
	case '$':
		l.advance()
		name := l.scanIdentifier()
		switch name {
		case "this", "index", "total":
			return mk(tokDollar, name), nil
		}
		return token{}, &SyntaxError{Line: line, Column: col, Msg: fmt.Sprintf("unknown special variable $%s", name)}
	case '%':
		l.advance()
		if l.peek() == '\'' {
			s, err := l.scanString('\'')
			if err != nil {
				return token{}, err
			}
			return mk(tokPercent, s), nil
		}
		if !isIdentStart(rune(l.peek())) {
			return token{}, &SyntaxError{Line: line, Column: col, Msg: "expected identifier after %"}
		}
		return mk(tokPercent, l.scanIdentifier()), nil
	case '+':
		l.advance()
		return mk(tokPlus, "+"), nil
	case '-':
		l.advance()
		return mk(tokMinus, "-"), nil
	case '*':
		l.advance()
		return mk(tokStar, "*"), nil
	case '/':
		l.advance()
		return mk(tokSlash, "/"), nil
	case '&':
		l.advance()
		return mk(tokAmp, "&"), nil
	case '|':
		l.advance()
		return mk(tokPipe, "|"), nil
	case '=':
		l.advance()
		return mk(tokEq, "="), nil
	case '~':
		l.advance()
		return mk(tokEquiv, "~"), nil
	case '!':
		l.advance()
		switch l.peek() {
		case '=':
			l.advance()
			return mk(tokNeq, "!="), nil
		case '~':
			l.advance()
			return mk(tokNequiv, "!~"), nil
		}
		return token{}, &SyntaxError{Line: line, Column: col, Msg: "expected != or !~"}
	case '<':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return mk(tokLte, "<="), nil
		}
		return mk(tokLt, "<"), nil
	case '>':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return mk(tokGte, ">="), nil
		}
		return mk(tokGt, ">"), nil
	case '(':
		l.advance()
		return mk(tokLParen, "("), nil
	case ')':
		l.advance()
		return mk(tokRParen, ")"), nil
	case '[':
		l.advance()
		return mk(tokLBracket, "["), nil
	case ']':
		l.advance()
		return mk(tokRBracket, "]"), nil
	case '{':
		l.advance()
		return mk(tokLBrace, "{"), nil
	case '}':
		l.advance()
		return mk(tokRBrace, "}"), nil
	case '.':
		l.advance()
		return mk(tokDot, "."), nil
	case ',':
		l.advance()
		return mk(tokComma, ","), nil
	}

	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	return token{}, &SyntaxError{Line: line, Column: col, Msg: fmt.Sprintf("unexpected character %q", r)}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func (l *lexer) scanIdentifier() string {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		for i := 0; i < size; i++ {
			l.advance()
		}
	}
	return l.src[start:l.pos]
}

func (l *lexer) scanNumber() string {
	start := l.pos
	for l.pos < len(l.src) && l.peek() >= '0' && l.peek() <= '9' {
		l.advance()
	}
	// A dot only belongs to the number when followed by a digit,
	// so that "1.convertsToInteger()" lexes as an invocation.
	if l.peek() == '.' && l.peekAt(1) >= '0' && l.peekAt(1) <= '9' {
		l.advance()
		for l.pos < len(l.src) && l.peek() >= '0' && l.peek() <= '9' {
			l.advance()
		}
	}
	return l.src[start:l.pos]
}

func (l *lexer) scanString(quote byte) (string, error) {
	line, col := l.line, l.col
	l.advance()
	var b strings.Builder
	for {
		if l.pos >= len(l.src) {
			return "", &SyntaxError{Line: line, Column: col, Msg: "unterminated string"}
		}
		c := l.peek()
		if c == quote {
			l.advance()
			break
		}
		if c == '\\' {
			b.WriteByte(l.advance())
			if l.pos >= len(l.src) {
				return "", &SyntaxError{Line: line, Column: col, Msg: "unterminated string"}
			}
		}
		b.WriteByte(l.advance())
	}
	s, err := unescapeString(b.String())
	if err != nil {
		return "", &SyntaxError{Line: line, Column: col, Msg: err.Error()}
	}
	return s, nil
}

// scanTemporal scans the body of a date, datetime or time literal after
// the "@". Validation happens when the literal is parsed into a value.
func (l *lexer) scanTemporal() (string, error) {
	line, col := l.line, l.col
	start := l.pos
	if l.peek() == 'T' {
		l.advance()
		l.scanTimePart()
		return l.src[start:l.pos], nil
	}
	for l.peek() >= '0' && l.peek() <= '9' {
		l.advance()
	}
	for l.peek() == '-' && l.peekAt(1) >= '0' && l.peekAt(1) <= '9' {
		l.advance()
		for l.peek() >= '0' && l.peek() <= '9' {
			l.advance()
		}
	}
	if l.pos == start {
		return "", &SyntaxError{Line: line, Column: col, Msg: "expected date or time after @"}
	}
	if l.peek() == 'T' {
		l.advance()
		l.scanTimePart()
		// Time zone: Z or ±hh:mm.
		switch {
		case l.peek() == 'Z':
			l.advance()
		case (l.peek() == '+' || l.peek() == '-') &&
			isDigit(l.peekAt(1)) && isDigit(l.peekAt(2)) && l.peekAt(3) == ':' &&
			isDigit(l.peekAt(4)) && isDigit(l.peekAt(5)):
			for i := 0; i < 6; i++ {
				l.advance()
			}
		}
	}
	return l.src[start:l.pos], nil
}

func (l *lexer) scanTimePart() {
	for isDigit(l.peek()) {
		l.advance()
	}
	for l.peek() == ':' && isDigit(l.peekAt(1)) {
		l.advance()
		for isDigit(l.peek()) {
			l.advance()
		}
	}
	if l.peek() == '.' && isDigit(l.peekAt(1)) {
		l.advance()
		for isDigit(l.peek()) {
			l.advance()
		}
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
