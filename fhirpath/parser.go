package fhirpath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// SyntaxError reports where parsing an expression failed. Line and
// Column are 1-based.
type SyntaxError struct {
	Line   int
	Column int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d: %s", e.Line, e.Column, e.Msg)
}

type exprParser struct {
	toks []token
	pos  int
}

func parse(src string) (Expression, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.peek().typ != tokEOF {
		return nil, p.errorf("unexpected %s after expression", p.peek().describe())
	}
	return expr, nil
}

func (p *exprParser) peek() token {
	return p.toks[p.pos]
}

func (p *exprParser) advance() token {
	t := p.toks[p.pos]
	if t.typ != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) errorf(format string, args ...any) error {
	t := p.peek()
	return &SyntaxError{Line: t.line, Column: t.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *exprParser) expect(typ tokenType, what string) (token, error) {
	if p.peek().typ != typ {
		return token{}, p.errorf("expected %s, got %s", what, p.peek().describe())
	}
	return p.advance(), nil
}

// peekKeyword reports whether the next token is the given bare keyword.
// Backtick-delimited identifiers never act as operators.
func (p *exprParser) peekKeyword(kws ...string) (string, bool) {
	if p.peek().typ != tokIdent {
		return "", false
	}
	for _, kw := range kws {
		if p.peek().text == kw {
			return kw, true
		}
	}
	return "", false
}

// Precedence tiers, loosest binding first. Each tier is
// left-associative.

func (p *exprParser) parseExpression() (Expression, error) {
	return p.parseUnion()
}

func (p *exprParser) parseUnion() (Expression, error) {
	left, err := p.parseImplies()
	if err != nil {
		return nil, err
	}
	for p.peek().typ == tokPipe {
		p.advance()
		right, err := p.parseImplies()
		if err != nil {
			return nil, err
		}
		left = UnionExpression{Left: left, Right: right}
	}
	return left, nil
}

func (p *exprParser) parseImplies() (Expression, error) {
	left, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekKeyword("implies"); !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		left = ImpliesExpression{Left: left, Right: right}
	}
}

func (p *exprParser) parseOr() (Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekKeyword("or", "xor")
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = OrExpression{Left: left, Op: op, Right: right}
	}
}

func (p *exprParser) parseAnd() (Expression, error) {
	left, err := p.parseMembership()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekKeyword("and"); !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseMembership()
		if err != nil {
			return nil, err
		}
		left = AndExpression{Left: left, Right: right}
	}
}

func (p *exprParser) parseMembership() (Expression, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekKeyword("in", "contains")
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = MembershipExpression{Left: left, Op: op, Right: right}
	}
}

func (p *exprParser) parseEquality() (Expression, error) {
	left, err := p.parseInequality()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch p.peek().typ {
		case tokEq:
			op = "="
		case tokNeq:
			op = "!="
		case tokEquiv:
			op = "~"
		case tokNequiv:
			op = "!~"
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseInequality()
		if err != nil {
			return nil, err
		}
		left = EqualityExpression{Left: left, Op: op, Right: right}
	}
}

func (p *exprParser) parseInequality() (Expression, error) {
	left, err := p.parseType()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch p.peek().typ {
		case tokLt:
			op = "<"
		case tokLte:
			op = "<="
		case tokGt:
			op = ">"
		case tokGte:
			op = ">="
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseType()
		if err != nil {
			return nil, err
		}
		left = InequalityExpression{Left: left, Op: op, Right: right}
	}
}

func (p *exprParser) parseType() (Expression, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekKeyword("is", "as")
		if !ok {
			return left, nil
		}
		p.advance()
		spec, err := p.parseTypeSpecifier()
		if err != nil {
			return nil, err
		}
		left = TypeExpression{Expr: left, Op: op, Type: spec}
	}
}

func (p *exprParser) parseAdditive() (Expression, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch p.peek().typ {
		case tokPlus:
			op = "+"
		case tokMinus:
			op = "-"
		case tokAmp:
			op = "&"
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = AdditiveExpression{Left: left, Op: op, Right: right}
	}
}

func (p *exprParser) parseMultiplicative() (Expression, error) {
	left, err := p.parsePolarity()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch p.peek().typ {
		case tokStar:
			op = "*"
		case tokSlash:
			op = "/"
		default:
			var ok bool
			op, ok = p.peekKeyword("div", "mod")
			if !ok {
				return left, nil
			}
		}
		p.advance()
		right, err := p.parsePolarity()
		if err != nil {
			return nil, err
		}
		left = MultiplicativeExpression{Left: left, Op: op, Right: right}
	}
}

func (p *exprParser) parsePolarity() (Expression, error) {
	switch p.peek().typ {
	case tokPlus:
		p.advance()
		expr, err := p.parsePolarity()
		if err != nil {
			return nil, err
		}
		return PolarityExpression{Op: "+", Expr: expr}, nil
	case tokMinus:
		p.advance()
		expr, err := p.parsePolarity()
		if err != nil {
			return nil, err
		}
		return PolarityExpression{Op: "-", Expr: expr}, nil
	}
	return p.parsePostfix()
}

func (p *exprParser) parsePostfix() (Expression, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().typ {
		case tokDot:
			p.advance()
			inv, err := p.parseInvocation()
			if err != nil {
				return nil, err
			}
			expr = InvocationExpression{Target: expr, Invocation: inv}
		case tokLBracket:
			p.advance()
			index, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "]"); err != nil {
				return nil, err
			}
			expr = IndexerExpression{Target: expr, Index: index}
		default:
			return expr, nil
		}
	}
}

// parseInvocation parses the member, function, $this, $index or $total
// following a dot. Keywords are plain identifiers in this position, so
// "value.contains('x')" and "item.div" parse as invocations.
func (p *exprParser) parseInvocation() (Invocation, error) {
	switch p.peek().typ {
	case tokIdent, tokDelimIdent:
		name := p.advance().text
		if p.peek().typ == tokLParen {
			params, err := p.parseParams()
			if err != nil {
				return nil, err
			}
			return FunctionInvocation{Name: name, Params: params}, nil
		}
		return MemberInvocation{Name: name}, nil
	case tokDollar:
		return p.parseDollar()
	}
	return nil, p.errorf("expected invocation, got %s", p.peek().describe())
}

func (p *exprParser) parseDollar() (Invocation, error) {
	switch p.advance().text {
	case "this":
		return ThisInvocation{}, nil
	case "index":
		return IndexInvocation{}, nil
	default:
		return TotalInvocation{}, nil
	}
}

func (p *exprParser) parseParams() ([]Expression, error) {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	params := []Expression{}
	if p.peek().typ == tokRParen {
		p.advance()
		return params, nil
	}
	for {
		param, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		params = append(params, param)
		if p.peek().typ == tokComma {
			p.advance()
			continue
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return params, nil
	}
}

func (p *exprParser) parsePrimary() (Expression, error) {
	switch p.peek().typ {
	case tokLBrace:
		p.advance()
		if _, err := p.expect(tokRBrace, "}"); err != nil {
			return nil, err
		}
		return NullLiteral{}, nil
	case tokString:
		return StringLiteral{Value: p.advance().text}, nil
	case tokNumber:
		return p.parseNumber()
	case tokTemporal:
		return p.parseTemporalLiteral()
	case tokDollar:
		return p.parseDollar()
	case tokPercent:
		return ExternalConstant{Name: p.advance().text}, nil
	case tokLParen:
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return ParenthesizedExpression{Expr: expr}, nil
	case tokIdent:
		switch p.peek().text {
		case "true":
			p.advance()
			return BooleanLiteral{Value: true}, nil
		case "false":
			p.advance()
			return BooleanLiteral{Value: false}, nil
		}
		return p.parseInvocation()
	case tokDelimIdent:
		return p.parseInvocation()
	}
	return nil, p.errorf("expected expression, got %s", p.peek().describe())
}

func (p *exprParser) parseNumber() (Expression, error) {
	tok := p.advance()

	// A trailing unit string or calendar word makes the number a
	// quantity literal.
	var unit string
	var isQuantity bool
	switch p.peek().typ {
	case tokString:
		unit = p.advance().text
		isQuantity = true
	case tokIdent:
		if _, ok := calendarUnits[p.peek().text]; ok {
			unit = p.advance().text
			isQuantity = true
		}
	}

	if isQuantity {
		value, _, err := apd.NewFromString(tok.text)
		if err != nil {
			return nil, &SyntaxError{Line: tok.line, Column: tok.col, Msg: fmt.Sprintf("invalid number %q", tok.text)}
		}
		return QuantityLiteral{Value: Quantity{Value: Decimal{Value: value}, Unit: String(unit)}}, nil
	}

	if !strings.Contains(tok.text, ".") {
		i, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, &SyntaxError{Line: tok.line, Column: tok.col, Msg: fmt.Sprintf("integer %q out of range", tok.text)}
		}
		return IntegerLiteral{Value: i}, nil
	}
	value, _, err := apd.NewFromString(tok.text)
	if err != nil {
		return nil, &SyntaxError{Line: tok.line, Column: tok.col, Msg: fmt.Sprintf("invalid number %q", tok.text)}
	}
	return DecimalLiteral{Value: value}, nil
}

func (p *exprParser) parseTemporalLiteral() (Expression, error) {
	tok := p.advance()
	s := tok.text
	if strings.HasPrefix(s, "T") {
		t, err := ParseTime(strings.TrimPrefix(s, "T"))
		if err != nil {
			return nil, &SyntaxError{Line: tok.line, Column: tok.col, Msg: err.Error()}
		}
		return TimeLiteral{Value: t}, nil
	}
	if strings.Contains(s, "T") {
		dt, err := ParseDateTime(s)
		if err != nil {
			return nil, &SyntaxError{Line: tok.line, Column: tok.col, Msg: err.Error()}
		}
		return DateTimeLiteral{Value: dt}, nil
	}
	d, err := ParseDate(s)
	if err != nil {
		return nil, &SyntaxError{Line: tok.line, Column: tok.col, Msg: err.Error()}
	}
	return DateLiteral{Value: d}, nil
}

// parseTypeSpecifier parses a qualified identifier after "is" or "as".
func (p *exprParser) parseTypeSpecifier() (TypeSpecifier, error) {
	var parts []string
	for {
		if p.peek().typ != tokIdent && p.peek().typ != tokDelimIdent {
			return TypeSpecifier{}, p.errorf("expected type name, got %s", p.peek().describe())
		}
		parts = append(parts, p.advance().text)
		if p.peek().typ != tokDot {
			break
		}
		p.advance()
	}
	switch len(parts) {
	case 1:
		return TypeSpecifier{Name: parts[0]}, nil
	case 2:
		return TypeSpecifier{Namespace: parts[0], Name: parts[1]}, nil
	default:
		return TypeSpecifier{
			Namespace: strings.Join(parts[:len(parts)-1], "."),
			Name:      parts[len(parts)-1],
		}, nil
	}
}
