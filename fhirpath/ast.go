package fhirpath

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Expression is a parsed FHIRPath expression.
//
// Expressions are immutable after parsing. Rendering an expression with
// String and parsing the result yields a structurally equal expression.
type Expression interface {
	fmt.Stringer
	isExpression()
}

// Invocation is an expression that can appear on the right-hand side of
// a "." as well as stand alone as the head of a path.
type Invocation interface {
	Expression
	isInvocation()
}

// NullLiteral is the empty collection literal "{}".
type NullLiteral struct{}

// BooleanLiteral is "true" or "false".
type BooleanLiteral struct {
	Value bool
}

// StringLiteral is a single-quoted string with escapes resolved.
type StringLiteral struct {
	Value string
}

// IntegerLiteral is a whole number literal.
type IntegerLiteral struct {
	Value int64
}

// DecimalLiteral is a number literal containing a decimal point.
type DecimalLiteral struct {
	Value *apd.Decimal
}

// DateLiteral is "@YYYY[-MM[-DD]]".
type DateLiteral struct {
	Value Date
}

// DateTimeLiteral is "@YYYY-…T…" with optional time zone.
type DateTimeLiteral struct {
	Value DateTime
}

// TimeLiteral is "@Thh[:mm[:ss[.fff]]]".
type TimeLiteral struct {
	Value Time
}

// QuantityLiteral is a number followed by a unit string or calendar word.
type QuantityLiteral struct {
	Value Quantity
}

// MemberInvocation accesses a named child.
type MemberInvocation struct {
	Name string
}

// FunctionInvocation calls a function with unevaluated arguments.
// Arguments are evaluated by the function itself, per input item where
// the function iterates.
type FunctionInvocation struct {
	Name   string
	Params []Expression
}

// ThisInvocation is "$this".
type ThisInvocation struct{}

// IndexInvocation is "$index".
type IndexInvocation struct{}

// TotalInvocation is "$total".
type TotalInvocation struct{}

// ExternalConstant is "%name" or "%'delimited name'".
type ExternalConstant struct {
	Name string
}

// ParenthesizedExpression preserves explicit grouping.
type ParenthesizedExpression struct {
	Expr Expression
}

// InvocationExpression is "target.invocation".
type InvocationExpression struct {
	Target     Expression
	Invocation Invocation
}

// IndexerExpression is "target[index]".
type IndexerExpression struct {
	Target Expression
	Index  Expression
}

// PolarityExpression is unary "+" or "-".
type PolarityExpression struct {
	Op   string
	Expr Expression
}

// MultiplicativeExpression is "*", "/", "div" or "mod".
type MultiplicativeExpression struct {
	Left  Expression
	Op    string
	Right Expression
}

// AdditiveExpression is "+", "-" or string concatenation "&".
type AdditiveExpression struct {
	Left  Expression
	Op    string
	Right Expression
}

// TypeExpression is "is" or "as" with a type specifier.
type TypeExpression struct {
	Expr Expression
	Op   string
	Type TypeSpecifier
}

// UnionExpression is "|". It merges both sides, eliminating duplicates.
type UnionExpression struct {
	Left  Expression
	Right Expression
}

// InequalityExpression is "<", "<=", ">" or ">=".
type InequalityExpression struct {
	Left  Expression
	Op    string
	Right Expression
}

// EqualityExpression is "=", "!=", "~" or "!~".
type EqualityExpression struct {
	Left  Expression
	Op    string
	Right Expression
}

// MembershipExpression is "in" or "contains".
type MembershipExpression struct {
	Left  Expression
	Op    string
	Right Expression
}

// AndExpression is three-valued "and".
type AndExpression struct {
	Left  Expression
	Right Expression
}

// OrExpression is three-valued "or" or "xor".
type OrExpression struct {
	Left  Expression
	Op    string
	Right Expression
}

// ImpliesExpression is three-valued "implies".
type ImpliesExpression struct {
	Left  Expression
	Right Expression
}

func (NullLiteral) isExpression()              {}
func (BooleanLiteral) isExpression()           {}
func (StringLiteral) isExpression()            {}
func (IntegerLiteral) isExpression()           {}
func (DecimalLiteral) isExpression()           {}
func (DateLiteral) isExpression()              {}
func (DateTimeLiteral) isExpression()          {}
func (TimeLiteral) isExpression()              {}
func (QuantityLiteral) isExpression()          {}
func (MemberInvocation) isExpression()         {}
func (FunctionInvocation) isExpression()       {}
func (ThisInvocation) isExpression()           {}
func (IndexInvocation) isExpression()          {}
func (TotalInvocation) isExpression()          {}
func (ExternalConstant) isExpression()         {}
func (ParenthesizedExpression) isExpression()  {}
func (InvocationExpression) isExpression()     {}
func (IndexerExpression) isExpression()        {}
func (PolarityExpression) isExpression()       {}
func (MultiplicativeExpression) isExpression() {}
func (AdditiveExpression) isExpression()       {}
func (TypeExpression) isExpression()           {}
func (UnionExpression) isExpression()          {}
func (InequalityExpression) isExpression()     {}
func (EqualityExpression) isExpression()       {}
func (MembershipExpression) isExpression()     {}
func (AndExpression) isExpression()            {}
func (OrExpression) isExpression()             {}
func (ImpliesExpression) isExpression()        {}

func (MemberInvocation) isInvocation()   {}
func (FunctionInvocation) isInvocation() {}
func (ThisInvocation) isInvocation()     {}
func (IndexInvocation) isInvocation()    {}
func (TotalInvocation) isInvocation()    {}

func (NullLiteral) String() string { return "{}" }

func (e BooleanLiteral) String() string {
	if e.Value {
		return "true"
	}
	return "false"
}

func (e StringLiteral) String() string {
	return "'" + escapeString(e.Value) + "'"
}

func (e IntegerLiteral) String() string {
	return fmt.Sprintf("%d", e.Value)
}

func (e DecimalLiteral) String() string {
	return e.Value.Text('f')
}

func (e DateLiteral) String() string     { return "@" + e.Value.String() }
func (e DateTimeLiteral) String() string { return "@" + e.Value.String() }
func (e TimeLiteral) String() string     { return "@T" + e.Value.String() }

func (e QuantityLiteral) String() string {
	return e.Value.String()
}

func (e MemberInvocation) String() string {
	return escapeIdentifier(e.Name)
}

func (e FunctionInvocation) String() string {
	params := make([]string, 0, len(e.Params))
	for _, p := range e.Params {
		params = append(params, p.String())
	}
	return escapeIdentifier(e.Name) + "(" + strings.Join(params, ", ") + ")"
}

func (ThisInvocation) String() string  { return "$this" }
func (IndexInvocation) String() string { return "$index" }
func (TotalInvocation) String() string { return "$total" }

func (e ExternalConstant) String() string {
	if isSimpleIdentifier(e.Name) {
		return "%" + e.Name
	}
	return "%'" + escapeString(e.Name) + "'"
}

func (e ParenthesizedExpression) String() string {
	return "(" + e.Expr.String() + ")"
}

func (e InvocationExpression) String() string {
	return e.Target.String() + "." + e.Invocation.String()
}

func (e IndexerExpression) String() string {
	return e.Target.String() + "[" + e.Index.String() + "]"
}

func (e PolarityExpression) String() string {
	return e.Op + e.Expr.String()
}

func (e MultiplicativeExpression) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

func (e AdditiveExpression) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

func (e TypeExpression) String() string {
	return e.Expr.String() + " " + e.Op + " " + e.Type.String()
}

func (e UnionExpression) String() string {
	return e.Left.String() + " | " + e.Right.String()
}

func (e InequalityExpression) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

func (e EqualityExpression) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

func (e MembershipExpression) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

func (e AndExpression) String() string {
	return e.Left.String() + " and " + e.Right.String()
}

func (e OrExpression) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

func (e ImpliesExpression) String() string {
	return e.Left.String() + " implies " + e.Right.String()
}

var keywords = map[string]struct{}{
	"true": {}, "false": {}, "and": {}, "or": {}, "xor": {},
	"implies": {}, "in": {}, "contains": {}, "is": {}, "as": {},
	"div": {}, "mod": {}, "day": {}, "days": {}, "hour": {}, "hours": {},
	"millisecond": {}, "milliseconds": {}, "minute": {}, "minutes": {},
	"month": {}, "months": {}, "second": {}, "seconds": {},
	"week": {}, "weeks": {}, "year": {}, "years": {},
}

func isSimpleIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// escapeIdentifier renders an identifier, wrapping it in backticks when
// it contains characters outside the plain identifier syntax or collides
// with a keyword.
func escapeIdentifier(s string) string {
	if _, kw := keywords[s]; !kw && isSimpleIdentifier(s) {
		return s
	}
	return "`" + escapeString(s) + "`"
}

func escapeString(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case '`':
			b.WriteString("\\`")
		case '\\':
			b.WriteString(`\\`)
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\f':
			b.WriteString(`\f`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unescapeString resolves the escape sequences of string literals and
// delimited identifiers.
func unescapeString(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("trailing backslash in string literal")
		}
		switch s[i] {
		case '\'':
			b.WriteByte('\'')
		case '"':
			b.WriteByte('"')
		case '`':
			b.WriteByte('`')
		case '\\':
			b.WriteByte('\\')
		case '/':
			b.WriteByte('/')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'f':
			b.WriteByte('\f')
		case 'u':
			if i+4 >= len(s) {
				return "", fmt.Errorf("incomplete unicode escape")
			}
			var r rune
			for _, h := range s[i+1 : i+5] {
				d, ok := hexDigit(byte(h))
				if !ok {
					return "", fmt.Errorf("invalid unicode escape \\u%s", s[i+1:i+5])
				}
				r = r<<4 | rune(d)
			}
			b.WriteRune(r)
			i += 4
		default:
			return "", fmt.Errorf("invalid escape sequence \\%c", s[i])
		}
	}
	return b.String(), nil
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
