package fhirpath

import (
	"fmt"
	"strings"
)

// InferredType is the best-effort static type of an expression.
type InferredType struct {
	Namespace  string
	Name       string
	Collection bool
}

func (t InferredType) String() string {
	var s string
	if t.Namespace != "" {
		s = t.Namespace + "." + t.Name
	} else {
		s = t.Name
	}
	if t.Collection {
		return "List<" + s + ">"
	}
	return s
}

// TypeContext provides the type environment for static inference: the
// type of the root document, the types of external constants, and the
// installed class information used for member lookup.
type TypeContext struct {
	Root  InferredType
	Vars  map[string]InferredType
	Types []TypeInfo

	index map[TypeSpecifier]TypeInfo
}

func (tc *TypeContext) lookup(spec TypeSpecifier) (TypeInfo, bool) {
	if tc == nil {
		return nil, false
	}
	if tc.index == nil {
		tc.index = map[TypeSpecifier]TypeInfo{}
		for _, t := range append(systemTypes, tc.Types...) {
			if q, ok := t.QualifiedName(); ok {
				tc.index[q] = t
			}
		}
	}
	t, ok := tc.index[spec]
	return t, ok
}

// memberType resolves a member access on the given type through its
// class information, following base types. Choice element bases match
// their variants when the variant is unambiguous.
func (tc *TypeContext) memberType(on InferredType, member string) (InferredType, bool) {
	spec := TypeSpecifier{Namespace: on.Namespace, Name: on.Name}
	for {
		info, ok := tc.lookup(spec)
		if !ok {
			return InferredType{}, false
		}
		class, ok := info.(ClassInfo)
		if !ok {
			return InferredType{}, false
		}

		var matches []ClassInfoElement
		for _, e := range class.Element {
			if e.Name == member {
				matches = []ClassInfoElement{e}
				break
			}
			if isChoiceVariant(e.Name, member) {
				matches = append(matches, e)
			}
		}
		if len(matches) == 1 {
			return InferredType{
				Namespace:  matches[0].Type.Namespace,
				Name:       matches[0].Type.Name,
				Collection: matches[0].Type.List,
			}, true
		}
		if len(matches) > 1 {
			// ambiguous choice element, static type unknown
			return InferredType{}, false
		}

		base, ok := info.BaseTypeName()
		if !ok || base.Name == "" || base.Name == "Any" {
			return InferredType{}, false
		}
		spec = base
	}
}

// InferType computes the static type of an expression. It is a pure
// side pass for tooling; evaluation never consults it. ok is false when
// the type can not be determined.
func InferType(expr Expression, tc *TypeContext) (InferredType, bool) {
	node := inferNode(expr, tc, rootType(tc))
	return node.Type, node.TypeKnown
}

func rootType(tc *TypeContext) inferResult {
	if tc == nil || tc.Root.Name == "" {
		return inferResult{}
	}
	return inferResult{Type: tc.Root, TypeKnown: true}
}

// InferenceNode is one node of the annotated expression tree produced
// by InferenceTree.
type InferenceNode struct {
	Label     string
	Type      InferredType
	TypeKnown bool
	Children  []InferenceNode
}

type inferResult struct {
	Type      InferredType
	TypeKnown bool
}

// InferenceTree annotates every node of the expression with its
// inferred type, for rendering by tooling.
func InferenceTree(expr Expression, tc *TypeContext) InferenceNode {
	return inferNode(expr, tc, rootType(tc))
}

// DebugTree renders the annotated expression tree as an indented
// listing, one node per line.
func DebugTree(expr Expression, tc *TypeContext) string {
	var b strings.Builder
	writeDebugNode(&b, InferenceTree(expr, tc), 0)
	return b.String()
}

func writeDebugNode(b *strings.Builder, node InferenceNode, depth int) {
	for i := 0; i < depth; i++ {
		b.WriteString("  ")
	}
	b.WriteString(node.Label)
	if node.TypeKnown {
		b.WriteString(" : ")
		b.WriteString(node.Type.String())
	}
	b.WriteByte('\n')
	for _, child := range node.Children {
		writeDebugNode(b, child, depth+1)
	}
}

func system(name string) inferResult {
	return inferResult{
		Type:      InferredType{Namespace: "System", Name: name},
		TypeKnown: true,
	}
}

func systemCollection(name string) inferResult {
	return inferResult{
		Type:      InferredType{Namespace: "System", Name: name, Collection: true},
		TypeKnown: true,
	}
}

// inferNode computes the inference node for an expression. current is
// the type of the input collection the expression is evaluated against.
func inferNode(expr Expression, tc *TypeContext, current inferResult) InferenceNode {
	annotate := func(label string, r inferResult, children ...InferenceNode) InferenceNode {
		return InferenceNode{
			Label:     label,
			Type:      r.Type,
			TypeKnown: r.TypeKnown,
			Children:  children,
		}
	}

	switch e := expr.(type) {
	case NullLiteral:
		return annotate("{}", inferResult{})
	case BooleanLiteral:
		return annotate(e.String(), system("Boolean"))
	case StringLiteral:
		return annotate(e.String(), system("String"))
	case IntegerLiteral:
		return annotate(e.String(), system("Integer"))
	case DecimalLiteral:
		return annotate(e.String(), system("Decimal"))
	case DateLiteral:
		return annotate(e.String(), system("Date"))
	case DateTimeLiteral:
		return annotate(e.String(), system("DateTime"))
	case TimeLiteral:
		return annotate(e.String(), system("Time"))
	case QuantityLiteral:
		return annotate(e.String(), system("Quantity"))

	case MemberInvocation:
		return inferMember(e, tc, current)
	case ThisInvocation:
		r := current
		r.Type.Collection = false
		return annotate("$this", r)
	case IndexInvocation:
		return annotate("$index", system("Integer"))
	case TotalInvocation:
		return annotate("$total", inferResult{})
	case FunctionInvocation:
		return inferFunction(e, tc, current)

	case ExternalConstant:
		var r inferResult
		if tc != nil {
			if t, ok := tc.Vars[e.Name]; ok {
				r = inferResult{Type: t, TypeKnown: true}
			}
		}
		return annotate(e.String(), r)

	case ParenthesizedExpression:
		inner := inferNode(e.Expr, tc, current)
		return annotate("( )", inferResult{Type: inner.Type, TypeKnown: inner.TypeKnown}, inner)

	case InvocationExpression:
		target := inferNode(e.Target, tc, current)
		invocation := inferNode(e.Invocation, tc, inferResult{Type: target.Type, TypeKnown: target.TypeKnown})
		return annotate(".", inferResult{Type: invocation.Type, TypeKnown: invocation.TypeKnown}, target, invocation)

	case IndexerExpression:
		target := inferNode(e.Target, tc, current)
		index := inferNode(e.Index, tc, current)
		r := inferResult{Type: target.Type, TypeKnown: target.TypeKnown}
		r.Type.Collection = false
		return annotate("[ ]", r, target, index)

	case PolarityExpression:
		operand := inferNode(e.Expr, tc, current)
		r := inferResult{Type: operand.Type, TypeKnown: operand.TypeKnown && isNumericType(operand.Type)}
		return annotate(e.Op, r, operand)

	case MultiplicativeExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		return annotate(e.Op, inferArithmetic(e.Op, left, right), left, right)
	case AdditiveExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		return annotate(e.Op, inferArithmetic(e.Op, left, right), left, right)

	case TypeExpression:
		operand := inferNode(e.Expr, tc, current)
		if e.Op == "is" {
			return annotate("is "+e.Type.String(), system("Boolean"), operand)
		}
		r := inferResult{
			Type:      InferredType{Namespace: e.Type.Namespace, Name: e.Type.Name},
			TypeKnown: true,
		}
		return annotate("as "+e.Type.String(), r, operand)

	case UnionExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		var r inferResult
		if left.TypeKnown && right.TypeKnown &&
			left.Type.Namespace == right.Type.Namespace && left.Type.Name == right.Type.Name {
			r = inferResult{Type: left.Type, TypeKnown: true}
			r.Type.Collection = true
		}
		return annotate("|", r, left, right)

	case InequalityExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		return annotate(e.Op, system("Boolean"), left, right)
	case EqualityExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		return annotate(e.Op, system("Boolean"), left, right)
	case MembershipExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		return annotate(e.Op, system("Boolean"), left, right)
	case AndExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		return annotate("and", system("Boolean"), left, right)
	case OrExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		return annotate(e.Op, system("Boolean"), left, right)
	case ImpliesExpression:
		left := inferNode(e.Left, tc, current)
		right := inferNode(e.Right, tc, current)
		return annotate("implies", system("Boolean"), left, right)
	}

	return InferenceNode{Label: fmt.Sprintf("%T", expr)}
}

func inferMember(e MemberInvocation, tc *TypeContext, current inferResult) InferenceNode {
	node := InferenceNode{Label: e.Name}

	if !current.TypeKnown {
		return node
	}

	// a member named like the current type selects the node itself
	if e.Name == current.Type.Name {
		node.Type = current.Type
		node.Type.Collection = false
		node.TypeKnown = true
		return node
	}

	if t, ok := tc.memberType(current.Type, e.Name); ok {
		node.Type = t
		node.TypeKnown = true
	}
	return node
}

func isNumericType(t InferredType) bool {
	if t.Namespace != "System" && t.Namespace != "" {
		return false
	}
	switch t.Name {
	case "Integer", "Decimal", "Quantity":
		return true
	}
	return false
}

func inferArithmetic(op string, left, right InferenceNode) inferResult {
	if !left.TypeKnown || !right.TypeKnown {
		return inferResult{}
	}
	l, r := left.Type, right.Type

	if op == "&" {
		return system("String")
	}
	if l.Name == "String" && r.Name == "String" && op == "+" {
		return system("String")
	}

	// temporal +/- quantity keeps the temporal type
	switch l.Name {
	case "Date", "DateTime", "Time":
		if (op == "+" || op == "-") && r.Name == "Quantity" {
			return inferResult{Type: InferredType{Namespace: l.Namespace, Name: l.Name}, TypeKnown: true}
		}
		return inferResult{}
	}

	if !isNumericType(l) || !isNumericType(r) {
		return inferResult{}
	}
	if l.Name == "Quantity" || r.Name == "Quantity" {
		if op == "div" || op == "mod" {
			return inferResult{}
		}
		return system("Quantity")
	}
	switch op {
	case "/":
		return system("Decimal")
	case "div", "mod":
		if l.Name == "Integer" && r.Name == "Integer" {
			return system("Integer")
		}
		return system("Decimal")
	default:
		if l.Name == "Integer" && r.Name == "Integer" {
			return system("Integer")
		}
		return system("Decimal")
	}
}

// functionReturnTypes maps function names to fixed return types.
var functionReturnTypes = map[string]inferResult{
	"empty":              system("Boolean"),
	"exists":             system("Boolean"),
	"not":                system("Boolean"),
	"all":                system("Boolean"),
	"allTrue":            system("Boolean"),
	"anyTrue":            system("Boolean"),
	"allFalse":           system("Boolean"),
	"anyFalse":           system("Boolean"),
	"subsetOf":           system("Boolean"),
	"supersetOf":         system("Boolean"),
	"isDistinct":         system("Boolean"),
	"contains":           system("Boolean"),
	"startsWith":         system("Boolean"),
	"endsWith":           system("Boolean"),
	"matches":            system("Boolean"),
	"matchesFull":        system("Boolean"),
	"comparable":         system("Boolean"),
	"memberOf":           system("Boolean"),
	"is":                 system("Boolean"),
	"convertsToBoolean":  system("Boolean"),
	"convertsToInteger":  system("Boolean"),
	"convertsToDecimal":  system("Boolean"),
	"convertsToString":   system("Boolean"),
	"convertsToDate":     system("Boolean"),
	"convertsToDateTime": system("Boolean"),
	"convertsToTime":     system("Boolean"),
	"convertsToQuantity": system("Boolean"),
	"toBoolean":          system("Boolean"),

	"count":            system("Integer"),
	"length":           system("Integer"),
	"indexOf":          system("Integer"),
	"lastIndexOf":      system("Integer"),
	"toInteger":        system("Integer"),
	"precision":        system("Integer"),
	"yearOf":           system("Integer"),
	"monthOf":          system("Integer"),
	"dayOf":            system("Integer"),
	"hourOf":           system("Integer"),
	"minuteOf":         system("Integer"),
	"secondOf":         system("Integer"),
	"millisecondOf":    system("Integer"),
	"duration":         system("Integer"),
	"difference":       system("Integer"),
	"ceiling":          system("Integer"),
	"floor":            system("Integer"),
	"truncate":         system("Integer"),

	"toString":         system("String"),
	"upper":            system("String"),
	"lower":            system("String"),
	"replace":          system("String"),
	"replaceMatches":   system("String"),
	"trim":             system("String"),
	"join":             system("String"),
	"encode":           system("String"),
	"decode":           system("String"),
	"escape":           system("String"),
	"unescape":         system("String"),
	"substring":        system("String"),

	"toDecimal":        system("Decimal"),
	"sqrt":             system("Decimal"),
	"exp":              system("Decimal"),
	"ln":               system("Decimal"),
	"log":              system("Decimal"),
	"round":            system("Decimal"),
	"timezoneOffsetOf": system("Decimal"),

	"toDate":     system("Date"),
	"today":      system("Date"),
	"dateOf":     system("Date"),
	"toDateTime": system("DateTime"),
	"now":        system("DateTime"),
	"toTime":     system("Time"),
	"timeOfDay":  system("Time"),
	"timeOf":     system("Time"),
	"toQuantity": system("Quantity"),

	"split":   systemCollection("String"),
	"toChars": systemCollection("String"),
}

// passthroughFunctions keep the element type of their input; the value
// is whether the result is a singleton.
var passthroughFunctions = map[string]bool{
	"where":          false,
	"distinct":       false,
	"sort":           false,
	"tail":           false,
	"skip":           false,
	"take":           false,
	"intersect":      false,
	"exclude":        false,
	"trace":          false,
	"defineVariable": false,
	"lowBoundary":    true,
	"highBoundary":   true,
	"abs":            true,
	"first":          true,
	"last":           true,
	"single":         true,
}

func inferFunction(e FunctionInvocation, tc *TypeContext, current inferResult) InferenceNode {
	node := InferenceNode{Label: e.Name + "()"}

	// parameter expressions iterate over single input items
	paramCurrent := current
	paramCurrent.Type.Collection = false
	for _, param := range e.Params {
		node.Children = append(node.Children, inferNode(param, tc, paramCurrent))
	}

	if r, ok := functionReturnTypes[e.Name]; ok {
		node.Type = r.Type
		node.TypeKnown = r.TypeKnown
		return node
	}
	if singleton, ok := passthroughFunctions[e.Name]; ok && current.TypeKnown {
		node.Type = current.Type
		node.Type.Collection = !singleton
		node.TypeKnown = true
		return node
	}

	switch e.Name {
	case "select", "iif":
		// result type comes from a branch or projection expression
		if len(node.Children) > 0 {
			last := node.Children[len(node.Children)-1]
			if last.TypeKnown {
				node.Type = last.Type
				node.Type.Collection = true
				node.TypeKnown = true
			}
		}
	case "ofType", "as":
		if len(e.Params) == 1 {
			spec := ParseTypeSpecifier(e.Params[0].String())
			node.Type = InferredType{
				Namespace:  spec.Namespace,
				Name:       spec.Name,
				Collection: e.Name == "ofType",
			}
			node.TypeKnown = true
		}
	case "union", "combine":
		if len(node.Children) == 1 && current.TypeKnown && node.Children[0].TypeKnown &&
			current.Type.Namespace == node.Children[0].Type.Namespace &&
			current.Type.Name == node.Children[0].Type.Name {
			node.Type = current.Type
			node.Type.Collection = true
			node.TypeKnown = true
		}
	}
	return node
}
