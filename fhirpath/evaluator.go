package fhirpath

import (
	"context"
	"errors"
	"fmt"
)

func evalExpression(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	expr Expression,
	isRoot bool,
) (result Collection, resultOrdered bool, err error) {

	switch t := expr.(type) {
	case nil:
		return nil, false, errors.New("can not evaluate empty expression")
	case NullLiteral:
		return nil, true, nil
	case BooleanLiteral:
		return Collection{Boolean(t.Value)}, true, nil
	case StringLiteral:
		return Collection{String(t.Value)}, true, nil
	case IntegerLiteral:
		return Collection{Integer(t.Value)}, true, nil
	case DecimalLiteral:
		return Collection{Decimal{Value: t.Value}}, true, nil
	case DateLiteral:
		return Collection{t.Value}, true, nil
	case TimeLiteral:
		return Collection{t.Value}, true, nil
	case DateTimeLiteral:
		return Collection{t.Value}, true, nil
	case QuantityLiteral:
		return Collection{t.Value}, true, nil
	case ExternalConstant:
		value, ok := envValue(ctx, t.Name)
		if !ok {
			return nil, false, fmt.Errorf("environment variable %q undefined", t.Name)
		}
		return value, true, nil
	case ParenthesizedExpression:
		return evalExpression(ctx, root, target, inputOrdered, t.Expr, isRoot)
	case Invocation:
		return evalInvocation(ctx, root, target, inputOrdered, t, isRoot)
	case InvocationExpression:
		expr, ordered, err := evalExpression(ctx, root, target, inputOrdered, t.Target, isRoot)
		if err != nil {
			return nil, false, err
		}
		return evalInvocation(ctx, root, expr, ordered, t.Invocation, false)
	case IndexerExpression:
		expr, ordered, err := evalExpression(ctx, root, target, inputOrdered, t.Target, isRoot)
		if err != nil {
			return nil, false, err
		}
		if !ordered {
			return nil, false, errors.New("can not index into unordered collection")
		}
		indexCollection, _, err := evalExpression(ctx, root, target, inputOrdered, t.Index, false)
		if err != nil {
			return nil, false, err
		}
		index, ok, err := Singleton[Integer](indexCollection)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("can not index with null index")
		}
		i := int(index)
		if i < 0 || i >= len(expr) {
			return nil, true, nil
		}
		return Collection{expr[i]}, true, nil
	case PolarityExpression:
		expr, ordered, err := evalExpression(ctx, root, target, inputOrdered, t.Expr, isRoot)
		if err != nil {
			return nil, false, err
		}
		switch t.Op {
		case "+":
			// noop
			return expr, ordered, nil
		case "-":
			result, err = expr.Multiply(ctx, Collection{Integer(-1)})
			return result, true, err
		}
		return nil, false, nil
	case MultiplicativeExpression:
		left, _, err := evalExpression(ctx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		right, _, err := evalExpression(ctx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		switch t.Op {
		case "*":
			result, err = left.Multiply(ctx, right)
		case "/":
			result, err = left.Divide(ctx, right)
		case "div":
			result, err = left.Div(ctx, right)
		case "mod":
			result, err = left.Mod(ctx, right)
		}
		return result, true, err
	case AdditiveExpression:
		left, _, err := evalExpression(ctx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		right, _, err := evalExpression(ctx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		switch t.Op {
		case "+":
			result, err = left.Add(ctx, right)
		case "-":
			result, err = left.Subtract(ctx, right)
		case "&":
			result, err = left.Concat(ctx, right)
		}
		return result, true, err
	case TypeExpression:
		expr, _, err := evalExpression(ctx, root, target, inputOrdered, t.Expr, isRoot)
		if err != nil {
			return nil, false, err
		}

		if len(expr) == 0 {
			// single-input operators yield empty for empty input
			return nil, true, nil
		}
		if len(expr) != 1 {
			return nil, false, fmt.Errorf("expected single input element")
		}

		switch t.Op {
		case "is":
			r, err := isType(ctx, expr[0], t.Type)
			if err != nil {
				return nil, false, err
			}
			return Collection{r}, true, nil
		case "as":
			c, err := asType(ctx, expr[0], t.Type)
			if err != nil {
				return nil, false, err
			}
			if c != nil {
				return c, true, nil
			}
			return nil, false, nil
		}
		return nil, false, nil
	case UnionExpression:
		// Each branch gets its own environment stack frame, so
		// variables defined on one side do not leak into the other.
		leftCtx, _ := withNewEnvStackFrame(ctx)
		left, leftOrdered, err := evalExpression(leftCtx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		rightCtx, _ := withNewEnvStackFrame(ctx)
		right, rightOrdered, err := evalExpression(rightCtx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		return left.Union(right), leftOrdered && rightOrdered, nil
	case InequalityExpression:
		left, _, err := evalExpression(ctx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		right, _, err := evalExpression(ctx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		cmp, ok, err := left.Cmp(right)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}

		result = Collection{Boolean(false)}
		switch t.Op {
		case "<=":
			if cmp <= 0 {
				result = Collection{Boolean(true)}
			}
		case "<":
			if cmp < 0 {
				result = Collection{Boolean(true)}
			}
		case ">":
			if cmp > 0 {
				result = Collection{Boolean(true)}
			}
		case ">=":
			if cmp >= 0 {
				result = Collection{Boolean(true)}
			}
		}
		return result, true, nil
	case EqualityExpression:
		left, leftOrdered, err := evalExpression(ctx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		right, rightOrdered, err := evalExpression(ctx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		// pairwise equality needs a defined order on both sides
		if (t.Op == "=" || t.Op == "!=") &&
			(len(left) > 1 || len(right) > 1) &&
			(!leftOrdered || !rightOrdered) {
			return nil, false, fmt.Errorf("expected ordered inputs for equality expression")
		}

		switch t.Op {
		case "=":
			eq, ok := left.Equal(right)
			if ok {
				result = Collection{Boolean(eq)}
			}
		case "~":
			result = Collection{Boolean(left.Equivalent(right))}
		case "!=":
			eq, ok := left.Equal(right)
			if ok {
				result = Collection{Boolean(!eq)}
			}
		case "!~":
			result = Collection{Boolean(!left.Equivalent(right))}
		}
		return result, true, nil
	case MembershipExpression:
		left, _, err := evalExpression(ctx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		right, _, err := evalExpression(ctx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		switch t.Op {
		case "in":
			if len(left) == 0 {
				return nil, false, nil
			} else if len(left) > 1 {
				return nil, false, fmt.Errorf(`left operand of "in" (membership) has more than 1 value`)
			}
			result = Collection{Boolean(right.Contains(left[0]))}
		case "contains":
			if len(right) == 0 {
				return nil, false, nil
			} else if len(right) > 1 {
				return nil, false, fmt.Errorf(`right operand of "contains" (membership) has more than 1 value`)
			}
			result = Collection{Boolean(left.Contains(right[0]))}
		}
		return result, true, nil
	case AndExpression:
		left, _, err := evalExpression(ctx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		right, _, err := evalExpression(ctx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		leftSingle, leftOk, err := Singleton[Boolean](left)
		if err != nil {
			return nil, false, err
		}
		rightSingle, rightOk, err := Singleton[Boolean](right)
		if err != nil {
			return nil, false, err
		}

		if leftOk && bool(leftSingle) &&
			rightOk && bool(rightSingle) {
			result = Collection{Boolean(true)}
		} else if leftOk && !bool(leftSingle) {
			result = Collection{Boolean(false)}
		} else if rightOk && !bool(rightSingle) {
			result = Collection{Boolean(false)}
		}
		return result, true, nil
	case OrExpression:
		left, _, err := evalExpression(ctx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		right, _, err := evalExpression(ctx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		leftSingle, leftOk, err := Singleton[Boolean](left)
		if err != nil {
			return nil, false, err
		}
		rightSingle, rightOk, err := Singleton[Boolean](right)
		if err != nil {
			return nil, false, err
		}

		switch t.Op {
		case "or":
			if leftOk && !bool(leftSingle) &&
				rightOk && !bool(rightSingle) {
				result = Collection{Boolean(false)}
			} else if leftOk && bool(leftSingle) {
				result = Collection{Boolean(true)}
			} else if rightOk && bool(rightSingle) {
				result = Collection{Boolean(true)}
			}
		case "xor":
			if (leftOk && bool(leftSingle) && rightOk && !bool(rightSingle)) ||
				(leftOk && !bool(leftSingle) && rightOk && bool(rightSingle)) {
				result = Collection{Boolean(true)}
			} else if leftOk && rightOk &&
				leftSingle == rightSingle {
				result = Collection{Boolean(false)}
			}
		}
		return result, true, nil
	case ImpliesExpression:
		left, _, err := evalExpression(ctx, root, target, inputOrdered, t.Left, isRoot)
		if err != nil {
			return nil, false, err
		}
		right, _, err := evalExpression(ctx, root, target, inputOrdered, t.Right, isRoot)
		if err != nil {
			return nil, false, err
		}

		leftSingle, leftOk, err := Singleton[Boolean](left)
		if err != nil {
			return nil, false, err
		}
		rightSingle, rightOk, err := Singleton[Boolean](right)
		if err != nil {
			return nil, false, err
		}

		if leftOk && bool(leftSingle) {
			if rightOk {
				return Collection{rightSingle}, true, nil
			}
			return nil, true, nil
		} else if leftOk && !bool(leftSingle) {
			return Collection{Boolean(true)}, true, nil
		} else if rightOk && bool(rightSingle) {
			return Collection{Boolean(true)}, true, nil
		}
		return nil, true, nil
	default:
		panic(fmt.Sprintf("unexpected expression %T", expr))
	}
}

func evalInvocation(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	inv Invocation,
	isRoot bool,
) (Collection, bool, error) {
	switch t := inv.(type) {
	case MemberInvocation:
		// Field access has priority, identifiers that happen to be
		// type names still resolve to fields first.
		var members Collection
		for _, e := range target {
			members = append(members, e.Children(t.Name)...)
		}
		if len(members) > 0 {
			return members, inputOrdered, nil
		}

		// a leading type name asserts the root element's type
		if isRoot {
			expectedType, ok := resolveType(ctx, TypeSpecifier{Name: t.Name})
			if ok {
				rootType := root.TypeInfo()
				if !subTypeOf(ctx, rootType, expectedType) {
					return nil, false, fmt.Errorf("expected element of type %s, got %s", expectedType, rootType)
				}
				return Collection{root}, inputOrdered, nil
			}
		}

		if strictPaths(ctx) {
			if err := checkKnownElement(ctx, target, t.Name); err != nil {
				return nil, false, err
			}
		}

		return members, inputOrdered, nil
	case FunctionInvocation:
		return callFunc(ctx, root, target, inputOrdered, t.Name, t.Params)
	case ThisInvocation:
		scope, ok := getFunctionScope(ctx)
		if ok && scope.this != nil {
			return Collection{scope.this}, true, nil
		}
		return Collection{root}, true, nil
	case IndexInvocation:
		scope, ok := getFunctionScope(ctx)
		if !ok {
			return nil, false, fmt.Errorf("$index not defined in this context")
		}
		return Collection{Integer(scope.index)}, true, nil
	case TotalInvocation:
		scope, ok := getFunctionScope(ctx)
		if !ok || !scope.aggregate {
			return nil, false, fmt.Errorf("$total not defined (only in aggregate)")
		}
		return scope.total, true, nil
	default:
		return nil, false, fmt.Errorf("unexpected invocation %T", inv)
	}
}

// checkKnownElement errors when every target element belongs to an
// installed class that does not declare the accessed name. Elements
// without installed class information never fail the check.
func checkKnownElement(ctx context.Context, target Collection, name string) error {
	for _, e := range target {
		qual, ok := e.TypeInfo().QualifiedName()
		if !ok {
			return nil
		}
		info, ok := resolveType(ctx, qual)
		if !ok {
			return nil
		}
		class, ok := info.(ClassInfo)
		if !ok {
			return nil
		}
		if classHasElement(class, name) {
			return nil
		}
		return fmt.Errorf("type %s has no element %q", qual, name)
	}
	return nil
}

func classHasElement(class ClassInfo, name string) bool {
	for _, e := range class.Element {
		if e.Name == name || isChoiceVariant(e.Name, name) {
			return true
		}
	}
	return false
}

func callFunc(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	ident string,
	paramExprs []Expression,
) (Collection, bool, error) {
	fn, ok := getFunction(ctx, ident)
	if !ok {
		return nil, false, fmt.Errorf("function %q not found", ident)
	}

	return fn(
		ctx,
		root, target,
		inputOrdered,
		paramExprs,
		func(
			ctx context.Context,
			target Collection,
			expr Expression,
			fnScope *FunctionScope,
		) (result Collection, resultOrdered bool, err error) {
			// Parameter expressions evaluate in an isolated
			// environment frame, so variables they define do not
			// leak back into the caller's scope.
			ctx, _ = withNewEnvStackFrame(ctx)

			parentScope, parentOk := getFunctionScope(ctx)

			if fnScope != nil {
				scope := functionScope{
					index: fnScope.index,
				}

				if len(target) == 1 {
					scope.this = target[0]
				}

				if parentOk && parentScope.aggregate {
					scope.aggregate = true
					scope.total = parentScope.total
				}

				if ident == "aggregate" {
					scope.aggregate = true
					scope.total = fnScope.total
				}

				ctx = withFunctionScope(ctx, scope)
			}

			// The evaluation target for the parameter expression is
			// the explicit target if given, falling back to the
			// current $this and finally the root element.
			evalTarget := target
			if len(evalTarget) == 0 {
				if scope, ok := getFunctionScope(ctx); ok && scope.this != nil {
					evalTarget = Collection{scope.this}
				} else if root != nil {
					evalTarget = Collection{root}
				}
			}

			return evalExpression(ctx,
				root, evalTarget,
				true,
				expr, true,
			)
		},
	)
}
