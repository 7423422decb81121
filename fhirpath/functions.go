package fhirpath

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"html"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// stringParam evaluates a parameter expression and converts the result
// to a single string. ok is false when the parameter evaluates to empty.
func stringParam(
	ctx context.Context,
	evaluate EvaluateFunc,
	param Expression,
) (String, bool, error) {
	c, _, err := evaluate(ctx, nil, param, nil)
	if err != nil {
		return "", false, err
	}
	return Singleton[String](c)
}

// integerParam evaluates a parameter expression and converts the result
// to a single integer. ok is false when the parameter evaluates to empty.
func integerParam(
	ctx context.Context,
	evaluate EvaluateFunc,
	param Expression,
) (Integer, bool, error) {
	c, _, err := evaluate(ctx, nil, param, nil)
	if err != nil {
		return 0, false, err
	}
	return Singleton[Integer](c)
}

// stringFuncScope derives the target and scope for parameter expressions
// of string functions, so that $this and $index refer to the enclosing
// iteration when the function is used inside where() or select().
func stringFuncScope(
	ctx context.Context,
	root Element,
	target Collection,
) (Collection, *FunctionScope) {
	if parentScope, ok := getFunctionScope(ctx); ok {
		if len(target) > 0 && target[0] != nil {
			return Collection{target[0]}, &FunctionScope{
				index: parentScope.index,
				total: parentScope.total,
			}
		}
		return nil, nil
	}
	if root != nil {
		return Collection{root}, nil
	}
	return nil, nil
}

// convertFunc builds the body of the to<Type>() conversion functions.
func convertFunc[T Element](typeName string) Function {
	return func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		if len(target) == 0 {
			return nil, true, nil
		} else if len(target) > 1 {
			return nil, false, fmt.Errorf("cannot convert to %s: collection contains > 1 values", typeName)
		}

		v, ok, err := elementTo[T](target[0], true)
		if err != nil || !ok {
			return nil, true, nil
		}

		return Collection{v}, true, nil
	}
}

// convertsToFunc builds the body of the convertsTo<Type>() functions.
func convertsToFunc[T Element](typeName string) Function {
	return func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		if len(target) == 0 {
			return Collection{Boolean(false)}, true, nil
		} else if len(target) > 1 {
			return nil, false, fmt.Errorf("cannot convert to %s: collection contains > 1 values", typeName)
		}

		_, ok, err := elementTo[T](target[0], true)
		if err != nil || !ok {
			return Collection{Boolean(false)}, true, nil
		}

		return Collection{Boolean(true)}, true, nil
	}
}

// defaultFunctions contains the built-in function library.
var defaultFunctions = Functions{
	// Type functions
	"type": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		result = make(Collection, 0, len(target))
		for _, elem := range target {
			result = append(result, elem.TypeInfo())
		}

		return result, inputOrdered, nil
	},
	"is": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		switch len(target) {
		case 0:
			return nil, true, nil
		case 1:
		default:
			return nil, false, fmt.Errorf("expected single input element")
		}
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single type specifier parameter")
		}
		typeSpec := ParseTypeSpecifier(parameters[0].String())

		r, err := isType(ctx, target[0], typeSpec)
		if err != nil {
			return nil, false, err
		}
		return Collection{r}, true, nil
	},
	"as": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		switch len(target) {
		case 0:
			return nil, true, nil
		case 1:
		default:
			return nil, false, fmt.Errorf("expected single input element")
		}
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single type specifier parameter")
		}
		typeSpec := ParseTypeSpecifier(parameters[0].String())

		c, err := asType(ctx, target[0], typeSpec)
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	},
	"ofType": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single type specifier parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		typeSpec := ParseTypeSpecifier(parameters[0].String())

		for _, elem := range target {
			isOfType, err := isType(ctx, elem, typeSpec)
			if err != nil {
				return nil, false, err
			}
			if b, ok := isOfType.(Boolean); ok && bool(b) {
				result = append(result, elem)
			}
		}

		return result, inputOrdered, nil
	},

	// Boolean functions
	"not": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		b, ok, err := Singleton[Boolean](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}
		return Collection{!b}, true, nil
	},
	"empty": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		return Collection{Boolean(len(target) == 0)}, true, nil
	},
	"exists": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) > 1 {
			return nil, false, fmt.Errorf("expected at most one criteria parameter")
		}

		if len(parameters) == 0 {
			return Collection{Boolean(len(target) > 0)}, true, nil
		}

		// equivalent to where(criteria).exists()
		for i, elem := range target {
			criteria, _, err := evaluate(ctx, Collection{elem}, parameters[0], &FunctionScope{index: i})
			if err != nil {
				return nil, false, err
			}

			b, ok, err := Singleton[Boolean](criteria)
			if err != nil {
				return nil, false, err
			}
			if ok && bool(b) {
				return Collection{Boolean(true)}, true, nil
			}
		}

		return Collection{Boolean(false)}, true, nil
	},
	"all": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single criteria parameter")
		}

		// vacuously true on empty input
		if len(target) == 0 {
			return Collection{Boolean(true)}, true, nil
		}

		for i, elem := range target {
			criteria, _, err := evaluate(ctx, Collection{elem}, parameters[0], &FunctionScope{index: i})
			if err != nil {
				return nil, false, err
			}

			b, ok, err := Singleton[Boolean](criteria)
			if err != nil {
				return nil, false, err
			}
			if !ok || !bool(b) {
				return Collection{Boolean(false)}, true, nil
			}
		}

		return Collection{Boolean(true)}, true, nil
	},
	"allTrue": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		for _, elem := range target {
			b, ok, err := elem.ToBoolean(false)
			if err != nil {
				return nil, false, err
			}
			if !ok || !bool(b) {
				return Collection{Boolean(false)}, true, nil
			}
		}
		return Collection{Boolean(true)}, true, nil
	},
	"anyTrue": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		for _, elem := range target {
			b, ok, err := elem.ToBoolean(false)
			if err != nil {
				return nil, false, err
			}
			if ok && bool(b) {
				return Collection{Boolean(true)}, true, nil
			}
		}
		return Collection{Boolean(false)}, true, nil
	},
	"allFalse": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		for _, elem := range target {
			b, ok, err := elem.ToBoolean(false)
			if err != nil {
				return nil, false, err
			}
			if !ok || bool(b) {
				return Collection{Boolean(false)}, true, nil
			}
		}
		return Collection{Boolean(true)}, true, nil
	},
	"anyFalse": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		for _, elem := range target {
			b, ok, err := elem.ToBoolean(false)
			if err != nil {
				return nil, false, err
			}
			if ok && !bool(b) {
				return Collection{Boolean(true)}, true, nil
			}
		}
		return Collection{Boolean(false)}, true, nil
	},

	// Collection predicates
	"subsetOf": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single collection parameter")
		}

		if len(target) == 0 {
			return Collection{Boolean(true)}, true, nil
		}

		other, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		if len(other) == 0 {
			return Collection{Boolean(false)}, true, nil
		}

		for _, elem := range target {
			if !other.Contains(elem) {
				return Collection{Boolean(false)}, true, nil
			}
		}
		return Collection{Boolean(true)}, true, nil
	},
	"supersetOf": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single collection parameter")
		}

		other, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		if len(other) == 0 {
			return Collection{Boolean(true)}, true, nil
		}
		if len(target) == 0 {
			return Collection{Boolean(false)}, true, nil
		}

		for _, otherElem := range other {
			if !target.Contains(otherElem) {
				return Collection{Boolean(false)}, true, nil
			}
		}
		return Collection{Boolean(true)}, true, nil
	},
	"count": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		return Collection{Integer(len(target))}, true, nil
	},
	"distinct": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		for _, elem := range target {
			if !result.Contains(elem) {
				result = append(result, elem)
			}
		}
		return result, false, nil
	},
	"isDistinct": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		for i := 0; i < len(target); i++ {
			for j := i + 1; j < len(target); j++ {
				eq, ok := target[i].Equal(target[j])
				if ok && eq {
					return Collection{Boolean(false)}, true, nil
				}
			}
		}
		return Collection{Boolean(true)}, true, nil
	},

	// Filtering and projection
	"where": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single criteria parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		for i, elem := range target {
			criteria, _, err := evaluate(ctx, Collection{elem}, parameters[0], &FunctionScope{index: i})
			if err != nil {
				return nil, false, err
			}

			b, ok, err := Singleton[Boolean](criteria)
			if err != nil {
				return nil, false, err
			}
			if ok && bool(b) {
				result = append(result, elem)
			}
		}

		return result, inputOrdered, nil
	},
	"select": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single projection parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		resultOrdered = inputOrdered
		for i, elem := range target {
			projection, ordered, err := evaluate(ctx, Collection{elem}, parameters[0], &FunctionScope{index: i})
			if err != nil {
				return nil, false, err
			}

			// flatten
			result = append(result, projection...)

			if !ordered {
				resultOrdered = false
			}
		}

		return result, resultOrdered, nil
	},
	"sort": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(target) == 0 {
			return nil, true, nil
		}

		type sortKey struct {
			empty bool
			value Element
		}
		type sortItem struct {
			elem Element
			keys []sortKey
		}

		// a leading unary minus marks a descending key
		keyExprs := make([]Expression, len(parameters))
		descending := make([]bool, len(parameters))
		for j, param := range parameters {
			keyExprs[j], descending[j] = sortKeyDirection(param)
		}

		items := make([]sortItem, len(target))
		for i, elem := range target {
			items[i].elem = elem
			if len(parameters) == 0 {
				continue
			}
			items[i].keys = make([]sortKey, len(parameters))
			for j, keyExpr := range keyExprs {
				keyResult, _, err := evaluate(ctx, Collection{elem}, keyExpr, &FunctionScope{index: i})
				if err != nil {
					return nil, false, err
				}

				switch len(keyResult) {
				case 0:
					items[i].keys[j] = sortKey{empty: true}
				case 1:
					items[i].keys[j] = sortKey{value: keyResult[0]}
				default:
					return nil, false, fmt.Errorf(
						"sort key %d evaluated to %d items (expected 0 or 1)",
						j+1, len(keyResult),
					)
				}
			}
		}

		var sortErr error
		slices.SortStableFunc(items, func(a, b sortItem) int {
			if sortErr != nil {
				return 0
			}

			if len(parameters) == 0 {
				cmp, err := compareElementsForSort(a.elem, b.elem)
				if err != nil {
					sortErr = err
					return 0
				}
				return cmp
			}

			for j := range keyExprs {
				av, bv := a.keys[j], b.keys[j]

				// empty keys sort first
				if av.empty && bv.empty {
					continue
				}
				if av.empty {
					return -1
				}
				if bv.empty {
					return 1
				}

				cmp, err := compareElementsForSort(av.value, bv.value)
				if err != nil {
					sortErr = err
					return 0
				}
				if cmp != 0 {
					if descending[j] {
						cmp = -cmp
					}
					return cmp
				}
			}

			return 0
		})
		if sortErr != nil {
			return nil, false, sortErr
		}

		result = make(Collection, len(items))
		for i, item := range items {
			result[i] = item.elem
		}
		return result, true, nil
	},
	"repeat": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single projection parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		current := target
		var newItems Collection

		// repeat the projection until it yields nothing new
		for {
			newItems = nil
			for i, elem := range current {
				projection, _, err := evaluate(ctx, Collection{elem}, parameters[0], &FunctionScope{index: i})
				if err != nil {
					return nil, false, err
				}

				for _, item := range projection {
					if result.Contains(item) || newItems.Contains(item) {
						continue
					}
					newItems = append(newItems, item)
				}
			}

			if len(newItems) == 0 {
				break
			}

			result = append(result, newItems...)
			current = newItems
		}

		return result, false, nil
	},
	"repeatAll": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single projection parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		// like repeat, but keeps duplicates; cycles in the input will
		// not terminate
		queue := slices.Clone(target)

		for len(queue) > 0 {
			var next Collection
			for i, elem := range queue {
				projection, _, err := evaluate(ctx, Collection{elem}, parameters[0], &FunctionScope{index: i})
				if err != nil {
					return nil, false, err
				}
				if len(projection) == 0 {
					continue
				}
				result = append(result, projection...)
				next = append(next, projection...)
			}
			queue = next
		}

		return result, false, nil
	},

	// Subsetting
	"single": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single item but got %d items", len(target))
		}
		return Collection{target[0]}, true, nil
	},
	"first": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if !inputOrdered {
			return nil, false, fmt.Errorf("expected ordered input")
		}
		return Collection{target[0]}, true, nil
	},
	"last": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if !inputOrdered {
			return nil, false, fmt.Errorf("expected ordered input")
		}
		return Collection{target[len(target)-1]}, true, nil
	},
	"tail": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) <= 1 {
			return nil, true, nil
		}
		if !inputOrdered {
			return nil, false, fmt.Errorf("expected ordered input")
		}
		return target[1:], inputOrdered, nil
	},
	"skip": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single num parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if !inputOrdered {
			return nil, false, fmt.Errorf("expected ordered input")
		}

		num, ok, err := integerParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected integer parameter")
		}

		if num <= 0 {
			return target, inputOrdered, nil
		}
		if int(num) >= len(target) {
			return nil, true, nil
		}
		return target[num:], inputOrdered, nil
	},
	"take": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single num parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if !inputOrdered {
			return nil, false, fmt.Errorf("expected ordered input")
		}

		num, ok, err := integerParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected integer parameter")
		}

		if num <= 0 {
			return nil, true, nil
		}
		if int(num) >= len(target) {
			return target, inputOrdered, nil
		}
		return target[:num], inputOrdered, nil
	},
	"intersect": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single collection parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		other, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		if len(other) == 0 {
			return nil, true, nil
		}

		for _, elem := range target {
			if other.Contains(elem) && !result.Contains(elem) {
				result = append(result, elem)
			}
		}

		return result, false, nil
	},
	"exclude": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single collection parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		other, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		if len(other) == 0 {
			return target, inputOrdered, nil
		}

		// keeps duplicates, preserves order
		for _, elem := range target {
			if !other.Contains(elem) {
				result = append(result, elem)
			}
		}

		return result, inputOrdered, nil
	},

	// Combining
	"union": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single collection parameter")
		}

		other, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}

		return target.Union(other), false, nil
	},
	"combine": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single collection parameter")
		}

		other, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}

		return target.Combine(other), false, nil
	},
	"coalesce": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) == 0 {
			return nil, false, fmt.Errorf("expected at least one collection parameter")
		}

		for _, param := range parameters {
			value, ordered, err := evaluate(ctx, nil, param, nil)
			if err != nil {
				return nil, false, err
			}
			if len(value) > 0 {
				return value, ordered, nil
			}
		}

		return nil, true, nil
	},

	// String functions
	"indexOf": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single substring parameter")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		substring, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		if substring == "" {
			return Collection{Integer(0)}, true, nil
		}

		return Collection{Integer(strings.Index(string(s), string(substring)))}, true, nil
	},
	"lastIndexOf": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single substring parameter")
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single input element")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		substring, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		if substring == "" {
			return Collection{Integer(len([]rune(s)))}, true, nil
		}

		return Collection{Integer(strings.LastIndex(string(s), string(substring)))}, true, nil
	},
	"substring": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) < 1 || len(parameters) > 2 {
			return nil, false, fmt.Errorf("expected one or two parameters (start, [length])")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}
		runes := []rune(string(s))

		paramTarget, paramScope := stringFuncScope(ctx, root, target)

		// empty start propagates as empty result
		startCollection, _, err := evaluate(ctx, paramTarget, parameters[0], paramScope)
		if err != nil {
			return nil, false, err
		}
		if len(startCollection) == 0 {
			return nil, true, nil
		}

		start, ok, err := Singleton[Integer](startCollection)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected integer start parameter")
		}

		startIdx := int(start)
		if startIdx < 0 || startIdx >= len(runes) {
			return nil, true, nil
		}

		if len(parameters) == 2 {
			// empty length behaves as if omitted
			lengthCollection, _, err := evaluate(ctx, paramTarget, parameters[1], paramScope)
			if err != nil {
				return nil, false, err
			}
			if len(lengthCollection) == 0 {
				return Collection{String(runes[startIdx:])}, true, nil
			}

			length, ok, err := Singleton[Integer](lengthCollection)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("expected integer length parameter")
			}

			if length <= 0 {
				return Collection{String("")}, true, nil
			}

			end := min(startIdx+int(length), len(runes))
			return Collection{String(runes[startIdx:end])}, true, nil
		}

		return Collection{String(runes[startIdx:])}, true, nil
	},
	"startsWith": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single prefix parameter")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		paramTarget, paramScope := stringFuncScope(ctx, root, target)

		prefixCollection, _, err := evaluate(ctx, paramTarget, parameters[0], paramScope)
		if err != nil {
			return nil, false, err
		}
		if len(prefixCollection) == 0 {
			return nil, true, nil
		}

		prefix, ok, err := Singleton[String](prefixCollection)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string prefix parameter")
		}

		return Collection{Boolean(strings.HasPrefix(string(s), string(prefix)))}, true, nil
	},
	"endsWith": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single suffix parameter")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		paramTarget, paramScope := stringFuncScope(ctx, root, target)

		suffixCollection, _, err := evaluate(ctx, paramTarget, parameters[0], paramScope)
		if err != nil {
			return nil, false, err
		}
		if len(suffixCollection) == 0 {
			return nil, true, nil
		}

		suffix, ok, err := Singleton[String](suffixCollection)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string suffix parameter")
		}

		return Collection{Boolean(strings.HasSuffix(string(s), string(suffix)))}, true, nil
	},
	"contains": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single substring parameter")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		paramTarget, paramScope := stringFuncScope(ctx, root, target)

		substringCollection, _, err := evaluate(ctx, paramTarget, parameters[0], paramScope)
		if err != nil {
			return nil, false, err
		}
		if len(substringCollection) == 0 {
			return nil, true, nil
		}

		substring, ok, err := Singleton[String](substringCollection)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string substring parameter")
		}

		return Collection{Boolean(strings.Contains(string(s), string(substring)))}, true, nil
	},
	"upper": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		return Collection{String(strings.ToUpper(string(s)))}, true, nil
	},
	"lower": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		return Collection{String(strings.ToLower(string(s)))}, true, nil
	},
	"replace": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 2 {
			return nil, false, fmt.Errorf("expected two parameters (pattern, substitution)")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		var evalTarget Collection
		if len(target) > 0 {
			evalTarget = Collection{target[0]}
		}

		patternCollection, _, err := evaluate(ctx, evalTarget, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		pattern, ok, err := Singleton[String](patternCollection)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		substitutionCollection, _, err := evaluate(ctx, evalTarget, parameters[1], nil)
		if err != nil {
			return nil, false, err
		}
		substitution, ok, err := Singleton[String](substitutionCollection)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		// an empty pattern surrounds every character with the substitution
		if pattern == "" {
			var b strings.Builder
			b.WriteString(string(substitution))
			for _, c := range s {
				b.WriteRune(c)
				b.WriteString(string(substitution))
			}
			return Collection{String(b.String())}, true, nil
		}

		return Collection{String(strings.ReplaceAll(string(s), string(pattern), string(substitution)))}, true, nil
	},
	"matches": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) < 1 || len(parameters) > 2 {
			return nil, false, fmt.Errorf("expected regex parameter and optional flags parameter")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		regexStr, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		var flags String
		if len(parameters) == 2 {
			f, ok, err := stringParam(ctx, evaluate, parameters[1])
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("expected string flags parameter")
			}
			flags = f
		}

		regex, err := compileRegex(string(regexStr), string(flags))
		if err != nil {
			return nil, false, err
		}

		return Collection{Boolean(regex.MatchString(string(s)))}, true, nil
	},
	"matchesFull": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single regex parameter")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		regexStr, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string regex parameter")
		}

		regex, err := regexp.Compile("^" + string(regexStr) + "$")
		if err != nil {
			return nil, false, fmt.Errorf("invalid regular expression: %v", err)
		}

		return Collection{Boolean(regex.MatchString(string(s)))}, true, nil
	},
	"replaceMatches": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) < 2 || len(parameters) > 3 {
			return nil, false, fmt.Errorf("expected regex, substitution, and optional flags parameters")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		regexStr, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		// an empty regex leaves the input unchanged
		if regexStr == "" {
			return Collection{s}, true, nil
		}

		substitution, ok, err := stringParam(ctx, evaluate, parameters[1])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		var flags String
		if len(parameters) == 3 {
			f, ok, err := stringParam(ctx, evaluate, parameters[2])
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("expected string flags parameter")
			}
			flags = f
		}

		regex, err := compileRegex(string(regexStr), string(flags))
		if err != nil {
			return nil, false, err
		}

		return Collection{String(regex.ReplaceAllString(string(s), string(substitution)))}, true, nil
	},
	"length": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		return Collection{Integer(len(s))}, true, nil
	},
	"toChars": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		var chars Collection
		for _, r := range string(s) {
			chars = append(chars, String(r))
		}
		return chars, true, nil
	},
	"trim": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		return Collection{String(strings.TrimSpace(string(s)))}, true, nil
	},
	"split": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single separator parameter")
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		separator, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string separator parameter")
		}

		parts := strings.Split(string(s), string(separator))
		result = make(Collection, len(parts))
		for i, part := range parts {
			result[i] = String(part)
		}
		return result, true, nil
	},
	"join": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) > 1 {
			return nil, false, fmt.Errorf("expected at most one separator parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		separator := String("")
		if len(parameters) == 1 {
			sep, ok, err := stringParam(ctx, evaluate, parameters[0])
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("expected string separator parameter")
			}
			separator = sep
		}

		parts := make([]string, 0, len(target))
		for _, elem := range target {
			s, ok, err := elementTo[String](elem, true)
			if err != nil || !ok {
				// skip elements with no string form
				continue
			}
			parts = append(parts, string(s))
		}
		if len(parts) == 0 {
			return nil, true, nil
		}

		return Collection{String(strings.Join(parts, string(separator)))}, true, nil
	},

	// Encoding functions
	"encode": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single format parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		format, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string format parameter")
		}

		switch string(format) {
		case "hex":
			return Collection{String(hex.EncodeToString([]byte(s)))}, true, nil
		case "base64":
			return Collection{String(base64.StdEncoding.EncodeToString([]byte(s)))}, true, nil
		case "urlbase64":
			return Collection{String(base64.URLEncoding.EncodeToString([]byte(s)))}, true, nil
		case "url":
			return Collection{String(url.QueryEscape(string(s)))}, true, nil
		default:
			return nil, false, fmt.Errorf("unsupported encoding format: %s", format)
		}
	},
	"decode": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single format parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		format, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string format parameter")
		}

		switch string(format) {
		case "hex":
			decoded, err := hex.DecodeString(string(s))
			if err != nil {
				return nil, false, fmt.Errorf("invalid hex string: %v", err)
			}
			return Collection{String(decoded)}, true, nil
		case "base64":
			decoded, err := base64.StdEncoding.DecodeString(string(s))
			if err != nil {
				return nil, false, fmt.Errorf("invalid base64 string: %v", err)
			}
			return Collection{String(decoded)}, true, nil
		case "urlbase64":
			decoded, err := base64.URLEncoding.DecodeString(string(s))
			if err != nil {
				return nil, false, fmt.Errorf("invalid URL-safe base64 string: %v", err)
			}
			return Collection{String(decoded)}, true, nil
		case "url":
			decoded, err := url.QueryUnescape(string(s))
			if err != nil {
				return nil, false, fmt.Errorf("invalid URL-encoded string: %v", err)
			}
			return Collection{String(decoded)}, true, nil
		default:
			return nil, false, fmt.Errorf("unsupported encoding format: %s", format)
		}
	},
	"escape": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single target parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		targetStr, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string target parameter")
		}

		switch string(targetStr) {
		case "html":
			return Collection{String(escapeHTML(string(s)))}, true, nil
		case "json":
			return Collection{String(escapeJSON(string(s)))}, true, nil
		default:
			return nil, false, fmt.Errorf("unsupported escape target: %s", targetStr)
		}
	},
	"unescape": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected single target parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		s, ok, err := Singleton[String](target)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}

		targetStr, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string target parameter")
		}

		switch string(targetStr) {
		case "html":
			return Collection{String(html.UnescapeString(string(s)))}, true, nil
		case "json":
			return Collection{String(unescapeJSON(string(s)))}, true, nil
		default:
			return nil, false, fmt.Errorf("unsupported unescape target: %s", targetStr)
		}
	},

	// Precision and boundaries
	"lowBoundary": boundaryFunc(false),
	"highBoundary": boundaryFunc(true),
	"precision": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single input element")
		}

		if value, ok, err := Singleton[Decimal](target); err == nil && ok {
			return Collection{Integer(value.Precision())}, true, nil
		}
		if value, ok, err := Singleton[Date](target); err == nil && ok {
			return Collection{Integer(value.PrecisionDigits())}, true, nil
		}
		if value, ok, err := Singleton[DateTime](target); err == nil && ok {
			return Collection{Integer(value.PrecisionDigits())}, true, nil
		}
		if value, ok, err := Singleton[Time](target); err == nil && ok {
			return Collection{Integer(value.PrecisionDigits())}, true, nil
		}

		return nil, false, fmt.Errorf("expected Decimal, Date, DateTime, or Time but got %T", target[0])
	},

	// Temporal distance
	"duration":   temporalDistanceFunc(false),
	"difference": temporalDistanceFunc(true),

	// Variables
	"defineVariable": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 && len(parameters) != 2 {
			return nil, false, fmt.Errorf("expected one or two parameters (name [, value])")
		}

		name, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected string name parameter")
		}

		if _, isSystem := systemVariables[string(name)]; isSystem {
			return nil, false, fmt.Errorf("cannot redefine system variable '%s'", name)
		}

		if frame, ok := envStackFrame(ctx); ok {
			if _, exists := frame[string(name)]; exists {
				return nil, false, fmt.Errorf("variable %%%s already defined", name)
			}
		}

		// without a value expression, the variable holds the input
		value := target
		if len(parameters) == 2 {
			value, _, err = evaluate(ctx, target, parameters[1], nil)
			if err != nil {
				return nil, false, err
			}
		}

		setEnv(ctx, string(name), value)

		return target, inputOrdered, nil
	},

	// Math functions
	"abs": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("abs() expects a single input element")
		}

		if i, ok, err := Singleton[Integer](target); err == nil && ok {
			if i < 0 {
				return Collection{-i}, true, nil
			}
			return Collection{i}, true, nil
		}

		if d, ok, err := Singleton[Decimal](target); err == nil && ok {
			var absValue apd.Decimal
			absValue.Abs(d.Value)
			return Collection{Decimal{Value: &absValue}}, true, nil
		}

		if q, ok, err := Singleton[Quantity](target); err == nil && ok {
			var absValue apd.Decimal
			absValue.Abs(q.Value.Value)
			return Collection{Quantity{Value: Decimal{Value: &absValue}, Unit: q.Unit}}, true, nil
		}

		return nil, false, fmt.Errorf("expected Integer, Decimal, or Quantity but got %T", target[0])
	},
	"ceiling":  integerPartFunc("ceiling", func(apdCtx *apd.Context, out, in *apd.Decimal) (apd.Condition, error) {
		return apdCtx.Ceil(out, in)
	}),
	"floor": integerPartFunc("floor", func(apdCtx *apd.Context, out, in *apd.Decimal) (apd.Condition, error) {
		return apdCtx.Floor(out, in)
	}),
	"truncate": integerPartFunc("truncate", func(apdCtx *apd.Context, out, in *apd.Decimal) (apd.Condition, error) {
		// round towards zero
		if in.Negative {
			return apdCtx.Ceil(out, in)
		}
		return apdCtx.Floor(out, in)
	}),
	"round": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) > 1 {
			return nil, false, fmt.Errorf("expected at most one precision parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single input element")
		}

		decimalPlaces := int64(0)
		if len(parameters) == 1 {
			places, ok, err := integerParam(ctx, evaluate, parameters[0])
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("expected integer precision parameter")
			}
			if places < 0 {
				return nil, false, fmt.Errorf("precision must be >= 0")
			}
			decimalPlaces = int64(places)
		}

		var dec *apd.Decimal
		if i, ok, _ := Singleton[Integer](target); ok {
			dec = apd.New(int64(i), 0)
		} else if d, ok, _ := Singleton[Decimal](target); ok {
			dec = d.Value
		} else {
			return nil, false, fmt.Errorf("expected Integer or Decimal but got %T", target[0])
		}

		apdCtx := apdContext(ctx).WithPrecision(uint32(dec.NumDigits() + decimalPlaces))
		var rounded apd.Decimal
		if _, err := apdCtx.Quantize(&rounded, dec, int32(-decimalPlaces)); err != nil {
			return nil, false, err
		}

		return Collection{Decimal{Value: &rounded}}, true, nil
	},
	"exp": decimalUnaryFunc("exp", func(apdCtx *apd.Context, out, in *apd.Decimal) error {
		_, err := apdCtx.Exp(out, in)
		return err
	}),
	"ln": decimalUnaryFunc("ln", func(apdCtx *apd.Context, out, in *apd.Decimal) error {
		_, err := apdCtx.Ln(out, in)
		return err
	}),
	"log": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected one base parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("log() expects a single input element")
		}

		baseCollection, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		if len(baseCollection) == 0 {
			return nil, true, nil
		}

		base, err := decimalValue(baseCollection, "base parameter")
		if err != nil {
			return nil, false, err
		}
		d, err := decimalValue(target, "input")
		if err != nil {
			return nil, false, err
		}

		// log_base(x) = ln(x) / ln(base)
		var lnX, lnBase, quotient apd.Decimal
		if _, err := apdContext(ctx).Ln(&lnX, d.Value); err != nil {
			return nil, false, err
		}
		if _, err := apdContext(ctx).Ln(&lnBase, base.Value); err != nil {
			return nil, false, err
		}
		if _, err := apdContext(ctx).Quo(&quotient, &lnX, &lnBase); err != nil {
			return nil, false, err
		}

		return Collection{Decimal{Value: &quotient}}, true, nil
	},
	"power": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected one exponent parameter")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("power() expects a single input element")
		}

		exponentCollection, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		if len(exponentCollection) == 0 {
			return nil, true, nil
		}

		// Integer base and exponent yield an Integer when exact
		if exponent, ok, err := Singleton[Integer](exponentCollection); err == nil && ok {
			if i, ok, err := Singleton[Integer](target); err == nil && ok {
				f := math.Pow(float64(i), float64(exponent))
				if f == float64(int64(f)) {
					return Collection{Integer(int64(f))}, true, nil
				}
				resultDecimal := apd.New(0, 0)
				if _, err := resultDecimal.SetFloat64(f); err != nil {
					return nil, false, err
				}
				return Collection{Decimal{Value: resultDecimal}}, true, nil
			}
		}

		exponent, err := decimalValue(exponentCollection, "exponent parameter")
		if err != nil {
			return nil, false, err
		}
		d, err := decimalValue(target, "input")
		if err != nil {
			return nil, false, err
		}

		// a negative base raised to a fractional power has no real result
		if d.Value.Negative {
			return nil, true, nil
		}

		var power apd.Decimal
		if _, err := apdContext(ctx).Pow(&power, d.Value, exponent.Value); err != nil {
			return nil, false, err
		}

		return Collection{Decimal{Value: &power}}, true, nil
	},
	"sqrt": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("sqrt() expects a single input element")
		}

		d, ok, err := Singleton[Decimal](target)
		if err != nil || !ok {
			return nil, false, fmt.Errorf("expected Integer or Decimal but got %T", target[0])
		}
		if d.Value.Negative {
			return nil, true, nil
		}

		var root2 apd.Decimal
		if _, err := apdContext(ctx).Sqrt(&root2, d.Value); err != nil {
			return nil, false, err
		}

		return Collection{Decimal{Value: &root2}}, true, nil
	},

	// Type conversion functions
	"toBoolean":          convertFunc[Boolean]("boolean"),
	"convertsToBoolean":  convertsToFunc[Boolean]("boolean"),
	"toInteger":          convertFunc[Integer]("integer"),
	"convertsToInteger":  convertsToFunc[Integer]("integer"),
	"toDecimal":          convertFunc[Decimal]("decimal"),
	"convertsToDecimal":  convertsToFunc[Decimal]("decimal"),
	"toString":           convertFunc[String]("string"),
	"convertsToString":   convertsToFunc[String]("string"),
	"toDate":             convertFunc[Date]("date"),
	"convertsToDate":     convertsToFunc[Date]("date"),
	"toDateTime":         convertFunc[DateTime]("datetime"),
	"convertsToDateTime": convertsToFunc[DateTime]("datetime"),
	"toTime":             convertFunc[Time]("time"),
	"convertsToTime":     convertsToFunc[Time]("time"),
	"toQuantity": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) > 1 {
			return nil, false, fmt.Errorf("expected at most one unit parameter")
		}

		if len(target) == 0 {
			return nil, true, nil
		} else if len(target) > 1 {
			return nil, false, fmt.Errorf("cannot convert to quantity: collection contains > 1 values")
		}

		q, ok, err := elementTo[Quantity](target[0], true)
		if err != nil || !ok {
			return nil, true, nil
		}

		if len(parameters) == 1 {
			unit, ok, err := stringParam(ctx, evaluate, parameters[0])
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("expected string unit parameter")
			}

			converted, err := convertQuantityToUnit(ctx, q, unit)
			if err != nil {
				// not convertible to the requested unit
				return nil, true, nil
			}
			converted.Unit = unit
			return Collection{converted}, true, nil
		}

		return Collection{q}, true, nil
	},
	"convertsToQuantity": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) > 1 {
			return nil, false, fmt.Errorf("expected at most one unit parameter")
		}

		if len(target) == 0 {
			return Collection{Boolean(false)}, true, nil
		} else if len(target) > 1 {
			return nil, false, fmt.Errorf("cannot convert to quantity: collection contains > 1 values")
		}

		q, ok, err := elementTo[Quantity](target[0], true)
		if err != nil || !ok {
			return Collection{Boolean(false)}, true, nil
		}

		if len(parameters) == 1 {
			unit, ok, err := stringParam(ctx, evaluate, parameters[0])
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("expected string unit parameter")
			}

			if _, err := convertQuantityToUnit(ctx, q, unit); err != nil {
				return Collection{Boolean(false)}, true, nil
			}
		}

		return Collection{Boolean(true)}, true, nil
	},

	// Tree navigation functions
	"children": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		for _, elem := range target {
			result = append(result, elem.Children()...)
		}

		return result, false, nil
	},
	"descendants": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}

		// shorthand for repeat(children()); the start set is excluded
		current := target
		var newItems Collection

		for {
			newItems = nil
			for _, elem := range current {
				for _, child := range elem.Children() {
					if result.Contains(child) || newItems.Contains(child) {
						continue
					}
					newItems = append(newItems, child)
				}
			}

			if len(newItems) == 0 {
				break
			}

			result = append(result, newItems...)
			current = newItems
		}

		return result, false, nil
	},

	// Utility functions
	"trace": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) == 0 || len(parameters) > 2 {
			return nil, false, fmt.Errorf("expected one or two parameters")
		}

		logger, err := tracer(ctx)
		if err != nil {
			return nil, false, err
		}

		name, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("name parameter cannot be null")
		}

		logCollection := target
		if len(parameters) == 2 {
			logCollection = nil
			for i, elem := range target {
				projection, _, err := evaluate(ctx, Collection{elem}, parameters[1], &FunctionScope{index: i})
				if err != nil {
					return nil, false, err
				}
				logCollection = append(logCollection, projection...)
			}
		}

		if err := logger.Log(string(name), logCollection); err != nil {
			return nil, false, err
		}

		return target, inputOrdered, nil
	},
	"aggregate": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) == 0 || len(parameters) > 2 {
			return nil, false, fmt.Errorf("expected one or two parameters")
		}

		total := Collection{}
		totalOrdered := inputOrdered

		if len(parameters) == 2 {
			total, totalOrdered, err = evaluate(ctx, nil, parameters[1], nil)
			if err != nil {
				return nil, false, err
			}
		}

		// empty input yields the init value untouched
		if len(target) == 0 {
			return total, totalOrdered, nil
		}

		// without an init expression the first item seeds the accumulator
		rest := target
		start := 0
		if len(parameters) == 1 {
			total = Collection{target[0]}
			rest = target[1:]
			start = 1
		}

		// the aggregator sees the running result as $total
		for i, elem := range rest {
			var ordered bool
			total, ordered, err = evaluate(ctx, Collection{elem}, parameters[0], &FunctionScope{index: start + i, total: total})
			if err != nil {
				return nil, false, err
			}
			if !ordered {
				totalOrdered = false
			}
		}

		return total, totalOrdered, nil
	},
	"now": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		instant := evaluationInstant(ctx)
		dt := DateTime{Value: instant, Precision: DateTimePrecisionFull, HasTimeZone: true}

		return Collection{dt}, inputOrdered, nil
	},
	"timeOfDay": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		instant := evaluationInstant(ctx)
		tod := time.Date(0, 1, 1, instant.Hour(), instant.Minute(), instant.Second(), instant.Nanosecond(), instant.Location())

		return Collection{Time{Value: tod, Precision: TimePrecisionFull}}, inputOrdered, nil
	},
	"today": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}

		instant := evaluationInstant(ctx)
		day := time.Date(instant.Year(), instant.Month(), instant.Day(), 0, 0, 0, 0, instant.Location())

		return Collection{Date{Value: day, Precision: DatePrecisionFull}}, inputOrdered, nil
	},
	"iif": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) < 2 || len(parameters) > 3 {
			return nil, false, fmt.Errorf("expected 2 or 3 parameters (criterion, true-result, [otherwise-result])")
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("iif() requires an input collection with 0 or 1 items, got %d items", len(target))
		}

		// keep $this and $index of the enclosing iteration alive inside
		// the branches
		fnScope := &FunctionScope{total: target}
		if parentScope, ok := getFunctionScope(ctx); ok {
			fnScope.index = parentScope.index
		}

		criterion, _, err := evaluate(ctx, target, parameters[0], fnScope)
		if err != nil {
			return nil, false, err
		}

		criterionBool, ok, err := Singleton[Boolean](criterion)
		if err != nil {
			return nil, false, err
		}

		// only the taken branch is evaluated
		if ok && bool(criterionBool) {
			return evaluate(ctx, target, parameters[1], fnScope)
		}
		if len(parameters) == 3 {
			return evaluate(ctx, target, parameters[2], fnScope)
		}

		return nil, true, nil
	},

	// Component extraction
	"yearOf":           dateComponentFunc(componentRankYear, func(t time.Time) Integer { return Integer(t.Year()) }),
	"monthOf":          dateComponentFunc(componentRankMonth, func(t time.Time) Integer { return Integer(t.Month()) }),
	"dayOf":            dateComponentFunc(componentRankDay, func(t time.Time) Integer { return Integer(t.Day()) }),
	"hourOf":           timeComponentFunc(componentRankHour, func(t time.Time) Integer { return Integer(t.Hour()) }),
	"minuteOf":         timeComponentFunc(componentRankMinute, func(t time.Time) Integer { return Integer(t.Minute()) }),
	"secondOf":         timeComponentFunc(componentRankSecond, func(t time.Time) Integer { return Integer(t.Second()) }),
	"millisecondOf":    timeComponentFunc(componentRankMillisecond, func(t time.Time) Integer { return Integer(t.Nanosecond() / int(time.Millisecond)) }),
	"timezoneOffsetOf": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(target) == 0 {
			return nil, inputOrdered, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single DateTime, got %d items", len(target))
		}

		dt, ok, err := target[0].ToDateTime(false)
		if err != nil || !ok {
			return nil, false, fmt.Errorf("expected DateTime, got %T", target[0])
		}
		if !dt.HasTimeZone {
			return nil, inputOrdered, nil
		}

		_, offset := dt.Value.Zone()
		hours := apd.New(int64(offset), 0)
		var scaled apd.Decimal
		if _, err := apdContext(ctx).Quo(&scaled, hours, apd.New(3600, 0)); err != nil {
			return nil, false, err
		}
		return Collection{Decimal{Value: &scaled}}, inputOrdered, nil
	},
	"dateOf": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(target) == 0 {
			return nil, inputOrdered, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single Date or DateTime, got %d items", len(target))
		}

		if d, ok, err := elementTo[Date](target[0], false); err == nil && ok {
			if _, isDate := target[0].(Date); isDate {
				return Collection{d}, inputOrdered, nil
			}
		}

		dt, ok, err := target[0].ToDateTime(false)
		if err != nil || !ok {
			return nil, false, fmt.Errorf("expected Date or DateTime, got %T", target[0])
		}

		var precision DatePrecision
		switch dt.Precision {
		case DateTimePrecisionYear:
			precision = DatePrecisionYear
		case DateTimePrecisionMonth:
			precision = DatePrecisionMonth
		default:
			precision = DatePrecisionFull
		}

		return Collection{Date{Value: dt.Value, Precision: precision}}, inputOrdered, nil
	},
	"timeOf": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(target) == 0 {
			return nil, inputOrdered, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single DateTime, got %d items", len(target))
		}

		dt, ok, err := target[0].ToDateTime(false)
		if err != nil || !ok {
			return nil, false, fmt.Errorf("expected DateTime, got %T", target[0])
		}

		switch dt.Precision {
		case DateTimePrecisionYear, DateTimePrecisionMonth, DateTimePrecisionDay:
			return nil, inputOrdered, nil
		}

		var precision TimePrecision
		switch dt.Precision {
		case DateTimePrecisionHour:
			precision = TimePrecisionHour
		case DateTimePrecisionMinute:
			precision = TimePrecisionMinute
		default:
			precision = TimePrecisionFull
		}

		value := time.Date(0, 1, 1, dt.Value.Hour(), dt.Value.Minute(), dt.Value.Second(), dt.Value.Nanosecond(), dt.Value.Location())
		return Collection{Time{Value: value, Precision: precision}}, inputOrdered, nil
	},
	"comparable": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected one quantity parameter")
		}

		if len(target) == 0 {
			return nil, inputOrdered, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("comparable() requires a single Quantity input, got %d items", len(target))
		}

		inputQty, ok, err := elementTo[Quantity](target[0], false)
		if err != nil || !ok {
			return nil, inputOrdered, nil
		}

		paramCollection, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		if len(paramCollection) == 0 {
			return nil, inputOrdered, nil
		}
		if len(paramCollection) > 1 {
			return nil, false, fmt.Errorf("comparable() requires a single Quantity parameter, got %d items", len(paramCollection))
		}

		paramQty, ok, err := elementTo[Quantity](paramCollection[0], false)
		if err != nil || !ok {
			return nil, inputOrdered, nil
		}

		inputUnit := canonicalUCUMUnit(string(inputQty.Unit))
		paramUnit := canonicalUCUMUnit(string(paramQty.Unit))
		if inputUnit == paramUnit {
			return Collection{Boolean(true)}, inputOrdered, nil
		}

		return Collection{Boolean(unitConverter(ctx).Comparable(inputUnit, paramUnit))}, inputOrdered, nil
	},

	// Resource helpers
	"extension": func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 1 {
			return nil, false, fmt.Errorf("expected a single extension url parameter")
		}

		extURL, ok, err := stringParam(ctx, evaluate, parameters[0])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, fmt.Errorf("expected extension url string")
		}

		for _, v := range target {
			for _, e := range v.Children("extension") {
				u, ok, err := Singleton[String](e.Children("url"))
				if err == nil && ok && u == extURL {
					result = append(result, e)
					break
				}
			}
		}
		return result, inputOrdered, nil
	},

	// Terminology
	"memberOf": memberOf,
}

// sortKeyDirection strips a unary sign from a sort key expression. A
// leading minus marks the key as descending.
func sortKeyDirection(param Expression) (Expression, bool) {
	if p, ok := param.(PolarityExpression); ok {
		return p.Expr, p.Op == "-"
	}
	return param, false
}

func compareElementsForSort(a, b Element) (int, error) {
	cmp, ok, err := Collection{a}.Cmp(Collection{b})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("elements %T and %T are not comparable", a, b)
	}
	return cmp, nil
}

// compileRegex compiles a pattern with the supported i and m flags.
// Patterns run in single-line mode, . matches newlines.
func compileRegex(pattern, flags string) (*regexp.Regexp, error) {
	pattern = "(?s)" + pattern
	for _, flag := range flags {
		switch flag {
		case 'i':
			pattern = "(?i)" + pattern
		case 'm':
			pattern = "(?m)" + pattern
		default:
			return nil, fmt.Errorf("unsupported regex flag: %c", flag)
		}
	}

	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression: %v", err)
	}
	return regex, nil
}

func escapeHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#39;")
		default:
			if r > 127 {
				fmt.Fprintf(&b, "&#%d;", r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// escapeJSON escapes quotes, backslashes and control characters. Unlike
// json.Marshal it leaves <, > and & alone.
func escapeJSON(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unescapeJSON(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}

		switch s[i+1] {
		case '"':
			b.WriteByte('"')
			i++
		case '\\':
			b.WriteByte('\\')
			i++
		case '/':
			b.WriteByte('/')
			i++
		case 'b':
			b.WriteByte('\b')
			i++
		case 'f':
			b.WriteByte('\f')
			i++
		case 'n':
			b.WriteByte('\n')
			i++
		case 'r':
			b.WriteByte('\r')
			i++
		case 't':
			b.WriteByte('\t')
			i++
		case 'u':
			if i+5 < len(s) {
				var codePoint int
				if _, err := fmt.Sscanf(s[i+2:i+6], "%x", &codePoint); err == nil {
					b.WriteRune(rune(codePoint))
					i += 5
					continue
				}
			}
			// malformed unicode escape, keep as-is
			b.WriteByte(s[i])
		default:
			// unknown escape sequence, keep the backslash
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// decimalValue extracts a single Decimal from a collection, converting
// an Integer when necessary.
func decimalValue(c Collection, what string) (Decimal, error) {
	if d, ok, err := Singleton[Decimal](c); err == nil && ok {
		return d, nil
	}
	i, ok, err := Singleton[Integer](c)
	if err != nil || !ok {
		return Decimal{}, fmt.Errorf("expected Integer or Decimal %s but got %T", what, c[0])
	}
	return Decimal{Value: apd.New(int64(i), 0)}, nil
}

// integerPartFunc builds ceiling(), floor() and truncate().
func integerPartFunc(
	name string,
	round func(apdCtx *apd.Context, out, in *apd.Decimal) (apd.Condition, error),
) Function {
	return func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("%s() expects a single input element", name)
		}

		// whole numbers map to themselves
		if i, ok, err := Singleton[Integer](target); err == nil && ok {
			return Collection{i}, true, nil
		}

		d, ok, err := Singleton[Decimal](target)
		if err != nil || !ok {
			return nil, false, fmt.Errorf("expected Integer or Decimal but got %T", target[0])
		}

		var intPart apd.Decimal
		if _, err := round(apdContext(ctx), &intPart, d.Value); err != nil {
			return nil, false, err
		}
		intVal, err := intPart.Int64()
		if err != nil {
			return nil, false, err
		}

		return Collection{Integer(intVal)}, true, nil
	}
}

// decimalUnaryFunc builds exp() and ln().
func decimalUnaryFunc(
	name string,
	apply func(apdCtx *apd.Context, out, in *apd.Decimal) error,
) Function {
	return func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 0 {
			return nil, false, fmt.Errorf("expected no parameters")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("%s() expects a single input element", name)
		}

		d, ok, err := Singleton[Decimal](target)
		if err != nil || !ok {
			return nil, false, fmt.Errorf("expected Integer or Decimal but got %T", target[0])
		}

		var value apd.Decimal
		if err := apply(apdContext(ctx), &value, d.Value); err != nil {
			return nil, false, err
		}

		return Collection{Decimal{Value: &value}}, true, nil
	}
}

// boundaryFunc builds lowBoundary() and highBoundary().
func boundaryFunc(high bool) Function {
	return func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single input element")
		}
		if len(parameters) > 1 {
			return nil, false, fmt.Errorf("expected at most one precision parameter")
		}

		var override *int
		if len(parameters) == 1 {
			prec, ok, err := integerParam(ctx, evaluate, parameters[0])
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, false, fmt.Errorf("expected integer precision parameter")
			}
			p := int(prec)
			override = &p
		}

		decimalBoundary := func(value Decimal) (Decimal, bool, error) {
			if override != nil && (*override < 0 || *override > 31) {
				return Decimal{}, false, nil
			}
			var boundary Decimal
			var err error
			if high {
				boundary, err = value.HighBoundary(ctx, override)
			} else {
				boundary, err = value.LowBoundary(ctx, override)
			}
			return boundary, true, err
		}

		if value, ok, err := Singleton[Decimal](target); err == nil && ok {
			boundary, ok, err := decimalBoundary(value)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, true, nil
			}
			return Collection{boundary}, true, nil
		}

		if qty, ok, err := Singleton[Quantity](target); err == nil && ok {
			boundary, ok, err := decimalBoundary(qty.Value)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, true, nil
			}
			qty.Value = boundary
			return Collection{qty}, true, nil
		}

		if value, ok, err := Singleton[Date](target); err == nil && ok {
			var boundary Date
			if high {
				boundary, ok = value.HighBoundary(override)
			} else {
				boundary, ok = value.LowBoundary(override)
			}
			if !ok {
				return nil, true, nil
			}
			return Collection{boundary}, true, nil
		}

		if value, ok, err := Singleton[DateTime](target); err == nil && ok {
			var boundary DateTime
			if high {
				boundary, ok = value.HighBoundary(override)
			} else {
				boundary, ok = value.LowBoundary(override)
			}
			if !ok {
				return nil, true, nil
			}
			return Collection{boundary}, true, nil
		}

		if value, ok, err := Singleton[Time](target); err == nil && ok {
			var boundary Time
			if high {
				boundary, ok = value.HighBoundary(override)
			} else {
				boundary, ok = value.LowBoundary(override)
			}
			if !ok {
				return nil, true, nil
			}
			return Collection{boundary}, true, nil
		}

		return nil, false, fmt.Errorf("expected Decimal, Quantity, Date, DateTime, or Time but got %T", target[0])
	}
}

// Ranks of temporal components, coarsest first.
const (
	componentRankYear = iota + 1
	componentRankMonth
	componentRankDay
	componentRankHour
	componentRankMinute
	componentRankSecond
	componentRankMillisecond
)

// temporalComponents reports the wall-clock value of a temporal element
// and the rank of its finest known component.
func temporalComponents(e Element) (time.Time, int, bool) {
	switch v := e.(type) {
	case Date:
		switch v.Precision {
		case DatePrecisionYear:
			return v.Value, componentRankYear, true
		case DatePrecisionMonth:
			return v.Value, componentRankMonth, true
		default:
			return v.Value, componentRankDay, true
		}
	case DateTime:
		switch v.Precision {
		case DateTimePrecisionYear:
			return v.Value, componentRankYear, true
		case DateTimePrecisionMonth:
			return v.Value, componentRankMonth, true
		case DateTimePrecisionDay:
			return v.Value, componentRankDay, true
		case DateTimePrecisionHour:
			return v.Value, componentRankHour, true
		case DateTimePrecisionMinute:
			return v.Value, componentRankMinute, true
		case DateTimePrecisionSecond:
			return v.Value, componentRankSecond, true
		default:
			return v.Value, componentRankMillisecond, true
		}
	case Time:
		switch v.Precision {
		case TimePrecisionHour:
			return v.Value, componentRankHour, true
		case TimePrecisionMinute:
			return v.Value, componentRankMinute, true
		case TimePrecisionSecond:
			return v.Value, componentRankSecond, true
		default:
			return v.Value, componentRankMillisecond, true
		}
	}
	return time.Time{}, 0, false
}

// dateComponentFunc builds yearOf(), monthOf() and dayOf(). The input
// must be a Date or DateTime; components the value does not carry yield
// empty.
func dateComponentFunc(rank int, extract func(time.Time) Integer) Function {
	return func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(target) == 0 {
			return nil, inputOrdered, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single Date or DateTime, got %d items", len(target))
		}

		switch target[0].(type) {
		case Date, DateTime:
		default:
			return nil, false, fmt.Errorf("expected Date or DateTime, got %T", target[0])
		}

		value, available, _ := temporalComponents(target[0])
		if available < rank {
			return nil, inputOrdered, nil
		}
		return Collection{extract(value)}, inputOrdered, nil
	}
}

// timeComponentFunc builds hourOf() through millisecondOf(), accepting
// Date, DateTime and Time inputs.
func timeComponentFunc(rank int, extract func(time.Time) Integer) Function {
	return func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(target) == 0 {
			return nil, inputOrdered, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single Date, DateTime or Time, got %d items", len(target))
		}

		value, available, ok := temporalComponents(target[0])
		if !ok {
			return nil, false, fmt.Errorf("expected Date, DateTime or Time, got %T", target[0])
		}
		if available < rank {
			return nil, inputOrdered, nil
		}
		return Collection{extract(value)}, inputOrdered, nil
	}
}

// temporalDistanceFunc builds duration() and difference(). duration
// counts whole calendar periods between two values, difference counts
// calendar boundaries crossed.
func temporalDistanceFunc(boundaries bool) Function {
	name := "duration"
	if boundaries {
		name = "difference"
	}
	return func(
		ctx context.Context,
		root Element, target Collection,
		inputOrdered bool,
		parameters []Expression,
		evaluate EvaluateFunc,
	) (result Collection, resultOrdered bool, err error) {
		if len(parameters) != 2 {
			return nil, false, fmt.Errorf("expected 2 parameters (value, precision)")
		}
		if len(target) == 0 {
			return nil, true, nil
		}
		if len(target) > 1 {
			return nil, false, fmt.Errorf("expected single input element")
		}

		valueResult, _, err := evaluate(ctx, nil, parameters[0], nil)
		if err != nil {
			return nil, false, err
		}
		if len(valueResult) == 0 {
			return nil, true, nil
		}
		if len(valueResult) > 1 {
			return nil, false, fmt.Errorf("value parameter must return single element")
		}

		unit, ok, err := stringParam(ctx, evaluate, parameters[1])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}
		precision := normalizeTimeUnit(string(unit))

		if start, ok, _ := Singleton[Date](target); ok {
			end, ok, _ := Singleton[Date](valueResult)
			if !ok {
				return nil, false, fmt.Errorf("%s requires matching types", name)
			}
			switch precision {
			case UnitYear, UnitMonth, UnitWeek, UnitDay:
			default:
				return nil, false, fmt.Errorf("invalid precision for Date: %s", precision)
			}
			if !dateSupportsUnit(start, precision) || !dateSupportsUnit(end, precision) {
				return nil, true, nil
			}
			return Collection{Integer(signedSpan(start.Value, end.Value, precision, boundaries))}, true, nil
		}

		if start, ok, _ := Singleton[DateTime](target); ok {
			end, ok, _ := Singleton[DateTime](valueResult)
			if !ok {
				return nil, false, fmt.Errorf("%s requires matching types", name)
			}
			if !isTimeUnit(precision) {
				return nil, false, fmt.Errorf("invalid precision for DateTime: %s", precision)
			}
			if !dateTimeSupportsUnit(start, precision) || !dateTimeSupportsUnit(end, precision) {
				return nil, true, nil
			}
			return Collection{Integer(signedSpan(start.Value, end.Value, precision, boundaries))}, true, nil
		}

		if start, ok, _ := Singleton[Time](target); ok {
			end, ok, _ := Singleton[Time](valueResult)
			if !ok {
				return nil, false, fmt.Errorf("%s requires matching types", name)
			}
			switch precision {
			case UnitHour, UnitMinute, UnitSecond, UnitMillisecond:
			default:
				return nil, false, fmt.Errorf("invalid precision for Time: %s", precision)
			}
			if !timeSupportsUnit(start, precision) || !timeSupportsUnit(end, precision) {
				return nil, true, nil
			}
			return Collection{Integer(signedSpan(start.Value, end.Value, precision, boundaries))}, true, nil
		}

		return nil, false, fmt.Errorf("%s requires Date, DateTime, or Time input", name)
	}
}

// dateSupportsUnit reports whether the date carries the components the
// unit needs.
func dateSupportsUnit(d Date, unit string) bool {
	switch unit {
	case UnitYear:
		return true
	case UnitMonth:
		return d.Precision != DatePrecisionYear
	default:
		return d.Precision == DatePrecisionFull
	}
}

func dateTimeSupportsUnit(dt DateTime, unit string) bool {
	order := dateTimePrecisionOrder(dt.Precision)
	switch unit {
	case UnitYear, UnitMonth, UnitWeek, UnitDay:
		return true
	case UnitHour:
		return order >= dateTimePrecisionOrder(DateTimePrecisionHour)
	case UnitMinute:
		return order >= dateTimePrecisionOrder(DateTimePrecisionMinute)
	case UnitSecond:
		return order >= dateTimePrecisionOrder(DateTimePrecisionSecond)
	case UnitMillisecond:
		return order >= dateTimePrecisionOrder(DateTimePrecisionMillisecond)
	}
	return false
}

func timeSupportsUnit(t Time, unit string) bool {
	order := timePrecisionOrder(t.Precision)
	switch unit {
	case UnitHour:
		return true
	case UnitMinute:
		return order >= timePrecisionOrder(TimePrecisionMinute)
	case UnitSecond:
		return order >= timePrecisionOrder(TimePrecisionSecond)
	case UnitMillisecond:
		return order >= timePrecisionOrder(TimePrecisionMillisecond)
	}
	return false
}

// signedSpan computes the distance from start to end in the given unit.
// The result is negative when end precedes start.
func signedSpan(start, end time.Time, unit string, boundaries bool) int64 {
	sign := int64(1)
	if end.Before(start) {
		start, end = end, start
		sign = -1
	}
	if boundaries {
		return sign * boundariesBetween(start, end, unit)
	}
	return sign * periodsBetween(start, end, unit)
}

// periodsBetween counts whole periods of the unit elapsed between start
// and end, start <= end.
func periodsBetween(start, end time.Time, unit string) int64 {
	switch unit {
	case UnitYear:
		years := int64(end.Year() - start.Year())
		if withinYearBefore(end, start) {
			years--
		}
		return years
	case UnitMonth:
		months := int64(end.Year()-start.Year())*12 + int64(end.Month()-start.Month())
		if withinMonthBefore(end, start) {
			months--
		}
		return months
	case UnitWeek:
		return int64(end.Sub(start).Hours() / 24 / 7)
	case UnitDay:
		return int64(end.Sub(start).Hours() / 24)
	case UnitHour:
		return int64(end.Sub(start).Hours())
	case UnitMinute:
		return int64(end.Sub(start).Minutes())
	case UnitSecond:
		return int64(end.Sub(start).Seconds())
	case UnitMillisecond:
		return end.Sub(start).Milliseconds()
	}
	return 0
}

// withinYearBefore reports whether a's position within its year comes
// before b's position within its year.
func withinYearBefore(a, b time.Time) bool {
	if a.Month() != b.Month() {
		return a.Month() < b.Month()
	}
	return withinMonthBefore(a, b)
}

// withinMonthBefore reports whether a's position within its month comes
// before b's position within its month.
func withinMonthBefore(a, b time.Time) bool {
	if a.Day() != b.Day() {
		return a.Day() < b.Day()
	}
	if a.Hour() != b.Hour() {
		return a.Hour() < b.Hour()
	}
	if a.Minute() != b.Minute() {
		return a.Minute() < b.Minute()
	}
	return a.Second() < b.Second()
}

// boundariesBetween counts unit boundaries crossed between start and
// end, start <= end.
func boundariesBetween(start, end time.Time, unit string) int64 {
	switch unit {
	case UnitYear:
		return int64(end.Year() - start.Year())
	case UnitMonth:
		return int64(end.Year()-start.Year())*12 + int64(end.Month()-start.Month())
	case UnitWeek:
		// week boundaries fall on Sundays
		startSunday := floorToWeek(start)
		endSunday := floorToWeek(end)
		return int64(endSunday.Sub(startSunday).Hours() / 24 / 7)
	case UnitDay:
		return int64(floorToUnit(end, UnitDay).Sub(floorToUnit(start, UnitDay)).Hours() / 24)
	case UnitHour:
		return int64(floorToUnit(end, UnitHour).Sub(floorToUnit(start, UnitHour)).Hours())
	case UnitMinute:
		return int64(floorToUnit(end, UnitMinute).Sub(floorToUnit(start, UnitMinute)).Minutes())
	case UnitSecond:
		return int64(floorToUnit(end, UnitSecond).Sub(floorToUnit(start, UnitSecond)).Seconds())
	case UnitMillisecond:
		return end.Sub(start).Milliseconds()
	}
	return 0
}

func floorToWeek(t time.Time) time.Time {
	day := floorToUnit(t, UnitDay)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

func floorToUnit(t time.Time, unit string) time.Time {
	switch unit {
	case UnitDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case UnitHour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	case UnitMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
	case UnitSecond:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, t.Location())
	}
	return t
}
