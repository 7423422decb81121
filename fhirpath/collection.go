package fhirpath

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Collection is an ordered list of elements. The empty collection
// represents the absence of a value; single values are collections of
// length one.
type Collection []Element

// Equal implements the "=" comparison. ok is false when the comparison
// is indeterminate (an empty operand or an indeterminate item pair) and
// the result is empty.
func (c Collection) Equal(other Collection) (eq bool, ok bool) {
	if len(c) == 0 || len(other) == 0 {
		return false, false
	}
	if len(c) != len(other) {
		return false, true
	}
	for i, e := range c {
		eq, ok := e.Equal(other[i])
		if !ok || !eq {
			return false, ok
		}
	}
	return true, true
}

// Equivalent implements the "~" comparison. It is total: two empty
// collections are equivalent and item order does not matter.
func (c Collection) Equivalent(other Collection) bool {
	if len(c) == 0 && len(other) == 0 {
		return true
	}
	if len(c) != len(other) {
		return false
	}

outer:
	for _, e := range c {
		for _, o := range other {
			if e.Equivalent(o) {
				continue outer
			}
		}
		return false
	}
	return true
}

func (c Collection) Cmp(other Collection) (cmp int, ok bool, err error) {
	if len(c) == 0 || len(other) == 0 {
		return 0, false, nil
	}
	if len(c) != 1 || len(other) != 1 {
		return 0, false, fmt.Errorf("can not compare collections with len != 1: %v and %v", c, other)
	}

	left, ok := c[0].(cmpElement)
	if !ok {
		primitive, _ := toPrimitive(c[0])
		left, ok = primitive.(cmpElement)
	}
	if !ok {
		return 0, false, errors.New("only strings, integers, decimals, quantities, dates, datetimes and times can be compared")
	}
	right := other[0]

	return left.Cmp(right)
}

// Union merges both collections, eliminating duplicates.
func (c Collection) Union(other Collection) Collection {
	if len(c) == 0 {
		return slices.Clone(other)
	}
	if len(other) == 0 {
		return slices.Clone(c)
	}

	var union Collection

outer1:
	for _, e := range c {
		for _, u := range union {
			eq, ok := e.Equal(u)
			if ok && eq {
				continue outer1
			}
		}
		union = append(union, e)
	}

outer2:
	for _, e := range other {
		for _, u := range union {
			eq, ok := e.Equal(u)
			if ok && eq {
				continue outer2
			}
		}
		union = append(union, e)
	}

	return union
}

// Combine merges both collections without eliminating duplicates.
func (c Collection) Combine(other Collection) Collection {
	if len(c) == 0 {
		return slices.Clone(other)
	}
	if len(other) == 0 {
		return slices.Clone(c)
	}

	combined := slices.Clone(c)
	combined = append(combined, other...)

	return combined
}

func (c Collection) Contains(element Element) bool {
	for _, e := range c {
		eq, ok := e.Equal(element)
		if ok && eq {
			return true
		}
	}
	return false
}

func (c Collection) Multiply(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	if len(c) != 1 {
		return nil, fmt.Errorf("left value for multiplication has len != 1: %v", c)
	}
	if len(other) != 1 {
		return nil, fmt.Errorf("right value for multiplication has len != 1: %v", other)
	}

	left, ok := c[0].(multiplyElement)
	if !ok {
		primitive, _ := toPrimitive(c[0])
		left, ok = primitive.(multiplyElement)
	}
	if !ok {
		return nil, errors.New("can only multiply Integer, Decimal or Quantity")
	}

	res, err := left.Multiply(ctx, other[0])
	if err != nil {
		return nil, err
	}
	return Collection{res}, nil
}

func (c Collection) Divide(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	if len(c) != 1 {
		return nil, fmt.Errorf("left value for division has len != 1: %v", c)
	}
	if len(other) != 1 {
		return nil, fmt.Errorf("right value for division has len != 1: %v", other)
	}

	left, ok := c[0].(divideElement)
	if !ok {
		primitive, _ := toPrimitive(c[0])
		left, ok = primitive.(divideElement)
	}
	if !ok {
		return nil, errors.New("can only divide Integer, Decimal or Quantity")
	}

	res, err := left.Divide(ctx, other[0])
	if err != nil {
		return nil, err
	}
	if res == nil {
		// division by zero yields empty
		return nil, nil
	}
	return Collection{res}, nil
}

func (c Collection) Div(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	if len(c) != 1 {
		return nil, fmt.Errorf("left value for div has len != 1: %v", c)
	}
	if len(other) != 1 {
		return nil, fmt.Errorf("right value for div has len != 1: %v", other)
	}

	left, ok := c[0].(divElement)
	if !ok {
		primitive, _ := toPrimitive(c[0])
		left, ok = primitive.(divElement)
	}
	if !ok {
		return nil, errors.New("can only div Integer or Decimal")
	}

	res, err := left.Div(ctx, other[0])
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return Collection{res}, nil
}

func (c Collection) Mod(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	if len(c) != 1 {
		return nil, fmt.Errorf("left value for mod has len != 1: %v", c)
	}
	if len(other) != 1 {
		return nil, fmt.Errorf("right value for mod has len != 1: %v", other)
	}

	left, ok := c[0].(modElement)
	if !ok {
		primitive, _ := toPrimitive(c[0])
		left, ok = primitive.(modElement)
	}
	if !ok {
		return nil, errors.New("can only mod Integer or Decimal")
	}

	res, err := left.Mod(ctx, other[0])
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return Collection{res}, nil
}

func (c Collection) Add(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	if len(c) != 1 {
		return nil, fmt.Errorf("left value for addition has len != 1: %v", c)
	}
	if len(other) != 1 {
		return nil, fmt.Errorf("right value for addition has len != 1: %v", other)
	}

	left, ok := c[0].(addElement)
	if !ok {
		primitive, _ := toPrimitive(c[0])
		left, ok = primitive.(addElement)
	}
	if !ok {
		return nil, errors.New("can only add Integer, Decimal, Quantity, String, Date, DateTime and Time")
	}

	res, err := left.Add(ctx, other[0])
	if err != nil {
		return nil, err
	}
	return Collection{res}, nil
}

func (c Collection) Subtract(ctx context.Context, other Collection) (Collection, error) {
	if len(c) == 0 || len(other) == 0 {
		return nil, nil
	}
	if len(c) != 1 {
		return nil, fmt.Errorf("left value for subtraction has len != 1: %v", c)
	}
	if len(other) != 1 {
		return nil, fmt.Errorf("right value for subtraction has len != 1: %v", other)
	}

	left, ok := c[0].(subtractElement)
	if !ok {
		primitive, _ := toPrimitive(c[0])
		left, ok = primitive.(subtractElement)
	}
	if !ok {
		return nil, errors.New("can only subtract Integer, Decimal, Quantity, Date, DateTime and Time")
	}

	res, err := left.Subtract(ctx, other[0])
	if err != nil {
		return nil, err
	}
	return Collection{res}, nil
}

// Concat implements "&". Empty operands count as empty strings.
func (c Collection) Concat(ctx context.Context, other Collection) (Collection, error) {
	if len(c) > 1 {
		return nil, fmt.Errorf("left value for concat has len > 1: %v", c)
	}
	if len(other) > 1 {
		return nil, fmt.Errorf("right value for concat has len > 1: %v", other)
	}
	if len(c) == 0 && len(other) == 0 {
		return Collection{String("")}, nil
	}

	var left, right String
	if len(c) == 1 {
		s, ok, err := elementTo[String](c[0], false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("can only concat String, got left %T: %v", c[0], c[0])
		}
		left = s
	}
	if len(other) == 1 {
		s, ok, err := elementTo[String](other[0], false)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("can only concat String, got right %T: %v", other[0], other[0])
		}
		right = s
	}
	return Collection{left + right}, nil
}

func (c Collection) String() string {
	if len(c) == 0 {
		return "{ }"
	}

	var b strings.Builder
	b.WriteString("{ ")

	for _, e := range c[:len(c)-1] {
		_, _ = fmt.Fprint(&b, e, ", ")
	}
	_, _ = fmt.Fprint(&b, c[len(c)-1])

	b.WriteString(" }")
	return b.String()
}

func elementTo[T Element](e Element, explicit bool) (v T, ok bool, err error) {
	switch any(v).(type) {
	case Boolean:
		v, ok, err := e.ToBoolean(explicit)
		return any(v).(T), ok, err
	case String:
		v, ok, err := e.ToString(explicit)
		return any(v).(T), ok, err
	case Integer:
		v, ok, err := e.ToInteger(explicit)
		return any(v).(T), ok, err
	case Decimal:
		v, ok, err := e.ToDecimal(explicit)
		return any(v).(T), ok, err
	case Date:
		v, ok, err := e.ToDate(explicit)
		return any(v).(T), ok, err
	case Time:
		v, ok, err := e.ToTime(explicit)
		return any(v).(T), ok, err
	case DateTime:
		v, ok, err := e.ToDateTime(explicit)
		return any(v).(T), ok, err
	case Quantity:
		v, ok, err := e.ToQuantity(explicit)
		return any(v).(T), ok, err
	default:
		return v, false, fmt.Errorf("can not convert to type %T", v)
	}
}

// toPrimitive unwraps an element to its system primitive where an
// implicit conversion exists.
func toPrimitive(e Element) (Element, bool) {
	if p, ok, err := e.ToBoolean(false); err == nil && ok {
		return p, true
	}
	if p, ok, err := e.ToString(false); err == nil && ok {
		return p, true
	}
	if p, ok, err := e.ToInteger(false); err == nil && ok {
		return p, true
	}
	if p, ok, err := e.ToDecimal(false); err == nil && ok {
		return p, true
	}
	if p, ok, err := e.ToDateTime(false); err == nil && ok {
		return p, true
	}
	if p, ok, err := e.ToDate(false); err == nil && ok {
		return p, true
	}
	if p, ok, err := e.ToTime(false); err == nil && ok {
		return p, true
	}
	if p, ok, err := e.ToQuantity(false); err == nil && ok {
		return p, true
	}
	return e, false
}
