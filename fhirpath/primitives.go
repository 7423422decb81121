package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/fhirkit/fhirpath-go/fhirpath/internal/overflow"
)

type Boolean bool

func (b Boolean) Children(name ...string) Collection {
	return nil
}

func (b Boolean) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	return b, true, nil
}
func (b Boolean) ToString(explicit bool) (v String, ok bool, err error) {
	if explicit {
		return String(b.String()), true, nil
	}
	return "", false, implicitConversionError[Boolean, String](b)
}
func (b Boolean) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	if explicit {
		if b {
			return 1, true, nil
		}
		return 0, true, nil
	}
	return 0, false, implicitConversionError[Boolean, Integer](b)
}
func (b Boolean) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	if explicit {
		if b {
			return Decimal{Value: apd.New(10, -1)}, true, nil
		}
		return Decimal{Value: apd.New(0, -1)}, true, nil
	}
	return Decimal{}, false, implicitConversionError[Boolean, Decimal](b)
}
func (b Boolean) ToDate(explicit bool) (v Date, ok bool, err error) {
	return Date{}, false, conversionError[Boolean, Date]()
}
func (b Boolean) ToTime(explicit bool) (v Time, ok bool, err error) {
	return Time{}, false, conversionError[Boolean, Time]()
}
func (b Boolean) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{}, false, conversionError[Boolean, DateTime]()
}
func (b Boolean) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	if explicit {
		if b {
			return Quantity{Value: Decimal{Value: apd.New(10, -1)}, Unit: "1"}, true, nil
		}
		return Quantity{Value: Decimal{Value: apd.New(0, -1)}, Unit: "1"}, true, nil
	}
	return Quantity{}, false, conversionError[Boolean, Quantity]()
}
func (b Boolean) Equal(other Element) (eq bool, ok bool) {
	o, ok, err := other.ToBoolean(false)
	if err == nil && ok {
		return b == o, true
	}
	if isStringish(other) {
		return other.Equal(b)
	}
	return false, true
}
func (b Boolean) Equivalent(other Element) bool {
	eq, ok := b.Equal(other)
	return ok && eq
}
func (b Boolean) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "Boolean",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (b Boolean) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(b))
}
func (b Boolean) String() string {
	return strconv.FormatBool(bool(b))
}

type String string

func (s String) Children(name ...string) Collection {
	return nil
}

func (s String) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	if explicit {
		if slices.Contains([]string{"true", "t", "yes", "y", "1", "1.0"}, strings.ToLower(string(s))) {
			return true, true, nil
		} else if slices.Contains([]string{"false", "f", "no", "n", "0", "0.0"}, strings.ToLower(string(s))) {
			return false, true, nil
		}
		return false, false, nil
	}
	return false, false, implicitConversionError[String, Boolean](s)
}
func (s String) ToString(explicit bool) (v String, ok bool, err error) {
	return s, true, nil
}
func (s String) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	if explicit {
		val, err := strconv.ParseInt(string(s), 10, 64)
		if err != nil {
			return 0, false, nil
		}
		return Integer(val), true, nil
	}
	return 0, false, implicitConversionError[String, Integer](s)
}
func (s String) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	if explicit {
		d, _, err := apd.NewFromString(string(s))
		if err != nil {
			return Decimal{}, false, nil
		}
		return Decimal{Value: d}, true, nil
	}
	return Decimal{}, false, implicitConversionError[String, Decimal](s)
}
func (s String) ToDate(explicit bool) (v Date, ok bool, err error) {
	if explicit {
		d, err := ParseDate(string(s))
		if err != nil {
			return Date{}, false, nil
		}
		return d, true, nil
	}
	return Date{}, false, implicitConversionError[String, Date](s)
}
func (s String) ToTime(explicit bool) (v Time, ok bool, err error) {
	if explicit {
		t, err := ParseTime(string(s))
		if err != nil {
			return Time{}, false, nil
		}
		return t, true, nil
	}
	return Time{}, false, implicitConversionError[String, Time](s)
}
func (s String) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	if explicit {
		dt, err := ParseDateTime(string(s))
		if err != nil {
			return DateTime{}, false, nil
		}
		return dt, true, nil
	}
	return DateTime{}, false, implicitConversionError[String, DateTime](s)
}
func (s String) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	q, err := ParseQuantity(string(s))
	if err != nil {
		return Quantity{}, false, nil
	}
	return q, true, nil
}
func (s String) Equal(other Element) (eq bool, ok bool) {
	o, ok, err := other.ToString(false)
	if err == nil && ok {
		return s == o, true
	}
	return false, ok && err == nil
}

var whitespaceReplaceRegex = regexp.MustCompile("[\t\r\n]")

func (s String) Equivalent(other Element) bool {
	o, ok, err := other.ToString(false)
	if err == nil && ok {
		return whitespaceReplaceRegex.ReplaceAllString(strings.ToLower(string(s)), " ") ==
			whitespaceReplaceRegex.ReplaceAllString(strings.ToLower(string(o)), " ")
	}
	return false
}
func (s String) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToString(false)
	if err != nil || !ok {
		return 0, false, fmt.Errorf("can not compare String to %T, left: %v right: %v", other, s, other)
	}
	return strings.Compare(string(s), string(o)), true, nil
}
func (s String) Add(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToString(false)
	if err != nil {
		return nil, fmt.Errorf("can not add %T to String, %v + %v", other, s, other)
	}
	if !ok {
		return nil, nil
	}
	return s + o, nil
}
func (s String) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "String",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (s String) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}
func (s String) String() string {
	return fmt.Sprintf("'%s'", string(s))
}

func isStringish(e Element) bool {
	switch e.(type) {
	case String, *String:
		return true
	default:
		return false
	}
}

func canDelegateNumeric(e Element) bool {
	switch e.(type) {
	case Decimal, *Decimal, Quantity, *Quantity, String, *String:
		return true
	default:
		return false
	}
}

func canDelegateDecimal(e Element) bool {
	switch e.(type) {
	case Quantity, *Quantity, String, *String:
		return true
	default:
		return false
	}
}

// Integer is a 64-bit whole number.
type Integer int64

func (i Integer) Children(name ...string) Collection {
	return nil
}

func (i Integer) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	if explicit {
		switch i {
		case 0:
			return false, true, nil
		case 1:
			return true, true, nil
		default:
			return false, false, nil
		}
	}
	return false, false, implicitConversionError[Integer, Boolean](i)
}
func (i Integer) ToString(explicit bool) (v String, ok bool, err error) {
	return String(i.String()), true, nil
}
func (i Integer) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	return i, true, nil
}
func (i Integer) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	return Decimal{Value: apd.New(int64(i), 0)}, true, nil
}
func (i Integer) ToDate(explicit bool) (v Date, ok bool, err error) {
	return Date{}, false, conversionError[Integer, Date]()
}
func (i Integer) ToTime(explicit bool) (v Time, ok bool, err error) {
	return Time{}, false, conversionError[Integer, Time]()
}
func (i Integer) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{}, false, conversionError[Integer, DateTime]()
}
func (i Integer) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return Quantity{
		Value: Decimal{Value: apd.New(int64(i), 0)},
		Unit:  "1",
	}, true, nil
}
func (i Integer) Equal(other Element) (eq bool, ok bool) {
	o, ok, err := other.ToInteger(false)
	if err == nil && ok {
		return i == o, true
	}
	if canDelegateNumeric(other) {
		return other.Equal(i)
	}
	return false, true
}
func (i Integer) Equivalent(other Element) bool {
	eq, ok := i.Equal(other)
	return ok && eq
}
func (i Integer) Cmp(other Element) (cmp int, ok bool, err error) {
	d, _, _ := i.ToDecimal(false)
	cmp, ok, err = d.Cmp(other)
	if err != nil || !ok {
		return 0, false, fmt.Errorf("can not compare Integer to %T, left: %v right: %v", other, i, other)
	}
	return cmp, true, nil
}
func (i Integer) Multiply(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		result, ok := overflow.Mul(int64(i), int64(o))
		if !ok {
			return nil, nil
		}
		return Integer(result), nil
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Multiply(ctx, o)
	}
	return nil, fmt.Errorf("can not multiply Integer with %T: %v * %v", other, i, other)
}
func (i Integer) Divide(ctx context.Context, other Element) (Element, error) {
	d, _, _ := i.ToDecimal(false)
	return d.Divide(ctx, other)
}
func (i Integer) Div(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		result, ok := overflow.Div(int64(i), int64(o))
		if !ok {
			return nil, nil
		}
		return Integer(result), nil
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Div(ctx, o)
	}
	return nil, fmt.Errorf("can not div Integer with %T: %v div %v", other, i, other)
}
func (i Integer) Mod(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		result, ok := overflow.Mod(int64(i), int64(o))
		if !ok {
			return nil, nil
		}
		return Integer(result), nil
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Mod(ctx, o)
	}
	return nil, fmt.Errorf("can not mod Integer with %T: %v mod %v", other, i, other)
}
func (i Integer) Add(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		result, ok := overflow.Add(int64(i), int64(o))
		if !ok {
			return nil, nil
		}
		return Integer(result), nil
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Add(ctx, o)
	}
	return nil, fmt.Errorf("can not add Integer and %T: %v + %v", other, i, other)
}
func (i Integer) Subtract(ctx context.Context, other Element) (Element, error) {
	switch o := other.(type) {
	case Integer:
		result, ok := overflow.Sub(int64(i), int64(o))
		if !ok {
			return nil, nil
		}
		return Integer(result), nil
	case Decimal:
		d, _, _ := i.ToDecimal(false)
		return d.Subtract(ctx, o)
	}
	return nil, fmt.Errorf("can not subtract %T from Integer: %v - %v", other, i, other)
}
func (i Integer) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "Integer",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (i Integer) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(i))
}
func (i Integer) String() string {
	return strconv.FormatInt(int64(i), 10)
}

type Decimal struct {
	defaultConversionError[Decimal]
	Value *apd.Decimal
}

func (d Decimal) Children(name ...string) Collection {
	return nil
}

func (d Decimal) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	if explicit {
		if d.Value.Cmp(apd.New(1, 0)) == 0 {
			return true, true, nil
		} else if d.Value.Cmp(apd.New(0, 0)) == 0 {
			return false, true, nil
		}
		return false, false, nil
	}
	return false, false, implicitConversionError[Decimal, Boolean](d)
}
func (d Decimal) ToString(explicit bool) (v String, ok bool, err error) {
	return String(d.String()), true, nil
}
func (d Decimal) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	return d, true, nil
}
func (d Decimal) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return Quantity{Value: d, Unit: "1"}, true, nil
}
func (d Decimal) Equal(other Element) (eq bool, ok bool) {
	o, ok, err := other.ToDecimal(false)
	if err == nil && ok {
		return d.Value.Cmp(o.Value) == 0, true
	}
	if canDelegateDecimal(other) {
		return other.Equal(d)
	}
	return false, true
}
func (d Decimal) Equivalent(other Element) bool {
	o, ok, err := other.ToDecimal(false)
	if err == nil && ok {
		prec := uint32(min(d.Value.NumDigits(), o.Value.NumDigits()))
		ctx := apd.BaseContext.WithPrecision(prec)
		var a, b apd.Decimal
		_, err = ctx.Round(&a, d.Value)
		if err != nil {
			return false
		}
		_, err = ctx.Round(&b, o.Value)
		if err != nil {
			return false
		}
		return a.Cmp(&b) == 0
	}
	if canDelegateDecimal(other) {
		return other.Equivalent(d)
	}
	return false
}
func (d Decimal) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return 0, false, fmt.Errorf("can not compare Decimal to %T, left: %v right: %v", other, d, other)
	}
	return d.Value.Cmp(o.Value), true, nil
}
func (d Decimal) Multiply(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not multiply Decimal with %T: %v * %v", other, d, other)
	}
	var res apd.Decimal
	_, err = apdContext(ctx).Mul(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Divide(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not divide Decimal with %T: %v / %v", other, d, other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	_, err = apdContext(ctx).Quo(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Div(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not div Decimal with %T: %v div %v", other, d, other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	_, err = apdContext(ctx).QuoInteger(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Mod(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not mod Decimal with %T: %v mod %v", other, d, other)
	}
	if o.Value.IsZero() {
		return nil, nil
	}
	var res apd.Decimal
	_, err = apdContext(ctx).Rem(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Add(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not add Decimal and %T: %v + %v", other, d, other)
	}
	var res apd.Decimal
	_, err = apdContext(ctx).Add(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}
func (d Decimal) Subtract(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToDecimal(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not subtract %T from Decimal: %v - %v", other, d, other)
	}
	var res apd.Decimal
	_, err = apdContext(ctx).Sub(&res, d.Value, o.Value)
	if err != nil {
		return nil, err
	}
	return Decimal{Value: &res}, nil
}

// Precision returns the number of decimal places of the value.
func (d Decimal) Precision() int {
	if d.Value.Exponent < 0 {
		return int(-d.Value.Exponent)
	}
	return 0
}

// LowBoundary returns the lower end of the precision interval of the
// value, formatted to outputPrecision decimal places (default 8).
func (d Decimal) LowBoundary(ctx context.Context, outputPrecision *int) (Decimal, error) {
	return d.boundary(ctx, outputPrecision, apd.RoundFloor, false)
}

// HighBoundary returns the upper end of the precision interval of the
// value, formatted to outputPrecision decimal places (default 8).
func (d Decimal) HighBoundary(ctx context.Context, outputPrecision *int) (Decimal, error) {
	return d.boundary(ctx, outputPrecision, apd.RoundCeiling, true)
}

func (d Decimal) boundary(ctx context.Context, outputPrecision *int, rounding apd.Rounder, high bool) (Decimal, error) {
	targetPrecision := 8
	if outputPrecision != nil {
		targetPrecision = *outputPrecision
	}

	originalPrecision := d.Precision()

	calcCtx := *apdContext(ctx)
	calcCtx.Rounding = rounding
	minPrecision := uint32(originalPrecision + targetPrecision + 2)
	if calcCtx.Precision < minPrecision {
		calcCtx.Precision = minPrecision
	}

	// Half-width of the precision interval: 0.5 * 10^(-originalPrecision).
	var halfWidth apd.Decimal
	halfWidth.SetFinite(5, -1-int32(originalPrecision))

	var result apd.Decimal
	var err error
	if high {
		_, err = calcCtx.Add(&result, d.Value, &halfWidth)
	} else {
		_, err = calcCtx.Sub(&result, d.Value, &halfWidth)
	}
	if err != nil {
		return Decimal{}, err
	}

	var formatted apd.Decimal
	_, err = calcCtx.Quantize(&formatted, &result, -int32(targetPrecision))
	if err != nil {
		return Decimal{}, err
	}

	return Decimal{Value: &formatted}, nil
}

func (d Decimal) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "Decimal",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Value)
}
func (d Decimal) String() string {
	return d.Value.Text('f')
}

// ParseDecimal parses a decimal from its literal representation.
func ParseDecimal(s string) (Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("invalid Decimal format: %s", s)
	}
	return Decimal{Value: d}, nil
}
