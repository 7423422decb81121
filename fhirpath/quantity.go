package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Quantity is a decimal value paired with a unit of measure.
//
// Units are either UCUM codes (written in single quotes in expressions)
// or bare calendar duration words such as "days".
type Quantity struct {
	defaultConversionError[Quantity]
	Value Decimal
	Unit  String
}

// calendarUnits are the duration words accepted as bare quantity units.
var calendarUnits = map[string]bool{
	"year": true, "years": true,
	"month": true, "months": true,
	"week": true, "weeks": true,
	"day": true, "days": true,
	"hour": true, "hours": true,
	"minute": true, "minutes": true,
	"second": true, "seconds": true,
	"millisecond": true, "milliseconds": true,
}

func (q Quantity) Children(name ...string) Collection {
	return nil
}
func (q Quantity) ToString(explicit bool) (v String, ok bool, err error) {
	return String(q.String()), true, nil
}
func (q Quantity) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return q, true, nil
}
func (q Quantity) Equal(other Element) (eq bool, ok bool) {
	o, ok, err := other.ToQuantity(false)
	if err == nil && ok {
		leftOrigUnit := q.Unit
		rightOrigUnit := o.Unit
		left := q.canonicalizeUnit()
		right := o.canonicalizeUnit()
		if calendarEqualityRestricted(leftOrigUnit, rightOrigUnit, left.Unit) {
			// Calendar duration quantities in years or months are not
			// comparable to the corresponding definite UCUM durations,
			// equality yields empty.
			return false, false
		}
		converted, convErr := convertQuantityToUnit(nil, right, left.Unit)
		if convErr != nil {
			return false, false
		}
		eq, eqOK := left.Value.Equal(converted.Value)
		return eq && eqOK, true
	}
	if isStringish(other) {
		return other.Equal(q)
	}
	return false, true
}
func (q Quantity) Equivalent(other Element) bool {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return false
	}

	left := q.canonicalizeUnit()
	right := o.canonicalizeUnit()
	converted, convErr := convertQuantityToUnit(nil, right, left.Unit)
	if convErr != nil {
		return false
	}
	return left.Value.Equivalent(converted.Value)
}
func (q Quantity) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return 0, false, fmt.Errorf("can not compare Quantity to %T, left: %v right: %v", other, q, other)
	}
	left := q.canonicalizeUnit()
	right := o.canonicalizeUnit()
	converted, convErr := convertQuantityToUnit(nil, right, left.Unit)
	if convErr != nil {
		return 0, false, fmt.Errorf("quantity units do not match, left: %v right: %v", left, right)
	}
	return left.Value.Cmp(converted.Value)
}
func (q Quantity) Multiply(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not multiply Quantity with %T: %v * %v", other, q, other)
	}
	left := q.canonicalizeUnit()
	right := o.canonicalizeUnit()

	value, err := left.Value.Multiply(ctx, right.Value)
	if err != nil {
		return Quantity{}, err
	}

	return Quantity{Value: value.(Decimal), Unit: formatProductUnit(left.Unit, right.Unit)}, nil
}
func (q Quantity) Divide(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not divide Quantity with %T: %v / %v", other, q, other)
	}
	left := q.canonicalizeUnit()
	right := o.canonicalizeUnit()

	value, err := left.Value.Divide(ctx, right.Value)
	if err != nil {
		return Quantity{}, err
	}
	if value == nil {
		// division by zero
		return nil, nil
	}
	return Quantity{Value: value.(Decimal), Unit: formatDivisionUnit(left.Unit, right.Unit)}, nil
}
func (q Quantity) Add(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not add Quantity and %T: %v + %v", other, q, other)
	}
	left := q.canonicalizeUnit()
	right := o.canonicalizeUnit()

	converted, convErr := convertQuantityToUnit(ctx, right, left.Unit)
	if convErr != nil {
		return Quantity{}, fmt.Errorf("quantity units do not match, left: %v right: %v", left, right)
	}

	var sum apd.Decimal
	_, err = apdContext(ctx).Add(&sum, left.Value.Value, converted.Value.Value)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: Decimal{Value: &sum}, Unit: left.Unit}, nil
}
func (q Quantity) Subtract(ctx context.Context, other Element) (Element, error) {
	o, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not subtract %T from Quantity: %v - %v", other, q, other)
	}
	left := q.canonicalizeUnit()
	right := o.canonicalizeUnit()

	converted, convErr := convertQuantityToUnit(ctx, right, left.Unit)
	if convErr != nil {
		return Quantity{}, fmt.Errorf("quantity units do not match, left: %v right: %v", left, right)
	}

	var diff apd.Decimal
	_, err = apdContext(ctx).Sub(&diff, left.Value.Value, converted.Value.Value)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: Decimal{Value: &diff}, Unit: left.Unit}, nil
}

func (q Quantity) canonicalizeUnit() Quantity {
	q.Unit = canonicalQuantityUnit(q.Unit)
	return q
}

func canonicalQuantityUnit(unit String) String {
	if unit == "" {
		return "1"
	}
	canonical := canonicalUCUMUnit(string(unit))
	if canonical == "" {
		return "1"
	}
	return String(canonical)
}

// calendarEqualityRestricted reports whether the equality operator must
// treat the operands as non-comparable, yielding empty. This is the case
// when a calendar duration word meets the UCUM code of a variable-length
// duration ("a" or "mo").
func calendarEqualityRestricted(leftOriginal, rightOriginal, canonicalUnit String) bool {
	leftLiteral := isCalendarLiteralUnit(leftOriginal)
	rightLiteral := isCalendarLiteralUnit(rightOriginal)
	if leftLiteral == rightLiteral {
		return false
	}
	return isVariableLengthCalendarUnit(canonicalUnit)
}

func isCalendarLiteralUnit(unit String) bool {
	return calendarUnits[strings.ToLower(string(unit))]
}

func isVariableLengthCalendarUnit(unit String) bool {
	switch strings.ToLower(string(unit)) {
	case "a", "mo":
		return true
	default:
		return false
	}
}

func convertQuantityToUnit(ctx context.Context, q Quantity, unit String) (Quantity, error) {
	target := canonicalQuantityUnit(unit)
	q = q.canonicalizeUnit()

	if q.Unit == target {
		return q, nil
	}

	converted, err := convertDecimalUnit(ctx, q.Value.Value, string(q.Unit), string(target))
	if err != nil {
		return Quantity{}, err
	}

	return Quantity{
		Value: Decimal{Value: converted},
		Unit:  target,
	}, nil
}

func formatProductUnit(left, right String) String {
	switch {
	case left == "1":
		return right
	case right == "1":
		return left
	}
	return String(fmt.Sprintf("%s.%s", wrapNumerator(left), wrapNumerator(right)))
}

func formatDivisionUnit(numerator, denominator String) String {
	switch {
	case numerator == denominator:
		return "1"
	case denominator == "1":
		return numerator
	case numerator == "1":
		return String(fmt.Sprintf("1/%s", wrapDenominator(denominator)))
	}
	return String(fmt.Sprintf("%s/%s", wrapNumerator(numerator), wrapDenominator(denominator)))
}

func wrapNumerator(u String) string {
	s := string(u)
	if strings.ContainsRune(s, '/') {
		return fmt.Sprintf("(%s)", s)
	}
	return s
}

func wrapDenominator(u String) string {
	s := string(u)
	if strings.ContainsAny(s, "./") {
		return fmt.Sprintf("(%s)", s)
	}
	return s
}

func (q Quantity) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "Quantity",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}
func (q Quantity) String() string {
	u := strings.TrimSpace(string(q.Unit))
	if u == "" {
		return q.Value.String()
	}
	display := displayQuantityUnit(q.Unit)
	if isCalendarLiteralUnit(q.Unit) {
		return fmt.Sprintf("%s %s", q.Value.String(), display)
	}
	return fmt.Sprintf("%s '%s'", q.Value.String(), display)
}

// ParseQuantity parses a quantity literal such as "4 days" or
// "185 'cm'". A bare number parses with the default unit "1".
func ParseQuantity(s string) (Quantity, error) {
	expr, err := Parse(s)
	if err != nil {
		return Quantity{}, fmt.Errorf("cannot parse quantity '%s': %v", s, err)
	}

	switch lit := expr.(type) {
	case QuantityLiteral:
		return lit.Value, nil
	case IntegerLiteral:
		return Quantity{Value: Decimal{Value: apd.New(lit.Value, 0)}, Unit: "1"}, nil
	case DecimalLiteral:
		return Quantity{Value: Decimal{Value: lit.Value}, Unit: "1"}, nil
	default:
		return Quantity{}, fmt.Errorf("cannot parse quantity '%s'", s)
	}
}
