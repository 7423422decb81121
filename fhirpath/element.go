package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Element is a node of the evaluated document tree.
//
// All values flowing through an evaluation implement Element: the system
// primitives defined in this package, generic Object nodes decoded from
// JSON, and any application-defined node types.
type Element interface {
	// Children returns all child nodes with the given names.
	//
	// If no name is passed, all children are returned.
	Children(name ...string) Collection
	ToBoolean(explicit bool) (v Boolean, ok bool, err error)
	ToString(explicit bool) (v String, ok bool, err error)
	ToInteger(explicit bool) (v Integer, ok bool, err error)
	ToDecimal(explicit bool) (v Decimal, ok bool, err error)
	ToDate(explicit bool) (v Date, ok bool, err error)
	ToTime(explicit bool) (v Time, ok bool, err error)
	ToDateTime(explicit bool) (v DateTime, ok bool, err error)
	ToQuantity(explicit bool) (v Quantity, ok bool, err error)
	// Equal implements strict equality. ok is false when the
	// comparison is indeterminate and must yield empty.
	Equal(other Element) (eq bool, ok bool)
	Equivalent(other Element) bool
	TypeInfo() TypeInfo
	json.Marshaler
	fmt.Stringer
}

type cmpElement interface {
	Element
	// Cmp may report ok=false, because attempting to compare values
	// of different precision or incompatible units yields empty ({ }).
	Cmp(other Element) (cmp int, ok bool, err error)
}

type multiplyElement interface {
	Element
	Multiply(ctx context.Context, other Element) (Element, error)
}

type divideElement interface {
	Element
	Divide(ctx context.Context, other Element) (Element, error)
}

type divElement interface {
	Element
	Div(ctx context.Context, other Element) (Element, error)
}

type modElement interface {
	Element
	Mod(ctx context.Context, other Element) (Element, error)
}

type addElement interface {
	Element
	Add(ctx context.Context, other Element) (Element, error)
}

type subtractElement interface {
	Element
	Subtract(ctx context.Context, other Element) (Element, error)
}

type apdContextKey struct{}

// WithAPDContext sets the apd.Context used for Decimal operations.
//
// The apd.Context controls precision and rounding of all decimal
// arithmetic. The default keeps 34 significant digits, comfortably above
// the 18 fractional digits the language guarantees.
func WithAPDContext(ctx context.Context, apdContext *apd.Context) context.Context {
	return context.WithValue(ctx, apdContextKey{}, apdContext)
}

const defaultDecimalPrecision uint32 = 34

var defaultAPDContext = apd.BaseContext.WithPrecision(defaultDecimalPrecision)

func apdContext(ctx context.Context) *apd.Context {
	if ctx != nil {
		if apdContext, ok := ctx.Value(apdContextKey{}).(*apd.Context); ok && apdContext != nil {
			return apdContext
		}
	}
	return defaultAPDContext
}

// defaultConversionError provides To* implementations that fail with a
// conversion error. Embed it and override the conversions the type
// supports.
type defaultConversionError[F any] struct{}

func (defaultConversionError[F]) ToBoolean(explicit bool) (v Boolean, ok bool, err error) {
	return false, false, conversionError[F, Boolean]()
}
func (defaultConversionError[F]) ToString(explicit bool) (v String, ok bool, err error) {
	return "", false, conversionError[F, String]()
}
func (defaultConversionError[F]) ToInteger(explicit bool) (v Integer, ok bool, err error) {
	return 0, false, conversionError[F, Integer]()
}
func (defaultConversionError[F]) ToDecimal(explicit bool) (v Decimal, ok bool, err error) {
	return Decimal{}, false, conversionError[F, Decimal]()
}
func (defaultConversionError[F]) ToDate(explicit bool) (v Date, ok bool, err error) {
	return Date{}, false, conversionError[F, Date]()
}
func (defaultConversionError[F]) ToTime(explicit bool) (v Time, ok bool, err error) {
	return Time{}, false, conversionError[F, Time]()
}
func (defaultConversionError[F]) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{}, false, conversionError[F, DateTime]()
}
func (defaultConversionError[F]) ToQuantity(explicit bool) (v Quantity, ok bool, err error) {
	return Quantity{}, false, conversionError[F, Quantity]()
}

func conversionError[F any, T Element]() error {
	var (
		f F
		t T
	)
	return fmt.Errorf("value of type %T can not be converted to type %T", f, t)
}

func implicitConversionError[F Element, T Element](f F) error {
	var t T
	return fmt.Errorf("%T %v can not be implicitly converted to %T", f, f, t)
}
