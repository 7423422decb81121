package fhirpath_test

import (
	"testing"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

func TestStringFunctions(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`'hello'.substring(1, 2)`, fhirpath.Collection{fhirpath.String("el")}},
		{`'hello'.substring(2)`, fhirpath.Collection{fhirpath.String("llo")}},
		{`'hello'.substring(10)`, nil},
		{`'abcdef'.indexOf('cd')`, fhirpath.Collection{fhirpath.Integer(2)}},
		{`'abcdef'.indexOf('x')`, fhirpath.Collection{fhirpath.Integer(-1)}},
		{`'abcabc'.lastIndexOf('bc')`, fhirpath.Collection{fhirpath.Integer(4)}},
		{`'hello'.startsWith('he')`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`'hello'.endsWith('lo')`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`'hello'.contains('ell')`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`'hello'.contains('xyz')`, fhirpath.Collection{fhirpath.Boolean(false)}},
		{`'Hello'.upper()`, fhirpath.Collection{fhirpath.String("HELLO")}},
		{`'Hello'.lower()`, fhirpath.Collection{fhirpath.String("hello")}},
		{`'hello'.replace('l', 'L')`, fhirpath.Collection{fhirpath.String("heLLo")}},
		{`'abc'.replace('', 'x')`, fhirpath.Collection{fhirpath.String("xaxbxcx")}},
		{`'hello'.matches('^h.*o$')`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`'hello'.matches('ell')`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`'hello'.matchesFull('ell')`, fhirpath.Collection{fhirpath.Boolean(false)}},
		{`'hello'.matchesFull('h.*o')`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`'abc123def'.replaceMatches('\\d+', '#')`, fhirpath.Collection{fhirpath.String("abc#def")}},
		{`'hello'.length()`, fhirpath.Collection{fhirpath.Integer(5)}},
		{`'abc'.toChars()`, fhirpath.Collection{
			fhirpath.String("a"), fhirpath.String("b"), fhirpath.String("c"),
		}},
		{`'  hi  '.trim()`, fhirpath.Collection{fhirpath.String("hi")}},
		{`'a,b,c'.split(',')`, fhirpath.Collection{
			fhirpath.String("a"), fhirpath.String("b"), fhirpath.String("c"),
		}},
		{`('a' | 'b' | 'c').join('-')`, fhirpath.Collection{fhirpath.String("a-b-c")}},
		{`{}.upper()`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`'AB'.encode('hex')`, fhirpath.Collection{fhirpath.String("4142")}},
		{`'4142'.decode('hex')`, fhirpath.Collection{fhirpath.String("AB")}},
		{`'ab'.encode('base64')`, fhirpath.Collection{fhirpath.String("YWI=")}},
		{`'YWI='.decode('base64')`, fhirpath.Collection{fhirpath.String("ab")}},
		{`'hello world'.encode('url')`, fhirpath.Collection{fhirpath.String("hello+world")}},
		{`'hello+world'.decode('url')`, fhirpath.Collection{fhirpath.String("hello world")}},
		{`'<a>'.escape('html')`, fhirpath.Collection{fhirpath.String("&lt;a&gt;")}},
		{`'&lt;a&gt;'.unescape('html')`, fhirpath.Collection{fhirpath.String("<a>")}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}

	if _, err := fhirpath.EvaluateString(testContext(), fhirpath.NewObject(fhirpath.TypeSpecifier{}), `'x'.encode('rot13')`); err == nil {
		t.Error("expected error for unknown encoding")
	}
}

func TestMathFunctions(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`(-5).abs()`, fhirpath.Collection{fhirpath.Integer(5)}},
		{`(-5.5).abs()`, fhirpath.Collection{mustDecimal(t, "5.5")}},
		{`(1.1).ceiling()`, fhirpath.Collection{fhirpath.Integer(2)}},
		{`(-1.1).ceiling()`, fhirpath.Collection{fhirpath.Integer(-1)}},
		{`(2.9).floor()`, fhirpath.Collection{fhirpath.Integer(2)}},
		{`(-2.1).floor()`, fhirpath.Collection{fhirpath.Integer(-3)}},
		{`(-1.9).truncate()`, fhirpath.Collection{fhirpath.Integer(-1)}},
		{`(1.5).round()`, fhirpath.Collection{mustDecimal(t, "2")}},
		{`(1.2).round()`, fhirpath.Collection{mustDecimal(t, "1")}},
		{`(3.14159).round(2)`, fhirpath.Collection{mustDecimal(t, "3.14")}},
		{`(16.0).sqrt()`, fhirpath.Collection{mustDecimal(t, "4")}},
		{`(-1.0).sqrt()`, nil},
		{`(2).power(10)`, fhirpath.Collection{fhirpath.Integer(1024)}},
		{`(-1.0).power(0.5)`, nil},
		{`(0.0).exp()`, fhirpath.Collection{mustDecimal(t, "1")}},
		{`(1.0).ln()`, fhirpath.Collection{mustDecimal(t, "0")}},
		{`(100.0).log(10).round(8)`, fhirpath.Collection{mustDecimal(t, "2")}},
		{`{}.abs()`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}

	if _, err := fhirpath.EvaluateString(testContext(), fhirpath.NewObject(fhirpath.TypeSpecifier{}), `(1.5).round(-1)`); err == nil {
		t.Error("expected error for negative rounding precision")
	}
}

func TestBoundaryFunctions(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`(1.0).lowBoundary()`, fhirpath.Collection{mustDecimal(t, "0.95")}},
		{`(1.0).highBoundary()`, fhirpath.Collection{mustDecimal(t, "1.05")}},
		{`(1.587).lowBoundary(2)`, fhirpath.Collection{mustDecimal(t, "1.58")}},
		{`(@2014).lowBoundary()`, fhirpath.Collection{mustDate(t, "2014-01-01")}},
		{`(@2014).highBoundary()`, fhirpath.Collection{mustDate(t, "2014-12-31")}},
		{`(@1970-06).lowBoundary()`, fhirpath.Collection{mustDate(t, "1970-06-01")}},
		{`(@1970-06).highBoundary()`, fhirpath.Collection{mustDate(t, "1970-06-30")}},
		{`{}.lowBoundary()`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestPrecisionFunction(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`(1.58700).precision()`, fhirpath.Collection{fhirpath.Integer(5)}},
		{`(42).precision()`, nil}, // Integer has no precision interval
		{`(@2014).precision()`, fhirpath.Collection{fhirpath.Integer(4)}},
		{`(@2014-01-05).precision()`, fhirpath.Collection{fhirpath.Integer(8)}},
		{`(@T10:30).precision()`, fhirpath.Collection{fhirpath.Integer(4)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if tt.want == nil {
				// non-measurable input is an error, not empty
				if _, err := fhirpath.EvaluateString(ctx, fhirpath.NewObject(fhirpath.TypeSpecifier{}), tt.expr); err == nil {
					t.Errorf("expected error for %q", tt.expr)
				}
				return
			}
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestConversionFunctions(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`'123'.toInteger()`, fhirpath.Collection{fhirpath.Integer(123)}},
		{`'abc'.toInteger()`, nil},
		{`'1.5'.toDecimal()`, fhirpath.Collection{mustDecimal(t, "1.5")}},
		{`'true'.toBoolean()`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(1).toBoolean()`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(2).toBoolean()`, nil},
		{`(1).toString()`, fhirpath.Collection{fhirpath.String("1")}},
		{`'2020-01-01'.toDate()`, fhirpath.Collection{mustDate(t, "2020-01-01")}},
		{`'14:30:00'.toTime()`, fhirpath.Collection{mustTime(t, "14:30:00")}},
		{`'abc'.convertsToInteger()`, fhirpath.Collection{fhirpath.Boolean(false)}},
		{`'123'.convertsToInteger()`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`'2020-01-01'.convertsToDate()`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(1).convertsToQuantity()`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(2 'kg').toQuantity('g')`, fhirpath.Collection{mustQuantity(t, "2000 'g'")}},
		{`(2 'kg').toQuantity('s')`, nil},
		{`'4 days'.toQuantity()`, fhirpath.Collection{mustQuantity(t, "4 days")}},
		{`{}.toInteger()`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestDurationAndDifference(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		// whole calendar periods elapsed
		{`(@2020-01-15).duration(@2020-03-10, 'month')`, fhirpath.Collection{fhirpath.Integer(1)}},
		// boundary crossings
		{`(@2020-01-15).difference(@2020-03-10, 'month')`, fhirpath.Collection{fhirpath.Integer(2)}},
		{`(@2020-01-01).duration(@2020-01-08, 'day')`, fhirpath.Collection{fhirpath.Integer(7)}},
		{`(@2020-03-10).duration(@2020-01-15, 'month')`, fhirpath.Collection{fhirpath.Integer(-1)}},
		{`(@2019).duration(@2021, 'year')`, fhirpath.Collection{fhirpath.Integer(2)}},
		// input precision too coarse for the requested unit
		{`(@2020-01).duration(@2020-03-15, 'day')`, nil},
		{`(@T10:00).difference(@T11:30, 'hour')`, fhirpath.Collection{fhirpath.Integer(1)}},
		{`{}.duration(@2020-01-01, 'day')`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestTemporalComponents(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`(@2020-05-10).yearOf()`, fhirpath.Collection{fhirpath.Integer(2020)}},
		{`(@2020-05-10).monthOf()`, fhirpath.Collection{fhirpath.Integer(5)}},
		{`(@2020-05-10).dayOf()`, fhirpath.Collection{fhirpath.Integer(10)}},
		{`(@2020).yearOf()`, fhirpath.Collection{fhirpath.Integer(2020)}},
		{`(@2020).monthOf()`, nil},
		{`(@2020-05).dayOf()`, nil},
		{`(@T14:30).hourOf()`, fhirpath.Collection{fhirpath.Integer(14)}},
		{`(@T14:30).minuteOf()`, fhirpath.Collection{fhirpath.Integer(30)}},
		{`(@T14:30).secondOf()`, nil},
		{`(@2020-01-02T03:04:05Z).hourOf()`, fhirpath.Collection{fhirpath.Integer(3)}},
		{`(@2020-01-02T03:04:05Z).timezoneOffsetOf()`, fhirpath.Collection{mustDecimal(t, "0")}},
		{`(@2020-01-02T03:04:05+09:00).timezoneOffsetOf()`, fhirpath.Collection{mustDecimal(t, "9")}},
		{`(@2020-01-02T03:04:05).timezoneOffsetOf()`, nil},
		{`(@2020-01-02T03:04:05Z).dateOf()`, fhirpath.Collection{mustDate(t, "2020-01-02")}},
		{`(@2020-01-02T03:04:05Z).timeOf()`, fhirpath.Collection{mustTime(t, "03:04:05")}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestClockFunctions(t *testing.T) {
	ctx := testContext()

	now := evaluate(t, ctx, nil, "now()")
	wantNow := fhirpath.Collection{fhirpath.DateTime{
		Value:       fixedEvaluationInstant,
		Precision:   fhirpath.DateTimePrecisionFull,
		HasTimeZone: true,
	}}
	assertCollection(t, "now()", wantNow, now)

	today := evaluate(t, ctx, nil, "today()")
	assertCollection(t, "today()", fhirpath.Collection{mustDate(t, "2020-01-02")}, today)

	timeOfDay := evaluate(t, ctx, nil, "timeOfDay()")
	wantTime := fhirpath.Collection{fhirpath.Time{
		Value:     fixedEvaluationInstant,
		Precision: fhirpath.TimePrecisionFull,
	}}
	assertCollection(t, "timeOfDay()", wantTime, timeOfDay)

	// repeated reads within one evaluation agree
	same := evaluate(t, ctx, nil, "now() = now()")
	assertCollection(t, "now() stable", fhirpath.Collection{fhirpath.Boolean(true)}, same)
}

func TestCollectionFunctions(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`(1 | 2 | 3).first()`, fhirpath.Collection{fhirpath.Integer(1)}},
		{`(1 | 2 | 3).last()`, fhirpath.Collection{fhirpath.Integer(3)}},
		{`(1 | 2 | 3).tail()`, fhirpath.Collection{fhirpath.Integer(2), fhirpath.Integer(3)}},
		{`(1 | 2 | 3).skip(2)`, fhirpath.Collection{fhirpath.Integer(3)}},
		{`(1 | 2 | 3).take(2)`, fhirpath.Collection{fhirpath.Integer(1), fhirpath.Integer(2)}},
		{`(1 | 2 | 3).skip(5)`, nil},
		{`(5).single()`, fhirpath.Collection{fhirpath.Integer(5)}},
		{`{}.single()`, nil},
		{`(1 | 2 | 3).intersect(2 | 3 | 4)`, fhirpath.Collection{fhirpath.Integer(2), fhirpath.Integer(3)}},
		{`(1 | 2 | 3).exclude(2)`, fhirpath.Collection{fhirpath.Integer(1), fhirpath.Integer(3)}},
		{`(1 | 2).union(2 | 3)`, fhirpath.Collection{
			fhirpath.Integer(1), fhirpath.Integer(2), fhirpath.Integer(3),
		}},
		{`(1 | 2).combine(2 | 3)`, fhirpath.Collection{
			fhirpath.Integer(1), fhirpath.Integer(2), fhirpath.Integer(2), fhirpath.Integer(3),
		}},
		{`(1 | 2 | 3).count()`, fhirpath.Collection{fhirpath.Integer(3)}},
		{`(1).combine(1).distinct()`, fhirpath.Collection{fhirpath.Integer(1)}},
		{`(1 | 2).isDistinct()`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(1).combine(1).isDistinct()`, fhirpath.Collection{fhirpath.Boolean(false)}},
		{`(1 | 2).subsetOf(1 | 2 | 3)`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(1 | 2 | 3).supersetOf(1 | 2)`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(1 | 2 | 3).all($this > 0)`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(1 | 2 | 3).all($this > 1)`, fhirpath.Collection{fhirpath.Boolean(false)}},
		{`(true | true).allTrue()`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(true | false).anyFalse()`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(false | false).anyTrue()`, fhirpath.Collection{fhirpath.Boolean(false)}},
		{`coalesce({}, 1 | 2, 3)`, fhirpath.Collection{fhirpath.Integer(1), fhirpath.Integer(2)}},
		{`coalesce({}, {})`, nil},
		{`(3 | 1 | 2).sort()`, fhirpath.Collection{
			fhirpath.Integer(1), fhirpath.Integer(2), fhirpath.Integer(3),
		}},
		{`(3 | 1 | 2).sort(-$this)`, fhirpath.Collection{
			fhirpath.Integer(3), fhirpath.Integer(2), fhirpath.Integer(1),
		}},
		{`('banana' | 'apple').sort($this)`, fhirpath.Collection{
			fhirpath.String("apple"), fhirpath.String("banana"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}

	if _, err := fhirpath.EvaluateString(ctx, fhirpath.NewObject(fhirpath.TypeSpecifier{}), "(1 | 2).single()"); err == nil {
		t.Error("expected error for single() on multi-item collection")
	}
}

func TestComparableFunction(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{`(2 'kg').comparable(500 'g')`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`(2 'kg').comparable(1 's')`, fhirpath.Collection{fhirpath.Boolean(false)}},
		{`(1 'mg').comparable(1 'mg')`, fhirpath.Collection{fhirpath.Boolean(true)}},
		{`{}.comparable(1 'g')`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestChildrenDescendants(t *testing.T) {
	ctx := testContext()
	patient := decodeObject(t, patientDoc)

	got := evaluate(t, ctx, patient, "name.children().count()")
	// 2 use fields + 1 family + 3 given
	assertCollection(t, "children", fhirpath.Collection{fhirpath.Integer(6)}, got)

	got = evaluate(t, ctx, patient, "descendants().ofType(String).count() > 5")
	assertCollection(t, "descendants", fhirpath.Collection{fhirpath.Boolean(true)}, got)
}
