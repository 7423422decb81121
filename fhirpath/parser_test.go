package fhirpath_test

import (
	"testing"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

func TestParseRoundTrip(t *testing.T) {
	// parsing the rendered form again must render identically
	exprs := []string{
		"{}",
		"true",
		"false",
		"42",
		"-3",
		"3.14",
		"'hello'",
		"'it\\'s'",
		"@2015-02-04",
		"@2015-02",
		"@2015-02-04T14:34:28Z",
		"@2015-02-04T14:34:28+09:00",
		"@T14:34:28",
		"@T14:30",
		"4 days",
		"4.5 'mg'",
		"name.given",
		"name.given[0]",
		"name.where(use = 'official').given",
		"Patient.name.`given`",
		"$this",
		"$index",
		"$total",
		"%context",
		"%'us-zip'",
		"(1 + 2) * 3",
		"1 + 2 * 3",
		"5 div 2 mod 3",
		"a.b < c.d",
		"a <= b and b != c",
		"x or y xor z",
		"a implies b",
		"value is Quantity",
		"value as FHIR.Quantity",
		"1 | 2 | 3",
		"'a' in collection",
		"collection contains 'a'",
		"iif($this > 0, 'pos', 'neg')",
		"name.select(given & ' ' & family)",
		"telecom.where(system = 'phone' and use != 'old')",
		"`div`.text",
	}

	for _, src := range exprs {
		t.Run(src, func(t *testing.T) {
			expr, err := fhirpath.Parse(src)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			rendered := expr.String()
			again, err := fhirpath.Parse(rendered)
			if err != nil {
				t.Fatalf("reparse %q: %v", rendered, err)
			}
			if again.String() != rendered {
				t.Errorf("render not stable:\n  first  %q\n  second %q", rendered, again.String())
			}
		})
	}
}

func TestParseRendering(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"name . given", "name.given"},
		{"1+2", "1 + 2"},
		{"a and(b)", "a and (b)"},
		{"where(use='official')", "where(use = 'official')"},
		{"( 1 )", "(1)"},
		{"2 'kg'", "2 'kg'"},
		{"7 days", "7 days"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			expr, err := fhirpath.Parse(tt.src)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := expr.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePrecedence(t *testing.T) {
	ctx := testContext()
	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"1 + 2 * 3", fhirpath.Collection{fhirpath.Integer(7)}},
		{"(1 + 2) * 3", fhirpath.Collection{fhirpath.Integer(9)}},
		{"2 + 3 < 2 * 3", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"true or false and false", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 < 2 = 3 > 2", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"-2 + 3", fhirpath.Collection{fhirpath.Integer(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	exprs := []string{
		"",
		"1 +",
		"(1 + 2",
		"name.",
		"'unterminated",
		"@",
		"1 ** 2",
		"where(",
		"a[",
		"%",
		"$unknown",
	}
	for _, src := range exprs {
		t.Run(src, func(t *testing.T) {
			if _, err := fhirpath.Parse(src); err == nil {
				t.Errorf("expected parse error for %q", src)
			}
		})
	}
}

func TestMustParsePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	fhirpath.MustParse("1 +")
}
