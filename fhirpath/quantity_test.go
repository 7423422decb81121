package fhirpath_test

import (
	"testing"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

func TestQuantityComparison(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"2 'kg' > 1500 'g'", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"2 'kg' = 2000 'g'", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 'm' < 150 'cm'", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"4 'L' > 500 'mL'", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 'wk' = 7 days", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 year = 12 months", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 'h' = 60 'min'", fhirpath.Collection{fhirpath.Boolean(true)}},
		// a calendar year and the UCUM annum are not interchangeable
		{"1 'a' = 1 year", nil},
		{"1 'mo' = 1 month", nil},
		{"1 'kg' ~ 1000 'g'", fhirpath.Collection{fhirpath.Boolean(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}

	// dimension mismatch is an error, not an indeterminate comparison
	if _, err := fhirpath.EvaluateString(ctx, fhirpath.NewObject(fhirpath.TypeSpecifier{}), "1 'kg' < 1 'm'"); err == nil {
		t.Error("expected error comparing quantities of different dimensions")
	}
}

func TestQuantityArithmetic(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"5.5 'mg' + 0.5 'mg'", fhirpath.Collection{mustQuantity(t, "6.0 'mg'")}},
		{"1 'kg' + 500 'g'", fhirpath.Collection{mustQuantity(t, "1.5 'kg'")}},
		{"3 'g' - 1 'g'", fhirpath.Collection{mustQuantity(t, "2 'g'")}},
		{"2 'm' * 3 'm'", fhirpath.Collection{mustQuantity(t, "6 'm.m'")}},
		{"10 'm' / 2 's'", fhirpath.Collection{mustQuantity(t, "5 'm/s'")}},
		{"6 'm' / 3 'm'", fhirpath.Collection{mustQuantity(t, "2 '1'")}},
		{"2 'kg' * 3", fhirpath.Collection{mustQuantity(t, "6 'kg'")}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestParseQuantity(t *testing.T) {
	q := mustQuantity(t, "4.5 'mg'")
	if string(q.Unit) != "mg" {
		t.Errorf("unit = %q, want mg", q.Unit)
	}

	q = mustQuantity(t, "7 days")
	if got := q.String(); got != "7 days" && got != "7 day" {
		t.Errorf("calendar quantity renders as %q", got)
	}

	if _, err := fhirpath.ParseQuantity("abc"); err == nil {
		t.Error("expected error for malformed quantity")
	}
}

func TestQuantityString(t *testing.T) {
	q := mustQuantity(t, "2 'kg'")
	if q.String() != "2 'kg'" {
		t.Errorf("String() = %q", q.String())
	}
}
