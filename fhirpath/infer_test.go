package fhirpath_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

func patientTypeContext() *fhirpath.TypeContext {
	return &fhirpath.TypeContext{
		Root: fhirpath.InferredType{Namespace: "FHIR", Name: "Patient"},
		Vars: map[string]fhirpath.InferredType{
			"threshold": {Namespace: "System", Name: "Integer"},
		},
		Types: []fhirpath.TypeInfo{
			fhirpath.ClassInfo{
				Namespace: "FHIR",
				Name:      "Patient",
				BaseType:  fhirpath.TypeSpecifier{Namespace: "FHIR", Name: "DomainResource"},
				Element: []fhirpath.ClassInfoElement{
					{Name: "name", Type: fhirpath.TypeSpecifier{Namespace: "FHIR", Name: "HumanName", List: true}},
					{Name: "birthDate", Type: fhirpath.TypeSpecifier{Namespace: "System", Name: "Date"}},
					{Name: "deceasedBoolean", Type: fhirpath.TypeSpecifier{Namespace: "System", Name: "Boolean"}},
					{Name: "deceasedDateTime", Type: fhirpath.TypeSpecifier{Namespace: "System", Name: "DateTime"}},
				},
			},
			fhirpath.ClassInfo{
				Namespace: "FHIR",
				Name:      "DomainResource",
				BaseType:  fhirpath.TypeSpecifier{Namespace: "System", Name: "Any"},
				Element: []fhirpath.ClassInfoElement{
					{Name: "id", Type: fhirpath.TypeSpecifier{Namespace: "System", Name: "String"}},
				},
			},
			fhirpath.ClassInfo{
				Namespace: "FHIR",
				Name:      "HumanName",
				BaseType:  fhirpath.TypeSpecifier{Namespace: "System", Name: "Any"},
				Element: []fhirpath.ClassInfoElement{
					{Name: "family", Type: fhirpath.TypeSpecifier{Namespace: "System", Name: "String"}},
					{Name: "given", Type: fhirpath.TypeSpecifier{Namespace: "System", Name: "String", List: true}},
				},
			},
		},
	}
}

func inferType(t *testing.T, tc *fhirpath.TypeContext, src string) (fhirpath.InferredType, bool) {
	t.Helper()
	expr, err := fhirpath.Parse(src)
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	return fhirpath.InferType(expr, tc)
}

func TestInferType(t *testing.T) {
	tc := patientTypeContext()

	tests := []struct {
		expr string
		want string
		ok   bool
	}{
		{"true", "System.Boolean", true},
		{"'a'", "System.String", true},
		{"1", "System.Integer", true},
		{"1.5", "System.Decimal", true},
		{"@2020-01-01", "System.Date", true},
		{"2 'kg'", "System.Quantity", true},
		{"{}", "", false},

		{"name", "List<FHIR.HumanName>", true},
		{"name.given", "List<System.String>", true},
		{"name.family", "System.String", true},
		{"birthDate", "System.Date", true},
		// member declared on the base class
		{"id", "System.String", true},
		{"unknown", "", false},
		// ambiguous choice element
		{"deceased", "", false},
		// resolved choice variant
		{"deceasedBoolean", "System.Boolean", true},

		{"1 + 2", "System.Integer", true},
		{"1 + 2.5", "System.Decimal", true},
		{"5 / 2", "System.Decimal", true},
		{"5 div 2", "System.Integer", true},
		{"'a' & 'b'", "System.String", true},
		{"2 'kg' * 2", "System.Quantity", true},
		{"birthDate + 6 months", "System.Date", true},
		{"1 < 2", "System.Boolean", true},
		{"name.exists() and true", "System.Boolean", true},
		{"birthDate is Date", "System.Boolean", true},
		{"$index", "System.Integer", true},
		{"%threshold", "System.Integer", true},
		{"%undeclared", "", false},

		{"name.count()", "System.Integer", true},
		{"name.given.first()", "System.String", true},
		{"name.where(family.exists())", "List<FHIR.HumanName>", true},
		{"name.select(family)", "List<System.String>", true},
		{"name.family | name.given", "List<System.String>", true},
		{"1 | 'a'", "", false},
		{"name.given[0]", "System.String", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, ok := inferType(t, tc, tt.expr)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (type %s)", ok, tt.ok, got)
			}
			if ok && got.String() != tt.want {
				t.Errorf("type = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestInferTypeWithoutContext(t *testing.T) {
	// literals still infer without any context
	got, ok := inferType(t, nil, "1 + 2")
	if !ok || got.String() != "System.Integer" {
		t.Errorf("got %s, %v", got, ok)
	}

	// member access does not
	if _, ok := inferType(t, nil, "name"); ok {
		t.Error("expected unknown type without context")
	}
}

func TestDebugTree(t *testing.T) {
	tc := patientTypeContext()
	expr := fhirpath.MustParse("name.family")

	want := ". : System.String\n" +
		"  name : List<FHIR.HumanName>\n" +
		"  family : System.String\n"
	if diff := cmp.Diff(want, fhirpath.DebugTree(expr, tc)); diff != "" {
		t.Errorf("DebugTree mismatch (-want +got):\n%s", diff)
	}
}

func TestDebugTreeUnknownNodes(t *testing.T) {
	expr := fhirpath.MustParse("unknown.count()")

	// unknown member carries no annotation, count() still types
	want := ". : System.Integer\n" +
		"  unknown\n" +
		"  count() : System.Integer\n"
	if diff := cmp.Diff(want, fhirpath.DebugTree(expr, nil)); diff != "" {
		t.Errorf("DebugTree mismatch (-want +got):\n%s", diff)
	}
}
