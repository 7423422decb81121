package fhirpath_test

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

func TestObjectFromJSON(t *testing.T) {
	obj := decodeObject(t, `{
		"resourceType": "Patient",
		"active": true,
		"name": [
			{"family": "Chalmers", "given": ["Peter", "James"]},
			{"given": ["Jim"]}
		],
		"deceasedBoolean": null,
		"multipleBirthInteger": 3
	}`)

	qual, ok := obj.TypeInfo().QualifiedName()
	if !ok || qual.Namespace != "FHIR" || qual.Name != "Patient" {
		t.Errorf("type = %v, want FHIR.Patient", qual)
	}

	// arrays flatten into repeating fields
	names := obj.Children("name")
	if len(names) != 2 {
		t.Fatalf("expected 2 name elements, got %d", len(names))
	}
	given := names[0].Children("given")
	want := fhirpath.Collection{fhirpath.String("Peter"), fhirpath.String("James")}
	if eq, ok := want.Equal(given); !ok || !eq {
		t.Errorf("given = %s", given.String())
	}

	// nulls are dropped
	if got := obj.Children("deceasedBoolean"); len(got) != 0 {
		t.Errorf("null field must be dropped, got %s", got.String())
	}

	if got := obj.Children("multipleBirthInteger"); len(got) != 1 {
		t.Errorf("expected integer field, got %s", got.String())
	} else if eq, _ := fhirpath.Integer(3).Equal(got[0]); !eq {
		t.Errorf("multipleBirthInteger = %s", got.String())
	}
}

func TestObjectFromJSONErrors(t *testing.T) {
	docs := []string{
		`[1, 2]`,
		`"scalar"`,
		`{"a": 1} trailing`,
		`{"a": `,
	}
	for _, doc := range docs {
		if _, err := fhirpath.ObjectFromJSON("FHIR", strings.NewReader(doc)); err == nil {
			t.Errorf("expected error for %q", doc)
		}
	}
}

func TestObjectChoiceElement(t *testing.T) {
	obj := decodeObject(t, `{
		"resourceType": "Observation",
		"valueQuantity": {"value": 185, "unit": "cm"}
	}`)

	// the bare choice name resolves to the typed variant
	value := obj.Children("value")
	if len(value) != 1 {
		t.Fatalf("expected choice lookup to match valueQuantity, got %d elements", len(value))
	}

	// the resolved variant is tagged with the suffix type
	qual, ok := value[0].TypeInfo().QualifiedName()
	if !ok || qual.Namespace != "FHIR" || qual.Name != "Quantity" {
		t.Errorf("choice value type = %v, want FHIR.Quantity", qual)
	}

	// the exact field name keeps the value untagged
	direct := obj.Children("valueQuantity")
	if len(direct) != 1 {
		t.Fatalf("expected direct lookup to match, got %d elements", len(direct))
	}
	if _, ok := direct[0].TypeInfo().QualifiedName(); ok {
		t.Error("direct field access must not invent a type tag")
	}

	name, ok := obj.ChoiceTypeName("value")
	if !ok || name != "Quantity" {
		t.Errorf("ChoiceTypeName = %q, %v", name, ok)
	}

	// exact field names are not treated as choices
	if _, ok := obj.ChoiceTypeName("valueQuantity"); ok {
		t.Error("full field name must not report a choice type")
	}

	// a suffix that is not a canonical UpperCamel composition is not a
	// choice variant
	odd := fhirpath.NewObject(fhirpath.TypeSpecifier{Namespace: "FHIR", Name: "Observation"}).
		Append("valueCodeable_concept", fhirpath.String("x"))
	if got := odd.Children("value"); len(got) != 0 {
		t.Errorf("non-canonical field must not resolve as a choice, got %s", got.String())
	}
}

func TestObjectMarshalJSON(t *testing.T) {
	doc := `{"resourceType":"Patient","name":[{"given":["Peter","James"]},{"given":["Jim"]}],"active":true}`
	obj := decodeObject(t, doc)

	out, err := obj.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	// repeating fields group back into arrays, order preserved
	if diff := cmp.Diff(doc, string(out)); diff != "" {
		t.Errorf("MarshalJSON mismatch (-want +got):\n%s", diff)
	}
}

func TestObjectAppend(t *testing.T) {
	base := fhirpath.NewObject(fhirpath.TypeSpecifier{Namespace: "FHIR", Name: "Coding"})
	withSystem := base.Append("system", fhirpath.String("http://loinc.org"))
	withCode := withSystem.Append("code", fhirpath.String("29463-7"))

	// appending returns a new value, the receiver is unchanged
	if got := base.Children("system"); len(got) != 0 {
		t.Errorf("base object must not change, got %s", got.String())
	}
	if got := withSystem.Children("code"); len(got) != 0 {
		t.Errorf("intermediate object must not change, got %s", got.String())
	}

	code := withCode.Children("code")
	if len(code) != 1 {
		t.Fatalf("expected code field, got %d elements", len(code))
	}
	if eq, _ := fhirpath.String("29463-7").Equal(code[0]); !eq {
		t.Errorf("code = %s", code.String())
	}
}

func TestObjectEqual(t *testing.T) {
	a := decodeObject(t, `{"system":"s","code":"c"}`)
	b := decodeObject(t, `{"system":"s","code":"c"}`)
	c := decodeObject(t, `{"system":"s","code":"x"}`)

	if eq, ok := a.Equal(b); !ok || !eq {
		t.Error("identical objects must compare equal")
	}
	if eq, _ := a.Equal(c); eq {
		t.Error("differing objects must not compare equal")
	}
	if !a.Equivalent(b) {
		t.Error("identical objects must be equivalent")
	}
}
