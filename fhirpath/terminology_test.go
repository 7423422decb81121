package fhirpath_test

import (
	"context"
	"testing"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

var administrativeGender = fhirpath.InMemoryValueSets{
	"http://hl7.org/fhir/ValueSet/administrative-gender": {
		"male":   true,
		"female": true,
		"http://hl7.org/fhir/administrative-gender|male": true,
	},
	"http://example.org/vs/loinc-weight": {
		"http://loinc.org|29463-7": true,
	},
}

func terminologyContext() context.Context {
	return fhirpath.WithTerminologyService(testContext(), administrativeGender)
}

func TestMemberOfString(t *testing.T) {
	ctx := terminologyContext()
	patient := decodeObject(t, `{"resourceType": "Patient", "gender": "male"}`)

	got := evaluate(t, ctx, patient, "gender.memberOf('http://hl7.org/fhir/ValueSet/administrative-gender')")
	assertCollection(t, "memberOf string", fhirpath.Collection{fhirpath.Boolean(true)}, got)

	patient = decodeObject(t, `{"resourceType": "Patient", "gender": "unknown"}`)
	got = evaluate(t, ctx, patient, "gender.memberOf('http://hl7.org/fhir/ValueSet/administrative-gender')")
	assertCollection(t, "memberOf non-member", fhirpath.Collection{fhirpath.Boolean(false)}, got)
}

func TestMemberOfCoding(t *testing.T) {
	ctx := terminologyContext()
	observation := decodeObject(t, `{
		"resourceType": "Observation",
		"code": {
			"coding": [
				{"system": "http://snomed.info/sct", "code": "27113001"},
				{"system": "http://loinc.org", "code": "29463-7"}
			]
		}
	}`)

	// CodeableConcept is a member when any coding is
	got := evaluate(t, ctx, observation, "code.memberOf('http://example.org/vs/loinc-weight')")
	assertCollection(t, "memberOf concept", fhirpath.Collection{fhirpath.Boolean(true)}, got)

	// a single Coding-shaped object works too
	got = evaluate(t, ctx, observation, "code.coding[1].memberOf('http://example.org/vs/loinc-weight')")
	assertCollection(t, "memberOf coding", fhirpath.Collection{fhirpath.Boolean(true)}, got)

	got = evaluate(t, ctx, observation, "code.coding[0].memberOf('http://example.org/vs/loinc-weight')")
	assertCollection(t, "memberOf wrong system", fhirpath.Collection{fhirpath.Boolean(false)}, got)
}

func TestMemberOfWithoutService(t *testing.T) {
	ctx := testContext()
	patient := decodeObject(t, `{"resourceType": "Patient", "gender": "male"}`)

	got := evaluate(t, ctx, patient, "gender.memberOf('http://hl7.org/fhir/ValueSet/administrative-gender')")
	assertCollection(t, "memberOf without service", nil, got)
}

func TestMemberOfUnknownValueSet(t *testing.T) {
	ctx := terminologyContext()
	patient := decodeObject(t, `{"resourceType": "Patient", "gender": "male"}`)

	if _, err := fhirpath.EvaluateString(ctx, patient, "gender.memberOf('http://example.org/vs/nope')"); err == nil {
		t.Error("expected error for unknown value set")
	}
}

func TestMemberOfEmptyInput(t *testing.T) {
	ctx := terminologyContext()
	patient := decodeObject(t, `{"resourceType": "Patient"}`)

	got := evaluate(t, ctx, patient, "gender.memberOf('http://hl7.org/fhir/ValueSet/administrative-gender')")
	assertCollection(t, "memberOf empty input", nil, got)
}

func TestInMemoryValueSets(t *testing.T) {
	ctx := testContext()

	member, err := administrativeGender.ValueSetContains(ctx,
		"http://hl7.org/fhir/ValueSet/administrative-gender", "", "female")
	if err != nil || !member {
		t.Errorf("got %v, %v", member, err)
	}

	member, err = administrativeGender.ValueSetContains(ctx,
		"http://hl7.org/fhir/ValueSet/administrative-gender",
		"http://hl7.org/fhir/administrative-gender", "male")
	if err != nil || !member {
		t.Errorf("got %v, %v", member, err)
	}

	if _, err := administrativeGender.ValueSetContains(ctx, "http://example.org/vs/nope", "", "x"); err == nil {
		t.Error("expected error for unknown value set")
	}
}
