package fhirpath_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

var fixedEvaluationInstant = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

func testContext() context.Context {
	ctx := context.Background()
	ctx = fhirpath.WithAPDContext(ctx, apd.BaseContext.WithPrecision(20))
	ctx = fhirpath.WithEvaluationTime(ctx, fixedEvaluationInstant)
	return ctx
}

func decodeObject(t *testing.T, doc string) fhirpath.Object {
	t.Helper()
	obj, err := fhirpath.ObjectFromJSON("FHIR", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode document: %v", err)
	}
	return obj
}

func evaluate(t *testing.T, ctx context.Context, target fhirpath.Element, expr string) fhirpath.Collection {
	t.Helper()
	if target == nil {
		target = fhirpath.NewObject(fhirpath.TypeSpecifier{})
	}
	result, err := fhirpath.EvaluateString(ctx, target, expr)
	if err != nil {
		t.Fatalf("evaluate %q: %v", expr, err)
	}
	return result
}

func assertCollection(t *testing.T, expr string, want, got fhirpath.Collection) {
	t.Helper()
	if len(want) == 0 && len(got) == 0 {
		return
	}
	eq, ok := want.Equal(got)
	if !ok || !eq {
		t.Errorf("%q:\n  want %s\n  got  %s", expr, want.String(), got.String())
	}
}

func mustDate(t *testing.T, s string) fhirpath.Date {
	t.Helper()
	d, err := fhirpath.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func mustDateTime(t *testing.T, s string) fhirpath.DateTime {
	t.Helper()
	dt, err := fhirpath.ParseDateTime(s)
	if err != nil {
		t.Fatal(err)
	}
	return dt
}

func mustTime(t *testing.T, s string) fhirpath.Time {
	t.Helper()
	tm, err := fhirpath.ParseTime(s)
	if err != nil {
		t.Fatal(err)
	}
	return tm
}

func mustDecimal(t *testing.T, s string) fhirpath.Decimal {
	t.Helper()
	d, err := fhirpath.ParseDecimal(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func mustQuantity(t *testing.T, s string) fhirpath.Quantity {
	t.Helper()
	q, err := fhirpath.ParseQuantity(s)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

const patientDoc = `{
	"resourceType": "Patient",
	"active": true,
	"name": [
		{"use": "official", "family": "Chalmers", "given": ["Peter", "James"]},
		{"use": "usual", "given": ["Jim"]}
	],
	"birthDate": "1974-12-25"
}`

func TestEvaluatePaths(t *testing.T) {
	ctx := testContext()
	patient := decodeObject(t, patientDoc)

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"name.given", fhirpath.Collection{
			fhirpath.String("Peter"), fhirpath.String("James"), fhirpath.String("Jim"),
		}},
		{"name.family", fhirpath.Collection{fhirpath.String("Chalmers")}},
		{"name.where(use = 'official').given", fhirpath.Collection{
			fhirpath.String("Peter"), fhirpath.String("James"),
		}},
		{"name.given[1]", fhirpath.Collection{fhirpath.String("James")}},
		{"name.given[9]", nil},
		{"name.count()", fhirpath.Collection{fhirpath.Integer(2)}},
		{"active", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"nosuchfield", nil},
		{"name.exists()", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"name.empty()", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"name.select(given.count())", fhirpath.Collection{
			fhirpath.Integer(2), fhirpath.Integer(1),
		}},
		{"name.first().given", fhirpath.Collection{
			fhirpath.String("Peter"), fhirpath.String("James"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, patient, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestEvaluateRootTypeName(t *testing.T) {
	ctx := testContext()
	ctx = fhirpath.WithNamespace(ctx, "FHIR")
	ctx = fhirpath.WithTypes(ctx, []fhirpath.TypeInfo{
		fhirpath.SimpleTypeInfo{
			Namespace: "FHIR",
			Name:      "Patient",
			BaseType:  fhirpath.TypeSpecifier{Namespace: "FHIR", Name: "DomainResource"},
		},
		fhirpath.SimpleTypeInfo{
			Namespace: "FHIR",
			Name:      "Observation",
			BaseType:  fhirpath.TypeSpecifier{Namespace: "FHIR", Name: "DomainResource"},
		},
	})
	patient := decodeObject(t, patientDoc)

	got := evaluate(t, ctx, patient, "Patient.name.family")
	assertCollection(t, "Patient.name.family",
		fhirpath.Collection{fhirpath.String("Chalmers")}, got)

	// a mismatched leading type name is an error
	if _, err := fhirpath.EvaluateString(ctx, patient, "Observation.value"); err == nil {
		t.Error("expected error for mismatched root type name")
	}
}

func TestEvaluateChoiceElement(t *testing.T) {
	ctx := testContext()
	observation := decodeObject(t, `{
		"resourceType": "Observation",
		"valueQuantity": {"value": 185, "unit": "cm"}
	}`)

	got := evaluate(t, ctx, observation, "value.unit")
	assertCollection(t, "value.unit",
		fhirpath.Collection{fhirpath.String("cm")}, got)

	got = evaluate(t, ctx, observation, "valueQuantity.value")
	assertCollection(t, "valueQuantity.value",
		fhirpath.Collection{fhirpath.Integer(185)}, got)

	// the resolved variant carries the type suffix as its type tag
	got = evaluate(t, ctx, observation, "value.type().name")
	assertCollection(t, "value.type().name",
		fhirpath.Collection{fhirpath.String("Quantity")}, got)
	got = evaluate(t, ctx, observation, "value.type().namespace")
	assertCollection(t, "value.type().namespace",
		fhirpath.Collection{fhirpath.String("FHIR")}, got)

	// type operators see the tag once the type is installed
	typedCtx := fhirpath.WithNamespace(ctx, "FHIR")
	typedCtx = fhirpath.WithTypes(typedCtx, []fhirpath.TypeInfo{
		fhirpath.SimpleTypeInfo{
			Namespace: "FHIR",
			Name:      "Quantity",
			BaseType:  fhirpath.TypeSpecifier{Namespace: "System", Name: "Any"},
		},
	})
	got = evaluate(t, typedCtx, observation, "value is Quantity")
	assertCollection(t, "value is Quantity",
		fhirpath.Collection{fhirpath.Boolean(true)}, got)
	got = evaluate(t, typedCtx, observation, "value.ofType(Quantity).unit")
	assertCollection(t, "value.ofType(Quantity).unit",
		fhirpath.Collection{fhirpath.String("cm")}, got)
}

func TestEvaluateArithmetic(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"1 + 2", fhirpath.Collection{fhirpath.Integer(3)}},
		{"5 - 7", fhirpath.Collection{fhirpath.Integer(-2)}},
		{"3 * 4", fhirpath.Collection{fhirpath.Integer(12)}},
		{"5 / 2", fhirpath.Collection{mustDecimal(t, "2.5")}},
		{"5 div 2", fhirpath.Collection{fhirpath.Integer(2)}},
		{"5 mod 2", fhirpath.Collection{fhirpath.Integer(1)}},
		{"1 / 0", nil},
		{"1.2 + 1.8", fhirpath.Collection{mustDecimal(t, "3.0")}},
		{"-3 + 1", fhirpath.Collection{fhirpath.Integer(-2)}},
		{"'abc' + 'def'", fhirpath.Collection{fhirpath.String("abcdef")}},
		{"'abc' & 'def'", fhirpath.Collection{fhirpath.String("abcdef")}},
		{"{} & 'def'", fhirpath.Collection{fhirpath.String("def")}},
		{"'abc' + {}", nil},
		{"1 + 2.5", fhirpath.Collection{mustDecimal(t, "3.5")}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestEvaluateComparison(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"1 < 2", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"2 <= 2", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"3 > 4", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"1 = 1", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 = 1.0", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 != 2", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"'a' < 'b'", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"{} = 1", nil},
		{"1 = {}", nil},
		{"{} ~ {}", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 ~ 1.0", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"'a' !~ 'b'", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"(1 | 2) = (1 | 2)", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"(1 | 2) ~ (2 | 1)", fhirpath.Collection{fhirpath.Boolean(true)}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestEvaluateThreeValuedLogic(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"true and true", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"true and false", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"true and {}", nil},
		{"false and {}", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"{} and {}", nil},
		{"true or {}", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"{} or true", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"false or {}", nil},
		{"false or false", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"true xor false", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"true xor true", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"true xor {}", nil},
		{"false implies {}", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"true implies {}", nil},
		{"true implies false", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"{} implies true", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"{} implies false", nil},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestEvaluateNot(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"true.not()", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"false.not()", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"{}.not()", nil},
		{"(1 = 1).not()", fhirpath.Collection{fhirpath.Boolean(false)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}

	if _, err := fhirpath.EvaluateString(ctx, fhirpath.NewObject(fhirpath.TypeSpecifier{}), "(1 | 2).not()"); err == nil {
		t.Error("expected error for not() on multi-item collection")
	}
}

func TestEvaluateMembership(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"1 in (1 | 2)", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"3 in (1 | 2)", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"{} in (1 | 2)", nil},
		{"(1 | 2) contains 2", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"(1 | 2) contains 3", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"(1 | 2) contains {}", nil},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestEvaluateUnion(t *testing.T) {
	ctx := testContext()

	got := evaluate(t, ctx, nil, "1 | 2 | 2 | 3")
	want := fhirpath.Collection{fhirpath.Integer(1), fhirpath.Integer(2), fhirpath.Integer(3)}
	assertCollection(t, "1 | 2 | 2 | 3", want, got)
}

func TestEvaluateTypeOperators(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"1 is Integer", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 is System.Integer", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"1 is Decimal", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"1 as Integer", fhirpath.Collection{fhirpath.Integer(1)}},
		{"'a' as Integer", nil},
		{"(1 | 'a' | 2).ofType(Integer)", fhirpath.Collection{
			fhirpath.Integer(1), fhirpath.Integer(2),
		}},
		{"1.type().name", fhirpath.Collection{fhirpath.String("Integer")}},
		{"1.type().namespace", fhirpath.Collection{fhirpath.String("System")}},
		{"{} is Integer", nil},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestEvaluateExternalConstants(t *testing.T) {
	ctx, err := fhirpath.WithEnv(testContext(), "threshold", fhirpath.Collection{fhirpath.Integer(3)})
	if err != nil {
		t.Fatal(err)
	}

	got := evaluate(t, ctx, nil, "%threshold + 1")
	assertCollection(t, "%threshold + 1", fhirpath.Collection{fhirpath.Integer(4)}, got)

	got = evaluate(t, ctx, nil, "%ucum")
	assertCollection(t, "%ucum",
		fhirpath.Collection{fhirpath.String("http://unitsofmeasure.org")}, got)

	if _, err := fhirpath.EvaluateString(ctx, fhirpath.NewObject(fhirpath.TypeSpecifier{}), "%undefined"); err == nil {
		t.Error("expected error for undefined environment variable")
	}
}

func TestWithEnvRejectsSystemNames(t *testing.T) {
	for _, name := range []string{"context", "ucum", "loinc", "sct"} {
		if _, err := fhirpath.WithEnv(context.Background(), name, fhirpath.Collection{fhirpath.String("x")}); err == nil {
			t.Errorf("expected error rebinding %%%s", name)
		}
	}
}

func TestEvaluateContextVariable(t *testing.T) {
	ctx := testContext()
	patient := decodeObject(t, patientDoc)

	got := evaluate(t, ctx, patient, "name.given.count() = %context.name.given.count()")
	assertCollection(t, "%context", fhirpath.Collection{fhirpath.Boolean(true)}, got)
}

func TestDefineVariable(t *testing.T) {
	ctx := testContext()

	got := evaluate(t, ctx, nil, "(5).defineVariable('v').select(%v + 1)")
	assertCollection(t, "defineVariable", fhirpath.Collection{fhirpath.Integer(6)}, got)

	got = evaluate(t, ctx, nil, "(5).defineVariable('v', 7).select(%v)")
	assertCollection(t, "defineVariable with value", fhirpath.Collection{fhirpath.Integer(7)}, got)

	target := fhirpath.NewObject(fhirpath.TypeSpecifier{})
	if _, err := fhirpath.EvaluateString(ctx, target, "(1).defineVariable('x').defineVariable('x')"); err == nil {
		t.Error("expected error for duplicate variable definition")
	}
	if _, err := fhirpath.EvaluateString(ctx, target, "(1).defineVariable('context')"); err == nil {
		t.Error("expected error for redefining a system variable")
	}
}

func TestDefineVariableScoping(t *testing.T) {
	ctx := testContext()
	target := fhirpath.NewObject(fhirpath.TypeSpecifier{})

	// variables defined inside one union branch are not visible in the other
	if _, err := fhirpath.EvaluateString(ctx, target, "(1).defineVariable('lhs') | %lhs"); err == nil {
		t.Error("expected error: variable must not leak across union branches")
	}

	// variables defined inside a parameter expression do not leak out
	if _, err := fhirpath.EvaluateString(ctx, target, "(1).select((2).defineVariable('inner')).select(%inner)"); err == nil {
		t.Error("expected error: variable must not leak out of parameter scope")
	}
}

func TestIif(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"iif(true, 1, 2)", fhirpath.Collection{fhirpath.Integer(1)}},
		{"iif(false, 1, 2)", fhirpath.Collection{fhirpath.Integer(2)}},
		{"iif({}, 1, 2)", fhirpath.Collection{fhirpath.Integer(2)}},
		{"iif(false, 1)", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestIifShortCircuit(t *testing.T) {
	ctx := testContext()
	ctx, err := fhirpath.WithFunctions(ctx, fhirpath.Functions{
		"boom": func(
			ctx context.Context,
			root fhirpath.Element, target fhirpath.Collection,
			inputOrdered bool,
			parameters []fhirpath.Expression,
			evaluate fhirpath.EvaluateFunc,
		) (fhirpath.Collection, bool, error) {
			t.Error("untaken branch must not be evaluated")
			return nil, false, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := evaluate(t, ctx, nil, "iif(true, 1, boom())")
	assertCollection(t, "iif short circuit", fhirpath.Collection{fhirpath.Integer(1)}, got)
}

func TestWithFunctionsRejectsBuiltinNames(t *testing.T) {
	noop := func(
		ctx context.Context,
		root fhirpath.Element, target fhirpath.Collection,
		inputOrdered bool,
		parameters []fhirpath.Expression,
		evaluate fhirpath.EvaluateFunc,
	) (fhirpath.Collection, bool, error) {
		return nil, true, nil
	}

	if _, err := fhirpath.WithFunctions(context.Background(), fhirpath.Functions{"where": noop}); err == nil {
		t.Error("expected error installing a function shadowing a built-in")
	}
	if _, err := fhirpath.WithFunctions(context.Background(), fhirpath.Functions{"custom": noop}); err != nil {
		t.Errorf("unexpected error installing a custom function: %v", err)
	}
}

func TestAggregate(t *testing.T) {
	ctx := testContext()

	got := evaluate(t, ctx, nil, "(1|2|3|4|5|6|7|8|9).aggregate($this + $total, 0)")
	assertCollection(t, "aggregate sum", fhirpath.Collection{fhirpath.Integer(45)}, got)

	// without an init value the first item seeds the accumulator
	got = evaluate(t, ctx, nil, "(1|2|3).aggregate($this + $total)")
	assertCollection(t, "aggregate without init", fhirpath.Collection{fhirpath.Integer(6)}, got)

	got = evaluate(t, ctx, nil, "(1|2|3).aggregate(iif($this > $total, $this, $total))")
	assertCollection(t, "aggregate max", fhirpath.Collection{fhirpath.Integer(3)}, got)

	// empty input returns the init value untouched
	got = evaluate(t, ctx, nil, "{}.aggregate($this + $total, 42)")
	assertCollection(t, "aggregate empty with init", fhirpath.Collection{fhirpath.Integer(42)}, got)

	got = evaluate(t, ctx, nil, "{}.aggregate($this + $total)")
	assertCollection(t, "aggregate empty without init", nil, got)
}

func TestRepeat(t *testing.T) {
	ctx := testContext()

	// counts up and stops once the projection yields nothing new
	got := evaluate(t, ctx, nil, "(1).repeat(iif($this < 5, $this + 1, {}))")
	want := fhirpath.Collection{
		fhirpath.Integer(2), fhirpath.Integer(3), fhirpath.Integer(4), fhirpath.Integer(5),
	}
	assertCollection(t, "repeat count up", want, got)

	// a two-cycle terminates because produced items deduplicate
	got = evaluate(t, ctx, nil, "'a'.repeat(iif($this = 'a', 'b', 'a'))")
	want = fhirpath.Collection{fhirpath.String("b"), fhirpath.String("a")}
	assertCollection(t, "repeat two-cycle", want, got)
}

func TestStrictPaths(t *testing.T) {
	ctx := testContext()
	ctx = fhirpath.WithNamespace(ctx, "FHIR")
	ctx = fhirpath.WithTypes(ctx, []fhirpath.TypeInfo{
		fhirpath.ClassInfo{
			Namespace: "FHIR",
			Name:      "Patient",
			BaseType:  fhirpath.TypeSpecifier{Namespace: "System", Name: "Any"},
			Element: []fhirpath.ClassInfoElement{
				{Name: "name", Type: fhirpath.TypeSpecifier{Namespace: "FHIR", Name: "HumanName", List: true}},
				{Name: "active", Type: fhirpath.TypeSpecifier{Namespace: "System", Name: "Boolean"}},
			},
		},
	})
	patient := decodeObject(t, patientDoc)

	// lax by default
	got := evaluate(t, ctx, patient, "unknown")
	assertCollection(t, "lax unknown member", nil, got)

	strictCtx := fhirpath.WithStrictPaths(ctx)
	if _, err := fhirpath.EvaluateString(strictCtx, patient, "unknown"); err == nil {
		t.Error("expected error for unknown member in strict mode")
	}
	got, err := fhirpath.EvaluateString(strictCtx, patient, "active")
	if err != nil {
		t.Fatalf("declared member must pass in strict mode: %v", err)
	}
	assertCollection(t, "strict declared member", fhirpath.Collection{fhirpath.Boolean(true)}, got)
}

func TestTrace(t *testing.T) {
	ctx := testContext()
	collector := &fhirpath.CollectingTracer{}
	ctx = fhirpath.WithTracer(ctx, collector)
	patient := decodeObject(t, patientDoc)

	got := evaluate(t, ctx, patient, "name.trace('names').given")
	if len(got) != 3 {
		t.Errorf("trace must pass its input through, got %s", got.String())
	}

	traces := collector.Traces()
	if len(traces) != 1 || traces[0].Name != "names" {
		t.Fatalf("expected a single trace named %q, got %v", "names", traces)
	}
	if len(traces[0].Collection) != 2 {
		t.Errorf("expected 2 traced elements, got %s", traces[0].Collection.String())
	}
}
