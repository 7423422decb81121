package debug_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fhirkit/fhirpath-go/fhirpath"
	"github.com/fhirkit/fhirpath-go/fhirpath/debug"
)

func humanNameContext() *fhirpath.TypeContext {
	return &fhirpath.TypeContext{
		Root: fhirpath.InferredType{Namespace: "FHIR", Name: "HumanName"},
		Types: []fhirpath.TypeInfo{
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

func TestRender(t *testing.T) {
	expr := fhirpath.MustParse("given.count() > 1")

	var buf bytes.Buffer
	if err := debug.Render(&buf, expr, humanNameContext()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"<!doctype html>",
		"given.count() &gt; 1", // expression in the title, escaped
		"given",
		"List&lt;System.String&gt;",
		"count()",
		"System.Integer",
		"System.Boolean",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRenderEscapesLabels(t *testing.T) {
	expr := fhirpath.MustParse("'<script>alert(1)</script>'")

	var buf bytes.Buffer
	if err := debug.Render(&buf, expr, nil); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	if strings.Contains(out, "<script>") {
		t.Error("string literal label must be escaped")
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Error("expected escaped label in output")
	}
}

func TestRenderWithoutContext(t *testing.T) {
	expr := fhirpath.MustParse("name.family")

	var buf bytes.Buffer
	if err := debug.Render(&buf, expr, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "name.family") {
		t.Error("expected expression heading in output")
	}
}
