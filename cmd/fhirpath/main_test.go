package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDoc(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const patientDoc = `{
	"resourceType": "Patient",
	"name": [
		{"use": "official", "given": ["Peter", "James"]},
		{"use": "usual", "given": ["Jim"]}
	]
}`

func TestRunEvaluate(t *testing.T) {
	path := writeDoc(t, patientDoc)

	var stdout, stderr bytes.Buffer
	err := run(&stdout, &stderr, "name.where(use = 'official').given", path, "FHIR", nil, false, false)
	if err != nil {
		t.Fatal(err)
	}

	want := "\"Peter\"\n\"James\"\n"
	if stdout.String() != want {
		t.Errorf("stdout = %q, want %q", stdout.String(), want)
	}
}

func TestRunWithVariables(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(&stdout, &stderr, "%greeting & '!'", "", "FHIR", varFlags{"greeting=hello"}, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(stdout.String()); got != `"hello!"` {
		t.Errorf("stdout = %q", got)
	}
}

func TestRunTrace(t *testing.T) {
	path := writeDoc(t, patientDoc)

	var stdout, stderr bytes.Buffer
	err := run(&stdout, &stderr, "name.trace('names').count()", path, "FHIR", nil, true, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stderr.String(), "trace names:") {
		t.Errorf("stderr = %q, want trace output", stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "2" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRunDebugTree(t *testing.T) {
	path := writeDoc(t, patientDoc)

	var stdout, stderr bytes.Buffer
	err := run(&stdout, &stderr, "name.given", path, "FHIR", nil, false, true)
	if err != nil {
		t.Fatal(err)
	}
	out := stdout.String()
	if !strings.Contains(out, "<!doctype html>") || !strings.Contains(out, "given") {
		t.Errorf("unexpected debug output: %q", out)
	}
}

func TestRunRejectsSystemVariable(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(&stdout, &stderr, "%ucum", "", "FHIR", varFlags{"ucum=x"}, false, false); err == nil {
		t.Error("expected error rebinding a system variable")
	}
}

func TestRunParseError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(&stdout, &stderr, "1 +", "", "FHIR", nil, false, false); err == nil {
		t.Error("expected parse error")
	}
}

func TestVarFlags(t *testing.T) {
	var vars varFlags
	if err := vars.Set("a=1"); err != nil {
		t.Fatal(err)
	}
	if err := vars.Set("novalue"); err == nil {
		t.Error("expected error for flag without =")
	}
}
