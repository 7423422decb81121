// Command fhirpath evaluates a path expression against a JSON document.
//
//	fhirpath -e 'Patient.name.given' -f patient.json
//	fhirpath -e '%threshold < 5' -var threshold=3
//	fhirpath -e 'name.where(use = "official")' -f patient.json -trace
//	fhirpath -e 'Patient.name.given' -debug > tree.html
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fhirkit/fhirpath-go/fhirpath"
	"github.com/fhirkit/fhirpath-go/fhirpath/debug"
)

type varFlags []string

func (v *varFlags) String() string { return strings.Join(*v, ",") }
func (v *varFlags) Set(s string) error {
	if !strings.Contains(s, "=") {
		return fmt.Errorf("expected name=value, got %q", s)
	}
	*v = append(*v, s)
	return nil
}

func main() {
	var (
		exprFlag  = flag.String("e", "", "expression to evaluate (required)")
		fileFlag  = flag.String("f", "", "JSON document to evaluate against")
		nsFlag    = flag.String("ns", "FHIR", "namespace for document types")
		traceFlag = flag.Bool("trace", false, "print trace() output to stderr")
		debugFlag = flag.Bool("debug", false, "print the expression tree as HTML instead of evaluating")
		vars      varFlags
	)
	flag.Var(&vars, "var", "external constant as name=value, may repeat")
	flag.Parse()

	if *exprFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(os.Stdout, os.Stderr, *exprFlag, *fileFlag, *nsFlag, vars, *traceFlag, *debugFlag); err != nil {
		fmt.Fprintln(os.Stderr, "fhirpath:", err)
		os.Exit(1)
	}
}

func run(stdout, stderr io.Writer, exprSrc, file, namespace string, vars varFlags, trace, debugTree bool) error {
	expr, err := fhirpath.Parse(exprSrc)
	if err != nil {
		return err
	}

	var target fhirpath.Element = fhirpath.NewObject(fhirpath.TypeSpecifier{})
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		obj, err := fhirpath.ObjectFromJSON(namespace, f)
		if err != nil {
			return fmt.Errorf("decode %s: %w", file, err)
		}
		target = obj
	}

	if debugTree {
		tc := &fhirpath.TypeContext{}
		if q, ok := target.TypeInfo().QualifiedName(); ok {
			tc.Root = fhirpath.InferredType{Namespace: q.Namespace, Name: q.Name}
		}
		return debug.Render(stdout, expr, tc)
	}

	ctx := context.Background()
	ctx = fhirpath.WithNamespace(ctx, namespace)
	for _, v := range vars {
		name, value, _ := strings.Cut(v, "=")
		ctx, err = fhirpath.WithEnv(ctx, name, fhirpath.Collection{fhirpath.String(value)})
		if err != nil {
			return err
		}
	}

	collector := &fhirpath.CollectingTracer{}
	if trace {
		ctx = fhirpath.WithTracer(ctx, collector)
	}

	result, err := fhirpath.Evaluate(ctx, target, expr)
	if err != nil {
		return err
	}

	for _, elem := range result {
		line, err := json.Marshal(elem)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(line))
	}

	if trace {
		for _, t := range collector.Traces() {
			fmt.Fprintf(stderr, "trace %s: %v\n", t.Name, t.Collection)
		}
	}
	return nil
}
