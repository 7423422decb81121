// Package fhirpath evaluates path expressions against tree-shaped
// clinical documents.
//
// Expressions are parsed with Parse and evaluated with Evaluate against
// any Element, typically an Object decoded from JSON:
//
//	expr := fhirpath.MustParse("Patient.name.given")
//	result, err := fhirpath.Evaluate(ctx, patient, expr)
package fhirpath

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Parse parses an expression and returns its abstract syntax tree.
//
// The returned Expression renders back to source via String.
func Parse(expr string) (Expression, error) {
	return parse(expr)
}

// MustParse is like Parse but panics on invalid expressions. Useful for
// hardcoded expressions and tests.
func MustParse(expr string) Expression {
	e, err := parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate evaluates the expression against the target element.
//
// The context carries evaluation configuration: decimal precision
// (WithAPDContext), known types (WithTypes), environment variables
// (WithEnv), custom functions (WithFunctions), trace output (WithTracer)
// and the unit converter (WithUnitConverter).
func Evaluate(ctx context.Context, target Element, expr Expression) (Collection, error) {
	ctx = withEvaluationInstant(ctx)
	for name, value := range systemVariables {
		if name == "context" {
			ctx = setEnv(ctx, name, Collection{target})
		} else {
			ctx = setEnv(ctx, name, value)
		}
	}

	result, _, err := evalExpression(
		ctx,
		target, Collection{target},
		true,
		expr,
		true,
	)
	return result, err
}

// EvaluateString parses and evaluates the expression in one step.
func EvaluateString(ctx context.Context, target Element, expr string) (Collection, error) {
	e, err := parse(expr)
	if err != nil {
		return nil, err
	}
	return Evaluate(ctx, target, e)
}

type envKey struct{}

var systemVariables = map[string]Collection{
	"context": nil,
	"ucum":    Collection{String("http://unitsofmeasure.org")},
	"loinc":   Collection{String("http://loinc.org")},
	"sct":     Collection{String("http://snomed.info/sct")},
}

// WithEnv defines an environment variable accessible as %name.
//
// The system-reserved names (context, ucum, loinc, sct) can not be
// rebound; attempting to is an error.
func WithEnv(ctx context.Context, name string, value Collection) (context.Context, error) {
	if _, reserved := systemVariables[name]; reserved {
		return ctx, fmt.Errorf("can not bind %%%s: name is reserved for a system variable", name)
	}
	return setEnv(ctx, name, value), nil
}

func setEnv(ctx context.Context, name string, value Collection) context.Context {
	frame, ok := envStackFrame(ctx)
	if !ok {
		ctx, frame = withNewEnvStackFrame(ctx)
	}
	frame[name] = value
	return ctx
}

func withNewEnvStackFrame(ctx context.Context) (context.Context, map[string]Collection) {
	frame, ok := envStackFrame(ctx)
	if !ok {
		frame = make(map[string]Collection, len(systemVariables))
		for name, value := range systemVariables {
			frame[name] = value
		}
	}
	clonedFrame := maps.Clone(frame)
	return context.WithValue(ctx, envKey{}, clonedFrame), clonedFrame
}

func envStackFrame(ctx context.Context) (map[string]Collection, bool) {
	val, ok := ctx.Value(envKey{}).(map[string]Collection)
	if !ok {
		return nil, false
	}
	return val, true
}

func envValue(ctx context.Context, name string) (Collection, bool) {
	frame, ok := envStackFrame(ctx)
	if !ok {
		return nil, false
	}
	val, ok := frame[name]
	return val, ok
}

// Singleton converts a collection to a single value of the given type.
//
// An empty collection reports ok=false. A single value that is not
// convertible still satisfies a demand for Boolean with true.
func Singleton[T Element](c Collection) (v T, ok bool, err error) {
	if len(c) == 0 {
		return v, false, nil
	} else if len(c) > 1 {
		return v, false, fmt.Errorf("can not convert to singleton: collection contains > 1 values")
	}

	v, ok, err = elementTo[T](c[0], false)

	// if not convertible but contains a single value, evaluate to true
	if _, wantBool := any(v).(Boolean); err != nil && wantBool {
		return any(Boolean(true)).(T), true, nil
	}

	return v, ok, err
}

// Tracer receives the output of trace() invocations.
type Tracer interface {
	Log(name string, collection Collection) error
}

// StdoutTracer writes traces to stdout.
type StdoutTracer struct{}

func (w StdoutTracer) Log(name string, collection Collection) error {
	_, err := fmt.Printf("%s: %v\n", name, collection)
	return err
}

// CollectingTracer records traces for later inspection. Safe for
// concurrent use.
type CollectingTracer struct {
	mu     sync.Mutex
	traces []Trace
}

type Trace struct {
	Name       string
	Collection Collection
}

func (c *CollectingTracer) Log(name string, collection Collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces = append(c.traces, Trace{Name: name, Collection: collection})
	return nil
}

// Traces returns the traces recorded so far.
func (c *CollectingTracer) Traces() []Trace {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.traces)
}

type tracerKey struct{}

// WithTracer installs the given trace logger into the context.
//
// By default, traces are logged to stdout.
func WithTracer(ctx context.Context, logger Tracer) context.Context {
	return context.WithValue(ctx, tracerKey{}, logger)
}

func tracer(ctx context.Context) (Tracer, error) {
	logger, ok := ctx.Value(tracerKey{}).(Tracer)
	if !ok {
		return StdoutTracer{}, nil
	}
	if logger == nil {
		return StdoutTracer{}, fmt.Errorf("no trace logger provided")
	}
	return logger, nil
}

type evaluationTimeKey struct{}
type evaluationInstantKey struct{}

// WithEvaluationTime fixes the wall clock read by now(), today() and
// timeOfDay(). Without it the current time is used.
func WithEvaluationTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, evaluationTimeKey{}, t)
}

// withEvaluationInstant freezes the clock for one evaluation run, so
// repeated now() calls within a single expression agree.
func withEvaluationInstant(ctx context.Context) context.Context {
	if _, ok := ctx.Value(evaluationInstantKey{}).(time.Time); ok {
		return ctx
	}
	instant, ok := ctx.Value(evaluationTimeKey{}).(time.Time)
	if !ok {
		instant = time.Now()
	}
	return context.WithValue(ctx, evaluationInstantKey{}, instant)
}

func evaluationInstant(ctx context.Context) time.Time {
	if instant, ok := ctx.Value(evaluationInstantKey{}).(time.Time); ok {
		return instant
	}
	if instant, ok := ctx.Value(evaluationTimeKey{}).(time.Time); ok {
		return instant
	}
	return time.Now()
}

type strictPathsKey struct{}

// WithStrictPaths makes member access on elements of a known class fail
// with an error when the class has no such element, instead of quietly
// yielding empty. Elements without installed class information are
// unaffected.
func WithStrictPaths(ctx context.Context) context.Context {
	return context.WithValue(ctx, strictPathsKey{}, true)
}

func strictPaths(ctx context.Context) bool {
	strict, ok := ctx.Value(strictPathsKey{}).(bool)
	return ok && strict
}

// Functions maps function names to implementations.
type Functions map[string]Function

type Function = func(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	parameters []Expression,
	evaluate EvaluateFunc,
) (result Collection, resultOrdered bool, err error)

// EvaluateFunc evaluates a parameter expression against a target. A nil
// scope preserves the caller's function scope.
type EvaluateFunc = func(
	ctx context.Context,
	target Collection,
	expr Expression,
	scope *FunctionScope,
) (result Collection, resultOrdered bool, err error)

type functionCtxKey struct{}

// FunctionScope carries the iteration state a function exposes to its
// parameter expressions as $index and $total.
type FunctionScope struct {
	index int
	total Collection
}

type functionScope struct {
	this      Element
	index     int
	aggregate bool
	total     Collection
}

func withFunctionScope(
	ctx context.Context,
	fnScope functionScope,
) context.Context {
	return context.WithValue(
		ctx,
		functionCtxKey{},
		fnScope,
	)
}

func getFunctionScope(ctx context.Context) (functionScope, bool) {
	fnCtx, ok := ctx.Value(functionCtxKey{}).(functionScope)
	return fnCtx, ok
}

type functionsKey struct{}

// WithFunctions installs the given functions into the context.
//
// Built-in functions can not be replaced; installing a function whose
// name collides with a built-in returns an error.
func WithFunctions(
	ctx context.Context,
	functions Functions,
) (context.Context, error) {
	for name := range functions {
		if _, exists := defaultFunctions[name]; exists {
			return ctx, fmt.Errorf("can not install function %q: name is reserved for a built-in", name)
		}
	}

	allFns := getFunctions(ctx)
	maps.Copy(allFns, functions)

	return context.WithValue(ctx, functionsKey{}, allFns), nil
}

func getFunctions(ctx context.Context) Functions {
	fns, ok := ctx.Value(functionsKey{}).(Functions)
	if !ok {
		return maps.Clone(defaultFunctions)
	}
	return fns
}

func getFunction(ctx context.Context, name string) (Function, bool) {
	fns := getFunctions(ctx)
	fn, ok := fns[name]
	return fn, ok
}
