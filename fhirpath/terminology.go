package fhirpath

import (
	"context"
	"fmt"
)

// TerminologyService answers value set membership questions for
// memberOf(). Real terminology servers plug in via an adapter
// implementing this interface.
type TerminologyService interface {
	// ValueSetContains reports whether the value set identified by url
	// contains the given coded value. system is empty for bare code and
	// string inputs.
	ValueSetContains(ctx context.Context, url, system, code string) (bool, error)
}

type terminologyServiceKey struct{}

// WithTerminologyService installs the terminology service consulted by
// memberOf(). Without one, memberOf() evaluates to empty.
func WithTerminologyService(ctx context.Context, service TerminologyService) context.Context {
	return context.WithValue(ctx, terminologyServiceKey{}, service)
}

func terminologyService(ctx context.Context) (TerminologyService, bool) {
	service, ok := ctx.Value(terminologyServiceKey{}).(TerminologyService)
	return service, ok && service != nil
}

// InMemoryValueSets is a TerminologyService backed by a static map from
// value set url to its codes, keyed "system|code" (or just "code" for
// systemless entries). Useful for tests and small fixed vocabularies.
type InMemoryValueSets map[string]map[string]bool

func (vs InMemoryValueSets) ValueSetContains(ctx context.Context, url, system, code string) (bool, error) {
	codes, ok := vs[url]
	if !ok {
		return false, fmt.Errorf("unknown value set: %s", url)
	}
	if system == "" {
		return codes[code], nil
	}
	return codes[system+"|"+code], nil
}

// memberOf implements memberOf(valueSetURL). The input may be a string,
// a code, a Coding or a CodeableConcept; a CodeableConcept is a member
// when any of its codings is.
func memberOf(
	ctx context.Context,
	root Element, target Collection,
	inputOrdered bool,
	parameters []Expression,
	evaluate EvaluateFunc,
) (result Collection, resultOrdered bool, err error) {
	if len(parameters) != 1 {
		return nil, false, fmt.Errorf("expected single value set url parameter")
	}
	if len(target) == 0 {
		return nil, true, nil
	}
	if len(target) > 1 {
		return nil, false, fmt.Errorf("expected single input element")
	}

	service, ok := terminologyService(ctx)
	if !ok {
		return nil, true, nil
	}

	valueSetURL, ok, err := stringParam(ctx, evaluate, parameters[0])
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("expected string value set url parameter")
	}

	codings, ok := codedValues(target[0])
	if !ok {
		return nil, true, nil
	}

	for _, c := range codings {
		member, err := service.ValueSetContains(ctx, string(valueSetURL), c.system, c.code)
		if err != nil {
			return nil, false, fmt.Errorf("memberOf(%s): %w", valueSetURL, err)
		}
		if member {
			return Collection{Boolean(true)}, true, nil
		}
	}
	return Collection{Boolean(false)}, true, nil
}

type codedValue struct {
	system string
	code   string
}

// codedValues extracts the coded values of an element: a plain string
// yields a systemless code, a Coding-shaped object yields its
// system/code pair and a CodeableConcept-shaped object yields one pair
// per coding.
func codedValues(e Element) ([]codedValue, bool) {
	if s, ok, err := e.ToString(false); err == nil && ok {
		if _, isObject := e.(Object); !isObject {
			return []codedValue{{code: string(s)}}, true
		}
	}

	obj, ok := e.(Object)
	if !ok {
		return nil, false
	}

	if coding := obj.Children("coding"); len(coding) > 0 {
		var values []codedValue
		for _, c := range coding {
			if v, ok := codingValue(c); ok {
				values = append(values, v)
			}
		}
		return values, len(values) > 0
	}

	if v, ok := codingValue(obj); ok {
		return []codedValue{v}, true
	}
	return nil, false
}

func codingValue(e Element) (codedValue, bool) {
	code, ok, err := Singleton[String](e.Children("code"))
	if err != nil || !ok {
		return codedValue{}, false
	}
	var system String
	if s, ok, err := Singleton[String](e.Children("system")); err == nil && ok {
		system = s
	}
	return codedValue{system: string(system), code: string(code)}, true
}
