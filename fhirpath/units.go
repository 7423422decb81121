package fhirpath

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// UnitConverter converts quantity values between units of measure.
//
// The built-in converter covers the duration units the language defines
// plus common metric length, mass and volume units. Applications needing
// the full UCUM system can install their own converter.
type UnitConverter interface {
	// Comparable reports whether values of both units share a dimension.
	Comparable(from, to string) bool
	// Convert converts value from one unit to the other.
	Convert(apdContext *apd.Context, value *apd.Decimal, from, to string) (*apd.Decimal, error)
}

type unitConverterKey struct{}

// WithUnitConverter sets the UnitConverter used for quantity comparison
// and arithmetic.
func WithUnitConverter(ctx context.Context, converter UnitConverter) context.Context {
	return context.WithValue(ctx, unitConverterKey{}, converter)
}

func unitConverter(ctx context.Context) UnitConverter {
	if ctx != nil {
		if converter, ok := ctx.Value(unitConverterKey{}).(UnitConverter); ok && converter != nil {
			return converter
		}
	}
	return defaultUnitConverter
}

func convertDecimalUnit(ctx context.Context, value *apd.Decimal, from, to string) (*apd.Decimal, error) {
	converter := unitConverter(ctx)
	if !converter.Comparable(from, to) {
		return nil, fmt.Errorf("units are not comparable: %s and %s", from, to)
	}
	return converter.Convert(apdContext(ctx), value, from, to)
}

// canonicalUCUMUnit maps calendar duration words to the UCUM code of the
// same duration and strips quote delimiters. Unknown units pass through.
func canonicalUCUMUnit(unit string) string {
	unit = strings.Trim(strings.TrimSpace(unit), "'")
	switch strings.ToLower(unit) {
	case "year", "years":
		return "a"
	case "month", "months":
		return "mo"
	case "week", "weeks":
		return "wk"
	case "day", "days":
		return "d"
	case "hour", "hours":
		return "h"
	case "minute", "minutes":
		return "min"
	case "second", "seconds":
		return "s"
	case "millisecond", "milliseconds":
		return "ms"
	}
	return unit
}

func displayQuantityUnit(unit String) string {
	return strings.Trim(strings.TrimSpace(string(unit)), "'")
}

// tableUnitConverter is a fixed-factor converter. Units within the same
// dimension convert by ratio of their factors relative to the dimension's
// base unit.
type tableUnitConverter struct {
	units map[string]unitEntry
}

type unitEntry struct {
	dimension string
	factor    *apd.Decimal
}

var defaultUnitConverter UnitConverter = tableUnitConverter{
	units: map[string]unitEntry{
		// variable-length durations form their own dimension, they do
		// not convert to definite time
		"a":  {"calendar", mustDecimal("12")},
		"mo": {"calendar", mustDecimal("1")},

		// definite durations, base millisecond
		"wk":  {"time", mustDecimal("604800000")},
		"d":   {"time", mustDecimal("86400000")},
		"h":   {"time", mustDecimal("3600000")},
		"min": {"time", mustDecimal("60000")},
		"s":   {"time", mustDecimal("1000")},
		"ms":  {"time", mustDecimal("1")},

		// length, base meter
		"km": {"length", mustDecimal("1000")},
		"m":  {"length", mustDecimal("1")},
		"dm": {"length", mustDecimal("0.1")},
		"cm": {"length", mustDecimal("0.01")},
		"mm": {"length", mustDecimal("0.001")},
		"um": {"length", mustDecimal("0.000001")},

		// mass, base gram
		"kg": {"mass", mustDecimal("1000")},
		"g":  {"mass", mustDecimal("1")},
		"mg": {"mass", mustDecimal("0.001")},
		"ug": {"mass", mustDecimal("0.000001")},

		// volume, base liter
		"L":  {"volume", mustDecimal("1")},
		"dL": {"volume", mustDecimal("0.1")},
		"cL": {"volume", mustDecimal("0.01")},
		"mL": {"volume", mustDecimal("0.001")},
		"uL": {"volume", mustDecimal("0.000001")},

		"1": {"unity", mustDecimal("1")},
	},
}

func (t tableUnitConverter) Comparable(from, to string) bool {
	if from == to {
		return true
	}
	f, okFrom := t.units[from]
	o, okTo := t.units[to]
	return okFrom && okTo && f.dimension == o.dimension
}

func (t tableUnitConverter) Convert(apdContext *apd.Context, value *apd.Decimal, from, to string) (*apd.Decimal, error) {
	if from == to {
		return value, nil
	}
	f, okFrom := t.units[from]
	o, okTo := t.units[to]
	if !okFrom || !okTo || f.dimension != o.dimension {
		return nil, fmt.Errorf("units are not comparable: %s and %s", from, to)
	}

	var scaled, converted apd.Decimal
	if _, err := apdContext.Mul(&scaled, value, f.factor); err != nil {
		return nil, err
	}
	if _, err := apdContext.Quo(&converted, &scaled, o.factor); err != nil {
		return nil, err
	}
	return &converted, nil
}

func mustDecimal(s string) *apd.Decimal {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
