package fhirpath_test

import (
	"testing"

	"github.com/fhirkit/fhirpath-go/fhirpath"
)

func TestParseTemporalPrecision(t *testing.T) {
	dates := []struct {
		src  string
		want fhirpath.DatePrecision
	}{
		{"2018", fhirpath.DatePrecisionYear},
		{"2018-03", fhirpath.DatePrecisionMonth},
		{"2018-03-01", fhirpath.DatePrecisionFull},
	}
	for _, tt := range dates {
		d, err := fhirpath.ParseDate(tt.src)
		if err != nil {
			t.Fatalf("ParseDate(%q): %v", tt.src, err)
		}
		if d.Precision != tt.want {
			t.Errorf("ParseDate(%q) precision = %v, want %v", tt.src, d.Precision, tt.want)
		}
		if d.String() != tt.src {
			t.Errorf("ParseDate(%q).String() = %q", tt.src, d.String())
		}
	}

	times := []struct {
		src  string
		want fhirpath.TimePrecision
	}{
		{"14", fhirpath.TimePrecisionHour},
		{"14:30", fhirpath.TimePrecisionMinute},
		{"14:30:15", fhirpath.TimePrecisionSecond},
		{"14:30:15.250", fhirpath.TimePrecisionMillisecond},
	}
	for _, tt := range times {
		tm, err := fhirpath.ParseTime(tt.src)
		if err != nil {
			t.Fatalf("ParseTime(%q): %v", tt.src, err)
		}
		if tm.Precision != tt.want {
			t.Errorf("ParseTime(%q) precision = %v, want %v", tt.src, tm.Precision, tt.want)
		}
	}

	dt, err := fhirpath.ParseDateTime("2015-02-04T14:34:28+09:00")
	if err != nil {
		t.Fatal(err)
	}
	if dt.Precision != fhirpath.DateTimePrecisionSecond {
		t.Errorf("precision = %v, want second", dt.Precision)
	}
	if !dt.HasTimeZone {
		t.Error("expected time zone offset to be retained")
	}

	dt, err = fhirpath.ParseDateTime("2015-02-04T14:34")
	if err != nil {
		t.Fatal(err)
	}
	if dt.HasTimeZone {
		t.Error("expected no time zone offset")
	}

	if _, err := fhirpath.ParseDate("2018-13"); err == nil {
		t.Error("expected error for month out of range")
	}
	if _, err := fhirpath.ParseTime("25:00"); err == nil {
		t.Error("expected error for hour out of range")
	}
}

func TestTemporalComparison(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"@2018-03-01 > @2018-01-01", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"@2018-03-01 = @2018-03-01", fhirpath.Collection{fhirpath.Boolean(true)}},
		// mixed precision where the shared prefix agrees is indeterminate
		{"@2018-03 > @2018-03-01", nil},
		{"@2018-03 = @2018-03-01", nil},
		// the coarser value still orders when the shared prefix differs
		{"@2018-03 > @2018-04-01", fhirpath.Collection{fhirpath.Boolean(false)}},
		{"@2019 > @2018-12-31", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"@T14:30 < @T15:00", fhirpath.Collection{fhirpath.Boolean(true)}},
		{"@T14:30 = @T14:30:00", nil},
		{"@2015-02-04T14:00Z = @2015-02-04T14:00+00:00", fhirpath.Collection{fhirpath.Boolean(true)}},
		// same instant expressed in different zones
		{"@2015-02-04T23:00+09:00 = @2015-02-04T14:00Z", fhirpath.Collection{fhirpath.Boolean(true)}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestTemporalArithmetic(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		expr string
		want fhirpath.Collection
	}{
		{"@2020-01-01 + 7 days", fhirpath.Collection{mustDate(t, "2020-01-08")}},
		{"@2020-01-31 + 1 month", fhirpath.Collection{mustDate(t, "2020-02-29")}},
		{"@2020-03-01 - 1 day", fhirpath.Collection{mustDate(t, "2020-02-29")}},
		{"@2019 + 2 years", fhirpath.Collection{mustDate(t, "2021")}},
		{"@T12:00 + 30 minutes", fhirpath.Collection{mustTime(t, "12:30")}},
		{"@T23:30 + 45 minutes", fhirpath.Collection{mustTime(t, "00:15")}},
		{"@2020-01-02T03:04:05Z + 1 hour", fhirpath.Collection{mustDateTime(t, "2020-01-02T04:04:05Z")}},
		{"@2020-01-02T03:04:05Z - 5 seconds", fhirpath.Collection{mustDateTime(t, "2020-01-02T03:04:00Z")}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got := evaluate(t, ctx, nil, tt.expr)
			assertCollection(t, tt.expr, tt.want, got)
		})
	}
}

func TestTemporalBoundaries(t *testing.T) {
	d := mustDate(t, "2014")

	low, ok := d.LowBoundary(nil)
	if !ok {
		t.Fatal("expected boundary")
	}
	if eq, _ := low.Equal(mustDate(t, "2014-01-01")); !eq {
		t.Errorf("low boundary = %v", low)
	}

	high, ok := d.HighBoundary(nil)
	if !ok {
		t.Fatal("expected boundary")
	}
	if eq, _ := high.Equal(mustDate(t, "2014-12-31")); !eq {
		t.Errorf("high boundary = %v", high)
	}

	// with explicit output digits the boundary stops at that precision
	digits := 6
	low, ok = d.LowBoundary(&digits)
	if !ok {
		t.Fatal("expected boundary")
	}
	if low.Precision != fhirpath.DatePrecisionMonth {
		t.Errorf("boundary precision = %v, want month", low.Precision)
	}

	// requesting more digits than the type holds is not meaningful
	digits = 17
	if _, ok := d.LowBoundary(&digits); ok {
		t.Error("expected no boundary for unsupported digit count")
	}
}
