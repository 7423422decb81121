package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// Date is a calendar date with partial precision.
type Date struct {
	defaultConversionError[Date]
	Value     time.Time
	Precision DatePrecision
}

type DatePrecision string

const (
	DatePrecisionYear  DatePrecision = "year"
	DatePrecisionMonth DatePrecision = "month"
	DatePrecisionFull  DatePrecision = "full"
)

const (
	maxMillisecondNanoseconds = int(time.Millisecond * 999)
	minTimeZoneOffsetHours    = -12
	maxTimeZoneOffsetHours    = 14
	maxDateDigits             = 8
	maxDateTimeDigits         = 17
	maxTimeDigits             = 9
)

func datePrecisionOrder(p DatePrecision) int {
	switch p {
	case DatePrecisionYear:
		return 0
	case DatePrecisionMonth:
		return 1
	default:
		return 2
	}
}

var dateComparisonLevels = []DatePrecision{
	DatePrecisionYear,
	DatePrecisionMonth,
	DatePrecisionFull,
}

func hasDatePrecisionLevel(current, level DatePrecision) bool {
	return datePrecisionOrder(current) >= datePrecisionOrder(level)
}

// delegatesToDateTime reports whether comparison with a Date should be
// delegated to the other side. Dates convert implicitly to DateTime, so
// the DateTime implementation owns the comparison.
func delegatesToDateTime(e Element) bool {
	switch e.(type) {
	case DateTime, *DateTime:
		return true
	default:
		return false
	}
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareDatesAtLevel(a, b time.Time, level DatePrecision) int {
	switch level {
	case DatePrecisionYear:
		return compareInts(a.Year(), b.Year())
	case DatePrecisionMonth:
		if cmp := compareInts(a.Year(), b.Year()); cmp != 0 {
			return cmp
		}
		return compareInts(int(a.Month()), int(b.Month()))
	default:
		if cmp := compareInts(a.Year(), b.Year()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(int(a.Month()), int(b.Month())); cmp != 0 {
			return cmp
		}
		return compareInts(a.Day(), b.Day())
	}
}

func datePrecisionToDateTimePrecision(p DatePrecision) DateTimePrecision {
	switch p {
	case DatePrecisionYear:
		return DateTimePrecisionYear
	case DatePrecisionMonth:
		return DateTimePrecisionMonth
	default:
		return DateTimePrecisionDay
	}
}

func (d Date) Children(name ...string) Collection {
	return nil
}
func (d Date) PrecisionDigits() int {
	return dateDigitsForPrecision(d.Precision)
}
func (d Date) ToString(explicit bool) (v String, ok bool, err error) {
	return String(d.String()), true, nil
}
func (d Date) ToDate(explicit bool) (v Date, ok bool, err error) {
	return d, true, nil
}
func (d Date) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return DateTime{
		Value:       d.Value,
		Precision:   datePrecisionToDateTimePrecision(d.Precision),
		HasTimeZone: false,
	}, true, nil
}
func (d Date) Equal(other Element) (eq bool, ok bool) {
	o, ok, err := other.ToDate(false)
	if err == nil && ok {
		cmp, cmpOK, err := d.Cmp(o)
		if err == nil {
			return cmp == 0, cmpOK
		}
	}
	if delegatesToDateTime(other) || isStringish(other) {
		return other.Equal(d)
	}
	return false, true
}
func (d Date) Equivalent(other Element) bool {
	o, ok, err := other.ToDate(false)
	if err == nil && ok {
		cmp, cmpOK, err := d.Cmp(o)
		if err == nil && cmpOK {
			return cmp == 0
		}
		return false
	}
	if delegatesToDateTime(other) || isStringish(other) {
		return other.Equivalent(d)
	}
	return false
}
func (d Date) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToDate(false)
	if err != nil || !ok {
		return 0, false, fmt.Errorf("can not compare Date to %T, left: %v right: %v", other, d, other)
	}
	right := o.Value.In(d.Value.Location())
	for _, level := range dateComparisonLevels {
		leftHas := hasDatePrecisionLevel(d.Precision, level)
		rightHas := hasDatePrecisionLevel(o.Precision, level)

		if !leftHas && !rightHas {
			break
		}
		if leftHas && rightHas {
			cmp = compareDatesAtLevel(d.Value, right, level)
			if cmp != 0 {
				return cmp, true, nil
			}
			continue
		}
		// one side lacks this level, comparison is indeterminate
		return 0, false, nil
	}
	return 0, true, nil
}

func (d Date) Add(ctx context.Context, other Element) (Element, error) {
	return d.addQuantity(other, 1)
}

func (d Date) Subtract(ctx context.Context, other Element) (Element, error) {
	return d.addQuantity(other, -1)
}

func (d Date) addQuantity(other Element, sign int64) (Element, error) {
	if d.Value.IsZero() {
		return nil, fmt.Errorf("cannot perform arithmetic on empty date")
	}

	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not combine Date with %T: %v and %v", other, d, other)
	}

	unit := normalizeTimeUnit(string(q.Unit))
	if !isTimeUnit(unit) {
		return nil, fmt.Errorf("invalid time unit: %v", q.Unit)
	}

	// Calendar durations truncate the fractional part.
	var integ, frac apd.Decimal
	q.Value.Value.Modf(&integ, &frac)
	value, err := integ.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid quantity value for date arithmetic: %v", err)
	}
	value *= sign

	var result time.Time
	switch unit {
	case UnitYear:
		result = d.Value.AddDate(int(value), 0, 0)
		// When the day does not exist in the resulting month, the
		// last day of that month is used.
		if result.Day() < d.Value.Day() {
			result = result.AddDate(0, 0, -result.Day())
		}
	case UnitMonth:
		years, months := value/12, value%12
		result = d.Value.AddDate(int(years), int(months), 0)
		if result.Day() < d.Value.Day() {
			result = result.AddDate(0, 0, -result.Day())
		}
	case UnitWeek:
		result = d.Value.AddDate(0, 0, int(value)*7)
	case UnitDay:
		result = d.Value.AddDate(0, 0, int(value))
	default:
		return nil, fmt.Errorf("invalid time unit for Date: %v", q.Unit)
	}

	return Date{Value: result, Precision: d.Precision}, nil
}

func (d Date) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "Date",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
func (d Date) String() string {
	switch d.Precision {
	case DatePrecisionYear:
		return d.Value.Format(DateFormatOnlyYear)
	case DatePrecisionMonth:
		return d.Value.Format(DateFormatUpToMonth)
	default:
		return d.Value.Format(DateFormatFull)
	}
}

func (d Date) LowBoundary(precisionDigits *int) (Date, bool) {
	digits := maxDateDigits
	if precisionDigits != nil {
		digits = *precisionDigits
	}
	if digits < 0 {
		return Date{}, false
	}
	return buildDateBoundary(d, digits, false)
}

func (d Date) HighBoundary(precisionDigits *int) (Date, bool) {
	digits := maxDateDigits
	if precisionDigits != nil {
		digits = *precisionDigits
	}
	if digits < 0 {
		return Date{}, false
	}
	return buildDateBoundary(d, digits, true)
}

func dateDigitsForPrecision(p DatePrecision) int {
	switch p {
	case DatePrecisionYear:
		return 4
	case DatePrecisionMonth:
		return 6
	default:
		return 8
	}
}

func datePrecisionFromDigits(d int) (DatePrecision, bool) {
	switch d {
	case 4:
		return DatePrecisionYear, true
	case 6:
		return DatePrecisionMonth, true
	case 8:
		return DatePrecisionFull, true
	default:
		return "", false
	}
}

func dateRangeEndpoints(d Date) (time.Time, time.Time) {
	loc := d.Value.Location()
	year, month, day := d.Value.Date()
	switch d.Precision {
	case DatePrecisionYear:
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
		end := time.Date(year, time.December, 31, 23, 59, 59, maxMillisecondNanoseconds, loc)
		return start, end
	case DatePrecisionMonth:
		start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
		lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
		end := time.Date(year, month, lastDay, 23, 59, 59, maxMillisecondNanoseconds, loc)
		return start, end
	default:
		start := time.Date(year, month, day, 0, 0, 0, 0, loc)
		end := time.Date(year, month, day, 23, 59, 59, maxMillisecondNanoseconds, loc)
		return start, end
	}
}

func buildDateFromTime(t time.Time, precision DatePrecision) Date {
	loc := t.Location()
	year, month, day := t.Date()
	switch precision {
	case DatePrecisionYear:
		month = time.January
		day = 1
	case DatePrecisionMonth:
		day = 1
	case DatePrecisionFull:
		// keep specific day
	}
	return Date{
		Value:     time.Date(year, month, day, 0, 0, 0, 0, loc),
		Precision: precision,
	}
}

func buildDateBoundary(value Date, digits int, useUpper bool) (Date, bool) {
	precision, ok := datePrecisionFromDigits(digits)
	if !ok {
		return Date{}, false
	}
	start, end := dateRangeEndpoints(value)
	anchor := start
	if useUpper {
		anchor = end
	}
	return buildDateFromTime(anchor, precision), true
}

// Time is a time of day with partial precision.
type Time struct {
	defaultConversionError[Time]
	Value     time.Time
	Precision TimePrecision
}

type TimePrecision string

const (
	TimePrecisionHour        TimePrecision = "hour"
	TimePrecisionMinute      TimePrecision = "minute"
	TimePrecisionSecond      TimePrecision = "second"
	TimePrecisionMillisecond TimePrecision = "millisecond"
	TimePrecisionFull                      = TimePrecisionMillisecond
)

var timeComparisonLevels = []TimePrecision{
	TimePrecisionHour,
	TimePrecisionMinute,
	TimePrecisionSecond,
}

func hasTimePrecisionLevel(current, level TimePrecision) bool {
	return timePrecisionOrder(current) >= timePrecisionOrder(level)
}

func compareTimesAtLevel(a, b time.Time, level TimePrecision) int {
	switch level {
	case TimePrecisionHour:
		return compareInts(a.Hour(), b.Hour())
	case TimePrecisionMinute:
		if cmp := compareInts(a.Hour(), b.Hour()); cmp != 0 {
			return cmp
		}
		return compareInts(a.Minute(), b.Minute())
	default:
		if cmp := compareInts(a.Hour(), b.Hour()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(a.Minute(), b.Minute()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(a.Second(), b.Second()); cmp != 0 {
			return cmp
		}
		return compareMillisWithinSecond(a, b)
	}
}

func timePrecisionOrder(p TimePrecision) int {
	switch p {
	case TimePrecisionHour:
		return 0
	case TimePrecisionMinute:
		return 1
	case TimePrecisionSecond:
		return 2
	default:
		return 3
	}
}

func (t Time) Children(name ...string) Collection {
	return nil
}
func (t Time) PrecisionDigits() int {
	return timeDigitsForPrecision(t.Precision)
}
func (t Time) ToString(explicit bool) (v String, ok bool, err error) {
	return String(t.String()), true, nil
}
func (t Time) ToTime(explicit bool) (v Time, ok bool, err error) {
	return t, true, nil
}
func (t Time) Equal(other Element) (eq bool, ok bool) {
	o, ok, err := other.ToTime(false)
	if err == nil && ok {
		cmp, cmpOK, err := t.Cmp(o)
		if err == nil {
			return cmp == 0, cmpOK
		}
	}
	if isStringish(other) {
		return other.Equal(t)
	}
	return false, true
}
func (t Time) Equivalent(other Element) bool {
	o, ok, err := other.ToTime(false)
	if err == nil && ok {
		cmp, cmpOK, err := t.Cmp(o)
		if err == nil && cmpOK {
			return cmp == 0
		}
		return false
	}
	if isStringish(other) {
		return other.Equivalent(t)
	}
	return false
}
func (t Time) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToTime(false)
	if err != nil || !ok {
		return 0, false, fmt.Errorf("can not compare Time to %T, left: %v right: %v", other, t, other)
	}
	right := o.Value.In(t.Value.Location())
	for _, level := range timeComparisonLevels {
		leftHas := hasTimePrecisionLevel(t.Precision, level)
		rightHas := hasTimePrecisionLevel(o.Precision, level)

		if !leftHas && !rightHas {
			break
		}
		if leftHas && rightHas {
			cmp = compareTimesAtLevel(t.Value, right, level)
			if cmp != 0 {
				return cmp, true, nil
			}
			continue
		}
		return 0, false, nil
	}
	return 0, true, nil
}

func (t Time) Add(ctx context.Context, other Element) (Element, error) {
	return t.addQuantity(other, 1)
}

func (t Time) Subtract(ctx context.Context, other Element) (Element, error) {
	return t.addQuantity(other, -1)
}

func (t Time) addQuantity(other Element, sign float64) (Element, error) {
	if t.Value.IsZero() {
		return nil, fmt.Errorf("cannot perform arithmetic on empty time")
	}

	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not combine Time with %T: %v and %v", other, t, other)
	}

	unit := normalizeTimeUnit(string(q.Unit))
	if !isTimeUnit(unit) {
		return nil, fmt.Errorf("invalid time unit: %v", q.Unit)
	}

	var integ, frac apd.Decimal
	q.Value.Value.Modf(&integ, &frac)
	value, err := integ.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid quantity value for time arithmetic: %v", err)
	}

	var result time.Time
	switch unit {
	case UnitHour:
		result = t.Value.Add(time.Duration(sign * float64(value) * float64(time.Hour)))
	case UnitMinute:
		result = t.Value.Add(time.Duration(sign * float64(value) * float64(time.Minute)))
	case UnitSecond:
		seconds, err := q.Value.Value.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid quantity value for time arithmetic: %v", err)
		}
		result = t.Value.Add(time.Duration(sign * seconds * float64(time.Second)))
	case UnitMillisecond:
		milliseconds, err := q.Value.Value.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid quantity value for time arithmetic: %v", err)
		}
		result = t.Value.Add(time.Duration(sign * milliseconds * float64(time.Millisecond)))
	default:
		return nil, fmt.Errorf("invalid time unit for Time: %v", q.Unit)
	}

	// Time arithmetic wraps around 24 hours, keep the time-of-day only.
	year, month, day := result.Date()
	if year != 0 || month != 1 || day != 1 {
		hour, min, sec := result.Clock()
		nsec := result.Nanosecond()
		result = time.Date(0, 1, 1, hour, min, sec, nsec, result.Location())
	}

	return Time{Value: result, Precision: t.Precision}, nil
}

func (t Time) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "Time",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
func (t Time) String() string {
	switch t.Precision {
	case TimePrecisionHour:
		return t.Value.Format(TimeFormatOnlyHour)
	case TimePrecisionMinute:
		return t.Value.Format(TimeFormatUpToMinute)
	case TimePrecisionSecond:
		return t.Value.Format(TimeFormatUpToSecond)
	default:
		return t.Value.Format(TimeFormatFull)
	}
}

func (t Time) LowBoundary(precisionDigits *int) (Time, bool) {
	digits := maxTimeDigits
	if precisionDigits != nil {
		digits = *precisionDigits
	}
	if digits < 0 {
		return Time{}, false
	}
	return buildTimeBoundary(t, digits, false)
}

func (t Time) HighBoundary(precisionDigits *int) (Time, bool) {
	digits := maxTimeDigits
	if precisionDigits != nil {
		digits = *precisionDigits
	}
	if digits < 0 {
		return Time{}, false
	}
	return buildTimeBoundary(t, digits, true)
}

func timeDigitsForPrecision(p TimePrecision) int {
	switch p {
	case TimePrecisionHour:
		return 2
	case TimePrecisionMinute:
		return 4
	case TimePrecisionSecond:
		return 6
	default:
		return 9
	}
}

func timePrecisionFromDigits(d int) (TimePrecision, bool) {
	switch d {
	case 2:
		return TimePrecisionHour, true
	case 4:
		return TimePrecisionMinute, true
	case 6:
		return TimePrecisionSecond, true
	case 9:
		return TimePrecisionMillisecond, true
	default:
		return "", false
	}
}

func timeRangeEndpoints(t Time) (time.Time, time.Time) {
	loc := t.Value.Location()
	hour, min, sec := t.Value.Clock()
	nsec := t.Value.Nanosecond()
	switch t.Precision {
	case TimePrecisionHour:
		start := time.Date(0, 1, 1, hour, 0, 0, 0, loc)
		end := time.Date(0, 1, 1, hour, 59, 59, maxMillisecondNanoseconds, loc)
		return start, end
	case TimePrecisionMinute:
		start := time.Date(0, 1, 1, hour, min, 0, 0, loc)
		end := time.Date(0, 1, 1, hour, min, 59, maxMillisecondNanoseconds, loc)
		return start, end
	case TimePrecisionSecond:
		start := time.Date(0, 1, 1, hour, min, sec, 0, loc)
		end := time.Date(0, 1, 1, hour, min, sec, maxMillisecondNanoseconds, loc)
		return start, end
	default:
		aligned := alignToMillisecond(nsec)
		moment := time.Date(0, 1, 1, hour, min, sec, aligned, loc)
		return moment, moment
	}
}

func buildTimeFromTime(t time.Time, precision TimePrecision) Time {
	loc := t.Location()
	hour, min, sec := t.Clock()
	nsec := t.Nanosecond()
	switch precision {
	case TimePrecisionHour:
		min, sec, nsec = 0, 0, 0
	case TimePrecisionMinute:
		sec, nsec = 0, 0
	case TimePrecisionSecond:
		nsec = 0
	default:
		nsec = alignToMillisecond(nsec)
	}
	return Time{
		Value:     time.Date(0, 1, 1, hour, min, sec, nsec, loc),
		Precision: precision,
	}
}

func buildTimeBoundary(value Time, digits int, useUpper bool) (Time, bool) {
	precision, ok := timePrecisionFromDigits(digits)
	if !ok {
		return Time{}, false
	}
	start, end := timeRangeEndpoints(value)
	anchor := start
	if useUpper {
		anchor = end
	}
	return buildTimeFromTime(anchor, precision), true
}

func alignToMillisecond(nsec int) int {
	return (nsec / int(time.Millisecond)) * int(time.Millisecond)
}

// DateTime is an instant with partial precision and optional time zone.
type DateTime struct {
	defaultConversionError[DateTime]
	Value       time.Time
	Precision   DateTimePrecision
	HasTimeZone bool
}

type DateTimePrecision string

const (
	DateTimePrecisionYear        DateTimePrecision = "year"
	DateTimePrecisionMonth       DateTimePrecision = "month"
	DateTimePrecisionDay         DateTimePrecision = "day"
	DateTimePrecisionHour        DateTimePrecision = "hour"
	DateTimePrecisionMinute      DateTimePrecision = "minute"
	DateTimePrecisionSecond      DateTimePrecision = "second"
	DateTimePrecisionMillisecond DateTimePrecision = "millisecond"
	DateTimePrecisionFull                          = DateTimePrecisionMillisecond
)

func dateTimePrecisionOrder(p DateTimePrecision) int {
	switch p {
	case DateTimePrecisionYear:
		return 0
	case DateTimePrecisionMonth:
		return 1
	case DateTimePrecisionDay:
		return 2
	case DateTimePrecisionHour:
		return 3
	case DateTimePrecisionMinute:
		return 4
	case DateTimePrecisionSecond:
		return 5
	case DateTimePrecisionMillisecond:
		return 6
	default:
		return 7
	}
}

var dateTimeComparisonLevels = []DateTimePrecision{
	DateTimePrecisionYear,
	DateTimePrecisionMonth,
	DateTimePrecisionDay,
	DateTimePrecisionHour,
	DateTimePrecisionMinute,
	DateTimePrecisionSecond,
}

func hasDateTimePrecisionLevel(current, level DateTimePrecision) bool {
	return dateTimePrecisionOrder(current) >= dateTimePrecisionOrder(level)
}

func compareDateTimesAtLevel(a, b time.Time, level DateTimePrecision) int {
	switch level {
	case DateTimePrecisionYear:
		return compareInts(a.Year(), b.Year())
	case DateTimePrecisionMonth:
		if cmp := compareInts(a.Year(), b.Year()); cmp != 0 {
			return cmp
		}
		return compareInts(int(a.Month()), int(b.Month()))
	case DateTimePrecisionDay:
		if cmp := compareInts(a.Year(), b.Year()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(int(a.Month()), int(b.Month())); cmp != 0 {
			return cmp
		}
		return compareInts(a.Day(), b.Day())
	case DateTimePrecisionHour:
		return compareInts(a.Hour(), b.Hour())
	case DateTimePrecisionMinute:
		if cmp := compareInts(a.Hour(), b.Hour()); cmp != 0 {
			return cmp
		}
		return compareInts(a.Minute(), b.Minute())
	case DateTimePrecisionSecond:
		if cmp := compareInts(a.Hour(), b.Hour()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(a.Minute(), b.Minute()); cmp != 0 {
			return cmp
		}
		if cmp := compareInts(a.Second(), b.Second()); cmp != 0 {
			return cmp
		}
		return compareMillisWithinSecond(a, b)
	default:
		return 0
	}
}

func compareMillisWithinSecond(a, b time.Time) int {
	aMillis := a.Nanosecond() / int(time.Millisecond)
	bMillis := b.Nanosecond() / int(time.Millisecond)
	return compareInts(aMillis, bMillis)
}

func (dt DateTime) Children(name ...string) Collection {
	return nil
}
func (dt DateTime) PrecisionDigits() int {
	return dateTimeDigitsForPrecision(dt.Precision)
}
func (dt DateTime) ToString(explicit bool) (v String, ok bool, err error) {
	return String(dt.String()), true, nil
}
func (dt DateTime) ToDate(explicit bool) (v Date, ok bool, err error) {
	if explicit {
		var precision DatePrecision
		switch dt.Precision {
		case DateTimePrecisionYear, DateTimePrecisionMonth:
			precision = DatePrecision(dt.Precision)
		default:
			precision = DatePrecisionFull
		}
		return Date{Value: dt.Value, Precision: precision}, true, nil
	}
	return Date{}, false, implicitConversionError[DateTime, Date](dt)
}
func (dt DateTime) ToDateTime(explicit bool) (v DateTime, ok bool, err error) {
	return dt, true, nil
}
func (dt DateTime) Equal(other Element) (eq bool, ok bool) {
	o, ok, err := other.ToDateTime(false)
	if err == nil && ok {
		cmp, cmpOK, err := dt.Cmp(o)
		if err == nil {
			return cmp == 0, cmpOK
		}
	}
	if isStringish(other) {
		return other.Equal(dt)
	}
	return false, true
}
func (dt DateTime) Equivalent(other Element) bool {
	o, ok, err := other.ToDateTime(false)
	if err == nil && ok {
		cmp, cmpOK, err := dt.Cmp(o)
		if err == nil && cmpOK {
			return cmp == 0
		}
		return false
	}
	if isStringish(other) {
		return other.Equivalent(dt)
	}
	return false
}
func (dt DateTime) Cmp(other Element) (cmp int, ok bool, err error) {
	o, ok, err := other.ToDateTime(false)
	if err != nil || !ok {
		return 0, false, fmt.Errorf("can not compare DateTime to %T, left: %v right: %v", other, dt, other)
	}

	// Values that both carry a time component but differ in timezone
	// awareness can not be ordered.
	leftHasTime := hasDateTimePrecisionLevel(dt.Precision, DateTimePrecisionHour)
	rightHasTime := hasDateTimePrecisionLevel(o.Precision, DateTimePrecisionHour)
	if leftHasTime && rightHasTime && dt.HasTimeZone != o.HasTimeZone {
		return 0, false, nil
	}

	compareTarget := o.Value.In(dt.Value.Location())

	for _, level := range dateTimeComparisonLevels {
		leftHas := hasDateTimePrecisionLevel(dt.Precision, level)
		rightHas := hasDateTimePrecisionLevel(o.Precision, level)

		if !leftHas && !rightHas {
			break
		}
		if leftHas && rightHas {
			cmp = compareDateTimesAtLevel(dt.Value, compareTarget, level)
			if cmp != 0 {
				return cmp, true, nil
			}
			continue
		}
		return 0, false, nil
	}
	return 0, true, nil
}

func (dt DateTime) Add(ctx context.Context, other Element) (Element, error) {
	return dt.addQuantity(other, 1)
}

func (dt DateTime) Subtract(ctx context.Context, other Element) (Element, error) {
	return dt.addQuantity(other, -1)
}

func (dt DateTime) addQuantity(other Element, sign int64) (Element, error) {
	if dt.Value.IsZero() {
		return nil, fmt.Errorf("cannot perform arithmetic on empty datetime")
	}

	q, ok, err := other.ToQuantity(false)
	if err != nil || !ok {
		return nil, fmt.Errorf("can not combine DateTime with %T: %v and %v", other, dt, other)
	}

	unit := normalizeTimeUnit(string(q.Unit))
	if !isTimeUnit(unit) {
		return nil, fmt.Errorf("invalid time unit: %v", q.Unit)
	}

	var integ, frac apd.Decimal
	q.Value.Value.Modf(&integ, &frac)
	value, err := integ.Int64()
	if err != nil {
		return nil, fmt.Errorf("invalid quantity value for datetime arithmetic: %v", err)
	}
	value *= sign

	var result time.Time
	switch unit {
	case UnitYear:
		result = dt.Value.AddDate(int(value), 0, 0)
		if result.Day() < dt.Value.Day() {
			result = result.AddDate(0, 0, -result.Day())
		}
	case UnitMonth:
		years, months := value/12, value%12
		result = dt.Value.AddDate(int(years), int(months), 0)
		if result.Day() < dt.Value.Day() {
			result = result.AddDate(0, 0, -result.Day())
		}
	case UnitWeek:
		result = dt.Value.AddDate(0, 0, int(value)*7)
	case UnitDay:
		result = dt.Value.AddDate(0, 0, int(value))
	case UnitHour:
		result = dt.Value.Add(time.Duration(value * int64(time.Hour)))
	case UnitMinute:
		result = dt.Value.Add(time.Duration(value * int64(time.Minute)))
	case UnitSecond:
		seconds, err := q.Value.Value.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid quantity value for datetime arithmetic: %v", err)
		}
		result = dt.Value.Add(time.Duration(float64(sign) * seconds * float64(time.Second)))
	case UnitMillisecond:
		milliseconds, err := q.Value.Value.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid quantity value for datetime arithmetic: %v", err)
		}
		result = dt.Value.Add(time.Duration(float64(sign) * milliseconds * float64(time.Millisecond)))
	}

	return DateTime{Value: result, Precision: dt.Precision, HasTimeZone: dt.HasTimeZone}, nil
}

func (dt DateTime) TypeInfo() TypeInfo {
	return SimpleTypeInfo{
		Namespace: "System",
		Name:      "DateTime",
		BaseType:  TypeSpecifier{Namespace: "System", Name: "Any"},
	}
}
func (dt DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(dt.String())
}
func (dt DateTime) String() string {
	var ds, ts string
	switch dt.Precision {
	case DateTimePrecisionYear:
		return dt.Value.Format(DateFormatOnlyYear) + "T"
	case DateTimePrecisionMonth:
		return dt.Value.Format(DateFormatUpToMonth) + "T"
	case DateTimePrecisionDay:
		return dt.Value.Format(DateFormatFull) + "T"
	case DateTimePrecisionHour:
		ds = dt.Value.Format(DateFormatFull)
		ts = dt.Value.Format(timeFormat(TimeFormatOnlyHour, dt.HasTimeZone))
	case DateTimePrecisionMinute:
		ds = dt.Value.Format(DateFormatFull)
		ts = dt.Value.Format(timeFormat(TimeFormatUpToMinute, dt.HasTimeZone))
	case DateTimePrecisionSecond:
		ds = dt.Value.Format(DateFormatFull)
		ts = dt.Value.Format(timeFormat(TimeFormatUpToSecond, dt.HasTimeZone))
	default:
		ds = dt.Value.Format(DateFormatFull)
		ts = dt.Value.Format(timeFormat(TimeFormatFull, dt.HasTimeZone))
	}
	return ds + "T" + ts
}

func timeFormat(base string, withTZ bool) string {
	if withTZ {
		return base + "Z07:00"
	}
	return base
}

func (dt DateTime) LowBoundary(precisionDigits *int) (DateTime, bool) {
	digits := maxDateTimeDigits
	if precisionDigits != nil {
		digits = *precisionDigits
	}
	if digits < 0 {
		return DateTime{}, false
	}
	return buildDateTimeBoundary(dt, digits, false)
}

func (dt DateTime) HighBoundary(precisionDigits *int) (DateTime, bool) {
	digits := maxDateTimeDigits
	if precisionDigits != nil {
		digits = *precisionDigits
	}
	if digits < 0 {
		return DateTime{}, false
	}
	return buildDateTimeBoundary(dt, digits, true)
}

func dateTimeDigitsForPrecision(p DateTimePrecision) int {
	switch p {
	case DateTimePrecisionYear:
		return 4
	case DateTimePrecisionMonth:
		return 6
	case DateTimePrecisionDay:
		return 8
	case DateTimePrecisionHour:
		return 10
	case DateTimePrecisionMinute:
		return 12
	case DateTimePrecisionSecond:
		return 14
	default:
		return 17
	}
}

func dateTimePrecisionFromDigits(d int) (DateTimePrecision, bool) {
	switch d {
	case 4:
		return DateTimePrecisionYear, true
	case 6:
		return DateTimePrecisionMonth, true
	case 8:
		return DateTimePrecisionDay, true
	case 10:
		return DateTimePrecisionHour, true
	case 12:
		return DateTimePrecisionMinute, true
	case 14:
		return DateTimePrecisionSecond, true
	case 17:
		return DateTimePrecisionMillisecond, true
	default:
		return "", false
	}
}

func dateTimeRangeEndpoints(dt DateTime) (time.Time, time.Time) {
	loc := dt.Value.Location()
	value := dt.Value.In(loc)
	year, month, day := value.Date()
	hour, min, sec := value.Clock()
	nsec := value.Nanosecond()
	switch dt.Precision {
	case DateTimePrecisionYear:
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
		end := time.Date(year, time.December, 31, 23, 59, 59, maxMillisecondNanoseconds, loc)
		return start, end
	case DateTimePrecisionMonth:
		start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
		lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
		end := time.Date(year, month, lastDay, 23, 59, 59, maxMillisecondNanoseconds, loc)
		return start, end
	case DateTimePrecisionDay:
		start := time.Date(year, month, day, 0, 0, 0, 0, loc)
		end := time.Date(year, month, day, 23, 59, 59, maxMillisecondNanoseconds, loc)
		return start, end
	case DateTimePrecisionHour:
		start := time.Date(year, month, day, hour, 0, 0, 0, loc)
		end := time.Date(year, month, day, hour, 59, 59, maxMillisecondNanoseconds, loc)
		return start, end
	case DateTimePrecisionMinute:
		start := time.Date(year, month, day, hour, min, 0, 0, loc)
		end := time.Date(year, month, day, hour, min, 59, maxMillisecondNanoseconds, loc)
		return start, end
	case DateTimePrecisionSecond:
		start := time.Date(year, month, day, hour, min, sec, 0, loc)
		end := time.Date(year, month, day, hour, min, sec, maxMillisecondNanoseconds, loc)
		return start, end
	default:
		aligned := alignToMillisecond(nsec)
		moment := time.Date(year, month, day, hour, min, sec, aligned, loc)
		return moment, moment
	}
}

func buildDateTimeFromTime(t time.Time, precision DateTimePrecision) DateTime {
	loc := t.Location()
	year, month, day := t.Date()
	hour, min, sec := t.Clock()
	nsec := t.Nanosecond()
	switch precision {
	case DateTimePrecisionYear:
		month = time.January
		day = 1
		hour, min, sec, nsec = 0, 0, 0, 0
	case DateTimePrecisionMonth:
		day = 1
		hour, min, sec, nsec = 0, 0, 0, 0
	case DateTimePrecisionDay:
		hour, min, sec, nsec = 0, 0, 0, 0
	case DateTimePrecisionHour:
		min, sec, nsec = 0, 0, 0
	case DateTimePrecisionMinute:
		sec, nsec = 0, 0
	case DateTimePrecisionSecond:
		nsec = 0
	case DateTimePrecisionMillisecond:
		nsec = alignToMillisecond(nsec)
	}
	return DateTime{
		Value:     time.Date(year, month, day, hour, min, sec, nsec, loc),
		Precision: precision,
	}
}

func buildDateTimeBoundary(value DateTime, digits int, useUpper bool) (DateTime, bool) {
	precision, ok := dateTimePrecisionFromDigits(digits)
	if !ok {
		return DateTime{}, false
	}
	start, end := dateTimeRangeEndpoints(value)
	anchor := start
	if useUpper {
		anchor = end
	}
	// Floating datetimes cover the range of possible offsets, modeled
	// as a +14h shift for the low and a -12h shift for the high
	// boundary at the requested precision.
	if !value.HasTimeZone && includesTimeComponent(precision) {
		offset := maxTimeZoneOffsetHours
		if useUpper {
			offset = minTimeZoneOffsetHours
		}
		adjHour := adjustHourForOffset(anchor.Hour(), offset)
		anchor = time.Date(anchor.Year(), anchor.Month(), anchor.Day(), adjHour, anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
	}

	result := buildDateTimeFromTime(anchor, precision)
	if !value.HasTimeZone && includesTimeComponent(result.Precision) {
		result.HasTimeZone = true
	} else {
		result.HasTimeZone = value.HasTimeZone
	}
	return result, true
}

func includesTimeComponent(p DateTimePrecision) bool {
	switch p {
	case DateTimePrecisionHour, DateTimePrecisionMinute, DateTimePrecisionSecond, DateTimePrecisionMillisecond:
		return true
	default:
		return false
	}
}

func adjustHourForOffset(hour, offset int) int {
	adj := hour - offset
	adj %= 24
	if adj < 0 {
		adj += 24
	}
	return adj
}

const (
	DateFormatOnlyYear   = "2006"
	DateFormatUpToMonth  = "2006-01"
	DateFormatFull       = "2006-01-02"
	TimeFormatOnlyHour   = "15"
	TimeFormatUpToMinute = "15:04"
	TimeFormatUpToSecond = "15:04:05"
	TimeFormatFull       = "15:04:05.000"
)

// ParseDate parses "YYYY", "YYYY-MM" or "YYYY-MM-DD", with an optional
// leading "@".
func ParseDate(s string) (Date, error) {
	ds := strings.TrimPrefix(s, "@")

	d, err := time.Parse(DateFormatOnlyYear, ds)
	if err == nil {
		return Date{Value: d, Precision: DatePrecisionYear}, nil
	}
	d, err = time.Parse(DateFormatUpToMonth, ds)
	if err == nil {
		return Date{Value: d, Precision: DatePrecisionMonth}, nil
	}
	d, err = time.Parse(DateFormatFull, ds)
	if err == nil {
		return Date{Value: d, Precision: DatePrecisionFull}, nil
	}

	return Date{}, fmt.Errorf("invalid Date format: %s", s)
}

// ParseTime parses "hh", "hh:mm", "hh:mm:ss" or "hh:mm:ss.fff", with an
// optional leading "@T".
func ParseTime(s string) (Time, error) {
	t, _, err := parseTimePart(s, false)
	return t, err
}

func parseTimePart(s string, withTZ bool) (Time, bool, error) {
	ts := strings.TrimPrefix(s, "@")
	ts = strings.TrimPrefix(ts, "T")

	timePart := ts
	hasTimeZone := false
	if idx := strings.IndexAny(timePart, "Z+-"); idx != -1 {
		timePart = timePart[:idx]
		hasTimeZone = true
	}
	hasFraction := strings.Contains(timePart, ".")

	tryFormats := func(base string) (time.Time, bool) {
		if t, err := time.Parse(base, ts); err == nil {
			return t, true
		}
		if withTZ {
			if t, err := time.Parse(base+"Z07:00", ts); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}

	if t, ok := tryFormats(TimeFormatOnlyHour); ok {
		return Time{Value: t, Precision: TimePrecisionHour}, hasTimeZone, nil
	}
	if t, ok := tryFormats(TimeFormatUpToMinute); ok {
		return Time{Value: t, Precision: TimePrecisionMinute}, hasTimeZone, nil
	}
	if !hasFraction {
		if t, ok := tryFormats(TimeFormatUpToSecond); ok {
			return Time{Value: t, Precision: TimePrecisionSecond}, hasTimeZone, nil
		}
	}
	if t, ok := tryFormats("15:04:05.999999999"); ok {
		return Time{Value: t, Precision: TimePrecisionMillisecond}, hasTimeZone, nil
	}

	return Time{}, false, fmt.Errorf("invalid Time format: %s", s)
}

// ParseDateTime parses a datetime with optional partial precision and
// time zone, with an optional leading "@". A trailing "T" after a bare
// date is accepted.
func ParseDateTime(s string) (DateTime, error) {
	ds := strings.TrimPrefix(s, "@")
	splits := strings.SplitN(ds, "T", 2)

	d, err := ParseDate(splits[0])
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid DateTime format (date part): %s", s)
	}

	if len(splits) == 1 || splits[1] == "" {
		return DateTime{
			Value:       d.Value,
			Precision:   datePrecisionToDateTimePrecision(d.Precision),
			HasTimeZone: false,
		}, nil
	}

	t, hasTimeZone, err := parseTimePart(splits[1], true)
	if err != nil {
		return DateTime{}, fmt.Errorf("invalid DateTime format (time part): %s", s)
	}

	tv := t.Value
	dt := time.Date(
		d.Value.Year(), d.Value.Month(), d.Value.Day(),
		tv.Hour(), tv.Minute(), tv.Second(), tv.Nanosecond(),
		tv.Location(),
	)
	return DateTime{Value: dt, Precision: DateTimePrecision(t.Precision), HasTimeZone: hasTimeZone}, nil
}

// Calendar duration units for temporal arithmetic.
const (
	UnitYear        = "year"
	UnitMonth       = "month"
	UnitWeek        = "week"
	UnitDay         = "day"
	UnitHour        = "hour"
	UnitMinute      = "minute"
	UnitSecond      = "second"
	UnitMillisecond = "millisecond"
)

func isTimeUnit(unit string) bool {
	switch unit {
	case UnitYear, UnitMonth, UnitWeek, UnitDay, UnitHour, UnitMinute, UnitSecond, UnitMillisecond:
		return true
	}
	return false
}

// normalizeTimeUnit maps calendar words (singular and plural) and UCUM
// duration codes to the canonical unit names used in arithmetic.
func normalizeTimeUnit(unit string) string {
	if len(unit) >= 2 && unit[0] == '\'' && unit[len(unit)-1] == '\'' {
		unit = unit[1 : len(unit)-1]
	}

	switch unit {
	case "year", "years":
		return UnitYear
	case "month", "months", "mo":
		return UnitMonth
	case "week", "weeks", "wk":
		return UnitWeek
	case "day", "days", "d":
		return UnitDay
	case "hour", "hours", "h":
		return UnitHour
	case "minute", "minutes", "min":
		return UnitMinute
	case "second", "seconds", "s":
		return UnitSecond
	case "millisecond", "milliseconds", "ms":
		return UnitMillisecond
	}
	return unit
}
