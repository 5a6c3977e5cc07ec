package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	CalendarMonth PeriodKind = "calendar_month"
	CalendarWeek  PeriodKind = "calendar_week"
	Rolling       PeriodKind = "rolling"
)

type (
	PeriodKind string

	// PeriodDef is a budget's period definition. Days is used by Rolling only.
	PeriodDef struct {
		Kind PeriodKind
		Days int
	}

	// Period is one concrete aggregation window. Start is inclusive and End
	// exclusive, both at civil midnight in the account timezone.
	Period struct {
		Key   string
		Start time.Time
		End   time.Time
	}
)

func (d PeriodDef) Validate() error {
	switch d.Kind {
	case CalendarMonth, CalendarWeek:
		return nil
	case Rolling:
		if d.Days < 1 {
			return fmt.Errorf("%w: rolling window needs at least 1 day, got %d", ErrInvalidPeriod, d.Days)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown period kind %q", ErrInvalidPeriod, d.Kind)
	}
}

func (d PeriodDef) String() string {
	if d.Kind == Rolling {
		return fmt.Sprintf("%s/%dd", d.Kind, d.Days)
	}
	return string(d.Kind)
}

// Contains reports whether t falls in [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// StartOfDay truncates t to civil midnight in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// PeriodAt returns the period of def that contains t, evaluated in loc.
//
// Rolling windows cover the Days civil days ending on t's day, so the
// window is (t - Days, t] at day granularity and is keyed by t's date.
func PeriodAt(def PeriodDef, t time.Time, loc *time.Location) (Period, error) {
	if err := def.Validate(); err != nil {
		return Period{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	day := StartOfDay(t, loc)
	switch def.Kind {
	case CalendarMonth:
		start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, loc)
		return Period{
			Key:   start.Format("2006-01"),
			Start: start,
			End:   start.AddDate(0, 1, 0),
		}, nil
	case CalendarWeek:
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		start := day.AddDate(0, 0, -offset)
		year, week := start.ISOWeek()
		return Period{
			Key:   fmt.Sprintf("%04d-W%02d", year, week),
			Start: start,
			End:   start.AddDate(0, 0, 7),
		}, nil
	default:
		end := day.AddDate(0, 0, 1)
		return Period{
			Key:   fmt.Sprintf("R%d:%s", def.Days, day.Format(DateLayout)),
			Start: end.AddDate(0, 0, -def.Days),
			End:   end,
		}, nil
	}
}

// ParsePeriodKey resolves a key produced by PeriodAt back into its period.
func ParsePeriodKey(def PeriodDef, key string, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	var anchor time.Time
	switch def.Kind {
	case CalendarMonth:
		t, err := time.ParseInLocation("2006-01", key, loc)
		if err != nil {
			return Period{}, fmt.Errorf("%w: month key %q", ErrInvalidPeriod, key)
		}
		anchor = t
	case CalendarWeek:
		year, week, ok := parseWeekKey(key)
		if !ok {
			return Period{}, fmt.Errorf("%w: week key %q", ErrInvalidPeriod, key)
		}
		// Jan 4th is always in ISO week 1.
		jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
		anchor = jan4.AddDate(0, 0, (week-1)*7)
	case Rolling:
		prefix := fmt.Sprintf("R%d:", def.Days)
		if !strings.HasPrefix(key, prefix) {
			return Period{}, fmt.Errorf("%w: rolling key %q", ErrInvalidPeriod, key)
		}
		t, err := time.ParseInLocation(DateLayout, strings.TrimPrefix(key, prefix), loc)
		if err != nil {
			return Period{}, fmt.Errorf("%w: rolling key %q", ErrInvalidPeriod, key)
		}
		anchor = t
	default:
		return Period{}, def.Validate()
	}
	p, err := PeriodAt(def, anchor, loc)
	if err != nil {
		return Period{}, err
	}
	if p.Key != key {
		return Period{}, fmt.Errorf("%w: key %q does not name a period", ErrInvalidPeriod, key)
	}
	return p, nil
}

func parseWeekKey(key string) (int, int, bool) {
	y, w, found := strings.Cut(key, "-W")
	if !found {
		return 0, 0, false
	}
	year, err := strconv.Atoi(y)
	if err != nil {
		return 0, 0, false
	}
	week, err := strconv.Atoi(w)
	if err != nil || week < 1 || week > 53 {
		return 0, 0, false
	}
	return year, week, true
}
