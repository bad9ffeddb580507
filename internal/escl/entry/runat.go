package entry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimezone      = "Asia/Tokyo"
	DefaultOffsetMinutes = 9 * 60
)

var (
	entryDateRe    = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	dispatchTimeRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

// FixedZone returns a DST-free location for the given UTC offset.
func FixedZone(name string, offsetMinutes int) *time.Location {
	if strings.TrimSpace(name) == "" {
		name = DefaultTimezone
	}
	return time.FixedZone(name, offsetMinutes*60)
}

// ParseEntryDate validates a YYYY-MM-DD calendar date.
func ParseEntryDate(s string) (year int, month time.Month, day int, err error) {
	m := entryDateRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, 0, fmt.Errorf("%w: %q is not YYYY-MM-DD", ErrInvalidDate, s)
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d {
		return 0, 0, 0, fmt.Errorf("%w: %q is not a calendar date", ErrInvalidDate, s)
	}
	return y, time.Month(mo), d, nil
}

// ParseDispatchTime parses "H:MM" or "HH:MM".
func ParseDispatchTime(s string) (DispatchTime, error) {
	m := dispatchTimeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return DispatchTime{}, fmt.Errorf("%w: dispatch time %q is not HH:MM", ErrInvalidInput, s)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	dt := DispatchTime{Hour: h, Minute: mi}
	if !dt.Valid() {
		return DispatchTime{}, fmt.Errorf("%w: dispatch time %q out of range", ErrInvalidInput, s)
	}
	return dt, nil
}

// ComputeRunAt interprets entryDate at dt (midnight when nil) in loc and
// subtracts exactly 24 hours: dispatch happens the day before the event.
func ComputeRunAt(entryDate string, dt *DispatchTime, loc *time.Location) (time.Time, error) {
	y, mo, d, err := ParseEntryDate(entryDate)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute := 0, 0
	if dt != nil {
		if !dt.Valid() {
			return time.Time{}, fmt.Errorf("%w: dispatch time %s out of range", ErrInvalidInput, dt)
		}
		hour, minute = dt.Hour, dt.Minute
	}
	if loc == nil {
		loc = FixedZone(DefaultTimezone, DefaultOffsetMinutes)
	}
	event := time.Date(y, mo, d, hour, minute, 0, 0, loc)
	return event.Add(-24 * time.Hour).UTC(), nil
}

// FormatInZone renders t as "YYYY-MM-DD HH:MM:SS <zone>".
func FormatInZone(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	label := loc.String()
	if label == DefaultTimezone {
		label = "JST"
	}
	return t.In(loc).Format("2006-01-02 15:04:05") + " " + label
}

func formatWait(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
