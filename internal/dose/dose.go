// Package dose derives daily dose times from a start time and a frequency.
package dose

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// Frequency labels as stored on medication documents
const (
	OnceDaily       = "1x a day"
	TwiceDaily      = "2x a day"
	ThreeTimesDaily = "3x a day"
	FourTimesDaily  = "4x a day"
)

// DefaultInterval is used for unknown frequency labels and intervals
const DefaultInterval = 24

var frequencyIntervals = map[string]int{
	OnceDaily:       24,
	TwiceDaily:      12,
	ThreeTimesDaily: 6,
	FourTimesDaily:  4,
}

// Frequencies returns the known frequency labels in display order
func Frequencies() []string {
	return []string{OnceDaily, TwiceDaily, ThreeTimesDaily, FourTimesDaily}
}

// IntervalHours maps a frequency label to its dosing interval in hours.
// Unrecognized labels yield DefaultInterval.
func IntervalHours(frequency string) int {
	if h, ok := frequencyIntervals[strings.TrimSpace(frequency)]; ok {
		return h
	}
	return DefaultInterval
}

// KnownFrequency reports whether frequency is one of the recognized labels
func KnownFrequency(frequency string) bool {
	_, ok := frequencyIntervals[strings.TrimSpace(frequency)]
	return ok
}

// FrequencyFor returns the label of a recognized interval, or "" for others
func FrequencyFor(h int) string {
	for label, hours := range frequencyIntervals {
		if hours == h {
			return label
		}
	}
	return ""
}

// ValidInterval reports whether h is one of the recognized intervals
func ValidInterval(h int) bool {
	switch h {
	case 4, 6, 12, 24:
		return true
	}
	return false
}

// Normalize returns h if it is a recognized interval, DefaultInterval otherwise
func Normalize(h int) int {
	if ValidInterval(h) {
		return h
	}
	return DefaultInterval
}

// EffectiveInterval picks the interval for a medication document: a
// recognized intervalHours value wins, otherwise the frequency label decides.
func EffectiveInterval(frequency string, intervalHours int) int {
	if ValidInterval(intervalHours) {
		return intervalHours
	}
	return IntervalHours(frequency)
}

// TimeOfDay is a wall-clock time without a date
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// NewTimeOfDay builds a TimeOfDay, rejecting out of range values
func NewTimeOfDay(hour, minute int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day out of range: %d:%d", hour, minute)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// FromTime takes the wall-clock time of t in its own location
func FromTime(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

// Minutes returns minutes since midnight
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// Before reports whether t is earlier in the day than o
func (t TimeOfDay) Before(o TimeOfDay) bool {
	return t.Minutes() < o.Minutes()
}

// String formats as 24-hour HH:MM
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Format12Hour formats as h:MM AM/PM, e.g. "8:05 AM" or "12:30 PM"
func (t TimeOfDay) Format12Hour() string {
	suffix := "AM"
	if t.Hour >= 12 {
		suffix = "PM"
	}
	h := t.Hour % 12
	if h == 0 {
		h = 12
	}
	return fmt.Sprintf("%d:%02d %s", h, t.Minute, suffix)
}

// On returns the instant of t on the calendar day of date, in loc
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = date.Location()
	}
	d := date.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// MarshalText encodes as HH:MM
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts HH:MM or HH:MM:SS
func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text), time.UTC)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseTimeOfDay normalizes the time representations found on medication
// documents: "HH:MM", "HH:MM:SS", "h:MM AM", and RFC3339 instants, which are
// converted into loc before the wall-clock time is taken.
func ParseTimeOfDay(s string, loc *time.Location) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeOfDay{}, fmt.Errorf("empty time of day")
	}
	if loc == nil {
		loc = time.UTC
	}

	if strings.Contains(s, "T") {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if instant, err := time.Parse(layout, s); err == nil {
				return FromTime(instant.In(loc)), nil
			}
		}
		return TimeOfDay{}, fmt.Errorf("invalid timestamp: %q", s)
	}

	upper := strings.ToUpper(s)
	if strings.HasSuffix(upper, "AM") || strings.HasSuffix(upper, "PM") {
		instant, err := time.Parse("3:04 PM", strings.Join(strings.Fields(upper), " "))
		if err != nil {
			instant, err = time.Parse("3:04PM", strings.ReplaceAll(upper, " ", ""))
		}
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid 12-hour time: %q", s)
		}
		return FromTime(instant), nil
	}

	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day: %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q: %w", s, err)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q: %w", s, err)
	}
	if len(parts) == 3 {
		second, err := strconv.Atoi(parts[2])
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid second in %q: %w", s, err)
		}
		if second < 0 || second > 59 {
			return TimeOfDay{}, fmt.Errorf("second out of range in %q", s)
		}
	}
	return NewTimeOfDay(hour, minute)
}

// DoseTimes expands a start time and an interval into the dose times of one
// calendar day: t0, t0+h, t0+2h, ... stopping before midnight. An unknown
// interval is treated as DefaultInterval. The result is never empty and is
// strictly increasing.
func DoseTimes(t0 TimeOfDay, intervalHours int) []TimeOfDay {
	step := Normalize(intervalHours) * 60
	times := make([]TimeOfDay, 0, minutesPerDay/step)
	for m := t0.Minutes(); m < minutesPerDay; m += step {
		times = append(times, TimeOfDay{Hour: m / 60, Minute: m % 60})
	}
	return times
}

// ForFrequency is DoseTimes driven by a frequency label
func ForFrequency(t0 TimeOfDay, frequency string) []TimeOfDay {
	return DoseTimes(t0, IntervalHours(frequency))
}

// Strings formats dose times as HH:MM
func Strings(times []TimeOfDay) []string {
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = t.String()
	}
	return out
}
