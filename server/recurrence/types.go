package recurrence

import (
	"fmt"
	"time"
)

// Recurrence describes the nominal slots of one series.
type Recurrence struct {
	Rule   *Rule       // nil for a single event
	Anchor time.Time   // first start, in the series' reference timezone
	AllDay bool        // slots are dates, Anchor is midnight UTC
	RDates []time.Time // additional slots
}

// MalformedRuleError is returned for rules the planner refuses to expand.
type MalformedRuleError struct {
	Rule   string
	Reason string
}

func (e *MalformedRuleError) Error() string {
	return fmt.Sprintf("malformed recurrence rule %q: %s", e.Rule, e.Reason)
}

// Is lets callers match any MalformedRuleError with errors.Is.
func (e *MalformedRuleError) Is(target error) bool {
	_, ok := target.(*MalformedRuleError)
	return ok
}

const (
	idLayout     = "20060102T150405Z"
	idDateLayout = "20060102"
)

// FormatID returns the canonical key of a recurrence slot: UTC date-time
// for timed series, the plain date for all-day series.
func FormatID(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(idDateLayout)
	}
	return t.UTC().Format(idLayout)
}

// ParseID reverses FormatID.
func ParseID(key string) (t time.Time, allDay bool, err error) {
	if len(key) == len(idDateLayout) {
		t, err = time.ParseInLocation(idDateLayout, key, time.UTC)
		return t, true, err
	}
	t, err = time.ParseInLocation(idLayout, key, time.UTC)
	return t, false, err
}
