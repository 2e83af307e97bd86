package model

import (
	"time"

	"github.com/samber/mo"
)

const (
	AlarmActionDisplay = "DISPLAY"
	AlarmActionAudio   = "AUDIO"
	AlarmActionEmail   = "EMAIL"
	AlarmActionNone    = "NONE"
)

// Trigger is either relative to the event (Offset, Related) or absolute.
type Trigger struct {
	Offset   time.Duration `json:"offset,omitempty"`
	Related  string        `json:"related,omitempty"`
	Absolute *time.Time    `json:"absolute,omitempty"`
}

// Equal compares triggers by meaning, not by representation.
func (t Trigger) Equal(o Trigger) bool {
	if (t.Absolute == nil) != (o.Absolute == nil) {
		return false
	}
	if t.Absolute != nil {
		return t.Absolute.Equal(*o.Absolute)
	}
	rel := func(s string) string {
		if s == "" {
			return "START"
		}
		return s
	}
	return t.Offset == o.Offset && rel(t.Related) == rel(o.Related)
}

// Alarm is one stored personal alarm.
type Alarm struct {
	UID          string        `json:"uid"`
	Action       string        `json:"action"`
	Trigger      Trigger       `json:"trigger"`
	Description  string        `json:"description,omitempty"`
	Acknowledged *time.Time    `json:"acknowledged,omitempty"`
	RelatedTo    string        `json:"related_to,omitempty"`
	Default      bool          `json:"default,omitempty"`
	Extra        []RawProperty `json:"extra,omitempty"`
}

func (a Alarm) Clone() Alarm {
	out := a
	if a.Acknowledged != nil {
		ack := *a.Acknowledged
		out.Acknowledged = &ack
	}
	if a.Trigger.Absolute != nil {
		abs := *a.Trigger.Absolute
		out.Trigger.Absolute = &abs
	}
	out.Extra = cloneRaw(a.Extra)
	return out
}

// AlarmPatch is an alarm as submitted by a client. Only the properties the
// client actually sent are present.
type AlarmPatch struct {
	UID          string
	Action       mo.Option[string]
	Trigger      mo.Option[Trigger]
	Description  mo.Option[string]
	Acknowledged mo.Option[time.Time]
	// ClearAcknowledged removes a stored acknowledgment. Absence of
	// Acknowledged never does.
	ClearAcknowledged bool
	RelatedTo         mo.Option[string]
	// Default marks a client echo of a synthesized placeholder alarm.
	Default bool
	Extra   []RawProperty
}

// Component is one VEVENT of a submission.
type Component struct {
	// RecurrenceID is nil for the master.
	RecurrenceID *time.Time
	Fields       Fields
	Alarms       []AlarmPatch
}

// Submission is a decoded client payload for one resource.
type Submission struct {
	UID        string
	TZID       string
	Rule       string
	RDates     []time.Time
	ExDates    []time.Time
	Master     *Component
	Exceptions []Component
}
