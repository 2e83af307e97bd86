// Package model holds the persisted and exchanged shapes of the scheduling engine.
package model

import (
	"fmt"
	"sort"
	"time"
)

// PartStat is a participant's confirmation status.
type PartStat string

const (
	PartStatNeedsAction PartStat = "NEEDS-ACTION"
	PartStatAccepted    PartStat = "ACCEPTED"
	PartStatDeclined    PartStat = "DECLINED"
	PartStatTentative   PartStat = "TENTATIVE"
	PartStatDelegated   PartStat = "DELEGATED"
)

// Role is the iCalendar ROLE of a participant.
type Role string

const (
	RoleChair          Role = "CHAIR"
	RoleRequired       Role = "REQ-PARTICIPANT"
	RoleOptional       Role = "OPT-PARTICIPANT"
	RoleNonParticipant Role = "NON-PARTICIPANT"
)

// Class is the access classification of an event.
type Class string

const (
	ClassPublic       Class = "PUBLIC"
	ClassPrivate      Class = "PRIVATE"
	ClassConfidential Class = "CONFIDENTIAL"
)

// IsPrivate reports whether the class hides content from outsiders.
// An empty class is public.
func (c Class) IsPrivate() bool {
	return c == ClassPrivate || c == ClassConfidential
}

type Status string

const (
	StatusConfirmed Status = "CONFIRMED"
	StatusTentative Status = "TENTATIVE"
	StatusCancelled Status = "CANCELLED"
)

type Transparency string

const (
	TransparencyOpaque      Transparency = "OPAQUE"
	TransparencyTransparent Transparency = "TRANSPARENT"
)

// ShownAs is the owner's busy-status hint. Empty means reserved.
type ShownAs string

const (
	ShownAsReserved  ShownAs = "RESERVED"
	ShownAsTemporary ShownAs = "TEMPORARY"
	ShownAsAbsent    ShownAs = "ABSENT"
	ShownAsFree      ShownAs = "FREE"
)

// Participant is one attendee record on a master or an exception.
type Participant struct {
	// Address is the calendar user address, e.g. "mailto:bob@example.com".
	Address string `json:"address"`
	// UserID is the local user the address resolved to. Empty for external attendees.
	UserID   string   `json:"user_id,omitempty"`
	Name     string   `json:"name,omitempty"`
	Role     Role     `json:"role,omitempty"`
	PartStat PartStat `json:"partstat"`
	RSVP     bool     `json:"rsvp,omitempty"`
	Comment  string   `json:"comment,omitempty"`
}

// Is reports whether p belongs to the local user.
func (p Participant) Is(userID string) bool {
	return userID != "" && p.UserID == userID
}

// RawProperty is an iCalendar property the engine does not interpret.
// It is kept verbatim for round-trips.
type RawProperty struct {
	Name   string              `json:"name"`
	Params map[string][]string `json:"params,omitempty"`
	Value  string              `json:"value"`
}

// Fields is the full field set of a master or a change exception.
type Fields struct {
	Summary      string        `json:"summary,omitempty"`
	Location     string        `json:"location,omitempty"`
	Description  string        `json:"description,omitempty"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	AllDay       bool          `json:"all_day,omitempty"`
	Class        Class         `json:"class,omitempty"`
	Status       Status        `json:"status,omitempty"`
	Transparency Transparency  `json:"transparency,omitempty"`
	ShownAs      ShownAs       `json:"shown_as,omitempty"`
	Organizer    string        `json:"organizer,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	// Alarms are personal, keyed by local user id.
	Alarms map[string][]Alarm `json:"alarms,omitempty"`
	Extra  []RawProperty      `json:"extra,omitempty"`
}

// Participant returns the record of the local user, if any.
func (f *Fields) Participant(userID string) (*Participant, bool) {
	for i := range f.Participants {
		if f.Participants[i].Is(userID) {
			return &f.Participants[i], true
		}
	}
	return nil, false
}

// HasParticipant reports whether the local user is on the participant list.
func (f *Fields) HasParticipant(userID string) bool {
	_, ok := f.Participant(userID)
	return ok
}

// RemoveParticipant drops the local user and reports whether anything changed.
func (f *Fields) RemoveParticipant(userID string) bool {
	out := f.Participants[:0]
	removed := false
	for _, p := range f.Participants {
		if p.Is(userID) {
			removed = true
			continue
		}
		out = append(out, p)
	}
	f.Participants = out
	return removed
}

// Span returns the length of the event. All-day spans are whole days.
func (f *Fields) Span() time.Duration {
	if f.End.Before(f.Start) {
		return 0
	}
	return f.End.Sub(f.Start)
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	out := f
	if f.Participants != nil {
		out.Participants = make([]Participant, len(f.Participants))
		copy(out.Participants, f.Participants)
	}
	if f.Alarms != nil {
		out.Alarms = make(map[string][]Alarm, len(f.Alarms))
		for user, alarms := range f.Alarms {
			cp := make([]Alarm, len(alarms))
			for i, a := range alarms {
				cp[i] = a.Clone()
			}
			out.Alarms[user] = cp
		}
	}
	out.Extra = cloneRaw(f.Extra)
	return out
}

func cloneRaw(in []RawProperty) []RawProperty {
	if in == nil {
		return nil
	}
	out := make([]RawProperty, len(in))
	for i, p := range in {
		out[i] = p
		if p.Params != nil {
			out[i].Params = make(map[string][]string, len(p.Params))
			for k, v := range p.Params {
				out[i].Params[k] = append([]string(nil), v...)
			}
		}
	}
	return out
}

// SlotState is the overlay state of one recurrence slot.
type SlotState int

const (
	SlotInherited SlotState = iota
	SlotOverridden
	SlotSuppressed
)

func (s SlotState) String() string {
	switch s {
	case SlotOverridden:
		return "Overridden"
	case SlotSuppressed:
		return "Suppressed"
	default:
		return "Inherited"
	}
}

// Slot is a sparse overlay entry. Inherited slots are never stored.
type Slot struct {
	State  SlotState `json:"state"`
	Fields *Fields   `json:"fields,omitempty"`
}

// Series is one logical event: a master record plus its overlay.
type Series struct {
	// ID is the iCalendar UID and the resource name inside every collection it appears in.
	ID string `json:"id"`
	// Owner is the organizer's local user id.
	Owner        string `json:"owner"`
	CollectionID string `json:"collection_id"`
	// TZID is the reference timezone of the recurrence. Empty means UTC.
	TZID      string          `json:"tzid,omitempty"`
	Rule      string          `json:"rule,omitempty"`
	RDates    []time.Time     `json:"rdates,omitempty"`
	Master    Fields          `json:"master"`
	Overrides map[string]Slot `json:"overrides,omitempty"`
	Sequence  int             `json:"sequence"`
	Created   time.Time       `json:"created"`
	Modified  time.Time       `json:"modified"`
}

// Recurring reports whether the series has more than one nominal slot.
func (s *Series) Recurring() bool {
	return s.Rule != "" || len(s.RDates) > 0
}

// Location loads the reference timezone.
func (s *Series) Location() (*time.Location, error) {
	if s.TZID == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.TZID)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", s.TZID, err)
	}
	return loc, nil
}

// Localize moves every timed value into the reference zone. Stores that
// serialise times lose the zone name and call this after loading.
func (s *Series) Localize() error {
	loc, err := s.Location()
	if err != nil {
		return err
	}
	localize := func(f *Fields) {
		if f.AllDay {
			f.Start, f.End = f.Start.UTC(), f.End.UTC()
			return
		}
		f.Start, f.End = f.Start.In(loc), f.End.In(loc)
	}
	localize(&s.Master)
	for i, d := range s.RDates {
		if s.Master.AllDay {
			s.RDates[i] = d.UTC()
		} else {
			s.RDates[i] = d.In(loc)
		}
	}
	for _, slot := range s.Overrides {
		if slot.Fields != nil {
			localize(slot.Fields)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	out := *s
	out.Master = s.Master.Clone()
	if s.RDates != nil {
		out.RDates = append([]time.Time(nil), s.RDates...)
	}
	if s.Overrides != nil {
		out.Overrides = make(map[string]Slot, len(s.Overrides))
		for k, slot := range s.Overrides {
			if slot.Fields != nil {
				f := slot.Fields.Clone()
				slot.Fields = &f
			}
			out.Overrides[k] = slot
		}
	}
	return &out
}

// Users lists every local user the series references, sorted.
func (s *Series) Users() []string {
	seen := map[string]struct{}{s.Owner: {}}
	add := func(f *Fields) {
		for _, p := range f.Participants {
			if p.UserID != "" {
				seen[p.UserID] = struct{}{}
			}
		}
	}
	add(&s.Master)
	for _, slot := range s.Overrides {
		if slot.Fields != nil {
			add(slot.Fields)
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		if u != "" {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users
}

// Window is a half-open time range. A zero bound is unbounded.
type Window struct {
	From time.Time
	To   time.Time
}

// Overlaps reports whether [start, end) intersects the window. Zero-length
// events count when their start lies inside.
func (w Window) Overlaps(start, end time.Time) bool {
	if !end.After(start) {
		return (w.From.IsZero() || !start.Before(w.From)) && (w.To.IsZero() || start.Before(w.To))
	}
	return (w.To.IsZero() || start.Before(w.To)) && (w.From.IsZero() || end.After(w.From))
}

// Collection is one calendar collection owned by a user.
type Collection struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	DisplayName string `json:"display_name,omitempty"`
	// Epoch changes whenever the collection's change history is reset.
	Epoch string `json:"epoch"`
	// Default marks the collection where invitations addressed to the owner appear.
	Default bool `json:"default,omitempty"`
}

// ViewState is the last committed sync state of a resource as seen by one calendar user.
type ViewState struct {
	CollectionID string    `json:"collection_id"`
	ResourceID   string    `json:"resource_id"`
	CalendarUser string    `json:"calendar_user"`
	ETag         string    `json:"etag"`
	ScheduleTag  string    `json:"schedule_tag"`
	Revision     int64     `json:"revision"`
	Modified     time.Time `json:"modified"`
}
