// Package view derives what one calendar user, and whoever reads that
// user's calendar, sees of a shared series.
package view

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cyp0633/caldora/server/alarm"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/overlay"
	"github.com/cyp0633/caldora/server/recurrence"
)

// PrivatePlaceholder is the summary shown for a component a viewer may not
// read. It is the only redacted text that keeps a value.
const PrivatePlaceholder = "Private"

// Capabilities is what the ACL grants a viewer on a calendar user's collection.
type Capabilities struct {
	Read        bool
	Write       bool
	ReadPrivate bool
}

// Full is held by a calendar user on their own collection.
var Full = Capabilities{Read: true, Write: true, ReadPrivate: true}

// Viewer is the principal a projection is rendered for. It is either the
// calendar user or someone reading that user's calendar.
type Viewer struct {
	UserID            string
	Capabilities      Capabilities
	WantsDefaultAlarm bool
}

// NotFoundAfterVisibilityChange is returned for a series that exists but is
// not part of the calendar user's view.
type NotFoundAfterVisibilityChange struct {
	ResourceID   string
	CalendarUser string
}

func (e *NotFoundAfterVisibilityChange) Error() string {
	return fmt.Sprintf("resource %s is not visible to %s", e.ResourceID, e.CalendarUser)
}

func (e *NotFoundAfterVisibilityChange) Is(target error) bool {
	_, ok := target.(*NotFoundAfterVisibilityChange)
	return ok
}

// Component is a projected master or exception.
type Component struct {
	// RecurrenceID is nil for the master.
	RecurrenceID *time.Time    `json:"recurrence_id,omitempty"`
	Key          string        `json:"key,omitempty"`
	Fields       model.Fields  `json:"fields"`
	Alarms       []model.Alarm `json:"alarms,omitempty"`
	Redacted     bool          `json:"redacted,omitempty"`
}

// Projection is one calendar user's representation of a series.
type Projection struct {
	ResourceID   string      `json:"resource_id"`
	CalendarUser string      `json:"calendar_user"`
	Organizer    bool        `json:"organizer"`
	TZID         string      `json:"tzid,omitempty"`
	Rule         string      `json:"rule,omitempty"`
	RDates       []time.Time `json:"rdates,omitempty"`
	// ExDates are the slots of a visible master the calendar user does
	// not see, as canonical recurrence-id keys.
	ExDates    []string    `json:"exdates,omitempty"`
	Master     *Component  `json:"master,omitempty"`
	Exceptions []Component `json:"exceptions,omitempty"`
	Sequence   int         `json:"sequence"`

	ETag        string `json:"-"`
	ScheduleTag string `json:"-"`
	// Modified is the series' last write, used as DTSTAMP.
	Modified time.Time `json:"-"`
}

// Visible reports whether the series belongs in u's calendar at all.
func Visible(s *model.Series, u string) bool {
	if s.Owner == u || s.Master.HasParticipant(u) {
		return true
	}
	for _, slot := range s.Overrides {
		if slot.State == model.SlotOverridden && slot.Fields != nil && slot.Fields.HasParticipant(u) {
			return true
		}
	}
	return false
}

// Project renders s for calendar user u as read by viewer.
//
// A private component read by a viewer without ReadPrivate keeps its times
// and status. Its summary becomes PrivatePlaceholder, while location,
// description, organizer, participants, alarms and unknown properties are
// dropped, so a client shows a titled busy block without empty fields.
func Project(s *model.Series, u string, viewer Viewer) (*Projection, error) {
	if !Visible(s, u) {
		return nil, &NotFoundAfterVisibilityChange{ResourceID: s.ID, CalendarUser: u}
	}
	loc, err := s.Location()
	if err != nil {
		return nil, err
	}
	isOwner := s.Owner == u
	masterVisible := isOwner || s.Master.HasParticipant(u)

	p := &Projection{
		ResourceID:   s.ID,
		CalendarUser: u,
		Organizer:    isOwner,
		Sequence:     s.Sequence,
		Modified:     s.Modified,
	}

	if masterVisible {
		p.TZID = s.TZID
		p.Rule = s.Rule
		p.RDates = append([]time.Time(nil), s.RDates...)
		c := component(s, &s.Master, u, viewer, nil, "")
		p.Master = &c
	}

	keys := make([]string, 0, len(s.Overrides))
	for key := range s.Overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		slot := s.Overrides[key]
		shown := slot.State == model.SlotOverridden && slot.Fields != nil &&
			(isOwner || slot.Fields.HasParticipant(u))
		if !shown {
			if masterVisible {
				p.ExDates = append(p.ExDates, key)
			}
			continue
		}
		rid, allDay, err := recurrenceID(key, loc)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", s.ID, err)
		}
		if !allDay && p.TZID == "" {
			p.TZID = s.TZID
		}
		p.Exceptions = append(p.Exceptions, component(s, slot.Fields, u, viewer, &rid, key))
	}

	if err := p.tag(); err != nil {
		return nil, err
	}
	if viewer.UserID == u && viewer.WantsDefaultAlarm {
		p.addDefaultAlarms()
	}
	return p, nil
}

func recurrenceID(key string, loc *time.Location) (time.Time, bool, error) {
	t, allDay, err := recurrence.ParseID(key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt overlay key %q: %w", key, err)
	}
	if !allDay {
		t = t.In(loc)
	}
	return t, allDay, nil
}

// component renders one master or exception field set.
func component(s *model.Series, f *model.Fields, u string, viewer Viewer, rid *time.Time, key string) Component {
	out := f.Clone()
	out.Alarms = nil
	c := Component{RecurrenceID: rid, Key: key}

	if redact(s, f, viewer) {
		out.Summary = PrivatePlaceholder
		out.Location = ""
		out.Description = ""
		out.Organizer = ""
		out.Participants = nil
		out.Extra = nil
		c.Fields = out
		c.Redacted = true
		return c
	}

	if s.Owner != u {
		for i := range out.Participants {
			if !out.Participants[i].Is(u) {
				out.Participants[i].Comment = ""
				out.Participants[i].RSVP = false
			}
		}
	}
	c.Fields = out
	if viewer.UserID == u {
		for _, a := range f.Alarms[u] {
			c.Alarms = append(c.Alarms, a.Clone())
		}
	}
	return c
}

// redact reports whether a component's content is hidden from the viewer.
func redact(s *model.Series, f *model.Fields, viewer Viewer) bool {
	if !f.Class.IsPrivate() {
		return false
	}
	if viewer.UserID == s.Owner || f.HasParticipant(viewer.UserID) {
		return false
	}
	return !viewer.Capabilities.ReadPrivate
}

func (p *Projection) addDefaultAlarms() {
	if p.Master != nil && !p.Master.Redacted {
		p.Master.Alarms = alarm.Visible(p.Master.Alarms, true, p.ResourceID, "")
	}
	for i := range p.Exceptions {
		if !p.Exceptions[i].Redacted {
			p.Exceptions[i].Alarms = alarm.Visible(p.Exceptions[i].Alarms, true, p.ResourceID, p.Exceptions[i].Key)
		}
	}
}

// Shows reports whether the slot with the given key is part of the
// projection. Slots without an override follow the master.
func (p *Projection) Shows(key string) bool {
	for _, c := range p.Exceptions {
		if c.Key == key {
			return true
		}
	}
	if p.Master == nil {
		return false
	}
	for _, x := range p.ExDates {
		if x == key {
			return false
		}
	}
	return true
}

// VisibleKeys filters keys down to the slots the projection shows.
func (p *Projection) VisibleKeys(keys []string) []string {
	var out []string
	for _, k := range keys {
		if p.Shows(k) {
			out = append(out, k)
		}
	}
	return out
}

// Exception returns the projected exception with the given key.
func (p *Projection) Exception(key string) (*Component, bool) {
	for i := range p.Exceptions {
		if p.Exceptions[i].Key == key {
			return &p.Exceptions[i], true
		}
	}
	return nil, false
}

// ProjectOccurrence renders one materialized occurrence for calendar user u.
// Occurrences outside u's view fail with NotFoundAfterVisibilityChange.
func ProjectOccurrence(s *model.Series, occ overlay.Occurrence, u string, viewer Viewer) (Component, error) {
	var f *model.Fields
	switch {
	case occ.State == model.SlotOverridden:
		f = &occ.Fields
		if s.Owner != u && !f.HasParticipant(u) {
			return Component{}, &NotFoundAfterVisibilityChange{ResourceID: s.ID, CalendarUser: u}
		}
	case s.Owner == u || s.Master.HasParticipant(u):
		f = &occ.Fields
	default:
		return Component{}, &NotFoundAfterVisibilityChange{ResourceID: s.ID, CalendarUser: u}
	}

	rid := occ.RecurrenceID
	c := component(s, f, u, viewer, &rid, occ.Key)
	if occ.State == model.SlotInherited && viewer.UserID == u {
		c.Alarms = nil
		for _, a := range s.Master.Alarms[u] {
			c.Alarms = append(c.Alarms, a.Clone())
		}
	}
	if viewer.UserID == u && !c.Redacted {
		c.Alarms = alarm.Visible(c.Alarms, viewer.WantsDefaultAlarm, s.ID, occ.Key)
	}
	return c, nil
}

// tag computes both tags from the projection's current content.
func (p *Projection) tag() error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("hash projection %s: %w", p.ResourceID, err)
	}
	p.ETag = quote(sha1.Sum(body))

	fp, err := json.Marshal(p.schedulingFingerprint())
	if err != nil {
		return fmt.Errorf("hash schedule of %s: %w", p.ResourceID, err)
	}
	p.ScheduleTag = quote(sha1.Sum(fp))
	return nil
}

func quote(sum [sha1.Size]byte) string {
	return fmt.Sprintf("\"%x\"", sum)
}

type attendeeFingerprint struct {
	Address string     `json:"a"`
	Role    model.Role `json:"r,omitempty"`
}

type componentFingerprint struct {
	Key          string                `json:"k,omitempty"`
	Start        time.Time             `json:"s"`
	End          time.Time             `json:"e"`
	AllDay       bool                  `json:"d,omitempty"`
	Organizer    string                `json:"o,omitempty"`
	Participants []attendeeFingerprint `json:"p,omitempty"`
}

type scheduleFingerprint struct {
	TZID       string                 `json:"tz,omitempty"`
	Rule       string                 `json:"rule,omitempty"`
	RDates     []time.Time            `json:"rdates,omitempty"`
	ExDates    []string               `json:"exdates,omitempty"`
	Master     *componentFingerprint  `json:"master,omitempty"`
	Exceptions []componentFingerprint `json:"exceptions,omitempty"`
}

// schedulingFingerprint holds what the schedule tag covers: times, the
// rule, and who takes part. Replies, comments and alarms are left out, and
// so are exceptions that only exist to carry a reply.
func (p *Projection) schedulingFingerprint() scheduleFingerprint {
	fp := scheduleFingerprint{TZID: p.TZID, Rule: p.Rule, ExDates: p.ExDates}
	for _, d := range p.RDates {
		fp.RDates = append(fp.RDates, d.UTC())
	}
	var master *componentFingerprint
	if p.Master != nil {
		c := fingerprintOf(p.Master)
		master = &c
		fp.Master = master
	}
	for i := range p.Exceptions {
		c := fingerprintOf(&p.Exceptions[i])
		if master != nil && inherits(&p.Exceptions[i], c, p.Master, *master) {
			continue
		}
		fp.Exceptions = append(fp.Exceptions, c)
	}
	return fp
}

// inherits reports whether an exception schedules exactly what the master
// would for its slot.
func inherits(x *Component, xfp componentFingerprint, m *Component, mfp componentFingerprint) bool {
	if x.RecurrenceID == nil || !x.Fields.Start.Equal(*x.RecurrenceID) {
		return false
	}
	if x.Fields.End.Sub(x.Fields.Start) != m.Fields.End.Sub(m.Fields.Start) {
		return false
	}
	if xfp.AllDay != mfp.AllDay || xfp.Organizer != mfp.Organizer || len(xfp.Participants) != len(mfp.Participants) {
		return false
	}
	for i := range xfp.Participants {
		if xfp.Participants[i] != mfp.Participants[i] {
			return false
		}
	}
	return true
}

func fingerprintOf(c *Component) componentFingerprint {
	out := componentFingerprint{
		Key:       c.Key,
		Start:     c.Fields.Start.UTC(),
		End:       c.Fields.End.UTC(),
		AllDay:    c.Fields.AllDay,
		Organizer: c.Fields.Organizer,
	}
	for _, pt := range c.Fields.Participants {
		out.Participants = append(out.Participants, attendeeFingerprint{Address: pt.Address, Role: pt.Role})
	}
	sort.Slice(out.Participants, func(i, j int) bool {
		return out.Participants[i].Address < out.Participants[j].Address
	})
	return out
}
