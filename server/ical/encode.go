package ical

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"

	"github.com/cyp0633/caldora/server/freebusy"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/view"
)

// ProductID is written into every calendar the server produces.
const ProductID = "-//Caldora//Go Calendar//EN"

func newCalendar() *goical.Calendar {
	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, ProductID)
	return cal
}

// Encode writes a projection as a calendar object resource.
func Encode(w io.Writer, p *view.Projection) error {
	loc := time.UTC
	if p.TZID != "" {
		var err error
		if loc, err = time.LoadLocation(p.TZID); err != nil {
			return fmt.Errorf("encode %s: %w", p.ResourceID, err)
		}
	}
	stamp := p.Modified
	if stamp.IsZero() {
		stamp = time.Now()
	}

	cal := newCalendar()
	if p.Master != nil {
		ev := encodeComponent(p, p.Master, loc, stamp)
		if p.Rule != "" {
			ev.Props.Set(&goical.Prop{Name: goical.PropRecurrenceRule, Params: goical.Params{}, Value: p.Rule})
		}
		if len(p.RDates) > 0 {
			ev.Props.Set(dateList(goical.PropRecurrenceDates, p.RDates, p.Master.Fields.AllDay, p.TZID, loc))
		}
		if len(p.ExDates) > 0 {
			var exdates []time.Time
			for _, key := range p.ExDates {
				t, _, err := recurrence.ParseID(key)
				if err != nil {
					return fmt.Errorf("encode %s: %w", p.ResourceID, err)
				}
				exdates = append(exdates, t)
			}
			ev.Props.Set(dateList(goical.PropExceptionDates, exdates, p.Master.Fields.AllDay, p.TZID, loc))
		}
		cal.Children = append(cal.Children, ev)
	}
	for i := range p.Exceptions {
		x := &p.Exceptions[i]
		ev := encodeComponent(p, x, loc, stamp)
		rid := goical.NewProp("RECURRENCE-ID")
		setTime(rid, *x.RecurrenceID, x.Fields.AllDay, p.TZID, loc)
		ev.Props.Set(rid)
		cal.Children = append(cal.Children, ev)
	}

	if err := goical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode %s: %w", p.ResourceID, err)
	}
	return nil
}

// EncodeOccurrences writes expanded occurrences, each as a standalone
// VEVENT with its own RECURRENCE-ID and no rule.
func EncodeOccurrences(w io.Writer, p *view.Projection, occs []view.Component) error {
	stamp := p.Modified
	if stamp.IsZero() {
		stamp = time.Now()
	}
	cal := newCalendar()
	for i := range occs {
		c := &occs[i]
		ev := encodeComponent(p, c, time.UTC, stamp)
		if c.RecurrenceID != nil && (p.Rule != "" || len(p.RDates) > 0 || len(p.Exceptions) > 0) {
			rid := goical.NewProp("RECURRENCE-ID")
			setTime(rid, *c.RecurrenceID, c.Fields.AllDay, "", time.UTC)
			ev.Props.Set(rid)
		}
		cal.Children = append(cal.Children, ev)
	}
	if err := goical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode occurrences of %s: %w", p.ResourceID, err)
	}
	return nil
}

func encodeComponent(p *view.Projection, c *view.Component, loc *time.Location, stamp time.Time) *goical.Component {
	f := &c.Fields
	ev := goical.NewComponent(goical.CompEvent)
	ev.Props.SetText(goical.PropUID, p.ResourceID)
	ev.Props.SetDateTime(goical.PropDateTimeStamp, stamp.UTC())
	ev.Props.Set(&goical.Prop{Name: "SEQUENCE", Params: goical.Params{}, Value: strconv.Itoa(p.Sequence)})

	start := goical.NewProp(goical.PropDateTimeStart)
	setTime(start, f.Start, f.AllDay, p.TZID, loc)
	ev.Props.Set(start)
	if !f.End.Equal(f.Start) {
		end := goical.NewProp(goical.PropDateTimeEnd)
		setTime(end, f.End, f.AllDay, p.TZID, loc)
		ev.Props.Set(end)
	}

	setText(ev, goical.PropSummary, f.Summary)
	setText(ev, goical.PropLocation, f.Location)
	setText(ev, goical.PropDescription, f.Description)
	setValue(ev, "CLASS", string(f.Class))
	setValue(ev, "STATUS", string(f.Status))
	setValue(ev, "TRANSP", string(f.Transparency))
	setValue(ev, propBusyStatus, busyStatus(f.ShownAs))

	if f.Organizer != "" {
		ev.Props.Set(&goical.Prop{Name: "ORGANIZER", Params: goical.Params{}, Value: f.Organizer})
	}
	for _, pt := range f.Participants {
		a := &goical.Prop{Name: "ATTENDEE", Params: goical.Params{}, Value: pt.Address}
		if pt.Name != "" {
			a.Params.Set("CN", pt.Name)
		}
		if pt.Role != "" {
			a.Params.Set("ROLE", string(pt.Role))
		}
		if pt.PartStat != "" {
			a.Params.Set("PARTSTAT", string(pt.PartStat))
		}
		if pt.RSVP {
			a.Params.Set("RSVP", "TRUE")
		}
		if pt.Comment != "" {
			a.Params.Set(paramComment, pt.Comment)
		}
		ev.Props.Add(a)
	}
	addRaw(ev.Props, f.Extra)

	for _, a := range c.Alarms {
		ev.Children = append(ev.Children, encodeAlarm(a))
	}
	return ev
}

func encodeAlarm(a model.Alarm) *goical.Component {
	c := goical.NewComponent("VALARM")
	if a.UID != "" {
		c.Props.SetText(goical.PropUID, a.UID)
		c.Props.SetText(propAlarmUID, a.UID)
	}
	setValue(c, "ACTION", a.Action)

	trigger := &goical.Prop{Name: "TRIGGER", Params: goical.Params{}}
	if a.Trigger.Absolute != nil {
		trigger.Params.Set("VALUE", "DATE-TIME")
		trigger.Value = a.Trigger.Absolute.UTC().Format(utcLayout)
	} else {
		trigger.Value = formatDuration(a.Trigger.Offset)
		if a.Trigger.Related == "END" {
			trigger.Params.Set("RELATED", "END")
		}
	}
	c.Props.Set(trigger)

	setText(c, goical.PropDescription, a.Description)
	if a.Acknowledged != nil {
		c.Props.Set(&goical.Prop{Name: propAcknowledged, Params: goical.Params{}, Value: a.Acknowledged.UTC().Format(utcLayout)})
	}
	setValue(c, "RELATED-TO", a.RelatedTo)
	if a.Default {
		setValue(c, propDefaultAlarm, "TRUE")
	}
	addRaw(c.Props, a.Extra)
	return c
}

// EncodeFreeBusy writes a VFREEBUSY answer for window.
func EncodeFreeBusy(w io.Writer, organizer string, window model.Window, intervals []freebusy.Interval, stamp time.Time) error {
	fb := goical.NewComponent("VFREEBUSY")
	fb.Props.SetDateTime(goical.PropDateTimeStamp, stamp.UTC())
	fb.Props.SetDateTime(goical.PropDateTimeStart, window.From.UTC())
	fb.Props.SetDateTime(goical.PropDateTimeEnd, window.To.UTC())
	if organizer != "" {
		fb.Props.Set(&goical.Prop{Name: "ORGANIZER", Params: goical.Params{}, Value: organizer})
	}
	for _, iv := range intervals {
		if iv.Type == freebusy.Free {
			continue
		}
		p := &goical.Prop{Name: "FREEBUSY", Params: goical.Params{}}
		p.Params.Set("FBTYPE", string(iv.Type))
		p.Value = iv.Start.UTC().Format(utcLayout) + "/" + iv.End.UTC().Format(utcLayout)
		fb.Props.Add(p)
	}

	cal := newCalendar()
	cal.Children = append(cal.Children, fb)
	if err := goical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode free/busy: %w", err)
	}
	return nil
}

// setTime writes t as a DATE, a UTC DATE-TIME, or a local DATE-TIME with
// TZID, whichever the series uses.
func setTime(p *goical.Prop, t time.Time, allDay bool, tzid string, loc *time.Location) {
	if p.Params == nil {
		p.Params = goical.Params{}
	}
	switch {
	case allDay:
		p.Params.Set("VALUE", "DATE")
		p.Value = t.Format(dateLayout)
	case tzid == "":
		p.Value = t.UTC().Format(utcLayout)
	default:
		p.Params.Set("TZID", tzid)
		p.Value = t.In(loc).Format(dateTimeLayout)
	}
}

func dateList(name string, ts []time.Time, allDay bool, tzid string, loc *time.Location) *goical.Prop {
	p := &goical.Prop{Name: name, Params: goical.Params{}}
	values := make([]string, 0, len(ts))
	for _, t := range ts {
		one := &goical.Prop{}
		setTime(one, t, allDay, tzid, loc)
		values = append(values, one.Value)
		for k, v := range one.Params {
			p.Params[k] = v
		}
	}
	p.Value = strings.Join(values, ",")
	return p
}

func setText(c *goical.Component, name, v string) {
	if v != "" {
		c.Props.SetText(name, v)
	}
}

func setValue(c *goical.Component, name, v string) {
	if v != "" {
		c.Props.Set(&goical.Prop{Name: name, Params: goical.Params{}, Value: v})
	}
}

func addRaw(props goical.Props, raw []model.RawProperty) {
	for _, r := range raw {
		p := &goical.Prop{Name: r.Name, Params: goical.Params{}, Value: r.Value}
		for k, v := range r.Params {
			p.Params[k] = append([]string(nil), v...)
		}
		props.Add(p)
	}
}

// formatDuration renders an RFC 5545 duration such as -PT15M or P1DT2H.
func formatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')
	if d == 0 {
		b.WriteString("T0S")
		return b.String()
	}
	day := 24 * time.Hour
	if days := d / day; days > 0 {
		if d%day == 0 && days%7 == 0 {
			fmt.Fprintf(&b, "%dW", days/7)
			return b.String()
		}
		fmt.Fprintf(&b, "%dD", days)
		d -= days * day
	}
	if d == 0 {
		return b.String()
	}
	b.WriteByte('T')
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
