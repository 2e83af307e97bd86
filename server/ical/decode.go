// Package ical converts between iCalendar bodies and the engine's
// submissions and projections.
package ical

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/samber/mo"

	"github.com/cyp0633/caldora/server/model"
)

const (
	dateLayout     = "20060102"
	dateTimeLayout = "20060102T150405"
	utcLayout      = "20060102T150405Z"

	propAlarmUID     = "X-WR-ALARMUID"
	propAcknowledged = "ACKNOWLEDGED"
	propDefaultAlarm = "X-APPLE-DEFAULT-ALARM"
	propBusyStatus   = "X-MICROSOFT-CDO-BUSYSTATUS"
	paramComment     = "X-RESPONSE-COMMENT"
)

// ErrInvalidCalendar wraps every decoding failure.
var ErrInvalidCalendar = errors.New("invalid calendar data")

// Properties the engine interprets or manages itself. Everything else on a
// VEVENT is kept verbatim.
var eventProps = map[string]bool{
	goical.PropUID: true, goical.PropDateTimeStamp: true, goical.PropDateTimeStart: true,
	goical.PropDateTimeEnd: true, goical.PropDuration: true, goical.PropRecurrenceRule: true,
	goical.PropRecurrenceDates: true, goical.PropExceptionDates: true, "RECURRENCE-ID": true,
	goical.PropSummary: true, goical.PropLocation: true, goical.PropDescription: true,
	"CLASS": true, "STATUS": true, "TRANSP": true, propBusyStatus: true,
	"ORGANIZER": true, "ATTENDEE": true, "SEQUENCE": true,
	goical.PropCreated: true, goical.PropLastModified: true,
}

var alarmProps = map[string]bool{
	goical.PropUID: true, propAlarmUID: true, "ACTION": true, "TRIGGER": true,
	goical.PropDescription: true, propAcknowledged: true, "RELATED-TO": true, propDefaultAlarm: true,
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidCalendar, fmt.Sprintf(format, args...))
}

// Decode reads one calendar object resource.
func Decode(r io.Reader) (*model.Submission, error) {
	cal, err := goical.NewDecoder(r).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalendar, err)
	}

	var events []*goical.Component
	for _, c := range cal.Children {
		if c.Name == goical.CompEvent {
			events = append(events, c)
		}
	}
	if len(events) == 0 {
		return nil, invalid("no VEVENT")
	}

	sub := &model.Submission{}
	for _, ev := range events {
		uid := text(ev, goical.PropUID)
		if uid == "" {
			return nil, invalid("VEVENT without UID")
		}
		if sub.UID != "" && sub.UID != uid {
			return nil, invalid("more than one UID: %s and %s", sub.UID, uid)
		}
		sub.UID = uid
		if ev.Props.Get("RECURRENCE-ID") == nil {
			if sub.Master != nil {
				return nil, invalid("more than one master VEVENT")
			}
			sub.Master = &model.Component{}
		}
	}

	// The reference zone comes from the master, or the first exception
	// when the body carries no master.
	ref := events[0]
	for _, ev := range events {
		if ev.Props.Get("RECURRENCE-ID") == nil {
			ref = ev
			break
		}
	}
	loc := time.UTC
	if start := ref.Props.Get(goical.PropDateTimeStart); start != nil {
		if tzid := start.Params.Get("TZID"); tzid != "" {
			if loc, err = time.LoadLocation(tzid); err != nil {
				return nil, invalid("unknown TZID %q", tzid)
			}
			sub.TZID = tzid
		}
	}

	for _, ev := range events {
		fields, err := decodeFields(ev, loc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sub.UID, err)
		}
		alarms, err := decodeAlarms(ev, loc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sub.UID, err)
		}

		ridProp := ev.Props.Get("RECURRENCE-ID")
		if ridProp == nil {
			sub.Master.Fields = fields
			sub.Master.Alarms = alarms
			if rule := ev.Props.Get(goical.PropRecurrenceRule); rule != nil {
				sub.Rule = strings.TrimPrefix(rule.Value, "RRULE:")
			}
			if sub.RDates, err = timeList(ev.Props[goical.PropRecurrenceDates], loc); err != nil {
				return nil, err
			}
			if sub.ExDates, err = timeList(ev.Props[goical.PropExceptionDates], loc); err != nil {
				return nil, err
			}
			continue
		}

		rid, _, err := parseTime(ridProp.Value, ridProp.Params, loc)
		if err != nil {
			return nil, invalid("RECURRENCE-ID: %v", err)
		}
		sub.Exceptions = append(sub.Exceptions, model.Component{RecurrenceID: &rid, Fields: fields, Alarms: alarms})
	}
	return sub, nil
}

func decodeFields(ev *goical.Component, loc *time.Location) (model.Fields, error) {
	var f model.Fields

	start := ev.Props.Get(goical.PropDateTimeStart)
	if start == nil {
		return f, invalid("VEVENT without DTSTART")
	}
	var err error
	if f.Start, f.AllDay, err = parseTime(start.Value, start.Params, loc); err != nil {
		return f, invalid("DTSTART: %v", err)
	}

	switch {
	case ev.Props.Get(goical.PropDateTimeEnd) != nil:
		end := ev.Props.Get(goical.PropDateTimeEnd)
		if f.End, _, err = parseTime(end.Value, end.Params, loc); err != nil {
			return f, invalid("DTEND: %v", err)
		}
	case ev.Props.Get(goical.PropDuration) != nil:
		d, err := parseDuration(ev.Props.Get(goical.PropDuration).Value)
		if err != nil {
			return f, invalid("DURATION: %v", err)
		}
		f.End = f.Start.Add(d)
	case f.AllDay:
		f.End = f.Start.AddDate(0, 0, 1)
	default:
		f.End = f.Start
	}
	if f.End.Before(f.Start) {
		return f, invalid("DTEND before DTSTART")
	}

	f.Summary = text(ev, goical.PropSummary)
	f.Location = text(ev, goical.PropLocation)
	f.Description = text(ev, goical.PropDescription)
	f.Class = model.Class(strings.ToUpper(text(ev, "CLASS")))
	f.Status = model.Status(strings.ToUpper(text(ev, "STATUS")))
	f.Transparency = model.Transparency(strings.ToUpper(text(ev, "TRANSP")))
	f.ShownAs = shownAs(text(ev, propBusyStatus))

	if org := ev.Props.Get("ORGANIZER"); org != nil {
		f.Organizer = normalizeAddress(org.Value)
	}
	for _, a := range ev.Props["ATTENDEE"] {
		p := model.Participant{
			Address:  normalizeAddress(a.Value),
			Name:     a.Params.Get("CN"),
			Role:     model.Role(strings.ToUpper(a.Params.Get("ROLE"))),
			PartStat: model.PartStat(strings.ToUpper(a.Params.Get("PARTSTAT"))),
			RSVP:     strings.EqualFold(a.Params.Get("RSVP"), "TRUE"),
			Comment:  a.Params.Get(paramComment),
		}
		if p.PartStat == "" {
			p.PartStat = model.PartStatNeedsAction
		}
		f.Participants = append(f.Participants, p)
	}
	f.Extra = extra(ev.Props, eventProps)
	return f, nil
}

func decodeAlarms(ev *goical.Component, loc *time.Location) ([]model.AlarmPatch, error) {
	var out []model.AlarmPatch
	for _, c := range ev.Children {
		if c.Name != "VALARM" {
			continue
		}
		a := model.AlarmPatch{UID: text(c, goical.PropUID)}
		if a.UID == "" {
			a.UID = text(c, propAlarmUID)
		}
		if v := text(c, "ACTION"); v != "" {
			a.Action = mo.Some(strings.ToUpper(v))
		}
		if t := c.Props.Get("TRIGGER"); t != nil {
			trigger, err := decodeTrigger(t, loc)
			if err != nil {
				return nil, invalid("TRIGGER: %v", err)
			}
			a.Trigger = mo.Some(trigger)
		}
		if d := c.Props.Get(goical.PropDescription); d != nil {
			v, _ := d.Text()
			a.Description = mo.Some(v)
		}
		if ack := c.Props.Get(propAcknowledged); ack != nil {
			// An empty value is an explicit removal. Leaving the property
			// out keeps whatever the server holds.
			if strings.TrimSpace(ack.Value) == "" {
				a.ClearAcknowledged = true
			} else {
				at, _, err := parseTime(ack.Value, ack.Params, time.UTC)
				if err != nil {
					return nil, invalid("ACKNOWLEDGED: %v", err)
				}
				a.Acknowledged = mo.Some(at.UTC())
			}
		}
		if rel := c.Props.Get("RELATED-TO"); rel != nil {
			a.RelatedTo = mo.Some(rel.Value)
		}
		a.Default = strings.EqualFold(text(c, propDefaultAlarm), "TRUE")
		a.Extra = extra(c.Props, alarmProps)
		out = append(out, a)
	}
	return out, nil
}

func decodeTrigger(p *goical.Prop, loc *time.Location) (model.Trigger, error) {
	if strings.EqualFold(p.Params.Get("VALUE"), "DATE-TIME") {
		at, _, err := parseTime(p.Value, p.Params, loc)
		if err != nil {
			return model.Trigger{}, err
		}
		at = at.UTC()
		return model.Trigger{Absolute: &at}, nil
	}
	d, err := parseDuration(p.Value)
	if err != nil {
		return model.Trigger{}, err
	}
	t := model.Trigger{Offset: d}
	if strings.EqualFold(p.Params.Get("RELATED"), "END") {
		t.Related = "END"
	}
	return t, nil
}

// parseDuration reads an RFC 5545 duration such as -PT15M, P1DT2H or P2W.
func parseDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	sign := time.Duration(1)
	switch {
	case strings.HasPrefix(s, "-"):
		sign, s = -1, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := 0
	digits := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			digits = true
			continue
		case r == 'T':
			if inTime || digits {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			inTime = true
			continue
		}
		if !digits {
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		var unit time.Duration
		switch {
		case r == 'W' && !inTime:
			unit = 7 * 24 * time.Hour
		case r == 'D' && !inTime:
			unit = 24 * time.Hour
		case r == 'H' && inTime:
			unit = time.Hour
		case r == 'M' && inTime:
			unit = time.Minute
		case r == 'S' && inTime:
			unit = time.Second
		default:
			return 0, fmt.Errorf("invalid duration %q", v)
		}
		total += time.Duration(num) * unit
		num, digits = 0, false
	}
	if digits {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return sign * total, nil
}

// parseTime reads a DATE or DATE-TIME value. Floating times are read in
// loc, and timed values are returned in loc.
func parseTime(value string, params goical.Params, loc *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(params.Get("VALUE"), "DATE") || len(value) == len(dateLayout) {
		t, err := time.ParseInLocation(dateLayout, value, time.UTC)
		return t, true, err
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(utcLayout, value)
		return t.In(loc), false, err
	}
	in := loc
	if tzid := params.Get("TZID"); tzid != "" {
		var err error
		if in, err = time.LoadLocation(tzid); err != nil {
			return time.Time{}, false, fmt.Errorf("unknown TZID %q", tzid)
		}
	}
	t, err := time.ParseInLocation(dateTimeLayout, value, in)
	return t.In(loc), false, err
}

// timeList reads every value of a multi-valued date property such as
// EXDATE, which may repeat and also hold comma separated lists.
func timeList(props []goical.Prop, loc *time.Location) ([]time.Time, error) {
	var out []time.Time
	for _, p := range props {
		for _, v := range strings.Split(p.Value, ",") {
			if v = strings.TrimSpace(v); v == "" {
				continue
			}
			t, _, err := parseTime(v, p.Params, loc)
			if err != nil {
				return nil, invalid("%s %q: %v", p.Name, v, err)
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func text(c *goical.Component, name string) string {
	p := c.Props.Get(name)
	if p == nil {
		return ""
	}
	v, err := p.Text()
	if err != nil {
		return p.Value
	}
	return v
}

// extra collects unknown properties, sorted by name to keep tags stable.
func extra(props goical.Props, known map[string]bool) []model.RawProperty {
	var names []string
	for name := range props {
		if !known[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []model.RawProperty
	for _, name := range names {
		for _, p := range props[name] {
			raw := model.RawProperty{Name: name, Value: p.Value}
			if len(p.Params) > 0 {
				raw.Params = make(map[string][]string, len(p.Params))
				for k, v := range p.Params {
					raw.Params[k] = append([]string(nil), v...)
				}
			}
			out = append(out, raw)
		}
	}
	return out
}

func shownAs(v string) model.ShownAs {
	switch strings.ToUpper(v) {
	case "FREE":
		return model.ShownAsFree
	case "TENTATIVE":
		return model.ShownAsTemporary
	case "OOF":
		return model.ShownAsAbsent
	case "BUSY":
		return model.ShownAsReserved
	}
	return ""
}

func busyStatus(s model.ShownAs) string {
	switch s {
	case model.ShownAsFree:
		return "FREE"
	case model.ShownAsTemporary:
		return "TENTATIVE"
	case model.ShownAsAbsent:
		return "OOF"
	case model.ShownAsReserved:
		return "BUSY"
	}
	return ""
}

// normalizeAddress lowercases the scheme so "MAILTO:" and "mailto:" match.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.IndexByte(addr, ':'); i > 0 {
		return strings.ToLower(addr[:i]) + addr[i:]
	}
	return addr
}
