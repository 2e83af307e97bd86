// Package overlay merges sparse per-occurrence overrides onto the nominal
// slots of a series.
package overlay

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/recurrence"
)

// OrphanedRecurrenceIDError is returned when a recurrence id does not name a
// nominal slot of the series' current rule.
type OrphanedRecurrenceIDError struct {
	SeriesID     string
	RecurrenceID string
}

func (e *OrphanedRecurrenceIDError) Error() string {
	return fmt.Sprintf("recurrence id %s is not an occurrence of series %s", e.RecurrenceID, e.SeriesID)
}

func (e *OrphanedRecurrenceIDError) Is(target error) bool {
	_, ok := target.(*OrphanedRecurrenceIDError)
	return ok
}

// Occurrence is one logical instance of a series.
type Occurrence struct {
	SeriesID string
	// RecurrenceID is the nominal start of the slot, even when the
	// occurrence was moved.
	RecurrenceID time.Time
	Key          string
	State        model.SlotState
	Fields       model.Fields
}

// Overlay edits and reads the overlay of one series in place.
type Overlay struct {
	series  *model.Series
	planner *recurrence.Planner
	rec     recurrence.Recurrence
	loc     *time.Location
}

// RecurrenceOf derives the planner input of a series.
func RecurrenceOf(s *model.Series) (recurrence.Recurrence, error) {
	loc, err := s.Location()
	if err != nil {
		return recurrence.Recurrence{}, err
	}
	var rule *recurrence.Rule
	if s.Rule != "" {
		if rule, err = recurrence.ParseRule(s.Rule); err != nil {
			return recurrence.Recurrence{}, err
		}
	}
	anchor := s.Master.Start
	if !s.Master.AllDay {
		anchor = anchor.In(loc)
	}
	return recurrence.Recurrence{
		Rule:   rule,
		Anchor: anchor,
		AllDay: s.Master.AllDay,
		RDates: s.RDates,
	}, nil
}

// Open binds an overlay to a series.
func Open(s *model.Series, planner *recurrence.Planner) (*Overlay, error) {
	rec, err := RecurrenceOf(s)
	if err != nil {
		return nil, err
	}
	loc, _ := s.Location()
	if s.Master.AllDay {
		loc = time.UTC
	}
	return &Overlay{series: s, planner: planner, rec: rec, loc: loc}, nil
}

func (o *Overlay) Series() *model.Series { return o.series }

func (o *Overlay) Recurrence() recurrence.Recurrence { return o.rec }

// Key returns the canonical overlay key of a recurrence id.
func (o *Overlay) Key(rid time.Time) string {
	return recurrence.FormatID(rid, o.series.Master.AllDay)
}

// RecurrenceID parses an overlay key back into the series' zone.
func (o *Overlay) RecurrenceID(key string) (time.Time, error) {
	t, _, err := recurrence.ParseID(key)
	if err != nil {
		return time.Time{}, err
	}
	return t.In(o.loc), nil
}

// Resolve reports whether rid is addressable. A single event has no
// addressable occurrences.
func (o *Overlay) Resolve(rid time.Time) bool {
	if !o.series.Recurring() {
		return false
	}
	return o.planner.Resolve(o.rec, rid)
}

func (o *Overlay) orphaned(rid time.Time) error {
	return &OrphanedRecurrenceIDError{SeriesID: o.series.ID, RecurrenceID: o.Key(rid)}
}

// Slot returns the state of a slot. Unknown keys are inherited.
func (o *Overlay) Slot(rid time.Time) model.Slot {
	if slot, ok := o.series.Overrides[o.Key(rid)]; ok {
		return slot
	}
	return model.Slot{State: model.SlotInherited}
}

// Effective returns the fields in force for a slot: the exception's own
// fields, or the master's projected onto the slot.
func (o *Overlay) Effective(rid time.Time) (model.Fields, model.SlotState) {
	slot := o.Slot(rid)
	if slot.State == model.SlotOverridden && slot.Fields != nil {
		return slot.Fields.Clone(), slot.State
	}
	return o.Inherit(rid), slot.State
}

// Inherit projects the master's fields onto a slot.
func (o *Overlay) Inherit(rid time.Time) model.Fields {
	f := o.series.Master.Clone()
	if f.AllDay {
		days := int(f.End.Sub(f.Start).Hours() / 24)
		f.Start = rid
		f.End = rid.AddDate(0, 0, days)
		return f
	}
	span := f.Span()
	f.Start = rid.In(o.loc)
	f.End = f.Start.Add(span)
	return f
}

// ApplyChangeException overrides one slot with a full field set. A
// suppressed slot may be overridden again.
func (o *Overlay) ApplyChangeException(rid time.Time, fields model.Fields) error {
	if !o.Resolve(rid) {
		return o.orphaned(rid)
	}
	f := fields.Clone()
	if f.Start.IsZero() {
		inherited := o.Inherit(rid)
		f.Start, f.End, f.AllDay = inherited.Start, inherited.End, inherited.AllDay
	}
	o.put(rid, model.Slot{State: model.SlotOverridden, Fields: &f})
	return nil
}

// ApplyDeleteException suppresses one slot, replacing any change exception.
// Suppressing the last remaining slot leaves a series without occurrences.
func (o *Overlay) ApplyDeleteException(rid time.Time) error {
	if !o.Resolve(rid) {
		return o.orphaned(rid)
	}
	o.put(rid, model.Slot{State: model.SlotSuppressed})
	return nil
}

// Revert returns a slot to the master's fields.
func (o *Overlay) Revert(rid time.Time) {
	delete(o.series.Overrides, o.Key(rid))
}

func (o *Overlay) put(rid time.Time, slot model.Slot) {
	if o.series.Overrides == nil {
		o.series.Overrides = make(map[string]model.Slot)
	}
	o.series.Overrides[o.Key(rid)] = slot
}

// Materialize lists the logical occurrences overlapping the window, ordered
// by effective start, then recurrence id. Suppressed slots are omitted.
// Overridden slots are placed by their effective span, not their nominal one.
// When expansion hit the occurrence limit the occurrences found are returned
// with an error wrapping recurrence.ErrTruncated.
func (o *Overlay) Materialize(w model.Window) ([]Occurrence, error) {
	master := o.series.Master
	from := w.From
	if !from.IsZero() {
		from = from.Add(-master.Span())
	}
	nominal, err := o.planner.Between(o.rec, from, w.To)
	truncated := errors.Is(err, recurrence.ErrTruncated)
	if err != nil && !truncated {
		return nil, err
	}

	var out []Occurrence
	for _, rid := range nominal {
		key := o.Key(rid)
		if _, overridden := o.series.Overrides[key]; overridden {
			continue
		}
		f := o.Inherit(rid)
		if !w.Overlaps(f.Start, f.End) {
			continue
		}
		out = append(out, Occurrence{
			SeriesID:     o.series.ID,
			RecurrenceID: rid,
			Key:          key,
			State:        model.SlotInherited,
			Fields:       f,
		})
	}

	for key, slot := range o.series.Overrides {
		if slot.State != model.SlotOverridden || slot.Fields == nil {
			continue
		}
		if !w.Overlaps(slot.Fields.Start, slot.Fields.End) {
			continue
		}
		rid, err := o.RecurrenceID(key)
		if err != nil {
			return nil, fmt.Errorf("series %s: corrupt overlay key %q: %w", o.series.ID, key, err)
		}
		out = append(out, Occurrence{
			SeriesID:     o.series.ID,
			RecurrenceID: rid,
			Key:          key,
			State:        model.SlotOverridden,
			Fields:       slot.Fields.Clone(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Fields.Start.Equal(out[j].Fields.Start) {
			return out[i].Fields.Start.Before(out[j].Fields.Start)
		}
		return out[i].RecurrenceID.Before(out[j].RecurrenceID)
	})
	if truncated {
		return out, fmt.Errorf("series %s: %w", o.series.ID, recurrence.ErrTruncated)
	}
	return out, nil
}

// Reanchor re-keys the overlay after the master's rule, start or zone
// changed. When only the start moved, every key moves by the same
// wall-clock delta; a zone change keeps each key's clock reading. Keys that
// no longer name a nominal slot are dropped and returned. Kept exceptions
// are placed in the series' current zone.
func (o *Overlay) Reanchor(prev recurrence.Recurrence) (dropped []string, err error) {
	cur, err := RecurrenceOf(o.series)
	if err != nil {
		return nil, err
	}
	zone, _ := o.series.Location()
	o.rec = cur
	o.loc = zone
	if o.series.Master.AllDay {
		o.loc = time.UTC
	}
	if len(o.series.Overrides) == 0 {
		return nil, nil
	}

	from := prev.Anchor.Location()
	shift := time.Duration(0)
	if prev.Rule.Equal(cur.Rule) && prev.AllDay == cur.AllDay && sameTimes(prev.RDates, cur.RDates) {
		shift = wallClockOf(cur.Anchor).Sub(wallClockOf(prev.Anchor))
	}

	next := make(map[string]model.Slot, len(o.series.Overrides))
	for key, slot := range o.series.Overrides {
		rid, _, err := recurrence.ParseID(key)
		if err != nil {
			dropped = append(dropped, key)
			continue
		}
		rid = recurrence.MoveWall(rid, from, shift, o.loc)
		if !o.Resolve(rid) {
			dropped = append(dropped, key)
			continue
		}
		if slot.Fields != nil {
			f := slot.Fields.Clone()
			if f.AllDay {
				f.Start, f.End = f.Start.UTC(), f.End.UTC()
			} else {
				f.Start, f.End = f.Start.In(zone), f.End.In(zone)
			}
			slot.Fields = &f
		}
		next[o.Key(rid)] = slot
	}
	o.series.Overrides = next
	sort.Strings(dropped)
	return dropped, nil
}

// wallClockOf is t's clock reading as a UTC value.
func wallClockOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func sameTimes(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
