package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyp0633/caldora/server/alarm"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/overlay"
	"github.com/cyp0633/caldora/server/storage"
)

// build turns an organizer's submission into the next version of the
// series. The payload is authoritative for the schedule: its exceptions
// become overrides, its EXDATEs suppress slots and every slot it does not
// mention inherits from the master. Replies and other users' alarms are
// carried over from prev.
func (e *Engine) build(ctx context.Context, sc *scope, id string, sub *model.Submission, prev *model.Series) (*model.Series, error) {
	if sub == nil || sub.Master == nil {
		return nil, fmt.Errorf("resource %s has no master component: %w", id, storage.ErrInvalidInput)
	}
	if sub.UID != "" && sub.UID != id {
		return nil, fmt.Errorf("UID %s does not match resource %s: %w", sub.UID, id, storage.ErrInvalidInput)
	}
	if err := e.resolveSubmission(ctx, sub); err != nil {
		return nil, err
	}

	s := &model.Series{
		ID:           id,
		Owner:        sc.user,
		CollectionID: sc.collection.ID,
		TZID:         sub.TZID,
		Rule:         sub.Rule,
		RDates:       append([]time.Time(nil), sub.RDates...),
		Master:       sub.Master.Fields.Clone(),
	}
	if prev != nil {
		s.CollectionID = prev.CollectionID
	}
	if _, err := s.Location(); err != nil {
		return nil, fmt.Errorf("resource %s: %w", id, errors.Join(storage.ErrInvalidInput, err))
	}
	ov, err := overlay.Open(s, e.planner)
	if err != nil {
		return nil, err
	}

	var (
		prevMaster *model.Fields
		prevSlots  map[string]model.Slot
		roster     rosterDelta
	)
	masterTiming := false
	if prev != nil {
		prevMaster = &prev.Master
		if prevSlots, err = e.reanchored(prev, s); err != nil {
			return nil, err
		}
		roster = diffRoster(prev.Master.Participants, s.Master.Participants)
		masterTiming = scheduleMoved(prev, s)
	}

	claimed := make(map[string]struct{}, len(sub.Exceptions))
	for _, x := range sub.Exceptions {
		if x.RecurrenceID == nil {
			return nil, fmt.Errorf("resource %s: exception without recurrence id: %w", id, storage.ErrInvalidInput)
		}
		key := ov.Key(*x.RecurrenceID)
		if _, dup := claimed[key]; dup {
			return nil, &ConflictingOverrideError{ResourceID: id, RecurrenceID: key}
		}
		claimed[key] = struct{}{}
	}
	for _, d := range sub.ExDates {
		key := ov.Key(d)
		if _, dup := claimed[key]; dup {
			return nil, &ConflictingOverrideError{ResourceID: id, RecurrenceID: key}
		}
		if !ov.Resolve(d) {
			e.logger.Debug("ignoring exdate outside the rule", "resource_id", id, "recurrence_id", key)
			continue
		}
		if err := ov.ApplyDeleteException(d); err != nil {
			return nil, err
		}
	}

	for _, x := range sub.Exceptions {
		rid := *x.RecurrenceID
		if !ov.Resolve(rid) {
			return nil, &overlay.OrphanedRecurrenceIDError{SeriesID: id, RecurrenceID: ov.Key(rid)}
		}
		inherited := ov.Inherit(rid)
		f := x.Fields.Clone()
		if f.Start.IsZero() {
			f.Start, f.End, f.AllDay = inherited.Start, inherited.End, inherited.AllDay
		}

		was := prevMaster
		timing := masterTiming || !sameSpan(&f, &inherited)
		if slot, ok := prevSlots[ov.Key(rid)]; ok && slot.State == model.SlotOverridden && slot.Fields != nil {
			was = slot.Fields
			timing = !sameSpan(&f, slot.Fields)
			if sameRoster(was.Participants, f.Participants) {
				roster.applyTo(&f)
			}
		}
		carry(&f, was, x.Alarms, alarm.Replace, sc.user, timing)
		if err := ov.ApplyChangeException(rid, f); err != nil {
			return nil, err
		}
	}

	carry(&s.Master, prevMaster, sub.Master.Alarms, alarm.Replace, sc.user, masterTiming)
	if err := s.Localize(); err != nil {
		return nil, err
	}
	return s, nil
}

// reanchored returns the stored overrides re-keyed to next's rule, so a
// slot keeps its replies and alarms when the whole series moves.
func (e *Engine) reanchored(prev, next *model.Series) (map[string]model.Slot, error) {
	if len(prev.Overrides) == 0 {
		return nil, nil
	}
	prevRec, err := overlay.RecurrenceOf(prev)
	if err != nil {
		return nil, err
	}
	shifted := prev.Clone()
	shifted.TZID, shifted.Rule, shifted.RDates = next.TZID, next.Rule, next.RDates
	shifted.Master.Start, shifted.Master.End, shifted.Master.AllDay = next.Master.Start, next.Master.End, next.Master.AllDay

	ov, err := overlay.Open(shifted, e.planner)
	if err != nil {
		return nil, err
	}
	dropped, err := ov.Reanchor(prevRec)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		e.logger.Debug("overrides left the rule", "resource_id", prev.ID, "keys", dropped)
	}
	return shifted.Overrides, nil
}

func (e *Engine) updateOccurrence(ctx context.Context, sc *scope, old *model.Series, op UpdateOccurrence) (*model.Series, error) {
	next := old.Clone()
	ov, err := overlay.Open(next, e.planner)
	if err != nil {
		return nil, err
	}
	rid := op.RecurrenceID
	if !ov.Resolve(rid) {
		return nil, &overlay.OrphanedRecurrenceIDError{SeriesID: old.ID, RecurrenceID: ov.Key(rid)}
	}
	was, _ := ov.Effective(rid)

	f := op.Fields.Clone()
	if err := e.resolve(ctx, &f); err != nil {
		return nil, err
	}
	if f.Start.IsZero() {
		f.Start, f.End, f.AllDay = was.Start, was.End, was.AllDay
	}
	carry(&f, &was, op.Alarms, alarm.Patch, sc.user, !sameSpan(&f, &was))
	if err := ov.ApplyChangeException(rid, f); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) deleteOccurrence(sc *scope, old *model.Series, rid time.Time, organizer bool) (*model.Series, error) {
	next := old.Clone()
	ov, err := overlay.Open(next, e.planner)
	if err != nil {
		return nil, err
	}
	if organizer {
		if err := ov.ApplyDeleteException(rid); err != nil {
			return nil, err
		}
		return next, nil
	}
	u := sc.user
	err = e.onOccurrence(ov, rid, func(f *model.Fields) (bool, error) {
		return dropUser(f, u), nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// carry fills the organizer's component f with what the organizer may not
// overwrite: local attendees' answers and other users' alarms. was is the
// component's previous state, nil on creation. When the component moved
// every answer is reset so attendees confirm again.
func carry(f *model.Fields, was *model.Fields, patches []model.AlarmPatch, mode alarm.Mode, organizer string, moved bool) {
	for i := range f.Participants {
		p := &f.Participants[i]
		if p.Is(organizer) {
			continue
		}
		var old *model.Participant
		if was != nil {
			old = findParticipant(was.Participants, p)
		}
		switch {
		case old == nil, moved:
			p.PartStat, p.RSVP, p.Comment = model.PartStatNeedsAction, true, ""
		case p.UserID != "":
			p.PartStat, p.RSVP, p.Comment = old.PartStat, old.RSVP, old.Comment
		}
	}

	var prevAlarms map[string][]model.Alarm
	if was != nil {
		prevAlarms = was.Alarms
	}
	f.Alarms = nil
	for user, list := range prevAlarms {
		if user == organizer || len(list) == 0 || !f.HasParticipant(user) {
			continue
		}
		setUserAlarms(f, user, cloneAlarms(list))
	}
	setUserAlarms(f, organizer, alarm.Merge(prevAlarms[organizer], patches, mode))
}

func setUserAlarms(f *model.Fields, user string, list []model.Alarm) {
	if len(list) == 0 {
		delete(f.Alarms, user)
		return
	}
	if f.Alarms == nil {
		f.Alarms = make(map[string][]model.Alarm)
	}
	f.Alarms[user] = list
}

func cloneAlarms(in []model.Alarm) []model.Alarm {
	out := make([]model.Alarm, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}

func sameAddress(a, b string) bool {
	norm := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		return strings.TrimPrefix(s, "mailto:")
	}
	return norm(a) == norm(b)
}

func findParticipant(list []model.Participant, p *model.Participant) *model.Participant {
	for i := range list {
		q := &list[i]
		if (p.UserID != "" && q.UserID == p.UserID) || sameAddress(q.Address, p.Address) {
			return q
		}
	}
	return nil
}

// rosterDelta is how the master's participant list changed.
type rosterDelta struct {
	added   []model.Participant
	removed []model.Participant
}

func diffRoster(before, after []model.Participant) rosterDelta {
	var d rosterDelta
	for i := range after {
		if findParticipant(before, &after[i]) == nil {
			d.added = append(d.added, after[i])
		}
	}
	for i := range before {
		if findParticipant(after, &before[i]) == nil {
			d.removed = append(d.removed, before[i])
		}
	}
	return d
}

// applyTo replays the master's roster change on an exception the
// organizer's client left alone.
func (d rosterDelta) applyTo(f *model.Fields) {
	for i := range d.removed {
		out := f.Participants[:0]
		for _, p := range f.Participants {
			if findParticipant([]model.Participant{d.removed[i]}, &p) == nil {
				out = append(out, p)
			}
		}
		f.Participants = out
	}
	for i := range d.added {
		if findParticipant(f.Participants, &d.added[i]) == nil {
			f.Participants = append(f.Participants, d.added[i])
		}
	}
}

func sameRoster(a, b []model.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if findParticipant(b, &a[i]) == nil {
			return false
		}
	}
	return true
}

func sameSpan(a, b *model.Fields) bool {
	return a.Start.Equal(b.Start) && a.End.Equal(b.End) && a.AllDay == b.AllDay
}

// scheduleMoved reports whether the master's slots changed.
func scheduleMoved(prev, next *model.Series) bool {
	if !sameSpan(&prev.Master, &next.Master) || prev.Rule != next.Rule || prev.TZID != next.TZID {
		return true
	}
	if len(prev.RDates) != len(next.RDates) {
		return true
	}
	for i := range prev.RDates {
		if !prev.RDates[i].Equal(next.RDates[i]) {
			return true
		}
	}
	return false
}

func (e *Engine) resolveSubmission(ctx context.Context, sub *model.Submission) error {
	if sub.Master != nil {
		if err := e.resolve(ctx, &sub.Master.Fields); err != nil {
			return err
		}
	}
	for i := range sub.Exceptions {
		if err := e.resolve(ctx, &sub.Exceptions[i].Fields); err != nil {
			return err
		}
	}
	return nil
}

// resolve links participant addresses to local users.
func (e *Engine) resolve(ctx context.Context, f *model.Fields) error {
	if e.directory == nil {
		return nil
	}
	for i := range f.Participants {
		p := &f.Participants[i]
		if p.UserID != "" {
			continue
		}
		id, ok, err := e.directory.LookupAddress(ctx, p.Address)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p.Address, err)
		}
		if ok {
			p.UserID = id
		}
	}
	return nil
}
