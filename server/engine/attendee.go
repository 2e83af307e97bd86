package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/cyp0633/caldora/server/alarm"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/overlay"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/view"
	"github.com/samber/mo"
)

// edit changes one component in place and reports whether it did.
type edit func(f *model.Fields) (bool, error)

// onOccurrence runs fn on the effective fields of one slot. An inherited
// slot only becomes an override when fn changed something.
func (e *Engine) onOccurrence(ov *overlay.Overlay, rid time.Time, fn edit) error {
	s := ov.Series()
	if !ov.Resolve(rid) {
		return &overlay.OrphanedRecurrenceIDError{SeriesID: s.ID, RecurrenceID: ov.Key(rid)}
	}
	slot := ov.Slot(rid)
	var f model.Fields
	switch {
	case slot.State == model.SlotSuppressed:
		return &view.NotFoundAfterVisibilityChange{ResourceID: s.ID}
	case slot.State == model.SlotOverridden && slot.Fields != nil:
		f = slot.Fields.Clone()
	default:
		f = ov.Inherit(rid)
	}
	changed, err := fn(&f)
	if err != nil || !changed {
		return err
	}
	return ov.ApplyChangeException(rid, f)
}

// answer applies an attendee's submission. The organizer owns the
// schedule, so only the attendee's own participation status, comment and
// alarms are taken from the payload. An EXDATE on a slot the attendee can
// see declines that occurrence.
func (e *Engine) answer(ctx context.Context, sc *scope, old *model.Series, sub *model.Submission) (*model.Series, error) {
	if sub == nil {
		return nil, fmt.Errorf("resource %s: empty submission: %w", old.ID, storage.ErrInvalidInput)
	}
	if sub.UID != "" && sub.UID != old.ID {
		return nil, fmt.Errorf("UID %s does not match resource %s: %w", sub.UID, old.ID, storage.ErrInvalidInput)
	}
	if err := e.resolveSubmission(ctx, sub); err != nil {
		return nil, err
	}
	u := sc.user
	next := old.Clone()
	ov, err := overlay.Open(next, e.planner)
	if err != nil {
		return nil, err
	}

	if sub.Master != nil {
		if _, err := answerWith(u, sub.Master)(&next.Master); err != nil {
			return nil, err
		}
	}

	claimed := make(map[string]struct{}, len(sub.Exceptions))
	for i := range sub.Exceptions {
		x := &sub.Exceptions[i]
		if x.RecurrenceID == nil {
			return nil, fmt.Errorf("resource %s: exception without recurrence id: %w", old.ID, storage.ErrInvalidInput)
		}
		key := ov.Key(*x.RecurrenceID)
		if _, dup := claimed[key]; dup {
			return nil, &ConflictingOverrideError{ResourceID: old.ID, RecurrenceID: key}
		}
		claimed[key] = struct{}{}
		err := e.onOccurrence(ov, *x.RecurrenceID, answerWith(u, x))
		if errors.Is(err, ErrNotFoundAfterVisibilityChange) {
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	before, err := view.Project(old, u, view.Viewer{UserID: u, Capabilities: view.Full})
	if err != nil {
		return nil, err
	}
	for _, d := range sub.ExDates {
		key := ov.Key(d)
		if _, dup := claimed[key]; dup {
			return nil, &ConflictingOverrideError{ResourceID: old.ID, RecurrenceID: key}
		}
		if !ov.Resolve(d) || !before.Shows(key) {
			continue
		}
		if err := e.onOccurrence(ov, d, replyWith(u, model.PartStatDeclined, mo.None[string]())); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// answerWith copies u's answer and alarms from a submitted component.
// Components u does not take part in are left alone.
func answerWith(u string, c *model.Component) edit {
	return func(f *model.Fields) (bool, error) {
		me, ok := f.Participant(u)
		if !ok {
			return false, nil
		}
		changed := false
		if sent, ok := c.Fields.Participant(u); ok && sent.PartStat != "" {
			if me.PartStat != sent.PartStat || me.Comment != sent.Comment {
				me.PartStat, me.Comment, me.RSVP = sent.PartStat, sent.Comment, false
				changed = true
			}
		}
		if mergeAlarms(f, u, c.Alarms, alarm.Replace) {
			changed = true
		}
		return changed, nil
	}
}

func replyWith(u string, partstat model.PartStat, comment mo.Option[string]) edit {
	return func(f *model.Fields) (bool, error) {
		me, ok := f.Participant(u)
		if !ok {
			return false, fmt.Errorf("%s is not a participant: %w", u, storage.ErrPermissionDenied)
		}
		before := *me
		me.PartStat, me.RSVP = partstat, false
		if text, ok := comment.Get(); ok {
			me.Comment = text
		}
		return *me != before, nil
	}
}

func (e *Engine) reply(sc *scope, old *model.Series, op Reply) (*model.Series, error) {
	if op.PartStat == "" {
		return nil, fmt.Errorf("reply without participation status: %w", storage.ErrInvalidInput)
	}
	next := old.Clone()
	fn := replyWith(sc.user, op.PartStat, op.Comment)
	if op.RecurrenceID == nil {
		_, err := fn(&next.Master)
		return next, err
	}
	ov, err := overlay.Open(next, e.planner)
	if err != nil {
		return nil, err
	}
	if err := e.onOccurrence(ov, *op.RecurrenceID, fn); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *Engine) updateAlarms(sc *scope, old *model.Series, op UpdateAlarms) (*model.Series, error) {
	u := sc.user
	next := old.Clone()
	fn := func(f *model.Fields) (bool, error) {
		if next.Owner != u && !f.HasParticipant(u) {
			return false, &view.NotFoundAfterVisibilityChange{ResourceID: old.ID, CalendarUser: u}
		}
		return mergeAlarms(f, u, op.Alarms, op.Mode), nil
	}
	if op.RecurrenceID == nil {
		_, err := fn(&next.Master)
		return next, err
	}
	ov, err := overlay.Open(next, e.planner)
	if err != nil {
		return nil, err
	}
	if err := e.onOccurrence(ov, *op.RecurrenceID, fn); err != nil {
		return nil, err
	}
	return next, nil
}

// mergeAlarms merges patches into u's alarms on f and reports whether the
// stored set changed.
func mergeAlarms(f *model.Fields, u string, patches []model.AlarmPatch, mode alarm.Mode) bool {
	cur := f.Alarms[u]
	merged := alarm.Merge(cur, patches, mode)
	if len(cur) == 0 && len(merged) == 0 {
		return false
	}
	if reflect.DeepEqual(cur, merged) {
		return false
	}
	setUserAlarms(f, u, merged)
	return true
}

// withdraw removes an attendee from every component of a series.
func withdraw(s *model.Series, u string) *model.Series {
	next := s.Clone()
	dropUser(&next.Master, u)
	for _, slot := range next.Overrides {
		if slot.Fields != nil {
			dropUser(slot.Fields, u)
		}
	}
	return next
}

func dropUser(f *model.Fields, u string) bool {
	removed := f.RemoveParticipant(u)
	if _, ok := f.Alarms[u]; ok {
		delete(f.Alarms, u)
		removed = true
	}
	return removed
}
