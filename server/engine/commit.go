package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cyp0633/caldora/server/ledger"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/view"
)

// commit diffs every affected calendar user's view of the series before
// and after the mutation and writes the new series, the view states and
// the ledger entries in one batch. Nothing is written when no view and no
// stored field changed.
func (e *Engine) commit(ctx context.Context, sc *scope, id string, cur state, next *model.Series) (*Result, error) {
	now := e.now()
	old := cur.series
	if next != nil {
		// Tags hash times with their offsets; store and project the zone a
		// reload would produce.
		if err := next.Localize(); err != nil {
			return nil, err
		}
		if old != nil {
			next.Created, next.Modified, next.Sequence = old.Created, old.Modified, old.Sequence
			moved, err := scheduleTagChanged(old, next)
			if err != nil {
				return nil, err
			}
			if moved {
				next.Sequence++
			}
		} else {
			next.Created, next.Modified = now, now
		}
	}

	batch := &storage.Batch{Changes: make(map[string][]ledger.Change), At: now}
	for _, w := range affectedUsers(old, next) {
		cid, ok, err := e.collectionOf(ctx, w, old, next)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := e.diffView(ctx, batch, cid, w, id, old, next); err != nil {
			return nil, err
		}
	}

	seriesChanged, err := differs(old, next)
	if err != nil {
		return nil, err
	}
	res := &Result{Created: !cur.present && next != nil}
	if !seriesChanged && batch.Empty() {
		return e.result(res, sc, next)
	}

	switch {
	case next == nil:
		batch.Delete = id
	case seriesChanged:
		next.Modified = now
		batch.Put = next
	}
	if err := e.store.Commit(ctx, batch); err != nil {
		return nil, fmt.Errorf("commit %s: %w", id, err)
	}
	res.Changed = true

	e.logger.Info("series committed",
		"resource_id", id,
		"calendar_user", sc.user,
		"collections", len(batch.Changes),
		"deleted", next == nil)
	return e.result(res, sc, next)
}

func (e *Engine) result(res *Result, sc *scope, next *model.Series) (*Result, error) {
	if next == nil {
		res.Deleted = true
		return res, nil
	}
	p, err := view.Project(next, sc.user, sc.viewer)
	if errors.Is(err, ErrNotFoundAfterVisibilityChange) {
		res.Deleted = true
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.ETag, res.ScheduleTag = p.ETag, p.ScheduleTag
	return res, nil
}

// diffView adds what changed in calendar user w's view to the batch.
func (e *Engine) diffView(ctx context.Context, b *storage.Batch, cid, w, id string, old, next *model.Series) error {
	before, err := projectFor(old, w)
	if err != nil {
		return err
	}
	after, err := projectFor(next, w)
	if err != nil {
		return err
	}
	stored, err := e.store.View(ctx, cid, id)
	if errors.Is(err, storage.ErrNotFound) {
		stored, err = nil, nil
	}
	if err != nil {
		return err
	}

	record := func(kind ledger.ChangeKind) {
		b.Changes[cid] = append(b.Changes[cid], ledger.Change{ResourceID: id, Kind: kind})
	}
	upsert := func() {
		b.Views = append(b.Views, model.ViewState{
			CollectionID: cid,
			ResourceID:   id,
			CalendarUser: w,
			ETag:         after.ETag,
			ScheduleTag:  after.ScheduleTag,
			Modified:     b.At,
		})
	}

	switch {
	case after == nil && stored != nil:
		b.DropViews = append(b.DropViews, storage.ViewKey{CollectionID: cid, ResourceID: id})
		record(ledger.Deleted)
	case after == nil:
	case stored == nil:
		upsert()
		record(ledger.Created)
	case stored.ETag != after.ETag:
		upsert()
		record(ledger.Updated)
		if before != nil {
			for _, key := range lostSlots(before, after, old, next) {
				b.Changes[cid] = append(b.Changes[cid], ledger.Change{ResourceID: id, RecurrenceID: key, Kind: ledger.Deleted})
			}
		}
	}
	return nil
}

// lostSlots lists overlay keys shown before and hidden after.
func lostSlots(before, after *view.Projection, old, next *model.Series) []string {
	keys := make(map[string]struct{})
	for _, s := range []*model.Series{old, next} {
		if s == nil {
			continue
		}
		for k := range s.Overrides {
			keys[k] = struct{}{}
		}
	}
	var out []string
	for k := range keys {
		if before.Shows(k) && !after.Shows(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// projectFor renders s as calendar user w sees it in their own calendar.
// A series w cannot see yields nil.
func projectFor(s *model.Series, w string) (*view.Projection, error) {
	if s == nil {
		return nil, nil
	}
	p, err := view.Project(s, w, view.Viewer{UserID: w, Capabilities: view.Full})
	if errors.Is(err, ErrNotFoundAfterVisibilityChange) {
		return nil, nil
	}
	return p, err
}

// collectionOf returns where w keeps the series: the organizer's own
// collection, or the default collection of an attendee. Users without a
// calendar are skipped.
func (e *Engine) collectionOf(ctx context.Context, w string, old, next *model.Series) (string, bool, error) {
	s := next
	if s == nil {
		s = old
	}
	if w == s.Owner {
		return s.CollectionID, true, nil
	}
	c, err := e.store.DefaultCollection(ctx, w)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return c.ID, true, nil
}

func affectedUsers(old, next *model.Series) []string {
	seen := make(map[string]struct{})
	for _, s := range []*model.Series{old, next} {
		if s == nil {
			continue
		}
		for _, u := range s.Users() {
			seen[u] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// scheduleTagChanged compares the organizer's schedule tags.
func scheduleTagChanged(old, next *model.Series) (bool, error) {
	before, err := projectFor(old, old.Owner)
	if err != nil {
		return false, err
	}
	after, err := projectFor(next, next.Owner)
	if err != nil {
		return false, err
	}
	return before.ScheduleTag != after.ScheduleTag, nil
}

func differs(old, next *model.Series) (bool, error) {
	if old == nil || next == nil {
		return old != next, nil
	}
	a, err := json.Marshal(old)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	return !bytes.Equal(a, b), nil
}
