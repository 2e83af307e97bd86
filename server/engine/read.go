package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cyp0633/caldora/internal/metrics"
	"github.com/cyp0633/caldora/server/freebusy"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/overlay"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/view"
)

// Resource is one series of a collection as the viewer sees it.
type Resource struct {
	Projection *view.Projection
	// Occurrences is only filled when a bounded window was requested.
	Occurrences []view.Component
	// Truncated is set when the window held more occurrences than the
	// planner expands; Occurrences then lists the first ones.
	Truncated bool
}

// SyncResult answers a sync request.
type SyncResult struct {
	Token string
	// Full is set when the client sent no token; Changed then lists
	// every resource of the collection.
	Full               bool
	Changed            []model.ViewState
	Deleted            []string
	DeletedOccurrences map[string][]string
}

// loadPresent loads a series that is part of the collection. A series that
// exists but left the collection is reported as a visibility change.
func (e *Engine) loadPresent(ctx context.Context, sc *scope, resourceID string) (*model.Series, error) {
	s, err := e.store.LoadSeries(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.View(ctx, sc.collection.ID, resourceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &view.NotFoundAfterVisibilityChange{ResourceID: resourceID, CalendarUser: sc.user}
		}
		return nil, err
	}
	return s, nil
}

// Get returns the viewer's representation of one resource.
func (e *Engine) Get(ctx context.Context, collectionID, resourceID string, p Principal) (*view.Projection, error) {
	sc, err := e.open(ctx, collectionID, p)
	if err != nil {
		return nil, err
	}
	s, err := e.loadPresent(ctx, sc, resourceID)
	if err != nil {
		return nil, err
	}
	return view.Project(s, sc.user, sc.viewer)
}

// GetOccurrence returns one slot of a resource.
func (e *Engine) GetOccurrence(ctx context.Context, collectionID, resourceID string, rid time.Time, p Principal) (view.Component, error) {
	sc, err := e.open(ctx, collectionID, p)
	if err != nil {
		return view.Component{}, err
	}
	s, err := e.loadPresent(ctx, sc, resourceID)
	if err != nil {
		return view.Component{}, err
	}
	ov, err := overlay.Open(s, e.planner)
	if err != nil {
		return view.Component{}, err
	}
	if !ov.Resolve(rid) {
		return view.Component{}, &overlay.OrphanedRecurrenceIDError{SeriesID: s.ID, RecurrenceID: ov.Key(rid)}
	}
	f, state := ov.Effective(rid)
	if state == model.SlotSuppressed {
		return view.Component{}, &view.NotFoundAfterVisibilityChange{ResourceID: s.ID, CalendarUser: sc.user}
	}
	occ := overlay.Occurrence{SeriesID: s.ID, RecurrenceID: rid, Key: ov.Key(rid), State: state, Fields: f}
	return view.ProjectOccurrence(s, occ, sc.user, sc.viewer)
}

// Materialize lists the collection's resources. With a bounded window only
// resources with an occurrence in it are returned, together with those
// occurrences.
func (e *Engine) Materialize(ctx context.Context, collectionID string, w model.Window, p Principal) ([]Resource, error) {
	sc, err := e.open(ctx, collectionID, p)
	if err != nil {
		return nil, err
	}
	views, err := e.store.Views(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	unbounded := w.From.IsZero() && w.To.IsZero()

	var out []Resource
	for _, v := range views {
		s, err := e.store.LoadSeries(ctx, v.ResourceID)
		if errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("view without series", "collection_id", collectionID, "resource_id", v.ResourceID)
			continue
		}
		if err != nil {
			return nil, err
		}
		proj, err := view.Project(s, sc.user, sc.viewer)
		if errors.Is(err, ErrNotFoundAfterVisibilityChange) {
			continue
		}
		if err != nil {
			return nil, err
		}
		r := Resource{Projection: proj}
		if !unbounded {
			r.Occurrences, err = e.occurrences(s, w, sc.user, sc.viewer)
			if errors.Is(err, ErrTruncated) {
				e.logger.Warn("expansion truncated",
					"collection_id", collectionID,
					"resource_id", s.ID,
					"occurrences", len(r.Occurrences))
				metrics.ObserveTruncation("materialize")
				r.Truncated, err = true, nil
			}
			if err != nil {
				return nil, err
			}
			if len(r.Occurrences) == 0 {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) occurrences(s *model.Series, w model.Window, u string, viewer view.Viewer) ([]view.Component, error) {
	ov, err := overlay.Open(s, e.planner)
	if err != nil {
		return nil, err
	}
	occs, err := ov.Materialize(w)
	truncated := errors.Is(err, ErrTruncated)
	if err != nil && !truncated {
		return nil, fmt.Errorf("materialize %s: %w", s.ID, err)
	}
	var out []view.Component
	for _, occ := range occs {
		c, err := view.ProjectOccurrence(s, occ, u, viewer)
		if errors.Is(err, ErrNotFoundAfterVisibilityChange) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if truncated {
		return out, fmt.Errorf("materialize %s: %w", s.ID, ErrTruncated)
	}
	return out, nil
}

// Delta returns what changed in a collection since token.
func (e *Engine) Delta(ctx context.Context, collectionID, token string, p Principal) (*SyncResult, error) {
	sc, err := e.open(ctx, collectionID, p)
	if err != nil {
		return nil, err
	}
	d, err := e.ledger.Delta(ctx, sc.collection.ID, token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			metrics.ObserveSync("expired")
		}
		return nil, err
	}

	res := &SyncResult{Token: d.Token, Full: d.Full, DeletedOccurrences: d.DeletedOccurrences}
	if d.Full {
		if res.Changed, err = e.store.Views(ctx, collectionID); err != nil {
			return nil, err
		}
		metrics.ObserveSync("full")
		return res, nil
	}

	changed := append(append([]string(nil), d.Created...), d.Updated...)
	sort.Strings(changed)
	deleted := append([]string(nil), d.Deleted...)
	for _, id := range changed {
		v, err := e.store.View(ctx, collectionID, id)
		if errors.Is(err, storage.ErrNotFound) {
			// Left the collection after the change was recorded.
			deleted = append(deleted, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Changed = append(res.Changed, *v)
	}
	sort.Strings(deleted)
	res.Deleted = deleted
	for id := range res.DeletedOccurrences {
		if containsString(deleted, id) {
			delete(res.DeletedOccurrences, id)
		}
	}
	metrics.ObserveSync("delta")
	return res, nil
}

// FreeBusy reports when userID is busy within w. Occurrences the user
// declined do not count. A series with more occurrences in w than the
// planner expands fails the query with ErrTruncated rather than leaving its
// later occurrences out and reporting that time as free.
func (e *Engine) FreeBusy(ctx context.Context, userID string, w model.Window) ([]freebusy.Interval, error) {
	if w.From.IsZero() || w.To.IsZero() {
		return nil, fmt.Errorf("free/busy needs a bounded window: %w", storage.ErrInvalidInput)
	}
	collections, err := e.store.Collections(ctx, userID)
	if err != nil {
		return nil, err
	}
	self := view.Viewer{UserID: userID, Capabilities: view.Full}
	seen := make(map[string]struct{})

	var busy []freebusy.Interval
	for _, c := range collections {
		views, err := e.store.Views(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range views {
			if _, dup := seen[v.ResourceID]; dup {
				continue
			}
			seen[v.ResourceID] = struct{}{}

			s, err := e.store.LoadSeries(ctx, v.ResourceID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			occs, err := e.occurrences(s, w, userID, self)
			if errors.Is(err, ErrTruncated) {
				metrics.ObserveTruncation("freebusy")
			}
			if err != nil {
				return nil, err
			}
			for _, occ := range occs {
				f := &occ.Fields
				if me, ok := f.Participant(userID); ok && me.PartStat == model.PartStatDeclined {
					continue
				}
				busy = append(busy, freebusy.Interval{Start: f.Start, End: f.End, Type: freebusy.TypeOf(f)})
			}
		}
	}
	return freebusy.Merge(busy, w), nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Collection opens a collection for p and reports what p may do with it.
func (e *Engine) Collection(ctx context.Context, collectionID string, p Principal) (*model.Collection, view.Capabilities, error) {
	sc, err := e.open(ctx, collectionID, p)
	if err != nil {
		return nil, view.Capabilities{}, err
	}
	return sc.collection, sc.viewer.Capabilities, nil
}

// Collections lists the collections of owner that p may read.
func (e *Engine) Collections(ctx context.Context, owner string, p Principal) ([]model.Collection, error) {
	all, err := e.store.Collections(ctx, owner)
	if err != nil {
		return nil, err
	}
	var out []model.Collection
	for _, c := range all {
		if _, err := e.open(ctx, c.ID, p); err != nil {
			if errors.Is(err, storage.ErrPermissionDenied) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
