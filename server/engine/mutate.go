package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyp0633/caldora/internal/metrics"
	"github.com/cyp0633/caldora/server/alarm"
	"github.com/cyp0633/caldora/server/guard"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/view"
	"github.com/samber/mo"
)

// Operation is one of the mutation kinds below.
type Operation interface {
	operation() string
}

// PutResource stores a client payload. The organizer replaces the series;
// an attendee only answers it.
type PutResource struct {
	Submission *model.Submission
}

// DeleteResource deletes the series for its organizer and removes an
// attendee from it otherwise.
type DeleteResource struct{}

// UpdateOccurrence overrides one slot. Organizer only.
type UpdateOccurrence struct {
	RecurrenceID time.Time
	Fields       model.Fields
	Alarms       []model.AlarmPatch
}

// DeleteOccurrence suppresses one slot for the organizer and removes an
// attendee from it otherwise.
type DeleteOccurrence struct {
	RecurrenceID time.Time
}

// Reply sets the calendar user's participation status. A nil RecurrenceID
// answers the whole series.
type Reply struct {
	RecurrenceID *time.Time
	PartStat     model.PartStat
	Comment      mo.Option[string]
}

// UpdateAlarms edits the calendar user's own alarms.
type UpdateAlarms struct {
	RecurrenceID *time.Time
	Alarms       []model.AlarmPatch
	Mode         alarm.Mode
}

func (PutResource) operation() string      { return "put" }
func (DeleteResource) operation() string   { return "delete" }
func (UpdateOccurrence) operation() string { return "update_occurrence" }
func (DeleteOccurrence) operation() string { return "delete_occurrence" }
func (Reply) operation() string            { return "reply" }
func (UpdateAlarms) operation() string     { return "update_alarms" }

// Mutation is one write to one resource of one collection.
type Mutation struct {
	CollectionID string
	ResourceID   string
	Principal    Principal
	Precondition guard.Precondition
	Op           Operation
}

// Result is the state of the resource after a mutation, as the writer sees
// it.
type Result struct {
	ETag        string
	ScheduleTag string
	Created     bool
	// Deleted is set when the resource left the writer's collection.
	Deleted bool
	// Changed is false when the mutation did not alter anything.
	Changed bool
}

// Mutate applies m under the resource's lock. A rejected mutation writes
// nothing.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (*Result, error) {
	if m.Op == nil {
		return nil, fmt.Errorf("mutation without operation: %w", storage.ErrInvalidInput)
	}
	res, err := e.mutate(ctx, m)
	metrics.ObserveMutation(m.Op.operation(), outcome(res, err))
	if err != nil {
		e.logger.Info("mutation rejected",
			"operation", m.Op.operation(),
			"collection_id", m.CollectionID,
			"resource_id", m.ResourceID,
			"principal", m.Principal.UserID,
			"error", err)
		return nil, err
	}
	e.logger.Debug("mutation applied",
		"operation", m.Op.operation(),
		"collection_id", m.CollectionID,
		"resource_id", m.ResourceID,
		"changed", res.Changed,
		"etag", res.ETag)
	return res, nil
}

func outcome(res *Result, err error) string {
	switch {
	case err == nil && res.Changed:
		return "committed"
	case err == nil:
		return "unchanged"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, ErrMalformedRule), errors.Is(err, ErrOrphanedRecurrenceID), errors.Is(err, ErrConflictingOverride):
		return "invalid"
	case errors.Is(err, storage.ErrPermissionDenied):
		return "forbidden"
	default:
		return "error"
	}
}

// state is what a mutation found under the lock.
type state struct {
	series *model.Series
	// present is set when the series is part of the target collection.
	present bool
}

func (e *Engine) mutate(ctx context.Context, m Mutation) (*Result, error) {
	sc, err := e.open(ctx, m.CollectionID, m.Principal)
	if err != nil {
		return nil, err
	}
	if !sc.viewer.Capabilities.Write {
		return nil, fmt.Errorf("%s may not write %s: %w", m.Principal.UserID, m.CollectionID, storage.ErrPermissionDenied)
	}

	var (
		cur state
		res *Result
	)
	load := func(ctx context.Context) (guard.Tags, error) {
		var err error
		if cur, err = e.current(ctx, sc, m.ResourceID); err != nil || !cur.present {
			return guard.Tags{}, err
		}
		p, err := view.Project(cur.series, sc.user, sc.viewer)
		if errors.Is(err, ErrNotFoundAfterVisibilityChange) {
			cur.present = false
			return guard.Tags{}, nil
		}
		if err != nil {
			return guard.Tags{}, err
		}
		return guard.Tags{Exists: true, ETag: p.ETag, ScheduleTag: p.ScheduleTag}, nil
	}
	apply := func(ctx context.Context) error {
		next, err := e.apply(ctx, sc, m, cur)
		if err != nil {
			return err
		}
		res, err = e.commit(ctx, sc, m.ResourceID, cur, next)
		return err
	}
	if err := e.guard.Do(ctx, m.ResourceID, m.Precondition, load, apply); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) current(ctx context.Context, sc *scope, resourceID string) (state, error) {
	s, err := e.store.LoadSeries(ctx, resourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return state{}, nil
	}
	if err != nil {
		return state{}, err
	}
	if _, err := e.store.View(ctx, sc.collection.ID, resourceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return state{series: s}, nil
		}
		return state{}, err
	}
	return state{series: s, present: true}, nil
}

// apply computes the next version of the series. A nil result deletes it.
func (e *Engine) apply(ctx context.Context, sc *scope, m Mutation, cur state) (*model.Series, error) {
	if put, ok := m.Op.(PutResource); ok {
		switch {
		case cur.series == nil:
			return e.build(ctx, sc, m.ResourceID, put.Submission, nil)
		case !cur.present:
			// The UID is taken by a series this collection does not hold.
			return nil, fmt.Errorf("resource %s exists elsewhere: %w", m.ResourceID, storage.ErrConflict)
		case cur.series.Owner == sc.user:
			return e.build(ctx, sc, m.ResourceID, put.Submission, cur.series)
		default:
			return e.answer(ctx, sc, cur.series, put.Submission)
		}
	}

	if !cur.present {
		return nil, fmt.Errorf("resource %s: %w", m.ResourceID, storage.ErrNotFound)
	}
	organizer := cur.series.Owner == sc.user

	switch op := m.Op.(type) {
	case DeleteResource:
		if organizer {
			return nil, nil
		}
		return withdraw(cur.series, sc.user), nil
	case UpdateOccurrence:
		if !organizer {
			return nil, fmt.Errorf("only the organizer may change occurrence %s: %w", m.ResourceID, storage.ErrPermissionDenied)
		}
		return e.updateOccurrence(ctx, sc, cur.series, op)
	case DeleteOccurrence:
		return e.deleteOccurrence(sc, cur.series, op.RecurrenceID, organizer)
	case Reply:
		return e.reply(sc, cur.series, op)
	case UpdateAlarms:
		return e.updateAlarms(sc, cur.series, op)
	default:
		return nil, fmt.Errorf("unsupported operation %T: %w", m.Op, storage.ErrInvalidInput)
	}
}
