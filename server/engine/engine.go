// Package engine composes the recurrence, overlay, view, alarm, ledger and
// guard packages into the operations a CalDAV front end needs: reading a
// calendar user's view of a collection, syncing it, and mutating series on
// behalf of organizers and attendees.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cyp0633/caldora/internal/metrics"
	"github.com/cyp0633/caldora/server/guard"
	"github.com/cyp0633/caldora/server/ledger"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/overlay"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/view"
)

// Typed failures are matched with errors.Is against these values, or
// unpacked with errors.As for details.
var (
	ErrMalformedRule                 error = &recurrence.MalformedRuleError{}
	ErrOrphanedRecurrenceID          error = &overlay.OrphanedRecurrenceIDError{}
	ErrPreconditionFailed            error = &guard.PreconditionFailed{}
	ErrTokenExpired                  error = &ledger.TokenExpiredError{}
	ErrNotFoundAfterVisibilityChange error = &view.NotFoundAfterVisibilityChange{}
	ErrConflictingOverride           error = &ConflictingOverrideError{}
	// ErrTruncated marks an expansion cut short by the occurrence limit.
	ErrTruncated = recurrence.ErrTruncated
)

// ConflictingOverrideError rejects a payload in which two components claim
// the same recurrence id.
type ConflictingOverrideError struct {
	ResourceID   string
	RecurrenceID string
}

func (e *ConflictingOverrideError) Error() string {
	return fmt.Sprintf("resource %s: recurrence id %s is overridden more than once", e.ResourceID, e.RecurrenceID)
}

func (e *ConflictingOverrideError) Is(target error) bool {
	_, ok := target.(*ConflictingOverrideError)
	return ok
}

// Directory maps calendar user addresses to local users.
type Directory interface {
	// LookupAddress returns the local user owning address. ok is false for
	// external addresses.
	LookupAddress(ctx context.Context, address string) (userID string, ok bool, err error)
}

// ACL grants viewers access to other users' calendars.
type ACL interface {
	Capabilities(ctx context.Context, viewerID, calendarUser string) (view.Capabilities, error)
}

// ownerOnly is the ACL used when none is configured.
type ownerOnly struct{}

func (ownerOnly) Capabilities(_ context.Context, viewerID, calendarUser string) (view.Capabilities, error) {
	if viewerID == calendarUser {
		return view.Full, nil
	}
	return view.Capabilities{}, nil
}

// Principal is the authenticated caller of an operation.
type Principal struct {
	UserID    string
	UserAgent string
}

// Engine is safe for concurrent use.
type Engine struct {
	store     storage.Store
	ledger    *ledger.Ledger
	guard     *guard.Guard
	planner   *recurrence.Planner
	acl       ACL
	directory Directory
	// defaultAlarmAgents are User-Agent substrings of clients that expect
	// at least one alarm per component.
	defaultAlarmAgents []string
	logger             *slog.Logger
	now                func() time.Time
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithPlanner(p *recurrence.Planner) Option {
	return func(e *Engine) {
		e.planner = p
	}
}

func WithACL(acl ACL) Option {
	return func(e *Engine) {
		if acl != nil {
			e.acl = acl
		}
	}
}

func WithDirectory(d Directory) Option {
	return func(e *Engine) {
		e.directory = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultAlarm enables placeholder alarms for clients whose User-Agent
// contains one of agents. Matching ignores case.
func WithDefaultAlarm(agents ...string) Option {
	return func(e *Engine) {
		for _, a := range agents {
			if a = strings.TrimSpace(a); a != "" {
				e.defaultAlarmAgents = append(e.defaultAlarmAgents, strings.ToLower(a))
			}
		}
	}
}

func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		acl:    ownerOnly{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.planner == nil {
		e.planner = recurrence.NewPlanner()
	}
	e.ledger = ledger.New(store, ledger.WithLogger(e.logger), ledger.WithClock(e.now))
	e.guard = guard.New(guard.WithLogger(e.logger))
	return e
}

func (e *Engine) wantsDefaultAlarm(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, a := range e.defaultAlarmAgents {
		if strings.Contains(ua, a) {
			return true
		}
	}
	return false
}

// scope is a collection opened by a principal.
type scope struct {
	collection *model.Collection
	// user is the calendar user the collection belongs to.
	user   string
	viewer view.Viewer
}

func (e *Engine) open(ctx context.Context, collectionID string, p Principal) (*scope, error) {
	c, err := e.store.Collection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	caps := view.Full
	if p.UserID != c.Owner {
		if caps, err = e.acl.Capabilities(ctx, p.UserID, c.Owner); err != nil {
			return nil, fmt.Errorf("resolve access of %s to %s: %w", p.UserID, collectionID, err)
		}
	}
	if !caps.Read {
		return nil, fmt.Errorf("%s may not read %s: %w", p.UserID, collectionID, storage.ErrPermissionDenied)
	}
	return &scope{
		collection: c,
		user:       c.Owner,
		viewer: view.Viewer{
			UserID:            p.UserID,
			Capabilities:      caps,
			WantsDefaultAlarm: e.wantsDefaultAlarm(p.UserAgent),
		},
	}, nil
}

// Compact prunes the change history of every collection.
func (e *Engine) Compact(ctx context.Context, retention time.Duration) error {
	collections, err := e.store.Collections(ctx, "")
	if err != nil {
		metrics.ObserveCompaction(err)
		return fmt.Errorf("list collections: %w", err)
	}
	var firstErr error
	for _, c := range collections {
		if err := e.ledger.Compact(ctx, c.ID, retention); err != nil {
			e.logger.Error("compaction failed", "collection_id", c.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	metrics.ObserveCompaction(firstErr)
	return firstErr
}
