// Package ledger keeps the per-collection change log behind sync tokens.
package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"
)

// ChangeKind is what happened to a resource, or to one occurrence of it.
type ChangeKind int

const (
	Created ChangeKind = iota + 1
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// Change is one ledger record before it is assigned a revision.
type Change struct {
	ResourceID string
	// RecurrenceID is set for occurrence-level deletions: the slot with this
	// key disappeared from the collection while the resource stayed.
	RecurrenceID string
	Kind         ChangeKind
}

// Entry is a committed change.
type Entry struct {
	Rev          int64
	ResourceID   string
	RecurrenceID string
	Kind         ChangeKind
	At           time.Time
}

// State is the head of one collection's log. Entries at or below Floor
// have been pruned.
type State struct {
	Epoch string
	Rev   int64
	Floor int64
}

// Store is the persistence the ledger needs.
type Store interface {
	LedgerState(ctx context.Context, collectionID string) (State, error)
	// Entries returns the entries with Rev > after, in revision order.
	Entries(ctx context.Context, collectionID string, after int64) ([]Entry, error)
	// Append commits changes under one new revision and returns it.
	Append(ctx context.Context, collectionID string, changes []Change, at time.Time) (int64, error)
	// Prune drops entries older than before and returns the new floor.
	Prune(ctx context.Context, collectionID string, before time.Time) (int64, error)
}

// Delta is the answer to a sync request.
type Delta struct {
	// Full is set when the client sent no token and must enumerate.
	Full    bool
	Created []string
	Updated []string
	Deleted []string
	// DeletedOccurrences lists, per resource still present, the recurrence
	// ids that left the collection.
	DeletedOccurrences map[string][]string
	Token              string
}

// Ledger records and reads change history.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp and prune entries.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordChange appends a single resource change under a new revision.
func (l *Ledger) RecordChange(ctx context.Context, collectionID, resourceID string, kind ChangeKind) (string, error) {
	rev, err := l.store.Append(ctx, collectionID, []Change{{ResourceID: resourceID, Kind: kind}}, l.now())
	if err != nil {
		return "", fmt.Errorf("record %s of %s: %w", kind, resourceID, err)
	}
	st, err := l.store.LedgerState(ctx, collectionID)
	if err != nil {
		return "", err
	}
	l.logger.Debug("change recorded",
		"collection_id", collectionID,
		"resource_id", resourceID,
		"kind", kind.String(),
		"revision", rev)
	return FormatToken(st.Epoch, rev), nil
}

// Token returns the current token of a collection.
func (l *Ledger) Token(ctx context.Context, collectionID string) (string, error) {
	st, err := l.store.LedgerState(ctx, collectionID)
	if err != nil {
		return "", err
	}
	return FormatToken(st.Epoch, st.Rev), nil
}

// Delta resolves a client token into the changes since. An empty token asks
// for a full enumeration. Tokens from another epoch, from the future or
// from before the retained history fail with TokenExpiredError.
func (l *Ledger) Delta(ctx context.Context, collectionID, token string) (*Delta, error) {
	st, err := l.store.LedgerState(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	current := FormatToken(st.Epoch, st.Rev)
	if token == "" {
		return &Delta{Full: true, Token: current}, nil
	}

	epoch, rev, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	switch {
	case epoch != st.Epoch:
		err = &TokenExpiredError{Token: token, Reason: "collection history was reset"}
	case rev > st.Rev:
		err = &TokenExpiredError{Token: token, Reason: "revision is ahead of the collection"}
	case rev < st.Floor:
		err = &TokenExpiredError{Token: token, Reason: "history before this revision was pruned"}
	}
	if err != nil {
		l.logger.Info("rejecting sync token",
			"collection_id", collectionID,
			"token", token,
			"error", err)
		return nil, err
	}

	entries, err := l.store.Entries(ctx, collectionID, rev)
	if err != nil {
		return nil, fmt.Errorf("read changes of %s: %w", collectionID, err)
	}
	d := Collapse(entries)
	d.Token = current
	return d, nil
}

// Compact prunes entries older than retention.
func (l *Ledger) Compact(ctx context.Context, collectionID string, retention time.Duration) error {
	floor, err := l.store.Prune(ctx, collectionID, l.now().Add(-retention))
	if err != nil {
		return fmt.Errorf("compact %s: %w", collectionID, err)
	}
	l.logger.Info("ledger compacted",
		"collection_id", collectionID,
		"floor", floor)
	return nil
}

// Collapse folds entries into one outcome per resource. A resource whose
// last entry is a deletion is deleted; one whose first entry is a creation
// is created; anything else is updated. Occurrence deletions on a resource
// that is still present mark it updated.
func Collapse(entries []Entry) *Delta {
	type history struct {
		first, last ChangeKind
		occurrences []string
	}
	byResource := make(map[string]*history)
	for _, e := range entries {
		h, ok := byResource[e.ResourceID]
		if !ok {
			h = &history{}
			byResource[e.ResourceID] = h
		}
		if e.RecurrenceID != "" {
			h.occurrences = append(h.occurrences, e.RecurrenceID)
			continue
		}
		if h.first == 0 {
			h.first = e.Kind
		}
		h.last = e.Kind
	}

	ids := make([]string, 0, len(byResource))
	for id := range byResource {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	d := &Delta{}
	for _, id := range ids {
		h := byResource[id]
		switch {
		case h.last == Deleted:
			d.Deleted = append(d.Deleted, id)
			continue
		case h.first == Created:
			d.Created = append(d.Created, id)
		default:
			d.Updated = append(d.Updated, id)
		}
		if len(h.occurrences) > 0 {
			if d.DeletedOccurrences == nil {
				d.DeletedOccurrences = make(map[string][]string)
			}
			d.DeletedOccurrences[id] = dedupe(h.occurrences)
		}
	}
	return d
}

func dedupe(keys []string) []string {
	sort.Strings(keys)
	out := keys[:0]
	for _, k := range keys {
		if len(out) == 0 || k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
