// Package guard serialises mutations per resource and checks the client's
// tag preconditions against the state the mutation will be applied to.
package guard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Reason says which precondition failed.
type Reason string

const (
	ReasonETagMismatch        Reason = "etag-mismatch"
	ReasonScheduleTagMismatch Reason = "schedule-tag-mismatch"
	ReasonResourceExists      Reason = "resource-exists"
	ReasonResourceMissing     Reason = "resource-missing"
	ReasonETagMatched         Reason = "etag-matched"
)

// PreconditionFailed rejects a mutation written against a stale view. The
// client should refetch and retry.
type PreconditionFailed struct {
	ResourceID string
	Reason     Reason
}

func (e *PreconditionFailed) Error() string {
	return fmt.Sprintf("precondition failed for %s: %s", e.ResourceID, e.Reason)
}

func (e *PreconditionFailed) Is(target error) bool {
	_, ok := target.(*PreconditionFailed)
	return ok
}

// Tags is the current state of a resource as seen by the writer.
type Tags struct {
	Exists      bool
	ETag        string
	ScheduleTag string
}

// Precondition carries the conditional headers of a write. Empty fields
// are not checked.
type Precondition struct {
	// IfMatch is "*" or a comma separated list of entity tags, compared
	// strongly: a weak tag never matches.
	IfMatch            string
	IfScheduleTagMatch string
	// IfNoneMatch is "*" or a list of entity tags, compared weakly.
	IfNoneMatch string
}

// Check validates the precondition against cur.
func (p Precondition) Check(resourceID string, cur Tags) error {
	fail := func(r Reason) error { return &PreconditionFailed{ResourceID: resourceID, Reason: r} }

	if inm := strings.TrimSpace(p.IfNoneMatch); inm != "" && cur.Exists {
		if inm == "*" {
			return fail(ReasonResourceExists)
		}
		if matches(inm, cur.ETag, true) {
			return fail(ReasonETagMatched)
		}
	}
	if p.IfMatch != "" {
		if !cur.Exists {
			return fail(ReasonResourceMissing)
		}
		if !matches(p.IfMatch, cur.ETag, false) {
			return fail(ReasonETagMismatch)
		}
	}
	if p.IfScheduleTagMatch != "" {
		if !cur.Exists {
			return fail(ReasonResourceMissing)
		}
		if !matches(p.IfScheduleTagMatch, cur.ScheduleTag, false) {
			return fail(ReasonScheduleTagMismatch)
		}
	}
	return nil
}

// NoneMatch reports whether an If-None-Match header names tag, using weak
// comparison. Reads answer 304 when it does.
func NoneMatch(header, tag string) bool {
	header = strings.TrimSpace(header)
	return header != "" && matches(header, tag, true)
}

// matches compares header's tags with tag. Weak comparison ignores the W/
// prefix; strong comparison never matches a weak tag.
func matches(header, tag string, weak bool) bool {
	tag = strings.TrimPrefix(tag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.HasPrefix(candidate, "W/") {
			if !weak {
				continue
			}
			candidate = candidate[2:]
		}
		if candidate == tag {
			return true
		}
	}
	return false
}

// Guard runs mutations under a per-resource lock.
type Guard struct {
	locks  *Locker
	logger *slog.Logger
}

type Option func(*Guard)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func New(opts ...Option) *Guard {
	g := &Guard{
		locks:  NewLocker(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do locks key, loads the current tags, checks pre and runs mutate. On a
// failed precondition mutate is never called.
func (g *Guard) Do(ctx context.Context, key string, pre Precondition, load func(context.Context) (Tags, error), mutate func(context.Context) error) error {
	unlock, err := g.locks.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	cur, err := load(ctx)
	if err != nil {
		return err
	}
	if err := pre.Check(key, cur); err != nil {
		g.logger.Info("precondition failed",
			"resource", key,
			"error", err,
			"if_match", pre.IfMatch,
			"if_schedule_tag_match", pre.IfScheduleTagMatch,
			"current_etag", cur.ETag)
		return err
	}
	return mutate(ctx)
}
