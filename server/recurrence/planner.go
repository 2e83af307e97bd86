package recurrence

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// Planner expands recurrences into nominal occurrence instants.
//
// Expansion runs on wall-clock values: rrule-go iterates in UTC using the
// anchor's local clock reading, and every result is then placed into the
// reference zone. Around daylight-saving transitions an ambiguous wall
// clock (fall-back) maps to the earlier instant, and a skipped wall clock
// (spring-forward) maps to the transition instant, the next valid one.
type Planner struct {
	cache  *ExpansionCache
	config Config
}

// NewPlanner creates a planner with default configuration
func NewPlanner() *Planner {
	return NewPlannerWithConfig(DefaultConfig)
}

// plan is a recurrence compiled for wall-clock iteration.
type plan struct {
	loc    *time.Location
	allDay bool
	rule   *rrule.RRule // nil when only extra slots exist
	extra  []time.Time  // wall clocks outside the rule (prepended anchor, RDATEs), sorted
}

func (p *Planner) compile(rec Recurrence) (*plan, error) {
	loc := rec.Anchor.Location()
	if rec.AllDay {
		loc = time.UTC
	}
	pl := &plan{loc: loc, allDay: rec.AllDay}
	anchor := wallClock(rec.Anchor.In(loc))

	extra := make([]time.Time, 0, len(rec.RDates)+1)
	for _, d := range rec.RDates {
		extra = append(extra, wallClock(d.In(loc)))
	}

	if rec.Rule == nil {
		extra = append(extra, anchor)
	} else {
		opt := rec.Rule.opt
		opt.Dtstart = anchor
		if !opt.Until.IsZero() {
			opt.Until = wallClock(opt.Until.In(loc))
		}
		rr, err := rrule.NewRRule(opt)
		if err != nil {
			return nil, &MalformedRuleError{Rule: rec.Rule.String(), Reason: err.Error()}
		}
		// DTSTART always counts as the first occurrence, even when the rule
		// would not produce it.
		first, ok := rr.Iterator()()
		if !ok || !first.Equal(anchor) {
			extra = append(extra, anchor)
			switch {
			case opt.Count == 1:
				rr = nil
			case opt.Count > 1:
				opt.Count--
				if rr, err = rrule.NewRRule(opt); err != nil {
					return nil, &MalformedRuleError{Rule: rec.Rule.String(), Reason: err.Error()}
				}
			}
		}
		pl.rule = rr
	}

	sort.Slice(extra, func(i, j int) bool { return extra[i].Before(extra[j]) })
	pl.extra = extra
	return pl, nil
}

// instant places a wall-clock value into the reference zone.
func (pl *plan) instant(wall time.Time) time.Time {
	if pl.allDay {
		return wall
	}
	return resolveLocal(wall, pl.loc)
}

// wallClock re-expresses the clock reading of t as a UTC time.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func sameWall(t, wall time.Time) bool {
	return wallClock(t).Equal(wall)
}

// resolveLocal maps a wall-clock reading to an instant in loc.
func resolveLocal(wall time.Time, loc *time.Location) time.Time {
	if loc == time.UTC {
		return wall
	}

	var best time.Time
	found := false
	for _, probe := range []time.Time{wall.Add(-24 * time.Hour), wall.Add(24 * time.Hour)} {
		_, offset := probe.In(loc).Zone()
		candidate := wall.Add(-time.Duration(offset) * time.Second).In(loc)
		if sameWall(candidate, wall) && (!found || candidate.Before(best)) {
			best, found = candidate, true
		}
	}
	if found {
		return best
	}

	// The reading falls into a gap: read it with the offset in effect before
	// the transition, which lands after the gap, and step back to the
	// start of the new zone period.
	_, offset := wall.Add(-24 * time.Hour).In(loc).Zone()
	after := wall.Add(-time.Duration(offset) * time.Second).In(loc)
	start, _ := after.ZoneBounds()
	if start.IsZero() {
		return after
	}
	return start
}

// Sequence is a lazy, ordered stream of nominal occurrence instants. It is
// infinite for unbounded rules. Values are strictly increasing; a value that
// collapses onto an earlier one after timezone resolution is dropped.
type Sequence struct {
	plan    *plan
	next    rrule.Next
	head    time.Time
	hasHead bool
	extra   int
	last    time.Time
	hasLast bool
}

// OccurrencesFrom returns the nominal occurrence instants of rec, starting
// at the anchor.
func (p *Planner) OccurrencesFrom(rec Recurrence) (*Sequence, error) {
	pl, err := p.compile(rec)
	if err != nil {
		return nil, err
	}
	s := &Sequence{plan: pl}
	s.Reset()
	return s, nil
}

// Reset rewinds the sequence to the anchor.
func (s *Sequence) Reset() {
	s.next = nil
	if s.plan.rule != nil {
		s.next = s.plan.rule.Iterator()
	}
	s.advance()
	s.extra = 0
	s.hasLast = false
}

func (s *Sequence) advance() {
	s.hasHead = false
	if s.next != nil {
		s.head, s.hasHead = s.next()
	}
}

// Next returns the next instant, or false once a bounded sequence is exhausted.
func (s *Sequence) Next() (time.Time, bool) {
	for {
		wall, ok := s.pull()
		if !ok {
			return time.Time{}, false
		}
		at := s.plan.instant(wall)
		if s.hasLast && !at.After(s.last) {
			continue
		}
		s.last, s.hasLast = at, true
		return at, true
	}
}

func (s *Sequence) pull() (time.Time, bool) {
	extra := s.plan.extra
	if s.extra < len(extra) && (!s.hasHead || !extra[s.extra].After(s.head)) {
		wall := extra[s.extra]
		s.extra++
		if s.hasHead && s.head.Equal(wall) {
			s.advance()
		}
		return wall, true
	}
	if s.hasHead {
		wall := s.head
		s.advance()
		return wall, true
	}
	return time.Time{}, false
}

// Resolve reports whether rid is a nominal slot of rec. Only a few days
// around rid are examined, so far-future identifiers of unbounded rules
// resolve without expanding the whole series.
func (p *Planner) Resolve(rec Recurrence, rid time.Time) bool {
	pl, err := p.compile(rec)
	if err != nil {
		return false
	}
	if pl.allDay {
		rid = time.Date(rid.Year(), rid.Month(), rid.Day(), 0, 0, 0, 0, time.UTC)
	}
	wall := wallClock(rid.In(pl.loc))
	from, to := wall.Add(-48*time.Hour), wall.Add(48*time.Hour)

	var candidates []time.Time
	if pl.rule != nil {
		candidates = pl.rule.Between(from, to, true)
	}
	for _, e := range pl.extra {
		if !e.Before(from) && !e.After(to) {
			candidates = append(candidates, e)
		}
	}
	for _, c := range candidates {
		if pl.instant(c).Equal(rid) {
			return true
		}
	}
	return false
}

// ErrTruncated is returned with a partial expansion that stopped at
// Config.MaxOccurrences while more instants were left in the window.
var ErrTruncated = errors.New("occurrence limit reached")

// Between returns the nominal instants t with from <= t < to. A zero bound
// is open. At most Config.MaxOccurrences instants are returned; when more
// exist the first ones come back together with ErrTruncated.
func (p *Planner) Between(rec Recurrence, from, to time.Time) ([]time.Time, error) {
	if p.cache != nil {
		if cached, ok := p.cache.Get(rec, from, to); ok {
			return cached, nil
		}
	}

	seq, err := p.OccurrencesFrom(rec)
	if err != nil {
		return nil, err
	}
	limit := p.config.MaxOccurrences
	var out []time.Time
	truncated := false
	for {
		at, ok := seq.Next()
		if !ok || (!to.IsZero() && !at.Before(to)) {
			break
		}
		if !from.IsZero() && at.Before(from) {
			continue
		}
		if limit > 0 && len(out) >= limit {
			truncated = true
			break
		}
		out = append(out, at)
	}
	if truncated {
		// Not cached: a cached list would not say it was cut short.
		return out, ErrTruncated
	}

	if p.cache != nil {
		p.cache.Set(rec, from, to, out)
	}
	return out, nil
}

// Close releases the cache goroutine.
func (p *Planner) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

// CacheStats reports cache usage, or zero values when caching is disabled.
func (p *Planner) CacheStats() CacheStats {
	if p.cache == nil {
		return CacheStats{}
	}
	return p.cache.Stats()
}

// WallDelta is the difference between the clock readings of two instants,
// ignoring any offset change between them.
func WallDelta(from, to time.Time) time.Duration {
	return wallClock(to).Sub(wallClock(from.In(to.Location())))
}

// ShiftWall moves t by a wall-clock delta within loc, applying the same
// daylight-saving policy as expansion.
func ShiftWall(t time.Time, delta time.Duration, loc *time.Location) time.Time {
	return MoveWall(t, loc, delta, loc)
}

// MoveWall reads t's clock in from, moves it by delta and places the
// result in to. It is ShiftWall across a zone change.
func MoveWall(t time.Time, from *time.Location, delta time.Duration, to *time.Location) time.Time {
	return resolveLocal(wallClock(t.In(from)).Add(delta), to)
}
