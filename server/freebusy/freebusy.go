// Package freebusy turns occurrences into coalesced busy intervals.
package freebusy

import (
	"sort"
	"time"

	"github.com/cyp0633/caldora/server/model"
)

// Type is an iCalendar FBTYPE.
type Type string

const (
	Free        Type = "FREE"
	Busy        Type = "BUSY"
	Tentative   Type = "BUSY-TENTATIVE"
	Unavailable Type = "BUSY-UNAVAILABLE"
)

func (t Type) rank() int {
	switch t {
	case Unavailable:
		return 3
	case Busy:
		return 2
	case Tentative:
		return 1
	default:
		return 0
	}
}

// Interval is one period of a single busy type.
type Interval struct {
	Start time.Time
	End   time.Time
	Type  Type
}

// TypeOf derives the busy type of an occurrence. The owner's shown-as hint
// takes precedence over transparency, which takes precedence over status.
func TypeOf(f *model.Fields) Type {
	switch f.ShownAs {
	case model.ShownAsAbsent:
		return Unavailable
	case model.ShownAsFree:
		return Free
	case model.ShownAsTemporary:
		return Tentative
	}
	if f.Transparency == model.TransparencyTransparent {
		return Free
	}
	switch f.Status {
	case model.StatusTentative:
		return Tentative
	case model.StatusCancelled:
		return Free
	}
	return Busy
}

// Merge clips intervals to the window and coalesces them. Where intervals
// overlap the stronger type wins. Free time is not reported.
func Merge(in []Interval, w model.Window) []Interval {
	type edge struct {
		at    time.Time
		rank  int
		delta int
	}
	var edges []edge
	for _, iv := range in {
		if iv.Type == Free || !iv.End.After(iv.Start) {
			continue
		}
		start, end := iv.Start.UTC(), iv.End.UTC()
		if !w.From.IsZero() && start.Before(w.From) {
			start = w.From.UTC()
		}
		if !w.To.IsZero() && end.After(w.To) {
			end = w.To.UTC()
		}
		if !end.After(start) {
			continue
		}
		r := iv.Type.rank()
		edges = append(edges, edge{start, r, 1}, edge{end, r, -1})
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].at.Before(edges[j].at) })

	var (
		out    []Interval
		open   [4]int
		cur    = -1
		curAt  time.Time
		ranked = [4]Type{Free, Tentative, Busy, Unavailable}
	)
	top := func() int {
		for r := 3; r > 0; r-- {
			if open[r] > 0 {
				return r
			}
		}
		return -1
	}
	for i := 0; i < len(edges); {
		at := edges[i].at
		for ; i < len(edges) && edges[i].at.Equal(at); i++ {
			open[edges[i].rank] += edges[i].delta
		}
		next := top()
		if next == cur {
			continue
		}
		if cur > 0 && at.After(curAt) {
			out = appendInterval(out, Interval{Start: curAt, End: at, Type: ranked[cur]})
		}
		cur, curAt = next, at
	}
	return out
}

func appendInterval(out []Interval, iv Interval) []Interval {
	if n := len(out); n > 0 && out[n-1].Type == iv.Type && out[n-1].End.Equal(iv.Start) {
		out[n-1].End = iv.End
		return out
	}
	return append(out, iv)
}
