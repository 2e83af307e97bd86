package xml

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/beevik/etree"
)

// ReportKind names the REPORT bodies the server answers.
type ReportKind string

const (
	ReportSyncCollection   ReportKind = "sync-collection"
	ReportCalendarQuery    ReportKind = "calendar-query"
	ReportCalendarMultiget ReportKind = "calendar-multiget"
	ReportFreeBusyQuery    ReportKind = "free-busy-query"
)

const timeRangeLayout = "20060102T150405Z"

// TimeRange is a CALDAV:time-range. A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// ReportRequest is a parsed REPORT body.
type ReportRequest struct {
	Kind ReportKind
	// Prop lists the requested property names without namespace.
	Prop      []string
	SyncToken string
	SyncLevel string
	Hrefs     []string
	// Components is the comp-filter path, outermost first.
	Components []string
	// TimeRange is the range of the innermost comp-filter, or the range of
	// a free-busy-query.
	TimeRange *TimeRange
	// Expand is set when calendar-data asks for expanded recurrences.
	Expand *TimeRange
}

// Wants reports whether the property was requested.
func (r *ReportRequest) Wants(name string) bool {
	for _, p := range r.Prop {
		if p == name {
			return true
		}
	}
	return false
}

// ParseReport reads a REPORT body.
func ParseReport(body io.Reader) (*ReportRequest, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(body); err != nil {
		return nil, fmt.Errorf("parse report body: %w", err)
	}
	return ParseReportDocument(doc)
}

// ParseReportDocument interprets an already parsed REPORT body.
func ParseReportDocument(doc *etree.Document) (*ReportRequest, error) {
	if doc == nil || doc.Root() == nil {
		return nil, fmt.Errorf("empty document")
	}
	root := doc.Root()
	r := &ReportRequest{Kind: ReportKind(root.Tag)}

	if prop := child(root, TagProp); prop != nil {
		for _, p := range prop.ChildElements() {
			r.Prop = append(r.Prop, p.Tag)
			if p.Tag == TagCalendarData {
				if expand := child(p, TagExpand); expand != nil {
					tr, err := parseTimeRange(expand)
					if err != nil {
						return nil, err
					}
					r.Expand = tr
				}
			}
		}
	}

	switch r.Kind {
	case ReportSyncCollection:
		if token := child(root, TagSyncToken); token != nil {
			r.SyncToken = token.Text()
		}
		if level := child(root, TagSyncLevel); level != nil {
			r.SyncLevel = level.Text()
		}
	case ReportCalendarMultiget:
		for _, href := range children(root, TagHref) {
			r.Hrefs = append(r.Hrefs, href.Text())
		}
	case ReportCalendarQuery:
		filter := child(root, TagFilter)
		if filter == nil {
			return nil, fmt.Errorf("calendar-query without filter")
		}
		for cf := child(filter, TagCompFilter); cf != nil; cf = child(cf, TagCompFilter) {
			r.Components = append(r.Components, cf.SelectAttrValue("name", ""))
			if tr := child(cf, TagTimeRange); tr != nil {
				parsed, err := parseTimeRange(tr)
				if err != nil {
					return nil, err
				}
				r.TimeRange = parsed
			}
		}
	case ReportFreeBusyQuery:
		tr := child(root, TagTimeRange)
		if tr == nil {
			return nil, fmt.Errorf("free-busy-query without time-range")
		}
		parsed, err := parseTimeRange(tr)
		if err != nil {
			return nil, err
		}
		r.TimeRange = parsed
	default:
		return nil, fmt.Errorf("unsupported report type: %s", root.Tag)
	}
	return r, nil
}

// ParsePropfind reads a PROPFIND body and returns the requested property
// names. An empty body or allprop yields nil, meaning every property.
func ParsePropfind(body io.Reader) ([]string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read propfind body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse propfind body: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != TagPropfind {
		return nil, fmt.Errorf("expected propfind body")
	}
	prop := child(root, TagProp)
	if prop == nil {
		return nil, nil
	}
	var names []string
	for _, p := range prop.ChildElements() {
		names = append(names, p.Tag)
	}
	return names, nil
}

func parseTimeRange(e *etree.Element) (*TimeRange, error) {
	tr := &TimeRange{}
	for attr, dst := range map[string]*time.Time{"start": &tr.Start, "end": &tr.End} {
		v := e.SelectAttrValue(attr, "")
		if v == "" {
			continue
		}
		t, err := time.Parse(timeRangeLayout, v)
		if err != nil {
			return nil, fmt.Errorf("invalid time-range %s %q: %w", attr, v, err)
		}
		*dst = t
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && !tr.End.After(tr.Start) {
		return nil, fmt.Errorf("time-range end must be after start")
	}
	return tr, nil
}

// child finds the first direct child with the given local name, whatever
// prefix the client chose.
func child(e *etree.Element, tag string) *etree.Element {
	for _, c := range e.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func children(e *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range e.ChildElements() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}
