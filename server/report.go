package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/samber/mo"

	"github.com/cyp0633/caldora/internal/xml"
	"github.com/cyp0633/caldora/server/engine"
	"github.com/cyp0633/caldora/server/ical"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/view"
)

func (h *CaldavHandler) handleReport(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	req, err := xml.ParseReport(r.Body)
	if err != nil {
		h.Logger.Info("invalid report body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	h.Logger.Debug("report received",
		"kind", req.Kind,
		"user_id", rc.Resource.UserID,
		"calendar_id", rc.Resource.CalendarID,
		"principal", rc.Principal.UserID)

	if rc.Resource.ResourceType != ResourceCollection {
		http.Error(w, "Forbidden: reports run against a calendar collection", http.StatusForbidden)
		return
	}
	c, _, err := h.collection(r.Context(), rc)
	if err != nil {
		h.writeError(w, err)
		return
	}

	switch req.Kind {
	case xml.ReportSyncCollection:
		h.syncCollection(r.Context(), w, rc, c, req)
	case xml.ReportCalendarQuery:
		h.calendarQuery(r.Context(), w, rc, c, req)
	case xml.ReportCalendarMultiget:
		h.calendarMultiget(r.Context(), w, rc, c, req)
	case xml.ReportFreeBusyQuery:
		h.freeBusyQuery(r.Context(), w, c, req)
	}
}

func window(tr *xml.TimeRange) model.Window {
	if tr == nil {
		return model.Window{}
	}
	return model.Window{From: tr.Start, To: tr.End}
}

// expansion materializes the collection over the expand range of req,
// keyed by resource id. It returns nil when nothing asks for expansion, and
// reports whether any resource's expansion was cut short.
func (h *CaldavHandler) expansion(ctx context.Context, rc *RequestContext, c *model.Collection, req *xml.ReportRequest) (map[string][]view.Component, bool, error) {
	if req.Expand == nil || !req.Wants(xml.TagCalendarData) {
		return nil, false, nil
	}
	if req.Expand.Start.IsZero() || req.Expand.End.IsZero() {
		return nil, false, &xml.Error{Namespace: xml.CalDAV, Tag: "valid-filter", Message: "expand needs start and end"}
	}
	resources, err := h.Engine.Materialize(ctx, c.ID, window(req.Expand), rc.Principal)
	if err != nil {
		return nil, false, err
	}
	out := make(map[string][]view.Component, len(resources))
	truncated := false
	for _, res := range resources {
		out[res.Projection.ResourceID] = res.Occurrences
		truncated = truncated || res.Truncated
	}
	return out, truncated, nil
}

// limitRow tells the client the result set is incomplete: a response for
// the collection itself with 507 and DAV:number-of-matches-within-limits.
func (h *CaldavHandler) limitRow(c *model.Collection) xml.Response {
	href, err := h.URLConverter.EncodePath(Resource{UserID: c.Owner, CalendarID: c.ID, ResourceType: ResourceCollection})
	if err != nil {
		h.Logger.Warn("failed to encode href", "calendar_id", c.ID, "error", err)
	}
	return xml.Response{
		Href:   href,
		Status: xml.StatusLine(http.StatusInsufficientStorage),
		Error:  &xml.Error{Namespace: xml.DAV, Tag: xml.TagNumberOfMatchesWithinLimits},
	}
}

func (h *CaldavHandler) objectEnv(ctx context.Context, rc *RequestContext, c *model.Collection, resourceID string, expanded map[string][]view.Component) *propEnv {
	env := h.env(ctx, rc, Resource{UserID: c.Owner, CalendarID: c.ID, ObjectID: resourceID, ResourceType: ResourceObject})
	env.collection = c
	if expanded != nil {
		env.expanded = true
		env.occurrences = expanded[resourceID]
	}
	return env
}

func (h *CaldavHandler) statusRow(c *model.Collection, resourceID string, status int) xml.Response {
	href, err := h.objectHref(c.Owner, c.ID, resourceID)
	if err != nil {
		h.Logger.Warn("failed to encode href", "resource_id", resourceID, "error", err)
	}
	return xml.Response{Href: href, Status: xml.StatusLine(status)}
}

func (h *CaldavHandler) writeReportError(w http.ResponseWriter, err error) {
	var davErr *xml.Error
	if errors.As(err, &davErr) {
		h.writeXML(w, http.StatusForbidden, davErr.Document())
		return
	}
	h.writeError(w, err)
}

func (h *CaldavHandler) syncCollection(ctx context.Context, w http.ResponseWriter, rc *RequestContext, c *model.Collection, req *xml.ReportRequest) {
	if req.SyncLevel != "" && req.SyncLevel != "1" {
		http.Error(w, "Forbidden: only sync-level 1 is supported", http.StatusForbidden)
		return
	}
	delta, err := h.Engine.Delta(ctx, c.ID, req.SyncToken, rc.Principal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Logger.Debug("sync delta",
		"collection", c.ID,
		"full", delta.Full,
		"changed", len(delta.Changed),
		"deleted", len(delta.Deleted),
		"occurrences_deleted", len(delta.DeletedOccurrences))

	expanded, truncated, err := h.expansion(ctx, rc, c, req)
	if err != nil {
		h.writeReportError(w, err)
		return
	}

	ms := &xml.MultistatusResponse{SyncToken: delta.Token}
	reported := make(map[string]struct{}, len(delta.Changed))
	for i := range delta.Changed {
		state := &delta.Changed[i]
		reported[state.ResourceID] = struct{}{}
		env := h.objectEnv(ctx, rc, c, state.ResourceID, expanded)
		env.state = state
		ms.Responses = append(ms.Responses, h.resolve(env, req.Prop))
	}

	// A removed occurrence changes the series the client holds, so the
	// series is reported as changed.
	var touched []string
	for id := range delta.DeletedOccurrences {
		if _, ok := reported[id]; !ok {
			touched = append(touched, id)
		}
	}
	sort.Strings(touched)
	for _, id := range touched {
		env := h.objectEnv(ctx, rc, c, id, expanded)
		if _, err := env.Projection(); err != nil {
			if errors.Is(err, storage.ErrNotFound) || errors.Is(err, engine.ErrNotFoundAfterVisibilityChange) {
				ms.Responses = append(ms.Responses, h.statusRow(c, id, http.StatusNotFound))
				continue
			}
			h.writeError(w, err)
			return
		}
		ms.Responses = append(ms.Responses, h.resolve(env, req.Prop))
	}

	for _, id := range delta.Deleted {
		ms.Responses = append(ms.Responses, h.statusRow(c, id, http.StatusNotFound))
	}
	if truncated {
		ms.Responses = append(ms.Responses, h.limitRow(c))
	}
	h.writeXML(w, http.StatusMultiStatus, ms.ToXML())
}

func (h *CaldavHandler) calendarQuery(ctx context.Context, w http.ResponseWriter, rc *RequestContext, c *model.Collection, req *xml.ReportRequest) {
	ms := &xml.MultistatusResponse{}
	// Only events are stored; any other component filter matches nothing.
	if len(req.Components) > 0 && req.Components[0] != "VCALENDAR" ||
		len(req.Components) > 1 && req.Components[1] != "VEVENT" {
		h.writeXML(w, http.StatusMultiStatus, ms.ToXML())
		return
	}

	resources, err := h.Engine.Materialize(ctx, c.ID, window(req.TimeRange), rc.Principal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	expanded, truncated, err := h.expansion(ctx, rc, c, req)
	if err != nil {
		h.writeReportError(w, err)
		return
	}

	for _, res := range resources {
		env := h.objectEnv(ctx, rc, c, res.Projection.ResourceID, expanded)
		env.projection = res.Projection
		ms.Responses = append(ms.Responses, h.resolve(env, req.Prop))
		truncated = truncated || res.Truncated
	}
	if truncated {
		ms.Responses = append(ms.Responses, h.limitRow(c))
	}
	h.writeXML(w, http.StatusMultiStatus, ms.ToXML())
}

// lookup resolves one multiget href to a resource in c.
func (h *CaldavHandler) lookup(ctx context.Context, rc *RequestContext, c *model.Collection, href string) mo.Result[*view.Projection] {
	path, err := url.PathUnescape(href)
	if err != nil {
		return mo.Err[*view.Projection](storage.ErrNotFound)
	}
	if u, err := url.Parse(path); err == nil && u.Path != "" {
		path = u.Path
	}
	res, err := h.URLConverter.ParsePath(path)
	if err != nil || res.ResourceType != ResourceObject || res.CalendarID != c.ID || res.UserID != c.Owner {
		return mo.Err[*view.Projection](storage.ErrNotFound)
	}
	return mo.TupleToResult(h.Engine.Get(ctx, c.ID, res.ObjectID, rc.Principal))
}

func (h *CaldavHandler) calendarMultiget(ctx context.Context, w http.ResponseWriter, rc *RequestContext, c *model.Collection, req *xml.ReportRequest) {
	expanded, truncated, err := h.expansion(ctx, rc, c, req)
	if err != nil {
		h.writeReportError(w, err)
		return
	}

	ms := &xml.MultistatusResponse{}
	for _, href := range req.Hrefs {
		p, err := h.lookup(ctx, rc, c, href).Get()
		switch {
		case err == nil:
			env := h.objectEnv(ctx, rc, c, p.ResourceID, expanded)
			env.projection = p
			ms.Responses = append(ms.Responses, h.resolve(env, req.Prop))
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, engine.ErrNotFoundAfterVisibilityChange):
			ms.Responses = append(ms.Responses, xml.Response{Href: href, Status: xml.StatusLine(http.StatusNotFound)})
		case errors.Is(err, storage.ErrPermissionDenied):
			ms.Responses = append(ms.Responses, xml.Response{Href: href, Status: xml.StatusLine(http.StatusForbidden)})
		default:
			h.writeError(w, err)
			return
		}
	}
	if truncated {
		ms.Responses = append(ms.Responses, h.limitRow(c))
	}
	h.writeXML(w, http.StatusMultiStatus, ms.ToXML())
}

func (h *CaldavHandler) freeBusyQuery(ctx context.Context, w http.ResponseWriter, c *model.Collection, req *xml.ReportRequest) {
	win := window(req.TimeRange)
	if win.From.IsZero() || win.To.IsZero() {
		h.writeError(w, storage.ErrInvalidInput)
		return
	}
	intervals, err := h.Engine.FreeBusy(ctx, c.Owner, win)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := ical.EncodeFreeBusy(&buf, "", win, intervals, time.Now()); err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", mimeCalendar)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.Logger.Warn("failed to write response", "error", err)
	}
}
