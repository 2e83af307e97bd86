package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cyp0633/caldora/server/engine"
	"github.com/cyp0633/caldora/server/guard"
	"github.com/cyp0633/caldora/server/ical"
	"github.com/cyp0633/caldora/server/model"
	"github.com/cyp0633/caldora/server/recurrence"
	"github.com/cyp0633/caldora/server/storage"
	"github.com/cyp0633/caldora/server/view"
)

// collection opens the collection a path names and checks that it belongs
// to the user in the path.
func (h *CaldavHandler) collection(ctx context.Context, rc *RequestContext) (*model.Collection, view.Capabilities, error) {
	c, caps, err := h.Engine.Collection(ctx, rc.Resource.CalendarID, rc.Principal)
	if err != nil {
		return nil, caps, err
	}
	if c.Owner != rc.Resource.UserID {
		return nil, caps, fmt.Errorf("collection %s is not owned by %s: %w", c.ID, rc.Resource.UserID, storage.ErrNotFound)
	}
	return c, caps, nil
}

func (h *CaldavHandler) handleGet(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	if rc.Resource.ResourceType != ResourceObject {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := h.collection(r.Context(), rc); err != nil {
		h.writeError(w, err)
		return
	}

	p, err := h.Engine.Get(r.Context(), rc.Resource.CalendarID, rc.Resource.ObjectID, rc.Principal)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if guard.NoneMatch(r.Header.Get("If-None-Match"), p.ETag) {
		w.Header().Set("ETag", p.ETag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	var buf bytes.Buffer
	if key := r.URL.Query().Get("recurrence-id"); key != "" {
		occ, ok := h.occurrence(w, r, rc, key)
		if !ok {
			return
		}
		err = ical.EncodeOccurrences(&buf, p, []view.Component{occ})
	} else {
		err = ical.Encode(&buf, p)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", mimeCalendar)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("ETag", p.ETag)
	w.Header().Set(headerScheduleTag, p.ScheduleTag)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.Logger.Warn("failed to write response", "error", err)
	}
}

// occurrence loads the single slot a ?recurrence-id= query names. Slots
// that do not exist or are hidden from the caller are reported as 404.
func (h *CaldavHandler) occurrence(w http.ResponseWriter, r *http.Request, rc *RequestContext, key string) (view.Component, bool) {
	rid, _, err := recurrence.ParseID(key)
	if err != nil {
		http.Error(w, "Bad Request: malformed recurrence-id", http.StatusBadRequest)
		return view.Component{}, false
	}
	occ, err := h.Engine.GetOccurrence(r.Context(), rc.Resource.CalendarID, rc.Resource.ObjectID, rid, rc.Principal)
	if errors.Is(err, engine.ErrOrphanedRecurrenceID) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return view.Component{}, false
	}
	if err != nil {
		h.writeError(w, err)
		return view.Component{}, false
	}
	return occ, true
}
