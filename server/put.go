package server

import (
	"net/http"
	"strings"

	"github.com/cyp0633/caldora/server/engine"
	"github.com/cyp0633/caldora/server/guard"
	"github.com/cyp0633/caldora/server/ical"
)

// precondition collects the conditional request headers.
func precondition(r *http.Request) guard.Precondition {
	return guard.Precondition{
		IfMatch:            strings.TrimSpace(r.Header.Get("If-Match")),
		IfScheduleTagMatch: strings.TrimSpace(r.Header.Get(headerIfScheduleTagMatch)),
		IfNoneMatch:        strings.TrimSpace(r.Header.Get("If-None-Match")),
	}
}

func (h *CaldavHandler) handlePut(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	h.Logger.Info("put request received",
		"user_id", rc.Resource.UserID,
		"calendar_id", rc.Resource.CalendarID,
		"object_id", rc.Resource.ObjectID,
		"principal", rc.Principal.UserID)

	if rc.Resource.ResourceType != ResourceObject {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		h.Logger.Warn("unsupported media type", "content_type", ct)
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}
	if _, _, err := h.collection(r.Context(), rc); err != nil {
		h.writeError(w, err)
		return
	}

	sub, err := ical.Decode(r.Body)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.Engine.Mutate(r.Context(), engine.Mutation{
		CollectionID: rc.Resource.CalendarID,
		ResourceID:   rc.Resource.ObjectID,
		Principal:    rc.Principal,
		Precondition: precondition(r),
		Op:           engine.PutResource{Submission: sub},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	if res.ETag != "" {
		w.Header().Set("ETag", res.ETag)
	}
	if res.ScheduleTag != "" {
		w.Header().Set(headerScheduleTag, res.ScheduleTag)
	}
	if res.Created {
		h.Logger.Info("object created", "object_id", rc.Resource.ObjectID, "etag", res.ETag)
		w.WriteHeader(http.StatusCreated)
		return
	}
	h.Logger.Info("object updated", "object_id", rc.Resource.ObjectID, "etag", res.ETag, "changed", res.Changed)
	w.WriteHeader(http.StatusNoContent)
}
