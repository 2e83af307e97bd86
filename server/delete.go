package server

import (
	"net/http"

	"github.com/cyp0633/caldora/server/engine"
)

func (h *CaldavHandler) handleDelete(w http.ResponseWriter, r *http.Request, rc *RequestContext) {
	h.Logger.Info("delete request received",
		"user_id", rc.Resource.UserID,
		"calendar_id", rc.Resource.CalendarID,
		"object_id", rc.Resource.ObjectID,
		"principal", rc.Principal.UserID)

	// Collections are provisioned out of band and cannot be deleted here.
	if rc.Resource.ResourceType != ResourceObject {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, _, err := h.collection(r.Context(), rc); err != nil {
		h.writeError(w, err)
		return
	}

	_, err := h.Engine.Mutate(r.Context(), engine.Mutation{
		CollectionID: rc.Resource.CalendarID,
		ResourceID:   rc.Resource.ObjectID,
		Principal:    rc.Principal,
		Precondition: precondition(r),
		Op:           engine.DeleteResource{},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Logger.Info("object deleted", "object_id", rc.Resource.ObjectID)
	w.WriteHeader(http.StatusNoContent)
}
